package payment

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

type fakeEVMClient struct {
	nonce    uint64
	gasPrice *big.Int
	gas      uint64
	head     uint64
	sendErr  error
	nonceErr error
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	lastCall ethereum.CallMsg
	balance  *big.Int
}

func newFakeEVMClient() *fakeEVMClient {
	return &fakeEVMClient{
		nonce:    7,
		gasPrice: big.NewInt(1_000_000_000),
		gas:      50_000,
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeEVMClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, f.nonceErr
}

func (f *fakeEVMClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeEVMClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.lastCall = msg
	return f.gas, nil
}

func (f *fakeEVMClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEVMClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if r, ok := f.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeEVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeEVMClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.lastCall = call
	if f.balance == nil {
		return nil, nil
	}
	return common.LeftPadBytes(f.balance.Bytes(), 32), nil
}

// stubbornSigner is a wallet that refuses to leave its chain
type stubbornSigner struct {
	*KeypairEVMSigner
}

func (s stubbornSigner) SwitchChain(ctx context.Context, chainID int64) error {
	return errors.New("user rejected the request")
}

type rpcRejection struct{}

func (rpcRejection) Error() string  { return "insufficient funds for gas * price + value" }
func (rpcRejection) ErrorCode() int { return -32000 }

func TestEVMAdapter_Transfer(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signer := NewKeypairEVMSigner(key)
	signers := NewSignerRegistry()
	signers.RegisterEVM(signer)

	network := describe(t, testCatalog(t), "polygon")
	client := newFakeEVMClient()
	adapter := NewEVMAdapter(network, client, signers)

	to := common.HexToAddress("0x7e5f4552091a69125d5dfcb7b8c2659029395bdf")
	amount := big.NewInt(20_000_000)

	ref, err := adapter.Transfer(context.Background(), signer.Address(), to.Hex(), network.AssetContract, amount)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("Expected one transaction sent, got %d", len(client.sent))
	}

	tx := client.sent[0]
	if TxRef(tx.Hash().Hex()) != ref {
		t.Errorf("Ref %s does not match sent hash %s", ref, tx.Hash().Hex())
	}
	if tx.Nonce() != 7 || tx.Gas() != 60_000 {
		t.Errorf("Unexpected nonce/gas: %d/%d", tx.Nonce(), tx.Gas())
	}
	if *tx.To() != common.HexToAddress(network.AssetContract) {
		t.Errorf("Transaction must call the token contract, got %s", tx.To().Hex())
	}
	if tx.Value().Sign() != 0 {
		t.Errorf("Token transfer must not carry value")
	}

	data := tx.Data()
	if len(data) != 68 || common.Bytes2Hex(data[:4]) != "a9059cbb" {
		t.Fatalf("Unexpected calldata %x", data)
	}
	if common.BytesToAddress(data[4:36]) != to {
		t.Errorf("Recipient not encoded in calldata")
	}
	if new(big.Int).SetBytes(data[36:]).Cmp(amount) != 0 {
		t.Errorf("Amount not encoded in calldata")
	}

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(137)), tx)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if sender.Hex() != signer.Address() {
		t.Errorf("Transaction signed by %s, want %s", sender.Hex(), signer.Address())
	}
}

func TestEVMAdapter_LargeAmount(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signer := NewKeypairEVMSigner(key)
	signers := NewSignerRegistry()
	signers.RegisterEVM(signer)

	network := describe(t, testCatalog(t), "bsc")
	client := newFakeEVMClient()
	adapter := NewEVMAdapter(network, client, signers)

	// 40 USDT at 18 decimals does not fit uint64
	amount, _ := CentsToBaseUnits(4000, network.AssetDecimals)
	if amount.IsUint64() {
		t.Fatalf("Test amount should exceed uint64")
	}

	_, err := adapter.Transfer(context.Background(), signer.Address(), "0x7e5f4552091a69125d5dfcb7b8c2659029395bdf", network.AssetContract, amount)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got := new(big.Int).SetBytes(client.sent[0].Data()[36:]); got.Cmp(amount) != 0 {
		t.Errorf("Expected %s encoded, got %s", amount, got)
	}
}

func TestEVMAdapter_TransferErrors(t *testing.T) {
	ctx := context.Background()
	network := describe(t, testCatalog(t), "ethereum")
	to := "0x7e5f4552091a69125d5dfcb7b8c2659029395bdf"

	t.Run("no signer", func(t *testing.T) {
		adapter := NewEVMAdapter(network, newFakeEVMClient(), NewSignerRegistry())
		_, err := adapter.Transfer(ctx, to, to, network.AssetContract, big.NewInt(1))
		if !errors.Is(err, ErrSignerUnavailable) {
			t.Errorf("Expected ErrSignerUnavailable, got %v", err)
		}
	})

	t.Run("signer refuses to switch chain", func(t *testing.T) {
		key, _ := crypto.GenerateKey()
		signer := stubbornSigner{NewKeypairEVMSigner(key)}
		signer.KeypairEVMSigner.SwitchChain(ctx, 56)
		signers := NewSignerRegistry()
		signers.RegisterEVM(signer)

		client := newFakeEVMClient()
		adapter := NewEVMAdapter(network, client, signers)
		_, err := adapter.Transfer(ctx, signer.Address(), to, network.AssetContract, big.NewInt(1))
		if !errors.Is(err, ErrWrongNetwork) {
			t.Errorf("Expected ErrWrongNetwork, got %v", err)
		}
		if len(client.sent) != 0 {
			t.Errorf("Nothing should be sent on the wrong chain")
		}
	})

	t.Run("node rejects", func(t *testing.T) {
		key, _ := crypto.GenerateKey()
		signer := NewKeypairEVMSigner(key)
		signers := NewSignerRegistry()
		signers.RegisterEVM(signer)

		client := newFakeEVMClient()
		client.sendErr = rpcRejection{}
		adapter := NewEVMAdapter(network, client, signers)
		_, err := adapter.Transfer(ctx, signer.Address(), to, network.AssetContract, big.NewInt(1))
		if !errors.Is(err, ErrSubmissionFailed) {
			t.Errorf("Expected ErrSubmissionFailed, got %v", err)
		}
	})

	t.Run("node unreachable", func(t *testing.T) {
		key, _ := crypto.GenerateKey()
		signer := NewKeypairEVMSigner(key)
		signers := NewSignerRegistry()
		signers.RegisterEVM(signer)

		client := newFakeEVMClient()
		client.nonceErr = errors.New("dial tcp: connection refused")
		adapter := NewEVMAdapter(network, client, signers)
		_, err := adapter.Transfer(ctx, signer.Address(), to, network.AssetContract, big.NewInt(1))
		if !errors.Is(err, ErrNetworkUnavailable) {
			t.Errorf("Expected ErrNetworkUnavailable, got %v", err)
		}
	})

	t.Run("invalid recipient", func(t *testing.T) {
		adapter := NewEVMAdapter(network, newFakeEVMClient(), NewSignerRegistry())
		_, err := adapter.Transfer(ctx, to, "0x1234", network.AssetContract, big.NewInt(1))
		if !errors.Is(err, ErrValidation) {
			t.Errorf("Expected ErrValidation, got %v", err)
		}
	})
}

func TestEVMAdapter_QueryFinality(t *testing.T) {
	network := describe(t, testCatalog(t), "ethereum")
	hash := common.HexToHash("0xab")

	tests := []struct {
		name    string
		receipt *types.Receipt
		head    uint64
		expect  Finality
	}{
		{"not found", nil, 100, FinalityPending},
		{"reverted", &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(90)}, 100, FinalityFailed},
		{"too few confirmations", &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(90)}, 100, FinalityPending},
		{"final", &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(90)}, 101, FinalitySuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeEVMClient()
			client.head = tt.head
			if tt.receipt != nil {
				client.receipts[hash] = tt.receipt
			}
			adapter := NewEVMAdapter(network, client, NewSignerRegistry())

			got, err := adapter.QueryFinality(context.Background(), TxRef(hash.Hex()))
			if err != nil {
				t.Fatalf("QueryFinality: %v", err)
			}
			if got != tt.expect {
				t.Errorf("Expected %s, got %s", tt.expect, got)
			}
		})
	}

	adapter := NewEVMAdapter(network, newFakeEVMClient(), NewSignerRegistry())
	if want := "https://etherscan.io/tx/" + hash.Hex(); adapter.BlockExplorerURL(TxRef(hash.Hex())) != want {
		t.Errorf("Unexpected explorer URL %s", adapter.BlockExplorerURL(TxRef(hash.Hex())))
	}
}

func TestEVMAdapter_BalanceOf(t *testing.T) {
	network := describe(t, testCatalog(t), "polygon")
	client := newFakeEVMClient()
	client.balance = big.NewInt(42_000_000)
	adapter := NewEVMAdapter(network, client, NewSignerRegistry())

	owner := "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"
	balance, err := adapter.BalanceOf(context.Background(), owner, network.AssetContract)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if balance.Int64() != 42_000_000 {
		t.Errorf("balance = %s, want 42000000", balance)
	}

	data := client.lastCall.Data
	if common.Bytes2Hex(data[:4]) != "70a08231" || common.BytesToAddress(data[4:36]) != common.HexToAddress(owner) {
		t.Errorf("unexpected balanceOf calldata %x", data)
	}
	if *client.lastCall.To != common.HexToAddress(network.AssetContract) {
		t.Errorf("balanceOf must call the token contract")
	}

	if _, err := adapter.BalanceOf(context.Background(), "not-an-address", network.AssetContract); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestEVMAdapter_CreditedAmount(t *testing.T) {
	ctx := context.Background()
	network := describe(t, testCatalog(t), "polygon")
	token := common.HexToAddress(network.AssetContract)
	treasury := common.HexToAddress(evmTreasury)
	payer := common.HexToAddress(evmPayer)
	hash := common.HexToHash("0xcd")

	transfer := func(contract, to common.Address, amount int64) *types.Log {
		return &types.Log{
			Address: contract,
			Topics:  []common.Hash{erc20TransferEvent, common.BytesToHash(payer.Bytes()), common.BytesToHash(to.Bytes())},
			Data:    common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
		}
	}

	client := newFakeEVMClient()
	client.receipts[hash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(90),
		Logs: []*types.Log{
			transfer(token, treasury, 15_000_000),
			transfer(token, treasury, 5_000_000),
			transfer(token, payer, 1_000_000),
			transfer(common.HexToAddress("0x9999999999999999999999999999999999999999"), treasury, 99_000_000),
		},
	}
	adapter := NewEVMAdapter(network, client, NewSignerRegistry())

	credited, err := adapter.CreditedAmount(ctx, TxRef(hash.Hex()), evmTreasury, network.AssetContract)
	if err != nil {
		t.Fatalf("CreditedAmount: %v", err)
	}
	if credited.Int64() != 20_000_000 {
		t.Errorf("Expected 20000000 credited to the treasury, got %s", credited)
	}

	credited, err = adapter.CreditedAmount(ctx, TxRef(hash.Hex()), "0x5555555555555555555555555555555555555555", network.AssetContract)
	if err != nil || credited.Sign() != 0 {
		t.Errorf("A transaction that paid someone else credits nothing, got %s (%v)", credited, err)
	}

	if _, err := adapter.CreditedAmount(ctx, TxRef(common.HexToHash("0xee").Hex()), evmTreasury, network.AssetContract); !errors.Is(err, ErrNetworkUnavailable) {
		t.Errorf("Expected ErrNetworkUnavailable for a missing receipt, got %v", err)
	}
}
