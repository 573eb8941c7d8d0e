package payment

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

type fakeSolanaRPC struct {
	existing map[solana.PublicKey]bool
	statuses map[solana.Signature]*rpc.SignatureStatusesResult
	sendErr  error
	sent     []*solana.Transaction
	balances map[solana.PublicKey]string
	txs      map[solana.Signature]*rpc.GetTransactionResult
}

func newFakeSolanaRPC() *fakeSolanaRPC {
	return &fakeSolanaRPC{
		existing: make(map[solana.PublicKey]bool),
		statuses: make(map[solana.Signature]*rpc.SignatureStatusesResult),
		balances: make(map[solana.PublicKey]string),
		txs:      make(map[solana.Signature]*rpc.GetTransactionResult),
	}
}

func (f *fakeSolanaRPC) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{1, 2, 3}},
	}, nil
}

func (f *fakeSolanaRPC) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	if !f.existing[account] {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: &rpc.Account{Owner: solana.TokenProgramID}}, nil
}

func (f *fakeSolanaRPC) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

func (f *fakeSolanaRPC) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	out := &rpc.GetSignatureStatusesResult{}
	for _, sig := range sigs {
		out.Value = append(out.Value, f.statuses[sig])
	}
	return out, nil
}

func (f *fakeSolanaRPC) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	amount, ok := f.balances[account]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetTokenAccountBalanceResult{Value: &rpc.UiTokenAmount{Amount: amount, Decimals: 6}}, nil
}

func (f *fakeSolanaRPC) GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	tx, ok := f.txs[sig]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return tx, nil
}

func setupSolanaAdapter(t *testing.T) (*SolanaAdapter, *fakeSolanaRPC, *KeypairSolanaSigner, NetworkDescriptor) {
	t.Helper()

	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("NewRandomPrivateKey: %v", err)
	}
	signer := NewKeypairSolanaSigner(key)
	signers := NewSignerRegistry()
	signers.RegisterSolana(signer)

	network := describe(t, testCatalog(t), "convoai")
	client := newFakeSolanaRPC()
	return NewSolanaAdapter(network, client, signers), client, signer, network
}

func programOf(tx *solana.Transaction, i int) solana.PublicKey {
	return tx.Message.AccountKeys[tx.Message.Instructions[i].ProgramIDIndex]
}

func TestSolanaAdapter_Transfer(t *testing.T) {
	ctx := context.Background()

	t.Run("creates missing recipient account", func(t *testing.T) {
		adapter, client, signer, network := setupSolanaAdapter(t)
		recipient := solana.NewWallet().PublicKey()

		ref, err := adapter.Transfer(ctx, signer.PublicKey().String(), recipient.String(), network.AssetContract, big.NewInt(180_000))
		if err != nil {
			t.Fatalf("Transfer: %v", err)
		}
		if len(client.sent) != 1 {
			t.Fatalf("Expected one transaction, got %d", len(client.sent))
		}

		tx := client.sent[0]
		if string(ref) != tx.Signatures[0].String() {
			t.Errorf("Ref must be the transaction signature")
		}
		if err := tx.VerifySignatures(); err != nil {
			t.Errorf("VerifySignatures: %v", err)
		}
		if len(tx.Message.Instructions) != 2 {
			t.Fatalf("Expected create-ATA and transfer, got %d instructions", len(tx.Message.Instructions))
		}
		if programOf(tx, 0).String() != defaultAssociatedTokenProgram {
			t.Errorf("First instruction should create the ATA, got program %s", programOf(tx, 0))
		}
		if !programOf(tx, 1).Equals(solana.TokenProgramID) {
			t.Errorf("Second instruction should be a token transfer")
		}

		data := tx.Message.Instructions[1].Data
		if data[0] != 3 || binary.LittleEndian.Uint64(data[1:9]) != 180_000 {
			t.Errorf("Unexpected transfer data %x", []byte(data))
		}
	})

	t.Run("skips existing recipient account", func(t *testing.T) {
		adapter, client, signer, network := setupSolanaAdapter(t)
		recipient := solana.NewWallet().PublicKey()
		mint := solana.MustPublicKeyFromBase58(network.AssetContract)
		ata, _, _ := solana.FindAssociatedTokenAddress(recipient, mint)
		client.existing[ata] = true

		if _, err := adapter.Transfer(ctx, signer.PublicKey().String(), recipient.String(), network.AssetContract, big.NewInt(1)); err != nil {
			t.Fatalf("Transfer: %v", err)
		}
		if n := len(client.sent[0].Message.Instructions); n != 1 {
			t.Errorf("Expected only the transfer instruction, got %d", n)
		}
	})

	t.Run("amount must fit uint64", func(t *testing.T) {
		adapter, _, signer, network := setupSolanaAdapter(t)
		huge := new(big.Int).Lsh(big.NewInt(1), 64)
		_, err := adapter.Transfer(ctx, signer.PublicKey().String(), signer.PublicKey().String(), network.AssetContract, huge)
		if !errors.Is(err, ErrValidation) {
			t.Errorf("Expected ErrValidation, got %v", err)
		}
	})

	t.Run("no signer", func(t *testing.T) {
		adapter, _, _, network := setupSolanaAdapter(t)
		stranger := solana.NewWallet().PublicKey().String()
		_, err := adapter.Transfer(ctx, stranger, stranger, network.AssetContract, big.NewInt(1))
		if !errors.Is(err, ErrSignerUnavailable) {
			t.Errorf("Expected ErrSignerUnavailable, got %v", err)
		}
	})

	t.Run("preflight rejection", func(t *testing.T) {
		adapter, client, signer, network := setupSolanaAdapter(t)
		client.sendErr = &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: insufficient funds"}
		_, err := adapter.Transfer(ctx, signer.PublicKey().String(), solana.NewWallet().PublicKey().String(), network.AssetContract, big.NewInt(1))
		if !errors.Is(err, ErrSubmissionFailed) {
			t.Errorf("Expected ErrSubmissionFailed, got %v", err)
		}
	})

	t.Run("transport failure", func(t *testing.T) {
		adapter, client, signer, network := setupSolanaAdapter(t)
		client.sendErr = errors.New("connection reset by peer")
		_, err := adapter.Transfer(ctx, signer.PublicKey().String(), solana.NewWallet().PublicKey().String(), network.AssetContract, big.NewInt(1))
		if !errors.Is(err, ErrNetworkUnavailable) {
			t.Errorf("Expected ErrNetworkUnavailable, got %v", err)
		}
	})
}

func TestSolanaAdapter_Burn(t *testing.T) {
	adapter, client, signer, network := setupSolanaAdapter(t)

	var burner Burner = adapter
	if _, err := burner.Burn(context.Background(), signer.PublicKey().String(), network.AssetContract, big.NewInt(20_000)); err != nil {
		t.Fatalf("Burn: %v", err)
	}

	tx := client.sent[0]
	if len(tx.Message.Instructions) != 1 || !programOf(tx, 0).Equals(solana.TokenProgramID) {
		t.Fatalf("Expected a single token program instruction")
	}
	data := tx.Message.Instructions[0].Data
	if data[0] != 8 || binary.LittleEndian.Uint64(data[1:9]) != 20_000 {
		t.Errorf("Unexpected burn data %x", []byte(data))
	}
}

func TestSolanaAdapter_QueryFinality(t *testing.T) {
	adapter, client, _, _ := setupSolanaAdapter(t)
	sig := solana.Signature{9, 9, 9}

	tests := []struct {
		name   string
		status *rpc.SignatureStatusesResult
		expect Finality
	}{
		{"unknown", nil, FinalityPending},
		{"confirmed only", &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed}, FinalityPending},
		{"finalized", &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusFinalized}, FinalitySuccess},
		{"errored", &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusFinalized, Err: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}}, FinalityFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client.statuses[sig] = tt.status
			got, err := adapter.QueryFinality(context.Background(), TxRef(sig.String()))
			if err != nil {
				t.Fatalf("QueryFinality: %v", err)
			}
			if got != tt.expect {
				t.Errorf("Expected %s, got %s", tt.expect, got)
			}
		})
	}

	if want := "https://solscan.io/tx/" + sig.String(); adapter.BlockExplorerURL(TxRef(sig.String())) != want {
		t.Errorf("Unexpected explorer URL %s", adapter.BlockExplorerURL(TxRef(sig.String())))
	}
}

func TestSolanaAdapter_BalanceOf(t *testing.T) {
	ctx := context.Background()
	adapter, client, signer, network := setupSolanaAdapter(t)
	owner := signer.PublicKey().String()

	balance, err := adapter.BalanceOf(ctx, owner, network.AssetContract)
	if err != nil {
		t.Fatalf("BalanceOf without token account: %v", err)
	}
	if balance.Sign() != 0 {
		t.Errorf("missing token account should hold nothing, got %s", balance)
	}

	ata, _, _ := solana.FindAssociatedTokenAddress(signer.PublicKey(), solana.MustPublicKeyFromBase58(network.AssetContract))
	client.balances[ata] = "1500000"

	balance, err = adapter.BalanceOf(ctx, owner, network.AssetContract)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if balance.Int64() != 1_500_000 {
		t.Errorf("balance = %s, want 1500000", balance)
	}
}

func TestSolanaAdapter_CreditedAmount(t *testing.T) {
	ctx := context.Background()
	adapter, client, signer, network := setupSolanaAdapter(t)
	mint := solana.MustPublicKeyFromBase58(network.AssetContract)
	treasury := solana.NewWallet().PublicKey()
	payer := signer.PublicKey()
	otherMint := solana.NewWallet().PublicKey()

	balance := func(index uint16, owner, mint solana.PublicKey, amount string) rpc.TokenBalance {
		return rpc.TokenBalance{AccountIndex: index, Owner: &owner, Mint: mint, UiTokenAmount: &rpc.UiTokenAmount{Amount: amount, Decimals: 6}}
	}

	sig := solana.Signature{7, 7, 7}
	client.txs[sig] = &rpc.GetTransactionResult{
		Meta: &rpc.TransactionMeta{
			PreTokenBalances: []rpc.TokenBalance{
				balance(1, payer, mint, "500000"),
				balance(2, treasury, mint, "1000"),
				balance(3, treasury, otherMint, "0"),
			},
			PostTokenBalances: []rpc.TokenBalance{
				balance(1, payer, mint, "320000"),
				balance(2, treasury, mint, "181000"),
				balance(3, treasury, otherMint, "999999"),
			},
		},
	}

	credited, err := adapter.CreditedAmount(ctx, TxRef(sig.String()), treasury.String(), network.AssetContract)
	if err != nil {
		t.Fatalf("CreditedAmount: %v", err)
	}
	if credited.Int64() != 180_000 {
		t.Errorf("Expected 180000 credited to the treasury, got %s", credited)
	}

	credited, err = adapter.CreditedAmount(ctx, TxRef(sig.String()), payer.String(), network.AssetContract)
	if err != nil || credited.Sign() != 0 {
		t.Errorf("The payer's balance shrank, nothing is credited; got %s (%v)", credited, err)
	}

	t.Run("account created by the transfer", func(t *testing.T) {
		fresh := solana.Signature{8, 8, 8}
		client.txs[fresh] = &rpc.GetTransactionResult{
			Meta: &rpc.TransactionMeta{
				PostTokenBalances: []rpc.TokenBalance{balance(2, treasury, mint, "180000")},
			},
		}
		credited, err := adapter.CreditedAmount(ctx, TxRef(fresh.String()), treasury.String(), network.AssetContract)
		if err != nil || credited.Int64() != 180_000 {
			t.Errorf("Expected 180000, got %s (%v)", credited, err)
		}
	})

	t.Run("unknown signature", func(t *testing.T) {
		_, err := adapter.CreditedAmount(ctx, TxRef(solana.Signature{1}.String()), treasury.String(), network.AssetContract)
		if !errors.Is(err, ErrNetworkUnavailable) {
			t.Errorf("Expected ErrNetworkUnavailable, got %v", err)
		}
	})
}
