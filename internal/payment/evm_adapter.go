package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	erc20TransferSelector  = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	erc20BalanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	erc20TransferEvent     = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	evmTxHashPattern       = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
)

// EVMClient is the subset of ethclient.Client the adapter uses
type EVMClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EVMAdapter transfers ERC-20 tokens on one EVM chain
type EVMAdapter struct {
	network NetworkDescriptor
	client  EVMClient
	signers *SignerRegistry
}

// DialEVMAdapter connects to the network's RPC endpoint
func DialEVMAdapter(ctx context.Context, network NetworkDescriptor, signers *SignerRegistry) (*EVMAdapter, error) {
	client, err := ethclient.DialContext(ctx, network.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s RPC: %v", ErrNetworkUnavailable, network.ID, err)
	}
	return NewEVMAdapter(network, client, signers), nil
}

func NewEVMAdapter(network NetworkDescriptor, client EVMClient, signers *SignerRegistry) *EVMAdapter {
	return &EVMAdapter{network: network, client: client, signers: signers}
}

func (a *EVMAdapter) Family() ProtocolFamily {
	return FamilyEVM
}

// EnsureChain makes sure the signer for from is on chainID, asking it to
// switch when it is not
func (a *EVMAdapter) EnsureChain(ctx context.Context, from string, chainID int64) error {
	signer, err := a.signers.EVM(from)
	if err != nil {
		return err
	}

	current, err := signer.ChainID(ctx)
	if err == nil && current == chainID {
		return nil
	}

	if err := signer.SwitchChain(ctx, chainID); err != nil {
		return fmt.Errorf("%w: expected chain %d: %v", ErrWrongNetwork, chainID, err)
	}

	current, err = signer.ChainID(ctx)
	if err != nil || current != chainID {
		return fmt.Errorf("%w: expected chain %d, signer reports %d", ErrWrongNetwork, chainID, current)
	}
	return nil
}

func (a *EVMAdapter) Transfer(ctx context.Context, from, to, assetContract string, amount *big.Int) (TxRef, error) {
	if err := requirePositive(amount); err != nil {
		return "", err
	}
	if amount.BitLen() > 256 {
		return "", fmt.Errorf("%w: amount does not fit uint256", ErrValidation)
	}
	for _, addr := range []string{from, to, assetContract} {
		if err := ValidateAddress(FamilyEVM, addr); err != nil {
			return "", err
		}
	}

	signer, err := a.signers.EVM(from)
	if err != nil {
		return "", err
	}
	if err := a.EnsureChain(ctx, from, a.network.ChainID); err != nil {
		return "", err
	}

	fromAddr := common.HexToAddress(from)
	token := common.HexToAddress(assetContract)
	data := erc20TransferData(common.HexToAddress(to), amount)

	nonce, err := a.client.PendingNonceAt(ctx, fromAddr)
	if err != nil {
		return "", a.classify(err, "get nonce")
	}

	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", a.classify(err, "suggest gas price")
	}

	gas, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From: fromAddr,
		To:   &token,
		Data: data,
	})
	if err != nil {
		// A revert during estimation means the transfer itself would fail
		return "", a.classify(err, "estimate gas")
	}
	gas = gas * 120 / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &token,
		Value:    big.NewInt(0),
		Data:     data,
	})

	signed, err := signer.SignTx(ctx, tx, big.NewInt(a.network.ChainID))
	if err != nil {
		return "", fmt.Errorf("%w: signer refused transaction: %v", ErrSubmissionFailed, err)
	}

	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return "", a.classify(err, "send transaction")
	}

	return TxRef(signed.Hash().Hex()), nil
}

func (a *EVMAdapter) QueryFinality(ctx context.Context, ref TxRef) (Finality, error) {
	if !evmTxHashPattern.MatchString(string(ref)) {
		return FinalityPending, fmt.Errorf("%w: invalid EVM transaction hash %q", ErrValidation, ref)
	}

	receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(string(ref)))
	if errors.Is(err, ethereum.NotFound) {
		return FinalityPending, nil
	}
	if err != nil {
		return FinalityPending, fmt.Errorf("%w: %s receipt lookup: %v", ErrNetworkUnavailable, a.network.ID, err)
	}

	if receipt.Status == types.ReceiptStatusFailed {
		return FinalityFailed, nil
	}
	if receipt.BlockNumber == nil {
		return FinalityPending, nil
	}

	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return FinalityPending, fmt.Errorf("%w: %s block number: %v", ErrNetworkUnavailable, a.network.ID, err)
	}

	if confirmations(head, receipt.BlockNumber.Uint64()) < requiredConfirmations(a.network) {
		return FinalityPending, nil
	}
	return FinalitySuccess, nil
}

// CreditedAmount sums the Transfer events the token contract emitted towards
// recipient in the transaction's receipt
func (a *EVMAdapter) CreditedAmount(ctx context.Context, ref TxRef, recipient, assetContract string) (*big.Int, error) {
	if !evmTxHashPattern.MatchString(string(ref)) {
		return nil, fmt.Errorf("%w: invalid EVM transaction hash %q", ErrValidation, ref)
	}
	for _, addr := range []string{recipient, assetContract} {
		if err := ValidateAddress(FamilyEVM, addr); err != nil {
			return nil, err
		}
	}

	receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(string(ref)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s receipt lookup: %v", ErrNetworkUnavailable, a.network.ID, err)
	}

	token := common.HexToAddress(assetContract)
	to := common.HexToAddress(recipient)
	total := new(big.Int)
	for _, l := range receipt.Logs {
		if l.Removed || l.Address != token || len(l.Topics) != 3 || l.Topics[0] != erc20TransferEvent {
			continue
		}
		if common.BytesToAddress(l.Topics[2].Bytes()) != to {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(l.Data))
	}
	return total, nil
}

func (a *EVMAdapter) BlockExplorerURL(ref TxRef) string {
	return strings.TrimRight(a.network.ExplorerURL, "/") + "/tx/" + string(ref)
}

// classify splits a node rejection from a transport failure. JSON-RPC error
// objects mean the node answered and refused.
func (a *EVMAdapter) classify(err error, op string) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %s %s: %v", ErrSubmissionFailed, a.network.ID, op, err)
	}
	return fmt.Errorf("%w: %s %s: %v", ErrNetworkUnavailable, a.network.ID, op, err)
}

func erc20TransferData(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, erc20TransferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

func confirmations(head, block uint64) uint64 {
	if head < block {
		return 0
	}
	return head - block + 1
}

func requiredConfirmations(d NetworkDescriptor) uint64 {
	if d.RequiredConfirmations == 0 {
		return 1
	}
	return d.RequiredConfirmations
}

// BalanceOf reads the ERC-20 balance of owner at the latest block
func (a *EVMAdapter) BalanceOf(ctx context.Context, owner, assetContract string) (*big.Int, error) {
	if err := ValidateAddress(FamilyEVM, owner); err != nil {
		return nil, err
	}

	contract := common.HexToAddress(assetContract)
	data := append(append([]byte{}, erc20BalanceOfSelector...), common.LeftPadBytes(common.HexToAddress(owner).Bytes(), 32)...)

	result, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query balance on %s: %v", ErrNetworkUnavailable, a.network.ID, err)
	}
	return new(big.Int).SetBytes(result), nil
}
