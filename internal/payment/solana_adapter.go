package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

const defaultAssociatedTokenProgram = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"

// SolanaRPC is the subset of rpc.Client the adapter uses
type SolanaRPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// SolanaAdapter transfers and burns SPL tokens
type SolanaAdapter struct {
	network    NetworkDescriptor
	client     SolanaRPC
	signers    *SignerRegistry
	ataProgram solana.PublicKey
}

// NewSolanaAdapterFromURL connects to the network's RPC endpoint
func NewSolanaAdapterFromURL(network NetworkDescriptor, signers *SignerRegistry) *SolanaAdapter {
	return NewSolanaAdapter(network, rpc.New(network.RPCURL), signers)
}

func NewSolanaAdapter(network NetworkDescriptor, client SolanaRPC, signers *SignerRegistry) *SolanaAdapter {
	return &SolanaAdapter{
		network:    network,
		client:     client,
		signers:    signers,
		ataProgram: solana.MustPublicKeyFromBase58(defaultAssociatedTokenProgram),
	}
}

func (a *SolanaAdapter) Family() ProtocolFamily {
	return FamilySolana
}

// Transfer sends SPL tokens between the owners' associated token accounts,
// creating the recipient's account when it does not exist yet
func (a *SolanaAdapter) Transfer(ctx context.Context, from, to, mint string, amount *big.Int) (TxRef, error) {
	units, err := solanaAmount(amount)
	if err != nil {
		return "", err
	}

	owner, recipient, mintKey, err := parseSolanaKeys(from, to, mint)
	if err != nil {
		return "", err
	}

	signer, err := a.signers.Solana(from)
	if err != nil {
		return "", err
	}

	ownerATA, _, err := solana.FindAssociatedTokenAddress(owner, mintKey)
	if err != nil {
		return "", fmt.Errorf("%w: failed to find owner ATA: %v", ErrValidation, err)
	}
	recipientATA, _, err := solana.FindAssociatedTokenAddress(recipient, mintKey)
	if err != nil {
		return "", fmt.Errorf("%w: failed to find recipient ATA: %v", ErrValidation, err)
	}

	instructions := []solana.Instruction{}

	exists, err := a.accountExists(ctx, recipientATA)
	if err != nil {
		return "", err
	}
	if !exists {
		instructions = append(instructions, a.createATAInstruction(owner, recipientATA, recipient, mintKey))
	}

	transfer, err := token.NewTransferInstruction(
		units,
		ownerATA,
		recipientATA,
		owner,
		[]solana.PublicKey{},
	).ValidateAndBuild()
	if err != nil {
		return "", fmt.Errorf("%w: failed to build transfer instruction: %v", ErrValidation, err)
	}
	instructions = append(instructions, transfer)

	return a.signAndSend(ctx, signer, owner, instructions)
}

// Burn destroys amount tokens held in the owner's associated token account
func (a *SolanaAdapter) Burn(ctx context.Context, from, mint string, amount *big.Int) (TxRef, error) {
	units, err := solanaAmount(amount)
	if err != nil {
		return "", err
	}

	owner, _, mintKey, err := parseSolanaKeys(from, from, mint)
	if err != nil {
		return "", err
	}

	signer, err := a.signers.Solana(from)
	if err != nil {
		return "", err
	}

	ownerATA, _, err := solana.FindAssociatedTokenAddress(owner, mintKey)
	if err != nil {
		return "", fmt.Errorf("%w: failed to find owner ATA: %v", ErrValidation, err)
	}

	burn, err := token.NewBurnInstruction(
		units,
		ownerATA,
		mintKey,
		owner,
		[]solana.PublicKey{},
	).ValidateAndBuild()
	if err != nil {
		return "", fmt.Errorf("%w: failed to build burn instruction: %v", ErrValidation, err)
	}

	return a.signAndSend(ctx, signer, owner, []solana.Instruction{burn})
}

func (a *SolanaAdapter) QueryFinality(ctx context.Context, ref TxRef) (Finality, error) {
	sig, err := solana.SignatureFromBase58(string(ref))
	if err != nil {
		return FinalityPending, fmt.Errorf("%w: invalid Solana signature %q", ErrValidation, ref)
	}

	out, err := a.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return FinalityPending, fmt.Errorf("%w: %s signature status: %v", ErrNetworkUnavailable, a.network.ID, err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return FinalityPending, nil
	}

	status := out.Value[0]
	if status.Err != nil {
		return FinalityFailed, nil
	}
	if status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
		return FinalitySuccess, nil
	}
	return FinalityPending, nil
}

// CreditedAmount is how much the recipient's token accounts for mint grew in
// the transaction, from the pre and post token balances of its metadata
func (a *SolanaAdapter) CreditedAmount(ctx context.Context, ref TxRef, recipient, mint string) (*big.Int, error) {
	sig, err := solana.SignatureFromBase58(string(ref))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid Solana signature %q", ErrValidation, ref)
	}
	owner, _, mintKey, err := parseSolanaKeys(recipient, recipient, mint)
	if err != nil {
		return nil, err
	}

	maxVersion := uint64(0)
	out, err := a.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentFinalized,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s transaction lookup: %v", ErrNetworkUnavailable, a.network.ID, err)
	}
	if out.Meta == nil {
		return nil, fmt.Errorf("%w: %s transaction %s has no metadata yet", ErrNetworkUnavailable, a.network.ID, ref)
	}

	credited := new(big.Int).Sub(
		ownedTokenBalance(out.Meta.PostTokenBalances, owner, mintKey),
		ownedTokenBalance(out.Meta.PreTokenBalances, owner, mintKey),
	)
	if credited.Sign() < 0 {
		credited.SetInt64(0)
	}
	return credited, nil
}

func ownedTokenBalance(balances []rpc.TokenBalance, owner, mint solana.PublicKey) *big.Int {
	sum := new(big.Int)
	for _, b := range balances {
		if b.Owner == nil || !b.Owner.Equals(owner) || !b.Mint.Equals(mint) || b.UiTokenAmount == nil {
			continue
		}
		if v, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10); ok {
			sum.Add(sum, v)
		}
	}
	return sum
}

func (a *SolanaAdapter) BlockExplorerURL(ref TxRef) string {
	return strings.TrimRight(a.network.ExplorerURL, "/") + "/tx/" + string(ref)
}

func (a *SolanaAdapter) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	info, err := a.client.GetAccountInfo(ctx, account)
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %s account lookup: %v", ErrNetworkUnavailable, a.network.ID, err)
	}
	return info != nil && info.Value != nil, nil
}

// createATAInstruction is the associated token program's legacy Create, with
// the payer funding the new account
func (a *SolanaAdapter) createATAInstruction(payer, ata, wallet, mint solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		a.ataProgram,
		solana.AccountMetaSlice{
			{PublicKey: payer, IsSigner: true, IsWritable: true},
			{PublicKey: ata, IsSigner: false, IsWritable: true},
			{PublicKey: wallet, IsSigner: false, IsWritable: false},
			{PublicKey: mint, IsSigner: false, IsWritable: false},
			{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
			{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},
		},
		[]byte{},
	)
}

func (a *SolanaAdapter) signAndSend(ctx context.Context, signer SolanaSigner, payer solana.PublicKey, instructions []solana.Instruction) (TxRef, error) {
	recent, err := a.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("%w: %s latest blockhash: %v", ErrNetworkUnavailable, a.network.ID, err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create transaction: %v", ErrValidation, err)
	}

	if err := signer.SignTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("%w: signer refused transaction: %v", ErrSubmissionFailed, err)
	}

	sig, err := a.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			return "", fmt.Errorf("%w: %s send transaction: %v", ErrSubmissionFailed, a.network.ID, err)
		}
		return "", fmt.Errorf("%w: %s send transaction: %v", ErrNetworkUnavailable, a.network.ID, err)
	}

	return TxRef(sig.String()), nil
}

func solanaAmount(amount *big.Int) (uint64, error) {
	if err := requirePositive(amount); err != nil {
		return 0, err
	}
	if !amount.IsUint64() {
		return 0, fmt.Errorf("%w: amount %s does not fit an SPL token amount", ErrValidation, amount)
	}
	return amount.Uint64(), nil
}

func parseSolanaKeys(from, to, mint string) (solana.PublicKey, solana.PublicKey, solana.PublicKey, error) {
	keys := make([]solana.PublicKey, 3)
	for i, s := range []string{from, to, mint} {
		k, err := solana.PublicKeyFromBase58(s)
		if err != nil {
			return solana.PublicKey{}, solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("%w: invalid Solana address %q", ErrValidation, s)
		}
		keys[i] = k
	}
	return keys[0], keys[1], keys[2], nil
}

// BalanceOf reads the SPL balance of owner's associated token account. A
// missing account holds nothing.
func (a *SolanaAdapter) BalanceOf(ctx context.Context, owner, mint string) (*big.Int, error) {
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid Solana address %q", ErrValidation, owner)
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid mint %q", ErrValidation, mint)
	}

	ata, _, err := solana.FindAssociatedTokenAddress(ownerKey, mintKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive token account: %v", err)
	}

	balance, err := a.client.GetTokenAccountBalance(ctx, ata, rpc.CommitmentFinalized)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) || strings.Contains(err.Error(), "could not find account") {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("%w: failed to query balance on %s: %v", ErrNetworkUnavailable, a.network.ID, err)
	}
	if balance == nil || balance.Value == nil {
		return new(big.Int), nil
	}

	amount, ok := new(big.Int).SetString(balance.Value.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("unexpected token amount %q", balance.Value.Amount)
	}
	return amount, nil
}
