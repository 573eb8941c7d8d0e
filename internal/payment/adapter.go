package payment

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gagliardetto/solana-go"
)

// ChainAdapter builds, submits and inspects token transfers for one protocol
// family. Adapters never hold keys; signing is delegated to a registered signer.
type ChainAdapter interface {
	Family() ProtocolFamily
	// Transfer moves amount base units of assetContract from one address to another
	Transfer(ctx context.Context, from, to, assetContract string, amount *big.Int) (TxRef, error)
	// QueryFinality is read-only and safe to repeat
	QueryFinality(ctx context.Context, ref TxRef) (Finality, error)
	BlockExplorerURL(ref TxRef) string
}

// Burner is implemented by adapters whose chain has a native burn instruction
type Burner interface {
	Burn(ctx context.Context, owner, assetContract string, amount *big.Int) (TxRef, error)
}

// BalanceReader is implemented by adapters that can read a token balance
type BalanceReader interface {
	BalanceOf(ctx context.Context, owner, assetContract string) (*big.Int, error)
}

// TransferInspector is implemented by adapters that can read back what a
// settled transaction moved
type TransferInspector interface {
	// CreditedAmount sums the base units of assetContract that ref credited to recipient
	CreditedAmount(ctx context.Context, ref TxRef, recipient, assetContract string) (*big.Int, error)
}

// Reconciler is implemented by rails that settle out of band and need an
// operator to record the outcome
type Reconciler interface {
	Reconcile(ctx context.Context, ref TxRef, paid bool) error
}

// EVMSigner is an externally held EVM wallet
type EVMSigner interface {
	Address() string
	ChainID(ctx context.Context) (int64, error)
	// SwitchChain asks the wallet to move to chainID. A refusal is an error.
	SwitchChain(ctx context.Context, chainID int64) error
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// TronSigner signs a TRON transaction id (sha256 of raw_data)
type TronSigner interface {
	Address() string
	Sign(ctx context.Context, txID []byte) ([]byte, error)
}

// SolanaSigner adds its signature to a transaction it is the fee payer of
type SolanaSigner interface {
	PublicKey() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

// SignerRegistry holds the signers available to adapters, keyed by address.
// EVM addresses are matched case-insensitively.
type SignerRegistry struct {
	mu       sync.RWMutex
	evm      map[string]EVMSigner
	tron     map[string]TronSigner
	solana   map[string]SolanaSigner
	reserved map[string]struct{}
}

func NewSignerRegistry() *SignerRegistry {
	return &SignerRegistry{
		evm:      make(map[string]EVMSigner),
		tron:     make(map[string]TronSigner),
		solana:   make(map[string]SolanaSigner),
		reserved: make(map[string]struct{}),
	}
}

// Reserve marks address as a node wallet. Its signer keeps signing for the
// node, but user payments may not spend from it.
func (r *SignerRegistry) Reserve(address string) {
	r.mu.Lock()
	r.reserved[addressKey(address)] = struct{}{}
	r.mu.Unlock()
}

// Reserved reports whether address belongs to a node wallet
func (r *SignerRegistry) Reserved(address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.reserved[addressKey(address)]
	return ok
}

// addressKey folds the case of hex addresses only, base58 is case sensitive
func addressKey(address string) string {
	if strings.HasPrefix(address, "0x") || strings.HasPrefix(address, "0X") {
		return strings.ToLower(address)
	}
	return address
}

func (r *SignerRegistry) RegisterEVM(s EVMSigner) {
	r.mu.Lock()
	r.evm[strings.ToLower(s.Address())] = s
	r.mu.Unlock()
}

func (r *SignerRegistry) RegisterTron(s TronSigner) {
	r.mu.Lock()
	r.tron[s.Address()] = s
	r.mu.Unlock()
}

func (r *SignerRegistry) RegisterSolana(s SolanaSigner) {
	r.mu.Lock()
	r.solana[s.PublicKey().String()] = s
	r.mu.Unlock()
}

// Unregister drops any signer registered for address, e.g. when a wallet
// session ends
func (r *SignerRegistry) Unregister(address string) {
	r.mu.Lock()
	delete(r.evm, strings.ToLower(address))
	delete(r.tron, address)
	delete(r.solana, address)
	r.mu.Unlock()
}

func (r *SignerRegistry) EVM(address string) (EVMSigner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.evm[strings.ToLower(address)]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: no EVM signer for %s", ErrSignerUnavailable, address)
}

func (r *SignerRegistry) Tron(address string) (TronSigner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.tron[address]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: no TRON signer for %s", ErrSignerUnavailable, address)
}

func (r *SignerRegistry) Solana(address string) (SolanaSigner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.solana[address]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: no Solana signer for %s", ErrSignerUnavailable, address)
}

// AdapterSet dispatches to the adapter of a network's protocol family
type AdapterSet struct {
	catalog  *Catalog
	adapters map[string]ChainAdapter // network id -> adapter
}

func NewAdapterSet(catalog *Catalog) *AdapterSet {
	return &AdapterSet{catalog: catalog, adapters: make(map[string]ChainAdapter)}
}

// Register binds an adapter to a network. The adapter family must match the
// network's family.
func (s *AdapterSet) Register(networkID string, adapter ChainAdapter) error {
	d, err := s.catalog.Describe(networkID)
	if err != nil {
		return err
	}
	if d.Family != adapter.Family() {
		return fmt.Errorf("%w: network %s is %s, adapter is %s", ErrValidation, networkID, d.Family, adapter.Family())
	}
	s.adapters[networkID] = adapter
	return nil
}

// Resolve returns the descriptor and adapter for a network
func (s *AdapterSet) Resolve(networkID string) (NetworkDescriptor, ChainAdapter, error) {
	d, err := s.catalog.Describe(networkID)
	if err != nil {
		return NetworkDescriptor{}, nil, err
	}
	adapter, ok := s.adapters[networkID]
	if !ok {
		return NetworkDescriptor{}, nil, fmt.Errorf("%w: network %s has no adapter configured", ErrNetworkUnavailable, networkID)
	}
	return d, adapter, nil
}

func (s *AdapterSet) Catalog() *Catalog {
	return s.catalog
}

func requirePositive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: transfer amount must be positive", ErrValidation)
	}
	return nil
}
