package payment

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// KeypairSolanaSigner signs with a locally held ed25519 key, used for the treasury
type KeypairSolanaSigner struct {
	key solana.PrivateKey
}

func NewKeypairSolanaSigner(key solana.PrivateKey) *KeypairSolanaSigner {
	return &KeypairSolanaSigner{key: key}
}

func (s *KeypairSolanaSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

func (s *KeypairSolanaSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	pub := s.key.PublicKey()
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(pub) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %v", err)
	}
	return nil
}

// ParseSolanaSecret accepts a secret key as a JSON byte array (solana-keygen
// output) or as a base58 string
func ParseSolanaSecret(secret string) (solana.PrivateKey, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: empty secret key", ErrSignerUnavailable)
	}

	var raw []byte
	if strings.HasPrefix(secret, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(secret), &ints); err != nil {
			return nil, fmt.Errorf("%w: secret key is not a JSON byte array", ErrSignerUnavailable)
		}
		raw = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("%w: secret key byte %d out of range", ErrSignerUnavailable, i)
			}
			raw[i] = byte(v)
		}
	} else {
		decoded, err := base58.Decode(secret)
		if err != nil {
			return nil, fmt.Errorf("%w: secret key is not base58", ErrSignerUnavailable)
		}
		raw = decoded
	}

	if len(raw) != 64 {
		return nil, fmt.Errorf("%w: secret key must be 64 bytes, got %d", ErrSignerUnavailable, len(raw))
	}
	return solana.PrivateKey(raw), nil
}

// KeypairEVMSigner signs with a locally held secp256k1 key. It can sign for
// any chain, so SwitchChain always succeeds.
type KeypairEVMSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID atomic.Int64
}

func NewKeypairEVMSigner(key *ecdsa.PrivateKey) *KeypairEVMSigner {
	return &KeypairEVMSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *KeypairEVMSigner) Address() string {
	return s.address.Hex()
}

func (s *KeypairEVMSigner) ChainID(ctx context.Context) (int64, error) {
	return s.chainID.Load(), nil
}

func (s *KeypairEVMSigner) SwitchChain(ctx context.Context, chainID int64) error {
	s.chainID.Store(chainID)
	return nil
}

func (s *KeypairEVMSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// KeypairTronSigner signs TRON transaction ids with a secp256k1 key
type KeypairTronSigner struct {
	key     *ecdsa.PrivateKey
	address string
}

func NewKeypairTronSigner(key *ecdsa.PrivateKey) *KeypairTronSigner {
	return &KeypairTronSigner{key: key, address: TronAddressFromEVM(crypto.PubkeyToAddress(key.PublicKey))}
}

func (s *KeypairTronSigner) Address() string {
	return s.address
}

func (s *KeypairTronSigner) Sign(ctx context.Context, txID []byte) ([]byte, error) {
	if len(txID) != 32 {
		return nil, fmt.Errorf("TRON transaction id must be 32 bytes, got %d", len(txID))
	}
	return crypto.Sign(txID, s.key)
}
