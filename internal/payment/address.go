package payment

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

var (
	evmAddressPattern  = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	tronAddressPattern = regexp.MustCompile(`^T[1-9A-HJ-NP-Za-km-z]{33}$`)
)

// tronAddressPrefix is the first byte of every mainnet TRON address
const tronAddressPrefix = 0x41

// ValidateAddress checks that an address is well formed for the family
func ValidateAddress(family ProtocolFamily, address string) error {
	switch family {
	case FamilyEVM:
		if !evmAddressPattern.MatchString(address) {
			return fmt.Errorf("%w: invalid EVM address %q", ErrValidation, address)
		}
	case FamilyTRON:
		if !tronAddressPattern.MatchString(address) {
			return fmt.Errorf("%w: invalid TRON address %q", ErrValidation, address)
		}
		if _, err := TronAddressToHex(address); err != nil {
			return err
		}
	case FamilySolana:
		if _, err := solana.PublicKeyFromBase58(address); err != nil {
			return fmt.Errorf("%w: invalid Solana address %q: %v", ErrValidation, address, err)
		}
	case FamilyFiat:
		// Fiat rails identify the payer by user id, there is no address to check
	default:
		return fmt.Errorf("%w: unknown protocol family %q", ErrValidation, family)
	}
	return nil
}

// TronAddressToHex decodes a base58check TRON address into its 21 byte hex
// form (0x41 prefix + 20 byte account)
func TronAddressToHex(address string) (string, error) {
	raw, err := base58.Decode(address)
	if err != nil {
		return "", fmt.Errorf("%w: TRON address %q is not base58: %v", ErrValidation, address, err)
	}
	if len(raw) != 25 {
		return "", fmt.Errorf("%w: TRON address %q has length %d", ErrValidation, address, len(raw))
	}

	payload, checksum := raw[:21], raw[21:]
	if payload[0] != tronAddressPrefix {
		return "", fmt.Errorf("%w: TRON address %q has wrong prefix", ErrValidation, address)
	}
	if !bytes.Equal(tronChecksum(payload), checksum) {
		return "", fmt.Errorf("%w: TRON address %q has bad checksum", ErrValidation, address)
	}
	return hex.EncodeToString(payload), nil
}

// TronHexToAddress encodes a 21 byte hex TRON address into base58check
func TronHexToAddress(hexAddr string) (string, error) {
	payload, err := hex.DecodeString(hexAddr)
	if err != nil || len(payload) != 21 || payload[0] != tronAddressPrefix {
		return "", fmt.Errorf("%w: invalid TRON hex address %q", ErrValidation, hexAddr)
	}
	return base58.Encode(append(payload, tronChecksum(payload)...)), nil
}

// TronAddressFromEVM maps a 20 byte account (as derived from a secp256k1 key)
// to its TRON address
func TronAddressFromEVM(addr common.Address) string {
	payload := append([]byte{tronAddressPrefix}, addr.Bytes()...)
	return base58.Encode(append(payload, tronChecksum(payload)...))
}

func tronChecksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:4]
}
