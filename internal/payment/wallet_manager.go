package payment

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/scrypt"
)

var (
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrInvalidPassphrase = errors.New("invalid passphrase")
)

// scrypt parameters for wallet file encryption
const (
	walletScryptN      = 32768
	walletScryptR      = 8
	walletScryptP      = 1
	walletScryptKeyLen = 32
)

// WalletManager keeps the node's treasury keys as passphrase encrypted files,
// one per wallet, and hands decrypted keys to the signer registry
type WalletManager struct {
	walletsDir string
	wallets    map[string]*Wallet // walletID -> Wallet without key material
	mu         sync.RWMutex
	logger     Logger
}

// Wallet is a treasury key pair. PrivateKey is only set on wallets returned
// by Create, Import and GetWallet.
type Wallet struct {
	ID         string         `json:"id"`
	Family     ProtocolFamily `json:"family"`
	Address    string         `json:"address"`
	PrivateKey []byte         `json:"-"`
	CreatedAt  int64          `json:"created_at"`
}

// walletFile is the on-disk format
type walletFile struct {
	ID           string         `json:"id"`
	Family       ProtocolFamily `json:"family"`
	Address      string         `json:"address"`
	EncryptedKey string         `json:"encrypted_key"` // hex, AES-256-GCM
	Salt         string         `json:"salt"`          // hex, scrypt salt
	Nonce        string         `json:"nonce"`         // hex, GCM nonce
	CreatedAt    int64          `json:"created_at"`
}

// WalletBalance is a token balance read from a network
type WalletBalance struct {
	WalletID  string `json:"wallet_id"`
	NetworkID string `json:"network_id"`
	Address   string `json:"address"`
	Asset     string `json:"asset"`
	Balance   string `json:"balance"` // base units
	Display   string `json:"display"` // Balance scaled by the asset decimals
	UpdatedAt int64  `json:"updated_at"`
}

// NewWalletManager loads wallet metadata from walletsDir, creating it when missing
func NewWalletManager(walletsDir string, logger Logger) (*WalletManager, error) {
	if err := os.MkdirAll(walletsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create wallets directory: %v", err)
	}

	wm := &WalletManager{
		walletsDir: walletsDir,
		wallets:    make(map[string]*Wallet),
		logger:     logger,
	}

	if err := wm.loadWallets(); err != nil {
		return nil, fmt.Errorf("failed to load existing wallets: %v", err)
	}

	return wm, nil
}

// CreateWallet generates a new key pair for the family
func (wm *WalletManager) CreateWallet(family ProtocolFamily, passphrase string) (*Wallet, error) {
	var wallet *Wallet
	switch family {
	case FamilyEVM, FamilyTRON:
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate private key: %v", err)
		}
		wallet = secp256k1Wallet(family, key)
	case FamilySolana:
		account := solana.NewWallet()
		wallet = solanaWallet(account.PrivateKey)
	default:
		return nil, fmt.Errorf("%w: cannot hold keys for %q", ErrValidation, family)
	}

	if err := wm.store(wallet, passphrase); err != nil {
		return nil, err
	}

	wm.logger.Info(fmt.Sprintf("Created %s wallet %s (%s)", family, wallet.ID, wallet.Address), "wallets")
	return wallet, nil
}

// ImportWallet stores an existing secret. EVM and TRON take a hex secp256k1
// key; Solana takes base58, a JSON byte array or hex.
func (wm *WalletManager) ImportWallet(secret string, family ProtocolFamily, passphrase string) (*Wallet, error) {
	secret = strings.TrimSpace(secret)

	var wallet *Wallet
	switch family {
	case FamilyEVM, FamilyTRON:
		key, err := crypto.HexToECDSA(strings.TrimPrefix(secret, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid secp256k1 private key: %v", ErrValidation, err)
		}
		wallet = secp256k1Wallet(family, key)
	case FamilySolana:
		key, err := parseSolanaImport(secret)
		if err != nil {
			return nil, err
		}
		wallet = solanaWallet(key)
	default:
		return nil, fmt.Errorf("%w: cannot hold keys for %q", ErrValidation, family)
	}

	if id, err := wm.FindWalletByAddress(wallet.Address); err == nil {
		return nil, fmt.Errorf("%w: %s is already stored as wallet %s", ErrValidation, wallet.Address, id)
	}

	if err := wm.store(wallet, passphrase); err != nil {
		return nil, err
	}

	wm.logger.Info(fmt.Sprintf("Imported %s wallet %s (%s)", family, wallet.ID, wallet.Address), "wallets")
	return wallet, nil
}

func secp256k1Wallet(family ProtocolFamily, key *ecdsa.PrivateKey) *Wallet {
	evmAddress := crypto.PubkeyToAddress(key.PublicKey)
	address := evmAddress.Hex()
	id := fmt.Sprintf("%s-%d", strings.ToLower(address[2:10]), time.Now().Unix())
	if family == FamilyTRON {
		address = TronAddressFromEVM(evmAddress)
		id = fmt.Sprintf("%s_%d", address[:8], time.Now().Unix())
	}

	return &Wallet{
		ID:         id,
		Family:     family,
		Address:    address,
		PrivateKey: crypto.FromECDSA(key),
		CreatedAt:  time.Now().Unix(),
	}
}

func solanaWallet(key solana.PrivateKey) *Wallet {
	address := key.PublicKey().String()
	return &Wallet{
		ID:         fmt.Sprintf("%s_%d", address[:8], time.Now().Unix()),
		Family:     FamilySolana,
		Address:    address,
		PrivateKey: key,
		CreatedAt:  time.Now().Unix(),
	}
}

func parseSolanaImport(secret string) (solana.PrivateKey, error) {
	if key, err := ParseSolanaSecret(secret); err == nil {
		return key, nil
	}

	decoded, err := hex.DecodeString(strings.TrimPrefix(secret, "0x"))
	if err != nil || len(decoded) != 64 {
		return nil, fmt.Errorf("%w: invalid Solana private key (expected 64 bytes in base58, hex or JSON array)", ErrValidation)
	}
	return solana.PrivateKey(decoded), nil
}

// ListWallets returns all wallets without key material, oldest first
func (wm *WalletManager) ListWallets() []*Wallet {
	wm.mu.RLock()
	defer wm.mu.RUnlock()

	wallets := make([]*Wallet, 0, len(wm.wallets))
	for _, wallet := range wm.wallets {
		wallets = append(wallets, publicWallet(wallet))
	}
	sort.Slice(wallets, func(i, j int) bool {
		if wallets[i].CreatedAt != wallets[j].CreatedAt {
			return wallets[i].CreatedAt < wallets[j].CreatedAt
		}
		return wallets[i].ID < wallets[j].ID
	})

	return wallets
}

// GetWalletAddress returns a wallet's address and family without a passphrase
func (wm *WalletManager) GetWalletAddress(walletID string) (string, ProtocolFamily, error) {
	wm.mu.RLock()
	defer wm.mu.RUnlock()

	wallet, exists := wm.wallets[walletID]
	if !exists {
		return "", "", ErrWalletNotFound
	}
	return wallet.Address, wallet.Family, nil
}

// FindWalletByAddress returns the id of the wallet holding address. EVM
// addresses match case-insensitively.
func (wm *WalletManager) FindWalletByAddress(address string) (string, error) {
	wm.mu.RLock()
	defer wm.mu.RUnlock()

	for _, wallet := range wm.wallets {
		if wallet.Address == address || (wallet.Family == FamilyEVM && strings.EqualFold(wallet.Address, address)) {
			return wallet.ID, nil
		}
	}
	return "", fmt.Errorf("%w: no wallet for address %s", ErrWalletNotFound, address)
}

// GetWallet decrypts a wallet
func (wm *WalletManager) GetWallet(walletID string, passphrase string) (*Wallet, error) {
	wm.mu.RLock()
	defer wm.mu.RUnlock()

	if _, exists := wm.wallets[walletID]; !exists {
		return nil, ErrWalletNotFound
	}
	return loadAndDecryptWallet(wm.walletPath(walletID), passphrase)
}

// DeleteWallet removes a wallet after checking the passphrase
func (wm *WalletManager) DeleteWallet(walletID string, passphrase string) error {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	if _, exists := wm.wallets[walletID]; !exists {
		return ErrWalletNotFound
	}

	walletPath := wm.walletPath(walletID)
	if _, err := loadAndDecryptWallet(walletPath, passphrase); err != nil {
		return err
	}

	if err := os.Remove(walletPath); err != nil {
		return fmt.Errorf("failed to delete wallet file: %v", err)
	}
	delete(wm.wallets, walletID)

	wm.logger.Info(fmt.Sprintf("Deleted wallet %s", walletID), "wallets")
	return nil
}

// Unlock decrypts a wallet and registers it as a signer so adapters can
// move funds from its address
func (wm *WalletManager) Unlock(walletID string, passphrase string, signers *SignerRegistry) (*Wallet, error) {
	wallet, err := wm.GetWallet(walletID, passphrase)
	if err != nil {
		return nil, err
	}

	switch wallet.Family {
	case FamilyEVM, FamilyTRON:
		key, err := crypto.ToECDSA(wallet.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("wallet %s holds an invalid key: %v", walletID, err)
		}
		if wallet.Family == FamilyEVM {
			signers.RegisterEVM(NewKeypairEVMSigner(key))
		} else {
			signers.RegisterTron(NewKeypairTronSigner(key))
		}
	case FamilySolana:
		signers.RegisterSolana(NewKeypairSolanaSigner(solana.PrivateKey(wallet.PrivateKey)))
	default:
		return nil, fmt.Errorf("%w: wallet %s has unknown family %q", ErrValidation, walletID, wallet.Family)
	}

	wm.logger.Debug(fmt.Sprintf("Unlocked wallet %s (%s)", walletID, wallet.Address), "wallets")
	return publicWallet(wallet), nil
}

// UnlockAll unlocks every wallet sharing passphrase and returns them. Wallets
// with another passphrase are skipped and logged.
func (wm *WalletManager) UnlockAll(passphrase string, signers *SignerRegistry) ([]*Wallet, error) {
	var unlocked []*Wallet
	for _, wallet := range wm.ListWallets() {
		opened, err := wm.Unlock(wallet.ID, passphrase, signers)
		if errors.Is(err, ErrInvalidPassphrase) {
			wm.logger.Warn(fmt.Sprintf("Wallet %s does not open with the treasury passphrase, skipping", wallet.ID), "wallets")
			continue
		}
		if err != nil {
			return unlocked, err
		}
		unlocked = append(unlocked, opened)
	}
	return unlocked, nil
}

// GetBalance reads the wallet's balance of the network's asset
func (wm *WalletManager) GetBalance(ctx context.Context, walletID string, networkID string, adapters *AdapterSet) (*WalletBalance, error) {
	address, family, err := wm.GetWalletAddress(walletID)
	if err != nil {
		return nil, err
	}

	network, adapter, err := adapters.Resolve(networkID)
	if err != nil {
		return nil, err
	}
	if network.Family != family {
		return nil, fmt.Errorf("%w: wallet %s is %s, network %s is %s", ErrValidation, walletID, family, networkID, network.Family)
	}

	reader, ok := adapter.(BalanceReader)
	if !ok {
		return nil, fmt.Errorf("%w: network %s cannot report balances", ErrValidation, networkID)
	}

	balance, err := reader.BalanceOf(ctx, address, network.AssetContract)
	if err != nil {
		return nil, err
	}

	return &WalletBalance{
		WalletID:  walletID,
		NetworkID: networkID,
		Address:   address,
		Asset:     network.AssetSymbol,
		Balance:   balance.String(),
		Display:   decimal.NewFromBigInt(balance, -int32(network.AssetDecimals)).String(),
		UpdatedAt: time.Now().Unix(),
	}, nil
}

func (wm *WalletManager) store(wallet *Wallet, passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("%w: wallet passphrase is required", ErrValidation)
	}

	wm.mu.Lock()
	defer wm.mu.Unlock()

	if _, exists := wm.wallets[wallet.ID]; exists {
		return fmt.Errorf("%w: wallet %s already exists", ErrValidation, wallet.ID)
	}
	if err := wm.saveWallet(wallet, passphrase); err != nil {
		return fmt.Errorf("failed to save wallet: %v", err)
	}

	wm.wallets[wallet.ID] = publicWallet(wallet)
	return nil
}

func (wm *WalletManager) walletPath(walletID string) string {
	return filepath.Join(wm.walletsDir, walletID+".json")
}

func publicWallet(wallet *Wallet) *Wallet {
	return &Wallet{
		ID:        wallet.ID,
		Family:    wallet.Family,
		Address:   wallet.Address,
		CreatedAt: wallet.CreatedAt,
	}
}

func (wm *WalletManager) saveWallet(wallet *Wallet, passphrase string) error {
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("failed to generate salt: %v", err)
	}

	gcm, err := walletCipher(passphrase, salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %v", err)
	}

	wf := &walletFile{
		ID:           wallet.ID,
		Family:       wallet.Family,
		Address:      wallet.Address,
		EncryptedKey: hex.EncodeToString(gcm.Seal(nil, nonce, wallet.PrivateKey, nil)),
		Salt:         hex.EncodeToString(salt),
		Nonce:        hex.EncodeToString(nonce),
		CreatedAt:    wallet.CreatedAt,
	}

	data, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal wallet: %v", err)
	}

	if err := os.WriteFile(wm.walletPath(wallet.ID), data, 0600); err != nil {
		return fmt.Errorf("failed to write wallet file: %v", err)
	}
	return nil
}

func walletCipher(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, walletScryptN, walletScryptR, walletScryptP, walletScryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %v", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %v", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %v", err)
	}
	return gcm, nil
}

func loadAndDecryptWallet(walletPath string, passphrase string) (*Wallet, error) {
	data, err := os.ReadFile(walletPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet file: %v", err)
	}

	var wf walletFile
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wallet: %v", err)
	}

	encryptedKey, err := hex.DecodeString(wf.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted key: %v", err)
	}
	salt, err := hex.DecodeString(wf.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %v", err)
	}
	nonce, err := hex.DecodeString(wf.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decode nonce: %v", err)
	}

	gcm, err := walletCipher(passphrase, salt)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("wallet %s has a malformed nonce", wf.ID)
	}

	privateKey, err := gcm.Open(nil, nonce, encryptedKey, nil)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}

	return &Wallet{
		ID:         wf.ID,
		Family:     wf.Family,
		Address:    wf.Address,
		PrivateKey: privateKey,
		CreatedAt:  wf.CreatedAt,
	}, nil
}

// loadWallets reads wallet metadata (without keys) from disk
func (wm *WalletManager) loadWallets() error {
	files, err := os.ReadDir(wm.walletsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read wallets directory: %v", err)
	}

	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(wm.walletsDir, file.Name()))
		if err != nil {
			wm.logger.Warn(fmt.Sprintf("Skipping unreadable wallet file %s: %v", file.Name(), err), "wallets")
			continue
		}

		var wf walletFile
		if err := json.Unmarshal(data, &wf); err != nil || !wf.Family.Valid() {
			wm.logger.Warn(fmt.Sprintf("Skipping invalid wallet file %s", file.Name()), "wallets")
			continue
		}

		wm.wallets[wf.ID] = &Wallet{
			ID:        wf.ID,
			Family:    wf.Family,
			Address:   wf.Address,
			CreatedAt: wf.CreatedAt,
		}
	}

	return nil
}
