package keystore

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	keystoreFileName = "keystore.dat"

	// OS keyring entry holding the keystore passphrase
	keyringService = "settlement-node"
	keyringUser    = "keystore"
)

var errEmptyPassphrase = errors.New("passphrase cannot be empty")

// PassphraseConfig is the read side of utils.ConfigManager
type PassphraseConfig interface {
	GetConfig(key string) (string, bool)
}

// InitOrLoadKeystore unlocks the node keystore, creating it with a fresh
// admin JWT secret on first run. The passphrase is returned so the caller can
// open treasury wallets sealed with the same secret.
func InitOrLoadKeystore(dataDir string, passphraseFile string, config PassphraseConfig) (*KeystoreData, string, error) {
	keystorePath := filepath.Join(dataDir, keystoreFileName)

	if _, err := os.Stat(keystorePath); err == nil {
		return unlockExistingKeystore(keystorePath, passphraseFile, config)
	}

	return createFreshKeystore(keystorePath, passphraseFile, config)
}

// unlockExistingKeystore obtains the passphrase and unlocks the keystore
func unlockExistingKeystore(keystorePath string, passphraseFile string, config PassphraseConfig) (*KeystoreData, string, error) {
	ks, err := LoadKeystore(keystorePath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load keystore: %v", err)
	}

	passphrase, err := getPassphrase(passphraseFile, false, config)
	if err != nil {
		return nil, "", err
	}

	data, err := UnlockKeystore(ks, passphrase)
	if err != nil {
		return nil, "", fmt.Errorf("failed to unlock keystore: %v", err)
	}

	return data, passphrase, nil
}

// createFreshKeystore creates a keystore holding a new JWT secret
func createFreshKeystore(keystorePath string, passphraseFile string, config PassphraseConfig) (*KeystoreData, string, error) {
	fmt.Println("\n🔑 No keystore found - creating new encrypted keystore")

	jwtSecret, err := GenerateJWTSecret()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate JWT secret: %v", err)
	}

	passphrase, err := getPassphrase(passphraseFile, true, config)
	if err != nil {
		return nil, "", err
	}

	createdAt := time.Now().Unix()
	ks, err := CreateKeystore(passphrase, jwtSecret, createdAt)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create keystore: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(keystorePath), 0700); err != nil {
		return nil, "", fmt.Errorf("failed to create keystore directory: %v", err)
	}
	if err := SaveKeystore(ks, keystorePath); err != nil {
		return nil, "", fmt.Errorf("failed to save keystore: %v", err)
	}

	fmt.Printf("✓ New keystore created: %s\n", keystorePath)

	return &KeystoreData{JWTSecret: jwtSecret, CreatedAt: createdAt}, passphrase, nil
}

// getPassphrase reads the passphrase from config, a file, the OS keyring or
// an interactive prompt, in that order
func getPassphrase(passphraseFile string, isNewKeystore bool, config PassphraseConfig) (string, error) {
	// Priority 1: keystore_passphrase in config
	if config != nil {
		if configPassphrase, exists := config.GetConfig("keystore_passphrase"); exists && configPassphrase != "" {
			return configPassphrase, nil
		}
	}

	// Priority 2: passphrase file
	if passphraseFile != "" {
		passphrase, err := os.ReadFile(passphraseFile)
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase file: %v", err)
		}
		return strings.TrimSpace(string(passphrase)), nil
	}

	// Priority 3: OS keyring, set with `settlement-node keystore remember`
	if !isNewKeystore {
		if passphrase, err := keyring.Get(keyringService, keyringUser); err == nil && passphrase != "" {
			return passphrase, nil
		}
	}

	// Priority 4: interactive prompt
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("keystore passphrase required: set keystore_passphrase, pass --passphrase-file or run interactively")
	}
	if isNewKeystore {
		return promptNewPassphrase()
	}
	return promptPassphrase("Enter keystore passphrase: ")
}

// RememberPassphrase stores the passphrase in the OS keyring after checking
// it unlocks the keystore in dataDir
func RememberPassphrase(dataDir string, passphrase string) error {
	ks, err := LoadKeystore(filepath.Join(dataDir, keystoreFileName))
	if err != nil {
		return err
	}
	if _, err := UnlockKeystore(ks, passphrase); err != nil {
		return err
	}

	if err := keyring.Set(keyringService, keyringUser, passphrase); err != nil {
		return fmt.Errorf("failed to store passphrase in keyring: %v", err)
	}
	return nil
}

// ForgetPassphrase removes the passphrase from the OS keyring
func ForgetPassphrase() error {
	err := keyring.Delete(keyringService, keyringUser)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to remove passphrase from keyring: %v", err)
	}
	return nil
}

// PromptPassphrase reads a passphrase from the terminal without echo
func PromptPassphrase(prompt string) (string, error) {
	return promptPassphrase(prompt)
}

func promptPassphrase(prompt string) (string, error) {
	fmt.Print(prompt)
	passphrase, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %v", err)
	}

	if len(passphrase) == 0 {
		return "", errEmptyPassphrase
	}

	return string(passphrase), nil
}

// promptNewPassphrase prompts for a new passphrase with confirmation
func promptNewPassphrase() (string, error) {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("🔐 KEYSTORE PASSPHRASE SETUP")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("")
	fmt.Println("The node's admin API secret is encrypted with a passphrase.")
	fmt.Println("Treasury wallets created with the same passphrase unlock with it on start.")
	fmt.Println("")
	fmt.Println("⚠️  IMPORTANT:")
	fmt.Println("  • Choose a strong passphrase (minimum 8 characters recommended)")
	fmt.Println("  • If you lose this passphrase, issued admin tokens stop working")
	fmt.Println("")

	for {
		passphrase1, err := promptPassphrase("Create passphrase: ")
		if errors.Is(err, errEmptyPassphrase) {
			fmt.Println("❌ Passphrase cannot be empty. Please try again.")
			continue
		}
		if err != nil {
			return "", err
		}

		if len(passphrase1) < 8 {
			fmt.Println("⚠️  Warning: Passphrase is shorter than 8 characters")
			fmt.Print("Continue with this passphrase? (yes/no): ")
			response, _ := reader.ReadString('\n')
			response = strings.TrimSpace(strings.ToLower(response))
			if response != "yes" && response != "y" {
				continue
			}
		}

		passphrase2, err := promptPassphrase("Confirm passphrase: ")
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase confirmation: %v", err)
		}

		if passphrase1 != passphrase2 {
			fmt.Println("❌ Passphrases do not match. Please try again.")
			continue
		}

		return passphrase1, nil
	}
}

// Path returns the keystore file location inside dataDir
func Path(dataDir string) string {
	return filepath.Join(dataDir, keystoreFileName)
}
