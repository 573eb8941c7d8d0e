package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/crypto/keystore"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

var keystoreCmd = &cobra.Command{
	Use:   "keystore",
	Short: "Manage the node keystore",
	Long: `Manage the node keystore.

The keystore holds the secret that signs admin API tokens. Its passphrase is
read from KEYSTORE_PASSPHRASE, --passphrase-file, the OS keyring or an
interactive prompt, in that order.`,
}

var keystoreInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Display keystore information",
	Long:  `Display the keystore location and the id of the key signing admin tokens, without revealing the secret.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		paths := utils.GetAppPaths("")
		path := keystore.Path(paths.DataDir)

		info, err := os.Stat(path)
		if err != nil {
			fmt.Printf("No keystore at %s\n", path)
			fmt.Println("\nThe keystore is created the first time the node starts.")
			os.Exit(1)
		}

		data, _, err := keystore.InitOrLoadKeystore(paths.DataDir, passphraseFile, config)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("Node Keystore")
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Printf("Location:     %s (%d bytes)\n", path, info.Size())
		fmt.Printf("Created:      %s\n", time.Unix(data.CreatedAt, 0).UTC().Format(time.RFC3339))
		fmt.Printf("Admin key id: %s\n", utils.Fingerprint(data.JWTSecret))
		if config.GetConfigWithDefault("admin_jwt_secret", "") != "" {
			fmt.Println("\nadmin_jwt_secret is set and overrides the keystore secret.")
		}
	},
}

var keystoreRememberCmd = &cobra.Command{
	Use:   "remember",
	Short: "Store the keystore passphrase in the OS keyring",
	Long: `Store the keystore passphrase in the OS keyring so the node can start
unattended. The passphrase is checked against the keystore first.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		passphrase, err := keystore.PromptPassphrase("Enter keystore passphrase: ")
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		if err := keystore.RememberPassphrase(utils.GetAppPaths("").DataDir, passphrase); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("✓ Passphrase stored in the OS keyring")
		logger.Info("Keystore passphrase stored in the OS keyring", "keystore")
	},
}

var keystoreForgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Remove the keystore passphrase from the OS keyring",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := keystore.ForgetPassphrase(); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("✓ Passphrase removed from the OS keyring")
		logger.Info("Keystore passphrase removed from the OS keyring", "keystore")
	},
}

var keystorePassphraseCmd = &cobra.Command{
	Use:   "change-passphrase",
	Short: "Re-encrypt the keystore with a new passphrase",
	Long: `Re-encrypt the keystore with a new passphrase. The admin secret is
kept, so issued tokens stay valid. Treasury wallets sealed with the old
passphrase must be re-imported, or opened with treasury_passphrase.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		path := keystore.Path(utils.GetAppPaths("").DataDir)

		ks, err := keystore.LoadKeystore(path)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		oldPassphrase, err := keystore.PromptPassphrase("Current passphrase: ")
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		newPassphrase, err := keystore.PromptPassphrase("New passphrase: ")
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		confirmed, err := keystore.PromptPassphrase("Confirm new passphrase: ")
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		if newPassphrase != confirmed {
			fmt.Println("Error: Passphrases do not match")
			os.Exit(1)
		}

		rekeyed, err := keystore.ChangePassphrase(ks, oldPassphrase, newPassphrase)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		if err := keystore.SaveKeystore(rekeyed, path); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		// A remembered passphrase is stale now
		if err := keystore.ForgetPassphrase(); err != nil {
			logger.Warn(fmt.Sprintf("Failed to clear keyring entry: %v", err), "keystore")
		}

		fmt.Println("✓ Keystore passphrase changed")
		logger.Info("Keystore passphrase changed", "keystore")
	},
}

func init() {
	rootCmd.AddCommand(keystoreCmd)
	keystoreCmd.AddCommand(keystoreInfoCmd)
	keystoreCmd.AddCommand(keystoreRememberCmd)
	keystoreCmd.AddCommand(keystoreForgetCmd)
	keystoreCmd.AddCommand(keystorePassphraseCmd)
}
