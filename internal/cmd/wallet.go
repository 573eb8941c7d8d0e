package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/crypto/keystore"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

var (
	walletFamily     string
	walletPrivateKey string
	walletID         string
	walletNetworkID  string
	forceWallet      bool
)

var walletCmd = &cobra.Command{
	Use:     "wallet",
	Aliases: []string{"wallets"},
	Short:   "Manage treasury wallets",
	Long: `Manage the treasury wallets the node pays rewards from.

Wallet keys are encrypted with a passphrase (scrypt and AES-256-GCM) and
stored in the node data directory. Wallets sealed with the keystore
passphrase, or with treasury_passphrase, are unlocked when the node starts.`,
}

var walletCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new treasury wallet",
	Long: `Create a new treasury wallet for a protocol family.

Families:
  - evm     (Ethereum, Polygon, BSC)
  - tron
  - solana  (USDT and CONVO on Solana)

Example:
  settlement-node wallet create --family solana`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		walletManager := openWalletManager()
		family := parseFamily(walletFamily)

		fmt.Println("Creating new wallet...")
		fmt.Printf("Family: %s\n", family)
		fmt.Println()

		passphrase := promptNewWalletPassphrase()

		wallet, err := walletManager.CreateWallet(family, passphrase)
		if err != nil {
			fmt.Printf("Error: Failed to create wallet: %v\n", err)
			os.Exit(1)
		}

		fmt.Println()
		fmt.Println("✓ Wallet created successfully")
		printWallet(wallet)
		fmt.Println("Fund this address before the node pays rewards from it.")
		fmt.Println("Remember your passphrase - it cannot be recovered if lost!")
		fmt.Println()
	},
}

var walletImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import an existing wallet from a private key",
	Long: `Import an existing treasury wallet using a private key.

EVM and TRON keys are hexadecimal (with or without 0x prefix). Solana keys
are base58 or a solana-keygen JSON byte array.

SECURITY WARNING: Never share your private key with anyone or enter it on
untrusted systems. The private key grants full control over the wallet.

Example:
  settlement-node wallet import --family tron --private-key 0x1234...`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		walletManager := openWalletManager()
		family := parseFamily(walletFamily)

		if walletPrivateKey == "" {
			fmt.Println("Error: --private-key is required")
			os.Exit(1)
		}

		fmt.Println("⚠️  SECURITY WARNING ⚠️")
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println("You are about to import a wallet using a private key.")
		fmt.Println("")
		fmt.Println("Make sure you are on a TRUSTED system and the private key is from")
		fmt.Println("a wallet you control. Never import keys from untrusted sources.")
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println()

		if !forceWallet && !confirm() {
			fmt.Println("Import cancelled.")
			return
		}

		fmt.Println()
		passphrase := promptNewWalletPassphrase()

		wallet, err := walletManager.ImportWallet(walletPrivateKey, family, passphrase)
		if err != nil {
			fmt.Printf("Error: Failed to import wallet: %v\n", err)
			os.Exit(1)
		}

		fmt.Println()
		fmt.Println("✓ Wallet imported successfully")
		printWallet(wallet)
	},
}

var walletListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all treasury wallets",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		walletManager := openWalletManager()
		treasury := config.GetConfigWithDefault("treasury_address", "")

		wallets := walletManager.ListWallets()
		if len(wallets) == 0 {
			fmt.Println("No wallets found.")
			fmt.Println()
			fmt.Println("Create a new wallet:")
			fmt.Println("  settlement-node wallet create --family solana")
			return
		}

		fmt.Println("Treasury Wallets")
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println()

		for _, wallet := range wallets {
			marker := ""
			if treasury != "" && strings.EqualFold(wallet.Address, treasury) {
				marker = " (reward treasury)"
			}

			fmt.Printf("Wallet ID:  %s%s\n", wallet.ID, marker)
			fmt.Printf("Family:     %s\n", wallet.Family)
			fmt.Printf("Address:    %s\n", wallet.Address)
			fmt.Printf("Created:    %s\n", time.Unix(wallet.CreatedAt, 0).UTC().Format(time.RFC3339))
			fmt.Println()
		}

		if treasury == "" {
			fmt.Println("No treasury_address set. Rewards are paid from the first wallet")
			fmt.Println("of the reward network's family.")
			fmt.Println()
		}
	},
}

var walletBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Query a wallet balance on a network",
	Long: `Query the balance a wallet holds of a network's asset, read directly
from the chain.

Example:
  settlement-node wallet balance --wallet-id <id> --network convoai`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if walletID == "" || walletNetworkID == "" {
			fmt.Println("Error: --wallet-id and --network are required")
			fmt.Println()
			fmt.Println("List all wallets:")
			fmt.Println("  settlement-node wallet list")
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		n, err := buildNode(ctx, config, logger, nodeOptions{})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		defer n.Close()

		fmt.Printf("Querying balance for wallet %s on %s...\n", walletID, walletNetworkID)
		fmt.Println()

		balance, err := n.wallets.GetBalance(ctx, walletID, walletNetworkID, n.adapters)
		if err != nil {
			fmt.Printf("Error: Failed to query balance: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("✓ Balance retrieved")
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println()
		fmt.Printf("Wallet ID:  %s\n", balance.WalletID)
		fmt.Printf("Network:    %s\n", balance.NetworkID)
		fmt.Printf("Address:    %s\n", balance.Address)
		fmt.Printf("Balance:    %s %s\n", balance.Display, balance.Asset)
		fmt.Println()
	},
}

var walletDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a wallet",
	Long: `Delete a treasury wallet and remove it from local storage.

SECURITY WARNING: This action is irreversible. Export the private key and move
the funds before deleting the wallet.

Example:
  settlement-node wallet delete --wallet-id <id>`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		requireWalletID()
		walletManager := openWalletManager()

		fmt.Println("⚠️  WARNING ⚠️")
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println("You are about to DELETE a wallet. The wallet file will be")
		fmt.Println("permanently removed from this node.")
		fmt.Println("")
		fmt.Printf("Wallet ID: %s\n", walletID)
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println()

		if !forceWallet && !confirm() {
			fmt.Println("Delete cancelled.")
			return
		}

		fmt.Println()
		passphrase, err := keystore.PromptPassphrase("Enter wallet passphrase to confirm: ")
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		if err := walletManager.DeleteWallet(walletID, passphrase); err != nil {
			fmt.Printf("Error: Failed to delete wallet: %v\n", err)
			os.Exit(1)
		}

		fmt.Println()
		fmt.Println("✓ Wallet deleted successfully")
		fmt.Println()
	},
}

var walletExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a wallet private key",
	Long: `Export the private key of a wallet for backup or transfer purposes.

SECURITY WARNING: The private key grants full control over the wallet.

Example:
  settlement-node wallet export --wallet-id <id>`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		requireWalletID()
		walletManager := openWalletManager()

		fmt.Println("⚠️  SECURITY WARNING ⚠️")
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println("You are about to export a treasury private key. Anyone holding")
		fmt.Println("it can move every token in the wallet.")
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println()

		if !forceWallet && !confirm() {
			fmt.Println("Export cancelled.")
			return
		}

		fmt.Println()
		passphrase, err := keystore.PromptPassphrase("Enter wallet passphrase: ")
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		wallet, err := walletManager.GetWallet(walletID, passphrase)
		if err != nil {
			fmt.Printf("Error: Failed to load wallet: %v\n", err)
			os.Exit(1)
		}

		fmt.Println()
		fmt.Println("✓ Private key exported")
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println()
		if wallet.Family == payment.FamilySolana {
			fmt.Println("Private Key (base58):")
			fmt.Println(solana.PrivateKey(wallet.PrivateKey).String())
		} else {
			fmt.Println("Private Key (hexadecimal):")
			fmt.Printf("0x%s\n", hex.EncodeToString(wallet.PrivateKey))
		}
		fmt.Println()
		fmt.Println("Keep this key secure and delete it when no longer needed.")
		fmt.Println()
	},
}

func openWalletManager() *payment.WalletManager {
	dir := utils.GetAppPaths("").WalletsDir()
	walletManager, err := payment.NewWalletManager(dir, logger)
	if err != nil {
		fmt.Printf("Error: Failed to initialize wallet manager: %v\n", err)
		os.Exit(1)
	}
	return walletManager
}

func parseFamily(value string) payment.ProtocolFamily {
	family := payment.ProtocolFamily(strings.ToLower(strings.TrimSpace(value)))
	if !family.Valid() || family == payment.FamilyFiat {
		fmt.Println("Error: --family must be one of evm, tron, solana")
		os.Exit(1)
	}
	return family
}

func requireWalletID() {
	if walletID == "" {
		fmt.Println("Error: --wallet-id is required")
		fmt.Println()
		fmt.Println("List all wallets:")
		fmt.Println("  settlement-node wallet list")
		os.Exit(1)
	}
}

// promptNewWalletPassphrase asks twice. Using the keystore passphrase lets
// the node unlock the wallet on start.
func promptNewWalletPassphrase() string {
	fmt.Println("Use the keystore passphrase so the node unlocks this wallet on start.")
	passphrase, err := keystore.PromptPassphrase("Enter passphrase to encrypt wallet: ")
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	confirmed, err := keystore.PromptPassphrase("Confirm passphrase: ")
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if passphrase != confirmed {
		fmt.Println("Error: Passphrases do not match")
		os.Exit(1)
	}
	return passphrase
}

func confirm() bool {
	fmt.Print("Do you want to continue? (yes/no): ")
	var response string
	fmt.Scanln(&response)
	switch strings.ToLower(strings.TrimSpace(response)) {
	case "yes", "y":
		return true
	}
	return false
}

func printWallet(wallet *payment.Wallet) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Wallet ID:  %s\n", wallet.ID)
	fmt.Printf("Family:     %s\n", wallet.Family)
	fmt.Printf("Address:    %s\n", wallet.Address)
	fmt.Println()
}

func init() {
	rootCmd.AddCommand(walletCmd)

	walletCmd.AddCommand(walletCreateCmd)
	walletCmd.AddCommand(walletImportCmd)
	walletCmd.AddCommand(walletListCmd)
	walletCmd.AddCommand(walletBalanceCmd)
	walletCmd.AddCommand(walletDeleteCmd)
	walletCmd.AddCommand(walletExportCmd)

	walletCreateCmd.Flags().StringVarP(&walletFamily, "family", "f", "solana", "protocol family: evm, tron or solana")

	walletImportCmd.Flags().StringVarP(&walletFamily, "family", "f", "solana", "protocol family: evm, tron or solana")
	walletImportCmd.Flags().StringVarP(&walletPrivateKey, "private-key", "k", "", "private key (required)")
	walletImportCmd.Flags().BoolVar(&forceWallet, "force", false, "skip confirmation prompt (use with caution)")

	walletBalanceCmd.Flags().StringVarP(&walletID, "wallet-id", "w", "", "wallet ID (required)")
	walletBalanceCmd.Flags().StringVarP(&walletNetworkID, "network", "n", "", "network id from the catalog (required)")

	walletDeleteCmd.Flags().StringVarP(&walletID, "wallet-id", "w", "", "wallet ID (required)")
	walletDeleteCmd.Flags().BoolVar(&forceWallet, "force", false, "skip confirmation prompt (use with caution)")

	walletExportCmd.Flags().StringVarP(&walletID, "wallet-id", "w", "", "wallet ID (required)")
	walletExportCmd.Flags().BoolVar(&forceWallet, "force", false, "skip confirmation prompt (use with caution)")
}
