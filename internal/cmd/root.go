package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

var (
	configPath     string
	passphraseFile string
	config         *utils.ConfigManager
	logger         *utils.LogsManager
)

var rootCmd = &cobra.Command{
	Use:   "settlement-node",
	Short: "Subscription payment and reward settlement node",
	Long: `A settlement node that sells subscription plans for crypto or fiat
payments and pays conversation rewards in CONVO tokens.

Payments are verified on EVM chains, TRON and Solana before a plan is
activated. Rewards are split 90/10 between the user and a burn, limited per
user by a request rate limit and a daily cap.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config = utils.NewConfigManager(configPath)

		// The long running node writes to its log file, one-shot commands
		// keep the node's log untouched and report on stderr
		if cmd.Name() == "start" {
			logger = utils.NewLogsManager(config)
		} else {
			logger = utils.NewStdoutLogsManager(config)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&passphraseFile, "passphrase-file", "", "file holding the keystore passphrase")
}
