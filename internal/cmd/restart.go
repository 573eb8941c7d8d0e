package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

var restartCmd = &cobra.Command{
	Use:     "restart",
	Aliases: []string{"restart-node"},
	Short:   "Restart the running settlement node",
	Long: `Restart the running settlement node by stopping it gracefully and
starting it again in the background.

The restarted node cannot prompt for the keystore passphrase, so provide it
with --passphrase-file, KEYSTORE_PASSPHRASE or a remembered OS keyring entry.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		pidManager, err := utils.NewPIDManager(config)
		if err != nil {
			msg := fmt.Sprintf("Failed to create PID manager: %v", err)
			fmt.Println(msg)
			logger.Error(msg, "restart")
			os.Exit(1)
		}

		pid, err := pidManager.ReadPID()
		isRunning := err == nil && pidManager.IsProcessRunning(pid)

		if isRunning {
			fmt.Printf("Found running node with PID: %d\n", pid)
			fmt.Println("Stopping node...")

			if err := pidManager.StopProcess(pid, time.Duration(stopGracePeriod)*time.Second); err != nil {
				msg := fmt.Sprintf("Failed to stop process: %v", err)
				fmt.Println(msg)
				logger.Error(msg, "restart")
				os.Exit(1)
			}
			if err := pidManager.RemovePIDFile(); err != nil {
				fmt.Printf("Warning: Failed to remove PID file: %v\n", err)
			}

			fmt.Println("Node stopped successfully")
			logger.Info("Node stopped successfully", "restart")
		} else {
			fmt.Println("No running node found, starting fresh...")
			if err == nil {
				if err := pidManager.RemovePIDFile(); err != nil {
					fmt.Printf("Warning: Failed to remove stale PID file: %v\n", err)
				}
			}
		}

		exePath, err := os.Executable()
		if err != nil {
			msg := fmt.Sprintf("Failed to get executable path: %v", err)
			fmt.Println(msg)
			logger.Error(msg, "restart")
			os.Exit(1)
		}

		// Start again with the same config and passphrase source
		startArgs := []string{"start"}
		if configPath != "" {
			startArgs = append(startArgs, "--config", configPath)
		}
		if passphraseFile != "" {
			startArgs = append(startArgs, "--passphrase-file", passphraseFile)
		}

		startProcess := exec.Command(exePath, startArgs...)
		startProcess.Stdout = nil
		startProcess.Stderr = nil
		startProcess.Stdin = nil

		if err := startProcess.Start(); err != nil {
			msg := fmt.Sprintf("Failed to start node: %v", err)
			fmt.Println(msg)
			logger.Error(msg, "restart")
			os.Exit(1)
		}
		if err := startProcess.Process.Release(); err != nil {
			logger.Warn(fmt.Sprintf("Failed to detach process: %v", err), "restart")
		}

		fmt.Println("Settlement node restarted (the new PID is written by the start process)")
		logger.Info("Settlement node restarted", "restart")
	},
}

func init() {
	rootCmd.AddCommand(restartCmd)
}
