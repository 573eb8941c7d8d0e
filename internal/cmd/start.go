package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/api"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/workers"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the settlement node",
	Long: `Start the settlement node in the foreground.

This will:
- Unlock the node keystore and the treasury wallets
- Open the settlement database and the rate limit store
- Serve the HTTP API and the live event websocket
- Expire stale payment requests and confirm submitted payments periodically`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		logger.Info("Starting settlement node...", "cli")

		pidManager, err := utils.NewPIDManager(config)
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to create PID manager: %v", err), "cli")
			os.Exit(1)
		}

		// Check if another instance is already running
		if existingPID, err := pidManager.ReadPID(); err == nil {
			if pidManager.IsProcessRunning(existingPID) {
				logger.Error(fmt.Sprintf("Another instance is already running with PID: %d", existingPID), "cli")
				fmt.Printf("Another instance is already running with PID: %d\n", existingPID)
				fmt.Println("Use 'settlement-node stop' to stop the existing instance first")
				os.Exit(1)
			}
			pidManager.RemovePIDFile()
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		n, err := buildNode(ctx, config, logger, nodeOptions{unlockKeystore: true, liveEvents: true})
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to initialize node: %v", err), "cli")
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		currentPID := os.Getpid()
		if err := pidManager.WritePID(currentPID); err != nil {
			logger.Error(fmt.Sprintf("Failed to write PID file: %v", err), "cli")
			n.Close()
			os.Exit(1)
		}
		logger.Info(fmt.Sprintf("Node started with PID: %d", currentPID), "cli")

		go n.hub.Run(ctx)

		pool := workers.NewWorkerPool(ctx, config.GetConfigInt("worker_count", 4, 1, 64), logger)
		pool.Start()
		scheduler := workers.NewScheduler(pool, logger)
		scheduleMaintenance(scheduler, n)
		scheduler.Start(ctx)

		server := api.NewAPIServer(config, logger, n.jwtSecret, api.Services{
			Catalog:       n.catalog,
			Adapters:      n.adapters,
			Payments:      n.payments,
			Rewards:       n.rewards,
			Subscriptions: n.ledger,
			Wallets:       n.wallets,
			Hub:           n.hub,
			Metrics:       n.recorder.Handler(),
		})
		if err := server.Start(); err != nil {
			logger.Error(fmt.Sprintf("Failed to start API server: %v", err), "cli")
			fmt.Printf("Error: %v\n", err)
			cancel()
			pool.Stop()
			n.Close()
			pidManager.RemovePIDFile()
			os.Exit(1)
		}

		var monitoringServer *utils.MonitoringServer
		if config.GetConfigBool("monitoring_enabled", false) {
			monitoringServer = utils.NewMonitoringServer(config, logger, n.recorder.Handler(), n.stats)
			if err := monitoringServer.Start(); err != nil {
				logger.Warn(fmt.Sprintf("Failed to start monitoring server: %v", err), "cli")
				monitoringServer = nil
			}
		}

		fmt.Printf("Settlement node is running, API on port %s. Press Ctrl+C to stop.\n", server.GetPort())

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutdown signal received, stopping node...", "cli")

		if err := server.Stop(); err != nil {
			logger.Error(fmt.Sprintf("Error stopping API server: %v", err), "cli")
		}
		if monitoringServer != nil {
			monitoringServer.Stop()
		}
		cancel()
		scheduler.Wait()
		pool.Stop()

		if err := n.Close(); err != nil {
			logger.Error(fmt.Sprintf("Error closing node: %v", err), "cli")
		}
		if err := pidManager.RemovePIDFile(); err != nil {
			logger.Warn(fmt.Sprintf("Failed to remove PID file: %v", err), "cli")
		}

		logger.Info("Settlement node stopped successfully", "cli")
	},
}

// scheduleMaintenance registers the periodic jobs that keep payment state
// moving without client polling
func scheduleMaintenance(scheduler *workers.Scheduler, n *node) {
	scheduler.Add(workers.Job{
		Name:     "expire-payments",
		Interval: config.GetConfigDuration("expire_interval", time.Minute),
		Run: func(ctx context.Context) error {
			expired, err := n.payments.ExpireStale(ctx)
			if expired > 0 {
				logger.Info(fmt.Sprintf("Expired %d stale payment request(s)", expired), "workers")
			}
			return err
		},
	})

	scheduler.Add(workers.Job{
		Name:     "confirm-payments",
		Interval: config.GetConfigDuration("confirm_interval", 30*time.Second),
		Run: func(ctx context.Context) error {
			confirmed, err := n.payments.ConfirmPending(ctx)
			if confirmed > 0 {
				logger.Info(fmt.Sprintf("Confirmed %d submitted payment(s)", confirmed), "workers")
			}
			return err
		},
	})

	if n.memKV != nil {
		scheduler.Add(workers.Job{
			Name:     "sweep-counters",
			Interval: config.GetConfigDuration("kv_sweep_interval", 5*time.Minute),
			Run: func(ctx context.Context) error {
				if swept := n.memKV.Sweep(); swept > 0 {
					logger.Debug(fmt.Sprintf("Swept %d expired counter(s)", swept), "workers")
				}
				return nil
			},
		})
	}

	scheduler.Add(workers.Job{
		Name:     "database-maintenance",
		Interval: config.GetConfigDuration("db_maintenance_interval", 24*time.Hour),
		Run:      n.db.PerformMaintenance,
	})
}

func init() {
	rootCmd.AddCommand(startCmd)
}
