package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/database"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

func openDatabase(configPath string) (*database.SQLiteManager, *utils.LogsManager) {
	cm := utils.NewConfigManager(configPath)
	logger := utils.NewStdoutLogsManager(cm)

	db, err := database.NewSQLiteManager(cm, logger)
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		logger.Close()
		os.Exit(1)
	}
	return db, logger
}

func RunSettlementReport(args []string) {
	configPath := ""
	if len(args) > 0 {
		configPath = args[0]
	}

	db, logger := openDatabase(configPath)
	defer logger.Close()
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	counts, err := db.PaymentStatusCounts(ctx)
	if err != nil {
		fmt.Printf("Failed to count payment requests: %v\n", err)
		os.Exit(1)
	}
	totals, err := db.RewardTotalsByNetwork(ctx)
	if err != nil {
		fmt.Printf("Failed to sum rewards: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "=== Payment Requests ===")
	fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, c := range counts {
		fmt.Fprintf(w, "%s\t%d\n", c.Status, c.Count)
	}
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "=== Rewards ===")
	fmt.Fprintln(w, "NETWORK\tREWARDS\tUSER AMOUNT\tBURN AMOUNT\tFAILED BURNS")
	for _, t := range totals {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", t.NetworkID, t.Rewards, t.UserAmount, t.BurnAmount, t.FailedBurns)
	}
	w.Flush()
}

func RunFailedBurns(args []string) {
	limit := 100
	configPath := ""
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			fmt.Printf("Invalid limit: %s\n", args[0])
			os.Exit(1)
		}
		limit = n
	}
	if len(args) > 1 {
		configPath = args[1]
	}

	db, logger := openDatabase(configPath)
	defer logger.Close()
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rewards, err := db.ListFailedBurns(ctx, limit)
	if err != nil {
		fmt.Printf("Failed to list failed burns: %v\n", err)
		os.Exit(1)
	}
	if len(rewards) == 0 {
		fmt.Println("No failed burns")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COMPLETED\tCONVERSATION\tNETWORK\tBURN AMOUNT\tERROR")
	for _, r := range rewards {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			r.CompletedAt.UTC().Format(time.RFC3339), r.ConversationID, r.NetworkID, r.BurnAmount, r.BurnError)
	}
	w.Flush()
}
