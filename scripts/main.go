package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "settlement-report":
		RunSettlementReport(args)
	case "failed-burns":
		RunFailedBurns(args)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: go run ./scripts <command> [args...]")
	fmt.Println("")
	fmt.Println("Available commands:")
	fmt.Println("  settlement-report [config_file]")
	fmt.Println("    Summarize payment request states and reward totals per network")
	fmt.Println("    Example: go run ./scripts settlement-report")
	fmt.Println("")
	fmt.Println("  failed-burns [limit] [config_file]")
	fmt.Println("    List rewards whose burn transfer failed, oldest first")
	fmt.Println("    Example: go run ./scripts failed-burns 20")
}
