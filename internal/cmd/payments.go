package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/crypto/keystore"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
)

var (
	paymentUserID    string
	paymentPlan      string
	paymentRequestID string
	paymentNetworkID string
	paymentFrom      string
	paymentWalletID  string
	paymentAmount    string
	paymentTxRef     string
	paymentWait      time.Duration
	paymentPaid      bool
	paymentDeclined  bool
	listLimit        int
	listOffset       int
)

var paymentsCmd = &cobra.Command{
	Use:     "payments",
	Aliases: []string{"payment"},
	Short:   "Create and settle subscription payments",
	Long: `Create and settle subscription payments against the local database.

A payment request is priced server side (pro 20 USD, premium 40 USD) and
activates the plan once its transaction is final on chain, or once a fiat
checkout is reconciled.`,
}

var paymentsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Open a payment request for a plan",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd.Context(), nodeOptions{}, func(ctx context.Context, n *node) error {
			req, err := n.payments.Create(ctx, paymentUserID, payment.Plan(paymentPlan))
			if err != nil {
				return err
			}
			return printJSON(req)
		})
	},
}

var paymentsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Pay a request from a local wallet",
	Long: `Transfer the plan price from a wallet to the network's treasury and
attach the resulting transaction to the request.

The paying wallet is unlocked from the node's wallet files with --wallet-id.
For fiat networks --from is the payer's e-mail and the checkout URL is printed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd.Context(), nodeOptions{}, func(ctx context.Context, n *node) error {
			from := paymentFrom
			if paymentWalletID != "" {
				passphrase, err := keystore.PromptPassphrase("Enter wallet passphrase: ")
				if err != nil {
					return err
				}
				wallet, err := n.wallets.Unlock(paymentWalletID, passphrase, n.signers)
				if err != nil {
					return err
				}
				from = wallet.Address
			}

			var opts []payment.SubmitOption
			if paymentAmount != "" {
				descriptor, err := n.catalog.Describe(paymentNetworkID)
				if err != nil {
					return err
				}
				claimed, err := payment.ParseAmount(paymentAmount, descriptor.AssetDecimals)
				if err != nil {
					return err
				}
				opts = append(opts, payment.WithClaimedAmount(claimed))
			}

			ref, err := n.payments.Submit(ctx, paymentRequestID, paymentNetworkID, from, opts...)
			if err != nil {
				return err
			}

			fmt.Printf("✓ Submitted %s\n", ref)
			if url := explorerURL(n, paymentNetworkID, ref); url != "" {
				fmt.Printf("  %s\n", url)
			}
			return nil
		})
	},
}

var paymentsAttachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach a transaction paid outside the node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd.Context(), nodeOptions{}, func(ctx context.Context, n *node) error {
			if err := n.payments.AttachTransaction(ctx, paymentRequestID, paymentNetworkID, payment.TxRef(paymentTxRef)); err != nil {
				return err
			}
			fmt.Printf("✓ Attached %s to %s\n", paymentTxRef, paymentRequestID)
			return nil
		})
	},
}

var paymentsConfirmCmd = &cobra.Command{
	Use:   "confirm",
	Short: "Verify a submitted payment and activate the plan",
	Long: `Verify the request's transaction and activate the plan when it is final.

With --wait the command polls the chain until the transaction is final or
the wait elapses.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd.Context(), nodeOptions{}, func(ctx context.Context, n *node) error {
			if paymentWait > 0 {
				req, err := n.payments.Get(ctx, paymentRequestID)
				if err != nil {
					return err
				}
				if req.TxRef == "" {
					return fmt.Errorf("%w: request %s has no transaction yet", payment.ErrValidation, paymentRequestID)
				}

				waitCtx, cancel := context.WithTimeout(ctx, paymentWait)
				result, err := n.verifier.AwaitFinality(waitCtx, req.NetworkID, payment.TxRef(req.TxRef), 5*time.Second)
				cancel()
				if err != nil && !errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				fmt.Printf("Verification: %s\n", result)
			}

			activation, err := n.payments.Confirm(ctx, paymentRequestID)
			if errors.Is(err, payment.ErrNotYetFinal) {
				fmt.Println("Transaction is not final yet, try again later")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Println("✓ Plan activated")
			return printJSON(activation)
		})
	},
}

var paymentsReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Record the outcome of a fiat checkout",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if paymentPaid == paymentDeclined {
			return fmt.Errorf("%w: pass exactly one of --paid or --declined", payment.ErrValidation)
		}

		return withNode(cmd.Context(), nodeOptions{}, func(ctx context.Context, n *node) error {
			activation, err := n.payments.Reconcile(ctx, paymentRequestID, paymentPaid)
			if err != nil {
				return err
			}
			if activation == nil {
				fmt.Printf("✓ Request %s marked as declined\n", paymentRequestID)
				return nil
			}
			fmt.Println("✓ Plan activated")
			return printJSON(activation)
		})
	},
}

var paymentsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a payment request",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd.Context(), nodeOptions{}, func(ctx context.Context, n *node) error {
			req, err := n.payments.Get(ctx, paymentRequestID)
			if err != nil {
				return err
			}
			if err := printJSON(req); err != nil {
				return err
			}
			if req.TxRef != "" {
				if url := explorerURL(n, req.NetworkID, payment.TxRef(req.TxRef)); url != "" {
					fmt.Printf("Explorer: %s\n", url)
				}
			}
			return nil
		})
	},
}

var paymentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's payment requests, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd.Context(), nodeOptions{}, func(ctx context.Context, n *node) error {
			requests, err := n.payments.ListByUser(ctx, paymentUserID, listLimit, listOffset)
			if err != nil {
				return err
			}
			return printJSON(requests)
		})
	},
}

var paymentsCheckoutsCmd = &cobra.Command{
	Use:   "checkouts",
	Short: "List fiat checkouts awaiting reconciliation, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd.Context(), nodeOptions{}, func(ctx context.Context, n *node) error {
			checkouts, err := n.db.ListPendingFiatCheckouts(ctx, listLimit)
			if err != nil {
				return err
			}
			if len(checkouts) == 0 {
				fmt.Println("No checkouts awaiting reconciliation")
				return nil
			}
			for _, c := range checkouts {
				fmt.Printf("%s  %s  %s cents  %s  opened %s\n",
					c.Ref, c.NetworkID, c.AmountCents, c.Payer, c.CreatedAt.UTC().Format(time.RFC3339))
			}
			return nil
		})
	},
}

// withNode builds the node for a one-shot command and closes it afterwards
func withNode(ctx context.Context, opts nodeOptions, fn func(ctx context.Context, n *node) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	n, err := buildNode(ctx, config, logger, opts)
	if err != nil {
		return err
	}
	defer n.Close()
	return fn(ctx, n)
}

func explorerURL(n *node, networkID string, ref payment.TxRef) string {
	_, adapter, err := n.adapters.Resolve(networkID)
	if err != nil {
		return ""
	}
	return adapter.BlockExplorerURL(ref)
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func init() {
	rootCmd.AddCommand(paymentsCmd)
	paymentsCmd.AddCommand(paymentsCreateCmd, paymentsSubmitCmd, paymentsAttachCmd, paymentsConfirmCmd,
		paymentsReconcileCmd, paymentsShowCmd, paymentsListCmd, paymentsCheckoutsCmd)

	paymentsCreateCmd.Flags().StringVarP(&paymentUserID, "user", "u", "", "user id (required)")
	paymentsCreateCmd.Flags().StringVarP(&paymentPlan, "plan", "p", "", "plan: pro or premium (required)")
	paymentsCreateCmd.MarkFlagRequired("user")
	paymentsCreateCmd.MarkFlagRequired("plan")

	for _, c := range []*cobra.Command{paymentsSubmitCmd, paymentsAttachCmd, paymentsConfirmCmd, paymentsReconcileCmd, paymentsShowCmd} {
		c.Flags().StringVarP(&paymentRequestID, "request", "r", "", "payment request id (required)")
		c.MarkFlagRequired("request")
	}
	for _, c := range []*cobra.Command{paymentsSubmitCmd, paymentsAttachCmd} {
		c.Flags().StringVarP(&paymentNetworkID, "network", "n", "", "network id from the catalog (required)")
		c.MarkFlagRequired("network")
	}

	paymentsSubmitCmd.Flags().StringVar(&paymentFrom, "from", "", "payer address, or e-mail for fiat networks")
	paymentsSubmitCmd.Flags().StringVarP(&paymentWalletID, "wallet-id", "w", "", "local wallet paying the request")
	paymentsSubmitCmd.Flags().StringVar(&paymentAmount, "amount", "", "expected amount in asset units, refused when it differs from the price")

	paymentsAttachCmd.Flags().StringVarP(&paymentTxRef, "tx", "t", "", "transaction reference (required)")
	paymentsAttachCmd.MarkFlagRequired("tx")

	paymentsConfirmCmd.Flags().DurationVar(&paymentWait, "wait", 0, "poll the chain this long for finality")

	paymentsReconcileCmd.Flags().BoolVar(&paymentPaid, "paid", false, "the checkout was paid")
	paymentsReconcileCmd.Flags().BoolVar(&paymentDeclined, "declined", false, "the checkout was declined")

	paymentsListCmd.Flags().StringVarP(&paymentUserID, "user", "u", "", "user id (required)")
	paymentsListCmd.Flags().IntVar(&listLimit, "limit", 20, "page size")
	paymentsListCmd.Flags().IntVar(&listOffset, "offset", 0, "page offset")
	paymentsListCmd.MarkFlagRequired("user")

	paymentsCheckoutsCmd.Flags().IntVar(&listLimit, "limit", 20, "page size")
}
