package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
)

var networksCmd = &cobra.Command{
	Use:   "networks",
	Short: "List the supported payment networks",
	Long: `List the networks of the catalog with the plan prices in each
network's asset. The catalog is the embedded default overlaid with
networks_file and rpc_url_<id> / recipient_<id> keys.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := payment.LoadCatalog(config)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tFAMILY\tASSET\tPRO\tPREMIUM\tRECIPIENT")
		for _, d := range catalog.List() {
			recipient := d.Recipient
			if recipient == "" {
				recipient = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				d.ID, d.Name, d.Family, d.AssetSymbol,
				planPrice(payment.PlanPro, d), planPrice(payment.PlanPremium, d), recipient)
		}
		return w.Flush()
	},
}

func planPrice(plan payment.Plan, d payment.NetworkDescriptor) string {
	cents, err := payment.PriceFor(plan)
	if err != nil {
		return "-"
	}
	amount, err := payment.CentsToBaseUnits(cents, d.AssetDecimals)
	if err != nil {
		return "-"
	}
	return payment.FormatAmount(amount, d.AssetDecimals)
}

func init() {
	rootCmd.AddCommand(networksCmd)
}
