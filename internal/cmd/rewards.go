package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
)

var (
	rewardUserID         string
	rewardWallet         string
	rewardBaseAmount     int64
	rewardConversationID string
	rewardLength         int
)

var rewardsCmd = &cobra.Command{
	Use:     "rewards",
	Aliases: []string{"reward"},
	Short:   "Pay and inspect conversation rewards",
}

var rewardsSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Pay the reward for a finished conversation",
	Long: `Pay the reward for a finished conversation from the treasury.

The base amount is adjusted for the user's plan (free x0.5, pro x1,
premium x2), then 90% goes to the user's wallet and 10% is burned. A
conversation is rewarded at most once.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd.Context(), nodeOptions{unlockKeystore: true}, func(ctx context.Context, n *node) error {
			reward, err := n.rewards.Reward(ctx, payment.RewardRequest{
				UserID:             rewardUserID,
				WalletAddress:      rewardWallet,
				BaseAmount:         rewardBaseAmount,
				ConversationID:     rewardConversationID,
				ConversationLength: rewardLength,
				Timestamp:          time.Now(),
			})
			if err != nil {
				return err
			}

			fmt.Println("✓ Reward settled")
			if err := printJSON(reward); err != nil {
				return err
			}
			if reward.UserTxRef == "" {
				fmt.Println("Reward rounds to zero, nothing was transferred")
			} else if url := explorerURL(n, reward.NetworkID, payment.TxRef(reward.UserTxRef)); url != "" {
				fmt.Printf("User transfer: %s\n", url)
			}
			if reward.BurnTxRef != "" {
				if url := explorerURL(n, reward.NetworkID, payment.TxRef(reward.BurnTxRef)); url != "" {
					fmt.Printf("Burn:          %s\n", url)
				}
			}
			return nil
		})
	},
}

var rewardsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the reward paid for a conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd.Context(), nodeOptions{}, func(ctx context.Context, n *node) error {
			reward, err := n.rewards.Lookup(ctx, rewardConversationID)
			if err != nil {
				return err
			}
			return printJSON(reward)
		})
	},
}

var rewardsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's rewards, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd.Context(), nodeOptions{}, func(ctx context.Context, n *node) error {
			rewards, err := n.rewards.ListByUser(ctx, rewardUserID, listLimit, listOffset)
			if err != nil {
				return err
			}
			return printJSON(rewards)
		})
	},
}

func init() {
	rootCmd.AddCommand(rewardsCmd)
	rewardsCmd.AddCommand(rewardsSendCmd, rewardsShowCmd, rewardsListCmd)

	rewardsSendCmd.Flags().StringVarP(&rewardUserID, "user", "u", "", "user id (required)")
	rewardsSendCmd.Flags().StringVarP(&rewardWallet, "wallet", "w", "", "user wallet address (required)")
	rewardsSendCmd.Flags().Int64VarP(&rewardBaseAmount, "amount", "a", 0, "base reward in token base units (required)")
	rewardsSendCmd.Flags().StringVar(&rewardConversationID, "conversation", "", "conversation id (required)")
	rewardsSendCmd.Flags().IntVar(&rewardLength, "length", 0, "conversation length in characters (required)")
	for _, name := range []string{"user", "wallet", "amount", "conversation", "length"} {
		rewardsSendCmd.MarkFlagRequired(name)
	}

	rewardsShowCmd.Flags().StringVar(&rewardConversationID, "conversation", "", "conversation id (required)")
	rewardsShowCmd.MarkFlagRequired("conversation")

	rewardsListCmd.Flags().StringVarP(&rewardUserID, "user", "u", "", "user id (required)")
	rewardsListCmd.Flags().IntVar(&listLimit, "limit", 20, "page size")
	rewardsListCmd.Flags().IntVar(&listOffset, "offset", 0, "page offset")
	rewardsListCmd.MarkFlagRequired("user")
}
