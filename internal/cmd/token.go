package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/api"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/api/middleware"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/crypto/keystore"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

var (
	tokenSubject string
	tokenRole    string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token",
	Long: `Issue a bearer token for the protected API endpoints.

An admin token opens the admin endpoints (fiat reconciliation, wallet
listing) and the unfiltered event websocket. A service token is handed to
the conversation backend so it can report completed conversations for
rewards.

Tokens are signed with the secret held in the node keystore, or with
admin_jwt_secret when set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !middleware.ValidRole(tokenRole) {
			return fmt.Errorf("unknown role %q, use %s or %s", tokenRole, middleware.RoleAdmin, middleware.RoleService)
		}

		secret := []byte(config.GetConfigWithDefault("admin_jwt_secret", ""))
		if len(secret) == 0 {
			data, _, err := keystore.InitOrLoadKeystore(utils.GetAppPaths("").DataDir, passphraseFile, config)
			if err != nil {
				return err
			}
			secret = data.JWTSecret
		}

		ttl := tokenTTL
		if ttl <= 0 {
			ttl = config.GetConfigDuration("admin_token_ttl", 24*time.Hour)
		}

		jm := middleware.NewJWTManager(secret, api.JWTIssuer)
		token, err := jm.GenerateToken(tokenSubject, tokenRole, ttl)
		if err != nil {
			return err
		}

		logger.Info(fmt.Sprintf("Issued %s token for %s (key %s, valid %v)", tokenRole, tokenSubject, jm.KeyID(), ttl), "token")
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVarP(&tokenSubject, "subject", "s", "operator", "operator or service name recorded in the token")
	tokenCmd.Flags().StringVarP(&tokenRole, "role", "r", middleware.RoleAdmin, "token role: admin or service")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default admin_token_ttl)")
}
