package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"

	ws "github.com/Trustflow-Network-Labs/settlement-node/internal/api/websocket"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/crypto/keystore"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/database"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/kvstore"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/metrics"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/ratelimit"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

// nodeOptions choose which optional parts buildNode sets up
type nodeOptions struct {
	// unlockKeystore opens the node keystore, prompting when needed, and
	// unlocks treasury wallets with its passphrase
	unlockKeystore bool
	// liveEvents creates the websocket hub and publishes settlement events to it
	liveEvents bool
}

// node holds every wired component of a settlement node
type node struct {
	catalog  *payment.Catalog
	signers  *payment.SignerRegistry
	adapters *payment.AdapterSet
	db       *database.SQLiteManager
	kv       kvstore.Store
	memKV    *kvstore.MemoryStore
	recorder *metrics.PrometheusRecorder
	verifier *payment.VerificationService
	ledger   *payment.SubscriptionLedger
	payments *payment.PaymentRequestManager
	rewards  *payment.RewardDistributionEngine
	wallets  *payment.WalletManager
	hub      *ws.Hub

	jwtSecret []byte
	treasury  map[payment.ProtocolFamily]string
}

func buildNode(ctx context.Context, cm *utils.ConfigManager, lm *utils.LogsManager, opts nodeOptions) (*node, error) {
	n := &node{
		signers:  payment.NewSignerRegistry(),
		recorder: metrics.NewPrometheusRecorder(),
		treasury: make(map[payment.ProtocolFamily]string),
	}

	catalog, err := payment.LoadCatalog(cm)
	if err != nil {
		return nil, fmt.Errorf("failed to load network catalog: %v", err)
	}
	n.catalog = catalog

	if err := n.openKVStore(ctx, cm, lm); err != nil {
		return nil, err
	}

	n.db, err = database.NewSQLiteManager(cm, lm)
	if err != nil {
		n.kv.Close()
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if err := n.loadTreasury(cm, lm, opts.unlockKeystore); err != nil {
		n.Close()
		return nil, err
	}

	n.adapters = payment.NewAdapterSet(catalog)
	n.registerAdapters(ctx, cm, lm)

	var events payment.EventPublisher
	if opts.liveEvents {
		n.hub = ws.NewHub(lm.Logrus())
		events = n.hub
	}

	n.verifier = payment.NewVerificationService(n.adapters, n.recorder, lm)
	n.ledger = payment.NewSubscriptionLedger(n.db, lm)

	n.payments = payment.NewPaymentRequestManager(n.db, n.adapters, n.verifier, n.ledger, lm, payment.RequestManagerOptions{
		RequestTTL:         cm.GetConfigDuration("payment_request_ttl", payment.DefaultRequestTTL),
		SubscriptionPeriod: cm.GetConfigDuration("subscription_period", payment.DefaultSubscriptionPeriod),
		Recorder:           n.recorder,
		Events:             events,
		NodeWallets:        n.signers,
	})

	rewardNetwork := cm.GetConfigWithDefault("reward_token_network", payment.DefaultRewardNetwork)
	limiter := ratelimit.NewRateLimiter(
		n.kv,
		cm.GetConfigInt64("reward_rate_limit", ratelimit.DefaultRequestLimit, 1, 1_000_000),
		cm.GetConfigDuration("reward_rate_window", ratelimit.DefaultRequestWindow),
	)
	dailyCap := ratelimit.NewDailyCapTracker(
		n.kv,
		cm.GetConfigInt64("reward_daily_cap", ratelimit.DefaultDailyCap, 1, 1<<62),
	)

	n.rewards = payment.NewRewardDistributionEngine(n.db, n.adapters, n.ledger, limiter, dailyCap, n.kv, lm, payment.RewardEngineOptions{
		NetworkID:             rewardNetwork,
		TreasuryAddress:       n.treasuryAddress(cm, rewardNetwork),
		MinConversationLength: cm.GetConfigInt("reward_min_conversation_length", payment.DefaultMinConversationLength, 1, 1_000_000),
		ClaimTTL:              cm.GetConfigDuration("reward_claim_ttl", 0),
		Recorder:              n.recorder,
		Events:                events,
	})

	return n, nil
}

// openKVStore selects the counter backend. Redis is shared between node
// replicas, the memory store only limits a single process.
func (n *node) openKVStore(ctx context.Context, cm *utils.ConfigManager, lm *utils.LogsManager) error {
	prefix := cm.GetConfigWithDefault("kv_key_prefix", "settlement:")

	switch backend := strings.ToLower(cm.GetConfigWithDefault("kv_backend", "memory")); backend {
	case "memory":
		n.memKV = kvstore.NewMemoryStore()
		n.kv = n.memKV
	case "redis":
		var store *kvstore.RedisStore
		var err error
		if url := cm.GetConfigWithDefault("redis_url", ""); url != "" {
			store, err = kvstore.NewRedisStoreFromURL(ctx, url, prefix)
		} else {
			store, err = kvstore.NewRedisStore(ctx, &redis.Options{
				Addr:     cm.GetConfigWithDefault("redis_addr", "localhost:6379"),
				Password: cm.GetConfigWithDefault("redis_password", ""),
				DB:       cm.GetConfigInt("redis_db", 0, 0, 15),
			}, prefix)
		}
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %v", err)
		}
		n.kv = store
		lm.Info("Using redis for rate limits and reward claims", "node")
	default:
		return fmt.Errorf("%w: unknown kv_backend %q", payment.ErrValidation, backend)
	}
	return nil
}

// loadTreasury registers the signers that move treasury funds: the
// TREASURY_PRIVATE_KEY secret and, when the keystore is unlocked, every
// wallet file opening with the treasury passphrase
func (n *node) loadTreasury(cm *utils.ConfigManager, lm *utils.LogsManager, unlockKeystore bool) error {
	paths := utils.GetAppPaths("")

	wallets, err := payment.NewWalletManager(paths.WalletsDir(), lm)
	if err != nil {
		return fmt.Errorf("failed to open wallets: %v", err)
	}
	n.wallets = wallets

	if address := cm.GetConfigWithDefault("treasury_address", ""); address != "" {
		n.signers.Reserve(address)
	}
	if secret := cm.GetConfigWithDefault("treasury_private_key", ""); secret != "" {
		if err := n.registerTreasuryKey(secret); err != nil {
			return err
		}
	}

	if !unlockKeystore {
		return nil
	}

	data, passphrase, err := keystore.InitOrLoadKeystore(paths.DataDir, passphraseFile, cm)
	if err != nil {
		return err
	}
	n.jwtSecret = data.JWTSecret
	if override := cm.GetConfigWithDefault("admin_jwt_secret", ""); override != "" {
		n.jwtSecret = []byte(override)
	}

	treasuryPassphrase := cm.GetConfigWithDefault("treasury_passphrase", passphrase)
	if treasuryPassphrase == "" {
		treasuryPassphrase = passphrase
	}
	unlocked, err := wallets.UnlockAll(treasuryPassphrase, n.signers)
	if err != nil {
		return fmt.Errorf("failed to unlock treasury wallets: %v", err)
	}
	for _, wallet := range unlocked {
		n.signers.Reserve(wallet.Address)
		if _, ok := n.treasury[wallet.Family]; !ok {
			n.treasury[wallet.Family] = wallet.Address
		}
	}
	if len(unlocked) > 0 {
		lm.Info(fmt.Sprintf("Unlocked %d treasury wallet(s)", len(unlocked)), "node")
	}
	return nil
}

// registerTreasuryKey accepts a hex secp256k1 key, used for both EVM and
// TRON, or a Solana secret key
func (n *node) registerTreasuryKey(secret string) error {
	secret = strings.TrimSpace(secret)
	trimmed := strings.TrimPrefix(secret, "0x")

	if raw, err := hex.DecodeString(trimmed); err == nil && len(raw) == 32 {
		key, err := crypto.ToECDSA(raw)
		if err != nil {
			return fmt.Errorf("%w: TREASURY_PRIVATE_KEY is not a valid secp256k1 key", payment.ErrSignerUnavailable)
		}
		evm := payment.NewKeypairEVMSigner(key)
		tron := payment.NewKeypairTronSigner(key)
		n.signers.RegisterEVM(evm)
		n.signers.RegisterTron(tron)
		n.signers.Reserve(evm.Address())
		n.signers.Reserve(tron.Address())
		n.treasury[payment.FamilyEVM] = evm.Address()
		n.treasury[payment.FamilyTRON] = tron.Address()
		return nil
	}

	key, err := payment.ParseSolanaSecret(secret)
	if err != nil {
		return fmt.Errorf("TREASURY_PRIVATE_KEY: %w", err)
	}
	signer := payment.NewKeypairSolanaSigner(key)
	n.signers.RegisterSolana(signer)
	n.signers.Reserve(signer.PublicKey().String())
	n.treasury[payment.FamilySolana] = signer.PublicKey().String()
	return nil
}

// treasuryAddress is treasury_address when set, otherwise the first known
// treasury key of the reward network's family
func (n *node) treasuryAddress(cm *utils.ConfigManager, networkID string) string {
	if address := cm.GetConfigWithDefault("treasury_address", ""); address != "" {
		return address
	}
	descriptor, err := n.catalog.Describe(networkID)
	if err != nil {
		return ""
	}
	return n.treasury[descriptor.Family]
}

// registerAdapters creates one adapter per catalog network. A network whose
// client cannot be built is left out and reports ErrNetworkUnavailable.
func (n *node) registerAdapters(ctx context.Context, cm *utils.ConfigManager, lm *utils.LogsManager) {
	httpOpts := payment.HTTPOptions{
		Timeout:      time.Duration(cm.GetConfigInt("chain_http_timeout_seconds", 30, 1, 600)) * time.Second,
		MaxRetries:   cm.GetConfigInt("chain_max_retries", 3, 0, 10),
		RetryBackoff: time.Duration(cm.GetConfigInt("chain_retry_backoff_ms", 500, 1, 60_000)) * time.Millisecond,
	}

	for _, d := range n.catalog.List() {
		var adapter payment.ChainAdapter

		switch d.Family {
		case payment.FamilyEVM:
			if d.RPCURL == "" {
				lm.Warn(fmt.Sprintf("Network %s has no rpc_url, skipping", d.ID), "node")
				continue
			}
			evm, err := payment.DialEVMAdapter(ctx, d, n.signers)
			if err != nil {
				lm.Warn(fmt.Sprintf("Network %s unavailable: %v", d.ID, err), "node")
				continue
			}
			adapter = evm
		case payment.FamilyTRON:
			client := payment.NewTronClient(d.RPCURL, cm.GetConfigWithDefault("tron_api_key", ""), httpOpts, lm)
			adapter = payment.NewTronAdapter(d, client, n.signers)
		case payment.FamilySolana:
			adapter = payment.NewSolanaAdapterFromURL(d, n.signers)
		case payment.FamilyFiat:
			adapter = payment.NewFiatAdapter(d, n.db, payment.NewPlanCheckout(cm), lm)
		default:
			continue
		}

		if err := n.adapters.Register(d.ID, adapter); err != nil {
			lm.Warn(fmt.Sprintf("Failed to register adapter for %s: %v", d.ID, err), "node")
		}
	}
}

// stats reports settlement node state for the monitoring server
func (n *node) stats() map[string]interface{} {
	stats := map[string]interface{}{
		"database":  n.db.GetStats(),
		"networks":  len(n.catalog.List()),
		"kv_shared": n.memKV == nil,
	}
	if n.hub != nil {
		stats["websocket_clients"] = n.hub.ClientCount()
	}
	return stats
}

// Close releases the database and the counter store
func (n *node) Close() error {
	var errs []error
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if n.kv != nil {
		if err := n.kv.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
