package payment

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/database"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/kvstore"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/metrics"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/ratelimit"
)

const (
	DefaultMinConversationLength = 50
	DefaultRewardNetwork         = "convoai"

	// BurnAddress is the Solana system program, an address nobody can sign for
	BurnAddress = "11111111111111111111111111111111"

	userSharePercent = 90
	burnSharePercent = 10

	rewardClaimPrefix = "reward:claim:"
	defaultClaimTTL   = 24 * time.Hour
)

// multiplier is a plan's reward factor as an integer fraction
type multiplier struct {
	num, den int64
}

var planMultipliers = map[Plan]multiplier{
	PlanFree:    {1, 2},
	PlanPro:     {1, 1},
	PlanPremium: {2, 1},
}

// RewardTransaction is the persisted payout of one conversation
type RewardTransaction = database.RewardTransaction

// RewardRequest asks for the reward of one finished conversation
type RewardRequest struct {
	UserID             string    `json:"user_id"`
	WalletAddress      string    `json:"wallet_address"`
	BaseAmount         int64     `json:"base_amount"`
	ConversationID     string    `json:"conversation_id"`
	ConversationLength int       `json:"conversation_length"`
	Timestamp          time.Time `json:"timestamp"`
}

// RewardStore persists reward records. *database.SQLiteManager implements it.
type RewardStore interface {
	CreateRewardTransaction(ctx context.Context, tx *database.RewardTransaction) error
	GetRewardTransaction(ctx context.Context, conversationID string) (*database.RewardTransaction, error)
	ListRewardTransactionsByUser(ctx context.Context, userID string, limit, offset int) ([]*database.RewardTransaction, error)
}

// RewardEngineOptions configure a RewardDistributionEngine. Zero values take defaults.
type RewardEngineOptions struct {
	NetworkID             string
	TreasuryAddress       string
	MinConversationLength int
	ClaimTTL              time.Duration
	Recorder              metrics.Recorder
	Events                EventPublisher
}

// RewardDistributionEngine pays conversation rewards from the treasury, 90%
// to the user and 10% burned
type RewardDistributionEngine struct {
	store    RewardStore
	adapters *AdapterSet
	plans    PlanResolver
	limiter  *ratelimit.RateLimiter
	dailyCap *ratelimit.DailyCapTracker
	claims   kvstore.Store
	recorder metrics.Recorder
	events   EventPublisher
	logger   Logger

	networkID string
	treasury  string
	minLength int
	claimTTL  time.Duration
	now       func() time.Time
}

func NewRewardDistributionEngine(
	store RewardStore,
	adapters *AdapterSet,
	plans PlanResolver,
	limiter *ratelimit.RateLimiter,
	dailyCap *ratelimit.DailyCapTracker,
	claims kvstore.Store,
	logger Logger,
	opts RewardEngineOptions,
) *RewardDistributionEngine {
	if opts.NetworkID == "" {
		opts.NetworkID = DefaultRewardNetwork
	}
	if opts.MinConversationLength <= 0 {
		opts.MinConversationLength = DefaultMinConversationLength
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = defaultClaimTTL
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NoopRecorder{}
	}
	if opts.Events == nil {
		opts.Events = noopPublisher{}
	}

	return &RewardDistributionEngine{
		store:     store,
		adapters:  adapters,
		plans:     plans,
		limiter:   limiter,
		dailyCap:  dailyCap,
		claims:    claims,
		recorder:  opts.Recorder,
		events:    opts.Events,
		logger:    logger,
		networkID: opts.NetworkID,
		treasury:  opts.TreasuryAddress,
		minLength: opts.MinConversationLength,
		claimTTL:  opts.ClaimTTL,
		now:       time.Now,
	}
}

// SplitReward divides an adjusted amount with integer floor division. The
// rounding remainder stays in the treasury.
func SplitReward(adjusted int64) (user, burn int64) {
	return adjusted * userSharePercent / 100, adjusted * burnSharePercent / 100
}

// AdjustForPlan applies the plan multiplier. Unknown plans earn the free rate.
func AdjustForPlan(base int64, plan Plan) (int64, error) {
	m, ok := planMultipliers[plan]
	if !ok {
		m = planMultipliers[PlanFree]
	}
	if base > math.MaxInt64/m.num {
		return 0, fmt.Errorf("%w: base amount %d is too large", ErrValidation, base)
	}
	return base * m.num / m.den, nil
}

// Reward pays the reward for one conversation at most once. A repeated call
// for a rewarded conversation returns the stored record.
func (e *RewardDistributionEngine) Reward(ctx context.Context, req RewardRequest) (*RewardTransaction, error) {
	if req.BaseAmount <= 0 {
		return nil, fmt.Errorf("%w: base amount must be positive", ErrValidation)
	}
	if req.ConversationLength < e.minLength {
		return nil, fmt.Errorf("%w: conversation length %d is below the minimum of %d", ErrValidation, req.ConversationLength, e.minLength)
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	if req.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrValidation)
	}

	if existing, err := e.Lookup(ctx, req.ConversationID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if err := ValidateAddress(FamilySolana, req.WalletAddress); err != nil {
		return nil, err
	}

	// Plan tier can change mid-session, so it is looked up now
	plan, err := e.plans.CurrentPlan(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plan: %v", err)
	}
	adjusted, err := AdjustForPlan(req.BaseAmount, plan)
	if err != nil {
		return nil, err
	}
	userAmount, burnAmount := SplitReward(adjusted)

	won, err := e.claim(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if !won {
		// Someone else is paying this conversation right now
		if existing, err := e.Lookup(ctx, req.ConversationID); err == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: conversation %s is being rewarded", ErrDuplicateTransaction, req.ConversationID)
	}

	var record *RewardTransaction
	if userAmount <= 0 {
		record, err = e.settleZero(ctx, req, plan, adjusted)
	} else {
		record, err = e.settle(ctx, req, plan, adjusted, userAmount, burnAmount)
	}
	if err != nil {
		if record == nil {
			// Nothing was paid, a later retry may claim again
			e.unclaim(ctx, req.ConversationID)
		}
		return nil, err
	}
	return record, nil
}

// settle runs the throttling checks and the transfers. It returns a non-nil
// record with an error only when funds moved but the record was not stored.
func (e *RewardDistributionEngine) settle(ctx context.Context, req RewardRequest, plan Plan, adjusted, userAmount, burnAmount int64) (*RewardTransaction, error) {
	decision, err := e.limiter.Allow(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", ErrNetworkUnavailable, err)
	}
	if !decision.Allowed {
		e.count("reward", "rate_limited")
		return nil, &LimitError{Kind: ErrRateLimited, UserID: req.UserID, ResetAt: decision.ResetAt}
	}

	decision, err = e.dailyCap.Allow(ctx, req.UserID, adjusted)
	if err != nil {
		return nil, fmt.Errorf("%w: daily cap: %v", ErrNetworkUnavailable, err)
	}
	if !decision.Allowed {
		e.count("reward", "daily_cap")
		return nil, &LimitError{Kind: ErrDailyCapExceeded, UserID: req.UserID, ResetAt: decision.ResetAt}
	}

	descriptor, adapter, err := e.adapters.Resolve(e.networkID)
	if err != nil {
		e.release(ctx, req.UserID, adjusted)
		return nil, err
	}

	start := time.Now()
	userRef, err := adapter.Transfer(ctx, e.treasury, req.WalletAddress, descriptor.AssetContract, big.NewInt(userAmount))
	metrics.Since(e.recorder, "transfer", start, map[string]string{"network": e.networkID})
	if err != nil {
		e.release(ctx, req.UserID, adjusted)
		e.count("reward", "transfer_failed")
		e.logger.Warn(fmt.Sprintf("Reward transfer for conversation %s failed: %v", req.ConversationID, err), "rewards")
		return nil, err
	}

	record := newRewardRecord(req, e.networkID, plan, adjusted)
	record.UserAmount = userAmount
	record.BurnAmount = burnAmount
	record.UserTxRef = string(userRef)

	if burnAmount > 0 {
		burnRef, err := e.burn(ctx, adapter, descriptor, burnAmount)
		if err != nil {
			// The user is paid, a failed burn only leaves tokens in the treasury
			e.logger.Warn(fmt.Sprintf("Burn of %d for conversation %s failed: %v", burnAmount, req.ConversationID, err), "rewards")
			record.BurnStatus = database.BurnStatusFailed
			record.BurnError = err.Error()
		} else {
			record.BurnStatus = database.BurnStatusBurned
			record.BurnTxRef = string(burnRef)
		}
	}

	return e.record(ctx, req, record)
}

// settleZero records a reward whose user share floors to zero. Nothing is
// transferred and no limit is consumed, but the conversation counts as
// rewarded so it is never paid later.
func (e *RewardDistributionEngine) settleZero(ctx context.Context, req RewardRequest, plan Plan, adjusted int64) (*RewardTransaction, error) {
	e.logger.Debug(fmt.Sprintf("Reward of %d base units for conversation %s rounds to zero", adjusted, req.ConversationID), "rewards")
	return e.record(ctx, req, newRewardRecord(req, e.networkID, plan, adjusted))
}

func (e *RewardDistributionEngine) record(ctx context.Context, req RewardRequest, record *RewardTransaction) (*RewardTransaction, error) {
	record.CompletedAt = e.now().UTC().Truncate(time.Second)
	if err := e.store.CreateRewardTransaction(ctx, record); err != nil {
		if errors.Is(err, database.ErrDuplicateReward) {
			if existing, lookupErr := e.Lookup(ctx, req.ConversationID); lookupErr == nil {
				return existing, nil
			}
		}
		if record.UserTxRef == "" {
			return nil, fmt.Errorf("failed to store reward transaction: %v", err)
		}
		e.logger.Error(fmt.Sprintf("Reward for conversation %s paid in %s but not recorded: %v", req.ConversationID, record.UserTxRef, err), "rewards")
		return record, fmt.Errorf("failed to store reward transaction: %v", err)
	}

	outcome := "ok"
	if record.UserAmount == 0 {
		outcome = "zero"
	}
	e.count("reward", outcome)
	e.logger.Info(fmt.Sprintf("Rewarded conversation %s: %d to %s, burn %s", req.ConversationID, record.UserAmount, req.WalletAddress, record.BurnStatus), "rewards")
	e.events.Publish(SettlementEvent{Type: EventRewardSettled, UserID: req.UserID, Payload: record})
	return record, nil
}

func newRewardRecord(req RewardRequest, networkID string, plan Plan, adjusted int64) *RewardTransaction {
	return &RewardTransaction{
		RewardID:           uuid.New().String(),
		ConversationID:     req.ConversationID,
		UserID:             req.UserID,
		WalletAddress:      req.WalletAddress,
		NetworkID:          networkID,
		Plan:               string(plan),
		ConversationLength: req.ConversationLength,
		BaseAmount:         req.BaseAmount,
		AdjustedAmount:     adjusted,
		BurnStatus:         database.BurnStatusSkipped,
	}
}

// Lookup returns the stored reward for a conversation or ErrNotFound
func (e *RewardDistributionEngine) Lookup(ctx context.Context, conversationID string) (*RewardTransaction, error) {
	record, err := e.store.GetRewardTransaction(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load reward transaction: %v", err)
	}
	if record == nil {
		return nil, fmt.Errorf("%w: reward for conversation %s", ErrNotFound, conversationID)
	}
	return record, nil
}

// ListByUser returns a user's rewards, newest first
func (e *RewardDistributionEngine) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*RewardTransaction, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return e.store.ListRewardTransactionsByUser(ctx, userID, limit, offset)
}

func (e *RewardDistributionEngine) burn(ctx context.Context, adapter ChainAdapter, descriptor NetworkDescriptor, amount int64) (TxRef, error) {
	if burner, ok := adapter.(Burner); ok {
		return burner.Burn(ctx, e.treasury, descriptor.AssetContract, big.NewInt(amount))
	}
	return adapter.Transfer(ctx, e.treasury, BurnAddress, descriptor.AssetContract, big.NewInt(amount))
}

func (e *RewardDistributionEngine) claim(ctx context.Context, conversationID string) (bool, error) {
	won, err := e.claims.SetNX(ctx, claimKey(conversationID), e.now().UTC().Format(time.RFC3339), e.claimTTL)
	if err != nil {
		return false, fmt.Errorf("%w: reward claim: %v", ErrNetworkUnavailable, err)
	}
	return won, nil
}

func (e *RewardDistributionEngine) unclaim(ctx context.Context, conversationID string) {
	if err := e.claims.Delete(ctx, claimKey(conversationID)); err != nil {
		e.logger.Warn(fmt.Sprintf("Failed to release reward claim for %s: %v", conversationID, err), "rewards")
	}
}

func (e *RewardDistributionEngine) release(ctx context.Context, userID string, amount int64) {
	if err := e.dailyCap.Release(ctx, userID, amount); err != nil {
		e.logger.Warn(fmt.Sprintf("Failed to release daily cap reservation of %d for %s: %v", amount, userID, err), "rewards")
	}
}

func (e *RewardDistributionEngine) count(name, result string) {
	e.recorder.IncCounter(name, map[string]string{"network": e.networkID, "result": result})
}

// claimKey hashes the conversation id so arbitrary ids map to fixed size keys
func claimKey(conversationID string) string {
	sum := blake3.Sum256([]byte(conversationID))
	return rewardClaimPrefix + hex.EncodeToString(sum[:])
}
