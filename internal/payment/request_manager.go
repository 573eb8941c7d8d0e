package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/database"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/metrics"
)

const (
	DefaultRequestTTL         = 30 * time.Minute
	DefaultSubscriptionPeriod = 30 * 24 * time.Hour

	defaultListLimit   = 50
	maxListLimit       = 200
	confirmBatchSize   = 100
	expireBatchSize    = 500
	requestIDPrefix    = "pay_"
	requestIDRandBytes = 16
)

// PaymentRequest is the persisted subscription payment
type PaymentRequest = database.PaymentRequest

// RequestStore persists payment requests. *database.SQLiteManager implements it.
type RequestStore interface {
	CreatePaymentRequest(ctx context.Context, req *database.PaymentRequest) error
	GetPaymentRequest(ctx context.Context, requestID string) (*database.PaymentRequest, error)
	ListPaymentRequestsByUser(ctx context.Context, userID string, limit, offset int) ([]*database.PaymentRequest, error)
	ListSubmittedPendingRequests(ctx context.Context, limit int) ([]*database.PaymentRequest, error)
	AttachPaymentTransaction(ctx context.Context, requestID, networkID, amountBaseUnits, userAddress, txRef string, submittedAt time.Time) error
	MarkPaymentConfirmed(ctx context.Context, requestID string, confirmedAt, activationExpiresAt time.Time) error
	MarkPaymentFailed(ctx context.Context, requestID, reason string) error
	MarkPaymentExpired(ctx context.Context, requestID string) (bool, error)
	ListStalePendingRequests(ctx context.Context, now time.Time, limit int) ([]*database.PaymentRequest, error)
}

// activationConfirmer is an ActivationSink that can confirm the paying
// request and activate its subscription in one transaction
type activationConfirmer interface {
	ConfirmAndActivate(ctx context.Context, confirmedAt time.Time, activation SubscriptionActivation) error
}

// RequestManagerOptions tune a PaymentRequestManager. Zero values take defaults.
type RequestManagerOptions struct {
	RequestTTL         time.Duration
	SubscriptionPeriod time.Duration
	Recorder           metrics.Recorder
	Events             EventPublisher
	// NodeWallets tells which addresses belong to the node. Users cannot pay
	// from them.
	NodeWallets NodeWallets
}

// NodeWallets is satisfied by *SignerRegistry
type NodeWallets interface {
	Reserved(address string) bool
}

type noNodeWallets struct{}

func (noNodeWallets) Reserved(string) bool { return false }

// PaymentRequestManager drives a subscription payment from creation to
// activation
type PaymentRequestManager struct {
	store    RequestStore
	adapters *AdapterSet
	verifier *VerificationService
	sink     ActivationSink
	recorder metrics.Recorder
	events   EventPublisher
	logger   Logger
	wallets  NodeWallets

	ttl    time.Duration
	period time.Duration
	now    func() time.Time
	locks  *keyedLocks
}

func NewPaymentRequestManager(
	store RequestStore,
	adapters *AdapterSet,
	verifier *VerificationService,
	sink ActivationSink,
	logger Logger,
	opts RequestManagerOptions,
) *PaymentRequestManager {
	if opts.RequestTTL <= 0 {
		opts.RequestTTL = DefaultRequestTTL
	}
	if opts.SubscriptionPeriod <= 0 {
		opts.SubscriptionPeriod = DefaultSubscriptionPeriod
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NoopRecorder{}
	}
	if opts.Events == nil {
		opts.Events = noopPublisher{}
	}
	if opts.NodeWallets == nil {
		opts.NodeWallets = noNodeWallets{}
	}

	return &PaymentRequestManager{
		store:    store,
		adapters: adapters,
		verifier: verifier,
		sink:     sink,
		recorder: opts.Recorder,
		events:   opts.Events,
		logger:   logger,
		wallets:  opts.NodeWallets,
		ttl:      opts.RequestTTL,
		period:   opts.SubscriptionPeriod,
		now:      time.Now,
		locks:    newKeyedLocks(),
	}
}

// SubmitOption adjusts a Submit call
type SubmitOption func(*submitOptions)

type submitOptions struct {
	claimedAmount *big.Int
}

// WithClaimedAmount makes Submit refuse to proceed unless the caller's
// amount equals the server price in the network's base units
func WithClaimedAmount(baseUnits *big.Int) SubmitOption {
	return func(o *submitOptions) {
		o.claimedAmount = baseUnits
	}
}

// Create opens a pending payment request priced from the server side table
func (m *PaymentRequestManager) Create(ctx context.Context, userID string, plan Plan) (*PaymentRequest, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if _, err := ParsePlan(string(plan)); err != nil {
		return nil, err
	}
	price, err := PriceFor(plan)
	if err != nil {
		return nil, err
	}

	requestID, err := newRequestID()
	if err != nil {
		return nil, err
	}

	now := m.now().UTC().Truncate(time.Second)
	req := &PaymentRequest{
		RequestID:  requestID,
		UserID:     userID,
		Plan:       string(plan),
		PriceCents: price,
		Status:     database.PaymentStatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.ttl),
	}
	if err := m.store.CreatePaymentRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to store payment request: %v", err)
	}

	m.logger.Info(fmt.Sprintf("Created payment request %s for user %s (%s, %d cents)", requestID, userID, plan, price), "payments")
	m.publish(EventPaymentCreated, req)
	return req, nil
}

// Submit transfers the plan price from userAddress to the network's treasury
// and attaches the resulting reference to the request
func (m *PaymentRequestManager) Submit(ctx context.Context, requestID, networkID, userAddress string, opts ...SubmitOption) (TxRef, error) {
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}

	unlock := m.locks.Lock(requestID)
	defer unlock()

	req, err := m.loadSubmittable(ctx, requestID)
	if err != nil {
		return "", err
	}

	descriptor, adapter, err := m.adapters.Resolve(networkID)
	if err != nil {
		return "", err
	}

	amount, err := CentsToBaseUnits(req.PriceCents, descriptor.AssetDecimals)
	if err != nil {
		return "", err
	}
	if o.claimedAmount != nil && o.claimedAmount.Cmp(amount) != 0 {
		return "", fmt.Errorf("%w: claimed amount %s does not match price %s on %s",
			ErrValidation, o.claimedAmount, amount, networkID)
	}

	if descriptor.Family == FamilyFiat && userAddress == "" {
		userAddress = req.UserID
	}
	if err := ValidateAddress(descriptor.Family, userAddress); err != nil {
		return "", err
	}
	if descriptor.Family != FamilyFiat && descriptor.Recipient == "" {
		return "", fmt.Errorf("%w: network %s has no treasury recipient configured", ErrNetworkUnavailable, networkID)
	}
	if m.wallets.Reserved(userAddress) || (descriptor.Family != FamilyFiat && addressKey(userAddress) == addressKey(descriptor.Recipient)) {
		m.count("payment_submit", networkID, "node_wallet")
		m.logger.Warn(fmt.Sprintf("Refused to pay request %s from node wallet %s", requestID, userAddress), "payments")
		return "", fmt.Errorf("%w: %s is a node wallet and cannot pay for a subscription", ErrValidation, userAddress)
	}

	start := time.Now()
	ref, err := adapter.Transfer(ctx, userAddress, descriptor.Recipient, descriptor.AssetContract, amount)
	metrics.Since(m.recorder, "transfer", start, map[string]string{"network": networkID})
	if err != nil {
		m.count("payment_submit", networkID, "error")
		m.logger.Warn(fmt.Sprintf("Transfer for payment request %s on %s failed: %v", requestID, networkID, err), "payments")
		return "", err
	}

	if err := m.attach(ctx, req, networkID, amount.String(), userAddress, ref); err != nil {
		m.logger.Error(fmt.Sprintf("Transfer %s for payment request %s was sent but could not be attached: %v", ref, requestID, err), "payments")
		return "", err
	}

	m.count("payment_submit", networkID, "ok")
	return ref, nil
}

// AttachTransaction records a reference produced outside the node, e.g. by a
// wallet that signed and broadcast the transfer itself
func (m *PaymentRequestManager) AttachTransaction(ctx context.Context, requestID, networkID string, txRef TxRef) error {
	if strings.TrimSpace(string(txRef)) == "" {
		return fmt.Errorf("%w: transaction reference is required", ErrValidation)
	}

	unlock := m.locks.Lock(requestID)
	defer unlock()

	req, err := m.loadSubmittable(ctx, requestID)
	if err != nil {
		return err
	}

	descriptor, err := m.adapters.Catalog().Describe(networkID)
	if err != nil {
		return err
	}
	if descriptor.Family != FamilyFiat && descriptor.Recipient == "" {
		return fmt.Errorf("%w: network %s has no treasury recipient configured", ErrNetworkUnavailable, networkID)
	}
	amount, err := CentsToBaseUnits(req.PriceCents, descriptor.AssetDecimals)
	if err != nil {
		return err
	}

	if err := m.attach(ctx, req, networkID, amount.String(), "", txRef); err != nil {
		return err
	}
	m.count("payment_attach", networkID, "ok")
	return nil
}

// Confirm verifies the attached transaction and activates the subscription.
// Confirming a confirmed request returns the stored activation.
func (m *PaymentRequestManager) Confirm(ctx context.Context, requestID string) (*SubscriptionActivation, error) {
	unlock := m.locks.Lock(requestID)
	defer unlock()

	req, err := m.load(ctx, requestID)
	if err != nil {
		return nil, err
	}

	switch req.Status {
	case database.PaymentStatusConfirmed:
		return activationOf(req), nil
	case database.PaymentStatusFailed:
		return nil, fmt.Errorf("%w: %s", ErrVerificationFailed, req.FailureReason)
	case database.PaymentStatusExpired:
		return nil, fmt.Errorf("%w: %s", ErrExpired, requestID)
	}

	if isExpired(req, m.now()) {
		m.expire(ctx, req)
		return nil, expiredError(req)
	}
	if req.TxRef == "" {
		return nil, fmt.Errorf("%w: payment request %s has no transaction attached", ErrValidation, requestID)
	}

	result, err := m.verifier.Verify(ctx, req.NetworkID, TxRef(req.TxRef))
	if err != nil {
		return nil, err
	}

	switch result {
	case Verified:
		reason, err := m.checkTransfer(ctx, req)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			return nil, m.fail(ctx, req, reason)
		}

		// Verification can outlast the request, so the clock is read again
		now := m.now()
		activation := &SubscriptionActivation{
			UserID:    req.UserID,
			Plan:      Plan(req.Plan),
			RequestID: req.RequestID,
			TxRef:     TxRef(req.TxRef),
			ExpiresAt: now.UTC().Add(m.period).Truncate(time.Second),
		}
		if err := m.confirm(ctx, now.UTC(), activation); err != nil {
			if errors.Is(err, database.ErrStaleState) {
				return nil, m.lostConfirmation(ctx, requestID)
			}
			return nil, fmt.Errorf("failed to confirm payment: %v", err)
		}

		m.count("payment_confirm", req.NetworkID, "confirmed")
		m.logger.Info(fmt.Sprintf("Payment request %s confirmed, %s active for %s until %s",
			requestID, req.Plan, req.UserID, activation.ExpiresAt.Format(time.RFC3339)), "payments")
		m.publish(EventPaymentConfirmed, activation)
		return activation, nil

	case VerificationFailed:
		return nil, m.fail(ctx, req, fmt.Sprintf("transaction %s failed on %s", req.TxRef, req.NetworkID))
	}

	return nil, fmt.Errorf("%w: %s on %s", ErrNotYetFinal, req.TxRef, req.NetworkID)
}

// Reconcile records the operator's verdict on an out-of-band payment and
// then confirms the request. A declined payment fails the request and
// returns no activation.
func (m *PaymentRequestManager) Reconcile(ctx context.Context, requestID string, paid bool) (*SubscriptionActivation, error) {
	req, err := m.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.TxRef == "" {
		return nil, fmt.Errorf("%w: payment request %s has no checkout attached", ErrValidation, requestID)
	}

	_, adapter, err := m.adapters.Resolve(req.NetworkID)
	if err != nil {
		return nil, err
	}
	reconciler, ok := adapter.(Reconciler)
	if !ok {
		return nil, fmt.Errorf("%w: network %s settles on chain and cannot be reconciled", ErrValidation, req.NetworkID)
	}

	if err := reconciler.Reconcile(ctx, TxRef(req.TxRef), paid); err != nil {
		return nil, err
	}
	m.logger.Info(fmt.Sprintf("Payment request %s reconciled (paid=%t)", requestID, paid), "payments")

	activation, err := m.Confirm(ctx, requestID)
	if !paid && errors.Is(err, ErrVerificationFailed) {
		return nil, nil
	}
	return activation, err
}

// Get returns a payment request or ErrNotFound
func (m *PaymentRequestManager) Get(ctx context.Context, requestID string) (*PaymentRequest, error) {
	return m.load(ctx, requestID)
}

// ListByUser returns a user's requests, newest first
func (m *PaymentRequestManager) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*PaymentRequest, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return m.store.ListPaymentRequestsByUser(ctx, userID, limit, offset)
}

// ExpireStale marks pending requests past their expiry. A request another
// call currently holds is left to that call, which checks expiry itself.
func (m *PaymentRequestManager) ExpireStale(ctx context.Context) (int64, error) {
	stale, err := m.store.ListStalePendingRequests(ctx, m.now(), expireBatchSize)
	if err != nil {
		return 0, err
	}

	var n int64
	for _, req := range stale {
		unlock, ok := m.locks.TryLock(req.RequestID)
		if !ok {
			continue
		}
		if m.expire(ctx, req) {
			n++
		}
		unlock()
	}
	if n > 0 {
		m.logger.Info(fmt.Sprintf("Expired %d stale payment requests", n), "payments")
	}
	return n, nil
}

// ConfirmPending re-checks submitted requests that are still pending and
// returns how many got confirmed
func (m *PaymentRequestManager) ConfirmPending(ctx context.Context) (int, error) {
	pending, err := m.store.ListSubmittedPendingRequests(ctx, confirmBatchSize)
	if err != nil {
		return 0, err
	}

	confirmed := 0
	for _, req := range pending {
		if ctx.Err() != nil {
			return confirmed, ctx.Err()
		}

		_, err := m.Confirm(ctx, req.RequestID)
		switch {
		case err == nil:
			confirmed++
		case errors.Is(err, ErrNotYetFinal), errors.Is(err, ErrExpired), errors.Is(err, ErrVerificationFailed):
		default:
			m.logger.Warn(fmt.Sprintf("Confirming payment request %s failed: %v", req.RequestID, err), "payments")
		}
	}
	return confirmed, nil
}

func (m *PaymentRequestManager) load(ctx context.Context, requestID string) (*PaymentRequest, error) {
	req, err := m.store.GetPaymentRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment request: %v", err)
	}
	if req == nil {
		return nil, fmt.Errorf("%w: payment request %s", ErrNotFound, requestID)
	}
	return req, nil
}

// loadSubmittable returns a request that can still take a transaction,
// lazily expiring it when its time is up
func (m *PaymentRequestManager) loadSubmittable(ctx context.Context, requestID string) (*PaymentRequest, error) {
	req, err := m.load(ctx, requestID)
	if err != nil {
		return nil, err
	}

	switch {
	case req.Status == database.PaymentStatusExpired:
		return nil, fmt.Errorf("%w: %s", ErrExpired, requestID)
	case req.Status != database.PaymentStatusPending:
		return nil, fmt.Errorf("%w: payment request %s is %s", ErrValidation, requestID, req.Status)
	case isExpired(req, m.now()):
		m.expire(ctx, req)
		return nil, expiredError(req)
	case req.TxRef != "":
		return nil, fmt.Errorf("%w: payment request %s already has transaction %s", ErrValidation, requestID, req.TxRef)
	}
	return req, nil
}

func (m *PaymentRequestManager) attach(ctx context.Context, req *PaymentRequest, networkID, amount, userAddress string, ref TxRef) error {
	now := m.now().UTC()
	err := m.store.AttachPaymentTransaction(ctx, req.RequestID, networkID, amount, userAddress, string(ref), now)
	switch {
	case errors.Is(err, database.ErrDuplicateTxRef):
		m.count("payment_submit", networkID, "duplicate")
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, ref)
	case errors.Is(err, database.ErrStaleState):
		return fmt.Errorf("%w: payment request %s changed while submitting", ErrValidation, req.RequestID)
	case err != nil:
		return fmt.Errorf("failed to attach transaction: %v", err)
	}

	req.NetworkID = networkID
	req.AmountBaseUnits = amount
	req.UserAddress = userAddress
	req.TxRef = string(ref)
	req.SubmittedAt = &now

	m.logger.Info(fmt.Sprintf("Attached %s on %s to payment request %s", ref, networkID, req.RequestID), "payments")
	m.publish(EventPaymentSubmitted, req)
	return nil
}

// checkTransfer makes sure the settled transaction paid the request's amount
// to the network's treasury
func (m *PaymentRequestManager) checkTransfer(ctx context.Context, req *PaymentRequest) (string, error) {
	expected, ok := new(big.Int).SetString(req.AmountBaseUnits, 10)
	if !ok {
		return fmt.Sprintf("payment request has no readable amount %q", req.AmountBaseUnits), nil
	}
	return m.verifier.CheckTransfer(ctx, req.NetworkID, TxRef(req.TxRef), expected)
}

// fail moves the request to failed and returns the error Confirm reports
func (m *PaymentRequestManager) fail(ctx context.Context, req *PaymentRequest, reason string) error {
	if err := m.store.MarkPaymentFailed(ctx, req.RequestID, reason); err != nil {
		return fmt.Errorf("failed to mark payment failed: %v", err)
	}
	req.Status = database.PaymentStatusFailed
	req.FailureReason = reason

	m.count("payment_confirm", req.NetworkID, "failed")
	m.logger.Warn(fmt.Sprintf("Payment request %s failed: %s", req.RequestID, reason), "payments")
	m.publish(EventPaymentFailed, req)
	return fmt.Errorf("%w: %s", ErrVerificationFailed, reason)
}

// confirm moves the request to confirmed, then activates. The status update
// is conditional on the request being pending and unexpired, so nothing is
// activated for a request that lost a race.
func (m *PaymentRequestManager) confirm(ctx context.Context, confirmedAt time.Time, activation *SubscriptionActivation) error {
	if c, ok := m.sink.(activationConfirmer); ok {
		return c.ConfirmAndActivate(ctx, confirmedAt, *activation)
	}

	if err := m.store.MarkPaymentConfirmed(ctx, activation.RequestID, confirmedAt, activation.ExpiresAt); err != nil {
		return err
	}
	if err := m.sink.Activate(ctx, *activation); err != nil {
		m.logger.Error(fmt.Sprintf("Payment request %s is confirmed but activation failed: %v", activation.RequestID, err), "payments")
		return err
	}
	return nil
}

// lostConfirmation explains why a verified request could not be confirmed
func (m *PaymentRequestManager) lostConfirmation(ctx context.Context, requestID string) error {
	req, err := m.load(ctx, requestID)
	if err != nil {
		return err
	}

	switch {
	case req.Status == database.PaymentStatusExpired:
	case req.Status == database.PaymentStatusPending && isExpired(req, m.now()):
		m.expire(ctx, req)
	default:
		return fmt.Errorf("%w: payment request %s changed while confirming (%s)", ErrValidation, requestID, req.Status)
	}

	m.count("payment_confirm", req.NetworkID, "expired")
	m.logger.Warn(fmt.Sprintf("Payment request %s expired before %s could be confirmed", requestID, req.TxRef), "payments")
	return expiredError(req)
}

func (m *PaymentRequestManager) expire(ctx context.Context, req *PaymentRequest) bool {
	expired, err := m.store.MarkPaymentExpired(ctx, req.RequestID)
	if err != nil {
		m.logger.Warn(fmt.Sprintf("Failed to mark payment request %s expired: %v", req.RequestID, err), "payments")
		return false
	}
	if !expired {
		return false
	}
	req.Status = database.PaymentStatusExpired
	m.publish(EventPaymentExpired, req)
	return true
}

// isExpired compares in whole seconds, the precision expires_at is stored with
func isExpired(req *PaymentRequest, now time.Time) bool {
	return now.Unix() > req.ExpiresAt.Unix()
}

func expiredError(req *PaymentRequest) error {
	return fmt.Errorf("%w: %s expired at %s", ErrExpired, req.RequestID, req.ExpiresAt.UTC().Format(time.RFC3339))
}

func (m *PaymentRequestManager) count(name, networkID, result string) {
	m.recorder.IncCounter(name, map[string]string{"network": networkID, "result": result})
}

func (m *PaymentRequestManager) publish(eventType string, payload interface{}) {
	var userID string
	switch p := payload.(type) {
	case *PaymentRequest:
		userID = p.UserID
	case *SubscriptionActivation:
		userID = p.UserID
	}
	m.events.Publish(SettlementEvent{Type: eventType, UserID: userID, Payload: payload})
}

func activationOf(req *PaymentRequest) *SubscriptionActivation {
	activation := &SubscriptionActivation{
		UserID:    req.UserID,
		Plan:      Plan(req.Plan),
		RequestID: req.RequestID,
		TxRef:     TxRef(req.TxRef),
	}
	if req.ActivationExpiresAt != nil {
		activation.ExpiresAt = req.ActivationExpiresAt.UTC()
	}
	return activation
}

func newRequestID() (string, error) {
	b := make([]byte, requestIDRandBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate request id: %v", err)
	}
	return requestIDPrefix + hex.EncodeToString(b), nil
}

// keyedLocks hands out one mutex per key and forgets it once unused
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns its unlock function
func (k *keyedLocks) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return k.release(key, l)
}

// TryLock takes key only when nobody holds or waits for it
func (k *keyedLocks) TryLock(key string) (func(), bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, busy := k.locks[key]; busy {
		return nil, false
	}

	l := &keyedLock{refs: 1}
	l.mu.Lock()
	k.locks[key] = l
	return k.release(key, l), true
}

func (k *keyedLocks) release(key string, l *keyedLock) func() {
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
