package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ws "github.com/Trustflow-Network-Labs/settlement-node/internal/api/websocket"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/database"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/kvstore"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/ratelimit"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

var testJWTSecret = []byte("0123456789abcdef0123456789abcdef")

type nopLogger struct{}

func (nopLogger) Debug(string, string) {}
func (nopLogger) Info(string, string)  {}
func (nopLogger) Warn(string, string)  {}
func (nopLogger) Error(string, string) {}

// fakeAdapter settles every transfer with a configurable finality
type fakeAdapter struct {
	family payment.ProtocolFamily

	mu       sync.Mutex
	finality payment.Finality
	sent     int
}

func (a *fakeAdapter) Family() payment.ProtocolFamily { return a.family }

func (a *fakeAdapter) Transfer(ctx context.Context, from, to, assetContract string, amount *big.Int) (payment.TxRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent++
	return payment.TxRef(fmt.Sprintf("%s-tx-%d", a.family, a.sent)), nil
}

func (a *fakeAdapter) QueryFinality(ctx context.Context, ref payment.TxRef) (payment.Finality, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finality, nil
}

func (a *fakeAdapter) BlockExplorerURL(ref payment.TxRef) string {
	return "https://explorer.test/tx/" + string(ref)
}

func (a *fakeAdapter) transferCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent
}

func (a *fakeAdapter) settle(f payment.Finality) {
	a.mu.Lock()
	a.finality = f
	a.mu.Unlock()
}

type testNode struct {
	server  *APIServer
	handler http.Handler
	tron    *fakeAdapter
	convo   *fakeAdapter
	hub     *ws.Hub
}

func newTestNode(t *testing.T, rewardLimit int64) *testNode {
	t.Helper()

	tronTreasury := payment.TronAddressFromEVM(common.HexToAddress("0x1111111111111111111111111111111111111111"))
	config := utils.NewConfigManagerFromMap(utils.Config{
		"recipient_tron":      tronTreasury,
		"api_allowed_origins": "*",
	})

	catalog, err := payment.LoadCatalog(config)
	require.NoError(t, err)

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := database.NewSQLiteManagerWithDB(db, nopLogger{})
	require.NoError(t, err)

	node := &testNode{
		tron:  &fakeAdapter{family: payment.FamilyTRON},
		convo: &fakeAdapter{family: payment.FamilySolana},
		hub:   ws.NewHub(logrus.New()),
	}

	kv := kvstore.NewMemoryStore()
	adapters := payment.NewAdapterSet(catalog)
	require.NoError(t, adapters.Register("tron", node.tron))
	require.NoError(t, adapters.Register("convoai", node.convo))
	require.NoError(t, adapters.Register("paypal", payment.NewFiatAdapter(
		mustDescribe(t, catalog, "paypal"), store, payment.NewPlanCheckout(config), nopLogger{})))

	ledger := payment.NewSubscriptionLedger(store, nopLogger{})
	verifier := payment.NewVerificationService(adapters, nil, nopLogger{})
	payments := payment.NewPaymentRequestManager(store, adapters, verifier, ledger, nopLogger{},
		payment.RequestManagerOptions{Events: node.hub})
	rewards := payment.NewRewardDistributionEngine(store, adapters, ledger,
		ratelimit.NewRateLimiter(kv, rewardLimit, time.Minute),
		ratelimit.NewDailyCapTracker(kv, 1_000_000_000),
		kv, nopLogger{},
		payment.RewardEngineOptions{
			TreasuryAddress: solana.NewWallet().PublicKey().String(),
			Events:          node.hub,
		})

	node.server = NewAPIServer(config, nopLogger{}, testJWTSecret, Services{
		Catalog:       catalog,
		Adapters:      adapters,
		Payments:      payments,
		Rewards:       rewards,
		Subscriptions: ledger,
		Hub:           node.hub,
	})
	node.handler = node.server.Handler()
	return node
}

func mustDescribe(t *testing.T, c *payment.Catalog, id string) payment.NetworkDescriptor {
	t.Helper()
	d, err := c.Describe(id)
	require.NoError(t, err)
	return d
}

func (n *testNode) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	n.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func tronPayer() string {
	return payment.TronAddressFromEVM(common.HexToAddress("0x2222222222222222222222222222222222222222"))
}

func TestHealthAndNetworks(t *testing.T) {
	node := newTestNode(t, 10)

	rec := node.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = node.do(t, http.MethodGet, "/api/networks", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var networks []struct {
		ID        string            `json:"id"`
		Available bool              `json:"available"`
		Prices    map[string]string `json:"prices"`
	}
	decode(t, rec, &networks)

	byID := make(map[string]int)
	for i, n := range networks {
		byID[n.ID] = i
	}
	require.Contains(t, byID, "tron")
	tron := networks[byID["tron"]]
	assert.True(t, tron.Available)
	assert.Equal(t, "20", tron.Prices["pro"])
	assert.Equal(t, "40", tron.Prices["premium"])
	assert.False(t, networks[byID["polygon"]].Available, "polygon has no adapter in this node")
}

func TestPaymentFlow(t *testing.T) {
	node := newTestNode(t, 10)

	rec := node.do(t, http.MethodPost, "/api/payments", map[string]string{"user_id": "user-1", "plan": "gold"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = node.do(t, http.MethodPost, "/api/payments", map[string]string{"user_id": "user-1", "plan": "pro"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created PaymentResponse
	decode(t, rec, &created)
	requestID := created.Payment.RequestID
	assert.True(t, strings.HasPrefix(requestID, "pay_"))
	assert.Equal(t, int64(2000), created.Payment.PriceCents)

	t.Run("claimed amount must match the price", func(t *testing.T) {
		rec := node.do(t, http.MethodPost, "/api/payments/"+requestID+"/submit",
			map[string]string{"network_id": "tron", "user_address": tronPayer(), "amount": "15"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	rec = node.do(t, http.MethodPost, "/api/payments/"+requestID+"/submit",
		map[string]string{"network_id": "tron", "user_address": tronPayer(), "amount": "20"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var submitted SubmitResponse
	decode(t, rec, &submitted)
	assert.Equal(t, payment.TxRef("tron-tx-1"), submitted.TxRef)
	assert.Equal(t, "https://explorer.test/tx/tron-tx-1", submitted.ExplorerURL)

	rec = node.do(t, http.MethodPost, "/api/payments/"+requestID+"/confirm", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_yet_final")

	node.tron.settle(payment.FinalitySuccess)
	rec = node.do(t, http.MethodPost, "/api/payments/"+requestID+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var confirmed ConfirmResponse
	decode(t, rec, &confirmed)
	require.NotNil(t, confirmed.Activation)
	assert.Equal(t, payment.PlanPro, confirmed.Activation.Plan)

	rec = node.do(t, http.MethodGet, "/api/users/user-1/subscription", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"plan":"pro"`)

	rec = node.do(t, http.MethodGet, "/api/users/user-1/payments?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []PaymentResponse
	decode(t, rec, &history)
	require.Len(t, history, 1)
	assert.Equal(t, database.PaymentStatusConfirmed, history[0].Payment.Status)

	rec = node.do(t, http.MethodGet, "/api/payments/pay_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = node.do(t, http.MethodGet, "/api/users/user-1/payments?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAttachDuplicateTransaction(t *testing.T) {
	node := newTestNode(t, 10)

	ids := make([]string, 2)
	for i := range ids {
		rec := node.do(t, http.MethodPost, "/api/payments", map[string]string{"user_id": "user-2", "plan": "premium"})
		require.Equal(t, http.StatusCreated, rec.Code)
		var created PaymentResponse
		decode(t, rec, &created)
		ids[i] = created.Payment.RequestID
	}

	body := map[string]string{"network_id": "tron", "tx_ref": "abc123"}
	rec := node.do(t, http.MethodPost, "/api/payments/"+ids[0]+"/attach", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = node.do(t, http.MethodPost, "/api/payments/"+ids[1]+"/attach", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = node.do(t, http.MethodPost, "/api/payments/"+ids[1]+"/attach", map[string]string{"network_id": "tron"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "tx_ref")
}

func TestRewards(t *testing.T) {
	node := newTestNode(t, 2)
	wallet := solana.NewWallet().PublicKey().String()
	service, err := node.server.JWTManager().GenerateToken("conversation-backend", "service", time.Hour)
	require.NoError(t, err)

	body := func(conversationID string, length int) RewardBody {
		return RewardBody{
			UserID:             "user-3",
			WalletAddress:      wallet,
			BaseAmount:         100_000,
			ConversationID:     conversationID,
			ConversationLength: length,
		}
	}
	reward := func(conversationID string, length int) *httptest.ResponseRecorder {
		return node.do(t, http.MethodPost, "/api/rewards", body(conversationID, length),
			"Authorization", "Bearer "+service)
	}

	rec := node.do(t, http.MethodPost, "/api/rewards", body("conv-anon", 60))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "anonymous callers cannot claim rewards")
	viewer, err := node.server.JWTManager().GenerateToken("viewer", "viewer", time.Hour)
	require.NoError(t, err)
	rec = node.do(t, http.MethodPost, "/api/rewards", body("conv-anon", 60), "Authorization", "Bearer "+viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, node.convo.transferCount(), "a refused caller moves no tokens")
	rec = node.do(t, http.MethodGet, "/api/rewards/conv-anon", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = reward("conv-short", 40)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = node.do(t, http.MethodGet, "/api/rewards/conv-short", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "a rejected reward leaves no record")

	rec = reward("conv-1", 60)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var first RewardResponse
	decode(t, rec, &first)
	// free plan halves the reward, then 90/10
	assert.Equal(t, int64(50_000), first.Reward.AdjustedAmount)
	assert.Equal(t, int64(45_000), first.Reward.UserAmount)
	assert.Equal(t, int64(5_000), first.Reward.BurnAmount)
	assert.NotEmpty(t, first.UserExplorerURL)

	rec = reward("conv-1", 60)
	require.Equal(t, http.StatusOK, rec.Code)
	var again RewardResponse
	decode(t, rec, &again)
	assert.Equal(t, first.Reward.RewardID, again.Reward.RewardID)

	rec = reward("conv-2", 60)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = reward("conv-3", 60)
	require.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	var limited ErrorResponse
	decode(t, rec, &limited)
	assert.True(t, limited.Retryable)
	assert.Positive(t, limited.RetryAfter)

	rec = node.do(t, http.MethodGet, "/api/rewards/conv-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = node.do(t, http.MethodGet, "/api/users/user-3/rewards", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []RewardResponse
	decode(t, rec, &list)
	assert.Len(t, list, 2)
}

func TestAdminReconcile(t *testing.T) {
	node := newTestNode(t, 10)

	rec := node.do(t, http.MethodPost, "/api/payments", map[string]string{"user_id": "user-4", "plan": "pro"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created PaymentResponse
	decode(t, rec, &created)
	requestID := created.Payment.RequestID

	rec = node.do(t, http.MethodPost, "/api/payments/"+requestID+"/submit", map[string]string{"network_id": "paypal"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var submitted SubmitResponse
	decode(t, rec, &submitted)
	assert.Contains(t, submitted.ExplorerURL, "paypal.com")

	body := map[string]interface{}{"request_id": requestID, "paid": true}

	rec = node.do(t, http.MethodPost, "/api/admin/fiat/reconcile", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	foreign, err := NewAPIServer(utils.NewConfigManagerFromMap(utils.Config{}), nopLogger{},
		[]byte("another-secret-another-secret-00"), Services{}).JWTManager().GenerateToken("mallory", "admin", time.Hour)
	require.NoError(t, err)
	rec = node.do(t, http.MethodPost, "/api/admin/fiat/reconcile", body, "Authorization", "Bearer "+foreign)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	viewer, err := node.server.JWTManager().GenerateToken("viewer", "viewer", time.Hour)
	require.NoError(t, err)
	rec = node.do(t, http.MethodPost, "/api/admin/fiat/reconcile", body, "Authorization", "Bearer "+viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	token, err := node.server.JWTManager().GenerateToken("operator", "admin", time.Hour)
	require.NoError(t, err)

	rec = node.do(t, http.MethodPost, "/api/admin/fiat/reconcile", map[string]interface{}{"request_id": requestID},
		"Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "paid is required")

	rec = node.do(t, http.MethodPost, "/api/admin/fiat/reconcile", body, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var reconciled ReconcileResponse
	decode(t, rec, &reconciled)
	assert.Equal(t, database.PaymentStatusConfirmed, reconciled.Status)
	require.NotNil(t, reconciled.Activation)

	rec = node.do(t, http.MethodPost, "/api/admin/fiat/reconcile",
		map[string]interface{}{"request_id": requestID, "paid": false}, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a settled checkout cannot change outcome")
}

func TestStatusMapping(t *testing.T) {
	cases := map[error]int{
		payment.ErrValidation:           http.StatusBadRequest,
		payment.ErrNotFound:             http.StatusNotFound,
		payment.ErrNetworkUnavailable:   http.StatusServiceUnavailable,
		payment.ErrSignerUnavailable:    http.StatusFailedDependency,
		payment.ErrWrongNetwork:         http.StatusConflict,
		payment.ErrSubmissionFailed:     http.StatusBadGateway,
		payment.ErrDuplicateTransaction: http.StatusConflict,
		payment.ErrRateLimited:          http.StatusTooManyRequests,
		payment.ErrDailyCapExceeded:     http.StatusTooManyRequests,
		payment.ErrVerificationFailed:   http.StatusUnprocessableEntity,
		payment.ErrExpired:              http.StatusGone,
		payment.ErrNotYetFinal:          http.StatusAccepted,
		fmt.Errorf("disk on fire"):      http.StatusInternalServerError,
	}
	for err, want := range cases {
		wrapped := fmt.Errorf("%w: context", err)
		assert.Equal(t, want, statusFor(wrapped), err.Error())
	}

	server := NewAPIServer(utils.NewConfigManagerFromMap(utils.Config{}), nopLogger{}, testJWTSecret, Services{})
	rec := httptest.NewRecorder()
	server.sendServiceError(rec, &payment.LimitError{
		Kind:    payment.ErrDailyCapExceeded,
		UserID:  "user-5",
		ResetAt: time.Now().Add(90 * time.Second),
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, []string{"90", "91"}, rec.Header().Get("Retry-After"))
}

func TestCORS(t *testing.T) {
	node := newTestNode(t, 10)

	rec := node.do(t, http.MethodOptions, "/api/payments", nil, "Origin", "https://app.example")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
