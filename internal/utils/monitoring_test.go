package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitoringHandlers(t *testing.T) {
	cm := NewConfigManagerFromMap(Config{"log_level": "error"})
	logger := NewStdoutLogsManager(cm)
	defer logger.Close()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("settlement_payments_total 1\n"))
	})
	ms := NewMonitoringServer(cm, logger, metrics, func() map[string]interface{} {
		return map[string]interface{}{"websocket_clients": 2}
	})
	ms.port = "6060"

	rec := httptest.NewRecorder()
	ms.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "6060", health.Port)

	rec = httptest.NewRecorder()
	ms.countRequests(ms.metrics).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "settlement_payments_total")

	rec = httptest.NewRecorder()
	ms.handleResourceStats(rec, httptest.NewRequest(http.MethodGet, "/stats/resources", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats ResourceStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Positive(t, stats.Goroutines)

	rec = httptest.NewRecorder()
	ms.handleNodeStats(rec, httptest.NewRequest(http.MethodGet, "/stats/node", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var node map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &node))
	assert.Equal(t, float64(2), node["websocket_clients"])
	assert.Contains(t, node, "uptime_seconds")

	assert.Equal(t, int64(4), atomic.LoadInt64(&ms.requestCount))
}

func TestParsePortList(t *testing.T) {
	assert.Equal(t, []string{"6061", "6062"}, parsePortList(" 6061, ,6062 "))
	assert.Empty(t, parsePortList(""))
}
