package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowledger/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		LogFormat:          "json",
		RequestTimeout:     5 * time.Second,
		RateLimitRPM:       6000,
		DemoSeed:           true,
		HighRiskOrderTypes: []string{"CROSS_BORDER"},
		NotifyQueueSize:    16,
		NotifyMaxAttempts:  1,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(testConfig(), WithLogger(logger), WithDrainDelay(0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		require.NoError(t, s.Shutdown())
	})
	return s
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Ready is only set by Run.
	w = do(t, s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = do(t, s, http.MethodGet, "/health/live", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/escrow/hold", map[string]interface{}{
		"payerWalletId": "W1",
		"amount":        6000,
		"currency":      "USD",
		"gateway":       "card",
		"buyerId":       "buyer-1",
		"sellerId":      "seller-1",
		"orderId":       "order-42",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		EscrowRequired bool   `json:"escrowRequired"`
		Reason         string `json:"reason"`
		Hold           struct {
			ID             string `json:"id"`
			SellerWalletID string `json:"sellerWalletId"`
			Status         string `json:"status"`
		} `json:"hold"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, created.EscrowRequired)
	assert.Equal(t, "AMOUNT_THRESHOLD", created.Reason)
	assert.Equal(t, "S1", created.Hold.SellerWalletID)
	assert.Equal(t, "HELD_IN_ESCROW", created.Hold.Status)

	w = do(t, s, http.MethodGet, "/escrow/wallets/W1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var payer map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payer))
	assert.EqualValues(t, 4000, payer["availableBalance"])

	w = do(t, s, http.MethodPost, "/escrow/release", map[string]interface{}{"escrowHoldId": created.Hold.ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/escrow/refund", map[string]interface{}{"escrowHoldId": created.Hold.ID})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "Escrow hold is not active")

	w = do(t, s, http.MethodGet, "/escrow/wallets/S1/transactions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ESCROW_RELEASE")

	w = do(t, s, http.MethodGet, "/escrow/holds/"+created.Hold.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "RELEASED")
}

func TestHoldNotRequiredOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/escrow/hold", map[string]interface{}{
		"payerWalletId": "W1",
		"amount":        100,
		"currency":      "USD",
		"gateway":       "card",
		"buyerId":       "buyer-1",
		"sellerId":      "seller-1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"escrowRequired":false}`, w.Body.String())
}

func TestStreamRequiresParty(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/escrow/stream", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:secret@db:5432/escrow")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "app:")
	assert.Equal(t, "***", maskDSN("://bad"))
}

func TestReconciliationEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/escrow/hold", map[string]interface{}{
		"payerWalletId": "W1",
		"amount":        5000,
		"currency":      "USD",
		"gateway":       "card",
		"buyerId":       "buyer-1",
		"sellerId":      "seller-1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/escrow/reconciliation", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report struct {
		WalletsChecked int `json:"walletsChecked"`
		ActiveHolds    int `json:"activeHolds"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 3, report.WalletsChecked)
	assert.Equal(t, 1, report.ActiveHolds)
}
