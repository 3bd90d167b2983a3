package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{409, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestObserveOp_CountsOutcome(t *testing.T) {
	before := testutil.ToFloat64(EscrowOpsTotal.WithLabelValues("test_op", "error"))
	ObserveOp("test_op")(errors.New("failed"))
	ObserveOp("test_op")(nil)

	assert.Equal(t, before+1, testutil.ToFloat64(EscrowOpsTotal.WithLabelValues("test_op", "error")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(EscrowOpsTotal.WithLabelValues("test_op", "success")), 1.0)
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	// Gauges are always exported; counters only after first observation.
	for _, name := range []string{
		"escrowledger_notification_queue_depth",
		"escrowledger_active_websocket_clients",
		"escrowledger_goroutines",
	} {
		assert.Contains(t, body, name)
	}
}
