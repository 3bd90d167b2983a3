package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	r := gin.New()
	NewHandler(f.ledger).RegisterRoutes(r.Group("/escrow"))
	return r, f
}

func doJSON(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func createHeldHold(t *testing.T, r http.Handler) string {
	t.Helper()
	req := holdReq(6000) // over W1's threshold
	w := doJSON(r, http.MethodPost, "/escrow/hold", req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	return body["hold"].(map[string]interface{})["id"].(string)
}

func TestHandler_CreateHold(t *testing.T) {
	r, f := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/escrow/hold", holdReq(6000))
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["escrowRequired"])
	assert.Equal(t, string(ReasonAmountThreshold), body["reason"])
	hold := body["hold"].(map[string]interface{})
	assert.Equal(t, string(StatusHeld), hold["status"])
	assert.Equal(t, "S1", hold["sellerWalletId"])
	assert.NotNil(t, body["payerWallet"])
	assert.NotNil(t, body["buyer"])

	assert.Equal(t, int64(6000), f.wallet(t, "W1").EscrowBalance)
}

func TestHandler_CreateHold_NotRequired(t *testing.T) {
	r, f := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/escrow/hold", holdReq(1000))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"escrowRequired":false}`, w.Body.String())
	assert.Equal(t, int64(0), f.wallet(t, "W1").EscrowBalance)
}

func TestHandler_CreateHold_Errors(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/escrow/hold", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	missing := holdReq(6000)
	missing.BuyerID = ""
	w = doJSON(r, http.MethodPost, "/escrow/hold", missing)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "buyerId", decode(t, w)["field"])

	noGateway := holdReq(6000)
	noGateway.Gateway = ""
	w = doJSON(r, http.MethodPost, "/escrow/hold", noGateway)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "gateway", decode(t, w)["field"])

	w = doJSON(r, http.MethodPost, "/escrow/hold", `{"payerWalletId":"W1","amount":"lots"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	tooMuch := holdReq(20000)
	w = doJSON(r, http.MethodPost, "/escrow/hold", tooMuch)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "insufficient_balance", decode(t, w)["error"])

	unknownWallet := holdReq(6000)
	unknownWallet.PayerWalletID = "nope"
	w = doJSON(r, http.MethodPost, "/escrow/hold", unknownWallet)
	assert.Equal(t, http.StatusNotFound, w.Code)

	ghost := holdReq(6000)
	ghost.SellerID = "ghost"
	w = doJSON(r, http.MethodPost, "/escrow/hold", ghost)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ReleaseTwice(t *testing.T) {
	r, f := setupRouter(t)
	id := createHeldHold(t, r)

	w := doJSON(r, http.MethodPost, "/escrow/release", map[string]interface{}{
		"escrowHoldId": id,
		"metadata":     map[string]string{"deliveryConfirmation": "POD-1"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, string(StatusReleased), body["hold"].(map[string]interface{})["status"])
	assert.Equal(t, int64(6000), f.wallet(t, "S1").Balance)

	w = doJSON(r, http.MethodPost, "/escrow/release", map[string]string{"escrowHoldId": id})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "Escrow hold is not active", decode(t, w)["message"])
}

func TestHandler_ReleaseErrors(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/escrow/release", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/escrow/release", map[string]string{"escrowHoldId": "esc_missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Escrow hold not found", decode(t, w)["message"])
}

func TestHandler_Refund(t *testing.T) {
	r, f := setupRouter(t)
	id := createHeldHold(t, r)

	w := doJSON(r, http.MethodPost, "/escrow/refund", map[string]interface{}{
		"escrowHoldId": id,
		"reason":       "order cancelled",
		"metadata":     map[string]string{"refundedBy": "support"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	hold := decode(t, w)["hold"].(map[string]interface{})
	assert.Equal(t, string(StatusRefunded), hold["status"])
	assert.Equal(t, "order cancelled", hold["reason"])
	assert.Equal(t, int64(10000), f.wallet(t, "W1").Available())

	w = doJSON(r, http.MethodPost, "/escrow/refund", map[string]string{"escrowHoldId": id})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(r, http.MethodPost, "/escrow/refund", map[string]interface{}{
		"escrowHoldId": id,
		"metadata":     map[string]string{"releasedBy": "wrong-op"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Toggle(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/escrow/toggle", `{"walletId":"W1","isEscrowEnabled":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	wallet := decode(t, w)["wallet"].(map[string]interface{})
	assert.Equal(t, true, wallet["isEscrowEnabled"])
	assert.Equal(t, float64(10000), wallet["availableBalance"])

	w = doJSON(r, http.MethodPost, "/escrow/toggle", `{"walletId":"W1","isEscrowEnabled":"yes"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/escrow/toggle", `{"walletId":"W1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/escrow/toggle", `{"walletId":"nope","isEscrowEnabled":false}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_Evaluate(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/escrow/evaluate", map[string]interface{}{"walletId": "W1", "amount": 5000})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"isEscrowRequired":true,"reason":"AMOUNT_THRESHOLD"}`, w.Body.String())

	w = doJSON(r, http.MethodPost, "/escrow/evaluate", map[string]interface{}{"walletId": "W1", "amount": 4999})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"isEscrowRequired":false}`, w.Body.String())

	w = doJSON(r, http.MethodPost, "/escrow/evaluate", map[string]interface{}{"walletId": "W1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ReadRoutes(t *testing.T) {
	r, _ := setupRouter(t)
	id := createHeldHold(t, r)

	w := doJSON(r, http.MethodGet, "/escrow/holds/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, decode(t, w)["hold"].(map[string]interface{})["id"])

	w = doJSON(r, http.MethodGet, "/escrow/holds/esc_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodGet, "/escrow/wallets/W1/holds?status=HELD_IN_ESCROW&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = doJSON(r, http.MethodGet, "/escrow/wallets/W1/holds?status=RELEASED", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"holds":[],"count":0}`, w.Body.String())

	w = doJSON(r, http.MethodGet, "/escrow/wallets/W1/holds?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
