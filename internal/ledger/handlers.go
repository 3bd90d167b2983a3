package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowledger/internal/logging"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Handler provides HTTP endpoints for ledger history.
type Handler struct {
	store Store
}

// NewHandler creates a new ledger handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:id/transactions", h.GetHistory)
}

// GetHistory handles GET /escrow/wallets/:id/transactions
func (h *Handler) GetHistory(c *gin.Context) {
	walletID := c.Param("id")
	limit := defaultHistoryLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxHistoryLimit {
				limit = maxHistoryLimit
			}
		}
	}

	txns, err := h.store.ListByWallet(c.Request.Context(), walletID, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("ledger history failed", "wallet_id", walletID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load transactions",
		})
		return
	}
	if txns == nil {
		txns = []*Transaction{}
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}
