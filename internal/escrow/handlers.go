package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowledger/internal/logging"
	"github.com/mbd888/escrowledger/internal/wallet"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new escrow handler.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterRoutes sets up escrow routes on the /escrow group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/hold", h.CreateHold)
	r.POST("/release", h.Release)
	r.POST("/refund", h.Refund)
	r.POST("/toggle", h.Toggle)
	r.POST("/evaluate", h.Evaluate)
	r.GET("/holds/:id", h.GetHold)
	r.GET("/wallets/:id/holds", h.ListWalletHolds)
}

type holdResponse struct {
	EscrowRequired bool   `json:"escrowRequired"`
	Reason         Reason `json:"reason,omitempty"`
	*HoldResult
}

// CreateHold handles POST /escrow/hold
func (h *Handler) CreateHold(c *gin.Context) {
	var req HoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	decision, res, err := h.ledger.RequestHold(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	if res == nil {
		c.JSON(http.StatusOK, holdResponse{EscrowRequired: false})
		return
	}
	c.JSON(http.StatusCreated, holdResponse{
		EscrowRequired: true,
		Reason:         decision.Reason,
		HoldResult:     res,
	})
}

// Release handles POST /escrow/release
func (h *Handler) Release(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	res, err := h.ledger.ReleaseEscrow(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Refund handles POST /escrow/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	res, err := h.ledger.RefundEscrow(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ToggleRequest flips a wallet's manual escrow flag.
type ToggleRequest struct {
	WalletID        string `json:"walletId"`
	IsEscrowEnabled *bool  `json:"isEscrowEnabled"`
}

// Toggle handles POST /escrow/toggle
func (h *Handler) Toggle(c *gin.Context) {
	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "isEscrowEnabled must be a boolean")
		return
	}
	if req.IsEscrowEnabled == nil {
		badRequest(c, "isEscrowEnabled is required")
		return
	}

	w, err := h.ledger.ToggleEscrow(c.Request.Context(), req.WalletID, *req.IsEscrowEnabled)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": wallet.NewView(w)})
}

// EvaluateRequest asks the rule engine for a decision.
type EvaluateRequest struct {
	WalletID  string `json:"walletId"`
	Amount    int64  `json:"amount"`
	OrderType string `json:"orderType,omitempty"`
}

// Evaluate handles POST /escrow/evaluate
func (h *Handler) Evaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if req.WalletID == "" {
		badRequest(c, "walletId is required")
		return
	}
	if req.Amount <= 0 {
		badRequest(c, "amount must be a positive integer in minor units")
		return
	}

	d, err := h.ledger.Evaluate(c.Request.Context(), req.WalletID, req.Amount, req.OrderType)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// GetHold handles GET /escrow/holds/:id
func (h *Handler) GetHold(c *gin.Context) {
	hold, err := h.ledger.GetHold(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold})
}

// ListWalletHolds handles GET /escrow/wallets/:id/holds
func (h *Handler) ListWalletHolds(c *gin.Context) {
	limit := defaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxListLimit {
				limit = maxListLimit
			}
		}
	}

	holds, err := h.ledger.ListWalletHolds(c.Request.Context(), c.Param("id"), Status(c.Query("status")), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if holds == nil {
		holds = []*Hold{}
	}
	c.JSON(http.StatusOK, gin.H{
		"holds": holds,
		"count": len(holds),
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

// respondError maps ledger errors to status codes.
func respondError(c *gin.Context, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": ve.Error(),
			"field":   ve.Field,
		})
	case errors.Is(err, ErrHoldNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow hold not found"})
	case errors.Is(err, wallet.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Wallet not found"})
	case errors.Is(err, ErrPartyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrHoldNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": "Escrow hold is not active"})
	case errors.Is(err, ErrWalletInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": "Wallet is inactive"})
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_balance", "message": "Insufficient available balance"})
	case errors.Is(err, wallet.ErrNoEligibleWallet):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no_eligible_wallet", "message": "Seller has no eligible wallet"})
	default:
		logging.L(c.Request.Context()).Error("escrow request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
