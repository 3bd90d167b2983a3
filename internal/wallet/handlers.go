package wallet

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowledger/internal/logging"
)

// Handler provides HTTP endpoints for reading wallets.
type Handler struct {
	store Reader
}

// NewHandler creates a new wallet handler.
func NewHandler(store Reader) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up wallet read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:id", h.GetWallet)
}

// View is a wallet plus its computed available balance.
type View struct {
	*Wallet
	AvailableBalance int64 `json:"availableBalance"`
}

// NewView decorates w for API responses.
func NewView(w *Wallet) View {
	return View{Wallet: w, AvailableBalance: w.Available()}
}

// GetWallet handles GET /escrow/wallets/:id
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Wallet not found",
			})
			return
		}
		logging.L(c.Request.Context()).Error("wallet lookup failed", "wallet_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load wallet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"wallet": NewView(w)})
}
