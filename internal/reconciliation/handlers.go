package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes on-demand reconciliation.
type Handler struct {
	svc *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up GET /reconciliation on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.Reconcile)
}

// Reconcile handles GET /escrow/reconciliation. A run with mismatches
// answers 409 so probes can alert on the status code alone.
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.svc.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	status := http.StatusOK
	if !report.Clean() {
		status = http.StatusConflict
	}
	c.JSON(status, report)
}
