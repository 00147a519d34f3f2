package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dlmmrotation/internal/models"
	"dlmmrotation/internal/monitor"
	"dlmmrotation/internal/position"
)

// WalletPositions values the wallet's active positions against the pool
// cache.
func (h *Handler) WalletPositions(c *gin.Context) {
	w, err := wallet(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	ctx := c.Request.Context()

	held, err := h.Store.ListPositions(ctx, w, models.PositionActive)
	if err != nil {
		h.fail(c, err)
		return
	}
	pools, err := h.Pools.GetPools(ctx, false)
	if err != nil {
		h.fail(c, err)
		return
	}

	inputs := make([]position.Input, 0, len(held))
	for _, p := range held {
		inputs = append(inputs, position.Input{
			PositionAddress: p.PositionAddress,
			PoolAddress:     p.PoolAddress,
			Raw:             position.RawAmounts{AmountX: p.RawAmountX, AmountY: p.RawAmountY},
		})
	}
	summary := h.Tracker.Summarize(ctx, pools, inputs)
	success(c, http.StatusOK, gin.H{"wallet_address": w, "data": summary})
}

// AnalyzeRequest is the body of POST /api/opportunities/analyze
type AnalyzeRequest struct {
	WalletAddress string `json:"walletAddress" binding:"required"`
	monitor.Settings
}

// AnalyzeOpportunities runs a one-off evaluation with the given settings.
// Nothing is persisted and no notification is sent.
func (h *Handler) AnalyzeOpportunities(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := monitor.ValidateWallet(req.WalletAddress); err != nil {
		h.fail(c, err)
		return
	}
	cfg, err := req.Settings.Config(req.WalletAddress)
	if err != nil {
		h.fail(c, err)
		return
	}
	found, err := h.Monitor.Analyze(c.Request.Context(), cfg)
	if err != nil {
		h.fail(c, err)
		return
	}
	success(c, http.StatusOK, gin.H{"opportunities": found, "count": len(found)})
}
