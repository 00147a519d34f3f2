package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dlmmrotation/internal/monitor"
)

type walletRequest struct {
	WalletAddress string `json:"walletAddress" binding:"required"`
}

// StartMonitoring enables the wallet's opportunity monitor
func (h *Handler) StartMonitoring(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	cfg, err := h.Monitor.Start(c.Request.Context(), req.WalletAddress, req.Settings)
	if err != nil {
		h.fail(c, err)
		return
	}
	success(c, http.StatusOK, gin.H{"message": "monitoring started", "config": cfg})
}

// StopMonitoring disables the wallet's monitor. Stopping an unknown wallet
// succeeds.
func (h *Handler) StopMonitoring(c *gin.Context) {
	var req walletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := monitor.ValidateWallet(req.WalletAddress); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Monitor.Stop(c.Request.Context(), req.WalletAddress); err != nil {
		h.fail(c, err)
		return
	}
	success(c, http.StatusOK, gin.H{"message": "monitoring stopped"})
}

func (h *Handler) MonitoringStatus(c *gin.Context) {
	w, err := wallet(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	st, err := h.Monitor.Status(c.Request.Context(), w)
	if err != nil {
		h.fail(c, err)
		return
	}
	success(c, http.StatusOK, gin.H{"data": st})
}

// DegenRequest is the body of PUT /api/monitoring/degen
type DegenRequest struct {
	WalletAddress string  `json:"walletAddress" binding:"required"`
	Enabled       bool    `json:"enabled"`
	Threshold     float64 `json:"threshold"`
}

// UpdateDegen switches the high fee rate alert mode on or off
func (h *Handler) UpdateDegen(c *gin.Context) {
	var req DegenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()
	if !req.Enabled {
		if err := monitor.ValidateWallet(req.WalletAddress); err != nil {
			h.fail(c, err)
			return
		}
		if err := h.Degen.Disable(ctx, req.WalletAddress); err != nil {
			h.fail(c, err)
			return
		}
		success(c, http.StatusOK, gin.H{"degen_enabled": false})
		return
	}
	cfg, err := h.Degen.Enable(ctx, req.WalletAddress, req.Threshold)
	if err != nil {
		h.fail(c, err)
		return
	}
	success(c, http.StatusOK, gin.H{"degen_enabled": true, "degen_threshold": cfg.DegenThreshold})
}
