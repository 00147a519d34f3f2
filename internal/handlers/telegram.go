package handlers

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"

	"dlmmrotation/internal/apperr"
	"dlmmrotation/internal/models"
	"dlmmrotation/internal/monitor"
)

const (
	authCodeLength   = 6
	authCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	authCodeAttempts = 5
)

// NewAuthCode returns a random code over an alphabet without lookalike
// characters.
func NewAuthCode() (string, error) {
	buf := make([]byte, authCodeLength)
	size := big.NewInt(int64(len(authCodeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		buf[i] = authCodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// CreateAuthCode issues a one-time code the user sends to the bot as
// /start CODE.
func (h *Handler) CreateAuthCode(c *gin.Context) {
	var req walletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := monitor.ValidateWallet(req.WalletAddress); err != nil {
		h.fail(c, err)
		return
	}

	auth := &models.TelegramAuthCode{
		WalletAddress: req.WalletAddress,
		ExpiresAt:     h.clock().Add(h.authCodeTTL()),
	}
	var err error
	for i := 0; i < authCodeAttempts; i++ {
		if auth.Code, err = NewAuthCode(); err != nil {
			break
		}
		if err = h.Store.CreateAuthCode(c.Request.Context(), auth); err == nil {
			break
		}
	}
	if err != nil {
		h.fail(c, fmt.Errorf("create auth code: %w", err))
		return
	}
	success(c, http.StatusOK, gin.H{
		"code":       auth.Code,
		"expires_at": auth.ExpiresAt,
		"command":    "/start " + auth.Code,
	})
}

// DisconnectTelegram unlinks the chat and drops the wallet's monitoring.
func (h *Handler) DisconnectTelegram(c *gin.Context) {
	w, err := wallet(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Monitor.Disconnect(c.Request.Context(), w); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			h.fail(c, apperr.NotFound("wallet %s is not connected", w))
			return
		}
		h.fail(c, err)
		return
	}
	success(c, http.StatusOK, gin.H{"message": "telegram disconnected"})
}
