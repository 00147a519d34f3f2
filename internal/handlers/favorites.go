package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dlmmrotation/internal/models"
	"dlmmrotation/internal/monitor"
)

// FavoriteRequest bookmarks a pool for a wallet.
type FavoriteRequest struct {
	WalletAddress string `json:"walletAddress" binding:"required"`
	PoolAddress   string `json:"poolAddress" binding:"required"`
	PairName      string `json:"pairName"`
	TokenXMint    string `json:"tokenXMint"`
	TokenYMint    string `json:"tokenYMint"`
	TokenXSymbol  string `json:"tokenXSymbol"`
	TokenYSymbol  string `json:"tokenYSymbol"`
}

// ListFavorites returns the wallet's favorite pools, newest first
func (h *Handler) ListFavorites(c *gin.Context) {
	w, err := wallet(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	favs, err := h.Store.ListFavorites(c.Request.Context(), w)
	if err != nil {
		h.fail(c, err)
		return
	}
	if favs == nil {
		favs = []models.PoolFavorite{}
	}
	success(c, http.StatusOK, gin.H{"favorites": favs, "count": len(favs)})
}

// AddFavorite bookmarks a pool. Favoriting the same pool twice is a 400.
func (h *Handler) AddFavorite(c *gin.Context) {
	var req FavoriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := monitor.ValidateWallet(req.WalletAddress); err != nil {
		h.fail(c, err)
		return
	}

	fav := &models.PoolFavorite{
		WalletAddress: req.WalletAddress,
		PoolAddress:   req.PoolAddress,
		PairName:      req.PairName,
		TokenXMint:    req.TokenXMint,
		TokenYMint:    req.TokenYMint,
		TokenXSymbol:  req.TokenXSymbol,
		TokenYSymbol:  req.TokenYSymbol,
		CreatedAt:     h.clock(),
	}
	if err := h.Store.AddFavorite(c.Request.Context(), fav); err != nil {
		h.fail(c, err)
		return
	}
	h.Log.WithFields(logrus.Fields{"wallet": fav.WalletAddress, "pool": fav.PoolAddress}).Info("> pool favorited")
	success(c, http.StatusCreated, gin.H{"favorite": fav})
}

func (h *Handler) RemoveFavorite(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "favorite id must be a positive integer")
		return
	}
	if err := h.Store.DeleteFavorite(c.Request.Context(), uint(id)); err != nil {
		h.fail(c, err)
		return
	}
	success(c, http.StatusOK, nil)
}
