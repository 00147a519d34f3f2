package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dlmmrotation/internal/apperr"
	"dlmmrotation/internal/models"
	"dlmmrotation/internal/monitor"
)

const defaultTxLimit = 50

// PositionView is a position with its automation rules, if any.
type PositionView struct {
	models.LiquidityPosition
	AutomationRules *models.PositionAutomationRules `json:"automation_rules"`
}

// RulesRequest is a partial update of a position's automation rules.
// Absent fields keep their current value.
type RulesRequest struct {
	TakeProfitEnabled       *bool               `json:"takeProfitEnabled"`
	TakeProfitType          *string             `json:"takeProfitType"`
	TakeProfitValue         *float64            `json:"takeProfitValue"`
	StopLossEnabled         *bool               `json:"stopLossEnabled"`
	StopLossType            *string             `json:"stopLossType"`
	StopLossValue           *float64            `json:"stopLossValue"`
	AutoCompoundEnabled     *bool               `json:"autoCompoundEnabled"`
	CompoundFrequencyHours  *int                `json:"compoundFrequencyHours"`
	CompoundMinThresholdUSD *float64            `json:"compoundMinThresholdUsd"`
	RebalancingEnabled      *bool               `json:"rebalancingEnabled"`
	RebalanceTriggers       *models.TriggerList `json:"rebalanceTriggers"`
}

func validRuleType(t string) bool {
	return t == models.RuleTypePercentage || t == models.RuleTypeUSD
}

func (r RulesRequest) applyTo(rules *models.PositionAutomationRules) error {
	if r.TakeProfitType != nil && !validRuleType(*r.TakeProfitType) {
		return apperr.Validation("takeProfitType must be percentage or usd")
	}
	if r.StopLossType != nil && !validRuleType(*r.StopLossType) {
		return apperr.Validation("stopLossType must be percentage or usd")
	}
	if r.CompoundFrequencyHours != nil && *r.CompoundFrequencyHours < 1 {
		return apperr.Validation("compoundFrequencyHours must be at least 1")
	}
	if r.CompoundMinThresholdUSD != nil && *r.CompoundMinThresholdUSD < 0 {
		return apperr.Validation("compoundMinThresholdUsd must not be negative")
	}
	if r.RebalanceTriggers != nil {
		for _, t := range *r.RebalanceTriggers {
			if t.Type != models.TriggerFeeThreshold && t.Type != models.TriggerPriceDrift {
				return apperr.Validation("unknown rebalance trigger %q", t.Type)
			}
			if t.Value < 0 {
				return apperr.Validation("rebalance trigger %s value must not be negative", t.Type)
			}
		}
	}

	setBool(&rules.TakeProfitEnabled, r.TakeProfitEnabled)
	setString(&rules.TakeProfitType, r.TakeProfitType)
	setFloat(&rules.TakeProfitValue, r.TakeProfitValue)
	setBool(&rules.StopLossEnabled, r.StopLossEnabled)
	setString(&rules.StopLossType, r.StopLossType)
	setFloat(&rules.StopLossValue, r.StopLossValue)
	setBool(&rules.AutoCompoundEnabled, r.AutoCompoundEnabled)
	if r.CompoundFrequencyHours != nil {
		rules.CompoundFrequencyHours = *r.CompoundFrequencyHours
	}
	setFloat(&rules.CompoundMinThresholdUSD, r.CompoundMinThresholdUSD)
	setBool(&rules.RebalancingEnabled, r.RebalancingEnabled)
	if r.RebalanceTriggers != nil {
		rules.RebalanceTriggers = append(models.TriggerList{}, (*r.RebalanceTriggers)...)
	}
	return nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// defaultRules derives the starting rules of a new position from the
// wallet's automation config.
func defaultRules(cfg *models.AutomationConfig) *models.PositionAutomationRules {
	return &models.PositionAutomationRules{
		TakeProfitEnabled:       cfg.DefaultTakeProfit > 0,
		TakeProfitType:          models.RuleTypePercentage,
		TakeProfitValue:         cfg.DefaultTakeProfit,
		StopLossEnabled:         cfg.DefaultStopLoss < 0,
		StopLossType:            models.RuleTypePercentage,
		StopLossValue:           cfg.DefaultStopLoss,
		CompoundFrequencyHours:  cfg.DefaultCompoundHours,
		CompoundMinThresholdUSD: cfg.DefaultCompoundMinUSD,
		RebalanceTriggers:       models.TriggerList{},
	}
}

func (h *Handler) automationConfig(c *gin.Context, w string) (*models.AutomationConfig, error) {
	cfg, err := h.Store.GetAutomationConfig(c.Request.Context(), w)
	if errors.Is(err, apperr.ErrNotFound) {
		return models.NewAutomationConfig(w), nil
	}
	return cfg, err
}

func (h *Handler) rulesFor(c *gin.Context, address string) (*models.PositionAutomationRules, error) {
	rules, err := h.Store.GetRules(c.Request.Context(), address)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	return rules, err
}

// ListPositions returns the wallet's positions. status defaults to active;
// "all" returns every status.
func (h *Handler) ListPositions(c *gin.Context) {
	w, err := wallet(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	status := c.DefaultQuery("status", models.PositionActive)
	switch status {
	case "all":
		status = ""
	case models.PositionActive, models.PositionClosed, models.PositionFailed:
	default:
		badRequest(c, "status must be active, closed, failed or all")
		return
	}

	positions, err := h.Store.ListPositions(c.Request.Context(), w, status)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		rules, err := h.rulesFor(c, p.PositionAddress)
		if err != nil {
			h.fail(c, err)
			return
		}
		out = append(out, PositionView{LiquidityPosition: p, AutomationRules: rules})
	}
	success(c, http.StatusOK, gin.H{"positions": out, "count": len(out)})
}

// GetPosition returns one position with its rules and transactions
func (h *Handler) GetPosition(c *gin.Context) {
	address := c.Param("address")
	pos, err := h.Store.GetPosition(c.Request.Context(), address)
	if err != nil {
		h.fail(c, err)
		return
	}
	rules, err := h.rulesFor(c, address)
	if err != nil {
		h.fail(c, err)
		return
	}
	txs, err := h.Store.ListTransactions(c.Request.Context(), pos.WalletAddress, "")
	if err != nil {
		h.fail(c, err)
		return
	}
	own := make([]models.LiquidityTransaction, 0)
	for _, tx := range txs {
		if tx.PositionAddress == address {
			own = append(own, tx)
		}
	}
	success(c, http.StatusOK, gin.H{
		"position":     PositionView{LiquidityPosition: *pos, AutomationRules: rules},
		"transactions": own,
	})
}

// CreatePositionRequest is sent by the frontend after the user signed the
// add liquidity transaction.
type CreatePositionRequest struct {
	WalletAddress        string                 `json:"walletAddress" binding:"required"`
	PoolAddress          string                 `json:"poolAddress" binding:"required"`
	PositionAddress      string                 `json:"positionAddress" binding:"required"`
	TokenXMint           string                 `json:"tokenXMint" binding:"required"`
	TokenYMint           string                 `json:"tokenYMint" binding:"required"`
	TokenXSymbol         string                 `json:"tokenXSymbol"`
	TokenYSymbol         string                 `json:"tokenYSymbol"`
	AmountX              float64                `json:"amountX"`
	AmountY              float64                `json:"amountY"`
	LiquidityUSD         float64                `json:"liquidityUsd"`
	LowerPrice           float64                `json:"lowerPrice"`
	UpperPrice           float64                `json:"upperPrice"`
	LowerBinID           *int                   `json:"lowerBinId" binding:"required"`
	UpperBinID           *int                   `json:"upperBinId" binding:"required"`
	ActiveBinID          *int                   `json:"activeBinId"`
	StrategyName         string                 `json:"strategyName"`
	TransactionSignature string                 `json:"transactionSignature" binding:"required"`
	Metadata             map[string]interface{} `json:"metadata"`
	AutomationRules      *RulesRequest          `json:"automationRules"`
}

// CreatePosition records a position opened from the frontend together
// with its add transaction. Rules start from the wallet defaults.
func (h *Handler) CreatePosition(c *gin.Context) {
	var req CreatePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := monitor.ValidateWallet(req.WalletAddress); err != nil {
		h.fail(c, err)
		return
	}
	if *req.UpperBinID < *req.LowerBinID {
		badRequest(c, "upperBinId must not be below lowerBinId")
		return
	}
	ctx := c.Request.Context()
	if _, err := h.Store.GetPosition(ctx, req.PositionAddress); err == nil {
		badRequest(c, "position already exists")
		return
	} else if !errors.Is(err, apperr.ErrNotFound) {
		h.fail(c, err)
		return
	}

	cfg, err := h.automationConfig(c, req.WalletAddress)
	if err != nil {
		h.fail(c, err)
		return
	}
	rules := defaultRules(cfg)
	if req.AutomationRules != nil {
		if err := req.AutomationRules.applyTo(rules); err != nil {
			h.fail(c, err)
			return
		}
	}

	now := h.clock()
	pos := &models.LiquidityPosition{
		PositionAddress: req.PositionAddress,
		WalletAddress:   req.WalletAddress,
		PoolAddress:     req.PoolAddress,
		TokenXMint:      req.TokenXMint,
		TokenYMint:      req.TokenYMint,
		TokenXSymbol:    req.TokenXSymbol,
		TokenYSymbol:    req.TokenYSymbol,
		InitialAmountX:  req.AmountX,
		InitialAmountY:  req.AmountY,
		InitialValueUSD: req.LiquidityUSD,
		CurrentAmountX:  req.AmountX,
		CurrentAmountY:  req.AmountY,
		CurrentValueUSD: req.LiquidityUSD,
		LowerPrice:      req.LowerPrice,
		UpperPrice:      req.UpperPrice,
		LowerBinID:      *req.LowerBinID,
		UpperBinID:      *req.UpperBinID,
		InRange:         true,
		Strategy:        req.StrategyName,
		Status:          models.PositionActive,
		OpenedAt:        now,
	}
	if req.ActiveBinID != nil {
		pos.ActiveBinID = *req.ActiveBinID
		pos.InRange = pos.ActiveBinID >= pos.LowerBinID && pos.ActiveBinID <= pos.UpperBinID
	}
	if err := h.Store.CreatePosition(ctx, pos, rules); err != nil {
		h.fail(c, err)
		return
	}

	metadata := models.JSONMap{"amount_x": req.AmountX, "amount_y": req.AmountY, "amount_usd": req.LiquidityUSD}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	tx := &models.LiquidityTransaction{
		PositionAddress: pos.PositionAddress,
		WalletAddress:   pos.WalletAddress,
		TransactionType: models.TxAdd,
		Signature:       req.TransactionSignature,
		Status:          models.TxPending,
		Metadata:        metadata,
		CreatedAt:       now,
	}
	if err := h.Store.AddTransaction(ctx, tx); err != nil {
		h.fail(c, err)
		return
	}

	h.Log.WithFields(logrus.Fields{
		"wallet":   pos.WalletAddress,
		"position": pos.PositionAddress,
	}).Info("> position created")
	success(c, http.StatusCreated, gin.H{"position": PositionView{LiquidityPosition: *pos, AutomationRules: rules}})
}

// UpdateAutomation applies a partial rules update to a position
func (h *Handler) UpdateAutomation(c *gin.Context) {
	var req RulesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	address := c.Param("address")
	ctx := c.Request.Context()
	if _, err := h.Store.GetPosition(ctx, address); err != nil {
		h.fail(c, err)
		return
	}
	rules, err := h.rulesFor(c, address)
	if err != nil {
		h.fail(c, err)
		return
	}
	if rules == nil {
		rules = &models.PositionAutomationRules{
			PositionAddress:         address,
			TakeProfitType:          models.RuleTypePercentage,
			StopLossType:            models.RuleTypePercentage,
			CompoundMinThresholdUSD: models.DefaultCompoundThresholdUSD,
			RebalanceTriggers:       models.TriggerList{},
		}
	}
	if err := req.applyTo(rules); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Store.SaveRules(ctx, rules); err != nil {
		h.fail(c, err)
		return
	}
	success(c, http.StatusOK, gin.H{"automation_rules": rules})
}

// GetAutomationConfig returns the wallet config, or the defaults when the
// wallet has none.
func (h *Handler) GetAutomationConfig(c *gin.Context) {
	w, err := wallet(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	cfg, err := h.automationConfig(c, w)
	if err != nil {
		h.fail(c, err)
		return
	}
	success(c, http.StatusOK, gin.H{"config": cfg})
}

// AutomationConfigRequest is a partial update of a wallet's config
type AutomationConfigRequest struct {
	WalletAddress         string   `json:"walletAddress" binding:"required"`
	AutomationEnabled     *bool    `json:"automationEnabled"`
	DefaultTakeProfit     *float64 `json:"defaultTakeProfitPercentage"`
	DefaultStopLoss       *float64 `json:"defaultStopLossPercentage"`
	DefaultCompoundHours  *int     `json:"defaultCompoundFrequencyHours"`
	DefaultCompoundMinUSD *float64 `json:"defaultCompoundThresholdUsd"`
	NotifyOnTrigger       *bool    `json:"notifyOnTrigger"`
}

func (h *Handler) UpdateAutomationConfig(c *gin.Context) {
	var req AutomationConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := monitor.ValidateWallet(req.WalletAddress); err != nil {
		h.fail(c, err)
		return
	}
	if req.DefaultCompoundHours != nil && *req.DefaultCompoundHours < 1 {
		badRequest(c, "defaultCompoundFrequencyHours must be at least 1")
		return
	}
	cfg, err := h.automationConfig(c, req.WalletAddress)
	if err != nil {
		h.fail(c, err)
		return
	}
	setBool(&cfg.AutomationEnabled, req.AutomationEnabled)
	setFloat(&cfg.DefaultTakeProfit, req.DefaultTakeProfit)
	setFloat(&cfg.DefaultStopLoss, req.DefaultStopLoss)
	if req.DefaultCompoundHours != nil {
		cfg.DefaultCompoundHours = *req.DefaultCompoundHours
	}
	setFloat(&cfg.DefaultCompoundMinUSD, req.DefaultCompoundMinUSD)
	setBool(&cfg.NotifyOnTrigger, req.NotifyOnTrigger)

	if err := h.Store.SaveAutomationConfig(c.Request.Context(), cfg); err != nil {
		h.fail(c, err)
		return
	}
	success(c, http.StatusOK, gin.H{"config": cfg})
}

// ListTransactions returns the wallet's transactions, newest first.
// Optional filters: status, type and limit (default 50).
func (h *Handler) ListTransactions(c *gin.Context) {
	w, err := wallet(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	limit := defaultTxLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}
	txs, err := h.Store.ListTransactions(c.Request.Context(), w, c.Query("status"))
	if err != nil {
		h.fail(c, err)
		return
	}
	txType := c.Query("type")
	out := make([]models.LiquidityTransaction, 0, len(txs))
	for _, tx := range txs {
		if txType != "" && tx.TransactionType != txType {
			continue
		}
		out = append(out, tx)
		if len(out) == limit {
			break
		}
	}
	success(c, http.StatusOK, gin.H{"transactions": out, "count": len(out)})
}

// ListQueue returns the automation queue, optionally filtered by status
func (h *Handler) ListQueue(c *gin.Context) {
	status := c.Query("status")
	switch status {
	case "", models.QueuePending, models.QueueProcessing, models.QueueCompleted, models.QueueFailed:
	default:
		badRequest(c, "unknown queue status")
		return
	}
	entries, err := h.Store.ListQueue(c.Request.Context(), status)
	if err != nil {
		h.fail(c, err)
		return
	}
	success(c, http.StatusOK, gin.H{"queue": entries, "count": len(entries)})
}
