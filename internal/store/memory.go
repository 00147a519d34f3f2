package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"dlmmrotation/internal/apperr"
	"dlmmrotation/internal/models"
)

// MemoryStore is an in-process Repository for tests and local runs. All
// methods are safe for concurrent use and hand out copies.
type MemoryStore struct {
	mu sync.Mutex

	users     map[string]models.User
	authCodes map[string]models.TelegramAuthCode
	monitors  map[string]models.MonitorConfig
	snapshots []models.OpportunitySnapshot
	positions map[string]models.LiquidityPosition
	rules     map[string]models.PositionAutomationRules
	autoCfgs  map[string]models.AutomationConfig
	txs       []models.LiquidityTransaction
	queue     map[string]models.ActionQueueEntry
	favorites map[uint]models.PoolFavorite

	nextID uint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]models.User),
		authCodes: make(map[string]models.TelegramAuthCode),
		monitors:  make(map[string]models.MonitorConfig),
		positions: make(map[string]models.LiquidityPosition),
		rules:     make(map[string]models.PositionAutomationRules),
		autoCfgs:  make(map[string]models.AutomationConfig),
		queue:     make(map[string]models.ActionQueueEntry),
		favorites: make(map[uint]models.PoolFavorite),
	}
}

func (s *MemoryStore) id() uint {
	s.nextID++
	return s.nextID
}

// ---- users ----

func (s *MemoryStore) GetUser(ctx context.Context, wallet string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[wallet]
	if !ok {
		return nil, apperr.NotFound("wallet %s", wallet)
	}
	return &u, nil
}

func (s *MemoryStore) GetUserByChatID(ctx context.Context, chatID int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.TelegramChatID != nil && *u.TelegramChatID == chatID {
			return &u, nil
		}
	}
	return nil, apperr.NotFound("chat %d", chatID)
}

// PutUser stores u as is.
func (s *MemoryStore) PutUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.WalletAddress] = u
}

func (s *MemoryStore) CreateAuthCode(ctx context.Context, code *models.TelegramAuthCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.authCodes[code.Code]; exists {
		return apperr.Validation("auth code collision")
	}
	code.ID = s.id()
	code.CreatedAt = time.Now()
	s.authCodes[code.Code] = *code
	return nil
}

func (s *MemoryStore) RedeemAuthCode(ctx context.Context, code string, chatID int64, username string, now time.Time) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	auth, ok := s.authCodes[code]
	if !ok {
		return nil, apperr.NotFound("auth code")
	}
	if !auth.Valid(now) {
		return nil, apperr.Validation("auth code expired or already used")
	}
	auth.Used = true
	s.authCodes[code] = auth

	for wallet, u := range s.users {
		if wallet != auth.WalletAddress && u.TelegramChatID != nil && *u.TelegramChatID == chatID {
			u.TelegramChatID = nil
			s.users[wallet] = u
		}
	}
	u := s.users[auth.WalletAddress]
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.WalletAddress = auth.WalletAddress
	u.TelegramChatID = &chatID
	u.TelegramUsername = username
	u.UpdatedAt = now
	s.users[auth.WalletAddress] = u
	return &u, nil
}

func (s *MemoryStore) Disconnect(ctx context.Context, wallet string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[wallet]; !ok {
		return apperr.NotFound("wallet %s", wallet)
	}
	delete(s.users, wallet)
	delete(s.monitors, wallet)
	for code, auth := range s.authCodes {
		if auth.WalletAddress == wallet {
			delete(s.authCodes, code)
		}
	}
	kept := s.snapshots[:0]
	for _, snap := range s.snapshots {
		if snap.WalletAddress != wallet {
			kept = append(kept, snap)
		}
	}
	s.snapshots = kept
	return nil
}

// ---- monitoring ----

func (s *MemoryStore) GetMonitorConfig(ctx context.Context, wallet string) (*models.MonitorConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.monitors[wallet]
	if !ok {
		return nil, apperr.NotFound("monitor config for %s", wallet)
	}
	cfg.TokenWhitelist = append(models.StringList{}, cfg.TokenWhitelist...)
	cfg.DegenNotified = copyTimes(cfg.DegenNotified)
	return &cfg, nil
}

func copyTimes(m models.TimeMap) models.TimeMap {
	out := make(models.TimeMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) SaveMonitorConfig(ctx context.Context, cfg *models.MonitorConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	stored := *cfg
	stored.TokenWhitelist = append(models.StringList{}, cfg.TokenWhitelist...)
	if existing, ok := s.monitors[cfg.WalletAddress]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
		stored.DegenNotified = existing.DegenNotified
	} else {
		stored.ID = s.id()
		stored.CreatedAt = now
		stored.DegenNotified = copyTimes(cfg.DegenNotified)
	}
	stored.UpdatedAt = now
	s.monitors[cfg.WalletAddress] = stored
	cfg.ID = stored.ID
	return nil
}

func (s *MemoryStore) SetMonitorEnabled(ctx context.Context, wallet string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.monitors[wallet]; ok {
		cfg.Enabled = enabled
		s.monitors[wallet] = cfg
	}
	return nil
}

func (s *MemoryStore) listMonitors(keep func(models.MonitorConfig) bool) []models.MonitorConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MonitorConfig
	for _, cfg := range s.monitors {
		if keep(cfg) {
			cfg.DegenNotified = copyTimes(cfg.DegenNotified)
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WalletAddress < out[j].WalletAddress })
	return out
}

func (s *MemoryStore) ListEnabledMonitorConfigs(ctx context.Context) ([]models.MonitorConfig, error) {
	return s.listMonitors(func(c models.MonitorConfig) bool { return c.Enabled }), nil
}

func (s *MemoryStore) ListDegenConfigs(ctx context.Context) ([]models.MonitorConfig, error) {
	return s.listMonitors(func(c models.MonitorConfig) bool { return c.DegenEnabled }), nil
}

func (s *MemoryStore) SetDegenNotified(ctx context.Context, wallet string, notified models.TimeMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.monitors[wallet]; ok {
		cfg.DegenNotified = copyTimes(notified)
		s.monitors[wallet] = cfg
	}
	return nil
}

func (s *MemoryStore) LatestSnapshot(ctx context.Context, wallet string) (*models.OpportunitySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		if s.snapshots[i].WalletAddress == wallet {
			snap := s.snapshots[i]
			snap.Opportunities = append(models.OpportunityList{}, snap.Opportunities...)
			return &snap, nil
		}
	}
	return nil, apperr.NotFound("snapshot for %s", wallet)
}

// Snapshots returns the number of stored snapshots for wallet.
func (s *MemoryStore) Snapshots(wallet string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, snap := range s.snapshots {
		if snap.WalletAddress == wallet {
			n++
		}
	}
	return n
}

func (s *MemoryStore) CommitCheck(ctx context.Context, snap *models.OpportunitySnapshot, lastCheck, nextCheck time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.ID = s.id()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = lastCheck
	}
	stored := *snap
	stored.Opportunities = append(models.OpportunityList{}, snap.Opportunities...)
	s.snapshots = append(s.snapshots, stored)
	if cfg, ok := s.monitors[snap.WalletAddress]; ok {
		cfg.LastCheck, cfg.NextCheck = &lastCheck, &nextCheck
		s.monitors[snap.WalletAddress] = cfg
	}
	return nil
}

func (s *MemoryStore) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]int)
	var kept []models.OpportunitySnapshot
	// newest first so the first keep per wallet survive
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		snap := s.snapshots[i]
		seen[snap.WalletAddress]++
		if seen[snap.WalletAddress] <= keep {
			kept = append(kept, snap)
		}
	}
	removed := int64(len(s.snapshots) - len(kept))
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	s.snapshots = kept
	return removed, nil
}

// ---- positions ----

func (s *MemoryStore) ListPositions(ctx context.Context, wallet, status string) ([]models.LiquidityPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LiquidityPosition
	for _, p := range s.positions {
		if (wallet == "" || p.WalletAddress == wallet) && (status == "" || p.Status == status) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionAddress < out[j].PositionAddress })
	return out, nil
}

func (s *MemoryStore) GetPosition(ctx context.Context, address string) (*models.LiquidityPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[address]
	if !ok {
		return nil, apperr.NotFound("position %s", address)
	}
	return &p, nil
}

func (s *MemoryStore) CreatePosition(ctx context.Context, pos *models.LiquidityPosition, rules *models.PositionAutomationRules) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.positions[pos.PositionAddress]; exists {
		return apperr.Validation("position %s already exists", pos.PositionAddress)
	}
	pos.ID = s.id()
	s.positions[pos.PositionAddress] = *pos
	if rules != nil {
		rules.PositionAddress = pos.PositionAddress
		rules.ID = s.id()
		s.rules[pos.PositionAddress] = *rules
	}
	return nil
}

func (s *MemoryStore) SavePosition(ctx context.Context, pos *models.LiquidityPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos.ID == 0 {
		pos.ID = s.id()
	}
	s.positions[pos.PositionAddress] = *pos
	return nil
}

func (s *MemoryStore) GetRules(ctx context.Context, positionAddress string) (*models.PositionAutomationRules, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[positionAddress]
	if !ok {
		return nil, apperr.NotFound("automation rules for %s", positionAddress)
	}
	r.RebalanceTriggers = append(models.TriggerList{}, r.RebalanceTriggers...)
	return &r, nil
}

func (s *MemoryStore) SaveRules(ctx context.Context, rules *models.PositionAutomationRules) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *rules
	if existing, ok := s.rules[rules.PositionAddress]; ok {
		stored.ID = existing.ID
		stored.LastCompoundAt = existing.LastCompoundAt
		stored.LastRebalanceAt = existing.LastRebalanceAt
	} else {
		stored.ID = s.id()
	}
	stored.RebalanceTriggers = append(models.TriggerList{}, rules.RebalanceTriggers...)
	s.rules[rules.PositionAddress] = stored
	rules.ID = stored.ID
	return nil
}

func (s *MemoryStore) ListAutoCompoundRules(ctx context.Context) ([]models.PositionAutomationRules, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PositionAutomationRules
	for _, r := range s.rules {
		if r.AutoCompoundEnabled {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionAddress < out[j].PositionAddress })
	return out, nil
}

func (s *MemoryStore) GetAutomationConfig(ctx context.Context, wallet string) (*models.AutomationConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.autoCfgs[wallet]
	if !ok {
		return nil, apperr.NotFound("automation config for %s", wallet)
	}
	return &cfg, nil
}

func (s *MemoryStore) SaveAutomationConfig(ctx context.Context, cfg *models.AutomationConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.autoCfgs[cfg.WalletAddress]; ok {
		cfg.ID = existing.ID
	} else {
		cfg.ID = s.id()
	}
	s.autoCfgs[cfg.WalletAddress] = *cfg
	return nil
}

func (s *MemoryStore) AddTransaction(ctx context.Context, tx *models.LiquidityTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := tx.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	s.addTx(*tx, at)
	*tx = s.txs[len(s.txs)-1]
	return nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, wallet, status string) ([]models.LiquidityTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LiquidityTransaction
	for i := len(s.txs) - 1; i >= 0; i-- {
		tx := s.txs[i]
		if (wallet == "" || tx.WalletAddress == wallet) && (status == "" || tx.Status == status) {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateTransactionStatus(ctx context.Context, id uint, status string, confirmedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.txs {
		if s.txs[i].ID == id {
			s.txs[i].Status = status
			s.txs[i].ConfirmedAt = confirmedAt
			return nil
		}
	}
	return apperr.NotFound("transaction %d", id)
}

func (s *MemoryStore) addTx(tx models.LiquidityTransaction, at time.Time) {
	tx.ID = s.id()
	tx.CreatedAt = at
	if tx.Status == "" {
		tx.Status = models.TxPending
	}
	s.txs = append(s.txs, tx)
}

// ---- queue ----

func (s *MemoryStore) EnqueueAction(ctx context.Context, positionAddress, action string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.queue[positionAddress]
	if exists && entry.Status == models.QueueProcessing {
		return false, nil
	}
	if !exists {
		entry = models.ActionQueueEntry{ID: s.id(), PositionAddress: positionAddress}
	}
	entry.ActionType = action
	entry.Status = models.QueuePending
	entry.ErrorMessage = ""
	entry.CreatedAt = now
	entry.UpdatedAt = now
	entry.ProcessedAt = nil
	s.queue[positionAddress] = entry
	return true, nil
}

func (s *MemoryStore) ClaimPending(ctx context.Context, limit int, now time.Time) ([]models.ActionQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []models.ActionQueueEntry
	for _, e := range s.queue {
		if e.Status == models.QueuePending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	for i := range pending {
		pending[i].Status = models.QueueProcessing
		pending[i].UpdatedAt = now
		s.queue[pending[i].PositionAddress] = pending[i]
	}
	return pending, nil
}

func (s *MemoryStore) finish(id uint, status, message string, now time.Time) {
	for addr, e := range s.queue {
		if e.ID == id {
			e.Status = status
			e.ErrorMessage = message
			e.ProcessedAt = &now
			e.UpdatedAt = now
			s.queue[addr] = e
			return
		}
	}
}

func (s *MemoryStore) FailAction(ctx context.Context, id uint, message string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finish(id, models.QueueFailed, message, now)
	return nil
}

func (s *MemoryStore) ListQueue(ctx context.Context, status string) ([]models.ActionQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ActionQueueEntry
	for _, e := range s.queue {
		if status == "" || e.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) closePosition(address, reason string, at time.Time) {
	if p, ok := s.positions[address]; ok {
		p.Status = models.PositionClosed
		p.CloseReason = reason
		p.ClosedAt = &at
		s.positions[address] = p
	}
}

func (s *MemoryStore) RecordClose(ctx context.Context, res CloseResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closePosition(res.PositionAddress, res.Reason, res.At)
	s.addTx(models.LiquidityTransaction{
		PositionAddress: res.PositionAddress,
		WalletAddress:   res.WalletAddress,
		TransactionType: models.TxRemove,
		Signature:       res.Signature,
		Metadata:        models.JSONMap{"reason": res.Reason},
	}, res.At)
	s.finish(res.QueueID, res.queueStatus(), res.Failure, res.At)
	return nil
}

func (s *MemoryStore) RecordCompound(ctx context.Context, res CompoundResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addTx(models.LiquidityTransaction{
		PositionAddress: res.PositionAddress,
		WalletAddress:   res.WalletAddress,
		TransactionType: models.TxCompound,
		Signature:       res.Signature,
		Metadata:        models.JSONMap{"fees_claimed_usd": res.FeesClaimedUSD},
	}, res.At)
	if p, ok := s.positions[res.PositionAddress]; ok {
		p.FeesEarnedUSD = 0
		s.positions[res.PositionAddress] = p
	}
	if r, ok := s.rules[res.PositionAddress]; ok {
		at := res.At
		r.LastCompoundAt = &at
		s.rules[res.PositionAddress] = r
	}
	s.finish(res.QueueID, models.QueueCompleted, "", res.At)
	return nil
}

func (s *MemoryStore) RecordRebalance(ctx context.Context, res RebalanceResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := res.Old.PositionAddress
	if _, exists := s.positions[res.New.PositionAddress]; exists {
		return apperr.Validation("position %s already exists", res.New.PositionAddress)
	}
	s.closePosition(old, models.ActionRebalance, res.At)

	newPos := res.New
	newPos.ID = s.id()
	s.positions[newPos.PositionAddress] = newPos

	at := res.At
	if r, ok := s.rules[old]; ok {
		r.LastRebalanceAt = &at
		s.rules[old] = r
		copied := r
		copied.ID = s.id()
		copied.PositionAddress = newPos.PositionAddress
		copied.RebalanceTriggers = append(models.TriggerList{}, r.RebalanceTriggers...)
		s.rules[newPos.PositionAddress] = copied
	}

	s.addTx(models.LiquidityTransaction{
		PositionAddress: old,
		WalletAddress:   res.Old.WalletAddress,
		TransactionType: models.TxRemove,
		Signature:       res.CloseSignature,
		Metadata:        models.JSONMap{"reason": models.ActionRebalance},
	}, res.At)
	s.addTx(models.LiquidityTransaction{
		PositionAddress: newPos.PositionAddress,
		WalletAddress:   newPos.WalletAddress,
		TransactionType: models.TxAdd,
		Signature:       res.OpenSignature,
		Metadata:        models.JSONMap{"rebalanced_from": old},
	}, res.At)
	s.finish(res.QueueID, models.QueueCompleted, "", res.At)
	return nil
}

var _ Repository = (*MemoryStore)(nil)

// ---- favorites ----

func (s *MemoryStore) ListFavorites(ctx context.Context, wallet string) ([]models.PoolFavorite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PoolFavorite
	for _, f := range s.favorites {
		if f.WalletAddress == wallet {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) AddFavorite(ctx context.Context, fav *models.PoolFavorite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.favorites {
		if f.WalletAddress == fav.WalletAddress && f.PoolAddress == fav.PoolAddress {
			return apperr.Validation("pool %s already favorited", fav.PoolAddress)
		}
	}
	fav.ID = s.id()
	if fav.CreatedAt.IsZero() {
		fav.CreatedAt = time.Now()
	}
	s.favorites[fav.ID] = *fav
	return nil
}

func (s *MemoryStore) DeleteFavorite(ctx context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.favorites[id]; !ok {
		return apperr.NotFound("favorite %d", id)
	}
	delete(s.favorites, id)
	return nil
}
