package database

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process implementation of the repository methods used
// by the scheduler. It backs paper-trading runs without PostgreSQL and the
// package tests. A single mutex gives every read-modify-write the same
// atomicity the SQL repository gets from row locks.
type MemoryStore struct {
	mu sync.Mutex

	nextConfigID   int64
	nextDailyID    int64
	nextStrategyID int64

	configs    map[int64]*TradeConfiguration
	sessions   map[string]*ActiveTradingSession
	operations map[string]*TradeOperation
	opOrder    []string
	aiLogs     []AiLog
	daily      map[string]*DailyPnL // userID|date
	strategies map[string]*AiRecoveryStrategy
	heartbeats map[string]*SystemHealthHeartbeat
	tokens     map[string][]byte
	paused     bool
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:    make(map[int64]*TradeConfiguration),
		sessions:   make(map[string]*ActiveTradingSession),
		operations: make(map[string]*TradeOperation),
		daily:      make(map[string]*DailyPnL),
		strategies: make(map[string]*AiRecoveryStrategy),
		heartbeats: make(map[string]*SystemHealthHeartbeat),
		tokens:     make(map[string][]byte),
	}
}

func dailyKey(userID string, date time.Time) string {
	return userID + "|" + TradingDay(date).Format("2006-01-02")
}

// ActivateConfiguration mirrors Repository.ActivateConfiguration
func (m *MemoryStore) ActivateConfiguration(ctx context.Context, cfg *TradeConfiguration) (*ActiveTradingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, c := range m.configs {
		if c.UserID == cfg.UserID && c.IsActive {
			c.IsActive = false
			c.UpdatedAt = now
		}
	}
	for _, s := range m.sessions {
		if s.UserID == cfg.UserID && s.IsActive {
			s.IsActive = false
			s.UpdatedAt = now
		}
	}

	m.nextConfigID++
	cfg.ID = m.nextConfigID
	cfg.IsActive = true
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	stored := *cfg
	m.configs[cfg.ID] = &stored

	s := &ActiveTradingSession{
		SessionKey:      SessionKeyFor(cfg.UserID, cfg.ID),
		UserID:          cfg.UserID,
		ConfigID:        cfg.ID,
		Mode:            cfg.Mode,
		OperationsCount: cfg.OperationsCount,
		IntervalType:    cfg.IntervalType,
		IntervalValue:   cfg.IntervalValue,
		Symbol:          cfg.Symbol,
		BaseAmount:      cfg.BaseAmount,
		AccountType:     cfg.AccountType,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.sessions[s.SessionKey] = s
	return copySession(s), nil
}

// GetActiveConfiguration mirrors Repository.GetActiveConfiguration
func (m *MemoryStore) GetActiveConfiguration(ctx context.Context, userID string) (*TradeConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *TradeConfiguration
	for _, c := range m.configs {
		if c.UserID == userID && c.IsActive && (found == nil || c.ID > found.ID) {
			found = c
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

// ListActiveSessions mirrors Repository.ListActiveSessions
func (m *MemoryStore) ListActiveSessions(ctx context.Context) ([]ActiveTradingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ActiveTradingSession
	for _, s := range m.sessions {
		if s.IsActive {
			out = append(out, *copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionKey < out[j].SessionKey })
	return out, nil
}

// GetSession mirrors Repository.GetSession
func (m *MemoryStore) GetSession(ctx context.Context, sessionKey string) (*ActiveTradingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionKey]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

// GetLatestSessionForUser mirrors Repository.GetLatestSessionForUser
func (m *MemoryStore) GetLatestSessionForUser(ctx context.Context, userID string) (*ActiveTradingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *ActiveTradingSession
	for _, s := range m.sessions {
		if s.UserID == userID && (found == nil || s.ConfigID > found.ConfigID) {
			found = s
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return copySession(found), nil
}

// RecordSessionExecution mirrors Repository.RecordSessionExecution
func (m *MemoryStore) RecordSessionExecution(ctx context.Context, sessionKey string, at time.Time) (*ActiveTradingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionKey]
	if !ok {
		return nil, ErrNotFound
	}
	if err := s.CanExecuteAt(at); err != nil {
		return nil, err
	}
	s.ApplyExecution(at)
	return copySession(s), nil
}

// SetSessionActive mirrors Repository.SetSessionActive
func (m *MemoryStore) SetSessionActive(ctx context.Context, sessionKey string, active bool) (*ActiveTradingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionKey]
	if !ok {
		return nil, ErrNotFound
	}
	if active && !s.IsUnlimited() && s.ExecutedOperations >= s.OperationsCount {
		return nil, ErrSessionExhausted
	}
	s.IsActive = active
	s.UpdatedAt = time.Now()
	return copySession(s), nil
}

// CreateTradeOperation mirrors Repository.CreateTradeOperation
func (m *MemoryStore) CreateTradeOperation(ctx context.Context, op *TradeOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if op.IsOpen() {
		for _, existing := range m.operations {
			if existing.UserID == op.UserID && existing.IsOpen() {
				return ErrOperationInFlight
			}
		}
	}
	cp := *op
	m.operations[op.ID] = &cp
	m.opOrder = append(m.opOrder, op.ID)
	return nil
}

// UpdateTradeOperation mirrors Repository.UpdateTradeOperation
func (m *MemoryStore) UpdateTradeOperation(ctx context.Context, op *TradeOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.operations[op.ID]
	if !ok {
		return ErrNotFound
	}
	existing.BrokerContractID = op.BrokerContractID
	existing.Status = op.Status
	existing.EntryPrice = op.EntryPrice
	existing.ExitPrice = op.ExitPrice
	existing.Profit = op.Profit
	existing.ErrorMessage = op.ErrorMessage
	existing.CompletedAt = op.CompletedAt
	return nil
}

// GetOpenTradeOperation mirrors Repository.GetOpenTradeOperation
func (m *MemoryStore) GetOpenTradeOperation(ctx context.Context, userID string) (*TradeOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.opOrder {
		op := m.operations[id]
		if op.UserID == userID && op.IsOpen() {
			cp := *op
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// CountTradeOperationsSince mirrors Repository.CountTradeOperationsSince
func (m *MemoryStore) CountTradeOperationsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, op := range m.operations {
		if op.UserID == userID && !op.CreatedAt.Before(since) && op.Status != OperationCancelled {
			n++
		}
	}
	return n, nil
}

// ListTradeOperations mirrors Repository.ListTradeOperations
func (m *MemoryStore) ListTradeOperations(ctx context.Context, userID string, limit int) ([]TradeOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []TradeOperation
	for i := len(m.opOrder) - 1; i >= 0 && len(out) < limit; i-- {
		op := m.operations[m.opOrder[i]]
		if op.UserID == userID {
			out = append(out, *op)
		}
	}
	return out, nil
}

// InsertAiLogs mirrors Repository.InsertAiLogs
func (m *MemoryStore) InsertAiLogs(ctx context.Context, logs []AiLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.aiLogs = append(m.aiLogs, logs...)
	return nil
}

// AiLogs returns a copy of all appended AI log rows
func (m *MemoryStore) AiLogs() []AiLog {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AiLog, len(m.aiLogs))
	copy(out, m.aiLogs)
	return out
}

// GetOrCreateDailyPnL mirrors Repository.GetOrCreateDailyPnL
func (m *MemoryStore) GetOrCreateDailyPnL(ctx context.Context, userID string, date time.Time, openingBalance, recoveryThreshold float64) (*DailyPnL, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dailyKey(userID, date)
	d, ok := m.daily[key]
	if !ok {
		m.nextDailyID++
		d = &DailyPnL{
			ID:                m.nextDailyID,
			UserID:            userID,
			Date:              TradingDay(date),
			OpeningBalance:    openingBalance,
			CurrentBalance:    openingBalance,
			RecoveryThreshold: recoveryThreshold,
			UpdatedAt:         time.Now(),
		}
		m.daily[key] = d
	}
	return copyDaily(d), nil
}

// GetDailyPnL mirrors Repository.GetDailyPnL
func (m *MemoryStore) GetDailyPnL(ctx context.Context, userID string, date time.Time) (*DailyPnL, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.daily[dailyKey(userID, date)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDaily(d), nil
}

// UpdateDailyPnL mirrors Repository.UpdateDailyPnL
func (m *MemoryStore) UpdateDailyPnL(ctx context.Context, userID string, date time.Time, fn func(*DailyPnL) error) (*DailyPnL, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dailyKey(userID, date)
	d, ok := m.daily[key]
	if !ok {
		return nil, ErrNotFound
	}
	work := copyDaily(d)
	if err := fn(work); err != nil {
		return nil, err
	}
	work.UpdatedAt = time.Now()
	m.daily[key] = work
	return copyDaily(work), nil
}

// ListOpenDailyPnLBefore mirrors Repository.ListOpenDailyPnLBefore
func (m *MemoryStore) ListOpenDailyPnLBefore(ctx context.Context, date time.Time) ([]DailyPnL, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := TradingDay(date)
	var out []DailyPnL
	for _, d := range m.daily {
		if d.ClosedAt == nil && d.Date.Before(day) {
			out = append(out, *copyDaily(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// GetOrCreateRecoveryStrategy mirrors Repository.GetOrCreateRecoveryStrategy
func (m *MemoryStore) GetOrCreateRecoveryStrategy(ctx context.Context, userID, name string, params []byte) (*AiRecoveryStrategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := userID + "|" + name
	s, ok := m.strategies[key]
	if !ok {
		m.nextStrategyID++
		s = &AiRecoveryStrategy{
			ID:           m.nextStrategyID,
			UserID:       userID,
			StrategyName: name,
			IsActive:     true,
			Parameters:   append([]byte(nil), params...),
			UpdatedAt:    time.Now(),
		}
		m.strategies[key] = s
	}
	cp := *s
	return &cp, nil
}

// UpdateRecoveryStrategy mirrors Repository.UpdateRecoveryStrategy
func (m *MemoryStore) UpdateRecoveryStrategy(ctx context.Context, userID, name string, fn func(*AiRecoveryStrategy) error) (*AiRecoveryStrategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := userID + "|" + name
	s, ok := m.strategies[key]
	if !ok {
		return nil, ErrNotFound
	}
	work := *s
	if err := fn(&work); err != nil {
		return nil, err
	}
	work.UpdatedAt = time.Now()
	m.strategies[key] = &work
	cp := work
	return &cp, nil
}

// UpsertHeartbeat mirrors Repository.UpsertHeartbeat
func (m *MemoryStore) UpsertHeartbeat(ctx context.Context, component, status, errMsg string, metadata map[string]interface{}, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hb, ok := m.heartbeats[component]
	if !ok {
		hb = &SystemHealthHeartbeat{ComponentName: component}
		m.heartbeats[component] = hb
	}
	hb.LastHeartbeat = at
	hb.Status = status
	if errMsg != "" {
		hb.ErrorCount++
		hb.LastError = errMsg
	}
	if metadata != nil {
		hb.Metadata = metadata
	}
	return nil
}

// SetHeartbeatStatus mirrors Repository.SetHeartbeatStatus
func (m *MemoryStore) SetHeartbeatStatus(ctx context.Context, component, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hb, ok := m.heartbeats[component]; ok {
		hb.Status = status
	}
	return nil
}

// ListHeartbeats mirrors Repository.ListHeartbeats
func (m *MemoryStore) ListHeartbeats(ctx context.Context) ([]SystemHealthHeartbeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SystemHealthHeartbeat, 0, len(m.heartbeats))
	for _, hb := range m.heartbeats {
		out = append(out, *hb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComponentName < out[j].ComponentName })
	return out, nil
}

// GetSchedulerPaused mirrors Repository.GetSchedulerPaused
func (m *MemoryStore) GetSchedulerPaused(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused, nil
}

// SetSchedulerPaused mirrors Repository.SetSchedulerPaused
func (m *MemoryStore) SetSchedulerPaused(ctx context.Context, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
	return nil
}

// GetBrokerToken mirrors Repository.GetBrokerToken
func (m *MemoryStore) GetBrokerToken(ctx context.Context, userID, accountType string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[userID+"|"+accountType]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), t...), nil
}

// SaveBrokerToken mirrors Repository.SaveBrokerToken
func (m *MemoryStore) SaveBrokerToken(ctx context.Context, userID, accountType string, encrypted []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens[userID+"|"+accountType] = append([]byte(nil), encrypted...)
	return nil
}

func copySession(s *ActiveTradingSession) *ActiveTradingSession {
	cp := *s
	if s.LastExecutionTime != nil {
		t := *s.LastExecutionTime
		cp.LastExecutionTime = &t
	}
	return &cp
}

func copyDaily(d *DailyPnL) *DailyPnL {
	cp := *d
	if d.RecoveryStartedAt != nil {
		t := *d.RecoveryStartedAt
		cp.RecoveryStartedAt = &t
	}
	if d.ClosedAt != nil {
		t := *d.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}
