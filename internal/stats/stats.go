// Package stats aggregates per-account and per-model request counters for the
// management API. Counters are runtime-only; durable history lives in the
// flow sinks.
package stats

import (
	"sync"
	"time"
)

// AccountStats accumulates outcomes for one account.
type AccountStats struct {
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	TotalLatency int64   `json:"-"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// ModelStats accumulates outcomes for one upstream model.
type ModelStats struct {
	Requests int64 `json:"requests"`
	Errors   int64 `json:"errors"`
}

// Manager is the in-memory stats aggregate.
type Manager struct {
	mu        sync.Mutex
	startedAt time.Time
	total     int64
	errors    int64
	byAccount map[string]*AccountStats
	byModel   map[string]*ModelStats
}

// NewManager creates an empty stats manager.
func NewManager() *Manager {
	return &Manager{
		startedAt: time.Now(),
		byAccount: make(map[string]*AccountStats),
		byModel:   make(map[string]*ModelStats),
	}
}

// RecordRequest folds one finished request into the counters.
func (m *Manager) RecordRequest(accountID, model string, success bool, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	if !success {
		m.errors++
	}

	as, ok := m.byAccount[accountID]
	if !ok {
		as = &AccountStats{}
		m.byAccount[accountID] = as
	}
	as.Requests++
	if !success {
		as.Errors++
	}
	as.TotalLatency += latency.Milliseconds()
	as.AvgLatencyMs = float64(as.TotalLatency) / float64(as.Requests)

	ms, ok := m.byModel[model]
	if !ok {
		ms = &ModelStats{}
		m.byModel[model] = ms
	}
	ms.Requests++
	if !success {
		ms.Errors++
	}
}

// Summary is the management-API view of the counters.
type Summary struct {
	UptimeSeconds int64                    `json:"uptime_seconds"`
	TotalRequests int64                    `json:"total_requests"`
	TotalErrors   int64                    `json:"total_errors"`
	ByAccount     map[string]*AccountStats `json:"by_account"`
	ByModel       map[string]*ModelStats   `json:"by_model"`
}

// Snapshot returns a copy of the counters.
func (m *Manager) Snapshot() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		UptimeSeconds: int64(time.Since(m.startedAt).Seconds()),
		TotalRequests: m.total,
		TotalErrors:   m.errors,
		ByAccount:     make(map[string]*AccountStats, len(m.byAccount)),
		ByModel:       make(map[string]*ModelStats, len(m.byModel)),
	}
	for id, as := range m.byAccount {
		copied := *as
		s.ByAccount[id] = &copied
	}
	for id, ms := range m.byModel {
		copied := *ms
		s.ByModel[id] = &copied
	}
	return s
}
