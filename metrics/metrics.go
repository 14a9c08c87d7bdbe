// Package metrics tracks admission verdicts in process and exposes them
// as Prometheus collectors.
package metrics

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Outcome labels, matching the verdict outcomes of the admission pipeline.
const (
	OutcomeAllow      = "allow"
	OutcomeDeny       = "deny"
	OutcomeQuarantine = "quarantine"
	OutcomeSinkhole   = "sinkhole"
	OutcomeBlackhole  = "blackhole"
)

// DefaultMaxClients bounds the per-client table.
const DefaultMaxClients = 10000

const topClients = 10

// Metrics tracks verdict statistics.
type Metrics struct {
	totalRequests atomic.Int64
	allowed       atomic.Int64
	denied        atomic.Int64
	quarantined   atomic.Int64
	sinkholed     atomic.Int64
	blackholed    atomic.Int64
	escalations   atomic.Int64

	// Per-client stats
	mu          sync.RWMutex
	clientStats map[string]*ClientStats
	maxClients  int
	overflow    int64
	startTime   time.Time

	prom *promSet
}

// ClientStats tracks statistics for a specific identity.
type ClientStats struct {
	Identity        string    `json:"identity"`
	TotalRequests   int64     `json:"total_requests"`
	AllowedRequests int64     `json:"allowed_requests"`
	BlockedRequests int64     `json:"blocked_requests"`
	LastOutcome     string    `json:"last_outcome"`
	LastReason      string    `json:"last_reason,omitempty"`
	LastRequestAt   time.Time `json:"last_request_at"`
	FirstRequestAt  time.Time `json:"first_request_at"`
}

// NewMetrics creates a tracker with its own Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		clientStats: make(map[string]*ClientStats),
		maxClients:  DefaultMaxClients,
		startTime:   time.Now(),
		prom:        newPromSet(),
	}
}

// RecordVerdict records one evaluated request.
func (m *Metrics) RecordVerdict(identity, outcome, reason string, elapsed time.Duration) {
	m.totalRequests.Add(1)

	switch outcome {
	case OutcomeAllow:
		m.allowed.Add(1)
	case OutcomeDeny:
		m.denied.Add(1)
	case OutcomeQuarantine:
		m.quarantined.Add(1)
	case OutcomeSinkhole:
		m.sinkholed.Add(1)
	case OutcomeBlackhole:
		m.blackholed.Add(1)
	}
	m.prom.observeVerdict(outcome, reason, elapsed)

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	stats, exists := m.clientStats[identity]
	if !exists {
		if len(m.clientStats) >= m.maxClients {
			m.overflow++
			return
		}
		stats = &ClientStats{
			Identity:       identity,
			FirstRequestAt: now,
		}
		m.clientStats[identity] = stats
	}

	stats.TotalRequests++
	if outcome == OutcomeAllow {
		stats.AllowedRequests++
	} else {
		stats.BlockedRequests++
	}
	stats.LastOutcome = outcome
	stats.LastReason = reason
	stats.LastRequestAt = now
}

// RecordEscalation counts a tier change.
func (m *Metrics) RecordEscalation(from, to string) {
	m.escalations.Add(1)
	m.prom.escalations.WithLabelValues(from, to).Inc()
}

// SetListed publishes the current number of listed targets per tier.
func (m *Metrics) SetListed(tier string, n int) {
	m.prom.listed.WithLabelValues(tier).Set(float64(n))
}

// Forget drops the per-client entry for identity.
func (m *Metrics) Forget(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clientStats, identity)
}

// GetSnapshot returns a snapshot of current metrics.
func (m *Metrics) GetSnapshot() *Snapshot {
	m.mu.RLock()
	top := make([]*ClientStats, 0, len(m.clientStats))
	for _, stats := range m.clientStats {
		c := *stats
		top = append(top, &c)
	}
	unique := int64(len(m.clientStats))
	overflow := m.overflow
	m.mu.RUnlock()

	slices.SortFunc(top, func(a, b *ClientStats) int {
		if c := cmp.Compare(b.TotalRequests, a.TotalRequests); c != 0 {
			return c
		}
		return cmp.Compare(a.Identity, b.Identity)
	})
	if len(top) > topClients {
		top = top[:topClients]
	}

	return &Snapshot{
		TotalRequests:       m.totalRequests.Load(),
		AllowedRequests:     m.allowed.Load(),
		DeniedRequests:      m.denied.Load(),
		QuarantinedRequests: m.quarantined.Load(),
		SinkholedRequests:   m.sinkholed.Load(),
		BlackholedRequests:  m.blackholed.Load(),
		Escalations:         m.escalations.Load(),
		UniqueClients:       unique,
		UntrackedClients:    overflow,
		TopClients:          top,
		UptimeSeconds:       int64(time.Since(m.startTime).Seconds()),
		StartTime:           m.startTime,
	}
}

// Snapshot represents a point-in-time view of metrics.
type Snapshot struct {
	TotalRequests       int64          `json:"total_requests"`
	AllowedRequests     int64          `json:"allowed_requests"`
	DeniedRequests      int64          `json:"denied_requests"`
	QuarantinedRequests int64          `json:"quarantined_requests"`
	SinkholedRequests   int64          `json:"sinkholed_requests"`
	BlackholedRequests  int64          `json:"blackholed_requests"`
	Escalations         int64          `json:"escalations"`
	UniqueClients       int64          `json:"unique_clients"`
	UntrackedClients    int64          `json:"untracked_clients"`
	TopClients          []*ClientStats `json:"top_clients"`
	UptimeSeconds       int64          `json:"uptime_seconds"`
	StartTime           time.Time      `json:"start_time"`
}

// BlockedRequests is every request that was not allowed.
func (s *Snapshot) BlockedRequests() int64 {
	return s.TotalRequests - s.AllowedRequests
}
