package threatfence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KanavDutta/threatfence/escalation"
	"github.com/KanavDutta/threatfence/store"
)

// storeTimeout bounds each persistence call made by the cleanup loop.
const storeTimeout = 5 * time.Second

// CleanupReport describes one maintenance pass.
type CleanupReport struct {
	StartedAt  time.Time                `json:"started_at"`
	Reputation int                      `json:"reputation_removed"`
	Limiter    int                      `json:"limiter_removed"`
	Behavior   int                      `json:"behavior_removed"`
	Challenges int                      `json:"challenges_expired"`
	Escalation escalation.CleanupResult `json:"escalation"`
	Elapsed    time.Duration            `json:"elapsed"`
}

// Cleanup runs one maintenance pass over every component. The pass
// start time bounds each component's cleanup so entries touched while it
// runs are kept. Passes never overlap.
func (e *Engine) Cleanup() CleanupReport {
	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()

	start := e.clock()
	began := time.Now()
	report := CleanupReport{
		StartedAt:  start,
		Escalation: e.escalation.Cleanup(start),
		Reputation: e.reputation.Cleanup(start),
		Limiter:    e.limiter.Cleanup(start),
		Behavior:   e.behavior.Cleanup(start),
		Challenges: e.challenges.cleanup(start),
	}
	report.Elapsed = time.Since(began)

	if e.metrics != nil {
		st := e.escalation.Stats()
		e.metrics.SetListed(escalation.Quarantined.String(), st.Quarantined)
		e.metrics.SetListed(escalation.Sinkholed.String(), st.Sinkholed+st.SinkholedSubnets+st.SinkholedFingerprints)
		e.metrics.SetListed(escalation.Blackholed.String(), st.Blackholed+st.BlackholedSubnets)
	}

	e.logger.Info("cleanup_complete",
		"component", "pipeline",
		"reputation_removed", report.Reputation,
		"limiter_removed", report.Limiter,
		"behavior_removed", report.Behavior,
		"challenges_expired", report.Challenges,
		"quarantines_expired", report.Escalation.ExpiredQuarantines,
		"violations_trimmed", report.Escalation.TrimmedViolations,
		"identities_removed", report.Escalation.RemovedIdentities,
		"elapsed", report.Elapsed,
	)
	return report
}

// StartBackgroundCleanup starts a goroutine that runs Cleanup every
// cleanup_interval and saves threat state when a store is attached.
// Returns a function to stop the goroutine; it waits for a running pass.
func (e *Engine) StartBackgroundCleanup() func() {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	if e.closed.Load() {
		return func() {}
	}
	if e.stopCleanup != nil {
		return e.stopCleanup
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := e.config.Load().CleanupInterval
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				e.Cleanup()
				if e.store != nil {
					ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
					if err := e.SaveState(ctx); err != nil {
						e.logger.Warn("state_save_failed", "component", "pipeline", "error", err)
					}
					cancel()
				}
				if next := e.config.Load().CleanupInterval; next != interval {
					interval = next
					ticker.Reset(interval)
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			wg.Wait()
			e.stopMu.Lock()
			e.stopCleanup = nil
			e.stopMu.Unlock()
		})
	}
	e.stopCleanup = stop
	return stop
}

// SaveState writes escalation listings and list overrides to the
// attached store. Without a store it does nothing.
func (e *Engine) SaveState(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	whitelist, blacklist := e.reputation.Overrides()
	state := &store.State{
		SavedAt:    e.clock(),
		Escalation: e.escalation.Snapshot(),
		Whitelist:  whitelist,
		Blacklist:  blacklist,
	}
	if err := e.store.Save(ctx, e.config.Load().StateKey, state); err != nil {
		return fmt.Errorf("%w: save: %w", ErrStoreFailed, err)
	}
	return nil
}

// LoadState merges previously saved state into the engine. Listings only
// raise tiers; expired quarantines are skipped. Returns the number of
// listings and overrides applied.
func (e *Engine) LoadState(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	state, err := e.store.Load(ctx, e.config.Load().StateKey)
	if err != nil {
		return 0, fmt.Errorf("%w: load: %w", ErrStoreFailed, err)
	}
	if state == nil {
		return 0, nil
	}

	for _, identity := range state.Whitelist {
		e.reputation.Whitelist(identity)
	}
	for _, identity := range state.Blacklist {
		e.reputation.Blacklist(identity)
	}
	applied := len(state.Whitelist) + len(state.Blacklist) + e.escalation.Restore(state.Escalation)

	e.logger.Info("state_loaded",
		"component", "pipeline",
		"saved_at", state.SavedAt,
		"applied", applied,
	)
	return applied, nil
}

// Close stops background cleanup, saves state and closes the store.
// It is safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)

		e.stopMu.Lock()
		stop := e.stopCleanup
		e.stopMu.Unlock()
		if stop != nil {
			stop()
		}

		if e.store == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := e.SaveState(ctx); err != nil {
			e.closeErr = err
		}
		if err := e.store.Close(); err != nil && e.closeErr == nil {
			e.closeErr = fmt.Errorf("%w: close: %w", ErrStoreFailed, err)
		}
	})
	return e.closeErr
}
