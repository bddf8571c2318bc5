// Package integrity periodically replays the audit chain and reports whether
// it is still intact.
package integrity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/quorumledger/internal/ledger"
)

// Report is the outcome of one verification run.
type Report struct {
	ledger.VerificationResult
	CheckedAt time.Time     `json:"checked_at"`
	Duration  time.Duration `json:"duration_ns"`
	Error     string        `json:"error,omitempty"`
}

// ResultRecordFunc is an optional callback for recording verification runs.
// outcome is "valid", "broken" or "error".
type ResultRecordFunc func(outcome string, d time.Duration)

// Monitor runs periodic full-chain verification.
type Monitor struct {
	ledger   ledger.Ledger
	interval time.Duration
	onResult ResultRecordFunc
	logger   *zap.Logger

	mu   sync.RWMutex
	last *Report
}

// New creates a Monitor. interval <= 0 disables the periodic loop; Check
// still works on demand.
func New(l ledger.Ledger, interval time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{ledger: l, interval: interval, logger: logger}
}

// SetResultRecorder configures the result callback.
func (m *Monitor) SetResultRecorder(fn ResultRecordFunc) {
	m.onResult = fn
}

// Start runs the verification loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, m.interval)
			m.Check(runCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// Check verifies the whole chain once and stores the report.
func (m *Monitor) Check(ctx context.Context) Report {
	start := time.Now()
	res, err := m.ledger.Verify(ctx, 1, 0)
	rep := Report{VerificationResult: res, CheckedAt: start.UTC(), Duration: time.Since(start)}

	outcome := "valid"
	switch {
	case err != nil:
		outcome = "error"
		rep.Error = err.Error()
		m.logger.Error("integrity: verification failed to run", zap.Error(err))
	case !res.Valid:
		outcome = "broken"
		m.logger.Error("integrity: ledger chain broken",
			zap.Int64("broken_at", *res.BrokenAt),
			zap.String("reason", string(res.Reason)),
		)
	default:
		m.logger.Debug("integrity: ledger chain verified",
			zap.Int64("checked", res.Checked),
			zap.Duration("duration", rep.Duration),
		)
	}

	if m.onResult != nil {
		m.onResult(outcome, rep.Duration)
	}

	m.mu.Lock()
	m.last = &rep
	m.mu.Unlock()
	return rep
}

// Last returns the most recent report, or nil before the first run.
func (m *Monitor) Last() *Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return nil
	}
	cp := *m.last
	return &cp
}
