package integrity

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/quorumledger/internal/ledger"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubLedger struct {
	ledger.Ledger
	res ledger.VerificationResult
	err error
}

func (s *stubLedger) Verify(context.Context, int64, int64) (ledger.VerificationResult, error) {
	return s.res, s.err
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestCheck_validChain(t *testing.T) {
	l := ledger.New()
	_, _ = l.Append(context.Background(), "alice", "x.y", "t", "1", nil)
	_, _ = l.Append(context.Background(), "alice", "x.y", "t", "1", nil)

	m := New(l, 0, zap.NewNop())
	if m.Last() != nil {
		t.Fatal("Last() before first run should be nil")
	}

	var outcomes []string
	m.SetResultRecorder(func(o string, _ time.Duration) { outcomes = append(outcomes, o) })

	rep := m.Check(context.Background())
	if !rep.Valid || rep.Checked != 2 {
		t.Errorf("report: %+v", rep)
	}
	if last := m.Last(); last == nil || last.Checked != 2 {
		t.Errorf("Last(): %+v", last)
	}
	if len(outcomes) != 1 || outcomes[0] != "valid" {
		t.Errorf("outcomes: %v", outcomes)
	}
}

func TestCheck_brokenChain(t *testing.T) {
	at := int64(7)
	m := New(&stubLedger{res: ledger.VerificationResult{BrokenAt: &at, Reason: ledger.ReasonDigestMismatch}}, 0, zap.NewNop())

	var outcome string
	m.SetResultRecorder(func(o string, _ time.Duration) { outcome = o })

	rep := m.Check(context.Background())
	if rep.Valid || *rep.BrokenAt != 7 {
		t.Errorf("report: %+v", rep)
	}
	if outcome != "broken" {
		t.Errorf("outcome: %q", outcome)
	}
}

func TestCheck_ledgerUnavailable(t *testing.T) {
	m := New(&stubLedger{err: ledger.ErrLedgerUnavailable}, 0, zap.NewNop())

	var outcome string
	m.SetResultRecorder(func(o string, _ time.Duration) { outcome = o })

	rep := m.Check(context.Background())
	if rep.Error == "" || outcome != "error" {
		t.Errorf("report: %+v, outcome %q", rep, outcome)
	}
}

func TestStart_runsUntilCancelled(t *testing.T) {
	m := New(ledger.New(), 5*time.Millisecond, zap.NewNop())
	runs := make(chan string, 100)
	m.SetResultRecorder(func(o string, _ time.Duration) { runs <- o })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	select {
	case <-runs:
	case <-time.After(time.Second):
		t.Fatal("no verification run within 1s")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStart_disabled(t *testing.T) {
	m := New(ledger.New(), 0, zap.NewNop())
	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start with interval 0 should return immediately")
	}
}

