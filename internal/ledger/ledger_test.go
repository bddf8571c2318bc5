package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/jmerrifield20/quorumledger/internal/ledger"
)

var ctx = context.Background()

func TestAppend_firstEntryChainsToGenesis(t *testing.T) {
	l := ledger.New()

	e, err := l.Append(ctx, "alice", "config.changed", "config", "retention", map[string]int{"days": 30})
	if err != nil {
		t.Fatal(err)
	}
	if e.Sequence != 1 {
		t.Errorf("sequence: got %d, want 1", e.Sequence)
	}
	if e.PreviousDigest != ledger.GenesisDigest {
		t.Errorf("previous digest: got %q, want GenesisDigest", e.PreviousDigest)
	}
	if e.Digest != ledger.Digest(e) {
		t.Error("returned digest does not match recomputed digest")
	}
	if len(e.Digest) != 64 {
		t.Errorf("digest length: got %d, want 64 hex chars", len(e.Digest))
	}
}

func TestAppend_chainsCorrectly(t *testing.T) {
	l := ledger.New()

	var prev *ledger.Entry
	for i := 0; i < 10; i++ {
		e, err := l.Append(ctx, "alice", "record.touched", "record", "r1", map[string]int{"i": i})
		if err != nil {
			t.Fatal(err)
		}
		if prev != nil && e.PreviousDigest != prev.Digest {
			t.Fatalf("entry %d: previous digest %q, want %q", e.Sequence, e.PreviousDigest, prev.Digest)
		}
		if e.Sequence != int64(i+1) {
			t.Fatalf("entry %d: unexpected sequence %d", i, e.Sequence)
		}
		prev = e
	}

	res, err := l.Verify(ctx, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.BrokenAt != nil {
		t.Errorf("Verify on untouched chain: %+v", res)
	}
	if res.Checked != 10 {
		t.Errorf("checked: got %d, want 10", res.Checked)
	}
	if err := res.Err(); err != nil {
		t.Errorf("Err() on valid result: %v", err)
	}
}

func TestAppend_rejectsMissingActorOrAction(t *testing.T) {
	l := ledger.New()

	if _, err := l.Append(ctx, "", "x.y", "t", "1", nil); !errors.Is(err, ledger.ErrInvalidRecord) {
		t.Errorf("empty actor: got %v, want ErrInvalidRecord", err)
	}
	if _, err := l.Append(ctx, "alice", "", "t", "1", nil); !errors.Is(err, ledger.ErrInvalidRecord) {
		t.Errorf("empty action: got %v, want ErrInvalidRecord", err)
	}

	tail, _ := l.Tail(ctx)
	if tail.Sequence != 0 {
		t.Errorf("rejected appends must not consume sequence numbers, tail=%d", tail.Sequence)
	}
}

func TestAppend_concurrentWritersProduceGapFreeChain(t *testing.T) {
	l := ledger.New()

	const writers = 50
	var wg sync.WaitGroup
	seqs := make(chan int64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := l.Append(ctx, "writer", "record.touched", "record", "r", map[string]int{"writer": i})
			if err != nil {
				t.Error(err)
				return
			}
			seqs <- e.Sequence
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool, writers)
	for s := range seqs {
		if seen[s] {
			t.Errorf("sequence %d handed out twice", s)
		}
		seen[s] = true
	}
	for s := int64(1); s <= writers; s++ {
		if !seen[s] {
			t.Errorf("sequence %d missing", s)
		}
	}

	res, err := l.Verify(ctx, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Errorf("chain invalid after concurrent appends: %+v", res)
	}
}

func TestDigest_independentOfKeyOrder(t *testing.T) {
	a, b := ledger.New(), ledger.New()

	ea, err := a.Append(ctx, "alice", "x.y", "t", "1", json.RawMessage(`{"b":2,"a":{"z":1,"y":[3,{"k":"v","c":null}]}}`))
	if err != nil {
		t.Fatal(err)
	}
	eb, err := b.Append(ctx, "alice", "x.y", "t", "1", json.RawMessage(` { "a" : { "y":[3,{"c":null,"k":"v"}],"z":1 }, "b":2 } `))
	if err != nil {
		t.Fatal(err)
	}

	if string(ea.Changes) != string(eb.Changes) {
		t.Errorf("canonical changes differ: %s vs %s", ea.Changes, eb.Changes)
	}

	// Timestamps differ between the two ledgers; line them up before comparing.
	eb.Timestamp = ea.Timestamp
	if ledger.Digest(ea) != ledger.Digest(eb) {
		t.Error("digests differ for payloads that differ only in key order")
	}
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, `null`},
		{"sorted keys", map[string]any{"b": 1, "a": 2}, `{"a":2,"b":1}`},
		{"numbers kept literal", json.RawMessage(`{"n":1.50,"big":12345678901234567890}`), `{"big":12345678901234567890,"n":1.50}`},
		{"no html escaping", map[string]string{"q": "<a&b>"}, `{"q":"<a&b>"}`},
		{"empty raw", json.RawMessage(``), `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ledger.Canonicalize(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCanonicalize_rejectsTrailingData(t *testing.T) {
	if _, err := ledger.Canonicalize(json.RawMessage(`{"a":1} {"b":2}`)); err == nil {
		t.Error("expected error for two concatenated JSON values")
	}
}

func TestGet(t *testing.T) {
	l := ledger.New()
	e, _ := l.Append(ctx, "alice", "x.y", "t", "1", nil)

	got, err := l.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Digest != e.Digest {
		t.Errorf("Get(1): digest %q, want %q", got.Digest, e.Digest)
	}

	if _, err := l.Get(ctx, 2); !errors.Is(err, ledger.ErrEntryNotFound) {
		t.Errorf("Get(2): got %v, want ErrEntryNotFound", err)
	}
	if _, err := l.Get(ctx, 0); !errors.Is(err, ledger.ErrEntryNotFound) {
		t.Errorf("Get(0): got %v, want ErrEntryNotFound", err)
	}
}

func TestGet_returnsCopy(t *testing.T) {
	l := ledger.New()
	_, _ = l.Append(ctx, "alice", "x.y", "t", "1", map[string]int{"a": 1})

	got, _ := l.Get(ctx, 1)
	got.Actor = "mallory"
	got.Changes[0] = '['

	res, _ := l.Verify(ctx, 1, 0)
	if !res.Valid {
		t.Error("mutating a returned entry must not affect the stored chain")
	}
}

func TestRange(t *testing.T) {
	l := ledger.New()
	for i := 0; i < 5; i++ {
		_, _ = l.Append(ctx, "alice", "x.y", "t", "1", nil)
	}

	tests := []struct {
		from, to  int64
		wantFirst int64
		wantLen   int
	}{
		{1, 0, 1, 5},
		{2, 4, 2, 3},
		{4, 100, 4, 2},
		{0, 2, 1, 2},
		{6, 0, 0, 0},
	}
	for _, tt := range tests {
		got, err := l.Range(ctx, tt.from, tt.to)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != tt.wantLen {
			t.Errorf("Range(%d,%d): got %d entries, want %d", tt.from, tt.to, len(got), tt.wantLen)
			continue
		}
		if tt.wantLen > 0 && got[0].Sequence != tt.wantFirst {
			t.Errorf("Range(%d,%d): first sequence %d, want %d", tt.from, tt.to, got[0].Sequence, tt.wantFirst)
		}
	}
}

func TestVerify_subRange(t *testing.T) {
	l := ledger.New()
	for i := 0; i < 8; i++ {
		_, _ = l.Append(ctx, "alice", "x.y", "t", "1", map[string]int{"i": i})
	}

	res, err := l.Verify(ctx, 3, 6)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Checked != 4 {
		t.Errorf("Verify(3,6): %+v, want valid with 4 checked", res)
	}
	if res.From != 3 || res.To != 6 {
		t.Errorf("Verify(3,6): reported range [%d,%d]", res.From, res.To)
	}
}

func TestVerify_emptyLedger(t *testing.T) {
	l := ledger.New()
	res, err := l.Verify(ctx, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Checked != 0 {
		t.Errorf("empty ledger: %+v", res)
	}
}

func TestTail(t *testing.T) {
	l := ledger.New()

	tail, err := l.Tail(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tail.Sequence != 0 || tail.Digest != ledger.GenesisDigest {
		t.Errorf("empty tail: %+v", tail)
	}

	_, _ = l.Append(ctx, "alice", "x.y", "t", "1", nil)
	e, _ := l.Append(ctx, "alice", "x.y", "t", "1", nil)

	tail, _ = l.Tail(ctx)
	if tail.Sequence != 2 || tail.Digest != e.Digest {
		t.Errorf("Tail: got %+v, want {2 %s}", tail, e.Digest)
	}
}

func TestAppendObserver(t *testing.T) {
	l := ledger.New()
	var calls int
	l.SetAppendObserver(func(e *ledger.Entry, attempts int) {
		calls++
		if attempts != 1 {
			t.Errorf("uncontended append took %d attempts", attempts)
		}
	})

	_, _ = l.Append(ctx, "alice", "x.y", "t", "1", nil)
	_, _ = l.Append(ctx, "alice", "x.y", "t", "1", nil)
	if calls != 2 {
		t.Errorf("observer calls: got %d, want 2", calls)
	}
}

func TestSequenceAllocator(t *testing.T) {
	a := ledger.NewSequenceAllocator()

	r := a.Reserve()
	if r.Sequence != 1 || r.PreviousDigest != ledger.GenesisDigest {
		t.Fatalf("first reservation: %+v", r)
	}

	// Two writers reserve the same slot; only the first commit wins.
	r2 := a.Reserve()
	if err := a.Commit(r.Sequence, "d1"); err != nil {
		t.Fatal(err)
	}
	if err := a.Commit(r2.Sequence, "d1-bis"); !errors.Is(err, ledger.ErrOutOfOrderCommit) {
		t.Errorf("second commit of sequence 1: got %v, want ErrOutOfOrderCommit", err)
	}

	next := a.Reserve()
	if next.Sequence != 2 || next.PreviousDigest != "d1" {
		t.Errorf("reservation after commit: %+v", next)
	}
	if err := a.Commit(5, "d5"); !errors.Is(err, ledger.ErrOutOfOrderCommit) {
		t.Errorf("commit skipping ahead: got %v, want ErrOutOfOrderCommit", err)
	}
	if tail := a.Tail(); tail.Sequence != 1 || tail.Digest != "d1" {
		t.Errorf("tail: %+v", tail)
	}
}

func TestVerificationResult_Err(t *testing.T) {
	at := int64(4)
	res := ledger.VerificationResult{Valid: false, BrokenAt: &at, Reason: ledger.ReasonDigestMismatch}
	if !errors.Is(res.Err(), ledger.ErrChainBroken) {
		t.Errorf("Err(): got %v, want ErrChainBroken", res.Err())
	}
}
