package ledger

// chainWalker checks entries fed to it in ascending order. It stops at the
// first broken link.
type chainWalker struct {
	next       int64
	prevDigest string
	result     VerificationResult
}

// newChainWalker starts a walk at from. prevDigest is the stored digest of
// entry from-1, or GenesisDigest when from is 1.
func newChainWalker(from, to int64, prevDigest string) *chainWalker {
	return &chainWalker{
		next:       from,
		prevDigest: prevDigest,
		result:     VerificationResult{Valid: true, From: from, To: to},
	}
}

// step checks e and reports whether the walk may continue.
func (w *chainWalker) step(e *Entry) bool {
	switch {
	case e.Sequence != w.next:
		w.fail(w.next, ReasonSequenceGap)
		return false
	case Digest(e) != e.Digest:
		w.fail(e.Sequence, ReasonDigestMismatch)
		return false
	case e.PreviousDigest != w.prevDigest:
		w.fail(e.Sequence, ReasonPreviousDigestMismatch)
		return false
	}
	w.prevDigest = e.Digest
	w.next++
	w.result.Checked++
	return true
}

// finish reports a gap when the walk ended before reaching to.
func (w *chainWalker) finish() VerificationResult {
	if w.result.Valid && w.next <= w.result.To {
		w.fail(w.next, ReasonSequenceGap)
	}
	return w.result
}

func (w *chainWalker) fail(seq int64, reason BreakReason) {
	w.result.Valid = false
	w.result.BrokenAt = &seq
	w.result.Reason = reason
}

// emptyResult is the result for a range that holds no entries.
func emptyResult(from, to int64) VerificationResult {
	return VerificationResult{Valid: true, From: from, To: to}
}
