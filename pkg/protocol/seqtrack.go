package protocol

import "go.uber.org/zap"

// SeqTracker performs loss detection over the 8-bit frame sequence number of
// a datagram link. Loss and reorder are detected, never recovered: a rejected
// frame is simply dropped by the caller.
//
// One tracker is owned per peer by that peer's receive path; it is not safe
// for concurrent use.
type SeqTracker struct {
	last uint8
}

// Accept reports whether candidate is the next expected sequence number.
// The counter starts at zero, so the first accepted frame carries sequence 1,
// and 255 wraps to 0 as valid continuation.
//
// On a mismatch the tracker logs the gap and, when candidate is ahead, jumps
// forward to it so a reorder burst cannot desynchronize it permanently.
func (t *SeqTracker) Accept(candidate uint8) bool {
	if candidate == t.last+1 { // uint8 arithmetic wraps 255 -> 0
		t.last = candidate
		return true
	}
	zap.L().Warn("sequence gap detected, dropping frame",
		zap.Uint8("expected", t.last+1),
		zap.Uint8("got", candidate))
	if candidate > t.last {
		t.last = candidate
	}
	return false
}

// Last returns the most recently accepted (or resynchronized-to) sequence.
func (t *SeqTracker) Last() uint8 { return t.last }

// SeqCounter stamps outbound datagram frames. The first call yields 1 to
// match a fresh receiver-side tracker, and the counter wraps with uint8
// arithmetic.
type SeqCounter struct {
	n uint8
}

// Next returns the sequence number for the next outbound frame.
func (c *SeqCounter) Next() uint8 {
	c.n++
	return c.n
}
