package protocol

import (
	"bytes"

	"go.uber.org/zap"
)

// Reassembler recovers complete frames from the raw reads of one session.
// Bytes left over after the last complete frame (the carry) are prepended to
// the next Feed call, so frames split or concatenated arbitrarily across
// reads decode identically to a single contiguous read.
//
// A Reassembler is owned by exactly one session and is not safe for
// concurrent use.
type Reassembler struct {
	codec Codec
	carry []byte
}

func NewReassembler(c Codec) *Reassembler { return &Reassembler{codec: c} }

// CarryLen reports the number of buffered bytes awaiting completion.
func (r *Reassembler) CarryLen() int { return len(r.carry) }

// Feed appends p to the carry and invokes emit for every complete frame, in
// order. Emitted payloads alias the internal buffer and are valid only for
// the duration of the emit call; callers that retain a payload must copy it.
func (r *Reassembler) Feed(p []byte, emit func(Frame)) {
	r.carry = append(r.carry, p...)
	off := 0
scan:
	for off < len(r.carry) {
		f, n, err := r.codec.decodeOne(r.carry[off:])
		switch err {
		case nil:
			off += n
			emit(f)
		case errBadFrame:
			zap.L().Warn("frame desync, resynchronizing",
				zap.Int("skipped", n),
				zap.Int("buffered", len(r.carry)-off))
			off += n
		default: // errNeedMore
			break scan
		}
	}
	rem := r.carry[off:]
	if len(rem) == 0 {
		r.carry = r.carry[:0]
		return
	}
	// A peer that advertises a length it never completes is a protocol
	// violation; cap the carry at one maximal frame and resynchronize.
	if max := r.codec.FramedSize(r.codec.readLimit); len(rem) > max {
		zap.L().Warn("carry over ceiling, discarding", zap.Int("dropped", len(rem)))
		if i := bytes.Index(rem, []byte(Terminator)); i >= 0 {
			rem = rem[i+len(Terminator):]
		} else {
			rem = nil
		}
	}
	// Overlapping move of the remainder to the front of the carry.
	n := copy(r.carry, rem)
	r.carry = r.carry[:n]
}

// Reset drops any carried bytes. Used when a session is torn down.
func (r *Reassembler) Reset() { r.carry = r.carry[:0] }
