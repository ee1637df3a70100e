// Package protocol implements the framewire wire format: length-prefixed,
// terminator-checked frames with an optional 8-bit sequence number for
// datagram links, plus the reassembly and loss-detection state machines that
// sit between a raw socket and the application callback.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout, all integers little-endian:
//
//	stream:    [u16 length][payload...]["<EOM>"]
//	datagram:  [u16 length][u8 sequence][payload...]["<EOM>"]
//
// length counts payload bytes only, never the prefix fields or the terminator.
const (
	// Terminator marks the end of every frame. The length prefix locates it
	// in O(1); the literal is verified as a secondary boundary check.
	Terminator = "<EOM>"

	streamPrefixSize   = 2
	datagramPrefixSize = 3
)

// Default per-socket buffer ceilings, applied when a Codec is built with
// zero limits.
const (
	DefaultReadLimit = 16 * 1024
	DefaultSendLimit = 8 * 1024
)

// MaxPayload is the largest payload the u16 length prefix can describe.
const MaxPayload = 65535

// Frame is one decoded message.
type Frame struct {
	Payload []byte
	Seq     uint8 // meaningful only on sequenced (datagram) codecs
}

// OversizeError reports an outbound payload whose fully framed size exceeds
// the send ceiling.
type OversizeError struct {
	FrameSize int
	Limit     int
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("framed message of %d bytes exceeds send limit %d by %d",
		e.FrameSize, e.Limit, e.FrameSize-e.Limit)
}

// Excess returns the number of bytes over the limit.
func (e *OversizeError) Excess() int { return e.FrameSize - e.Limit }

// Scan-loop sentinels. errNeedMore means the buffer may still complete into a
// frame and must be carried forward; errBadFrame means bytes were consumed
// while resynchronizing past a corrupt candidate.
var (
	errNeedMore = errors.New("incomplete frame")
	errBadFrame = errors.New("malformed frame")
)

// Codec encodes and decodes frames for one link. Codecs are pure values with
// no I/O and are safe to copy.
type Codec struct {
	sequenced bool
	readLimit int
	sendLimit int
}

// NewCodec builds a codec. sequenced selects the datagram prefix with the
// extra sequence byte. Non-positive limits fall back to the defaults.
func NewCodec(sequenced bool, readLimit, sendLimit int) Codec {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	if sendLimit <= 0 {
		sendLimit = DefaultSendLimit
	}
	return Codec{sequenced: sequenced, readLimit: readLimit, sendLimit: sendLimit}
}

func (c Codec) Sequenced() bool { return c.sequenced }
func (c Codec) ReadLimit() int  { return c.readLimit }
func (c Codec) SendLimit() int  { return c.sendLimit }

func (c Codec) prefixSize() int {
	if c.sequenced {
		return datagramPrefixSize
	}
	return streamPrefixSize
}

// FramedSize returns the on-wire size of a payload of n bytes.
func (c Codec) FramedSize(n int) int { return c.prefixSize() + n + len(Terminator) }

// CheckSize validates that a payload of n bytes fits the send ceiling, so
// callers can reject a send before committing side effects such as a
// sequence number.
func (c Codec) CheckSize(n int) error {
	if total := c.FramedSize(n); n > MaxPayload || total > c.sendLimit {
		return &OversizeError{FrameSize: total, Limit: c.sendLimit}
	}
	return nil
}

// Encode frames payload, stamping seq when the codec is sequenced. The empty
// payload is valid and frames to prefix+terminator only.
func (c Codec) Encode(payload []byte, seq uint8) ([]byte, error) {
	if err := c.CheckSize(len(payload)); err != nil {
		return nil, err
	}
	total := c.FramedSize(len(payload))
	out := make([]byte, 0, total)
	var pre [datagramPrefixSize]byte
	binary.LittleEndian.PutUint16(pre[0:2], uint16(len(payload)))
	if c.sequenced {
		pre[2] = seq
		out = append(out, pre[:datagramPrefixSize]...)
	} else {
		out = append(out, pre[:streamPrefixSize]...)
	}
	out = append(out, payload...)
	out = append(out, Terminator...)
	return out, nil
}

// decodeOne parses the first frame in buf and returns it together with the
// number of bytes consumed. The returned payload aliases buf.
func (c Codec) decodeOne(buf []byte) (Frame, int, error) {
	pre := c.prefixSize()
	if len(buf) < pre {
		return Frame{}, 0, errNeedMore
	}
	length := int(binary.LittleEndian.Uint16(buf[0:2]))
	if length > c.readLimit {
		// The prefix itself is garbage; its claimed end cannot be trusted.
		// Resynchronize on the next terminator occurrence instead.
		return Frame{}, resyncSkip(buf), errBadFrame
	}
	end := pre + length + len(Terminator)
	if len(buf) < end {
		return Frame{}, 0, errNeedMore
	}
	if string(buf[pre+length:end]) != Terminator {
		// Boundary desync: skip past where the frame claims to end and keep
		// scanning. Later well-formed frames remain recoverable.
		return Frame{}, end, errBadFrame
	}
	f := Frame{Payload: buf[pre : pre+length]}
	if c.sequenced {
		f.Seq = buf[2]
	}
	return f, end, nil
}

// resyncSkip returns how many bytes to drop to reach the position just past
// the next terminator, or the whole buffer when none is present.
func resyncSkip(buf []byte) int {
	if i := bytes.Index(buf, []byte(Terminator)); i >= 0 {
		return i + len(Terminator)
	}
	return len(buf)
}
