// Package ccatwire frames codec packets for a datagram transport.
//
// Sequence numbers travel truncated to 24 bits; the receiver expands
// them against its decoder window position. Both frame types are fixed
// little-endian headers followed by the raw payload, so the overhead is
// 3 bytes per original and 5 bytes per recovery.
package ccatwire

import (
	"errors"
	"fmt"

	"github.com/Buanderie/CauchyCaterpillar/ccat"
)

const (
	// OriginalOverhead is the framing cost of an original packet.
	OriginalOverhead = 3
	// RecoveryOverhead is the framing cost of a recovery packet.
	RecoveryOverhead = 5

	sequenceBits = 24
	sequenceMask = 1<<sequenceBits - 1
)

var errShortFrame = errors.New("ccatwire: frame too short")

// TruncateSequence reduces a 64-bit sequence to its wire form.
func TruncateSequence(sequence uint64) uint32 {
	return uint32(sequence & sequenceMask)
}

// ExpandSequence reconstructs the 64-bit sequence whose low 24 bits are
// trunc, choosing the candidate closest to ref.
func ExpandSequence(trunc uint32, ref uint64) uint64 {
	candidate := (ref &^ sequenceMask) | uint64(trunc)
	const span = uint64(1) << sequenceBits
	if candidate > ref {
		if candidate-ref > span/2 && candidate >= span {
			return candidate - span
		}
		return candidate
	}
	if ref-candidate > span/2 {
		return candidate + span
	}
	return candidate
}

// AppendOriginal appends the framed original to dst and returns the
// extended slice.
func AppendOriginal(dst []byte, o ccat.Original) []byte {
	seq := TruncateSequence(o.Sequence)
	dst = append(dst, byte(seq), byte(seq>>8), byte(seq>>16))
	return append(dst, o.Payload...)
}

// ParseOriginal decodes a framed original. ref is the receiving
// decoder's SequenceEnd.
func ParseOriginal(frame []byte, ref uint64) (ccat.Original, error) {
	if len(frame) <= OriginalOverhead {
		return ccat.Original{}, errShortFrame
	}
	trunc := uint32(frame[0]) | uint32(frame[1])<<8 | uint32(frame[2])<<16
	return ccat.Original{
		Sequence: ExpandSequence(trunc, ref),
		Payload:  frame[OriginalOverhead:],
	}, nil
}

// AppendRecovery appends the framed recovery to dst and returns the
// extended slice.
func AppendRecovery(dst []byte, r ccat.Recovery) []byte {
	seq := TruncateSequence(r.SequenceStart)
	count := r.SequenceEnd - r.SequenceStart
	dst = append(dst, byte(seq), byte(seq>>8), byte(seq>>16))
	dst = append(dst, byte(count), r.MatrixRow)
	return append(dst, r.Payload...)
}

// ParseRecovery decodes a framed recovery packet.
func ParseRecovery(frame []byte, ref uint64) (ccat.Recovery, error) {
	if len(frame) <= RecoveryOverhead {
		return ccat.Recovery{}, errShortFrame
	}
	trunc := uint32(frame[0]) | uint32(frame[1])<<8 | uint32(frame[2])<<16
	count := uint64(frame[3])
	if count == 0 || count > ccat.MaxRecoveryColumns {
		return ccat.Recovery{}, fmt.Errorf("ccatwire: bad recovery span %d", count)
	}
	start := ExpandSequence(trunc, ref)
	return ccat.Recovery{
		SequenceStart: start,
		SequenceEnd:   start + count,
		MatrixRow:     frame[4],
		Payload:       frame[RecoveryOverhead:],
	}, nil
}

// Codec pairs a session with the framing so callers move []byte frames
// only.
type Codec struct {
	Session *ccat.Session
}

// FrameOriginal encodes payload into the session and returns the frame
// to transmit.
func (c *Codec) FrameOriginal(payload []byte) ([]byte, error) {
	o, err := c.Session.EncodeOriginal(payload)
	if err != nil {
		return nil, err
	}
	return AppendOriginal(make([]byte, 0, OriginalOverhead+len(payload)), o), nil
}

// FrameRecovery emits one recovery frame, or nil with ccat.ErrNeedsMoreData
// when the window has nothing new to protect.
func (c *Codec) FrameRecovery() ([]byte, error) {
	r, err := c.Session.EncodeRecovery()
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, RecoveryOverhead+len(r.Payload))
	return AppendRecovery(frame, r), nil
}

// HandleOriginal parses and decodes a received original frame.
func (c *Codec) HandleOriginal(frame []byte) error {
	o, err := ParseOriginal(frame, c.Session.SequenceEnd())
	if err != nil {
		return err
	}
	return c.Session.DecodeOriginal(o)
}

// HandleRecovery parses and decodes a received recovery frame.
func (c *Codec) HandleRecovery(frame []byte) error {
	r, err := ParseRecovery(frame, c.Session.SequenceEnd())
	if err != nil {
		return err
	}
	return c.Session.DecodeRecovery(r)
}
