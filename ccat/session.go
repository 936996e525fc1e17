package ccat

import (
	"errors"
	"time"
)

// Settings configures one codec session.
type Settings struct {
	// Window caps how long an original stays eligible for new recovery
	// spans. Zero disables the age cap; the ring size still bounds the
	// span to MaxEncoderWindowSize packets.
	Window time.Duration

	// WindowPackets caps the encoder's live window, which is further
	// capped at MaxEncoderWindowSize. Zero means DecoderWindowSize;
	// anything larger than DecoderWindowSize is rejected. It does not
	// change the decoder window, which always tracks DecoderWindowSize
	// sequences.
	WindowPackets int

	// AllocatorBudget caps outstanding buffer bytes per codec half.
	// Zero selects a default large enough for any window shape.
	AllocatorBudget int

	// OnRecovered receives every delivered original: packets accepted
	// by DecodeOriginal and packets reconstructed from recovery rows.
	// It is called synchronously from the decode functions, at most
	// once per sequence number, in no particular sequence order.
	OnRecovered func(Original)
}

// Stats is a snapshot of session counters.
type Stats struct {
	OriginalsSent      uint64
	RecoveriesSent     uint64
	OriginalsReceived  uint64
	RecoveriesReceived uint64

	// Delivered counts originals passed to the callback on receipt;
	// Recovered counts originals the solver reconstructed.
	Delivered uint64
	Recovered uint64

	Duplicates        uint64
	UselessRecoveries uint64

	// Solver outcomes. SolveSuccesses counts multi-loss solves that
	// recovered data. SolveFailures counts rank-deficient multi-loss
	// solves and recovered buffers rejected for an impossible length
	// prefix, on the single-loss path too. FailureSequence is the
	// sequence recorded by the latest failure: the lowest lost sequence
	// of a rank-deficient span, or the sequence whose buffer was
	// rejected.
	SolveSuccesses  uint64
	SolveFailures   uint64
	FailureSequence uint64
}

// Session is one end of a protected datagram flow. The encoder and
// decoder halves share no mutable state: each owns its allocator, so
// the two may be driven from different goroutines under separate
// external locks. Everything else requires external mutual exclusion.
type Session struct {
	settings Settings

	encAlloc *allocator
	decAlloc *allocator
	enc      encoder
	dec      decoder
}

// NewSession validates settings and returns a ready session.
func NewSession(settings Settings) (*Session, error) {
	if settings.OnRecovered == nil {
		return nil, errors.New("ccat: OnRecovered callback is required")
	}
	if settings.WindowPackets < 0 || settings.WindowPackets > DecoderWindowSize {
		return nil, ErrInvalidInput
	}
	if settings.WindowPackets == 0 {
		settings.WindowPackets = DecoderWindowSize
	}

	s := &Session{
		settings: settings,
		encAlloc: newAllocator(settings.AllocatorBudget),
		decAlloc: newAllocator(settings.AllocatorBudget),
	}
	maxWindow := settings.WindowPackets
	if maxWindow > MaxEncoderWindowSize {
		maxWindow = MaxEncoderWindowSize
	}
	s.enc = encoder{
		alloc:      s.encAlloc,
		maxWindow:  maxWindow,
		nextRow:    1,
		windowUsec: uint64(settings.Window / time.Microsecond),
		nowUsec:    monotonicUsec,
	}
	s.dec.init(s.decAlloc, settings.OnRecovered)
	return s, nil
}

var sessionEpoch = time.Now()

func monotonicUsec() uint64 {
	return uint64(time.Since(sessionEpoch) / time.Microsecond)
}

// EncodeOriginal assigns the next sequence number to payload, buffers
// it for future recovery spans, and returns the stamped original to
// send. The payload is copied; the caller keeps ownership of its slice.
func (s *Session) EncodeOriginal(payload []byte) (Original, error) {
	return s.enc.encodeOriginal(payload)
}

// EncodeRecovery emits one recovery packet over the live encoder
// window. It returns ErrNeedsMoreData while fewer than two originals
// are buffered or no original arrived since the last recovery. The
// returned payload is valid until the next EncodeRecovery call.
func (s *Session) EncodeRecovery() (Recovery, error) {
	return s.enc.encodeRecovery()
}

// DecodeOriginal feeds a received original to the decoder. Duplicates
// and late packets are swallowed; the callback fires for every newly
// delivered original, including ones a recovery row completes.
func (s *Session) DecodeOriginal(o Original) error {
	return apiResult(s.dec.decodeOriginal(o))
}

// DecodeRecovery feeds a received recovery packet to the decoder,
// solving immediately when possible and storing the row otherwise.
func (s *Session) DecodeRecovery(r Recovery) error {
	return apiResult(s.dec.decodeRecovery(r))
}

// SequenceEnd is the highest sequence the decoder has seen plus one.
// The framing layer uses it as the reference for reconstructing
// truncated wire sequences.
func (s *Session) SequenceEnd() uint64 {
	return s.dec.sequenceEnd
}

// Stats returns a snapshot of the session counters. It reads both
// codec halves; callers driving the halves from separate goroutines
// must hold both locks around it.
func (s *Session) Stats() Stats {
	stats := s.dec.stats
	stats.OriginalsSent = s.enc.originalsSent
	stats.RecoveriesSent = s.enc.recoveriesSent
	return stats
}

// Close releases every outstanding buffer of both codec halves. The
// session must not be used afterwards.
func (s *Session) Close() {
	s.dec.releaseAll()
	s.encAlloc.releaseAll()
	s.decAlloc.releaseAll()
}

// apiResult translates internal progress kinds into API results:
// NeedsMoreData and DuplicateData are not failures at this boundary.
func apiResult(err error) error {
	if err == ErrNeedsMoreData || err == ErrDuplicateData {
		return nil
	}
	return err
}
