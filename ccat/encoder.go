package ccat

import "encoding/binary"

// encoderElement is one buffered original in the encoder ring.
type encoderElement struct {
	// sendUsec is when the original entered the window, in microseconds.
	sendUsec uint64

	// data is the payload prepended with its 2-byte length, so rows of
	// mixed payload sizes can be combined without separate size arrays.
	data []byte
}

// encoder buffers the most recent originals in a ring and emits recovery
// packets over the live span. One matrix column is consumed per original
// and one matrix row per Cauchy recovery.
type encoder struct {
	alloc *allocator

	window    [MaxEncoderWindowSize]encoderElement
	nextIndex int
	count     int

	// maxWindow is the live-element cap, at most MaxEncoderWindowSize.
	maxWindow int

	nextSequence uint64
	nextColumn   uint8

	// nextRow cycles 1..255; row 0 is reserved for XOR parity.
	nextRow uint8

	// nextParitySequence is where the next parity row's span must begin.
	nextParitySequence uint64

	// lastRecoverySequence is NextSequence as of the last emitted
	// recovery, used to refuse redundant rows over an unchanged window.
	// A parity row does not arm the check: its Cauchy complement over
	// the same span is independent coverage, not a repeat.
	lastRecoverySequence uint64
	sentRecovery         bool
	lastRecoveryParity   bool

	// windowUsec caps the age of span members; 0 disables the cap.
	windowUsec uint64
	nowUsec    func() uint64

	originalsSent  uint64
	recoveriesSent uint64

	// recoveryData is the scratch the last recovery was built in. It is
	// reused across calls; the returned Recovery aliases it until the
	// next EncodeRecovery call.
	recoveryData []byte
}

// oldestIndex returns the ring index of the oldest live element.
func (e *encoder) oldestIndex() int {
	i := e.nextIndex - e.count
	if i < 0 {
		i += MaxEncoderWindowSize
	}
	return i
}

// encodeOriginal assigns the next sequence number, stores the original
// in the window, and advances the matrix column.
func (e *encoder) encodeOriginal(payload []byte) (Original, error) {
	if len(payload) == 0 || len(payload) > MaxPacketBytes {
		return Original{}, ErrInvalidInput
	}

	data := e.alloc.alloc(lengthPrefixBytes + len(payload))
	if data == nil {
		return Original{}, ErrOutOfMemory
	}
	binary.LittleEndian.PutUint16(data, uint16(len(payload)))
	copy(data[lengthPrefixBytes:], payload)

	for e.count >= e.maxWindow {
		// Drop the oldest element to make room.
		oldest := &e.window[e.oldestIndex()]
		e.alloc.free(oldest.data)
		oldest.data = nil
		e.count--
	}
	e.window[e.nextIndex] = encoderElement{
		sendUsec: e.nowUsec(),
		data:     data,
	}
	e.nextIndex = (e.nextIndex + 1) % MaxEncoderWindowSize
	e.count++

	sequence := e.nextSequence
	e.nextSequence++
	e.nextColumn++
	e.originalsSent++

	return Original{Sequence: sequence, Payload: payload}, nil
}

// expireOldElements drops window elements older than windowUsec so a
// recovery span never stretches past the configured duration.
func (e *encoder) expireOldElements() {
	if e.windowUsec == 0 || e.count == 0 {
		return
	}
	now := e.nowUsec()
	for e.count > 1 {
		oldest := &e.window[e.oldestIndex()]
		if now-oldest.sendUsec <= e.windowUsec {
			break
		}
		e.alloc.free(oldest.data)
		oldest.data = nil
		e.count--
	}
}

// encodeRecovery emits one recovery packet over the live window span.
// The returned payload aliases internal scratch and is valid until the
// next call.
func (e *encoder) encodeRecovery() (Recovery, error) {
	if e.nextRow == 0 {
		e.nextRow = 1
	}
	e.expireOldElements()

	if e.count < 2 {
		return Recovery{}, ErrNeedsMoreData
	}
	if e.sentRecovery && !e.lastRecoveryParity && e.lastRecoverySequence == e.nextSequence {
		// Nothing new since the last Cauchy row over this span.
		return Recovery{}, ErrNeedsMoreData
	}

	count := e.count
	spanStart := e.nextSequence - uint64(count)
	spanEnd := e.nextSequence

	maxBytes := 0
	for j := 0; j < count; j++ {
		elem := &e.window[(e.oldestIndex()+j)%MaxEncoderWindowSize]
		if len(elem.data) > maxBytes {
			maxBytes = len(elem.data)
		}
	}

	if cap(e.recoveryData) < maxBytes {
		e.recoveryData = make([]byte, maxBytes)
	}
	out := e.recoveryData[:maxBytes]
	for i := range out {
		out[i] = 0
	}

	var row uint8
	if spanStart >= e.nextParitySequence {
		// Parity rows cover disjoint window slices; each one starts
		// where the previous parity coverage ended.
		row = ParityRow
		for j := 0; j < count; j++ {
			elem := &e.window[(e.oldestIndex()+j)%MaxEncoderWindowSize]
			xorBytes(out, elem.data)
		}
		e.nextParitySequence = spanEnd
	} else {
		row = e.nextRow
		e.nextRow++
		if e.nextRow == 0 {
			e.nextRow = 1
		}
		for j := 0; j < count; j++ {
			elem := &e.window[(e.oldestIndex()+j)%MaxEncoderWindowSize]
			col := e.nextColumn - uint8(count) + uint8(j)
			gfMulAddBytes(out, elem.data, cauchyCoefficient(row, col))
		}
	}

	e.lastRecoverySequence = e.nextSequence
	e.sentRecovery = true
	e.lastRecoveryParity = row == ParityRow
	e.recoveriesSent++

	return Recovery{
		SequenceStart: spanStart,
		SequenceEnd:   spanEnd,
		MatrixRow:     row,
		Payload:       out,
	}, nil
}
