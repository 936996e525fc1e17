package ccat

import "encoding/binary"

// originalPacket is one slot of the decoder ring. data is the payload
// prepended with its 2-byte length; nil means the slot is empty.
type originalPacket struct {
	data []byte
}

// recoveryPacket is a stored recovery row, linked into a list sorted by
// SequenceStart (ties by SequenceEnd).
type recoveryPacket struct {
	next *recoveryPacket
	prev *recoveryPacket

	data          []byte
	sequenceStart uint64
	sequenceEnd   uint64
	matrixRow     uint8
}

// expandResult describes how the decoder window moved to admit a span.
type expandResult int

const (
	expandInWindow expandResult = iota
	expandShifted
	expandOutOfWindow
	expandEvacuated
)

// decoder tracks received originals in a rotating ring, losses in a
// bitset aligned to that ring, and pending recovery rows in a sorted
// list. Recovered packets are pushed to the session callback.
type decoder struct {
	alloc       *allocator
	onRecovered func(Original)

	lost     lossWindow
	packets  [DecoderWindowSize]originalPacket
	rotation int

	// Window invariant: sequenceBase <= sequenceEnd <= sequenceBase+DecoderWindowSize.
	sequenceBase uint64
	sequenceEnd  uint64

	recoveryFirst *recoveryPacket
	recoveryLast  *recoveryPacket
	recoveryCount int

	stats Stats

	solver solverState
}

func (d *decoder) init(alloc *allocator, onRecovered func(Original)) {
	d.alloc = alloc
	d.onRecovered = onRecovered
	// Everything is lost until received.
	d.lost.setAll()
}

// getPacket returns the slot for a 0-based window element, applying the
// ring rotation.
func (d *decoder) getPacket(element int) *originalPacket {
	element += d.rotation
	if element >= DecoderWindowSize {
		element -= DecoderWindowSize
	}
	return &d.packets[element]
}

// lostInRange counts losses in the sequence range [start, end), which
// must lie inside the window.
func (d *decoder) lostInRange(start, end uint64) int {
	return d.lost.rangePopcount(int(start-d.sequenceBase), int(end-d.sequenceBase))
}

// evacuate empties the window and restarts it at base.
func (d *decoder) evacuate(base, end uint64) {
	for i := range d.packets {
		if d.packets[i].data != nil {
			d.alloc.free(d.packets[i].data)
			d.packets[i].data = nil
		}
	}
	d.rotation = 0
	d.lost.setAll()
	d.sequenceBase = base
	d.sequenceEnd = end
	d.clearRecoveryList()
}

// expandWindow grows [sequenceBase, sequenceEnd) to cover
// [seqStart, seqStart+count). Slides happen in 64-sequence quanta so the
// loss bitset can shift whole words.
func (d *decoder) expandWindow(seqStart uint64, count int) expandResult {
	newEnd := seqStart + uint64(count)
	if newEnd <= d.sequenceEnd {
		return expandInWindow
	}

	if seqStart >= d.sequenceEnd+DecoderWindowSize {
		// A gap larger than the whole window: nothing old can ever be
		// completed, start over at the new span.
		d.evacuate(seqStart, newEnd)
		return expandOutOfWindow
	}

	if newEnd-d.sequenceBase <= DecoderWindowSize {
		// Room to grow without moving the base. The new high offsets
		// are already marked lost.
		d.sequenceEnd = newEnd
		return expandInWindow
	}

	shift := newEnd - d.sequenceBase - DecoderWindowSize
	words := int((shift + 63) / 64)
	shiftBits := words * 64

	if shiftBits >= DecoderWindowSize {
		d.evacuate(seqStart, newEnd)
		return expandEvacuated
	}

	// Release slots leaving the low end; their ring positions become
	// the vacated high slots.
	for i := 0; i < shiftBits; i++ {
		p := d.getPacket(i)
		if p.data != nil {
			d.alloc.free(p.data)
			p.data = nil
		}
	}
	d.rotation = (d.rotation + shiftBits) % DecoderWindowSize
	d.lost.shiftDownWords(words)
	d.sequenceBase += uint64(shiftBits)
	d.sequenceEnd = newEnd
	d.cleanupRecoveryList()
	return expandShifted
}

// clearRecoveryList frees every stored recovery row.
func (d *decoder) clearRecoveryList() {
	for p := d.recoveryFirst; p != nil; {
		next := p.next
		d.alloc.free(p.data)
		p.next, p.prev = nil, nil
		p = next
	}
	d.recoveryFirst, d.recoveryLast = nil, nil
	d.recoveryCount = 0
}

// cleanupRecoveryList drops rows from the front that reference sequences
// below the window base; their originals are gone and the rows can never
// participate in a solve again.
func (d *decoder) cleanupRecoveryList() {
	for p := d.recoveryFirst; p != nil && p.sequenceStart < d.sequenceBase; {
		next := p.next
		d.unlinkRecovery(p)
		p = next
	}
}

func (d *decoder) unlinkRecovery(p *recoveryPacket) {
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		d.recoveryFirst = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	} else {
		d.recoveryLast = p.prev
	}
	d.alloc.free(p.data)
	p.next, p.prev, p.data = nil, nil, nil
	d.recoveryCount--
}

// storeRecovery copies the recovery into the sorted list.
func (d *decoder) storeRecovery(r Recovery) error {
	data := d.alloc.alloc(len(r.Payload))
	if data == nil {
		return ErrOutOfMemory
	}
	copy(data, r.Payload)

	p := &recoveryPacket{
		data:          data,
		sequenceStart: r.SequenceStart,
		sequenceEnd:   r.SequenceEnd,
		matrixRow:     r.MatrixRow,
	}

	// Insert before the first entry that sorts after p, scanning from
	// the tail since arrivals are mostly in order.
	after := d.recoveryLast
	for after != nil {
		if after.sequenceStart < p.sequenceStart ||
			(after.sequenceStart == p.sequenceStart && after.sequenceEnd <= p.sequenceEnd) {
			break
		}
		after = after.prev
	}
	if after == nil {
		p.next = d.recoveryFirst
		if d.recoveryFirst != nil {
			d.recoveryFirst.prev = p
		}
		d.recoveryFirst = p
		if d.recoveryLast == nil {
			d.recoveryLast = p
		}
	} else {
		p.prev = after
		p.next = after.next
		after.next = p
		if p.next != nil {
			p.next.prev = p
		} else {
			d.recoveryLast = p
		}
	}
	d.recoveryCount++
	return nil
}

// storeOriginal writes a length-prefixed copy of the payload into the
// slot for its sequence and clears the loss bit.
func (d *decoder) storeOriginal(sequence uint64, payload []byte) error {
	data := d.alloc.alloc(lengthPrefixBytes + len(payload))
	if data == nil {
		return ErrOutOfMemory
	}
	binary.LittleEndian.PutUint16(data, uint16(len(payload)))
	copy(data[lengthPrefixBytes:], payload)

	element := int(sequence - d.sequenceBase)
	p := d.getPacket(element)
	if p.data != nil {
		// Should be unreachable: the loss bit gated this path.
		d.alloc.free(p.data)
	}
	p.data = data
	d.lost.clear(element)
	return nil
}

// decodeOriginal runs the original-packet intake of the codec.
func (d *decoder) decodeOriginal(o Original) error {
	if len(o.Payload) == 0 || len(o.Payload) > MaxPacketBytes {
		return ErrInvalidInput
	}
	d.stats.OriginalsReceived++

	if o.Sequence < d.sequenceBase {
		d.stats.Duplicates++
		return ErrDuplicateData
	}
	d.expandWindow(o.Sequence, 1)

	element := int(o.Sequence - d.sequenceBase)
	if !d.lost.isLost(element) {
		d.stats.Duplicates++
		return ErrDuplicateData
	}
	if err := d.storeOriginal(o.Sequence, o.Payload); err != nil {
		return err
	}

	d.stats.Delivered++
	d.onRecovered(o)

	d.cleanupRecoveryList()
	return d.findSolutionsContaining(o.Sequence)
}

// decodeRecovery runs the recovery-packet intake of the codec.
func (d *decoder) decodeRecovery(r Recovery) error {
	if r.SequenceStart >= r.SequenceEnd ||
		r.SequenceEnd-r.SequenceStart > MaxRecoveryColumns ||
		len(r.Payload) == 0 {
		return ErrInvalidInput
	}
	d.stats.RecoveriesReceived++

	if r.SequenceEnd <= d.sequenceBase {
		d.stats.Duplicates++
		return ErrDuplicateData
	}
	if r.SequenceStart < d.sequenceBase {
		// The row references evicted originals and can never be
		// eliminated down to its losses.
		d.stats.UselessRecoveries++
		return ErrDuplicateData
	}

	d.expandWindow(r.SequenceStart, int(r.SequenceEnd-r.SequenceStart))

	lossCount := d.lostInRange(r.SequenceStart, r.SequenceEnd)
	if lossCount == 0 {
		// Everything it covers already arrived.
		d.stats.UselessRecoveries++
		return nil
	}
	if lossCount == 1 {
		return d.solveLostOne(r.MatrixRow, r.SequenceStart, r.SequenceEnd, r.Payload)
	}
	if err := d.storeRecovery(r); err != nil {
		return err
	}
	return d.findSolutions()
}

// solveLostOne recovers the single missing original under a recovery
// row: XOR out every received original in the span, then divide by the
// surviving coefficient.
func (d *decoder) solveLostOne(matrixRow uint8, start, end uint64, payload []byte) error {
	lostElement := d.lost.findLostInRange(int(start-d.sequenceBase), int(end-d.sequenceBase))
	if lostElement < 0 {
		return ErrNeedsMoreData
	}
	lostSequence := d.sequenceBase + uint64(lostElement)

	work := d.alloc.alloc(len(payload))
	if work == nil {
		return ErrOutOfMemory
	}
	copy(work, payload)

	for seq := start; seq < end; seq++ {
		if seq == lostSequence {
			continue
		}
		p := d.getPacket(int(seq - d.sequenceBase))
		if p.data == nil {
			continue
		}
		gfMulAddBytes(work, p.data, recoveryCoefficient(matrixRow, seq))
	}

	if matrixRow != ParityRow {
		gfMulBytes(work, work, gfRecip[recoveryCoefficient(matrixRow, lostSequence)])
	}

	size := int(binary.LittleEndian.Uint16(work))
	if size == 0 || size > len(work)-lengthPrefixBytes {
		// The arithmetic produced an impossible length prefix; count it
		// and keep the slot lost for other rows.
		d.stats.SolveFailures++
		d.stats.FailureSequence = lostSequence
		d.alloc.free(work)
		return ErrNeedsMoreData
	}

	slot := d.getPacket(lostElement)
	if slot.data != nil {
		d.alloc.free(slot.data)
	}
	slot.data = work[:lengthPrefixBytes+size]
	d.lost.clear(lostElement)

	d.stats.Recovered++
	d.onRecovered(Original{
		Sequence: lostSequence,
		Payload:  slot.data[lengthPrefixBytes:],
	})

	return d.findSolutionsContaining(lostSequence)
}

// findSolutionsContaining revisits stored rows whose span covers the
// just-filled sequence: rows left with no losses are dropped, rows down
// to one loss are solved immediately, and the multi-loss walk runs if
// anything is left.
func (d *decoder) findSolutionsContaining(sequence uint64) error {
	for restart := true; restart; {
		restart = false
		for p := d.recoveryFirst; p != nil; p = p.next {
			if p.sequenceStart > sequence {
				break
			}
			if sequence >= p.sequenceEnd {
				continue
			}
			lossCount := d.lostInRange(p.sequenceStart, p.sequenceEnd)
			if lossCount > 1 {
				continue
			}
			if lossCount == 0 {
				next := p
				d.unlinkRecovery(next)
				restart = true
				break
			}
			row, start, end, data := p.matrixRow, p.sequenceStart, p.sequenceEnd, p.data
			// Detach first: solving can recurse into this walk.
			d.unlinkRecoveryKeepData(p)
			err := d.solveLostOne(row, start, end, data)
			d.alloc.free(data)
			if err != nil && err != ErrNeedsMoreData {
				return err
			}
			restart = true
			break
		}
	}
	if d.recoveryFirst == nil {
		return nil
	}
	return d.findSolutions()
}

// unlinkRecoveryKeepData removes p from the list without freeing its
// payload; the caller still needs the bytes.
func (d *decoder) unlinkRecoveryKeepData(p *recoveryPacket) {
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		d.recoveryFirst = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	} else {
		d.recoveryLast = p.prev
	}
	p.next, p.prev = nil, nil
	d.recoveryCount--
}

// releaseAll drops every buffer the decoder holds.
func (d *decoder) releaseAll() {
	d.clearRecoveryList()
	for i := range d.packets {
		if d.packets[i].data != nil {
			d.alloc.free(d.packets[i].data)
			d.packets[i].data = nil
		}
	}
}
