package ccat

import "encoding/binary"

// solverRow describes one recovery row of the solution matrix.
type solverRow struct {
	recovery *recoveryPacket

	// Half-open range of solver column indices this row covers.
	colStart int
	colEnd   int
}

// solverColumn describes one lost original the solve will produce.
type solverColumn struct {
	sequence uint64
	slot     *originalPacket
}

// solverState is scratch reused across solves so the hot path does not
// re-allocate matrices.
type solverState struct {
	rowCount      int
	columnCount   int
	solutionBytes int

	rows    [MaxRecoveryRows]solverRow
	columns [MaxRecoveryColumns]solverColumn

	// matrix is rowCount x columnCount, row-major. After elimination it
	// holds the upper-triangular system in pivot order; factors holds
	// the elimination multipliers so the same row operations can be
	// replayed on the payload data.
	matrix  []byte
	factors []byte
	pivotOf [MaxRecoveryColumns]int

	rowData [MaxRecoveryRows][]byte
}

// findSolutions walks the recovery list from the newest row backwards,
// growing a candidate span of overlapping rows until it has at least as
// many rows as lost columns, then attempts a solve. Newer rows go first:
// their losses are shallower and more likely to have converged.
func (d *decoder) findSolutions() error {
	for {
		solved := false
		for anchor := d.recoveryLast; anchor != nil; anchor = anchor.prev {
			spanStart := anchor
			seqLo, seqHi := anchor.sequenceStart, anchor.sequenceEnd
			rows := 1
			cols := d.lostInRange(seqLo, seqHi)
			for {
				if cols >= 2 && rows >= cols && cols <= MaxRecoveryColumns && rows <= MaxRecoveryRows {
					ok, err := d.solve(spanStart, anchor, seqLo, seqHi)
					if err != nil {
						return err
					}
					if ok {
						solved = true
						break
					}
				}
				q := spanStart.prev
				if q == nil || rows == MaxRecoveryRows {
					break
				}
				if q.sequenceEnd <= seqLo {
					// Gap: no shared columns with the candidate.
					break
				}
				if q.sequenceStart < seqLo {
					cols += d.lostInRange(q.sequenceStart, seqLo)
					seqLo = q.sequenceStart
				}
				if q.sequenceEnd > seqHi {
					cols += d.lostInRange(seqHi, q.sequenceEnd)
					seqHi = q.sequenceEnd
				}
				spanStart = q
				rows++
			}
			if solved {
				break
			}
		}
		if !solved {
			return nil
		}
		// A successful solve consumed rows and may have unblocked
		// other spans; scan again from the tail.
	}
}

// solve runs the four-stage pipeline over the rows spanStart..spanEnd
// (inclusive, via next links) and the lost columns of [seqLo, seqHi).
// Returns true if originals were recovered and the span consumed.
func (d *decoder) solve(spanStart, spanEnd *recoveryPacket, seqLo, seqHi uint64) (bool, error) {
	if !d.arraysFromSpans(spanStart, spanEnd, seqLo, seqHi) {
		return false, nil
	}
	if !d.planSolution() {
		d.stats.SolveFailures++
		d.stats.FailureSequence = d.solver.columns[0].sequence
		return false, nil
	}
	if err := d.loadRowData(); err != nil {
		return false, err
	}
	d.eliminateOriginals()
	d.executeSolutionPlan()
	if err := d.reportSolution(); err != nil {
		return false, err
	}
	d.stats.SolveSuccesses++
	d.releaseSpan(spanStart, spanEnd)
	return true, nil
}

// arraysFromSpans builds the column and row descriptor arrays. Returns
// false when the candidate exceeds the solver dimensions.
func (d *decoder) arraysFromSpans(spanStart, spanEnd *recoveryPacket, seqLo, seqHi uint64) bool {
	s := &d.solver

	s.columnCount = 0
	for seq := seqLo; seq < seqHi; seq++ {
		element := int(seq - d.sequenceBase)
		if !d.lost.isLost(element) {
			continue
		}
		if s.columnCount == MaxRecoveryColumns {
			return false
		}
		s.columns[s.columnCount] = solverColumn{
			sequence: seq,
			slot:     d.getPacket(element),
		}
		s.columnCount++
	}
	if s.columnCount < 2 {
		return false
	}

	s.rowCount = 0
	s.solutionBytes = 0
	for p := spanStart; ; p = p.next {
		if s.rowCount == MaxRecoveryRows {
			return false
		}
		colStart := s.columnCount
		for j := 0; j < s.columnCount; j++ {
			if s.columns[j].sequence >= p.sequenceStart {
				colStart = j
				break
			}
		}
		colEnd := s.columnCount
		for j := colStart; j < s.columnCount; j++ {
			if s.columns[j].sequence >= p.sequenceEnd {
				colEnd = j
				break
			}
		}
		s.rows[s.rowCount] = solverRow{recovery: p, colStart: colStart, colEnd: colEnd}
		if len(p.data) > s.solutionBytes {
			s.solutionBytes = len(p.data)
		}
		s.rowCount++
		if p == spanEnd {
			break
		}
	}
	return true
}

// planSolution fills the coefficient matrix and runs Gaussian
// elimination with partial pivoting on it, recording pivot rows and
// multipliers. Returns false when the matrix is rank deficient.
func (d *decoder) planSolution() bool {
	s := &d.solver
	n := s.rowCount * s.columnCount
	if cap(s.matrix) < n {
		s.matrix = make([]byte, n)
		s.factors = make([]byte, n)
	}
	s.matrix = s.matrix[:n]
	s.factors = s.factors[:n]
	for i := range s.matrix {
		s.matrix[i] = 0
		s.factors[i] = 0
	}

	for i := 0; i < s.rowCount; i++ {
		row := &s.rows[i]
		base := i * s.columnCount
		for j := row.colStart; j < row.colEnd; j++ {
			s.matrix[base+j] = recoveryCoefficient(row.recovery.matrixRow, s.columns[j].sequence)
		}
	}

	var used [MaxRecoveryRows]bool
	for c := 0; c < s.columnCount; c++ {
		pivot := -1
		for r := 0; r < s.rowCount; r++ {
			if !used[r] && s.matrix[r*s.columnCount+c] != 0 {
				pivot = r
				break
			}
		}
		if pivot < 0 {
			return false
		}
		used[pivot] = true
		s.pivotOf[c] = pivot
		pivotInv := gfRecip[s.matrix[pivot*s.columnCount+c]]
		for r := 0; r < s.rowCount; r++ {
			if used[r] {
				continue
			}
			a := s.matrix[r*s.columnCount+c]
			if a == 0 {
				continue
			}
			f := gfMul(a, pivotInv)
			s.factors[r*s.columnCount+c] = f
			for cc := c; cc < s.columnCount; cc++ {
				s.matrix[r*s.columnCount+cc] ^= gfMul(f, s.matrix[pivot*s.columnCount+cc])
			}
		}
	}
	return true
}

// loadRowData copies each row's recovery payload into a zero-padded
// working buffer of solutionBytes.
func (d *decoder) loadRowData() error {
	s := &d.solver
	for i := 0; i < s.rowCount; i++ {
		buf := d.alloc.alloc(s.solutionBytes)
		if buf == nil {
			for k := 0; k < i; k++ {
				d.alloc.free(s.rowData[k])
				s.rowData[k] = nil
			}
			return ErrOutOfMemory
		}
		copy(buf, s.rows[i].recovery.data)
		s.rowData[i] = buf
	}
	return nil
}

// eliminateOriginals removes the contribution of every received
// original from each row, leaving each working buffer a combination of
// only the lost columns.
func (d *decoder) eliminateOriginals() {
	s := &d.solver
	for i := 0; i < s.rowCount; i++ {
		rp := s.rows[i].recovery
		for seq := rp.sequenceStart; seq < rp.sequenceEnd; seq++ {
			element := int(seq - d.sequenceBase)
			if d.lost.isLost(element) {
				continue
			}
			slot := d.getPacket(element)
			if slot.data == nil {
				continue
			}
			gfMulAddBytes(s.rowData[i], slot.data, recoveryCoefficient(rp.matrixRow, seq))
		}
	}
}

// executeSolutionPlan replays the recorded row operations on the
// payload buffers, then back-substitutes so that the pivot row of each
// column holds that column's original, length prefix included.
func (d *decoder) executeSolutionPlan() {
	s := &d.solver

	for c := 0; c < s.columnCount; c++ {
		pr := s.pivotOf[c]
		for r := 0; r < s.rowCount; r++ {
			if f := s.factors[r*s.columnCount+c]; f != 0 {
				gfMulAddBytes(s.rowData[r], s.rowData[pr], f)
			}
		}
	}

	for c := s.columnCount - 1; c >= 0; c-- {
		pr := s.pivotOf[c]
		data := s.rowData[pr]
		for cc := c + 1; cc < s.columnCount; cc++ {
			if coeff := s.matrix[pr*s.columnCount+cc]; coeff != 0 {
				gfMulAddBytes(data, s.rowData[s.pivotOf[cc]], coeff)
			}
		}
		if pivot := s.matrix[pr*s.columnCount+c]; pivot != 1 {
			gfMulBytes(data, data, gfRecip[pivot])
		}
	}
}

// reportSolution moves each recovered buffer into its window slot,
// clears the loss bits, and delivers the originals upward in ascending
// sequence order.
func (d *decoder) reportSolution() error {
	s := &d.solver

	for c := 0; c < s.columnCount; c++ {
		col := &s.columns[c]
		data := s.rowData[s.pivotOf[c]]

		size := int(binary.LittleEndian.Uint16(data))
		if size == 0 || size > len(data)-lengthPrefixBytes {
			// Impossible prefix; leave this column lost.
			d.stats.SolveFailures++
			d.stats.FailureSequence = col.sequence
			d.alloc.free(data)
			s.rowData[s.pivotOf[c]] = nil
			continue
		}

		if col.slot.data != nil {
			d.alloc.free(col.slot.data)
		}
		col.slot.data = data[:lengthPrefixBytes+size]
		s.rowData[s.pivotOf[c]] = nil
		d.lost.clear(int(col.sequence - d.sequenceBase))

		d.stats.Recovered++
		d.onRecovered(Original{
			Sequence: col.sequence,
			Payload:  col.slot.data[lengthPrefixBytes:],
		})
	}

	for r := 0; r < s.rowCount; r++ {
		if s.rowData[r] != nil {
			d.alloc.free(s.rowData[r])
			s.rowData[r] = nil
		}
	}
	return nil
}

// releaseSpan frees every row the solve consumed; each now references
// zero losses and can never contribute again.
func (d *decoder) releaseSpan(spanStart, spanEnd *recoveryPacket) {
	for p := spanStart; p != nil; {
		next := p.next
		last := p == spanEnd
		d.unlinkRecovery(p)
		if last {
			break
		}
		p = next
	}
}
