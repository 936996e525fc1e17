package ccat

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// streamFixture drives a tx/rx pair with scripted losses.
type streamFixture struct {
	t    *testing.T
	tx   *Session
	rx   *Session
	sink *deliverySink

	originals []Original
}

func newStreamFixture(t *testing.T) *streamFixture {
	tx, rx, sink := newSessionPair(t)
	return &streamFixture{t: t, tx: tx, rx: rx, sink: sink}
}

func (f *streamFixture) encode(n int, payloadLen int, rng *rand.Rand) {
	for i := 0; i < n; i++ {
		p := make([]byte, payloadLen)
		for j := range p {
			p[j] = byte(rng.Intn(256))
		}
		o, err := f.tx.EncodeOriginal(p)
		require.NoError(f.t, err)
		f.originals = append(f.originals, Original{
			Sequence: o.Sequence,
			Payload:  append([]byte(nil), o.Payload...),
		})
	}
}

func (f *streamFixture) recovery() Recovery {
	r, err := f.tx.EncodeRecovery()
	require.NoError(f.t, err)
	r.Payload = append([]byte(nil), r.Payload...)
	return r
}

func (f *streamFixture) feedSurvivors(lost map[uint64]bool) {
	for _, o := range f.originals {
		if lost[o.Sequence] {
			continue
		}
		require.NoError(f.t, f.rx.DecodeOriginal(o))
	}
}

func (f *streamFixture) verifyAll() {
	for _, o := range f.originals {
		require.Equal(f.t, 1, f.sink.fires[o.Sequence], "sequence %d", o.Sequence)
		require.Equal(f.t, o.Payload, f.sink.payloads[o.Sequence], "sequence %d", o.Sequence)
	}
}

// Three losses, three rows (parity + two Cauchy) over a growing span.
func TestSolveThreeLosses(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	f := newStreamFixture(t)

	f.encode(8, 32, rng)
	r0 := f.recovery() // parity [0,8)
	f.encode(2, 32, rng)
	r1 := f.recovery() // cauchy [0,10)
	f.encode(2, 32, rng)
	r2 := f.recovery() // cauchy [0,12)

	lost := map[uint64]bool{1: true, 6: true, 9: true}
	f.feedSurvivors(lost)
	require.NoError(t, f.rx.DecodeRecovery(r0))
	require.NoError(t, f.rx.DecodeRecovery(r1))
	require.NoError(t, f.rx.DecodeRecovery(r2))

	f.verifyAll()
	assert.NotZero(t, f.rx.Stats().SolveSuccesses)
}

// Losses solved incrementally: a stored two-loss row becomes solvable
// once an original fills one of its holes.
func TestStoredRecoveryUnlockedByLateOriginal(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	f := newStreamFixture(t)

	f.encode(6, 24, rng)
	r := f.recovery()

	lost := map[uint64]bool{2: true, 4: true}
	late := f.originals[4]
	f.feedSurvivors(lost)

	require.NoError(t, f.rx.DecodeRecovery(r))
	assert.Zero(t, f.sink.fires[2], "two losses cannot solve yet")

	require.NoError(t, f.rx.DecodeOriginal(late))
	assert.Equal(t, 1, f.sink.fires[4])
	assert.Equal(t, 1, f.sink.fires[2], "stored row solved by the late arrival")
	f.verifyAll()
}

// A solved span cascades: recovering one original reduces a second
// stored row to one loss.
func TestSolveCascade(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	f := newStreamFixture(t)

	f.encode(5, 16, rng)
	r0 := f.recovery() // parity [0,5)
	f.encode(5, 16, rng)
	r1 := f.recovery() // cauchy [0,10)

	// One loss in the first slice, one in the second. r0 solves the
	// first; that reduces r1 to a single loss and it solves too.
	lost := map[uint64]bool{3: true, 8: true}
	f.feedSurvivors(lost)
	require.NoError(t, f.rx.DecodeRecovery(r1))
	assert.Zero(t, f.sink.fires[8])
	require.NoError(t, f.rx.DecodeRecovery(r0))

	f.verifyAll()
}

// Heavier randomized check across loss patterns and span shapes.
func TestSolveRandomizedLossPatterns(t *testing.T) {
	for trial := 0; trial < 40; trial++ {
		trial := trial
		t.Run(fmt.Sprintf("trial%d", trial), func(t *testing.T) {
			rng := rand.New(rand.NewSource(int64(100 + trial)))
			f := newStreamFixture(t)

			var recoveries []Recovery
			lost := map[uint64]bool{}
			total := 30 + rng.Intn(40)
			sent := 0
			for sent < total {
				burst := 1 + rng.Intn(6)
				if sent+burst > total {
					burst = total - sent
				}
				f.encode(burst, 8+rng.Intn(48), rng)
				sent += burst
				if f.tx.enc.count < 2 {
					continue
				}
				recoveries = append(recoveries, f.recovery())
				// At most one loss per burst keeps every suffix of
				// losses covered by at least as many recovery rows.
				if rng.Intn(2) == 0 {
					lost[uint64(sent-1-rng.Intn(burst))] = true
				}
			}

			f.feedSurvivors(lost)
			for _, r := range recoveries {
				require.NoError(t, f.rx.DecodeRecovery(r))
			}
			f.verifyAll()
		})
	}
}

// The matrix construction must produce what the encoder produced.
func TestMatrixMatchesEncoderCoefficients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	f := newStreamFixture(t)
	f.encode(12, 20, rng)
	f.tx.enc.nextParitySequence = 1 << 40 // cauchy only
	r := f.recovery()
	require.NotEqual(t, uint8(ParityRow), r.MatrixRow)

	// Reconstruct the row payload by hand from the originals.
	maxLen := 0
	buffers := make([][]byte, len(f.originals))
	for i, o := range f.originals {
		buf := make([]byte, lengthPrefixBytes+len(o.Payload))
		buf[0] = byte(len(o.Payload))
		buf[1] = byte(len(o.Payload) >> 8)
		copy(buf[lengthPrefixBytes:], o.Payload)
		buffers[i] = buf
		if len(buf) > maxLen {
			maxLen = len(buf)
		}
	}
	want := make([]byte, maxLen)
	for i, buf := range buffers {
		gfMulAddBytes(want, buf, recoveryCoefficient(r.MatrixRow, uint64(i)))
	}
	assert.Equal(t, want, r.Payload)
}
