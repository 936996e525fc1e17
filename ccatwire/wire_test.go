package ccatwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Buanderie/CauchyCaterpillar/ccat"
)

func TestExpandSequence(t *testing.T) {
	cases := []struct {
		trunc uint32
		ref   uint64
		want  uint64
	}{
		{0, 0, 0},
		{5, 3, 5},
		{0xFFFFFF, 0, 0xFFFFFF},
		// Just behind the reference.
		{9, 12, 9},
		// Reference crossed a 24-bit boundary; low truncs are ahead.
		{2, 0xFFFFF0, 0x1000002},
		// High truncs near a boundary are behind the reference.
		{0xFFFFFE, 0x1000005, 0xFFFFFE},
		// Deep stream positions keep the high bits of the reference.
		{0x000010, 0x30FFFFF8, 0x31000010},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExpandSequence(tc.trunc, tc.ref),
			"trunc=%#x ref=%#x", tc.trunc, tc.ref)
	}
}

func TestExpandSequenceRoundTrip(t *testing.T) {
	// Any sequence within half a wrap of the reference survives
	// truncation.
	refs := []uint64{0, 100, 0xFFFFFF, 0x1000000, 0x12345678, 1 << 40}
	offsets := []int64{-2000000, -1, 0, 1, 2000000}
	for _, ref := range refs {
		for _, off := range offsets {
			seq := int64(ref) + off
			if seq < 0 {
				continue
			}
			got := ExpandSequence(TruncateSequence(uint64(seq)), ref)
			require.Equal(t, uint64(seq), got, "ref=%#x off=%d", ref, off)
		}
	}
}

func TestOriginalFrameRoundTrip(t *testing.T) {
	o := ccat.Original{Sequence: 0x123456, Payload: []byte("hello")}
	frame := AppendOriginal(nil, o)
	require.Len(t, frame, OriginalOverhead+5)

	parsed, err := ParseOriginal(frame, 0x123450)
	require.NoError(t, err)
	assert.Equal(t, o.Sequence, parsed.Sequence)
	assert.Equal(t, o.Payload, parsed.Payload)

	_, err = ParseOriginal(frame[:OriginalOverhead], 0)
	assert.Error(t, err)
}

func TestRecoveryFrameRoundTrip(t *testing.T) {
	r := ccat.Recovery{
		SequenceStart: 0xFFFFFA,
		SequenceEnd:   0xFFFFFA + 20,
		MatrixRow:     7,
		Payload:       []byte{1, 2, 3, 4},
	}
	frame := AppendRecovery(nil, r)
	require.Len(t, frame, RecoveryOverhead+4)

	parsed, err := ParseRecovery(frame, 0xFFFFF0)
	require.NoError(t, err)
	assert.Equal(t, r.SequenceStart, parsed.SequenceStart)
	assert.Equal(t, r.SequenceEnd, parsed.SequenceEnd)
	assert.Equal(t, r.MatrixRow, parsed.MatrixRow)
	assert.Equal(t, r.Payload, parsed.Payload)
}

func TestParseRecoveryRejectsBadSpans(t *testing.T) {
	frame := []byte{0, 0, 0, 0, 1, 0xAA}
	_, err := ParseRecovery(frame, 0)
	assert.Error(t, err, "zero span")

	frame = []byte{0, 0, 0, ccat.MaxRecoveryColumns + 1, 1, 0xAA}
	_, err = ParseRecovery(frame, 0)
	assert.Error(t, err, "oversized span")
}

func TestCodecEndToEnd(t *testing.T) {
	delivered := map[uint64][]byte{}
	rx, err := ccat.NewSession(ccat.Settings{OnRecovered: func(o ccat.Original) {
		delivered[o.Sequence] = append([]byte(nil), o.Payload...)
	}})
	require.NoError(t, err)
	defer rx.Close()
	tx, err := ccat.NewSession(ccat.Settings{OnRecovered: func(ccat.Original) {}})
	require.NoError(t, err)
	defer tx.Close()

	txCodec := &Codec{Session: tx}
	rxCodec := &Codec{Session: rx}

	var frames [][]byte
	for i := 0; i < 8; i++ {
		frame, err := txCodec.FrameOriginal([]byte{byte('a' + i)})
		require.NoError(t, err)
		frames = append(frames, frame)
	}
	rec, err := txCodec.FrameRecovery()
	require.NoError(t, err)

	for i, frame := range frames {
		if i == 5 {
			continue // lost in transit
		}
		require.NoError(t, rxCodec.HandleOriginal(frame))
	}
	require.NoError(t, rxCodec.HandleRecovery(rec))

	require.Len(t, delivered, 8)
	assert.Equal(t, []byte{'a' + 5}, delivered[5])
}
