package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelDeterministic(t *testing.T) {
	run := func() []byte {
		var got []byte
		ch := New(Scenario{LossRate: 0.3, ReorderRate: 0.1, Seed: 7}, func(p Packet) {
			got = append(got, p.Data[0])
		})
		for i := 0; i < 200; i++ {
			ch.Send(KindOriginal, []byte{byte(i)})
		}
		ch.Flush()
		return got
	}
	assert.Equal(t, run(), run(), "same seed, same trace")
}

func TestChannelLossRate(t *testing.T) {
	ch := New(Scenario{LossRate: 0.2, Seed: 1}, func(Packet) {})
	for i := 0; i < 10000; i++ {
		ch.Send(KindOriginal, []byte{1})
	}
	rate := float64(ch.Dropped) / float64(ch.Sent)
	assert.InDelta(t, 0.2, rate, 0.03)
}

func TestChannelBurstLoss(t *testing.T) {
	ch := New(Scenario{LossRate: 0.2, MeanBurst: 8, Seed: 3}, func(Packet) {})
	for i := 0; i < 20000; i++ {
		ch.Send(KindOriginal, []byte{1})
	}
	rate := float64(ch.Dropped) / float64(ch.Sent)
	assert.InDelta(t, 0.2, rate, 0.05, "burst model holds the long-run rate")
}

func TestChannelReorderSwapsNeighbors(t *testing.T) {
	var got []byte
	ch := New(Scenario{ReorderRate: 1, Seed: 9}, func(p Packet) {
		got = append(got, p.Data[0])
	})
	ch.Send(KindOriginal, []byte{0})
	ch.Send(KindOriginal, []byte{1})
	ch.Flush()
	require.Equal(t, []byte{1, 0}, got)
}

func TestChannelDuplicate(t *testing.T) {
	count := 0
	ch := New(Scenario{DuplicateRate: 1, Seed: 2}, func(Packet) { count++ })
	ch.Send(KindOriginal, []byte{5})
	assert.Equal(t, 2, count)
}

func TestChannelCopiesData(t *testing.T) {
	var got []byte
	ch := New(Scenario{Seed: 4}, func(p Packet) { got = p.Data })
	buf := []byte{42}
	ch.Send(KindRecovery, buf)
	buf[0] = 0
	require.Equal(t, byte(42), got[0])
}
