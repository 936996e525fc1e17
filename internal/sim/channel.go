// Package sim provides an in-process lossy datagram channel for tests
// and the eval tool: Bernoulli or burst loss, reordering, and
// duplication, fully deterministic under a seed.
package sim

import (
	"math/rand"

	"github.com/Buanderie/CauchyCaterpillar/internal/dropper"
)

// Scenario describes the channel impairments.
type Scenario struct {
	LossRate      float64 // packet loss probability
	MeanBurst     float64 // >1 switches to Gilbert-Elliott bursts
	ReorderRate   float64 // probability a packet is held and swapped
	DuplicateRate float64 // probability a packet is delivered twice
	Seed          int64
}

// Packet is one datagram in flight; Kind distinguishes codec frame
// types without a wire tag.
type Packet struct {
	Kind PacketKind
	Data []byte
}

type PacketKind uint8

const (
	KindOriginal PacketKind = iota
	KindRecovery
)

// Channel applies a Scenario to a stream of packets and hands survivors
// to the receiver callback.
type Channel struct {
	drop    dropper.Dropper
	rng     *rand.Rand
	sc      Scenario
	deliver func(Packet)

	held    *Packet
	Sent    int
	Dropped int
}

// New builds a channel delivering into the given callback.
func New(sc Scenario, deliver func(Packet)) *Channel {
	rng := rand.New(rand.NewSource(sc.Seed))
	var d dropper.Dropper
	if sc.MeanBurst > 1 {
		d = dropper.NewGilbertElliott(sc.LossRate, sc.MeanBurst, rng)
	} else {
		d = dropper.NewBernoulli(sc.LossRate, rng)
	}
	return &Channel{drop: d, rng: rng, sc: sc, deliver: deliver}
}

// Send pushes one packet through the channel. The data is copied, so
// callers may reuse their buffers.
func (c *Channel) Send(kind PacketKind, data []byte) {
	c.Sent++
	if c.drop.Drop() {
		c.Dropped++
		return
	}
	pkt := Packet{Kind: kind, Data: append([]byte(nil), data...)}

	if c.held != nil {
		// Deliver the newer packet first, then the held one.
		held := *c.held
		c.held = nil
		c.emit(pkt)
		c.emit(held)
		return
	}
	if c.sc.ReorderRate > 0 && c.rng.Float64() < c.sc.ReorderRate {
		c.held = &pkt
		return
	}
	c.emit(pkt)
}

func (c *Channel) emit(pkt Packet) {
	c.deliver(pkt)
	if c.sc.DuplicateRate > 0 && c.rng.Float64() < c.sc.DuplicateRate {
		c.deliver(pkt)
	}
}

// Flush releases any held packet; call when the stream ends.
func (c *Channel) Flush() {
	if c.held != nil {
		held := *c.held
		c.held = nil
		c.emit(held)
	}
}
