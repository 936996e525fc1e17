package main

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/Buanderie/CauchyCaterpillar/ccat"
	"github.com/Buanderie/CauchyCaterpillar/ccatwire"
	"github.com/Buanderie/CauchyCaterpillar/internal/baseline"
	"github.com/Buanderie/CauchyCaterpillar/internal/metrics"
	"github.com/Buanderie/CauchyCaterpillar/internal/sim"
)

type scenarioConfig struct {
	Scheme      string
	Count       int
	Size        int
	Loss        float64
	MeanBurst   float64
	Reorder     float64
	Redundancy  float64
	Seed        int64
	Out         string
	MetricsAddr string
}

func defaultConfig() scenarioConfig {
	return scenarioConfig{
		Scheme:     "ccat",
		Count:      10000,
		Size:       640,
		Loss:       0.05,
		Redundancy: 0.2,
		Seed:       1,
		Out:        "-",
	}
}

// record is one scenario result, printed as a JSON line.
type record struct {
	Scheme     string  `json:"scheme"`
	Count      int     `json:"count"`
	Size       int     `json:"size"`
	Loss       float64 `json:"loss"`
	MeanBurst  float64 `json:"burst,omitempty"`
	Reorder    float64 `json:"reorder,omitempty"`
	Redundancy float64 `json:"redundancy"`
	Seed       int64   `json:"seed"`

	Sent      int `json:"sent"`
	Dropped   int `json:"dropped"`
	Delivered int `json:"delivered"`
	Recovered int `json:"recovered"`

	SolveSuccesses uint64 `json:"solve_successes,omitempty"`
	SolveFailures  uint64 `json:"solve_failures,omitempty"`

	Mismatches   int     `json:"mismatches"`
	DeliveryRate float64 `json:"delivery_rate"`
	ElapsedMS    int64   `json:"elapsed_ms"`
}

// payloadFor derives the deterministic payload of a sequence so the
// receiver can verify recovered bytes without keeping a transcript.
func payloadFor(sequence uint64, size int) []byte {
	out := make([]byte, size)
	x := sequence*0x9e3779b97f4a7c15 + 0xda942042e4dd58b5
	for i := range out {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		out[i] = byte(x)
	}
	return out
}

func runScenario(cfg scenarioConfig) (record, error) {
	rec := record{
		Scheme:     cfg.Scheme,
		Count:      cfg.Count,
		Size:       cfg.Size,
		Loss:       cfg.Loss,
		MeanBurst:  cfg.MeanBurst,
		Reorder:    cfg.Reorder,
		Redundancy: cfg.Redundancy,
		Seed:       cfg.Seed,
	}
	start := time.Now()
	var err error
	switch cfg.Scheme {
	case "ccat":
		err = runStreaming(cfg, &rec)
	case "xor", "rs", "raptorq":
		err = runBlock(cfg, &rec)
	default:
		err = fmt.Errorf("unknown scheme %q", cfg.Scheme)
	}
	if err != nil {
		return record{}, err
	}
	rec.ElapsedMS = time.Since(start).Milliseconds()
	if cfg.Count > 0 {
		rec.DeliveryRate = float64(rec.Delivered) / float64(cfg.Count)
	}
	return rec, nil
}

// runStreaming streams originals through the channel with interleaved
// recovery packets and counts what the receiving session delivers.
func runStreaming(cfg scenarioConfig, rec *record) error {
	rx, err := ccat.NewSession(ccat.Settings{
		OnRecovered: func(o ccat.Original) {
			rec.Delivered++
			metrics.Delivered.Inc()
			if !bytes.Equal(o.Payload, payloadFor(o.Sequence, cfg.Size)) {
				rec.Mismatches++
			}
		},
	})
	if err != nil {
		return err
	}
	defer rx.Close()

	tx, err := ccat.NewSession(ccat.Settings{OnRecovered: func(ccat.Original) {}})
	if err != nil {
		return err
	}
	defer tx.Close()
	codec := &ccatwire.Codec{Session: rx}

	channel := sim.New(sim.Scenario{
		LossRate:    cfg.Loss,
		MeanBurst:   cfg.MeanBurst,
		ReorderRate: cfg.Reorder,
		Seed:        cfg.Seed,
	}, func(pkt sim.Packet) {
		switch pkt.Kind {
		case sim.KindOriginal:
			_ = codec.HandleOriginal(pkt.Data)
		case sim.KindRecovery:
			_ = codec.HandleRecovery(pkt.Data)
		}
	})

	// One recovery every 1/redundancy originals.
	interval := cfg.Count + 1
	if cfg.Redundancy > 0 {
		interval = int(math.Round(1 / cfg.Redundancy))
		if interval < 1 {
			interval = 1
		}
	}

	for i := 0; i < cfg.Count; i++ {
		o, err := tx.EncodeOriginal(payloadFor(uint64(i), cfg.Size))
		if err != nil {
			return err
		}
		metrics.TxOriginals.Inc()
		channel.Send(sim.KindOriginal, ccatwire.AppendOriginal(nil, o))

		if (i+1)%interval == 0 {
			r, err := tx.EncodeRecovery()
			if err == ccat.ErrNeedsMoreData {
				continue
			}
			if err != nil {
				return err
			}
			metrics.TxRecoveries.Inc()
			channel.Send(sim.KindRecovery, ccatwire.AppendRecovery(nil, r))
		}
	}
	channel.Flush()

	stats := rx.Stats()
	rec.Sent = channel.Sent
	rec.Dropped = channel.Dropped
	rec.Recovered = int(stats.Recovered)
	rec.SolveSuccesses = stats.SolveSuccesses
	rec.SolveFailures = stats.SolveFailures
	metrics.ChannelDrops.Add(float64(channel.Dropped))
	metrics.Recovered.Add(float64(stats.Recovered))
	metrics.SolveSuccesses.Add(float64(stats.SolveSuccesses))
	metrics.SolveFailures.Add(float64(stats.SolveFailures))
	return nil
}

// runBlock protects blocks of K originals with R repair shards and
// reconstructs each block after its shards cross the channel.
func runBlock(cfg scenarioConfig, rec *record) error {
	const blockData = 20
	repairCount := int(math.Ceil(cfg.Redundancy * blockData))
	if repairCount < 1 {
		repairCount = 1
	}

	var scheme baseline.Scheme
	switch cfg.Scheme {
	case "xor":
		scheme = baseline.XOR{}
		repairCount = 1
	case "rs":
		rs, err := baseline.NewReedSolomon(blockData, repairCount)
		if err != nil {
			return err
		}
		scheme = rs
	case "raptorq":
		scheme = baseline.NewRaptorQ(blockData, repairCount, cfg.Size)
	}

	type inFlight struct {
		kind  sim.PacketKind
		block int
		index int
	}
	var (
		current   [][]byte
		received  map[int]*blockState
		nextBlock int
	)
	received = make(map[int]*blockState)

	channel := sim.New(sim.Scenario{
		LossRate:    cfg.Loss,
		MeanBurst:   cfg.MeanBurst,
		ReorderRate: cfg.Reorder,
		Seed:        cfg.Seed,
	}, func(pkt sim.Packet) {
		var hdr inFlight
		hdr.kind = pkt.Kind
		hdr.block = int(uint32(pkt.Data[0]) | uint32(pkt.Data[1])<<8 | uint32(pkt.Data[2])<<16)
		hdr.index = int(pkt.Data[3])
		state := received[hdr.block]
		if state == nil {
			state = newBlockState(blockData, repairCount)
			received[hdr.block] = state
		}
		if hdr.kind == sim.KindOriginal {
			state.data[hdr.index] = append([]byte(nil), pkt.Data[4:]...)
		} else {
			state.repair[hdr.index] = append([]byte(nil), pkt.Data[4:]...)
		}
	})

	frame := func(kind sim.PacketKind, block, index int, payload []byte) {
		buf := make([]byte, 0, 4+len(payload))
		buf = append(buf, byte(block), byte(block>>8), byte(block>>16), byte(index))
		buf = append(buf, payload...)
		channel.Send(kind, buf)
	}

	seq := uint64(0)
	flushBlock := func() error {
		if len(current) == 0 {
			return nil
		}
		for len(current) < blockData {
			// Pad the trailing partial block with zero shards.
			current = append(current, make([]byte, cfg.Size))
		}
		repair, err := scheme.Encode(current)
		if err != nil {
			return err
		}
		for i, shard := range current {
			frame(sim.KindOriginal, nextBlock, i, shard)
			metrics.TxOriginals.Inc()
		}
		for j, shard := range repair {
			frame(sim.KindRecovery, nextBlock, j, shard)
			metrics.TxRecoveries.Inc()
		}
		nextBlock++
		current = current[:0]
		return nil
	}

	for i := 0; i < cfg.Count; i++ {
		current = append(current, payloadFor(seq, cfg.Size))
		seq++
		if len(current) == blockData {
			if err := flushBlock(); err != nil {
				return err
			}
		}
	}
	if err := flushBlock(); err != nil {
		return err
	}
	channel.Flush()

	// Reconstruct and verify every block.
	for b := 0; b < nextBlock; b++ {
		state := received[b]
		if state == nil {
			continue
		}
		present := 0
		for _, s := range state.data {
			if s != nil {
				present++
			}
		}
		recovered := 0
		if err := scheme.Reconstruct(state.data, state.repair); err == nil {
			now := 0
			for _, s := range state.data {
				if s != nil {
					now++
				}
			}
			recovered = now - present
		}
		for i, shard := range state.data {
			seq := uint64(b*blockData + i)
			if seq >= uint64(cfg.Count) {
				break // padding shard
			}
			if shard == nil {
				continue
			}
			rec.Delivered++
			metrics.Delivered.Inc()
			if !bytes.Equal(shard, payloadFor(seq, cfg.Size)) {
				rec.Mismatches++
			}
		}
		rec.Recovered += recovered
	}

	rec.Sent = channel.Sent
	rec.Dropped = channel.Dropped
	return nil
}

type blockState struct {
	data   [][]byte
	repair [][]byte
}

func newBlockState(k, r int) *blockState {
	return &blockState{
		data:   make([][]byte, k),
		repair: make([][]byte, r),
	}
}
