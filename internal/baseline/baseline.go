// Package baseline implements block-FEC comparison schemes for the eval
// tool: XOR parity, Reed-Solomon, and RaptorQ. Each protects a block of
// K equal-length data shards with R repair shards, the generation shape
// the streaming codec is measured against.
package baseline

import (
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
	"github.com/xssnick/raptorq"
)

// Scheme is one block codec under test.
type Scheme interface {
	Name() string

	// Encode produces repair shards for K equal-length data shards.
	Encode(data [][]byte) ([][]byte, error)

	// Reconstruct fills the nil entries of data in place, given the
	// surviving data shards and whatever repair shards arrived (nil
	// entries mark lost repair shards).
	Reconstruct(data, repair [][]byte) error
}

var ErrNotRecoverable = errors.New("baseline: not enough shards")

func shardSize(shards [][]byte) int {
	for _, s := range shards {
		if s != nil {
			return len(s)
		}
	}
	return 0
}

// XOR is a single-parity scheme: it repairs at most one lost data shard
// per block.
type XOR struct{}

func (XOR) Name() string { return "xor" }

func (XOR) Encode(data [][]byte) ([][]byte, error) {
	size := shardSize(data)
	if size == 0 {
		return nil, errors.New("baseline: empty block")
	}
	parity := make([]byte, size)
	for _, shard := range data {
		for i, b := range shard {
			parity[i] ^= b
		}
	}
	return [][]byte{parity}, nil
}

func (XOR) Reconstruct(data, repair [][]byte) error {
	missing := -1
	for i, shard := range data {
		if shard != nil {
			continue
		}
		if missing >= 0 {
			return ErrNotRecoverable
		}
		missing = i
	}
	if missing < 0 {
		return nil
	}
	if len(repair) == 0 || repair[0] == nil {
		return ErrNotRecoverable
	}
	rec := append([]byte(nil), repair[0]...)
	for i, shard := range data {
		if i == missing {
			continue
		}
		for j, b := range shard {
			rec[j] ^= b
		}
	}
	data[missing] = rec
	return nil
}

// ReedSolomon wraps klauspost/reedsolomon with fixed K and R.
type ReedSolomon struct {
	k, r int
	enc  reedsolomon.Encoder
}

func NewReedSolomon(k, r int) (*ReedSolomon, error) {
	enc, err := reedsolomon.New(k, r)
	if err != nil {
		return nil, fmt.Errorf("baseline: rs(%d,%d): %w", k, r, err)
	}
	return &ReedSolomon{k: k, r: r, enc: enc}, nil
}

func (s *ReedSolomon) Name() string { return "rs" }

func (s *ReedSolomon) Encode(data [][]byte) ([][]byte, error) {
	if len(data) != s.k {
		return nil, fmt.Errorf("baseline: rs wants %d data shards, got %d", s.k, len(data))
	}
	size := shardSize(data)
	shards := make([][]byte, s.k+s.r)
	copy(shards, data)
	for i := s.k; i < s.k+s.r; i++ {
		shards[i] = make([]byte, size)
	}
	if err := s.enc.Encode(shards); err != nil {
		return nil, err
	}
	return shards[s.k:], nil
}

func (s *ReedSolomon) Reconstruct(data, repair [][]byte) error {
	shards := make([][]byte, s.k+s.r)
	copy(shards, data)
	copy(shards[s.k:], repair)
	if err := s.enc.ReconstructData(shards); err != nil {
		return ErrNotRecoverable
	}
	copy(data, shards[:s.k])
	return nil
}

// RaptorQ wraps xssnick/raptorq as a block scheme. The block is the
// concatenation of the data shards; symbols 0..K-1 are systematic and
// K.. are repair.
type RaptorQ struct {
	k, r int
	size int // shard bytes
}

func NewRaptorQ(k, r, size int) *RaptorQ {
	return &RaptorQ{k: k, r: r, size: size}
}

func (s *RaptorQ) Name() string { return "raptorq" }

func (s *RaptorQ) Encode(data [][]byte) ([][]byte, error) {
	if len(data) != s.k {
		return nil, fmt.Errorf("baseline: raptorq wants %d data shards, got %d", s.k, len(data))
	}
	block := make([]byte, 0, s.k*s.size)
	for _, shard := range data {
		block = append(block, shard...)
	}
	rq := raptorq.NewRaptorQ(uint32(s.size))
	enc, err := rq.CreateEncoder(block)
	if err != nil {
		return nil, err
	}
	base := enc.BaseSymbolsNum()
	repair := make([][]byte, s.r)
	for j := 0; j < s.r; j++ {
		repair[j] = enc.GenSymbol(base + uint32(j))
	}
	return repair, nil
}

func (s *RaptorQ) Reconstruct(data, repair [][]byte) error {
	rq := raptorq.NewRaptorQ(uint32(s.size))
	dec, err := rq.CreateDecoder(uint32(s.k * s.size))
	if err != nil {
		return err
	}
	base := dec.FastSymbolsNumRequired()
	done := false
	for i, shard := range data {
		if shard == nil {
			continue
		}
		if ok, err := dec.AddSymbol(uint32(i), shard); err == nil && ok {
			done = true
		}
	}
	for j, shard := range repair {
		if shard == nil || done {
			continue
		}
		if ok, err := dec.AddSymbol(base+uint32(j), shard); err == nil && ok {
			done = true
		}
	}
	ok, block, err := dec.Decode()
	if err != nil || !ok {
		return ErrNotRecoverable
	}
	for i := range data {
		if data[i] == nil {
			data[i] = append([]byte(nil), block[i*s.size:(i+1)*s.size]...)
		}
	}
	return nil
}
