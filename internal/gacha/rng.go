package gacha

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

// RandomSource is the only randomness the engine consumes.

type RandomSource interface {
	Float64() float64 // [0, 1)
}

// crypto random : default generation method
type cryptoRNG struct{}

func (cryptoRNG) Float64() float64 {
	// Read 53bit random => [0, 1)
	var buf [8]byte
	if _, err := cryptoRand.Read(buf[:]); err != nil {
		// back to math/rand/v2
		return rand.Float64()
	}

	u := binary.BigEndian.Uint64(buf[:]) >> 11 // 53 bits
	return float64(u) / (1 << 53)
}

func DefaultRNG() RandomSource { return cryptoRNG{} }

// Replicable RNG (tests, simulation). Safe for concurrent use; the sequence
// is only reproducible when a single goroutine draws from it.
type seededRNG struct {
	mu sync.Mutex
	r  *rand.Rand
}

func NewSeededRNG(seed uint64) RandomSource {
	return &seededRNG{r: rand.New(rand.NewPCG(seed, 0))}
}

func (s *seededRNG) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}
