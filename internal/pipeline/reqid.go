package pipeline

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"time"
)

// IDGenerator draws request IDs from a pseudorandom sequence local to one
// service instance. IDs are not cryptographically strong.
type IDGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewIDGenerator creates a generator seeded from the system entropy source,
// falling back to the clock if it is unavailable.
func NewIDGenerator() *IDGenerator {
	var seed [16]byte
	if _, err := crand.Read(seed[:]); err != nil {
		now := uint64(time.Now().UnixNano())
		binary.LittleEndian.PutUint64(seed[:8], now)
		binary.LittleEndian.PutUint64(seed[8:], now^0x9e3779b97f4a7c15)
	}
	return NewSeededIDGenerator(binary.LittleEndian.Uint64(seed[:8]), binary.LittleEndian.Uint64(seed[8:]))
}

// NewSeededIDGenerator creates a generator with a fixed seed.
func NewSeededIDGenerator(seed1, seed2 uint64) *IDGenerator {
	return &IDGenerator{rng: rand.New(rand.NewPCG(seed1, seed2))}
}

// Next returns the next request ID.
func (g *IDGenerator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Uint64()
}
