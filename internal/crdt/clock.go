package crdt

import (
	"sync"

	"github.com/google/uuid"
)

// LamportClock stamps locally created atoms. Witness must be called with every
// remote clock observed so that new atoms always sort after what they follow.
type LamportClock struct {
	mu      sync.Mutex
	counter uint64
	replica string
}

// NewLamportClock returns a clock for a fresh replica with a random id.
func NewLamportClock() *LamportClock {
	return NewLamportClockWithReplica(uuid.NewString())
}

// NewLamportClockWithReplica returns a clock for a known replica id. Reusing a
// replica id across live replicas breaks uniqueness of atom ids.
func NewLamportClockWithReplica(replica string) *LamportClock {
	return &LamportClock{replica: replica}
}

// Tick advances the clock and returns a new atom id.
func (c *LamportClock) Tick() ID {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counter++
	return ID{Clock: c.counter, Replica: c.replica}
}

// Witness moves the clock forward to at least remote.
func (c *LamportClock) Witness(remote uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remote > c.counter {
		c.counter = remote
	}
}

func (c *LamportClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.counter
}

func (c *LamportClock) Replica() string {
	return c.replica
}
