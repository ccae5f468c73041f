// Package id generates outcome identifiers. IDs are roughly time-ordered and
// unique across operator replicas that publish to the same sinks.
package id

import (
	"sync"

	"github.com/benbjohnson/clock"
)

// Bit layout: (physical_ms << 22) | (operator << 16) | logical
const (
	LogicalBits  = 16
	OperatorBits = 6
	LogicalMask  = 1<<LogicalBits - 1
	OperatorMask = 1<<OperatorBits - 1
)

// Generator is a hybrid logical clock reduced to what outcome IDs need:
// the physical part never goes backwards and the logical part breaks ties.
type Generator struct {
	clock    clock.Clock
	operator uint64
	lastMS   int64
	logical  uint64
	mu       sync.Mutex
}

// NewGenerator creates a generator for one operator instance; a nil clock
// uses the wall clock
func NewGenerator(operatorID uint64, c clock.Clock) *Generator {
	if c == nil {
		c = clock.New()
	}
	return &Generator{clock: c, operator: operatorID & OperatorMask}
}

// NextID returns an ID strictly greater than every ID this generator
// returned before, even when the wall clock steps back
func (g *Generator) NextID() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	nowMS := g.clock.Now().UnixMilli()
	if nowMS > g.lastMS {
		g.lastMS = nowMS
		g.logical = 0
	} else {
		g.logical++
		// Logical space for this millisecond is spent, borrow the next one
		if g.logical > LogicalMask {
			g.lastMS++
			g.logical = 0
		}
	}

	return uint64(g.lastMS)<<(LogicalBits+OperatorBits) | g.operator<<LogicalBits | g.logical
}

// Physical returns the millisecond component of an ID
func Physical(id uint64) int64 {
	return int64(id >> (LogicalBits + OperatorBits))
}
