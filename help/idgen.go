package help

import (
	"fmt"
	"sync"
	"time"
)

// Snowflake-like ID generator for process-unique trace IDs.
// Generates 64-bit integers: 41 bits of milliseconds since a custom epoch,
// 10 bits of node ID, 12 bits of sequence.
type IDGenerator struct {
	mutex    sync.Mutex
	epoch    int64
	nodeID   int64
	sequence int64
	lastTime int64
}

const (
	sequenceBits  = 12
	nodeIDBits    = 10

	maxNodeID   = (1 << nodeIDBits) - 1   // 1023
	maxSequence = (1 << sequenceBits) - 1 // 4095

	nodeIDShift    = sequenceBits
	timestampShift = sequenceBits + nodeIDBits

	// Custom epoch: 2020-01-01 00:00:00 UTC
	customEpoch = 1577836800000 // milliseconds
)

var (
	defaultGenerator *IDGenerator
	once             sync.Once
)

// GetDefaultIDGenerator returns the process-wide generator (node ID 1).
func GetDefaultIDGenerator() *IDGenerator {
	once.Do(func() {
		defaultGenerator = NewIDGenerator(1)
	})
	return defaultGenerator
}

// NewIDGenerator creates a generator bound to the given node ID.
func NewIDGenerator(nodeID int64) *IDGenerator {
	if nodeID < 0 || nodeID > maxNodeID {
		panic(fmt.Sprintf("node ID must be between 0 and %d", maxNodeID))
	}
	return &IDGenerator{epoch: customEpoch, nodeID: nodeID}
}

// GenerateID generates a new unique ID.
func (g *IDGenerator) GenerateID() uint64 {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	now := time.Now().UnixMilli()
	if now < g.lastTime {
		panic("clock moved backwards")
	}

	if now == g.lastTime {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// Sequence overflow, wait for next millisecond
			for now <= g.lastTime {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTime = now

	timestamp := now - g.epoch
	id := (timestamp << timestampShift) | (g.nodeID << nodeIDShift) | g.sequence
	return uint64(id)
}

// GenerateTraceID generates a unique trace ID with "T" prefix.
func GenerateTraceID() string {
	return fmt.Sprintf("T%d", GetDefaultIDGenerator().GenerateID())
}

// GenerateSpanID generates a unique span ID with "S" prefix.
func GenerateSpanID() string {
	return fmt.Sprintf("S%d", GetDefaultIDGenerator().GenerateID())
}
