package logging

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultBufferSize is the default capacity of the in-memory log buffer.
const DefaultBufferSize = 1000

// LogEntry is one captured log line, served by the debug /logs endpoint.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// RingBuffer keeps the most recent log entries in memory. It implements
// logrus.Hook so it can be attached to the shared logger.
type RingBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	head     int
	count    int
}

func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &RingBuffer{
		entries:  make([]LogEntry, capacity),
		capacity: capacity,
	}
}

// Levels implements logrus.Hook.
func (b *RingBuffer) Levels() []log.Level {
	return log.AllLevels
}

// Fire implements logrus.Hook.
func (b *RingBuffer) Fire(entry *log.Entry) error {
	b.mu.Lock()
	b.entries[b.head] = LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	b.head = (b.head + 1) % b.capacity
	if b.count < b.capacity {
		b.count++
	}
	b.mu.Unlock()
	return nil
}

// Recent returns up to n entries, oldest first.
func (b *RingBuffer) Recent(n int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > b.count {
		n = b.count
	}
	out := make([]LogEntry, 0, n)
	start := b.head - n
	if start < 0 {
		start += b.capacity
	}
	for i := 0; i < n; i++ {
		out = append(out, b.entries[(start+i)%b.capacity])
	}
	return out
}

// Len reports the number of stored entries.
func (b *RingBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

var globalBuffer = NewRingBuffer(DefaultBufferSize)

// Buffer returns the process-wide log buffer, installed by SetupBaseLogger.
func Buffer() *RingBuffer {
	return globalBuffer
}
