package proxy

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/botswitch/botswitch/internal/metrics"
)

const (
	// echoPurgeInterval triggers a sweep whenever the cache size crosses a
	// multiple of this value.
	echoPurgeInterval = 100
	// echoMaxAge is how long a pending call stays correlatable.
	echoMaxAge = 120 * time.Second
)

// EchoEntry is a pending API call awaiting its response.
type EchoEntry struct {
	Frame       []byte
	TargetIndex int
	CreatedAt   time.Time
}

// EchoCache correlates API responses flowing from the client with the
// target that issued the call. Keys combine target index and echo so the
// same echo from two targets never collides.
type EchoCache struct {
	connectionID string

	mu      sync.Mutex
	entries map[string]EchoEntry
}

func NewEchoCache(connectionID string) *EchoCache {
	return &EchoCache{
		connectionID: connectionID,
		entries:      map[string]EchoEntry{},
	}
}

func echoKey(targetIndex int, echo string) string {
	return fmt.Sprintf("%d_%s", targetIndex, echo)
}

// Put records a pending call from targetIndex. An existing entry under the
// same key is overwritten with a warning.
func (c *EchoCache) Put(targetIndex int, echo string, frame []byte) {
	if echo == "" {
		return
	}
	key := echoKey(targetIndex, echo)

	c.mu.Lock()
	if _, exists := c.entries[key]; exists {
		log.Warnf("[%s] echo %s already pending, overwriting", c.connectionID, key)
	}
	c.entries[key] = EchoEntry{Frame: frame, TargetIndex: targetIndex, CreatedAt: time.Now()}
	size := len(c.entries)

	// A well-behaved network never accumulates this many pending calls.
	if size%echoPurgeInterval == 0 {
		log.Warnf("[%s] echo cache reached %d entries, purging stale ones", c.connectionID, size)
		cutoff := time.Now().Add(-echoMaxAge)
		for k, v := range c.entries {
			if v.CreatedAt.Before(cutoff) {
				delete(c.entries, k)
			}
		}
	}
	metrics.EchoCacheSize.WithLabelValues(c.connectionID).Set(float64(len(c.entries)))
	c.mu.Unlock()
}

// Pop scans target indices 1..numTargets for a pending call matching echo,
// removes it and returns it.
func (c *EchoCache) Pop(echo string, numTargets int) (EchoEntry, bool) {
	if echo == "" {
		return EchoEntry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for idx := 1; idx <= numTargets; idx++ {
		key := echoKey(idx, echo)
		if e, ok := c.entries[key]; ok {
			delete(c.entries, key)
			metrics.EchoCacheSize.WithLabelValues(c.connectionID).Set(float64(len(c.entries)))
			return e, true
		}
	}
	return EchoEntry{}, false
}

// Peek is Pop without removal, used for failure logging and for building
// message_sent events from successful responses.
func (c *EchoCache) Peek(echo string, numTargets int) (EchoEntry, bool) {
	if echo == "" {
		return EchoEntry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for idx := 0; idx <= numTargets; idx++ {
		if e, ok := c.entries[echoKey(idx, echo)]; ok {
			return e, true
		}
	}
	return EchoEntry{}, false
}

// Len reports the number of pending entries.
func (c *EchoCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
