package proxy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoCachePutPop(t *testing.T) {
	c := NewEchoCache("conn")
	c.Put(2, "e1", []byte(`{"action":"send_group_msg","echo":"e1"}`))

	entry, ok := c.Pop("e1", 3)
	require.True(t, ok)
	assert.Equal(t, 2, entry.TargetIndex)

	_, ok = c.Pop("e1", 3)
	assert.False(t, ok, "pop removes the entry")
}

func TestEchoCacheSameEchoDifferentTargets(t *testing.T) {
	c := NewEchoCache("conn")
	c.Put(1, "dup", []byte(`{"from":1}`))
	c.Put(2, "dup", []byte(`{"from":2}`))

	entry, ok := c.Pop("dup", 2)
	require.True(t, ok)
	assert.Equal(t, 1, entry.TargetIndex, "lowest index wins the scan")

	entry, ok = c.Pop("dup", 2)
	require.True(t, ok)
	assert.Equal(t, 2, entry.TargetIndex)
}

func TestEchoCacheEmptyEchoIgnored(t *testing.T) {
	c := NewEchoCache("conn")
	c.Put(1, "", []byte(`{}`))
	assert.Equal(t, 0, c.Len())
	_, ok := c.Pop("", 1)
	assert.False(t, ok)
}

func TestEchoCachePurgeAtThreshold(t *testing.T) {
	c := NewEchoCache("conn")

	// fill with stale entries just below the threshold
	for i := 0; i < echoPurgeInterval-1; i++ {
		c.Put(1, fmt.Sprintf("old-%d", i), []byte(`{}`))
	}
	c.mu.Lock()
	for k, v := range c.entries {
		v.CreatedAt = time.Now().Add(-echoMaxAge - time.Second)
		c.entries[k] = v
	}
	c.mu.Unlock()

	// the put that crosses the threshold sweeps everything stale
	c.Put(1, "fresh", []byte(`{}`))
	assert.Equal(t, 1, c.Len())

	_, ok := c.Pop("fresh", 1)
	assert.True(t, ok)
}

func TestEchoCachePeekKeepsEntry(t *testing.T) {
	c := NewEchoCache("conn")
	c.Put(0, "cmd", []byte(`{"echo":"cmd"}`))

	_, ok := c.Peek("cmd", 2)
	require.True(t, ok, "peek scans index 0 too")
	assert.Equal(t, 1, c.Len())
}
