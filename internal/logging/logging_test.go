package logging

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  log.Level
	}{
		{"debug", log.DebugLevel},
		{"DEBUG", log.DebugLevel},
		{"warn", log.WarnLevel},
		{"warning", log.WarnLevel},
		{"error", log.ErrorLevel},
		{"", log.InfoLevel},
		{"nonsense", log.InfoLevel},
		{"  info  ", log.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.input), "input %q", tt.input)
	}
}

func TestRingBufferWrapAround(t *testing.T) {
	b := NewRingBuffer(3)
	for _, msg := range []string{"a", "b", "c", "d"} {
		_ = b.Fire(&log.Entry{Message: msg, Level: log.InfoLevel})
	}

	assert.Equal(t, 3, b.Len())
	recent := b.Recent(0)
	assert.Len(t, recent, 3)
	assert.Equal(t, "b", recent[0].Message)
	assert.Equal(t, "d", recent[2].Message)

	last := b.Recent(1)
	assert.Len(t, last, 1)
	assert.Equal(t, "d", last[0].Message)
}
