// ABOUTME: Tests for backoff delays, retry ceiling, and heart-beat negotiation
// ABOUTME: Delay and negotiation tables are exact, so they are checked value by value

package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()

	want := []time.Duration{
		2 * time.Second,
		3 * time.Second,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
		10125 * time.Millisecond,
		15187500 * time.Microsecond,
		22781250 * time.Microsecond,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, w := range want {
		assert.Equal(t, w, b.Delay(attempt), "attempt %d", attempt)
	}
}

func TestBackoffDelayNeverExceedsMax(t *testing.T) {
	b := DefaultBackoff()
	for attempt := 0; attempt < 200; attempt++ {
		assert.LessOrEqual(t, b.Delay(attempt), b.MaxDelay)
	}
	assert.Equal(t, b.BaseDelay, b.Delay(-3))
}

func TestBackoffShouldRetry(t *testing.T) {
	b := DefaultBackoff()
	for attempt := 0; attempt < 10; attempt++ {
		assert.True(t, b.ShouldRetry(attempt), "attempt %d", attempt)
	}
	assert.False(t, b.ShouldRetry(10))
	assert.False(t, b.ShouldRetry(11))
}

func TestNegotiateHeartBeat(t *testing.T) {
	tests := []struct {
		name         string
		send, recv   time.Duration
		server       string
		wantOut      time.Duration
		wantIncoming time.Duration
	}{
		{"symmetric", 4 * time.Second, 4 * time.Second, "4000,4000", 4 * time.Second, 4 * time.Second},
		{"server disables", 4 * time.Second, 4 * time.Second, "0,0", 0, 0},
		{"larger wins", 4 * time.Second, 4 * time.Second, "10000,1000", 4 * time.Second, 10 * time.Second},
		{"client never sends", 0, 4 * time.Second, "4000,4000", 0, 4 * time.Second},
		{"missing header", 4 * time.Second, 4 * time.Second, "", 0, 0},
		{"garbage header", 4 * time.Second, 4 * time.Second, "soon", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, in := NegotiateHeartBeat(tt.send, tt.recv, tt.server)
			assert.Equal(t, tt.wantOut, out)
			assert.Equal(t, tt.wantIncoming, in)
		})
	}
}

func TestParseHeartBeat(t *testing.T) {
	send, recv, err := ParseHeartBeat(" 100 , 250 ")
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, send)
	assert.Equal(t, 250*time.Millisecond, recv)

	for _, bad := range []string{"", "100", "a,1", "1,b", "-1,0"} {
		_, _, err := ParseHeartBeat(bad)
		assert.Error(t, err, "input %q", bad)
	}

	assert.Equal(t, "4000,4000", FormatHeartBeat(4*time.Second, 4*time.Second))
}
