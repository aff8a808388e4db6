package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualTimer records armed delays and lets the test fire them.
type manualTimer struct {
	delays []time.Duration
	fns    []func()
}

func (m *manualTimer) AfterFunc(d time.Duration, fn func()) func() {
	m.delays = append(m.delays, d)
	m.fns = append(m.fns, fn)
	return func() {}
}

func (m *manualTimer) fireAll() {
	for _, fn := range m.fns {
		fn()
	}
	m.fns = nil
}

func TestPolicyDelaySequence(t *testing.T) {
	p := DefaultPolicy()

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for i, w := range want {
		assert.Equal(t, w, p.Delay(i+1), "attempt %d", i+1)
	}
}

func TestReconnectorExhaustsAfterMaxAttempts(t *testing.T) {
	timer := &manualTimer{}
	r := NewReconnector(DefaultPolicy(), timer)

	var attempts []int
	for {
		_, ok := r.Schedule(func(attempt int) {
			attempts = append(attempts, attempt)
		})
		if !ok {
			break
		}
	}
	timer.fireAll()

	require.Len(t, attempts, 10)
	assert.True(t, r.Terminal())
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
		30 * time.Second, 30 * time.Second,
	}, timer.delays)

	// Terminal reconnector never schedules again.
	_, ok := r.Schedule(func(int) {})
	assert.False(t, ok)
}

func TestReconnectorResetClearsAttemptCounter(t *testing.T) {
	timer := &manualTimer{}
	r := NewReconnector(DefaultPolicy(), timer)

	for i := 0; i < 4; i++ {
		_, ok := r.Schedule(func(int) {})
		require.True(t, ok)
	}
	assert.Equal(t, 4, r.Attempt())

	r.Reset()
	assert.Equal(t, 0, r.Attempt())

	delay, ok := r.Schedule(func(int) {})
	require.True(t, ok)
	assert.Equal(t, time.Second, delay, "delay restarts from base after reset")
}

func TestReconnectorStopPreventsFurtherScheduling(t *testing.T) {
	timer := &manualTimer{}
	r := NewReconnector(DefaultPolicy(), timer)

	_, ok := r.Schedule(func(int) {})
	require.True(t, ok)

	r.Stop()
	_, ok = r.Schedule(func(int) {})
	assert.False(t, ok)
}
