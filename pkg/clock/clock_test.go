package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual_FiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	c := NewManual(start)

	var order []string
	c.AfterFunc(300*time.Millisecond, func() { order = append(order, "c") })
	c.AfterFunc(100*time.Millisecond, func() { order = append(order, "a") })
	c.AfterFunc(200*time.Millisecond, func() { order = append(order, "b") })

	c.Advance(250 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, start.Add(250*time.Millisecond), c.Now())
	assert.Equal(t, 1, c.Pending())

	c.Advance(50 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 0, c.Pending())
}

func TestManual_StopPreventsFire(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	require.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports already stopped")

	c.Advance(2 * time.Second)
	assert.False(t, fired)
}

func TestManual_CallbackSchedulesWithinWindow(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	var at []time.Time
	c.AfterFunc(time.Second, func() {
		at = append(at, c.Now())
		c.AfterFunc(time.Second, func() { at = append(at, c.Now()) })
	})

	c.Advance(5 * time.Second)
	require.Len(t, at, 2)
	assert.Equal(t, time.Unix(1, 0), at[0])
	assert.Equal(t, time.Unix(2, 0), at[1])
	assert.Equal(t, time.Unix(5, 0), c.Now())
}

func TestOrReal(t *testing.T) {
	assert.NotNil(t, OrReal(nil))
	m := NewManual(time.Unix(0, 0))
	assert.Same(t, m, OrReal(m))
}
