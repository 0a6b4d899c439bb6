package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_FiresInDeadlineOrder(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(5*time.Second, func() { fired = append(fired, "c") })

	c.Advance(3 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, time.Unix(3, 0), c.Now())
	assert.Equal(t, 1, c.Pending())
}

func TestFake_StopIsExactAndIdempotent(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	require.True(t, timer.Stop())
	require.False(t, timer.Stop())
	c.Advance(2 * time.Second)
	assert.False(t, fired)

	other := c.AfterFunc(time.Second, func() {})
	c.Advance(time.Second)
	assert.False(t, other.Stop(), "stopping a fired timer is a no-op")
}

func TestFake_CallbackCanRearm(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(3500 * time.Millisecond)
	assert.Equal(t, 3, count)
	next, ok := c.Next()
	require.True(t, ok)
	assert.Equal(t, time.Unix(4, 0), next)
}
