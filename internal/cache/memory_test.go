package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestMemoryExpiry(t *testing.T) {
	clk := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewMemory(0, clk.now)

	c.Put("a", "1", time.Minute)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	clk.t = clk.t.Add(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry must expire exactly at its ttl")
	assert.Equal(t, 0, c.Len())
}

func TestMemoryClampsTTLAndIgnoresNonPositive(t *testing.T) {
	clk := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewMemory(10*time.Second, clk.now)

	c.Put("zero", "x", 0)
	_, ok := c.Get("zero")
	assert.False(t, ok)

	c.Put("long", "x", time.Hour)
	clk.t = clk.t.Add(11 * time.Second)
	_, ok = c.Get("long")
	assert.False(t, ok)
}

func TestMemoryRemove(t *testing.T) {
	c := NewMemory(0, nil)
	c.Put("k", "v", time.Minute)
	c.Remove("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
}
