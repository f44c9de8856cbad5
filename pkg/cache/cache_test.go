package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"libranexus/pkg/clock"
)

func TestMemory_SetGetRoundtrip(t *testing.T) {
	c := NewMemory(nil)
	c.Set("book:get:1", `{"title":"Go"}`, time.Minute)

	v, ok := c.Get("book:get:1")
	require.True(t, ok)
	require.Equal(t, `{"title":"Go"}`, v)
}

func TestMemory_ExpiresAfterTTL(t *testing.T) {
	fixed := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewMemory(fixed)
	c.Set("k", "v", time.Second)

	fixed.Advance(2 * time.Second)
	_, ok := c.Get("k")
	require.False(t, ok)
}

func TestMemory_DelPatternMatchesGlob(t *testing.T) {
	c := NewMemory(nil)
	c.Set("catalog:list:page1", "a", time.Minute)
	c.Set("catalog:list:page2", "b", time.Minute)
	c.Set("book:get:1", "c", time.Minute)

	c.DelPattern("catalog:list:*")

	require.False(t, c.Exists("catalog:list:page1"))
	require.False(t, c.Exists("catalog:list:page2"))
	require.True(t, c.Exists("book:get:1"))
}

func TestMemory_UpdateTTLExtendsExpiry(t *testing.T) {
	fixed := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewMemory(fixed)
	c.Set("k", "v", time.Second)

	c.UpdateTTL("k", time.Hour)
	fixed.Advance(2 * time.Second)

	_, ok := c.Get("k")
	require.True(t, ok)
}

func TestMemory_GetTTLReportsRemaining(t *testing.T) {
	fixed := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewMemory(fixed)
	c.Set("k", "v", 10*time.Second)

	ttl, ok := c.GetTTL("k")
	require.True(t, ok)
	require.Equal(t, 10*time.Second, ttl)
}
