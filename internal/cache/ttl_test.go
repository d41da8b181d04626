package cache

import (
	"testing"
	"time"
)

func TestTTL_GetSetExpire(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewTTL[string, int](10, time.Minute)
	c.now = func() time.Time { return now }

	c.Set("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected hit a=1, got %v %v", v, ok)
	}

	now = now.Add(time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Error("expected a to expire")
	}
	if c.Len() != 0 {
		t.Errorf("expected expired entry removed on read, len=%d", c.Len())
	}
}

func TestTTL_EvictsOldestFirst(t *testing.T) {
	c := NewTTL[int, int](2, time.Hour)
	c.Set(1, 1)
	c.Set(2, 2)
	c.Set(3, 3)

	if _, ok := c.Get(1); ok {
		t.Error("expected oldest entry evicted")
	}
	if _, ok := c.Get(3); !ok {
		t.Error("expected newest entry kept")
	}

	// Re-setting refreshes position.
	c.Set(2, 20)
	c.Set(4, 4)
	if _, ok := c.Get(3); ok {
		t.Error("expected 3 evicted after 2 was refreshed")
	}
	if v, _ := c.Get(2); v != 20 {
		t.Errorf("expected refreshed value 20, got %d", v)
	}
}

func TestTTL_DeleteFuncAndClear(t *testing.T) {
	c := NewTTL[string, int](0, 0)
	c.Set("x:1", 1)
	c.Set("x:2", 2)
	c.Set("y:1", 3)

	n := c.DeleteFunc(func(k string) bool { return k[0] == 'x' })
	if n != 2 || c.Len() != 1 {
		t.Errorf("expected 2 removed and 1 left, got %d and %d", n, c.Len())
	}
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d", c.Len())
	}
}
