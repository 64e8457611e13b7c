package cache

import (
	"sync"
	"testing"
	"time"
)

func TestTTLCache_Get(t *testing.T) {
	tests := []struct {
		name       string
		setupCache func() *TTLCache[string, int]
		expectedOk bool
		expected   int
	}{
		{
			name: "empty cache",
			setupCache: func() *TTLCache[string, int] {
				return NewTTLCache[string, int]()
			},
			expectedOk: false,
		},
		{
			name: "valid value",
			setupCache: func() *TTLCache[string, int] {
				c := NewTTLCache[string, int]()
				c.Set("SP", 645, time.Hour)
				return c
			},
			expectedOk: true,
			expected:   645,
		},
		{
			name: "expired value",
			setupCache: func() *TTLCache[string, int] {
				c := NewTTLCache[string, int]()
				c.Set("SP", 645, -time.Hour) // Already expired
				return c
			},
			expectedOk: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.setupCache()
			value, ok := c.Get("SP")

			if ok != tt.expectedOk {
				t.Errorf("expected ok=%v, got %v", tt.expectedOk, ok)
			}
			if value != tt.expected {
				t.Errorf("expected value %d, got %d", tt.expected, value)
			}
		})
	}
}

func TestTTLCache_DeleteAndClear(t *testing.T) {
	c := NewTTLCache[string, string]()
	c.Set("a", "1", time.Hour)
	c.Set("b", "2", time.Hour)

	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Error("expected a to be deleted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("expected b to survive Delete(a)")
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("expected empty cache after Clear, got %d entries", c.Len())
	}
}

func TestTTLCache_Prune(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	c := NewTTLCache[int, string]()
	c.now = func() time.Time { return now }

	c.Set(1, "short", time.Minute)
	c.Set(2, "long", time.Hour)

	now = now.Add(2 * time.Minute)
	if removed := c.Prune(); removed != 1 {
		t.Errorf("Prune() removed %d, want 1", removed)
	}
	if _, ok := c.Get(2); !ok {
		t.Error("expected long-lived entry to survive")
	}
}

func TestTTLCache_Concurrency(t *testing.T) {
	c := NewTTLCache[int, int]()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			c.Set(n%3, n, time.Hour)
		}(i)
		go func(n int) {
			defer wg.Done()
			c.Get(n % 3)
		}(i)
	}
	wg.Wait()

	if c.Len() != 3 {
		t.Errorf("expected 3 keys, got %d", c.Len())
	}
}
