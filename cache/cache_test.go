package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendora/insight/task"
)

func TestFingerprint_Canonicalisation(t *testing.T) {
	base := Fingerprint("units sold last month", "d1", nil, nil)

	tests := []struct {
		name  string
		query string
		equal bool
	}{
		{"identical", "units sold last month", true},
		{"leading and trailing space", "  units sold last month  ", true},
		{"collapsed whitespace", "units   sold\tlast\nmonth", true},
		{"case insensitive", "Units Sold LAST Month", true},
		{"different words", "units sold last quarter", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Fingerprint(tt.query, "d1", nil, nil)
			if tt.equal {
				assert.Equal(t, base, got)
			} else {
				assert.NotEqual(t, base, got)
			}
		})
	}
}

func TestFingerprint_TenantScoping(t *testing.T) {
	a := Fingerprint("units sold", "d1", nil, nil)
	b := Fingerprint("units sold", "d2", nil, nil)
	assert.NotEqual(t, a, b)
}

func TestFingerprint_ContextWhitelist(t *testing.T) {
	ctx := map[string]any{"role": "manager", "theme": "dark"}

	// No whitelist: context never affects the key.
	a := Fingerprint("units sold", "d1", ctx, nil)
	b := Fingerprint("units sold", "d1", nil, nil)
	assert.Equal(t, a, b)

	// Whitelisted key participates.
	c := Fingerprint("units sold", "d1", ctx, []string{"role"})
	d := Fingerprint("units sold", "d1", map[string]any{"role": "clerk"}, []string{"role"})
	assert.NotEqual(t, c, d)

	// Non-whitelisted keys still ignored.
	e := Fingerprint("units sold", "d1", map[string]any{"role": "manager", "theme": "light"}, []string{"role"})
	assert.Equal(t, c, e)
}

func TestCache_StoreLookupEvict(t *testing.T) {
	c := New(4, time.Minute)
	resp := task.Response{Summary: "45 units", Metadata: task.Metadata{TaskID: "TASK-1"}}

	_, ok := c.Lookup("fp")
	require.False(t, ok)

	c.Store("fp", resp)
	got, ok := c.Lookup("fp")
	require.True(t, ok)
	assert.Equal(t, "45 units", got.Summary)

	c.Evict("fp")
	_, ok = c.Lookup("fp")
	assert.False(t, ok)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(4, 20*time.Millisecond)
	c.Store("fp", task.Response{Summary: "stale soon"})

	_, ok := c.Lookup("fp")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Lookup("fp")
	assert.False(t, ok)
}

func TestCache_CapacityEviction(t *testing.T) {
	c := New(2, time.Minute)
	c.Store("a", task.Response{Summary: "a"})
	c.Store("b", task.Response{Summary: "b"})

	// Touch "a" so "b" is the least recently used.
	_, ok := c.Lookup("a")
	require.True(t, ok)

	c.Store("c", task.Response{Summary: "c"})
	assert.Equal(t, 2, c.Len())

	_, ok = c.Lookup("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Lookup("a")
	assert.True(t, ok)
}

func TestCache_HitRate(t *testing.T) {
	c := New(4, time.Minute)
	c.Store("fp", task.Response{})

	c.Lookup("fp")
	c.Lookup("miss")

	assert.InDelta(t, 0.5, c.HitRate(), 0.001)
}
