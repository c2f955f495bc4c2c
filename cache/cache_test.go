package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpiringCacheGetSet(t *testing.T) {
	c := newExpiringCache(time.Minute)
	_, ok := c.Get("k")
	assert.False(t, ok)

	c.Set("k", "v")
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestExpiringCacheExpires(t *testing.T) {
	c := newExpiringCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set("k", "v")

	c.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, ok := c.Get("k")
	assert.False(t, ok, "entry past its ttl must not be returned")
}

func TestExpiringCacheZeroTTLNeverExpires(t *testing.T) {
	c := newExpiringCache(0)
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set("k", "v")

	c.now = func() time.Time { return now.Add(24 * time.Hour) }
	_, ok := c.Get("k")
	assert.True(t, ok)
}

func TestCacheOnBlockImportedClearsShortTermOnly(t *testing.T) {
	c := New(time.Minute, time.Hour)
	c.ShortTerm.Set("a", 1)
	c.LongTerm.Set("b", 2)

	c.OnBlockImported()

	_, ok := c.ShortTerm.Get("a")
	assert.False(t, ok)
	_, ok = c.LongTerm.Get("b")
	assert.True(t, ok)
}

func TestCacheHistoryGetSetInvalidate(t *testing.T) {
	c := New(time.Minute, time.Hour)
	entries := []HistoryEntry{{TxHash: "abc", Height: 10}}
	c.SetHistory("addr1", entries)

	got, ok := c.GetHistory("addr1")
	assert.True(t, ok)
	assert.Equal(t, entries, got)

	c.Invalidate("addr1")
	_, ok = c.GetHistory("addr1")
	assert.False(t, ok)
}

func TestCacheHistoryWholesaleClearOnOverflow(t *testing.T) {
	c := New(time.Minute, time.Hour)
	for i := 0; i < MaxCacheSize; i++ {
		c.history[rangeKey(i)] = nil
	}
	c.SetHistory("overflow", []HistoryEntry{{TxHash: "x", Height: 1}})

	assert.Len(t, c.history, 1, "crossing MaxCacheSize must clear the map wholesale")
	_, ok := c.GetHistory("overflow")
	assert.True(t, ok)
}

func TestCacheChunkInvalidate(t *testing.T) {
	c := New(time.Minute, time.Hour)
	c.SetChunk(0, "deadbeef")
	c.InvalidateChunk(0)
	_, ok := c.GetChunk(0)
	assert.False(t, ok)
}

func rangeKey(i int) string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, 16)
	for j := range buf {
		buf[j] = hextable[(i>>uint(j))&0xf]
	}
	return string(buf)
}
