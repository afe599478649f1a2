package receipt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordThenCheckWithinTTL(t *testing.T) {
	c := New(time.Minute, 0)
	key := Key{WorkerID: "w1", MessageID: "m1"}
	c.Record(key, Outcome{Accepted: true, Payload: []byte("ok")})

	out, ok := c.Check(key)
	require.True(t, ok)
	assert.Equal(t, Outcome{Accepted: true, Payload: []byte("ok")}, out)
}

func TestCheckExpiresAfterTTL(t *testing.T) {
	c := New(10*time.Millisecond, 0)
	key := Key{WorkerID: "w1", MessageID: "m1"}
	c.Record(key, Outcome{Accepted: true})

	time.Sleep(20 * time.Millisecond)
	_, ok := c.Check(key)
	assert.False(t, ok)
}

func TestNegativeOutcomesAreCached(t *testing.T) {
	c := New(time.Minute, 0)
	key := Key{WorkerID: "w1", MessageID: "m2"}
	c.Record(key, Outcome{Accepted: false, Reason: "rejected"})

	out, ok := c.Check(key)
	require.True(t, ok)
	assert.False(t, out.Accepted)
	assert.Equal(t, "rejected", out.Reason)
}

func TestBoundedSizeEvictsOldest(t *testing.T) {
	c := New(time.Minute, 2)
	c.Record(Key{WorkerID: "w", MessageID: "1"}, Outcome{Accepted: true})
	c.Record(Key{WorkerID: "w", MessageID: "2"}, Outcome{Accepted: true})
	c.Record(Key{WorkerID: "w", MessageID: "3"}, Outcome{Accepted: true})

	assert.Equal(t, 2, c.Len())
	_, ok := c.Check(Key{WorkerID: "w", MessageID: "1"})
	assert.False(t, ok, "oldest entry should have been evicted")
}

func TestSweepRemovesExpiredOnly(t *testing.T) {
	c := New(10*time.Millisecond, 0)
	c.Record(Key{WorkerID: "w", MessageID: "old"}, Outcome{Accepted: true})
	time.Sleep(20 * time.Millisecond)
	c.Record(Key{WorkerID: "w", MessageID: "new"}, Outcome{Accepted: true})

	removed := c.Sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Len())
}
