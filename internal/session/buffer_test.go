package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessageStorePutAndPop(t *testing.T) {
	m := newMessageStore(4, 10*time.Second)
	now := time.Unix(1000, 0)

	ok := m.put(testIP(1), []byte("hello"), now)
	require.True(t, ok)
	require.True(t, m.has(testIP(1)))
	require.Equal(t, 1, m.len())

	msg, ok := m.pop(testIP(1))
	require.True(t, ok)
	require.Equal(t, []byte("hello"), msg)
	require.False(t, m.has(testIP(1)))
	require.Equal(t, 0, m.len())
}

func TestMessageStorePopMissingReturnsFalse(t *testing.T) {
	m := newMessageStore(4, 10*time.Second)
	_, ok := m.pop(testIP(9))
	require.False(t, ok)
}

func TestMessageStoreAtMostOnePerDestination(t *testing.T) {
	m := newMessageStore(4, 10*time.Second)
	now := time.Unix(1000, 0)

	require.True(t, m.put(testIP(1), []byte("first"), now))
	require.True(t, m.put(testIP(1), []byte("second"), now))
	require.Equal(t, 1, m.len(), "a new buffer for the same destination evicts the older one")

	msg, ok := m.pop(testIP(1))
	require.True(t, ok)
	require.Equal(t, []byte("second"), msg)
}

func TestMessageStoreDropsWhenFullAndNothingExpired(t *testing.T) {
	m := newMessageStore(2, 10*time.Second)
	now := time.Unix(1000, 0)

	require.True(t, m.put(testIP(1), []byte("a"), now))
	require.True(t, m.put(testIP(2), []byte("b"), now))
	ok := m.put(testIP(3), []byte("c"), now)
	require.False(t, ok, "a third destination must be dropped once the store is at capacity with nothing expired")
	require.Equal(t, 2, m.len())
}

func TestMessageStoreMakesRoomBySweepingExpired(t *testing.T) {
	m := newMessageStore(2, 10*time.Second)
	base := time.Unix(1000, 0)

	require.True(t, m.put(testIP(1), []byte("a"), base))
	require.True(t, m.put(testIP(2), []byte("b"), base))

	later := base.Add(11 * time.Second)
	ok := m.put(testIP(3), []byte("c"), later)
	require.True(t, ok, "once entry 1 and 2 have aged past the 10s lifetime, room must free up for a new entry")
	require.Equal(t, 1, m.len())
	require.True(t, m.has(testIP(3)))
}

func TestMessageStoreCheckTimedOut(t *testing.T) {
	m := newMessageStore(4, 10*time.Second)
	base := time.Unix(1000, 0)
	require.True(t, m.put(testIP(1), []byte("a"), base))
	require.True(t, m.put(testIP(2), []byte("b"), base.Add(5*time.Second)))

	removed := m.checkTimedOut(base.Add(11 * time.Second))
	require.Equal(t, 1, removed, "only the entry older than 10s should be swept")
	require.False(t, m.has(testIP(1)))
	require.True(t, m.has(testIP(2)))
}
