package gateway

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry(0)

	c := newConn("conn-1", nil, "192.0.2.1")
	require.NoError(t, r.Add(c))
	require.Equal(t, 1, r.Size())

	got, ok := r.Get("conn-1")
	require.True(t, ok)
	require.Same(t, c, got)

	r.Remove("conn-1")
	require.Equal(t, 0, r.Size())
	_, ok = r.Get("conn-1")
	require.False(t, ok)
}

func TestRegistryRemoveUnknownIsNoop(t *testing.T) {
	r := NewRegistry(0)
	r.Remove("never-added")
	require.Equal(t, 0, r.Size())
}

func TestRegistryCapacity(t *testing.T) {
	r := NewRegistry(2)

	require.NoError(t, r.Add(newConn("a", nil, "")))
	require.NoError(t, r.Add(newConn("b", nil, "")))
	require.ErrorIs(t, r.Add(newConn("c", nil, "")), ErrServerFull)

	// Freed capacity is reusable.
	r.Remove("a")
	require.NoError(t, r.Add(newConn("c", nil, "")))
}

func TestRegistryForEachVisitsAll(t *testing.T) {
	r := NewRegistry(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, r.Add(newConn(fmt.Sprintf("conn-%d", i), nil, "")))
	}

	seen := make(map[string]bool)
	r.ForEach(func(c *Conn) {
		seen[c.ID()] = true
	})
	require.Len(t, seen, 100)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				id := fmt.Sprintf("conn-%d-%d", worker, j)
				_ = r.Add(newConn(id, nil, ""))
				r.Get(id)
				if j%2 == 0 {
					r.Remove(id)
				}
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 8*100, r.Size())
}

func TestConnStateTransitions(t *testing.T) {
	c := newConn("conn-1", nil, "192.0.2.1")
	require.Equal(t, StateConnecting, c.State())

	require.True(t, c.register("user-a", nil))
	require.Equal(t, StateRegistered, c.State())
	require.Equal(t, "user-a", c.UserID())

	// Second register loses the CAS.
	require.False(t, c.register("user-b", nil))
	require.Equal(t, "user-a", c.UserID())

	require.True(t, c.markDisconnected())
	require.False(t, c.markDisconnected())
	require.Equal(t, StateDisconnected, c.State())

	// Registering a disconnected record is impossible.
	require.False(t, c.register("user-c", nil))
}

func TestConnTrySendStrikes(t *testing.T) {
	c := newConn("conn-1", nil, "")

	for i := 0; i < sendBufferSize; i++ {
		require.True(t, c.trySend([]byte("x")))
	}
	require.False(t, c.slow())

	// Full buffer: every further push drops and strikes.
	for i := 0; i < slowClientStrikes; i++ {
		require.False(t, c.trySend([]byte("x")))
	}
	require.True(t, c.slow())

	// One successful send resets the strikes.
	<-c.send
	require.True(t, c.trySend([]byte("x")))
	require.False(t, c.slow())
}

func TestConnTrySendAfterDisconnect(t *testing.T) {
	c := newConn("conn-1", nil, "")
	c.markDisconnected()
	require.False(t, c.trySend([]byte("x")))
}
