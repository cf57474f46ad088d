package mqbridge

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CreateDistinct(t *testing.T) {
	env := newTestEnv(t)
	r := env.registry

	seen := make(map[Handle]bool)
	for i := 0; i < 50; i++ {
		h := r.Create(ConnectionType(i % 2))
		require.NotZero(t, h)
		require.False(t, seen[h])
		seen[h] = true
	}
	assert.Equal(t, 50, r.Len())

	handles := r.Handles()
	require.Len(t, handles, 50)
	for i := 1; i < len(handles); i++ {
		assert.Less(t, handles[i-1], handles[i])
	}
}

func TestRegistry_With(t *testing.T) {
	env := newTestEnv(t)
	r := env.registry

	assert.ErrorIs(t, r.With(0, func(*Client) error { return nil }), ErrNotFound)
	assert.ErrorIs(t, r.With(42, func(*Client) error { return nil }), ErrNotFound)

	h := r.Create(Consumer)
	sentinel := errors.New("from callback")
	assert.Equal(t, sentinel, r.With(h, func(c *Client) error {
		assert.Equal(t, h, c.Handle())
		return sentinel
	}))
}

func TestRegistry_Remove(t *testing.T) {
	env := newTestEnv(t)
	r := env.registry

	h := r.Create(Producer)
	r.With(h, func(c *Client) error { return c.Run(context.Background()) })

	require.NoError(t, r.Remove(h))
	require.NoError(t, r.Remove(h))
	assert.NoError(t, r.Remove(9999))

	assert.Equal(t, 0, r.Len())
	assert.True(t, r.IsClosed(h))
	assert.False(t, r.IsClosed(9999))
	assert.ErrorIs(t, r.With(h, func(*Client) error { return nil }), ErrNotFound)

	msg, ok := r.LastError(h)
	assert.True(t, ok)
	assert.Equal(t, "broker uri was not provided", msg)

	_, ok = r.LastError(9999)
	assert.False(t, ok)
}

func TestRegistry_ClosedHandleLimit(t *testing.T) {
	env := newTestEnv(t, WithClosedHandleLimit(2))
	r := env.registry

	var handles []Handle
	for i := 0; i < 3; i++ {
		h := r.Create(Producer)
		handles = append(handles, h)
		require.NoError(t, r.Remove(h))
	}

	assert.False(t, r.IsClosed(handles[0]))
	assert.True(t, r.IsClosed(handles[1]))
	assert.True(t, r.IsClosed(handles[2]))
}

func TestRegistry_HandleWrapAround(t *testing.T) {
	env := newTestEnv(t)
	r := env.registry

	first := r.Create(Producer)
	require.Equal(t, Handle(1), first)
	closed := r.Create(Producer)
	require.NoError(t, r.Remove(closed))

	r.mu.Lock()
	r.next = math.MaxUint32 - 1
	r.mu.Unlock()

	assert.Equal(t, Handle(math.MaxUint32), r.Create(Producer))
	// 0 is never issued, 1 is live and 2 is remembered as closed
	assert.Equal(t, Handle(3), r.Create(Producer))
}

func TestRegistry_CloseAll(t *testing.T) {
	env := newTestEnv(t)
	r := env.registry
	env.broker.disconnectFunc = func() error { return errors.New("already gone") }

	for i := 0; i < 3; i++ {
		h := env.client(t, Producer, "mock://x", "q")
		require.NoError(t, r.With(h, func(c *Client) error { return c.Run(context.Background()) }))
	}
	r.Create(Consumer)

	err := r.CloseAll()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already gone")
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_NoCreateAfterCloseAll(t *testing.T) {
	env := newTestEnv(t)
	r := env.registry

	var wg sync.WaitGroup
	created := make(chan Handle, 400)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if h := r.Create(Consumer); h != 0 {
					created <- h
				}
			}
		}()
	}
	require.NoError(t, r.CloseAll())
	wg.Wait()
	close(created)

	assert.Equal(t, 0, r.Len(), "a client created during shutdown was left behind")
	for h := range created {
		assert.ErrorIs(t, r.With(h, func(*Client) error { return nil }), ErrNotFound)
	}
	assert.Zero(t, r.Create(Producer))
}

func TestRegistry_Concurrent(t *testing.T) {
	env := newTestEnv(t)
	r := env.registry

	var wg sync.WaitGroup
	handles := make(chan Handle, 200)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				h := r.Create(Producer)
				handles <- h
				assert.NoError(t, r.With(h, func(c *Client) error { return c.SetDestination("q") }))
				r.LastError(h)
				if i%2 == 0 {
					assert.NoError(t, r.Remove(h))
				}
			}
		}()
	}
	wg.Wait()
	close(handles)

	seen := make(map[Handle]bool)
	for h := range handles {
		assert.False(t, seen[h], "handle %d issued twice", h)
		seen[h] = true
	}
	assert.Equal(t, 8*12, r.Len())
}

func TestRegistry_SameHandleIsSerialized(t *testing.T) {
	env := newTestEnv(t)
	r := env.registry
	h := r.Create(Producer)

	var wg sync.WaitGroup
	inside := 0
	overlap := false
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.With(h, func(c *Client) error {
				inside++
				if inside > 1 {
					overlap = true
				}
				c.SetUsername("u")
				inside--
				return nil
			})
		}()
	}
	wg.Wait()
	assert.False(t, overlap)
}
