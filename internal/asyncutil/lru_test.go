package asyncutil

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() hclog.Logger {
	return hclog.NewNullLogger()
}

func TestAsyncLRU_ConstructsOnce(t *testing.T) {
	var constructs int32
	l := New[string, int](2, func(key string) (int, error) {
		atomic.AddInt32(&constructs, 1)
		return len(key), nil
	}, func(string, int) {}, discardLogger())

	v1, err := l.Get("hello")
	require.NoError(t, err)
	assert.Equal(t, 5, v1)

	v2, err := l.Get("hello")
	require.NoError(t, err)
	assert.Equal(t, 5, v2)

	assert.EqualValues(t, 1, atomic.LoadInt32(&constructs), "second Get must reuse the cached entry")
}

func TestAsyncLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	var destructed []string
	var mu sync.Mutex

	l := New[string, string](2, func(key string) (string, error) {
		return key, nil
	}, func(key string, value string) {
		mu.Lock()
		destructed = append(destructed, key)
		mu.Unlock()
	}, discardLogger())

	_, err := l.Get("a")
	require.NoError(t, err)
	_, err = l.Get("b")
	require.NoError(t, err)

	// Touch "a" so "b" becomes the least recently used.
	_, err = l.Get("a")
	require.NoError(t, err)

	_, err = l.Get("c")
	require.NoError(t, err)
	// Eviction is fire-and-forget from Get's perspective; give the
	// background destructor a moment to run.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, destructed, 1)
	assert.Equal(t, "b", destructed[0])
}

func TestAsyncLRU_ConstructFailureDoesNotPoison(t *testing.T) {
	attempt := 0
	l := New[string, int](2, func(key string) (int, error) {
		attempt++
		if attempt == 1 {
			return 0, errors.New("boom")
		}
		return 42, nil
	}, func(string, int) {}, discardLogger())

	_, err := l.Get("x")
	require.Error(t, err)

	v, err := l.Get("x")
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestAsyncLRU_DeleteSerialisesBeforeNextConstruct(t *testing.T) {
	var order []string
	var mu sync.Mutex
	destructRelease := make(chan struct{})

	l := New[string, int](2, func(key string) (int, error) {
		mu.Lock()
		order = append(order, "construct")
		mu.Unlock()
		return 1, nil
	}, func(key string, v int) {
		mu.Lock()
		order = append(order, "destruct-start")
		mu.Unlock()
		<-destructRelease
		mu.Lock()
		order = append(order, "destruct-end")
		mu.Unlock()
	}, discardLogger())

	_, err := l.Get("k")
	require.NoError(t, err)

	deleteDone := l.Delete("k")

	// The reconstruction must not begin until the destructor above finishes,
	// even though we ask for it immediately.
	getDone := make(chan struct{})
	go func() {
		defer close(getDone)
		_, err := l.Get("k")
		require.NoError(t, err)
	}()

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	snapshot := append([]string{}, order...)
	mu.Unlock()
	assert.Equal(t, []string{"construct", "destruct-start"}, snapshot, "constructor must wait for destructor to finish")

	close(destructRelease)
	<-deleteDone
	<-getDone

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"construct", "destruct-start", "destruct-end", "construct"}, order)
}

func TestAsyncLRU_DeleteOnMissingKeyIsNoop(t *testing.T) {
	l := New[string, int](2, func(string) (int, error) { return 1, nil }, func(string, int) {}, discardLogger())
	done := l.Delete("never-existed")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deleting a never-inserted key must resolve immediately")
	}
}
