package loaddata

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushReplacesNotMerges(t *testing.T) {
	s := NewStore[int]()
	require.NoError(t, s.Push("a", 1))
	require.NoError(t, s.Push("a", 2))

	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, s.Size())
}

func TestGetMissing(t *testing.T) {
	s := NewStore[int]()
	_, ok := s.Get("missing")
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	s := NewStore[int]()
	require.NoError(t, s.Push("a", 1))
	require.NoError(t, s.Remove("a"))
	_, ok := s.Get("a")
	assert.False(t, ok)
}

func TestForEachVisitsSnapshotOnce(t *testing.T) {
	s := NewStore[int]()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Push(string(rune('a'+i)), i))
	}

	seen := make(map[string]int)
	s.ForEach(func(k string, v int) {
		seen[k] = v
	})
	assert.Len(t, seen, 5)
}

func TestListenDeliversChanges(t *testing.T) {
	s := NewStore[int]()
	var mu sync.Mutex
	var events []ChangeEvent[int]

	cancel := s.Listen(func(ev ChangeEvent[int]) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer cancel()

	require.NoError(t, s.Push("a", 1))
	require.NoError(t, s.Push("a", 2))
	require.NoError(t, s.Remove("a"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, events[0].Value)
	assert.False(t, events[0].Removed)
	assert.Equal(t, 2, events[1].Value)
	assert.True(t, events[2].Removed)
}

func TestAsyncOpsRespectCancellation(t *testing.T) {
	s := NewStore[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := <-s.PushAsync(ctx, "a", 1)
	assert.Error(t, err)

	res := <-s.GetAsync(ctx, "a")
	assert.Error(t, res.Err)
}

func TestCloseStopsFurtherWrites(t *testing.T) {
	s := NewStore[int]()
	require.NoError(t, s.Close())
	assert.Error(t, s.Push("a", 1))
	assert.Error(t, s.Remove("a"))
}
