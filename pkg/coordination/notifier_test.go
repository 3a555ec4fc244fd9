package coordination

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierRunsCallbacksInPostOrder(t *testing.T) {
	n := NewNotifier()

	var mu sync.Mutex
	var got []string
	var running, overlapped atomic.Int32
	w := func(ev Event) {
		if running.Add(1) > 1 {
			overlapped.Add(1)
		}
		time.Sleep(time.Millisecond)
		mu.Lock()
		got = append(got, ev.Path)
		mu.Unlock()
		running.Add(-1)
	}

	want := []string{"/a", "/b", "/c", "/d", "/e"}
	for _, p := range want {
		n.Post(w, Event{Type: EventNodeCreated, Path: p})
	}
	n.Close()

	select {
	case <-n.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("notifier did not drain")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
	assert.Zero(t, overlapped.Load(), "callbacks ran concurrently")
}

func TestNotifierDropsPostsAfterClose(t *testing.T) {
	n := NewNotifier()
	n.Close()
	<-n.Done()

	called := false
	n.Post(func(Event) { called = true }, Event{Type: EventNotWatching, Path: "/x"})
	require.False(t, called)
	n.Post(nil, Event{})
}
