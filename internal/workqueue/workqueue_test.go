package workqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOWithinGroup(t *testing.T) {
	q := New(Options{Linger: 20 * time.Millisecond})

	var mu sync.Mutex
	got := map[string][]int{}
	for i := 0; i < 99; i++ {
		key := fmt.Sprintf("group-%d", i%3)
		n := i
		require.NoError(t, q.Queue(key, func() {
			mu.Lock()
			got[key] = append(got[key], n)
			mu.Unlock()
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))

	require.Len(t, got, 3)
	for g := 0; g < 3; g++ {
		seq := got[fmt.Sprintf("group-%d", g)]
		require.Len(t, seq, 33)
		for i, n := range seq {
			assert.Equal(t, g+3*i, n)
		}
	}
}

func TestGroupsRunConcurrently(t *testing.T) {
	q := New(Options{})
	defer q.Close(context.Background())

	block := make(chan struct{})
	ran := make(chan struct{})
	require.NoError(t, q.Queue("slow", func() { <-block }))
	require.NoError(t, q.Queue("fast", func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked group held up another group")
	}
	close(block)
}

func TestIdleGroupIsRemovedAfterLinger(t *testing.T) {
	q := New(Options{Linger: 10 * time.Millisecond})
	defer q.Close(context.Background())

	done := make(chan struct{})
	require.NoError(t, q.Queue("transient", func() { close(done) }))
	require.NoError(t, q.QueueDefault(func() {}))
	<-done

	require.Eventually(t, func() bool { return q.Groups() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestStopAndStart(t *testing.T) {
	q := New(Options{})
	q.Stop()

	ran := make(chan struct{})
	require.NoError(t, q.Queue("a", func() { close(ran) }))

	select {
	case <-ran:
		t.Fatal("item ran while stopped")
	case <-time.After(50 * time.Millisecond):
	}

	q.Start()
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("item did not run after Start")
	}
	require.NoError(t, q.Close(context.Background()))
}

func TestQueueAfterClose(t *testing.T) {
	q := New(Options{})
	require.NoError(t, q.Close(context.Background()))
	assert.ErrorIs(t, q.Queue("a", func() {}), ErrClosed)
}

func TestPanicDoesNotKillGroup(t *testing.T) {
	q := New(Options{})
	ran := make(chan struct{})
	require.NoError(t, q.Queue("a", func() { panic("boom") }))
	require.NoError(t, q.Queue("a", func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("item after panic did not run")
	}
	require.NoError(t, q.Close(context.Background()))
}

func TestCloseHonoursContext(t *testing.T) {
	q := New(Options{})
	block := make(chan struct{})
	defer close(block)
	require.NoError(t, q.Queue("a", func() { <-block }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)
}
