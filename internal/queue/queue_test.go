package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startQueue(t *testing.T, h Handler, workers int) *Queue {
	t.Helper()
	q := New(h, workers, nil, nil)
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return q
}

func TestQueue_HandlesInOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
		done = make(chan struct{}, 10)
	)
	q := startQueue(t, func(_ context.Context, job Job) {
		mu.Lock()
		seen = append(seen, job.Path)
		mu.Unlock()
		done <- struct{}{}
	}, 1)

	for i := 0; i < 5; i++ {
		require.True(t, q.Submit(Job{FolderID: "f", Path: fmt.Sprintf("/p/%d", i)}))
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	require.NoError(t, q.WaitFolder(context.Background(), "f"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/p/0", "/p/1", "/p/2", "/p/3", "/p/4"}, seen)
}

func TestQueue_DedupesQueuedAndInFlight(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	q := startQueue(t, func(ctx context.Context, job Job) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
	}, 1)

	require.True(t, q.Submit(Job{FolderID: "f", Path: "/a"}))
	require.Eventually(t, func() bool { return q.Busy() == 1 }, time.Second, 5*time.Millisecond)

	assert.False(t, q.Submit(Job{FolderID: "f", Path: "/a"}), "in flight")
	assert.True(t, q.Submit(Job{FolderID: "f", Path: "/b"}))
	assert.False(t, q.Submit(Job{FolderID: "f", Path: "/b"}), "queued")
	assert.Equal(t, 1, q.Depth())
	assert.Equal(t, 2, q.Pending("f"))

	close(release)
	require.NoError(t, q.WaitFolder(context.Background(), "f"))
	assert.Equal(t, int32(2), calls.Load())

	assert.True(t, q.Submit(Job{FolderID: "f", Path: "/a"}), "finished paths may be submitted again")
	require.NoError(t, q.WaitFolder(context.Background(), "f"))
}

func TestQueue_ConcurrencyCap(t *testing.T) {
	const workers = 3
	var (
		running atomic.Int32
		peak    atomic.Int32
	)
	q := startQueue(t, func(_ context.Context, _ Job) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
	}, workers)

	for i := 0; i < 20; i++ {
		q.Submit(Job{FolderID: "f", Path: fmt.Sprintf("/p/%d", i)})
	}
	require.NoError(t, q.WaitFolder(context.Background(), "f"))
	assert.LessOrEqual(t, peak.Load(), int32(workers))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestQueue_DropFolder(t *testing.T) {
	release := make(chan struct{})
	q := startQueue(t, func(ctx context.Context, job Job) {
		if job.Path == "/block" {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
	}, 1)

	q.Submit(Job{FolderID: "a", Path: "/block"})
	require.Eventually(t, func() bool { return q.Busy() == 1 }, time.Second, 5*time.Millisecond)
	q.Submit(Job{FolderID: "a", Path: "/a1"})
	q.Submit(Job{FolderID: "b", Path: "/b1"})
	q.Submit(Job{FolderID: "a", Path: "/a2"})

	dropped := q.DropFolder("a")
	require.Len(t, dropped, 2)
	assert.Equal(t, "/a1", dropped[0].Path)
	assert.Equal(t, "/a2", dropped[1].Path)
	assert.Equal(t, 1, q.Depth())
	assert.Equal(t, 1, q.Pending("a"), "the in-flight job still counts")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.WaitFolder(ctx, "a"), context.DeadlineExceeded)

	close(release)
	require.NoError(t, q.WaitFolder(context.Background(), "a"))
	require.NoError(t, q.WaitFolder(context.Background(), "b"))
	assert.True(t, q.Submit(Job{FolderID: "a", Path: "/a1"}), "dropped paths are no longer deduped")
}

func TestQueue_StopCancelsHandlers(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	q := New(func(ctx context.Context, _ Job) {
		once.Do(func() { close(started) })
		<-ctx.Done()
	}, 2, nil, nil)
	q.Start(context.Background())

	q.Submit(Job{FolderID: "f", Path: "/x"})
	q.Submit(Job{FolderID: "g", Path: "/y"})
	<-started
	q.Stop()

	assert.False(t, q.Submit(Job{FolderID: "f", Path: "/z"}))
	assert.NoError(t, q.WaitFolder(context.Background(), "f"))
	q.Stop()
}

func TestQueue_HandlerPanicDoesNotKillWorker(t *testing.T) {
	var ok atomic.Bool
	q := startQueue(t, func(_ context.Context, job Job) {
		if job.Path == "/bad" {
			panic("boom")
		}
		ok.Store(true)
	}, 1)

	q.Submit(Job{FolderID: "f", Path: "/bad"})
	q.Submit(Job{FolderID: "f", Path: "/good"})
	require.NoError(t, q.WaitFolder(context.Background(), "f"))
	assert.True(t, ok.Load())
}

func TestKeyedMutex(t *testing.T) {
	k := NewKeyedMutex()

	unlockA := k.Lock("a")
	unlockB := k.Lock("b") // different keys do not block
	assert.Equal(t, 2, k.Len())

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock on the same key must wait")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	<-acquired
	unlockB()
	require.Eventually(t, func() bool { return k.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSourceString(t *testing.T) {
	assert.Equal(t, "live", SourceLive.String())
	assert.Equal(t, "backlog", SourceBacklog.String())
	assert.Equal(t, "unknown", Source(9).String())
}
