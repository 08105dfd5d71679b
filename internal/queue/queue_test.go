package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go_orchestrator/internal/logging"
)

func TestRedisQueue_FIFO(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	q := NewRedisQueue(client, "orchestrator:task-runs")
	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, q.Enqueue(ctx, id))
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, want := range []string{"t1", "t2", "t3"} {
		got, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestRedisQueue_DequeueTimeout(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	got, err := NewRedisQueue(client, "empty").Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

type chanSource chan string

func (c chanSource) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	select {
	case id := <-c:
		return id, nil
	case <-time.After(timeout):
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type blockingExecutor struct {
	mu      sync.Mutex
	counts  map[string]int
	started chan string
	gate    map[string]chan struct{}
}

func (e *blockingExecutor) Execute(ctx context.Context, taskID string) error {
	e.mu.Lock()
	e.counts[taskID]++
	gate := e.gate[taskID]
	e.mu.Unlock()
	e.started <- taskID
	if gate != nil {
		<-gate
	}
	return nil
}

func (e *blockingExecutor) count(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[id]
}

func TestDispatcher_DropsInProcessDuplicates(t *testing.T) {
	src := make(chanSource, 8)
	release := make(chan struct{})
	exec := &blockingExecutor{
		counts:  map[string]int{},
		started: make(chan string, 8),
		gate:    map[string]chan struct{}{"a": release},
	}
	d := NewDispatcher(&DispatcherConfig{
		Source:      src,
		Executor:    exec,
		Logger:      logging.Discard(),
		Concurrency: 2,
		PollTimeout: 20 * time.Millisecond,
	})
	d.Start()

	src <- "a"
	require.Equal(t, "a", <-exec.started)

	// the second "a" reaches the idle worker while the first is still running
	src <- "a"
	src <- "b"
	require.Equal(t, "b", <-exec.started)

	close(release)
	d.Stop()

	assert.Equal(t, 1, exec.count("a"))
	assert.Equal(t, 1, exec.count("b"))
}

func TestDispatcher_RunsAll(t *testing.T) {
	src := make(chanSource, 16)
	exec := &blockingExecutor{counts: map[string]int{}, started: make(chan string, 16)}
	d := NewDispatcher(&DispatcherConfig{
		Source:      src,
		Executor:    exec,
		Logger:      logging.Discard(),
		Concurrency: 4,
		PollTimeout: 20 * time.Millisecond,
	})
	d.Start()
	defer d.Stop()

	ids := []string{"t1", "t2", "t3", "t4", "t5", "t6"}
	for _, id := range ids {
		src <- id
	}
	seen := map[string]bool{}
	for range ids {
		select {
		case id := <-exec.started:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for task runs")
		}
	}
	assert.Len(t, seen, len(ids))
}
