package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueHigherPriorityFirst(t *testing.T) {
	t.Parallel()

	q := NewQueue(0, nil)
	_, err := q.Enqueue(Request{ID: "a", Priority: 5})
	require.NoError(t, err)
	_, err = q.Enqueue(Request{ID: "b", Priority: 9})
	require.NoError(t, err)

	ctx := context.Background()
	first, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", first.ID)
	second, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", second.ID)
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	t.Parallel()

	q := NewQueue(0, nil)
	t1 := time.Unix(100, 0)
	t2 := t1.Add(time.Millisecond)
	_, _ = q.Enqueue(Request{ID: "late", Priority: 5, EnqueuedAt: t2})
	_, _ = q.Enqueue(Request{ID: "early", Priority: 5, EnqueuedAt: t1})

	got, err := q.DequeueNext(context.Background())
	require.NoError(t, err)
	require.Equal(t, "early", got.ID)
}

func TestQueueComplianceBreaksExactTies(t *testing.T) {
	t.Parallel()

	score := map[string]float64{"E1": 0.4, "E2": 0.9}
	q := NewQueue(0, func(id string) float64 { return score[id] })
	at := time.Unix(100, 0)
	_, _ = q.Enqueue(Request{ID: "r1", EndpointID: "E1", Priority: 5, EnqueuedAt: at})
	_, _ = q.Enqueue(Request{ID: "r2", EndpointID: "E2", Priority: 5, EnqueuedAt: at})
	_, _ = q.Enqueue(Request{ID: "r0", EndpointID: "E1", Priority: 5, EnqueuedAt: at.Add(-time.Second)})

	var order []string
	for q.Len() > 0 {
		r, err := q.DequeueNext(context.Background())
		require.NoError(t, err)
		order = append(order, r.ID)
	}
	require.Equal(t, []string{"r0", "r2", "r1"}, order)
}

func TestQueueConcurrentProducersKeepOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue(0, nil)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := q.Enqueue(Request{ID: fmt.Sprintf("p%d-%d", p, i), Priority: i % 3})
				require.NoError(t, err)
			}
		}(p)
	}
	wg.Wait()
	require.Equal(t, 200, q.Len())

	var prev Request
	for i := 0; q.Len() > 0; i++ {
		r, err := q.DequeueNext(context.Background())
		require.NoError(t, err)
		if i > 0 {
			require.GreaterOrEqual(t, prev.Priority, r.Priority)
			if prev.Priority == r.Priority {
				require.False(t, r.EnqueuedAt.Before(prev.EnqueuedAt), "FIFO violated at %d", i)
			}
		}
		prev = r
	}
}

func TestQueueCancelOnlyWhileQueued(t *testing.T) {
	t.Parallel()

	q := NewQueue(0, nil)
	_, _ = q.Enqueue(Request{ID: "a", Priority: 1})
	_, _ = q.Enqueue(Request{ID: "b", Priority: 2})
	_, _ = q.Enqueue(Request{ID: "c", Priority: 3})

	r, ok := q.Cancel("b")
	require.True(t, ok)
	require.Equal(t, "b", r.ID)
	_, ok = q.Cancel("b")
	require.False(t, ok)

	got, err := q.DequeueNext(context.Background())
	require.NoError(t, err)
	require.Equal(t, "c", got.ID)
	_, ok = q.Cancel("c")
	require.False(t, ok)
	require.Equal(t, 1, q.Len())
}

func TestQueueCapacityAndClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, nil)
	_, err := q.Enqueue(Request{ID: "a"})
	require.NoError(t, err)
	_, err = q.Enqueue(Request{ID: "b"})
	require.ErrorIs(t, err, ErrQueueFull)

	q.Close()
	_, err = q.Enqueue(Request{ID: "c"})
	require.ErrorIs(t, err, ErrQueueClosed)

	got, err := q.DequeueNext(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", got.ID)
	_, err = q.DequeueNext(context.Background())
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()

	q := NewQueue(0, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.DequeueNext(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan Request, 1)
	go func() {
		r, _ := q.DequeueNext(context.Background())
		done <- r
	}()
	time.Sleep(10 * time.Millisecond)
	_, _ = q.Enqueue(Request{ID: "late"})

	select {
	case r := <-done:
		require.Equal(t, "late", r.ID)
	case <-time.After(time.Second):
		t.Fatal("DequeueNext did not wake up")
	}
}

func TestQueueDrain(t *testing.T) {
	t.Parallel()

	q := NewQueue(0, nil)
	_, _ = q.Enqueue(Request{ID: "a", Priority: 1})
	_, _ = q.Enqueue(Request{ID: "b", Priority: 7})
	out := q.Drain()
	require.Len(t, out, 2)
	require.Equal(t, "b", out[0].ID)
	require.Zero(t, q.Len())
}
