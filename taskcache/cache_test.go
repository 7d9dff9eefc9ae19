package taskcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetOrComputeMemoizes(t *testing.T) {
	t.Parallel()
	c := New[string](context.Background(), "run-1")
	var calls int32
	op := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "v1", nil
	}

	for _, fp := range []string{"F1", "F2", "F1", "F2", "F1"} {
		if _, _, err := c.GetOrCompute(context.Background(), fp, op); err != nil {
			t.Fatalf("GetOrCompute(%s): %v", fp, err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("op ran %d times, want 2", got)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
}

func TestConcurrentCallersShareOneExecution(t *testing.T) {
	t.Parallel()
	c := New[string](context.Background(), "run-1")
	var calls int32
	release := make(chan struct{})
	op := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "artifact-1", nil
	}

	const callers = 8
	results := make([]string, callers)
	var wg sync.WaitGroup
	var started sync.WaitGroup
	started.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			v, _, err := c.GetOrCompute(context.Background(), "F1", op)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			results[i] = v
		}(i)
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("op ran %d times, want 1", got)
	}
	for i, r := range results {
		if r != "artifact-1" {
			t.Fatalf("caller %d got %q", i, r)
		}
	}
}

func TestFailureIsEvicted(t *testing.T) {
	t.Parallel()
	c := New[int](context.Background(), "run-1")
	calls := 0
	op := func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("backend timeout")
		}
		return 42, nil
	}

	if _, _, err := c.GetOrCompute(context.Background(), "F1", op); err == nil {
		t.Fatalf("first call should fail")
	}
	if _, ok := c.Peek("F1"); ok {
		t.Fatalf("failure was stored")
	}
	v, hit, err := c.GetOrCompute(context.Background(), "F1", op)
	if err != nil || v != 42 || hit {
		t.Fatalf("retry = %d hit=%v err=%v, want 42 miss", v, hit, err)
	}
	v, hit, _ = c.GetOrCompute(context.Background(), "F1", op)
	if v != 42 || !hit {
		t.Fatalf("third call = %d hit=%v, want cached 42", v, hit)
	}
}

func TestAbandonedWaitCompletesInBackground(t *testing.T) {
	t.Parallel()
	c := New[string](context.Background(), "run-1")
	release := make(chan struct{})
	finished := make(chan struct{})
	var opCtxErr error
	op := func(ctx context.Context) (string, error) {
		<-release
		opCtxErr = ctx.Err()
		close(finished)
		return "late", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrCompute(ctx, "F1", op)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("abandoned caller err = %v, want context.Canceled", err)
	}

	close(release)
	<-finished
	if opCtxErr != nil {
		t.Fatalf("op context was cancelled: %v", opCtxErr)
	}
	deadline := time.Now().Add(time.Second)
	for {
		if v, ok := c.Peek("F1"); ok {
			if v != "late" {
				t.Fatalf("Peek = %q", v)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("abandoned result never stored")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseCancelsAndRejects(t *testing.T) {
	t.Parallel()
	c := New[string](context.Background(), "run-1")
	started := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrCompute(context.Background(), "F1", func(ctx context.Context) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		})
		errc <- err
	}()
	<-started
	c.Close()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("in-flight err = %v, want context.Canceled", err)
	}
	if _, _, err := c.GetOrCompute(context.Background(), "F2", func(ctx context.Context) (string, error) {
		return "x", nil
	}); !errors.Is(err, ErrClosed) {
		t.Fatalf("after Close err = %v, want ErrClosed", err)
	}
}

func TestNamespacesDoNotLeak(t *testing.T) {
	t.Parallel()
	a := New[string](context.Background(), "run-a")
	b := New[string](context.Background(), "run-b")
	_, _, _ = a.GetOrCompute(context.Background(), "F1", func(ctx context.Context) (string, error) { return "a", nil })
	if _, ok := b.Peek("F1"); ok {
		t.Fatalf("run-b sees run-a's entry")
	}
}
