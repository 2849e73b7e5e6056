package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ibn-ledger/gateway/internal/config"
	"ibn-ledger/gateway/pkg/models"
)

type scriptedExecutor struct {
	mu    sync.Mutex
	seen  []int // priority at execution time
	calls int
	fn    func(ctx context.Context, call int, task *Task) ([]byte, error)
}

func (e *scriptedExecutor) Execute(ctx context.Context, task *Task) ([]byte, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.seen = append(e.seen, task.Priority)
	fn := e.fn
	e.mu.Unlock()
	if fn == nil {
		return []byte("ok"), nil
	}
	return fn(ctx, call, task)
}

func (e *scriptedExecutor) priorities() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.seen...)
}

func testQueueConfig(maxConcurrent int) config.Queue {
	return config.Queue{
		MaxConcurrent:   maxConcurrent,
		DefaultPriority: 5,
		MaxPriority:     10,
		DefaultTimeout:  config.Duration(time.Second),
		MaxAttempts:     3,
		RetryBackoff:    config.Duration(time.Millisecond),
	}
}

func startQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func req(priority int) models.TransactionRequest {
	return models.TransactionRequest{
		ChaincodeID:  "asset",
		FunctionName: "Read",
		Priority:     priority,
	}
}

func TestQueueExecutesByPriority(t *testing.T) {
	exec := &scriptedExecutor{}
	q := New(testQueueConfig(1), exec, nil, nil)
	startQueue(t, q)

	q.Pause()
	var tasks []*Task
	for _, p := range []int{1, 9, 5} {
		task, err := q.Enqueue(req(p), KindQuery, models.Caller{})
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
		tasks = append(tasks, task)
	}
	q.Resume()

	for _, task := range tasks {
		out := <-task.done
		if out.Err != nil {
			t.Fatalf("task %s failed: %v", task.ID, out.Err)
		}
	}
	got := exec.priorities()
	if len(got) != 3 || got[0] != 9 || got[1] != 5 || got[2] != 1 {
		t.Fatalf("expected execution order [9 5 1], got %v", got)
	}
}

func TestQueueEqualPriorityIsFIFO(t *testing.T) {
	var order []string
	var mu sync.Mutex
	exec := &scriptedExecutor{fn: func(ctx context.Context, call int, task *Task) ([]byte, error) {
		mu.Lock()
		order = append(order, task.Request.FunctionName)
		mu.Unlock()
		return nil, nil
	}}
	q := New(testQueueConfig(1), exec, nil, nil)
	startQueue(t, q)

	q.Pause()
	var tasks []*Task
	for _, fn := range []string{"first", "second", "third"} {
		task, err := q.Enqueue(models.TransactionRequest{ChaincodeID: "cc", FunctionName: fn, Priority: 5}, KindQuery, models.Caller{})
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
		tasks = append(tasks, task)
	}
	q.Resume()
	for _, task := range tasks {
		<-task.done
	}

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("expected FIFO within a priority level, got %v", order)
	}
}

func TestQueueBoundsConcurrency(t *testing.T) {
	var current, peak atomic.Int64
	gate := make(chan struct{})
	exec := &scriptedExecutor{fn: func(ctx context.Context, call int, task *Task) ([]byte, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-gate
		current.Add(-1)
		return nil, nil
	}}
	q := New(testQueueConfig(2), exec, nil, nil)
	startQueue(t, q)

	var tasks []*Task
	for i := 0; i < 5; i++ {
		task, err := q.Enqueue(req(5), KindInvoke, models.Caller{})
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
		tasks = append(tasks, task)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	for _, task := range tasks {
		<-task.done
	}
	if got := peak.Load(); got > 2 {
		t.Fatalf("concurrency bound violated: peak %d", got)
	}
}

func TestQueueTimesOutSlowTransaction(t *testing.T) {
	exec := &scriptedExecutor{fn: func(ctx context.Context, call int, task *Task) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	cfg := testQueueConfig(1)
	cfg.DefaultTimeout = config.Duration(30 * time.Millisecond)
	cfg.MaxAttempts = 1
	q := New(cfg, exec, nil, nil)
	startQueue(t, q)

	task, err := q.Enqueue(req(5), KindInvoke, models.Caller{})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	out := <-task.done
	if !errors.Is(out.Err, ErrTaskTimeout) || !errors.Is(out.Err, context.DeadlineExceeded) {
		t.Fatalf("expected task timeout, got %v", out.Err)
	}
}

func TestQueueRetriesTransientErrorsWithEscalation(t *testing.T) {
	exec := &scriptedExecutor{fn: func(ctx context.Context, call int, task *Task) ([]byte, error) {
		if call < 3 {
			return nil, errors.New("read tcp: connection reset by peer")
		}
		return []byte("done"), nil
	}}
	q := New(testQueueConfig(1), exec, nil, nil)
	startQueue(t, q)

	task, err := q.Enqueue(req(5), KindInvoke, models.Caller{})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	out := <-task.done
	if out.Err != nil {
		t.Fatalf("expected eventual success, got %v", out.Err)
	}
	if task.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", task.Attempts)
	}
	if task.Priority != 7 {
		t.Fatalf("expected priority escalated to 7, got %d", task.Priority)
	}
	if st := q.Status(); st.Retried != 2 {
		t.Fatalf("expected 2 retries recorded, got %d", st.Retried)
	}
}

func TestQueueExhaustsRetriesThenFails(t *testing.T) {
	exec := &scriptedExecutor{fn: func(ctx context.Context, call int, task *Task) ([]byte, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	q := New(testQueueConfig(1), exec, nil, nil)
	startQueue(t, q)

	task, err := q.Enqueue(req(5), KindInvoke, models.Caller{})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	out := <-task.done
	if out.Err == nil {
		t.Fatal("expected terminal failure")
	}
	if task.Attempts != 3 {
		t.Fatalf("expected attempts capped at 3, got %d", task.Attempts)
	}
}

func TestQueueDoesNotRetryApplicationErrors(t *testing.T) {
	exec := &scriptedExecutor{fn: func(ctx context.Context, call int, task *Task) ([]byte, error) {
		return nil, errors.New("chaincode response 500: asset not found")
	}}
	q := New(testQueueConfig(1), exec, nil, nil)
	startQueue(t, q)

	task, _ := q.Enqueue(req(5), KindQuery, models.Caller{})
	out := <-task.done
	if out.Err == nil {
		t.Fatal("expected failure")
	}
	if task.Attempts != 1 {
		t.Fatalf("application error must not retry, attempts=%d", task.Attempts)
	}
}

func TestQueueClearDropsWaitingTasks(t *testing.T) {
	q := New(testQueueConfig(1), &scriptedExecutor{}, nil, nil)
	startQueue(t, q)

	q.Pause()
	t1, _ := q.Enqueue(req(5), KindInvoke, models.Caller{})
	t2, _ := q.Enqueue(req(5), KindInvoke, models.Caller{})
	if dropped := q.Clear(); dropped != 2 {
		t.Fatalf("expected 2 dropped, got %d", dropped)
	}
	for _, task := range []*Task{t1, t2} {
		if out := <-task.done; !errors.Is(out.Err, ErrQueueCleared) {
			t.Fatalf("expected ErrQueueCleared, got %v", out.Err)
		}
	}
	if st := q.Status(); st.Depth != 0 {
		t.Fatalf("expected empty queue after clear, got depth %d", st.Depth)
	}
}

func TestQueueObserverSeesLifecycleEvents(t *testing.T) {
	exec := &scriptedExecutor{fn: func(ctx context.Context, call int, task *Task) ([]byte, error) {
		if call == 1 {
			return nil, errors.New("read tcp: connection reset by peer")
		}
		return []byte("ok"), nil
	}}
	q := New(testQueueConfig(1), exec, nil, nil)

	var mu sync.Mutex
	var events []string
	q.SetObserver(func(event string, s models.TaskSummary) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})
	startQueue(t, q)

	task, err := q.Enqueue(req(5), KindInvoke, models.Caller{})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if out := <-task.done; out.Err != nil {
		t.Fatalf("task failed: %v", out.Err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"enqueued", "executing", "retrying", "executing", "completed"}
	if len(events) != len(want) {
		t.Fatalf("expected events %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, events)
		}
	}
}

func TestQueueStatusTracksOutcomes(t *testing.T) {
	exec := &scriptedExecutor{fn: func(ctx context.Context, call int, task *Task) ([]byte, error) {
		if task.Request.FunctionName == "bad" {
			return nil, errors.New("endorsement policy failure")
		}
		return nil, nil
	}}
	q := New(testQueueConfig(1), exec, nil, nil)
	startQueue(t, q)

	good, _ := q.Enqueue(models.TransactionRequest{ChaincodeID: "cc", FunctionName: "good"}, KindInvoke, models.Caller{})
	<-good.done
	bad, _ := q.Enqueue(models.TransactionRequest{ChaincodeID: "cc", FunctionName: "bad"}, KindInvoke, models.Caller{})
	<-bad.done

	st := q.Status()
	if st.Completed != 1 || st.Failed != 1 || st.Total != 2 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.SuccessRate != 0.5 {
		t.Fatalf("expected success rate 0.5, got %f", st.SuccessRate)
	}
}
