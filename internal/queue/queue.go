package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ibn-ledger/gateway/internal/config"
	"ibn-ledger/gateway/internal/metrics"
	"ibn-ledger/gateway/pkg/models"
)

var (
	ErrQueueClosed  = errors.New("queue: closed")
	ErrQueueCleared = errors.New("queue: task dropped by clear")
	ErrTaskTimeout  = errors.New("queue: transaction timed out")
)

// Executor runs one transaction attempt against the ledger.
type Executor interface {
	Execute(ctx context.Context, task *Task) ([]byte, error)
}

// Observer receives task lifecycle events. Optional.
type Observer func(event string, t models.TaskSummary)

// Queue holds waiting tasks in priority order and dispatches up to
// MaxConcurrent of them at a time. Equal priorities run in arrival order.
type Queue struct {
	cfg      config.Queue
	exec     Executor
	log      *slog.Logger
	metrics  *metrics.Metrics
	observer Observer

	mu      sync.Mutex
	waiting []*Task
	active  map[string]*Task
	paused  bool
	closed  bool
	seq     uint64

	total         int64
	completed     int64
	failed        int64
	retried       int64
	totalDuration time.Duration

	wake chan struct{}
	wg   sync.WaitGroup
}

func New(cfg config.Queue, exec Executor, log *slog.Logger, m *metrics.Metrics) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		cfg:     cfg,
		exec:    exec,
		log:     log,
		metrics: m,
		active:  make(map[string]*Task),
		wake:    make(chan struct{}, 1),
	}
}

// SetObserver installs a lifecycle event callback. Call before Run.
func (q *Queue) SetObserver(o Observer) { q.observer = o }

// Submit enqueues a transaction and blocks until it reaches a terminal state
// or ctx is cancelled. Cancellation abandons the wait, not the task.
func (q *Queue) Submit(ctx context.Context, req models.TransactionRequest, kind Kind, caller models.Caller) (models.TransactionResult, error) {
	task, err := q.Enqueue(req, kind, caller)
	if err != nil {
		return models.TransactionResult{}, err
	}
	select {
	case out := <-task.done:
		return out.Result, out.Err
	case <-ctx.Done():
		return models.TransactionResult{}, ctx.Err()
	}
}

// Enqueue adds a task without waiting for its outcome.
func (q *Queue) Enqueue(req models.TransactionRequest, kind Kind, caller models.Caller) (*Task, error) {
	req = models.NormalizeTransactionRequest(req)

	priority := req.Priority
	if priority <= 0 {
		priority = q.cfg.DefaultPriority
	}
	if priority > q.cfg.MaxPriority {
		priority = q.cfg.MaxPriority
	}
	timeout := q.cfg.DefaultTimeout.Std()
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	task := &Task{
		ID:          newTaskID(),
		Request:     req,
		Kind:        kind,
		Caller:      caller,
		Priority:    priority,
		MaxAttempts: q.cfg.MaxAttempts,
		Timeout:     timeout,
		EnqueuedAt:  time.Now(),
		done:        make(chan Outcome, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.seq++
	task.seq = q.seq
	q.insertLocked(task)
	q.total++
	depth, activeN := len(q.waiting), len(q.active)
	q.mu.Unlock()

	q.metrics.TransactionSubmitted(string(kind))
	q.metrics.SetQueueDepth(depth, activeN)
	q.notify("enqueued", task)
	q.kick()
	return task, nil
}

// insertLocked keeps waiting sorted: higher priority first, FIFO within a
// priority level.
func (q *Queue) insertLocked(task *Task) {
	idx := sort.Search(len(q.waiting), func(i int) bool {
		if q.waiting[i].Priority != task.Priority {
			return q.waiting[i].Priority < task.Priority
		}
		return q.waiting[i].seq > task.seq
	})
	q.waiting = append(q.waiting, nil)
	copy(q.waiting[idx+1:], q.waiting[idx:])
	q.waiting[idx] = task
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run is the dispatch loop. It blocks until ctx is cancelled, then waits for
// in-flight tasks to finish.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			q.shutdown()
			return
		case <-q.wake:
			q.dispatch(ctx)
		}
	}
}

func (q *Queue) dispatch(ctx context.Context) {
	for {
		q.mu.Lock()
		if q.closed || q.paused || len(q.waiting) == 0 || len(q.active) >= q.cfg.MaxConcurrent {
			q.mu.Unlock()
			return
		}
		task := q.waiting[0]
		q.waiting = q.waiting[1:]
		task.StartedAt = time.Now()
		q.active[task.ID] = task
		depth, activeN := len(q.waiting), len(q.active)
		q.mu.Unlock()

		q.metrics.SetQueueDepth(depth, activeN)
		q.notify("executing", task)
		q.wg.Add(1)
		go q.runTask(ctx, task)
	}
}

func (q *Queue) runTask(ctx context.Context, task *Task) {
	defer q.wg.Done()

	attemptCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	payload, err := q.exec.Execute(attemptCtx, task)
	cancel()
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", ErrTaskTimeout, task.Timeout, context.DeadlineExceeded)
	}
	task.Attempts++

	if err == nil {
		q.finish(task, Outcome{Result: models.TransactionResult{
			Payload:    payload,
			DurationMs: time.Since(task.StartedAt).Milliseconds(),
		}}, true)
		return
	}

	task.LastError = err.Error()
	if retryable(err) && task.Attempts < task.MaxAttempts && ctx.Err() == nil {
		q.requeue(ctx, task)
		return
	}
	q.finish(task, Outcome{Err: err}, false)
}

// requeue escalates priority by one step, waits out the backoff, and puts the
// task back in line.
func (q *Queue) requeue(ctx context.Context, task *Task) {
	q.mu.Lock()
	delete(q.active, task.ID)
	q.retried++
	q.mu.Unlock()
	q.metrics.TransactionRetried()

	if task.Priority < q.cfg.MaxPriority {
		task.Priority++
	}
	q.notify("retrying", task)
	q.log.Warn("transaction retry scheduled",
		"task_id", task.ID,
		"attempt", task.Attempts,
		"priority", task.Priority,
		"error", task.LastError,
	)

	select {
	case <-ctx.Done():
		q.finish(task, Outcome{Err: fmt.Errorf("%w: %s", ErrQueueClosed, task.LastError)}, false)
		return
	case <-time.After(q.cfg.RetryBackoff.Std()):
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.finish(task, Outcome{Err: fmt.Errorf("%w: %s", ErrQueueClosed, task.LastError)}, false)
		return
	}
	q.seq++
	task.seq = q.seq
	q.insertLocked(task)
	q.mu.Unlock()
	q.kick()
}

func (q *Queue) finish(task *Task, out Outcome, ok bool) {
	duration := time.Since(task.StartedAt)

	q.mu.Lock()
	delete(q.active, task.ID)
	if ok {
		q.completed++
		q.totalDuration += duration
	} else {
		q.failed++
	}
	depth, activeN := len(q.waiting), len(q.active)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth, activeN)
	if ok {
		q.metrics.TransactionCompleted(string(task.Kind), duration)
		q.notify("completed", task)
	} else {
		q.metrics.TransactionFailed(string(task.Kind), duration)
		q.notify("failed", task)
		q.log.Error("transaction failed terminally",
			"task_id", task.ID,
			"attempts", task.Attempts,
			"error", task.LastError,
		)
	}

	task.done <- out
	q.kick()
}

func (q *Queue) notify(event string, task *Task) {
	if q.observer != nil {
		q.observer(event, task.summary())
	}
}

// Pause stops dispatching new tasks; running tasks finish normally.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.kick()
}

// Clear drops every waiting task, failing their submitters.
func (q *Queue) Clear() int {
	q.mu.Lock()
	dropped := q.waiting
	q.waiting = nil
	q.failed += int64(len(dropped))
	q.mu.Unlock()

	for _, task := range dropped {
		task.done <- Outcome{Err: ErrQueueCleared}
	}
	return len(dropped)
}

func (q *Queue) shutdown() {
	q.mu.Lock()
	q.closed = true
	dropped := q.waiting
	q.waiting = nil
	q.mu.Unlock()

	for _, task := range dropped {
		task.done <- Outcome{Err: ErrQueueClosed}
	}
	q.wg.Wait()
}

func (q *Queue) Status() models.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	inFlight := make([]models.TaskSummary, 0, len(q.active))
	for _, task := range q.active {
		inFlight = append(inFlight, task.summary())
	}
	sort.Slice(inFlight, func(i, j int) bool { return inFlight[i].ID < inFlight[j].ID })

	avg := time.Duration(0)
	if q.completed > 0 {
		avg = q.totalDuration / time.Duration(q.completed)
	}
	rate := 0.0
	if done := q.completed + q.failed; done > 0 {
		rate = float64(q.completed) / float64(done)
	}
	return models.QueueStatus{
		Depth:       len(q.waiting),
		Active:      len(q.active),
		Paused:      q.paused,
		Total:       q.total,
		Completed:   q.completed,
		Failed:      q.failed,
		Retried:     q.retried,
		AvgDuration: avg.String(),
		SuccessRate: rate,
		InFlight:    inFlight,
	}
}
