// Package breaker guards downstream dependencies with circuit breaker
// semantics: CLOSED passes calls, OPEN fails fast for a cooldown period, and
// HALF_OPEN admits a single probe.
package breaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Status is a read-only snapshot for health reporting.
type Status struct {
	Name          string
	State         State
	FailureCount  int
	LastFailureAt time.Time
}

type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu            sync.Mutex
	state         State
	failureCount  int
	lastFailureAt time.Time
	probing       bool

	now func() time.Time
}

func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 10
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. While OPEN it fails fast until the
// cooldown elapses, then admits exactly one probe in HALF_OPEN.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.lastFailureAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	default: // StateHalfOpen
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
}

// Record feeds the outcome of a completed call back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		if err == nil {
			b.state = StateClosed
			b.failureCount = 0
			return
		}
		b.state = StateOpen
		b.lastFailureAt = b.now()
		return
	}

	if err == nil {
		if b.state == StateClosed {
			b.failureCount = 0
		}
		return
	}

	b.failureCount++
	b.lastFailureAt = b.now()
	if b.state == StateClosed && b.failureCount >= b.threshold {
		b.state = StateOpen
	}
}

// Execute runs fn under the breaker, recording its outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.Record(err)
	return err
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Name:          b.name,
		State:         b.state,
		FailureCount:  b.failureCount,
		LastFailureAt: b.lastFailureAt,
	}
}

// Registry owns one breaker per downstream dependency.
type Registry struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	byName    map[string]*Breaker
}

func NewRegistry(threshold int, cooldown time.Duration) *Registry {
	return &Registry{
		threshold: threshold,
		cooldown:  cooldown,
		byName:    make(map[string]*Breaker),
	}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byName[name]
	if !ok {
		b = New(name, r.threshold, r.cooldown)
		r.byName[name] = b
	}
	return b
}

func (r *Registry) All() []Status {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.byName))
	for _, b := range r.byName {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	statuses := make([]Status, 0, len(breakers))
	for _, b := range breakers {
		statuses = append(statuses, b.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
