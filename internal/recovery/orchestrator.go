// Package recovery schedules retries for failed external dependencies:
// a min-heap of due tasks, per-task backoff strategies and a single loop
// goroutine driving health probes.
package recovery

import (
	"container/heap"
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Strategy selects the backoff curve for a service's retries.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyImmediate   Strategy = "immediate"
	StrategyManual      Strategy = "manual"
)

// TaskState tracks a recovery task.
type TaskState string

const (
	StatePending   TaskState = "pending"
	StateProbing   TaskState = "probing"
	StateSucceeded TaskState = "succeeded"
	StateFailed    TaskState = "failed"
)

// Policy bounds retry scheduling for one task.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultPolicy is 5 attempts, 1s initial, 2x growth, 60s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

// Delay returns the wait before attempt n (1-based) under the strategy.
// Manual tasks never self-schedule.
func (p Policy) Delay(strategy Strategy, attempt int) time.Duration {
	switch strategy {
	case StrategyImmediate:
		return 0
	case StrategyLinear:
		d := time.Duration(attempt) * p.InitialDelay
		if d > p.MaxDelay {
			return p.MaxDelay
		}
		return d
	case StrategyExponential:
		d := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
		if d > p.MaxDelay || d < 0 {
			return p.MaxDelay
		}
		return d
	default:
		return 0
	}
}

// HealthProbe reports whether the service has recovered.
type HealthProbe func(ctx context.Context) error

// Task is one service under recovery.
type Task struct {
	Service       string
	Priority      int // lower pops first among tasks due at the same time
	Strategy      Strategy
	Policy        Policy
	Probe         HealthProbe
	AttemptCount  int
	NextAttemptAt time.Time
	State         TaskState

	index int // heap bookkeeping
}

// taskHeap orders tasks by next attempt time, then priority.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].NextAttemptAt.Equal(h[j].NextAttemptAt) {
		return h[i].Priority < h[j].Priority
	}
	return h[i].NextAttemptAt.Before(h[j].NextAttemptAt)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x interface{}) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Orchestrator runs the recovery loop. One goroutine pops due tasks,
// probes, and reschedules or terminates them.
type Orchestrator struct {
	mu      sync.Mutex
	heap    taskHeap
	byName  map[string]*Task
	wake    chan struct{}
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewOrchestrator creates an idle orchestrator; call Start to begin the
// loop.
func NewOrchestrator() *Orchestrator {
	return &Orchestrator{
		byName: make(map[string]*Task),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		now:    time.Now,
	}
}

// Schedule enqueues a service for recovery. Manual-strategy tasks are
// registered but only probed via TriggerNow. Re-scheduling a known service
// resets its attempts.
func (o *Orchestrator) Schedule(service string, priority int, strategy Strategy, policy Policy, probe HealthProbe) {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	task := &Task{
		Service:  service,
		Priority: priority,
		Strategy: strategy,
		Policy:   policy,
		Probe:    probe,
		State:    StatePending,
	}

	o.mu.Lock()
	if old, ok := o.byName[service]; ok && old.index >= 0 && old.index < len(o.heap) {
		heap.Remove(&o.heap, old.index)
	}
	o.byName[service] = task
	if strategy != StrategyManual {
		task.AttemptCount = 1
		task.NextAttemptAt = o.now().Add(policy.Delay(strategy, 1))
		heap.Push(&o.heap, task)
	}
	o.mu.Unlock()
	o.kick()

	slog.Info("[Recovery] scheduled", "service", service, "strategy", strategy)
}

// TriggerNow forces an immediate probe for a (typically manual) task.
func (o *Orchestrator) TriggerNow(service string) bool {
	o.mu.Lock()
	task, ok := o.byName[service]
	if !ok || task.State == StateSucceeded || task.State == StateFailed {
		o.mu.Unlock()
		return false
	}
	if task.index >= 0 && task.index < len(o.heap) && o.heap[task.index] == task {
		heap.Remove(&o.heap, task.index)
	}
	if task.AttemptCount == 0 {
		task.AttemptCount = 1
	}
	task.NextAttemptAt = o.now()
	heap.Push(&o.heap, task)
	o.mu.Unlock()
	o.kick()
	return true
}

// TaskState returns the state of a tracked service.
func (o *Orchestrator) TaskState(service string) (TaskState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	task, ok := o.byName[service]
	if !ok {
		return "", false
	}
	return task.State, true
}

// Start launches the recovery loop.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.loop()
}

// Stop terminates the loop and waits for it.
func (o *Orchestrator) Stop() {
	o.stopped.Do(func() { close(o.stop) })
	o.wg.Wait()
}

func (o *Orchestrator) kick() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) loop() {
	defer o.wg.Done()
	for {
		task, wait := o.nextDue()
		if task != nil {
			o.attempt(task)
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-o.stop:
			timer.Stop()
			return
		case <-o.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// nextDue pops a due task, or returns the wait until the earliest one.
func (o *Orchestrator) nextDue() (*Task, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.heap) == 0 {
		return nil, time.Hour
	}
	head := o.heap[0]
	now := o.now()
	if head.NextAttemptAt.After(now) {
		return nil, head.NextAttemptAt.Sub(now)
	}
	return heap.Pop(&o.heap).(*Task), 0
}

func (o *Orchestrator) attempt(task *Task) {
	o.mu.Lock()
	task.State = StateProbing
	o.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := task.Probe(ctx)
	cancel()

	o.mu.Lock()
	defer o.mu.Unlock()

	if err == nil {
		task.State = StateSucceeded
		slog.Info("[Recovery] service recovered",
			"service", task.Service, "attempts", task.AttemptCount)
		return
	}

	if task.AttemptCount >= task.Policy.MaxAttempts {
		task.State = StateFailed
		slog.Error("[Recovery] service failed permanently",
			"service", task.Service, "attempts", task.AttemptCount)
		return
	}

	task.AttemptCount++
	task.State = StatePending
	task.NextAttemptAt = o.now().Add(task.Policy.Delay(task.Strategy, task.AttemptCount))
	heap.Push(&o.heap, task)
	slog.Warn("[Recovery] probe failed, rescheduled",
		"service", task.Service, "attempt", task.AttemptCount,
		"next_at", task.NextAttemptAt)
}
