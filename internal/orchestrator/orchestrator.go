// Package orchestrator schedules pipeline stages as a dependency graph:
// independent branches run in parallel, a task starts only after its
// upstreams succeed, failures skip the downstream subgraph, and each
// task retries on its own bounded backoff policy. Run state is the only
// process-wide mutable state and every transition happens under one
// lock.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"nyc-taxi-pipeline/internal/model"
	"nyc-taxi-pipeline/pkg/logger"
)

// Trigger decides when a task becomes runnable once its upstreams have
// resolved.
type Trigger int

const (
	// TriggerOnSuccess runs the task when every upstream succeeded.
	TriggerOnSuccess Trigger = iota
	// TriggerOnFailure runs the task when any upstream failed, and
	// skips it when they all succeeded. Used for alerting.
	TriggerOnFailure
)

// Task is one node of the graph.
type Task struct {
	Name     string
	Upstream []string
	Retry    model.RetryPolicy
	Trigger  Trigger
	Run      func(ctx context.Context) error
}

// Graph is a validated set of tasks.
type Graph struct {
	tasks map[string]*Task
}

func NewGraph() *Graph {
	return &Graph{tasks: make(map[string]*Task)}
}

// Add registers a task. Duplicate names are rejected.
func (g *Graph) Add(t *Task) error {
	if t.Name == "" {
		return errors.New("task needs a name")
	}
	if t.Run == nil {
		return fmt.Errorf("task %s has no run function", t.Name)
	}
	if _, dup := g.tasks[t.Name]; dup {
		return fmt.Errorf("duplicate task %s", t.Name)
	}
	g.tasks[t.Name] = t
	return nil
}

// Validate checks every upstream reference exists and the graph has no
// cycles.
func (g *Graph) Validate() error {
	for name, t := range g.tasks {
		for _, up := range t.Upstream {
			if _, ok := g.tasks[up]; !ok {
				return fmt.Errorf("task %s references unknown upstream %s", name, up)
			}
		}
	}
	// Kahn's algorithm: everything must be reachable from the roots.
	indegree := make(map[string]int, len(g.tasks))
	for name, t := range g.tasks {
		indegree[name] = len(t.Upstream)
	}
	queue := []string{}
	for name, d := range indegree {
		if d == 0 {
			queue = append(queue, name)
		}
	}
	seen := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		seen++
		for downName, down := range g.tasks {
			for _, up := range down.Upstream {
				if up == name {
					indegree[downName]--
					if indegree[downName] == 0 {
						queue = append(queue, downName)
					}
				}
			}
		}
	}
	if seen != len(g.tasks) {
		return errors.New("task graph has a cycle")
	}
	return nil
}

// RunStore persists run and task state transitions. *store.Store
// satisfies it; a nil store keeps everything in memory.
type RunStore interface {
	CreateRun(ctx context.Context, run *model.PipelineRun) error
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, finishedAt *time.Time) error
	SaveTaskState(ctx context.Context, runID string, task model.TaskState) error
	AppendRunError(ctx context.Context, runID, task, message string) error
}

// Runner executes a graph once per Execute call.
type Runner struct {
	graph *Graph
	store RunStore
	// RunID, when set before Execute, names the run instead of a
	// generated id. The API uses this to answer trigger requests
	// before the run finishes.
	RunID string

	mu     sync.Mutex
	run    *model.PipelineRun
	cancel context.CancelFunc
}

func NewRunner(g *Graph, rs RunStore) *Runner {
	return &Runner{graph: g, store: rs}
}

// Run returns a snapshot of the current run state.
func (r *Runner) Run() *model.PipelineRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.run)
}

// Cancel asks the current run to stop. In-flight tasks get their
// context cancelled and drain to a safe stopping point before the run
// resolves as cancelled.
func (r *Runner) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Execute runs the whole graph and blocks until every reachable task
// has resolved. The run is never retried wholesale; only individual
// tasks retry, so upstream work that already succeeded is preserved.
func (r *Runner) Execute(ctx context.Context) (*model.PipelineRun, error) {
	if err := r.graph.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runID := r.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	run := &model.PipelineRun{
		ID:        runID,
		Status:    model.RunPending,
		Tasks:     make(map[string]model.TaskState),
		StartedAt: time.Now().UTC(),
	}
	for name := range r.graph.tasks {
		run.Tasks[name] = model.TaskState{Name: name, Status: model.TaskPending}
	}

	r.mu.Lock()
	r.run = run
	r.cancel = cancel
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.CreateRun(ctx, snapshot(run)); err != nil {
			return nil, fmt.Errorf("persist run: %w", err)
		}
	}
	r.setRunStatus(ctx, model.RunRunning, nil)
	logger.Infof("run %s started with %d tasks", run.ID, len(run.Tasks))

	events := make(chan string, len(run.Tasks))
	running := 0
	for {
		launched := r.launchReady(ctx, events)
		running += launched
		if running == 0 {
			break
		}
		select {
		case name := <-events:
			running--
			logger.Debugf("run %s: task %s resolved as %s", run.ID, name, r.taskStatus(name))
		case <-ctx.Done():
			// Stop launching; drain what is already in flight.
			for running > 0 {
				<-events
				running--
			}
		}
		if ctx.Err() != nil && running == 0 {
			break
		}
	}

	finished := time.Now().UTC()
	final := r.resolveRun(ctx)
	r.setRunStatus(ctx, final, &finished)
	logger.Infof("run %s finished: %s", run.ID, final)

	return r.Run(), nil
}

// launchReady starts every pending task whose upstreams have resolved,
// and resolves tasks whose trigger rule says they must be skipped. It
// returns the number of goroutines launched.
func (r *Runner) launchReady(ctx context.Context, events chan<- string) int {
	r.mu.Lock()
	type decision struct {
		task *Task
		skip bool
	}
	var decisions []decision
	for name, t := range r.graph.tasks {
		state := r.run.Tasks[name]
		if state.Status != model.TaskPending {
			continue
		}
		if ctx.Err() != nil {
			decisions = append(decisions, decision{task: t, skip: true})
			continue
		}
		ready, skip := r.evaluateLocked(t)
		if !ready {
			continue
		}
		decisions = append(decisions, decision{task: t, skip: skip})
	}
	r.mu.Unlock()

	launched := 0
	for _, d := range decisions {
		if d.skip {
			r.resolveTask(ctx, d.task.Name, model.TaskSkipped, 0, "")
			continue
		}
		r.markRunning(ctx, d.task.Name)
		launched++
		go func(t *Task) {
			r.runTask(ctx, t)
			events <- t.Name
		}(d.task)
	}
	// Skipping may unblock further downstream decisions immediately.
	if launched == 0 {
		for _, d := range decisions {
			if d.skip {
				return r.launchReady(ctx, events)
			}
		}
	}
	return launched
}

// evaluateLocked decides whether a pending task is ready, and if so
// whether it runs or skips. Caller holds r.mu.
func (r *Runner) evaluateLocked(t *Task) (ready, skip bool) {
	anyFailed := false
	for _, up := range t.Upstream {
		upState := r.run.Tasks[up]
		if !upState.Status.Resolved() {
			return false, false
		}
		if upState.Status == model.TaskFailed || upState.Status == model.TaskSkipped {
			anyFailed = true
		}
	}
	switch t.Trigger {
	case TriggerOnFailure:
		return true, !anyFailed
	default:
		return true, anyFailed
	}
}

// runTask executes one task with its retry policy. A task that exhausts
// its attempts resolves as failed; the failure is recorded, never
// silently dropped.
func (r *Runner) runTask(ctx context.Context, t *Task) {
	policy := t.Retry
	if policy.MaxAttempts <= 0 {
		policy = model.DefaultRetry
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if delay := policy.Delay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
			case <-time.After(delay):
			}
		}
		if ctx.Err() != nil {
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			r.resolveTask(ctx, t.Name, model.TaskFailed, attempt-1, lastErr.Error())
			return
		}

		r.bumpAttempts(ctx, t.Name, attempt)
		lastErr = t.Run(ctx)
		if lastErr == nil {
			r.resolveTask(ctx, t.Name, model.TaskSucceeded, attempt, "")
			return
		}
		logger.Warnf("task %s attempt %d failed: %v", t.Name, attempt, lastErr)
		if policy.Exhausted(attempt) || ctx.Err() != nil {
			r.resolveTask(ctx, t.Name, model.TaskFailed, attempt, lastErr.Error())
			return
		}
	}
}

// resolveRun decides the final run status once all tasks resolved.
func (r *Runner) resolveRun(ctx context.Context) model.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil {
		return model.RunCancelled
	}
	for _, task := range r.run.Tasks {
		if task.Status == model.TaskFailed {
			return model.RunFailed
		}
	}
	return model.RunSucceeded
}

// --- state transitions, all under r.mu ---

func (r *Runner) setRunStatus(ctx context.Context, status model.RunStatus, finishedAt *time.Time) {
	r.mu.Lock()
	r.run.Status = status
	r.run.FinishedAt = finishedAt
	runID := r.run.ID
	r.mu.Unlock()
	if r.store != nil {
		if err := r.store.UpdateRunStatus(context.WithoutCancel(ctx), runID, status, finishedAt); err != nil {
			logger.Errorf("persist run status %s: %v", runID, err)
		}
	}
}

func (r *Runner) markRunning(ctx context.Context, name string) {
	now := time.Now().UTC()
	r.mutateTask(ctx, name, func(s *model.TaskState) {
		s.Status = model.TaskRunning
		s.StartedAt = &now
	})
}

func (r *Runner) bumpAttempts(ctx context.Context, name string, attempts int) {
	r.mutateTask(ctx, name, func(s *model.TaskState) {
		s.Attempts = attempts
	})
}

func (r *Runner) resolveTask(ctx context.Context, name string, status model.TaskStatus, attempts int, errMsg string) {
	now := time.Now().UTC()
	r.mutateTask(ctx, name, func(s *model.TaskState) {
		s.Status = status
		if attempts > 0 {
			s.Attempts = attempts
		}
		s.Error = errMsg
		s.FinishedAt = &now
	})
	if status == model.TaskFailed && errMsg != "" && r.store != nil {
		r.mu.Lock()
		runID := r.run.ID
		r.mu.Unlock()
		if err := r.store.AppendRunError(context.WithoutCancel(ctx), runID, name, errMsg); err != nil {
			logger.Errorf("persist run error for %s/%s: %v", runID, name, err)
		}
	}
}

func (r *Runner) mutateTask(ctx context.Context, name string, mutate func(*model.TaskState)) {
	r.mu.Lock()
	state := r.run.Tasks[name]
	mutate(&state)
	r.run.Tasks[name] = state
	runID := r.run.ID
	r.mu.Unlock()
	if r.store != nil {
		if err := r.store.SaveTaskState(context.WithoutCancel(ctx), runID, state); err != nil {
			logger.Errorf("persist task %s/%s: %v", runID, name, err)
		}
	}
}

func (r *Runner) taskStatus(name string) model.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.Tasks[name].Status
}

func snapshot(run *model.PipelineRun) *model.PipelineRun {
	if run == nil {
		return nil
	}
	out := *run
	out.Tasks = make(map[string]model.TaskState, len(run.Tasks))
	for k, v := range run.Tasks {
		out.Tasks[k] = v
	}
	return &out
}
