// Package coordinator schedules agent tasks: it validates submissions, tracks
// dependencies, dispatches ready work to a bounded worker pool, and drives
// every task to exactly one terminal state.
package coordinator

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgecrew/foreman/agent"
	"github.com/forgecrew/foreman/atom"
	"github.com/forgecrew/foreman/bus"
	"github.com/forgecrew/foreman/memory"
	"github.com/forgecrew/foreman/task"
)

// Config tunes the coordinator. Zero values take the defaults below.
type Config struct {
	// Workers is the size of the execution pool.
	Workers int
	// ExecTimeout bounds a single agent execution.
	ExecTimeout time.Duration
	// CancelGrace is how long a cancelled or timed-out agent gets to stop
	// before its task is finalized without it.
	CancelGrace time.Duration
	// HeartbeatTimeout fails a running task whose agent has not reported
	// progress for this long.
	HeartbeatTimeout time.Duration
	// SweepInterval is how often the liveness sweep runs.
	SweepInterval time.Duration
	// ContextAtoms is how many recent atoms are injected per execution.
	ContextAtoms int
	// ContextMemories is how many similar memories are injected per execution.
	ContextMemories int
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 10 * time.Minute
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.ContextAtoms <= 0 {
		c.ContextAtoms = 5
	}
	if c.ContextMemories <= 0 {
		c.ContextMemories = 5
	}
}

// inflight tracks one running execution.
type inflight struct {
	cancel          context.CancelFunc
	heartbeat       time.Time
	cancelRequested bool
}

// Coordinator owns the authoritative task state. All mutation happens under a
// single mutex; everyone outside receives snapshots.
type Coordinator struct {
	cfg      Config
	store    task.Store
	registry *agent.Registry
	mem      *memory.Adapter
	atoms    *atom.Builder
	bus      *bus.Bus
	logger   *slog.Logger

	mu          sync.Mutex
	tasks       map[string]*task.Task
	dependents  map[string][]string // dependency id -> ids waiting on it
	waiting     map[string]int      // task id -> incomplete dependency count
	ready       readyQueue
	running     map[string]*inflight
	typeRunning map[string]int
	injected    map[string][]string // task id -> atom ids injected at dispatch
	seq         uint64
	started     bool

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Coordinator. The store, registry and bus are required; mem
// and atoms may be nil to run without memory integration.
func New(cfg Config, store task.Store, registry *agent.Registry, mem *memory.Adapter, atoms *atom.Builder, b *bus.Bus, logger *slog.Logger) *Coordinator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		cfg:         cfg,
		store:       store,
		registry:    registry,
		mem:         mem,
		atoms:       atoms,
		bus:         b,
		logger:      logger,
		tasks:       make(map[string]*task.Task),
		dependents:  make(map[string][]string),
		waiting:     make(map[string]int),
		running:     make(map[string]*inflight),
		typeRunning: make(map[string]int),
		injected:    make(map[string][]string),
		wake:        make(chan struct{}, cfg.Workers),
		stop:        make(chan struct{}),
	}
}

// Start loads persisted history and launches the worker pool and liveness
// sweep.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already started")
	}
	c.started = true
	c.mu.Unlock()

	c.loadHistory()

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	c.wg.Add(1)
	go c.sweeper()

	c.logger.Info("coordinator started",
		slog.Int("workers", c.cfg.Workers),
		slog.Duration("exec_timeout", c.cfg.ExecTimeout),
	)
	return nil
}

// Stop shuts down the worker pool, waiting up to ctx for in-flight
// executions to finish.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("coordinator stop: %w", ctx.Err())
	}
}

// loadHistory restores persisted tasks. Tasks that were non-terminal when the
// process died are marked failed; the work they represented cannot be resumed.
func (c *Coordinator) loadHistory() {
	tasks, err := c.store.List(task.Filter{})
	if err != nil {
		c.logger.Warn("task history unavailable", slog.Any("err", err))
		return
	}

	var repaired []*task.Task
	c.mu.Lock()
	for _, t := range tasks {
		if !t.Status.Terminal() {
			now := time.Now().UTC()
			t.Status = task.StatusFailed
			t.Error = "interrupted by restart"
			t.CompletedAt = &now
			repaired = append(repaired, t.Clone())
		}
		c.tasks[t.ID] = t
		for _, dep := range t.DependsOn {
			c.dependents[dep] = append(c.dependents[dep], t.ID)
		}
	}
	c.mu.Unlock()

	for _, t := range repaired {
		c.persist(t)
	}
	if len(tasks) > 0 {
		c.logger.Info("task history loaded",
			slog.Int("tasks", len(tasks)),
			slog.Int("repaired", len(repaired)),
		)
	}
}

// Submit validates a spec, creates the task and queues it (or parks it until
// its dependencies complete). It returns the new task id.
func (c *Coordinator) Submit(spec task.Spec) (string, error) {
	if spec.Name == "" {
		return "", &ValidationError{Reason: "task name is required"}
	}
	if spec.AgentType == "" {
		return "", &ValidationError{Reason: "agent type is required"}
	}
	if !spec.Priority.Valid() {
		return "", &ValidationError{Reason: fmt.Sprintf("unknown priority %d", spec.Priority)}
	}
	if _, ok := c.registry.Get(spec.AgentType); !ok {
		return "", &ValidationError{Reason: fmt.Sprintf("unknown agent type %q", spec.AgentType)}
	}
	if err := c.registry.ValidateParams(spec.AgentType, spec.Params); err != nil {
		return "", &ValidationError{Reason: err.Error()}
	}

	t := &task.Task{
		ID:          uuid.NewString(),
		Name:        spec.Name,
		Description: spec.Description,
		AgentType:   spec.AgentType,
		Status:      task.StatusPending,
		Priority:    spec.Priority,
		Params:      spec.Params,
		DependsOn:   append([]string(nil), spec.DependsOn...),
		CreatedAt:   time.Now().UTC(),
	}

	c.mu.Lock()
	incomplete := 0
	var deadDep string
	for _, dep := range t.DependsOn {
		dt, ok := c.tasks[dep]
		if !ok {
			c.mu.Unlock()
			return "", &ValidationError{Reason: fmt.Sprintf("dependency %s not found", dep)}
		}
		switch dt.Status {
		case task.StatusCompleted:
		case task.StatusFailed, task.StatusCancelled:
			deadDep = dep
		default:
			incomplete++
		}
	}

	t.Status = task.StatusQueued
	c.tasks[t.ID] = t
	for _, dep := range t.DependsOn {
		c.dependents[dep] = append(c.dependents[dep], t.ID)
	}
	switch {
	case deadDep != "":
		// Falls through to an immediate dependency failure below.
	case incomplete == 0:
		c.enqueueLocked(t)
	default:
		c.waiting[t.ID] = incomplete
	}
	snapshot := t.Clone()
	c.publish(bus.EventTaskQueued, snapshot)
	c.mu.Unlock()

	c.persistCreate(snapshot)

	if deadDep != "" {
		c.failQueued(t.ID, &DependencyError{TaskID: t.ID, DependencyID: deadDep})
	}
	return t.ID, nil
}

// Status returns a snapshot of one task.
func (c *Coordinator) Status(id string) (*task.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	return t.Clone(), nil
}

// List returns snapshots of tasks matching the filter, ordered by priority
// descending then creation time ascending.
func (c *Coordinator) List(f task.Filter) ([]*task.Task, error) {
	c.mu.Lock()
	var out []*task.Task
	for _, t := range c.tasks {
		if f.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Cancel requests cancellation. Queued tasks cancel immediately; running
// tasks get CancelGrace to stop, and fail with a timeout error if the agent
// does not stop in time. Cancelling a terminal task is a no-op.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	t, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", id, task.ErrNotFound)
	}

	switch {
	case t.Status.Terminal():
		c.mu.Unlock()
		return nil

	case t.Status == task.StatusRunning:
		if inf := c.running[id]; inf != nil && !inf.cancelRequested {
			inf.cancelRequested = true
			inf.cancel()
			time.AfterFunc(c.cfg.CancelGrace, func() { c.forceCancel(id) })
		}
		c.mu.Unlock()
		return nil

	default: // pending or queued: never dispatched, agent never invoked
		now := time.Now().UTC()
		t.Status = task.StatusCancelled
		t.CompletedAt = &now
		delete(c.waiting, id)
		snapshot := t.Clone()
		c.publish(bus.EventTaskCancelled, snapshot)
		c.mu.Unlock()

		c.persist(snapshot)
		c.cascadeFail(id)
		return nil
	}
}

// forceCancel finalizes a task whose agent ignored cancellation past the
// grace period. The task fails with a timeout error; a late agent return is
// discarded.
func (c *Coordinator) forceCancel(id string) {
	c.mu.Lock()
	t := c.tasks[id]
	stillRunning := t != nil && t.Status == task.StatusRunning
	c.mu.Unlock()
	if stillRunning {
		c.finalize(id, nil, &TimeoutError{TaskID: id, Timeout: c.cfg.CancelGrace, Cancel: true})
	}
}

// failQueued finalizes a queued task that can never run.
func (c *Coordinator) failQueued(id string, cause error) {
	c.mu.Lock()
	t := c.tasks[id]
	if t == nil || t.Status != task.StatusQueued {
		c.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	t.Status = task.StatusFailed
	t.Error = cause.Error()
	t.CompletedAt = &now
	delete(c.waiting, id)
	snapshot := t.Clone()
	c.publish(bus.EventTaskFailed, snapshot)
	c.mu.Unlock()

	c.persist(snapshot)
	c.cascadeFail(id)
}

func (c *Coordinator) enqueueLocked(t *task.Task) {
	c.seq++
	heap.Push(&c.ready, &queueItem{id: t.ID, priority: t.Priority, seq: c.seq})
	c.wakeWorkers()
}

func (c *Coordinator) wakeWorkers() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

type dispatched struct {
	t   *task.Task
	ctx context.Context
}

// dispatch pops the highest-priority ready task the pool can run right now.
// The running transition and the cancel func are created under the same lock
// so Cancel can never miss a dispatch in flight.
func (c *Coordinator) dispatch() (*dispatched, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var skipped []*queueItem
	defer func() {
		for _, item := range skipped {
			heap.Push(&c.ready, item)
		}
	}()

	for c.ready.Len() > 0 {
		item := heap.Pop(&c.ready).(*queueItem)
		t := c.tasks[item.id]
		if t == nil || t.Status != task.StatusQueued {
			continue // cancelled or failed while queued
		}
		reg, ok := c.registry.Get(t.AgentType)
		if ok && reg.MaxConcurrent > 0 && c.typeRunning[t.AgentType] >= reg.MaxConcurrent {
			skipped = append(skipped, item)
			continue
		}

		now := time.Now().UTC()
		t.Status = task.StatusRunning
		t.StartedAt = &now
		ctx, cancel := context.WithCancel(context.Background())
		c.running[t.ID] = &inflight{cancel: cancel, heartbeat: now}
		c.typeRunning[t.AgentType]++
		d := &dispatched{t: t.Clone(), ctx: ctx}
		c.publish(bus.EventTaskStarted, d.t)
		return d, true
	}
	return nil, false
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case <-c.wake:
		}
		for {
			d, ok := c.dispatch()
			if !ok {
				break
			}
			c.execute(d)
		}
	}
}

type execResult struct {
	res *agent.Result
	err error
}

// execute runs one dispatched task to a terminal state. The agent runs in its
// own goroutine so a hung or panicking agent cannot take the worker down
// with it.
func (c *Coordinator) execute(d *dispatched) {
	id := d.t.ID
	c.persist(d.t)

	reg, ok := c.registry.Get(d.t.AgentType)
	if !ok {
		c.finalize(id, nil, &WorkerFaultError{TaskID: id, Reason: "agent type vanished from registry"})
		return
	}
	ec := c.buildExecContext(d.t)

	execCtx, cancel := context.WithTimeout(d.ctx, c.cfg.ExecTimeout)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execResult{err: &WorkerFaultError{TaskID: id, Reason: fmt.Sprintf("panic: %v", r)}}
			}
		}()
		res, err := reg.Agent.Execute(execCtx, ec)
		done <- execResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		c.finalize(id, r.res, r.err)
	case <-time.After(c.cfg.ExecTimeout + c.cfg.CancelGrace):
		// Agent ignored its deadline past the grace period. Finalize without
		// it; its eventual return is discarded.
		c.finalize(id, nil, &TimeoutError{TaskID: id, Timeout: c.cfg.ExecTimeout})
	case <-c.stop:
		// Shutting down; leave the task for the restart repair pass.
	}
}

// buildExecContext gathers the memory context injected into an execution and
// announces the injection on the bus.
func (c *Coordinator) buildExecContext(t *task.Task) *agent.ExecContext {
	ctx := context.Background()
	var atoms []*memory.Node
	var similar []memory.ScoredMemory
	if c.mem != nil {
		var err error
		atoms, err = c.mem.QueryNodes(ctx, memory.NodeFilter{Limit: c.cfg.ContextAtoms})
		if err != nil {
			c.logger.Warn("context atoms unavailable", slog.String("task", t.ID), slog.Any("err", err))
		}
		query := t.Name
		if t.Description != "" {
			query += " " + t.Description
		}
		similar, err = c.mem.QuerySimilar(ctx, query, c.cfg.ContextMemories)
		if err != nil {
			c.logger.Warn("similar memories unavailable", slog.String("task", t.ID), slog.Any("err", err))
		}
	}

	atomIDs := make([]string, 0, len(atoms))
	for _, n := range atoms {
		atomIDs = append(atomIDs, n.ID)
	}
	memoryIDs := make([]string, 0, len(similar))
	for _, s := range similar {
		memoryIDs = append(memoryIDs, s.Memory.ID)
	}
	c.mu.Lock()
	c.injected[t.ID] = atomIDs
	c.mu.Unlock()

	c.bus.Publish(bus.Event{
		Type:      bus.EventContextInjected,
		TaskID:    t.ID,
		AgentType: t.AgentType,
		Project:   c.project(),
		Payload:   map[string][]string{"atom_ids": atomIDs, "memory_ids": memoryIDs},
	})

	id := t.ID
	return &agent.ExecContext{
		Task:     t,
		Params:   t.Params,
		Atoms:    atoms,
		Similar:  similar,
		Progress: func(p int) { c.progress(id, p) },
	}
}

// progress records an agent progress report and refreshes the liveness
// heartbeat.
func (c *Coordinator) progress(id string, pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	c.mu.Lock()
	t := c.tasks[id]
	if t == nil || t.Status != task.StatusRunning {
		c.mu.Unlock()
		return
	}
	t.Progress = pct
	if inf := c.running[id]; inf != nil {
		inf.heartbeat = time.Now()
	}
	c.publish(bus.EventTaskProgress, t.Clone())
	c.mu.Unlock()
}

// finalize moves a running task to its terminal state exactly once, records
// the outcome atom, and releases dependents. Late calls for an already
// terminal task are no-ops.
func (c *Coordinator) finalize(id string, res *agent.Result, execErr error) {
	c.mu.Lock()
	t := c.tasks[id]
	if t == nil || t.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	inf := c.running[id]
	now := time.Now().UTC()
	t.CompletedAt = &now

	var evType bus.EventType
	var timedOut *TimeoutError
	switch {
	case errors.As(execErr, &timedOut):
		// Timeouts win over a pending cancellation: the grace period already
		// expired.
		t.Status = task.StatusFailed
		t.Error = execErr.Error()
		evType = bus.EventTaskFailed
	case inf != nil && inf.cancelRequested,
		errors.Is(execErr, context.Canceled) && !errors.Is(execErr, context.DeadlineExceeded):
		t.Status = task.StatusCancelled
		evType = bus.EventTaskCancelled
	case execErr != nil:
		t.Status = task.StatusFailed
		t.Error = c.classify(id, execErr).Error()
		evType = bus.EventTaskFailed
	default:
		t.Status = task.StatusCompleted
		t.Progress = 100
		if res != nil {
			t.Result = res.Output
		}
		evType = bus.EventTaskCompleted
	}

	if inf != nil {
		delete(c.running, id)
		c.typeRunning[t.AgentType]--
		inf.cancel()
	}
	basedOn := c.injected[id]
	delete(c.injected, id)
	snapshot := t.Clone()
	c.publish(evType, snapshot)
	c.mu.Unlock()

	if c.atoms != nil && (snapshot.Status == task.StatusCompleted || snapshot.Status == task.StatusFailed) {
		n, warnings := c.atoms.FromTask(context.Background(), snapshot, basedOn)
		if len(warnings) > 0 {
			c.mu.Lock()
			if cur := c.tasks[id]; cur != nil {
				cur.Warnings = append(cur.Warnings, warnings...)
				snapshot = cur.Clone()
			}
			c.mu.Unlock()
		}
		if n != nil {
			c.bus.Publish(bus.Event{
				Type:      bus.EventMemoryPersisted,
				TaskID:    id,
				AgentType: snapshot.AgentType,
				Project:   c.project(),
				Payload:   map[string]string{"atom_id": n.ID, "atom_type": n.Type},
			})
		}
	}

	c.persist(snapshot)
	c.onTerminal(snapshot)
	c.wakeWorkers()
}

// classify maps a raw execution error onto the coordinator error taxonomy.
func (c *Coordinator) classify(id string, err error) error {
	var wf *WorkerFaultError
	if errors.As(err, &wf) {
		return err
	}
	var to *TimeoutError
	if errors.As(err, &to) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{TaskID: id, Timeout: c.cfg.ExecTimeout}
	}
	return &AgentExecutionError{TaskID: id, Err: err}
}

// onTerminal releases or fails the tasks waiting on a newly terminal one.
func (c *Coordinator) onTerminal(t *task.Task) {
	if t.Status != task.StatusCompleted {
		c.cascadeFail(t.ID)
		return
	}

	c.mu.Lock()
	for _, childID := range c.dependents[t.ID] {
		child := c.tasks[childID]
		if child == nil || child.Status != task.StatusQueued {
			continue
		}
		if n, ok := c.waiting[childID]; ok {
			if n <= 1 {
				delete(c.waiting, childID)
				c.enqueueLocked(child)
			} else {
				c.waiting[childID] = n - 1
			}
		}
	}
	c.mu.Unlock()
}

// cascadeFail transitively fails every queued task depending on a task that
// terminated without completing.
func (c *Coordinator) cascadeFail(rootID string) {
	c.mu.Lock()
	var failed []*task.Task
	frontier := []string{rootID}
	for len(frontier) > 0 {
		depID := frontier[0]
		frontier = frontier[1:]
		for _, childID := range c.dependents[depID] {
			child := c.tasks[childID]
			if child == nil || child.Status != task.StatusQueued {
				continue
			}
			now := time.Now().UTC()
			child.Status = task.StatusFailed
			child.Error = (&DependencyError{TaskID: childID, DependencyID: depID}).Error()
			child.CompletedAt = &now
			delete(c.waiting, childID)
			failed = append(failed, child.Clone())
			frontier = append(frontier, childID)
		}
	}
	for _, s := range failed {
		c.publish(bus.EventTaskFailed, s)
	}
	c.mu.Unlock()

	for _, s := range failed {
		c.persist(s)
	}
}

// sweeper periodically fails running tasks whose agents stopped reporting
// progress.
func (c *Coordinator) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Coordinator) sweep() {
	cutoff := time.Now().Add(-c.cfg.HeartbeatTimeout)

	c.mu.Lock()
	var stale []string
	for id, inf := range c.running {
		if inf.heartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()

	for _, id := range stale {
		c.logger.Warn("worker heartbeat stale", slog.String("task", id))
		c.finalize(id, nil, &WorkerFaultError{
			TaskID: id,
			Reason: "no progress within " + c.cfg.HeartbeatTimeout.String(),
		})
	}
}

func (c *Coordinator) project() string {
	if c.mem == nil {
		return ""
	}
	return c.mem.Project()
}

func (c *Coordinator) persistCreate(t *task.Task) {
	if c.store == nil {
		return
	}
	if _, err := c.store.Create(t); err != nil {
		c.logger.Warn("task create not persisted", slog.String("task", t.ID), slog.Any("err", err))
	}
}

func (c *Coordinator) persist(t *task.Task) {
	if c.store == nil {
		return
	}
	if err := c.store.Update(t); err != nil {
		c.logger.Warn("task update not persisted", slog.String("task", t.ID), slog.Any("err", err))
	}
}

// publish emits a lifecycle event. Callers hold c.mu so the bus sees events
// in the same order the transitions happened; bus.Publish never blocks, which
// makes that safe.
func (c *Coordinator) publish(evType bus.EventType, t *task.Task) {
	c.bus.Publish(bus.Event{
		Type:      evType,
		TaskID:    t.ID,
		AgentType: t.AgentType,
		Project:   c.project(),
		Payload:   t,
	})
}
