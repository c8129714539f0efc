// Package cleanup runs plugin-registered maintenance tasks on fixed
// intervals: expired session purges, key rotation sweeps, stale code
// deletion. Single process only; clustered deployments run it on one
// replica.
package cleanup

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/SOG-web/reauth-sub000/orm"
)

// Result is what a task runner reports for one invocation.
type Result struct {
	Cleaned int64
	Errors  []error
}

// Runner executes one cleanup pass. Runners must be idempotent and must
// report their own failures through Result.Errors instead of error returns;
// a returned error is recorded and the scheduler simply waits for the next
// tick.
type Runner func(ctx context.Context, o orm.ORM, pluginConfig map[string]any) (Result, error)

// Task is a registered cleanup job.
type Task struct {
	Name       string
	PluginName string
	Interval   time.Duration
	Enabled    bool
	Runner     Runner
}

// taskState tracks one task's live scheduling state.
type taskState struct {
	task      Task
	lastRunAt time.Time

	// running serializes invocations of the same task: a tick that finds
	// the previous run still in flight is skipped.
	running bool
}

// Scheduler owns the timers and task state. Start and Stop bracket its
// lifecycle; tasks registered after Start are picked up on the next Start.
type Scheduler struct {
	orm orm.ORM

	mu            sync.Mutex
	tasks         map[string]*taskState
	pluginConfigs map[string]map[string]any
	running       bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(o orm.ORM) *Scheduler {
	return &Scheduler{
		orm:           o,
		tasks:         make(map[string]*taskState),
		pluginConfigs: make(map[string]map[string]any),
	}
}

// RegisterTask adds a cleanup task. Names are unique across plugins.
func (s *Scheduler) RegisterTask(task Task) error {
	if task.Name == "" {
		return fmt.Errorf("cleanup task name is required")
	}
	if task.Runner == nil {
		return fmt.Errorf("cleanup task %q has no runner", task.Name)
	}
	if task.Interval <= 0 {
		return fmt.Errorf("cleanup task %q needs a positive interval", task.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("cleanup task %q already registered", task.Name)
	}
	s.tasks[task.Name] = &taskState{task: task}
	return nil
}

// SetPluginConfig stores the config passed to a plugin's task runners.
func (s *Scheduler) SetPluginConfig(pluginName string, config map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pluginConfigs[pluginName] = config
}

// Tasks returns a snapshot of the registered tasks.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, st := range s.tasks {
		out = append(out, st.task)
	}
	return out
}

// IsRunning reports whether the scheduler is started.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start spawns one ticker goroutine per enabled task. Calling Start on a
// running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	for _, st := range s.tasks {
		if !st.task.Enabled {
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, st)
	}
}

// Stop cancels all timers and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, st *taskState) {
	defer s.wg.Done()

	ticker := time.NewTicker(st.task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTask(ctx, st)
		}
	}
}

// runTask invokes one task, serialized by task name. A failing task never
// affects other tasks or its own next tick.
func (s *Scheduler) runTask(ctx context.Context, st *taskState) {
	s.mu.Lock()
	if st.running {
		s.mu.Unlock()
		return
	}
	st.running = true
	config := s.pluginConfigs[st.task.PluginName]
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("cleanup task %s panicked: %v", st.task.Name, r)
		}
		s.mu.Lock()
		st.running = false
		st.lastRunAt = time.Now()
		s.mu.Unlock()
	}()

	result, err := st.task.Runner(ctx, s.orm, config)
	if err != nil {
		log.Printf("cleanup task %s failed: %v", st.task.Name, err)
		return
	}
	for _, taskErr := range result.Errors {
		log.Printf("cleanup task %s reported error: %v", st.task.Name, taskErr)
	}
	if result.Cleaned > 0 {
		log.Printf("cleanup task %s removed %d rows", st.task.Name, result.Cleaned)
	}
}

// RunTaskNow executes a single task immediately, outside its schedule.
// Used by the CLI for one-shot maintenance runs.
func (s *Scheduler) RunTaskNow(ctx context.Context, name string) (Result, error) {
	s.mu.Lock()
	st, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("cleanup task %q not registered", name)
	}
	config := s.pluginConfigs[st.task.PluginName]
	s.mu.Unlock()

	return st.task.Runner(ctx, s.orm, config)
}
