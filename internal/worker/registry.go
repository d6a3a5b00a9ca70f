package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuongbtq/procrastinate-go/internal/jobs"
)

// Handler runs one job with its task kwargs
type Handler func(ctx context.Context, kwargs map[string]any) error

// Task describes how a task name is executed
type Task struct {
	Handler Handler

	// MaxRetries is how many times a job failing with a retryable error is
	// sent back to todo before it is marked failed
	MaxRetries int
}

// Registry maps task names to tasks
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Register adds a task. Registering a name twice replaces the task.
func (r *Registry) Register(name string, task Task) error {
	if name == "" {
		return fmt.Errorf("task name is required")
	}
	if task.Handler == nil {
		return fmt.Errorf("task %q has no handler", name)
	}
	if task.MaxRetries < 0 {
		return fmt.Errorf("task %q has negative max retries", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = task
	return nil
}

// Get returns the task registered under name
func (r *Registry) Get(name string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[name]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", jobs.ErrTaskNotFound, name)
	}
	return task, nil
}

// Names returns the registered task names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
