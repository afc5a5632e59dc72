// Package tools runs server-side tools for the tool gateway.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xiaot623/gogo/internal/domain"
)

// Executor performs one server-side tool call.
type Executor func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Outcome is the classified result of a tool run, ready to be stored on the
// tool call.
type Outcome struct {
	Status domain.ToolCallStatus
	Result json.RawMessage
	Error  json.RawMessage
}

// Registry maps tool names to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Add binds an executor to a tool name. A name can be bound once.
func (r *Registry) Add(name string, exec Executor) error {
	if name == "" || exec == nil {
		return errors.New("tool name and executor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.executors[name]; dup {
		return fmt.Errorf("executor already bound to %s", name)
	}
	r.executors[name] = exec
	return nil
}

// Has reports whether name has an executor.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[name]
	return ok
}

// Run executes name with args, bounded by timeout when positive. Executor
// errors and panics become failed outcomes; running past the deadline is a
// timeout.
func (r *Registry) Run(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (out Outcome) {
	r.mu.RLock()
	exec := r.executors[name]
	r.mu.RUnlock()
	if exec == nil {
		return failed("no_executor", "no executor registered for "+name)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			out = failed("execution_failed", fmt.Sprintf("tool panicked: %v", p))
		}
	}()

	result, err := exec(ctx, args)
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Outcome{
			Status: domain.ToolCallStatusTimeout,
			Error:  domain.ToolError{Code: "timeout", Message: "tool call timed out"}.Raw(),
		}
	case err != nil:
		return failed("execution_failed", err.Error())
	}
	return Outcome{Status: domain.ToolCallStatusSucceeded, Result: result}
}

func failed(code, msg string) Outcome {
	return Outcome{
		Status: domain.ToolCallStatusFailed,
		Error:  domain.ToolError{Code: code, Message: msg}.Raw(),
	}
}
