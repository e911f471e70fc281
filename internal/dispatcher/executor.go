package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/msageha/tempvoice/internal/logging"
	"github.com/msageha/tempvoice/internal/model"
)

// ErrPermanent marks an execution failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent failure")

type permanentError struct{ err error }

func (e *permanentError) Error() string        { return e.err.Error() }
func (e *permanentError) Unwrap() error        { return e.err }
func (e *permanentError) Is(target error) bool { return target == ErrPermanent }

// Permanent wraps err so the dispatcher fails the intent without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Executor performs one intent against the external API.
type Executor interface {
	Execute(ctx context.Context, in *model.Intent) error
}

type ExecutorFunc func(ctx context.Context, in *model.Intent) error

func (f ExecutorFunc) Execute(ctx context.Context, in *model.Intent) error { return f(ctx, in) }

// Registry routes actions to executors, falling back to a default.
type Registry struct {
	mu        sync.RWMutex
	executors map[model.Action]Executor
	fallback  Executor
}

func NewRegistry(fallback Executor) *Registry {
	return &Registry{executors: make(map[model.Action]Executor), fallback: fallback}
}

func (r *Registry) Register(action model.Action, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[action] = e
}

func (r *Registry) Lookup(action model.Action) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.executors[action]; ok {
		return e, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("no executor for action %q", action)
}

// LogExecutor is a dry-run executor: it checks the payload and logs the call.
type LogExecutor struct {
	logger *logging.Logger
}

func NewLogExecutor(logger *logging.Logger) *LogExecutor {
	return &LogExecutor{logger: logger.With("executor")}
}

func (e *LogExecutor) Execute(ctx context.Context, in *model.Intent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := model.DecodePayload(in.Action, in.Payload); err != nil {
		return Permanent(err)
	}
	e.logger.Infof("dry_run id=%s action=%s resource=%s guild=%s attempt=%d",
		in.ID, in.Action, in.ResourceID, in.GuildID, in.Attempts+1)
	return nil
}
