// Package registry tracks the cancellation handle of every job that has a
// live execution unit in this process.
package registry

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dunamismax/florique/internal/domain"
)

// Handle is the cancellation signal of one execution unit. Cancellation is
// advisory: the unit polls Done/Cancelled at its own checkpoints.
type Handle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the job is cancelled or the registry's parent
// context ends.
func (h *Handle) Context() context.Context {
	return h.ctx
}

func (h *Handle) Done() <-chan struct{} {
	return h.ctx.Done()
}

func (h *Handle) Cancelled() bool {
	return h.ctx.Err() != nil
}

type Registry struct {
	parent context.Context
	mu     sync.Mutex
	jobs   map[string]*Handle
}

// New creates an empty registry. Every handle derives from parent, so
// cancelling parent signals all tracked jobs.
func New(parent context.Context) *Registry {
	if parent == nil {
		parent = context.Background()
	}
	return &Registry{
		parent: parent,
		jobs:   make(map[string]*Handle),
	}
}

// Track registers a fresh handle for jobID. A second Track for the same id
// is an invariant violation and fails with domain.ErrDuplicateJob.
func (r *Registry) Track(jobID string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[jobID]; exists {
		return nil, errors.Mark(errors.Newf("job %s is already tracked", jobID), domain.ErrDuplicateJob)
	}

	ctx, cancel := context.WithCancel(r.parent)
	h := &Handle{ctx: ctx, cancel: cancel}
	r.jobs[jobID] = h
	return h, nil
}

// Cancel signals the job's handle and forgets it. It reports whether a live
// job was found. It does not wait for the execution unit to stop.
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	h, ok := r.jobs[jobID]
	if ok {
		delete(r.jobs, jobID)
	}
	r.mu.Unlock()

	if ok {
		h.cancel()
	}
	return ok
}

// Untrack removes the entry unconditionally and releases its context.
func (r *Registry) Untrack(jobID string) {
	r.mu.Lock()
	h, ok := r.jobs[jobID]
	if ok {
		delete(r.jobs, jobID)
	}
	r.mu.Unlock()

	if ok {
		h.cancel()
	}
}

func (r *Registry) Tracked(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[jobID]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
