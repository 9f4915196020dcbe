package task

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

var ErrNotFound = errors.New("task not found")

// Registry is the single source of truth for task state. All access goes
// through one mutex; callers only ever see copies.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*record
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*record),
		now:   time.Now,
	}
}

// Create inserts a PENDING record and returns its snapshot.
func (r *Registry) Create(engine string) Snapshot {
	now := r.now()
	rec := &record{Snapshot: Snapshot{
		ID:        fmt.Sprintf("%s_%d", shortuuid.New(), now.Unix()),
		Engine:    engine,
		Status:    StatusPending,
		Stage:     "task created",
		Code:      http.StatusAccepted,
		CreatedAt: now,
		UpdatedAt: now,
	}}

	r.mu.Lock()
	defer r.mu.Unlock()
	for r.tasks[rec.ID] != nil {
		rec.ID = shortuuid.New()
	}
	r.tasks[rec.ID] = rec
	return rec.Snapshot
}

// Update applies fn to a live record. Unknown ids and terminal records are
// left untouched.
func (r *Registry) Update(id string, fn func(s *Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[id]
	if !ok || rec.Status.Terminal() {
		return
	}
	// Identity and lifecycle fields are owned by the registry.
	keepID, status, created := rec.ID, rec.Status, rec.CreatedAt
	progress, cancelRequested := rec.Progress, rec.CancelRequested
	fn(&rec.Snapshot)
	rec.ID, rec.Status, rec.CreatedAt = keepID, status, created
	rec.CancelRequested = rec.CancelRequested || cancelRequested
	rec.Progress = max(clamp(rec.Progress, 0, 100), progress)
	rec.UpdatedAt = r.now()
}

// SetProgress records a progress update. Progress is clamped to [0,100] and
// never moves backwards.
func (r *Registry) SetProgress(id string, progress int, stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[id]
	if !ok || rec.Status.Terminal() {
		return
	}
	progress = clamp(progress, 0, 100)
	if progress > rec.Progress {
		rec.Progress = progress
	}
	if stage != "" && !rec.CancelRequested {
		rec.Stage = stage
	}
	rec.UpdatedAt = r.now()
}

// Snapshot returns a copy of the record for id.
func (r *Registry) Snapshot(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return rec.Snapshot, nil
}

// List returns copies of all records ordered by creation time.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.tasks))
	for _, rec := range r.tasks {
		out = append(out, rec.Snapshot)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RequestCancel raises the cancel flag of a live task and reports
// StatusCanceling. A terminal task reports its own status unchanged.
func (r *Registry) RequestCancel(id string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[id]
	if !ok {
		return "", ErrNotFound
	}
	if rec.Status.Terminal() {
		return rec.Status, nil
	}
	rec.CancelRequested = true
	rec.Stage = "canceling"
	rec.UpdatedAt = r.now()
	if rec.cancel != nil {
		rec.cancel()
	}
	return StatusCanceling, nil
}

// CancelRequested reports whether cancellation was requested for id.
func (r *Registry) CancelRequested(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[id]
	return ok && rec.CancelRequested
}

// bindCancel attaches the cancel function of the task's execution context.
// It fires immediately if cancellation was already requested.
func (r *Registry) bindCancel(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[id]
	if !ok {
		return
	}
	rec.cancel = cancel
	if rec.CancelRequested {
		cancel()
	}
}

// Start moves a PENDING task to RUNNING.
func (r *Registry) Start(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[id]
	if !ok || rec.Status != StatusPending {
		return false
	}
	rec.Status = StatusRunning
	rec.UpdatedAt = r.now()
	return true
}

// Finish applies the terminal write. Only the first call for a task wins.
func (r *Registry) Finish(id string, o Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[id]
	if !ok || rec.Status.Terminal() || !o.Status.Terminal() {
		return false
	}
	now := r.now()
	rec.Status = o.Status
	rec.Code = o.Code
	rec.Content = o.Content
	rec.Progress = 100
	rec.ProcessTime = now.Sub(rec.CreatedAt).Seconds()
	rec.UpdatedAt = now
	rec.cancel = nil

	switch o.Status {
	case StatusSuccess:
		rec.Stage = "completed"
		rec.Detail = nil
	case StatusCanceled:
		rec.Stage = "canceled"
		rec.Detail = &o.Detail
	default:
		rec.Stage = "failed"
		rec.Detail = &o.Detail
	}
	return true
}

// Sweep drops terminal records last updated more than olderThan ago.
func (r *Registry) Sweep(olderThan time.Duration) int {
	cutoff := r.now().Add(-olderThan)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, rec := range r.tasks {
		if rec.Status.Terminal() && rec.UpdatedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed
}

// Reporter returns the progress reporter for id spanning [0,100].
func (r *Registry) Reporter(id string) Reporter {
	return Reporter{reg: r, id: id, low: 0, high: 100}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
