package task

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store errors.
var (
	// ErrNotFound is returned when no task exists for the given id.
	ErrNotFound = errors.New("task not found")

	// ErrPrecondition is returned when a mutation would violate a lifecycle
	// invariant. It indicates a programming error, never user input.
	ErrPrecondition = errors.New("precondition_failed")
)

// Store is a process-local indexed task collection. It owns the lifecycle
// invariants: every mutation goes through Update, which applies the change
// under per-task exclusion and rejects invariant violations.
type Store struct {
	mu            sync.RWMutex
	tasks         map[string]*entry
	byFingerprint map[string]string // fingerprint -> most recent non-terminal task id

	maxRevisions int
	logger       *slog.Logger
}

type entry struct {
	mu   sync.Mutex
	task Task
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates an empty store. maxRevisions bounds the revision budget
// used to enforce the drafts-length invariant.
func NewStore(maxRevisions int, opts ...StoreOption) *Store {
	s := &Store{
		tasks:         make(map[string]*entry),
		byFingerprint: make(map[string]string),
		maxRevisions:  maxRevisions,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new pending task and indexes it by id and fingerprint.
func (s *Store) Create(query, tenantID string, context map[string]any, fingerprint string, deadline time.Time) Task {
	now := time.Now()
	t := Task{
		ID:             "TASK-" + uuid.New().String()[:8],
		Query:          query,
		TenantID:       tenantID,
		Context:        context,
		Fingerprint:    fingerprint,
		Status:         StatusPending,
		CurrentTier:    1,
		ValidatedDraft: -1,
		CreatedAt:      now,
		UpdatedAt:      now,
		Deadline:       deadline,
	}

	s.mu.Lock()
	s.tasks[t.ID] = &entry{task: t}
	s.byFingerprint[fingerprint] = t.ID
	s.mu.Unlock()

	s.logger.Debug("Task created",
		"task_id", t.ID,
		"tenant_id", tenantID,
		"fingerprint", fingerprint)

	return t.clone()
}

// Get returns a consistent snapshot of the task.
func (s *Store) Get(id string) (Task, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.clone(), nil
}

// Update applies mutate to the task under exclusion. The mutation is applied
// to a copy first; it is committed only if it passes the invariant checks.
// Distinct tasks update in parallel.
func (s *Store) Update(id string, mutate func(*Task) error) (Task, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Task{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.task
	next := prev.clone()
	if err := mutate(&next); err != nil {
		return Task{}, err
	}
	// CurrentTier is derived state: the status decides which tier owns the
	// task. Failure statuses keep the tier that was active.
	if tier := TierFor(next.Status); tier != 0 {
		next.CurrentTier = tier
	}
	if err := s.checkInvariants(&prev, &next); err != nil {
		s.logger.Error("Task mutation rejected",
			"task_id", id,
			"from", prev.Status,
			"to", next.Status,
			"error", err)
		return Task{}, err
	}

	next.UpdatedAt = time.Now()
	e.task = next

	if next.Status.Terminal() && !prev.Status.Terminal() {
		s.clearFingerprint(next.Fingerprint, id)
	}

	return next.clone(), nil
}

// checkInvariants rejects mutations that would corrupt the lifecycle.
func (s *Store) checkInvariants(prev, next *Task) error {
	if prev.Status.Terminal() {
		// Terminal tasks admit no mutation at all.
		return fmt.Errorf("%w: task %s is terminal in %s", ErrPrecondition, prev.ID, prev.Status)
	}
	if !validTransition(prev.Status, next.Status) {
		return fmt.Errorf("%w: illegal transition %s -> %s", ErrPrecondition, prev.Status, next.Status)
	}
	if tier := TierFor(next.Status); tier != 0 && next.CurrentTier != tier {
		return fmt.Errorf("%w: status %s at tier %d", ErrPrecondition, next.Status, next.CurrentTier)
	}
	if len(next.Drafts) < len(prev.Drafts) {
		return fmt.Errorf("%w: drafts are append-only", ErrPrecondition)
	}
	if len(next.Drafts) > s.maxRevisions+1 {
		return fmt.Errorf("%w: draft count %d exceeds revision budget", ErrPrecondition, len(next.Drafts))
	}
	if next.RevisionsUsed < prev.RevisionsUsed || next.RevisionsUsed > s.maxRevisions {
		return fmt.Errorf("%w: revisions_used %d out of range", ErrPrecondition, next.RevisionsUsed)
	}
	if next.Status == StatusApproved || next.Status == StatusDelivered {
		if next.ValidatedDraft < 0 || next.ValidatedDraft >= len(next.Drafts) {
			return fmt.Errorf("%w: %s without a validated draft", ErrPrecondition, next.Status)
		}
	}
	if next.Status == StatusRejected && next.RevisionsUsed != s.maxRevisions {
		return fmt.Errorf("%w: rejected with %d of %d revisions used", ErrPrecondition, next.RevisionsUsed, s.maxRevisions)
	}
	return nil
}

// ListActive returns snapshots of all non-terminal tasks.
func (s *Store) ListActive() []Task {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	active := make([]Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.task.Status.Terminal() {
			active = append(active, e.task.clone())
		}
		e.mu.Unlock()
	}
	return active
}

// ActiveByFingerprint returns the in-flight task for a fingerprint, if any.
func (s *Store) ActiveByFingerprint(fingerprint string) (Task, bool) {
	s.mu.RLock()
	id, ok := s.byFingerprint[fingerprint]
	s.mu.RUnlock()
	if !ok {
		return Task{}, false
	}
	t, err := s.Get(id)
	if err != nil || t.Status.Terminal() {
		return Task{}, false
	}
	return t, true
}

// Remove deletes a task record. Used by the retention sweeper once the
// observability window for terminal tasks has passed.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	if e, ok := s.tasks[id]; ok {
		if s.byFingerprint[e.task.Fingerprint] == id {
			delete(s.byFingerprint, e.task.Fingerprint)
		}
		delete(s.tasks, id)
	}
	s.mu.Unlock()
}

// SweepTerminal removes terminal tasks whose UpdatedAt is older than cutoff
// and returns how many were removed.
func (s *Store) SweepTerminal(cutoff time.Time) int {
	s.mu.RLock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		t, err := s.Get(id)
		if err != nil {
			continue
		}
		if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
			s.Remove(id)
			removed++
		}
	}
	return removed
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (s *Store) clearFingerprint(fingerprint, id string) {
	s.mu.Lock()
	if s.byFingerprint[fingerprint] == id {
		delete(s.byFingerprint, fingerprint)
	}
	s.mu.Unlock()
}
