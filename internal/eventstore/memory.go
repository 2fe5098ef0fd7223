// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/khjohns/unified-timeline/internal/domain"
)

// MemoryStore is the in-process Store used by unit tests and the CLI's
// offline replay mode. A single mutex serializes appends; the contract only
// requires per-case serialization, but contention is irrelevant at this
// store's scale.
type MemoryStore struct {
	mu         sync.RWMutex
	logs       map[uuid.UUID][]domain.Event
	dependents map[uuid.UUID][]uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs:       make(map[uuid.UUID][]domain.Event),
		dependents: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (s *MemoryStore) Append(ctx context.Context, caseID uuid.UUID, expectedVersion int64, events []domain.Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, &domain.StructuralValidationError{Reason: "empty event batch"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log, exists := s.logs[caseID]
	if !exists && expectedVersion != 0 {
		return 0, domain.ErrCaseNotFound
	}

	current := int64(len(log))
	if current != expectedVersion {
		return 0, &domain.ConcurrencyConflictError{
			CaseID:   caseID,
			Expected: expectedVersion,
			Actual:   current,
		}
	}

	for i, ev := range events {
		ev.CaseID = caseID
		ev.Seq = current + int64(i) + 1
		if ev.ID == uuid.Nil {
			ev.ID = uuid.New()
		}
		log = append(log, ev)

		for _, source := range dependencySources(ev) {
			s.dependents[source] = append(s.dependents[source], caseID)
		}
	}

	s.logs[caseID] = log
	return int64(len(log)), nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, caseID uuid.UUID) ([]domain.Event, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	log, exists := s.logs[caseID]
	if !exists {
		return nil, 0, domain.ErrCaseNotFound
	}

	out := make([]domain.Event, len(log))
	copy(out, log)
	return out, int64(len(log)), nil
}

func (s *MemoryStore) CurrentVersion(ctx context.Context, caseID uuid.UUID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	log, exists := s.logs[caseID]
	if !exists {
		return 0, domain.ErrCaseNotFound
	}
	return int64(len(log)), nil
}

func (s *MemoryStore) ListDependents(ctx context.Context, caseID uuid.UUID) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]uuid.UUID, len(s.dependents[caseID]))
	copy(out, s.dependents[caseID])
	return out, nil
}
