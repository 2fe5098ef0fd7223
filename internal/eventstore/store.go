// SPDX-License-Identifier: Apache-2.0

// Package eventstore holds the append-only per-case event log. The store
// is the only shared resource in the engine: writes are serialized per
// case through a version-check-then-append that either applies a whole
// batch or nothing, while reads and writes to different cases run freely.
package eventstore

import (
	"context"

	"github.com/google/uuid"

	"github.com/khjohns/unified-timeline/internal/domain"
)

// Store is the append-only case log contract. Append assigns sequence
// numbers itself (expected_version+1 onward), applies the batch atomically
// and returns the new version, or fails with *domain.ConcurrencyConflictError
// when the caller's expected version lost the race, domain.ErrCaseNotFound
// when a non-opening append targets an unknown case. The store does no
// semantic validation; that happens before Append is called.
type Store interface {
	Append(ctx context.Context, caseID uuid.UUID, expectedVersion int64, events []domain.Event) (int64, error)
	GetEvents(ctx context.Context, caseID uuid.UUID) ([]domain.Event, int64, error)
	CurrentVersion(ctx context.Context, caseID uuid.UUID) (int64, error)

	// ListDependents returns the cases that declared a dependency on the
	// given case when they were opened (forcing sources, change-order
	// references). Used to revalidate dependent cases after an append.
	ListDependents(ctx context.Context, caseID uuid.UUID) ([]uuid.UUID, error)
}

// dependencySources extracts the cross-case dependencies declared by a
// CASE_OPENED event, if any. Shared by both store implementations so the
// dependency index never diverges from the log.
func dependencySources(ev domain.Event) []uuid.UUID {
	if ev.Type != domain.EventCaseOpened {
		return nil
	}
	payload, err := domain.DecodePayload(ev.Type, ev.Payload)
	if err != nil {
		return nil
	}
	opened := payload.(*domain.CaseOpenedPayload)

	var sources []uuid.UUID
	if opened.SourceCaseID != nil {
		sources = append(sources, *opened.SourceCaseID)
	}
	sources = append(sources, opened.RefCaseIDs...)
	return sources
}
