// SPDX-License-Identifier: Apache-2.0

// Package subcase holds the handlers for the two dependent case forms:
// Forcing (acceleration after a rejected deadline claim) and ChangeOrder
// (formal aggregation of standard cases). Both resolve their dependencies
// by case id through the store and projector, never by in-memory reference.
package subcase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/khjohns/unified-timeline/internal/domain"
	"github.com/khjohns/unified-timeline/internal/eventstore"
	"github.com/khjohns/unified-timeline/internal/projection"
)

// ForcingHandler re-checks forcing cases whose validity depends on a
// Deadline rejection in a source case. When the rejection is reversed, the
// handler appends a derived FORCING_STOPPED system event to the dependent
// case instead of touching history.
type ForcingHandler struct {
	store  eventstore.Store
	logger *slog.Logger
}

func NewForcingHandler(store eventstore.Store, logger *slog.Logger) *ForcingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ForcingHandler{
		store:  store,
		logger: logger,
	}
}

// VerifySource checks whether a forcing case may be opened against the
// given source right now. The source must exist and its Deadline track
// must currently read Rejected; anything else rejects the opening event.
func (h *ForcingHandler) VerifySource(ctx context.Context, sourceCaseID uuid.UUID) error {
	events, _, err := h.store.GetEvents(ctx, sourceCaseID)
	if err != nil {
		if errors.Is(err, domain.ErrCaseNotFound) {
			return &domain.StructuralValidationError{
				Reason: fmt.Sprintf("forcing source case %s does not exist", sourceCaseID),
			}
		}
		return fmt.Errorf("load forcing source %s: %w", sourceCaseID, err)
	}

	source, err := projection.Project(events)
	if err != nil {
		return fmt.Errorf("project forcing source %s: %w", sourceCaseID, err)
	}

	if source.Deadline.Status != domain.StatusRejected {
		return &domain.StructuralValidationError{
			Reason: fmt.Sprintf("forcing source %s deadline track is %s; forcing requires %s",
				sourceCaseID, source.Deadline.Status, domain.StatusRejected),
		}
	}
	return nil
}

// Revalidate walks the cases that depend on sourceState and stops every
// active forcing case whose dependency no longer reads Rejected. Returns
// the ids of the cases stopped. A concurrency loss on a dependent is
// logged and skipped; the next append to the source triggers the check
// again.
func (h *ForcingHandler) Revalidate(ctx context.Context, sourceState domain.CaseState) ([]uuid.UUID, error) {
	if sourceState.Deadline.Status == domain.StatusRejected {
		return nil, nil
	}

	dependents, err := h.store.ListDependents(ctx, sourceState.CaseID)
	if err != nil {
		return nil, fmt.Errorf("list dependents of %s: %w", sourceState.CaseID, err)
	}

	var stopped []uuid.UUID
	for _, dependentID := range dependents {
		events, version, err := h.store.GetEvents(ctx, dependentID)
		if err != nil {
			h.logger.Error("load dependent case failed",
				"case_id", dependentID,
				"source_case_id", sourceState.CaseID,
				"error", err,
			)
			continue
		}

		state, err := projection.Project(events)
		if err != nil {
			h.logger.Error("project dependent case failed", "case_id", dependentID, "error", err)
			continue
		}

		if state.Kind != domain.KindForcing || state.Forcing != domain.ForcingActive {
			continue
		}
		if !dependsOnDeadline(state, sourceState.CaseID) {
			continue
		}

		payload, err := json.Marshal(domain.ForcingStoppedPayload{
			SourceCaseID: sourceState.CaseID,
			Reason:       fmt.Sprintf("deadline rejection reversed to %s", sourceState.Deadline.Status),
		})
		if err != nil {
			h.logger.Error("marshal forcing stop payload failed", "case_id", dependentID, "error", err)
			continue
		}

		stopEvent := domain.Event{
			ID:         uuid.New(),
			CaseID:     dependentID,
			Type:       domain.EventForcingStopped,
			OccurredAt: time.Now().UTC(),
			ActorID:    "system",
			ActorRole:  domain.RoleSystem,
			Payload:    payload,
		}

		if _, err := h.store.Append(ctx, dependentID, version, []domain.Event{stopEvent}); err != nil {
			h.logger.Warn("forcing stop append failed",
				"case_id", dependentID,
				"source_case_id", sourceState.CaseID,
				"error", err,
			)
			continue
		}

		h.logger.Info("forcing case stopped",
			"case_id", dependentID,
			"source_case_id", sourceState.CaseID,
		)
		stopped = append(stopped, dependentID)
	}

	return stopped, nil
}

func dependsOnDeadline(state domain.CaseState, sourceCaseID uuid.UUID) bool {
	for _, dep := range state.DependsOn {
		if dep.CaseID == sourceCaseID && dep.Track == domain.TrackDeadline {
			return true
		}
	}
	return false
}
