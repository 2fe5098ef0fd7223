// SPDX-License-Identifier: Apache-2.0

package subcase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/khjohns/unified-timeline/internal/domain"
	"github.com/khjohns/unified-timeline/internal/eventstore"
	"github.com/khjohns/unified-timeline/internal/projection"
)

// ChangeOrderHandler computes the aggregation a change-order case presents
// over its referenced standard cases. Totals are never stored; they are
// recomputed from the referenced cases' current projections at query time,
// so a late response on a referenced case is reflected immediately.
type ChangeOrderHandler struct {
	store  eventstore.Store
	logger *slog.Logger
}

func NewChangeOrderHandler(store eventstore.Store, logger *slog.Logger) *ChangeOrderHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeOrderHandler{
		store:  store,
		logger: logger,
	}
}

// VerifyRefs checks that every case a change order wants to reference
// exists before the order is opened. References are immutable once the
// opening event is appended.
func (h *ChangeOrderHandler) VerifyRefs(ctx context.Context, refCaseIDs []uuid.UUID) error {
	for _, refID := range refCaseIDs {
		if _, err := h.store.CurrentVersion(ctx, refID); err != nil {
			if errors.Is(err, domain.ErrCaseNotFound) {
				return &domain.StructuralValidationError{
					Reason: fmt.Sprintf("referenced case %s does not exist", refID),
				}
			}
			return fmt.Errorf("check referenced case %s: %w", refID, err)
		}
	}
	return nil
}

// Aggregate sums claimed and approved compensation amounts and deadline
// days across the referenced cases. A referenced case that cannot be
// loaded fails the whole aggregation; partial totals would misstate the
// order's value.
func (h *ChangeOrderHandler) Aggregate(ctx context.Context, state domain.CaseState) (*domain.ChangeOrderTotals, error) {
	if state.Kind != domain.KindChangeOrder {
		return nil, nil
	}

	totals := &domain.ChangeOrderTotals{}
	for _, refID := range state.RefCases {
		events, _, err := h.store.GetEvents(ctx, refID)
		if err != nil {
			return nil, fmt.Errorf("load referenced case %s: %w", refID, err)
		}

		ref, err := projection.Project(events)
		if err != nil {
			return nil, fmt.Errorf("project referenced case %s: %w", refID, err)
		}

		totals.Cases++
		if claim := ref.Compensation.Claim; claim != nil {
			amount := claim.EstimatedAmount
			if claim.IncurredAmount > amount {
				amount = claim.IncurredAmount
			}
			totals.ClaimedAmount += amount
		}
		if resp := ref.Compensation.Response; resp != nil {
			totals.ApprovedAmount += resp.ApprovedAmount
		}
		if claim := ref.Deadline.Claim; claim != nil {
			totals.ClaimedDays += claim.Days
		}
		if resp := ref.Deadline.Response; resp != nil {
			totals.ApprovedDays += resp.ApprovedDays
		}
	}

	return totals, nil
}
