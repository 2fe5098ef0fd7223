// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/google/uuid"

	"github.com/khjohns/unified-timeline/internal/domain"
)

// CaseService is the engine surface the router needs: the append path and
// the two read projections.
type CaseService interface {
	Submit(ctx context.Context, caseID uuid.UUID, expectedVersion int64, proposed []domain.ProposedEvent) (int64, domain.CaseState, error)
	State(ctx context.Context, caseID uuid.UUID) (int64, domain.CaseState, error)
	Timeline(ctx context.Context, caseID uuid.UUID) ([]domain.Event, int64, error)
}

// RuleAdmin exposes the injected rule table for runtime inspection and
// replacement behind the admin token.
type RuleAdmin interface {
	Rules() domain.RuleTable
	SetRules(table domain.RuleTable)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
