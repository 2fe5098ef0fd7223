// SPDX-License-Identifier: Apache-2.0

// Package engine orchestrates the append path: structural validation,
// business-rule evaluation against the projected state, the atomic append,
// re-projection, dependent-case revalidation and the outbound notification.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khjohns/unified-timeline/internal/domain"
	"github.com/khjohns/unified-timeline/internal/eventstore"
	"github.com/khjohns/unified-timeline/internal/metrics"
	"github.com/khjohns/unified-timeline/internal/notify"
	"github.com/khjohns/unified-timeline/internal/projection"
	"github.com/khjohns/unified-timeline/internal/rules"
	"github.com/khjohns/unified-timeline/internal/subcase"
)

type Deps struct {
	Store  eventstore.Store
	Rules  domain.RuleTable
	Relay  *notify.Relay
	Logger *slog.Logger

	// NotifyTimeout bounds one fire-and-forget delivery, default 15s.
	NotifyTimeout time.Duration
	// SyncNotify delivers notifications inline rather than on a goroutine.
	// Tests use it to observe deliveries deterministically.
	SyncNotify bool
}

// CaseEngine is the event-sourced case-state engine. It holds no per-case
// state of its own; every operation is a short-lived unit of work over the
// store.
type CaseEngine struct {
	store  eventstore.Store
	relay  *notify.Relay
	logger *slog.Logger

	forcing *subcase.ForcingHandler
	orders  *subcase.ChangeOrderHandler

	notifyTimeout time.Duration
	syncNotify    bool

	mu        sync.RWMutex
	validator *rules.Validator
}

func New(deps Deps) *CaseEngine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	table := deps.Rules
	if table.NoticeWindowDays == nil {
		table = domain.DefaultRuleTable()
	}

	notifyTimeout := deps.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = 15 * time.Second
	}

	return &CaseEngine{
		store:         deps.Store,
		relay:         deps.Relay,
		logger:        logger,
		forcing:       subcase.NewForcingHandler(deps.Store, logger),
		orders:        subcase.NewChangeOrderHandler(deps.Store, logger),
		notifyTimeout: notifyTimeout,
		syncNotify:    deps.SyncNotify,
		validator:     rules.NewValidator(table),
	}
}

// Rules returns the active rule table.
func (e *CaseEngine) Rules() domain.RuleTable {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.validator.Table()
}

// SetRules swaps the active rule table. Appends in flight keep the
// validator they started with.
func (e *CaseEngine) SetRules(table domain.RuleTable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validator = rules.NewValidator(table)
	e.logger.Info("rule table replaced",
		"objection_window_days", table.ObjectionWindowDays,
		"raised_at_basis", table.RaisedAtBasis,
	)
}

func (e *CaseEngine) currentValidator() *rules.Validator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.validator
}

// Submit validates and appends a batch of events at the caller's expected
// version, all or nothing, and returns the new version with the annotated
// state. A *domain.ConcurrencyConflictError means the caller must re-read
// and retry; a *domain.StructuralValidationError means the batch is
// malformed and no amount of retrying will help.
func (e *CaseEngine) Submit(ctx context.Context, caseID uuid.UUID, expectedVersion int64, proposed []domain.ProposedEvent) (int64, domain.CaseState, error) {
	if len(proposed) == 0 {
		return 0, domain.CaseState{}, &domain.StructuralValidationError{Reason: "empty event batch"}
	}

	for _, p := range proposed {
		if err := domain.ValidateProposed(p); err != nil {
			metrics.IncStructuralRejection()
			return 0, domain.CaseState{}, err
		}
	}

	state, version, err := e.loadState(ctx, caseID, expectedVersion == 0 && proposed[0].Type == domain.EventCaseOpened)
	if err != nil {
		return 0, domain.CaseState{}, err
	}
	if version != expectedVersion {
		// Cheap pre-check; the store re-verifies under its head lock.
		metrics.IncConcurrencyConflict()
		return 0, domain.CaseState{}, &domain.ConcurrencyConflictError{
			CaseID:   caseID,
			Expected: expectedVersion,
			Actual:   version,
		}
	}

	validator := e.currentValidator()
	now := time.Now().UTC()

	candidates := make([]domain.Event, 0, len(proposed))
	for i, p := range proposed {
		occurredAt := p.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = now
		}

		candidate := domain.Event{
			ID:         uuid.New(),
			CaseID:     caseID,
			Seq:        expectedVersion + int64(i) + 1,
			Type:       p.Type,
			OccurredAt: occurredAt,
			ActorID:    p.ActorID,
			ActorRole:  p.ActorRole,
			Payload:    p.Payload,
			CausedBy:   p.CausedBy,
		}

		result := validator.Validate(state, candidate)
		if !result.Allowed {
			metrics.IncStructuralRejection()
			return 0, domain.CaseState{}, &domain.StructuralValidationError{Reason: result.Reason}
		}

		if candidate.Type == domain.EventCaseOpened {
			if err := e.verifyOpenDependencies(ctx, candidate); err != nil {
				var structural *domain.StructuralValidationError
				if errors.As(err, &structural) {
					metrics.IncStructuralRejection()
				}
				return 0, domain.CaseState{}, err
			}
		}

		state, err = projection.ApplyOne(state, candidate)
		if err != nil {
			metrics.IncStructuralRejection()
			return 0, domain.CaseState{}, err
		}

		candidates = append(candidates, candidate)
	}

	newVersion, err := e.store.Append(ctx, caseID, expectedVersion, candidates)
	if err != nil {
		var conflict *domain.ConcurrencyConflictError
		if errors.As(err, &conflict) {
			metrics.IncConcurrencyConflict()
		}
		return 0, domain.CaseState{}, err
	}

	eventTypes := make([]domain.EventType, 0, len(candidates))
	for _, candidate := range candidates {
		metrics.IncEventAppended(string(candidate.Type))
		eventTypes = append(eventTypes, candidate.Type)
	}

	annotated := validator.Annotate(state)

	// Any event that moves this case's Deadline track off Rejected can
	// invalidate forcing cases that depend on it staying Rejected.
	if touchesDeadline(candidates) {
		if _, err := e.forcing.Revalidate(ctx, annotated); err != nil {
			e.logger.Error("dependent revalidation failed", "case_id", caseID, "error", err)
		}
	}

	e.notifyAppend(caseID, newVersion, eventTypes)

	e.logger.Info("events appended",
		"case_id", caseID,
		"version", newVersion,
		"count", len(candidates),
	)

	return newVersion, annotated, nil
}

// State projects and annotates the current case state. Change-order cases
// additionally carry query-time totals over their referenced cases.
func (e *CaseEngine) State(ctx context.Context, caseID uuid.UUID) (int64, domain.CaseState, error) {
	state, version, err := e.loadState(ctx, caseID, false)
	if err != nil {
		return 0, domain.CaseState{}, err
	}

	annotated := e.currentValidator().Annotate(state)

	if annotated.Kind == domain.KindChangeOrder {
		totals, err := e.orders.Aggregate(ctx, annotated)
		if err != nil {
			// The order itself exists; a failed lookup on a referenced
			// case must not surface as the order being missing.
			return 0, domain.CaseState{}, fmt.Errorf("aggregate change order %s: %v", caseID, err)
		}
		annotated.Totals = totals
	}

	return version, annotated, nil
}

// Timeline returns the full ordered event history of a case.
func (e *CaseEngine) Timeline(ctx context.Context, caseID uuid.UUID) ([]domain.Event, int64, error) {
	return e.store.GetEvents(ctx, caseID)
}

func (e *CaseEngine) loadState(ctx context.Context, caseID uuid.UUID, allowMissing bool) (domain.CaseState, int64, error) {
	events, version, err := e.store.GetEvents(ctx, caseID)
	if err != nil {
		if errors.Is(err, domain.ErrCaseNotFound) && allowMissing {
			return domain.CaseState{}, 0, nil
		}
		return domain.CaseState{}, 0, err
	}

	started := time.Now()
	state, err := projection.Project(events)
	if err != nil {
		return domain.CaseState{}, 0, fmt.Errorf("project case %s: %w", caseID, err)
	}
	metrics.ObserveProjectionDuration(time.Since(started))

	return state, version, nil
}

func (e *CaseEngine) notifyAppend(caseID uuid.UUID, version int64, eventTypes []domain.EventType) {
	if e.relay == nil {
		return
	}

	deliver := func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.notifyTimeout)
		defer cancel()
		e.relay.Deliver(ctx, caseID, version, eventTypes)
	}

	if e.syncNotify {
		deliver()
		return
	}
	go deliver()
}

func touchesDeadline(events []domain.Event) bool {
	for _, ev := range events {
		switch ev.Type {
		case domain.EventCaseLocked:
			// Locking moves every track off Rejected.
			return true

		case domain.EventResponseIssued, domain.EventResponseRevised:
			payload, err := domain.DecodePayload(ev.Type, ev.Payload)
			if err != nil {
				continue
			}
			if payload.(*domain.ResponsePayload).Track == domain.TrackDeadline {
				return true
			}

		case domain.EventResponseDisputed:
			payload, err := domain.DecodePayload(ev.Type, ev.Payload)
			if err != nil {
				continue
			}
			if payload.(*domain.ResponseDisputedPayload).Track == domain.TrackDeadline {
				return true
			}
		}
	}
	return false
}

// verifyOpenDependencies resolves the cross-case requirements an opening
// event carries: a forcing case needs its source's Deadline track to read
// Rejected at open time, and a change order needs every referenced case
// to exist.
func (e *CaseEngine) verifyOpenDependencies(ctx context.Context, candidate domain.Event) error {
	payload, err := domain.DecodePayload(candidate.Type, candidate.Payload)
	if err != nil {
		return err
	}

	opened, ok := payload.(*domain.CaseOpenedPayload)
	if !ok {
		return nil
	}

	switch opened.Kind {
	case domain.KindForcing:
		if opened.SourceCaseID == nil {
			return nil
		}
		return e.forcing.VerifySource(ctx, *opened.SourceCaseID)
	case domain.KindChangeOrder:
		return e.orders.VerifyRefs(ctx, opened.RefCaseIDs)
	}
	return nil
}
