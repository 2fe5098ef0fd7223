// SPDX-License-Identifier: Apache-2.0

// Package projection folds an ordered case event sequence into CaseState.
// The fold is pure and deterministic: no clocks, no I/O, no rule tables.
// Substantive rule findings (preclusion, caps) are layered on afterwards by
// the rules package so historical logs replay identically under any rule
// configuration.
package projection

import (
	"fmt"
	"time"

	"github.com/khjohns/unified-timeline/internal/domain"
)

// Project replays the full event sequence from the empty state. Identical
// input always yields identical output, and the result equals folding
// ApplyOne event by event.
func Project(events []domain.Event) (domain.CaseState, error) {
	var state domain.CaseState
	for _, ev := range events {
		next, err := ApplyOne(state, ev)
		if err != nil {
			return domain.CaseState{}, fmt.Errorf("apply event seq %d: %w", ev.Seq, err)
		}
		state = next
	}
	return state, nil
}

// ApplyOne applies a single event on top of a prior state without mutating
// it. Every event advances the version, including types this build does not
// know: unknown tags fold as no-ops so an old projector can still replay a
// newer log.
func ApplyOne(prior domain.CaseState, ev domain.Event) (domain.CaseState, error) {
	state := prior.Clone()
	state.Version++

	switch ev.Type {
	case domain.EventCaseOpened:
		payload, err := decode[*domain.CaseOpenedPayload](ev)
		if err != nil {
			return domain.CaseState{}, err
		}
		applyCaseOpened(&state, ev, payload)

	case domain.EventGroundsNoticeSubmitted:
		payload, err := decode[*domain.GroundsNoticePayload](ev)
		if err != nil {
			return domain.CaseState{}, err
		}
		applyGroundsNotice(&state, ev, payload)

	case domain.EventCompensationClaimed:
		payload, err := decode[*domain.CompensationClaimPayload](ev)
		if err != nil {
			return domain.CaseState{}, err
		}
		applyCompensationClaim(&state, ev, payload)

	case domain.EventDeadlineClaimed:
		payload, err := decode[*domain.DeadlineClaimPayload](ev)
		if err != nil {
			return domain.CaseState{}, err
		}
		applyDeadlineClaim(&state, ev, payload)

	case domain.EventClaimUpdated:
		payload, err := decode[*domain.ClaimUpdatedPayload](ev)
		if err != nil {
			return domain.CaseState{}, err
		}
		if err := applyClaimUpdated(&state, ev, payload); err != nil {
			return domain.CaseState{}, err
		}

	case domain.EventClaimWithdrawn:
		payload, err := decode[*domain.ClaimWithdrawnPayload](ev)
		if err != nil {
			return domain.CaseState{}, err
		}
		if track := state.TrackState(payload.Track); track != nil {
			track.Status = domain.StatusWithdrawn
		}

	case domain.EventReviewStarted:
		payload, err := decode[*domain.ReviewStartedPayload](ev)
		if err != nil {
			return domain.CaseState{}, err
		}
		if track := state.TrackState(payload.Track); track != nil {
			track.Status = domain.StatusUnderReview
		}

	case domain.EventResponseIssued, domain.EventResponseRevised:
		payload, err := decode[*domain.ResponsePayload](ev)
		if err != nil {
			return domain.CaseState{}, err
		}
		applyResponse(&state, ev, payload)

	case domain.EventLateNoticeObjection:
		payload, err := decode[*domain.LateNoticeObjectionPayload](ev)
		if err != nil {
			return domain.CaseState{}, err
		}
		if track := state.TrackState(payload.Track); track != nil {
			track.Objection = &domain.ObjectionInfo{
				ObjectedAt: ev.OccurredAt,
				EventID:    ev.ID,
			}
		}

	case domain.EventResponseDisputed:
		payload, err := decode[*domain.ResponseDisputedPayload](ev)
		if err != nil {
			return domain.CaseState{}, err
		}
		if track := state.TrackState(payload.Track); track != nil {
			track.Status = domain.StatusDisputed
		}

	case domain.EventCaseLocked:
		state.Locked = true
		state.Grounds.Status = domain.StatusLocked
		state.Compensation.Status = domain.StatusLocked
		state.Deadline.Status = domain.StatusLocked

	case domain.EventForcingStopped:
		state.Forcing = domain.ForcingStopped

	case domain.EventChangeOrderIssued:
		state.Order = domain.OrderIssued

	case domain.EventChangeOrderAccepted:
		state.Order = domain.OrderAccepted

	case domain.EventChangeOrderDisputed:
		state.Order = domain.OrderDisputed

	case domain.EventChangeOrderRevised:
		state.Order = domain.OrderRevised

	default:
		// Future event type: version already advanced, state untouched.
	}

	return state, nil
}

func decode[T any](ev domain.Event) (T, error) {
	var zero T
	payload, err := domain.DecodePayload(ev.Type, ev.Payload)
	if err != nil {
		return zero, err
	}
	typed, ok := payload.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected payload type %T for %s", payload, ev.Type)
	}
	return typed, nil
}

func applyCaseOpened(state *domain.CaseState, ev domain.Event, payload *domain.CaseOpenedPayload) {
	state.CaseID = ev.CaseID
	state.Kind = payload.Kind
	state.Title = payload.Title
	state.OpenedAt = ev.OccurredAt
	state.Grounds = domain.TrackState{Status: domain.StatusDraft, Preclusion: domain.PreclusionNotAssessed}
	state.Compensation = domain.TrackState{Status: domain.StatusDraft, Preclusion: domain.PreclusionNotAssessed}
	state.Deadline = domain.TrackState{Status: domain.StatusDraft, Preclusion: domain.PreclusionNotAssessed}

	switch payload.Kind {
	case domain.KindForcing:
		state.Forcing = domain.ForcingActive
		state.RejectedDays = payload.RejectedDays
		if payload.SourceCaseID != nil {
			state.DependsOn = []domain.Dependency{{
				CaseID: *payload.SourceCaseID,
				Track:  domain.TrackDeadline,
			}}
		}
	case domain.KindChangeOrder:
		state.Order = domain.OrderDraft
		state.RefCases = payload.RefCaseIDs
		for _, ref := range payload.RefCaseIDs {
			state.DependsOn = append(state.DependsOn, domain.Dependency{
				CaseID: ref,
				Track:  domain.TrackCompensation,
			})
		}
	}
}

func applyGroundsNotice(state *domain.CaseState, ev domain.Event, payload *domain.GroundsNoticePayload) {
	state.Grounds.Status = domain.StatusSubmitted
	state.Grounds.Claim = &domain.ClaimInfo{
		Category:    payload.Category,
		Description: payload.Description,
		BasisDate:   payload.BasisDate,
		Notice:      payload.Notice,
		EventID:     ev.ID,
	}
	state.Grounds.NoticedAt = noticedAt(ev, payload.Notice)
}

func applyCompensationClaim(state *domain.CaseState, ev domain.Event, payload *domain.CompensationClaimPayload) {
	state.Compensation.Status = domain.StatusSubmitted
	state.Compensation.Claim = &domain.ClaimInfo{
		Category:        groundsCategory(state),
		EstimatedAmount: payload.EstimatedAmount,
		IncurredAmount:  payload.IncurredAmount,
		Method:          payload.Method,
		BasisDate:       payload.BasisDate,
		Notice:          payload.Notice,
		EventID:         ev.ID,
	}
	state.Compensation.NoticedAt = noticedAt(ev, payload.Notice)
	at := ev.OccurredAt
	state.Compensation.QuantifiedAt = &at
}

func applyDeadlineClaim(state *domain.CaseState, ev domain.Event, payload *domain.DeadlineClaimPayload) {
	state.Deadline.Status = domain.StatusSubmitted
	state.Deadline.Claim = &domain.ClaimInfo{
		Category:  groundsCategory(state),
		Days:      payload.Days,
		BasisDate: payload.BasisDate,
		Notice:    payload.Notice,
		EventID:   ev.ID,
	}
	state.Deadline.NoticedAt = noticedAt(ev, payload.Notice)
	at := ev.OccurredAt
	state.Deadline.QuantifiedAt = &at
}

func applyClaimUpdated(state *domain.CaseState, ev domain.Event, payload *domain.ClaimUpdatedPayload) error {
	claim, err := domain.DecodeTrackClaim(payload.Track, payload.Claim)
	if err != nil {
		return err
	}

	switch typed := claim.(type) {
	case *domain.GroundsNoticePayload:
		applyGroundsNotice(state, ev, typed)
	case *domain.CompensationClaimPayload:
		applyCompensationClaim(state, ev, typed)
	case *domain.DeadlineClaimPayload:
		applyDeadlineClaim(state, ev, typed)
	}
	return nil
}

func applyResponse(state *domain.CaseState, ev domain.Event, payload *domain.ResponsePayload) {
	track := state.TrackState(payload.Track)
	if track == nil {
		return
	}

	track.Response = &domain.ResponseInfo{
		Decision:       payload.Decision,
		ApprovedAmount: payload.ApprovedAmount,
		ApprovedDays:   payload.ApprovedDays,
		Comment:        payload.Comment,
		IssuedAt:       ev.OccurredAt,
		EventID:        ev.ID,
	}

	switch payload.Decision {
	case domain.DecisionApproved:
		track.Status = domain.StatusApproved
	case domain.DecisionPartiallyApproved:
		track.Status = domain.StatusPartiallyApproved
	case domain.DecisionRejected:
		track.Status = domain.StatusRejected
	}
}

// groundsCategory propagates the grounds claim's category onto the monetary
// and schedule tracks so entitlement can be judged per track.
func groundsCategory(state *domain.CaseState) domain.GroundsCategory {
	if state.Grounds.Claim != nil {
		return state.Grounds.Claim.Category
	}
	return ""
}

func noticedAt(ev domain.Event, notice *domain.NoticeInfo) *time.Time {
	if notice != nil {
		at := notice.SentAt
		return &at
	}
	at := ev.OccurredAt
	return &at
}
