// SPDX-License-Identifier: Apache-2.0

// Package rules is the stateless business-rule layer over projected case
// state. It enforces the contractual notice-deadline "port" model: port 1
// preclusion, port 2 entitlement, port 3 quantification. Only structural
// violations reject a candidate event outright; substantive port failures
// become warnings on state, because the contractual process argues defects
// rather than blocking them.
package rules

import (
	"fmt"
	"time"

	"github.com/khjohns/unified-timeline/internal/domain"
)

// Validator evaluates candidate events and annotates projected state. The
// rule table is injected at construction; swapping rules means building a
// new Validator, never mutating a shared one.
type Validator struct {
	table domain.RuleTable
}

func NewValidator(table domain.RuleTable) *Validator {
	return &Validator{table: table}
}

// Table returns the rule table this validator was built with.
func (v *Validator) Table() domain.RuleTable {
	return v.table
}

// ValidationResult is the pre-append verdict on a candidate event.
type ValidationResult struct {
	Allowed  bool
	Reason   string
	Warnings []domain.Warning
}

func rejected(format string, args ...any) ValidationResult {
	return ValidationResult{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks a candidate event against the current projected state.
// Structural problems (wrong kind, impossible transition, terminal case)
// come back with Allowed=false; port findings come back as warnings on an
// allowed result.
func (v *Validator) Validate(current domain.CaseState, candidate domain.Event) ValidationResult {
	if candidate.Type == domain.EventCaseOpened {
		if current.Version != 0 {
			return rejected("case already opened at version %d", current.Version)
		}
	} else if current.Version == 0 {
		return rejected("case does not exist; first event must be %s", domain.EventCaseOpened)
	}

	if current.Locked && candidate.Type != domain.EventCaseOpened {
		return rejected("case is locked")
	}

	payload, err := domain.DecodePayload(candidate.Type, candidate.Payload)
	if err != nil {
		return rejected("%v", err)
	}

	switch candidate.Type {
	case domain.EventCaseOpened:
		return v.validateCaseOpened(candidate, payload.(*domain.CaseOpenedPayload))

	case domain.EventGroundsNoticeSubmitted:
		return v.validateClaim(current, candidate, domain.TrackGrounds,
			payload.(*domain.GroundsNoticePayload).BasisDate,
			payload.(*domain.GroundsNoticePayload).Notice,
			payload.(*domain.GroundsNoticePayload).Category)

	case domain.EventCompensationClaimed:
		p := payload.(*domain.CompensationClaimPayload)
		res := v.validateClaim(current, candidate, domain.TrackCompensation, p.BasisDate, p.Notice, groundsCategory(current))
		if res.Allowed {
			res.Warnings = append(res.Warnings, v.quantificationWarnings(current, candidate, p)...)
		}
		return res

	case domain.EventDeadlineClaimed:
		p := payload.(*domain.DeadlineClaimPayload)
		return v.validateClaim(current, candidate, domain.TrackDeadline, p.BasisDate, p.Notice, groundsCategory(current))

	case domain.EventClaimUpdated:
		return v.validateTrackTransition(current, candidate, payload.(*domain.ClaimUpdatedPayload).Track,
			domain.RoleClaimant, domain.StatusSubmitted, domain.StatusUnderReview)

	case domain.EventClaimWithdrawn:
		return v.validateTrackTransition(current, candidate, payload.(*domain.ClaimWithdrawnPayload).Track,
			domain.RoleClaimant, domain.StatusSubmitted, domain.StatusUnderReview)

	case domain.EventReviewStarted:
		return v.validateTrackTransition(current, candidate, payload.(*domain.ReviewStartedPayload).Track,
			domain.RoleApprover, domain.StatusSubmitted)

	case domain.EventResponseIssued:
		return v.validateTrackTransition(current, candidate, payload.(*domain.ResponsePayload).Track,
			domain.RoleApprover, domain.StatusSubmitted, domain.StatusUnderReview)

	case domain.EventResponseRevised:
		return v.validateTrackTransition(current, candidate, payload.(*domain.ResponsePayload).Track,
			domain.RoleApprover,
			domain.StatusApproved, domain.StatusPartiallyApproved, domain.StatusRejected, domain.StatusDisputed)

	case domain.EventResponseDisputed:
		return v.validateTrackTransition(current, candidate, payload.(*domain.ResponseDisputedPayload).Track,
			domain.RoleClaimant,
			domain.StatusApproved, domain.StatusPartiallyApproved, domain.StatusRejected)

	case domain.EventLateNoticeObjection:
		return v.validateObjection(current, candidate, payload.(*domain.LateNoticeObjectionPayload))

	case domain.EventCaseLocked:
		if current.Kind == domain.KindChangeOrder {
			return rejected("change-order cases cannot be locked")
		}
		return ValidationResult{Allowed: true}

	case domain.EventForcingStopped:
		if current.Kind != domain.KindForcing {
			return rejected("%s is only valid on forcing cases", candidate.Type)
		}
		if candidate.ActorRole != domain.RoleSystem {
			return rejected("%s is a derived system event", candidate.Type)
		}
		if current.Forcing == domain.ForcingStopped {
			return rejected("forcing case already stopped")
		}
		return ValidationResult{Allowed: true}

	case domain.EventChangeOrderIssued:
		return v.validateOrderTransition(current, candidate, domain.RoleApprover, domain.OrderDraft, domain.OrderRevised)
	case domain.EventChangeOrderAccepted:
		return v.validateOrderTransition(current, candidate, domain.RoleClaimant, domain.OrderIssued, domain.OrderRevised)
	case domain.EventChangeOrderDisputed:
		return v.validateOrderTransition(current, candidate, domain.RoleClaimant, domain.OrderIssued, domain.OrderRevised)
	case domain.EventChangeOrderRevised:
		return v.validateOrderTransition(current, candidate, domain.RoleApprover, domain.OrderDisputed)
	}

	return ValidationResult{Allowed: true}
}

func (v *Validator) validateCaseOpened(candidate domain.Event, payload *domain.CaseOpenedPayload) ValidationResult {
	if payload.Kind == domain.KindForcing && payload.SourceCaseID == nil {
		return rejected("forcing case requires a source case")
	}
	if payload.Kind == domain.KindChangeOrder && len(payload.RefCaseIDs) == 0 {
		return rejected("change order requires at least one referenced case")
	}
	if candidate.ActorRole == domain.RoleSystem {
		return rejected("cases are opened by a contractual party")
	}
	return ValidationResult{Allowed: true}
}

func (v *Validator) validateClaim(
	current domain.CaseState,
	candidate domain.Event,
	track domain.Track,
	basisDate time.Time,
	notice *domain.NoticeInfo,
	category domain.GroundsCategory,
) ValidationResult {
	if current.Kind == domain.KindChangeOrder {
		return rejected("claim tracks do not apply to change-order cases")
	}
	if candidate.ActorRole != domain.RoleClaimant {
		return rejected("claims are submitted by the claimant")
	}

	ts := current.TrackState(track)
	if ts.Status != domain.StatusDraft {
		return rejected("track %s is %s; claims start from %s", track, ts.Status, domain.StatusDraft)
	}

	warnings := v.noticeWarnings(candidate, track, basisDate, notice)
	if category != "" && !v.table.CategoryEntitled(track, category) {
		warnings = append(warnings, domain.Warning{
			Code:    domain.WarnCategoryUnentitle,
			Track:   track,
			Message: fmt.Sprintf("category %s is not entitled to a %s claim", category, track),
			EventID: candidate.ID,
		})
	}

	return ValidationResult{Allowed: true, Warnings: warnings}
}

func (v *Validator) validateTrackTransition(
	current domain.CaseState,
	candidate domain.Event,
	track domain.Track,
	role domain.ActorRole,
	from ...domain.TrackStatus,
) ValidationResult {
	if current.Kind == domain.KindChangeOrder {
		return rejected("claim tracks do not apply to change-order cases")
	}
	if candidate.ActorRole != role {
		return rejected("%s must be issued by the %s", candidate.Type, role)
	}

	ts := current.TrackState(track)
	if ts == nil {
		return rejected("unknown track %q", track)
	}
	for _, status := range from {
		if ts.Status == status {
			return ValidationResult{Allowed: true}
		}
	}
	return rejected("track %s is %s; %s requires one of %v", track, ts.Status, candidate.Type, from)
}

func (v *Validator) validateObjection(
	current domain.CaseState,
	candidate domain.Event,
	payload *domain.LateNoticeObjectionPayload,
) ValidationResult {
	res := v.validateTrackTransition(current, candidate, payload.Track, domain.RoleApprover,
		domain.StatusSubmitted, domain.StatusUnderReview,
		domain.StatusApproved, domain.StatusPartiallyApproved, domain.StatusRejected)
	if !res.Allowed {
		return res
	}
	if current.TrackState(payload.Track).NoticedAt == nil {
		return rejected("no notice on track %s to object to", payload.Track)
	}
	if candidate.CausedBy == nil {
		return rejected("late-notice objection must reference the claim event")
	}
	return ValidationResult{Allowed: true}
}

func (v *Validator) validateOrderTransition(
	current domain.CaseState,
	candidate domain.Event,
	role domain.ActorRole,
	from ...domain.ChangeOrderStatus,
) ValidationResult {
	if current.Kind != domain.KindChangeOrder {
		return rejected("%s is only valid on change-order cases", candidate.Type)
	}
	if candidate.ActorRole != role {
		return rejected("%s must be issued by the %s", candidate.Type, role)
	}
	for _, status := range from {
		if current.Order == status {
			return ValidationResult{Allowed: true}
		}
	}
	return rejected("change order is %s; %s requires one of %v", current.Order, candidate.Type, from)
}

// noticeWarnings is port 1 for a candidate claim: was the originating
// notice sent inside the window counted from the basis date?
func (v *Validator) noticeWarnings(
	candidate domain.Event,
	track domain.Track,
	basisDate time.Time,
	notice *domain.NoticeInfo,
) []domain.Warning {
	window := v.table.NoticeWindow(track)
	if window <= 0 {
		return nil
	}

	if notice == nil {
		return []domain.Warning{{
			Code:    domain.WarnNoticeMissing,
			Track:   track,
			Message: fmt.Sprintf("track %s requires notice within %d days of the basis date", track, window),
			EventID: candidate.ID,
		}}
	}

	deadline := basisDate.AddDate(0, 0, window)
	if notice.SentAt.After(deadline) {
		return []domain.Warning{{
			Code:  domain.WarnNoticeLate,
			Track: track,
			Message: fmt.Sprintf("notice sent %s, %d-day window from %s expired %s",
				notice.SentAt.Format("2006-01-02"), window,
				basisDate.Format("2006-01-02"), deadline.Format("2006-01-02")),
			EventID: candidate.ID,
		}}
	}
	return nil
}

// quantificationWarnings is port 3 for compensation claims.
func (v *Validator) quantificationWarnings(
	current domain.CaseState,
	candidate domain.Event,
	payload *domain.CompensationClaimPayload,
) []domain.Warning {
	var warnings []domain.Warning

	if payload.Method == domain.MethodActualCost && payload.IncurredAmount == 0 && payload.EstimatedAmount > 0 {
		warnings = append(warnings, domain.Warning{
			Code:    domain.WarnMethodMismatch,
			Track:   domain.TrackCompensation,
			Message: "actual-cost method with no incurred amount",
			EventID: candidate.ID,
		})
	}

	if current.Kind == domain.KindForcing && v.table.DailyPenaltyRate > 0 {
		ceiling := v.table.ForcingCap(current.RejectedDays)
		if payload.EstimatedAmount > ceiling {
			warnings = append(warnings, domain.Warning{
				Code:    domain.WarnAmountOverCap,
				Track:   domain.TrackCompensation,
				Message: fmt.Sprintf("estimated %.2f exceeds forcing cap %.2f", payload.EstimatedAmount, ceiling),
				EventID: candidate.ID,
			})
		}
	}

	return warnings
}

func groundsCategory(state domain.CaseState) domain.GroundsCategory {
	if state.Grounds.Claim != nil {
		return state.Grounds.Claim.Category
	}
	return ""
}
