// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

// TrackStatus is the per-track lifecycle position. All three tracks share
// the same machine:
//
//	Draft -> Submitted -> UnderReview -> {Approved|PartiallyApproved|Rejected}
//	Submitted -> Withdrawn (claimant, any time before a terminal response)
//
// Rejected and Approved can still be followed by a dispute/revision chain;
// Locked means a change order has absorbed the track.
type TrackStatus string

const (
	StatusDraft             TrackStatus = "DRAFT"
	StatusSubmitted         TrackStatus = "SUBMITTED"
	StatusUnderReview       TrackStatus = "UNDER_REVIEW"
	StatusApproved          TrackStatus = "APPROVED"
	StatusPartiallyApproved TrackStatus = "PARTIALLY_APPROVED"
	StatusRejected          TrackStatus = "REJECTED"
	StatusWithdrawn         TrackStatus = "WITHDRAWN"
	StatusLocked            TrackStatus = "LOCKED"
	StatusDisputed          TrackStatus = "DISPUTED"
)

// PreclusionStatus is the rule validator's reading of the notice-deadline
// "port 1". Cured means a late notice was rescued because the counterparty's
// own lateness objection was itself late.
type PreclusionStatus string

const (
	PreclusionNotAssessed PreclusionStatus = "NOT_ASSESSED"
	PreclusionTimely      PreclusionStatus = "TIMELY"
	PreclusionLate        PreclusionStatus = "LATE"
	PreclusionPrecluded   PreclusionStatus = "PRECLUDED"
	PreclusionCured       PreclusionStatus = "CURED"
)

type ForcingStatus string

const (
	ForcingActive  ForcingStatus = "ACTIVE"
	ForcingStopped ForcingStatus = "STOPPED"
)

type ChangeOrderStatus string

const (
	OrderDraft    ChangeOrderStatus = "DRAFT"
	OrderIssued   ChangeOrderStatus = "ISSUED"
	OrderAccepted ChangeOrderStatus = "ACCEPTED"
	OrderDisputed ChangeOrderStatus = "DISPUTED"
	OrderRevised  ChangeOrderStatus = "REVISED"
)

type WarningCode string

const (
	WarnNoticeLate        WarningCode = "NOTICE_LATE"
	WarnNoticePrecluded   WarningCode = "NOTICE_PRECLUDED"
	WarnNoticeMissing     WarningCode = "NOTICE_MISSING"
	WarnCategoryUnentitle WarningCode = "CATEGORY_NOT_ENTITLED"
	WarnAmountOverCap     WarningCode = "AMOUNT_OVER_CAP"
	WarnMethodMismatch    WarningCode = "METHOD_MISMATCH"
)

// Warning is a substantive rule finding attached to state rather than
// enforced at write time, so the counterparty can see and contest it.
type Warning struct {
	Code    WarningCode `json:"code"`
	Track   Track       `json:"track,omitempty"`
	Message string      `json:"message"`
	EventID uuid.UUID   `json:"event_id,omitempty"`
}

// ClaimInfo is the latest claim snapshot on a track.
type ClaimInfo struct {
	Category        GroundsCategory   `json:"category,omitempty"`
	Description     string            `json:"description,omitempty"`
	EstimatedAmount float64           `json:"estimated_amount,omitempty"`
	IncurredAmount  float64           `json:"incurred_amount,omitempty"`
	Days            int               `json:"days,omitempty"`
	Method          CalculationMethod `json:"method,omitempty"`
	BasisDate       time.Time         `json:"basis_date"`
	Notice          *NoticeInfo       `json:"notice,omitempty"`
	EventID         uuid.UUID         `json:"event_id"`
}

// ResponseInfo is the latest approver answer on a track.
type ResponseInfo struct {
	Decision       ResponseDecision `json:"decision"`
	ApprovedAmount float64          `json:"approved_amount,omitempty"`
	ApprovedDays   int              `json:"approved_days,omitempty"`
	Comment        string           `json:"comment,omitempty"`
	IssuedAt       time.Time        `json:"issued_at"`
	EventID        uuid.UUID        `json:"event_id"`
}

// ObjectionInfo records the approver's late-notice objection on a track;
// the rule validator compares its timing against the claim's to decide
// Precluded versus Cured.
type ObjectionInfo struct {
	ObjectedAt time.Time `json:"objected_at"`
	EventID    uuid.UUID `json:"event_id"`
}

// TrackState is one of the three coupled claim tracks of a case.
type TrackState struct {
	Status     TrackStatus      `json:"status"`
	Preclusion PreclusionStatus `json:"preclusion"`
	Claim      *ClaimInfo       `json:"claim,omitempty"`
	Response   *ResponseInfo    `json:"response,omitempty"`
	Objection  *ObjectionInfo   `json:"objection,omitempty"`

	// Both "raised" interpretations are exposed; which one counts for
	// limitation purposes is the rule table's choice, not the engine's.
	NoticedAt    *time.Time `json:"noticed_at,omitempty"`
	QuantifiedAt *time.Time `json:"quantified_at,omitempty"`
}

// Dependency points at the track of another case whose state this case's
// validity rests on. Always resolved by case id lookup, never by reference.
type Dependency struct {
	CaseID uuid.UUID `json:"case_id"`
	Track  Track     `json:"track"`
}

// ChangeOrderTotals is the query-time aggregation over referenced cases.
// Never stored; recomputed from the referenced cases' current projections.
type ChangeOrderTotals struct {
	ApprovedAmount float64 `json:"approved_amount"`
	ClaimedAmount  float64 `json:"claimed_amount"`
	ApprovedDays   int     `json:"approved_days"`
	ClaimedDays    int     `json:"claimed_days"`
	Cases          int     `json:"cases"`
}

// CaseState is the sole derived entity: a pure fold of the case's event log.
// Version always equals the number of events folded.
type CaseState struct {
	CaseID  uuid.UUID `json:"case_id"`
	Kind    CaseKind  `json:"kind"`
	Title   string    `json:"title"`
	Version int64     `json:"version"`

	Grounds      TrackState `json:"grounds"`
	Compensation TrackState `json:"compensation"`
	Deadline     TrackState `json:"deadline"`

	Locked   bool      `json:"locked"`
	OpenedAt time.Time `json:"opened_at"`

	// Forcing only.
	Forcing      ForcingStatus `json:"forcing,omitempty"`
	RejectedDays int           `json:"rejected_days,omitempty"`
	// Entitlement is the rule validator's current compensation figure for
	// a forcing case: capped while active, incurred costs only once stopped.
	Entitlement float64 `json:"entitlement,omitempty"`

	// ChangeOrder only.
	Order    ChangeOrderStatus  `json:"order,omitempty"`
	RefCases []uuid.UUID        `json:"ref_cases,omitempty"`
	Totals   *ChangeOrderTotals `json:"totals,omitempty"`

	DependsOn []Dependency `json:"depends_on,omitempty"`
	Warnings  []Warning    `json:"warnings,omitempty"`
}

// TrackState returns the state of the named track, nil for unknown tracks.
func (s *CaseState) TrackState(t Track) *TrackState {
	switch t {
	case TrackGrounds:
		return &s.Grounds
	case TrackCompensation:
		return &s.Compensation
	case TrackDeadline:
		return &s.Deadline
	default:
		return nil
	}
}

// Terminal reports whether the track can take no further claimant or
// approver action short of a new dispute chain.
func (t TrackStatus) Terminal() bool {
	return t == StatusWithdrawn || t == StatusLocked
}

// Responded reports whether the track holds a terminal response.
func (t TrackStatus) Responded() bool {
	return t == StatusApproved || t == StatusPartiallyApproved || t == StatusRejected
}

// Clone returns a deep copy so incremental projection never aliases the
// prior state's heap objects.
func (s CaseState) Clone() CaseState {
	out := s
	out.Grounds = s.Grounds.clone()
	out.Compensation = s.Compensation.clone()
	out.Deadline = s.Deadline.clone()
	if s.RefCases != nil {
		out.RefCases = append([]uuid.UUID(nil), s.RefCases...)
	}
	if s.DependsOn != nil {
		out.DependsOn = append([]Dependency(nil), s.DependsOn...)
	}
	if s.Warnings != nil {
		out.Warnings = append([]Warning(nil), s.Warnings...)
	}
	if s.Totals != nil {
		totals := *s.Totals
		out.Totals = &totals
	}
	return out
}

func (t TrackState) clone() TrackState {
	out := t
	if t.Claim != nil {
		claim := *t.Claim
		if t.Claim.Notice != nil {
			notice := *t.Claim.Notice
			claim.Notice = &notice
		}
		out.Claim = &claim
	}
	if t.Response != nil {
		resp := *t.Response
		out.Response = &resp
	}
	if t.Objection != nil {
		obj := *t.Objection
		out.Objection = &obj
	}
	if t.NoticedAt != nil {
		at := *t.NoticedAt
		out.NoticedAt = &at
	}
	if t.QuantifiedAt != nil {
		at := *t.QuantifiedAt
		out.QuantifiedAt = &at
	}
	return out
}
