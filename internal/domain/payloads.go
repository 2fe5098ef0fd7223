// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// NoticeMethod is the set of contractually permissible notice channels.
type NoticeMethod string

const (
	NoticeEmail          NoticeMethod = "EMAIL"
	NoticeLetter         NoticeMethod = "LETTER"
	NoticePortal         NoticeMethod = "PORTAL"
	NoticeMeetingMinutes NoticeMethod = "MEETING_MINUTES"
)

// NoticeInfo records when and how a contractual notice was sent. A nil
// *NoticeInfo on a claim means no notice accompanied it; whether that is a
// defect is for the rule validator to say, not the zero value.
type NoticeInfo struct {
	SentAt time.Time    `json:"sent_at" validate:"required"`
	Method NoticeMethod `json:"method" validate:"required,oneof=EMAIL LETTER PORTAL MEETING_MINUTES"`
}

// GroundsCategory classifies the contractual cause a claim rests on.
type GroundsCategory string

const (
	CategoryClientChange       GroundsCategory = "CLIENT_CHANGE"
	CategorySiteConditions     GroundsCategory = "SITE_CONDITIONS"
	CategoryAuthorityDecision  GroundsCategory = "AUTHORITY_DECISION"
	CategoryForceMajeure       GroundsCategory = "FORCE_MAJEURE"
	CategoryDefectiveDocuments GroundsCategory = "DEFECTIVE_DOCUMENTS"
)

// CalculationMethod is how a compensation amount was arrived at.
type CalculationMethod string

const (
	MethodUnitRates  CalculationMethod = "UNIT_RATES"
	MethodActualCost CalculationMethod = "ACTUAL_COST"
	MethodEstimate   CalculationMethod = "ESTIMATE"
)

// ResponseDecision is the approver's answer on a track.
type ResponseDecision string

const (
	DecisionApproved          ResponseDecision = "APPROVED"
	DecisionPartiallyApproved ResponseDecision = "PARTIALLY_APPROVED"
	DecisionRejected          ResponseDecision = "REJECTED"
)

type CaseOpenedPayload struct {
	Kind  CaseKind `json:"kind" validate:"required,oneof=STANDARD FORCING CHANGE_ORDER"`
	Title string   `json:"title" validate:"required"`

	// Forcing only: the case whose Deadline rejection this acceleration
	// answers, and the number of extension days that rejection refused.
	SourceCaseID *uuid.UUID `json:"source_case_id,omitempty" validate:"required_if=Kind FORCING"`
	RejectedDays int        `json:"rejected_days,omitempty" validate:"gte=0"`

	// ChangeOrder only: the standard cases the order aggregates.
	RefCaseIDs []uuid.UUID `json:"ref_case_ids,omitempty"`
}

type GroundsNoticePayload struct {
	Category    GroundsCategory `json:"category" validate:"required,oneof=CLIENT_CHANGE SITE_CONDITIONS AUTHORITY_DECISION FORCE_MAJEURE DEFECTIVE_DOCUMENTS"`
	Description string          `json:"description"`
	// BasisDate is when the triggering circumstance arose; the notice
	// window runs from this date.
	BasisDate time.Time   `json:"basis_date" validate:"required"`
	Notice    *NoticeInfo `json:"notice,omitempty"`
}

type CompensationClaimPayload struct {
	EstimatedAmount float64           `json:"estimated_amount" validate:"gte=0"`
	IncurredAmount  float64           `json:"incurred_amount" validate:"gte=0"`
	Method          CalculationMethod `json:"method" validate:"required,oneof=UNIT_RATES ACTUAL_COST ESTIMATE"`
	BasisDate       time.Time         `json:"basis_date" validate:"required"`
	Notice          *NoticeInfo       `json:"notice,omitempty"`
}

type DeadlineClaimPayload struct {
	Days      int         `json:"days" validate:"required,gt=0"`
	BasisDate time.Time   `json:"basis_date" validate:"required"`
	Notice    *NoticeInfo `json:"notice,omitempty"`
}

// ClaimUpdatedPayload corrects an earlier claim. Claim decodes to the
// track's own claim payload shape; the original event stays in the log.
type ClaimUpdatedPayload struct {
	Track Track           `json:"track" validate:"required,oneof=GROUNDS COMPENSATION DEADLINE"`
	Claim json.RawMessage `json:"claim" validate:"required"`
}

type ClaimWithdrawnPayload struct {
	Track  Track  `json:"track" validate:"required,oneof=GROUNDS COMPENSATION DEADLINE"`
	Reason string `json:"reason"`
}

type ReviewStartedPayload struct {
	Track Track `json:"track" validate:"required,oneof=GROUNDS COMPENSATION DEADLINE"`
}

type ResponsePayload struct {
	Track          Track            `json:"track" validate:"required,oneof=GROUNDS COMPENSATION DEADLINE"`
	Decision       ResponseDecision `json:"decision" validate:"required,oneof=APPROVED PARTIALLY_APPROVED REJECTED"`
	ApprovedAmount float64          `json:"approved_amount,omitempty" validate:"gte=0"`
	ApprovedDays   int              `json:"approved_days,omitempty" validate:"gte=0"`
	Comment        string           `json:"comment,omitempty"`
}

// LateNoticeObjectionPayload is the approver's objection that a claim
// notice came too late. CausedBy on the envelope must reference the claim
// event being objected to.
type LateNoticeObjectionPayload struct {
	Track   Track  `json:"track" validate:"required,oneof=GROUNDS COMPENSATION DEADLINE"`
	Comment string `json:"comment,omitempty"`
}

type ResponseDisputedPayload struct {
	Track   Track  `json:"track" validate:"required,oneof=GROUNDS COMPENSATION DEADLINE"`
	Comment string `json:"comment,omitempty"`
}

type CaseLockedPayload struct {
	Reason        string     `json:"reason,omitempty"`
	ChangeOrderID *uuid.UUID `json:"change_order_id,omitempty"`
}

type ForcingStoppedPayload struct {
	SourceCaseID uuid.UUID `json:"source_case_id" validate:"required"`
	Reason       string    `json:"reason,omitempty"`
}

type ChangeOrderIssuedPayload struct {
	OrderNumber string `json:"order_number" validate:"required"`
}

type ChangeOrderDisputedPayload struct {
	Comment string `json:"comment,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// payloadFactories maps each event type to a constructor for its payload
// struct. Types absent from the map carry no payload.
var payloadFactories = map[EventType]func() any{
	EventCaseOpened:             func() any { return &CaseOpenedPayload{} },
	EventGroundsNoticeSubmitted: func() any { return &GroundsNoticePayload{} },
	EventCompensationClaimed:    func() any { return &CompensationClaimPayload{} },
	EventDeadlineClaimed:        func() any { return &DeadlineClaimPayload{} },
	EventClaimUpdated:           func() any { return &ClaimUpdatedPayload{} },
	EventClaimWithdrawn:         func() any { return &ClaimWithdrawnPayload{} },
	EventReviewStarted:          func() any { return &ReviewStartedPayload{} },
	EventResponseIssued:         func() any { return &ResponsePayload{} },
	EventLateNoticeObjection:    func() any { return &LateNoticeObjectionPayload{} },
	EventResponseDisputed:       func() any { return &ResponseDisputedPayload{} },
	EventResponseRevised:        func() any { return &ResponsePayload{} },
	EventCaseLocked:             func() any { return &CaseLockedPayload{} },
	EventForcingStopped:         func() any { return &ForcingStoppedPayload{} },
	EventChangeOrderIssued:      func() any { return &ChangeOrderIssuedPayload{} },
	EventChangeOrderDisputed:    func() any { return &ChangeOrderDisputedPayload{} },
}

// DecodePayload decodes and structurally validates the payload for the
// given event type. Returns a *StructuralValidationError on malformed
// input, unknown fields, or failed field constraints. Types without a
// registered payload shape accept only an empty payload.
func DecodePayload(eventType EventType, raw json.RawMessage) (any, error) {
	factory, ok := payloadFactories[eventType]
	if !ok {
		if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("{}")) &&
			!bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return nil, &StructuralValidationError{
				Reason: fmt.Sprintf("event type %s carries no payload", eventType),
			}
		}
		return nil, nil
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &StructuralValidationError{
			Reason: fmt.Sprintf("event type %s requires a payload", eventType),
		}
	}

	target := factory()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return nil, &StructuralValidationError{
			Reason: fmt.Sprintf("malformed %s payload: %v", eventType, err),
		}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, &StructuralValidationError{
			Reason: fmt.Sprintf("%s payload must be exactly one JSON object", eventType),
		}
	}

	if err := validate.Struct(target); err != nil {
		return nil, &StructuralValidationError{
			Reason: fmt.Sprintf("invalid %s payload: %v", eventType, err),
		}
	}

	return target, nil
}

// ValidateProposed checks a submitted event's envelope fields before any
// semantic evaluation: type, actor, role and payload shape.
func ValidateProposed(p ProposedEvent) error {
	if err := validate.Struct(p); err != nil {
		return &StructuralValidationError{
			Reason: fmt.Sprintf("invalid event envelope: %v", err),
		}
	}

	known := false
	for _, t := range KnownEventTypes() {
		if p.Type == t {
			known = true
			break
		}
	}
	if !known {
		return &StructuralValidationError{
			Reason: fmt.Sprintf("unknown event type %q", p.Type),
		}
	}

	if _, err := DecodePayload(p.Type, p.Payload); err != nil {
		return err
	}
	return nil
}

// DecodeTrackClaim decodes the claim body of a CLAIM_UPDATED event using
// the payload shape of the track it corrects.
func DecodeTrackClaim(track Track, raw json.RawMessage) (any, error) {
	switch track {
	case TrackGrounds:
		return DecodePayload(EventGroundsNoticeSubmitted, raw)
	case TrackCompensation:
		return DecodePayload(EventCompensationClaimed, raw)
	case TrackDeadline:
		return DecodePayload(EventDeadlineClaimed, raw)
	default:
		return nil, &StructuralValidationError{
			Reason: fmt.Sprintf("unknown track %q", track),
		}
	}
}
