// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed set of business actions recorded on a case log.
// The projector dispatches on these tags; types it does not recognize are
// folded as version-advancing no-ops so old readers stay forward-compatible.
type EventType string

const (
	EventCaseOpened             EventType = "CASE_OPENED"
	EventGroundsNoticeSubmitted EventType = "GROUNDS_NOTICE_SUBMITTED"
	EventCompensationClaimed    EventType = "COMPENSATION_CLAIMED"
	EventDeadlineClaimed        EventType = "DEADLINE_EXTENSION_CLAIMED"
	EventClaimUpdated           EventType = "CLAIM_UPDATED"
	EventClaimWithdrawn         EventType = "CLAIM_WITHDRAWN"
	EventReviewStarted          EventType = "REVIEW_STARTED"
	EventResponseIssued         EventType = "RESPONSE_ISSUED"
	EventLateNoticeObjection    EventType = "LATE_NOTICE_OBJECTION"
	EventResponseDisputed       EventType = "RESPONSE_DISPUTED"
	EventResponseRevised        EventType = "RESPONSE_REVISED"
	EventCaseLocked             EventType = "CASE_LOCKED"
	EventForcingStopped         EventType = "FORCING_STOPPED"
	EventChangeOrderIssued      EventType = "CHANGE_ORDER_ISSUED"
	EventChangeOrderAccepted    EventType = "CHANGE_ORDER_ACCEPTED"
	EventChangeOrderDisputed    EventType = "CHANGE_ORDER_DISPUTED"
	EventChangeOrderRevised     EventType = "CHANGE_ORDER_REVISED"
)

// ActorRole is one of the two contractual roles on a change-order case.
type ActorRole string

const (
	RoleClaimant ActorRole = "CLAIMANT"
	RoleApprover ActorRole = "APPROVER"
	// RoleSystem marks derived events the engine appends on its own,
	// e.g. FORCING_STOPPED after a dependency reversal.
	RoleSystem ActorRole = "SYSTEM"
)

// Track identifies one of the three coupled claim tracks of a case.
type Track string

const (
	TrackGrounds      Track = "GROUNDS"
	TrackCompensation Track = "COMPENSATION"
	TrackDeadline     Track = "DEADLINE"
)

// CaseKind distinguishes ordinary claims from the two dependent sub-case forms.
type CaseKind string

const (
	KindStandard    CaseKind = "STANDARD"
	KindForcing     CaseKind = "FORCING"
	KindChangeOrder CaseKind = "CHANGE_ORDER"
)

// Event is one immutable row of a case's append-only log. Seq is the
// case-local version after the event is applied; events are never mutated
// or deleted, corrections are new events referencing the original through
// CausedBy.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	CaseID     uuid.UUID       `json:"case_id"`
	Seq        int64           `json:"seq"`
	Type       EventType       `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	ActorID    string          `json:"actor_id"`
	ActorRole  ActorRole       `json:"actor_role"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CausedBy   *uuid.UUID      `json:"caused_by,omitempty"`
}

// ProposedEvent is what callers submit; the store assigns ID and Seq on append.
type ProposedEvent struct {
	Type       EventType       `json:"type" validate:"required"`
	OccurredAt time.Time       `json:"occurred_at"`
	ActorID    string          `json:"actor_id" validate:"required"`
	ActorRole  ActorRole       `json:"actor_role" validate:"required,oneof=CLAIMANT APPROVER SYSTEM"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CausedBy   *uuid.UUID      `json:"caused_by,omitempty"`
}

// KnownEventTypes lists every tag the current schema defines, in no
// particular order. Used by metrics pre-registration and payload decoding.
func KnownEventTypes() []EventType {
	return []EventType{
		EventCaseOpened,
		EventGroundsNoticeSubmitted,
		EventCompensationClaimed,
		EventDeadlineClaimed,
		EventClaimUpdated,
		EventClaimWithdrawn,
		EventReviewStarted,
		EventResponseIssued,
		EventLateNoticeObjection,
		EventResponseDisputed,
		EventResponseRevised,
		EventCaseLocked,
		EventForcingStopped,
		EventChangeOrderIssued,
		EventChangeOrderAccepted,
		EventChangeOrderDisputed,
		EventChangeOrderRevised,
	}
}
