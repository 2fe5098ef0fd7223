// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestDecodePayloadCaseOpened(t *testing.T) {
	raw := json.RawMessage(`{"kind":"STANDARD","title":"VO-042 rock in trench"}`)

	decoded, err := DecodePayload(EventCaseOpened, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload, ok := decoded.(*CaseOpenedPayload)
	if !ok {
		t.Fatalf("expected *CaseOpenedPayload got %T", decoded)
	}
	if payload.Kind != KindStandard {
		t.Fatalf("expected kind STANDARD got %s", payload.Kind)
	}
	if payload.Title != "VO-042 rock in trench" {
		t.Fatalf("unexpected title %q", payload.Title)
	}
}

func TestDecodePayloadRejectsUnknownFields(t *testing.T) {
	raw := json.RawMessage(`{"kind":"STANDARD","title":"x","surprise":true}`)

	_, err := DecodePayload(EventCaseOpened, raw)
	var structural *StructuralValidationError
	if !errors.As(err, &structural) {
		t.Fatalf("expected structural validation error, got %v", err)
	}
}

func TestDecodePayloadRejectsMissingRequired(t *testing.T) {
	raw := json.RawMessage(`{"title":"missing kind"}`)

	if _, err := DecodePayload(EventCaseOpened, raw); err == nil {
		t.Fatal("expected error for missing kind")
	}
}

func TestDecodePayloadForcingRequiresSource(t *testing.T) {
	raw := json.RawMessage(`{"kind":"FORCING","title":"forced acceleration"}`)

	if _, err := DecodePayload(EventCaseOpened, raw); err == nil {
		t.Fatal("expected error for forcing case without source")
	}
}

func TestDecodePayloadRequiresBody(t *testing.T) {
	if _, err := DecodePayload(EventResponseIssued, nil); err == nil {
		t.Fatal("expected error for missing response payload")
	}
}

func TestDecodePayloadNoPayloadType(t *testing.T) {
	if _, err := DecodePayload(EventChangeOrderAccepted, nil); err != nil {
		t.Fatalf("unexpected error for empty payload: %v", err)
	}
	if _, err := DecodePayload(EventChangeOrderAccepted, json.RawMessage(`{"x":1}`)); err == nil {
		t.Fatal("expected error for payload on payload-less type")
	}
}

func TestDecodePayloadNoticeMethod(t *testing.T) {
	raw := json.RawMessage(`{
		"category":"SITE_CONDITIONS",
		"basis_date":"2025-03-01T00:00:00Z",
		"notice":{"sent_at":"2025-03-05T00:00:00Z","method":"CARRIER_PIGEON"}
	}`)

	if _, err := DecodePayload(EventGroundsNoticeSubmitted, raw); err == nil {
		t.Fatal("expected error for unknown notice method")
	}
}

func TestValidateProposedUnknownType(t *testing.T) {
	err := ValidateProposed(ProposedEvent{
		Type:      EventType("CASE_TELEPORTED"),
		ActorID:   "contractor",
		ActorRole: RoleClaimant,
	})
	var structural *StructuralValidationError
	if !errors.As(err, &structural) {
		t.Fatalf("expected structural validation error, got %v", err)
	}
}

func TestValidateProposedMissingActor(t *testing.T) {
	if err := ValidateProposed(ProposedEvent{
		Type:      EventChangeOrderAccepted,
		ActorRole: RoleClaimant,
	}); err == nil {
		t.Fatal("expected error for missing actor id")
	}
}

func TestDecodeTrackClaim(t *testing.T) {
	raw := json.RawMessage(`{"days":10,"basis_date":"2025-03-01T00:00:00Z"}`)

	decoded, err := DecodeTrackClaim(TrackDeadline, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.(*DeadlineClaimPayload).Days != 10 {
		t.Fatalf("expected 10 days got %d", decoded.(*DeadlineClaimPayload).Days)
	}

	if _, err := DecodeTrackClaim(Track("SIDEWAYS"), raw); err == nil {
		t.Fatal("expected error for unknown track")
	}
}

func TestConcurrencyConflictError(t *testing.T) {
	caseID := uuid.New()
	err := &ConcurrencyConflictError{CaseID: caseID, Expected: 3, Actual: 5}

	if !err.Retryable() {
		t.Fatal("expected concurrency conflict to be retryable")
	}
	if err.Error() == "" {
		t.Fatal("expected error message")
	}
}

func TestCloneIsDeep(t *testing.T) {
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	original := CaseState{
		Version: 2,
		Grounds: TrackState{
			Status: StatusSubmitted,
			Claim: &ClaimInfo{
				Category: CategorySiteConditions,
				Notice:   &NoticeInfo{SentAt: at, Method: NoticeEmail},
			},
			NoticedAt: &at,
		},
		Warnings: []Warning{{Code: WarnNoticeLate, Track: TrackGrounds}},
	}

	cloned := original.Clone()
	cloned.Grounds.Claim.Category = CategoryForceMajeure
	cloned.Grounds.Claim.Notice.Method = NoticeLetter
	*cloned.Grounds.NoticedAt = at.AddDate(0, 0, 7)
	cloned.Warnings[0].Code = WarnAmountOverCap

	if original.Grounds.Claim.Category != CategorySiteConditions {
		t.Fatal("clone shares claim pointer")
	}
	if original.Grounds.Claim.Notice.Method != NoticeEmail {
		t.Fatal("clone shares notice pointer")
	}
	if !original.Grounds.NoticedAt.Equal(at) {
		t.Fatal("clone shares noticed-at pointer")
	}
	if original.Warnings[0].Code != WarnNoticeLate {
		t.Fatal("clone shares warnings slice")
	}
}

func TestRuleTableCategoryEntitled(t *testing.T) {
	table := DefaultRuleTable()

	if table.CategoryEntitled(TrackCompensation, CategoryForceMajeure) {
		t.Fatal("force majeure must not entitle compensation")
	}
	if !table.CategoryEntitled(TrackDeadline, CategoryForceMajeure) {
		t.Fatal("force majeure must entitle deadline extension")
	}
	if !table.CategoryEntitled(TrackGrounds, CategoryForceMajeure) {
		t.Fatal("grounds track takes any category")
	}
}

func TestRuleTableForcingCap(t *testing.T) {
	table := DefaultRuleTable()
	table.DailyPenaltyRate = 1000

	got := table.ForcingCap(10)
	want := 10 * 1000 * 1.3
	if got != want {
		t.Fatalf("expected cap %.2f got %.2f", want, got)
	}
}

func TestRuleTableRaisedAt(t *testing.T) {
	noticed := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	quantified := noticed.AddDate(0, 1, 0)
	ts := TrackState{NoticedAt: &noticed, QuantifiedAt: &quantified}

	table := DefaultRuleTable()
	if got := table.RaisedAt(ts); !got.Equal(noticed) {
		t.Fatalf("notice basis: expected %s got %s", noticed, got)
	}

	table.RaisedAtBasis = RaisedAtQuantified
	if got := table.RaisedAt(ts); !got.Equal(quantified) {
		t.Fatalf("quantified basis: expected %s got %s", quantified, got)
	}
}
