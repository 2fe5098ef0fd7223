// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/khjohns/unified-timeline/internal/domain"
	"github.com/khjohns/unified-timeline/internal/eventstore"
	"github.com/khjohns/unified-timeline/internal/notify"
)

var day0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func newEngine(t *testing.T) *CaseEngine {
	t.Helper()
	return New(Deps{Store: eventstore.NewMemoryStore()})
}

func proposed(t *testing.T, typ domain.EventType, role domain.ActorRole, at time.Time, payload any) domain.ProposedEvent {
	t.Helper()
	p := domain.ProposedEvent{
		Type:       typ,
		OccurredAt: at,
		ActorID:    "actor-1",
		ActorRole:  role,
	}
	if payload != nil {
		p.Payload = mustMarshal(t, payload)
	}
	return p
}

func openCase(t *testing.T, e *CaseEngine, kind domain.CaseKind, extra ...domain.ProposedEvent) uuid.UUID {
	t.Helper()
	caseID := uuid.New()
	batch := append([]domain.ProposedEvent{
		proposed(t, domain.EventCaseOpened, domain.RoleClaimant, day0,
			&domain.CaseOpenedPayload{Kind: kind, Title: "test case"}),
	}, extra...)
	_, _, err := e.Submit(context.Background(), caseID, 0, batch)
	require.NoError(t, err)
	return caseID
}

func TestSubmitOpensCaseAndReturnsAnnotatedState(t *testing.T) {
	e := newEngine(t)
	caseID := uuid.New()

	version, state, err := e.Submit(context.Background(), caseID, 0, []domain.ProposedEvent{
		proposed(t, domain.EventCaseOpened, domain.RoleClaimant, day0,
			&domain.CaseOpenedPayload{Kind: domain.KindStandard, Title: "VO-011"}),
		proposed(t, domain.EventGroundsNoticeSubmitted, domain.RoleClaimant, day0.AddDate(0, 0, 3),
			&domain.GroundsNoticePayload{
				Category:  domain.CategorySiteConditions,
				BasisDate: day0,
				Notice:    &domain.NoticeInfo{SentAt: day0.AddDate(0, 0, 3), Method: domain.NoticeEmail},
			}),
	})

	require.NoError(t, err)
	require.EqualValues(t, 2, version)
	require.EqualValues(t, 2, state.Version)
	require.Equal(t, domain.StatusSubmitted, state.Grounds.Status)
	require.Equal(t, domain.PreclusionTimely, state.Grounds.Preclusion)
	require.Empty(t, state.Warnings)
}

func TestSubmitEmptyBatch(t *testing.T) {
	e := newEngine(t)

	_, _, err := e.Submit(context.Background(), uuid.New(), 0, nil)
	var structural *domain.StructuralValidationError
	require.ErrorAs(t, err, &structural)
}

func TestSubmitStaleVersionConflicts(t *testing.T) {
	e := newEngine(t)
	caseID := openCase(t, e, domain.KindStandard)

	_, _, err := e.Submit(context.Background(), caseID, 0, []domain.ProposedEvent{
		proposed(t, domain.EventCaseOpened, domain.RoleClaimant, day0,
			&domain.CaseOpenedPayload{Kind: domain.KindStandard, Title: "again"}),
	})

	var conflict *domain.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	require.EqualValues(t, 0, conflict.Expected)
	require.EqualValues(t, 1, conflict.Actual)
	require.True(t, conflict.Retryable())
}

func TestSubmitBatchIsAtomic(t *testing.T) {
	e := newEngine(t)
	caseID := openCase(t, e, domain.KindStandard)

	// Second event in the batch claims on a track the first already took.
	claim := proposed(t, domain.EventGroundsNoticeSubmitted, domain.RoleClaimant, day0.AddDate(0, 0, 3),
		&domain.GroundsNoticePayload{
			Category:  domain.CategorySiteConditions,
			BasisDate: day0,
			Notice:    &domain.NoticeInfo{SentAt: day0.AddDate(0, 0, 3), Method: domain.NoticeEmail},
		})
	_, _, err := e.Submit(context.Background(), caseID, 1, []domain.ProposedEvent{claim, claim})

	var structural *domain.StructuralValidationError
	require.ErrorAs(t, err, &structural)

	// Neither event landed.
	version, state, err := e.State(context.Background(), caseID)
	require.NoError(t, err)
	require.EqualValues(t, 1, version)
	require.Equal(t, domain.StatusDraft, state.Grounds.Status)
}

func TestSubmitUnknownCase(t *testing.T) {
	e := newEngine(t)

	_, _, err := e.Submit(context.Background(), uuid.New(), 2, []domain.ProposedEvent{
		proposed(t, domain.EventReviewStarted, domain.RoleApprover, day0,
			&domain.ReviewStartedPayload{Track: domain.TrackGrounds}),
	})
	require.ErrorIs(t, err, domain.ErrCaseNotFound)
}

func TestSubmitRejectsRuleViolation(t *testing.T) {
	e := newEngine(t)
	caseID := openCase(t, e, domain.KindStandard)

	_, _, err := e.Submit(context.Background(), caseID, 1, []domain.ProposedEvent{
		proposed(t, domain.EventResponseIssued, domain.RoleApprover, day0.AddDate(0, 0, 5),
			&domain.ResponsePayload{Track: domain.TrackGrounds, Decision: domain.DecisionApproved}),
	})

	var structural *domain.StructuralValidationError
	require.ErrorAs(t, err, &structural)
}

// Late notice on day 20 survives because the approver's objection only
// arrives on day 40, past its own window.
func TestSubmitLateNoticeCuredByLateObjection(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	caseID := uuid.New()

	_, _, err := e.Submit(ctx, caseID, 0, []domain.ProposedEvent{
		proposed(t, domain.EventCaseOpened, domain.RoleClaimant, day0,
			&domain.CaseOpenedPayload{Kind: domain.KindStandard, Title: "late notice"}),
		proposed(t, domain.EventGroundsNoticeSubmitted, domain.RoleClaimant, day0.AddDate(0, 0, 20),
			&domain.GroundsNoticePayload{
				Category:  domain.CategorySiteConditions,
				BasisDate: day0,
				Notice:    &domain.NoticeInfo{SentAt: day0.AddDate(0, 0, 20), Method: domain.NoticeEmail},
			}),
	})
	require.NoError(t, err)

	_, state, err := e.State(ctx, caseID)
	require.NoError(t, err)
	require.Equal(t, domain.PreclusionLate, state.Grounds.Preclusion)

	events, _, err := e.Timeline(ctx, caseID)
	require.NoError(t, err)
	claimEventID := events[1].ID

	objection := proposed(t, domain.EventLateNoticeObjection, domain.RoleApprover, day0.AddDate(0, 0, 40),
		&domain.LateNoticeObjectionPayload{Track: domain.TrackGrounds})
	objection.CausedBy = &claimEventID

	_, state, err = e.Submit(ctx, caseID, 2, []domain.ProposedEvent{objection})
	require.NoError(t, err)
	require.Equal(t, domain.PreclusionCured, state.Grounds.Preclusion)
}

// rejectedSourceWithForcing opens a standard case with a rejected deadline
// claim and a forcing case depending on it.
func rejectedSourceWithForcing(t *testing.T, e *CaseEngine) (uuid.UUID, uuid.UUID) {
	t.Helper()
	sourceID := openCase(t, e, domain.KindStandard,
		proposed(t, domain.EventDeadlineClaimed, domain.RoleClaimant, day0.AddDate(0, 0, 2),
			&domain.DeadlineClaimPayload{
				Days:      15,
				BasisDate: day0,
				Notice:    &domain.NoticeInfo{SentAt: day0.AddDate(0, 0, 2), Method: domain.NoticeEmail},
			}),
		proposed(t, domain.EventResponseIssued, domain.RoleApprover, day0.AddDate(0, 0, 10),
			&domain.ResponsePayload{Track: domain.TrackDeadline, Decision: domain.DecisionRejected}),
	)

	forcingID := uuid.New()
	_, _, err := e.Submit(context.Background(), forcingID, 0, []domain.ProposedEvent{
		proposed(t, domain.EventCaseOpened, domain.RoleClaimant, day0.AddDate(0, 0, 11),
			&domain.CaseOpenedPayload{
				Kind:         domain.KindForcing,
				Title:        "acceleration",
				SourceCaseID: &sourceID,
				RejectedDays: 15,
			}),
	})
	require.NoError(t, err)
	return sourceID, forcingID
}

func TestSubmitRejectsForcingAgainstUnrejectedSource(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	// The source exists but its deadline track still reads Draft.
	sourceID := openCase(t, e, domain.KindStandard)

	forcingID := uuid.New()
	_, _, err := e.Submit(ctx, forcingID, 0, []domain.ProposedEvent{
		proposed(t, domain.EventCaseOpened, domain.RoleClaimant, day0.AddDate(0, 0, 1),
			&domain.CaseOpenedPayload{
				Kind:         domain.KindForcing,
				Title:        "acceleration",
				SourceCaseID: &sourceID,
				RejectedDays: 10,
			}),
	})
	var structural *domain.StructuralValidationError
	require.ErrorAs(t, err, &structural)

	// The rejected opening left nothing behind.
	_, _, err = e.State(ctx, forcingID)
	require.ErrorIs(t, err, domain.ErrCaseNotFound)
}

func TestSubmitRejectsForcingAgainstMissingSource(t *testing.T) {
	e := newEngine(t)
	missing := uuid.New()

	_, _, err := e.Submit(context.Background(), uuid.New(), 0, []domain.ProposedEvent{
		proposed(t, domain.EventCaseOpened, domain.RoleClaimant, day0,
			&domain.CaseOpenedPayload{
				Kind:         domain.KindForcing,
				Title:        "acceleration",
				SourceCaseID: &missing,
				RejectedDays: 10,
			}),
	})
	var structural *domain.StructuralValidationError
	require.ErrorAs(t, err, &structural)
}

func TestSubmitRejectsChangeOrderWithMissingReference(t *testing.T) {
	e := newEngine(t)

	_, _, err := e.Submit(context.Background(), uuid.New(), 0, []domain.ProposedEvent{
		proposed(t, domain.EventCaseOpened, domain.RoleApprover, day0,
			&domain.CaseOpenedPayload{
				Kind:       domain.KindChangeOrder,
				Title:      "CO-2",
				RefCaseIDs: []uuid.UUID{uuid.New()},
			}),
	})
	var structural *domain.StructuralValidationError
	require.ErrorAs(t, err, &structural)
}

func TestSubmitStopsDependentForcingOnReversal(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	sourceID := openCase(t, e, domain.KindStandard,
		proposed(t, domain.EventDeadlineClaimed, domain.RoleClaimant, day0.AddDate(0, 0, 2),
			&domain.DeadlineClaimPayload{
				Days:      15,
				BasisDate: day0,
				Notice:    &domain.NoticeInfo{SentAt: day0.AddDate(0, 0, 2), Method: domain.NoticeEmail},
			}),
		proposed(t, domain.EventResponseIssued, domain.RoleApprover, day0.AddDate(0, 0, 10),
			&domain.ResponsePayload{Track: domain.TrackDeadline, Decision: domain.DecisionRejected}),
	)

	forcingID := uuid.New()
	_, _, err := e.Submit(ctx, forcingID, 0, []domain.ProposedEvent{
		proposed(t, domain.EventCaseOpened, domain.RoleClaimant, day0.AddDate(0, 0, 11),
			&domain.CaseOpenedPayload{
				Kind:         domain.KindForcing,
				Title:        "acceleration",
				SourceCaseID: &sourceID,
				RejectedDays: 15,
			}),
		proposed(t, domain.EventCompensationClaimed, domain.RoleClaimant, day0.AddDate(0, 0, 12),
			&domain.CompensationClaimPayload{
				EstimatedAmount: 50000,
				IncurredAmount:  20000,
				Method:          domain.MethodEstimate,
				BasisDate:       day0.AddDate(0, 0, 11),
				Notice:          &domain.NoticeInfo{SentAt: day0.AddDate(0, 0, 12), Method: domain.NoticeEmail},
			}),
	})
	require.NoError(t, err)

	_, state, err := e.State(ctx, forcingID)
	require.NoError(t, err)
	require.Equal(t, domain.ForcingActive, state.Forcing)
	require.EqualValues(t, 50000, state.Entitlement)

	// Reversing the source rejection stops the forcing case.
	_, _, err = e.Submit(ctx, sourceID, 3, []domain.ProposedEvent{
		proposed(t, domain.EventResponseRevised, domain.RoleApprover, day0.AddDate(0, 0, 20),
			&domain.ResponsePayload{Track: domain.TrackDeadline, Decision: domain.DecisionApproved, ApprovedDays: 15}),
	})
	require.NoError(t, err)

	version, state, err := e.State(ctx, forcingID)
	require.NoError(t, err)
	require.EqualValues(t, 3, version)
	require.Equal(t, domain.ForcingStopped, state.Forcing)
	// Once stopped, only incurred costs remain entitled.
	require.EqualValues(t, 20000, state.Entitlement)
}

func TestSubmitStopsDependentForcingOnDispute(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	sourceID, forcingID := rejectedSourceWithForcing(t, e)

	// Disputing the rejection moves the deadline track to Disputed.
	_, _, err := e.Submit(ctx, sourceID, 3, []domain.ProposedEvent{
		proposed(t, domain.EventResponseDisputed, domain.RoleClaimant, day0.AddDate(0, 0, 20),
			&domain.ResponseDisputedPayload{Track: domain.TrackDeadline}),
	})
	require.NoError(t, err)

	_, state, err := e.State(ctx, forcingID)
	require.NoError(t, err)
	require.Equal(t, domain.ForcingStopped, state.Forcing)
}

func TestSubmitStopsDependentForcingOnLock(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	sourceID, forcingID := rejectedSourceWithForcing(t, e)

	_, _, err := e.Submit(ctx, sourceID, 3, []domain.ProposedEvent{
		proposed(t, domain.EventCaseLocked, domain.RoleApprover, day0.AddDate(0, 0, 20),
			&domain.CaseLockedPayload{Reason: "settled by change order"}),
	})
	require.NoError(t, err)

	_, state, err := e.State(ctx, forcingID)
	require.NoError(t, err)
	require.Equal(t, domain.ForcingStopped, state.Forcing)
}

// A state rebuilt from the persisted log after a restart must equal the
// state handed back by the submit that wrote it.
func TestStateRebuildsFromPersistedLog(t *testing.T) {
	store := eventstore.NewMemoryStore()
	e := New(Deps{Store: store})
	ctx := context.Background()
	caseID := uuid.New()

	_, submitted, err := e.Submit(ctx, caseID, 0, []domain.ProposedEvent{
		proposed(t, domain.EventCaseOpened, domain.RoleClaimant, day0,
			&domain.CaseOpenedPayload{Kind: domain.KindStandard, Title: "VO-042"}),
		proposed(t, domain.EventGroundsNoticeSubmitted, domain.RoleClaimant, day0.AddDate(0, 0, 3),
			&domain.GroundsNoticePayload{
				Category:  domain.CategorySiteConditions,
				BasisDate: day0,
				Notice:    &domain.NoticeInfo{SentAt: day0.AddDate(0, 0, 3), Method: domain.NoticeEmail},
			}),
		proposed(t, domain.EventDeadlineClaimed, domain.RoleClaimant, day0.AddDate(0, 0, 4),
			&domain.DeadlineClaimPayload{
				Days:      10,
				BasisDate: day0,
				Notice:    &domain.NoticeInfo{SentAt: day0.AddDate(0, 0, 4), Method: domain.NoticeEmail},
			}),
		proposed(t, domain.EventResponseIssued, domain.RoleApprover, day0.AddDate(0, 0, 10),
			&domain.ResponsePayload{Track: domain.TrackDeadline, Decision: domain.DecisionRejected}),
	})
	require.NoError(t, err)

	// A fresh engine over the same store stands in for a restart.
	restarted := New(Deps{Store: store})
	version, rebuilt, err := restarted.State(ctx, caseID)
	require.NoError(t, err)
	require.EqualValues(t, submitted.Version, version)
	require.Equal(t, submitted, rebuilt)
}

func TestStateChangeOrderTotals(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	refID := openCase(t, e, domain.KindStandard,
		proposed(t, domain.EventCompensationClaimed, domain.RoleClaimant, day0.AddDate(0, 0, 2),
			&domain.CompensationClaimPayload{
				EstimatedAmount: 80000,
				Method:          domain.MethodEstimate,
				BasisDate:       day0,
				Notice:          &domain.NoticeInfo{SentAt: day0.AddDate(0, 0, 2), Method: domain.NoticeEmail},
			}),
		proposed(t, domain.EventResponseIssued, domain.RoleApprover, day0.AddDate(0, 0, 9),
			&domain.ResponsePayload{Track: domain.TrackCompensation, Decision: domain.DecisionPartiallyApproved, ApprovedAmount: 60000}),
	)

	orderID := uuid.New()
	_, _, err := e.Submit(ctx, orderID, 0, []domain.ProposedEvent{
		proposed(t, domain.EventCaseOpened, domain.RoleApprover, day0.AddDate(0, 0, 15),
			&domain.CaseOpenedPayload{
				Kind:       domain.KindChangeOrder,
				Title:      "CO-1",
				RefCaseIDs: []uuid.UUID{refID},
			}),
	})
	require.NoError(t, err)

	_, state, err := e.State(ctx, orderID)
	require.NoError(t, err)
	require.NotNil(t, state.Totals)
	require.Equal(t, 1, state.Totals.Cases)
	require.EqualValues(t, 80000, state.Totals.ClaimedAmount)
	require.EqualValues(t, 60000, state.Totals.ApprovedAmount)
}

// An order whose referenced case cannot be loaded exists; its state read
// must not report the order itself as missing.
func TestStateChangeOrderDanglingReferenceIsNotCaseNotFound(t *testing.T) {
	store := eventstore.NewMemoryStore()
	e := New(Deps{Store: store})
	ctx := context.Background()
	orderID := uuid.New()

	// Written past the engine, the way a log with a since-vanished
	// reference would look.
	_, err := store.Append(ctx, orderID, 0, []domain.Event{{
		CaseID:     orderID,
		Type:       domain.EventCaseOpened,
		OccurredAt: day0,
		ActorID:    "client",
		ActorRole:  domain.RoleApprover,
		Payload: mustMarshal(t, &domain.CaseOpenedPayload{
			Kind:       domain.KindChangeOrder,
			Title:      "CO-3",
			RefCaseIDs: []uuid.UUID{uuid.New()},
		}),
	}})
	require.NoError(t, err)

	_, _, err = e.State(ctx, orderID)
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrCaseNotFound)
}

func TestTimelineOrdering(t *testing.T) {
	e := newEngine(t)
	caseID := openCase(t, e, domain.KindStandard,
		proposed(t, domain.EventGroundsNoticeSubmitted, domain.RoleClaimant, day0.AddDate(0, 0, 3),
			&domain.GroundsNoticePayload{
				Category:  domain.CategoryClientChange,
				BasisDate: day0,
				Notice:    &domain.NoticeInfo{SentAt: day0.AddDate(0, 0, 3), Method: domain.NoticeEmail},
			}),
	)

	events, version, err := e.Timeline(context.Background(), caseID)
	require.NoError(t, err)
	require.EqualValues(t, 2, version)
	require.Len(t, events, 2)
	for i, ev := range events {
		require.EqualValues(t, i+1, ev.Seq)
	}
}

func TestSetRulesAffectsLaterSubmissions(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	caseID := openCase(t, e, domain.KindStandard)

	table := e.Rules()
	require.Equal(t, 14, table.NoticeWindowDays[domain.TrackGrounds])

	// Widen the window so a day-20 notice becomes timely.
	table.NoticeWindowDays = map[domain.Track]int{
		domain.TrackGrounds:      30,
		domain.TrackCompensation: 30,
		domain.TrackDeadline:     30,
	}
	e.SetRules(table)

	_, state, err := e.Submit(ctx, caseID, 1, []domain.ProposedEvent{
		proposed(t, domain.EventGroundsNoticeSubmitted, domain.RoleClaimant, day0.AddDate(0, 0, 20),
			&domain.GroundsNoticePayload{
				Category:  domain.CategorySiteConditions,
				BasisDate: day0,
				Notice:    &domain.NoticeInfo{SentAt: day0.AddDate(0, 0, 20), Method: domain.NoticeEmail},
			}),
	})
	require.NoError(t, err)
	require.Equal(t, domain.PreclusionTimely, state.Grounds.Preclusion)
}

func TestSubmitDeliversSignedNotification(t *testing.T) {
	var (
		mu       sync.Mutex
		bodies   [][]byte
		sigs     []string
		received int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received++
		bodies = append(bodies, body)
		sigs = append(sigs, r.Header.Get("X-Signature"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	const secret = "relay-secret"
	e := New(Deps{
		Store: eventstore.NewMemoryStore(),
		Relay: notify.NewRelay(notify.Deps{
			URL:    server.URL,
			Secret: secret,
		}),
		SyncNotify: true,
	})

	caseID := openCase(t, e, domain.KindStandard)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, received)

	var notification struct {
		CaseID     uuid.UUID          `json:"case_id"`
		Version    int64              `json:"version"`
		EventTypes []domain.EventType `json:"event_types"`
	}
	require.NoError(t, json.Unmarshal(bodies[0], &notification))
	require.Equal(t, caseID, notification.CaseID)
	require.EqualValues(t, 1, notification.Version)
	require.Equal(t, []domain.EventType{domain.EventCaseOpened}, notification.EventTypes)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(bodies[0])
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), sigs[0])
}
