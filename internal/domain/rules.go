// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// RaisedAtBasis selects which timestamp counts as the moment a claim is
// "raised" for limitation and settlement-exclusion purposes. The contract
// leaves this genuinely ambiguous, so it is configuration, not code.
type RaisedAtBasis string

const (
	RaisedAtNotice     RaisedAtBasis = "NOTICE"
	RaisedAtQuantified RaisedAtBasis = "QUANTIFIED"
)

// RuleTable is the injected notice-deadline rule configuration. It is
// passed to the validator at construction and swappable at runtime through
// the admin surface; nothing in this package holds mutable rule state.
type RuleTable struct {
	// NoticeWindowDays is the per-track window, counted from the claim's
	// basis date, inside which the originating notice must be sent.
	NoticeWindowDays map[Track]int `json:"notice_window_days" validate:"required"`

	// ObjectionWindowDays bounds "without undue delay" for the approver's
	// late-notice objection, counted from the claim event.
	ObjectionWindowDays int `json:"objection_window_days" validate:"gt=0"`

	// Forcing-cost cap: rejected days x daily penalty rate x cap factor.
	ForcingCapFactor float64 `json:"forcing_cap_factor" validate:"gt=0"`
	DailyPenaltyRate float64 `json:"daily_penalty_rate" validate:"gte=0"`

	RaisedAtBasis RaisedAtBasis `json:"raised_at_basis" validate:"required,oneof=NOTICE QUANTIFIED"`

	// Categories substantively entitled to each monetary/schedule track.
	// Force majeure famously extends deadlines without compensating cost.
	CompensationCategories []GroundsCategory `json:"compensation_categories"`
	DeadlineCategories     []GroundsCategory `json:"deadline_categories"`
}

// DefaultRuleTable mirrors the baseline contract terms. Deployments
// override it via configuration or the admin rules endpoint.
func DefaultRuleTable() RuleTable {
	return RuleTable{
		NoticeWindowDays: map[Track]int{
			TrackGrounds:      14,
			TrackCompensation: 14,
			TrackDeadline:     14,
		},
		ObjectionWindowDays: 14,
		ForcingCapFactor:    1.3,
		DailyPenaltyRate:    0,
		RaisedAtBasis:       RaisedAtNotice,
		CompensationCategories: []GroundsCategory{
			CategoryClientChange,
			CategorySiteConditions,
			CategoryAuthorityDecision,
			CategoryDefectiveDocuments,
		},
		DeadlineCategories: []GroundsCategory{
			CategoryClientChange,
			CategorySiteConditions,
			CategoryAuthorityDecision,
			CategoryForceMajeure,
			CategoryDefectiveDocuments,
		},
	}
}

// NoticeWindow returns the notice window for the track, zero when the
// table does not constrain it.
func (r RuleTable) NoticeWindow(t Track) int {
	return r.NoticeWindowDays[t]
}

// CategoryEntitled reports whether the category substantively supports a
// claim on the given track. The grounds track takes any known category.
func (r RuleTable) CategoryEntitled(t Track, c GroundsCategory) bool {
	var allowed []GroundsCategory
	switch t {
	case TrackCompensation:
		allowed = r.CompensationCategories
	case TrackDeadline:
		allowed = r.DeadlineCategories
	default:
		return true
	}
	for _, a := range allowed {
		if a == c {
			return true
		}
	}
	return false
}

// ForcingCap is the contractual ceiling on forcing compensation.
func (r RuleTable) ForcingCap(rejectedDays int) float64 {
	return float64(rejectedDays) * r.DailyPenaltyRate * r.ForcingCapFactor
}

// RaisedAt reports when the track's claim counts as raised under this
// table's configured interpretation. Both underlying timestamps stay
// visible on the track state regardless.
func (r RuleTable) RaisedAt(t TrackState) *time.Time {
	if r.RaisedAtBasis == RaisedAtQuantified {
		return t.QuantifiedAt
	}
	return t.NoticedAt
}
