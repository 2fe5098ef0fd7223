// SPDX-License-Identifier: Apache-2.0

package rules

import (
	"fmt"

	"github.com/khjohns/unified-timeline/internal/domain"
)

// Annotate recomputes the substantive rule findings on a freshly projected
// state: per-track preclusion, port warnings, and the forcing compensation
// entitlement. It is a pure function of state and the injected rule table;
// warnings are rebuilt from scratch on every call so replays never
// accumulate duplicates.
func (v *Validator) Annotate(state domain.CaseState) domain.CaseState {
	out := state.Clone()
	out.Warnings = nil

	for _, track := range []domain.Track{domain.TrackGrounds, domain.TrackCompensation, domain.TrackDeadline} {
		ts := out.TrackState(track)
		ts.Preclusion = v.preclusion(*ts, track)
		out.Warnings = append(out.Warnings, v.trackWarnings(*ts, track)...)
	}

	if out.Kind == domain.KindForcing {
		out.Entitlement = v.forcingEntitlement(out)
	}

	return out
}

// preclusion is the two-sided port-1 rule. A late notice stands Late until
// the approver objects; an objection inside the "without undue delay"
// window makes the claim Precluded, and an objection that is itself late
// cures the original lateness entirely. The objection's timeliness is
// verified independently, never inferred.
func (v *Validator) preclusion(ts domain.TrackState, track domain.Track) domain.PreclusionStatus {
	if ts.Claim == nil {
		return domain.PreclusionNotAssessed
	}

	window := v.table.NoticeWindow(track)
	if window <= 0 || ts.Claim.Notice == nil || ts.NoticedAt == nil {
		return domain.PreclusionNotAssessed
	}

	deadline := ts.Claim.BasisDate.AddDate(0, 0, window)
	if !ts.NoticedAt.After(deadline) {
		return domain.PreclusionTimely
	}

	if ts.Objection == nil {
		return domain.PreclusionLate
	}

	objectionDeadline := ts.NoticedAt.AddDate(0, 0, v.table.ObjectionWindowDays)
	if !ts.Objection.ObjectedAt.After(objectionDeadline) {
		return domain.PreclusionPrecluded
	}
	return domain.PreclusionCured
}

func (v *Validator) trackWarnings(ts domain.TrackState, track domain.Track) []domain.Warning {
	if ts.Claim == nil {
		return nil
	}

	var warnings []domain.Warning

	switch ts.Preclusion {
	case domain.PreclusionLate:
		warnings = append(warnings, domain.Warning{
			Code:    domain.WarnNoticeLate,
			Track:   track,
			Message: fmt.Sprintf("notice on track %s was sent after the %d-day window", track, v.table.NoticeWindow(track)),
			EventID: ts.Claim.EventID,
		})
	case domain.PreclusionPrecluded:
		warnings = append(warnings, domain.Warning{
			Code:    domain.WarnNoticePrecluded,
			Track:   track,
			Message: fmt.Sprintf("claim on track %s is precluded by a timely late-notice objection", track),
			EventID: ts.Claim.EventID,
		})
	}

	if v.table.NoticeWindow(track) > 0 && ts.Claim.Notice == nil {
		warnings = append(warnings, domain.Warning{
			Code:    domain.WarnNoticeMissing,
			Track:   track,
			Message: fmt.Sprintf("track %s requires notice but none was recorded", track),
			EventID: ts.Claim.EventID,
		})
	}

	if track != domain.TrackGrounds && ts.Claim.Category != "" &&
		!v.table.CategoryEntitled(track, ts.Claim.Category) {
		warnings = append(warnings, domain.Warning{
			Code:    domain.WarnCategoryUnentitle,
			Track:   track,
			Message: fmt.Sprintf("category %s is not entitled to a %s claim", ts.Claim.Category, track),
			EventID: ts.Claim.EventID,
		})
	}

	return warnings
}

// forcingEntitlement is the port-3 figure for an acceleration case: the
// estimate bounded by the contractual cap while the forcing runs, and only
// costs actually incurred once it is stopped.
func (v *Validator) forcingEntitlement(state domain.CaseState) float64 {
	claim := state.Compensation.Claim
	if claim == nil {
		return 0
	}

	if state.Forcing == domain.ForcingStopped {
		return claim.IncurredAmount
	}

	entitled := claim.EstimatedAmount
	if v.table.DailyPenaltyRate > 0 {
		if ceiling := v.table.ForcingCap(state.RejectedDays); entitled > ceiling {
			entitled = ceiling
		}
	}
	return entitled
}
