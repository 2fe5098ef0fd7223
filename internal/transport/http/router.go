// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/khjohns/unified-timeline/internal/domain"
	"github.com/khjohns/unified-timeline/internal/metrics"
	"github.com/khjohns/unified-timeline/internal/transport/middleware"
)

type appendRequest struct {
	ExpectedVersion int64                  `json:"expected_version"`
	Events          []domain.ProposedEvent `json:"events"`
}

type appendResponse struct {
	Version int64            `json:"version"`
	State   domain.CaseState `json:"state"`
}

type timelineResponse struct {
	CaseID  string         `json:"case_id"`
	Version int64          `json:"version"`
	Events  []domain.Event `json:"events"`
}

type Deps struct {
	Cases      CaseService
	RuleAdmin  RuleAdmin
	Health     HealthChecker
	Logger     *slog.Logger
	AdminToken string
	Version    string
	Commit     string
	BuildDate  string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health.Check(r.Context()); err != nil {
				logger.Error("health check failed", "error", err)
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- RULE TABLE (ADMIN) ----------------

	if deps.RuleAdmin != nil {
		r.Route("/admin/rules", func(admin chi.Router) {
			admin.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))

			admin.Get("/", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, deps.RuleAdmin.Rules())
			})

			admin.Put("/", func(w http.ResponseWriter, r *http.Request) {
				table, err := decodeRuleTable(r)
				if err != nil {
					http.Error(w, "invalid rule table", http.StatusBadRequest)
					return
				}

				deps.RuleAdmin.SetRules(table)
				logger.Info("rule table replaced via API")
				writeJSON(w, http.StatusOK, table)
			})
		})
	}

	// ---------------- CASES ----------------

	appendHandler := func(w http.ResponseWriter, r *http.Request) {
		caseID, err := uuid.Parse(chi.URLParam(r, "case_id"))
		if err != nil {
			http.Error(w, "invalid case ID", http.StatusBadRequest)
			return
		}

		reqBody, err := decodeAppendRequest(r)
		if err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		newVersion, state, err := deps.Cases.Submit(r.Context(), caseID, reqBody.ExpectedVersion, reqBody.Events)
		if err != nil {
			writeSubmitError(w, logger, caseID, err)
			return
		}

		writeJSON(w, http.StatusCreated, appendResponse{
			Version: newVersion,
			State:   state,
		})
	}

	r.Post("/cases/{case_id}/events", appendHandler)
	// Batch shares the handler: one request body, one atomic append.
	r.Post("/cases/{case_id}/events/batch", appendHandler)

	r.Get("/cases/{case_id}/state", func(w http.ResponseWriter, r *http.Request) {
		caseID, err := uuid.Parse(chi.URLParam(r, "case_id"))
		if err != nil {
			http.Error(w, "invalid case ID", http.StatusBadRequest)
			return
		}

		version, state, err := deps.Cases.State(r.Context(), caseID)
		if err != nil {
			if errors.Is(err, domain.ErrCaseNotFound) {
				logger.Warn("case not found", "case_id", caseID)
				http.Error(w, "case not found", http.StatusNotFound)
				return
			}
			logger.Error("get case state failed", "case_id", caseID, "error", err)
			http.Error(w, "failed to get case state", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, appendResponse{
			Version: version,
			State:   state,
		})
	})

	r.Get("/cases/{case_id}/timeline", func(w http.ResponseWriter, r *http.Request) {
		caseID, err := uuid.Parse(chi.URLParam(r, "case_id"))
		if err != nil {
			http.Error(w, "invalid case ID", http.StatusBadRequest)
			return
		}

		events, version, err := deps.Cases.Timeline(r.Context(), caseID)
		if err != nil {
			if errors.Is(err, domain.ErrCaseNotFound) {
				logger.Warn("case not found", "case_id", caseID)
				http.Error(w, "case not found", http.StatusNotFound)
				return
			}
			logger.Error("get case timeline failed", "case_id", caseID, "error", err)
			http.Error(w, "failed to get case timeline", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, timelineResponse{
			CaseID:  caseID.String(),
			Version: version,
			Events:  events,
		})
	})

	return r
}

func writeSubmitError(w http.ResponseWriter, logger *slog.Logger, caseID uuid.UUID, err error) {
	var conflict *domain.ConcurrencyConflictError
	if errors.As(err, &conflict) {
		// Tell the caller the case moved on so they can refresh and retry.
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "case changed since you loaded it - refresh and retry",
			"version": conflict.Actual,
		})
		return
	}

	var structural *domain.StructuralValidationError
	if errors.As(err, &structural) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": structural.Reason,
		})
		return
	}

	if errors.Is(err, domain.ErrCaseNotFound) {
		logger.Warn("case not found", "case_id", caseID)
		http.Error(w, "case not found", http.StatusNotFound)
		return
	}

	logger.Error("submit events failed", "case_id", caseID, "error", err)
	http.Error(w, "failed to submit events", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeAppendRequest(r *http.Request) (appendRequest, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return appendRequest{}, errors.New("missing request body")
	}

	var req appendRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return appendRequest{}, err
	}

	// Ensure there is only one JSON object.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return appendRequest{}, errors.New("request body must contain exactly one JSON object")
	}

	if len(req.Events) == 0 {
		return appendRequest{}, errors.New("events must not be empty")
	}

	return req, nil
}

func decodeRuleTable(r *http.Request) (domain.RuleTable, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return domain.RuleTable{}, errors.New("missing request body")
	}

	var table domain.RuleTable
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&table); err != nil {
		return domain.RuleTable{}, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return domain.RuleTable{}, errors.New("request body must contain exactly one JSON object")
	}

	if len(table.NoticeWindowDays) == 0 || table.ObjectionWindowDays <= 0 {
		return domain.RuleTable{}, errors.New("incomplete rule table")
	}

	return table, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
