// SPDX-License-Identifier: Apache-2.0

// Package notify delivers post-append notifications to the external
// collaboration relay. Delivery is fire-and-forget from the engine's point
// of view: the event batch is already committed, so a failed delivery is
// logged and dropped, never rolled back.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/khjohns/unified-timeline/internal/domain"
	"github.com/khjohns/unified-timeline/internal/metrics"
)

const (
	retryAttempts = 3
	retryBase     = 300 * time.Millisecond
	headerSig     = "X-Signature"
)

type appendNotification struct {
	CaseID     uuid.UUID          `json:"case_id"`
	Version    int64              `json:"version"`
	EventTypes []domain.EventType `json:"event_types"`
	OccurredAt time.Time          `json:"occurred_at"`
}

type Relay struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
}

type Deps struct {
	URL        string
	Secret     string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Timeout    time.Duration
}

func NewRelay(deps Deps) *Relay {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := deps.HTTPClient
	if client == nil {
		timeout := deps.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &Relay{
		url:        strings.TrimSpace(deps.URL),
		secret:     deps.Secret,
		httpClient: client,
		logger:     logger,
	}
}

// Deliver posts an HMAC-signed append notification with bounded retries.
// Safe to call on a Relay with no configured URL; that is a no-op.
func (r *Relay) Deliver(ctx context.Context, caseID uuid.UUID, version int64, eventTypes []domain.EventType) {
	if r.url == "" {
		return
	}

	body, err := json.Marshal(appendNotification{
		CaseID:     caseID,
		Version:    version,
		EventTypes: eventTypes,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		r.logger.Error("notification marshal failed", "case_id", caseID, "error", err)
		return
	}

	signature := sign(r.secret, body)

	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
		if err != nil {
			r.logger.Error("notification request build failed", "case_id", caseID, "error", err)
			metrics.IncWebhookDelivery("error")
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(headerSig, signature)
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			lastErr = err
			r.logger.Warn("notification delivery failure",
				"case_id", caseID,
				"version", version,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				r.logger.Info("notification delivered",
					"case_id", caseID,
					"version", version,
					"attempt", attempt,
					"response_status", resp.StatusCode,
				)
				metrics.IncWebhookDelivery("ok")
				return
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			r.logger.Warn("notification delivery failure",
				"case_id", caseID,
				"version", version,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < retryAttempts {
			wait := retryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				r.logger.Warn("notification canceled before retry",
					"case_id", caseID,
					"attempt", attempt,
					"error", ctx.Err(),
				)
				metrics.IncWebhookDelivery("canceled")
				return
			case <-timer.C:
			}
		}
	}

	if lastErr != nil {
		r.logger.Error("notification retries exhausted",
			"case_id", caseID,
			"version", version,
			"error", lastErr,
		)
		metrics.IncWebhookDelivery("failed")
	}
}

func sign(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
