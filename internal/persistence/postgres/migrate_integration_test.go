//go:build integration

// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/khjohns/unified-timeline/internal/domain"
	"github.com/khjohns/unified-timeline/internal/eventstore"
)

func TestEnsureSchemaBootstrapsEmptyDatabase(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	baseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if baseURL == "" {
		t.Skip("set DATABASE_URL to run integration tests")
	}

	adminPool, err := pgxpool.New(ctx, baseURL)
	if err != nil {
		t.Skipf("skip integration test: cannot create admin pool (%v)", err)
	}
	defer adminPool.Close()

	if err := adminPool.Ping(ctx); err != nil {
		t.Skipf("skip integration test: cannot reach database (%v)", err)
	}

	testDBName := "bootstrap_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := adminPool.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{testDBName}.Sanitize()); err != nil {
		t.Skipf("skip integration test: cannot create database (%v)", err)
	}

	defer func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cleanupCancel()

		_, _ = adminPool.Exec(cleanupCtx, `
			SELECT pg_terminate_backend(pid)
			FROM pg_stat_activity
			WHERE datname = $1
			  AND pid <> pg_backend_pid()
		`, testDBName)
		if _, err := adminPool.Exec(cleanupCtx, "DROP DATABASE "+pgx.Identifier{testDBName}.Sanitize()); err != nil {
			t.Logf("cleanup warning: drop temp database failed (%v)", err)
		}
	}()

	poolCfg, err := pgxpool.ParseConfig(baseURL)
	if err != nil {
		t.Fatalf("parse DATABASE_URL: %v", err)
	}
	poolCfg.ConnConfig.Database = testDBName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		t.Fatalf("create temp database pool: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("ping temp database: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := EnsureSchema(ctx, pool, logger); err != nil {
		t.Fatalf("ensure schema first run: %v", err)
	}
	if err := EnsureSchema(ctx, pool, logger); err != nil {
		t.Fatalf("ensure schema second run: %v", err)
	}
	if err := SchemaReady(ctx, pool); err != nil {
		t.Fatalf("schema ready check: %v", err)
	}

	store := eventstore.NewPostgresStore(pool, logger)
	caseID := uuid.New()

	payload, err := json.Marshal(domain.CaseOpenedPayload{
		Kind:  domain.KindStandard,
		Title: "bootstrap test case",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	version, err := store.Append(ctx, caseID, 0, []domain.Event{{
		ID:         uuid.New(),
		CaseID:     caseID,
		Type:       domain.EventCaseOpened,
		OccurredAt: time.Now().UTC(),
		ActorID:    "contractor",
		ActorRole:  domain.RoleClaimant,
		Payload:    payload,
	}})
	if err != nil {
		t.Fatalf("append after bootstrap: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1 got %d", version)
	}

	events, current, err := store.GetEvents(ctx, caseID)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if current != 1 || len(events) != 1 {
		t.Fatalf("expected one event at version 1, got %d events at version %d", len(events), current)
	}

	// Same expected version again must lose the optimistic check.
	_, err = store.Append(ctx, caseID, 0, []domain.Event{{
		ID:         uuid.New(),
		Type:       domain.EventCaseOpened,
		OccurredAt: time.Now().UTC(),
		ActorID:    "contractor",
		ActorRole:  domain.RoleClaimant,
		Payload:    payload,
	}})
	var conflict *domain.ConcurrencyConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}
	if conflict.Actual != 1 {
		t.Fatalf("expected actual version 1 in conflict, got %d", conflict.Actual)
	}
}
