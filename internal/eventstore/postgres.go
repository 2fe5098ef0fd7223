// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/khjohns/unified-timeline/internal/domain"
)

// PostgresStore persists one append-only log per case plus a denormalized
// head row (cases.current_version) so the optimistic concurrency check is
// O(1) instead of a log scan. The head row is locked FOR UPDATE for the
// duration of the append transaction, which serializes writers on one case
// without blocking any other case.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		pool:   pool,
		logger: logger,
	}
}

func (s *PostgresStore) Append(ctx context.Context, caseID uuid.UUID, expectedVersion int64, events []domain.Event) (int64, error) {
	if len(events) == 0 {
		return 0, &domain.StructuralValidationError{Reason: "empty event batch"}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.logger.Error("begin tx failed", "case_id", caseID, "error", err)
		return 0, err
	}
	defer tx.Rollback(ctx)

	if expectedVersion == 0 {
		kind := openedKind(events[0])
		if _, err := tx.Exec(ctx, `
			INSERT INTO cases (id, kind, current_version)
			VALUES ($1, $2, 0)
			ON CONFLICT (id) DO NOTHING
		`, caseID, kind); err != nil {
			s.logger.Error("insert case head failed", "case_id", caseID, "error", err)
			return 0, err
		}
	}

	var current int64
	if err := tx.QueryRow(ctx,
		`SELECT current_version FROM cases WHERE id=$1 FOR UPDATE`,
		caseID,
	).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrCaseNotFound
		}
		s.logger.Error("read case head failed", "case_id", caseID, "error", err)
		return 0, err
	}

	if current != expectedVersion {
		return 0, &domain.ConcurrencyConflictError{
			CaseID:   caseID,
			Expected: expectedVersion,
			Actual:   current,
		}
	}

	for i, ev := range events {
		seq := current + int64(i) + 1
		id := ev.ID
		if id == uuid.Nil {
			id = uuid.New()
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO case_events (id, case_id, seq, type, occurred_at, actor_id, actor_role, payload, caused_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			id, caseID, seq, ev.Type, ev.OccurredAt, ev.ActorID, ev.ActorRole, ev.Payload, ev.CausedBy,
		); err != nil {
			s.logger.Error("insert event failed",
				"case_id", caseID,
				"seq", seq,
				"type", ev.Type,
				"error", err,
			)
			return 0, err
		}

		for _, source := range dependencySources(ev) {
			if _, err := tx.Exec(ctx, `
				INSERT INTO case_dependencies (case_id, source_case_id)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING
			`, caseID, source); err != nil {
				s.logger.Error("insert dependency failed",
					"case_id", caseID,
					"source_case_id", source,
					"error", err,
				)
				return 0, err
			}
		}
	}

	newVersion := current + int64(len(events))
	if _, err := tx.Exec(ctx,
		`UPDATE cases SET current_version=$2, updated_at=NOW() WHERE id=$1`,
		caseID, newVersion,
	); err != nil {
		s.logger.Error("update case head failed", "case_id", caseID, "error", err)
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("commit append failed", "case_id", caseID, "error", err)
		return 0, err
	}

	return newVersion, nil
}

func (s *PostgresStore) GetEvents(ctx context.Context, caseID uuid.UUID) ([]domain.Event, int64, error) {
	version, err := s.CurrentVersion(ctx, caseID)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, case_id, seq, type, occurred_at, actor_id, actor_role, payload, caused_by
		FROM case_events
		WHERE case_id=$1
		ORDER BY seq ASC
	`, caseID)
	if err != nil {
		s.logger.Error("list events query failed", "case_id", caseID, "error", err)
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]domain.Event, 0, version)
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(
			&ev.ID,
			&ev.CaseID,
			&ev.Seq,
			&ev.Type,
			&ev.OccurredAt,
			&ev.ActorID,
			&ev.ActorRole,
			&ev.Payload,
			&ev.CausedBy,
		); err != nil {
			s.logger.Error("scan event row failed", "case_id", caseID, "error", err)
			return nil, 0, err
		}
		out = append(out, ev)
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("events rows iteration failed", "case_id", caseID, "error", err)
		return nil, 0, err
	}

	return out, version, nil
}

func (s *PostgresStore) CurrentVersion(ctx context.Context, caseID uuid.UUID) (int64, error) {
	var version int64
	if err := s.pool.QueryRow(ctx,
		`SELECT current_version FROM cases WHERE id=$1`,
		caseID,
	).Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrCaseNotFound
		}
		s.logger.Error("read case version failed", "case_id", caseID, "error", err)
		return 0, err
	}
	return version, nil
}

func (s *PostgresStore) ListDependents(ctx context.Context, caseID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT case_id
		FROM case_dependencies
		WHERE source_case_id=$1
		ORDER BY case_id
	`, caseID)
	if err != nil {
		s.logger.Error("list dependents query failed", "case_id", caseID, "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			s.logger.Error("scan dependent row failed", "case_id", caseID, "error", err)
			return nil, err
		}
		out = append(out, id)
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("dependents rows iteration failed", "case_id", caseID, "error", err)
		return nil, err
	}

	return out, nil
}

func openedKind(ev domain.Event) domain.CaseKind {
	if ev.Type != domain.EventCaseOpened {
		return domain.KindStandard
	}
	payload, err := domain.DecodePayload(ev.Type, ev.Payload)
	if err != nil {
		return domain.KindStandard
	}
	return payload.(*domain.CaseOpenedPayload).Kind
}
