package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/pulse?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS warnings (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			signal_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			risk TEXT NOT NULL,
			breach_type TEXT NOT NULL,
			event TEXT NOT NULL,
			models_json JSONB NOT NULL,
			regions_json JSONB NOT NULL,
			evidence_json JSONB NOT NULL,
			first_detected TIMESTAMPTZ NOT NULL,
			retired_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_warnings_ts ON warnings(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_warnings_signal ON warnings(signal_id)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			incident_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			title TEXT NOT NULL,
			source TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_provider ON incidents(provider, updated_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) SaveWarnings(ctx context.Context, event string, signals []model.EarlyWarningSignal) error {
	if s.db == nil || len(signals) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO warnings (ts, signal_id, provider, risk, breach_type, event, models_json, regions_json, evidence_json, first_detected, retired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, sig := range signals {
		if _, err := stmt.ExecContext(ctx,
			nowUTC(),
			sig.ID,
			sig.Provider,
			string(sig.Risk),
			string(sig.BreachType),
			event,
			encodeJSON(sig.AffectedModels),
			encodeJSON(sig.AffectedRegions),
			encodeJSON(sig.Evidence),
			sig.FirstDetected.UTC(),
			nullableTime(sig.RetiredAt),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *postgresStore) SaveIncident(ctx context.Context, inc model.Incident) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incidents (ts, incident_id, provider, severity, status, title, source, started_at, resolved_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		nowUTC(),
		inc.ID,
		inc.Provider,
		string(inc.Severity),
		string(inc.Status),
		inc.Title,
		inc.Source,
		inc.StartedAt.UTC(),
		nullableTime(inc.ResolvedAt),
		inc.UpdatedAt.UTC(),
	)
	return err
}
