// Package storage archives promoted warnings and provider incidents to a
// relational database. Archival is best effort: the engine keeps running when
// a write fails, and nothing in the query path reads from here.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/config"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

type Store interface {
	Init(ctx context.Context) error
	Close() error
	// SaveWarnings archives one evaluation cycle's signals under a lifecycle
	// event label ("confirmed", "updated", "retired").
	SaveWarnings(ctx context.Context, event string, signals []model.EarlyWarningSignal) error
	SaveIncident(ctx context.Context, inc model.Incident) error
}

// NewStore returns nil without error when archival is disabled.
func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
