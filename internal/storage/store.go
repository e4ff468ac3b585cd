// internal/storage/store.go
// Package storage persists the device's local state: the single trust record,
// the offline report queue with its photo rows, and scheduler bookkeeping.
// Backends: in-memory, SQLite (the on-device default) and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a row is not found
	ErrConflict = errors.New("conflict")  // Returned when a unique key already exists
	ErrNoPhotos = errors.New("a queued report needs at least one photo")
)

// trustRecordID is the primary key of the single trust row.
const trustRecordID = 1

// Store defines the storage operations required by the engine.
// This interface is implemented by the memory, SQLite and PostgreSQL backends.
type Store interface {
	// Trust record, lazily seeded on first read
	GetTrustRecord(ctx context.Context) (model.TrustRecord, error)
	SaveTrustRecord(ctx context.Context, rec model.TrustRecord) error

	// Offline queue
	InsertReport(ctx context.Context, report model.QueuedReport, photos []model.QueuedPhoto) (model.QueuedReport, error) // Report and photos in one transaction
	GetReport(ctx context.Context, id int64) (*model.QueuedReport, error)
	ListOldestReports(ctx context.Context, limit int) ([]model.QueuedReport, error) // Oldest first
	ListPhotos(ctx context.Context, reportID int64) ([]model.QueuedPhoto, error)     // Index order
	SetReportError(ctx context.Context, id int64, label string) error
	DeletePhotos(ctx context.Context, reportID int64) error
	DeleteReport(ctx context.Context, id int64) error // Also drops any photo rows left behind
	CountReports(ctx context.Context) (int, error)

	// Persistent "next eligible run" per scheduled job
	GetNextRun(ctx context.Context, job string) (time.Time, error) // ErrNotFound if never set
	SetNextRun(ctx context.Context, job string, at time.Time) error

	Ping(ctx context.Context) error
	Close() error
}

// Open picks a backend from dsn: "memory", a postgres:// URL, or a SQLite file path.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch {
	case dsn == "memory":
		logger.Warn("using in-memory storage, the queue will not survive a restart")
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgres(ctx, dsn)
	default:
		if dir := filepath.Dir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		return NewSQLite(ctx, dsn)
	}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMillis(*ms)
	return &t
}

func toMillisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := toMillis(*t)
	return &ms
}

func seedTrustRecord() model.TrustRecord {
	return model.TrustRecord{Status: model.StatusPending, UpdatedAt: time.Now().UTC()}
}

// normalizeTrust enforces the record invariant before any write.
func normalizeTrust(rec model.TrustRecord) model.TrustRecord {
	if rec.Status == "" {
		rec.Status = model.StatusPending
	}
	rec = rec.WithStatus(rec.Status)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	return rec
}
