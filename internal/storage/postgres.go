// internal/storage/postgres.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
)

// postgres backs kiosk and gateway deployments where several device processes
// share one database host.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(ctx context.Context, dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// A device process issues few concurrent statements
	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Single trust row
		CREATE TABLE IF NOT EXISTS trust_record (
		    id INTEGER PRIMARY KEY CHECK (id = 1),
		    device_id TEXT NOT NULL DEFAULT '',
		    status TEXT NOT NULL DEFAULT 'PENDING',
		    session_token TEXT,                      -- Present only while ACTIVE
		    display_name TEXT NOT NULL DEFAULT '',
		    last_checked_at TIMESTAMP WITH TIME ZONE,
		    cursor_find BIGINT,
		    cursor_issue BIGINT,
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Offline queue
		CREATE TABLE IF NOT EXISTS queued_reports (
		    id BIGSERIAL PRIMARY KEY,
		    local_uuid TEXT NOT NULL UNIQUE,         -- Server idempotency key
		    category TEXT NOT NULL,
		    room INTEGER NOT NULL CHECK (room > 0),
		    description TEXT NOT NULL DEFAULT '',
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    last_error TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_queued_reports_created_at ON queued_reports(created_at, id);

		CREATE TABLE IF NOT EXISTS queued_photos (
		    id BIGSERIAL PRIMARY KEY,
		    report_id BIGINT NOT NULL REFERENCES queued_reports(id) ON DELETE CASCADE,
		    idx INTEGER NOT NULL,
		    local_path TEXT NOT NULL,
		    mime_type TEXT NOT NULL,
		    size_bytes BIGINT NOT NULL,
		    UNIQUE (report_id, idx)
		);

		-- Scheduler bookkeeping
		CREATE TABLE IF NOT EXISTS scheduler_runs (
		    job TEXT PRIMARY KEY,
		    next_run_at TIMESTAMP WITH TIME ZONE NOT NULL
		);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

func (p *postgres) GetTrustRecord(ctx context.Context) (model.TrustRecord, error) {
	// Seed lazily; concurrent seeders collapse on the primary key.
	_, err := p.db.Exec(ctx, `
		INSERT INTO trust_record (id, status, updated_at) VALUES ($1, 'PENDING', NOW())
		ON CONFLICT (id) DO NOTHING`, trustRecordID)
	if err != nil {
		return model.TrustRecord{}, fmt.Errorf("seed trust record: %w", err)
	}

	var (
		rec    model.TrustRecord
		status string
		token  *string
	)
	err = p.db.QueryRow(ctx, `
		SELECT device_id, status, session_token, display_name, last_checked_at, cursor_find, cursor_issue, updated_at
		FROM trust_record WHERE id = $1`, trustRecordID).
		Scan(&rec.DeviceID, &status, &token, &rec.DisplayName, &rec.LastCheckedAt, &rec.CursorFind, &rec.CursorIssue, &rec.UpdatedAt)
	if err != nil {
		return model.TrustRecord{}, fmt.Errorf("get trust record: %w", err)
	}
	rec.Status = model.ParseDeviceStatus(status)
	if token != nil {
		rec.SessionToken = *token
	}
	return rec, nil
}

func (p *postgres) SaveTrustRecord(ctx context.Context, rec model.TrustRecord) error {
	rec = normalizeTrust(rec)
	var token *string
	if rec.SessionToken != "" {
		token = &rec.SessionToken
	}

	_, err := p.db.Exec(ctx, `
		INSERT INTO trust_record (id, device_id, status, session_token, display_name, last_checked_at, cursor_find, cursor_issue, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
		    device_id = EXCLUDED.device_id,
		    status = EXCLUDED.status,
		    session_token = EXCLUDED.session_token,
		    display_name = EXCLUDED.display_name,
		    last_checked_at = EXCLUDED.last_checked_at,
		    cursor_find = EXCLUDED.cursor_find,
		    cursor_issue = EXCLUDED.cursor_issue,
		    updated_at = EXCLUDED.updated_at`,
		trustRecordID, rec.DeviceID, string(rec.Status), token, rec.DisplayName,
		rec.LastCheckedAt, rec.CursorFind, rec.CursorIssue, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save trust record: %w", err)
	}
	return nil
}

func (p *postgres) InsertReport(ctx context.Context, report model.QueuedReport, photos []model.QueuedPhoto) (model.QueuedReport, error) {
	if len(photos) == 0 {
		return model.QueuedReport{}, ErrNoPhotos
	}

	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.QueuedReport{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO queued_reports (local_uuid, category, room, description, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		report.LocalUUID, string(report.Category), report.Room, report.Description, report.CreatedAt).
		Scan(&report.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.QueuedReport{}, ErrConflict
		}
		return model.QueuedReport{}, fmt.Errorf("insert report: %w", err)
	}

	for _, ph := range photos {
		_, err := tx.Exec(ctx, `
			INSERT INTO queued_photos (report_id, idx, local_path, mime_type, size_bytes)
			VALUES ($1, $2, $3, $4, $5)`,
			report.ID, ph.Index, ph.LocalPath, ph.MimeType, ph.SizeBytes)
		if err != nil {
			return model.QueuedReport{}, fmt.Errorf("insert photo %d: %w", ph.Index, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.QueuedReport{}, fmt.Errorf("commit: %w", err)
	}
	return report, nil
}

func (p *postgres) GetReport(ctx context.Context, id int64) (*model.QueuedReport, error) {
	row := p.db.QueryRow(ctx, `
		SELECT id, local_uuid, category, room, description, created_at, last_error
		FROM queued_reports WHERE id = $1`, id)
	r, err := scanReport(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (p *postgres) ListOldestReports(ctx context.Context, limit int) ([]model.QueuedReport, error) {
	query := `
		SELECT id, local_uuid, category, room, description, created_at, last_error
		FROM queued_reports ORDER BY created_at ASC, id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	out := []model.QueuedReport{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *postgres) ListPhotos(ctx context.Context, reportID int64) ([]model.QueuedPhoto, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, report_id, idx, local_path, mime_type, size_bytes
		FROM queued_photos WHERE report_id = $1 ORDER BY idx ASC`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list photos: %w", err)
	}
	defer rows.Close()

	out := []model.QueuedPhoto{}
	for rows.Next() {
		var ph model.QueuedPhoto
		if err := rows.Scan(&ph.ID, &ph.ReportID, &ph.Index, &ph.LocalPath, &ph.MimeType, &ph.SizeBytes); err != nil {
			return nil, err
		}
		out = append(out, ph)
	}
	return out, rows.Err()
}

func (p *postgres) SetReportError(ctx context.Context, id int64, label string) error {
	tag, err := p.db.Exec(ctx, `UPDATE queued_reports SET last_error = $2 WHERE id = $1`, id, label)
	if err != nil {
		return fmt.Errorf("set report error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) DeletePhotos(ctx context.Context, reportID int64) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM queued_photos WHERE report_id = $1`, reportID); err != nil {
		return fmt.Errorf("delete photos: %w", err)
	}
	return nil
}

func (p *postgres) DeleteReport(ctx context.Context, id int64) error {
	// Photo rows go with the report through ON DELETE CASCADE
	tag, err := p.db.Exec(ctx, `DELETE FROM queued_reports WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) CountReports(ctx context.Context) (int, error) {
	var n int
	if err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM queued_reports`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count reports: %w", err)
	}
	return n, nil
}

func (p *postgres) GetNextRun(ctx context.Context, job string) (time.Time, error) {
	var at time.Time
	err := p.db.QueryRow(ctx, `SELECT next_run_at FROM scheduler_runs WHERE job = $1`, job).Scan(&at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, err
	}
	return at.UTC(), nil
}

func (p *postgres) SetNextRun(ctx context.Context, job string, at time.Time) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO scheduler_runs (job, next_run_at) VALUES ($1, $2)
		ON CONFLICT (job) DO UPDATE SET next_run_at = EXCLUDED.next_run_at`, job, at)
	return err
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *postgres) Close() error {
	p.db.Close()
	return nil
}

func scanReport(row pgx.Row) (model.QueuedReport, error) {
	var (
		r         model.QueuedReport
		category  string
		lastError *string
	)
	if err := row.Scan(&r.ID, &r.LocalUUID, &category, &r.Room, &r.Description, &r.CreatedAt, &lastError); err != nil {
		return model.QueuedReport{}, err
	}
	r.Category = model.Category(category)
	r.CreatedAt = r.CreatedAt.UTC()
	if lastError != nil {
		r.LastError = *lastError
	}
	return r, nil
}
