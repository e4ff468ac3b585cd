// internal/storage/sqlite.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
)

// sqliteStore is the on-device backend. It uses the pure-Go modernc driver.
type sqliteStore struct {
	db *gorm.DB
}

// OpenSQLite opens the database file at path with foreign keys and a busy timeout.
func OpenSQLite(path string) (*gorm.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	return gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        dsn,
	}, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
}

// NewSQLite opens path and runs migrations.
func NewSQLite(ctx context.Context, path string) (Store, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection serializes writers and keeps pragmas on one handle.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := RunMigrations(ctx, db); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) GetTrustRecord(ctx context.Context) (model.TrustRecord, error) {
	seed := trustToModel(seedTrustRecord())

	var m TrustRecordModel
	err := s.db.WithContext(ctx).
		Where(TrustRecordModel{ID: trustRecordID}).
		Attrs(seed).
		FirstOrCreate(&m).Error
	if err != nil {
		return model.TrustRecord{}, fmt.Errorf("get trust record: %w", err)
	}
	return trustFromModel(m), nil
}

func (s *sqliteStore) SaveTrustRecord(ctx context.Context, rec model.TrustRecord) error {
	m := trustToModel(normalizeTrust(rec))
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("save trust record: %w", err)
	}
	return nil
}

func (s *sqliteStore) InsertReport(ctx context.Context, report model.QueuedReport, photos []model.QueuedPhoto) (model.QueuedReport, error) {
	if len(photos) == 0 {
		return model.QueuedReport{}, ErrNoPhotos
	}

	rm := QueuedReportModel{
		LocalUUID:   report.LocalUUID,
		Category:    string(report.Category),
		Room:        report.Room,
		Description: report.Description,
		CreatedAtMs: toMillis(report.CreatedAt),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&QueuedReportModel{}).Where("local_uuid = ?", report.LocalUUID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrConflict
		}
		if err := tx.Create(&rm).Error; err != nil {
			return err
		}

		pms := make([]QueuedPhotoModel, 0, len(photos))
		for _, p := range photos {
			pms = append(pms, QueuedPhotoModel{
				ReportID:  rm.ID,
				Idx:       p.Index,
				LocalPath: p.LocalPath,
				MimeType:  p.MimeType,
				SizeBytes: p.SizeBytes,
			})
		}
		return tx.Create(&pms).Error
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return model.QueuedReport{}, ErrConflict
		}
		return model.QueuedReport{}, fmt.Errorf("insert report: %w", err)
	}

	report.ID = rm.ID
	report.CreatedAt = fromMillis(rm.CreatedAtMs)
	return report, nil
}

func (s *sqliteStore) GetReport(ctx context.Context, id int64) (*model.QueuedReport, error) {
	var m QueuedReportModel
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r := reportFromModel(m)
	return &r, nil
}

func (s *sqliteStore) ListOldestReports(ctx context.Context, limit int) ([]model.QueuedReport, error) {
	q := s.db.WithContext(ctx).Order("created_at_ms ASC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []QueuedReportModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}

	out := make([]model.QueuedReport, 0, len(rows))
	for _, m := range rows {
		out = append(out, reportFromModel(m))
	}
	return out, nil
}

func (s *sqliteStore) ListPhotos(ctx context.Context, reportID int64) ([]model.QueuedPhoto, error) {
	var rows []QueuedPhotoModel
	if err := s.db.WithContext(ctx).Where("report_id = ?", reportID).Order("idx ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list photos: %w", err)
	}

	out := make([]model.QueuedPhoto, 0, len(rows))
	for _, m := range rows {
		out = append(out, photoFromModel(m))
	}
	return out, nil
}

func (s *sqliteStore) SetReportError(ctx context.Context, id int64, label string) error {
	res := s.db.WithContext(ctx).Model(&QueuedReportModel{}).Where("id = ?", id).Update("last_error", label)
	if res.Error != nil {
		return fmt.Errorf("set report error: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeletePhotos(ctx context.Context, reportID int64) error {
	if err := s.db.WithContext(ctx).Where("report_id = ?", reportID).Delete(&QueuedPhotoModel{}).Error; err != nil {
		return fmt.Errorf("delete photos: %w", err)
	}
	return nil
}

func (s *sqliteStore) DeleteReport(ctx context.Context, id int64) error {
	var affected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("report_id = ?", id).Delete(&QueuedPhotoModel{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&QueuedReportModel{}, id)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) CountReports(ctx context.Context) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&QueuedReportModel{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count reports: %w", err)
	}
	return int(n), nil
}

func (s *sqliteStore) GetNextRun(ctx context.Context, job string) (time.Time, error) {
	var m SchedulerRunModel
	if err := s.db.WithContext(ctx).Where("job = ?", job).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, err
	}
	return fromMillis(m.NextRunAtMs), nil
}

func (s *sqliteStore) SetNextRun(ctx context.Context, job string, at time.Time) error {
	m := SchedulerRunModel{Job: job, NextRunAtMs: toMillis(at)}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *sqliteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
