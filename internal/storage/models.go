package storage

import (
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
)

// Timestamps are stored as unix milliseconds so ordering never depends on the
// driver's time text format.

type TrustRecordModel struct {
	ID              int64 `gorm:"primaryKey;autoIncrement:false"`
	DeviceID        string
	Status          string
	SessionToken    *string
	DisplayName     string
	LastCheckedAtMs *int64 `gorm:"column:last_checked_at_ms"`
	CursorFind      *int64
	CursorIssue     *int64
	UpdatedAtMs     int64 `gorm:"column:updated_at_ms"`
}

func (TrustRecordModel) TableName() string { return "trust_record" }

type QueuedReportModel struct {
	ID          int64 `gorm:"primaryKey"`
	LocalUUID   string `gorm:"column:local_uuid"`
	Category    string
	Room        int
	Description string
	CreatedAtMs int64   `gorm:"column:created_at_ms"`
	LastError   *string `gorm:"column:last_error"`
}

func (QueuedReportModel) TableName() string { return "queued_reports" }

type QueuedPhotoModel struct {
	ID        int64 `gorm:"primaryKey"`
	ReportID  int64
	Idx       int `gorm:"column:idx"`
	LocalPath string
	MimeType  string
	SizeBytes int64
}

func (QueuedPhotoModel) TableName() string { return "queued_photos" }

type SchedulerRunModel struct {
	Job         string `gorm:"primaryKey"`
	NextRunAtMs int64  `gorm:"column:next_run_at_ms"`
}

func (SchedulerRunModel) TableName() string { return "scheduler_runs" }

func trustFromModel(m TrustRecordModel) model.TrustRecord {
	rec := model.TrustRecord{
		DeviceID:      m.DeviceID,
		Status:        model.ParseDeviceStatus(m.Status),
		DisplayName:   m.DisplayName,
		LastCheckedAt: fromMillisPtr(m.LastCheckedAtMs),
		CursorFind:    m.CursorFind,
		CursorIssue:   m.CursorIssue,
		UpdatedAt:     fromMillis(m.UpdatedAtMs),
	}
	if m.SessionToken != nil {
		rec.SessionToken = *m.SessionToken
	}
	return rec
}

func trustToModel(rec model.TrustRecord) TrustRecordModel {
	m := TrustRecordModel{
		ID:              trustRecordID,
		DeviceID:        rec.DeviceID,
		Status:          string(rec.Status),
		DisplayName:     rec.DisplayName,
		LastCheckedAtMs: toMillisPtr(rec.LastCheckedAt),
		CursorFind:      rec.CursorFind,
		CursorIssue:     rec.CursorIssue,
		UpdatedAtMs:     toMillis(rec.UpdatedAt),
	}
	if rec.SessionToken != "" {
		token := rec.SessionToken
		m.SessionToken = &token
	}
	return m
}

func reportFromModel(m QueuedReportModel) model.QueuedReport {
	r := model.QueuedReport{
		ID:          m.ID,
		LocalUUID:   m.LocalUUID,
		Category:    model.Category(m.Category),
		Room:        m.Room,
		Description: m.Description,
		CreatedAt:   fromMillis(m.CreatedAtMs),
	}
	if m.LastError != nil {
		r.LastError = *m.LastError
	}
	return r
}

func photoFromModel(m QueuedPhotoModel) model.QueuedPhoto {
	return model.QueuedPhoto{
		ID:        m.ID,
		ReportID:  m.ReportID,
		Index:     m.Idx,
		LocalPath: m.LocalPath,
		MimeType:  m.MimeType,
		SizeBytes: m.SizeBytes,
	}
}
