// internal/model/fieldsync.go
// Package model defines the data structures used throughout the fieldsync engine.
// These structures represent device trust, queued reports and the sync signals
// handed to the presentation layer.
package model

import (
	"strings"
	"time"
)

// DeviceStatus is the server-decided activation state of the device.
type DeviceStatus string

const (
	StatusPending DeviceStatus = "PENDING" // Registered, awaiting admin approval
	StatusActive  DeviceStatus = "ACTIVE"  // Trusted, may obtain a session token
	StatusRevoked DeviceStatus = "REVOKED" // Blocked by an administrator
)

// ParseDeviceStatus normalizes a server status string. Unknown values map to PENDING
// so the client never promotes itself.
func ParseDeviceStatus(s string) DeviceStatus {
	switch DeviceStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusActive:
		return StatusActive
	case StatusRevoked:
		return StatusRevoked
	default:
		return StatusPending
	}
}

// StatusText is the short status line shown next to the activation affordance.
func (s DeviceStatus) StatusText() string {
	switch s {
	case StatusActive:
		return "Welcome home"
	case StatusRevoked:
		return "Blocked by administrator"
	default:
		return "Activate the device"
	}
}

// Category is the kind of a field report. Each category has its own poll cursor.
type Category string

const (
	CategoryFind  Category = "FIND"  // Lost-and-found item, cursor a
	CategoryIssue Category = "ISSUE" // Maintenance issue, cursor b
)

// ParseCategory accepts any letter case.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	return c, c.Valid()
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c == CategoryFind || c == CategoryIssue
}

// TrustRecord is the single persisted row tracking activation and poll cursors.
// It is lazily seeded on first read and never deleted.
type TrustRecord struct {
	DeviceID      string       `json:"deviceId"`                // Empty until first contact
	Status        DeviceStatus `json:"status"`                  // Server-decided activation state
	SessionToken  string       `json:"-"`                       // Bearer credential, present only while ACTIVE
	DisplayName   string       `json:"displayName,omitempty"`   // Name known to the server
	LastCheckedAt *time.Time   `json:"lastCheckedAt,omitempty"` // Last successful status probe
	CursorFind    *int64       `json:"cursorFind,omitempty"`    // High-water mark of FIND items
	CursorIssue   *int64       `json:"cursorIssue,omitempty"`   // High-water mark of ISSUE items
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// WithStatus returns a copy moved to status. Leaving ACTIVE clears the session token.
func (r TrustRecord) WithStatus(status DeviceStatus) TrustRecord {
	r.Status = status
	if status != StatusActive {
		r.SessionToken = ""
	}
	return r
}

// IsActivated reports whether the server last said ACTIVE.
func (r TrustRecord) IsActivated() bool {
	return r.Status == StatusActive
}

// WithCursors returns a copy whose cursors never move backwards. A nil input keeps the
// current value.
func (r TrustRecord) WithCursors(find, issue *int64) TrustRecord {
	r.CursorFind = maxCursor(r.CursorFind, find)
	r.CursorIssue = maxCursor(r.CursorIssue, issue)
	return r
}

func maxCursor(cur, next *int64) *int64 {
	if next == nil {
		return cur
	}
	if cur != nil && *cur >= *next {
		return cur
	}
	v := *next
	return &v
}

// QueuedReport is a locally persisted, not yet delivered field report.
type QueuedReport struct {
	ID          int64     `json:"id"`                    // Local monotonic id
	LocalUUID   string    `json:"localUuid"`             // Idempotency key for the server
	Category    Category  `json:"category"`              // FIND or ISSUE
	Room        int       `json:"room"`                  // Positive room number
	Description string    `json:"description,omitempty"` // Optional free text
	CreatedAt   time.Time `json:"createdAt"`             // Advisory client timestamp
	LastError   string    `json:"lastError,omitempty"`   // Error kind of the last failed attempt
}

// QueuedPhoto is a compressed JPEG owned by a QueuedReport.
type QueuedPhoto struct {
	ID        int64  `json:"id"`
	ReportID  int64  `json:"reportId"`  // Owning report
	Index     int    `json:"index"`     // 0-based upload order
	LocalPath string `json:"localPath"` // Path of the JPEG file
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
}

// PendingReport pairs a queued report with its photos for diagnostics.
type PendingReport struct {
	QueuedReport
	Photos []QueuedPhoto `json:"photos"`
}

// DrainSummary is the aggregate outcome of one drain call.
type DrainSummary struct {
	Sent          int    `json:"sent"`
	Failed        int    `json:"failed"`
	Remaining     int    `json:"remaining"`
	ShouldRetry   bool   `json:"shouldRetry"`             // failed > 0
	LastErrorKind string `json:"lastErrorKind,omitempty"` // Kind of the last failure in the batch
}

// RequestsRetry is the scheduler policy: retry only when nothing got through.
// A run that sent at least one item succeeds and leaves stragglers to the next run.
func (s DrainSummary) RequestsRetry() bool {
	return s.Sent == 0 && s.Failed > 0
}

// PollResult is the server answer to a delta poll.
type PollResult struct {
	CursorFind    *int64 `json:"lastSeenOpenFindsId"`
	CursorIssue   *int64 `json:"lastSeenOpenIssuesId"`
	NewFindCount  int    `json:"newOpenFindsCount"`
	NewIssueCount int    `json:"newOpenIssuesCount"`
}

// DeviceSnapshot is the read-only view published to the presentation layer.
type DeviceSnapshot struct {
	DeviceID    string       `json:"deviceId"`
	DisplayName string       `json:"displayName,omitempty"`
	Status      DeviceStatus `json:"status"`
	StatusText  string       `json:"statusText"`
	IsActivated bool         `json:"isActivated"`
}

// SnapshotOf derives the published view from a record.
func SnapshotOf(r TrustRecord) DeviceSnapshot {
	status := r.Status
	if status == "" {
		status = StatusPending
	}
	return DeviceSnapshot{
		DeviceID:    r.DeviceID,
		DisplayName: r.DisplayName,
		Status:      status,
		StatusText:  status.StatusText(),
		IsActivated: status == StatusActive,
	}
}

// NewItems carries the two independent "new items available" signals of a poll cycle.
type NewItems struct {
	Find  bool `json:"find"`
	Issue bool `json:"issue"`
}

// ReportDelivered is emitted once a queued report has been accepted and removed.
type ReportDelivered struct {
	LocalUUID string   `json:"localUuid"`
	RemoteID  string   `json:"remoteId,omitempty"`
	Category  Category `json:"category"`
	Room      int      `json:"room"`
	Photos    int      `json:"photos"`
}

// OpenReport is one entry of the server's open-reports listing.
type OpenReport struct {
	ID            string   `json:"id"`
	Room          int      `json:"room"`
	Description   string   `json:"description,omitempty"`
	CreatedAt     string   `json:"createdAt"` // Server timestamp, passed through as sent
	Category      Category `json:"type"`
	PhotoURLs     []string `json:"photos"`
	ThumbnailURLs []string `json:"thumbnailUrls"`
}
