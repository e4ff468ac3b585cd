// internal/rpc/client.go
// Package rpc defines the request/response interface to the central service
// and its HTTP adapter. Callers see only classified errors from internal/errors.
package rpc

import (
	"context"
	"io"
	"time"

	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
)

// Client is the RPC surface the engine depends on.
type Client interface {
	// Device lifecycle
	Register(ctx context.Context, req RegisterRequest) (model.DeviceStatus, error)
	Status(ctx context.Context, deviceID string) (StatusResponse, error)
	Challenge(ctx context.Context, deviceID string) (string, error) // Returns the base64 nonce
	Verify(ctx context.Context, req VerifyRequest) (VerifyResponse, error)

	// Reports, authenticated with token when non-empty
	CreateReport(ctx context.Context, token string, req CreateReportRequest) (CreateReportResponse, error)
	ListOpen(ctx context.Context, token string, category model.Category) ([]model.OpenReport, error)
	MarkDone(ctx context.Context, token string, reportID string) error

	// Delta polling
	NewSince(ctx context.Context, token string, req NewSinceRequest) (model.PollResult, error)
}

// RegisterRequest is the idempotent device upsert.
type RegisterRequest struct {
	DeviceID    string            `json:"deviceId"`
	PublicKey   string            `json:"publicKey"` // Base64 PKIX DER
	DisplayName string            `json:"display_name,omitempty"`
	DeviceInfo  map[string]string `json:"deviceInfo,omitempty"`
}

// StatusResponse is the read-only status probe result.
type StatusResponse struct {
	Status      model.DeviceStatus
	DisplayName string
}

// VerifyRequest carries the signed challenge.
type VerifyRequest struct {
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"` // Base64 ASN.1 ECDSA signature
}

// VerifyResponse holds the issued token. Token is empty unless Status is ACTIVE.
type VerifyResponse struct {
	Token  string
	Status model.DeviceStatus
}

// PhotoPart is one photo of an outbound report, in upload order.
type PhotoPart struct {
	Index    int
	MimeType string
	Body     io.Reader
}

// CreateReportRequest is the multipart report submission.
type CreateReportRequest struct {
	LocalUUID   string // Sent as the idempotency key
	Category    model.Category
	Room        int
	Description string
	CreatedAt   time.Time
	Photos      []PhotoPart
}

// CreateReportResponse identifies the report on the server.
type CreateReportResponse struct {
	ReportID string
}

// NewSinceRequest asks for items newer than the cursors. Nil cursors mean "never seen".
type NewSinceRequest struct {
	DeviceID    string
	CursorFind  *int64
	CursorIssue *int64
}
