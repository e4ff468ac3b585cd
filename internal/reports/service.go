// Package reports exposes the authenticated views of the central service's open
// reports: listing them by category and closing one.
package reports

import (
	"context"
	"log/slog"
	"strings"

	apperrors "github.com/RegistryAccord/registryaccord-fieldsync-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/rpc"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/telemetry"
)

// Session supplies tokens and absorbs authorization failures.
type Session interface {
	EnsureSession(ctx context.Context) (string, error)
	MarkDeactivatedFromServer(ctx context.Context) error
}

type Service struct {
	client  rpc.Client
	session Session
	logger  *slog.Logger
}

func NewService(client rpc.Client, session Session, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{client: client, session: session, logger: logger.With("component", "reports")}
}

// ListOpen returns the open reports of a category, newest first as the server orders them.
func (s *Service) ListOpen(ctx context.Context, category model.Category) (items []model.OpenReport, err error) {
	ctx, span := telemetry.Start(ctx, "reports.list_open")
	defer func() { telemetry.End(span, err) }()

	if !category.Valid() {
		return nil, apperrors.Validation("category", "must be FIND or ISSUE")
	}
	token, err := s.token(ctx)
	if err != nil {
		return nil, err
	}
	items, err = s.client.ListOpen(ctx, token, category)
	if err != nil {
		return nil, s.rejected(ctx, err)
	}
	if items == nil {
		items = []model.OpenReport{}
	}
	return items, nil
}

// MarkDone closes an open report on the server.
func (s *Service) MarkDone(ctx context.Context, reportID string) (err error) {
	ctx, span := telemetry.Start(ctx, "reports.mark_done")
	defer func() { telemetry.End(span, err) }()

	reportID = strings.TrimSpace(reportID)
	if reportID == "" {
		return apperrors.Validation("id", "required")
	}
	token, err := s.token(ctx)
	if err != nil {
		return err
	}
	if err := s.client.MarkDone(ctx, token, reportID); err != nil {
		return s.rejected(ctx, err)
	}
	s.logger.Info("report marked done", "report_id", reportID)
	return nil
}

// token fails with AUTH_REJECTED while the device holds no session.
func (s *Service) token(ctx context.Context) (string, error) {
	token, err := s.session.EnsureSession(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", apperrors.New(apperrors.KindAuthRejected, "reports.session", "device not activated")
	}
	return token, nil
}

func (s *Service) rejected(ctx context.Context, err error) error {
	if apperrors.Is(err, apperrors.KindAuthRejected) {
		if derr := s.session.MarkDeactivatedFromServer(context.WithoutCancel(ctx)); derr != nil {
			s.logger.Error("failed to downgrade trust", "error", derr)
		}
	}
	return err
}
