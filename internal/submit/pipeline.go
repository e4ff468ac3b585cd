// Package submit delivers one queued report to the central service. A report and
// its photos are deleted only after the service confirmed the submission; every
// failure leaves the report queued with its error kind recorded.
package submit

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	apperrors "github.com/RegistryAccord/registryaccord-fieldsync-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/event"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/rpc"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/telemetry"
)

// Session supplies the bearer token and takes auth rejections.
type Session interface {
	EnsureSession(ctx context.Context) (string, error)
	MarkDeactivatedFromServer(ctx context.Context) error
}

// Pipeline is the Submission Pipeline. It implements queue.Submitter.
type Pipeline struct {
	store   storage.Store
	fs      afero.Fs
	client  rpc.Client
	session Session
	pub     event.Publisher
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Pipeline. timeout bounds each submission call.
func New(store storage.Store, fs afero.Fs, client rpc.Client, session Session, pub event.Publisher, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = event.Noop()
	}
	if timeout <= 0 {
		timeout = 35 * time.Second
	}
	return &Pipeline{
		store:   store,
		fs:      fs,
		client:  client,
		session: session,
		pub:     pub,
		timeout: timeout,
		metrics: m,
		logger:  logger.With("component", "submit"),
	}
}

// Submit sends report with its photos in index order.
func (p *Pipeline) Submit(ctx context.Context, report model.QueuedReport) (err error) {
	ctx, span := telemetry.Start(ctx, "submit.report")
	defer func() { telemetry.End(span, err) }()

	log := p.logger.With("report_id", report.ID, "local_uuid", report.LocalUUID)

	photos, err := p.store.ListPhotos(ctx, report.ID)
	if err != nil {
		return p.fail(ctx, report, apperrors.Wrap(apperrors.KindFatal, "submit.list_photos", err))
	}
	if len(photos) == 0 {
		// Leftover of a deletion interrupted after a confirmed submission
		log.Warn("queued report has no photos, removing record")
		if err := p.store.DeleteReport(context.WithoutCancel(ctx), report.ID); err != nil {
			return p.fail(ctx, report, apperrors.Wrap(apperrors.KindFatal, "submit.delete_report", err))
		}
		return nil
	}

	token, err := p.session.EnsureSession(ctx)
	if err != nil {
		return p.fail(ctx, report, err)
	}

	parts, closeAll, err := p.openPhotos(photos)
	if err != nil {
		return p.fail(ctx, report, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	resp, err := p.client.CreateReport(callCtx, token, rpc.CreateReportRequest{
		LocalUUID:   report.LocalUUID,
		Category:    report.Category,
		Room:        report.Room,
		Description: report.Description,
		CreatedAt:   report.CreatedAt,
		Photos:      parts,
	})
	cancel()
	closeAll()
	if err != nil {
		if apperrors.Is(err, apperrors.KindAuthRejected) {
			if derr := p.session.MarkDeactivatedFromServer(context.WithoutCancel(ctx)); derr != nil {
				log.Error("failed to downgrade trust", "error", derr)
			}
		}
		return p.fail(ctx, report, err)
	}

	// Confirmed: remove files, then photo rows, then the report. A cancelled caller
	// must not leave the record behind.
	cleanup := context.WithoutCancel(ctx)
	p.deleteLocalFilesQuietly(report, photos)
	if err := p.store.DeletePhotos(cleanup, report.ID); err != nil {
		log.Error("failed to delete photo rows", "error", err)
	}
	if err := p.store.DeleteReport(cleanup, report.ID); err != nil {
		log.Error("delivered report left in queue", "error", err)
		return apperrors.Wrap(apperrors.KindFatal, "submit.delete_report", err)
	}

	p.metrics.ReportSent()
	log.Info("report delivered", "remote_id", resp.ReportID, "photos", len(photos))

	delivered := model.ReportDelivered{
		LocalUUID: report.LocalUUID,
		RemoteID:  resp.ReportID,
		Category:  report.Category,
		Room:      report.Room,
		Photos:    len(photos),
	}
	if err := p.pub.PublishReportDelivered(cleanup, delivered); err != nil {
		log.Warn("delivery signal not published", "error", err)
	}
	return nil
}

// openPhotos opens every photo file. A missing file is KindFatal; the report stays
// queued so the gap is visible in diagnostics.
func (p *Pipeline) openPhotos(photos []model.QueuedPhoto) ([]rpc.PhotoPart, func(), error) {
	var files []io.Closer
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}

	parts := make([]rpc.PhotoPart, 0, len(photos))
	for _, ph := range photos {
		f, err := p.fs.Open(ph.LocalPath)
		if err != nil {
			closeAll()
			return nil, nil, apperrors.Wrap(apperrors.KindFatal, "submit.open_photo", err)
		}
		files = append(files, f)
		parts = append(parts, rpc.PhotoPart{Index: ph.Index, MimeType: ph.MimeType, Body: f})
	}
	return parts, closeAll, nil
}

// fail records the error kind on the report and hands err back to the drain.
func (p *Pipeline) fail(ctx context.Context, report model.QueuedReport, err error) error {
	label := apperrors.Label(err)
	if serr := p.store.SetReportError(context.WithoutCancel(ctx), report.ID, label); serr != nil {
		p.logger.Error("failed to record submission error", "report_id", report.ID, "error", serr)
	}
	p.metrics.ReportFailed(label)
	p.logger.Warn("submission failed",
		"report_id", report.ID,
		"local_uuid", report.LocalUUID,
		"error_kind", label,
		"retryable", apperrors.Retryable(err))
	return err
}

// deleteLocalFilesQuietly removes photo files and the report's directory once empty.
// A leftover file is acceptable; a leftover queue record is not, so errors are only logged.
func (p *Pipeline) deleteLocalFilesQuietly(report model.QueuedReport, photos []model.QueuedPhoto) {
	for _, ph := range photos {
		if err := p.fs.Remove(ph.LocalPath); err != nil && !stderrors.Is(err, os.ErrNotExist) {
			p.logger.Warn("failed to delete photo file", "path", ph.LocalPath, "error", err)
		}
	}

	dir := filepath.Dir(photos[0].LocalPath)
	if filepath.Base(dir) != report.LocalUUID {
		return
	}
	if empty, err := afero.IsEmpty(p.fs, dir); err == nil && empty {
		if err := p.fs.Remove(dir); err != nil {
			p.logger.Warn("failed to delete photo dir", "dir", dir, "error", err)
		}
	}
}
