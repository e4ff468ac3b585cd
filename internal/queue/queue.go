// Package queue is the durable offline queue of field reports. Enqueue is atomic:
// a report is stored together with all of its compressed photos or not at all.
// Drains deliver the oldest reports first and never run concurrently.
package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	apperrors "github.com/RegistryAccord/registryaccord-fieldsync-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/photo"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/telemetry"
)

// Report limits
const (
	MaxPhotos         = 5
	MaxDescriptionLen = 50
)

// EnqueueRequest is a report captured by the user.
type EnqueueRequest struct {
	Category    model.Category `json:"category" validate:"required,oneof=FIND ISSUE"`
	Room        int            `json:"room" validate:"gt=0"`
	Description string         `json:"description" validate:"max=50"`
	Photos      []photo.Source `json:"photos" validate:"min=1,max=5"`
	CreatedAt   time.Time      `json:"createdAt"` // Zero means now
}

// Submitter delivers one queued report. Implementations annotate the report on
// failure and delete it on success.
type Submitter interface {
	Submit(ctx context.Context, report model.QueuedReport) error
}

// Options configures the queue.
type Options struct {
	Dir        string // Root of the per-report photo directories
	MaxReports int    // Capacity; 0 disables the limit
	LockPath   string // Drain lock file shared by every process on the data dir; empty disables it
}

// lockRetry is how often a drain polls for the lock held by another process.
const lockRetry = 50 * time.Millisecond

// Queue is the Offline Queue.
type Queue struct {
	store    storage.Store
	fs       afero.Fs
	ingestor *photo.Ingestor
	opts     Options
	validate *validator.Validate
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	drainMu   sync.Mutex // One drain at a time; read, submit and delete are not atomic together
	enqueueMu sync.Mutex // Capacity check and insert happen as one step
}

// New creates a Queue.
func New(store storage.Store, fs afero.Fs, ingestor *photo.Ingestor, opts Options, m *metrics.Metrics, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	return &Queue{
		store:    store,
		fs:       fs,
		ingestor: ingestor,
		opts:     opts,
		validate: v,
		metrics:  m,
		logger:   logger.With("component", "queue"),
		now:      time.Now,
	}
}

// PhotoDir is the directory holding the photos of the report with localUUID.
func (q *Queue) PhotoDir(localUUID string) string {
	return filepath.Join(q.opts.Dir, localUUID)
}

// Enqueue validates req, compresses its photos and persists the report with all
// photo rows in one transaction. Input errors are returned before any file is
// touched; on any later failure the report's photo directory is removed.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (report model.QueuedReport, err error) {
	ctx, span := telemetry.Start(ctx, "queue.enqueue")
	defer func() { telemetry.End(span, err) }()

	req.Category = model.Category(strings.ToUpper(strings.TrimSpace(string(req.Category))))
	req.Description = strings.TrimSpace(req.Description)
	if err := q.validateRequest(req); err != nil {
		return model.QueuedReport{}, err
	}

	if q.opts.MaxReports > 0 {
		q.enqueueMu.Lock()
		defer q.enqueueMu.Unlock()

		n, err := q.store.CountReports(ctx)
		if err != nil {
			return model.QueuedReport{}, apperrors.Wrap(apperrors.KindFatal, "queue.count", err)
		}
		if n >= q.opts.MaxReports {
			return model.QueuedReport{}, apperrors.Validation("queue", fmt.Sprintf("queue is full (%d reports)", n))
		}
	}

	localUUID := uuid.NewString()
	dir := q.PhotoDir(localUUID)
	defer func() {
		if err != nil {
			q.removeDir(dir)
		}
	}()

	photos := make([]model.QueuedPhoto, 0, len(req.Photos))
	for i, src := range req.Photos {
		res, err := q.ingestor.Ingest(ctx, src, filepath.Join(dir, fmt.Sprintf("photo_%d.jpg", i)))
		if err != nil {
			return model.QueuedReport{}, err
		}
		photos = append(photos, model.QueuedPhoto{
			Index:     i,
			LocalPath: res.Path,
			MimeType:  res.MimeType,
			SizeBytes: res.SizeBytes,
		})
	}

	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = q.now()
	}
	report, err = q.store.InsertReport(ctx, model.QueuedReport{
		LocalUUID:   localUUID,
		Category:    req.Category,
		Room:        req.Room,
		Description: req.Description,
		CreatedAt:   createdAt.UTC(),
	}, photos)
	if err != nil {
		return model.QueuedReport{}, apperrors.Wrap(apperrors.KindFatal, "queue.insert", err)
	}

	q.metrics.ReportEnqueued()
	q.refreshDepth(ctx)
	q.logger.Info("report enqueued",
		"report_id", report.ID,
		"local_uuid", report.LocalUUID,
		"category", report.Category,
		"photos", len(photos))
	return report, nil
}

func (q *Queue) validateRequest(req EnqueueRequest) error {
	err := q.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) || len(verrs) == 0 {
		return apperrors.Wrap(apperrors.KindValidation, "queue.validate", err)
	}

	fe := verrs[0]
	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "oneof":
		msg = "must be one of " + fe.Param()
	case "gt":
		msg = "must be positive"
	case "min":
		msg = fmt.Sprintf("needs at least %s", fe.Param())
	case "max":
		if fe.Field() == "photos" {
			msg = fmt.Sprintf("at most %s photos", fe.Param())
		} else {
			msg = fmt.Sprintf("at most %s characters", fe.Param())
		}
	default:
		msg = "failed " + fe.Tag()
	}
	return apperrors.Validation(fe.Field(), msg)
}

// DrainOldest attempts delivery of up to maxItems reports, oldest first. One failing
// report never stops the batch. The returned error reports only local storage failures
// or cancellation; delivery failures are counted in the summary.
func (q *Queue) DrainOldest(ctx context.Context, maxItems int, sub Submitter) (summary model.DrainSummary, err error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	ctx, span := telemetry.Start(ctx, "queue.drain")
	defer func() { telemetry.End(span, err) }()

	unlock, err := q.lockDrain(ctx)
	if err != nil {
		return summary, err
	}
	defer unlock()

	if maxItems <= 0 {
		return summary, nil
	}

	reports, err := q.store.ListOldestReports(ctx, maxItems)
	if err != nil {
		return summary, fmt.Errorf("list queued reports: %w", err)
	}

	for _, r := range reports {
		if err := ctx.Err(); err != nil {
			// Cancelled: untouched reports stay queued for the next drain
			summary.Remaining, _ = q.store.CountReports(context.WithoutCancel(ctx))
			summary.ShouldRetry = summary.Failed > 0
			return summary, err
		}

		if err := sub.Submit(ctx, r); err != nil {
			summary.Failed++
			summary.LastErrorKind = apperrors.Label(err)
			continue
		}
		summary.Sent++
	}

	summary.Remaining, err = q.store.CountReports(ctx)
	if err != nil {
		return summary, fmt.Errorf("count queued reports: %w", err)
	}
	summary.ShouldRetry = summary.Failed > 0
	q.metrics.SetQueueDepth(summary.Remaining)

	if len(reports) > 0 {
		q.logger.Info("drain finished",
			"sent", summary.Sent,
			"failed", summary.Failed,
			"remaining", summary.Remaining,
			"last_error_kind", summary.LastErrorKind)
	}
	return summary, nil
}

// lockDrain takes the file lock that keeps drains in other processes, such as a
// CLI drain next to the daemon, from submitting the same reports.
func (q *Queue) lockDrain(ctx context.Context) (func(), error) {
	if q.opts.LockPath == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(q.opts.LockPath), 0o700); err != nil {
		return nil, fmt.Errorf("create drain lock dir: %w", err)
	}

	lock := flock.New(q.opts.LockPath)
	locked, err := lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return nil, fmt.Errorf("acquire drain lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("acquire drain lock: %w", ctx.Err())
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			q.logger.Warn("release drain lock failed", "error", err)
		}
	}, nil
}

// Pending lists up to limit queued reports with their photos, oldest first.
func (q *Queue) Pending(ctx context.Context, limit int) ([]model.PendingReport, error) {
	reports, err := q.store.ListOldestReports(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.PendingReport, 0, len(reports))
	for _, r := range reports {
		photos, err := q.store.ListPhotos(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, model.PendingReport{QueuedReport: r, Photos: photos})
	}
	return out, nil
}

// Count returns the number of queued reports.
func (q *Queue) Count(ctx context.Context) (int, error) {
	return q.store.CountReports(ctx)
}

func (q *Queue) refreshDepth(ctx context.Context) {
	if n, err := q.store.CountReports(ctx); err == nil {
		q.metrics.SetQueueDepth(n)
	}
}

func (q *Queue) removeDir(dir string) {
	if err := q.fs.RemoveAll(dir); err != nil {
		q.logger.Warn("failed to remove photo dir", "dir", dir, "error", err)
	}
}
