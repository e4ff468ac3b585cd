// Package delta asks the central service what changed since the device's
// per-category cursors and raises one "new items" signal per category.
package delta

import (
	"context"
	"log/slog"

	apperrors "github.com/RegistryAccord/registryaccord-fieldsync-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/event"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/rpc"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/telemetry"
)

// Trust is the trust state the poller reads and advances.
type Trust interface {
	Record(ctx context.Context) (model.TrustRecord, error)
	EnsureSession(ctx context.Context) (string, error)
	MarkDeactivatedFromServer(ctx context.Context) error
	UpdateCursors(ctx context.Context, find, issue *int64) error
}

// Drainer runs a small drain of the offline queue.
type Drainer func(ctx context.Context) (model.DrainSummary, error)

// Result describes one cycle.
type Result struct {
	Skipped bool             `json:"skipped"`
	Reason  string           `json:"reason,omitempty"`
	Poll    model.PollResult `json:"poll"`
	Items   model.NewItems   `json:"items"`
}

// Poller is Delta Sync.
type Poller struct {
	trust   Trust
	client  rpc.Client
	drain   Drainer
	pub     event.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPoller creates a Poller. drain may be nil.
func NewPoller(trust Trust, client rpc.Client, drain Drainer, pub event.Publisher, m *metrics.Metrics, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = event.Noop()
	}
	return &Poller{
		trust:   trust,
		client:  client,
		drain:   drain,
		pub:     pub,
		metrics: m,
		logger:  logger.With("component", "delta"),
	}
}

// PollOnce runs one cycle: best-effort drain, then a single authenticated poll.
// Cursors are stored even when both counts are zero. A device without a session
// skips the poll; the returned error is then the session error, if any.
func (p *Poller) PollOnce(ctx context.Context) (res Result, err error) {
	ctx, span := telemetry.Start(ctx, "delta.poll")
	defer func() { telemetry.End(span, err) }()

	rec, err := p.trust.Record(ctx)
	if err != nil {
		return res, err
	}
	if !rec.IsActivated() {
		return p.skip("device not activated", nil)
	}

	// Deliver our own reports first so they are not reported back as new
	if p.drain != nil {
		if summary, err := p.drain(ctx); err != nil {
			p.logger.Debug("pre-poll drain failed", "error", err)
		} else if summary.Sent+summary.Failed > 0 {
			p.logger.Debug("pre-poll drain", "sent", summary.Sent, "failed", summary.Failed)
		}
	}

	token, err := p.trust.EnsureSession(ctx)
	if err != nil || token == "" {
		return p.skip("no session token", err)
	}

	// The drain may have moved the record; reread the cursors
	if rec, err = p.trust.Record(ctx); err != nil {
		return res, err
	}

	poll, err := p.client.NewSince(ctx, token, rpc.NewSinceRequest{
		DeviceID:    rec.DeviceID,
		CursorFind:  rec.CursorFind,
		CursorIssue: rec.CursorIssue,
	})
	if err != nil {
		if apperrors.Is(err, apperrors.KindAuthRejected) {
			if derr := p.trust.MarkDeactivatedFromServer(context.WithoutCancel(ctx)); derr != nil {
				p.logger.Error("failed to downgrade trust", "error", derr)
			}
		}
		p.metrics.PollOutcome("error")
		return res, err
	}

	if err := p.trust.UpdateCursors(ctx, poll.CursorFind, poll.CursorIssue); err != nil {
		p.metrics.PollOutcome("error")
		return res, err
	}

	res = Result{
		Poll:  poll,
		Items: model.NewItems{Find: poll.NewFindCount > 0, Issue: poll.NewIssueCount > 0},
	}
	if err := p.pub.PublishNewItems(ctx, res.Items); err != nil {
		p.logger.Warn("new items signal not published", "error", err)
	}

	p.metrics.PollOutcome("ok")
	p.logger.Info("poll finished",
		"new_finds", poll.NewFindCount,
		"new_issues", poll.NewIssueCount)
	return res, nil
}

func (p *Poller) skip(reason string, err error) (Result, error) {
	p.metrics.PollOutcome("skipped")
	p.logger.Debug("poll skipped", "reason", reason)
	return Result{Skipped: true, Reason: reason}, err
}
