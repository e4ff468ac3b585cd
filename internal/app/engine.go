// Package app wires the fieldsync engine: local storage, device identity, the central
// service client, and the services built on them. Every entrypoint builds one Engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/config"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/delta"
	apperrors "github.com/RegistryAccord/registryaccord-fieldsync-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/event"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/identity"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/photo"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/queue"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/reports"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/rpc"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/scheduler"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/server"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/submit"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/trust"
)

// Scheduler job names.
const (
	JobDrain = "drain"
	JobPoll  = "poll"
)

// Engine is the assembled device engine.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	Store     storage.Store
	Identity  *identity.Store
	Client    rpc.Client
	Events    event.Publisher
	Metrics   *metrics.Metrics
	Trust     *trust.Service
	Queue     *queue.Queue
	Pipeline  *submit.Pipeline
	Delta     *delta.Poller
	Reports   *reports.Service
	Scheduler *scheduler.Scheduler
}

// New builds an Engine from cfg. The caller must Close it.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{cfg: cfg, logger: logger, Metrics: metrics.NewMetrics()}

	store, err := storage.Open(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	e.Store = store

	e.Identity, err = identity.NewStore(cfg.IdentityDir(), cfg.KeyPassphrase, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	deviceID, err := e.Identity.GetOrCreateDeviceID()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("device id: %w", err)
	}

	httpClient, err := rpc.NewHTTPClient(cfg.ServerURL, rpc.Options{
		ConnectTimeout: cfg.HTTPConnectTimeout,
		Timeout:        cfg.HTTPTimeout,
		UserAgent:      "fieldsyncd/" + cfg.AppVersion,
		Device: func() (string, string) {
			if e.Trust == nil {
				return deviceID, cfg.DisplayName
			}
			return e.Trust.Headers()
		},
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	e.Client = rpc.Instrument(httpClient, e.Metrics)

	e.Events = event.NewPublisher(event.Options{
		NATSURL:    cfg.NATSURL,
		MQTTBroker: cfg.MQTTBroker,
		MQTTTopic:  cfg.MQTTTopic,
		ClientID:   deviceID,
	}, e.Metrics, logger)

	e.Trust = trust.NewService(store, e.Identity, e.Client, e.Events, trust.Options{
		DisplayName:        cfg.DisplayName,
		AppVersion:         cfg.AppVersion,
		ActivationCheckMin: cfg.ActivationCheckMin,
		ActivationCheckMax: cfg.ActivationCheckMax,
	}, logger)
	if _, err := e.Trust.Load(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("load trust record: %w", err)
	}

	fs := afero.NewOsFs()
	ingestor := photo.NewIngestor(fs, photo.Options{
		MaxSide:         cfg.PhotoMaxSide,
		Quality:         cfg.PhotoQuality,
		MaxBytes:        cfg.PhotoMaxBytes,
		MaxSourcePixels: photo.DefaultOptions().MaxSourcePixels,
	}, logger)
	e.Queue = queue.New(store, fs, ingestor, queue.Options{
		Dir:        cfg.QueueDir(),
		MaxReports: cfg.QueueMaxReports,
		LockPath:   cfg.DrainLockPath(),
	}, e.Metrics, logger)
	e.Pipeline = submit.New(store, fs, e.Client, e.Trust, e.Events, cfg.SubmitTimeout, e.Metrics, logger)

	e.Delta = delta.NewPoller(e.Trust, e.Client, func(ctx context.Context) (model.DrainSummary, error) {
		return e.Queue.DrainOldest(ctx, cfg.PollDrainBatch, e.Pipeline)
	}, e.Events, e.Metrics, logger)
	e.Reports = reports.NewService(e.Client, e.Trust, logger)

	probe, err := scheduler.NewDialProbe(cfg.ServerURL, cfg.HTTPConnectTimeout)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Scheduler = scheduler.New(store, scheduler.Options{
		BackoffMin: cfg.BackoffMin,
		BackoffMax: cfg.BackoffMax,
		Network:    probe,
	}, logger)
	if err := e.Scheduler.Register(scheduler.Job{Name: JobDrain, Interval: cfg.DrainInterval, Run: e.drainJob}); err != nil {
		e.Close()
		return nil, err
	}
	if err := e.Scheduler.Register(scheduler.Job{Name: JobPoll, Interval: cfg.PollInterval, Run: e.pollJob}); err != nil {
		e.Close()
		return nil, err
	}

	return e, nil
}

// Enqueue stores a report and requests an immediate drain.
func (e *Engine) Enqueue(ctx context.Context, req queue.EnqueueRequest) (model.QueuedReport, error) {
	report, err := e.Queue.Enqueue(ctx, req)
	if err != nil {
		return report, err
	}
	e.Scheduler.Trigger(JobDrain)
	return report, nil
}

// Drain delivers up to maxItems reports now, outside the scheduler.
func (e *Engine) Drain(ctx context.Context, maxItems int) (model.DrainSummary, error) {
	if maxItems <= 0 {
		maxItems = e.cfg.ImmediateBatch
	}
	return e.Queue.DrainOldest(ctx, maxItems, e.Pipeline)
}

// drainJob uses the small batch for one-shot runs and the larger one periodically.
func (e *Engine) drainJob(ctx context.Context, trigger scheduler.Trigger) scheduler.Outcome {
	batch := e.cfg.PeriodicBatch
	if trigger == scheduler.TriggerImmediate {
		batch = e.cfg.ImmediateBatch
	}

	start := time.Now()
	summary, err := e.Queue.DrainOldest(ctx, batch, e.Pipeline)
	outcome := scheduler.Done
	if err != nil || summary.RequestsRetry() {
		outcome = scheduler.Retry
	}
	e.Metrics.ObserveDrain(string(trigger), outcomeLabel(outcome), start)

	log := e.logger.With("trigger", trigger, "sent", summary.Sent, "failed", summary.Failed, "remaining", summary.Remaining)
	if err != nil {
		log.Warn("drain interrupted", "error", err)
	} else if summary.Sent+summary.Failed > 0 {
		log.Info("drain finished", "last_error_kind", summary.LastErrorKind)
	}
	return outcome
}

// pollJob retries only failures that may clear on their own.
func (e *Engine) pollJob(ctx context.Context, _ scheduler.Trigger) scheduler.Outcome {
	_, err := e.Delta.PollOnce(ctx)
	if err != nil && apperrors.Retryable(err) {
		e.logger.Warn("poll failed, will retry", "error", err, "error_kind", apperrors.Label(err))
		return scheduler.Retry
	}
	if err != nil {
		e.logger.Warn("poll failed", "error", err, "error_kind", apperrors.Label(err))
	}
	return scheduler.Done
}

func outcomeLabel(o scheduler.Outcome) string {
	if o == scheduler.Retry {
		return "retry"
	}
	return "done"
}

// Run drives the scheduler and, when configured, the diagnostics listener until ctx
// ends. Whenever the device is not trusted, including after a revocation seen at
// runtime, it keeps rechecking its activation and starts a drain and a poll once
// the server accepts it.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.Scheduler.Run(ctx) })

	g.Go(func() error {
		_ = e.Trust.KeepActivated(ctx, e.onActivated)
		return nil
	})

	if e.cfg.ListenAddr != "" {
		srv := &http.Server{
			Addr:         e.cfg.ListenAddr,
			Handler:      e.Handler(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			e.logger.Info("diagnostics listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// onActivated flushes what piled up while the device was not trusted.
func (e *Engine) onActivated(snap model.DeviceSnapshot) {
	e.logger.Info("device activated", "device_id", snap.DeviceID)
	e.Scheduler.Trigger(JobDrain)
	e.Scheduler.Trigger(JobPoll)
}

// Handler is the local diagnostics surface.
func (e *Engine) Handler() http.Handler {
	return server.NewMux(server.Deps{
		Store:     e.Store,
		Device:    e.Trust,
		Queue:     e.Queue,
		Scheduler: e.Scheduler,
		DrainJob:  JobDrain,
		PollJob:   JobPoll,
		Metrics:   e.Metrics,
	}, e.logger)
}

// Close releases the signal transports and local storage.
func (e *Engine) Close() error {
	var errs []error
	if e.Events != nil {
		errs = append(errs, e.Events.Close())
	}
	if e.Store != nil {
		errs = append(errs, e.Store.Close())
	}
	return errors.Join(errs...)
}
