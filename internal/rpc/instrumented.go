package rpc

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/RegistryAccord/registryaccord-fieldsync-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
)

type instrumented struct {
	next    Client
	metrics *metrics.Metrics
}

// Instrument wraps c so every call is counted and timed by operation and error kind.
func Instrument(c Client, m *metrics.Metrics) Client {
	if m == nil {
		return c
	}
	return &instrumented{next: c, metrics: m}
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(apperrors.Label(err))
	}
	i.metrics.ObserveRPC(op, outcome, start)
}

func (i *instrumented) Register(ctx context.Context, req RegisterRequest) (status model.DeviceStatus, err error) {
	defer func(start time.Time) { i.observe("device.register", start, err) }(time.Now())
	return i.next.Register(ctx, req)
}

func (i *instrumented) Status(ctx context.Context, deviceID string) (resp StatusResponse, err error) {
	defer func(start time.Time) { i.observe("device.status", start, err) }(time.Now())
	return i.next.Status(ctx, deviceID)
}

func (i *instrumented) Challenge(ctx context.Context, deviceID string) (nonce string, err error) {
	defer func(start time.Time) { i.observe("device.challenge", start, err) }(time.Now())
	return i.next.Challenge(ctx, deviceID)
}

func (i *instrumented) Verify(ctx context.Context, req VerifyRequest) (resp VerifyResponse, err error) {
	defer func(start time.Time) { i.observe("device.verify", start, err) }(time.Now())
	return i.next.Verify(ctx, req)
}

func (i *instrumented) CreateReport(ctx context.Context, token string, req CreateReportRequest) (resp CreateReportResponse, err error) {
	defer func(start time.Time) { i.observe("reports.create", start, err) }(time.Now())
	return i.next.CreateReport(ctx, token, req)
}

func (i *instrumented) ListOpen(ctx context.Context, token string, category model.Category) (items []model.OpenReport, err error) {
	defer func(start time.Time) { i.observe("reports.list_open", start, err) }(time.Now())
	return i.next.ListOpen(ctx, token, category)
}

func (i *instrumented) MarkDone(ctx context.Context, token string, reportID string) (err error) {
	defer func(start time.Time) { i.observe("reports.mark_done", start, err) }(time.Now())
	return i.next.MarkDone(ctx, token, reportID)
}

func (i *instrumented) NewSince(ctx context.Context, token string, req NewSinceRequest) (res model.PollResult, err error) {
	defer func(start time.Time) { i.observe("poll.new_since", start, err) }(time.Now())
	return i.next.NewSince(ctx, token, req)
}
