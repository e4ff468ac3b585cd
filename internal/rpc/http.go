// internal/rpc/http.go
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/RegistryAccord/registryaccord-fieldsync-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/schema"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// DeviceHeaders supplies the identifying headers attached to every request.
type DeviceHeaders func() (deviceID, displayName string)

// Options configures the HTTP adapter.
type Options struct {
	ConnectTimeout time.Duration // Dial timeout
	Timeout        time.Duration // Whole-request timeout
	UserAgent      string
	Device         DeviceHeaders // Optional
}

// HTTPClient talks to the central service over HTTP.
type HTTPClient struct {
	base      *url.URL        // Base URL of the central service
	hc        *http.Client    // HTTP client with custom configuration
	validator *schema.Validator
	userAgent string
	device    DeviceHeaders
	logger    *slog.Logger
}

// NewHTTPClient creates an adapter for baseURL.
func NewHTTPClient(baseURL string, opts Options, logger *slog.Logger) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", baseURL)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "fieldsyncd"
	}
	if logger == nil {
		logger = slog.Default()
	}

	validator, err := schema.NewValidator()
	if err != nil {
		return nil, err
	}

	// Configure HTTP transport with connection timeouts
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.Timeout,
		MaxIdleConnsPerHost:   2,
	}

	return &HTTPClient{
		base:      u,
		hc:        &http.Client{Transport: transport, Timeout: opts.Timeout},
		validator: validator,
		userAgent: opts.UserAgent,
		device:    opts.Device,
		logger:    logger,
	}, nil
}

// Register implements Client.
func (c *HTTPClient) Register(ctx context.Context, req RegisterRequest) (model.DeviceStatus, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, "device.register", http.MethodPost, "api/device/register", nil, "", req, schema.DeviceStatus, &out); err != nil {
		return "", err
	}
	return model.ParseDeviceStatus(out.Status), nil
}

// Status implements Client.
func (c *HTTPClient) Status(ctx context.Context, deviceID string) (StatusResponse, error) {
	var out struct {
		Status      string  `json:"status"`
		DisplayName *string `json:"display_name"`
	}
	q := url.Values{"device_id": {deviceID}}
	if err := c.doJSON(ctx, "device.status", http.MethodGet, "api/device/status", q, "", nil, schema.DeviceStatus, &out); err != nil {
		return StatusResponse{}, err
	}
	resp := StatusResponse{Status: model.ParseDeviceStatus(out.Status)}
	if out.DisplayName != nil {
		resp.DisplayName = *out.DisplayName
	}
	return resp, nil
}

// Challenge implements Client.
func (c *HTTPClient) Challenge(ctx context.Context, deviceID string) (string, error) {
	var out struct {
		Nonce string `json:"nonce"`
	}
	body := map[string]string{"deviceId": deviceID}
	if err := c.doJSON(ctx, "device.challenge", http.MethodPost, "api/device/challenge", nil, "", body, schema.DeviceChallenge, &out); err != nil {
		return "", err
	}
	return out.Nonce, nil
}

// Verify implements Client.
func (c *HTTPClient) Verify(ctx context.Context, req VerifyRequest) (VerifyResponse, error) {
	var out struct {
		DeviceToken *string `json:"deviceToken"`
		Status      string  `json:"status"`
	}
	if err := c.doJSON(ctx, "device.verify", http.MethodPost, "api/device/verify", nil, "", req, schema.DeviceVerify, &out); err != nil {
		return VerifyResponse{}, err
	}
	resp := VerifyResponse{Status: model.ParseDeviceStatus(out.Status)}
	if out.DeviceToken != nil && resp.Status == model.StatusActive {
		resp.Token = *out.DeviceToken
	}
	return resp, nil
}

// CreateReport implements Client. The multipart body is streamed so photos are
// never buffered whole in memory.
func (c *HTTPClient) CreateReport(ctx context.Context, token string, req CreateReportRequest) (CreateReportResponse, error) {
	const op = "reports.create"

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	written := make(chan struct{})
	go func() {
		defer close(written)
		pw.CloseWithError(writeReportForm(mw, req))
	}()
	// The caller closes the photo readers once this returns, so the writer
	// must be done with them; closing the pipe stops it early.
	defer func() {
		pr.Close()
		<-written
	}()

	httpReq, err := c.newRequest(ctx, http.MethodPost, "api/reports", nil, token, pr)
	if err != nil {
		return CreateReportResponse{}, apperrors.Wrap(apperrors.KindFatal, op, err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if req.LocalUUID != "" {
		httpReq.Header.Set("Idempotency-Key", req.LocalUUID)
	}

	body, err := c.send(httpReq, op)
	if err != nil {
		return CreateReportResponse{}, err
	}

	var out struct {
		ReportID flexID `json:"reportId"`
	}
	if err := c.decode(op, schema.ReportCreate, body, &out); err != nil {
		return CreateReportResponse{}, err
	}
	return CreateReportResponse{ReportID: string(out.ReportID)}, nil
}

func writeReportForm(mw *multipart.Writer, req CreateReportRequest) error {
	fields := [][2]string{
		{"type", string(req.Category)},
		{"room", strconv.Itoa(req.Room)},
		{"createdAtEpochMs", strconv.FormatInt(req.CreatedAt.UnixMilli(), 10)},
		{"clientUuid", req.LocalUUID},
	}
	if req.Description != "" {
		fields = append(fields, [2]string{"description", req.Description})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}

	for _, p := range req.Photos {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="photos"; filename="photo_%d.jpg"`, p.Index))
		mimeType := p.MimeType
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		h.Set("Content-Type", mimeType)
		part, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, p.Body); err != nil {
			return fmt.Errorf("photo %d: %w", p.Index, err)
		}
	}
	return mw.Close()
}

// ListOpen implements Client.
func (c *HTTPClient) ListOpen(ctx context.Context, token string, category model.Category) ([]model.OpenReport, error) {
	var out struct {
		Items []struct {
			ID            flexID   `json:"id"`
			Room          int      `json:"room"`
			Description   *string  `json:"description"`
			CreatedAt     string   `json:"createdAt"`
			Type          string   `json:"type"`
			Photos        []string `json:"photos"`
			ThumbnailURLs []string `json:"thumbnailUrls"`
		} `json:"items"`
	}
	q := url.Values{"category": {string(category)}}
	if err := c.doJSON(ctx, "reports.list_open", http.MethodGet, "api/reports/open", q, token, nil, schema.ReportList, &out); err != nil {
		return nil, err
	}

	reports := make([]model.OpenReport, 0, len(out.Items))
	for _, it := range out.Items {
		r := model.OpenReport{
			ID:            string(it.ID),
			Room:          it.Room,
			CreatedAt:     it.CreatedAt,
			Category:      category,
			PhotoURLs:     it.Photos,
			ThumbnailURLs: it.ThumbnailURLs,
		}
		if cat, ok := model.ParseCategory(it.Type); ok {
			r.Category = cat
		}
		if it.Description != nil {
			r.Description = *it.Description
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// MarkDone implements Client.
func (c *HTTPClient) MarkDone(ctx context.Context, token string, reportID string) error {
	q := url.Values{"id": {reportID}}
	return c.doJSON(ctx, "reports.mark_done", http.MethodPost, "api/reports/mark-done", q, token, nil, "", nil)
}

// NewSince implements Client.
func (c *HTTPClient) NewSince(ctx context.Context, token string, req NewSinceRequest) (model.PollResult, error) {
	q := url.Values{}
	if req.DeviceID != "" {
		q.Set("device_id", req.DeviceID)
	}
	if req.CursorFind != nil {
		q.Set("last_seen_find_id", strconv.FormatInt(*req.CursorFind, 10))
	}
	if req.CursorIssue != nil {
		q.Set("last_seen_issue_id", strconv.FormatInt(*req.CursorIssue, 10))
	}

	var out model.PollResult
	if err := c.doJSON(ctx, "poll.new_since", http.MethodGet, "api/poll/new-since", q, token, nil, schema.PollNewSince, &out); err != nil {
		return model.PollResult{}, err
	}
	return out, nil
}

// doJSON sends an optional JSON body and decodes a validated JSON response into out.
func (c *HTTPClient) doJSON(ctx context.Context, op, method, path string, query url.Values, token string, in any, schemaName string, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return apperrors.Wrap(apperrors.KindFatal, op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, query, token, body)
	if err != nil {
		return apperrors.Wrap(apperrors.KindFatal, op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	respBody, err := c.send(req, op)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return c.decode(op, schemaName, respBody, out)
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, query url.Values, token string, body io.Reader) (*http.Request, error) {
	u := c.base.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.device != nil {
		id, name := c.device()
		if id != "" {
			req.Header.Set("X-Device-Id", id)
		}
		if name != "" {
			req.Header.Set("X-Device-Name", name)
		}
	}
	return req, nil
}

// send executes req and classifies transport and status failures.
func (c *HTTPClient) send(req *http.Request, op string) ([]byte, error) {
	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		// Every transport failure, timeouts included, is worth retrying
		return nil, apperrors.Wrap(apperrors.KindTransient, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindTransient, op, err)
	}

	c.logger.Debug("rpc call completed",
		"op", op,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if kind := apperrors.FromHTTPStatus(resp.StatusCode); kind != "" {
		return nil, apperrors.New(kind, op, describeFailure(resp.Status, body))
	}
	return body, nil
}

// decode validates body against schemaName and unmarshals it.
func (c *HTTPClient) decode(op, schemaName string, body []byte, out any) error {
	if schemaName != "" {
		if err := c.validator.Validate(schemaName, body); err != nil {
			return apperrors.Wrap(apperrors.KindFatal, op, err)
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.Wrap(apperrors.KindFatal, op, err)
	}
	return nil
}

// describeFailure keeps the status and the server's error code, never the raw body.
func describeFailure(status string, body []byte) string {
	var e struct {
		Code string `json:"code"`
	}
	if json.Unmarshal(body, &e) == nil && e.Code != "" {
		return fmt.Sprintf("%s (%s)", status, e.Code)
	}
	return status
}

// flexID accepts identifiers sent either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}
