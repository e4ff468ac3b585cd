package conformance

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ReceivedReport is a report as the central service stored it.
type ReceivedReport struct {
	ID             int64
	DeviceID       string
	Category       string
	Room           int
	Description    string
	ClientUUID     string
	IdempotencyKey string
	CreatedAtMs    int64
	PhotoNames     []string
	Photos         [][]byte
	Authenticated  bool
	Done           bool
}

type centralDevice struct {
	publicKey   *ecdsa.PublicKey
	status      string
	displayName string
	info        map[string]string
}

// Central is an in-process stand-in for the central service. It speaks the same
// HTTP contract as the real one: devices register, an administrator approves them,
// challenge signatures are verified against the registered key, and issued tokens
// are signed JWTs.
type Central struct {
	mu        sync.Mutex
	secret    []byte
	tokenTTL  time.Duration
	devices   map[string]*centralDevice
	nonces    map[string]string // nonce -> device id
	reports   []*ReceivedReport
	nextID    int64
	failWith  int // Status answered by POST api/reports while non-zero
	userAgent []string
}

// NewCentral creates an empty central service.
func NewCentral() *Central {
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)
	return &Central{
		secret:   secret,
		tokenTTL: time.Hour,
		devices:  make(map[string]*centralDevice),
		nonces:   make(map[string]string),
	}
}

// Handler serves the central API.
func (c *Central) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/device/register", c.handleRegister)
	mux.HandleFunc("GET /api/device/status", c.handleStatus)
	mux.HandleFunc("POST /api/device/challenge", c.handleChallenge)
	mux.HandleFunc("POST /api/device/verify", c.handleVerify)
	mux.HandleFunc("POST /api/reports", c.handleCreateReport)
	mux.HandleFunc("GET /api/reports/open", c.handleListOpen)
	mux.HandleFunc("POST /api/reports/mark-done", c.handleMarkDone)
	mux.HandleFunc("GET /api/poll/new-since", c.handleNewSince)
	return mux
}

// SetStatus is the administrator decision for a device.
func (c *Central) SetStatus(deviceID, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.devices[deviceID]; ok {
		d.status = status
	}
}

// SetDisplayName renames a device server-side.
func (c *Central) SetDisplayName(deviceID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.devices[deviceID]; ok {
		d.displayName = name
	}
}

// DeviceStatus returns the server-side status, "" for unknown devices.
func (c *Central) DeviceStatus(deviceID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.devices[deviceID]; ok {
		return d.status
	}
	return ""
}

// DeviceInfo returns what the device sent on registration.
func (c *Central) DeviceInfo(deviceID string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.devices[deviceID]; ok {
		return d.info
	}
	return nil
}

// FailReports makes report creation answer status until called with 0.
func (c *Central) FailReports(status int) {
	c.mu.Lock()
	c.failWith = status
	c.mu.Unlock()
}

// SetTokenTTL changes the lifetime of tokens issued from now on.
func (c *Central) SetTokenTTL(d time.Duration) {
	c.mu.Lock()
	c.tokenTTL = d
	c.mu.Unlock()
}

// Seed stores a report filed by another device and returns its id.
func (c *Central) Seed(category string, room int, description string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.reports = append(c.reports, &ReceivedReport{
		ID:          c.nextID,
		DeviceID:    "other-device",
		Category:    category,
		Room:        room,
		Description: description,
		CreatedAtMs: time.Now().UnixMilli(),
	})
	return c.nextID
}

// Reports returns a copy of every stored report in arrival order.
func (c *Central) Reports() []ReceivedReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ReceivedReport, 0, len(c.reports))
	for _, r := range c.reports {
		out = append(out, *r)
	}
	return out
}

// UserAgents returns the User-Agent of every request so far.
func (c *Central) UserAgents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.userAgent...)
}

func (c *Central) track(r *http.Request) {
	c.mu.Lock()
	c.userAgent = append(c.userAgent, r.UserAgent())
	c.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"code": code})
}

func (c *Central) handleRegister(w http.ResponseWriter, r *http.Request) {
	c.track(r)
	var in struct {
		DeviceID    string            `json:"deviceId"`
		PublicKey   string            `json:"publicKey"`
		DisplayName string            `json:"display_name"`
		DeviceInfo  map[string]string `json:"deviceInfo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.DeviceID == "" {
		writeFailure(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}
	der, err := base64.StdEncoding.DecodeString(in.PublicKey)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "BAD_KEY")
		return
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	pub, ok := parsed.(*ecdsa.PublicKey)
	if err != nil || !ok {
		writeFailure(w, http.StatusBadRequest, "BAD_KEY")
		return
	}

	c.mu.Lock()
	d, exists := c.devices[in.DeviceID]
	if !exists {
		d = &centralDevice{status: "PENDING"}
		c.devices[in.DeviceID] = d
	}
	d.publicKey = pub
	d.info = in.DeviceInfo
	if in.DisplayName != "" && d.displayName == "" {
		d.displayName = in.DisplayName
	}
	status := d.status
	c.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (c *Central) handleStatus(w http.ResponseWriter, r *http.Request) {
	c.track(r)
	c.mu.Lock()
	d, ok := c.devices[r.URL.Query().Get("device_id")]
	var out map[string]any
	if ok {
		out = map[string]any{"status": d.status, "display_name": d.displayName}
	}
	c.mu.Unlock()
	if !ok {
		writeFailure(w, http.StatusNotFound, "UNKNOWN_DEVICE")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (c *Central) handleChallenge(w http.ResponseWriter, r *http.Request) {
	c.track(r)
	var in struct {
		DeviceID string `json:"deviceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeFailure(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}
	raw := make([]byte, 32)
	_, _ = rand.Read(raw)
	nonce := base64.StdEncoding.EncodeToString(raw)

	c.mu.Lock()
	_, known := c.devices[in.DeviceID]
	if known {
		c.nonces[nonce] = in.DeviceID
	}
	c.mu.Unlock()
	if !known {
		writeFailure(w, http.StatusNotFound, "UNKNOWN_DEVICE")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"nonce": nonce, "issuedAt": time.Now().UTC().Format(time.RFC3339)})
}

func (c *Central) handleVerify(w http.ResponseWriter, r *http.Request) {
	c.track(r)
	var in struct {
		Nonce     string `json:"nonce"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeFailure(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	c.mu.Lock()
	deviceID, ok := c.nonces[in.Nonce]
	delete(c.nonces, in.Nonce)
	d := c.devices[deviceID]
	c.mu.Unlock()
	if !ok || d == nil {
		writeFailure(w, http.StatusUnauthorized, "UNKNOWN_NONCE")
		return
	}

	raw, err := base64.StdEncoding.DecodeString(in.Nonce)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "BAD_NONCE")
		return
	}
	sig, err := base64.StdEncoding.DecodeString(in.Signature)
	digest := sha256.Sum256(raw)
	if err != nil || !ecdsa.VerifyASN1(d.publicKey, digest[:], sig) {
		writeFailure(w, http.StatusUnauthorized, "BAD_SIGNATURE")
		return
	}

	c.mu.Lock()
	status := d.status
	ttl := c.tokenTTL
	c.mu.Unlock()
	if status != "ACTIVE" {
		writeJSON(w, http.StatusOK, map[string]any{"status": status, "deviceToken": nil})
		return
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   deviceID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}).SignedString(c.secret)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, "TOKEN")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "deviceToken": token})
}

// authenticate resolves the bearer token to an ACTIVE device.
func (c *Central) authenticate(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimPrefix(h, "Bearer "), claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[claims.Subject]
	if !ok || d.status != "ACTIVE" {
		return "", false
	}
	return claims.Subject, true
}

func (c *Central) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	c.track(r)
	c.mu.Lock()
	failWith := c.failWith
	c.mu.Unlock()
	if failWith != 0 {
		writeFailure(w, failWith, "INJECTED")
		return
	}

	// Devices still awaiting approval may file reports without a token
	deviceID, authenticated := c.authenticate(r)
	if !authenticated {
		if r.Header.Get("Authorization") != "" {
			writeFailure(w, http.StatusUnauthorized, "BAD_TOKEN")
			return
		}
		deviceID = r.Header.Get("X-Device-Id")
		if status := c.DeviceStatus(deviceID); status == "" || status == "REVOKED" {
			writeFailure(w, http.StatusForbidden, "DEVICE_NOT_ALLOWED")
			return
		}
	}

	rep, err := readReportForm(r)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "BAD_FORM")
		return
	}
	rep.DeviceID = deviceID
	rep.Authenticated = authenticated
	rep.IdempotencyKey = r.Header.Get("Idempotency-Key")

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.reports {
		if rep.IdempotencyKey != "" && existing.IdempotencyKey == rep.IdempotencyKey {
			writeJSON(w, http.StatusOK, map[string]any{"reportId": existing.ID, "ok": true})
			return
		}
	}
	c.nextID++
	rep.ID = c.nextID
	c.reports = append(c.reports, rep)
	writeJSON(w, http.StatusCreated, map[string]any{"reportId": rep.ID, "ok": true})
}

func readReportForm(r *http.Request) (*ReceivedReport, error) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return nil, fmt.Errorf("not multipart")
	}
	rep := &ReceivedReport{}
	mr := multipart.NewReader(r.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, err
		}
		switch part.FormName() {
		case "type":
			rep.Category = string(data)
		case "room":
			rep.Room, err = strconv.Atoi(string(data))
		case "description":
			rep.Description = string(data)
		case "clientUuid":
			rep.ClientUUID = string(data)
		case "createdAtEpochMs":
			rep.CreatedAtMs, err = strconv.ParseInt(string(data), 10, 64)
		case "photos":
			rep.PhotoNames = append(rep.PhotoNames, part.FileName())
			rep.Photos = append(rep.Photos, data)
		}
		if err != nil {
			return nil, err
		}
	}
	if rep.Category == "" || rep.Room <= 0 || len(rep.Photos) == 0 {
		return nil, fmt.Errorf("incomplete report")
	}
	return rep, nil
}

func (c *Central) handleListOpen(w http.ResponseWriter, r *http.Request) {
	c.track(r)
	if _, ok := c.authenticate(r); !ok {
		writeFailure(w, http.StatusUnauthorized, "BAD_TOKEN")
		return
	}
	category := r.URL.Query().Get("category")

	c.mu.Lock()
	items := []map[string]any{}
	for _, rep := range c.reports {
		if rep.Done || rep.Category != category {
			continue
		}
		items = append(items, map[string]any{
			"id":            rep.ID,
			"room":          rep.Room,
			"description":   rep.Description,
			"createdAt":     time.UnixMilli(rep.CreatedAtMs).UTC().Format(time.RFC3339),
			"type":          rep.Category,
			"photos":        []string{},
			"thumbnailUrls": []string{},
		})
	}
	c.mu.Unlock()

	// Newest first
	sort.SliceStable(items, func(i, j int) bool { return items[i]["id"].(int64) > items[j]["id"].(int64) })
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (c *Central) handleMarkDone(w http.ResponseWriter, r *http.Request) {
	c.track(r)
	if _, ok := c.authenticate(r); !ok {
		writeFailure(w, http.StatusUnauthorized, "BAD_TOKEN")
		return
	}
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "BAD_ID")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rep := range c.reports {
		if rep.ID == id {
			rep.Done = true
			writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
			return
		}
	}
	writeFailure(w, http.StatusNotFound, "UNKNOWN_REPORT")
}

func (c *Central) handleNewSince(w http.ResponseWriter, r *http.Request) {
	c.track(r)
	if _, ok := c.authenticate(r); !ok {
		writeFailure(w, http.StatusUnauthorized, "BAD_TOKEN")
		return
	}
	q := r.URL.Query()
	cursor := func(key string) int64 {
		v, _ := strconv.ParseInt(q.Get(key), 10, 64)
		return v
	}
	seenFind, seenIssue := cursor("last_seen_find_id"), cursor("last_seen_issue_id")
	deviceID := q.Get("device_id")

	c.mu.Lock()
	var lastFind, lastIssue int64
	var newFind, newIssue int
	for _, rep := range c.reports {
		if rep.Done {
			continue
		}
		switch rep.Category {
		case "FIND":
			lastFind = max(lastFind, rep.ID)
			if rep.ID > seenFind && rep.DeviceID != deviceID {
				newFind++
			}
		case "ISSUE":
			lastIssue = max(lastIssue, rep.ID)
			if rep.ID > seenIssue && rep.DeviceID != deviceID {
				newIssue++
			}
		}
	}
	c.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"lastSeenOpenFindsId":  max(lastFind, seenFind),
		"lastSeenOpenIssuesId": max(lastIssue, seenIssue),
		"newOpenFindsCount":    newFind,
		"newOpenIssuesCount":   newIssue,
	})
}
