// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-fieldsync-go/internal/model"
)

// memory implements the Store interface using in-memory maps.
// It's intended for development and testing purposes.
type memory struct {
	mu       sync.RWMutex                   // Protects concurrent access to maps
	trust    *model.TrustRecord             // Nil until first read
	reports  map[int64]*model.QueuedReport  // Map of local id to report
	photos   map[int64][]*model.QueuedPhoto // Map of report id to its photos
	uuids    map[string]int64               // Map of local uuid to local id
	nextRuns map[string]time.Time           // Map of job name to next eligible run
	nextID   int64                          // Last assigned report id
	nextPhID int64                          // Last assigned photo id
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		reports:  make(map[int64]*model.QueuedReport),
		photos:   make(map[int64][]*model.QueuedPhoto),
		uuids:    make(map[string]int64),
		nextRuns: make(map[string]time.Time),
	}
}

func (m *memory) GetTrustRecord(ctx context.Context) (model.TrustRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.trust == nil {
		rec := seedTrustRecord()
		m.trust = &rec
	}
	return copyTrust(*m.trust), nil
}

func (m *memory) SaveTrustRecord(ctx context.Context, rec model.TrustRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec = copyTrust(normalizeTrust(rec))
	m.trust = &rec
	return nil
}

func (m *memory) InsertReport(ctx context.Context, report model.QueuedReport, photos []model.QueuedPhoto) (model.QueuedReport, error) {
	if len(photos) == 0 {
		return model.QueuedReport{}, ErrNoPhotos
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.uuids[report.LocalUUID]; exists {
		return model.QueuedReport{}, ErrConflict
	}

	m.nextID++
	report.ID = m.nextID
	reportCopy := report
	m.reports[report.ID] = &reportCopy
	m.uuids[report.LocalUUID] = report.ID

	stored := make([]*model.QueuedPhoto, 0, len(photos))
	for _, p := range photos {
		m.nextPhID++
		p.ID = m.nextPhID
		p.ReportID = report.ID
		photoCopy := p
		stored = append(stored, &photoCopy)
	}
	m.photos[report.ID] = stored
	return report, nil
}

func (m *memory) GetReport(ctx context.Context, id int64) (*model.QueuedReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, exists := m.reports[id]
	if !exists {
		return nil, ErrNotFound
	}
	reportCopy := *r
	return &reportCopy, nil
}

func (m *memory) ListOldestReports(ctx context.Context, limit int) ([]model.QueuedReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.QueuedReport, 0, len(m.reports))
	for _, r := range m.reports {
		out = append(out, *r)
	}
	// Sort by created_at ascending, then by id for stable ordering
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memory) ListPhotos(ctx context.Context, reportID int64) ([]model.QueuedPhoto, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.QueuedPhoto, 0, len(m.photos[reportID]))
	for _, p := range m.photos[reportID] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *memory) SetReportError(ctx context.Context, id int64, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, exists := m.reports[id]
	if !exists {
		return ErrNotFound
	}
	r.LastError = label
	return nil
}

func (m *memory) DeletePhotos(ctx context.Context, reportID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.photos, reportID)
	return nil
}

func (m *memory) DeleteReport(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, exists := m.reports[id]
	if !exists {
		return ErrNotFound
	}
	delete(m.uuids, r.LocalUUID)
	delete(m.photos, id)
	delete(m.reports, id)
	return nil
}

func (m *memory) CountReports(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.reports), nil
}

func (m *memory) GetNextRun(ctx context.Context, job string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	at, exists := m.nextRuns[job]
	if !exists {
		return time.Time{}, ErrNotFound
	}
	return at, nil
}

func (m *memory) SetNextRun(ctx context.Context, job string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRuns[job] = at.UTC()
	return nil
}

func (m *memory) Ping(ctx context.Context) error { return nil }

func (m *memory) Close() error { return nil }

// copyTrust detaches the cursor and timestamp pointers from the stored value.
func copyTrust(r model.TrustRecord) model.TrustRecord {
	if r.CursorFind != nil {
		v := *r.CursorFind
		r.CursorFind = &v
	}
	if r.CursorIssue != nil {
		v := *r.CursorIssue
		r.CursorIssue = &v
	}
	if r.LastCheckedAt != nil {
		v := *r.LastCheckedAt
		r.LastCheckedAt = &v
	}
	return r
}
