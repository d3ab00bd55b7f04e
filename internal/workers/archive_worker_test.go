package workers

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"ovinet_backend/internal/config"
	"ovinet_backend/internal/models"
	"ovinet_backend/internal/repositories"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type archiveSessionRepo struct {
	repositories.SessionRepository
	terminated []models.Session
	from, to   time.Time
}

func (s *archiveSessionRepo) FindTerminatedBetween(from, to time.Time) ([]models.Session, error) {
	s.from, s.to = from, to
	return s.terminated, nil
}

type archiveUsageRepo struct {
	repositories.UsageRepository
	reports []models.UsageReport
}

func (u *archiveUsageRepo) FindReceivedBetween(from, to time.Time) ([]models.UsageReport, error) {
	return u.reports, nil
}

type fakeArchiveStore struct {
	saved       map[string][]byte
	existing    map[string]bool
	contentType string
}

func newFakeArchiveStore() *fakeArchiveStore {
	return &fakeArchiveStore{
		saved:    make(map[string][]byte),
		existing: make(map[string]bool),
	}
}

func (f *fakeArchiveStore) Save(ctx context.Context, path string, reader io.Reader, contentType string) error {
	raw, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.saved[path] = raw
	f.contentType = contentType
	return nil
}

func (f *fakeArchiveStore) Exists(ctx context.Context, path string) (bool, error) {
	if f.existing[path] {
		return true, nil
	}
	_, ok := f.saved[path]
	return ok, nil
}

func archiveConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Archive.Enabled = true
	cfg.Archive.Prefix = "audit"
	cfg.Archive.HourUTC = 2
	return cfg
}

func terminatedOn(day time.Time) models.Session {
	end := day.Add(10 * time.Hour)
	return models.Session{
		BaseModelWithDeleted: models.BaseModelWithDeleted{
			BaseModel: models.BaseModel{ID: uuid.NewString()},
		},
		Username:   "alice",
		QueueName:  "session-x-alice",
		Status:     models.SessionStatusTerminated,
		StartTime:  day.Add(time.Hour),
		EndTime:    &end,
		DataUsedMB: 321.5,
	}
}

func TestExportDay_WritesOneObjectPerDay(t *testing.T) {
	day := time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC)
	midnight := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	sessions := &archiveSessionRepo{terminated: []models.Session{terminatedOn(midnight)}}
	usage := &archiveUsageRepo{reports: []models.UsageReport{{
		SessionID:  sessions.terminated[0].ID,
		ReportKey:  "r-1",
		DeltaMB:    100,
		EventType:  models.UsageEventUpdate,
		ReceivedAt: midnight.Add(5 * time.Hour),
	}}}
	store := newFakeArchiveStore()

	worker := NewArchiveWorker(sessions, usage, store, archiveConfig())
	require.NoError(t, worker.ExportDay(context.Background(), day))

	// The window covers the whole UTC day regardless of the input clock time
	assert.Equal(t, midnight, sessions.from)
	assert.Equal(t, midnight.AddDate(0, 0, 1), sessions.to)

	raw, ok := store.saved["audit/sessions-2026-08-24.json"]
	require.True(t, ok, "expected object, have %v", store.saved)
	assert.Equal(t, "application/json", store.contentType)

	var export struct {
		Date         string               `json:"date"`
		Sessions     []models.Session     `json:"sessions"`
		UsageReports []models.UsageReport `json:"usageReports"`
	}
	require.NoError(t, json.Unmarshal(raw, &export))
	assert.Equal(t, "2026-08-24", export.Date)
	require.Len(t, export.Sessions, 1)
	assert.Equal(t, sessions.terminated[0].ID, export.Sessions[0].ID)
	require.Len(t, export.UsageReports, 1)
	assert.Equal(t, "r-1", export.UsageReports[0].ReportKey)
}

func TestExportDay_AlreadyExportedIsSkipped(t *testing.T) {
	day := time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)
	sessions := &archiveSessionRepo{terminated: []models.Session{terminatedOn(day)}}
	store := newFakeArchiveStore()
	store.existing["audit/sessions-2026-08-24.json"] = true

	worker := NewArchiveWorker(sessions, &archiveUsageRepo{}, store, archiveConfig())
	require.NoError(t, worker.ExportDay(context.Background(), day))

	assert.Empty(t, store.saved, "a restart must not redo a finished day")
}

func TestExportDay_EmptyDayWritesNothing(t *testing.T) {
	store := newFakeArchiveStore()

	worker := NewArchiveWorker(&archiveSessionRepo{}, &archiveUsageRepo{}, store, archiveConfig())
	require.NoError(t, worker.ExportDay(context.Background(), time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)))

	assert.Empty(t, store.saved)
}

func TestStart_DisabledWithoutStore(t *testing.T) {
	cfg := archiveConfig()
	cfg.Archive.Enabled = false

	worker := NewArchiveWorker(&archiveSessionRepo{}, &archiveUsageRepo{}, nil, cfg)

	// Must be a no-op, not a nil dereference
	worker.Start(context.Background())
}
