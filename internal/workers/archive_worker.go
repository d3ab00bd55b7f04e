package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ovinet_backend/internal/config"
	"ovinet_backend/internal/logger"
	"ovinet_backend/internal/models"
	"ovinet_backend/internal/repositories"
	"ovinet_backend/internal/storage"
)

// ArchiveWorker exports the previous day's terminated sessions and usage
// reports to archive storage once per day. The database keeps every row
// (soft delete only); the export is the off-box audit copy.
type ArchiveWorker struct {
	sessionRepo repositories.SessionRepository
	usageRepo   repositories.UsageRepository
	store       storage.Storage
	prefix      string
	hourUTC     int
	enabled     bool
}

func NewArchiveWorker(
	sessionRepo repositories.SessionRepository,
	usageRepo repositories.UsageRepository,
	store storage.Storage,
	cfg *config.Config,
) *ArchiveWorker {
	return &ArchiveWorker{
		sessionRepo: sessionRepo,
		usageRepo:   usageRepo,
		store:       store,
		prefix:      cfg.Archive.Prefix,
		hourUTC:     cfg.Archive.HourUTC,
		enabled:     cfg.Archive.Enabled,
	}
}

// Start launches the daily export loop.
func (w *ArchiveWorker) Start(ctx context.Context) {
	if !w.enabled || w.store == nil {
		logger.Info("archive worker disabled")
		return
	}
	go w.exportDaily(ctx)
}

func (w *ArchiveWorker) exportDaily(ctx context.Context) {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), w.hourUTC, 0, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("archive worker stopped")
			return
		case <-timer.C:
		}

		day := time.Now().UTC().AddDate(0, 0, -1)
		if err := w.ExportDay(ctx, day); err != nil {
			logger.WorkerLog("archive", "export_day", err)
		}
	}
}

// ExportDay writes one day's archive object. Already-exported days are
// skipped so a restart does not redo them.
func (w *ArchiveWorker) ExportDay(ctx context.Context, day time.Time) error {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)
	name := fmt.Sprintf("%s/sessions-%s.json", w.prefix, from.Format("2006-01-02"))

	exists, err := w.store.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	sessions, err := w.sessionRepo.FindTerminatedBetween(from, to)
	if err != nil {
		return err
	}
	reports, err := w.usageRepo.FindReceivedBetween(from, to)
	if err != nil {
		return err
	}
	if len(sessions) == 0 && len(reports) == 0 {
		return nil
	}

	export := struct {
		Date         string               `json:"date"`
		GeneratedAt  time.Time            `json:"generatedAt"`
		Sessions     []models.Session     `json:"sessions"`
		UsageReports []models.UsageReport `json:"usageReports"`
	}{
		Date:         from.Format("2006-01-02"),
		GeneratedAt:  time.Now().UTC(),
		Sessions:     sessions,
		UsageReports: reports,
	}

	raw, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return err
	}

	if err := w.store.Save(ctx, name, bytes.NewReader(raw), "application/json"); err != nil {
		return err
	}

	logger.Info("archived day",
		"object", name, "sessions", len(sessions), "usage_reports", len(reports))
	return nil
}
