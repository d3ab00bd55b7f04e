package repositories

import (
	"errors"
	"time"

	"ovinet_backend/internal/models"

	"gorm.io/gorm"
)

var (
	ErrDuplicateReport = errors.New("usage report already applied")
)

type UsageRepository interface {
	Apply(report *models.UsageReport) error
	FindBySession(sessionID string, limit int) ([]models.UsageReport, error)
	FindReceivedBetween(from, to time.Time) ([]models.UsageReport, error)
}

type UsageRepositoryImpl struct {
	db *gorm.DB
}

func NewUsageRepository(db *gorm.DB) UsageRepository {
	return &UsageRepositoryImpl{db: db}
}

// Apply records the report and adds its delta to the session and subscription
// counters in one transaction. The report key is unique, so a redelivered
// report is rejected with ErrDuplicateReport and the counters move at most
// once per key.
func (r *UsageRepositoryImpl) Apply(report *models.UsageReport) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var existing int64
		err := tx.Model(&models.UsageReport{}).
			Where("report_key = ?", report.ReportKey).
			Count(&existing).Error
		if err != nil {
			return err
		}
		if existing > 0 {
			return ErrDuplicateReport
		}

		var session models.Session
		err = tx.Select("id", "subscription_id").
			First(&session, "id = ?", report.SessionID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}

		if err := tx.Create(report).Error; err != nil {
			// Two deliveries of the same key can both pass the count check;
			// the unique index catches the loser.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateReport
			}
			return err
		}

		err = tx.Model(&models.Session{}).Where("id = ?", report.SessionID).
			Updates(map[string]interface{}{
				"data_used_mb": gorm.Expr("data_used_mb + ?", report.DeltaMB),
				"updated_at":   time.Now(),
			}).Error
		if err != nil {
			return err
		}

		if session.SubscriptionID != nil {
			return tx.Model(&models.Subscription{}).
				Where("id = ?", *session.SubscriptionID).
				Updates(map[string]interface{}{
					"data_used_mb": gorm.Expr("data_used_mb + ?", report.DeltaMB),
					"updated_at":   time.Now(),
				}).Error
		}
		return nil
	})
}

func (r *UsageRepositoryImpl) FindBySession(sessionID string, limit int) ([]models.UsageReport, error) {
	var reports []models.UsageReport
	err := r.db.Where("session_id = ?", sessionID).
		Order("received_at DESC").
		Limit(limit).
		Find(&reports).Error
	return reports, err
}

func (r *UsageRepositoryImpl) FindReceivedBetween(from, to time.Time) ([]models.UsageReport, error) {
	var reports []models.UsageReport
	err := r.db.Where("received_at >= ? AND received_at < ?", from, to).
		Order("received_at ASC").
		Find(&reports).Error
	return reports, err
}
