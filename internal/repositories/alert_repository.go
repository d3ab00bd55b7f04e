package repositories

import (
	"errors"
	"time"

	"ovinet_backend/internal/models"

	"gorm.io/gorm"
)

var (
	ErrAlertNotFound = errors.New("operator alert not found")
)

type AlertRepository interface {
	Create(alert *models.OperatorAlert) error
	FindUnacknowledged(limit int) ([]models.OperatorAlert, error)
	HasOpenForSession(sessionID, kind string) (bool, error)
	Acknowledge(id string) error
}

type AlertRepositoryImpl struct {
	db *gorm.DB
}

func NewAlertRepository(db *gorm.DB) AlertRepository {
	return &AlertRepositoryImpl{db: db}
}

func (r *AlertRepositoryImpl) Create(alert *models.OperatorAlert) error {
	return r.db.Create(alert).Error
}

func (r *AlertRepositoryImpl) FindUnacknowledged(limit int) ([]models.OperatorAlert, error) {
	var alerts []models.OperatorAlert
	err := r.db.Where("acknowledged = ?", false).
		Order("created_at DESC").
		Limit(limit).
		Find(&alerts).Error
	return alerts, err
}

// HasOpenForSession reports whether the session already carries an open alert
// of the given kind, so repeated sweep failures do not pile up duplicates.
func (r *AlertRepositoryImpl) HasOpenForSession(sessionID, kind string) (bool, error) {
	var count int64
	err := r.db.Model(&models.OperatorAlert{}).
		Where("session_id = ? AND kind = ? AND acknowledged = ?", sessionID, kind, false).
		Count(&count).Error
	return count > 0, err
}

func (r *AlertRepositoryImpl) Acknowledge(id string) error {
	result := r.db.Model(&models.OperatorAlert{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"acknowledged": true,
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAlertNotFound
	}
	return nil
}
