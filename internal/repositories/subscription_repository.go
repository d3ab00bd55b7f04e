package repositories

import (
	"errors"
	"time"

	"ovinet_backend/internal/models"

	"gorm.io/gorm"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

type SubscriptionRepository interface {
	Create(subscription *models.Subscription) error
	Update(subscription *models.Subscription) error
	FindByID(id string) (*models.Subscription, error)
	FindByUser(userID string) ([]models.Subscription, error)
	UpdateStatus(id string, status models.SubscriptionStatus) error
	FindExpired(limit int) ([]models.Subscription, error)
}

type SubscriptionRepositoryImpl struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &SubscriptionRepositoryImpl{db: db}
}

func (r *SubscriptionRepositoryImpl) Create(subscription *models.Subscription) error {
	return r.db.Create(subscription).Error
}

func (r *SubscriptionRepositoryImpl) Update(subscription *models.Subscription) error {
	return r.db.Save(subscription).Error
}

func (r *SubscriptionRepositoryImpl) FindByID(id string) (*models.Subscription, error) {
	var subscription models.Subscription
	err := r.db.Preload("Package").First(&subscription, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &subscription, nil
}

func (r *SubscriptionRepositoryImpl) FindByUser(userID string) ([]models.Subscription, error) {
	var subscriptions []models.Subscription
	err := r.db.Preload("Package").Where("user_id = ?", userID).
		Order("purchased_at DESC").
		Find(&subscriptions).Error
	return subscriptions, err
}

func (r *SubscriptionRepositoryImpl) UpdateStatus(id string, status models.SubscriptionStatus) error {
	result := r.db.Model(&models.Subscription{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (r *SubscriptionRepositoryImpl) FindExpired(limit int) ([]models.Subscription, error) {
	var subscriptions []models.Subscription
	err := r.db.Where("status = ? AND expires_at < ?",
		models.SubscriptionStatusActive, time.Now()).
		Order("expires_at ASC").
		Limit(limit).
		Find(&subscriptions).Error
	return subscriptions, err
}
