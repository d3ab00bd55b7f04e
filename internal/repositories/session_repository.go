package repositories

import (
	"errors"
	"time"

	"ovinet_backend/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrStatusConflict     = errors.New("session status changed concurrently")
	ErrConnectionLimit    = errors.New("subscription connection limit reached")
	ErrSubscriptionClosed = errors.New("subscription is not active")
	ErrOpenPauseNotFound  = errors.New("open pause record not found")
)

type SessionRepository interface {
	// Lifecycle transitions. Every transition is a conditional update on the
	// current status; losers of a concurrent race get ErrStatusConflict and
	// must re-read before deciding what to do.
	CreateWithSubscription(session *models.Session) error
	MarkPaused(sessionID string, record *models.PauseRecord) error
	MarkActive(sessionID string, resumedAt time.Time) error
	MarkTerminated(sessionID string, endTime time.Time) error

	// Queries
	FindByID(id string) (*models.Session, error)
	FindByIDWithPauses(id string) (*models.Session, error)
	FindOpenBySubscription(subscriptionID string) ([]models.Session, error)
	FindOpenPause(sessionID string) (*models.PauseRecord, error)
	FindTerminatedBetween(from, to time.Time) ([]models.Session, error)

	// Reconciliation
	SetReconcileFlag(sessionID string, intent datatypes.JSON) error
	ClearReconcileFlag(sessionID string) error
	FindFlagged(limit int) ([]models.Session, error)
	CountFlagged() (int64, error)
}

type SessionRepositoryImpl struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &SessionRepositoryImpl{db: db}
}

// CreateWithSubscription inserts the session and takes one connection slot on
// the subscription in a single transaction. The slot is taken with a guarded
// update so two concurrent creates cannot overshoot allowed_connections.
func (r *SessionRepositoryImpl) CreateWithSubscription(session *models.Session) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if session.SubscriptionID != nil {
			result := tx.Model(&models.Subscription{}).
				Where("id = ? AND status = ? AND current_connections < allowed_connections",
					*session.SubscriptionID, models.SubscriptionStatusActive).
				Updates(map[string]interface{}{
					"current_connections": gorm.Expr("current_connections + 1"),
					"updated_at":          time.Now(),
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return r.resolveSlotFailure(tx, *session.SubscriptionID)
			}
		}
		return tx.Create(session).Error
	})
}

func (r *SessionRepositoryImpl) resolveSlotFailure(tx *gorm.DB, subscriptionID string) error {
	var subscription models.Subscription
	err := tx.First(&subscription, "id = ?", subscriptionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSubscriptionNotFound
		}
		return err
	}
	if subscription.Status != models.SubscriptionStatusActive {
		return ErrSubscriptionClosed
	}
	return ErrConnectionLimit
}

// MarkPaused flips active -> paused and opens the pause record in one
// transaction, so a paused session always has exactly one open record.
func (r *SessionRepositoryImpl) MarkPaused(sessionID string, record *models.PauseRecord) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Session{}).
			Where("id = ? AND status = ?", sessionID, models.SessionStatusActive).
			Updates(map[string]interface{}{
				"status":     models.SessionStatusPaused,
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return r.resolveTransitionFailure(tx, sessionID)
		}

		record.SessionID = sessionID
		return tx.Create(record).Error
	})
}

// MarkActive flips paused -> active and closes the open pause record.
func (r *SessionRepositoryImpl) MarkActive(sessionID string, resumedAt time.Time) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Session{}).
			Where("id = ? AND status = ?", sessionID, models.SessionStatusPaused).
			Updates(map[string]interface{}{
				"status":     models.SessionStatusActive,
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return r.resolveTransitionFailure(tx, sessionID)
		}

		return tx.Model(&models.PauseRecord{}).
			Where("session_id = ? AND resumed_at IS NULL", sessionID).
			Update("resumed_at", resumedAt).Error
	})
}

// MarkTerminated moves the session into its absorbing state, stamps end_time,
// closes any open pause record and releases the subscription connection slot.
func (r *SessionRepositoryImpl) MarkTerminated(sessionID string, endTime time.Time) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var session models.Session
		err := tx.First(&session, "id = ?", sessionID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}

		result := tx.Model(&models.Session{}).
			Where("id = ? AND status IN ?", sessionID,
				[]models.SessionStatus{models.SessionStatusActive, models.SessionStatusPaused}).
			Updates(map[string]interface{}{
				"status":     models.SessionStatusTerminated,
				"end_time":   endTime,
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return r.resolveTransitionFailure(tx, sessionID)
		}

		err = tx.Model(&models.PauseRecord{}).
			Where("session_id = ? AND resumed_at IS NULL", sessionID).
			Update("resumed_at", endTime).Error
		if err != nil {
			return err
		}

		if session.SubscriptionID != nil {
			return tx.Model(&models.Subscription{}).
				Where("id = ? AND current_connections > 0", *session.SubscriptionID).
				Updates(map[string]interface{}{
					"current_connections": gorm.Expr("current_connections - 1"),
					"updated_at":          time.Now(),
				}).Error
		}
		return nil
	})
}

// resolveTransitionFailure decides whether a zero-row conditional update lost
// a race or targeted a missing session.
func (r *SessionRepositoryImpl) resolveTransitionFailure(tx *gorm.DB, sessionID string) error {
	var count int64
	if err := tx.Model(&models.Session{}).Where("id = ?", sessionID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrSessionNotFound
	}
	return ErrStatusConflict
}

func (r *SessionRepositoryImpl) FindByID(id string) (*models.Session, error) {
	var session models.Session
	err := r.db.Preload("Subscription").Preload("Subscription.Package").
		First(&session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (r *SessionRepositoryImpl) FindByIDWithPauses(id string) (*models.Session, error) {
	var session models.Session
	err := r.db.Preload("Subscription").Preload("Subscription.Package").
		Preload("PauseRecords", func(db *gorm.DB) *gorm.DB {
			return db.Order("paused_at DESC")
		}).
		First(&session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

// FindOpenBySubscription returns the subscription's sessions that still hold a
// connection slot, i.e. anything not yet terminated.
func (r *SessionRepositoryImpl) FindOpenBySubscription(subscriptionID string) ([]models.Session, error) {
	var sessions []models.Session
	err := r.db.Where("subscription_id = ? AND status IN ?", subscriptionID,
		[]models.SessionStatus{models.SessionStatusActive, models.SessionStatusPaused}).
		Order("start_time DESC").
		Find(&sessions).Error
	return sessions, err
}

func (r *SessionRepositoryImpl) FindOpenPause(sessionID string) (*models.PauseRecord, error) {
	var record models.PauseRecord
	err := r.db.Where("session_id = ? AND resumed_at IS NULL", sessionID).
		Order("paused_at DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOpenPauseNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (r *SessionRepositoryImpl) FindTerminatedBetween(from, to time.Time) ([]models.Session, error) {
	var sessions []models.Session
	err := r.db.Where("status = ? AND end_time >= ? AND end_time < ?",
		models.SessionStatusTerminated, from, to).
		Order("end_time ASC").
		Find(&sessions).Error
	return sessions, err
}

func (r *SessionRepositoryImpl) SetReconcileFlag(sessionID string, intent datatypes.JSON) error {
	result := r.db.Model(&models.Session{}).Where("id = ?", sessionID).
		Updates(map[string]interface{}{
			"needs_reconcile": true,
			"pending_intent":  intent,
			"updated_at":      time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *SessionRepositoryImpl) ClearReconcileFlag(sessionID string) error {
	result := r.db.Model(&models.Session{}).Where("id = ?", sessionID).
		Updates(map[string]interface{}{
			"needs_reconcile": false,
			"pending_intent":  nil,
			"updated_at":      time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *SessionRepositoryImpl) FindFlagged(limit int) ([]models.Session, error) {
	var sessions []models.Session
	err := r.db.Where("needs_reconcile = ?", true).
		Order("updated_at ASC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

func (r *SessionRepositoryImpl) CountFlagged() (int64, error) {
	var count int64
	err := r.db.Model(&models.Session{}).Where("needs_reconcile = ?", true).Count(&count).Error
	return count, err
}
