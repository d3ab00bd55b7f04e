package workers

import (
	"context"
	"time"

	"gorm.io/gorm"

	"ovinet_backend/internal/logger"
	"ovinet_backend/internal/repositories"
	"ovinet_backend/internal/services"
)

// ExpiryWorker marks subscriptions past their expiry and winds down the
// sessions they were paying for.
type ExpiryWorker struct {
	db               *gorm.DB
	subscriptionRepo repositories.SubscriptionRepository
	sessionRepo      repositories.SessionRepository
	sessions         services.SessionService
}

func NewExpiryWorker(
	db *gorm.DB,
	subscriptionRepo repositories.SubscriptionRepository,
	sessionRepo repositories.SessionRepository,
	sessions services.SessionService,
) *ExpiryWorker {
	return &ExpiryWorker{
		db:               db,
		subscriptionRepo: subscriptionRepo,
		sessionRepo:      sessionRepo,
		sessions:         sessions,
	}
}

// Start launches the expiry sweep.
func (w *ExpiryWorker) Start(ctx context.Context) {
	go w.checkExpiredSubscriptions(ctx)
}

func (w *ExpiryWorker) checkExpiredSubscriptions(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("expiry worker stopped")
			return
		case <-ticker.C:
			w.RunSweep(ctx)
		}
	}
}

// RunSweep performs one expiry pass.
func (w *ExpiryWorker) RunSweep(ctx context.Context) {
	// Candidates are read before the flip so their open sessions can be
	// terminated afterwards.
	expired, err := w.subscriptionRepo.FindExpired(500)
	if err != nil {
		logger.WorkerLog("expiry", "find_expired", err)
		return
	}

	result := w.db.Exec(`
		UPDATE subscriptions
		SET status = 'expired', updated_at = NOW()
		WHERE status = 'active'
		AND expires_at < NOW()
	`)
	if result.Error != nil {
		logger.WorkerLog("expiry", "mark_expired", result.Error)
		return
	}
	if result.RowsAffected > 0 {
		logger.Info("marked subscriptions as expired", "count", result.RowsAffected)
	}

	for i := range expired {
		subscription := &expired[i]
		sessions, err := w.sessionRepo.FindOpenBySubscription(subscription.ID)
		if err != nil {
			logger.WorkerLog("expiry", "find_sessions", err)
			continue
		}
		for j := range sessions {
			if _, err := w.sessions.TerminateSession(ctx, sessions[j].ID); err != nil {
				// Unreachable device: the session stays open and the next
				// sweep retries the teardown.
				logger.Warn("failed to terminate expired session",
					"session_id", sessions[j].ID,
					"subscription_id", subscription.ID,
					"error", err)
			}
		}
	}
}
