package workers

import (
	"context"
	"fmt"
	"time"

	"ovinet_backend/internal/config"
	"ovinet_backend/internal/email"
	"ovinet_backend/internal/logger"
	"ovinet_backend/internal/metrics"
	"ovinet_backend/internal/models"
	"ovinet_backend/internal/repositories"
	"ovinet_backend/internal/services"
)

// ReconcileWorker periodically re-applies the pending device intents of
// flagged sessions and escalates the ones that keep failing.
type ReconcileWorker struct {
	sessionRepo repositories.SessionRepository
	alertRepo   repositories.AlertRepository
	sessions    services.SessionService
	mailer      email.Provider
	interval    time.Duration
	threshold   int
	recipients  []string
}

func NewReconcileWorker(
	sessionRepo repositories.SessionRepository,
	alertRepo repositories.AlertRepository,
	sessions services.SessionService,
	mailer email.Provider,
	cfg *config.Config,
) *ReconcileWorker {
	return &ReconcileWorker{
		sessionRepo: sessionRepo,
		alertRepo:   alertRepo,
		sessions:    sessions,
		mailer:      mailer,
		interval:    time.Duration(cfg.Reconcile.IntervalSeconds) * time.Second,
		threshold:   cfg.Reconcile.AlertThreshold,
		recipients:  cfg.Email.AlertRecipients,
	}
}

// Start launches the sweep loop.
func (w *ReconcileWorker) Start(ctx context.Context) {
	go w.sweep(ctx)
}

func (w *ReconcileWorker) sweep(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("reconcile worker stopped")
			return
		case <-ticker.C:
			w.RunSweep(ctx)
		}
	}
}

// RunSweep processes one batch of flagged sessions. Exported so a sweep can
// be driven without waiting for the ticker.
func (w *ReconcileWorker) RunSweep(ctx context.Context) {
	count, err := w.sessionRepo.CountFlagged()
	if err == nil {
		metrics.ReconcileFlagged.Set(float64(count))
	}

	flagged, err := w.sessionRepo.FindFlagged(100)
	if err != nil {
		logger.WorkerLog("reconcile", "find_flagged", err)
		return
	}
	if len(flagged) == 0 {
		return
	}

	fixed := 0
	for i := range flagged {
		session := &flagged[i]
		attempts, err := w.sessions.ReconcileSession(ctx, session)
		if err == nil {
			fixed++
			continue
		}
		if w.threshold > 0 && attempts >= w.threshold {
			w.escalate(ctx, session)
		}
	}

	logger.Info("reconcile sweep finished", "flagged", len(flagged), "fixed", fixed)
}

// escalate writes one operator alert per open incident and mails it out.
// Repeat sweep failures while the alert is unacknowledged stay quiet.
func (w *ReconcileWorker) escalate(ctx context.Context, session *models.Session) {
	exists, err := w.alertRepo.HasOpenForSession(session.ID, models.AlertKindReconcileFailed)
	if err != nil {
		logger.WorkerLog("reconcile", "check_alert", err)
		return
	}
	if exists {
		return
	}

	// Re-read for the freshly bumped intent.
	current, err := w.sessionRepo.FindByID(session.ID)
	if err != nil {
		logger.WorkerLog("reconcile", "load_session", err)
		return
	}
	intent, err := current.Intent()
	if err != nil || intent == nil {
		return
	}

	alert := &models.OperatorAlert{
		SessionID: session.ID,
		Kind:      models.AlertKindReconcileFailed,
		Message: fmt.Sprintf("device %s pending for session %s after %d attempts: %s",
			intent.Op, session.ID, intent.Attempts, intent.LastError),
		FailureCount: intent.Attempts,
	}
	if err := w.alertRepo.Create(alert); err != nil {
		logger.WorkerLog("reconcile", "create_alert", err)
		return
	}

	logger.Warn("session escalated to operators",
		"session_id", session.ID, "op", intent.Op, "attempts", intent.Attempts)

	w.mail(current, intent)
}

func (w *ReconcileWorker) mail(session *models.Session, intent *models.DeviceIntent) {
	if w.mailer == nil || len(w.recipients) == 0 {
		return
	}

	body, err := email.RenderAlertBody(email.AlertData{
		SessionID: session.ID,
		QueueName: session.QueueName,
		Op:        intent.Op,
		Attempts:  intent.Attempts,
		LastError: intent.LastError,
		When:      time.Now(),
	})
	if err != nil {
		logger.WorkerLog("reconcile", "render_alert", err)
		return
	}

	err = w.mailer.Send(&email.Email{
		To:       w.recipients,
		Subject:  fmt.Sprintf("[ovinet] session %s needs device reconciliation", session.ID),
		HTMLBody: body,
	})
	logger.WorkerLog("reconcile", "send_alert", err)
}
