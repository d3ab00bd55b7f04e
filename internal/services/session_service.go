package services

import (
	"context"
	"errors"
	"time"

	"ovinet_backend/internal/config"
	"ovinet_backend/internal/device"
	"ovinet_backend/internal/logger"
	"ovinet_backend/internal/metrics"
	"ovinet_backend/internal/models"
	"ovinet_backend/internal/repositories"
	"ovinet_backend/pkg/apperrors"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// DevicePolicy is the coordinator's device-facing policy: naming defaults,
// rate defaults and the bounded retry budget for device commands.
type DevicePolicy struct {
	CredentialGroup     string
	DefaultDownloadMbps int
	DefaultUploadMbps   int
	RetryAttempts       int
	RetryBackoff        time.Duration
}

func DevicePolicyFromConfig(cfg *config.Config) DevicePolicy {
	return DevicePolicy{
		CredentialGroup:     cfg.Device.CredentialGroup,
		DefaultDownloadMbps: cfg.Device.DefaultDownloadMbps,
		DefaultUploadMbps:   cfg.Device.DefaultUploadMbps,
		RetryAttempts:       cfg.Device.RetryAttempts,
		RetryBackoff:        time.Duration(cfg.Device.RetryBackoffMS) * time.Millisecond,
	}
}

type SessionService interface {
	// Lifecycle
	CreateSession(ctx context.Context, req *models.CreateSessionRequest) (*models.Session, error)
	PauseSession(ctx context.Context, sessionID string, req *models.PauseSessionRequest, actorID *string) (*models.Session, error)
	ResumeSession(ctx context.Context, sessionID string) (*models.Session, error)
	TerminateSession(ctx context.Context, sessionID string) (*models.Session, error)

	// Usage intake
	UpdateUsage(ctx context.Context, sessionID string, deltaMB float64, reportKey string, eventType models.UsageEventType) error

	// Operator queries
	GetSessionStatus(ctx context.Context, sessionID string) (*models.SessionStatusResponse, error)
	GetConnectedDevices(ctx context.Context) ([]device.ConnectedClient, error)
	GetAlerts(ctx context.Context) ([]models.OperatorAlert, error)
	AcknowledgeAlert(ctx context.Context, alertID string) error

	// Reconciliation
	ReconcileSession(ctx context.Context, session *models.Session) (int, error)
}

type sessionService struct {
	sessionRepo      repositories.SessionRepository
	subscriptionRepo repositories.SubscriptionRepository
	usageRepo        repositories.UsageRepository
	alertRepo        repositories.AlertRepository
	device           device.Client
	policy           DevicePolicy
}

func NewSessionService(
	sessionRepo repositories.SessionRepository,
	subscriptionRepo repositories.SubscriptionRepository,
	usageRepo repositories.UsageRepository,
	alertRepo repositories.AlertRepository,
	deviceClient device.Client,
	policy DevicePolicy,
) SessionService {
	if policy.CredentialGroup == "" {
		policy.CredentialGroup = "billing-users"
	}
	if policy.DefaultDownloadMbps <= 0 {
		policy.DefaultDownloadMbps = 50
	}
	if policy.DefaultUploadMbps <= 0 {
		policy.DefaultUploadMbps = 10
	}
	if policy.RetryAttempts <= 0 {
		policy.RetryAttempts = 4
	}
	if policy.RetryBackoff <= 0 {
		policy.RetryBackoff = 250 * time.Millisecond
	}
	return &sessionService{
		sessionRepo:      sessionRepo,
		subscriptionRepo: subscriptionRepo,
		usageRepo:        usageRepo,
		alertRepo:        alertRepo,
		device:           deviceClient,
		policy:           policy,
	}
}

// Lifecycle

// CreateSession provisions enforcement on the device first and only then
// inserts the active row. A device failure leaves no row behind; a store
// failure rolls the device back, so a failed create is fully retryable.
func (s *sessionService) CreateSession(ctx context.Context, req *models.CreateSessionRequest) (*models.Session, error) {
	subscription, err := s.subscriptionRepo.FindByID(req.SubscriptionID)
	if err != nil {
		if errors.Is(err, repositories.ErrSubscriptionNotFound) {
			return nil, apperrors.ErrNotFound(err)
		}
		return nil, err
	}

	if subscription.Status != models.SubscriptionStatusActive || !subscription.ExpiresAt.After(time.Now()) {
		return nil, apperrors.ErrSubscriptionNotActive
	}
	if subscription.CurrentConnections >= subscription.AllowedConnections {
		return nil, apperrors.ErrConnectionLimitReached
	}

	// A retried create passes the previous id so the derived device names
	// come out identical and the device-side existence checks absorb the
	// duplicate Add calls.
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	queueName := device.QueueName(sessionID, req.Username)

	secret := req.Secret
	if secret == "" {
		secret = uuid.New().String()
	}

	downMbps, upMbps := s.sessionRates(subscription)

	err = s.withDeviceRetry(ctx, "add_credential", func(ctx context.Context) error {
		return s.device.AddCredential(ctx, req.Username, secret, s.policy.CredentialGroup)
	})
	if err != nil {
		metrics.SessionOperationsTotal.WithLabelValues("create", "device_error").Inc()
		metrics.DeviceFailuresTotal.WithLabelValues("add_credential").Inc()
		return nil, apperrors.ErrProvisioningFailed(err)
	}

	err = s.withDeviceRetry(ctx, "add_queue", func(ctx context.Context) error {
		return s.device.AddQueue(ctx, queueName, req.Username, downMbps, upMbps)
	})
	if err != nil {
		s.rollbackProvisioning(ctx, req.Username, queueName)
		metrics.SessionOperationsTotal.WithLabelValues("create", "device_error").Inc()
		metrics.DeviceFailuresTotal.WithLabelValues("add_queue").Inc()
		return nil, apperrors.ErrProvisioningFailed(err)
	}

	session := &models.Session{
		BaseModelWithDeleted: models.BaseModelWithDeleted{
			BaseModel: models.BaseModel{ID: sessionID},
		},
		SubscriptionID: &subscription.ID,
		Username:       req.Username,
		QueueName:      queueName,
		Status:         models.SessionStatusActive,
		StartTime:      time.Now(),
		ClientIP:       req.ClientIP,
		ClientMAC:      req.ClientMAC,
	}

	if err := s.sessionRepo.CreateWithSubscription(session); err != nil {
		// Enforcement exists but the row does not: undo the device side so a
		// failed create leaves nothing behind.
		s.rollbackProvisioning(ctx, req.Username, queueName)
		metrics.SessionOperationsTotal.WithLabelValues("create", "error").Inc()
		switch {
		case errors.Is(err, repositories.ErrConnectionLimit):
			return nil, apperrors.ErrConnectionLimitReached
		case errors.Is(err, repositories.ErrSubscriptionClosed):
			return nil, apperrors.ErrSubscriptionNotActive
		case errors.Is(err, repositories.ErrSubscriptionNotFound):
			return nil, apperrors.ErrNotFound(err)
		}
		return nil, err
	}

	metrics.SessionOperationsTotal.WithLabelValues("create", "ok").Inc()
	metrics.SessionsActive.Inc()
	logger.CtxInfo(ctx, "session created",
		"session_id", sessionID,
		"subscription_id", subscription.ID,
		"queue", queueName,
		"rate", device.RateLimit(downMbps, upMbps))
	return session, nil
}

// PauseSession commits the paused state first (the conditional update is the
// serialization point), then disables the queue. If the device stays
// unreachable past the retry budget the pause still stands and the session is
// flagged for the reconcile sweep.
func (s *sessionService) PauseSession(ctx context.Context, sessionID string, req *models.PauseSessionRequest, actorID *string) (*models.Session, error) {
	session, err := s.findSession(sessionID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case models.SessionStatusPaused:
		// Already paused: nothing to do.
		metrics.SessionOperationsTotal.WithLabelValues("pause", "noop").Inc()
		return session, nil
	case models.SessionStatusTerminated:
		return nil, apperrors.ErrSessionTerminated
	}

	record := &models.PauseRecord{
		PausedAt:    time.Now(),
		Reason:      req.Reason,
		Description: req.Description,
		ActorID:     actorID,
	}

	if err := s.sessionRepo.MarkPaused(sessionID, record); err != nil {
		return s.resolveTransitionError(ctx, "pause", sessionID, err, models.SessionStatusPaused)
	}
	session.Status = models.SessionStatusPaused
	metrics.SessionsActive.Dec()

	err = s.withDeviceRetry(ctx, models.IntentDisableQueue, func(ctx context.Context) error {
		return s.device.SetQueueEnabled(ctx, session.QueueName, false)
	})
	if err != nil {
		if device.IsNotFound(err) {
			logger.CtxWarn(ctx, "queue missing on device during pause",
				"session_id", sessionID, "queue", session.QueueName)
		} else {
			metrics.DeviceFailuresTotal.WithLabelValues(models.IntentDisableQueue).Inc()
			s.flagForReconcile(ctx, sessionID, models.IntentDisableQueue, err)
			session.NeedsReconcile = true
		}
	}

	metrics.SessionOperationsTotal.WithLabelValues("pause", "ok").Inc()
	logger.CtxInfo(ctx, "session paused",
		"session_id", sessionID, "reason", req.Reason, "reconcile", session.NeedsReconcile)
	return session, nil
}

// ResumeSession mirrors PauseSession: conditional update first, queue enable
// after, flag on exhausted retries.
func (s *sessionService) ResumeSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := s.findSession(sessionID)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case models.SessionStatusActive:
		metrics.SessionOperationsTotal.WithLabelValues("resume", "noop").Inc()
		return session, nil
	case models.SessionStatusTerminated:
		return nil, apperrors.ErrSessionTerminated
	}

	if err := s.sessionRepo.MarkActive(sessionID, time.Now()); err != nil {
		return s.resolveTransitionError(ctx, "resume", sessionID, err, models.SessionStatusActive)
	}
	session.Status = models.SessionStatusActive
	metrics.SessionsActive.Inc()

	err = s.withDeviceRetry(ctx, models.IntentEnableQueue, func(ctx context.Context) error {
		return s.device.SetQueueEnabled(ctx, session.QueueName, true)
	})
	if err != nil {
		if device.IsNotFound(err) {
			logger.CtxWarn(ctx, "queue missing on device during resume",
				"session_id", sessionID, "queue", session.QueueName)
		} else {
			metrics.DeviceFailuresTotal.WithLabelValues(models.IntentEnableQueue).Inc()
			s.flagForReconcile(ctx, sessionID, models.IntentEnableQueue, err)
			session.NeedsReconcile = true
		}
	}

	metrics.SessionOperationsTotal.WithLabelValues("resume", "ok").Inc()
	logger.CtxInfo(ctx, "session resumed",
		"session_id", sessionID, "reconcile", session.NeedsReconcile)
	return session, nil
}

// TerminateSession removes the device side first; only a confirmed device
// teardown is allowed to commit the absorbing terminated state. A missing
// credential or queue counts as already removed.
func (s *sessionService) TerminateSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := s.findSession(sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status == models.SessionStatusTerminated {
		metrics.SessionOperationsTotal.WithLabelValues("terminate", "noop").Inc()
		return session, nil
	}
	wasActive := session.Status == models.SessionStatusActive

	err = s.withDeviceRetry(ctx, "remove_credential", func(ctx context.Context) error {
		err := s.device.RemoveCredential(ctx, session.Username)
		if device.IsNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		metrics.SessionOperationsTotal.WithLabelValues("terminate", "device_error").Inc()
		metrics.DeviceFailuresTotal.WithLabelValues("remove_credential").Inc()
		return nil, apperrors.ErrTerminateFailed(err)
	}

	err = s.withDeviceRetry(ctx, "remove_queue", func(ctx context.Context) error {
		err := s.device.RemoveQueue(ctx, session.QueueName)
		if device.IsNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		metrics.SessionOperationsTotal.WithLabelValues("terminate", "device_error").Inc()
		metrics.DeviceFailuresTotal.WithLabelValues("remove_queue").Inc()
		return nil, apperrors.ErrTerminateFailed(err)
	}

	endTime := time.Now()
	if err := s.sessionRepo.MarkTerminated(sessionID, endTime); err != nil {
		if errors.Is(err, repositories.ErrStatusConflict) {
			// Lost the race to another terminate; the end state is the same.
			current, ferr := s.findSession(sessionID)
			if ferr == nil && current.Status == models.SessionStatusTerminated {
				metrics.SessionOperationsTotal.WithLabelValues("terminate", "noop").Inc()
				return current, nil
			}
			return nil, apperrors.ErrStaleTransition
		}
		if errors.Is(err, repositories.ErrSessionNotFound) {
			return nil, apperrors.ErrNotFound(err)
		}
		metrics.SessionOperationsTotal.WithLabelValues("terminate", "error").Inc()
		return nil, err
	}

	session.Status = models.SessionStatusTerminated
	session.EndTime = &endTime
	if wasActive {
		metrics.SessionsActive.Dec()
	}

	metrics.SessionOperationsTotal.WithLabelValues("terminate", "ok").Inc()
	logger.CtxInfo(ctx, "session terminated", "session_id", sessionID)
	return session, nil
}

// Usage intake

// UpdateUsage applies a usage delta exactly once per report key. Duplicate
// deliveries are acknowledged without touching the counters.
func (s *sessionService) UpdateUsage(ctx context.Context, sessionID string, deltaMB float64, reportKey string, eventType models.UsageEventType) error {
	if deltaMB < 0 {
		return apperrors.ErrInvalidOperation("usage", "Usage delta must be non-negative")
	}
	if reportKey == "" {
		return apperrors.ErrInvalidOperation("usage", "Usage report key is required")
	}

	report := &models.UsageReport{
		SessionID:  sessionID,
		ReportKey:  reportKey,
		DeltaMB:    deltaMB,
		EventType:  eventType,
		ReceivedAt: time.Now(),
	}

	if err := s.usageRepo.Apply(report); err != nil {
		if errors.Is(err, repositories.ErrDuplicateReport) {
			metrics.UsageReportsTotal.WithLabelValues("duplicate").Inc()
			logger.CtxDebug(ctx, "duplicate usage report ignored",
				"session_id", sessionID, "report_key", reportKey)
			return nil
		}
		if errors.Is(err, repositories.ErrSessionNotFound) {
			return apperrors.ErrNotFound(err)
		}
		metrics.UsageReportsTotal.WithLabelValues("error").Inc()
		return err
	}

	metrics.UsageReportsTotal.WithLabelValues("applied").Inc()
	return nil
}

// Operator queries

func (s *sessionService) GetSessionStatus(ctx context.Context, sessionID string) (*models.SessionStatusResponse, error) {
	session, err := s.sessionRepo.FindByIDWithPauses(sessionID)
	if err != nil {
		if errors.Is(err, repositories.ErrSessionNotFound) {
			return nil, apperrors.ErrNotFound(err)
		}
		return nil, err
	}

	history := make([]models.PauseInterval, 0, len(session.PauseRecords))
	for _, record := range session.PauseRecords {
		history = append(history, models.PauseInterval{
			PausedAt:    record.PausedAt,
			ResumedAt:   record.ResumedAt,
			Reason:      record.Reason,
			Description: record.Description,
		})
	}

	return &models.SessionStatusResponse{
		SessionID:        session.ID,
		SubscriptionID:   session.SubscriptionID,
		Username:         session.Username,
		QueueName:        session.QueueName,
		Status:           session.Status,
		StartTime:        session.StartTime,
		EndTime:          session.EndTime,
		DataUsedMB:       session.DataUsedMB,
		ReconcilePending: session.NeedsReconcile,
		PauseHistory:     history,
	}, nil
}

func (s *sessionService) GetConnectedDevices(ctx context.Context) ([]device.ConnectedClient, error) {
	clients, err := s.device.ListConnectedClients(ctx)
	if err != nil {
		return nil, apperrors.ErrDeviceFailure(err, "Could not read connected clients from the device")
	}
	return clients, nil
}

func (s *sessionService) GetAlerts(ctx context.Context) ([]models.OperatorAlert, error) {
	return s.alertRepo.FindUnacknowledged(100)
}

func (s *sessionService) AcknowledgeAlert(ctx context.Context, alertID string) error {
	if err := s.alertRepo.Acknowledge(alertID); err != nil {
		if errors.Is(err, repositories.ErrAlertNotFound) {
			return apperrors.ErrNotFound(err)
		}
		return err
	}
	return nil
}

// Reconciliation

// ReconcileSession re-applies the pending device intent of a flagged session.
// On success the flag is cleared; on failure the attempt count in the stored
// intent is bumped and returned so the sweep can escalate past its threshold.
func (s *sessionService) ReconcileSession(ctx context.Context, session *models.Session) (int, error) {
	intent, err := session.Intent()
	if err != nil {
		logger.CtxError(ctx, "undecodable device intent, clearing flag",
			"session_id", session.ID, "error", err)
		return 0, s.sessionRepo.ClearReconcileFlag(session.ID)
	}
	if intent == nil || session.Status == models.SessionStatusTerminated {
		// Nothing left to enforce.
		return 0, s.sessionRepo.ClearReconcileFlag(session.ID)
	}

	enabled := intent.Op == models.IntentEnableQueue
	deviceErr := s.device.SetQueueEnabled(ctx, session.QueueName, enabled)
	if deviceErr == nil {
		if err := s.sessionRepo.ClearReconcileFlag(session.ID); err != nil {
			return intent.Attempts, err
		}
		metrics.ReconcileRunsTotal.WithLabelValues("fixed").Inc()
		logger.CtxInfo(ctx, "reconciled device state",
			"session_id", session.ID, "op", intent.Op, "after_attempts", intent.Attempts)
		return 0, nil
	}

	intent.Attempts++
	intent.LastError = deviceErr.Error()
	intent.UpdatedAt = time.Now()

	encoded, err := models.EncodeIntent(*intent)
	if err != nil {
		return intent.Attempts, err
	}
	if err := s.sessionRepo.SetReconcileFlag(session.ID, encoded); err != nil {
		return intent.Attempts, err
	}

	metrics.ReconcileRunsTotal.WithLabelValues("failed").Inc()
	logger.CtxWarn(ctx, "reconcile attempt failed",
		"session_id", session.ID, "op", intent.Op, "attempts", intent.Attempts, "error", deviceErr)
	return intent.Attempts, deviceErr
}

// Helper methods

func (s *sessionService) findSession(sessionID string) (*models.Session, error) {
	session, err := s.sessionRepo.FindByID(sessionID)
	if err != nil {
		if errors.Is(err, repositories.ErrSessionNotFound) {
			return nil, apperrors.ErrNotFound(err)
		}
		return nil, err
	}
	return session, nil
}

// resolveTransitionError turns a failed conditional update into the caller's
// answer: reaching the wanted status through a concurrent writer is a no-op
// success, a terminated session is a terminal refusal, anything else is a
// conflict the caller retries after a re-read.
func (s *sessionService) resolveTransitionError(ctx context.Context, op, sessionID string, err error, wanted models.SessionStatus) (*models.Session, error) {
	if errors.Is(err, repositories.ErrSessionNotFound) {
		return nil, apperrors.ErrNotFound(err)
	}
	if !errors.Is(err, repositories.ErrStatusConflict) {
		metrics.SessionOperationsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}

	current, ferr := s.findSession(sessionID)
	if ferr != nil {
		return nil, ferr
	}
	switch current.Status {
	case wanted:
		metrics.SessionOperationsTotal.WithLabelValues(op, "noop").Inc()
		return current, nil
	case models.SessionStatusTerminated:
		return nil, apperrors.ErrSessionTerminated
	default:
		metrics.SessionOperationsTotal.WithLabelValues(op, "conflict").Inc()
		logger.CtxWarn(ctx, "lost status race", "op", op, "session_id", sessionID, "status", current.Status)
		return nil, apperrors.ErrStaleTransition
	}
}

// withDeviceRetry runs one device command under the bounded retry budget.
// Missing-target results are permanent and returned immediately; the caller
// decides whether they are benign.
func (s *sessionService) withDeviceRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(s.policy.RetryAttempts-1), retry.NewExponential(s.policy.RetryBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if device.IsNotFound(err) {
			return err
		}
		metrics.DeviceRetriesTotal.Inc()
		logger.CtxWarn(ctx, "device command failed", "op", op, "error", err)
		return retry.RetryableError(err)
	})
}

func (s *sessionService) flagForReconcile(ctx context.Context, sessionID, op string, cause error) {
	encoded, err := models.EncodeIntent(models.DeviceIntent{
		Op:        op,
		Attempts:  0,
		LastError: cause.Error(),
		UpdatedAt: time.Now(),
	})
	if err != nil {
		logger.CtxError(ctx, "failed to encode device intent", "session_id", sessionID, "error", err)
		return
	}
	if err := s.sessionRepo.SetReconcileFlag(sessionID, encoded); err != nil {
		logger.CtxError(ctx, "failed to set reconcile flag", "session_id", sessionID, "error", err)
		return
	}
	logger.CtxWarn(ctx, "device out of sync, session flagged for reconcile",
		"session_id", sessionID, "op", op, "error", cause)
}

// rollbackProvisioning is best effort: a leftover credential or queue is
// reported but does not change the outcome of the failed create.
func (s *sessionService) rollbackProvisioning(ctx context.Context, username, queueName string) {
	if err := s.device.RemoveQueue(ctx, queueName); err != nil && !device.IsNotFound(err) {
		logger.CtxWarn(ctx, "failed to roll back queue", "queue", queueName, "error", err)
	}
	if err := s.device.RemoveCredential(ctx, username); err != nil && !device.IsNotFound(err) {
		logger.CtxWarn(ctx, "failed to roll back credential", "username", username, "error", err)
	}
}

func (s *sessionService) sessionRates(subscription *models.Subscription) (int, int) {
	down := s.policy.DefaultDownloadMbps
	up := s.policy.DefaultUploadMbps
	if subscription.Package.ID != "" {
		if subscription.Package.DownloadMbps > 0 {
			down = subscription.Package.DownloadMbps
		}
		if subscription.Package.UploadMbps > 0 {
			up = subscription.Package.UploadMbps
		}
	}
	return down, up
}
