package services

import (
	"context"
	"errors"
	"time"

	"ovinet_backend/internal/gateway"
	"ovinet_backend/internal/logger"
	"ovinet_backend/internal/models"
	"ovinet_backend/internal/repositories"
	"ovinet_backend/pkg/apperrors"
)

type SubscriptionService interface {
	// ConfirmEntitlement handles the gateway's confirmation callback: verify
	// the settlement, create or refresh the subscription, start a session
	// unless one is already open.
	ConfirmEntitlement(ctx context.Context, req *models.EntitlementWebhookRequest) (*models.Session, error)

	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
}

type subscriptionService struct {
	subscriptionRepo repositories.SubscriptionRepository
	packageRepo      repositories.PackageRepository
	sessionRepo      repositories.SessionRepository
	sessionService   SessionService
	verifier         gateway.Verifier
}

func NewSubscriptionService(
	subscriptionRepo repositories.SubscriptionRepository,
	packageRepo repositories.PackageRepository,
	sessionRepo repositories.SessionRepository,
	sessionService SessionService,
	verifier gateway.Verifier,
) SubscriptionService {
	return &subscriptionService{
		subscriptionRepo: subscriptionRepo,
		packageRepo:      packageRepo,
		sessionRepo:      sessionRepo,
		sessionService:   sessionService,
		verifier:         verifier,
	}
}

func (s *subscriptionService) ConfirmEntitlement(ctx context.Context, req *models.EntitlementWebhookRequest) (*models.Session, error) {
	confirmed, err := s.verifier.VerifyEntitlement(ctx, req.SubscriptionID)
	if err != nil {
		logger.CtxWithError(ctx, "entitlement verification failed", err,
			"subscription_id", req.SubscriptionID)
		return nil, apperrors.ErrGatewayUnavailable
	}
	if !confirmed {
		return nil, apperrors.ErrEntitlementNotConfirmed
	}

	pkg, err := s.packageRepo.FindByID(req.PackageID)
	if err != nil {
		if errors.Is(err, repositories.ErrPackageNotFound) {
			return nil, apperrors.ErrNotFound(err)
		}
		return nil, err
	}

	subscription, err := s.subscriptionRepo.FindByID(req.SubscriptionID)
	switch {
	case err == nil:
		// Known subscription: the callback extends or re-activates it.
		subscription.PackageID = pkg.ID
		subscription.ExpiresAt = req.ExpiresAt
		subscription.Status = models.SubscriptionStatusActive
		if err := s.subscriptionRepo.Update(subscription); err != nil {
			return nil, err
		}
	case errors.Is(err, repositories.ErrSubscriptionNotFound):
		if req.Username == "" {
			return nil, apperrors.ErrInvalidOperation("subscription",
				"Username is required when the subscription does not exist yet")
		}
		subscription = &models.Subscription{
			BaseModelWithDeleted: models.BaseModelWithDeleted{
				BaseModel: models.BaseModel{ID: req.SubscriptionID},
			},
			UserID:             req.Username,
			PackageID:          pkg.ID,
			Status:             models.SubscriptionStatusActive,
			PurchasedAt:        time.Now(),
			ExpiresAt:          req.ExpiresAt,
			AllowedConnections: pkg.AllowedConnections,
		}
		if err := s.subscriptionRepo.Create(subscription); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	username := req.Username
	if username == "" {
		username = subscription.UserID
	}

	// One enforcement session per confirmation; an open session means the
	// callback was redelivered or the subscriber is already online.
	open, err := s.sessionRepo.FindOpenBySubscription(subscription.ID)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		logger.CtxInfo(ctx, "entitlement confirmed, session already open",
			"subscription_id", subscription.ID, "session_id", open[0].ID)
		return &open[0], nil
	}

	session, err := s.sessionService.CreateSession(ctx, &models.CreateSessionRequest{
		SubscriptionID: subscription.ID,
		Username:       username,
	})
	if err != nil {
		return nil, err
	}

	logger.CtxInfo(ctx, "entitlement confirmed, session started",
		"subscription_id", subscription.ID, "session_id", session.ID, "expires_at", req.ExpiresAt)
	return session, nil
}

func (s *subscriptionService) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	subscription, err := s.subscriptionRepo.FindByID(id)
	if err != nil {
		if errors.Is(err, repositories.ErrSubscriptionNotFound) {
			return nil, apperrors.ErrNotFound(err)
		}
		return nil, err
	}
	return subscription, nil
}
