package services

import (
	"ovinet_backend/internal/email"
)

// ServiceContainer holds every service of the application.
type ServiceContainer struct {
	SessionService      SessionService
	SubscriptionService SubscriptionService
	EmailService        email.Provider
}
