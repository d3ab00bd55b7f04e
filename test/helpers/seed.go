package helpers

import (
	"testing"
	"time"

	"ovinet_backend/internal/auth"
	"ovinet_backend/internal/models"

	"gorm.io/gorm"
)

// CreatePackage seeds one data package.
func CreatePackage(t *testing.T, db *gorm.DB, name string, downMbps, upMbps int) *models.DataPackage {
	pkg := &models.DataPackage{
		Name:               name,
		DataLimitMB:        10240,
		DurationDays:       30,
		Price:              19.90,
		DownloadMbps:       downMbps,
		UploadMbps:         upMbps,
		AllowedConnections: 1,
		IsActive:           true,
	}
	if err := db.Create(pkg).Error; err != nil {
		t.Fatalf("failed to seed data package: %v", err)
	}
	return pkg
}

// CreateSubscription seeds one subscription for the given package. A zero
// expiry means thirty days from now.
func CreateSubscription(t *testing.T, db *gorm.DB, pkg *models.DataPackage, username string, status models.SubscriptionStatus, expiresAt time.Time) *models.Subscription {
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(30 * 24 * time.Hour)
	}
	sub := &models.Subscription{
		UserID:             username,
		PackageID:          pkg.ID,
		Status:             status,
		PurchasedAt:        time.Now(),
		ExpiresAt:          expiresAt,
		AllowedConnections: pkg.AllowedConnections,
	}
	if err := db.Create(sub).Error; err != nil {
		t.Fatalf("failed to seed subscription: %v", err)
	}
	return sub
}

// CreateSession seeds a session row directly, bypassing device provisioning.
func CreateSession(t *testing.T, db *gorm.DB, sub *models.Subscription, username string, status models.SessionStatus) *models.Session {
	session := &models.Session{
		SubscriptionID: &sub.ID,
		Username:       username,
		QueueName:      "session-seed-" + username,
		Status:         status,
		StartTime:      time.Now(),
	}
	if err := db.Create(session).Error; err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
	return session
}

// OperatorToken signs a service token against the test JWT secret.
func OperatorToken(t *testing.T, ts *TestServer, operatorID, scope string) string {
	token, err := auth.SignServiceToken([]byte(ts.Config.JWT.Secret), operatorID, scope, time.Hour)
	if err != nil {
		t.Fatalf("failed to sign service token: %v", err)
	}
	return token
}
