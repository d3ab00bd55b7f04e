package app

import "ovinet_backend/internal/email"

// MockEmailProvider is used when no SMTP host is configured, so local
// development does not need a mail server.
type MockEmailProvider struct{}

func (m *MockEmailProvider) Send(email *email.Email) error { return nil }
func (m *MockEmailProvider) Validate() error               { return nil }
func (m *MockEmailProvider) Close() error                  { return nil }
