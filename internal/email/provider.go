package email

// Provider sends operator mail.
type Provider interface {
	// Send delivers one message.
	Send(email *Email) error

	// Validate checks the provider configuration.
	Validate() error

	// Close releases provider resources.
	Close() error
}
