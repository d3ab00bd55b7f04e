package email

// SMTPConfig holds the SMTP server settings.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
	UseTLS    bool
}

// DefaultConfig returns the defaults used when the config file leaves the
// email section empty.
func DefaultConfig() *SMTPConfig {
	return &SMTPConfig{
		Host:   "localhost",
		Port:   587,
		UseTLS: true,
	}
}
