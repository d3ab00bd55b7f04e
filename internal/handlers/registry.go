package handlers

// AppHandlers holds every handler of the application.
type AppHandlers struct {
	SessionHandler *SessionHandler
	WebhookHandler *WebhookHandler
}
