package device

import (
	"context"
	"fmt"
)

// Client is the transport adapter for one access device. Implementations are
// stateless per call: each operation acquires its own short-lived connection
// and releases it on every exit path. No internal retries; the caller owns
// the retry policy.
//
// Add* operations check existence first and no-op when the target is already
// present. Remove* and SetQueueEnabled on a missing target return ErrNotFound,
// which retrying callers treat as an acceptable terminal state.
type Client interface {
	AddCredential(ctx context.Context, name, secret, group string) error
	RemoveCredential(ctx context.Context, name string) error
	AddQueue(ctx context.Context, name, target string, downloadMbps, uploadMbps int) error
	SetQueueEnabled(ctx context.Context, name string, enabled bool) error
	RemoveQueue(ctx context.Context, name string) error
	ListConnectedClients(ctx context.Context) ([]ConnectedClient, error)
}

// ConnectedClient is one entry of the device's connected-clients snapshot,
// merged from the DHCP lease, ARP, wireless registration and hotspot tables.
type ConnectedClient struct {
	MAC       string `json:"mac"`
	IP        string `json:"ip,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	Interface string `json:"interface,omitempty"`
	Signal    string `json:"signal,omitempty"` // wireless clients only
	Source    string `json:"source"`           // dhcp, arp, wireless, hotspot
}

// QueueName derives the device-side queue name for a session. The scheme is
// deterministic so the queue can be re-located after a restart.
func QueueName(sessionID, username string) string {
	return fmt.Sprintf("session-%s-%s", sessionID, username)
}

// RateLimit renders the queue max-limit value, download first.
func RateLimit(downloadMbps, uploadMbps int) string {
	return fmt.Sprintf("%dM/%dM", downloadMbps, uploadMbps)
}
