package device

import (
	"context"
	"time"

	"github.com/go-routeros/routeros/v3"

	"ovinet_backend/internal/logger"
)

// Config holds the connection parameters of one access device.
type Config struct {
	Address  string // host:8728
	Username string
	Password string
	Timeout  time.Duration
}

// RouterOSClient implements Client over the RouterOS API protocol.
type RouterOSClient struct {
	cfg Config
}

func NewRouterOSClient(cfg Config) *RouterOSClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &RouterOSClient{cfg: cfg}
}

// dial opens and authenticates one connection. Callers must Close it on
// every exit path.
func (c *RouterOSClient) dial(op string) (*routeros.Client, error) {
	client, err := routeros.DialTimeout(c.cfg.Address, c.cfg.Username, c.cfg.Password, c.cfg.Timeout)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	return client, nil
}

// run executes one command sentence under the operation deadline. A hung
// device never occupies the caller past the timeout: on expiry the
// connection is closed by the deferred Close and the result discarded.
func (c *RouterOSClient) run(ctx context.Context, client *routeros.Client, op string, sentence ...string) (*routeros.Reply, error) {
	type outcome struct {
		reply *routeros.Reply
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		reply, err := client.Run(sentence...)
		done <- outcome{reply: reply, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, &Error{Op: op, Err: ctx.Err()}
	case out := <-done:
		if out.err != nil {
			return nil, &Error{Op: op, Err: out.err}
		}
		return out.reply, nil
	}
}

// findID resolves the internal .id of a named object, "" when absent.
func (c *RouterOSClient) findID(ctx context.Context, client *routeros.Client, op, path, name string) (string, error) {
	reply, err := c.run(ctx, client, op, path+"/print", "?name="+name)
	if err != nil {
		return "", err
	}
	if len(reply.Re) == 0 {
		return "", nil
	}
	return reply.Re[0].Map[".id"], nil
}

func (c *RouterOSClient) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// AddCredential creates the device user unless it already exists.
func (c *RouterOSClient) AddCredential(ctx context.Context, name, secret, group string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	client, err := c.dial("add_credential")
	if err != nil {
		return err
	}
	defer client.Close()

	id, err := c.findID(ctx, client, "add_credential", "/user", name)
	if err != nil {
		return err
	}
	if id != "" {
		logger.Debug("credential already present on device", "name", name)
		return nil
	}

	_, err = c.run(ctx, client, "add_credential",
		"/user/add",
		"=name="+name,
		"=password="+secret,
		"=group="+group,
	)
	return err
}

// RemoveCredential deletes the device user; ErrNotFound when absent.
func (c *RouterOSClient) RemoveCredential(ctx context.Context, name string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	client, err := c.dial("remove_credential")
	if err != nil {
		return err
	}
	defer client.Close()

	id, err := c.findID(ctx, client, "remove_credential", "/user", name)
	if err != nil {
		return err
	}
	if id == "" {
		return ErrNotFound
	}

	_, err = c.run(ctx, client, "remove_credential", "/user/remove", "=.id="+id)
	return err
}

// AddQueue creates the per-session bandwidth queue unless it already exists.
func (c *RouterOSClient) AddQueue(ctx context.Context, name, target string, downloadMbps, uploadMbps int) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	client, err := c.dial("add_queue")
	if err != nil {
		return err
	}
	defer client.Close()

	id, err := c.findID(ctx, client, "add_queue", "/queue/simple", name)
	if err != nil {
		return err
	}
	if id != "" {
		logger.Debug("queue already present on device", "name", name)
		return nil
	}

	_, err = c.run(ctx, client, "add_queue",
		"/queue/simple/add",
		"=name="+name,
		"=target="+target,
		"=max-limit="+RateLimit(downloadMbps, uploadMbps),
	)
	return err
}

// SetQueueEnabled toggles the queue; ErrNotFound when absent.
func (c *RouterOSClient) SetQueueEnabled(ctx context.Context, name string, enabled bool) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	client, err := c.dial("set_queue_enabled")
	if err != nil {
		return err
	}
	defer client.Close()

	id, err := c.findID(ctx, client, "set_queue_enabled", "/queue/simple", name)
	if err != nil {
		return err
	}
	if id == "" {
		return ErrNotFound
	}

	disabled := "yes"
	if enabled {
		disabled = "no"
	}

	_, err = c.run(ctx, client, "set_queue_enabled",
		"/queue/simple/set",
		"=.id="+id,
		"=disabled="+disabled,
	)
	return err
}

// RemoveQueue deletes the queue; ErrNotFound when absent.
func (c *RouterOSClient) RemoveQueue(ctx context.Context, name string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	client, err := c.dial("remove_queue")
	if err != nil {
		return err
	}
	defer client.Close()

	id, err := c.findID(ctx, client, "remove_queue", "/queue/simple", name)
	if err != nil {
		return err
	}
	if id == "" {
		return ErrNotFound
	}

	_, err = c.run(ctx, client, "remove_queue", "/queue/simple/remove", "=.id="+id)
	return err
}

// ListConnectedClients returns a fresh snapshot merged by MAC from the DHCP
// lease, ARP, wireless registration and hotspot tables. One connection, four
// reads, closed before returning.
func (c *RouterOSClient) ListConnectedClients(ctx context.Context) ([]ConnectedClient, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	client, err := c.dial("list_clients")
	if err != nil {
		return nil, err
	}
	defer client.Close()

	byMAC := make(map[string]*ConnectedClient)
	var order []string

	record := func(mac, source string) *ConnectedClient {
		if mac == "" {
			return nil
		}
		if entry, ok := byMAC[mac]; ok {
			return entry
		}
		entry := &ConnectedClient{MAC: mac, Source: source}
		byMAC[mac] = entry
		order = append(order, mac)
		return entry
	}

	leases, err := c.run(ctx, client, "list_clients", "/ip/dhcp-server/lease/print")
	if err != nil {
		return nil, err
	}
	for _, re := range leases.Re {
		entry := record(re.Map["mac-address"], "dhcp")
		if entry == nil {
			continue
		}
		entry.IP = re.Map["address"]
		entry.Hostname = re.Map["host-name"]
	}

	arp, err := c.run(ctx, client, "list_clients", "/ip/arp/print")
	if err != nil {
		return nil, err
	}
	for _, re := range arp.Re {
		entry := record(re.Map["mac-address"], "arp")
		if entry == nil {
			continue
		}
		if entry.IP == "" {
			entry.IP = re.Map["address"]
		}
		if entry.Interface == "" {
			entry.Interface = re.Map["interface"]
		}
	}

	wireless, err := c.run(ctx, client, "list_clients", "/interface/wireless/registration-table/print")
	if err != nil {
		return nil, err
	}
	for _, re := range wireless.Re {
		entry := record(re.Map["mac-address"], "wireless")
		if entry == nil {
			continue
		}
		entry.Signal = re.Map["signal-strength"]
		if entry.Interface == "" {
			entry.Interface = re.Map["interface"]
		}
	}

	hotspot, err := c.run(ctx, client, "list_clients", "/ip/hotspot/active/print")
	if err != nil {
		return nil, err
	}
	for _, re := range hotspot.Re {
		entry := record(re.Map["mac-address"], "hotspot")
		if entry == nil {
			continue
		}
		if entry.IP == "" {
			entry.IP = re.Map["address"]
		}
		if entry.Hostname == "" {
			entry.Hostname = re.Map["user"]
		}
	}

	clients := make([]ConnectedClient, 0, len(order))
	for _, mac := range order {
		clients = append(clients, *byMAC[mac])
	}
	return clients, nil
}
