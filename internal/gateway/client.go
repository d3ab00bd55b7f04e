package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"ovinet_backend/internal/logger"

	"golang.org/x/sync/singleflight"
)

var (
	ErrUnavailable = errors.New("billing gateway unavailable")
)

// Verifier checks entitlement callbacks against the billing gateway before
// the coordinator acts on them.
type Verifier interface {
	VerifyEntitlement(ctx context.Context, reference string) (bool, error)
}

type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	TokenTTL       time.Duration
	Timeout        time.Duration
}

// Client talks to the billing gateway with a process-wide cached bearer
// token. The gateway expires tokens on its side, so the cache keeps its own
// deadline and refreshes through a single shared flight: concurrent callers
// that find the token stale all wait on one refresh instead of stampeding
// the token endpoint.
type Client struct {
	cfg  Config
	http *http.Client

	group  singleflight.Group
	mu     sync.Mutex
	token  string
	expiry time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 50 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Token returns a valid bearer token, fetching a fresh one when the cached
// token is missing or past its deadline. A failed fetch is retried once
// before the error is surfaced to every waiting caller.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.expiry) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	value, err, _ := c.group.Do("token", func() (interface{}, error) {
		// Another flight may have refreshed while we queued.
		c.mu.Lock()
		if c.token != "" && time.Now().Before(c.expiry) {
			token := c.token
			c.mu.Unlock()
			return token, nil
		}
		c.mu.Unlock()

		token, err := c.fetchToken(ctx)
		if err != nil {
			logger.Warn("gateway token fetch failed, retrying once", "error", err)
			token, err = c.fetchToken(ctx)
			if err != nil {
				return nil, err
			}
		}

		c.mu.Lock()
		c.token = token
		c.expiry = time.Now().Add(c.cfg.TokenTTL)
		c.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	url := c.cfg.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrUnavailable, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", errors.New("token endpoint returned empty access_token")
	}
	return body.AccessToken, nil
}

// VerifyEntitlement asks the gateway for the settlement status of the given
// reference. Only a result code of "0" counts as confirmed; any other code
// means the caller must reject the callback.
func (c *Client) VerifyEntitlement(ctx context.Context, reference string) (bool, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return false, err
	}

	payload, err := json.Marshal(map[string]string{"reference": reference})
	if err != nil {
		return false, err
	}

	url := c.cfg.BaseURL + "/billing/v1/transactions/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: status endpoint returned %d", ErrUnavailable, resp.StatusCode)
	}

	var body struct {
		ResultCode string `json:"resultCode"`
		ResultDesc string `json:"resultDesc"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decode status response: %w", err)
	}

	if body.ResultCode != "0" {
		logger.Info("entitlement not confirmed by gateway",
			"reference", reference, "result_code", body.ResultCode, "result_desc", body.ResultDesc)
		return false, nil
	}
	return true, nil
}
