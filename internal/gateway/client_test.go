package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTokenServer(t *testing.T, hits *int32, failFirst int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			n := atomic.AddInt32(hits, 1)

			user, pass, ok := r.BasicAuth()
			require.True(t, ok, "token endpoint expects basic auth")
			assert.Equal(t, "key", user)
			assert.Equal(t, "secret", pass)
			assert.Equal(t, "client_credentials", r.URL.Query().Get("grant_type"))

			if n <= failFirst {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1"})
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestClient(baseURL string) *Client {
	return NewClient(Config{
		BaseURL:        baseURL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		TokenTTL:       time.Minute,
	})
}

func TestToken_FetchesAndCaches(t *testing.T) {
	var hits int32
	srv := newTokenServer(t, &hits, 0)
	defer srv.Close()

	client := newTestClient(srv.URL)

	token, err := client.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	// Second call within the TTL must reuse the cache
	token, err = client.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestToken_RefreshesAfterExpiry(t *testing.T) {
	var hits int32
	srv := newTokenServer(t, &hits, 0)
	defer srv.Close()

	client := newTestClient(srv.URL)

	_, err := client.Token(context.Background())
	require.NoError(t, err)

	// Force the deadline into the past
	client.mu.Lock()
	client.expiry = time.Now().Add(-time.Second)
	client.mu.Unlock()

	_, err = client.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestToken_RetriesOnceOnFailure(t *testing.T) {
	var hits int32
	srv := newTokenServer(t, &hits, 1) // first fetch fails, retry succeeds
	defer srv.Close()

	client := newTestClient(srv.URL)

	token, err := client.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestToken_SurfacesUnavailable(t *testing.T) {
	var hits int32
	srv := newTokenServer(t, &hits, 99) // every fetch fails
	defer srv.Close()

	client := newTestClient(srv.URL)

	_, err := client.Token(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	// one fetch plus the single retry
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestToken_ConcurrentCallersShareOneFlight(t *testing.T) {
	var hits int32
	srv := newTokenServer(t, &hits, 0)
	defer srv.Close()

	client := newTestClient(srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := client.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok-1", token)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestVerifyEntitlement(t *testing.T) {
	tests := []struct {
		name       string
		resultCode string
		want       bool
	}{
		{"confirmed", "0", true},
		{"pending", "1032", false},
		{"failed", "1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/oauth/v1/generate":
					json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1"})
				case "/billing/v1/transactions/status":
					assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

					var body map[string]string
					require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
					assert.Equal(t, "ref-42", body["reference"])

					json.NewEncoder(w).Encode(map[string]string{
						"resultCode": tt.resultCode,
						"resultDesc": "whatever the gateway says",
					})
				default:
					http.NotFound(w, r)
				}
			}))
			defer srv.Close()

			client := newTestClient(srv.URL)
			confirmed, err := client.VerifyEntitlement(context.Background(), "ref-42")
			require.NoError(t, err)
			assert.Equal(t, tt.want, confirmed)
		})
	}
}

func TestVerifyEntitlement_GatewayDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1"})
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.VerifyEntitlement(context.Background(), "ref-42")
	assert.ErrorIs(t, err, ErrUnavailable)
}
