package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/arbormail/mailflow/internal/message"
)

// Decision is the routing authority's verdict for a recipient. The fields
// are independent booleans, not mutually exclusive: post and forward may both
// be true, in which case the resulting jobs are enqueued independently with
// no ordering guarantee between them.
type Decision struct {
	Post    bool `json:"post"`
	Forward bool `json:"forward"`
	Bounce  bool `json:"bounce"`
}

// AuthorityClient consults the external routing authority of an environment.
// Calls are wrapped in a per-host circuit breaker so one misbehaving
// authority endpoint does not soak every worker in timeouts.
type AuthorityClient struct {
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewAuthorityClient builds a client with the given call timeout; zero means
// 20 seconds.
func NewAuthorityClient(timeout time.Duration, logger *slog.Logger) *AuthorityClient {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &AuthorityClient{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "routing-authority"),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// FetchDecision POSTs the transport to the environment's routing endpoint (or
// the per-message direct override) and decodes the decision. Any transport
// error, breaker rejection or non-2xx status is returned so the caller's
// retry policy governs it.
func (c *AuthorityClient) FetchDecision(ctx context.Context, env *Environment, tr message.Transport, directURL string) (Decision, error) {
	endpoint := JoinURL(env.BaseURL, env.RoutingURI)
	if directURL != "" {
		endpoint = directURL
	}

	body, err := json.Marshal(tr)
	if err != nil {
		return Decision{}, fmt.Errorf("marshaling transport: %w", err)
	}

	result, err := c.breakerFor(endpoint).Execute(func() (interface{}, error) {
		return c.post(ctx, endpoint, env, body)
	})
	if err != nil {
		return Decision{}, fmt.Errorf("routing authority %s: %w", endpoint, err)
	}

	decision := result.(Decision)
	c.logger.Info("routing decision received",
		"url", endpoint,
		"post", decision.Post,
		"forward", decision.Forward,
		"bounce", decision.Bounce,
	)
	return decision, nil
}

func (c *AuthorityClient) post(ctx context.Context, endpoint string, env *Environment, body []byte) (Decision, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Decision{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range env.RoutingHeaders {
		req.Header.Set(k, v)
	}
	if env.RoutingAuth != nil {
		req.SetBasicAuth(env.RoutingAuth.Username, env.RoutingAuth.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Decision{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused, then fail the attempt.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Decision{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var decision Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return Decision{}, fmt.Errorf("decoding decision: %w", err)
	}
	return decision, nil
}

func (c *AuthorityClient) breakerFor(endpoint string) *gobreaker.CircuitBreaker {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[host]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "routing-authority-" + host,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	c.breakers[host] = cb
	return cb
}
