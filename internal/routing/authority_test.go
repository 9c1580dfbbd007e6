package routing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbormail/mailflow/internal/message"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTransport() message.Transport {
	target := message.MustAddress("rcpt@custom.example")
	return message.Transport{
		MailFrom: message.MustAddress("sender@origin.example"),
		Target:   &target,
	}
}

func TestFetchDecision(t *testing.T) {
	var gotPath string
	var gotAuthHeader string
	var gotBody message.Transport

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuthHeader = r.Header.Get("x-routing-key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(Decision{Post: true, Forward: true})
	}))
	defer srv.Close()

	env := &Environment{
		BaseURL:        srv.URL,
		RoutingURI:     "/in/routing",
		RoutingHeaders: map[string]string{"x-routing-key": "k1"},
	}

	c := NewAuthorityClient(5*time.Second, discardLogger())
	decision, err := c.FetchDecision(context.Background(), env, testTransport(), "")
	require.NoError(t, err)

	assert.Equal(t, "/in/routing", gotPath)
	assert.Equal(t, "k1", gotAuthHeader)
	assert.Equal(t, "rcpt@custom.example", gotBody.Target.Original)
	assert.True(t, decision.Post)
	assert.True(t, decision.Forward)
	assert.False(t, decision.Bounce)
}

func TestFetchDecisionDirectURLOverride(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, "/direct", r.URL.Path)
		json.NewEncoder(w).Encode(Decision{Bounce: true})
	}))
	defer srv.Close()

	env := &Environment{BaseURL: "https://never-called.example", RoutingURI: "/in/routing"}

	c := NewAuthorityClient(5*time.Second, discardLogger())
	decision, err := c.FetchDecision(context.Background(), env, testTransport(), srv.URL+"/direct")
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
	assert.True(t, decision.Bounce)
}

func TestFetchDecisionNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	env := &Environment{BaseURL: srv.URL, RoutingURI: "/in/routing"}

	c := NewAuthorityClient(5*time.Second, discardLogger())
	_, err := c.FetchDecision(context.Background(), env, testTransport(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestFetchDecisionBreakerOpensAfterFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	env := &Environment{BaseURL: srv.URL, RoutingURI: "/in/routing"}
	c := NewAuthorityClient(5*time.Second, discardLogger())

	for i := 0; i < 6; i++ {
		_, err := c.FetchDecision(context.Background(), env, testTransport(), "")
		require.Error(t, err)
	}

	// The breaker is now open: calls fail fast without reaching the server.
	_, err := c.FetchDecision(context.Background(), env, testTransport(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker is open")
}
