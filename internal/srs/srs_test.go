package srs

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRewriter(t *testing.T) *Rewriter {
	t.Helper()
	r, err := New("test-secret", 0)
	require.NoError(t, err)
	return r
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New("", 0)
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestForwardReverseRoundTrip(t *testing.T) {
	r := newTestRewriter(t)

	local, err := r.Forward("alice", "origin.example")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(local, "SRS0="))

	user, host, err := r.Reverse(local)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "origin.example", host)
}

func TestReverseUserWithSeparator(t *testing.T) {
	r := newTestRewriter(t)

	local, err := r.Forward("first=last", "origin.example")
	require.NoError(t, err)

	user, host, err := r.Reverse(local)
	require.NoError(t, err)
	assert.Equal(t, "first=last", user)
	assert.Equal(t, "origin.example", host)
}

func TestReverseRejectsTamperedHash(t *testing.T) {
	r := newTestRewriter(t)

	local, err := r.Forward("alice", "origin.example")
	require.NoError(t, err)

	tampered := strings.Replace(local, "origin.example", "evil.example", 1)
	_, _, err = r.Reverse(tampered)
	assert.ErrorIs(t, err, ErrBadHash)
}

func TestReverseRejectsForeignSecret(t *testing.T) {
	r := newTestRewriter(t)
	other, err := New("other-secret", 0)
	require.NoError(t, err)

	local, err := other.Forward("alice", "origin.example")
	require.NoError(t, err)

	_, _, err = r.Reverse(local)
	assert.ErrorIs(t, err, ErrBadHash)
}

func TestReverseNonSRS(t *testing.T) {
	r := newTestRewriter(t)
	_, _, err := r.Reverse("plain-user")
	assert.ErrorIs(t, err, ErrNotSRS)

	_, _, err = r.Reverse("SRS0=only=three")
	assert.Error(t, err)
}

func TestReverseExpired(t *testing.T) {
	r := newTestRewriter(t)

	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	local, err := r.Forward("alice", "origin.example")
	require.NoError(t, err)

	// Still valid just inside the window.
	r.now = func() time.Time { return base.Add(20 * 24 * time.Hour) }
	_, _, err = r.Reverse(local)
	assert.NoError(t, err)

	r.now = func() time.Time { return base.Add(40 * 24 * time.Hour) }
	_, _, err = r.Reverse(local)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestForwardRequiresUserAndHost(t *testing.T) {
	r := newTestRewriter(t)
	_, err := r.Forward("", "host.example")
	assert.Error(t, err)
	_, err = r.Forward("user", "")
	assert.Error(t, err)
}
