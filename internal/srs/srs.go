// Package srs implements the Sender Rewriting Scheme (SRS0) used by the
// forwarding path: the envelope sender of a forwarded message is rewritten to
// an address under our forwarding domain so that bounces come back to us, and
// a bounced recipient can be reversed into the original sender.
package srs

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	prefix    = "SRS0"
	separator = "="
	hashLen   = 4

	// timestampBase32 is the alphabet of the 2-character SRS timestamp,
	// days since epoch modulo 1024.
	timestampBase32 = "abcdefghijklmnopqrstuvwxyz234567"
)

var (
	ErrNotSRS      = errors.New("srs: address is not SRS0 encoded")
	ErrBadHash     = errors.New("srs: invalid hash")
	ErrExpired     = errors.New("srs: timestamp expired")
	ErrMissingKey  = errors.New("srs: secret key not configured")
	errMalformed   = errors.New("srs: malformed SRS0 local part")
	timestampSlots = len(timestampBase32) * len(timestampBase32)
)

// Rewriter rewrites and reverses envelope senders. Safe for concurrent use;
// it has no mutable state.
type Rewriter struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// New builds a rewriter. maxAge bounds how old a reversed address may be;
// zero means the conventional 21 days.
func New(secret string, maxAge time.Duration) (*Rewriter, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}
	if maxAge <= 0 {
		maxAge = 21 * 24 * time.Hour
	}
	return &Rewriter{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
	}, nil
}

// Forward rewrites user@host into the SRS0 local part to be used with the
// forwarding domain: SRS0=hash=timestamp=host=user.
func (r *Rewriter) Forward(user, host string) (string, error) {
	if user == "" || host == "" {
		return "", fmt.Errorf("srs: cannot rewrite %q@%q", user, host)
	}
	ts := r.timestamp(r.now())
	hash := r.hash(ts, host, user)
	return strings.Join([]string{prefix, hash, ts, host, user}, separator), nil
}

// Reverse recovers the original user and host from an SRS0 local part,
// verifying the hash and the timestamp window.
func (r *Rewriter) Reverse(local string) (user, host string, err error) {
	// Local parts arrive lower-cased from address parsing, so the prefix
	// check must be case-insensitive.
	if !strings.HasPrefix(strings.ToUpper(local), prefix+separator) {
		return "", "", ErrNotSRS
	}
	// SRS0 = hash = timestamp = host = user; user may itself contain "=".
	parts := strings.SplitN(local, separator, 5)
	if len(parts) != 5 {
		return "", "", errMalformed
	}
	hash, ts := parts[1], parts[2]
	host, user = parts[3], parts[4]
	if hash == "" || ts == "" || host == "" || user == "" {
		return "", "", errMalformed
	}

	want := r.hash(ts, host, user)
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(hash)), []byte(strings.ToLower(want))) != 1 {
		return "", "", ErrBadHash
	}
	if !r.timestampValid(ts) {
		return "", "", ErrExpired
	}
	return user, host, nil
}

func (r *Rewriter) hash(ts, host, user string) string {
	mac := hmac.New(sha1.New, r.secret)
	mac.Write([]byte(strings.ToLower(ts + host + user)))
	sum := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return sum[:hashLen]
}

func (r *Rewriter) timestamp(t time.Time) string {
	days := int(t.Unix()/86400) % timestampSlots
	return string([]byte{
		timestampBase32[days/len(timestampBase32)],
		timestampBase32[days%len(timestampBase32)],
	})
}

func (r *Rewriter) timestampValid(ts string) bool {
	if len(ts) != 2 {
		return false
	}
	hi := strings.IndexByte(timestampBase32, ts[0])
	lo := strings.IndexByte(timestampBase32, ts[1])
	if hi < 0 || lo < 0 {
		return false
	}
	encoded := hi*len(timestampBase32) + lo
	today := int(r.now().Unix()/86400) % timestampSlots
	// Walk backwards from today through the modular window.
	age := today - encoded
	if age < 0 {
		age += timestampSlots
	}
	return age <= int(r.maxAge/(24*time.Hour))
}
