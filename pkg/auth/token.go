// Package auth resolves the controller's three request principals (admin,
// build-token, worker-session) and generates the random tokens backing the
// latter two.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

// tokenBytes is the amount of entropy behind every generated access token.
const tokenBytes = 32

// GenerateToken returns a URL-safe random token suitable for a build's
// access_token or a worker's access_token.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// rotationMargin is how much TTL must remain before NeedsRotation reports
// false. A worker polling every poll_interval should rotate its token well
// before it expires mid-flight.
const rotationMargin = 30 * time.Second

// NeedsRotation reports whether a worker's access token, expiring at
// expiresAt, should be rotated now. Per the worker-session TTL policy,
// rotation happens only when the remaining TTL has dropped below 30s —
// rotating on every poll would invalidate tokens in-flight to other
// concurrent requests from the same worker.
func NeedsRotation(expiresAt time.Time, now time.Time) bool {
	return expiresAt.Sub(now) < rotationMargin
}

// NewExpiry computes the access_token_expires_at for a freshly issued or
// rotated worker token, given the configured worker_token_ttl.
func NewExpiry(ttl time.Duration, now time.Time) time.Time {
	return now.Add(ttl)
}
