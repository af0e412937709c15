// Package auth guards the HTTP surface: bearer tokens for the host platform
// and admins, the trusted identity headers, and the per-account rate limit.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/sethvargo/go-password/password"

	"github.com/Will-Luck/CTF-Warden/internal/logging"
)

// TokenPrefix marks warden-issued bearer tokens.
const TokenPrefix = "wdn_"

const tokenLength = 40

// GenerateToken mints a wdn_ bearer token.
func GenerateToken() (string, error) {
	body, err := password.Generate(tokenLength, 10, 0, false, false)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return TokenPrefix + body, nil
}

// EnsureToken returns the configured token, or generates one and logs it so
// the operator can pair the caller. The plaintext is logged exactly once;
// set the env var to keep it across restarts.
func EnsureToken(configured, name string, log *logging.Logger) (string, error) {
	if configured != "" {
		return configured, nil
	}
	tok, err := GenerateToken()
	if err != nil {
		return "", fmt.Errorf("%s token: %w", name, err)
	}
	log.Warn("generated bearer token, set the env var to persist it",
		"name", name, "token", tok)
	return tok, nil
}

// ExtractBearerToken pulls the token out of an Authorization header, or ""
// when the header is absent or not a bearer scheme.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// tokenEqual compares tokens in constant time. Hashing first makes the
// comparison length-independent.
func tokenEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
