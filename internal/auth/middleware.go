package auth

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Will-Luck/CTF-Warden/internal/platform"
)

// ErrNotAuthenticated is returned when the identity headers are missing or
// malformed. The web layer maps it to 401.
var ErrNotAuthenticated = errors.New("not authenticated")

// Identity headers set by the host platform. The platform is the trusted
// caller; the warden never verifies users itself.
const (
	HeaderAccountID = "X-Warden-Account-Id"
	HeaderUserID    = "X-Warden-User-Id"
	HeaderTeamMode  = "X-Warden-Team-Mode"
)

// Bearer returns middleware requiring the given bearer token on every
// request it wraps.
func Bearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := ExtractBearerToken(r.Header.Get("Authorization"))
			if got == "" || !tokenEqual(token, got) {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFromRequest parses the identity headers. Account and user ids must
// be positive integers and the team mode must be "users" or "teams";
// anything else is ErrNotAuthenticated.
func IdentityFromRequest(r *http.Request) (platform.Identity, error) {
	account, err := strconv.ParseUint(r.Header.Get(HeaderAccountID), 10, 32)
	if err != nil || account == 0 {
		return platform.Identity{}, ErrNotAuthenticated
	}
	user, err := strconv.ParseUint(r.Header.Get(HeaderUserID), 10, 32)
	if err != nil || user == 0 {
		return platform.Identity{}, ErrNotAuthenticated
	}

	var team bool
	switch r.Header.Get(HeaderTeamMode) {
	case "users":
		team = false
	case "teams":
		team = true
	default:
		return platform.Identity{}, ErrNotAuthenticated
	}

	return platform.Identity{
		AccountID: uint(account),
		UserID:    uint(user),
		TeamMode:  team,
	}, nil
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"NotAuthenticated"}` + "\n"))
}
