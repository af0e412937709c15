package web

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/Will-Luck/CTF-Warden/internal/anticheat"
	"github.com/Will-Luck/CTF-Warden/internal/auth"
	"github.com/Will-Luck/CTF-Warden/internal/engine"
	"github.com/Will-Luck/CTF-Warden/internal/platform"
)

// identity parses the platform identity headers, answering 401 itself when
// they are missing or malformed.
func (s *Server) identity(w http.ResponseWriter, r *http.Request) (platform.Identity, bool) {
	ident, err := auth.IdentityFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "NotAuthenticated")
		return platform.Identity{}, false
	}
	return ident, true
}

// throttle applies the per-account budget to the lifecycle endpoints.
// Submissions are exempt: the host platform gates those itself.
func (s *Server) throttle(w http.ResponseWriter, ident platform.Identity) bool {
	if s.deps.Limiter != nil && !s.deps.Limiter.Allow(ident.AccountID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

type challengeRequest struct {
	ChallengeID uint `json:"challenge_id"`
}

func decodeChallengeID(r *http.Request) (uint, error) {
	var body challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return 0, err
	}
	if body.ChallengeID == 0 {
		return 0, errors.New("challenge_id is required")
	}
	return body.ChallengeID, nil
}

func (s *Server) apiRequest(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	if !s.throttle(w, ident) {
		return
	}
	challengeID, err := decodeChallengeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	v, err := s.deps.Engine.Request(r.Context(), ident, challengeID)
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) apiInfo(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	challengeID, err := strconv.ParseUint(r.PathValue("challenge_id"), 10, 32)
	if err != nil || challengeID == 0 {
		writeError(w, http.StatusBadRequest, "invalid challenge id")
		return
	}

	v, err := s.deps.Engine.Info(r.Context(), ident, uint(challengeID))
	if errors.Is(err, engine.ErrNoRunningInstance) {
		// Not an error for the poller: the platform asks before the player
		// has requested anything.
		writeJSON(w, http.StatusOK, map[string]string{"status": "not_found"})
		return
	}
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) apiRenew(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	if !s.throttle(w, ident) {
		return
	}
	challengeID, err := decodeChallengeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	v, err := s.deps.Engine.Renew(r.Context(), ident, challengeID)
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"expires_at":    v.ExpiresAt,
		"renewal_count": v.RenewalCount,
	})
}

func (s *Server) apiStopOwn(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	if !s.throttle(w, ident) {
		return
	}
	challengeID, err := decodeChallengeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.deps.Engine.StopOwn(r.Context(), ident, challengeID); err != nil {
		s.apiError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) apiSubmit(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.identity(w, r)
	if !ok {
		return
	}
	var body struct {
		ChallengeID uint   `json:"challenge_id"`
		Submission  string `json:"submission"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ChallengeID == 0 {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.deps.Checker.Submit(r.Context(), ident, body.ChallengeID, body.Submission, anticheat.Origin{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	// The verdict is uniform on purpose: a detected cheat looks exactly like
	// an incorrect flag to the submitter.
	writeJSON(w, http.StatusOK, map[string]any{
		"correct": res.Correct,
		"message": res.Message,
	})
}

// clientIP is the submitter's address for audit rows: the first
// X-Forwarded-For hop when the platform proxies, the socket peer otherwise.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
