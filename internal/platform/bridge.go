// Package platform carries identity from, and callbacks to, the host CTF
// platform. The warden never stores users or teams itself; it trusts the
// platform's identity headers inbound and reports bans and solves outbound.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Will-Luck/CTF-Warden/internal/logging"
)

// Identity is the acting account as asserted by the platform. AccountID is
// the scoring entity (team in team mode, the user otherwise); UserID is the
// human behind the request.
type Identity struct {
	AccountID uint
	UserID    uint
	TeamMode  bool
}

// Bridge posts ban and solve callbacks to the platform. With no URLs
// configured the warden runs standalone and the bridge only logs, which
// keeps the anticheat path identical in both deployments.
type Bridge struct {
	banURL   string
	solveURL string
	token    string
	client   *http.Client
	log      *logging.Logger
}

// NewBridge wires a Bridge. Empty URLs disable the respective callback.
func NewBridge(banURL, solveURL, token string, log *logging.Logger) *Bridge {
	return &Bridge{
		banURL:   banURL,
		solveURL: solveURL,
		token:    token,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}
}

// MarkBanned asks the platform to ban an account. In team mode the platform
// cascades the ban to all members; that bookkeeping is the platform's, not
// ours.
func (b *Bridge) MarkBanned(ctx context.Context, accountID uint, team bool) error {
	if b.banURL == "" {
		b.log.Warn("no platform ban URL configured, ban recorded locally only",
			"account", accountID, "team", team)
		return nil
	}
	return b.post(ctx, b.banURL, map[string]any{
		"account_id": accountID,
		"team":       team,
	})
}

// OnSolved reports a validated solve so the platform can score it.
func (b *Bridge) OnSolved(ctx context.Context, challengeID, accountID, userID uint) error {
	if b.solveURL == "" {
		b.log.Info("no platform solve URL configured, solve recorded locally only",
			"challenge", challengeID, "account", accountID)
		return nil
	}
	return b.post(ctx, b.solveURL, map[string]any{
		"challenge_id": challengeID,
		"account_id":   accountID,
		"user_id":      userID,
	})
}

func (b *Bridge) post(ctx context.Context, url string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal platform payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create platform request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send platform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("platform returned %s", resp.Status)
	}
	return nil
}
