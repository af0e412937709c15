package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBearer(t *testing.T) {
	handler := Bearer("wdn_secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer wdn_secret", http.StatusOK},
		{"wrong token", "Bearer wdn_wrong", http.StatusUnauthorized},
		{"wrong scheme", "Basic wdn_secret", http.StatusUnauthorized},
		{"no header", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/container/request", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
			if tc.want == http.StatusUnauthorized && !strings.Contains(rec.Body.String(), "NotAuthenticated") {
				t.Errorf("401 body %q missing error code", rec.Body.String())
			}
		})
	}
}

func TestIdentityFromRequest(t *testing.T) {
	cases := []struct {
		name    string
		account string
		user    string
		mode    string
		wantErr bool
	}{
		{"user mode", "7", "3", "users", false},
		{"team mode", "12", "3", "teams", false},
		{"missing account", "", "3", "users", true},
		{"zero account", "0", "3", "users", true},
		{"non-numeric account", "seven", "3", "users", true},
		{"missing user", "7", "", "users", true},
		{"negative user", "7", "-1", "users", true},
		{"missing team mode", "7", "3", "", true},
		{"unknown team mode", "7", "3", "solo", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/container/request", nil)
			if tc.account != "" {
				req.Header.Set(HeaderAccountID, tc.account)
			}
			if tc.user != "" {
				req.Header.Set(HeaderUserID, tc.user)
			}
			if tc.mode != "" {
				req.Header.Set(HeaderTeamMode, tc.mode)
			}

			ident, err := IdentityFromRequest(req)
			if tc.wantErr {
				if err != ErrNotAuthenticated {
					t.Fatalf("err = %v, want ErrNotAuthenticated", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("IdentityFromRequest: %v", err)
			}
			if ident.AccountID == 0 || ident.UserID == 0 {
				t.Errorf("identity not populated: %+v", ident)
			}
			if ident.TeamMode != (tc.mode == "teams") {
				t.Errorf("TeamMode = %v for mode %q", ident.TeamMode, tc.mode)
			}
		})
	}
}
