package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Will-Luck/CTF-Warden/internal/catalog"
	"github.com/Will-Luck/CTF-Warden/internal/docker"
	"github.com/Will-Luck/CTF-Warden/internal/events"
	"github.com/Will-Luck/CTF-Warden/internal/settings"
)

// maxImportBytes bounds a catalog upload.
const maxImportBytes = 1 << 20

func (s *Server) apiAdminConfig(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Settings.Snapshot(r.Context())
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) apiAdminSetConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Key == "" {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.deps.Settings.Set(r.Context(), body.Key, body.Value); err != nil {
		switch {
		case errors.Is(err, settings.ErrUnknownKey),
			errors.Is(err, settings.ErrImmutableKey),
			errors.Is(err, settings.ErrInvalidValue):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.apiError(w, r, err)
		}
		return
	}

	// A new daemon endpoint takes effect immediately, not on restart.
	if body.Key == settings.KeyDockerEndpoint {
		if err := s.deps.Docker.Reconnect(body.Value); err != nil {
			s.deps.Log.Error("failed to reconnect docker", "endpoint", body.Value, "error", err)
		}
	}

	s.deps.Log.Info("setting changed", "key", body.Key)
	if s.deps.Bus != nil {
		// Key only: values can be secrets.
		s.deps.Bus.Publish(events.Event{
			Type:      events.EventConfigChanged,
			Message:   fmt.Sprintf("setting %s changed", body.Key),
			Timestamp: time.Now().UTC(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "key": body.Key})
}

func (s *Server) apiAdminDockerHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Docker.Health(r.Context()))
}

func (s *Server) apiAdminDockerReconnect(w http.ResponseWriter, r *http.Request) {
	endpoint, err := s.deps.Settings.DockerEndpoint(r.Context())
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	if err := s.deps.Docker.Reconnect(endpoint); err != nil {
		s.apiError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Docker.Health(r.Context()))
}

func (s *Server) apiAdminDockerImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.deps.Docker.Images(r.Context())
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	if images == nil {
		images = []docker.ImageSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"images": images,
		"count":  len(images),
	})
}

func (s *Server) apiAdminCleanupExpired(w http.ResponseWriter, r *http.Request) {
	swept := s.deps.Admin.CleanupExpired(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"swept": swept})
}

func (s *Server) apiAdminCleanupOld(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.deps.Admin.CleanupOld(r.Context())
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (s *Server) apiAdminCleanupOrphans(w http.ResponseWriter, r *http.Request) {
	stopped, err := s.deps.Admin.CleanupOrphans(r.Context())
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"stopped": stopped})
}

func (s *Server) apiAdminChallenges(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Challenges.List(r.Context())
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	views := challengeViews(rows)
	if views == nil {
		views = []challengeView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"challenges": views,
		"count":      len(views),
	})
}

func (s *Server) apiAdminImportChallenges(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	n, err := s.deps.Importer.ImportYAML(r.Context(), data)
	if err != nil {
		// Validation failures carry the operator's mistake verbatim; only
		// write failures are internal.
		if errors.Is(err, catalog.ErrInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.apiError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}
