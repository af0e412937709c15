package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Will-Luck/CTF-Warden/internal/store"
)

// queryUint parses an optional numeric query parameter; absent or garbage
// reads as zero, which the filters treat as "any".
func queryUint(r *http.Request, key string) uint {
	n, err := strconv.ParseUint(r.URL.Query().Get(key), 10, 32)
	if err != nil {
		return 0
	}
	return uint(n)
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

func (s *Server) apiAdminInstances(w http.ResponseWriter, r *http.Request) {
	f := store.InstanceFilter{
		Status:      store.InstanceStatus(r.URL.Query().Get("status")),
		ChallengeID: queryUint(r, "challenge_id"),
		AccountID:   queryUint(r, "account_id"),
		Limit:       queryInt(r, "limit"),
	}

	rows, err := s.deps.Admin.AdminList(r.Context(), f)
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	views := instanceViews(rows)
	if views == nil {
		views = []instanceView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instances": views,
		"count":     len(views),
	})
}

func (s *Server) apiAdminInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.deps.Admin.AdminGet(r.Context(), r.PathValue("uuid"))
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newInstanceView(*inst))
}

func (s *Server) apiAdminStop(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Admin.AdminStop(r.Context(), r.PathValue("uuid")); err != nil {
		s.apiError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) apiAdminDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Admin.AdminDelete(r.Context(), r.PathValue("uuid")); err != nil {
		s.apiError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) apiAdminBulkDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UUIDs []string `json:"uuids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.UUIDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	deleted, err := s.deps.Admin.AdminBulkDelete(r.Context(), body.UUIDs)
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted":   deleted,
		"requested": len(body.UUIDs),
	})
}

func (s *Server) apiAdminLogs(w http.ResponseWriter, r *http.Request) {
	inst, err := s.deps.Admin.AdminGet(r.Context(), r.PathValue("uuid"))
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	if inst.ContainerID == "" {
		writeError(w, http.StatusBadRequest, "instance has no container")
		return
	}

	tail := queryInt(r, "tail")
	if tail <= 0 {
		tail = 100
	}
	if tail > 500 {
		tail = 500
	}

	logs, err := s.deps.Docker.Logs(r.Context(), inst.ContainerID, tail)
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"uuid": inst.UUID,
		"logs": logs,
	})
}

func (s *Server) apiAdminStats(w http.ResponseWriter, r *http.Request) {
	byStatus, err := s.deps.Instances.CountByStatus(r.Context())
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	used, err := s.deps.Instances.UsedPorts(r.Context())
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	free, err := s.deps.Ports.AvailableCount(r.Context())
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	spooled, err := s.deps.Spool.Spooled()
	if err != nil {
		s.deps.Log.Warn("failed to count spooled audits", "error", err)
		spooled = -1
	}

	statuses := make(map[string]int64, len(byStatus))
	var active int64
	for status, n := range byStatus {
		statuses[string(status)] = n
	}
	for _, status := range store.LiveStatuses {
		active += byStatus[status]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"instances": map[string]any{
			"by_status": statuses,
			"active":    active,
		},
		"ports": map[string]any{
			"in_use":    len(used),
			"available": free,
		},
		"audit": map[string]any{
			"spooled": spooled,
		},
		"docker": map[string]any{
			"connected": s.deps.Docker.Connected(r.Context()),
		},
		"redis": map[string]any{
			"connected": s.deps.Redis.Ping(r.Context()) == nil,
		},
	})
}

func (s *Server) apiAdminCheats(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit")
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.deps.Checker.RecentCheats(r.Context(), limit)
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	views := attemptViews(rows)
	if views == nil {
		views = []attemptView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cheats": views,
		"count":  len(views),
	})
}

func (s *Server) apiAdminAudit(w http.ResponseWriter, r *http.Request) {
	f := store.AuditFilter{
		EventType:   r.URL.Query().Get("event_type"),
		InstanceID:  r.URL.Query().Get("instance_uuid"),
		ChallengeID: queryUint(r, "challenge_id"),
		AccountID:   queryUint(r, "account_id"),
		Severity:    store.Severity(r.URL.Query().Get("severity")),
		Limit:       queryInt(r, "limit"),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = t
	}

	rows, err := s.deps.Audits.List(r.Context(), f)
	if err != nil {
		s.apiError(w, r, err)
		return
	}
	views := auditViews(rows)
	if views == nil {
		views = []auditView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": views,
		"count":   len(views),
	})
}
