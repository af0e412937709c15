package web

import (
	"time"

	"github.com/samber/lo"

	"github.com/Will-Luck/CTF-Warden/internal/store"
)

// instanceView is the admin projection of an instance row. Flag material
// stays in the store; it is never serialized.
type instanceView struct {
	UUID            string         `json:"uuid"`
	ChallengeID     uint           `json:"challenge_id"`
	AccountID       uint           `json:"account_id"`
	Status          string         `json:"status"`
	ContainerID     string         `json:"container_id,omitempty"`
	ConnectionHost  string         `json:"connection_host,omitempty"`
	ConnectionPort  int            `json:"connection_port,omitempty"`
	ConnectionPorts map[string]int `json:"connection_ports,omitempty"`
	ConnectionInfo  string         `json:"connection_info,omitempty"`
	ExpiresAt       time.Time      `json:"expires_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	StoppedAt       *time.Time     `json:"stopped_at,omitempty"`
	SolvedAt        *time.Time     `json:"solved_at,omitempty"`
	LastAccessedAt  *time.Time     `json:"last_accessed_at,omitempty"`
	RenewalCount    int            `json:"renewal_count"`
	ExtraData       map[string]any `json:"extra_data,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

func newInstanceView(inst store.Instance) instanceView {
	return instanceView{
		UUID:            inst.UUID,
		ChallengeID:     inst.ChallengeID,
		AccountID:       inst.AccountID,
		Status:          string(inst.Status),
		ContainerID:     inst.ContainerID,
		ConnectionHost:  inst.ConnectionHost,
		ConnectionPort:  inst.ConnectionPort,
		ConnectionPorts: inst.ConnectionPorts,
		ConnectionInfo:  inst.ConnectionInfo,
		ExpiresAt:       inst.ExpiresAt,
		StartedAt:       inst.StartedAt,
		StoppedAt:       inst.StoppedAt,
		SolvedAt:        inst.SolvedAt,
		LastAccessedAt:  inst.LastAccessedAt,
		RenewalCount:    inst.RenewalCount,
		ExtraData:       inst.ExtraData,
		CreatedAt:       inst.CreatedAt,
	}
}

func instanceViews(rows []store.Instance) []instanceView {
	return lo.Map(rows, func(inst store.Instance, _ int) instanceView {
		return newInstanceView(inst)
	})
}

// challengeView is the admin projection of a challenge definition.
type challengeView struct {
	ID             uint    `json:"id"`
	Name           string  `json:"name"`
	Image          string  `json:"image"`
	Ports          []int   `json:"ports"`
	Command        string  `json:"command,omitempty"`
	ConnectionType string  `json:"connection_type"`
	ConnectionInfo string  `json:"connection_info,omitempty"`
	FlagMode       string  `json:"flag_mode"`
	MemoryLimit    string  `json:"memory_limit,omitempty"`
	CPULimit       float64 `json:"cpu_limit,omitempty"`
	PidsLimit      int64   `json:"pids_limit,omitempty"`
	TimeoutMinutes int     `json:"timeout_minutes,omitempty"`
	MaxRenewals    int     `json:"max_renewals,omitempty"`
}

func challengeViews(rows []store.Challenge) []challengeView {
	return lo.Map(rows, func(ch store.Challenge, _ int) challengeView {
		return challengeView{
			ID:             ch.ID,
			Name:           ch.Name,
			Image:          ch.Image,
			Ports:          ch.Ports(),
			Command:        ch.Command,
			ConnectionType: ch.ConnectionType,
			ConnectionInfo: ch.ConnectionInfo,
			FlagMode:       string(ch.FlagMode),
			MemoryLimit:    ch.MemoryLimit,
			CPULimit:       ch.CPULimit,
			PidsLimit:      ch.PidsLimit,
			TimeoutMinutes: ch.TimeoutMinutes,
			MaxRenewals:    ch.MaxRenewals,
		}
	})
}

// attemptView is the admin projection of a flag attempt. The submitted hash
// is included so operators can correlate cheats; plaintext never existed
// here.
type attemptView struct {
	ID                 uint      `json:"id"`
	ChallengeID        uint      `json:"challenge_id"`
	AccountID          uint      `json:"account_id"`
	UserID             uint      `json:"user_id"`
	SubmittedFlagHash  string    `json:"submitted_flag_hash"`
	IsCorrect          bool      `json:"is_correct"`
	IsCheating         bool      `json:"is_cheating"`
	FlagOwnerAccountID *uint     `json:"flag_owner_account_id,omitempty"`
	IPAddress          string    `json:"ip_address,omitempty"`
	UserAgent          string    `json:"user_agent,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

func attemptViews(rows []store.FlagAttempt) []attemptView {
	return lo.Map(rows, func(att store.FlagAttempt, _ int) attemptView {
		return attemptView{
			ID:                 att.ID,
			ChallengeID:        att.ChallengeID,
			AccountID:          att.AccountID,
			UserID:             att.UserID,
			SubmittedFlagHash:  att.SubmittedFlagHash,
			IsCorrect:          att.IsCorrect,
			IsCheating:         att.IsCheating,
			FlagOwnerAccountID: att.FlagOwnerAccountID,
			IPAddress:          att.IPAddress,
			UserAgent:          att.UserAgent,
			CreatedAt:          att.CreatedAt,
		}
	})
}

// auditView is the admin projection of an audit row.
type auditView struct {
	ID           uint           `json:"id"`
	EventType    string         `json:"event_type"`
	InstanceUUID string         `json:"instance_uuid,omitempty"`
	ChallengeID  uint           `json:"challenge_id,omitempty"`
	AccountID    uint           `json:"account_id,omitempty"`
	UserID       uint           `json:"user_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Severity     string         `json:"severity"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

func auditViews(rows []store.AuditLog) []auditView {
	return lo.Map(rows, func(entry store.AuditLog, _ int) auditView {
		return auditView{
			ID:           entry.ID,
			EventType:    entry.EventType,
			InstanceUUID: entry.InstanceUUID,
			ChallengeID:  entry.ChallengeID,
			AccountID:    entry.AccountID,
			UserID:       entry.UserID,
			Details:      entry.Details,
			Severity:     string(entry.Severity),
			IPAddress:    entry.IPAddress,
			UserAgent:    entry.UserAgent,
			CreatedAt:    entry.CreatedAt,
		}
	})
}
