package store

import (
	"strconv"
	"strings"
	"time"
)

// InstanceStatus is the lifecycle state of a container instance.
type InstanceStatus string

const (
	StatusPending      InstanceStatus = "pending"
	StatusProvisioning InstanceStatus = "provisioning"
	StatusRunning      InstanceStatus = "running"
	StatusStopping     InstanceStatus = "stopping"
	StatusStopped      InstanceStatus = "stopped"
	StatusSolved       InstanceStatus = "solved"
	StatusError        InstanceStatus = "error"
)

// LiveStatuses are the states covered by the one-instance-per-pair rule.
var LiveStatuses = []InstanceStatus{StatusPending, StatusProvisioning, StatusRunning}

// PortHoldingStatuses are the states whose instances still own host ports.
var PortHoldingStatuses = []InstanceStatus{StatusProvisioning, StatusRunning, StatusStopping}

// FlagMode selects how a challenge's flag is produced.
type FlagMode string

const (
	FlagModeRandom FlagMode = "random"
	FlagModeStatic FlagMode = "static"
)

// FlagStatus is the state of a minted flag record.
type FlagStatus string

const (
	FlagTemporary        FlagStatus = "temporary"
	FlagSubmittedCorrect FlagStatus = "submitted_correct"
	FlagInvalidated      FlagStatus = "invalidated"
)

// Severity grades audit events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for filtering; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// PortMap maps internal container ports ("1337") to external host ports.
type PortMap map[string]int

// JSONMap is free-form structured data stored as a JSON column.
type JSONMap map[string]any

// Challenge is a challenge definition. The lifecycle engine treats these as
// read-only; the admin import endpoint writes them.
type Challenge struct {
	ID               uint     `gorm:"primaryKey"`
	Name             string   `gorm:"size:128;not null"`
	Image            string   `gorm:"size:255;not null"`
	InternalPorts    string   `gorm:"size:64;not null"` // comma list, first entry is the primary port
	Command          string   `gorm:"type:text"`
	ConnectionType   string   `gorm:"size:16;default:tcp"`
	ConnectionInfo   string   `gorm:"type:text"`
	FlagMode         FlagMode `gorm:"size:16;default:random"`
	FlagPrefix       string   `gorm:"size:50;default:CTF{"`
	FlagSuffix       string   `gorm:"size:50;default:}"`
	RandomFlagLength int      `gorm:"default:16"`
	MemoryLimit      string   `gorm:"size:20;default:512m"`
	CPULimit         float64  `gorm:"default:0.5"`
	PidsLimit        int64    `gorm:"default:100"`
	TimeoutMinutes   int      `gorm:"default:60"`
	MaxRenewals      int      `gorm:"default:3"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (Challenge) TableName() string { return "container_challenges" }

// Ports parses the comma list into ints, skipping malformed entries.
func (c *Challenge) Ports() []int {
	var out []int
	for _, p := range strings.Split(c.InternalPorts, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err == nil && n > 0 {
			out = append(out, n)
		}
	}
	return out
}

// PrimaryPort returns the first internal port, or 0 when none parse.
func (c *Challenge) PrimaryPort() int {
	ports := c.Ports()
	if len(ports) == 0 {
		return 0
	}
	return ports[0]
}

// Instance is one container leased to one account for one challenge.
type Instance struct {
	ID              uint           `gorm:"primaryKey"`
	UUID            string         `gorm:"size:36;uniqueIndex;not null"`
	ChallengeID     uint           `gorm:"not null;index:idx_instance_lookup,priority:1"`
	AccountID       uint           `gorm:"not null;index:idx_instance_lookup,priority:2"`
	Status          InstanceStatus `gorm:"size:16;not null;index:idx_instance_lookup,priority:3;index:idx_instance_expiry,priority:1"`
	ContainerID     string         `gorm:"size:128;index"`
	ConnectionHost  string         `gorm:"size:255"`
	ConnectionPort  int
	ConnectionPorts PortMap `gorm:"serializer:json;type:text"`
	ConnectionInfo  string  `gorm:"type:text"`
	FlagEncrypted   string  `gorm:"type:text"`
	FlagHash        string  `gorm:"size:64;index"`
	ExpiresAt       time.Time `gorm:"index:idx_instance_expiry,priority:2"`
	StartedAt       *time.Time
	StoppedAt       *time.Time
	SolvedAt        *time.Time
	LastAccessedAt  *time.Time
	RenewalCount    int     `gorm:"not null;default:0"`
	ExtraData       JSONMap `gorm:"serializer:json;type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Instance) TableName() string { return "container_instances" }

// ExternalPorts collects every host port the instance holds.
func (i *Instance) ExternalPorts() []int {
	var out []int
	if i.ConnectionPort > 0 {
		out = append(out, i.ConnectionPort)
	}
	for _, p := range i.ConnectionPorts {
		if p > 0 && p != i.ConnectionPort {
			out = append(out, p)
		}
	}
	return out
}

// FlagRecord ties a random-mode flag hash to its minting instance and owner.
type FlagRecord struct {
	ID                uint       `gorm:"primaryKey"`
	InstanceID        uint       `gorm:"not null;index"`
	FlagHash          string     `gorm:"size:64;uniqueIndex;not null"`
	ChallengeID       uint       `gorm:"not null;index:idx_flag_owner,priority:2"`
	AccountID         uint       `gorm:"not null;index:idx_flag_owner,priority:1"`
	Status            FlagStatus `gorm:"size:24;not null;default:temporary"`
	SubmittedAt       *time.Time
	SubmittedByUserID *uint
	SubmittedFromIP   string `gorm:"size:45"`
	CreatedAt         time.Time
	InvalidatedAt     *time.Time
}

func (FlagRecord) TableName() string { return "container_flags" }

// FlagAttempt records a single submission and its classification.
type FlagAttempt struct {
	ID                 uint   `gorm:"primaryKey"`
	ChallengeID        uint   `gorm:"not null"`
	AccountID          uint   `gorm:"not null;index:idx_attempt_account,priority:1"`
	UserID             uint   `gorm:"not null"`
	SubmittedFlagHash  string `gorm:"size:64;not null"`
	IsCorrect          bool
	IsCheating         bool `gorm:"index"`
	FlagOwnerAccountID *uint
	IPAddress          string    `gorm:"size:45"`
	UserAgent          string    `gorm:"size:255"`
	CreatedAt          time.Time `gorm:"index:idx_attempt_account,priority:2"`
}

func (FlagAttempt) TableName() string { return "container_flag_attempts" }

// AuditLog is one append-only lifecycle or validation event.
type AuditLog struct {
	ID           uint     `gorm:"primaryKey"`
	EventType    string   `gorm:"size:64;not null;index:idx_audit_event,priority:1"`
	InstanceUUID string   `gorm:"size:36;index"`
	ChallengeID  uint
	AccountID    uint     `gorm:"index:idx_audit_account,priority:1"`
	UserID       uint
	Details      JSONMap  `gorm:"serializer:json;type:text"`
	Severity     Severity `gorm:"size:16;not null;default:info"`
	IPAddress    string   `gorm:"size:45"`
	UserAgent    string   `gorm:"size:255"`
	CreatedAt    time.Time `gorm:"index:idx_audit_event,priority:2;index:idx_audit_account,priority:2"`
}

func (AuditLog) TableName() string { return "container_audit_logs" }

// ConfigEntry is one runtime tunable.
type ConfigEntry struct {
	Key       string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (ConfigEntry) TableName() string { return "container_config" }
