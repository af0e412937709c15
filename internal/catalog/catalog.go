// Package catalog loads challenge definitions from YAML and keeps the
// database in sync with them. A document looks like:
//
//	challenges:
//	  - id: 1
//	    name: Web Pwn
//	    image: registry.example.com/ctf/webpwn:latest
//	    ports: [1337]
//	    flag:
//	      mode: random
//	    resources:
//	      memory: 512m
//
// A document is validated in full before any row is written, so a broken
// file never half-applies.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/Will-Luck/CTF-Warden/internal/store"
)

// Spec is one challenge definition as written in YAML. Memory, cpu, timeout
// and renewal caps left unset stay zero and fall back to the runtime config
// at provision time; flag and pid defaults are materialized here so an
// imported row matches one created any other way.
type Spec struct {
	ID      uint   `yaml:"id"`
	Name    string `yaml:"name"`
	Image   string `yaml:"image"`
	Ports   []int  `yaml:"ports"`
	Command string `yaml:"command"`

	Connection ConnectionSpec `yaml:"connection"`
	Flag       FlagSpec       `yaml:"flag"`
	Resources  ResourceSpec   `yaml:"resources"`

	TimeoutMinutes int `yaml:"timeout_minutes"`
	MaxRenewals    int `yaml:"max_renewals"`
}

// ConnectionSpec describes how players reach the challenge. Info supports
// the {{HOSTNAME}}, {{PORT}} and {{SERVICE_NAME}} placeholders.
type ConnectionSpec struct {
	Type string `yaml:"type"`
	Info string `yaml:"info"`
}

// FlagSpec configures flag generation. In static mode the flag is
// prefix+suffix and no per-instance flag is minted.
type FlagSpec struct {
	Mode   string `yaml:"mode"`
	Prefix string `yaml:"prefix"`
	Suffix string `yaml:"suffix"`
	Length int    `yaml:"length"`
}

// ResourceSpec caps the challenge container.
type ResourceSpec struct {
	Memory string  `yaml:"memory"`
	CPUs   float64 `yaml:"cpus"`
	Pids   int64   `yaml:"pids"`
}

// File is the top-level YAML document.
type File struct {
	Challenges []Spec `yaml:"challenges"`
}

// ErrInvalid marks a document rejected by Parse, as opposed to a failure
// writing accepted entries. The import endpoint answers it with a 400.
var ErrInvalid = errors.New("invalid catalog")

// Parse decodes a catalog document, applies defaults and validates every
// entry. Unknown YAML fields are rejected so typos surface at import time.
func Parse(data []byte) ([]Spec, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(f.Challenges) == 0 {
		return nil, fmt.Errorf("%w: no challenges", ErrInvalid)
	}

	seen := make(map[uint]int, len(f.Challenges))
	for i := range f.Challenges {
		sp := &f.Challenges[i]
		sp.applyDefaults()
		if err := sp.validate(); err != nil {
			return nil, fmt.Errorf("%w: challenge %d: %v", ErrInvalid, i+1, err)
		}
		if prev, dup := seen[sp.ID]; dup {
			return nil, fmt.Errorf("%w: challenge %d: id %d already used by challenge %d", ErrInvalid, i+1, sp.ID, prev)
		}
		seen[sp.ID] = i + 1
	}
	return f.Challenges, nil
}

func (s *Spec) applyDefaults() {
	if s.Connection.Type == "" {
		s.Connection.Type = "tcp"
	}
	if s.Flag.Mode == "" {
		s.Flag.Mode = string(store.FlagModeRandom)
	}
	if s.Flag.Prefix == "" {
		s.Flag.Prefix = "CTF{"
	}
	if s.Flag.Suffix == "" {
		s.Flag.Suffix = "}"
	}
	if s.Flag.Length == 0 {
		s.Flag.Length = 16
	}
	// Pids has no runtime fallback and zero would mean unlimited.
	if s.Resources.Pids == 0 {
		s.Resources.Pids = 100
	}
}

func (s *Spec) validate() error {
	if s.ID == 0 {
		return errors.New("id is required")
	}
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Image == "" {
		return errors.New("image is required")
	}
	if len(s.Ports) == 0 {
		return errors.New("at least one port is required")
	}
	for _, p := range s.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("port %d out of range", p)
		}
	}
	switch s.Connection.Type {
	case "tcp", "udp", "http", "https", "ssh":
	default:
		return fmt.Errorf("unknown connection type %q", s.Connection.Type)
	}
	switch store.FlagMode(s.Flag.Mode) {
	case store.FlagModeRandom, store.FlagModeStatic:
	default:
		return fmt.Errorf("unknown flag mode %q", s.Flag.Mode)
	}
	if s.Flag.Length < 0 {
		return fmt.Errorf("flag length must not be negative, got %d", s.Flag.Length)
	}
	if s.Resources.Memory != "" {
		if _, err := units.RAMInBytes(s.Resources.Memory); err != nil {
			return fmt.Errorf("invalid memory limit %q", s.Resources.Memory)
		}
	}
	if s.Resources.CPUs < 0 {
		return fmt.Errorf("cpus must not be negative, got %v", s.Resources.CPUs)
	}
	if s.Resources.Pids < 0 {
		return fmt.Errorf("pids must not be negative, got %d", s.Resources.Pids)
	}
	if s.TimeoutMinutes < 0 {
		return fmt.Errorf("timeout_minutes must not be negative, got %d", s.TimeoutMinutes)
	}
	if s.MaxRenewals < 0 {
		return fmt.Errorf("max_renewals must not be negative, got %d", s.MaxRenewals)
	}
	return nil
}

// Model converts the spec into its database row.
func (s *Spec) Model() *store.Challenge {
	ports := make([]string, len(s.Ports))
	for i, p := range s.Ports {
		ports[i] = strconv.Itoa(p)
	}
	return &store.Challenge{
		ID:               s.ID,
		Name:             s.Name,
		Image:            s.Image,
		InternalPorts:    strings.Join(ports, ","),
		Command:          s.Command,
		ConnectionType:   s.Connection.Type,
		ConnectionInfo:   s.Connection.Info,
		FlagMode:         store.FlagMode(s.Flag.Mode),
		FlagPrefix:       s.Flag.Prefix,
		FlagSuffix:       s.Flag.Suffix,
		RandomFlagLength: s.Flag.Length,
		MemoryLimit:      s.Resources.Memory,
		CPULimit:         s.Resources.CPUs,
		PidsLimit:        s.Resources.Pids,
		TimeoutMinutes:   s.TimeoutMinutes,
		MaxRenewals:      s.MaxRenewals,
	}
}
