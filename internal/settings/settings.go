// Package settings exposes the admin-tunable runtime configuration stored
// in the database. Reads are cached for a few seconds so hot paths like the
// port allocator do not hammer the config table; writes flush the cache so
// changes take effect on the next read.
package settings

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/docker/go-units"
	cache "github.com/patrickmn/go-cache"

	"github.com/Will-Luck/CTF-Warden/internal/logging"
)

// Recognized setting keys.
const (
	KeyDockerEndpoint      = "docker_endpoint"
	KeyConnectionHost      = "connection_host"
	KeyPortRangeStart      = "port_range_start"
	KeyPortRangeEnd        = "port_range_end"
	KeyDefaultTimeout      = "default_timeout"
	KeyMaxRenewals         = "max_renewals"
	KeyMaxMemory           = "max_memory"
	KeyMaxCPU              = "max_cpu"
	KeyFlagEncryptionKey   = "flag_encryption_key"
	KeySubdomainEnabled    = "subdomain_enabled"
	KeySubdomainBaseDomain = "subdomain_base_domain"
	KeySubdomainNetwork    = "subdomain_network"
)

const (
	cacheTTL = 5 * time.Second
	keySize  = 32
)

var (
	ErrUnknownKey   = errors.New("unknown setting")
	ErrImmutableKey = errors.New("setting cannot be changed once set")
	ErrInvalidValue = errors.New("invalid setting value")
)

var defaults = map[string]string{
	KeyDockerEndpoint:      "unix:///var/run/docker.sock",
	KeyConnectionHost:      "127.0.0.1",
	KeyPortRangeStart:      "30000",
	KeyPortRangeEnd:        "31000",
	KeyDefaultTimeout:      "60",
	KeyMaxRenewals:         "3",
	KeyMaxMemory:           "",
	KeyMaxCPU:              "",
	KeyFlagEncryptionKey:   "",
	KeySubdomainEnabled:    "false",
	KeySubdomainBaseDomain: "",
	KeySubdomainNetwork:    "",
}

// KV is the durable key/value store behind the cache.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
	All(ctx context.Context) (map[string]string, error)
}

// Settings reads and writes runtime configuration.
type Settings struct {
	kv    KV
	cache *cache.Cache
	log   *logging.Logger
}

// New creates a Settings facade over kv.
func New(kv KV, log *logging.Logger) *Settings {
	return &Settings{
		kv:    kv,
		cache: cache.New(cacheTTL, time.Minute),
		log:   log,
	}
}

func (s *Settings) get(ctx context.Context, key string) (string, error) {
	if v, ok := s.cache.Get(key); ok {
		return v.(string), nil
	}
	v, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		v = defaults[key]
	}
	s.cache.SetDefault(key, v)
	return v, nil
}

func (s *Settings) intValue(ctx context.Context, key string) (int, error) {
	raw, err := s.get(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		s.log.Warn("setting is not an integer, using default", "key", key, "value", raw)
		n, _ = strconv.Atoi(defaults[key])
	}
	return n, nil
}

// DockerEndpoint returns the daemon URL.
func (s *Settings) DockerEndpoint(ctx context.Context) (string, error) {
	return s.get(ctx, KeyDockerEndpoint)
}

// ConnectionHost returns the hostname players connect to in port mode.
func (s *Settings) ConnectionHost(ctx context.Context) (string, error) {
	return s.get(ctx, KeyConnectionHost)
}

// PortRange returns the inclusive host port pool. An inverted range is
// returned as stored; the allocator treats it as empty.
func (s *Settings) PortRange(ctx context.Context) (int, int, error) {
	start, err := s.intValue(ctx, KeyPortRangeStart)
	if err != nil {
		return 0, 0, err
	}
	end, err := s.intValue(ctx, KeyPortRangeEnd)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// DefaultTimeout returns the instance TTL in minutes for challenges that do
// not set their own.
func (s *Settings) DefaultTimeout(ctx context.Context) (int, error) {
	return s.intValue(ctx, KeyDefaultTimeout)
}

// MaxRenewals returns the renewal cap for challenges that do not set their
// own.
func (s *Settings) MaxRenewals(ctx context.Context) (int, error) {
	return s.intValue(ctx, KeyMaxRenewals)
}

// MaxMemory returns the global memory fallback ("512m" style), empty when
// unset.
func (s *Settings) MaxMemory(ctx context.Context) (string, error) {
	return s.get(ctx, KeyMaxMemory)
}

// MaxCPU returns the global CPU-core fallback, 0 when unset.
func (s *Settings) MaxCPU(ctx context.Context) (float64, error) {
	raw, err := s.get(ctx, KeyMaxCPU)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		s.log.Warn("setting is not a number, ignoring", "key", KeyMaxCPU, "value", raw)
		return 0, nil
	}
	return f, nil
}

// SubdomainEnabled reports whether instances are routed through Traefik
// subdomains instead of published host ports.
func (s *Settings) SubdomainEnabled(ctx context.Context) (bool, error) {
	raw, err := s.get(ctx, KeySubdomainEnabled)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, nil
	}
	return b, nil
}

// SubdomainBaseDomain returns the parent domain for subdomain routing.
func (s *Settings) SubdomainBaseDomain(ctx context.Context) (string, error) {
	return s.get(ctx, KeySubdomainBaseDomain)
}

// SubdomainNetwork returns the Docker network joined in subdomain mode.
func (s *Settings) SubdomainNetwork(ctx context.Context) (string, error) {
	return s.get(ctx, KeySubdomainNetwork)
}

// FlagEncryptionKey returns the 32-byte AEAD key, generating and persisting
// one on first use. Concurrent first reads across replicas settle on a
// single key through the conditional insert.
func (s *Settings) FlagEncryptionKey(ctx context.Context) ([]byte, error) {
	raw, err := s.get(ctx, KeyFlagEncryptionKey)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		fresh := make([]byte, keySize)
		if _, err := rand.Read(fresh); err != nil {
			return nil, fmt.Errorf("failed to generate flag encryption key: %w", err)
		}
		encoded := base64.StdEncoding.EncodeToString(fresh)
		wrote, err := s.kv.SetIfAbsent(ctx, KeyFlagEncryptionKey, encoded)
		if err != nil {
			return nil, err
		}
		if !wrote {
			winner, _, err := s.kv.Get(ctx, KeyFlagEncryptionKey)
			if err != nil {
				return nil, err
			}
			encoded = winner
		} else {
			s.log.Info("generated flag encryption key")
		}
		raw = encoded
		s.cache.SetDefault(KeyFlagEncryptionKey, raw)
	}

	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(key) != keySize {
		return nil, errors.New("flag encryption key is malformed")
	}
	return key, nil
}

// Set validates and persists one setting, then flushes its cache entry.
// The flag encryption key cannot be replaced once present.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	if _, known := defaults[key]; !known {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	if key == KeyFlagEncryptionKey {
		_, exists, err := s.kv.Get(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			return ErrImmutableKey
		}
	}
	if err := validate(key, value); err != nil {
		return err
	}
	if err := s.kv.Set(ctx, key, value); err != nil {
		return err
	}
	s.cache.Delete(key)
	return nil
}

func validate(key, value string) error {
	switch key {
	case KeyDockerEndpoint:
		if value == "" {
			return fmt.Errorf("%w: %s must not be empty", ErrInvalidValue, key)
		}
	case KeyPortRangeStart, KeyPortRangeEnd:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("%w: %s must be a port number", ErrInvalidValue, key)
		}
	case KeyDefaultTimeout:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("%w: %s must be a positive number of minutes", ErrInvalidValue, key)
		}
	case KeyMaxRenewals:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: %s must be zero or more", ErrInvalidValue, key)
		}
	case KeySubdomainEnabled:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("%w: %s must be a boolean", ErrInvalidValue, key)
		}
	case KeyMaxMemory:
		if value != "" {
			if _, err := units.RAMInBytes(value); err != nil {
				return fmt.Errorf("%w: %s must be a size like 512m", ErrInvalidValue, key)
			}
		}
	case KeyMaxCPU:
		if value != "" {
			f, err := strconv.ParseFloat(value, 64)
			if err != nil || f < 0 {
				return fmt.Errorf("%w: %s must be a non-negative number of cores", ErrInvalidValue, key)
			}
		}
	case KeyFlagEncryptionKey:
		raw, err := base64.StdEncoding.DecodeString(value)
		if err != nil || len(raw) != keySize {
			return fmt.Errorf("%w: %s must be base64 of %d bytes", ErrInvalidValue, key, keySize)
		}
	}
	return nil
}

// Snapshot returns the effective value of every recognized setting, with
// the encryption key redacted.
func (s *Settings) Snapshot(ctx context.Context) (map[string]string, error) {
	stored, err := s.kv.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range stored {
		if _, known := defaults[k]; known {
			out[k] = v
		}
	}
	if out[KeyFlagEncryptionKey] != "" {
		out[KeyFlagEncryptionKey] = "(set)"
	}
	return out, nil
}
