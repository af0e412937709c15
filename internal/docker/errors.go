package docker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// Sentinel errors the lifecycle engine dispatches on. Everything else from
// the daemon is wrapped and surfaced as-is.
var (
	// ErrImageNotFound means the challenge image is not present on the daemon.
	ErrImageNotFound = errors.New("image not found")
	// ErrDaemonUnreachable means the daemon did not answer at all.
	ErrDaemonUnreachable = errors.New("docker daemon unreachable")
	// ErrNameConflict means a container with the requested name already exists.
	ErrNameConflict = errors.New("container name conflict")
	// ErrResourceExhausted means the daemon refused for lack of a resource,
	// most commonly a host port that something else grabbed first.
	ErrResourceExhausted = errors.New("docker resource exhausted")
)

// wrapErr maps a raw daemon error onto the sentinel taxonomy, keeping the
// original message in the chain.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errdefs.IsConflict(err) || strings.Contains(msg, "is already in use"):
		return fmt.Errorf("%s: %w: %v", op, ErrNameConflict, err)
	case strings.Contains(msg, "port is already allocated") ||
		strings.Contains(msg, "address already in use") ||
		errdefs.IsResourceExhausted(err):
		return fmt.Errorf("%s: %w: %v", op, ErrResourceExhausted, err)
	case errdefs.IsNotFound(err) && (strings.Contains(msg, "image") || strings.Contains(msg, "manifest")):
		return fmt.Errorf("%s: %w: %v", op, ErrImageNotFound, err)
	case errdefs.IsUnavailable(err) ||
		strings.Contains(msg, "cannot connect to the docker daemon") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "i/o timeout"):
		return fmt.Errorf("%s: %w: %v", op, ErrDaemonUnreachable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// isNotFound reports whether the daemon said the referenced object does not
// exist. Used by Stop, where a vanished container is success, and by the
// network fallback in Provision.
func isNotFound(err error) bool {
	return errdefs.IsNotFound(err) || strings.Contains(strings.ToLower(err.Error()), "no such container")
}
