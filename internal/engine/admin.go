package engine

import (
	"context"
	"errors"

	"github.com/Will-Luck/CTF-Warden/internal/store"
)

// ErrInstanceNotFound is returned by admin operations addressed at a uuid
// that matches no row.
var ErrInstanceNotFound = errors.New("instance not found")

// AdminList returns instances newest-first, filtered by status, challenge,
// or account.
func (e *Engine) AdminList(ctx context.Context, f store.InstanceFilter) ([]store.Instance, error) {
	return e.instances.List(ctx, f)
}

// AdminGet returns one instance by uuid.
func (e *Engine) AdminGet(ctx context.Context, instanceUUID string) (*store.Instance, error) {
	inst, err := e.instances.GetByUUID(ctx, instanceUUID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, ErrInstanceNotFound
	}
	return inst, nil
}

// AdminStop stops a live instance on an operator's behalf.
func (e *Engine) AdminStop(ctx context.Context, instanceUUID string) error {
	inst, err := e.instances.GetByUUID(ctx, instanceUUID)
	if err != nil {
		return err
	}
	if inst == nil {
		return ErrInstanceNotFound
	}
	if inst.Status != store.StatusRunning && inst.Status != store.StatusProvisioning {
		return ErrNoRunningInstance
	}
	return e.Stop(ctx, instanceUUID, ReasonAdmin, 0)
}

// AdminDelete removes an instance row entirely, stopping its container
// first when live. A failed stop does not save the row: operators use
// delete to clear wreckage, so the container (if any survives) is left to
// the orphan reaper.
func (e *Engine) AdminDelete(ctx context.Context, instanceUUID string) error {
	inst, err := e.instances.GetByUUID(ctx, instanceUUID)
	if err != nil {
		return err
	}
	if inst == nil {
		return ErrInstanceNotFound
	}
	return e.deleteInstance(ctx, inst, ReasonAdminDelete)
}

// AdminBulkDelete deletes every listed instance, returning how many rows
// went away. Unknown uuids are skipped, not errors.
func (e *Engine) AdminBulkDelete(ctx context.Context, instanceUUIDs []string) (int, error) {
	deleted := 0
	for _, u := range instanceUUIDs {
		inst, err := e.instances.GetByUUID(ctx, u)
		if err != nil {
			return deleted, err
		}
		if inst == nil {
			continue
		}
		if err := e.deleteInstance(ctx, inst, ReasonAdminBulkDelete); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (e *Engine) deleteInstance(ctx context.Context, inst *store.Instance, reason string) error {
	if inst.Status == store.StatusRunning || inst.Status == store.StatusProvisioning {
		if err := e.Stop(ctx, inst.UUID, reason, 0); err != nil {
			e.log.Warn("failed to stop instance before delete", "uuid", inst.UUID, "error", err)
		}
	}
	// Error rows may still own a temporary flag record; stopping live ones
	// already cleared theirs.
	if err := e.flags.DeleteTemporaryByInstance(ctx, inst.ID); err != nil {
		e.log.Warn("failed to delete temporary flag", "uuid", inst.UUID, "error", err)
	}
	return e.instances.DeleteByUUID(ctx, inst.UUID)
}
