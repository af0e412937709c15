package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/client"
)

// stopGrace is how long the daemon waits for a container to exit before
// killing it.
const stopGrace = 10 // seconds

// ProvisionResult reports the container the daemon created.
type ProvisionResult struct {
	ContainerID string
}

// Provision creates and starts a container from the spec. When the spec
// names a network that does not exist the create is retried without it so
// the container still comes up on the default bridge; routing is degraded,
// not broken, and the miss is logged.
func (c *Client) Provision(ctx context.Context, spec Spec) (ProvisionResult, error) {
	api, err := c.ensure()
	if err != nil {
		return ProvisionResult{}, err
	}

	cfg, hostCfg, netCfg, err := spec.configs()
	if err != nil {
		return ProvisionResult{}, err
	}

	resp, err := api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:             spec.Name,
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: netCfg,
	})
	if err != nil && netCfg != nil && isNotFound(err) {
		c.log.Warn("challenge network missing, using default bridge",
			"network", spec.Network, "container", spec.Name, "error", err)
		resp, err = api.ContainerCreate(ctx, client.ContainerCreateOptions{
			Name:       spec.Name,
			Config:     cfg,
			HostConfig: hostCfg,
		})
	}
	if err != nil {
		return ProvisionResult{}, wrapErr("create "+spec.Name, err)
	}

	if _, err := api.ContainerStart(ctx, resp.ID, client.ContainerStartOptions{}); err != nil {
		// AutoRemove reaps the created container once we force-remove it;
		// without this a failed start leaves a name squatter behind.
		_, _ = api.ContainerRemove(ctx, resp.ID, client.ContainerRemoveOptions{Force: true})
		return ProvisionResult{}, wrapErr("start "+spec.Name, err)
	}

	return ProvisionResult{ContainerID: resp.ID}, nil
}

// Stop stops and removes a container. A container the daemon no longer
// knows counts as success: expiry, AutoRemove and admin action race each
// other, and whichever got there first did this call's job.
func (c *Client) Stop(ctx context.Context, id string) error {
	api, err := c.ensure()
	if err != nil {
		return err
	}

	timeout := stopGrace
	if _, err := api.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &timeout}); err != nil && !isNotFound(err) {
		return wrapErr("stop "+id, err)
	}
	if _, err := api.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !isNotFound(err) {
		return wrapErr("remove "+id, err)
	}
	return nil
}

// RemoveByName force-removes a container by name. The engine calls this
// when a create hits a name conflict left by a crashed predecessor.
func (c *Client) RemoveByName(ctx context.Context, name string) error {
	api, err := c.ensure()
	if err != nil {
		return err
	}
	if _, err := api.ContainerRemove(ctx, name, client.ContainerRemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !isNotFound(err) {
		return wrapErr("remove "+name, err)
	}
	return nil
}

// Status returns the daemon's state string for a container ("running",
// "exited", ...). A missing container reports "missing" with no error.
func (c *Client) Status(ctx context.Context, id string) (string, error) {
	api, err := c.ensure()
	if err != nil {
		return "", err
	}
	result, err := api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		if isNotFound(err) {
			return "missing", nil
		}
		return "", wrapErr("inspect "+id, err)
	}
	if result.Container.State == nil {
		return "unknown", nil
	}
	return string(result.Container.State.Status), nil
}

// Logs returns the last tail lines of a container's combined output.
func (c *Client) Logs(ctx context.Context, id string, tail int) (string, error) {
	api, err := c.ensure()
	if err != nil {
		return "", err
	}

	opts := client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	}
	reader, err := api.ContainerLogs(ctx, id, opts)
	if err != nil {
		return "", wrapErr("logs "+id, err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		// Containers in raw TTY mode don't frame their stream; read it direct.
		reader2, err2 := api.ContainerLogs(ctx, id, opts)
		if err2 != nil {
			return "", wrapErr("logs "+id, err2)
		}
		defer reader2.Close()
		raw, _ := io.ReadAll(reader2)
		return string(raw), nil
	}

	if stderr.Len() > 0 {
		stdout.WriteString(stderr.String())
	}
	return stdout.String(), nil
}

// ManagedContainer is one daemon-side container carrying our labels.
type ManagedContainer struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	State        string            `json:"state"`
	InstanceUUID string            `json:"instance_uuid"`
	Labels       map[string]string `json:"labels"`
}

// ListManaged returns every container, running or not, that carries the
// managed label. This is the daemon-side view the orphan reaper compares
// against the database.
func (c *Client) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	api, err := c.ensure()
	if err != nil {
		return nil, err
	}
	result, err := api.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: make(client.Filters).Add("label", managedFilter),
	})
	if err != nil {
		return nil, wrapErr("list managed", err)
	}

	out := make([]ManagedContainer, 0, len(result.Items))
	for _, item := range result.Items {
		name := ""
		if len(item.Names) > 0 {
			name = item.Names[0]
		}
		out = append(out, ManagedContainer{
			ID:           item.ID,
			Name:         name,
			Image:        item.Image,
			State:        string(item.State),
			InstanceUUID: InstanceUUID(item.Labels),
			Labels:       item.Labels,
		})
	}
	return out, nil
}
