package docker

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/moby/moby/client"

	"github.com/Will-Luck/CTF-Warden/internal/logging"
)

// Client wraps the Docker API client. Construction never dials: the first
// operation connects, so the service can boot while the daemon is down and
// report connected=false until a ping succeeds.
type Client struct {
	mu       sync.Mutex
	endpoint string
	api      *client.Client
	log      *logging.Logger
}

// New returns a Client bound to endpoint without connecting. Supported
// endpoints: unix socket (unix:///var/run/docker.sock or a bare path),
// tcp:// for remote daemons, and ssh:// aliases whose key material the
// host's SSH configuration provides.
func New(endpoint string, log *logging.Logger) *Client {
	return &Client{endpoint: endpoint, log: log}
}

func clientOpts(endpoint string) []client.Opt {
	switch {
	case strings.HasPrefix(endpoint, "tcp://"), strings.HasPrefix(endpoint, "ssh://"):
		return []client.Opt{client.WithHost(endpoint)}
	default:
		sock := strings.TrimPrefix(endpoint, "unix://")
		return []client.Opt{
			client.WithHost("unix://" + sock),
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
						return net.DialTimeout("unix", sock, 30*time.Second)
					},
				},
			}),
		}
	}
}

// ensure returns the underlying API client, dialing if this is the first use
// or a reconnect dropped the previous connection.
func (c *Client) ensure() (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}
	api, err := client.New(clientOpts(c.endpoint)...)
	if err != nil {
		return nil, wrapErr("connect "+c.endpoint, err)
	}
	c.api = api
	return api, nil
}

// Reconnect drops the current connection and optionally switches endpoints.
// The next operation dials fresh. An empty endpoint keeps the current one.
func (c *Client) Reconnect(endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		_ = c.api.Close()
		c.api = nil
	}
	if endpoint != "" {
		c.endpoint = endpoint
	}
	return nil
}

// Endpoint returns the endpoint the client is bound to.
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	api, err := c.ensure()
	if err != nil {
		return err
	}
	if _, err := api.Ping(ctx, client.PingOptions{}); err != nil {
		return wrapErr("ping", err)
	}
	return nil
}

// Connected reports whether the daemon currently answers a ping.
func (c *Client) Connected(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}

// Health describes the daemon for the admin surface.
type Health struct {
	Connected         bool   `json:"connected"`
	Endpoint          string `json:"endpoint"`
	ServerVersion     string `json:"server_version,omitempty"`
	OperatingSystem   string `json:"operating_system,omitempty"`
	Containers        int    `json:"containers"`
	ContainersRunning int    `json:"containers_running"`
	Images            int    `json:"images"`
}

// Health pings the daemon and, when reachable, fills in version and load
// details from the daemon's info endpoint.
func (c *Client) Health(ctx context.Context) Health {
	h := Health{Endpoint: c.Endpoint()}
	api, err := c.ensure()
	if err != nil {
		return h
	}
	result, err := api.Info(ctx, client.InfoOptions{})
	if err != nil {
		return h
	}
	info := result.Info
	h.Connected = true
	h.ServerVersion = info.ServerVersion
	h.OperatingSystem = info.OperatingSystem
	h.Containers = info.Containers
	h.ContainersRunning = info.ContainersRunning
	h.Images = info.Images
	return h
}

// Close releases the Docker client resources.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api == nil {
		return nil
	}
	err := c.api.Close()
	c.api = nil
	return err
}
