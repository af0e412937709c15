package docker

import (
	"context"

	"github.com/moby/moby/client"
)

// ImageSummary is one locally available image, for the admin surface.
type ImageSummary struct {
	ID       string   `json:"id"`
	RepoTags []string `json:"repo_tags"`
	Size     int64    `json:"size"`
	Created  int64    `json:"created"`
	InUse    bool     `json:"in_use"`
}

// Images returns all images on the daemon with their tags, size, and
// whether any container currently uses them. Admins pick challenge images
// from this list.
func (c *Client) Images(ctx context.Context) ([]ImageSummary, error) {
	api, err := c.ensure()
	if err != nil {
		return nil, err
	}

	result, err := api.ImageList(ctx, client.ImageListOptions{All: false})
	if err != nil {
		return nil, wrapErr("list images", err)
	}

	containers, err := api.ContainerList(ctx, client.ContainerListOptions{All: true})
	if err != nil {
		return nil, wrapErr("list containers", err)
	}
	used := make(map[string]bool)
	for _, cont := range containers.Items {
		used[cont.ImageID] = true
	}

	summaries := make([]ImageSummary, 0, len(result.Items))
	for _, img := range result.Items {
		summaries = append(summaries, ImageSummary{
			ID:       img.ID,
			RepoTags: img.RepoTags,
			Size:     img.Size,
			Created:  img.Created,
			InUse:    used[img.ID],
		})
	}
	return summaries, nil
}
