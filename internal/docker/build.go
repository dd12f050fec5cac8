package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"

	"github.com/sungreong/openstream-gallery/internal/fault"
)

// BuildOutputCallback receives incremental build log lines.
type BuildOutputCallback func(string)

// BuildImage builds dir into an image tagged tag, forwarding line-oriented
// output through onOutput, and returns the final image id. The callback has
// seen every produced line by the time an error returns, so partial logs
// survive failures.
func (c *Client) BuildImage(ctx context.Context, dir, dockerfile, tag string, onOutput BuildOutputCallback) (string, error) {
	if c.inner == nil {
		return "", fmt.Errorf("docker client not initialized")
	}
	if dir == "" {
		return "", fmt.Errorf("build directory cannot be empty")
	}
	if tag == "" {
		return "", fmt.Errorf("image tag cannot be empty")
	}
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  dockerfile,
		Remove:      true,
		ForceRemove: true,
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return "", transportErr("docker image build", err)
	}
	defer resp.Body.Close()

	var imageID string
	decoder := json.NewDecoder(resp.Body)
	for {
		var msg buildMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("decode build output: %w", err)
		}

		if errMsg := msg.errorMessage(); errMsg != "" {
			return "", fault.New(fault.KindBuildFailure, "docker image build: %s", errMsg)
		}
		if id := msg.imageID(); id != "" {
			imageID = id
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
	return imageID, nil
}

// ImageExists reports whether the tagged image is present on the host.
func (c *Client) ImageExists(ctx context.Context, tag string) (bool, error) {
	if strings.TrimSpace(tag) == "" {
		return false, fmt.Errorf("image tag cannot be empty")
	}
	if _, _, err := c.inner.ImageInspectWithRaw(ctx, tag); err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, transportErr("inspect image", err)
	}
	return true, nil
}

// RemoveImage deletes the tagged image if it exists.
func (c *Client) RemoveImage(ctx context.Context, tag string) error {
	if strings.TrimSpace(tag) == "" {
		return fmt.Errorf("image tag cannot be empty")
	}
	if _, err := c.inner.ImageRemove(ctx, tag, image.RemoveOptions{Force: true, PruneChildren: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return transportErr("remove image", err)
	}
	return nil
}

// PruneImages removes dangling images and reports reclaimed bytes.
func (c *Client) PruneImages(ctx context.Context) (uint64, error) {
	report, err := c.inner.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	if err != nil {
		return 0, transportErr("prune images", err)
	}
	return report.SpaceReclaimed, nil
}

type buildMessage struct {
	Stream         string              `json:"stream"`
	Status         string              `json:"status"`
	ID             string              `json:"id"`
	Progress       string              `json:"progress"`
	ProgressDetail buildProgressDetail `json:"progressDetail"`
	Error          string              `json:"error"`
	ErrorDetail    buildMessageError   `json:"errorDetail"`
	Aux            map[string]any      `json:"aux"`
}

type buildProgressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type buildMessageError struct {
	Message string `json:"message"`
}

func (m buildMessage) errorMessage() string {
	if msg := strings.TrimSpace(m.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m buildMessage) imageID() string {
	if len(m.Aux) == 0 {
		return ""
	}
	if id, ok := m.Aux["ID"].(string); ok {
		return id
	}
	return ""
}

func (m buildMessage) render() string {
	if m.Stream != "" {
		return strings.TrimRight(m.Stream, "\n")
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if id := strings.TrimSpace(m.ID); id != "" {
			parts = append(parts, id)
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		progress := strings.TrimSpace(m.Progress)
		if progress == "" && (m.ProgressDetail.Current > 0 || m.ProgressDetail.Total > 0) {
			if m.ProgressDetail.Total > 0 {
				progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
			} else {
				progress = fmt.Sprintf("%d", m.ProgressDetail.Current)
			}
		}
		if progress != "" {
			parts = append(parts, progress)
		}
		return strings.TrimSpace(strings.Join(parts, " "))
	}
	return ""
}
