package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/archive"
)

// Image summarizes a locally stored image.
type Image struct {
	ID        string    `json:"id"`
	Tags      []string  `json:"tags"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// ImageLayer is one entry in an image's build history.
type ImageLayer struct {
	ID        string `json:"id"`
	CreatedBy string `json:"created_by"`
	SizeBytes int64  `json:"size_bytes"`
	Comment   string `json:"comment,omitempty"`
}

// SearchResult is one registry search hit.
type SearchResult struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Stars       int    `json:"stars"`
	Official    bool   `json:"official"`
}

// BuildOutputCallback is invoked with incremental build messages.
type BuildOutputCallback func(string)

// Build creates an image from the provided directory using the Dockerfile at
// its root. The engine's JSON progress stream is drained and surfaced line
// by line; a stream error terminates the build.
func (c *Client) Build(ctx context.Context, dir, tag string, onOutput BuildOutputCallback) error {
	if dir == "" {
		return fmt.Errorf("build directory cannot be empty")
	}
	if tag == "" {
		return fmt.Errorf("image tag cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := c.inner.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return classify("image build", err)
	}
	defer resp.Body.Close()
	return drainStream(resp.Body, onOutput)
}

// Pull fetches an image from a registry.
func (c *Client) Pull(ctx context.Context, ref string) error {
	reader, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify("image pull", err)
	}
	defer reader.Close()
	if err := drainStream(reader, nil); err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	return nil
}

// Push uploads an image to a registry using the supplied credentials.
func (c *Client) Push(ctx context.Context, ref, username, secret, serverAddress string) error {
	auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      username,
		Password:      secret,
		ServerAddress: serverAddress,
	})
	if err != nil {
		return fmt.Errorf("encode registry auth: %w", err)
	}
	reader, err := c.inner.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return classify("image push", err)
	}
	defer reader.Close()
	if err := drainStream(reader, nil); err != nil {
		return fmt.Errorf("image push: %w", err)
	}
	return nil
}

// Tag applies a new reference to an existing image.
func (c *Client) Tag(ctx context.Context, source, target string) error {
	if err := c.inner.ImageTag(ctx, source, target); err != nil {
		return classify("image tag", err)
	}
	return nil
}

// RemoveImage deletes a local image.
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	_, err := c.inner.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true})
	if err != nil {
		return classify("image remove", err)
	}
	return nil
}

// ListImages returns all locally stored images.
func (c *Client) ListImages(ctx context.Context) ([]Image, error) {
	summaries, err := c.inner.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, classify("image list", err)
	}
	result := make([]Image, 0, len(summaries))
	for _, summary := range summaries {
		result = append(result, Image{
			ID:        summary.ID,
			Tags:      summary.RepoTags,
			SizeBytes: summary.Size,
			CreatedAt: time.Unix(summary.Created, 0).UTC(),
		})
	}
	return result, nil
}

// SearchImages queries the configured registry for matching images.
func (c *Client) SearchImages(ctx context.Context, term string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 25
	}
	hits, err := c.inner.ImageSearch(ctx, term, registry.SearchOptions{Limit: limit})
	if err != nil {
		return nil, classify("image search", err)
	}
	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, SearchResult{
			Name:        hit.Name,
			Description: hit.Description,
			Stars:       hit.StarCount,
			Official:    hit.IsOfficial,
		})
	}
	return results, nil
}

// ImageDetails returns the full inspect payload for an image.
func (c *Client) ImageDetails(ctx context.Context, ref string) (*types.ImageInspect, error) {
	detail, _, err := c.inner.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return nil, classify("image inspect", err)
	}
	return &detail, nil
}

// ImageHistory returns the layer history for an image.
func (c *Client) ImageHistory(ctx context.Context, ref string) ([]ImageLayer, error) {
	entries, err := c.inner.ImageHistory(ctx, ref)
	if err != nil {
		return nil, classify("image history", err)
	}
	layers := make([]ImageLayer, 0, len(entries))
	for _, entry := range entries {
		layers = append(layers, ImageLayer{
			ID:        entry.ID,
			CreatedBy: entry.CreatedBy,
			SizeBytes: entry.Size,
			Comment:   entry.Comment,
		})
	}
	return layers, nil
}

// Login validates registry credentials against the engine.
func (c *Client) Login(ctx context.Context, serverAddress, username, secret string) error {
	_, err := c.inner.RegistryLogin(ctx, registry.AuthConfig{
		Username:      username,
		Password:      secret,
		ServerAddress: serverAddress,
	})
	if err != nil {
		return classify("registry login", err)
	}
	return nil
}

type streamMessage struct {
	Stream      string `json:"stream"`
	Status      string `json:"status"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

func (m streamMessage) errorMessage() string {
	if msg := strings.TrimSpace(m.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

// drainStream consumes an engine JSON progress stream, forwarding readable
// lines and turning embedded error frames into a returned error.
func drainStream(body io.Reader, onOutput BuildOutputCallback) error {
	decoder := json.NewDecoder(body)
	for {
		var msg streamMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode engine stream: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return fmt.Errorf("engine reported: %s", errMsg)
		}
		if onOutput == nil {
			continue
		}
		line := strings.TrimSpace(msg.Stream)
		if line == "" {
			line = strings.TrimSpace(msg.Status)
		}
		if line != "" {
			onOutput(line)
		}
	}
}
