package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"

	"github.com/Ajay73588/autopod/internal/domain"
)

// Container is the adapter's view of a live container.
type Container struct {
	ID        string
	Name      string
	Image     string
	State     string
	Status    string
	Ports     []domain.PortBinding
	CreatedAt time.Time
}

// NetworkInfo captures the network-facing details of a container.
type NetworkInfo struct {
	Ports     []domain.PortBinding `json:"ports"`
	Networks  []string             `json:"networks"`
	IPAddress string               `json:"ip_address"`
	Gateway   string               `json:"gateway"`
}

// Stats is a point-in-time resource sample for a running container.
type Stats struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryUsage uint64  `json:"memory_usage_bytes"`
	MemoryLimit uint64  `json:"memory_limit_bytes"`
}

// List returns every container known to the engine, running or not.
func (c *Client) List(ctx context.Context) ([]Container, error) {
	summaries, err := c.inner.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, classify("list containers", err)
	}
	result := make([]Container, 0, len(summaries))
	for _, summary := range summaries {
		name := ""
		if len(summary.Names) > 0 {
			name = strings.TrimPrefix(summary.Names[0], "/")
		}
		ports := make([]domain.PortBinding, 0, len(summary.Ports))
		for _, p := range summary.Ports {
			if p.PublicPort == 0 && p.PrivatePort == 0 {
				continue
			}
			ports = append(ports, domain.PortBinding{
				ContainerPort: int(p.PrivatePort),
				HostPort:      int(p.PublicPort),
				HostIP:        p.IP,
			})
		}
		result = append(result, Container{
			ID:        summary.ID,
			Name:      name,
			Image:     summary.Image,
			State:     summary.State,
			Status:    summary.Status,
			Ports:     ports,
			CreatedAt: time.Unix(summary.Created, 0).UTC(),
		})
	}
	return result, nil
}

// Inspect returns the live view of a single container by name or id.
func (c *Client) Inspect(ctx context.Context, name string) (*Container, error) {
	detail, err := c.inner.ContainerInspect(ctx, name)
	if err != nil {
		return nil, classify("inspect container", err)
	}
	created, _ := time.Parse(time.RFC3339Nano, detail.Created)
	result := Container{
		ID:        detail.ID,
		Name:      strings.TrimPrefix(detail.Name, "/"),
		CreatedAt: created.UTC(),
	}
	if detail.Config != nil {
		result.Image = detail.Config.Image
	}
	if detail.State != nil {
		result.State = detail.State.Status
		result.Status = detail.State.Status
	}
	if detail.NetworkSettings != nil {
		result.Ports = bindingsFromPortMap(detail.NetworkSettings.Ports)
	}
	return &result, nil
}

// Start starts a container. Starting an already-running container is a
// successful no-op at the engine level.
func (c *Client) Start(ctx context.Context, name string) error {
	if err := c.inner.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return classify("start container", err)
	}
	return nil
}

// Stop stops a container. Stopping an already-stopped container is a
// successful no-op at the engine level.
func (c *Client) Stop(ctx context.Context, name string) error {
	if err := c.inner.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		return classify("stop container", err)
	}
	return nil
}

// Restart stops then starts a container.
func (c *Client) Restart(ctx context.Context, name string) error {
	if err := c.inner.ContainerRestart(ctx, name, container.StopOptions{}); err != nil {
		return classify("restart container", err)
	}
	return nil
}

// Remove force-removes a container. Removing a container that no longer
// exists is treated as success.
func (c *Client) Remove(ctx context.Context, name string) error {
	err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err == nil {
		return nil
	}
	if classified := classify("remove container", err); !isNotFound(classified) {
		return classified
	}
	return nil
}

// Run creates and starts a container from an image under the given name.
// Every port the image exposes gets a host port allocated by the engine.
// It returns the runtime id and the resolved port bindings.
func (c *Client) Run(ctx context.Context, name, image string) (string, []domain.PortBinding, error) {
	if strings.TrimSpace(name) == "" {
		return "", nil, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(image) == "" {
		return "", nil, fmt.Errorf("image name cannot be empty")
	}

	config := &container.Config{Image: image}
	hostCfg := &container.HostConfig{
		PublishAllPorts: true,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, name)
	if err != nil {
		return "", nil, classify("container create", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", nil, classify("container start", err)
	}

	// Host ports are assigned asynchronously; poll the inspect endpoint
	// briefly until bindings appear.
	var detail types.ContainerJSON
	for attempt := 0; attempt < 10; attempt++ {
		detail, err = c.inner.ContainerInspect(ctx, created.ID)
		if err != nil {
			return "", nil, classify("container inspect", err)
		}
		if hasHostPort(detail.NetworkSettings) || attempt == 9 {
			break
		}
		select {
		case <-ctx.Done():
			return "", nil, fmt.Errorf("wait for host port: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}

	var bindings []domain.PortBinding
	if detail.NetworkSettings != nil {
		bindings = bindingsFromPortMap(detail.NetworkSettings.Ports)
	}
	return created.ID, bindings, nil
}

// Stats samples CPU and memory usage for a running container.
func (c *Client) Stats(ctx context.Context, name string) (*Stats, error) {
	resp, err := c.inner.ContainerStats(ctx, name, false)
	if err != nil {
		return nil, classify("container stats", err)
	}
	defer resp.Body.Close()

	var sample container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&sample); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}

	stats := Stats{
		MemoryUsage: sample.MemoryStats.Usage,
		MemoryLimit: sample.MemoryStats.Limit,
	}
	cpuDelta := float64(sample.CPUStats.CPUUsage.TotalUsage) - float64(sample.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(sample.CPUStats.SystemUsage) - float64(sample.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && systemDelta > 0 {
		cpus := float64(sample.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(sample.CPUStats.CPUUsage.PercpuUsage))
		}
		if cpus == 0 {
			cpus = 1
		}
		stats.CPUPercent = cpuDelta / systemDelta * cpus * 100.0
	}
	return &stats, nil
}

// Network returns network details for a container.
func (c *Client) Network(ctx context.Context, name string) (*NetworkInfo, error) {
	detail, err := c.inner.ContainerInspect(ctx, name)
	if err != nil {
		return nil, classify("inspect container", err)
	}
	info := NetworkInfo{Ports: []domain.PortBinding{}, Networks: []string{}}
	if detail.NetworkSettings == nil {
		return &info, nil
	}
	info.Ports = bindingsFromPortMap(detail.NetworkSettings.Ports)
	for networkName, endpoint := range detail.NetworkSettings.Networks {
		info.Networks = append(info.Networks, networkName)
		if endpoint == nil {
			continue
		}
		if info.IPAddress == "" && endpoint.IPAddress != "" {
			info.IPAddress = endpoint.IPAddress
		}
		if info.Gateway == "" && endpoint.Gateway != "" {
			info.Gateway = endpoint.Gateway
		}
	}
	return &info, nil
}

func bindingsFromPortMap(ports nat.PortMap) []domain.PortBinding {
	if len(ports) == 0 {
		return nil
	}
	var result []domain.PortBinding
	for port, bindings := range ports {
		if len(bindings) == 0 {
			result = append(result, domain.PortBinding{ContainerPort: port.Int()})
			continue
		}
		for _, binding := range bindings {
			hostPort, _ := strconv.Atoi(binding.HostPort)
			result = append(result, domain.PortBinding{
				ContainerPort: port.Int(),
				HostPort:      hostPort,
				HostIP:        binding.HostIP,
			})
		}
	}
	return result
}

func hasHostPort(settings *types.NetworkSettings) bool {
	if settings == nil || settings.Ports == nil {
		return false
	}
	for _, bindings := range settings.Ports {
		for _, binding := range bindings {
			if strings.TrimSpace(binding.HostPort) != "" {
				return true
			}
		}
	}
	return false
}
