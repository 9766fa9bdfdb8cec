// Package service manages auxiliary containers (databases, brokers) that a
// stage needs while its steps run. A service is started before the first
// step, must pass its readiness probe, and is removed when the stage ends.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"github.com/gantryci/gantry/pkg/models"
)

// ErrUnavailable is returned when a service's health check never succeeds
// within its configured retries.
var ErrUnavailable = errors.New("service: unavailable")

type DockerServiceOptions struct {
	ShowImagePull bool
	Stdout        io.Writer

	// Network is the name of the stage network the service joins. Steps
	// resolve the service by its declared name, which is set as a network
	// alias.
	Network string
}

type DockerService struct {
	spec        models.Service
	name        string
	containerID string
	options     DockerServiceOptions
}

func NewDockerService(spec models.Service, options DockerServiceOptions) *DockerService {
	return &DockerService{
		spec:    spec,
		name:    slug.Make(spec.Name + "-" + uuid.NewString()),
		options: options,
	}
}

// Start pulls the service image and starts the container with its declared
// environment and port mappings. It does not wait for readiness; call
// WaitHealthy after Start.
func (s *DockerService) Start(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("unable to create docker client for service %s: %v", s.spec.Name, err)
	}
	defer cli.Close()

	reader, err := cli.ImagePull(ctx, s.spec.Image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("unable to pull image %s for service %s: %v", s.spec.Image, s.spec.Name, err)
	}
	defer reader.Close()
	pullOut := io.Discard
	if s.options.ShowImagePull && s.options.Stdout != nil {
		pullOut = s.options.Stdout
	}
	if _, err := io.Copy(pullOut, reader); err != nil {
		return fmt.Errorf("unable to read image pull logs for service %s: %v", s.spec.Name, err)
	}

	exposed, bindings, err := nat.ParsePortSpecs(s.spec.Ports)
	if err != nil {
		return fmt.Errorf("invalid port mapping for service %s: %v", s.spec.Name, err)
	}

	env := make([]string, 0, len(s.spec.Env))
	for k, v := range s.spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	var networkConfig *network.NetworkingConfig
	if s.options.Network != "" {
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				s.options.Network: {Aliases: []string{s.spec.Name}},
			},
		}
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:        s.spec.Image,
		Env:          env,
		ExposedPorts: exposed,
	}, &container.HostConfig{
		PortBindings: bindings,
	}, networkConfig, nil, s.name)
	if err != nil {
		return fmt.Errorf("unable to create container for service %s: %v", s.spec.Name, err)
	}
	s.containerID = resp.ID

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("unable to start service %s: %v", s.spec.Name, err)
	}

	return nil
}

// WaitHealthy polls the service's health check command until it succeeds or
// retries are exhausted. A service without a health command is considered
// ready immediately.
func (s *DockerService) WaitHealthy(ctx context.Context) error {
	if len(s.spec.Health.Cmd) == 0 {
		return nil
	}
	return pollUntilReady(ctx, s.spec.Name, s.spec.Health, s.probe)
}

// probe runs the health command inside the service container and reports a
// non-zero exit as an error.
func (s *DockerService) probe(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()

	exec, err := cli.ContainerExecCreate(ctx, s.containerID, types.ExecConfig{
		Cmd: s.spec.Health.Cmd,
	})
	if err != nil {
		return err
	}

	if err := cli.ContainerExecStart(ctx, exec.ID, types.ExecStartCheck{}); err != nil {
		return err
	}

	for {
		inspect, err := cli.ContainerExecInspect(ctx, exec.ID)
		if err != nil {
			return err
		}
		if !inspect.Running {
			if inspect.ExitCode != 0 {
				return fmt.Errorf("health command exited with code %d", inspect.ExitCode)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Stop force-removes the service container. Safe to call even if Start
// failed partway.
func (s *DockerService) Stop(ctx context.Context) error {
	if s.containerID == "" {
		return nil
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("unable to create docker client to remove service %s: %v", s.spec.Name, err)
	}
	defer cli.Close()

	if err := cli.ContainerRemove(ctx, s.containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("unable to remove service %s: %v", s.spec.Name, err)
	}
	s.containerID = ""
	return nil
}
