package runner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"github.com/gantryci/gantry/pkg/artifacts"
	"github.com/gantryci/gantry/pkg/models"
)

const (
	WorkingDir = "/workspace"
	dockerSock = "/var/run/docker.sock"
)

// ExitError reports a step container that ran to completion with a non-zero
// exit code.
type ExitError struct {
	Name string
	Code int64
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("step %s exited with code %d", e.Name, e.Code)
}

type DockerRunnerOptions struct {
	ShowImagePull     bool
	Stdout            io.Writer
	Stderr            io.Writer
	MountDockerSocket bool

	// Network is the name of the stage network the step container joins so
	// services are reachable by name.
	Network string
}

// DockerRunner runs a single step in a throwaway container. Steps of a stage
// share a bind-mounted workspace so files written by one step are visible to
// the next.
type DockerRunner struct {
	name            string
	image           string
	workspace       string
	env             []string
	cmd             []string
	entrypoint      []string
	registryAuth    string
	containerID     string
	artifacts       []string
	artifactManager artifacts.ArtifactManager
	options         DockerRunnerOptions
}

func NewDockerRunner(name string, artifactManager artifacts.ArtifactManager, options DockerRunnerOptions) *DockerRunner {
	if options.Stdout == nil {
		options.Stdout = os.Stdout
	}
	if options.Stderr == nil {
		options.Stderr = os.Stderr
	}

	return &DockerRunner{
		name:            slug.Make(name + "-" + uuid.NewString()),
		artifactManager: artifactManager,
		options:         options,
	}
}

func (d *DockerRunner) WithImage(image string) *DockerRunner {
	d.image = image
	return d
}

// WithWorkspace sets the host directory mounted at WorkingDir inside the
// step container.
func (d *DockerRunner) WithWorkspace(hostDir string) *DockerRunner {
	d.workspace = hostDir
	return d
}

func (d *DockerRunner) WithEnv(env models.Variable) *DockerRunner {
	variables := make([]string, 0, len(env))
	for k, v := range env {
		variables = append(variables, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(variables)
	d.env = variables
	return d
}

func (d *DockerRunner) WithCmd(cmd []string) *DockerRunner {
	d.cmd = cmd
	return d
}

func (d *DockerRunner) WithEntrypoint(entrypoint []string) *DockerRunner {
	d.entrypoint = entrypoint
	return d
}

func (d *DockerRunner) WithCredentials(username, password string) *DockerRunner {
	if username == "" && password == "" {
		return d
	}
	auth, err := json.Marshal(types.AuthConfig{
		Username: username,
		Password: password,
	})
	if err != nil {
		return d
	}
	d.registryAuth = base64.URLEncoding.EncodeToString(auth)
	return d
}

func (d *DockerRunner) CreatesArtifacts(artifacts []string) *DockerRunner {
	d.artifacts = artifacts
	return d
}

func (d *DockerRunner) Run(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("unable to create docker client to create container %s: %v", d.name, err)
	}
	defer cli.Close()

	reader, err := cli.ImagePull(ctx, d.image, types.ImagePullOptions{RegistryAuth: d.registryAuth})
	if err != nil {
		return fmt.Errorf("unable to pull image %s for container %s: %v", d.image, d.name, err)
	}
	defer reader.Close()
	pullOut := io.Discard
	if d.options.ShowImagePull {
		pullOut = d.options.Stdout
	}
	if _, err := io.Copy(pullOut, reader); err != nil {
		return fmt.Errorf("unable to read image pull logs for %s: %v", d.name, err)
	}

	config := &container.Config{
		Image:      d.image,
		Env:        d.env,
		WorkingDir: WorkingDir,
	}
	if len(d.cmd) > 0 {
		config.Cmd = []string{"/bin/sh", "-c", strings.Join(d.cmd, "\n")}
	}
	if len(d.entrypoint) > 0 {
		config.Entrypoint = d.entrypoint
	}

	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: d.workspace,
			Target: WorkingDir,
		},
	}
	if d.options.MountDockerSocket {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: dockerSock,
			Target: dockerSock,
		})
	}

	var networkConfig *network.NetworkingConfig
	if d.options.Network != "" {
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				d.options.Network: {},
			},
		}
	}

	resp, err := cli.ContainerCreate(ctx, config, &container.HostConfig{Mounts: mounts}, networkConfig, nil, d.name)
	if err != nil {
		return fmt.Errorf("unable to create container %s: %v", d.name, err)
	}
	d.containerID = resp.ID
	defer cli.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true})

	if d.artifactManager != nil {
		if err := d.artifactManager.RetrieveArtifact(d.containerID, nil); err != nil {
			return fmt.Errorf("unable to retrieve artifacts for %s: %v", d.name, err)
		}
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("unable to start container %s: %v", d.name, err)
	}

	logs, err := cli.ContainerLogs(ctx, resp.ID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("unable to attach logs for %s: %v", d.name, err)
	}
	defer logs.Close()

	if _, err := io.Copy(d.options.Stdout, logs); err != nil && ctx.Err() == nil {
		return fmt.Errorf("unable to read container logs from %s: %v", d.name, err)
	}

	statusCh, errCh := cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return fmt.Errorf("error waiting for container %s to stop: %v", d.name, err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return &ExitError{Name: d.name, Code: status.StatusCode}
		}
		if err := d.publishArtifacts(); err != nil {
			return fmt.Errorf("unable to publish artifacts for %s: %v", d.name, err)
		}
	case <-ctx.Done():
		return fmt.Errorf("context canceled, stopping container %s: %w", d.name, ctx.Err())
	}

	return nil
}

func (d *DockerRunner) publishArtifacts() error {
	for _, v := range d.artifacts {
		if _, err := d.artifactManager.PublishArtifact(d.containerID, WorkingDir+"/"+v); err != nil {
			return err
		}
	}
	return nil
}
