package artifacts

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"

	"github.com/gantryci/gantry/pkg/store"
)

type ArtifactManager interface {
	// PublishArtifact takes in a containerID and a path inside the container
	// and moves the artifact into the artifact store, returning a key that
	// references the artifact.
	PublishArtifact(containerID, path string) (key string, err error)

	// RetrieveArtifact takes in a containerID and a keys slice and moves the
	// artifacts to their original paths inside the container. If keys is nil,
	// all published artifacts are moved into the container. The original path
	// is the path from where the artifact was published.
	RetrieveArtifact(containerID string, keys []string) error
}

type DockerArtifactsManager struct {
	cli           *client.Client
	artifactStore store.Store
	artifactsDir  string
}

// NewDockerArtifactsManager creates an artifact manager rooted at
// artifactsDir. Any artifacts from a previous run are cleared.
func NewDockerArtifactsManager(artifactsDir string) (ArtifactManager, error) {
	if _, err := os.Stat(artifactsDir); err == nil {
		if err := os.RemoveAll(artifactsDir); err != nil {
			return nil, fmt.Errorf("could not remove %s directory: %v", artifactsDir, err)
		}
	}

	if err := os.MkdirAll(artifactsDir, 0755); err != nil {
		return nil, fmt.Errorf("could not create %s directory: %v", artifactsDir, err)
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("could not create docker client for artifacts: %v", err)
	}

	return &DockerArtifactsManager{
		cli:           cli,
		artifactStore: store.NewMemStore(),
		artifactsDir:  artifactsDir,
	}, nil
}

func (d *DockerArtifactsManager) PublishArtifact(containerID, path string) (string, error) {
	ctx := context.Background()
	r, _, err := d.cli.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		return "", fmt.Errorf("could not copy artifact %s from container %s: %v", path, containerID, err)
	}
	defer r.Close()

	f, err := os.CreateTemp(d.artifactsDir, "artifacts-*.tar")
	if err != nil {
		return "", fmt.Errorf("could not create artifacts tar file: %v", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("could not copy file contents from container %s to artifact tar: %v", containerID, err)
	}

	_, fname := filepath.Split(f.Name())
	return fname, d.artifactStore.Set(strings.TrimSpace(fname), filepath.Dir(path))
}

func (d *DockerArtifactsManager) RetrieveArtifact(containerID string, keys []string) error {
	ctx := context.Background()

	if len(keys) > 0 {
		for _, v := range keys {
			if err := d.copyToContainer(ctx, containerID, filepath.Join(d.artifactsDir, filepath.Clean(v))); err != nil {
				return err
			}
		}
		return nil
	}

	return filepath.Walk(d.artifactsDir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".tar") {
			return nil
		}
		return d.copyToContainer(ctx, containerID, path)
	})
}

func (d *DockerArtifactsManager) copyToContainer(ctx context.Context, containerID, path string) error {
	_, fname := filepath.Split(path)
	originalPath, err := d.artifactStore.Get(strings.TrimSpace(fname))
	if err != nil {
		return fmt.Errorf("could not get %s from artifact store: %v", fname, err)
	}

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("could not open artifact %s for copying to container %s: %v", path, containerID, err)
	}
	defer f.Close()

	if err := d.cli.CopyToContainer(ctx, containerID, originalPath.(string), f, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("could not copy artifact %s to container %s: %v", path, containerID, err)
	}
	return nil
}
