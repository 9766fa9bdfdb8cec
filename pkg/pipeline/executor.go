package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/gosimple/slug"

	"github.com/gantryci/gantry/pkg/artifacts"
	"github.com/gantryci/gantry/pkg/models"
	"github.com/gantryci/gantry/pkg/runner"
	"github.com/gantryci/gantry/pkg/service"
	"github.com/gantryci/gantry/pkg/utils"
)

const (
	BuildDir     = ".gantry"
	ArtifactsDir = ".artifacts"
)

type ExecutorOptions struct {
	ShowImagePull     bool
	MountDockerSocket bool
	RegistryUsername  string
	RegistryPassword  string

	// ExtraEnv is appended to every step's environment, after stage env and
	// matrix variables.
	ExtraEnv models.Variable
}

// stageService is the lifecycle of one auxiliary container.
type stageService interface {
	Start(ctx context.Context) error
	WaitHealthy(ctx context.Context) error
	Stop(ctx context.Context) error
}

// stepRequest is everything one step invocation needs.
type stepRequest struct {
	Name       string
	Image      string
	Cmd        []string
	Entrypoint []string
	Env        models.Variable
	Artifacts  []string
	Workspace  string
	Network    string
	Stdout     io.Writer
	Stderr     io.Writer
}

// DockerStageExecutor runs stage instances with Docker: a private network
// and workspace per instance, service containers health-checked before the
// first step, and one throwaway container per step.
type DockerStageExecutor struct {
	artifactManager artifacts.ArtifactManager
	options         ExecutorOptions
	logger          *log.Logger

	// Construction hooks, overridden in tests with fakes.
	newNetwork func(ctx context.Context, stageName string) (*service.Network, error)
	newService func(spec models.Service, options service.DockerServiceOptions) stageService
	runStep    func(ctx context.Context, req stepRequest) error
	prepare    func(instance Instance) (string, error)
}

func NewDockerStageExecutor(artifactManager artifacts.ArtifactManager, options ExecutorOptions) *DockerStageExecutor {
	e := &DockerStageExecutor{
		artifactManager: artifactManager,
		options:         options,
		logger:          log.Default(),
	}
	e.newNetwork = service.NewNetwork
	e.newService = func(spec models.Service, options service.DockerServiceOptions) stageService {
		return service.NewDockerService(spec, options)
	}
	e.runStep = e.runDockerStep
	e.prepare = e.prepareWorkspace
	return e
}

func (e *DockerStageExecutor) ExecStage(ctx context.Context, instance Instance) error {
	stdout := utils.NewColorLogger(instance.Name, os.Stdout, true)
	stderr := utils.NewColorLogger(instance.Name, os.Stderr, false)

	workspace, err := e.prepare(instance)
	if err != nil {
		return fmt.Errorf("stage %s: %v", instance.Name, err)
	}
	defer os.RemoveAll(workspace)

	network, err := e.newNetwork(ctx, instance.Name)
	if err != nil {
		return fmt.Errorf("stage %s: %v", instance.Name, err)
	}
	defer network.Remove(context.Background())

	services := make([]stageService, 0, len(instance.Stage.Services))
	defer func() {
		for _, svc := range services {
			if err := svc.Stop(context.Background()); err != nil {
				e.logger.Error("could not stop service", "stage", instance.Name, "err", err)
			}
		}
	}()

	for _, spec := range instance.Stage.Services {
		svc := e.newService(spec, service.DockerServiceOptions{
			ShowImagePull: e.options.ShowImagePull,
			Stdout:        stdout,
			Network:       network.Name,
		})
		services = append(services, svc)
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("stage %s: %v", instance.Name, err)
		}
	}

	for _, svc := range services {
		if err := svc.WaitHealthy(ctx); err != nil {
			return fmt.Errorf("stage %s: %w", instance.Name, err)
		}
	}

	env := mergeEnv(instance.Stage.Env, instance.Vars, e.options.ExtraEnv)

	for i, step := range instance.Stage.Steps {
		name := step.Name
		if name == "" {
			name = fmt.Sprintf("step %d", i+1)
		}

		req := stepRequest{
			Name:      instance.Name + " " + name,
			Image:     instance.Image,
			Cmd:       step.Run,
			Env:       env,
			Workspace: workspace,
			Network:   network.Name,
			Stdout:    stdout,
			Stderr:    stderr,
		}
		if step.Uses != "" {
			req.Image = step.Uses
			req.Cmd = nil
			req.Entrypoint = step.Entrypoint
			req.Env = mergeEnv(env, step.With)
		}
		if i == len(instance.Stage.Steps)-1 {
			req.Artifacts = instance.Stage.Artifacts
		}

		if err := e.runStep(ctx, req); err != nil {
			if step.ContinueOnError {
				e.logger.Warn("step failed, continuing", "stage", instance.Name, "step", name, "err", err)
				continue
			}
			return fmt.Errorf("stage %s, step %s: %w", instance.Name, name, err)
		}
	}

	return nil
}

func (e *DockerStageExecutor) runDockerStep(ctx context.Context, req stepRequest) error {
	return runner.NewDockerRunner(req.Name, e.artifactManager, runner.DockerRunnerOptions{
		ShowImagePull:     e.options.ShowImagePull,
		Stdout:            req.Stdout,
		Stderr:            req.Stderr,
		MountDockerSocket: e.options.MountDockerSocket,
		Network:           req.Network,
	}).
		WithImage(req.Image).
		WithWorkspace(req.Workspace).
		WithEnv(req.Env).
		WithCmd(req.Cmd).
		WithEntrypoint(req.Entrypoint).
		WithCredentials(e.options.RegistryUsername, e.options.RegistryPassword).
		CreatesArtifacts(req.Artifacts).
		Run(ctx)
}

// prepareWorkspace seeds a per-instance host directory from the stage src
// so steps share files without touching the checkout itself.
func (e *DockerStageExecutor) prepareWorkspace(instance Instance) (string, error) {
	src := instance.Stage.Src
	if src == "" {
		src = "."
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	workspace := filepath.Join(wd, BuildDir, "src-"+slug.Make(instance.Name))
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return "", err
	}

	if err := utils.TarCopy(filepath.Clean(src), workspace, "", BuildDir, ArtifactsDir); err != nil {
		return "", fmt.Errorf("could not copy %s into workspace: %v", src, err)
	}
	return workspace, nil
}

// mergeEnv merges variable sets left to right, later sets overriding earlier
// keys.
func mergeEnv(sets ...models.Variable) models.Variable {
	merged := make(models.Variable)
	for _, set := range sets {
		for k, v := range set {
			merged[k] = v
		}
	}
	return merged
}
