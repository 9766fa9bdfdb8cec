package gantry

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/gantryci/gantry/pkg/artifacts"
	"github.com/gantryci/gantry/pkg/models"
	"github.com/gantryci/gantry/pkg/pipeline"
)

var (
	pipelineFilePath  string
	mountDockerSocket bool
	envVars           []string
	username          string
	password          string
	failFast          bool
	timeout           time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "Gantry is a minimal CI",
	Long: `Gantry is a minimal CI that runs pipelines defined in a file ( default gantry.yml )
inside docker containers. Stages declare the stages they need and run as soon as those
succeed; matrix stages fan out into parallel instances and services are health-checked
before any step runs.`,

	Run: func(cmd *cobra.Command, args []string) {
		extraEnv := make(models.Variable)
		for _, v := range envVars {
			key, value, ok := strings.Cut(v, "=")
			if !ok {
				log.Fatal("variables should be defined as KEY=VALUE", "got", v)
			}
			extraEnv[key] = value
		}

		var failFastOverride *bool
		if cmd.Flags().Changed("fail-fast") {
			failFastOverride = &failFast
		}

		run(extraEnv, failFastOverride)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&pipelineFilePath, "pipeline-file-path", "f", "gantry.yml", "Path to the pipeline file.")
	rootCmd.Flags().BoolVarP(&mountDockerSocket, "mount-docker-socket", "m", false, "Mount docker socket. Required to run containers from gantry.")
	rootCmd.Flags().StringVarP(&username, "registry-username", "u", "", "Username for the container registry")
	rootCmd.Flags().StringVarP(&password, "registry-password", "p", "", "Password / Token for the container registry")
	rootCmd.Flags().BoolVar(&failFast, "fail-fast", true, "Cancel sibling matrix instances when one fails. Overrides the pipeline file.")
	rootCmd.Flags().DurationVar(&timeout, "timeout", time.Hour, "Overall pipeline timeout")

	rootCmd.Flags().StringArrayVarP(&envVars, "environment-variable", "e", make([]string, 0), "Environment variables. KEY=VALUE")

	rootCmd.AddCommand(versionCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(extraEnv models.Variable, failFastOverride *bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pipelineFile, err := pipeline.Load(pipelineFilePath)
	if err != nil {
		log.Fatal(err)
	}

	if failFastOverride != nil {
		for i := range pipelineFile.Stages {
			pipelineFile.Stages[i].FailFast = failFastOverride
		}
	}

	artifactManager, err := artifacts.NewDockerArtifactsManager(pipeline.ArtifactsDir)
	if err != nil {
		log.Fatal(err)
	}

	executor := pipeline.NewDockerStageExecutor(artifactManager, pipeline.ExecutorOptions{
		ShowImagePull:     true,
		MountDockerSocket: mountDockerSocket,
		RegistryUsername:  username,
		RegistryPassword:  password,
		ExtraEnv:          extraEnv,
	})

	scheduler, err := pipeline.NewScheduler(pipelineFile.Stages, executor)
	if err != nil {
		log.Fatal(err)
	}

	if err := scheduler.Run(ctx); err != nil {
		log.Fatal(err)
	}
}
