package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/gantryci/gantry/pkg/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and validates a pipeline file.
func Load(path string) (*models.PipelineFile, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return Parse(contents)
}

// Parse decodes a pipeline document and rejects configuration errors that
// would otherwise surface mid-run: missing required fields, steps with no
// command (or two kinds of command), empty matrix axes.
func Parse(contents []byte) (*models.PipelineFile, error) {
	var pipelineFile models.PipelineFile
	if err := yaml.Unmarshal(contents, &pipelineFile); err != nil {
		return nil, fmt.Errorf("could not parse pipeline file: %v", err)
	}

	if err := validate.Struct(pipelineFile); err != nil {
		return nil, fmt.Errorf("invalid pipeline file: %v", err)
	}

	for _, stage := range pipelineFile.Stages {
		for i, step := range stage.Steps {
			hasRun := len(step.Run) > 0
			hasUses := step.Uses != ""
			if hasRun == hasUses {
				return nil, fmt.Errorf("stage %s step %d: exactly one of run and uses must be set", stage.Name, i+1)
			}
			if !hasUses && len(step.With) > 0 {
				return nil, fmt.Errorf("stage %s step %d: with is only valid on uses steps", stage.Name, i+1)
			}
			if !hasUses && len(step.Entrypoint) > 0 {
				return nil, fmt.Errorf("stage %s step %d: entrypoint is only valid on uses steps", stage.Name, i+1)
			}
		}
		for axis, values := range stage.Matrix {
			if len(values) == 0 {
				return nil, fmt.Errorf("stage %s: matrix axis %s has no values", stage.Name, axis)
			}
		}
		for _, svc := range stage.Services {
			if svc.Health.Retries < 0 {
				return nil, fmt.Errorf("stage %s service %s: retries cannot be negative", stage.Name, svc.Name)
			}
		}
	}

	return &pipelineFile, nil
}
