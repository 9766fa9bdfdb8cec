package pipeline

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/gantryci/gantry/pkg/models"
)

// Instance is one runnable instantiation of a stage. A stage without a
// matrix yields a single instance; a stage with a matrix yields one instance
// per combination of axis values, each independent of its siblings.
type Instance struct {
	Stage models.Stage

	// Name is the stage name, suffixed with the axis assignment for matrix
	// instances, e.g. "test (python=3.11)".
	Name string

	// Image is the stage image with matrix values substituted.
	Image string

	// Vars holds this instance's axis assignment. The values are injected
	// into every step's environment.
	Vars models.Variable
}

// Expand instantiates a stage template against its matrix. Axis names are
// iterated in sorted order so the instance list is deterministic.
func Expand(stage models.Stage) ([]Instance, error) {
	axes := make([]string, 0, len(stage.Matrix))
	for axis, values := range stage.Matrix {
		if len(values) == 0 {
			return nil, fmt.Errorf("stage %s: matrix axis %s has no values", stage.Name, axis)
		}
		axes = append(axes, axis)
	}
	sort.Strings(axes)

	combinations := []models.Variable{{}}
	for _, axis := range axes {
		next := make([]models.Variable, 0, len(combinations)*len(stage.Matrix[axis]))
		for _, combo := range combinations {
			for _, value := range stage.Matrix[axis] {
				extended := make(models.Variable, len(combo)+1)
				for k, v := range combo {
					extended[k] = v
				}
				extended[axis] = value
				next = append(next, extended)
			}
		}
		combinations = next
	}

	instances := make([]Instance, 0, len(combinations))
	for _, vars := range combinations {
		image, err := renderImage(stage, vars)
		if err != nil {
			return nil, err
		}
		instances = append(instances, Instance{
			Stage: stage,
			Name:  instanceName(stage.Name, axes, vars),
			Image: image,
			Vars:  vars,
		})
	}
	return instances, nil
}

// renderImage substitutes matrix values into the stage image reference, e.g.
// "python:{{.python}}" with python=3.11 becomes "python:3.11".
func renderImage(stage models.Stage, vars models.Variable) (string, error) {
	if !strings.Contains(stage.Image, "{{") {
		return stage.Image, nil
	}

	tmpl, err := template.New("image").Option("missingkey=error").Parse(stage.Image)
	if err != nil {
		return "", fmt.Errorf("stage %s: invalid image template %q: %v", stage.Name, stage.Image, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]string(vars)); err != nil {
		return "", fmt.Errorf("stage %s: could not render image %q: %v", stage.Name, stage.Image, err)
	}
	return buf.String(), nil
}

func instanceName(stageName string, axes []string, vars models.Variable) string {
	if len(axes) == 0 {
		return stageName
	}

	pairs := make([]string, 0, len(axes))
	for _, axis := range axes {
		pairs = append(pairs, fmt.Sprintf("%s=%s", axis, vars[axis]))
	}
	return fmt.Sprintf("%s (%s)", stageName, strings.Join(pairs, ", "))
}
