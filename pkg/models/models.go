package models

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Variable is a set of KEY=VALUE environment variables.
type Variable map[string]string

// Matrix maps an axis name to the list of values it takes. A stage with a
// matrix is instantiated once per combination of axis values.
type Matrix map[string][]string

// Duration wraps time.Duration so values like "10s" parse from yaml.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type PipelineFile struct {
	Name   string  `yaml:"name"`
	Stages []Stage `yaml:"stages" validate:"required,min=1,dive"`
}

// Stage is a named unit of work. Stages with no pending dependencies run
// concurrently; steps inside a stage run sequentially.
type Stage struct {
	Name      string    `yaml:"name" validate:"required"`
	Needs     []string  `yaml:"needs"`
	Image     string    `yaml:"image" validate:"required"`
	Src       string    `yaml:"src"`
	Env       Variable  `yaml:"env"`
	Matrix    Matrix    `yaml:"matrix"`
	FailFast  *bool     `yaml:"fail-fast"`
	Services  []Service `yaml:"services" validate:"dive"`
	Steps     []Step    `yaml:"steps" validate:"required,min=1,dive"`
	Artifacts []string  `yaml:"artifacts"`
}

// FailFastEnabled reports the fail-fast policy for matrix siblings.
// Unset means enabled.
func (s Stage) FailFastEnabled() bool {
	return s.FailFast == nil || *s.FailFast
}

// Step is a single command invocation. Exactly one of Run and Uses must be
// set: Run is a shell script executed in the stage image, Uses is a versioned
// action image run with With as its environment and Entrypoint overriding
// the image's own.
type Step struct {
	Name            string   `yaml:"name"`
	Run             []string `yaml:"run"`
	Uses            string   `yaml:"uses"`
	With            Variable `yaml:"with"`
	Entrypoint      []string `yaml:"entrypoint"`
	ContinueOnError bool     `yaml:"continue-on-error"`
}

// Service is an auxiliary container started before a stage's steps and
// removed when the stage finishes. Steps reach it by Name on the stage
// network.
type Service struct {
	Name   string      `yaml:"name" validate:"required"`
	Image  string      `yaml:"image" validate:"required"`
	Env    Variable    `yaml:"env"`
	Ports  []string    `yaml:"ports"`
	Health HealthCheck `yaml:"health"`
}

// HealthCheck is a polled readiness probe run inside the service container.
// A zero Cmd means the service is considered ready as soon as it starts.
type HealthCheck struct {
	Cmd      []string `yaml:"cmd"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
	Retries  int      `yaml:"retries"`
}
