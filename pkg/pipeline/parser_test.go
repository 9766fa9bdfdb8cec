package pipeline

import (
	"strings"
	"testing"
	"time"
)

const validPipeline = `
name: weather-plugin
stages:
  - name: check
    image: python:3.11
    steps:
      - name: lint
        run:
          - pip install pre-commit
          - pre-commit run --all-files
  - name: test
    needs: [check]
    fail-fast: false
    matrix:
      python: ["3.11"]
    image: "python:{{.python}}"
    env:
      PGHOST: postgres
      PGPORT: "5432"
    services:
      - name: postgres
        image: postgres:15
        env:
          POSTGRES_USER: flexmeasures
        ports:
          - "5432:5432"
        health:
          cmd: ["pg_isready", "-U", "flexmeasures"]
          interval: 10s
          timeout: 20s
          retries: 5
    steps:
      - name: run tests
        run:
          - make test
`

func TestParseValidPipeline(t *testing.T) {
	pipelineFile, err := Parse([]byte(validPipeline))
	if err != nil {
		t.Fatal(err)
	}

	if len(pipelineFile.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(pipelineFile.Stages))
	}

	test := pipelineFile.Stages[1]
	if test.FailFastEnabled() {
		t.Error("fail-fast: false was not honored")
	}
	if len(test.Services) != 1 {
		t.Fatalf("expected 1 service, got %d", len(test.Services))
	}

	hc := test.Services[0].Health
	if hc.Interval.Std() != 10*time.Second {
		t.Errorf("expected interval 10s, got %v", hc.Interval.Std())
	}
	if hc.Timeout.Std() != 20*time.Second {
		t.Errorf("expected timeout 20s, got %v", hc.Timeout.Std())
	}
	if hc.Retries != 5 {
		t.Errorf("expected 5 retries, got %d", hc.Retries)
	}
	if test.Env["PGHOST"] != "postgres" {
		t.Errorf("stage env not parsed: %v", test.Env)
	}
}

func TestParseFailFastDefaultsToEnabled(t *testing.T) {
	pipelineFile, err := Parse([]byte(validPipeline))
	if err != nil {
		t.Fatal(err)
	}
	if !pipelineFile.Stages[0].FailFastEnabled() {
		t.Error("fail-fast should default to enabled")
	}
}

func TestParseRejectsStepWithoutCommand(t *testing.T) {
	contents := `
stages:
  - name: check
    image: alpine
    steps:
      - name: empty
`
	_, err := Parse([]byte(contents))
	if err == nil || !strings.Contains(err.Error(), "exactly one of run and uses") {
		t.Fatalf("expected step kind error, got %v", err)
	}
}

func TestParseRejectsStepWithBothKinds(t *testing.T) {
	contents := `
stages:
  - name: check
    image: alpine
    steps:
      - name: both
        uses: alpine:3.18
        run: ["true"]
`
	_, err := Parse([]byte(contents))
	if err == nil || !strings.Contains(err.Error(), "exactly one of run and uses") {
		t.Fatalf("expected step kind error, got %v", err)
	}
}

func TestParseRejectsWithOnRunStep(t *testing.T) {
	contents := `
stages:
  - name: check
    image: alpine
    steps:
      - run: ["true"]
        with:
          key: value
`
	_, err := Parse([]byte(contents))
	if err == nil || !strings.Contains(err.Error(), "with is only valid") {
		t.Fatalf("expected with error, got %v", err)
	}
}

func TestParseRejectsEntrypointOnRunStep(t *testing.T) {
	contents := `
stages:
  - name: check
    image: alpine
    steps:
      - run: ["true"]
        entrypoint: ["/bin/sh"]
`
	_, err := Parse([]byte(contents))
	if err == nil || !strings.Contains(err.Error(), "entrypoint is only valid") {
		t.Fatalf("expected entrypoint error, got %v", err)
	}
}

func TestParseRejectsMissingImage(t *testing.T) {
	contents := `
stages:
  - name: check
    steps:
      - run: ["true"]
`
	if _, err := Parse([]byte(contents)); err == nil {
		t.Fatal("expected validation error for missing image")
	}
}

func TestParseRejectsEmptyMatrixAxis(t *testing.T) {
	contents := `
stages:
  - name: test
    image: alpine
    matrix:
      python: []
    steps:
      - run: ["true"]
`
	_, err := Parse([]byte(contents))
	if err == nil || !strings.Contains(err.Error(), "has no values") {
		t.Fatalf("expected empty axis error, got %v", err)
	}
}

func TestParseRejectsBadDuration(t *testing.T) {
	contents := `
stages:
  - name: test
    image: alpine
    services:
      - name: db
        image: postgres:15
        health:
          cmd: ["true"]
          interval: soon
    steps:
      - run: ["true"]
`
	_, err := Parse([]byte(contents))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("expected duration error, got %v", err)
	}
}

func TestParseUsesStep(t *testing.T) {
	contents := `
stages:
  - name: release
    image: alpine
    steps:
      - name: upload
        uses: registry.example.com/uploader:v2
        with:
          bucket: artifacts
`
	pipelineFile, err := Parse([]byte(contents))
	if err != nil {
		t.Fatal(err)
	}
	step := pipelineFile.Stages[0].Steps[0]
	if step.Uses != "registry.example.com/uploader:v2" {
		t.Errorf("uses not parsed: %q", step.Uses)
	}
	if step.With["bucket"] != "artifacts" {
		t.Errorf("with params not parsed: %v", step.With)
	}
}
