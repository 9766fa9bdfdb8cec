package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/gantryci/gantry/pkg/models"
)

// Status is the lifecycle state of a stage.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	}
	return "unknown"
}

// StageExecutor runs a single stage instance to completion.
type StageExecutor interface {
	ExecStage(ctx context.Context, instance Instance) error
}

// Scheduler drives the stage dependency graph: stages whose dependencies have
// all succeeded run concurrently, a failed stage transitively skips its
// dependents, and matrix instances of one stage run in parallel with each
// other.
type Scheduler struct {
	graph     *Graph
	stages    map[string]models.Stage
	instances map[string][]Instance
	order     []string
	executor  StageExecutor
	logger    *log.Logger

	mu     sync.Mutex
	status map[string]Status
	errs   map[string]error
}

// NewScheduler validates the dependency graph and expands every stage's
// matrix up front so configuration errors abort before anything runs.
func NewScheduler(stages []models.Stage, executor StageExecutor) (*Scheduler, error) {
	graph, err := NewGraph(stages)
	if err != nil {
		return nil, err
	}
	if err := graph.Validate(); err != nil {
		return nil, err
	}

	stageMap := make(map[string]models.Stage, len(stages))
	instances := make(map[string][]Instance, len(stages))
	for _, stage := range stages {
		stageMap[stage.Name] = stage
		expanded, err := Expand(stage)
		if err != nil {
			return nil, err
		}
		instances[stage.Name] = expanded
	}

	status := make(map[string]Status, len(stages))
	for _, stage := range stages {
		status[stage.Name] = StatusPending
	}

	return &Scheduler{
		graph:     graph,
		stages:    stageMap,
		instances: instances,
		order:     graph.TopoOrder(),
		executor:  executor,
		logger:    log.Default(),
		status:    status,
		errs:      make(map[string]error),
	}, nil
}

// WithLogger replaces the scheduler's logger.
func (s *Scheduler) WithLogger(logger *log.Logger) *Scheduler {
	s.logger = logger
	return s
}

// Status reports the current state of a stage.
func (s *Scheduler) Status(name string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[name]
}

// Run executes the pipeline and blocks until every stage is in a terminal
// state. The returned error is non-nil iff any stage failed or was blocked
// by a failed dependency.
func (s *Scheduler) Run(ctx context.Context) error {
	type stageResult struct {
		name string
		err  error
	}

	results := make(chan stageResult)
	running := 0

	for {
		for _, name := range s.ready() {
			s.setStatus(name, StatusRunning, nil)
			s.logger.Info("stage started", "stage", name, "instances", len(s.instances[name]))
			running++
			go func(name string) {
				results <- stageResult{name: name, err: s.runStage(ctx, name)}
			}(name)
		}

		if running == 0 {
			break
		}

		r := <-results
		running--
		if r.err != nil {
			s.setStatus(r.name, StatusFailed, r.err)
			s.logger.Error("stage failed", "stage", r.name, "err", r.err)
			s.skipDependents(r.name)
		} else {
			s.setStatus(r.name, StatusSucceeded, nil)
			s.logger.Info("stage succeeded", "stage", r.name)
		}
	}

	return s.result()
}

// runStage runs every matrix instance of a stage concurrently. With
// fail-fast enabled the first failing instance cancels its siblings through
// the group context; otherwise siblings run to completion and the first
// error is reported.
func (s *Scheduler) runStage(ctx context.Context, name string) error {
	instances := s.instances[name]

	if s.stages[name].FailFastEnabled() {
		g, groupCtx := errgroup.WithContext(ctx)
		for _, instance := range instances {
			instance := instance
			g.Go(func() error {
				return s.executor.ExecStage(groupCtx, instance)
			})
		}
		return g.Wait()
	}

	var g errgroup.Group
	for _, instance := range instances {
		instance := instance
		g.Go(func() error {
			return s.executor.ExecStage(ctx, instance)
		})
	}
	return g.Wait()
}

// ready returns pending stages whose dependencies have all succeeded, in
// topological order.
func (s *Scheduler) ready() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ready := make([]string, 0)
	for _, name := range s.order {
		if s.status[name] != StatusPending {
			continue
		}
		ok := true
		for _, dep := range s.graph.Dependencies(name) {
			if s.status[dep] != StatusSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, name)
		}
	}
	return ready
}

// skipDependents transitively marks every pending downstream stage of name
// as skipped. Dependents that are already running are left to finish; their
// own dependents are unreachable from them so no further walk is needed.
func (s *Scheduler) skipDependents(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := append([]string(nil), s.graph.Dependents(name)...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if s.status[next] != StatusPending {
			continue
		}
		s.status[next] = StatusSkipped
		s.errs[next] = fmt.Errorf("blocked by failed dependency %s", name)
		s.logger.Warn("stage skipped", "stage", next, "blockedBy", name)
		queue = append(queue, s.graph.Dependents(next)...)
	}
}

func (s *Scheduler) setStatus(name string, status Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[name] = status
	if err != nil {
		s.errs[name] = err
	}
}

func (s *Scheduler) result() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var parts []string
	for _, name := range s.order {
		switch s.status[name] {
		case StatusFailed:
			parts = append(parts, fmt.Sprintf("stage %s failed: %v", name, s.errs[name]))
		case StatusSkipped:
			parts = append(parts, fmt.Sprintf("stage %s skipped: %v", name, s.errs[name]))
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return fmt.Errorf("pipeline failed: %s", strings.Join(parts, "; "))
}
