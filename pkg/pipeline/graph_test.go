package pipeline

import (
	"errors"
	"strings"
	"testing"

	"github.com/gantryci/gantry/pkg/models"
)

func stageWithNeeds(name string, needs ...string) models.Stage {
	return models.Stage{
		Name:  name,
		Image: "docker.io/alpine",
		Needs: needs,
		Steps: []models.Step{{Run: []string{"true"}}},
	}
}

func TestTopoOrder(t *testing.T) {
	stages := []models.Stage{
		stageWithNeeds("deploy", "test", "package"),
		stageWithNeeds("package", "build"),
		stageWithNeeds("test", "build"),
		stageWithNeeds("build", "check"),
		stageWithNeeds("check"),
	}

	g, err := NewGraph(stages)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Validate(); err != nil {
		t.Fatal(err)
	}

	order := g.TopoOrder()
	if len(order) != len(stages) {
		t.Fatalf("expected %d stages in order, got %d", len(stages), len(order))
	}

	position := make(map[string]int)
	for i, name := range order {
		position[name] = i
	}
	for _, s := range stages {
		for _, dep := range s.Needs {
			if position[dep] >= position[s.Name] {
				t.Errorf("stage %s appears before its dependency %s: %v", s.Name, dep, order)
			}
		}
	}
}

func TestCycleDetected(t *testing.T) {
	stages := []models.Stage{
		stageWithNeeds("a", "c"),
		stageWithNeeds("b", "a"),
		stageWithNeeds("c", "b"),
	}

	g, err := NewGraph(stages)
	if err != nil {
		t.Fatal(err)
	}

	err = g.Validate()
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if !strings.Contains(err.Error(), "->") {
		t.Errorf("cycle error should name a path: %v", err)
	}
}

func TestUnknownDependency(t *testing.T) {
	stages := []models.Stage{
		stageWithNeeds("test", "check"),
	}

	if _, err := NewGraph(stages); err == nil {
		t.Fatal("expected an error for an unknown needs target")
	}
}

func TestDuplicateStageName(t *testing.T) {
	stages := []models.Stage{
		stageWithNeeds("build"),
		stageWithNeeds("build"),
	}

	if _, err := NewGraph(stages); err == nil {
		t.Fatal("expected an error for duplicate stage names")
	}
}

func TestSelfDependency(t *testing.T) {
	stages := []models.Stage{
		stageWithNeeds("build", "build"),
	}

	if _, err := NewGraph(stages); err == nil {
		t.Fatal("expected an error for a self dependency")
	}
}

func TestDependentsAndDependencies(t *testing.T) {
	stages := []models.Stage{
		stageWithNeeds("check"),
		stageWithNeeds("test", "check"),
	}

	g, err := NewGraph(stages)
	if err != nil {
		t.Fatal(err)
	}

	deps := g.Dependencies("test")
	if len(deps) != 1 || deps[0] != "check" {
		t.Errorf("expected test to depend on check, got %v", deps)
	}
	dependents := g.Dependents("check")
	if len(dependents) != 1 || dependents[0] != "test" {
		t.Errorf("expected check to be needed by test, got %v", dependents)
	}
}
