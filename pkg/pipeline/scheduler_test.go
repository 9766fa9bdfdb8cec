package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gantryci/gantry/pkg/models"
)

// fakeExecutor records the order instances run in and fails the instances
// listed in failures.
type fakeExecutor struct {
	mu       sync.Mutex
	ran      []string
	failures map[string]error

	// block makes the named instance wait for ctx cancellation before
	// returning, to observe fail-fast behavior.
	block map[string]bool
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		failures: make(map[string]error),
		block:    make(map[string]bool),
	}
}

func (f *fakeExecutor) ExecStage(ctx context.Context, instance Instance) error {
	f.mu.Lock()
	f.ran = append(f.ran, instance.Name)
	blocked := f.block[instance.Name]
	err := f.failures[instance.Name]
	f.mu.Unlock()

	if blocked {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("sibling was never canceled")
		}
	}
	return err
}

func (f *fakeExecutor) ranInstances() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

func TestRunOrderRespectsDependencies(t *testing.T) {
	stages := []models.Stage{
		stageWithNeeds("check"),
		stageWithNeeds("test", "check"),
	}
	executor := newFakeExecutor()

	scheduler, err := NewScheduler(stages, executor)
	if err != nil {
		t.Fatal(err)
	}
	if err := scheduler.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	ran := executor.ranInstances()
	if len(ran) != 2 || ran[0] != "check" || ran[1] != "test" {
		t.Errorf("expected check before test, got %v", ran)
	}
	if scheduler.Status("test") != StatusSucceeded {
		t.Errorf("expected test to succeed, got %s", scheduler.Status("test"))
	}
}

func TestFailedDependencySkipsDependents(t *testing.T) {
	stages := []models.Stage{
		stageWithNeeds("check"),
		stageWithNeeds("test", "check"),
		stageWithNeeds("deploy", "test"),
	}
	executor := newFakeExecutor()
	executor.failures["check"] = errors.New("lint found problems")

	scheduler, err := NewScheduler(stages, executor)
	if err != nil {
		t.Fatal(err)
	}

	err = scheduler.Run(context.Background())
	if err == nil {
		t.Fatal("expected pipeline failure when check fails")
	}

	ran := executor.ranInstances()
	if len(ran) != 1 || ran[0] != "check" {
		t.Errorf("only check should have run, got %v", ran)
	}
	if scheduler.Status("check") != StatusFailed {
		t.Errorf("expected check failed, got %s", scheduler.Status("check"))
	}
	if scheduler.Status("test") != StatusSkipped {
		t.Errorf("expected test skipped, got %s", scheduler.Status("test"))
	}
	if scheduler.Status("deploy") != StatusSkipped {
		t.Errorf("expected deploy skipped transitively, got %s", scheduler.Status("deploy"))
	}
}

func TestIndependentStagesBothRun(t *testing.T) {
	stages := []models.Stage{
		stageWithNeeds("lint"),
		stageWithNeeds("docs"),
	}
	executor := newFakeExecutor()
	executor.failures["lint"] = errors.New("boom")

	scheduler, err := NewScheduler(stages, executor)
	if err != nil {
		t.Fatal(err)
	}

	if err := scheduler.Run(context.Background()); err == nil {
		t.Fatal("expected pipeline failure")
	}

	ran := executor.ranInstances()
	if len(ran) != 2 {
		t.Errorf("both independent stages should have run, got %v", ran)
	}
	if scheduler.Status("docs") != StatusSucceeded {
		t.Errorf("docs should not be affected by lint failing, got %s", scheduler.Status("docs"))
	}
}

func TestMatrixSiblingsRunWithoutFailFast(t *testing.T) {
	failFast := false
	stage := stageWithNeeds("test")
	stage.Matrix = models.Matrix{"python": {"3.11", "3.12"}}
	stage.FailFast = &failFast

	executor := newFakeExecutor()
	executor.failures["test (python=3.11)"] = errors.New("assertion failed")

	scheduler, err := NewScheduler([]models.Stage{stage}, executor)
	if err != nil {
		t.Fatal(err)
	}

	if err := scheduler.Run(context.Background()); err == nil {
		t.Fatal("a failing matrix instance must fail the pipeline")
	}

	ran := executor.ranInstances()
	if len(ran) != 2 {
		t.Errorf("both matrix instances should run with fail-fast disabled, got %v", ran)
	}
}

func TestMatrixFailFastCancelsSiblings(t *testing.T) {
	stage := stageWithNeeds("test")
	stage.Matrix = models.Matrix{"python": {"3.11", "3.12"}}

	executor := newFakeExecutor()
	executor.failures["test (python=3.11)"] = errors.New("assertion failed")
	executor.block["test (python=3.12)"] = true

	scheduler, err := NewScheduler([]models.Stage{stage}, executor)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- scheduler.Run(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected pipeline failure")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("fail-fast did not cancel the blocked sibling")
	}
}

func TestSingleMatrixEntry(t *testing.T) {
	failFast := false
	stage := stageWithNeeds("test")
	stage.Matrix = models.Matrix{"python": {"3.11"}}
	stage.FailFast = &failFast

	executor := newFakeExecutor()
	executor.failures["test (python=3.11)"] = errors.New("assertion failed")

	scheduler, err := NewScheduler([]models.Stage{stage}, executor)
	if err != nil {
		t.Fatal(err)
	}

	err = scheduler.Run(context.Background())
	if err == nil {
		t.Fatal("the failing instance must fail the pipeline overall")
	}

	if ran := executor.ranInstances(); len(ran) != 1 {
		t.Errorf("expected exactly one instance, got %v", ran)
	}
}

func TestSchedulerRejectsCycles(t *testing.T) {
	stages := []models.Stage{
		stageWithNeeds("a", "b"),
		stageWithNeeds("b", "a"),
	}

	_, err := NewScheduler(stages, newFakeExecutor())
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected cycle error before anything runs, got %v", err)
	}
}

func TestDiamondRunsEveryStageOnce(t *testing.T) {
	stages := []models.Stage{
		stageWithNeeds("build"),
		stageWithNeeds("test", "build"),
		stageWithNeeds("package", "build"),
		stageWithNeeds("deploy", "test", "package"),
	}
	executor := newFakeExecutor()

	scheduler, err := NewScheduler(stages, executor)
	if err != nil {
		t.Fatal(err)
	}
	if err := scheduler.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	ran := executor.ranInstances()
	if len(ran) != 4 {
		t.Fatalf("expected 4 stage runs, got %v", ran)
	}
	counts := make(map[string]int)
	for _, name := range ran {
		counts[name]++
	}
	for name, n := range counts {
		if n != 1 {
			t.Errorf("stage %s ran %d times", name, n)
		}
	}
	if ran[0] != "build" {
		t.Errorf("build must run first, got %v", ran)
	}
	if ran[3] != "deploy" {
		t.Errorf("deploy must run last, got %v", ran)
	}
}

func TestResultNamesFailedAndSkippedStages(t *testing.T) {
	stages := []models.Stage{
		stageWithNeeds("check"),
		stageWithNeeds("test", "check"),
	}
	executor := newFakeExecutor()
	executor.failures["check"] = fmt.Errorf("exit status 1")

	scheduler, err := NewScheduler(stages, executor)
	if err != nil {
		t.Fatal(err)
	}

	err = scheduler.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, want := range []string{"check", "test", "skipped", "failed"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("result should mention %q: %v", want, err)
		}
	}
}
