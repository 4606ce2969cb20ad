package timeline

import (
	"errors"
	"testing"
	"time"

	"civicwater/internal/domain"
)

var labels = []string{"Grievance Submitted", "Assigned to Officer", "Investigation in Progress", "Resolution & Closure"}

func TestProgressBoundsAndMonotonic(t *testing.T) {
	if Progress(0, 0) != 0 || Progress(3, 0) != 0 || Progress(-1, 4) != 0 {
		t.Fatalf("degenerate inputs must give 0")
	}
	if Progress(7, 5) != 1 {
		t.Fatalf("overflow must clamp to 1")
	}
	for total := 1; total <= 8; total++ {
		prev := -1.0
		for cur := 0; cur <= total+2; cur++ {
			p := Progress(cur, total)
			if p < 0 || p > 1 {
				t.Fatalf("progress %d/%d out of range: %f", cur, total, p)
			}
			if p < prev {
				t.Fatalf("progress decreased at %d/%d", cur, total)
			}
			prev = p
		}
	}
	if got := Progress(2, 5); got != 0.4 {
		t.Fatalf("2/5: %f", got)
	}
}

func TestInitialAndAdvance(t *testing.T) {
	at := time.Date(2025, 12, 15, 11, 20, 0, 0, time.UTC)
	stages := Initial(labels, at, "registered")
	if CurrentStep(stages) != 1 {
		t.Fatalf("initial step: %d", CurrentStep(stages))
	}
	if err := Check(stages, 1); err != nil {
		t.Fatalf("initial check: %v", err)
	}

	stages, err := Advance(stages, at.Add(time.Hour), "Auto-Assignment System", "")
	if err != nil {
		t.Fatalf("advance 1: %v", err)
	}
	if stages[1].State != domain.StageInProgress || CurrentStep(stages) != 2 {
		t.Fatalf("expected stage 2 in progress, got %+v", stages)
	}
	for i := 0; i < 2; i++ {
		stages, err = Advance(stages, at.Add(time.Duration(i+2)*time.Hour), "Priya Sharma", "done")
		if err != nil {
			t.Fatalf("advance %d: %v", i+2, err)
		}
		if err := Check(stages, CurrentStep(stages)); err != nil {
			t.Fatalf("check after advance: %v", err)
		}
	}
	if stages[3].State != domain.StageInProgress {
		t.Fatalf("last stage should be in progress: %+v", stages[3])
	}
	stages, err = Advance(stages, at.Add(10*time.Hour), "Priya Sharma", "resolved")
	if err != nil {
		t.Fatalf("final advance: %v", err)
	}
	if !Complete(stages) || CurrentStep(stages) != 4 {
		t.Fatalf("expected complete timeline")
	}
	if _, err := Advance(stages, at, "", ""); !errors.Is(err, ErrTimelineComplete) {
		t.Fatalf("expected ErrTimelineComplete, got %v", err)
	}
}

func TestAdvanceDoesNotMutateInput(t *testing.T) {
	stages := Initial(labels, time.Now(), "")
	if _, err := Advance(stages, time.Now(), "x", "y"); err != nil {
		t.Fatal(err)
	}
	if stages[1].State != domain.StagePending {
		t.Fatalf("input mutated")
	}
}

func TestCheckRejectsNonMonotonic(t *testing.T) {
	bad := []domain.StageEntry{
		{Label: "a", State: domain.StageCompleted},
		{Label: "b", State: domain.StagePending},
		{Label: "c", State: domain.StageCompleted},
	}
	if err := Check(bad, 2); err == nil {
		t.Fatalf("expected monotonic violation")
	}
	twoActive := []domain.StageEntry{
		{Label: "a", State: domain.StageInProgress},
		{Label: "b", State: domain.StageInProgress},
	}
	if err := Check(twoActive, 2); err == nil {
		t.Fatalf("expected error for two active stages")
	}
	ok := []domain.StageEntry{
		{Label: "a", State: domain.StageCompleted},
		{Label: "b", State: domain.StageInProgress},
		{Label: "c", State: domain.StagePending},
	}
	if err := Check(ok, 1); err == nil {
		t.Fatalf("expected step counter mismatch")
	}
	if err := Check(ok, 2); err != nil {
		t.Fatalf("valid timeline rejected: %v", err)
	}
}

func TestFinishCompletesRemaining(t *testing.T) {
	at := time.Date(2025, 12, 14, 12, 15, 0, 0, time.UTC)
	stages := Initial([]string{"a", "b", "c"}, at, "")
	done := Finish(stages, at, "Amit Patel", "fixed")
	if !Complete(done) || Complete(stages) {
		t.Fatalf("finish should complete a copy")
	}
	if done[2].Note != "fixed" || done[1].Officer != "Amit Patel" || done[0].Officer != "System" {
		t.Fatalf("finish fields: %+v", done)
	}
	if CurrentStep(done) != 3 {
		t.Fatalf("current step after finish: %d", CurrentStep(done))
	}
}
