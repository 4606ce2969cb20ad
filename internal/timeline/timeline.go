package timeline

import (
	"errors"
	"fmt"
	"time"

	"civicwater/internal/domain"
)

var ErrTimelineComplete = errors.New("timeline already complete")

// Progress returns current/total clamped to [0,1]; 0 when total is not positive.
func Progress(current, total int) float64 {
	if total <= 0 || current <= 0 {
		return 0
	}
	if current >= total {
		return 1
	}
	return float64(current) / float64(total)
}

// ProgressOf is Progress over a record's counters.
func ProgressOf(rec domain.StatusRecord) float64 {
	return Progress(rec.CurrentStep, rec.TotalSteps)
}

// CurrentStep counts started stages: completed ones plus the one in progress.
func CurrentStep(stages []domain.StageEntry) int {
	n := 0
	for _, s := range stages {
		if s.State == domain.StageCompleted || s.State == domain.StageInProgress {
			n++
		}
	}
	return n
}

// Check verifies the completed* in_progress? pending* shape and the step counter.
func Check(stages []domain.StageEntry, currentStep int) error {
	phase := 0 // 0 completed, 1 seen in_progress, 2 pending
	for i, s := range stages {
		switch s.State {
		case domain.StageCompleted:
			if phase > 0 {
				return fmt.Errorf("stage %d (%s) completed after an unfinished stage", i+1, s.Label)
			}
		case domain.StageInProgress:
			if phase > 0 {
				return fmt.Errorf("stage %d (%s) in progress out of order", i+1, s.Label)
			}
			phase = 1
		case domain.StagePending:
			phase = 2
		default:
			return fmt.Errorf("stage %d has invalid state %q", i+1, s.State)
		}
	}
	if currentStep < 0 || currentStep > len(stages) {
		return fmt.Errorf("current step %d outside 0..%d", currentStep, len(stages))
	}
	if want := CurrentStep(stages); want != currentStep {
		return fmt.Errorf("current step %d does not match %d started stages", currentStep, want)
	}
	return nil
}

// Initial builds a timeline whose first stage completed at submission.
func Initial(labels []string, at time.Time, note string) []domain.StageEntry {
	out := make([]domain.StageEntry, len(labels))
	for i, l := range labels {
		out[i] = domain.StageEntry{Label: l, State: domain.StagePending}
	}
	if len(out) > 0 {
		out[0].State = domain.StageCompleted
		out[0].At = at.UTC().Format(time.RFC3339)
		out[0].Officer = "System"
		out[0].Note = note
	}
	return out
}

// Advance completes the stage in progress, if any, and starts the next
// pending one, if any. The input slice is not modified.
func Advance(stages []domain.StageEntry, at time.Time, officer, note string) ([]domain.StageEntry, error) {
	out := append([]domain.StageEntry(nil), stages...)
	ts := at.UTC().Format(time.RFC3339)
	moved := false
	for i := range out {
		if out[i].State == domain.StageInProgress {
			out[i].State = domain.StageCompleted
			out[i].At = ts
			if officer != "" {
				out[i].Officer = officer
			}
			if note != "" {
				out[i].Note = note
			}
			moved = true
			continue
		}
		if out[i].State == domain.StagePending {
			out[i].State = domain.StageInProgress
			out[i].At = ts
			if officer != "" {
				out[i].Officer = officer
			}
			if !moved && note != "" {
				out[i].Note = note
			}
			moved = true
			break
		}
	}
	if !moved {
		return stages, ErrTimelineComplete
	}
	return out, nil
}

// Complete reports whether every stage is completed.
func Complete(stages []domain.StageEntry) bool {
	for _, s := range stages {
		if s.State != domain.StageCompleted {
			return false
		}
	}
	return len(stages) > 0
}

// Finish completes every unfinished stage at the given time. The note is
// attached to the last stage only.
func Finish(stages []domain.StageEntry, at time.Time, officer, note string) []domain.StageEntry {
	out := append([]domain.StageEntry(nil), stages...)
	ts := at.UTC().Format(time.RFC3339)
	for i := range out {
		if out[i].State == domain.StageCompleted {
			continue
		}
		out[i].State = domain.StageCompleted
		out[i].At = ts
		if officer != "" {
			out[i].Officer = officer
		}
	}
	if len(out) > 0 && note != "" {
		out[len(out)-1].Note = note
	}
	return out
}
