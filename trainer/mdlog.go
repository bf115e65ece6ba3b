package trainer

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// RunLog renders training history as a markdown document and keeps the file
// on disk current after every epoch, so a run that dies mid-training still
// leaves a readable log behind.
type RunLog struct {
	path         string
	architecture string
	target       float64
	startedAt    time.Time
	rows         []EpochStats
}

// NewRunLog creates a run log that will be written to path. target is the
// eval accuracy (percent) that marks an epoch as having met the goal.
func NewRunLog(path, architecture string, target float64) *RunLog {
	return &RunLog{
		path:         path,
		architecture: architecture,
		target:       target,
		startedAt:    time.Now(),
	}
}

// Append adds one epoch row and rewrites the log file.
func (l *RunLog) Append(row EpochStats) error {
	l.rows = append(l.rows, row)
	if err := os.WriteFile(l.path, []byte(l.Render()), 0644); err != nil {
		return errors.Wrapf(err, "writing run log to %q", l.path)
	}
	return nil
}

// Render returns the full markdown document for the current history.
func (l *RunLog) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Training Run: %s\n\n", l.architecture)
	fmt.Fprintf(&b, "- Started: %s\n", l.startedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Target eval accuracy: %.2f%%\n\n", l.target)
	b.WriteString("| Epoch | Train Loss | Train Acc | Eval Loss | Eval Acc | Target Met |\n")
	b.WriteString("|-------|------------|-----------|-----------|----------|------------|\n")
	for _, r := range l.rows {
		met := "✗"
		if r.EvalAcc >= l.target {
			met = "✓"
		}
		fmt.Fprintf(&b, "| %d | %.4f | %.2f%% | %.4f | %.2f%% | %s |\n",
			r.Epoch, r.TrainLoss, r.TrainAcc, r.EvalLoss, r.EvalAcc, met)
	}
	if best, ok := l.best(); ok {
		fmt.Fprintf(&b, "\nBest eval accuracy: %.2f%% (epoch %d)\n", best.EvalAcc, best.Epoch)
	}
	return b.String()
}

func (l *RunLog) best() (EpochStats, bool) {
	if len(l.rows) == 0 {
		return EpochStats{}, false
	}
	best := l.rows[0]
	for _, r := range l.rows[1:] {
		if r.EvalAcc > best.EvalAcc {
			best = r
		}
	}
	return best, true
}
