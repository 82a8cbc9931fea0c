// Package stall decides when a non-terminal job has gone quiet for longer
// than its kind's budget.
package stall

import (
	"fmt"
	"time"

	"adreel-backend/internal/models"
	"adreel-backend/internal/stages"
)

const (
	DefaultVideoBudget      = 5 * time.Minute
	DefaultImageBudget      = 5 * time.Minute
	DefaultStoryboardBudget = 15 * time.Minute
)

type Budgets struct {
	Video      time.Duration
	Image      time.Duration
	Storyboard time.Duration
}

func DefaultBudgets() Budgets {
	return Budgets{
		Video:      DefaultVideoBudget,
		Image:      DefaultImageBudget,
		Storyboard: DefaultStoryboardBudget,
	}
}

func (b Budgets) For(kind stages.Kind) time.Duration {
	switch kind {
	case stages.KindVideo:
		return orDefault(b.Video, DefaultVideoBudget)
	case stages.KindImage:
		return orDefault(b.Image, DefaultImageBudget)
	case stages.KindStoryboard:
		return orDefault(b.Storyboard, DefaultStoryboardBudget)
	}
	return DefaultStoryboardBudget
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

type Detector struct {
	budgets Budgets
	now     func() time.Time
}

func NewDetector(budgets Budgets, now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{budgets: budgets, now: now}
}

func (d *Detector) Budget(kind stages.Kind) time.Duration {
	return d.budgets.For(kind)
}

// Stalled reports whether a job last seen changing at lastObservedAt should be
// forced to failed.
func (d *Detector) Stalled(kind stages.Kind, status models.JobStatus, lastObservedAt time.Time) bool {
	if status.Terminal() || lastObservedAt.IsZero() {
		return false
	}
	return d.now().Sub(lastObservedAt) > d.budgets.For(kind)
}

// Message is the error_message recorded for a stall on kind.
func (d *Detector) Message(kind stages.Kind) string {
	return TimeoutMessage(kind, d.budgets.For(kind))
}

func TimeoutMessage(kind stages.Kind, budget time.Duration) string {
	return fmt.Sprintf("%s generation timed out: no progress for %s", kind, budget)
}
