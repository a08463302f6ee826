package reconcile

import (
	"sync/atomic"
	"time"

	"github.com/Aidin1998/benchsync/internal/probe"
)

// Summary is the outcome of reconciling one record kind.
type Summary struct {
	CreatedAtoB int    `json:"createdAtoB" yaml:"createdAtoB"`
	CreatedBtoA int    `json:"createdBtoA" yaml:"createdBtoA"`
	UpdatedAtoB int    `json:"updatedAtoB" yaml:"updatedAtoB"`
	UpdatedBtoA int    `json:"updatedBtoA" yaml:"updatedBtoA"`
	Skipped     int    `json:"skipped" yaml:"skipped"`
	Conflicts   int    `json:"conflicts" yaml:"conflicts"`
	Aborted     bool   `json:"aborted" yaml:"aborted"`
	Reason      string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Writes is the number of inserts and updates applied.
func (s Summary) Writes() int {
	return s.CreatedAtoB + s.CreatedBtoA + s.UpdatedAtoB + s.UpdatedBtoA
}

// Add accumulates o into s. Aborted is sticky; the first reason wins.
func (s *Summary) Add(o Summary) {
	s.CreatedAtoB += o.CreatedAtoB
	s.CreatedBtoA += o.CreatedBtoA
	s.UpdatedAtoB += o.UpdatedAtoB
	s.UpdatedBtoA += o.UpdatedBtoA
	s.Skipped += o.Skipped
	s.Conflicts += o.Conflicts
	if o.Aborted {
		s.Aborted = true
		if s.Reason == "" {
			s.Reason = o.Reason
		}
	}
}

// Report is the outcome of one reconciliation pass over every configured kind.
type Report struct {
	Kinds     map[string]Summary `json:"kinds" yaml:"kinds"`
	Totals    Summary            `json:"totals" yaml:"totals"`
	Aborted   bool               `json:"aborted" yaml:"aborted"`
	Reason    string             `json:"reason,omitempty" yaml:"reason,omitempty"`
	Status    *probe.Status      `json:"status,omitempty" yaml:"status,omitempty"`
	StartedAt time.Time          `json:"startedAt" yaml:"startedAt"`
	Duration  time.Duration      `json:"duration" yaml:"duration"`
}

// Deferred builds a report for a pass that never started.
func Deferred(reason string, startedAt time.Time) Report {
	return Report{
		Kinds:     map[string]Summary{},
		Totals:    Summary{Aborted: true, Reason: reason},
		Aborted:   true,
		Reason:    reason,
		StartedAt: startedAt,
	}
}

// Outcome classifies the report as completed, aborted or deferred. A deferred pass
// never reached any kind.
func (r Report) Outcome() string {
	switch {
	case !r.Aborted:
		return "completed"
	case len(r.Kinds) == 0:
		return "deferred"
	default:
		return "aborted"
	}
}

const (
	dirAtoB = iota
	dirBtoA
)

// tally is the concurrency-safe counterpart of Summary used while a pass runs.
type tally struct {
	created   [2]atomic.Int64
	updated   [2]atomic.Int64
	skipped   atomic.Int64
	conflicts atomic.Int64
}

func (t *tally) summary() Summary {
	return Summary{
		CreatedAtoB: int(t.created[dirAtoB].Load()),
		CreatedBtoA: int(t.created[dirBtoA].Load()),
		UpdatedAtoB: int(t.updated[dirAtoB].Load()),
		UpdatedBtoA: int(t.updated[dirBtoA].Load()),
		Skipped:     int(t.skipped.Load()),
		Conflicts:   int(t.conflicts.Load()),
	}
}
