// Package probe answers one question per reconciliation cycle: can each of the
// two stores be reached right now?
package probe

import (
	"context"
	"sync"
	"time"

	"github.com/Aidin1998/benchsync/pkg/metrics"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single ping when none is configured.
const DefaultTimeout = 2 * time.Second

// Pinger performs a no-op round trip against a store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreStatus is the probe result for one store.
type StoreStatus struct {
	Name      string        `json:"name"`
	Available bool          `json:"available"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

// Status is the probe result for both stores.
type Status struct {
	A         StoreStatus `json:"a"`
	B         StoreStatus `json:"b"`
	CheckedAt time.Time   `json:"checkedAt"`
}

// BothAvailable reports whether a reconciliation pass may run.
func (s Status) BothAvailable() bool {
	return s.A.Available && s.B.Available
}

// Unavailable returns the names of the stores that did not answer.
func (s Status) Unavailable() []string {
	var names []string
	if !s.A.Available {
		names = append(names, s.A.Name)
	}
	if !s.B.Available {
		names = append(names, s.B.Name)
	}
	return names
}

// Target names a store to probe.
type Target struct {
	Name   string
	Pinger Pinger
}

// Probe pings two stores concurrently. It never retries: a false negative only
// defers reconciliation to the next trigger.
type Probe struct {
	a, b    Target
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a probe over stores a and b.
func New(a, b Target, timeout time.Duration, logger *zap.Logger) *Probe {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Probe{a: a, b: b, timeout: timeout, logger: logger.Named("probe")}
}

// CheckStatus pings both stores and reports reachability.
func (p *Probe) CheckStatus(ctx context.Context) Status {
	var (
		wg     sync.WaitGroup
		status Status
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		status.A = p.ping(ctx, p.a)
	}()
	go func() {
		defer wg.Done()
		status.B = p.ping(ctx, p.b)
	}()
	wg.Wait()
	status.CheckedAt = time.Now().UTC()
	return status
}

func (p *Probe) ping(ctx context.Context, t Target) StoreStatus {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := t.Pinger.Ping(pctx)
	st := StoreStatus{Name: t.Name, Available: err == nil, Latency: time.Since(start)}
	if err != nil {
		st.Error = err.Error()
		p.logger.Warn("Store unreachable", zap.String("store", t.Name), zap.Error(err))
		metrics.StoreUp.WithLabelValues(t.Name).Set(0)
	} else {
		metrics.StoreUp.WithLabelValues(t.Name).Set(1)
	}
	return st
}
