// Package benchmark models the JavaScript benchmark results the two stores hold and
// records new ones in whichever store is reachable.
package benchmark

import (
	"github.com/Aidin1998/benchsync/pkg/errors"
)

// Kind names a benchmark family. Every kind has its own collection in the document
// store and its own table in the relational store.
type Kind string

const (
	ExecutionTime    Kind = "execution_time"
	MemoryUsage      Kind = "memory_usage"
	AsyncPerformance Kind = "async_performance"
	PageLoad         Kind = "page_load"
)

// AllKinds lists every kind in reconciliation order.
var AllKinds = []Kind{ExecutionTime, MemoryUsage, AsyncPerformance, PageLoad}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", errors.Invalid.Explain("unknown benchmark kind %q", s)
}

func (k Kind) String() string { return string(k) }

// Table is the relational table backing the kind.
func (k Kind) Table() string { return string(k) + "_benchmarks" }
