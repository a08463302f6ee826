package benchmark

import (
	"fmt"

	"github.com/Aidin1998/benchsync/pkg/errors"
	"github.com/shopspring/decimal"
)

// AggregatePlaces is the number of decimal places every aggregate is rounded to.
const AggregatePlaces = 2

// Summarize fills in the per-code and overall aggregates of p for the given kind.
//
// Every result must carry exactly TestConfig.Iterations iterations. Per code, the
// average execution time is the mean over its iterations. Memory
// benchmarks also carry the mean and total memory and the total execution time. The
// overall average is the mean of the per-code averages; async benchmarks additionally
// keep the sum of the per-code averages.
func Summarize(kind Kind, p *Payload) error {
	if len(p.Results) == 0 {
		return errors.Invalid.Explain("no results to summarize")
	}

	var avgExecSum, avgMemSum, totalMemSum, totalExecSum decimal.Decimal
	for i := range p.Results {
		r := &p.Results[i]
		if len(r.IterationsResults) == 0 {
			return errors.Invalid.WithField("min", "results", "every result needs at least one iteration")
		}
		if len(r.IterationsResults) != p.TestConfig.Iterations {
			return errors.Invalid.Explain("result %d has %d iterations, testConfig declares %d",
				i+1, len(r.IterationsResults), p.TestConfig.Iterations).
				WithField("len", "results.iterationsResults",
					fmt.Sprintf("must hold testConfig.iterations (%d) entries", p.TestConfig.Iterations))
		}
		r.TestCodeNumber = i + 1
		n := decimal.NewFromInt(int64(len(r.IterationsResults)))

		var execSum, memSum decimal.Decimal
		for _, it := range r.IterationsResults {
			execSum = execSum.Add(it.ExecutionTime)
			if kind == MemoryUsage {
				if it.MemoryUsed == nil {
					return errors.Invalid.WithField("required", "results.iterationsResults.memoryUsed",
						"memory benchmarks need memoryUsed on every iteration")
				}
				memSum = memSum.Add(*it.MemoryUsed)
			}
		}

		r.AverageExecutionTime = execSum.Div(n).Round(AggregatePlaces)
		avgExecSum = avgExecSum.Add(r.AverageExecutionTime)
		r.AverageMemoryUsage, r.TotalMemoryUsage, r.TotalExecutionTime = nil, nil, nil

		if kind == MemoryUsage {
			avgMem := memSum.Div(n).Round(AggregatePlaces)
			totalMem := memSum.Round(AggregatePlaces)
			totalExec := execSum.Round(AggregatePlaces)
			r.AverageMemoryUsage, r.TotalMemoryUsage, r.TotalExecutionTime = &avgMem, &totalMem, &totalExec
			avgMemSum = avgMemSum.Add(avgMem)
			totalMemSum = totalMemSum.Add(totalMem)
			totalExecSum = totalExecSum.Add(totalExec)
		}
	}

	codes := decimal.NewFromInt(int64(len(p.Results)))
	p.TotalMemoryUsage, p.TotalExecutionTime = nil, nil
	p.AverageAsyncExecution, p.TotalAverageAsyncExecution = nil, nil

	switch kind {
	case ExecutionTime, PageLoad:
		p.OverallAverage = avgExecSum.Div(codes).Round(AggregatePlaces)
	case MemoryUsage:
		p.OverallAverage = avgMemSum.Div(codes).Round(AggregatePlaces)
		p.TotalMemoryUsage = &totalMemSum
		p.TotalExecutionTime = &totalExecSum
	case AsyncPerformance:
		avg := avgExecSum.Div(codes).Round(AggregatePlaces)
		total := avgExecSum.Round(AggregatePlaces)
		p.OverallAverage = avg
		p.AverageAsyncExecution = &avg
		p.TotalAverageAsyncExecution = &total
	default:
		return errors.Invalid.Explain("unknown benchmark kind %q", kind)
	}
	return nil
}
