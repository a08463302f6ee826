package benchmark

import (
	"encoding/json"

	"github.com/Aidin1998/benchsync/pkg/errors"
	"github.com/shopspring/decimal"
)

// TestConfig is the caller's run configuration. Options is free-form and stored as is.
type TestConfig struct {
	Iterations int                    `json:"iterations" validate:"required,min=1,max=1000000"`
	Options    map[string]interface{} `json:"options,omitempty"`
}

// Iteration is one measured run of a test code. ExecutionTime is in milliseconds and
// MemoryUsed in kilobytes; memory can be negative when the collector ran mid-iteration.
type Iteration struct {
	Iteration     int              `json:"iteration" validate:"min=1"`
	ExecutionTime decimal.Decimal  `json:"executionTime" validate:"gte=0"`
	MemoryUsed    *decimal.Decimal `json:"memoryUsed,omitempty"`
}

// CodeResult holds the iterations of one test code and its derived aggregates.
type CodeResult struct {
	TestCodeNumber       int                    `json:"testCodeNumber"`
	TestCode             string                 `json:"testCode" validate:"required"`
	IterationsResults    []Iteration            `json:"iterationsResults" validate:"required,min=1,dive"`
	AverageExecutionTime decimal.Decimal        `json:"averageExecutionTime"`
	AverageMemoryUsage   *decimal.Decimal       `json:"averageMemoryUsage,omitempty"`
	TotalMemoryUsage     *decimal.Decimal       `json:"totalMemoryUsage,omitempty"`
	TotalExecutionTime   *decimal.Decimal       `json:"totalExecutionTime,omitempty"`
	Complexity           map[string]interface{} `json:"complexity,omitempty"`
}

// Payload is the body of a benchmark record. Aggregates are computed by Summarize;
// whatever the caller sends for them is overwritten.
type Payload struct {
	JavascriptType string       `json:"javascriptType" validate:"required,javascript_type"`
	TestType       string       `json:"testType" validate:"required,max=128,no_markup"`
	TestConfig     TestConfig   `json:"testConfig"`
	Results        []CodeResult `json:"results" validate:"required,min=1,dive"`

	OverallAverage             decimal.Decimal  `json:"overallAverage"`
	TotalMemoryUsage           *decimal.Decimal `json:"totalMemoryUsage,omitempty"`
	TotalExecutionTime         *decimal.Decimal `json:"totalExecutionTime,omitempty"`
	AverageAsyncExecution      *decimal.Decimal `json:"averageAsyncExecution,omitempty"`
	TotalAverageAsyncExecution *decimal.Decimal `json:"totalAverageAsyncExecution,omitempty"`
}

// Encode serializes the payload for storage.
func (p Payload) Encode() (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Invalid.Explain("encode payload").Wrap(err)
	}
	return raw, nil
}

// DecodePayload parses a stored payload.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, errors.Invalid.Explain("decode payload").Wrap(err)
	}
	return p, nil
}
