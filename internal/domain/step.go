// Package domain holds the types shared by the hub and the tracking client:
// session ids, processing updates, workflow steps and connection states.
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// StepKind identifies one of the pipeline stages a session moves through.
type StepKind string

const (
	StepDocumentValidation     StepKind = "DocumentValidation"
	StepPortfolioCompletion    StepKind = "PortfolioCompletion"
	StepCompanyHouseValidation StepKind = "CompanyHouseValidation"
	StepProcessingComplete     StepKind = "ProcessingComplete"
)

// PipelineOrder lists the step kinds in the order the backend runs them.
var PipelineOrder = []StepKind{
	StepDocumentValidation,
	StepPortfolioCompletion,
	StepCompanyHouseValidation,
	StepProcessingComplete,
}

var stepDescriptions = map[StepKind]string{
	StepDocumentValidation:     "Document Validation",
	StepPortfolioCompletion:    "Portfolio Completion",
	StepCompanyHouseValidation: "Company House Validation",
	StepProcessingComplete:     "Final Processing & Completion",
}

// Index returns the position of k in PipelineOrder.
func (k StepKind) Index() (int, bool) {
	for i, kind := range PipelineOrder {
		if kind == k {
			return i, true
		}
	}
	return -1, false
}

// IsKnown reports whether k is one of the four pipeline stages.
func (k StepKind) IsKnown() bool {
	_, ok := k.Index()
	return ok
}

// Description returns the user-facing name of the step.
func (k StepKind) Description() string {
	if d, ok := stepDescriptions[k]; ok {
		return d
	}
	return string(k)
}

// UnmarshalJSON accepts either the step name or the numeric value the
// backend serializes enums as.
func (k *StepKind) UnmarshalJSON(data []byte) error {
	s, err := decodeEnum(data, PipelineOrder)
	if err != nil {
		return fmt.Errorf("step kind: %w", err)
	}
	*k = StepKind(s)
	return nil
}

// StepStatus is the display state of a single workflow step.
type StepStatus string

const (
	StatusAlert      StepStatus = "Alert"
	StatusInProgress StepStatus = "InProgress"
	StatusSuccess    StepStatus = "Success"
	StatusFailure    StepStatus = "Failure"
)

var statusOrder = []StepStatus{StatusAlert, StatusInProgress, StatusSuccess, StatusFailure}

// IsKnown reports whether s is one of the four display states.
func (s StepStatus) IsKnown() bool {
	for _, known := range statusOrder {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the step has finished, successfully or not.
func (s StepStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Rank orders statuses along the Alert -> InProgress -> terminal lifecycle.
func (s StepStatus) Rank() int {
	switch s {
	case StatusAlert:
		return 0
	case StatusInProgress:
		return 1
	case StatusSuccess, StatusFailure:
		return 2
	default:
		return -1
	}
}

// UnmarshalJSON accepts either the status name or its numeric value.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	v, err := decodeEnum(data, statusOrder)
	if err != nil {
		return fmt.Errorf("step status: %w", err)
	}
	*s = StepStatus(v)
	return nil
}

// decodeEnum resolves a JSON string or number against the ordered names.
// Unrecognized strings are kept verbatim so callers can decide how to treat
// them; unrecognized numbers are rendered as "Unknown(<n>)".
func decodeEnum[T ~string](data []byte, names []T) (string, error) {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return "", nil
	}

	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return "", err
		}
		raw = strings.TrimSpace(raw)
		for _, name := range names {
			if strings.EqualFold(raw, string(name)) {
				return string(name), nil
			}
		}
		if n, err := strconv.Atoi(raw); err == nil {
			return enumByIndex(n, names), nil
		}
		return raw, nil
	}

	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return "", err
	}
	return enumByIndex(n, names), nil
}

func enumByIndex[T ~string](n int, names []T) string {
	if n >= 0 && n < len(names) {
		return string(names[n])
	}
	return fmt.Sprintf("Unknown(%d)", n)
}
