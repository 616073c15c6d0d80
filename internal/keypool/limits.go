package keypool

import (
	"fmt"
	"os"

	"github.com/STRATINT/eventdesk/internal/models"
	"gopkg.in/yaml.v3"
)

// Limit is the rolling-hour budget of one key for one operation.
type Limit struct {
	Requests int `yaml:"requests" json:"requests"`
	Tokens   int `yaml:"tokens" json:"tokens"`
}

// Limits maps each operation to its per-key budget.
type Limits map[models.Operation]Limit

// DefaultLimits returns the built-in per-key budgets.
func DefaultLimits() Limits {
	return Limits{
		models.OperationSummarize: {Requests: 60, Tokens: 120_000},
		models.OperationCluster:   {Requests: 10, Tokens: 200_000},
		models.OperationAggregate: {Requests: 50, Tokens: 150_000},
		models.OperationMerge:     {Requests: 10, Tokens: 100_000},
	}
}

type limitsFile struct {
	Limits map[string]Limit `yaml:"limits"`
}

// LoadLimits reads a YAML limits file and overlays it on the defaults.
// Operations missing from the file keep their default budget.
//
//	limits:
//	  clustering:
//	    requests: 20
//	    tokens: 400000
func LoadLimits(path string) (Limits, error) {
	limits := DefaultLimits()
	if path == "" {
		return limits, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read limits file: %w", err)
	}

	var f limitsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse limits file: %w", err)
	}

	for name, limit := range f.Limits {
		op := models.Operation(name)
		if !op.Valid() {
			return nil, fmt.Errorf("unknown operation %q in limits file", name)
		}
		if limit.Requests <= 0 || limit.Tokens <= 0 {
			return nil, fmt.Errorf("limits for %s must be positive", name)
		}
		limits[op] = limit
	}

	return limits, nil
}
