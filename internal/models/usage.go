package models

import "time"

// Operation is the kind of AI call being made. Each operation has its own
// rate and token budget per key.
type Operation string

const (
	OperationSummarize Operation = "summarization"
	OperationCluster   Operation = "clustering"
	OperationAggregate Operation = "aggregation"
	OperationMerge     Operation = "merging"
)

// Operations lists every operation in a stable order.
func Operations() []Operation {
	return []Operation{OperationSummarize, OperationCluster, OperationAggregate, OperationMerge}
}

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OperationSummarize, OperationCluster, OperationAggregate, OperationMerge:
		return true
	}
	return false
}

// UsageEntry is one append-only ledger row describing an external AI call.
type UsageEntry struct {
	ID            int64     `json:"id"`
	KeyID         string    `json:"key_id"`
	Operation     Operation `json:"operation"`
	SubjectID     string    `json:"subject_id"` // article id, event id or batch size
	TokenEstimate int       `json:"token_estimate"`
	Success       bool      `json:"success"`
	ErrorMessage  *string   `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// UsageWindow is the consumption of one key for one operation over a window.
type UsageWindow struct {
	Requests int
	Tokens   int
}

// UsageQuery filters ledger listings.
type UsageQuery struct {
	KeyID     string
	Operation Operation
	Success   *bool
	Since     *time.Time
	Limit     int
	Offset    int
}

// UsageStats aggregates ledger rows.
type UsageStats struct {
	TotalCalls      int   `json:"total_calls"`
	SuccessfulCalls int   `json:"successful_calls"`
	FailedCalls     int   `json:"failed_calls"`
	TotalTokens     int64 `json:"total_tokens"`
}
