package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Validator is implemented by result schemas that have required fields.
type Validator interface {
	Validate() error
}

// FlexibleID accepts ids the model returns either as strings or numbers.
type FlexibleID string

func (id *FlexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexibleID(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = FlexibleID(n.String())
	return nil
}

// SummaryResult is the schema of the summarize template.
type SummaryResult struct {
	Summary string `json:"summary"`
}

func (r *SummaryResult) Validate() error {
	if strings.TrimSpace(r.Summary) == "" {
		return errors.New("summary is empty")
	}
	return nil
}

// Cluster is one proposed event in a clustering response.
type Cluster struct {
	EventTitle      string       `json:"eventTitle"`
	EventType       string       `json:"eventType"`
	ConfidenceScore float64      `json:"confidenceScore"`
	ArticleIDs      []FlexibleID `json:"articleIds"`
}

// ClusterResult is the schema of the cluster template. The model may answer
// with the wrapping object or with the bare cluster array.
type ClusterResult struct {
	Clusters []Cluster `json:"clusters"`
}

func (r *ClusterResult) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var clusters []Cluster
		if err := json.Unmarshal(data, &clusters); err != nil {
			return err
		}
		if clusters == nil {
			clusters = []Cluster{}
		}
		r.Clusters = clusters
		return nil
	}

	type plain ClusterResult
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = ClusterResult(p)
	return nil
}

func (r *ClusterResult) Validate() error {
	if r.Clusters == nil {
		return errors.New("clusters field is missing")
	}
	return nil
}

// AggregationResult is the schema of the aggregate template.
// ConfidenceScore is nil when the model omitted it.
type AggregationResult struct {
	AggregatedSummary string   `json:"aggregatedSummary"`
	Discrepancies     string   `json:"discrepancies"`
	ConfidenceScore   *float64 `json:"confidenceScore"`
	Methodology       string   `json:"methodology"`
}

// MergeGroup is one proposed set of duplicate events. The first id is the
// surviving primary.
type MergeGroup struct {
	EventIDs        []FlexibleID `json:"eventIds"`
	MergedTitle     string       `json:"mergedTitle"`
	MergedType      string       `json:"mergedType"`
	Reasoning       string       `json:"reasoning"`
	ConfidenceScore float64      `json:"confidenceScore"`
}

// MergeResult is the schema of the merge template.
type MergeResult struct {
	MergeGroups []MergeGroup `json:"mergeGroups"`
}

func (r *MergeResult) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var groups []MergeGroup
		if err := json.Unmarshal(data, &groups); err != nil {
			return err
		}
		if groups == nil {
			groups = []MergeGroup{}
		}
		r.MergeGroups = groups
		return nil
	}

	type plain MergeResult
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = MergeResult(p)
	return nil
}

func (r *MergeResult) Validate() error {
	if r.MergeGroups == nil {
		return errors.New("mergeGroups field is missing")
	}
	return nil
}
