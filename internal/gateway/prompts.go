package gateway

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/STRATINT/eventdesk/internal/models"
)

// TemplateID names a prompt template.
type TemplateID string

const (
	TemplateSummarize TemplateID = "summarize"
	TemplateCluster   TemplateID = "cluster"
	TemplateAggregate TemplateID = "aggregate"
	TemplateMerge     TemplateID = "merge"
)

// Operation returns the budget bucket a template is billed against.
func (t TemplateID) Operation() models.Operation {
	switch t {
	case TemplateSummarize:
		return models.OperationSummarize
	case TemplateCluster:
		return models.OperationCluster
	case TemplateAggregate:
		return models.OperationAggregate
	case TemplateMerge:
		return models.OperationMerge
	}
	return ""
}

// Vars are the values substituted into a template.
type Vars map[string]any

const jsonOnly = `CRITICAL: Output ONLY valid JSON. Do not include any text before or after the JSON. Do not wrap it in markdown code blocks.`

const summarizeTemplate = jsonOnly + `

You are a news editor. Summarize the article below in 3-5 factual sentences.
Keep names, numbers, dates and places exactly as written in the article.

Source: {{.Source}}
Title: {{.Title}}

{{.Content}}

Output format:
{"summary": "..."}`

const clusterTemplate = jsonOnly + `

You are grouping {{.Count}} news articles into real-world events.
Two articles belong to the same event only if they report the same happening
(same incident, announcement or decision), not merely the same topic.
Each cluster should contain at least 2 related articles. Articles that match
nothing else may be left out.

Articles (JSON, one object per article):
{{.Articles}}

Output format:
{"clusters": [
  {"eventTitle": "concise event headline",
   "eventType": "politics|economy|conflict|disaster|crime|technology|health|sports|culture|other",
   "confidenceScore": 0.0-1.0,
   "articleIds": ["id", "id"]}
]}`

const aggregateTemplate = jsonOnly + `

You are a fact-checking editor. The {{.Count}} articles below all report the
event "{{.EventTitle}}". Write one neutral summary that combines what the
sources say.

Then compare the sources. For every conflicting fact (counts, dates, names,
places) name the specific sources and the values each one reports.
If the sources agree, set discrepancies to exactly "{{.Sentinel}}".

Articles (JSON):
{{.Articles}}

Output format:
{"aggregatedSummary": "...",
 "discrepancies": "...",
 "confidenceScore": 0.0-1.0,
 "methodology": "one sentence on how the sources were weighed"}`

const mergeTemplate = jsonOnly + `

The {{.Count}} events below were created by separate processing runs and some
may describe the same real-world happening. Propose merge groups only for
events that clearly describe the same happening. List the best-covered event
first in each group. Groups with confidence below {{.MinConfidence}} will be ignored.

Events (JSON):
{{.Events}}

Output format:
{"mergeGroups": [
  {"eventIds": ["id", "id"],
   "mergedTitle": "...",
   "mergedType": "...",
   "reasoning": "why these are the same event",
   "confidenceScore": 0.0-1.0}
]}
Return {"mergeGroups": []} when nothing should be merged.`

// Prompts renders the pipeline's prompt templates.
type Prompts struct {
	templates map[TemplateID]*template.Template
}

// NewPrompts parses the built-in templates.
func NewPrompts() *Prompts {
	sources := map[TemplateID]string{
		TemplateSummarize: summarizeTemplate,
		TemplateCluster:   clusterTemplate,
		TemplateAggregate: aggregateTemplate,
		TemplateMerge:     mergeTemplate,
	}

	p := &Prompts{templates: make(map[TemplateID]*template.Template, len(sources))}
	for id, src := range sources {
		p.templates[id] = template.Must(template.New(string(id)).Option("missingkey=error").Parse(src))
	}
	return p
}

// Render substitutes vars into the template.
func (p *Prompts) Render(id TemplateID, vars Vars) (string, error) {
	tmpl, ok := p.templates[id]
	if !ok {
		return "", fmt.Errorf("unknown template %q", id)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, map[string]any(vars)); err != nil {
		return "", fmt.Errorf("render %s template: %w", id, err)
	}
	return sb.String(), nil
}
