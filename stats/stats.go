// Package stats folds ingestion telemetry from every run in a window into one
// record per collection.
package stats

import (
	"sort"

	"boletin-digest/pkg/digest"
)

// Rates prices token usage. Input and Output are per million tokens; FX
// converts the result to the reporting currency.
type Rates struct {
	Input  float64 `yaml:"input_per_million" json:"input_per_million"`
	Output float64 `yaml:"output_per_million" json:"output_per_million"`
	FX     float64 `yaml:"fx" json:"fx"`
}

// Cost prices a token count.
func (r Rates) Cost(inputTokens, outputTokens int64) float64 {
	return (float64(inputTokens)/1e6*r.Input + float64(outputTokens)/1e6*r.Output) * r.FX
}

// Record is the reduced telemetry for one collection.
type Record struct {
	Errors        []digest.ErrorEntry `json:"errors"`
	Warnings      []digest.ErrorEntry `json:"warnings"`
	DocsScraped   int                 `json:"docs_scraped"`
	DocsNew       int                 `json:"docs_new"`
	DocsProcessed int                 `json:"docs_processed"`
	DocsUploaded  int                 `json:"docs_uploaded"`
	TagsFound     int                 `json:"tags_found"`
	InputTokens   int64               `json:"input_tokens"`
	OutputTokens  int64               `json:"output_tokens"`
	ErrorCount    int                 `json:"error_count"`
	Cost          float64             `json:"cost"`
}

// Result is the reduction of a window. NoData is set when no run was found.
type Result struct {
	Collections map[string]Record `json:"collections"`
	RunIDs      []string          `json:"run_ids"`
	NoData      bool              `json:"no_data"`
}

// Names returns the reduced collections sorted by name.
func (r *Result) Names() []string {
	names := make([]string, 0, len(r.Collections))
	for name := range r.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Totals sums every collection. DocsScraped is summed across collections,
// each of which already holds its own maximum.
func (r *Result) Totals() Record {
	var t Record
	for _, name := range r.Names() {
		rec := r.Collections[name]
		t.DocsScraped += rec.DocsScraped
		t.DocsNew += rec.DocsNew
		t.DocsProcessed += rec.DocsProcessed
		t.DocsUploaded += rec.DocsUploaded
		t.TagsFound += rec.TagsFound
		t.InputTokens += rec.InputTokens
		t.OutputTokens += rec.OutputTokens
		t.ErrorCount += rec.ErrorCount
		t.Cost += rec.Cost
		t.Errors = append(t.Errors, rec.Errors...)
		t.Warnings = append(t.Warnings, rec.Warnings...)
	}
	return t
}

// Reducer reduces raw ingestion runs.
type Reducer struct {
	warningCollection string
	rates             Rates
}

// New creates a reducer. Errors attributed to warningCollection are reported
// as warnings.
func New(rates Rates, warningCollection string) *Reducer {
	return &Reducer{rates: rates, warningCollection: warningCollection}
}

// Reduce folds runs into one record per collection: docs_scraped is the
// maximum seen, every other count is summed, error lists are concatenated in
// run order. Cost is derived from the reduced token sums.
func (r *Reducer) Reduce(runs []*digest.IngestionRun) *Result {
	result := &Result{Collections: make(map[string]Record)}
	if len(runs) == 0 {
		result.NoData = true
		return result
	}

	for _, run := range runs {
		result.RunIDs = append(result.RunIDs, run.ID)

		names := make([]string, 0, len(run.Collections))
		for name := range run.Collections {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			snap := run.Collections[name]
			rec := result.Collections[name]

			// Scraped is a running total upstream; summing would double count.
			rec.DocsScraped = max(rec.DocsScraped, snap.DocsScraped)
			rec.DocsNew += snap.DocsNew
			rec.DocsProcessed += snap.DocsProcessed
			rec.DocsUploaded += snap.DocsUploaded
			rec.TagsFound += snap.TagsFound
			rec.InputTokens += snap.InputTokens
			rec.OutputTokens += snap.OutputTokens

			// Entries reported as warnings leave the error count.
			errorCount := snap.ErrorCount
			for _, e := range snap.Errors {
				if e.Collection == "" {
					e.Collection = name
				}
				if e.Collection == r.warningCollection {
					rec.Warnings = append(rec.Warnings, e)
					errorCount--
				} else {
					rec.Errors = append(rec.Errors, e)
				}
			}
			rec.ErrorCount += max(errorCount, 0)

			result.Collections[name] = rec
		}
	}

	for name, rec := range result.Collections {
		rec.Cost = r.rates.Cost(rec.InputTokens, rec.OutputTokens)
		result.Collections[name] = rec
	}
	return result
}
