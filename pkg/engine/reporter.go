// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/groupbench/pkg/ux"
)

// Reporter presents benchmark outcomes.
type Reporter interface {
	// Result reports a completed benchmark.
	Result(r *Result) error

	// Failure reports a benchmark that stopped early. partial may be nil.
	Failure(name, class string, partial *Result, err error) error

	// Summary reports the whole run.
	Summary(s *Summary) error
}

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// NewReporter returns the reporter for format writing to w.
func NewReporter(format string, w io.Writer) (Reporter, error) {
	switch strings.ToLower(format) {
	case FormatText, "":
		return NewTextReporter(w), nil
	case FormatJSON:
		return NewJSONReporter(w), nil
	default:
		return nil, fmt.Errorf("%w: output format %q", ErrInvalidConfig, format)
	}
}

// -----------------------------------------------------------------------------
// Text
// -----------------------------------------------------------------------------

// TextReporter writes a human-readable report, styled when w is a terminal.
type TextReporter struct {
	mu    sync.Mutex
	w     io.Writer
	theme ux.Theme
	now   func() time.Time
}

// NewTextReporter creates a TextReporter.
func NewTextReporter(w io.Writer) *TextReporter {
	return &TextReporter{w: w, theme: ux.NewTheme(w), now: time.Now}
}

const indent = "                        "

// Result implements Reporter.
//
//	collectives/bcast
//	                        time:   [1.2000 µs 1.2500 µs 1.3000 µs]
//	                        slope:  1.2400 µs  thrpt: 800.00 Kops/s
//	                        change: +2.10% (p = 0.0100)  regressed
func (t *TextReporter) Result(r *Result) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	th := t.theme

	var b strings.Builder
	fmt.Fprintln(&b, th.Title.Render(r.Name))
	fmt.Fprintf(&b, "%s%s [%s %s %s]\n", indent, th.Label.Render("time:  "),
		th.Muted.Render(FormatNanos(float64(r.Confidence.Lower))),
		th.Value.Render(FormatNanos(float64(r.Latency.Mean))),
		th.Muted.Render(FormatNanos(float64(r.Confidence.Upper))),
	)
	fmt.Fprintf(&b, "%s%s %s  %s %s\n", indent,
		th.Label.Render("slope: "), FormatNanos(float64(r.Slope)),
		th.Label.Render("thrpt:"), FormatRate(r.OpsPerSecond),
	)
	if r.Change != nil {
		fmt.Fprintf(&b, "%s%s %+.2f%% (p = %.4f)  %s\n", indent,
			th.Label.Render("change:"), r.Change.MeanChange*100, r.Change.PValue,
			t.verdict(r.Change.Verdict),
		)
	}
	if r.OutliersRemoved > 0 {
		fmt.Fprintf(&b, "%s\n", th.Muted.Render(fmt.Sprintf(
			"Found %d outliers among %d measurements (%.2f%%)",
			r.OutliersRemoved, len(r.Samples),
			100*float64(r.OutliersRemoved)/float64(len(r.Samples)),
		)))
	}
	_, err := io.WriteString(t.w, b.String())
	return err
}

func (t *TextReporter) verdict(v Verdict) string {
	switch v {
	case VerdictImproved:
		return t.theme.Success.Render("Performance has improved.")
	case VerdictRegressed:
		return t.theme.Error.Render("Performance has regressed.")
	case VerdictWithinNoise:
		return t.theme.Muted.Render("Change within noise threshold.")
	default:
		return t.theme.Muted.Render("No change in performance detected.")
	}
}

// Failure implements Reporter.
func (t *TextReporter) Failure(name, class string, partial *Result, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	th := t.theme

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n", ux.IconError.Render(th), th.Title.Render(name), th.Error.Render(class+" failure"))
	if err != nil {
		fmt.Fprintf(&b, "%s%s\n", indent, err)
	}
	if partial != nil && len(partial.Samples) > 0 {
		fmt.Fprintf(&b, "%s%s\n", indent, th.Muted.Render(fmt.Sprintf(
			"%d samples before the failure, mean %s",
			len(partial.Samples), FormatNanos(float64(partial.Latency.Mean)),
		)))
	}
	_, werr := io.WriteString(t.w, b.String())
	return werr
}

// Summary implements Reporter.
func (t *TextReporter) Summary(s *Summary) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	th := t.theme

	results := s.Results()
	failures := s.Failures()

	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n", th.Title.Render("Summary"))
	fmt.Fprintf(&b, "  %s %d completed  %s %d failed  %d regressed  in %s\n",
		ux.IconSuccess.Render(th), len(results),
		ux.IconError.Render(th), len(failures),
		s.Regressions(), s.Elapsed(t.now()).Round(time.Millisecond),
	)
	for _, f := range failures {
		fmt.Fprintf(&b, "  %s %s: %s\n", ux.IconArrow.Render(th), f.Name, th.Error.Render(f.Class))
	}
	_, err := io.WriteString(t.w, b.String())
	return err
}

// -----------------------------------------------------------------------------
// JSON
// -----------------------------------------------------------------------------

// JSONReporter writes one JSON object per line.
type JSONReporter struct {
	mu  sync.Mutex
	enc *json.Encoder
	now func() time.Time
}

// NewJSONReporter creates a JSONReporter.
func NewJSONReporter(w io.Writer) *JSONReporter {
	return &JSONReporter{enc: json.NewEncoder(w), now: time.Now}
}

// Event is one line of JSON output.
type Event struct {
	Type    string           `json:"type"`
	Result  *Result          `json:"result,omitempty"`
	Failure *Failure         `json:"failure,omitempty"`
	Summary *SummarySnapshot `json:"summary,omitempty"`
}

func (j *JSONReporter) emit(e Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(e); err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return nil
}

// Result implements Reporter.
func (j *JSONReporter) Result(r *Result) error {
	return j.emit(Event{Type: "result", Result: r})
}

// Failure implements Reporter.
func (j *JSONReporter) Failure(name, class string, partial *Result, err error) error {
	f := Failure{Name: name, Class: class}
	if err != nil {
		f.Error = err.Error()
	}
	if partial != nil {
		f.Samples = len(partial.Samples)
	}
	return j.emit(Event{Type: "failure", Failure: &f, Result: partial})
}

// Summary implements Reporter.
func (j *JSONReporter) Summary(s *Summary) error {
	snap := s.Snapshot(j.now())
	return j.emit(Event{Type: "summary", Summary: &snap})
}

// -----------------------------------------------------------------------------
// Formatting
// -----------------------------------------------------------------------------

// FormatNanos renders a duration in nanoseconds with a unit chosen by
// magnitude.
func FormatNanos(ns float64) string {
	switch {
	case ns < 1e3:
		return fmt.Sprintf("%.2f ns", ns)
	case ns < 1e6:
		return fmt.Sprintf("%.2f µs", ns/1e3)
	case ns < 1e9:
		return fmt.Sprintf("%.2f ms", ns/1e6)
	default:
		return fmt.Sprintf("%.2f s", ns/1e9)
	}
}

// FormatRate renders operations per second with a metric prefix.
func FormatRate(ops float64) string {
	switch {
	case ops >= 1e9:
		return fmt.Sprintf("%.2f Gops/s", ops/1e9)
	case ops >= 1e6:
		return fmt.Sprintf("%.2f Mops/s", ops/1e6)
	case ops >= 1e3:
		return fmt.Sprintf("%.2f Kops/s", ops/1e3)
	default:
		return fmt.Sprintf("%.2f ops/s", ops)
	}
}
