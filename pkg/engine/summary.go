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
	"sync"
	"time"
)

// Failure records a benchmark that did not finish.
type Failure struct {
	Name    string `json:"name"`
	Class   string `json:"class"`
	Error   string `json:"error"`
	Samples int    `json:"samples"`
}

// Summary collects the outcome of a whole run.
//
// Thread Safety: Safe for concurrent use; the status server reads it while
// the driver appends.
type Summary struct {
	mu          sync.RWMutex
	results     []*Result
	failures    []Failure
	regressions int
	started     time.Time
	finished    time.Time
}

// NewSummary starts a summary at start.
func NewSummary(start time.Time) *Summary {
	return &Summary{started: start}
}

// AddResult records a completed benchmark.
func (s *Summary) AddResult(r *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	if r.Change != nil && r.Change.Verdict == VerdictRegressed {
		s.regressions++
	}
}

// AddFailure records a benchmark that stopped early. partial may be nil.
func (s *Summary) AddFailure(name, class string, partial *Result, err error) {
	f := Failure{Name: name, Class: class}
	if err != nil {
		f.Error = err.Error()
	}
	if partial != nil {
		f.Samples = len(partial.Samples)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
}

// Finish stamps the end of the run.
func (s *Summary) Finish(end time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = end
}

// Results returns a copy of the completed results.
func (s *Summary) Results() []*Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Result, len(s.results))
	copy(out, s.results)
	return out
}

// Result returns the completed result named name.
func (s *Summary) Result(name string) (*Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.results {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

// Failures returns a copy of the recorded failures.
func (s *Summary) Failures() []Failure {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Failure, len(s.failures))
	copy(out, s.failures)
	return out
}

// Regressions counts results whose baseline verdict is VerdictRegressed.
func (s *Summary) Regressions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.regressions
}

// Failed reports whether any benchmark failed.
func (s *Summary) Failed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.failures) > 0
}

// Elapsed is the run's wall time, up to now while it is still running.
func (s *Summary) Elapsed(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.finished.IsZero() {
		return s.finished.Sub(s.started)
	}
	return now.Sub(s.started)
}

// SummarySnapshot is the serialisable form of a Summary.
type SummarySnapshot struct {
	Results     []*Result `json:"results"`
	Failures    []Failure `json:"failures"`
	Regressions int       `json:"regressions"`
	ElapsedNs   int64     `json:"elapsed_ns"`
}

// Snapshot returns a serialisable copy of the summary.
func (s *Summary) Snapshot(now time.Time) SummarySnapshot {
	return SummarySnapshot{
		Results:     s.Results(),
		Failures:    s.Failures(),
		Regressions: s.Regressions(),
		ElapsedNs:   s.Elapsed(now).Nanoseconds(),
	}
}
