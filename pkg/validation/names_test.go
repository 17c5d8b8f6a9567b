// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateBenchmarkName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		// Valid names
		{"single segment", "prefix-sum", false},
		{"group and function", "collectives/bcast", false},
		{"parameterised", "gossiping/all-to-all/8", false},
		{"float parameter", "latency/scale/0.5", false},
		{"negative parameter", "offsets/shift/-1", false},
		{"unicode", "größe/µs", false},
		{"max length", strings.Repeat("a", MaxBenchmarkNameLen), false},

		// Invalid names
		{"empty", "", true},
		{"too long", strings.Repeat("a", MaxBenchmarkNameLen+1), true},
		{"flag lookalike", "--worker", true},
		{"space", "all reduce", true},
		{"newline injection", "bcast\nmean_ns=0", true},
		{"tab", "bcast\tsmall", true},
		{"empty segment", "bcast//small", true},
		{"trailing slash", "bcast/", true},
		{"leading slash", "/bcast", true},
		{"dot segment", "bcast/./small", true},
		{"traversal", "../../etc/passwd", true},
		{"invalid utf8", "bcast\xff", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBenchmarkName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBenchmarkName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidName) {
				t.Errorf("ValidateBenchmarkName(%q) error %v does not wrap ErrInvalidName", tt.input, err)
			}
		})
	}
}

func TestValidateBaselineName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"word", "main", false},
		{"version", "v1.2", false},
		{"hyphen", "pr-42", false},
		{"underscore", "nightly_2025", false},
		{"max length", strings.Repeat("b", 128), false},

		{"empty", "", true},
		{"hidden", ".hidden", true},
		{"path", "a/b", true},
		{"flag", "-flag", true},
		{"space", "sp ace", true},
		{"too long", strings.Repeat("b", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBaselineName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBaselineName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateMeasurement(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"default", "groupbench", false},
		{"dotted", "perf.collectives", false},
		{"underscore", "bench_results", false},

		{"empty", "", true},
		{"leading digit", "1bench", true},
		{"leading underscore", "_internal", true},
		{"comma injection", "bench,host=evil", true},
		{"space", "bench results", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMeasurement(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMeasurement(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
