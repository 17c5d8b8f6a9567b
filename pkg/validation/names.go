// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks names that leave the process.
//
// Benchmark names travel on worker command lines, become file names in the
// baseline store and tags in exported line protocol. Baseline names become
// directories. Validating them once at the boundary keeps every later use
// free of escaping surprises (path traversal, flag injection, line protocol
// injection).
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrInvalidName is wrapped by every validation error.
var ErrInvalidName = errors.New("invalid name")

// MaxBenchmarkNameLen bounds a full benchmark name in bytes.
const MaxBenchmarkNameLen = 256

var (
	// baselinePattern allows one path segment that is not hidden and
	// cannot be mistaken for a flag.
	baselinePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

	// measurementPattern matches InfluxDB measurement names we emit.
	measurementPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]{0,63}$`)
)

// ValidateBenchmarkName validates a "group/function/param" style name.
//
// Valid names:
//   - 1 to MaxBenchmarkNameLen bytes of UTF-8
//   - no whitespace or control characters
//   - "/" separated segments, none empty, "." or ".."
//   - not starting with "-"
//
// Example:
//
//	if err := validation.ValidateBenchmarkName(d.Name); err != nil {
//	    return fmt.Errorf("register: %w", err)
//	}
func ValidateBenchmarkName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty benchmark name", ErrInvalidName)
	case len(name) > MaxBenchmarkNameLen:
		return fmt.Errorf("%w: benchmark name of %d bytes exceeds %d", ErrInvalidName, len(name), MaxBenchmarkNameLen)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: benchmark name %q is not UTF-8", ErrInvalidName, name)
	case strings.HasPrefix(name, "-"):
		return fmt.Errorf("%w: benchmark name %q starts with '-'", ErrInvalidName, name)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: benchmark name %q contains %U", ErrInvalidName, name, r)
		}
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: benchmark name %q has segment %q", ErrInvalidName, name, seg)
		}
	}
	return nil
}

// ValidateBaselineName validates the name a baseline is saved under.
func ValidateBaselineName(name string) error {
	if !baselinePattern.MatchString(name) {
		return fmt.Errorf("%w: baseline %q (must be 1-128 letters, digits, '.', '_' or '-', not starting with '.' or '-')", ErrInvalidName, name)
	}
	return nil
}

// ValidateMeasurement validates an InfluxDB measurement name.
func ValidateMeasurement(name string) error {
	if !measurementPattern.MatchString(name) {
		return fmt.Errorf("%w: measurement %q (must start with a letter, then up to 63 letters, digits, '_', '.' or '-')", ErrInvalidName, name)
	}
	return nil
}
