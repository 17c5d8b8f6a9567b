// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine is the statistical benchmarking engine.
//
// The engine knows nothing about processes or communicators. It drives a
// Measurer, which runs a batch of iterations and returns the time they took,
// and turns the batches into per-iteration estimates:
//
//	warm-up     batches of 1, 2, 4, ... iterations until WarmUpTime passes
//	plan        SampleSize batch sizes filling MeasurementTime
//	            (linear: d, 2d, ..., nd; flat: m, m, ..., m)
//	sample      one MeasureBatch per planned size
//	analyse     outlier fences, latency percentiles, confidence
//	            interval, slope, throughput, baseline comparison
//
// A batch error stops the benchmark. Run still returns the samples gathered
// so far, marked Partial, together with the error.
package engine
