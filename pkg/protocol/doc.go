// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol implements the timed execution protocol between the
// coordinator and a worker group.
//
// # Exchange
//
//	coordinator (world 0)             workers (group 0..n-1)
//	─────────────────────             ──────────────────────
//	MeasureBatch(k)
//	  Broadcast IterationRequest ───► every worker:
//	                                    repeat k times:
//	                                      input := setup()
//	                                      AllReduce(setup ok?)   // barrier
//	                                      t0; kernel(input); t1
//	                                      total += t1 - t0
//	  ◄── TimingResult (group rank 0 only)
//	return total
//
//	Terminate
//	  Broadcast {iterations: 0} ────► workers leave the loop
//
// Requests and results strictly alternate and carry matching sequence
// numbers. Kernel inputs are produced on each worker and never transmitted.
//
// # Failures
//
// A setup error on any worker is agreed on by the whole group, ends the
// batch early and reaches the coordinator as a Failure of ClassSetup. A
// kernel error ends the worker process; the coordinator learns about it from
// the launcher or the transport and reports ClassKernel.
package protocol
