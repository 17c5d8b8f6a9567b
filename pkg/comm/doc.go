// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package comm provides the message-passing capability that benchmark
// kernels and the group protocol are written against.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────┐
//	│  Communicator (Rank, Size, Send, Recv, Broadcast, Split)     │
//	│       ▲                                                      │
//	│       │ implemented by                                       │
//	│  ┌────┴─────┐   collectives: Barrier, Gather, AllGather,     │
//	│  │   Comm   │   Reduce, AllReduce, Scan, AllToAll            │
//	│  └────┬─────┘                                                │
//	│       │ frames (context, src, tag, payload)                  │
//	│  ┌────▼──────────────┐      ┌───────────────────────────┐    │
//	│  │ Transport         │      │ Mailbox                   │    │
//	│  │  local (memory)   │ ───► │ queues per (ctx,src,tag)  │    │
//	│  │  mesh  (gRPC)     │      └───────────────────────────┘    │
//	│  └───────────────────┘                                       │
//	└──────────────────────────────────────────────────────────────┘
//
// A Comm is a view over a Transport: a context id plus the ordered list of
// world ranks that are its members. Split derives new views without any
// transport change, so sub-communicator traffic never mixes with traffic of
// the parent.
//
// # Tags
//
// User messages use tags in [0, ReservedTagBase). Collectives and
// SendControl/RecvControl use the range above it and do not interfere with
// user traffic.
//
// # Usage
//
//	err := comm.RunLocal(ctx, 4, func(ctx context.Context, c *comm.Comm) error {
//	    sums, err := comm.AllReduce(ctx, c, []int64{int64(c.Rank())}, comm.OpSum)
//	    ...
//	})
package comm
