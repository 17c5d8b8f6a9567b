// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import (
	"context"
	"fmt"

	"github.com/AleutianAI/groupbench/pkg/comm"
	"github.com/AleutianAI/groupbench/pkg/registry"
	"github.com/AleutianAI/groupbench/pkg/topology"
)

// Produce makes the kernel input for one invocation on this process.
//
// Description:
//
//	Workers run setup locally against the group communicator; the input is
//	never transmitted. The coordinator produces nothing. A setup error or
//	panic is returned as-is for the caller to agree on with the group; it is
//	never retried.
//
// Inputs:
//
//	ctx - Passed to setup.
//	setup - The benchmark's setup. Nil yields a nil input.
//	group - The worker group. Nil on the coordinator.
//	role - The caller's role.
//
// Outputs:
//
//	any - The kernel input.
//	error - The setup error, if any.
func Produce(ctx context.Context, setup registry.SetupFunc, group comm.Communicator, role topology.Role) (input any, err error) {
	if role.IsCoordinator() || setup == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			input, err = nil, fmt.Errorf("setup panic: %v", r)
		}
	}()
	return setup(ctx, group)
}
