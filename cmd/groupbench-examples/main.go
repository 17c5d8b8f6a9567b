// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command groupbench-examples benchmarks a set of collective operations on
// worker groups of local processes.
//
// Usage:
//
//	groupbench-examples                       # every benchmark
//	groupbench-examples '^collectives/'       # one group
//	groupbench-examples --list
//	groupbench-examples --save-baseline main  # then --baseline main
package main

import (
	"fmt"
	"os"

	"github.com/AleutianAI/groupbench/pkg/groupbench"
	"github.com/AleutianAI/groupbench/pkg/registry"
)

func main() {
	reg := registry.New()
	if err := register(reg); err != nil {
		fmt.Fprintf(os.Stderr, "groupbench-examples: %v\n", err)
		os.Exit(2)
	}
	groupbench.Main(reg)
}

// register adds every example benchmark in a fixed order. Workers build the
// same registry, so the order and names must not depend on the environment.
func register(reg *registry.Registry) error {
	for _, add := range []func(*registry.Registry) error{
		registerPrefixSum,
		registerCollectives,
		registerScanVersusAllReduce,
		registerMessageSizes,
		registerGossip,
	} {
		if err := add(reg); err != nil {
			return err
		}
	}
	return nil
}
