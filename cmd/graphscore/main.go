// Osprey Graph - Graph-exposure scoring for transaction networks.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Command graphscore scores a transaction graph from CSV files without a
// running server.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
