// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("mobile-core-sub000 - Offline Feature Cache & Sync Library")
	fmt.Println("=========================================================")
	fmt.Println()
	fmt.Println("Core packages for the collaborative mapping mobile client:")
	fmt.Println()
	fmt.Println("  collabsync    Feature records, edit ledger, remote feature")
	fmt.Println("                source with offline reconciliation, sync engine")
	fmt.Println("  offlinecache  Named offline raster-tile maps with size")
	fmt.Println("                estimation and reference-counted deletion")
	fmt.Println("  vectorcache   Per-guichet vector (WFS) tile caching")
	fmt.Println("  filestore     Context-aware file storage abstraction")
	fmt.Println()
	fmt.Println("This module is a library; import its packages from the")
	fmt.Println("application shell rather than running this binary.")
	fmt.Println()
}
