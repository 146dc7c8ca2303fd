// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crateos/liveupdate/swap"
)

var (
	swapOldObject string
	swapOldCrate  string
	swapNewObject string
	swapReexport  bool
	swapCache     bool
)

var swapCmd = &cobra.Command{
	Use:   "swap",
	Short: "Hot-swap one loaded crate for a replacement object file",
	Long: `swap replaces --old-crate with the crate in --new-object, rewriting every
live dependent section to reference the replacement.

Because crateutil has no running program to pause, it loads --old-object
fresh before swapping it, so the swap always has something live to
replace; a real kernel build invokes the same swap.Engine.SwapCrates
against crates that were already running.`,
	Run: func(cmd *cobra.Command, args []string) {
		rt, err := newRuntime()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}

		if _, err := rt.ld.LoadCrate(swapOldObject, rt.ns, nil, false); err != nil {
			fmt.Fprintln(os.Stderr, "Error loading old crate:", err)
			os.Exit(2)
		}

		eng := swap.New(rt.ld)
		req := swap.SwapRequest{
			OldCrateName:       swapOldCrate,
			NewCrateObjectFile: swapNewObject,
			Reexport:           swapReexport,
		}

		if err := eng.SwapCrates(rt.ns, []swap.SwapRequest{req}, nil, nil, swapCache); err != nil {
			fmt.Fprintln(os.Stderr, "Error swapping crates:", err)
			os.Exit(3)
		}

		fmt.Printf("swapped %s -> %s (reexport=%v, cached=%v)\n", swapOldCrate, swapNewObject, swapReexport, swapCache)
		if swapCache {
			for _, key := range eng.CacheKeys() {
				fmt.Println("  cache entry:", key)
			}
		}
	},
}

func init() {
	swapCmd.Flags().StringVar(&swapOldObject, "old-object", "", "basename of the crate object file to load and then replace")
	swapCmd.Flags().StringVar(&swapOldCrate, "old-crate", "", "name (or name-with-hash) of the crate to remove, matched fuzzily")
	swapCmd.Flags().StringVar(&swapNewObject, "new-object", "", "basename of the replacement crate's object file")
	swapCmd.Flags().BoolVar(&swapReexport, "reexport", false, "publish the replacement under the old crate's symbol names too")
	swapCmd.Flags().BoolVar(&swapCache, "cache", false, "cache the retired crate so a swap back can skip reloading it")
	_ = swapCmd.MarkFlagRequired("old-object")
	_ = swapCmd.MarkFlagRequired("old-crate")
	_ = swapCmd.MarkFlagRequired("new-object")
}
