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
	cacheOldObject string
	cacheOldCrate  string
	cacheNewObject string
	cacheReexport  bool
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Swap a crate with caching enabled, then show what's in the cache",
	Long: `cache performs the same swap "swap" does, but always with caching
enabled, and prints the resulting cache keys -- the canonical inverse
requests a later swap back would need to supply to hit the cache
instead of reloading from disk.`,
	Run: func(cmd *cobra.Command, args []string) {
		rt, err := newRuntime()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}

		if _, err := rt.ld.LoadCrate(cacheOldObject, rt.ns, nil, false); err != nil {
			fmt.Fprintln(os.Stderr, "Error loading old crate:", err)
			os.Exit(2)
		}

		eng := swap.New(rt.ld)
		req := swap.SwapRequest{
			OldCrateName:       cacheOldCrate,
			NewCrateObjectFile: cacheNewObject,
			Reexport:           cacheReexport,
		}

		if err := eng.SwapCrates(rt.ns, []swap.SwapRequest{req}, nil, nil, true); err != nil {
			fmt.Fprintln(os.Stderr, "Error swapping crates:", err)
			os.Exit(3)
		}

		keys := eng.CacheKeys()
		if len(keys) == 0 {
			fmt.Println("cache is empty")
			return
		}
		fmt.Println("cache entries:")
		for _, key := range keys {
			fmt.Println("  " + key)
		}
	},
}

func init() {
	cacheCmd.Flags().StringVar(&cacheOldObject, "old-object", "", "basename of the crate object file to load and then replace")
	cacheCmd.Flags().StringVar(&cacheOldCrate, "old-crate", "", "name (or name-with-hash) of the crate to remove, matched fuzzily")
	cacheCmd.Flags().StringVar(&cacheNewObject, "new-object", "", "basename of the replacement crate's object file")
	cacheCmd.Flags().BoolVar(&cacheReexport, "reexport", false, "publish the replacement under the old crate's symbol names too")
	_ = cacheCmd.MarkFlagRequired("old-object")
	_ = cacheCmd.MarkFlagRequired("old-crate")
	_ = cacheCmd.MarkFlagRequired("new-object")
}
