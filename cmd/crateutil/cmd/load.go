// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var loadVerbose bool

var loadCmd = &cobra.Command{
	Use:   "load <object-file>",
	Short: "Load a crate object file into the namespace and report its sections",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		rt, err := newRuntime()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}

		crate, err := rt.ld.LoadCrate(args[0], rt.ns, nil, loadVerbose)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error loading crate:", err)
			os.Exit(2)
		}

		fmt.Printf("loaded %s (%s, category %s)\n", crate.NameWithHash, crate.Name, crate.Category)
		for _, sec := range crate.Sections() {
			global := ""
			if sec.Global {
				global = " global"
			}
			fmt.Printf("  %-40s kind=%s size=%d%s\n", sec.Name, sec.Kind, sec.Size, global)
		}
	},
}

func init() {
	loadCmd.Flags().BoolVarP(&loadVerbose, "verbose", "v", false, "log each relocation as it's applied")
}
