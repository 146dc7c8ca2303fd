// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	inspectLoad          []string
	inspectPreviewRetire []string
)

var (
	colorCratePublished = color.New(color.FgGreen, color.Bold)
	colorCrateRetiring  = color.New(color.FgRed, color.Bold)
	colorReexport       = color.New(color.FgYellow)
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Dump a namespace's published crates and symbols",
	Long: `inspect loads every object file named by --load into the namespace and
prints what's published: each crate in green, symbols it re-exports in
yellow, and -- if named by --preview-retire -- crates in red to preview
which ones a planned swap would remove, without actually swapping
anything.`,
	Run: func(cmd *cobra.Command, args []string) {
		rt, err := newRuntime()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}

		for _, objFile := range inspectLoad {
			if _, err := rt.ld.LoadCrate(objFile, rt.ns, nil, false); err != nil {
				fmt.Fprintln(os.Stderr, "Error loading", objFile, ":", err)
				os.Exit(2)
			}
		}

		retiring := make(map[string]bool, len(inspectPreviewRetire))
		for _, name := range inspectPreviewRetire {
			retiring[name] = true
		}

		fmt.Printf("namespace %q\n", rt.ns.Name())
		for _, crate := range rt.ns.Crates() {
			label := fmt.Sprintf("  %s (%s)", crate.NameWithHash, crate.Category)
			if retiring[crate.Name] || retiring[crate.NameWithHash] {
				colorCrateRetiring.Println(label + " -- would retire")
			} else {
				colorCratePublished.Println(label)
			}

			for name := range crate.ReexportedSymbols() {
				colorReexport.Printf("    reexports %s\n", name)
			}
			for _, sec := range crate.GlobalSections() {
				fmt.Printf("    %-40s kind=%s size=%d\n", sec.Name, sec.Kind, sec.Size)
			}
		}
	},
}

func init() {
	inspectCmd.Flags().StringSliceVar(&inspectLoad, "load", nil, "object files to load before dumping the namespace")
	inspectCmd.Flags().StringSliceVar(&inspectPreviewRetire, "preview-retire", nil, "crate names (or names-with-hash) to highlight as slated for retirement")
}
