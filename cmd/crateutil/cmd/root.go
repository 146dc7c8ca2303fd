// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/crateos/liveupdate/frame"
	"github.com/crateos/liveupdate/loader"
	"github.com/crateos/liveupdate/mapper"
	"github.com/crateos/liveupdate/metadata"
)

var cfgFile string

var (
	namespaceDir  string
	manifestPath  string
	numFrames     uint64
	vaddrBase     uint64
	namespaceName string
)

// RootCmd is the base command when crateutil is called without a
// subcommand.
var RootCmd = &cobra.Command{
	Use:   "crateutil",
	Short: "Inspect and drive a crate namespace's load and hot-swap machinery",
	Long: `crateutil is a command-line front end onto the typed frame allocator,
dynamic linker, and hot-swap engine that a kernel build links in directly.

It operates against a flat directory of crate object files (a namespace
directory per namespace.yaml's "directory" field) backed by real memory:
each invocation allocates its own typed frame pool and virtual address
space, loads or swaps the crates named on the command line, and reports
what happened.`,
}

// Execute runs RootCmd, exiting the process with a non-zero status on
// failure. It is called once from main.main.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.crateutil.yaml)")
	RootCmd.PersistentFlags().StringVar(&namespaceDir, "dir", "", "namespace directory to load crates from")
	RootCmd.PersistentFlags().StringVar(&manifestPath, "manifest", "", "namespace.yaml manifest describing the directory and parent chain")
	RootCmd.PersistentFlags().StringVar(&namespaceName, "namespace", "root", "diagnostic name for the namespace when --dir is used instead of --manifest")
	RootCmd.PersistentFlags().Uint64Var(&numFrames, "num-frames", 1<<16, "number of physical frames to give the typed frame allocator")
	RootCmd.PersistentFlags().Uint64Var(&vaddrBase, "vaddr-base", 0x4000_0000, "base virtual address handed to the virtual address allocator")

	_ = viper.BindPFlag("dir", RootCmd.PersistentFlags().Lookup("dir"))
	_ = viper.BindPFlag("manifest", RootCmd.PersistentFlags().Lookup("manifest"))
	_ = viper.BindPFlag("num-frames", RootCmd.PersistentFlags().Lookup("num-frames"))
	_ = viper.BindPFlag("vaddr-base", RootCmd.PersistentFlags().Lookup("vaddr-base"))

	RootCmd.AddCommand(loadCmd, swapCmd, inspectCmd, cacheCmd)
}

// initConfig reads a config file and environment variables, following
// the same ".crateutil.yaml in $HOME" convention as viper's usual
// cobra wiring.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".crateutil")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// runtime bundles the memory and linkage machinery a subcommand needs:
// a frame allocator and virtual address space backing every crate it
// loads, the loader that walks ELF objects into them, and the root
// namespace crates are published into.
type runtime struct {
	frames *frame.Allocator
	vaddr  *mapper.VirtualAllocator
	ld     *loader.Loader
	ns     *metadata.CrateNamespace
}

// newRuntime builds a runtime from the persistent --dir/--manifest,
// --num-frames, and --vaddr-base flags. Exactly one of --dir or
// --manifest must be set.
func newRuntime() (*runtime, error) {
	dir := viper.GetString("dir")
	manifest := viper.GetString("manifest")

	var ns *metadata.CrateNamespace
	switch {
	case manifest != "" && dir != "":
		return nil, fmt.Errorf("crateutil: --dir and --manifest are mutually exclusive")
	case manifest != "":
		var err error
		ns, err = metadata.LoadNamespaceManifest(manifest)
		if err != nil {
			return nil, err
		}
	case dir != "":
		ns = metadata.NewCrateNamespace(namespaceName, metadata.NewFSDirectory(dir), nil)
	default:
		return nil, fmt.Errorf("crateutil: one of --dir or --manifest is required")
	}

	frames := frame.New()
	last := frame.Frame(viper.GetUint64("num-frames") - 1)
	if err := frames.Init([]frame.Range{frame.NewRange(0, last)}, nil, nil); err != nil {
		return nil, fmt.Errorf("crateutil: initializing frame allocator: %w", err)
	}

	vaddr := mapper.NewVirtualAllocator(viper.GetUint64("vaddr-base"))
	ld := loader.New(frames, vaddr)

	slog.Debug("runtime initialized", "namespace", ns.Name(), "frames", viper.GetUint64("num-frames"))

	return &runtime{frames: frames, vaddr: vaddr, ld: ld, ns: ns}, nil
}
