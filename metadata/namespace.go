// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package metadata

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/crateos/liveupdate/obj"
	"github.com/crateos/liveupdate/symindex"
)

// Directory is a namespace's handle onto the object files its crates
// may be loaded from, abstracting over however they're actually stored
// (spec §6 "Namespace directory layout"). A real kernel build backs
// this with whatever read-only filesystem the bootloader handed it;
// tests back it with an in-memory map.
type Directory interface {
	// Open returns a reader over the named object file's bytes.
	Open(basename string) (io.ReaderAt, error)
	// List returns the basenames of every object file available in
	// this directory, used by get_symbol_or_load's unique-prefix rule
	// (spec §4.3) and by FindCrateFileByPrefix.
	List() ([]string, error)
}

// Loader is the subset of the crate loader (C4) the metadata store
// needs, expressed as an interface so this package never imports
// package loader (which imports this package for LoadedCrate and
// CrateNamespace -- importing it back here would be a cycle).
type Loader interface {
	LoadCrate(objectFile string, into, backup *CrateNamespace, verbose bool) (*LoadedCrate, error)
}

// CrateNamespace is a scope mapping crate names to loaded crates and
// symbol names to sections, with an optional parent namespace forming
// a recursion chain that lookups fall through but additions never
// climb (spec §3, §4.3).
type CrateNamespace struct {
	mu     sync.RWMutex
	crates map[string]*LoadedCrate

	symMu   sync.RWMutex
	symbols *symindex.Index[SectionRef]

	dir    Directory
	parent *CrateNamespace

	name string
}

// NewCrateNamespace returns an empty namespace named name, backed by
// dir, optionally chained under parent.
func NewCrateNamespace(name string, dir Directory, parent *CrateNamespace) *CrateNamespace {
	return &CrateNamespace{
		crates:  make(map[string]*LoadedCrate),
		symbols: symindex.New[SectionRef](),
		dir:     dir,
		parent:  parent,
		name:    name,
	}
}

// Name returns the namespace's diagnostic name.
func (ns *CrateNamespace) Name() string { return ns.name }

// Parent returns the namespace's parent, or nil at the root.
func (ns *CrateNamespace) Parent() *CrateNamespace { return ns.parent }

// Directory returns the namespace's object-file directory.
func (ns *CrateNamespace) Directory() Directory { return ns.dir }

// GetCrate looks up name in this namespace and, on miss, its parent
// chain (spec §4.3 get_crate).
func (ns *CrateNamespace) GetCrate(name string) (*LoadedCrate, bool) {
	ns.mu.RLock()
	c, ok := ns.crates[name]
	ns.mu.RUnlock()
	if ok {
		return c, true
	}
	if ns.parent != nil {
		return ns.parent.GetCrate(name)
	}
	return nil, false
}

// InsertCrate publishes c into the namespace's crate map under name,
// the atomic step that makes its existence visible to future GetCrate
// calls (spec §4.3 "Insertion of a crate is the atomic step..."). It
// fails if a crate by that name is already present, matching the "no
// name collision" invariant.
func (ns *CrateNamespace) InsertCrate(name string, c *LoadedCrate) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if _, exists := ns.crates[name]; exists {
		return fmt.Errorf("metadata: namespace %q already has a crate named %q", ns.name, name)
	}
	ns.crates[name] = c
	return nil
}

// RemoveCrate deletes name from the namespace's crate map, returning
// the removed crate and whether it was present. It does not touch the
// symbol map; callers doing a retirement (spec §4.5 step 5) must also
// call RemoveSymbol or re-export as appropriate.
func (ns *CrateNamespace) RemoveCrate(name string) (*LoadedCrate, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	c, ok := ns.crates[name]
	if ok {
		delete(ns.crates, name)
	}
	return c, ok
}

// Crates returns every crate currently in this namespace (not its
// ancestors), unordered.
func (ns *CrateNamespace) Crates() []*LoadedCrate {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	out := make([]*LoadedCrate, 0, len(ns.crates))
	for _, c := range ns.crates {
		out = append(out, c)
	}
	return out
}

// AddSymbols publishes sections into the symbol map as weak references
// (spec §4.3 add_symbols). Existing entries under the same name are
// overwritten, which is how re-exporting (spec §4.6) works: inserting
// the new section under the old crate's symbol name replaces whatever
// was there.
func (ns *CrateNamespace) AddSymbols(sections []*LoadedSection) {
	ns.symMu.Lock()
	defer ns.symMu.Unlock()
	for _, s := range sections {
		ns.symbols.Add(s.Name, Ref(s))
	}
}

// AddSymbolAlias publishes sec into the symbol map under name instead
// of sec's own Name. This is the mechanism re-exporting (spec §4.6)
// uses to make a replacement crate's section additionally answer to an
// old crate's symbol name, and is also how a cache-restoring swap
// reinstates a preserved crate's original symbol names.
func (ns *CrateNamespace) AddSymbolAlias(name string, sec *LoadedSection) {
	ns.symMu.Lock()
	defer ns.symMu.Unlock()
	ns.symbols.Add(name, Ref(sec))
}

// RemoveSymbol deletes name from the symbol map if its current value
// is exactly sec or is stale (its section has been invalidated), so a
// re-exported name pointing at a newer live section isn't accidentally
// removed when its original crate retires.
func (ns *CrateNamespace) RemoveSymbol(name string, sec *LoadedSection) {
	ns.symMu.Lock()
	defer ns.symMu.Unlock()
	if cur, ok := ns.symbols.Get(name); ok {
		if s, upgraded := cur.Value.Upgrade(); !upgraded || s == sec {
			ns.symbols.Remove(name)
		}
	}
}

// GetSymbol resolves name to a live section in this namespace or its
// parent chain (spec §4.3 get_symbol). A symbol map entry whose weak
// reference fails to upgrade is treated as stale: it is evicted and
// the lookup falls through to the parent chain.
func (ns *CrateNamespace) GetSymbol(name string) (*LoadedSection, bool) {
	ns.symMu.RLock()
	e, ok := ns.symbols.Get(name)
	ns.symMu.RUnlock()
	if ok {
		if s, live := e.Value.Upgrade(); live {
			return s, true
		}
		ns.symMu.Lock()
		ns.symbols.Remove(name)
		ns.symMu.Unlock()
	}
	if ns.parent != nil {
		return ns.parent.GetSymbol(name)
	}
	return nil, false
}

// GetSymbolStartingWith returns every live section in this namespace's
// chain whose symbol name has the same hash-stripped form as prefix,
// deliberately fuzzy to find hashed symbols whose hashes have changed
// across builds (spec §4.3 get_symbol_starting_with, §4.6).
func (ns *CrateNamespace) GetSymbolStartingWith(prefix string) []*LoadedSection {
	seen := make(map[*LoadedSection]bool)
	var out []*LoadedSection
	for n := ns; n != nil; n = n.parent {
		n.symMu.Lock()
		matches := n.symbols.StartingWith(prefix)
		var stale []string
		for _, m := range matches {
			if s, live := m.Value.Upgrade(); live {
				if !seen[s] {
					seen[s] = true
					out = append(out, s)
				}
			} else {
				stale = append(stale, m.Name)
			}
		}
		for _, name := range stale {
			n.symbols.Remove(name)
		}
		n.symMu.Unlock()
	}
	return out
}

// GetSymbolOrLoad is GetSymbol, but on a miss asks ld to load the
// crate whose object file would provide name. The chosen crate file is
// the unique basename in this namespace's directory that starts with
// name's crate-name prefix; ambiguity is an error (spec §4.3).
func (ns *CrateNamespace) GetSymbolOrLoad(name string, ld Loader, backup *CrateNamespace, verbose bool) (*LoadedSection, error) {
	if s, ok := ns.GetSymbol(name); ok {
		return s, nil
	}
	parsed, err := obj.ParseSymbolName(name)
	if err != nil {
		return nil, fmt.Errorf("metadata: cannot resolve %q: %w", name, err)
	}
	if ns.dir == nil {
		return nil, fmt.Errorf("metadata: namespace %q has no directory to search for crate %q", ns.name, parsed.Crate)
	}
	match, err := findCrateFileByExactName(ns.dir, parsed.Crate)
	if err != nil {
		return nil, fmt.Errorf("metadata: resolving %q: %w", name, err)
	}
	if _, err := ld.LoadCrate(match, ns, backup, verbose); err != nil {
		return nil, fmt.Errorf("metadata: loading %q to resolve %q: %w", match, name, err)
	}
	if s, ok := ns.GetSymbol(name); ok {
		return s, nil
	}
	return nil, fmt.Errorf("metadata: loaded %q but it still doesn't provide %q", match, name)
}

// findCrateFileByExactName returns the unique basename in dir whose
// parsed crate name equals crateName exactly (spec §4.3
// get_symbol_or_load: "the unique one ... whose basename starts with
// the symbol's crate-name prefix").
func findCrateFileByExactName(dir Directory, crateName string) (string, error) {
	basenames, err := dir.List()
	if err != nil {
		return "", fmt.Errorf("metadata: listing directory: %w", err)
	}
	var match string
	count := 0
	for _, b := range basenames {
		p, err := obj.ParseCrateFilename(b)
		if err != nil {
			continue
		}
		if p.CrateName == crateName {
			match = b
			count++
		}
	}
	switch count {
	case 0:
		return "", fmt.Errorf("no object file for crate %q", crateName)
	case 1:
		return match, nil
	default:
		return "", fmt.Errorf("%d object files for crate %q, ambiguous", count, crateName)
	}
}

// FindCrateFileByPrefix returns the unique basename in dir whose
// crate-name-with-hash starts with crateName, a looser match than
// findCrateFileByExactName for a caller that may only have the bare
// crate name and not yet know its hash. No code in this module calls
// it; SwapCrates loads each request's NewCrateObjectFile by the name
// given.
func FindCrateFileByPrefix(dir Directory, crateName string) (string, error) {
	basenames, err := dir.List()
	if err != nil {
		return "", fmt.Errorf("metadata: listing directory: %w", err)
	}
	var match string
	count := 0
	for _, b := range basenames {
		p, err := obj.ParseCrateFilename(b)
		if err != nil {
			continue
		}
		if p.CrateName == crateName || strings.HasPrefix(p.NameWithHash, crateName) {
			match = b
			count++
		}
	}
	switch count {
	case 0:
		return "", fmt.Errorf("metadata: no object file for crate %q", crateName)
	case 1:
		return match, nil
	default:
		return "", fmt.Errorf("metadata: %d object files match crate %q, ambiguous", count, crateName)
	}
}

// FuzzyFindCrate locates a crate in this namespace (not its ancestors)
// by fuzzy prefix match on its name-with-hash, i.e. ignoring a hash
// suffix difference, per spec §4.5 step 3a. It returns an error on
// ambiguity.
func (ns *CrateNamespace) FuzzyFindCrate(nameWithHash string) (*LoadedCrate, error) {
	key := crateNameWithoutHash(nameWithHash)
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	var match *LoadedCrate
	count := 0
	for _, c := range ns.crates {
		if c.Name == key {
			match = c
			count++
		}
	}
	switch count {
	case 0:
		return nil, fmt.Errorf("metadata: no crate matching %q in namespace %q", nameWithHash, ns.name)
	case 1:
		return match, nil
	default:
		return nil, fmt.Errorf("metadata: %d crates matching %q in namespace %q, ambiguous", count, nameWithHash, ns.name)
	}
}

func crateNameWithoutHash(nameWithHash string) string {
	idx := strings.LastIndex(nameWithHash, "-")
	if idx < 0 {
		return nameWithHash
	}
	return nameWithHash[:idx]
}

// Retire removes c (found by name) from the namespace, invalidates its
// sections so stale SectionRef upgrades fail, removes its global
// symbols from the symbol map unless they were re-exported, and removes
// any re-exports c itself had made. Matches spec §4.5 step 5; a
// namespace inconsistency here is logged by the caller (the swap
// engine, which is better placed to decide whether to escalate per the
// open question in spec §9) rather than by this method, which always
// succeeds once c is confirmed present.
func (ns *CrateNamespace) Retire(name string) (*LoadedCrate, bool) {
	c, ok := ns.unpublish(name)
	if !ok {
		return nil, false
	}
	c.invalidateAllSections()
	return c, true
}

// RetireForCache is Retire, but leaves c's sections valid rather than
// invalidating them. It is used instead of Retire when the swap engine
// is asked to cache the removed crate (spec §4.5 step 5
// "cache_old_crates", §9 "global cached state"): the crate is still
// removed from this namespace's lookup maps, but remains viable to be
// resurrected later as a ready-made replacement crate for a swap back.
func (ns *CrateNamespace) RetireForCache(name string) (*LoadedCrate, bool) {
	return ns.unpublish(name)
}

// unpublish is the lookup-map half of retirement shared by Retire and
// RetireForCache: remove c from the crate map, remove its global
// symbols from the symbol map unless re-exported, and remove any
// re-exports c itself had made.
func (ns *CrateNamespace) unpublish(name string) (*LoadedCrate, bool) {
	c, ok := ns.RemoveCrate(name)
	if !ok {
		return nil, false
	}
	for _, sec := range c.GlobalSections() {
		ns.RemoveSymbol(sec.Name, sec)
	}
	ns.symMu.Lock()
	for reexported := range c.ReexportedSymbols() {
		ns.symbols.Remove(reexported)
	}
	ns.symMu.Unlock()
	return c, true
}
