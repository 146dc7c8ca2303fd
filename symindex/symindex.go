// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package symindex indexes names for exact and fuzzy lookup. Symbol
// names carry a trailing hash that changes across rebuilds (spec
// §4.6), so lookup by the demangled prefix -- the name with its
// "::h<hash>" suffix stripped -- has to be a first-class operation
// rather than a fallback. This plays the role symtab.Table plays for
// address-ordered symbol lookup, but ordered by name instead of
// address, since crate symbol resolution never has raw addresses to
// start from.
//
// Index is generic over the value a name maps to: package obj's own
// *Section within one object file, or a weak reference to a
// metadata.LoadedSection across a whole namespace. Both callers want
// the identical sort-by-demangled-name-then-binary-search logic; a
// type parameter avoids writing it twice.
package symindex

import (
	"sort"

	"github.com/crateos/liveupdate/obj"
)

// Entry is one named value available for lookup.
type Entry[T any] struct {
	Name  string
	Value T
}

// Index supports exact and prefix lookup over a set of named values.
// It is built incrementally via Add/Remove rather than all at once,
// since a namespace accumulates crates (and therefore symbols) over
// its lifetime (spec §4.3's add_symbols).
type Index[T any] struct {
	byName   map[string]Entry[T]
	byPrefix []Entry[T] // kept sorted by NameWithoutHash(Name) for prefix search
	dirty    bool
}

// New returns an empty Index.
func New[T any]() *Index[T] {
	return &Index[T]{byName: make(map[string]Entry[T])}
}

// Add inserts or overwrites the entry for name. Per spec §4.6, a
// re-exported symbol is added a second time under a different name (the
// old crate's hashed name) pointing at the new crate's value; callers
// implement that by calling Add twice with the two names.
func (x *Index[T]) Add(name string, value T) {
	x.byName[name] = Entry[T]{Name: name, Value: value}
	x.dirty = true
}

// Remove deletes the entry for name, if present, reporting whether it
// was.
func (x *Index[T]) Remove(name string) bool {
	if _, ok := x.byName[name]; !ok {
		return false
	}
	delete(x.byName, name)
	x.dirty = true
	return true
}

// Get returns the entry for the exact name, and whether it was found.
func (x *Index[T]) Get(name string) (Entry[T], bool) {
	e, ok := x.byName[name]
	return e, ok
}

// reindex rebuilds byPrefix from byName, sorted by the hash-stripped
// name. Called lazily so a burst of Add calls (e.g. while loading one
// crate's worth of global symbols) only pays the sort once.
func (x *Index[T]) reindex() {
	if !x.dirty {
		return
	}
	x.byPrefix = x.byPrefix[:0]
	for _, e := range x.byName {
		x.byPrefix = append(x.byPrefix, e)
	}
	sort.Slice(x.byPrefix, func(i, j int) bool {
		ki, kj := obj.NameWithoutHash(x.byPrefix[i].Name), obj.NameWithoutHash(x.byPrefix[j].Name)
		if ki != kj {
			return ki < kj
		}
		return x.byPrefix[i].Name < x.byPrefix[j].Name
	})
	x.dirty = false
}

// StartingWith returns every entry whose hash-stripped name equals
// prefix's hash-stripped form, i.e. every symbol that is "the same
// symbol" across a hash change (spec §4.3 get_symbol_starting_with).
// prefix may itself already have a hash suffix or not; either way it is
// stripped before comparison. The result is ordered by full (hashed)
// name for determinism, since callers that want a single answer must
// apply their own disambiguation policy (spec §4.3: ambiguity is the
// caller's problem for get_symbol_or_load's crate-file case, but
// get_symbol_starting_with itself may legitimately return many hits).
func (x *Index[T]) StartingWith(prefix string) []Entry[T] {
	x.reindex()
	key := obj.NameWithoutHash(prefix)
	lo := sort.Search(len(x.byPrefix), func(i int) bool {
		return obj.NameWithoutHash(x.byPrefix[i].Name) >= key
	})
	var out []Entry[T]
	for i := lo; i < len(x.byPrefix) && obj.NameWithoutHash(x.byPrefix[i].Name) == key; i++ {
		out = append(out, x.byPrefix[i])
	}
	return out
}

// Unique is StartingWith, but requires exactly one match. No other
// package calls it: crate-file resolution matches basenames by exact
// crate name, and SwapCrates uses CrateNamespace.GetSymbolStartingWith.
func (x *Index[T]) Unique(prefix string) (Entry[T], error) {
	matches := x.StartingWith(prefix)
	switch len(matches) {
	case 0:
		var zero Entry[T]
		return zero, errNoMatch(prefix)
	case 1:
		return matches[0], nil
	default:
		var zero Entry[T]
		return zero, errAmbiguous(prefix, len(matches))
	}
}

// Len returns the number of distinct names currently indexed.
func (x *Index[T]) Len() int {
	return len(x.byName)
}
