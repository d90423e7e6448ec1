// go-erldist - Erlang distribution node client
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package wire

import (
	"fmt"
	"strings"
)

// Flags is the capability bit set exchanged during the distribution handshake.
type Flags uint32

// Distribution capability flags, as defined by the Erlang runtime.
const (
	FlagPublished          Flags = 0x1
	FlagAtomCache          Flags = 0x2
	FlagExtendedReferences Flags = 0x4
	FlagDistMonitor        Flags = 0x8
	FlagFunTags            Flags = 0x10
	FlagDistMonitorName    Flags = 0x20
	FlagHiddenAtomCache    Flags = 0x40
	FlagNewFunTags         Flags = 0x80
	FlagExtendedPidsPorts  Flags = 0x100
	FlagExportPtrTag       Flags = 0x200
	FlagBitBinaries        Flags = 0x400
	FlagNewFloats          Flags = 0x800
	FlagUnicodeIO          Flags = 0x1000
	FlagDistHdrAtomCache   Flags = 0x2000
	FlagSmallAtomTags      Flags = 0x4000
	FlagUTF8Atoms          Flags = 0x10000
	FlagMapTag             Flags = 0x20000
)

// DefaultFlags is the capability set advertised when nothing else is configured.
const DefaultFlags = FlagPublished | FlagExtendedReferences | FlagDistMonitor |
	FlagFunTags | FlagNewFunTags | FlagExtendedPidsPorts | FlagExportPtrTag |
	FlagBitBinaries | FlagNewFloats | FlagUnicodeIO | FlagSmallAtomTags |
	FlagUTF8Atoms | FlagMapTag

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagPublished, "published"},
	{FlagAtomCache, "atom-cache"},
	{FlagExtendedReferences, "extended-references"},
	{FlagDistMonitor, "dist-monitor"},
	{FlagFunTags, "fun-tags"},
	{FlagDistMonitorName, "dist-monitor-name"},
	{FlagHiddenAtomCache, "hidden-atom-cache"},
	{FlagNewFunTags, "new-fun-tags"},
	{FlagExtendedPidsPorts, "extended-pids-ports"},
	{FlagExportPtrTag, "export-ptr-tag"},
	{FlagBitBinaries, "bit-binaries"},
	{FlagNewFloats, "new-floats"},
	{FlagUnicodeIO, "unicode-io"},
	{FlagDistHdrAtomCache, "dist-hdr-atom-cache"},
	{FlagSmallAtomTags, "small-atom-tags"},
	{FlagUTF8Atoms, "utf8-atoms"},
	{FlagMapTag, "map-tag"},
}

// Has reports whether all the bits of f are set.
func (fs Flags) Has(f Flags) bool {
	return fs&f == f
}

// Set returns a copy of the flag set with f enabled.
func (fs Flags) Set(f Flags) Flags {
	return fs | f
}

// Clear returns a copy of the flag set with f disabled.
func (fs Flags) Clear(f Flags) Flags {
	return fs &^ f
}

// Intersect returns the capabilities present in both sets.
func (fs Flags) Intersect(other Flags) Flags {
	return fs & other
}

// Missing returns the bits of required that are not present in the set.
func (fs Flags) Missing(required Flags) Flags {
	return required &^ fs
}

// String implements fmt.Stringer, listing the known flag names.
func (fs Flags) String() string {
	var names []string

	rest := fs
	for _, f := range flagNames {
		if fs.Has(f.flag) {
			names = append(names, f.name)
			rest = rest.Clear(f.flag)
		}
	}
	if rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return "[" + strings.Join(names, ",") + "]"
}
