// Package reconciler implements the per-database three-way synchronizer:
// first/slow/fast sync strategy selection, the SyncRecord merge table,
// and the archive-on-conflict writer (spec §4.7).
package reconciler

import "hsync/dbengine"

// RecordState is the normalized form of the four device-reported record
// flags (spec §4.7 "Record flag semantics").
type RecordState int

const (
	StateClean RecordState = iota
	StateArchive
	StateExpunge
	StateDirty
)

func (s RecordState) String() string {
	switch s {
	case StateArchive:
		return "ARCHIVE"
	case StateExpunge:
		return "EXPUNGE"
	case StateDirty:
		return "DIRTY"
	default:
		return "CLEAN"
	}
}

// NormalizeFlags classifies a record's raw flags into one of the four
// states (spec §4.7). A record with only the deleted flag set — neither
// archive nor expunge — is conservatively treated as ARCHIVE, since not
// every device app sets the archive bit on delete.
func NormalizeFlags(flags uint8) RecordState {
	deleted := flags&dbengine.RecFlagDeleted != 0
	archive := flags&dbengine.RecFlagArchive != 0
	expunged := flags&dbengine.RecFlagExpunged != 0
	dirty := flags&dbengine.RecFlagDirty != 0

	switch {
	case (deleted || dirty) && archive:
		return StateArchive
	case deleted && !archive && expunged:
		return StateExpunge
	case deleted && !archive && !expunged:
		return StateArchive // conservative default, spec §4.7
	case dirty && !deleted:
		return StateDirty
	default:
		return StateClean
	}
}

// stripNonPrivate clears dirty/deleted/expunged/archive, leaving only the
// private flag, as required after a successful sync (spec §3 invariant).
func stripNonPrivate(flags uint8) uint8 {
	return flags & dbengine.RecFlagPrivate
}
