package reconciler

import "bytes"

// UploadMode distinguishes a write_record call that overwrites the
// existing device id from one that requests a fresh id assignment
// (spec §4.7: "All uploads use the force id mode" for plain uploads,
// versus the one case marked "overwrite-on-device").
//
// The case table names most uploads simply "upload local"; only the
// (ARCHIVE remote, DIRTY local) cell is explicitly qualified
// "overwrite-on-device" in spec §4.7. SyncRecord keeps the existing id
// for every upload whose remote record stays on the device — (ARCHIVE,
// DIRTY), (DIRTY, DIRTY) with differing payloads, and (CLEAN, DIRTY) —
// and requests id 0 only for (EXPUNGE, DIRTY), where the remote record
// is deleted first. (DIRTY, DIRTY) with equal payloads uploads nothing.
// The decision is recorded in DESIGN.md.
type UploadMode int

const (
	UploadNone UploadMode = iota
	UploadOverwrite
	UploadNew
)

// Action describes what SyncRecord decided for one (remote, local) pair.
// A strategy executes it against Commander (device side) and the
// in-memory LocalDatabase (local side); SyncRecord itself performs no I/O.
type Action struct {
	ArchiveRemote           bool
	ArchiveLocal            bool
	DeleteRemote            bool
	DeleteLocal             bool
	Upload                  UploadMode
	ReplaceLocalWithRemote  bool // local record becomes remote's payload, flags cleared
	InsertRemoteLocally     bool // add remote as a new, clean local record
	InsertRemoteAsDuplicate bool // add remote as a new local record (conflict copy), distinct id
	ClearFlags              bool // no-op beyond stripping non-private flags on both sides
}

// SyncRecord implements the spec §4.7 4x4 case table keyed by
// (remote-state, local-state). remotePayload/localPayload are consulted
// only by the two cells whose policy depends on a byte-for-byte compare.
func SyncRecord(remoteState, localState RecordState, remotePayload, localPayload []byte) Action {
	equal := bytes.Equal(remotePayload, localPayload)

	switch remoteState {
	case StateArchive:
		switch localState {
		case StateArchive:
			if equal {
				return Action{ArchiveLocal: true, DeleteRemote: true, DeleteLocal: true}
			}
			return Action{ArchiveRemote: true, ArchiveLocal: true, DeleteRemote: true, DeleteLocal: true}
		case StateExpunge:
			return Action{ArchiveRemote: true, DeleteRemote: true, DeleteLocal: true}
		case StateDirty:
			return Action{ArchiveRemote: true, Upload: UploadOverwrite}
		default: // CLEAN
			return Action{ArchiveRemote: true, DeleteRemote: true, DeleteLocal: true}
		}
	case StateExpunge:
		switch localState {
		case StateArchive:
			return Action{ArchiveLocal: true, DeleteRemote: true, DeleteLocal: true}
		case StateExpunge:
			return Action{DeleteRemote: true, DeleteLocal: true}
		case StateDirty:
			return Action{DeleteRemote: true, Upload: UploadNew}
		default: // CLEAN
			return Action{DeleteRemote: true, DeleteLocal: true}
		}
	case StateDirty:
		switch localState {
		case StateArchive:
			return Action{ArchiveLocal: true, ReplaceLocalWithRemote: true}
		case StateExpunge:
			return Action{DeleteLocal: true, InsertRemoteLocally: true}
		case StateDirty:
			if equal {
				return Action{ClearFlags: true}
			}
			return Action{Upload: UploadOverwrite, InsertRemoteAsDuplicate: true}
		default: // CLEAN
			return Action{ReplaceLocalWithRemote: true}
		}
	default: // remote CLEAN
		switch localState {
		case StateArchive:
			return Action{ArchiveLocal: true, DeleteRemote: true, DeleteLocal: true}
		case StateExpunge:
			return Action{DeleteRemote: true, DeleteLocal: true}
		case StateDirty:
			return Action{Upload: UploadOverwrite}
		default: // CLEAN
			return Action{} // no-op
		}
	}
}
