package reconciler

import (
	"github.com/pkg/errors"

	"hsync/commander"
	"hsync/dbengine"
)

// applyAction executes one SyncRecord decision against the device
// (archive/delete/upload calls through Commander) and returns the
// records that should survive into the new local backup for this pair
// (zero, one, or two — spec §4.7's conflict-duplicate cell produces two).
func (r *Reconciler) applyAction(handle commander.Handle, archive *ArchiveFile, remote commander.RecordInfo, local dbengine.Record, action Action, outcome *Outcome) ([]dbengine.Record, error) {
	now := nowArchivalTime()

	if action.ArchiveRemote {
		if err := archive.WriteRecord(TagRecord, remote.Payload, now); err != nil {
			return nil, errors.Wrap(err, "archive remote record")
		}
		outcome.RecordsArchive++
	}
	if action.ArchiveLocal {
		if err := archive.WriteRecord(TagRecord, local.Payload, now); err != nil {
			return nil, errors.Wrap(err, "archive local record")
		}
		outcome.RecordsArchive++
	}
	if action.DeleteRemote {
		if err := r.cmd.DeleteRecord(handle, commander.DeleteAll, remote.ID); err != nil {
			return nil, errors.Wrap(err, "delete remote record")
		}
		outcome.RecordsDelete++
	}

	var out []dbengine.Record
	primary := false

	if action.Upload != UploadNone {
		uploadID := local.ID
		if action.Upload == UploadNew {
			uploadID = 0
		}
		assignedID, err := r.cmd.WriteRecord(handle, uploadID, 0, local.Category, local.Payload)
		if err != nil {
			return nil, errors.Wrap(err, "upload local record")
		}
		outcome.RecordsUpload++
		clean := local
		clean.ID = assignedID
		clean.Flags = stripNonPrivate(clean.Flags)
		out = append(out, clean)
		primary = true
	}
	if action.ReplaceLocalWithRemote {
		clean := newRecordFromRemote(remote)
		clean.Flags = stripNonPrivate(clean.Flags)
		out = append(out, clean)
		primary = true
	}
	if action.InsertRemoteLocally {
		clean := newRecordFromRemote(remote)
		clean.Flags = stripNonPrivate(clean.Flags)
		out = append(out, clean)
		primary = true
	}
	if action.ClearFlags {
		clean := local
		clean.Flags = stripNonPrivate(clean.Flags)
		out = append(out, clean)
		primary = true
	}
	if action.InsertRemoteAsDuplicate {
		dup := newRecordFromRemote(remote)
		dup.Flags = stripNonPrivate(dup.Flags)
		out = append(out, dup)
	}
	if !primary && !action.DeleteLocal && !action.ArchiveLocal {
		out = append(out, local) // true no-op: CLEAN/CLEAN
	}
	return out, nil
}
