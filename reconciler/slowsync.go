package reconciler

import (
	"bytes"

	"github.com/pkg/errors"

	"hsync/commander"
	"hsync/dbengine"
)

// runSlowSync implements spec §4.7 SlowSync.
func (r *Reconciler) runSlowSync(handle commander.Handle, info commander.DatabaseInfo, existing *dbengine.LocalDatabase, archive *ArchiveFile, outcome *Outcome) (*dbengine.LocalDatabase, error) {
	if existing == nil {
		existing = newLocalDatabaseHeader(info)
	}
	existingByID := make(map[uint32]int, len(existing.Records))
	for i, rec := range existing.Records {
		existingByID[rec.ID] = i
	}
	consumed := make(map[uint32]bool, len(existing.Records))

	remote, err := r.cmd.ReadAllRecords(handle)
	if err != nil {
		return nil, errors.Wrap(err, "download all records")
	}

	local := newLocalDatabaseHeader(info)
	for _, rec := range remote {
		idx, found := existingByID[rec.ID]
		if !found {
			// New to this host: apply FirstSync flag handling.
			state := NormalizeFlags(packFlags(rec.Flags))
			switch state {
			case StateArchive:
				if err := archive.WriteRecord(TagRecord, rec.Payload, nowArchivalTime()); err != nil {
					return nil, errors.Wrap(err, "archive new remote record")
				}
				outcome.RecordsArchive++
			case StateExpunge:
				// dropped
			default:
				clean := newRecordFromRemote(rec)
				clean.Flags = stripNonPrivate(clean.Flags)
				local.Append(clean)
			}
			continue
		}

		consumed[rec.ID] = true
		localRec := existing.Records[idx]

		remoteFlags := rec.Flags
		if remoteFlags&commander.FlagDirty == 0 && !bytes.Equal(rec.Payload, localRec.Payload) {
			remoteFlags |= commander.FlagDirty
		}
		remoteState := NormalizeFlags(packFlags(remoteFlags))
		localState := NormalizeFlags(localRec.Flags)

		action := SyncRecord(remoteState, localState, rec.Payload, localRec.Payload)
		surviving, err := r.applyAction(handle, archive, rec, localRec, action, outcome)
		if err != nil {
			return nil, errors.Wrapf(err, "merge record %d", rec.ID)
		}
		local.Records = append(local.Records, surviving...)
	}

	for _, rec := range existing.Records {
		if consumed[rec.ID] {
			continue
		}
		state := NormalizeFlags(rec.Flags)
		switch state {
		case StateArchive:
			if err := archive.WriteRecord(TagRecord, rec.Payload, nowArchivalTime()); err != nil {
				return nil, errors.Wrap(err, "archive local-only record")
			}
			outcome.RecordsArchive++
		case StateExpunge:
			// dropped, no archive
		case StateDirty:
			clean := dbengine.Record{ID: 0, Category: rec.Category, Flags: stripNonPrivate(rec.Flags), Payload: rec.Payload}
			assignedID, err := r.cmd.WriteRecord(handle, 0, 0, rec.Category, rec.Payload)
			if err != nil {
				return nil, errors.Wrapf(err, "upload local-only record %d", rec.ID)
			}
			clean.ID = assignedID
			outcome.RecordsUpload++
			local.Append(clean)
		default: // CLEAN: spec §4.7 treats this as peer-deleted-with-archive
			if err := archive.WriteRecord(TagRecord, rec.Payload, nowArchivalTime()); err != nil {
				return nil, errors.Wrap(err, "archive assumed-deleted local record")
			}
			outcome.RecordsArchive++
		}
	}

	return local, nil
}
