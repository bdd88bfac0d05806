package reconciler

import (
	"github.com/pkg/errors"

	"hsync/commander"
	"hsync/dbengine"
)

// runFastSync implements spec §4.7 FastSync.
//
// Preserved per spec §9 (not fixed — documented, not corrected): a device
// that fails to set the dirty bit on a changed record silently diverges
// from the host on the next fast sync, since read_next_modified_rec is
// the iterator's only signal. Only a slow sync's byte-compare recovers
// from that.
func (r *Reconciler) runFastSync(handle commander.Handle, info commander.DatabaseInfo, existing *dbengine.LocalDatabase, archive *ArchiveFile, outcome *Outcome) (*dbengine.LocalDatabase, error) {
	if existing == nil {
		existing = newLocalDatabaseHeader(info)
	}
	existingByID := make(map[uint32]int, len(existing.Records))
	for i, rec := range existing.Records {
		existingByID[rec.ID] = i
	}
	consumed := make(map[uint32]bool, len(existing.Records))

	local := newLocalDatabaseHeader(info)
	for {
		rec, err := r.cmd.ReadNextModifiedRec(handle)
		if err != nil {
			if commander.IsNotFound(err) {
				break
			}
			return nil, errors.Wrap(err, "read_next_modified_rec")
		}

		idx, found := existingByID[rec.ID]
		if !found {
			state := NormalizeFlags(packFlags(rec.Flags))
			switch state {
			case StateArchive:
				if err := archive.WriteRecord(TagRecord, rec.Payload, nowArchivalTime()); err != nil {
					return nil, errors.Wrap(err, "archive new modified record")
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
		remoteState := NormalizeFlags(packFlags(rec.Flags))
		localState := NormalizeFlags(localRec.Flags)

		action := SyncRecord(remoteState, localState, rec.Payload, localRec.Payload)
		surviving, err := r.applyAction(handle, archive, rec, localRec, action, outcome)
		if err != nil {
			return nil, errors.Wrapf(err, "merge modified record %d", rec.ID)
		}
		local.Records = append(local.Records, surviving...)
	}

	// Records the iterator never reported: classify by their own local
	// flags. Still-clean ones are assumed unchanged on the device (the
	// fast-sync contract, spec §4.7 step 3).
	for _, rec := range existing.Records {
		if consumed[rec.ID] {
			continue
		}
		switch NormalizeFlags(rec.Flags) {
		case StateArchive:
			if err := archive.WriteRecord(TagRecord, rec.Payload, nowArchivalTime()); err != nil {
				return nil, errors.Wrap(err, "archive local-only record")
			}
			outcome.RecordsArchive++
		case StateExpunge:
			// dropped
		case StateDirty:
			assignedID, err := r.cmd.WriteRecord(handle, 0, 0, rec.Category, rec.Payload)
			if err != nil {
				return nil, errors.Wrapf(err, "upload local-only dirty record %d", rec.ID)
			}
			outcome.RecordsUpload++
			local.Append(dbengine.Record{ID: assignedID, Category: rec.Category, Flags: stripNonPrivate(rec.Flags), Payload: rec.Payload})
		default:
			local.Append(rec)
		}
	}

	return local, nil
}
