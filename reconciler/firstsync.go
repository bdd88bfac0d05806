package reconciler

import (
	"github.com/pkg/errors"

	"hsync/commander"
	"hsync/dbengine"
)

// runFirstSync implements spec §4.7 FirstSync: download every record,
// archive/drop/strip per flag state, write the result as the new backup.
//
// Preserved per spec §8/§9: a device record with a zero-length payload
// is still downloaded and kept (or archived/dropped per its flags) like
// any other; FirstSync does not special-case empty records, and neither
// does this implementation.
func (r *Reconciler) runFirstSync(handle commander.Handle, info commander.DatabaseInfo, archive *ArchiveFile, outcome *Outcome) (*dbengine.LocalDatabase, error) {
	remote, err := r.cmd.ReadAllRecords(handle)
	if err != nil {
		return nil, errors.Wrap(err, "download all records")
	}

	local := newLocalDatabaseHeader(info)
	for _, rec := range remote {
		state := NormalizeFlags(packFlags(rec.Flags))
		switch state {
		case StateArchive:
			if err := archive.WriteRecord(TagRecord, rec.Payload, nowArchivalTime()); err != nil {
				return nil, errors.Wrap(err, "archive record")
			}
			outcome.RecordsArchive++
		case StateExpunge:
			// dropped, not archived
		default:
			clean := newRecordFromRemote(rec)
			clean.Flags = stripNonPrivate(clean.Flags)
			local.Append(clean)
		}
	}
	return local, nil
}

func newLocalDatabaseHeader(info commander.DatabaseInfo) *dbengine.LocalDatabase {
	return &dbengine.LocalDatabase{
		Header: dbengine.Header{
			Name:       info.Name,
			Creator:    info.Creator,
			Type:       info.Type,
			Version:    info.Version,
			ModNum:     info.ModNum,
			CreatedAt:  info.CreatedAt,
			ModifiedAt: info.ModifiedAt,
			BackedUpAt: info.BackedUpAt,
		},
	}
}
