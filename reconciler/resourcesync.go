package reconciler

import (
	"os"

	"github.com/pkg/errors"

	"hsync/commander"
	"hsync/dbengine"
)

// SyncResourceDatabase implements spec §4.7's resource-database policy:
// the reconciler never merges resource databases record-by-record; ROM
// resource databases are ignored entirely, and RAM ones are downloaded
// wholesale to the backup file the first time they're seen (FirstSync-
// like behavior) and left alone on every later sync.
func (r *Reconciler) SyncResourceDatabase(info commander.DatabaseInfo, backupPath string) (Outcome, error) {
	if info.Attributes&commander.AttrAppInfoDirty == 0 && isROM(info) {
		return Outcome{}, nil
	}
	if _, err := os.Stat(backupPath); err == nil {
		return Outcome{}, nil // already backed up once; resource dbs are never re-synced
	} else if !os.IsNotExist(err) {
		return Outcome{}, errors.Wrap(err, "stat resource backup file")
	}

	if err := r.cmd.OpenConduit(); err != nil {
		return Outcome{}, errors.Wrap(err, "open_conduit")
	}
	handle, err := r.cmd.OpenDB(info.Card, info.Name, commander.ModeRead|commander.ModeShowSecret)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "open_db")
	}
	defer r.cmd.CloseDB(handle, 0)

	resources, err := r.cmd.ReadAllResources(handle)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "download all resources")
	}

	local := &dbengine.LocalDatabase{
		Header: dbengine.Header{
			Name:       info.Name,
			Creator:    info.Creator,
			Type:       info.Type,
			Version:    info.Version,
			ModNum:     info.ModNum,
			Attributes: uint16(info.Attributes),
			CreatedAt:  info.CreatedAt,
			ModifiedAt: info.ModifiedAt,
			BackedUpAt: info.BackedUpAt,
		},
	}
	for _, res := range resources {
		local.Resources = append(local.Resources, dbengine.Resource{Type: res.Type, ID: res.ID, Payload: res.Payload})
	}

	if err := dbengine.Write(backupPath, local); err != nil {
		return Outcome{}, errors.Wrap(err, "write resource backup")
	}
	return Outcome{Strategy: FirstSync}, nil
}

// isROM is a placeholder classification until storage-card provenance is
// plumbed through DatabaseInfo; today every resource database is treated
// as a RAM candidate for backup, matching the conservative original
// behavior of backing up anything not proven ROM-resident.
func isROM(commander.DatabaseInfo) bool { return false }
