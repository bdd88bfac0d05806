package dispatcher

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"hsync/commander"
	"hsync/dbengine"
	"hsync/localfs"
)

// UploadDatabase creates db on the device and writes its appinfo/sortinfo
// blocks and every record or resource, per spec §4.8 install flavor
// (grounded on original_source/src/install.c's upload_database). The
// database must not already exist unless force is true, in which case an
// existing database with the same name is emptied first rather than
// failing.
//
// Zero-length records are silently skipped (install.c's own
// "gross hack", preserved here as spec §8's documented boundary
// behavior: a zero-length payload is never uploaded).
func UploadDatabase(cmd *commander.Commander, local *dbengine.LocalDatabase, card int, force bool) error {
	if err := cmd.OpenConduit(); err != nil {
		return errors.Wrap(err, "install: open_conduit")
	}

	info := commander.DatabaseInfo{
		Name:       local.Header.Name,
		Creator:    local.Header.Creator,
		Type:       local.Header.Type,
		Attributes: commander.DatabaseAttr(local.Header.Attributes) &^ commander.AttrReadOnly,
		Version:    local.Header.Version,
		Card:       card,
	}

	handle, err := cmd.CreateDB(info)
	switch {
	case err == nil:
		// created clean
	case force && commander.IsExists(err):
		handle, err = cmd.OpenDB(card, info.Name, commander.ModeWrite)
		if err != nil {
			return errors.Wrap(err, "install: open existing database")
		}
		if local.Header.IsResourceDB() {
			err = cmd.DeleteResource(handle, commander.DeleteAll, 0, 0)
		} else {
			err = cmd.DeleteRecord(handle, commander.DeleteAll, 0)
		}
		if err != nil {
			_ = cmd.CloseDB(handle, 0)
			return errors.Wrap(err, "install: empty existing database")
		}
	case err != nil:
		return errors.Wrap(err, "install: create_db")
	}

	if len(local.AppInfo) > 0 {
		if err := cmd.WriteAppInfoBlock(handle, local.AppInfo); err != nil {
			_ = cmd.CloseDB(handle, 0)
			return errors.Wrap(err, "install: write appinfo block")
		}
	}
	if len(local.SortInfo) > 0 {
		if err := cmd.WriteSortBlock(handle, local.SortInfo); err != nil {
			_ = cmd.CloseDB(handle, 0)
			return errors.Wrap(err, "install: write sort block")
		}
	}

	if local.Header.IsResourceDB() {
		for _, rsrc := range local.Resources {
			if err := cmd.WriteResource(handle, rsrc.Type, rsrc.ID, rsrc.Payload); err != nil {
				_ = cmd.CloseDB(handle, 0)
				return errors.Wrap(err, "install: write resource")
			}
		}
	} else {
		for i, rec := range local.Records {
			if len(rec.Payload) == 0 {
				continue
			}
			newID, err := cmd.WriteRecord(handle, rec.ID, unpackFlags(rec.Flags), rec.Category, rec.Payload)
			if err != nil {
				_ = cmd.CloseDB(handle, 0)
				return errors.Wrap(err, "install: write record")
			}
			local.Records[i].ID = newID
		}
	}

	return cmd.CloseDB(handle, 0)
}

// unpackFlags converts a dbengine.Record's on-disk flag octet back to a
// commander.RecordFlag, the inverse of reconciler.packFlags. Staged
// install files are normally flag-clean, but a record carrying leftover
// flags still round-trips correctly.
func unpackFlags(f uint8) commander.RecordFlag {
	var out commander.RecordFlag
	if f&dbengine.RecFlagDirty != 0 {
		out |= commander.FlagDirty
	}
	if f&dbengine.RecFlagDeleted != 0 {
		out |= commander.FlagDeleted
	}
	if f&dbengine.RecFlagExpunged != 0 {
		out |= commander.FlagExpunged
	}
	if f&dbengine.RecFlagArchive != 0 {
		out |= commander.FlagArchive
	}
	if f&dbengine.RecFlagPrivate != 0 {
		out |= commander.FlagPrivate
	}
	return out
}

// InstallPending uploads every `.pdb`/`.prc` file found directly under
// layout.InstallDir(), moving each to Attic/ on success (spec §4.8
// install flavor; SPEC_FULL.md's supplemented install-staging feature).
// A failed upload is logged and left in place so a later sync retries it;
// InstallPending itself never returns an error for a single bad file, only
// for a failure to read the install directory at all.
func InstallPending(cmd *commander.Commander, layout localfs.Layout, card int, force bool, log *logrus.Entry) ([]string, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	entries, err := os.ReadDir(layout.InstallDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "install: read install directory")
	}

	var installed []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(ent.Name()))
		if ext != ".pdb" && ext != ".prc" {
			continue
		}
		path := filepath.Join(layout.InstallDir(), ent.Name())
		entryLog := log.WithField("file", ent.Name())

		local, err := dbengine.Read(path)
		if err != nil {
			entryLog.WithError(err).Warn("install: malformed staged database, skipping")
			continue
		}
		if err := UploadDatabase(cmd, local, card, force); err != nil {
			entryLog.WithError(err).Warn("install: upload failed, left staged for retry")
			continue
		}
		if err := localfs.MoveToAttic(path, layout.AtticDir()); err != nil {
			entryLog.WithError(err).Warn("install: upload succeeded but move-to-attic failed")
			continue
		}
		installed = append(installed, local.Header.Name)
		entryLog.Info("installed")
	}
	return installed, nil
}
