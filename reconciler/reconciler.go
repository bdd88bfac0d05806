package reconciler

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"hsync/commander"
	"hsync/dbengine"
	"hsync/localfs"
	"hsync/metrics"
)

// Strategy is the chosen sync algorithm for one database (spec §4.7).
type Strategy int

const (
	FirstSync Strategy = iota
	SlowSync
	FastSync
)

func (s Strategy) String() string {
	switch s {
	case SlowSync:
		return "slow-sync"
	case FastSync:
		return "fast-sync"
	default:
		return "first-sync"
	}
}

// ChooseStrategy implements spec §4.7's selection rule.
func ChooseStrategy(backupExists bool, hostID, lastSyncPC uint32, forceSlow bool) Strategy {
	switch {
	case !backupExists:
		return FirstSync
	case forceSlow || lastSyncPC != hostID:
		return SlowSync
	default:
		return FastSync
	}
}

// Outcome summarizes one database's sync for logging/metrics.
type Outcome struct {
	Strategy       Strategy
	RecordsUpload  int
	RecordsArchive int
	RecordsDelete  int
}

// Reconciler drives sync_database for one Connection's worth of
// databases (spec §4.7). It only ever operates on card 0 (see DESIGN.md
// Open Question decisions).
type Reconciler struct {
	cmd        *commander.Commander
	backupDir  string
	archiveDir string
	log        *logrus.Entry
	metrics    *metrics.Metrics
}

// SetMetrics wires m into the Reconciler; nil disables observation. A
// setter rather than a New parameter, matching dispatcher.Dispatcher's
// SetMetrics, so New's existing 4-argument signature and its callers
// stay unchanged.
func (r *Reconciler) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// New builds a Reconciler writing backups under backupDir and archive
// files under archiveDir.
func New(cmd *commander.Commander, backupDir, archiveDir string, log *logrus.Entry) *Reconciler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reconciler{cmd: cmd, backupDir: backupDir, archiveDir: archiveDir, log: log}
}

// SyncDatabase is the spec §4.7 entry point for one record database.
// Resource databases are handled by SyncResourceDatabase instead (spec
// §4.7: "the reconciler never runs on resource databases").
func (r *Reconciler) SyncDatabase(info commander.DatabaseInfo, backupPath, archivePath string, hostID, lastSyncPC uint32, forceSlow bool) (outcome Outcome, err error) {
	log := r.log.WithField("db", info.Name)

	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		r.metrics.ObserveDatabaseOutcome(result)
		r.metrics.ObserveArchiveRecords(info.Name, outcome.RecordsArchive)
	}()

	if err := r.cmd.OpenConduit(); err != nil {
		return Outcome{}, errors.Wrap(err, "open_conduit")
	}

	existing, err := loadBackupIfPresent(backupPath)
	if err != nil {
		return Outcome{}, err
	}
	strategy := ChooseStrategy(existing != nil, hostID, lastSyncPC, forceSlow)
	log = log.WithField("strategy", strategy.String())
	log.Info("syncing database")

	modes := commander.ModeRead | commander.ModeShowSecret
	if info.Attributes&commander.AttrOpen == 0 {
		modes |= commander.ModeWrite
	}
	handle, err := r.cmd.OpenDB(info.Card, info.Name, modes)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "open_db")
	}

	archive := NewArchiveFile(archivePath, info.Name, info.Type, info.Creator)
	defer archive.Close()

	var local *dbengine.LocalDatabase
	outcome.Strategy = strategy

	switch strategy {
	case FirstSync:
		local, err = r.runFirstSync(handle, info, archive, &outcome)
	case SlowSync:
		local, err = r.runSlowSync(handle, info, existing, archive, &outcome)
	default:
		local, err = r.runFastSync(handle, info, existing, archive, &outcome)
	}
	if err != nil {
		return outcome, err
	}

	if perr := r.postSteps(handle, info); perr != nil {
		log.WithError(perr).Warn("post-sync bookkeeping failed")
	}

	if werr := dbengine.Write(backupPath, local); werr != nil {
		return outcome, errors.Wrap(werr, "write local backup")
	}
	return outcome, nil
}

// postSteps runs the common spec §4.7 bookkeeping: clean_up_database
// (skipped for resource databases, which never reach here),
// reset_sync_flags (skipped when the device reports the db already
// open), and close_db.
func (r *Reconciler) postSteps(handle commander.Handle, info commander.DatabaseInfo) error {
	if err := r.cmd.CleanUpDatabase(handle); err != nil {
		return errors.Wrap(err, "clean_up_database")
	}
	if info.Attributes&commander.AttrOpen == 0 {
		if err := r.cmd.ResetSyncFlags(handle); err != nil {
			return errors.Wrap(err, "reset_sync_flags")
		}
	}
	return r.cmd.CloseDB(handle, 0)
}

// VanishedDatabases moves every backup file in r.backupDir whose database
// is no longer in presentEscaped (the current device db list, escaped
// via localfs.EscapeName plus its extension) into backupDir's Attic/
// (spec §6: "backup/Attic/ — safety-net for databases that vanish from
// the device"). Files directly under Attic/ itself are never
// re-considered, since os.ReadDir on backupDir does not descend.
func (r *Reconciler) VanishedDatabases(presentEscaped map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(r.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reconciler: read backup directory")
	}

	atticDir := filepath.Join(r.backupDir, "Attic")
	var moved []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if presentEscaped[name] {
			continue
		}
		path := filepath.Join(r.backupDir, name)
		if err := localfs.MoveToAttic(path, atticDir); err != nil {
			r.log.WithField("file", name).WithError(err).Warn("vanished database: move to attic failed")
			continue
		}
		moved = append(moved, name)
		r.log.WithField("file", name).Info("vanished database moved to attic")
	}
	return moved, nil
}

func loadBackupIfPresent(path string) (*dbengine.LocalDatabase, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "stat backup file")
	}
	return dbengine.Read(path)
}

func newRecordFromRemote(rec commander.RecordInfo) dbengine.Record {
	return dbengine.Record{
		ID:       rec.ID,
		Category: rec.Category,
		Flags:    packFlags(rec.Flags),
		Payload:  append([]byte(nil), rec.Payload...),
	}
}

func packFlags(f commander.RecordFlag) uint8 {
	var out uint8
	if f&commander.FlagDirty != 0 {
		out |= dbengine.RecFlagDirty
	}
	if f&commander.FlagDeleted != 0 {
		out |= dbengine.RecFlagDeleted
	}
	if f&commander.FlagExpunged != 0 {
		out |= dbengine.RecFlagExpunged
	}
	if f&commander.FlagArchive != 0 {
		out |= dbengine.RecFlagArchive
	}
	if f&commander.FlagPrivate != 0 {
		out |= dbengine.RecFlagPrivate
	}
	return out
}

func nowArchivalTime() time.Time { return time.Now() }
