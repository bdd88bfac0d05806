package reconciler

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"hsync/commander"
	"hsync/dbengine"
	"hsync/metrics"
	"hsync/protocol"
)

// Wire arg ids, mirrored from commander/commands.go (unexported there, so
// the fake device here encodes/decodes using the same numbering by hand).
const (
	wireArgHandle  byte = 8
	wireArgID      byte = 9
	wireArgFlags   byte = 2
	wireArgPayload byte = 11
	wireArgIndex   byte = 38
)

const (
	codeOK       uint16 = 0
	codeNotFound uint16 = 1
)

func wireU32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func wireDecU32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func findWireArg(args []protocol.Arg, id byte) []byte {
	for _, a := range args {
		if a.ID == id {
			return a.Data
		}
	}
	return nil
}

// fakeDevice plays the device side of the wire for one test, answering
// each request via responder until the connection closes. Mirrors the
// pattern established in commander/commander_test.go.
func fakeDevice(t *testing.T, conn net.Conn, responder func(cmd byte, args []protocol.Arg) (uint16, []protocol.Arg)) {
	t.Helper()
	fr := protocol.NewFramer(conn, time.Second)
	asm := protocol.NewAssembler(fr, 1, 2)
	go func() {
		for {
			req, err := asm.Read()
			if err != nil {
				return
			}
			if len(req) < 2 {
				continue
			}
			cmd := req[0] &^ 0x80
			argCount := int(req[1])
			args, derr := protocol.DecodeArgs(req[2:], argCount)
			if derr != nil {
				return
			}
			errCode, respArgs := responder(cmd, args)
			resp := make([]byte, 0, 4)
			resp = append(resp, cmd|0x80, byte(len(respArgs)), byte(errCode>>8), byte(errCode))
			resp = append(resp, protocol.EncodeArgs(respArgs)...)
			if werr := asm.Write(resp); werr != nil {
				return
			}
		}
	}()
}

func newTestReconciler(t *testing.T, responder func(cmd byte, args []protocol.Arg) (uint16, []protocol.Arg)) *Reconciler {
	t.Helper()
	hostConn, devConn := net.Pipe()
	t.Cleanup(func() { hostConn.Close(); devConn.Close() })

	hostFr := protocol.NewFramer(hostConn, time.Second)
	hostAsm := protocol.NewAssembler(hostFr, 2, 1)
	tr := protocol.NewTransactor(hostAsm)

	fakeDevice(t, devConn, responder)
	cmd := commander.New(tr, nil)
	return New(cmd, t.TempDir(), t.TempDir(), nil)
}

func TestRunFirstSyncDownloadsAndClassifies(t *testing.T) {
	// record 0: clean -> kept; record 1: deleted+archive -> archived, dropped;
	// record 2: deleted+expunged -> dropped silently.
	recs := []struct {
		flags   byte
		payload string
	}{
		{0x00, "keepme"},
		{(1 << 1) | (1 << 3), "archiveme"}, // deleted|archive (flags nibble, high bits)
		{(1 << 1) | (1 << 2), "dropme"},    // deleted|expunged
	}

	r := newTestReconciler(t, func(cmd byte, args []protocol.Arg) (uint16, []protocol.Arg) {
		idx := int(wireDecU32(findWireArg(args, wireArgIndex)))
		if idx >= len(recs) {
			return codeNotFound, nil
		}
		rec := recs[idx]
		return codeOK, []protocol.Arg{
			{ID: wireArgID, Data: wireU32(uint32(idx + 1))},
			{ID: wireArgFlags, Data: []byte{rec.flags << 4}}, // flags in high nibble, category low
			{ID: wireArgPayload, Data: []byte(rec.payload)},
		}
	})

	info := commander.DatabaseInfo{Name: "Memo", Creator: 1, Type: 2}
	archive := NewArchiveFile(t.TempDir()+"/Memo.arch", "Memo", 2, 1)
	defer archive.Close()
	var outcome Outcome

	local, err := r.runFirstSync(commander.Handle(1), info, archive, &outcome)
	require.NoError(t, err)
	require.Len(t, local.Records, 1)
	require.Equal(t, "keepme", string(local.Records[0].Payload))
	require.Equal(t, 1, outcome.RecordsArchive)
}

func TestRunFastSyncUploadsLocalOnlyDirtyRecord(t *testing.T) {
	r := newTestReconciler(t, func(cmd byte, args []protocol.Arg) (uint16, []protocol.Arg) {
		switch {
		case findWireArg(args, wireArgPayload) == nil && findWireArg(args, wireArgIndex) == nil:
			// read_next_modified_rec with no remote changes
			return codeNotFound, nil
		default:
			// write_record: assign a fresh id
			return codeOK, []protocol.Arg{{ID: wireArgID, Data: wireU32(500)}}
		}
	})

	info := commander.DatabaseInfo{Name: "Memo"}
	existing := &dbengine.LocalDatabase{
		Header: dbengine.Header{Name: "Memo"},
		Records: []dbengine.Record{
			{ID: 1, Flags: dbengine.RecFlagDirty, Payload: []byte("localdirty")},
			{ID: 2, Flags: 0, Payload: []byte("localclean")},
		},
	}
	archive := NewArchiveFile(t.TempDir()+"/Memo.arch", "Memo", 0, 0)
	defer archive.Close()
	var outcome Outcome

	local, err := r.runFastSync(commander.Handle(1), info, existing, archive, &outcome)
	require.NoError(t, err)
	require.Equal(t, 1, outcome.RecordsUpload)

	var sawUploaded, sawClean bool
	for _, rec := range local.Records {
		if rec.ID == 500 {
			sawUploaded = true
			require.Equal(t, "localdirty", string(rec.Payload))
			require.Equal(t, uint8(0), rec.Flags)
		}
		if rec.ID == 2 {
			sawClean = true
		}
	}
	require.True(t, sawUploaded)
	require.True(t, sawClean)
}

func TestChooseStrategy(t *testing.T) {
	require.Equal(t, FirstSync, ChooseStrategy(false, 1, 1, false))
	require.Equal(t, SlowSync, ChooseStrategy(true, 1, 2, false))
	require.Equal(t, SlowSync, ChooseStrategy(true, 1, 1, true))
	require.Equal(t, FastSync, ChooseStrategy(true, 1, 1, false))
}

func TestSyncDatabaseObservesMetrics(t *testing.T) {
	const (
		wireCmdOpenDB          byte = 0x05
		wireCmdCloseDB         byte = 0x06
		wireCmdOpenConduit     byte = 0x13
		wireCmdCleanUpDatabase byte = 0x14
		wireCmdResetSyncFlags  byte = 0x15
		wireCmdReadRecordIndex byte = 0x19
	)

	r := newTestReconciler(t, func(cmd byte, args []protocol.Arg) (uint16, []protocol.Arg) {
		switch cmd {
		case wireCmdOpenDB:
			return codeOK, []protocol.Arg{{ID: wireArgHandle, Data: wireU32(1)}}
		case wireCmdReadRecordIndex:
			return codeNotFound, nil // no records: FirstSync ends immediately
		default:
			return codeOK, nil
		}
	})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r.SetMetrics(m)

	info := commander.DatabaseInfo{Name: "Memo", Creator: 1, Type: 2}
	dir := t.TempDir()
	outcome, err := r.SyncDatabase(info, dir+"/Memo.pdb", dir+"/Memo.arch", 1, 1, false)
	require.NoError(t, err)
	require.Equal(t, FirstSync, outcome.Strategy)
}

func TestVanishedDatabasesMovesUnknownBackupsToAttic(t *testing.T) {
	backupDir := t.TempDir()
	r := New(nil, backupDir, t.TempDir(), nil)

	require.NoError(t, os.WriteFile(filepath.Join(backupDir, "Memo.pdb"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(backupDir, "ToDo.pdb"), []byte("y"), 0o644))

	moved, err := r.VanishedDatabases(map[string]bool{"Memo.pdb": true})
	require.NoError(t, err)
	require.Equal(t, []string{"ToDo.pdb"}, moved)

	require.NoFileExists(t, filepath.Join(backupDir, "ToDo.pdb"))
	require.FileExists(t, filepath.Join(backupDir, "Attic", "ToDo.pdb"))
	require.FileExists(t, filepath.Join(backupDir, "Memo.pdb"))
}

func TestVanishedDatabasesNoBackupDirIsNoop(t *testing.T) {
	r := New(nil, filepath.Join(t.TempDir(), "does-not-exist"), t.TempDir(), nil)
	moved, err := r.VanishedDatabases(nil)
	require.NoError(t, err)
	require.Empty(t, moved)
}
