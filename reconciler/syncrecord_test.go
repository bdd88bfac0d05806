package reconciler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"hsync/dbengine"
)

// TestSyncRecordCaseTable walks every cell of the spec §4.7 4x4 table,
// checking the side effects that matter (archive/delete calls, upload
// mode) rather than the zero-value fields of Action.
func TestSyncRecordCaseTable(t *testing.T) {
	remote, local := []byte("remote"), []byte("local")
	same := []byte("same")

	cases := []struct {
		name         string
		remoteState  RecordState
		localState   RecordState
		remotePay    []byte
		localPay     []byte
		want         Action
	}{
		{"archive/archive differing", StateArchive, StateArchive, remote, local,
			Action{ArchiveRemote: true, ArchiveLocal: true, DeleteRemote: true, DeleteLocal: true}},
		{"archive/archive equal", StateArchive, StateArchive, same, same,
			Action{ArchiveLocal: true, DeleteRemote: true, DeleteLocal: true}},
		{"archive/expunge", StateArchive, StateExpunge, remote, local,
			Action{ArchiveRemote: true, DeleteRemote: true, DeleteLocal: true}},
		{"archive/dirty", StateArchive, StateDirty, remote, local,
			Action{ArchiveRemote: true, Upload: UploadOverwrite}},
		{"archive/clean", StateArchive, StateClean, remote, local,
			Action{ArchiveRemote: true, DeleteRemote: true, DeleteLocal: true}},

		{"expunge/archive", StateExpunge, StateArchive, remote, local,
			Action{ArchiveLocal: true, DeleteRemote: true, DeleteLocal: true}},
		{"expunge/expunge", StateExpunge, StateExpunge, remote, local,
			Action{DeleteRemote: true, DeleteLocal: true}},
		{"expunge/dirty", StateExpunge, StateDirty, remote, local,
			Action{DeleteRemote: true, Upload: UploadNew}},
		{"expunge/clean", StateExpunge, StateClean, remote, local,
			Action{DeleteRemote: true, DeleteLocal: true}},

		{"dirty/archive", StateDirty, StateArchive, remote, local,
			Action{ArchiveLocal: true, ReplaceLocalWithRemote: true}},
		{"dirty/expunge", StateDirty, StateExpunge, remote, local,
			Action{DeleteLocal: true, InsertRemoteLocally: true}},
		{"dirty/dirty equal", StateDirty, StateDirty, same, same,
			Action{ClearFlags: true}},
		{"dirty/dirty conflict", StateDirty, StateDirty, remote, local,
			Action{Upload: UploadOverwrite, InsertRemoteAsDuplicate: true}},
		{"dirty/clean", StateDirty, StateClean, remote, local,
			Action{ReplaceLocalWithRemote: true}},

		{"clean/archive", StateClean, StateArchive, remote, local,
			Action{ArchiveLocal: true, DeleteRemote: true, DeleteLocal: true}},
		{"clean/expunge", StateClean, StateExpunge, remote, local,
			Action{DeleteRemote: true, DeleteLocal: true}},
		{"clean/dirty", StateClean, StateDirty, remote, local,
			Action{Upload: UploadOverwrite}},
		{"clean/clean", StateClean, StateClean, remote, local, Action{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SyncRecord(tc.remoteState, tc.localState, tc.remotePay, tc.localPay)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeFlags(t *testing.T) {
	require.Equal(t, StateClean, NormalizeFlags(0))
	require.Equal(t, StateDirty, NormalizeFlags(dbengine.RecFlagDirty))
	require.Equal(t, StateArchive, NormalizeFlags(dbengine.RecFlagDeleted|dbengine.RecFlagArchive))
	require.Equal(t, StateExpunge, NormalizeFlags(dbengine.RecFlagDeleted|dbengine.RecFlagExpunged))
	require.Equal(t, StateArchive, NormalizeFlags(dbengine.RecFlagDeleted)) // conservative default
}
