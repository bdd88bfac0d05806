package dbengine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleRecordDB() *LocalDatabase {
	return &LocalDatabase{
		Header: Header{
			Name:       "MemoDB",
			Creator:    0x6d656d6f,
			Type:       0x44415441,
			Version:    1,
			ModifiedAt: time.Unix(1700000000, 0).UTC(),
		},
		Records: []Record{
			{ID: 1, Category: 2, Flags: RecFlagDirty, Payload: []byte("first")},
			{ID: 2, Category: 0, Flags: 0, Payload: []byte("second record")},
			{ID: 3, Category: 5, Flags: RecFlagArchive, Payload: nil},
		},
		AppInfo:  []byte("appinfo-blob"),
		SortInfo: []byte("sort"),
	}
}

func TestWriteReadRoundTripRecords(t *testing.T) {
	db := sampleRecordDB()
	path := filepath.Join(t.TempDir(), "MemoDB.pdb")

	require.NoError(t, Write(path, db))
	got, err := Read(path)
	require.NoError(t, err)

	require.Equal(t, "MemoDB", got.Header.Name)
	require.Equal(t, db.Header.Creator, got.Header.Creator)
	require.Equal(t, db.Header.ModifiedAt, got.Header.ModifiedAt)
	require.Equal(t, []byte("appinfo-blob"), got.AppInfo)
	require.Equal(t, []byte("sort"), got.SortInfo)
	require.Len(t, got.Records, 3)
	for i := range db.Records {
		require.Equal(t, db.Records[i].ID, got.Records[i].ID)
		require.Equal(t, db.Records[i].Category, got.Records[i].Category)
		require.Equal(t, db.Records[i].Flags, got.Records[i].Flags)
		require.Equal(t, db.Records[i].Payload, got.Records[i].Payload)
	}
}

func TestWriteReadRoundTripResources(t *testing.T) {
	db := &LocalDatabase{
		Header: Header{Name: "Launcher", Attributes: attrResourceDB},
		Resources: []Resource{
			{Type: 1, ID: 1000, Payload: []byte("icon-bytes")},
			{Type: 2, ID: 1001, Payload: []byte("code-bytes")},
		},
	}
	path := filepath.Join(t.TempDir(), "Launcher.prc")

	require.NoError(t, Write(path, db))
	got, err := Read(path)
	require.NoError(t, err)
	require.True(t, got.Header.IsResourceDB())
	require.Len(t, got.Resources, 2)
	require.Equal(t, []byte("icon-bytes"), got.Resources[0].Payload)
	require.Equal(t, []byte("code-bytes"), got.Resources[1].Payload)
}

func TestReadTruncatedFileIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pdb")
	require.NoError(t, os.WriteFile(path, make([]byte, 10), 0o644))

	_, err := Read(path)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestFindAppendInsertDelete(t *testing.T) {
	db := sampleRecordDB()

	require.Equal(t, 1, db.FindByID(2))
	require.Equal(t, -1, db.FindByID(999))

	db.Append(Record{ID: 4, Payload: []byte("fourth")})
	require.Equal(t, uint32(4), db.Records[len(db.Records)-1].ID)

	db.InsertAfter(2, Record{ID: 9, Payload: []byte("inserted")})
	idx := db.FindByID(9)
	require.Equal(t, db.FindByID(2)+1, idx)

	db.DeleteByID(2)
	require.Equal(t, -1, db.FindByID(2))

	cp := CopyRecord(db.Records[0])
	cp.Payload[0] = 'X'
	require.NotEqual(t, db.Records[0].Payload[0], cp.Payload[0])
}
