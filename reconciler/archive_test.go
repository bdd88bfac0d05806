package reconciler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestArchiveFileHeaderAndEntriesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Memo.arch")
	af := NewArchiveFile(path, "Memo", 0x44415441, 0x6d656d6f)

	at := time.Unix(1700000000, 0).UTC()
	require.NoError(t, af.WriteRecord(TagRecord, []byte("hello"), at))
	require.NoError(t, af.WriteRecord(TagAppInfo, []byte("app-info-blob"), at))
	require.NoError(t, af.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, len(data) > archiveHeaderLen)
	require.Equal(t, archiveMagic, string(data[:len(archiveMagic)]))
	require.Equal(t, byte(archiveHeaderLen), data[len(archiveMagic)])

	rest := data[archiveHeaderLen:]
	require.Equal(t, byte(TagRecord), rest[0])
	require.Equal(t, byte(archiveEntryHeaderLen), rest[1])
	payloadLen := int(rest[2])<<24 | int(rest[3])<<16 | int(rest[4])<<8 | int(rest[5])
	require.Equal(t, len("hello"), payloadLen)
	payload := rest[archiveEntryHeaderLen : archiveEntryHeaderLen+payloadLen]
	require.Equal(t, "hello", string(payload))
}

func TestArchiveFileAppendsAcrossMultipleOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Memo.arch")

	first := NewArchiveFile(path, "Memo", 1, 2)
	require.NoError(t, first.WriteRecord(TagRecord, []byte("a"), time.Unix(1, 0)))
	require.NoError(t, first.Close())

	second := NewArchiveFile(path, "Memo", 1, 2)
	require.NoError(t, second.WriteRecord(TagRecord, []byte("b"), time.Unix(2, 0)))
	require.NoError(t, second.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// header + two entries, no truncation on reopen
	require.Equal(t, archiveHeaderLen+2*(archiveEntryHeaderLen+1), len(data))
}

func TestArchiveFileNeverOpenedOnClose(t *testing.T) {
	af := NewArchiveFile(filepath.Join(t.TempDir(), "unused.arch"), "Unused", 0, 0)
	require.NoError(t, af.Close())
}
