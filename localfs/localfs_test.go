package localfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEscapeNameEscapesWeirdCharacters(t *testing.T) {
	require.Equal(t, "Memo", EscapeName("Memo"))
	require.Equal(t, "My%20Memo", EscapeName("My Memo"))
	require.Equal(t, "a%2Fb", EscapeName("a/b"))
}

func TestBackupAndArchivePaths(t *testing.T) {
	l := Layout{Base: "/base"}
	require.Equal(t, filepath.Join("/base", "backup", "Memo.pdb"), l.BackupPath("Memo", false))
	require.Equal(t, filepath.Join("/base", "backup", "Memo.prc"), l.BackupPath("Memo", true))
	require.Equal(t, filepath.Join("/base", "archive", "Memo"), l.ArchivePath("Memo"))
}

func TestAtomicWriteNeverLeavesPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Memo.pdb")
	require.NoError(t, AtomicWrite(path, []byte("hello")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1) // no leftover staging file
}

func TestMoveToAtticNumbersCollisions(t *testing.T) {
	base := t.TempDir()
	atticDir := filepath.Join(base, "Attic")
	require.NoError(t, os.MkdirAll(atticDir, 0o755))

	backup1 := filepath.Join(base, "Memo.pdb")
	require.NoError(t, os.WriteFile(backup1, []byte("v1"), 0o644))
	require.NoError(t, MoveToAttic(backup1, atticDir))
	require.FileExists(t, filepath.Join(atticDir, "Memo.pdb"))

	backup2 := filepath.Join(base, "Memo.pdb")
	require.NoError(t, os.WriteFile(backup2, []byte("v2"), 0o644))
	require.NoError(t, MoveToAttic(backup2, atticDir))
	require.FileExists(t, filepath.Join(atticDir, "Memo.pdb~0"))
}

func TestEnsureDirsCreatesAllFour(t *testing.T) {
	l := Layout{Base: t.TempDir()}
	require.NoError(t, l.EnsureDirs())
	require.DirExists(t, l.BackupDir())
	require.DirExists(t, l.AtticDir())
	require.DirExists(t, l.ArchiveDir())
	require.DirExists(t, l.InstallDir())
}
