// Package localfs implements the on-disk layout conventions of spec §6
// "Local filesystem": backup/, backup/Attic/, archive/, install/ under a
// configurable base directory, name escaping, Attic numbering, and
// atomic staging-file writes.
package localfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// DefaultBaseDir is spec §6's default, $HOME/.palm, overridable per
// device.
const DefaultBaseDir = ".palm"

// Layout resolves the directory conventions rooted at one base directory.
type Layout struct {
	Base string
}

// New builds a Layout rooted at base. If base is empty, it resolves to
// $HOME/.palm.
func New(base string) (Layout, error) {
	if base != "" {
		return Layout{Base: base}, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Layout{}, errors.Wrap(err, "resolve home directory")
	}
	return Layout{Base: filepath.Join(home, DefaultBaseDir)}, nil
}

func (l Layout) BackupDir() string  { return filepath.Join(l.Base, "backup") }
func (l Layout) AtticDir() string   { return filepath.Join(l.Base, "backup", "Attic") }
func (l Layout) ArchiveDir() string { return filepath.Join(l.Base, "archive") }
func (l Layout) InstallDir() string { return filepath.Join(l.Base, "install") }

// EnsureDirs creates every directory this layout names, if missing.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.BackupDir(), l.AtticDir(), l.ArchiveDir(), l.InstallDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	return nil
}

// EscapeName escapes a database name for use as a filesystem path
// component: any byte outside `[A-Za-z0-9._-]` becomes `%HH` (spec §6:
// "weird characters in the database name escape as %HH").
func EscapeName(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// BackupPath returns the backup file path for a database, named
// `<escaped-name>.pdb` (record database) or `.prc` (resource database).
func (l Layout) BackupPath(name string, resourceDB bool) string {
	ext := ".pdb"
	if resourceDB {
		ext = ".prc"
	}
	return filepath.Join(l.BackupDir(), EscapeName(name)+ext)
}

// ArchivePath returns the archive file path for a database: the escaped
// name, no extension (spec §6).
func (l Layout) ArchivePath(name string) string {
	return filepath.Join(l.ArchiveDir(), EscapeName(name))
}

// MoveToAttic moves a vanished database's backup file into Attic/,
// numbering it `<file>~0`, `<file>~1`, ... up to `~99` if a same-named
// file already exists there (spec §6).
func MoveToAttic(backupPath, atticDir string) error {
	base := filepath.Base(backupPath)
	dest := filepath.Join(atticDir, base)
	for n := 0; n <= 100; n++ {
		if n > 0 {
			dest = filepath.Join(atticDir, fmt.Sprintf("%s~%d", base, n-1))
		}
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			if err := os.Rename(backupPath, dest); err != nil {
				return errors.Wrapf(err, "move %s to attic", backupPath)
			}
			return nil
		}
	}
	return errors.Errorf("attic: too many existing copies of %s (>99)", base)
}

// AtomicWrite writes data to path via a `<path>.XXXXXX` staging file
// followed by rename, per spec §6: "always write to a staging file, then
// rename; never overwrite in place."
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrapf(err, "create staging file for %s", path)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write staging file for %s", path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "sync staging file for %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close staging file for %s", path)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "rename staging file into %s", path)
	}
	return nil
}

// CopyFile copies src to dst using AtomicWrite's staging-then-rename
// discipline. src is left in place.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()

	data, err := io.ReadAll(in)
	if err != nil {
		return errors.Wrapf(err, "read %s", src)
	}
	return AtomicWrite(dst, data)
}
