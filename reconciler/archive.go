package reconciler

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/pkg/errors"
)

// RecordTag distinguishes the three archivable entry kinds (spec §3
// ArchiveFile).
type RecordTag uint8

const (
	TagRecord RecordTag = iota
	TagAppInfo
	TagSortInfo
)

const (
	archiveMagic        = "ColdArch" // spec §3, literal magic
	archiveHeaderLen     = 32
	archiveNameFieldLen  = archiveHeaderLen - len(archiveMagic) - 1 - 1 - 1 - 4 - 4 // 13
	archiveEntryHeaderLen = 1 + 1 + 4 + 4                                          // tag, hdrlen, datalen, time
)

// ArchiveFile is the append-only per-database audit log (spec §3, §4.7):
// opened lazily on the first archived record, never read back mid-sync,
// and never truncated.
type ArchiveFile struct {
	path      string
	dbName    string
	dbType    uint32
	dbCreator uint32
	f         *os.File
}

// NewArchiveFile describes (without opening) the archive for one
// database. The backing file is created on the first WriteRecord call.
func NewArchiveFile(path, dbName string, dbType, dbCreator uint32) *ArchiveFile {
	return &ArchiveFile{path: path, dbName: dbName, dbType: dbType, dbCreator: dbCreator}
}

func (af *ArchiveFile) ensureOpen() error {
	if af.f != nil {
		return nil
	}
	f, err := os.OpenFile(af.path, os.O_APPEND|os.O_RDWR, 0o644)
	if err == nil {
		af.f = f
		return nil
	}
	if !os.IsNotExist(err) {
		return errors.Wrapf(err, "open archive %s", af.path)
	}

	f, err = os.OpenFile(af.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create archive %s", af.path)
	}
	if _, err := f.Write(af.encodeHeader()); err != nil {
		f.Close()
		return errors.Wrapf(err, "write archive header %s", af.path)
	}
	af.f = f
	return nil
}

func (af *ArchiveFile) encodeHeader() []byte {
	b := make([]byte, archiveHeaderLen)
	copy(b, archiveMagic)
	off := len(archiveMagic)
	b[off] = archiveHeaderLen
	off++
	b[off] = 0 // flags, unused
	off++
	b[off] = 1 // format version
	off++
	binary.BigEndian.PutUint32(b[off:off+4], af.dbType)
	off += 4
	binary.BigEndian.PutUint32(b[off:off+4], af.dbCreator)
	off += 4
	name := af.dbName
	if len(name) > archiveNameFieldLen {
		name = name[:archiveNameFieldLen]
	}
	copy(b[off:], name)
	return b
}

// WriteRecord appends one archived entry (spec §3: tag, header length,
// data length, archival time, payload).
func (af *ArchiveFile) WriteRecord(tag RecordTag, payload []byte, at time.Time) error {
	if err := af.ensureOpen(); err != nil {
		return err
	}
	entry := make([]byte, archiveEntryHeaderLen, archiveEntryHeaderLen+len(payload))
	entry[0] = byte(tag)
	entry[1] = archiveEntryHeaderLen
	binary.BigEndian.PutUint32(entry[2:6], uint32(len(payload)))
	binary.BigEndian.PutUint32(entry[6:10], uint32(at.Unix()))
	entry = append(entry, payload...)
	if _, err := af.f.Write(entry); err != nil {
		return errors.Wrapf(err, "append archive entry %s", af.path)
	}
	return nil
}

// Close releases the backing file handle, if one was opened.
func (af *ArchiveFile) Close() error {
	if af.f == nil {
		return nil
	}
	err := af.f.Close()
	af.f = nil
	return err
}
