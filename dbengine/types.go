// Package dbengine implements the local database file codec (spec §4.6):
// the on-disk image is byte-identical in layout to the device's own
// database image, so a LocalDatabase round-trips through Read/Write
// without reinterpretation.
package dbengine

import "time"

// Header mirrors the 78-octet fixed header (spec §3 LocalDatabase, §4.6).
type Header struct {
	Name           string // up to 31 octets + NUL
	Attributes     uint16
	Version        uint16
	CreatedAt      time.Time
	ModifiedAt     time.Time
	BackedUpAt     time.Time
	ModNum         uint32
	AppInfoOffset  uint32
	SortInfoOffset uint32
	Type           uint32
	Creator        uint32
	UniqueIDSeed   uint32
	NextRecListID  uint32
	RecordCount    uint16
}

const attrResourceDB uint16 = 0x0001

// IsResourceDB reports whether this database holds Resources instead of
// Records (spec §3).
func (h Header) IsResourceDB() bool { return h.Attributes&attrResourceDB != 0 }

// Record is spec §3 Record with flags/category kept apart, matching
// commander.RecordInfo's in-memory split.
type Record struct {
	ID       uint32
	Category uint8
	Flags    uint8 // dirty, deleted, expunged, archive, private — see spec §3
	Payload  []byte
}

// Resource is spec §3 Resource.
type Resource struct {
	Type    uint32
	ID      uint16
	Payload []byte
}

// Record flag bits (high nibble of the on-wire flags octet, spec §3).
const (
	RecFlagDirty uint8 = 1 << iota
	RecFlagDeleted
	RecFlagExpunged
	RecFlagArchive
	RecFlagPrivate
)

// LocalDatabase is the in-memory form of one backup file: a Header plus
// either Records or Resources (never both), plus optional appinfo/
// sortinfo blobs (spec §3, §4.6).
type LocalDatabase struct {
	Header     Header
	Records    []Record
	Resources  []Resource
	AppInfo    []byte
	SortInfo   []byte
}

// FindByID returns the index of the record with id, or -1.
func (db *LocalDatabase) FindByID(id uint32) int {
	for i := range db.Records {
		if db.Records[i].ID == id {
			return i
		}
	}
	return -1
}

// Append adds rec at the tail, preserving file order (spec §4.6: "append
// adds at the tail").
func (db *LocalDatabase) Append(rec Record) {
	db.Records = append(db.Records, rec)
}

// InsertAfter inserts newRec immediately after the record with id afterID.
// If afterID is not found, newRec is appended at the tail.
func (db *LocalDatabase) InsertAfter(afterID uint32, newRec Record) {
	idx := db.FindByID(afterID)
	if idx < 0 {
		db.Append(newRec)
		return
	}
	db.Records = append(db.Records, Record{})
	copy(db.Records[idx+2:], db.Records[idx+1:])
	db.Records[idx+1] = newRec
}

// DeleteByID removes the record with id, if present.
func (db *LocalDatabase) DeleteByID(id uint32) {
	idx := db.FindByID(id)
	if idx < 0 {
		return
	}
	db.Records = append(db.Records[:idx], db.Records[idx+1:]...)
}

// CopyRecord returns a deep copy of src, suitable for use as an archive
// or conflict-branch snapshot independent of further mutation of src.
func CopyRecord(src Record) Record {
	cp := src
	cp.Payload = append([]byte(nil), src.Payload...)
	return cp
}
