package commander

import "time"

// DatabaseAttr are the 16-bit attribute flags of spec §3 DatabaseInfo.
type DatabaseAttr uint16

const (
	AttrResourceDB DatabaseAttr = 1 << iota
	AttrReadOnly
	AttrOKNewer
	AttrOpen
	AttrAppInfoDirty
	AttrBackup
	AttrStream
)

// DatabaseInfo mirrors spec §3 DatabaseInfo.
type DatabaseInfo struct {
	Name         string // up to 31 octets + NUL on the wire
	Creator      uint32
	Type         uint32
	Attributes   DatabaseAttr
	Version      uint16
	ModNum       uint32
	CreatedAt    time.Time
	ModifiedAt   time.Time
	BackedUpAt   time.Time
	Card         int
}

// IsResourceDB reports whether this database holds resources instead of
// records; the Reconciler never runs on these (spec §3, §4.7).
func (d DatabaseInfo) IsResourceDB() bool { return d.Attributes&AttrResourceDB != 0 }

// RecordFlag are the on-device record flags. The top nibble of the wire
// octet; category occupies the low nibble. Spec §3/§9 mandates storing
// them separately in memory — RecordFlag never carries category bits.
type RecordFlag uint8

const (
	FlagDirty RecordFlag = 1 << iota
	FlagDeleted
	FlagExpunged
	FlagArchive
	FlagPrivate
)

// RecordInfo is spec §3 Record, with flags and category split apart.
type RecordInfo struct {
	ID       uint32 // unique within a database; 0 requests assignment
	Category uint8  // 0-15
	Flags    RecordFlag
	Payload  []byte
}

// PackFlagByte combines flags and category into the single on-wire octet
// (spec §9: "the codec handles the on-wire packing").
func PackFlagByte(flags RecordFlag, category uint8) byte {
	return byte(flags)<<4 | (category & 0x0F)
}

// UnpackFlagByte splits the on-wire octet back into flags and category.
func UnpackFlagByte(b byte) (RecordFlag, uint8) {
	return RecordFlag(b >> 4), b & 0x0F
}

// ResourceInfo is spec §3 Resource.
type ResourceInfo struct {
	Type    uint32
	ID      uint16
	Payload []byte
}

// UserInfo is the result of read_user_info (spec §4.4).
type UserInfo struct {
	UserID         uint32
	ViewerID       uint32
	LastSyncPC     uint32
	LastSyncTime   time.Time
	LastGoodSync   time.Time
	Name           string
	PasswordHash   []byte
}

// UserInfoField selects which fields write_user_info should update
// (spec §4.4 modify_mask).
type UserInfoField uint8

const (
	FieldUserID UserInfoField = 1 << iota
	FieldName
	FieldLastSyncPC
	FieldLastSyncTime
	FieldLastGoodSync
)

// SysInfo is the result of read_sys_info (spec §4.4).
type SysInfo struct {
	ROMVersion  uint32
	Locale      string
	ProductID   string
	DLPVersion  uint16
}

// StorageInfo is the result of read_storage_info (spec §4.4).
type StorageInfo struct {
	TotalBytes     uint32
	FreeRAMBytes   uint32
	RAMDatabases   uint16
	ROMDatabases   uint16
	CardName       string
	Manufacturer   string
}

// OpenMode are open_db mode flags.
type OpenMode uint8

const (
	ModeRead OpenMode = 1 << iota
	ModeWrite
	ModeExclusive
	ModeShowSecret
)

// Handle is an opaque database handle returned by OpenDB.
type Handle uint32

// DeleteFlag controls delete_record/delete_resource semantics.
type DeleteFlag uint8

const (
	DeleteAll DeleteFlag = 1 << iota
	DeleteArchive
)

// CloseFlag controls close_db semantics.
type CloseFlag uint8

const (
	CloseAllDBs CloseFlag = 1 << iota
)

// EndOfSyncStatus is the status code posted with end_of_sync (spec §4.4).
type EndOfSyncStatus uint8

const (
	SyncNormal EndOfSyncStatus = iota
	SyncOther
	SyncCancelled
	SyncTimeout
	SyncUnknown
)
