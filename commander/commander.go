package commander

import (
	"github.com/sirupsen/logrus"

	"hsync/protocol"
)

// Commander exposes the typed high-level operations the Reconciler,
// Dispatcher, and Session need (spec §4.4), translating protocol-layer
// failures to LostConnection and device error codes to DeviceError.
type Commander struct {
	tr  *protocol.Transactor
	log *logrus.Entry
}

// New builds a Commander driving calls over tr.
func New(tr *protocol.Transactor, log *logrus.Entry) *Commander {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Commander{tr: tr, log: log}
}

func findArg(args []protocol.Arg, id byte) []byte {
	for _, a := range args {
		if a.ID == id {
			return a.Data
		}
	}
	return nil
}

// call is the shared request/response plumbing: send cmd+args, translate
// a non-zero device error code, and log the exchange.
func (c *Commander) call(cmd byte, args []protocol.Arg) (*protocol.Response, error) {
	resp, err := c.tr.Call(cmd, args)
	if err != nil {
		return nil, translateLinkErr(err)
	}
	if resp.Error != codeOK {
		return resp, deviceErrorFromCode(resp.Error)
	}
	return resp, nil
}

// ReadUserInfo implements read_user_info.
func (c *Commander) ReadUserInfo() (UserInfo, error) {
	resp, err := c.call(cmdReadUserInfo, nil)
	if err != nil {
		return UserInfo{}, err
	}
	return UserInfo{
		UserID:       decU32(findArg(resp.Args, argUserID)),
		ViewerID:     decU32(findArg(resp.Args, argViewerID)),
		LastSyncPC:   decU32(findArg(resp.Args, argLastSyncPC)),
		LastSyncTime: wireToTime(findArg(resp.Args, argLastSync)),
		LastGoodSync: wireToTime(findArg(resp.Args, argLastGood)),
		Name:         string(findArg(resp.Args, argName)),
		PasswordHash: findArg(resp.Args, argPassword),
	}, nil
}

// ReadSysInfo implements read_sys_info.
func (c *Commander) ReadSysInfo() (SysInfo, error) {
	resp, err := c.call(cmdReadSysInfo, nil)
	if err != nil {
		return SysInfo{}, err
	}
	return SysInfo{
		ROMVersion: decU32(findArg(resp.Args, argROMVer)),
		Locale:     string(findArg(resp.Args, argLocale)),
		ProductID:  string(findArg(resp.Args, argProductID)),
		DLPVersion: decU16(findArg(resp.Args, argDLPVer)),
	}, nil
}

// ReadStorageInfo implements read_storage_info(card).
func (c *Commander) ReadStorageInfo(card int) (StorageInfo, error) {
	resp, err := c.call(cmdReadStorageInfo, []protocol.Arg{{ID: argCard, Data: u32(uint32(card))}})
	if err != nil {
		return StorageInfo{}, err
	}
	return StorageInfo{
		TotalBytes:   decU32(findArg(resp.Args, argTotal)),
		FreeRAMBytes: decU32(findArg(resp.Args, argFreeRAM)),
		RAMDatabases: decU16(findArg(resp.Args, argRAMDBs)),
		ROMDatabases: decU16(findArg(resp.Args, argROMDBs)),
		CardName:     string(findArg(resp.Args, argCardName)),
		Manufacturer: string(findArg(resp.Args, argMfr)),
	}, nil
}

// DBListFlags selects which databases read_db_list enumerates.
type DBListFlags uint8

const (
	ListROM DBListFlags = 1 << iota
	ListRAM
)

// ReadDBListEntry pages through read_db_list starting at start (spec §4.4:
// "Re-callable with last+1 until exhaustion"). It returns one page of
// results; NotFound (via IsNotFound) signals exhaustion.
func (c *Commander) ReadDBListEntry(card int, flags DBListFlags, start int) (DatabaseInfo, error) {
	resp, err := c.call(cmdReadDBList, []protocol.Arg{
		{ID: argCard, Data: u32(uint32(card))},
		{ID: argFlags, Data: []byte{byte(flags)}},
		{ID: argStart, Data: u32(uint32(start))},
	})
	if err != nil {
		return DatabaseInfo{}, err
	}
	return DatabaseInfo{
		Name:       string(findArg(resp.Args, argName)),
		Creator:    decU32(findArg(resp.Args, argCreator)),
		Type:       decU32(findArg(resp.Args, argType)),
		Attributes: DatabaseAttr(decU16(findArg(resp.Args, argFlags))),
		Version:    decU16(findArg(resp.Args, argVersion)),
		ModNum:     decU32(findArg(resp.Args, argModNum)),
		CreatedAt:  wireToTime(findArg(resp.Args, argCreated)),
		ModifiedAt: wireToTime(findArg(resp.Args, argModified)),
		BackedUpAt: wireToTime(findArg(resp.Args, argBackedUp)),
		Card:       card,
	}, nil
}

// ReadDBList enumerates every database visible under flags by repeatedly
// calling ReadDBListEntry until NotFound.
func (c *Commander) ReadDBList(card int, flags DBListFlags) ([]DatabaseInfo, error) {
	var out []DatabaseInfo
	for start := 0; ; start++ {
		info, err := c.ReadDBListEntry(card, flags, start)
		if err != nil {
			if IsNotFound(err) {
				return out, nil
			}
			return out, err
		}
		out = append(out, info)
	}
}

// OpenDB implements open_db.
func (c *Commander) OpenDB(card int, name string, modes OpenMode) (Handle, error) {
	resp, err := c.call(cmdOpenDB, []protocol.Arg{
		{ID: argCard, Data: u32(uint32(card))},
		{ID: argName, Data: []byte(name)},
		{ID: argModes, Data: []byte{byte(modes)}},
	})
	if err != nil {
		return 0, err
	}
	return Handle(decU32(findArg(resp.Args, argHandle))), nil
}

// CloseDB implements close_db.
func (c *Commander) CloseDB(h Handle, flags CloseFlag) error {
	_, err := c.call(cmdCloseDB, []protocol.Arg{
		{ID: argHandle, Data: u32(uint32(h))},
		{ID: argFlags, Data: []byte{byte(flags)}},
	})
	return err
}

// CreateDB implements create_db.
func (c *Commander) CreateDB(info DatabaseInfo) (Handle, error) {
	resp, err := c.call(cmdCreateDB, []protocol.Arg{
		{ID: argCard, Data: u32(uint32(info.Card))},
		{ID: argName, Data: []byte(info.Name)},
		{ID: argCreator, Data: u32(info.Creator)},
		{ID: argType, Data: u32(info.Type)},
		{ID: argFlags, Data: u16(uint16(info.Attributes))},
		{ID: argVersion, Data: u16(info.Version)},
	})
	if err != nil {
		return 0, err
	}
	return Handle(decU32(findArg(resp.Args, argHandle))), nil
}

// DeleteDB implements delete_db.
func (c *Commander) DeleteDB(card int, name string) error {
	_, err := c.call(cmdDeleteDB, []protocol.Arg{
		{ID: argCard, Data: u32(uint32(card))},
		{ID: argName, Data: []byte(name)},
	})
	return err
}

// ReadNextModifiedRec implements read_next_modified_rec. NotFound (via
// IsNotFound) signals end-of-iteration; the caller must reset via OpenDB
// to iterate again (spec §4.4).
func (c *Commander) ReadNextModifiedRec(h Handle) (RecordInfo, error) {
	resp, err := c.call(cmdReadNextModifiedRec, []protocol.Arg{
		{ID: argHandle, Data: u32(uint32(h))},
	})
	if err != nil {
		return RecordInfo{}, err
	}
	return decodeRecordInfo(resp.Args), nil
}

// ReadRecordByIndex enumerates every record in a database in on-device
// order, independent of the modified flag (not in spec §4.4's table;
// FirstSync/SlowSync need whole-database enumeration the way
// read_next_modified_rec alone cannot provide — see DESIGN.md). NotFound
// signals the index is past the last record.
func (c *Commander) ReadRecordByIndex(h Handle, index int) (RecordInfo, error) {
	resp, err := c.call(cmdReadRecordByIndex, []protocol.Arg{
		{ID: argHandle, Data: u32(uint32(h))},
		{ID: argIndex, Data: u32(uint32(index))},
	})
	if err != nil {
		return RecordInfo{}, err
	}
	return decodeRecordInfo(resp.Args), nil
}

// ReadAllRecords enumerates every record in a database via
// ReadRecordByIndex until NotFound (FirstSync/SlowSync's "download every
// record from the device", spec §4.7).
func (c *Commander) ReadAllRecords(h Handle) ([]RecordInfo, error) {
	var out []RecordInfo
	for i := 0; ; i++ {
		rec, err := c.ReadRecordByIndex(h, i)
		if err != nil {
			if IsNotFound(err) {
				return out, nil
			}
			return out, err
		}
		out = append(out, rec)
	}
}

// ReadRecordByID implements read_record_by_id.
func (c *Commander) ReadRecordByID(h Handle, id uint32) (RecordInfo, error) {
	resp, err := c.call(cmdReadRecordByID, []protocol.Arg{
		{ID: argHandle, Data: u32(uint32(h))},
		{ID: argID, Data: u32(id)},
	})
	if err != nil {
		return RecordInfo{}, err
	}
	return decodeRecordInfo(resp.Args), nil
}

func decodeRecordInfo(args []protocol.Arg) RecordInfo {
	flagByte := byte(0)
	if fb := findArg(args, argFlags); len(fb) > 0 {
		flagByte = fb[0]
	}
	flags, category := UnpackFlagByte(flagByte)
	return RecordInfo{
		ID:       decU32(findArg(args, argID)),
		Category: category,
		Flags:    flags,
		Payload:  findArg(args, argPayload),
	}
}

// WriteRecord implements write_record. id = 0 requests device-side
// assignment; the assigned id is returned either way.
func (c *Commander) WriteRecord(h Handle, id uint32, flags RecordFlag, category uint8, payload []byte) (uint32, error) {
	resp, err := c.call(cmdWriteRecord, []protocol.Arg{
		{ID: argHandle, Data: u32(uint32(h))},
		{ID: argID, Data: u32(id)},
		{ID: argFlags, Data: []byte{PackFlagByte(flags, category)}},
		{ID: argPayload, Data: payload},
	})
	if err != nil {
		return 0, err
	}
	return decU32(findArg(resp.Args, argID)), nil
}

// DeleteRecord implements delete_record; idempotent on NotFound per
// spec §4.4 (a NotFound response is swallowed and reported as success).
func (c *Commander) DeleteRecord(h Handle, flags DeleteFlag, id uint32) error {
	_, err := c.call(cmdDeleteRecord, []protocol.Arg{
		{ID: argHandle, Data: u32(uint32(h))},
		{ID: argFlags, Data: []byte{byte(flags)}},
		{ID: argID, Data: u32(id)},
	})
	if err != nil && IsNotFound(err) {
		return nil
	}
	return err
}

// ReadResourceByIndex enumerates a resource database wholesale (not in
// spec §4.4's table; see DESIGN.md, same gap as ReadRecordByIndex).
func (c *Commander) ReadResourceByIndex(h Handle, index int) (ResourceInfo, error) {
	resp, err := c.call(cmdReadResourceByIndex, []protocol.Arg{
		{ID: argHandle, Data: u32(uint32(h))},
		{ID: argIndex, Data: u32(uint32(index))},
	})
	if err != nil {
		return ResourceInfo{}, err
	}
	return ResourceInfo{
		Type:    decU32(findArg(resp.Args, argResType)),
		ID:      decU16(findArg(resp.Args, argResID)),
		Payload: findArg(resp.Args, argPayload),
	}, nil
}

// ReadAllResources downloads every resource in a database via
// ReadResourceByIndex until NotFound.
func (c *Commander) ReadAllResources(h Handle) ([]ResourceInfo, error) {
	var out []ResourceInfo
	for i := 0; ; i++ {
		res, err := c.ReadResourceByIndex(h, i)
		if err != nil {
			if IsNotFound(err) {
				return out, nil
			}
			return out, err
		}
		out = append(out, res)
	}
}

// WriteResource implements write_resource.
func (c *Commander) WriteResource(h Handle, typ uint32, id uint16, payload []byte) error {
	_, err := c.call(cmdWriteResource, []protocol.Arg{
		{ID: argHandle, Data: u32(uint32(h))},
		{ID: argResType, Data: u32(typ)},
		{ID: argResID, Data: u16(id)},
		{ID: argPayload, Data: payload},
	})
	return err
}

// DeleteResource implements delete_resource.
func (c *Commander) DeleteResource(h Handle, flags DeleteFlag, typ uint32, id uint16) error {
	_, err := c.call(cmdDeleteResource, []protocol.Arg{
		{ID: argHandle, Data: u32(uint32(h))},
		{ID: argFlags, Data: []byte{byte(flags)}},
		{ID: argResType, Data: u32(typ)},
		{ID: argResID, Data: u16(id)},
	})
	if err != nil && IsNotFound(err) {
		return nil
	}
	return err
}

// ReadAppInfoBlock implements read_appinfo_block.
func (c *Commander) ReadAppInfoBlock(h Handle) ([]byte, error) {
	resp, err := c.call(cmdReadAppInfoBlock, []protocol.Arg{{ID: argHandle, Data: u32(uint32(h))}})
	if err != nil {
		return nil, err
	}
	return findArg(resp.Args, argPayload), nil
}

// WriteAppInfoBlock implements write_appinfo_block.
func (c *Commander) WriteAppInfoBlock(h Handle, data []byte) error {
	_, err := c.call(cmdWriteAppInfoBlock, []protocol.Arg{
		{ID: argHandle, Data: u32(uint32(h))},
		{ID: argPayload, Data: data},
	})
	return err
}

// ReadSortBlock implements read_sort_block.
func (c *Commander) ReadSortBlock(h Handle) ([]byte, error) {
	resp, err := c.call(cmdReadSortBlock, []protocol.Arg{{ID: argHandle, Data: u32(uint32(h))}})
	if err != nil {
		return nil, err
	}
	return findArg(resp.Args, argPayload), nil
}

// WriteSortBlock implements write_sort_block.
func (c *Commander) WriteSortBlock(h Handle, data []byte) error {
	_, err := c.call(cmdWriteSortBlock, []protocol.Arg{
		{ID: argHandle, Data: u32(uint32(h))},
		{ID: argPayload, Data: data},
	})
	return err
}

// ReadPreference fetches one preference item by (creator, id); the
// device-side half of prefcache's Fetcher (spec §3 PreferenceCache). Not
// in spec.md's §4.4 table; see DESIGN.md.
func (c *Commander) ReadPreference(creator uint32, id uint16) (flags uint8, payload []byte, err error) {
	resp, err := c.call(cmdReadPreference, []protocol.Arg{
		{ID: argCreator, Data: u32(creator)},
		{ID: argPrefID, Data: u16(id)},
	})
	if err != nil {
		return 0, nil, err
	}
	f := findArg(resp.Args, argFlags)
	if len(f) > 0 {
		flags = f[0]
	}
	return flags, findArg(resp.Args, argPayload), nil
}

// OpenConduit implements open_conduit. A CancelledByUser device response
// is fatal for the whole session (spec §4.4); the caller sees
// ErrCancelledByDevice and must stop.
func (c *Commander) OpenConduit() error {
	_, err := c.call(cmdOpenConduit, nil)
	return err
}

// CleanUpDatabase implements clean_up_database.
func (c *Commander) CleanUpDatabase(h Handle) error {
	_, err := c.call(cmdCleanUpDatabase, []protocol.Arg{{ID: argHandle, Data: u32(uint32(h))}})
	return err
}

// ResetSyncFlags implements reset_sync_flags.
func (c *Commander) ResetSyncFlags(h Handle) error {
	_, err := c.call(cmdResetSyncFlags, []protocol.Arg{{ID: argHandle, Data: u32(uint32(h))}})
	return err
}

// WriteUserInfo implements write_user_info.
func (c *Commander) WriteUserInfo(info UserInfo, mask UserInfoField) error {
	args := []protocol.Arg{{ID: argMask, Data: []byte{byte(mask)}}}
	if mask&FieldUserID != 0 {
		args = append(args, protocol.Arg{ID: argUserID, Data: u32(info.UserID)})
	}
	if mask&FieldName != 0 {
		args = append(args, protocol.Arg{ID: argName, Data: []byte(info.Name)})
	}
	if mask&FieldLastSyncPC != 0 {
		args = append(args, protocol.Arg{ID: argLastSyncPC, Data: u32(info.LastSyncPC)})
	}
	if mask&FieldLastSyncTime != 0 {
		args = append(args, protocol.Arg{ID: argLastSync, Data: timeToWire(info.LastSyncTime)})
	}
	if mask&FieldLastGoodSync != 0 {
		args = append(args, protocol.Arg{ID: argLastGood, Data: timeToWire(info.LastGoodSync)})
	}
	_, err := c.call(cmdWriteUserInfo, args)
	return err
}

// EndOfSync implements end_of_sync. Must be the last command sent on a
// live link (spec §4.4, §4.5, §7).
func (c *Commander) EndOfSync(status EndOfSyncStatus) error {
	_, err := c.call(cmdEndOfSync, []protocol.Arg{{ID: argStatus, Data: []byte{byte(status)}}})
	return err
}

// AddSyncLog implements add_sync_log: best-effort, device-side length
// limit may truncate (spec §4.4).
func (c *Commander) AddSyncLog(text string) error {
	const deviceSyncLogLimit = 2048
	if len(text) > deviceSyncLogLimit {
		text = text[:deviceSyncLogLimit]
	}
	_, err := c.call(cmdAddSyncLog, []protocol.Arg{{ID: argText, Data: []byte(text)}})
	if err != nil {
		c.log.WithError(err).Warn("add_sync_log failed (best-effort)")
		return nil
	}
	return nil
}

// Tickle sends a keepalive between long local operations (spec §4.5),
// without a command/response round trip.
func (c *Commander) Tickle() error {
	return translateLinkErr(c.tr.Tickle())
}

// CallRaw forwards a conduit-supplied, already wire-encoded request body
// through the Transactor and returns the matching wire-encoded response,
// translating link failures the same way every other Commander call does
// (spec §4.8 SPC "dlp-command"/"dlp-rpc" opcodes). Unlike the typed
// methods, CallRaw does not decode the device error code for the
// conduit's sake — the conduit reads it itself out of the returned
// bytes — except for the one code that is always session-fatal
// regardless of which channel it arrives on (spec §7 CancelledByDevice):
// that case still returns the encoded bytes but also ErrCancelledByDevice,
// so the dispatcher's SPC mediator can stop the sync rather than let a
// conduit silently swallow a user-initiated cancel.
func (c *Commander) CallRaw(reqBody []byte) ([]byte, error) {
	out, err := c.tr.CallRaw(reqBody)
	if err != nil {
		return nil, translateLinkErr(err)
	}
	if len(out) >= 4 {
		errCode := uint16(out[2])<<8 | uint16(out[3])
		if errCode == codeCancelledDevice {
			return out, ErrCancelledByDevice
		}
	}
	return out, nil
}
