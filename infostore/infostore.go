// Package infostore holds the device snapshot populated once after
// wakeup (spec §4.9): sys/user/storage info plus the database list, with
// accessors and an iterator the dispatcher and reconciler share.
package infostore

import (
	"strings"

	"github.com/pkg/errors"

	"hsync/commander"
)

// InfoStore is the read-through snapshot of one connected device.
type InfoStore struct {
	Sys     commander.SysInfo
	User    commander.UserInfo
	Storage commander.StorageInfo
	dbs     []commander.DatabaseInfo
	iter    int
}

// Populate fills an InfoStore by calling read_sys_info, read_user_info,
// read_storage_info(0), and read_db_list (spec §4.9). includeROM
// controls whether ROM databases are fetched — they are skipped by the
// reconciler but remain visible to the dispatcher.
func Populate(cmd *commander.Commander, includeROM bool) (*InfoStore, error) {
	sys, err := cmd.ReadSysInfo()
	if err != nil {
		return nil, errors.Wrap(err, "read_sys_info")
	}
	user, err := cmd.ReadUserInfo()
	if err != nil {
		return nil, errors.Wrap(err, "read_user_info")
	}
	storage, err := cmd.ReadStorageInfo(0)
	if err != nil {
		return nil, errors.Wrap(err, "read_storage_info")
	}

	flags := commander.ListRAM
	if includeROM {
		flags |= commander.ListROM
	}
	dbs, err := cmd.ReadDBList(0, flags)
	if err != nil {
		return nil, errors.Wrap(err, "read_db_list")
	}

	return &InfoStore{Sys: sys, User: user, Storage: storage, dbs: dbs}, nil
}

// FindDBByName returns the database with the given name, or false.
func (s *InfoStore) FindDBByName(name string) (commander.DatabaseInfo, bool) {
	for _, db := range s.dbs {
		if db.Name == name {
			return db, true
		}
	}
	return commander.DatabaseInfo{}, false
}

// AppendDB adds a database to the in-memory list, e.g. one created mid-
// sync by an install-flavor conduit.
func (s *InfoStore) AppendDB(db commander.DatabaseInfo) {
	s.dbs = append(s.dbs, db)
}

// ResetIter rewinds NextDB to the start of the list.
func (s *InfoStore) ResetIter() { s.iter = 0 }

// NextDB returns the next database in iteration order, or false once
// exhausted.
func (s *InfoStore) NextDB() (commander.DatabaseInfo, bool) {
	if s.iter >= len(s.dbs) {
		return commander.DatabaseInfo{}, false
	}
	db := s.dbs[s.iter]
	s.iter++
	return db, true
}

// Databases returns the full snapshot list, in enumeration order.
func (s *InfoStore) Databases() []commander.DatabaseInfo {
	return append([]commander.DatabaseInfo(nil), s.dbs...)
}

// UserID, UserName, LastSyncPC mirror the spec §4.9 accessors.
func (s *InfoStore) UserID() uint32      { return s.User.UserID }
func (s *InfoStore) UserName() string    { return s.User.Name }
func (s *InfoStore) LastSyncPC() uint32  { return s.User.LastSyncPC }

// SerialNumberWithChecksum appends the GLOSSARY's one-character checksum
// to a device serial number: rotating-add over the uppercased bytes, then
// the high and low nibbles added together and biased by +2 (a value from
// 2 to 32, written as a digit or a letter 'A'..'W') so the result never
// lands on '0' or '1' (too easily confused with 'O'/'I').
func SerialNumberWithChecksum(snum string) string {
	if snum == "" {
		return snum
	}
	var checksum byte
	for i := 0; i < len(snum); i++ {
		checksum += byte(strings.ToUpper(string(snum[i]))[0])
		if checksum&0x80 != 0 {
			checksum = (checksum << 1) | 1
		} else {
			checksum = checksum << 1
		}
	}
	checksum = (checksum >> 4) + (checksum & 0x0f) + 2

	var c byte
	if checksum < 10 {
		c = checksum + '0'
	} else {
		c = checksum - 10 + 'A'
	}
	return snum + string(c)
}
