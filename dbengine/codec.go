package dbengine

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const (
	headerLen              = 78
	nameFieldLen            = 32
	recordIndexEntryLen     = 8  // offset(4) + attributes(1) + id(3)
	resourceIndexEntryLen   = 10 // type(4) + id(2) + offset(4)
	reservedTrailerLen      = 2
)

// Read loads a LocalDatabase from path (spec §4.6 read(path)).
func Read(path string) (*LocalDatabase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "read %s: %v", path, err)
	}
	return decode(data)
}

func decode(data []byte) (*LocalDatabase, error) {
	if len(data) < headerLen {
		return nil, corruptf("file too short for header: %d bytes", len(data))
	}
	hdr := decodeHeader(data[:headerLen])
	db := &LocalDatabase{Header: hdr}
	indexEntryLen := recordIndexEntryLen
	if hdr.IsResourceDB() {
		indexEntryLen = resourceIndexEntryLen
	}
	indexLen := int(hdr.RecordCount) * indexEntryLen
	indexStart := headerLen
	indexEnd := indexStart + indexLen
	if indexEnd+reservedTrailerLen > len(data) {
		return nil, corruptf("record index overruns file (want %d bytes, have %d)", indexEnd+reservedTrailerLen, len(data))
	}
	index := data[indexStart:indexEnd]

	firstPayloadOffset := len(data)
	if hdr.RecordCount > 0 {
		if hdr.IsResourceDB() {
			firstPayloadOffset = int(binary.BigEndian.Uint32(index[resourceIndexEntryLen-4 : resourceIndexEntryLen]))
		} else {
			firstPayloadOffset = int(binary.BigEndian.Uint32(index[0:4]))
		}
	}

	if hdr.AppInfoOffset != 0 {
		end := int(hdr.SortInfoOffset)
		if end == 0 {
			end = firstPayloadOffset
		}
		_, appInfo, err := sliceBlob(data, int(hdr.AppInfoOffset), end)
		if err != nil {
			return nil, err
		}
		db.AppInfo = appInfo
	}
	if hdr.SortInfoOffset != 0 {
		_, sortInfo, err := sliceBlob(data, int(hdr.SortInfoOffset), firstPayloadOffset)
		if err != nil {
			return nil, err
		}
		db.SortInfo = sortInfo
	}

	var err error
	if hdr.IsResourceDB() {
		db.Resources, err = decodeResources(data, index, int(hdr.RecordCount))
	} else {
		db.Records, err = decodeRecords(data, index, int(hdr.RecordCount))
	}
	if err != nil {
		return nil, err
	}
	return db, nil
}

// sliceBlob returns data[start:end), defaulting end to len(data) when end
// is 0 (meaning "runs to EOF" — only valid for the last blob).
func sliceBlob(data []byte, start, end int) (int, []byte, error) {
	if end == 0 || end < start {
		end = len(data)
	}
	if start < 0 || end > len(data) || start > end {
		return 0, nil, corruptf("blob offset out of range: [%d,%d) in %d-byte file", start, end, len(data))
	}
	return end, append([]byte(nil), data[start:end]...), nil
}

func decodeRecords(data, index []byte, count int) ([]Record, error) {
	recs := make([]Record, count)
	for i := 0; i < count; i++ {
		entry := index[i*recordIndexEntryLen : (i+1)*recordIndexEntryLen]
		offset := int(binary.BigEndian.Uint32(entry[0:4]))
		attrs := entry[4]
		id := uint32(entry[5])<<16 | uint32(entry[6])<<8 | uint32(entry[7])

		end := len(data)
		if i+1 < count {
			next := index[(i+1)*recordIndexEntryLen : (i+2)*recordIndexEntryLen]
			end = int(binary.BigEndian.Uint32(next[0:4]))
		}
		if offset < 0 || end > len(data) || offset > end {
			return nil, corruptf("record %d offset out of range: [%d,%d) in %d-byte file", i, offset, end, len(data))
		}
		recs[i] = Record{
			ID:       id,
			Category: attrs & 0x0F,
			Flags:    attrs >> 4,
			Payload:  append([]byte(nil), data[offset:end]...),
		}
	}
	return recs, nil
}

func decodeResources(data, index []byte, count int) ([]Resource, error) {
	res := make([]Resource, count)
	for i := 0; i < count; i++ {
		entry := index[i*resourceIndexEntryLen : (i+1)*resourceIndexEntryLen]
		typ := binary.BigEndian.Uint32(entry[0:4])
		id := binary.BigEndian.Uint16(entry[4:6])
		offset := int(binary.BigEndian.Uint32(entry[6:10]))

		end := len(data)
		if i+1 < count {
			next := index[(i+1)*resourceIndexEntryLen : (i+2)*resourceIndexEntryLen]
			end = int(binary.BigEndian.Uint32(next[6:10]))
		}
		if offset < 0 || end > len(data) || offset > end {
			return nil, corruptf("resource %d offset out of range: [%d,%d) in %d-byte file", i, offset, end, len(data))
		}
		res[i] = Resource{Type: typ, ID: id, Payload: append([]byte(nil), data[offset:end]...)}
	}
	return res, nil
}

func decodeHeader(b []byte) Header {
	nameEnd := 0
	for nameEnd < nameFieldLen && b[nameEnd] != 0 {
		nameEnd++
	}
	h := Header{
		Name:       string(b[:nameEnd]),
		Attributes: binary.BigEndian.Uint16(b[32:34]),
		Version:    binary.BigEndian.Uint16(b[34:36]),
	}
	h.CreatedAt = epochToTime(binary.BigEndian.Uint32(b[36:40]))
	h.ModifiedAt = epochToTime(binary.BigEndian.Uint32(b[40:44]))
	h.BackedUpAt = epochToTime(binary.BigEndian.Uint32(b[44:48]))
	h.ModNum = binary.BigEndian.Uint32(b[48:52])
	h.AppInfoOffset = binary.BigEndian.Uint32(b[52:56])
	h.SortInfoOffset = binary.BigEndian.Uint32(b[56:60])
	h.Type = binary.BigEndian.Uint32(b[60:64])
	h.Creator = binary.BigEndian.Uint32(b[64:68])
	h.UniqueIDSeed = binary.BigEndian.Uint32(b[68:72])
	h.NextRecListID = binary.BigEndian.Uint32(b[72:76])
	h.RecordCount = binary.BigEndian.Uint16(b[76:78])
	return h
}

func epochToTime(sec uint32) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}

func timeToEpoch(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	return uint32(t.Unix())
}

// Write serializes db to path atomically: a <path>.XXXXXX staging file
// is written and fsynced, then renamed into place (spec §4.6).
func Write(path string, db *LocalDatabase) error {
	data := encode(db)

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrapf(ErrIO, "create staging file in %s: %v", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(ErrIO, "write staging file %s: %v", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(ErrIO, "sync staging file %s: %v", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(ErrIO, "close staging file %s: %v", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(ErrIO, "rename %s to %s: %v", tmpPath, path, err)
	}
	return nil
}

func encode(db *LocalDatabase) []byte {
	isResource := db.Header.IsResourceDB()
	entryLen := recordIndexEntryLen
	count := len(db.Records)
	if isResource {
		entryLen = resourceIndexEntryLen
		count = len(db.Resources)
	}

	indexLen := count * entryLen
	blobStart := headerLen + indexLen + reservedTrailerLen

	appInfoOffset := 0
	sortInfoOffset := 0
	payloadStart := blobStart
	if len(db.AppInfo) > 0 {
		appInfoOffset = payloadStart
		payloadStart += len(db.AppInfo)
	}
	if len(db.SortInfo) > 0 {
		sortInfoOffset = payloadStart
		payloadStart += len(db.SortInfo)
	}

	var index []byte
	var payloads []byte
	offset := payloadStart
	if isResource {
		index = make([]byte, 0, indexLen)
		for _, r := range db.Resources {
			var entry [resourceIndexEntryLen]byte
			binary.BigEndian.PutUint32(entry[0:4], r.Type)
			binary.BigEndian.PutUint16(entry[4:6], r.ID)
			binary.BigEndian.PutUint32(entry[6:10], uint32(offset))
			index = append(index, entry[:]...)
			payloads = append(payloads, r.Payload...)
			offset += len(r.Payload)
		}
	} else {
		index = make([]byte, 0, indexLen)
		for _, r := range db.Records {
			var entry [recordIndexEntryLen]byte
			binary.BigEndian.PutUint32(entry[0:4], uint32(offset))
			entry[4] = r.Flags<<4 | (r.Category & 0x0F)
			entry[5] = byte(r.ID >> 16)
			entry[6] = byte(r.ID >> 8)
			entry[7] = byte(r.ID)
			index = append(index, entry[:]...)
			payloads = append(payloads, r.Payload...)
			offset += len(r.Payload)
		}
	}

	hdr := db.Header
	hdr.AppInfoOffset = uint32(appInfoOffset)
	hdr.SortInfoOffset = uint32(sortInfoOffset)
	hdr.RecordCount = uint16(count)

	out := make([]byte, 0, offset)
	out = append(out, encodeHeader(hdr)...)
	out = append(out, index...)
	out = append(out, make([]byte, reservedTrailerLen)...)
	out = append(out, db.AppInfo...)
	out = append(out, db.SortInfo...)
	out = append(out, payloads...)
	return out
}

func encodeHeader(h Header) []byte {
	b := make([]byte, headerLen)
	name := h.Name
	if len(name) > nameFieldLen-1 {
		name = name[:nameFieldLen-1]
	}
	copy(b[:nameFieldLen], name)
	binary.BigEndian.PutUint16(b[32:34], h.Attributes)
	binary.BigEndian.PutUint16(b[34:36], h.Version)
	binary.BigEndian.PutUint32(b[36:40], timeToEpoch(h.CreatedAt))
	binary.BigEndian.PutUint32(b[40:44], timeToEpoch(h.ModifiedAt))
	binary.BigEndian.PutUint32(b[44:48], timeToEpoch(h.BackedUpAt))
	binary.BigEndian.PutUint32(b[48:52], h.ModNum)
	binary.BigEndian.PutUint32(b[52:56], h.AppInfoOffset)
	binary.BigEndian.PutUint32(b[56:60], h.SortInfoOffset)
	binary.BigEndian.PutUint32(b[60:64], h.Type)
	binary.BigEndian.PutUint32(b[64:68], h.Creator)
	binary.BigEndian.PutUint32(b[68:72], h.UniqueIDSeed)
	binary.BigEndian.PutUint32(b[72:76], h.NextRecListID)
	binary.BigEndian.PutUint16(b[76:78], h.RecordCount)
	return b
}
