package dispatcher

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"

	"hsync/commander"
)

// SPC opcodes (spec §4.8 "SPC socket").
const (
	SPCOpNop        uint16 = 0
	SPCOpDBInfo     uint16 = 1
	SPCOpDLPCommand uint16 = 2
	SPCOpDLPRPC     uint16 = 3
)

const spcHeaderLen = 8

// spcHeader is the fixed 8-octet header preceding every SPC request or
// response body (spec §4.8): opcode, status (0 on a request), body
// length, all big-endian.
type spcHeader struct {
	Opcode  uint16
	Status  uint16
	BodyLen uint32
}

func encodeSPCHeader(h spcHeader) []byte {
	b := make([]byte, spcHeaderLen)
	binary.BigEndian.PutUint16(b[0:2], h.Opcode)
	binary.BigEndian.PutUint16(b[2:4], h.Status)
	binary.BigEndian.PutUint32(b[4:8], h.BodyLen)
	return b
}

func decodeSPCHeader(b []byte) spcHeader {
	return spcHeader{
		Opcode:  binary.BigEndian.Uint16(b[0:2]),
		Status:  binary.BigEndian.Uint16(b[2:4]),
		BodyLen: binary.BigEndian.Uint32(b[4:8]),
	}
}

// SPC status codes carried in a response header.
const (
	spcStatusOK                uint16 = 0
	spcStatusCancelledByDevice uint16 = 1
	spcStatusLostConnection    uint16 = 2
	spcStatusMalformed         uint16 = 3
	spcStatusUnknownOpcode     uint16 = 4
)

// ErrSPCMalformed marks a request the parent could not decode: opcode
// unknown, or header/body truncated.
var ErrSPCMalformed = errors.New("dispatcher: malformed SPC request")

// ErrSPCCancelled and ErrSPCLostConnection surface spec §7's
// CancelledByDevice/LostConnection when they arrive via an SPC-relayed
// command rather than directly on the main Connection.
var (
	ErrSPCCancelled      = errors.New("dispatcher: spc cancelled by device")
	ErrSPCLostConnection = errors.New("dispatcher: spc lost connection")
)

// SPCServer answers one conduit's SPC requests against the live
// Commander, serializing the four-state exchange spec §4.8 describes
// (ReadHdr -> ReadBody -> WriteHdr -> WriteBody -> ReadHdr). Unlike the
// original's select()-driven polling of read-vs-write readiness, Go
// expresses the same never-both-directions-at-once constraint simply by
// never starting a write before the matching read of that exchange has
// finished — io.ReadWriter's blocking semantics make the state machine
// implicit rather than requiring it to be hand-tracked.
type SPCServer struct {
	conn    io.ReadWriter
	cmd     *commander.Commander
	dbInfo  func() []byte // current dlp_dbinfo snapshot, nil if type:none
}

// NewSPCServer builds a server mediating conn for one conduit run.
// dbInfo returns the encoded current database context on demand; one
// SPCServer lives for exactly one conduit run against one database, so
// it never needs to change mid-exchange.
func NewSPCServer(conn io.ReadWriter, cmd *commander.Commander, dbInfo func() []byte) *SPCServer {
	return &SPCServer{conn: conn, cmd: cmd, dbInfo: dbInfo}
}

// ServeOne answers exactly one request/response exchange. The caller
// (the dispatcher's select-equivalent loop) calls this each time the SPC
// side of the conn has data ready to read.
func (s *SPCServer) ServeOne() error {
	hdr, body, decodeErr := s.readRequest()
	if decodeErr != nil {
		// A read deadline expiring is an idle poll, not a request: hand
		// it back to the caller without writing a response.
		var ne net.Error
		if errors.As(decodeErr, &ne) && ne.Timeout() {
			return decodeErr
		}
		return s.writeResponse(spcHeader{Status: spcStatusMalformed}, nil)
	}

	respBody, status, err := s.dispatch(hdr.Opcode, body)
	if err != nil {
		switch errors.Cause(err) {
		case ErrSPCCancelled:
			_ = s.writeResponse(spcHeader{Opcode: hdr.Opcode, Status: spcStatusCancelledByDevice}, nil)
			return ErrSPCCancelled
		case ErrSPCLostConnection:
			_ = s.writeResponse(spcHeader{Opcode: hdr.Opcode, Status: spcStatusLostConnection}, nil)
			return ErrSPCLostConnection
		default:
			return s.writeResponse(spcHeader{Opcode: hdr.Opcode, Status: spcStatusMalformed}, nil)
		}
	}
	return s.writeResponse(spcHeader{Opcode: hdr.Opcode, Status: status}, respBody)
}

func (s *SPCServer) readRequest() (spcHeader, []byte, error) {
	hdrBuf := make([]byte, spcHeaderLen)
	if _, err := io.ReadFull(s.conn, hdrBuf); err != nil {
		return spcHeader{}, nil, errors.Wrap(err, "spc: read header")
	}
	hdr := decodeSPCHeader(hdrBuf)
	body := make([]byte, hdr.BodyLen)
	if hdr.BodyLen > 0 {
		if _, err := io.ReadFull(s.conn, body); err != nil {
			return spcHeader{}, nil, errors.Wrap(err, "spc: read body")
		}
	}
	return hdr, body, nil
}

func (s *SPCServer) writeResponse(hdr spcHeader, body []byte) error {
	hdr.BodyLen = uint32(len(body))
	out := append(encodeSPCHeader(hdr), body...)
	_, err := s.conn.Write(out)
	return errors.Wrap(err, "spc: write response")
}

func (s *SPCServer) dispatch(opcode uint16, body []byte) ([]byte, uint16, error) {
	switch opcode {
	case SPCOpNop:
		return nil, spcStatusOK, nil
	case SPCOpDBInfo:
		var info []byte
		if s.dbInfo != nil {
			info = s.dbInfo()
		}
		return info, spcStatusOK, nil
	case SPCOpDLPCommand, SPCOpDLPRPC:
		resp, err := s.cmd.CallRaw(body)
		if err != nil {
			if errors.Is(err, commander.ErrCancelledByDevice) {
				return nil, 0, ErrSPCCancelled
			}
			if errors.Is(err, commander.ErrLostConnection) {
				return nil, 0, ErrSPCLostConnection
			}
			return nil, 0, errors.Wrap(err, "spc: dlp passthrough")
		}
		return resp, spcStatusOK, nil
	default:
		return nil, 0, ErrSPCMalformed
	}
}

// EncodeDBInfo serializes a DatabaseInfo into the fixed layout the SPC
// dbinfo opcode hands a conduit: name (32 octets, NUL-padded), creator,
// type, attributes, version, modnum, then the three timestamps as
// unix-epoch seconds, all big-endian.
func EncodeDBInfo(info commander.DatabaseInfo) []byte {
	b := make([]byte, 32+4+4+2+2+4+4+4+4)
	copy(b[0:32], info.Name)
	off := 32
	binary.BigEndian.PutUint32(b[off:], info.Creator)
	off += 4
	binary.BigEndian.PutUint32(b[off:], info.Type)
	off += 4
	binary.BigEndian.PutUint16(b[off:], uint16(info.Attributes))
	off += 2
	binary.BigEndian.PutUint16(b[off:], info.Version)
	off += 2
	binary.BigEndian.PutUint32(b[off:], info.ModNum)
	off += 4
	binary.BigEndian.PutUint32(b[off:], uint32(info.CreatedAt.Unix()))
	off += 4
	binary.BigEndian.PutUint32(b[off:], uint32(info.ModifiedAt.Unix()))
	off += 4
	binary.BigEndian.PutUint32(b[off:], uint32(info.BackedUpAt.Unix()))
	return b
}
