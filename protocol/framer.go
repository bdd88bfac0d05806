package protocol

import (
	"io"
	"time"

	"github.com/pkg/errors"
)

const (
	preambleByte0 = 0xBE
	preambleByte1 = 0xEF
	preambleByte2 = 0xED

	frameHeaderLen  = 10 // preamble(3) + dst(1) + src(1) + type(1) + bodyLen(2) + xid(1) + hdrChecksum(1)
	frameTrailerLen = 2  // CRC16

	// DefaultFrameTimeout is the default time a recv() may take to read a
	// complete frame once its first byte has arrived (spec §4.1).
	DefaultFrameTimeout = 2 * time.Second
)

// deadlineSetter is implemented by transports (e.g. net.Conn, *serial.Port)
// that support read deadlines. Transports that don't implement it (an
// in-memory pipe used in tests) simply never time out mid-frame.
type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

// Framer transforms a bidirectional byte stream into typed, addressed
// frames (spec §4.1). It owns no retry logic of its own: bad frames are
// dropped and recv() keeps scanning, exactly as the teacher's Transport
// resynchronizes on a bad sync byte (amken3d-gopper protocol/transport.go).
type Framer struct {
	rw      io.ReadWriter
	timeout time.Duration
	rxBuf   *FifoBuffer
	scratch []byte
}

// NewFramer wraps a transport in the link-framing layer. timeout is the
// per-frame read timeout (spec §4.1); zero selects DefaultFrameTimeout.
func NewFramer(rw io.ReadWriter, timeout time.Duration) *Framer {
	if timeout <= 0 {
		timeout = DefaultFrameTimeout
	}
	return &Framer{
		rw:      rw,
		timeout: timeout,
		rxBuf:   NewFifoBuffer(256),
	}
}

// Send transmits one frame. dst/src are socket addresses, typ is the
// packet type byte (assembler-defined), xid is the frame's transaction id.
func (fr *Framer) Send(dst, src, typ, xid byte, body []byte) error {
	header := []byte{
		preambleByte0, preambleByte1, preambleByte2,
		dst, src, typ,
		byte(len(body) >> 8), byte(len(body)),
		xid,
		0, // checksum placeholder
	}
	header[frameHeaderLen-1] = HeaderChecksum(header[3 : frameHeaderLen-1])

	frame := make([]byte, 0, frameHeaderLen+len(body)+frameTrailerLen)
	frame = append(frame, header...)
	frame = append(frame, body...)
	crc := CRC16(frame)
	frame = append(frame, byte(crc>>8), byte(crc))

	if _, err := fr.rw.Write(frame); err != nil {
		return errors.Wrap(ErrLinkWriteFailed, err.Error())
	}
	return nil
}

// Recv reads and validates the next well-formed frame, silently dropping
// malformed ones (bad preamble resync, bad header checksum, bad CRC) per
// spec §4.1 policy, and returns its fields. Timeout propagates as
// ErrTimeout once its first byte has been seen with no complete frame
// materializing within the configured timeout.
func (fr *Framer) Recv() (dst, src, typ, xid byte, body []byte, err error) {
	deadline := time.Time{}
	for {
		frame, ferr := fr.nextFrame(&deadline)
		if ferr != nil {
			if errors.Is(ferr, ErrBadHeaderChecksum) || errors.Is(ferr, ErrBadCRC) {
				continue // spec §4.1: drop silently, keep waiting
			}
			return 0, 0, 0, 0, nil, ferr
		}
		if frame == nil {
			continue // not enough bytes yet for a full frame, keep scanning
		}
		dst = frame[3]
		src = frame[4]
		typ = frame[5]
		xid = frame[8]
		bodyLen := int(frame[6])<<8 | int(frame[7])
		body = append([]byte(nil), frame[frameHeaderLen:frameHeaderLen+bodyLen]...)
		return dst, src, typ, xid, body, nil
	}
}

// nextFrame returns one validated frame's raw bytes (header+body, CRC
// stripped), or nil if the bytes consumed this call turned out to be
// malformed and the caller should retry.
func (fr *Framer) nextFrame(deadline *time.Time) ([]byte, error) {
	// Ensure at least a header's worth of bytes, pulling from the
	// transport as needed.
	if err := fr.fill(frameHeaderLen, deadline); err != nil {
		return nil, err
	}

	data := fr.rxBuf.Data()
	idx := indexPreamble(data)
	if idx < 0 {
		// No preamble anywhere in the buffered data; discard all but the
		// last two bytes (a partial preamble could straddle the boundary).
		keep := 2
		if len(data) < keep {
			keep = len(data)
		}
		fr.rxBuf.Pop(len(data) - keep)
		return nil, nil
	}
	if idx > 0 {
		fr.rxBuf.Pop(idx)
	}

	if err := fr.fill(frameHeaderLen, deadline); err != nil {
		return nil, err
	}
	data = fr.rxBuf.Data()
	if len(data) < frameHeaderLen {
		return nil, nil
	}

	gotChecksum := data[frameHeaderLen-1]
	wantChecksum := HeaderChecksum(data[3 : frameHeaderLen-1])
	bodyLen := int(data[6])<<8 | int(data[7])

	if gotChecksum != wantChecksum {
		fr.rxBuf.Pop(1) // drop the bad preamble's first byte and rescan
		return nil, errors.Cause(ErrBadHeaderChecksum)
	}

	total := frameHeaderLen + bodyLen + frameTrailerLen
	if err := fr.fill(total, deadline); err != nil {
		return nil, err
	}
	data = fr.rxBuf.Data()
	if len(data) < total {
		return nil, nil
	}

	gotCRC := uint16(data[total-2])<<8 | uint16(data[total-1])
	wantCRC := CRC16(data[:total-frameTrailerLen])
	if gotCRC != wantCRC {
		fr.rxBuf.Pop(1)
		return nil, errors.Cause(ErrBadCRC)
	}

	frame := append([]byte(nil), data[:total-frameTrailerLen]...)
	fr.rxBuf.Pop(total)
	return frame, nil
}

// fill ensures at least n bytes are buffered, reading from the transport
// and enforcing the frame timeout starting from the first byte observed.
func (fr *Framer) fill(n int, deadline *time.Time) error {
	for fr.rxBuf.Available() < n {
		if fr.rxBuf.Available() > 0 && deadline.IsZero() {
			*deadline = time.Now().Add(fr.timeout)
		}
		if !deadline.IsZero() {
			if ds, ok := fr.rw.(deadlineSetter); ok {
				_ = ds.SetReadDeadline(*deadline)
			}
			if time.Now().After(*deadline) {
				return errors.Cause(ErrTimeout)
			}
		}
		if len(fr.scratch) == 0 {
			fr.scratch = make([]byte, 512)
		}
		nRead, err := fr.rw.Read(fr.scratch)
		if nRead > 0 {
			fr.rxBuf.Write(fr.scratch[:nRead])
			*deadline = time.Time{}
			continue
		}
		if err != nil {
			if isTimeoutErr(err) {
				return errors.Cause(ErrTimeout)
			}
			if err == io.EOF {
				return errors.Cause(ErrRemoteClosed)
			}
			return errors.Wrap(ErrLinkReadFailed, err.Error())
		}
	}
	return nil
}

func indexPreamble(data []byte) int {
	for i := 0; i+2 < len(data); i++ {
		if data[i] == preambleByte0 && data[i+1] == preambleByte1 && data[i+2] == preambleByte2 {
			return i
		}
	}
	return -1
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
