package protocol

import (
	"github.com/pkg/errors"
)

// Packet types carried in the Framer's link-level type byte — the
// assembler folds its own "1-octet type (data|ack|tickle|abort)" header
// (spec §4.2) into that field rather than re-stating it inside the body,
// since the two are otherwise redundant at this layer.
const (
	PacketData   byte = 0
	PacketAck    byte = 1
	PacketTickle byte = 2
	PacketAbort  byte = 3
)

// Packet flags, the first byte of a data fragment's body.
const (
	FlagFirst       byte = 0x01
	FlagLast        byte = 0x02
	FlagMemoryError byte = 0x04
)

const (
	// MaxFragmentPayload bounds how much of a datagram one frame carries.
	MaxFragmentPayload = 1024
	// MaxRetries bounds retransmission/retry attempts before PeerUnresponsive.
	MaxRetries = 10
)

// Assembler turns the Framer's frame stream into a reliable datagram
// abstraction: fragmentation, per-fragment ACK/retry, duplicate-drop, and
// tickle keepalives (spec §4.2).
type Assembler struct {
	fr         *Framer
	dst, src   byte
	xid        byte // next fragment/ack transaction id, wraps 0..0xFF
	lastRXXid  byte
	haveLastRX bool
}

// NewAssembler builds an Assembler addressing frames between src and dst
// sockets over fr.
func NewAssembler(fr *Framer, dst, src byte) *Assembler {
	return &Assembler{fr: fr, dst: dst, src: src}
}

func (a *Assembler) nextXid() byte {
	a.xid++
	return a.xid
}

// Write fragments datagram and reliably transmits it, retrying each
// fragment up to MaxRetries times on ACK timeout.
func (a *Assembler) Write(datagram []byte) error {
	if len(datagram) == 0 {
		return a.writeFragment(nil, FlagFirst|FlagLast, 0)
	}
	for offset := 0; offset < len(datagram); {
		end := offset + MaxFragmentPayload
		if end > len(datagram) {
			end = len(datagram)
		}
		chunk := datagram[offset:end]

		var flags byte
		var size int
		if offset == 0 {
			flags |= FlagFirst
			size = len(datagram)
		} else {
			size = len(chunk)
		}
		if end == len(datagram) {
			flags |= FlagLast
		}

		if err := a.writeFragment(chunk, flags, size); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

// writeFragment sends one fragment and waits for its ACK, retrying on
// timeout up to MaxRetries times.
func (a *Assembler) writeFragment(chunk []byte, flags byte, size int) error {
	body := make([]byte, 3+len(chunk))
	body[0] = flags
	body[1] = byte(size >> 8)
	body[2] = byte(size)
	copy(body[3:], chunk)

	xid := a.nextXid()
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if err := a.fr.Send(a.dst, a.src, PacketData, xid, body); err != nil {
			return err
		}
		if a.waitForAck(xid) {
			return nil
		}
	}
	return errors.Cause(ErrPeerUnresponsive)
}

// waitForAck blocks for the matching ACK frame, silently absorbing
// anything else (e.g. a tickle) that arrives meanwhile.
func (a *Assembler) waitForAck(xid byte) bool {
	for {
		_, _, typ, rxid, _, err := a.fr.Recv()
		if err != nil {
			return false
		}
		if typ == PacketAck && rxid == xid {
			return true
		}
	}
}

// Tickle sends a zero-payload keepalive, used by Commander between long
// local operations to prevent the device inactivity timeout (spec §4.2,
// §4.5).
func (a *Assembler) Tickle() error {
	return a.fr.Send(a.dst, a.src, PacketTickle, a.nextXid(), nil)
}

// Abort sends an abort packet, used to tear down a sync mid-flight.
func (a *Assembler) Abort() error {
	return a.fr.Send(a.dst, a.src, PacketAbort, a.nextXid(), nil)
}

// Read returns the next complete reassembled datagram, acknowledging each
// fragment as it arrives and transparently dropping duplicates (a repeat
// of the last delivered fragment's xid) and tickles.
func (a *Assembler) Read() ([]byte, error) {
	var reassembled []byte
	var wantSize int
	started := false
	misses := 0

	for {
		_, _, typ, xid, body, err := a.fr.Recv()
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				misses++
				if misses >= MaxRetries {
					return nil, errors.Cause(ErrPeerUnresponsive)
				}
				continue
			}
			return nil, err
		}

		switch typ {
		case PacketTickle:
			continue
		case PacketAbort:
			return nil, errors.Cause(ErrRemoteClosed)
		case PacketData:
			// fallthrough below
		default:
			continue
		}
		misses = 0

		if a.haveLastRX && xid == a.lastRXXid {
			// Duplicate of the last delivered fragment (a retransmission
			// the peer sent because our ACK was lost); re-ack and ignore.
			_ = a.fr.Send(a.src, a.dst, PacketAck, xid, nil)
			continue
		}
		if len(body) < 3 {
			continue
		}
		flags := body[0]
		size := int(body[1])<<8 | int(body[2])
		chunk := body[3:]

		if flags&FlagFirst != 0 {
			reassembled = make([]byte, 0, size)
			wantSize = size
			started = true
		}
		if started {
			reassembled = append(reassembled, chunk...)
		}

		if ackErr := a.fr.Send(a.src, a.dst, PacketAck, xid, nil); ackErr != nil {
			return nil, ackErr
		}
		a.lastRXXid = xid
		a.haveLastRX = true

		if flags&FlagLast != 0 {
			if started && wantSize > 0 && len(reassembled) != wantSize {
				// Size mismatch: keep what we got rather than fail the
				// whole sync; Transactor-level decoding will reject a
				// malformed payload if it matters.
			}
			return reassembled, nil
		}
	}
}
