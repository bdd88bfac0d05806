// Package session drives the link wakeup handshake, bit-rate negotiation,
// and connection lifecycle (spec §4.5) on top of a Transport — the narrow
// trait spec §9 asks for in place of the original's function-pointer
// polymorphism over serial/USB/TCP.
package session

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// Transport is the minimal surface a link family must provide. Framer
// only needs io.ReadWriter plus an optional deadline setter, but Session
// also needs to renegotiate bit rate (serial/USB) and to run a
// pre-handshake exchange (TCP's UDP wakeup datagram).
type Transport interface {
	io.ReadWriter
	SetReadDeadline(t time.Time) error
	// SetRate reconfigures the physical link's bit rate, used after the
	// wakeup handshake negotiates a faster rate (spec §4.5, §6). Transports
	// that have no notion of bit rate (TCP) treat this as a no-op.
	SetRate(bps int) error
	Close() error
}

// SerialTransport implements Transport over github.com/tarm/serial,
// matching spec §6's "Serial: 8N1, starts at 9600 bit/s".
type SerialTransport struct {
	port *serial.Port
	dev  string
}

// DefaultSerialBaud is the rate a serial link starts at before wakeup
// negotiation (spec §6).
const DefaultSerialBaud = 9600

// OpenSerial opens dev at the default starting rate.
func OpenSerial(dev string) (*SerialTransport, error) {
	cfg := &serial.Config{Name: dev, Baud: DefaultSerialBaud, ReadTimeout: 0}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "open serial %s", dev)
	}
	return &SerialTransport{port: p, dev: dev}, nil
}

func (s *SerialTransport) Read(p []byte) (int, error)  { return s.port.Read(p) }
func (s *SerialTransport) Write(p []byte) (int, error) { return s.port.Write(p) }
func (s *SerialTransport) Close() error                { return s.port.Close() }

// SetReadDeadline is not supported by github.com/tarm/serial; per-call
// timeouts there are configured at open time instead. It is a no-op
// rather than an error. OpenSerial and SetRate configure no read timeout,
// so a serial read blocks until data arrives and a frame read on a serial
// link never times out.
func (s *SerialTransport) SetReadDeadline(time.Time) error { return nil }

// SetRate reopens the port at bps, the mechanism github.com/tarm/serial
// exposes for a live rate change (it has no in-place reconfigure call).
func (s *SerialTransport) SetRate(bps int) error {
	if err := s.port.Close(); err != nil {
		return errors.Wrap(err, "close serial before rate change")
	}
	p, err := serial.OpenPort(&serial.Config{Name: s.dev, Baud: bps})
	if err != nil {
		return errors.Wrapf(err, "reopen serial %s at %d baud", s.dev, bps)
	}
	s.port = p
	return nil
}

// USBTransport is spec §6's "same logical framer over a USB endpoint":
// on this host a USB-serial handheld enumerates as a tty, so it reuses
// SerialTransport's implementation outright rather than duplicating it.
type USBTransport = SerialTransport

// OpenUSB opens a USB-CDC handheld endpoint exposed as a tty device.
func OpenUSB(dev string) (*USBTransport, error) { return OpenSerial(dev) }

// TCPTransport implements Transport over a plain TCP connection brought
// up by the UDP wakeup handshake in tcp.go (spec §6).
type TCPTransport struct {
	conn net.Conn
}

func (t *TCPTransport) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *TCPTransport) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *TCPTransport) Close() error                { return t.conn.Close() }

func (t *TCPTransport) SetReadDeadline(dl time.Time) error {
	return t.conn.SetReadDeadline(dl)
}

// SetRate is meaningless for TCP; the link has no physical bit rate to
// renegotiate (spec §6 only defines bit-rate negotiation for serial/USB).
func (t *TCPTransport) SetRate(int) error { return nil }
