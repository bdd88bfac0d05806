package session

import (
	"bytes"
	"encoding/binary"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// UDP wakeup handshake constants (spec §6 TCP transport).
const (
	udpWakeupMagic uint16 = 0xFADE
	udpTypeWakeup  byte   = 1
	udpTypeAck     byte   = 2

	WakeupUDPPort = 14237
	SyncTCPPort   = 14238

	wakeupRetries = 3
	wakeupTimeout = 2 * time.Second
)

// ErrNoWakeupAck is returned when no peer acks the UDP wakeup datagram
// after the retry budget (spec §6).
var ErrNoWakeupAck = errors.New("no wakeup ack received")

// buildWakeupDatagram encodes magic, type, hostID, netmask, and a
// NUL-terminated hostname (spec §6).
func buildWakeupDatagram(typ byte, hostID uint32, netmask uint32, hostname string) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, udpWakeupMagic)
	buf.WriteByte(typ)
	binary.Write(&buf, binary.BigEndian, hostID)
	binary.Write(&buf, binary.BigEndian, netmask)
	buf.WriteString(hostname)
	buf.WriteByte(0)
	return buf.Bytes()
}

func parseWakeupDatagram(b []byte) (typ byte, hostID, netmask uint32, hostname string, ok bool) {
	if len(b) < 11 {
		return 0, 0, 0, "", false
	}
	if binary.BigEndian.Uint16(b[0:2]) != udpWakeupMagic {
		return 0, 0, 0, "", false
	}
	typ = b[2]
	hostID = binary.BigEndian.Uint32(b[3:7])
	netmask = binary.BigEndian.Uint32(b[7:11])
	nameBytes := b[11:]
	if idx := bytes.IndexByte(nameBytes, 0); idx >= 0 {
		hostname = string(nameBytes[:idx])
	} else {
		hostname = string(nameBytes)
	}
	return typ, hostID, netmask, hostname, true
}

// DialTCPWithWakeup broadcasts the UDP wakeup datagram to broadcastAddr
// (port WakeupUDPPort) up to wakeupRetries times, then on receiving an
// ack dials TCP back to the responder on SyncTCPPort (spec §6).
func DialTCPWithWakeup(broadcastAddr string, hostID uint32, netmask uint32, hostname string) (*TCPTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(broadcastAddr, strconv.Itoa(WakeupUDPPort)))
	if err != nil {
		return nil, errors.Wrap(err, "resolve wakeup broadcast address")
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, errors.Wrap(err, "open wakeup udp socket")
	}
	defer conn.Close()

	datagram := buildWakeupDatagram(udpTypeWakeup, hostID, netmask, hostname)
	buf := make([]byte, 512)
	for attempt := 0; attempt < wakeupRetries; attempt++ {
		if _, err := conn.WriteToUDP(datagram, udpAddr); err != nil {
			return nil, errors.Wrap(err, "send wakeup datagram")
		}
		conn.SetReadDeadline(time.Now().Add(wakeupTimeout))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue // timeout; retry
		}
		typ, _, _, _, ok := parseWakeupDatagram(buf[:n])
		if !ok || typ != udpTypeAck {
			continue
		}
		tcpConn, derr := net.Dial("tcp4", net.JoinHostPort(from.IP.String(), strconv.Itoa(SyncTCPPort)))
		if derr != nil {
			return nil, errors.Wrap(derr, "dial tcp sync port after wakeup ack")
		}
		return &TCPTransport{conn: tcpConn}, nil
	}
	return nil, ErrNoWakeupAck
}

// ListenTCPWithWakeup is the handheld-simulator/test-harness side: it
// listens for the UDP wakeup broadcast, acks it, and accepts the
// resulting TCP connection. Production hsync only plays the host role
// above; this exists for integration tests that need a peer.
func ListenTCPWithWakeup(hostID uint32) (*TCPTransport, error) {
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: WakeupUDPPort})
	if err != nil {
		return nil, errors.Wrap(err, "listen wakeup udp port")
	}
	defer udpConn.Close()

	buf := make([]byte, 512)
	n, from, err := udpConn.ReadFromUDP(buf)
	if err != nil {
		return nil, errors.Wrap(err, "read wakeup datagram")
	}
	typ, _, _, _, ok := parseWakeupDatagram(buf[:n])
	if !ok || typ != udpTypeWakeup {
		return nil, errors.New("malformed wakeup datagram")
	}
	ack := buildWakeupDatagram(udpTypeAck, hostID, 0, "")
	if _, err := udpConn.WriteToUDP(ack, from); err != nil {
		return nil, errors.Wrap(err, "send wakeup ack")
	}

	ln, err := net.Listen("tcp4", net.JoinHostPort("", strconv.Itoa(SyncTCPPort)))
	if err != nil {
		return nil, errors.Wrap(err, "listen tcp sync port")
	}
	defer ln.Close()
	conn, err := ln.Accept()
	if err != nil {
		return nil, errors.Wrap(err, "accept tcp sync connection")
	}
	return &TCPTransport{conn: conn}, nil
}

