package session

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"hsync/commander"
	"hsync/protocol"
)

// State is a node in the spec §4.5 lifecycle diagram.
type State int

const (
	StateClosed State = iota
	StateAwaitingWakeup
	StateNegotiating
	StateLive
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateAwaitingWakeup:
		return "awaiting-wakeup"
	case StateNegotiating:
		return "negotiating"
	case StateLive:
		return "live"
	case StateDraining:
		return "draining"
	default:
		return "closed"
	}
}

// DefaultNegotiatedBaud is the rate proposed to the device on wakeup
// (spec §4.5: "default 38400 bit/s").
const DefaultNegotiatedBaud = 38400

// TickleInterval bounds how long the host may go without sending a
// tickle during a long local operation (spec §4.5).
const TickleInterval = 2 * time.Second

const (
	wakeupPacketType byte = 0xF0
	initPacketType   byte = 0xF1

	linkSrcSocket byte = 1
	linkDstSocket byte = 2
)

// Session owns one Connection's lifecycle: the wakeup handshake, bit-rate
// negotiation, and the tickle/drain discipline around a live Commander
// (spec §4.5). The wire protocol stack (Framer/Assembler/Transactor) is
// built on top of the Transport once the link is live.
type Session struct {
	transport Transport
	log       *logrus.Entry

	state      State
	commander  *commander.Commander
	tr         *protocol.Transactor
	lastTickle time.Time
}

// New wraps a not-yet-negotiated Transport. Call AwaitWakeup to bring it
// up into StateLive.
func New(t Transport, log *logrus.Entry) *Session {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{transport: t, log: log, state: StateClosed}
}

// State reports the current lifecycle node.
func (s *Session) State() State { return s.state }

// Commander returns the live Commander, valid only once State() == StateLive.
func (s *Session) Commander() *commander.Commander { return s.commander }

// AwaitWakeup blocks (per spec §4.5, "the host may wait indefinitely")
// reading frames and discarding everything but a well-formed wakeup
// packet, then replies with an init packet proposing proposedBaud and
// reconfigures the transport to that rate if the transport supports it.
func (s *Session) AwaitWakeup(proposedBaud int) error {
	s.state = StateAwaitingWakeup
	fr := protocol.NewFramer(s.transport, 0)

	for {
		_, _, typ, _, _, err := fr.Recv()
		if err != nil {
			return errors.Wrap(err, "awaiting wakeup")
		}
		if typ == wakeupPacketType {
			break
		}
		s.log.WithField("type", typ).Debug("discarding non-wakeup packet")
	}

	s.state = StateNegotiating
	body := []byte{byte(proposedBaud >> 24), byte(proposedBaud >> 16), byte(proposedBaud >> 8), byte(proposedBaud)}
	if err := fr.Send(linkDstSocket, linkSrcSocket, initPacketType, 0, body); err != nil {
		return errors.Wrap(err, "send init packet")
	}
	if err := s.transport.SetRate(proposedBaud); err != nil {
		s.log.WithError(err).Warn("rate renegotiation failed, continuing at current rate")
	}

	asm := protocol.NewAssembler(fr, linkDstSocket, linkSrcSocket)
	s.tr = protocol.NewTransactor(asm)
	s.commander = commander.New(s.tr, s.log)
	s.state = StateLive
	s.lastTickle = time.Now()
	return nil
}

// Tickle sends a keepalive if more than TickleInterval has elapsed since
// the last one, matching spec §4.5's "between long local operations, a
// tickle must be sent every <= 2 seconds". Safe to call frequently; it
// is a no-op when the last tickle is still fresh.
func (s *Session) Tickle() error {
	if s.state != StateLive {
		return nil
	}
	if time.Since(s.lastTickle) < TickleInterval {
		return nil
	}
	if err := s.tr.Tickle(); err != nil {
		return err
	}
	s.lastTickle = time.Now()
	return nil
}

// EndOfSync sends end_of_sync (exactly once, per spec §4.5), drains the
// link, and closes the transport. If the link is already known dead
// (LostConnection already observed), skip sends the command.
func (s *Session) EndOfSync(status commander.EndOfSyncStatus, linkDead bool) error {
	if s.state != StateLive {
		return errors.Errorf("EndOfSync called in state %s, want live", s.state)
	}
	s.state = StateDraining
	if !linkDead {
		if err := s.commander.EndOfSync(status); err != nil {
			s.log.WithError(err).Warn("end_of_sync failed")
		}
	}
	s.drain()
	s.state = StateClosed
	return s.transport.Close()
}

// drain flushes any bytes still in flight before close (spec §4.5).
func (s *Session) drain() {
	deadline := time.Now().Add(200 * time.Millisecond)
	s.transport.SetReadDeadline(deadline)
	buf := make([]byte, 4096)
	for {
		if _, err := s.transport.Read(buf); err != nil {
			return
		}
	}
}

// Abort closes the session immediately without attempting end_of_sync,
// used when the link is already known dead (LostConnection).
func (s *Session) Abort() error {
	s.state = StateClosed
	return s.transport.Close()
}
