package session

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hsync/commander"
	"hsync/protocol"
)

// netConnTransport adapts a net.Conn (as used by net.Pipe in tests) to the
// Transport interface; SetRate is a no-op since net.Pipe has no concept of
// bit rate.
type netConnTransport struct {
	net.Conn
}

func (netConnTransport) SetRate(int) error { return nil }

func TestSessionAwaitWakeupToLive(t *testing.T) {
	hostConn, devConn := net.Pipe()
	t.Cleanup(func() { hostConn.Close(); devConn.Close() })

	s := New(netConnTransport{hostConn}, nil)
	require.Equal(t, StateClosed, s.State())

	done := make(chan error, 1)
	go func() {
		done <- s.AwaitWakeup(DefaultNegotiatedBaud)
	}()

	devFr := protocol.NewFramer(devConn, time.Second)
	require.NoError(t, devFr.Send(linkSrcSocket, linkDstSocket, wakeupPacketType, 0, nil))

	_, _, typ, _, _, err := devFr.Recv()
	require.NoError(t, err)
	require.Equal(t, initPacketType, typ)

	require.NoError(t, <-done)
	require.Equal(t, StateLive, s.State())
	require.NotNil(t, s.Commander())
}

func TestSessionDiscardsNonWakeupPackets(t *testing.T) {
	hostConn, devConn := net.Pipe()
	t.Cleanup(func() { hostConn.Close(); devConn.Close() })

	s := New(netConnTransport{hostConn}, nil)

	done := make(chan error, 1)
	go func() {
		done <- s.AwaitWakeup(DefaultNegotiatedBaud)
	}()

	devFr := protocol.NewFramer(devConn, time.Second)
	require.NoError(t, devFr.Send(linkSrcSocket, linkDstSocket, 0x77, 0, []byte("noise")))
	require.NoError(t, devFr.Send(linkSrcSocket, linkDstSocket, wakeupPacketType, 0, nil))

	_, _, typ, _, _, err := devFr.Recv()
	require.NoError(t, err)
	require.Equal(t, initPacketType, typ)
	require.NoError(t, <-done)
}

func TestSessionEndOfSyncDrainsAndCloses(t *testing.T) {
	hostConn, devConn := net.Pipe()
	t.Cleanup(func() { devConn.Close() })

	s := New(netConnTransport{hostConn}, nil)

	go func() {
		devFr := protocol.NewFramer(devConn, time.Second)
		_ = devFr.Send(linkSrcSocket, linkDstSocket, wakeupPacketType, 0, nil)
		_, _, _, _, _, _ = devFr.Recv() // init

		asm := protocol.NewAssembler(devFr, linkSrcSocket, linkDstSocket)
		req, err := asm.Read()
		if err != nil || len(req) < 2 {
			return
		}
		resp := []byte{req[0] | 0x80, 0, 0, 0}
		_ = asm.Write(resp)
	}()

	require.NoError(t, s.AwaitWakeup(DefaultNegotiatedBaud))
	require.NoError(t, s.EndOfSync(commander.SyncNormal, false))
	require.Equal(t, StateClosed, s.State())
}
