package commander

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hsync/protocol"
)

// fakeHandheld plays the device side of the wire: it answers each request
// in order via responder, until responder reports stop or the connection
// closes. Used to drive Commander methods end-to-end over net.Pipe.
func fakeHandheld(t *testing.T, conn net.Conn, responder func(cmd byte, args []protocol.Arg) (errCode uint16, respArgs []protocol.Arg)) {
	t.Helper()
	fr := protocol.NewFramer(conn, time.Second)
	asm := protocol.NewAssembler(fr, 1, 2)
	go func() {
		for {
			req, err := asm.Read()
			if err != nil {
				return
			}
			if len(req) < 2 {
				continue
			}
			cmd := req[0] &^ 0x80
			argCount := int(req[1])
			args, derr := protocol.DecodeArgs(req[2:], argCount)
			if derr != nil {
				return
			}
			errCode, respArgs := responder(cmd, args)
			resp := make([]byte, 0, 4)
			resp = append(resp, cmd|0x80, byte(len(respArgs)), byte(errCode>>8), byte(errCode))
			resp = append(resp, protocol.EncodeArgs(respArgs)...)
			if werr := asm.Write(resp); werr != nil {
				return
			}
		}
	}()
}

func newTestCommander(t *testing.T, responder func(cmd byte, args []protocol.Arg) (uint16, []protocol.Arg)) *Commander {
	t.Helper()
	hostConn, devConn := net.Pipe()
	t.Cleanup(func() { hostConn.Close(); devConn.Close() })

	hostFr := protocol.NewFramer(hostConn, time.Second)
	hostAsm := protocol.NewAssembler(hostFr, 2, 1)
	tr := protocol.NewTransactor(hostAsm)

	fakeHandheld(t, devConn, responder)
	return New(tr, nil)
}

func TestCommanderReadUserInfo(t *testing.T) {
	c := newTestCommander(t, func(cmd byte, args []protocol.Arg) (uint16, []protocol.Arg) {
		require.Equal(t, cmdReadUserInfo, cmd)
		return codeOK, []protocol.Arg{
			{ID: argUserID, Data: u32(42)},
			{ID: argName, Data: []byte("alice")},
		}
	})

	info, err := c.ReadUserInfo()
	require.NoError(t, err)
	require.Equal(t, uint32(42), info.UserID)
	require.Equal(t, "alice", info.Name)
}

func TestCommanderReadStorageInfo(t *testing.T) {
	c := newTestCommander(t, func(cmd byte, args []protocol.Arg) (uint16, []protocol.Arg) {
		require.Equal(t, cmdReadStorageInfo, cmd)
		require.Equal(t, uint32(0), decU32(findArg(args, argCard)))
		return codeOK, []protocol.Arg{
			{ID: argTotal, Data: u32(1 << 20)},
			{ID: argCardName, Data: []byte("internal")},
		}
	})

	info, err := c.ReadStorageInfo(0)
	require.NoError(t, err)
	require.Equal(t, uint32(1<<20), info.TotalBytes)
	require.Equal(t, "internal", info.CardName)
}

func TestCommanderOpenWriteDeleteRecord(t *testing.T) {
	var openedHandle Handle = 7
	c := newTestCommander(t, func(cmd byte, args []protocol.Arg) (uint16, []protocol.Arg) {
		switch cmd {
		case cmdOpenDB:
			require.Equal(t, "Memo", string(findArg(args, argName)))
			return codeOK, []protocol.Arg{{ID: argHandle, Data: u32(uint32(openedHandle))}}
		case cmdWriteRecord:
			require.Equal(t, uint32(openedHandle), decU32(findArg(args, argHandle)))
			return codeOK, []protocol.Arg{{ID: argID, Data: u32(99)}}
		case cmdDeleteRecord:
			return codeNotFound, nil
		default:
			t.Fatalf("unexpected cmd %x", cmd)
			return codeGeneric, nil
		}
	})

	h, err := c.OpenDB(0, "Memo", ModeRead|ModeWrite)
	require.NoError(t, err)
	require.Equal(t, openedHandle, h)

	id, err := c.WriteRecord(h, 0, FlagDirty, 3, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, uint32(99), id)

	// delete_record on an already-gone record is idempotent: NotFound is
	// swallowed, not surfaced (spec §4.4).
	err = c.DeleteRecord(h, DeleteAll, 99)
	require.NoError(t, err)
}

func TestCommanderReadDBListPaginatesUntilNotFound(t *testing.T) {
	names := []string{"Memo", "Addr", "Date"}
	c := newTestCommander(t, func(cmd byte, args []protocol.Arg) (uint16, []protocol.Arg) {
		require.Equal(t, cmdReadDBList, cmd)
		start := int(decU32(findArg(args, argStart)))
		if start >= len(names) {
			return codeNotFound, nil
		}
		return codeOK, []protocol.Arg{{ID: argName, Data: []byte(names[start])}}
	})

	list, err := c.ReadDBList(0, ListRAM|ListROM)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "Memo", list[0].Name)
	require.Equal(t, "Date", list[2].Name)
}

func TestCommanderReadAllRecords(t *testing.T) {
	payloads := [][]byte{[]byte("one"), []byte("two")}
	c := newTestCommander(t, func(cmd byte, args []protocol.Arg) (uint16, []protocol.Arg) {
		require.Equal(t, cmdReadRecordByIndex, cmd)
		idx := int(decU32(findArg(args, argIndex)))
		if idx >= len(payloads) {
			return codeNotFound, nil
		}
		return codeOK, []protocol.Arg{
			{ID: argID, Data: u32(uint32(idx + 1))},
			{ID: argPayload, Data: payloads[idx]},
		}
	})

	recs, err := c.ReadAllRecords(Handle(1))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "two", string(recs[1].Payload))
}

func TestCommanderOpenConduitCancelledByDeviceIsFatal(t *testing.T) {
	c := newTestCommander(t, func(cmd byte, args []protocol.Arg) (uint16, []protocol.Arg) {
		return codeCancelledDevice, nil
	})

	err := c.OpenConduit()
	require.ErrorIs(t, err, ErrCancelledByDevice)
}

func TestCommanderCallRawPassesResponseBytesThrough(t *testing.T) {
	c := newTestCommander(t, func(cmd byte, args []protocol.Arg) (uint16, []protocol.Arg) {
		require.Equal(t, byte(0x01), cmd)
		return codeOK, []protocol.Arg{{ID: 9, Data: []byte("ok")}}
	})

	resp, err := c.CallRaw([]byte{0x01, 0x00})
	require.NoError(t, err)
	require.Equal(t, byte(0x81), resp[0]) // response bit set
	require.Equal(t, byte(1), resp[1])    // argcount
}

func TestCommanderCallRawSurfacesCancelledByDevice(t *testing.T) {
	c := newTestCommander(t, func(cmd byte, args []protocol.Arg) (uint16, []protocol.Arg) {
		return codeCancelledDevice, nil
	})

	resp, err := c.CallRaw([]byte{0x01, 0x00})
	require.ErrorIs(t, err, ErrCancelledByDevice)
	require.NotNil(t, resp) // bytes still returned for the conduit to see
}

func TestCommanderEndOfSync(t *testing.T) {
	c := newTestCommander(t, func(cmd byte, args []protocol.Arg) (uint16, []protocol.Arg) {
		require.Equal(t, cmdEndOfSync, cmd)
		require.Equal(t, byte(SyncNormal), findArg(args, argStatus)[0])
		return codeOK, nil
	})

	require.NoError(t, c.EndOfSync(SyncNormal))
}
