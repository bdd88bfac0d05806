package dispatcher

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hsync/commander"
	"hsync/protocol"
)

// fakeDevice plays the device side of the main Connection so CallRaw has
// somewhere to round-trip to, mirroring commander_test.go's harness.
func fakeDevice(t *testing.T, conn net.Conn, errCode uint16, respArgs []protocol.Arg) {
	t.Helper()
	fr := protocol.NewFramer(conn, time.Second)
	asm := protocol.NewAssembler(fr, 1, 2)
	go func() {
		req, err := asm.Read()
		if err != nil || len(req) < 2 {
			return
		}
		cmd := req[0] &^ 0x80
		resp := make([]byte, 0, 4)
		resp = append(resp, cmd|0x80, byte(len(respArgs)), byte(errCode>>8), byte(errCode))
		resp = append(resp, protocol.EncodeArgs(respArgs)...)
		_ = asm.Write(resp)
	}()
}

func newTestCommanderForSPC(t *testing.T, errCode uint16, respArgs []protocol.Arg) *commander.Commander {
	t.Helper()
	hostConn, devConn := net.Pipe()
	t.Cleanup(func() { hostConn.Close(); devConn.Close() })

	hostFr := protocol.NewFramer(hostConn, time.Second)
	hostAsm := protocol.NewAssembler(hostFr, 2, 1)
	tr := protocol.NewTransactor(hostAsm)

	fakeDevice(t, devConn, errCode, respArgs)
	return commander.New(tr, nil)
}

func TestSPCServerNopRoundTrip(t *testing.T) {
	client, parent := net.Pipe()
	defer client.Close()
	defer parent.Close()

	srv := NewSPCServer(parent, nil, nil)
	go func() { _ = srv.ServeOne() }()

	req := encodeSPCHeader(spcHeader{Opcode: SPCOpNop})
	_, err := client.Write(req)
	require.NoError(t, err)

	respHdr := make([]byte, spcHeaderLen)
	_, err = client.Read(respHdr)
	require.NoError(t, err)
	hdr := decodeSPCHeader(respHdr)
	require.Equal(t, SPCOpNop, hdr.Opcode)
	require.EqualValues(t, spcStatusOK, hdr.Status)
	require.Zero(t, hdr.BodyLen)
}

func TestSPCServerDBInfoReturnsEncodedSnapshot(t *testing.T) {
	client, parent := net.Pipe()
	defer client.Close()
	defer parent.Close()

	db := commander.DatabaseInfo{Name: "Memo", Creator: 1, Type: 2}
	srv := NewSPCServer(parent, nil, func() []byte { return EncodeDBInfo(db) })
	go func() { _ = srv.ServeOne() }()

	req := encodeSPCHeader(spcHeader{Opcode: SPCOpDBInfo})
	_, err := client.Write(req)
	require.NoError(t, err)

	respHdr := make([]byte, spcHeaderLen)
	_, err = client.Read(respHdr)
	require.NoError(t, err)
	hdr := decodeSPCHeader(respHdr)
	require.EqualValues(t, spcStatusOK, hdr.Status)
	body := make([]byte, hdr.BodyLen)
	_, err = client.Read(body)
	require.NoError(t, err)
	require.Equal(t, EncodeDBInfo(db), body)
}

func TestSPCServerDLPCommandPassthrough(t *testing.T) {
	cmd := newTestCommanderForSPC(t, 0, []protocol.Arg{{ID: 1, Data: []byte("hi")}})

	client, parent := net.Pipe()
	defer client.Close()
	defer parent.Close()

	srv := NewSPCServer(parent, cmd, nil)
	go func() { _ = srv.ServeOne() }()

	reqBody := []byte{0x01, 0x00} // cmd=1, argcount=0
	req := append(encodeSPCHeader(spcHeader{Opcode: SPCOpDLPCommand, BodyLen: uint32(len(reqBody))}), reqBody...)
	_, err := client.Write(req)
	require.NoError(t, err)

	respHdr := make([]byte, spcHeaderLen)
	_, err = client.Read(respHdr)
	require.NoError(t, err)
	hdr := decodeSPCHeader(respHdr)
	require.EqualValues(t, spcStatusOK, hdr.Status)
	body := make([]byte, hdr.BodyLen)
	_, err = client.Read(body)
	require.NoError(t, err)

	// The transactor's raw response: cmd|0x80, argcount=1, errcode=0x0000,
	// then the single returned arg.
	require.Equal(t, byte(0x81), body[0])
	require.Equal(t, byte(1), body[1])
}

func TestSPCServerMalformedRequest(t *testing.T) {
	client, parent := net.Pipe()
	defer client.Close()
	defer parent.Close()

	srv := NewSPCServer(parent, nil, nil)
	go func() { _ = srv.ServeOne() }()

	req := encodeSPCHeader(spcHeader{Opcode: 99})
	_, err := client.Write(req)
	require.NoError(t, err)

	respHdr := make([]byte, spcHeaderLen)
	_, err = client.Read(respHdr)
	require.NoError(t, err)
	hdr := decodeSPCHeader(respHdr)
	require.EqualValues(t, spcStatusMalformed, hdr.Status)
}
