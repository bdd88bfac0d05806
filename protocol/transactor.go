package protocol

import (
	"github.com/pkg/errors"
)

// Arg is one argument TLV record, on or off the wire.
type Arg struct {
	ID   byte
	Data []byte
}

const (
	argLongLengthBit = 0x80
	requestRespBit   = 0x80 // bit 7 of the command code byte
)

// EncodeArgs serializes a slice of Arg records: 1-octet id (top bit set
// when a 2-octet length follows), 1- or 2-octet length, payload, and a
// single pad byte when the record's total length is odd (spec §4.3:
// "payload aligned to 2-octet boundary").
func EncodeArgs(args []Arg) []byte {
	var out []byte
	for _, a := range args {
		start := len(out)
		if len(a.Data) > 0xFF {
			out = append(out, a.ID|argLongLengthBit, byte(len(a.Data)>>8), byte(len(a.Data)))
		} else {
			out = append(out, a.ID, byte(len(a.Data)))
		}
		out = append(out, a.Data...)
		if (len(out)-start)%2 != 0 {
			out = append(out, 0)
		}
	}
	return out
}

// DecodeArgs parses count Arg records out of data.
func DecodeArgs(data []byte, count int) ([]Arg, error) {
	args := make([]Arg, 0, count)
	for i := 0; i < count; i++ {
		if len(data) < 1 {
			return nil, errors.New("transactor: truncated arg id")
		}
		id := data[0]
		long := id&argLongLengthBit != 0
		id &^= argLongLengthBit

		var length int
		var headerLen int
		if long {
			if len(data) < 3 {
				return nil, errors.New("transactor: truncated long-form arg length")
			}
			length = int(data[1])<<8 | int(data[2])
			headerLen = 3
		} else {
			if len(data) < 2 {
				return nil, errors.New("transactor: truncated short-form arg length")
			}
			length = int(data[1])
			headerLen = 2
		}
		if len(data) < headerLen+length {
			return nil, errors.New("transactor: truncated arg payload")
		}
		payload := append([]byte(nil), data[headerLen:headerLen+length]...)
		total := headerLen + length
		if total%2 != 0 {
			total++ // skip the alignment pad byte
		}
		args = append(args, Arg{ID: id, Data: payload})
		data = data[total:]
	}
	return args, nil
}

// Transactor implements the request/response command codec: one request
// datagram followed by one response datagram bearing the same transaction
// id (spec §4.3). It owns the Connection's transaction-id counter, which
// wraps 1..0xFE (0x00 and 0xFF reserved, spec §3).
type Transactor struct {
	asm     *Assembler
	nextXid byte
}

// NewTransactor creates a Transactor driving calls over asm.
func NewTransactor(asm *Assembler) *Transactor {
	return &Transactor{asm: asm, nextXid: 1}
}

// Tickle sends a keepalive on the underlying Assembler without allocating
// a transaction id (spec §4.5: tickle every <=2s between long operations).
func (tr *Transactor) Tickle() error {
	return tr.asm.Tickle()
}

// Response is the decoded result of a command call.
type Response struct {
	Xid   byte
	Error uint16
	Args  []Arg
}

// allocXid returns the next transaction id, wrapping 0xFE -> 0x01 and
// skipping the reserved 0x00/0xFF values (spec §3).
func (tr *Transactor) allocXid() byte {
	xid := tr.nextXid
	tr.nextXid++
	if tr.nextXid == 0 || tr.nextXid == 0xFF {
		tr.nextXid = 1
	}
	return xid
}

// Call sends one request and blocks for its response, translating
// link-layer failures per spec §7 (the caller, typically Commander,
// further translates DeviceError codes).
func (tr *Transactor) Call(cmd byte, args []Arg) (*Response, error) {
	xid := tr.allocXid()

	body := make([]byte, 0, 2+16)
	body = append(body, cmd&^requestRespBit, byte(len(args)))
	body = append(body, EncodeArgs(args)...)

	if err := tr.asm.Write(body); err != nil {
		return nil, errors.Wrap(err, "transactor: request write")
	}

	raw, err := tr.asm.Read()
	if err != nil {
		return nil, errors.Wrap(err, "transactor: response read")
	}
	resp, err := decodeResponse(raw)
	if err != nil {
		return nil, err
	}
	resp.Xid = xid
	return resp, nil
}

// CallRaw forwards a preformatted request body (command code, argcount,
// and TLV-encoded args, exactly as EncodeArgs would produce) straight
// through one request/response round trip, and returns the matching
// preformatted response body. Used by the dispatcher's SPC mediator to
// let a conduit issue a command/RPC opcode through the host without the
// host re-encoding the conduit's already-wire-shaped argument list
// (spec §4.8 "dlp-command"/"dlp-rpc").
func (tr *Transactor) CallRaw(reqBody []byte) ([]byte, error) {
	if len(reqBody) < 2 {
		return nil, errors.New("transactor: truncated raw request")
	}
	cmd := reqBody[0]
	argCount := int(reqBody[1])
	args, err := DecodeArgs(reqBody[2:], argCount)
	if err != nil {
		return nil, errors.Wrap(err, "transactor: decode raw request args")
	}

	resp, err := tr.Call(cmd, args)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 4+16)
	out = append(out, cmd|requestRespBit, byte(len(resp.Args)), byte(resp.Error>>8), byte(resp.Error))
	out = append(out, EncodeArgs(resp.Args)...)
	return out, nil
}

func decodeResponse(raw []byte) (*Response, error) {
	if len(raw) < 4 {
		return nil, errors.New("transactor: truncated response")
	}
	cmd := raw[0]
	if cmd&requestRespBit == 0 {
		return nil, errors.New("transactor: response bit not set")
	}
	argCount := int(raw[1])
	errCode := uint16(raw[2])<<8 | uint16(raw[3])
	args, err := DecodeArgs(raw[4:], argCount)
	if err != nil {
		return nil, err
	}
	return &Response{Error: errCode, Args: args}, nil
}
