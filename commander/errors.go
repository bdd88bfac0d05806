// Package commander implements the typed high-level command interface
// (spec §4.4) on top of protocol.Transactor: open/close/read/write
// databases, records, and resources, plus the device-info and
// end-of-sync operations the Session, Reconciler, and Dispatcher need.
package commander

import (
	"fmt"

	"github.com/pkg/errors"

	"hsync/protocol"
)

// DeviceErrorKind enumerates the DeviceError taxonomy of spec §7.
type DeviceErrorKind int

const (
	KindGenericDevice DeviceErrorKind = iota
	KindNotFound
	KindTooManyOpen
	KindCantOpen
	KindReadOnly
	KindExists
	KindDbOpen
	KindNotEnoughSpace
	KindInvalidParam
)

func (k DeviceErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindTooManyOpen:
		return "TooManyOpen"
	case KindCantOpen:
		return "CantOpen"
	case KindReadOnly:
		return "ReadOnly"
	case KindExists:
		return "Exists"
	case KindDbOpen:
		return "DbOpen"
	case KindNotEnoughSpace:
		return "NotEnoughSpace"
	case KindInvalidParam:
		return "InvalidParam"
	default:
		return "GenericDeviceError"
	}
}

// Wire-level device error codes. These are hsync's own (the handheld
// protocol is bespoke, not a literal reproduction of any real device's
// error numbering), chosen to keep the kind <-> code mapping total and
// reversible.
const (
	codeOK              uint16 = 0x0000
	codeNotFound        uint16 = 0x0001
	codeTooManyOpen     uint16 = 0x0002
	codeCantOpen        uint16 = 0x0003
	codeReadOnly        uint16 = 0x0004
	codeExists          uint16 = 0x0005
	codeDbOpen          uint16 = 0x0006
	codeNotEnoughSpace  uint16 = 0x0007
	codeInvalidParam    uint16 = 0x0008
	codeCancelledDevice uint16 = 0x00FE
	codeGeneric         uint16 = 0xFFFF
)

// DeviceError wraps a non-zero device-reported error code (spec §7
// DeviceError).
type DeviceError struct {
	Kind DeviceErrorKind
	Code uint16
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error: %s (code 0x%04X)", e.Kind, e.Code)
}

// ErrCancelledByDevice indicates the device's user aborted the sync; it is
// always fatal to the session (spec §7).
var ErrCancelledByDevice = errors.New("cancelled by device")

// ErrLostConnection indicates a transport-level timeout or EOF; fatal,
// and end-of-sync must not be attempted on the wire (spec §7).
var ErrLostConnection = errors.New("lost connection")

// deviceErrorFromCode classifies a non-zero wire error code.
func deviceErrorFromCode(code uint16) error {
	if code == codeCancelledDevice {
		return ErrCancelledByDevice
	}
	kind := KindGenericDevice
	switch code {
	case codeNotFound:
		kind = KindNotFound
	case codeTooManyOpen:
		kind = KindTooManyOpen
	case codeCantOpen:
		kind = KindCantOpen
	case codeReadOnly:
		kind = KindReadOnly
	case codeExists:
		kind = KindExists
	case codeDbOpen:
		kind = KindDbOpen
	case codeNotEnoughSpace:
		kind = KindNotEnoughSpace
	case codeInvalidParam:
		kind = KindInvalidParam
	}
	return &DeviceError{Kind: kind, Code: code}
}

// IsNotFound reports whether err is a DeviceError{Kind: KindNotFound},
// used throughout the Reconciler for idempotent-delete semantics.
func IsNotFound(err error) bool {
	var de *DeviceError
	return errors.As(err, &de) && de.Kind == KindNotFound
}

// IsExists reports whether err is a DeviceError{Kind: KindExists}, used
// by the install-flavor uploader to detect "database already present"
// and fall back to the force-overwrite path (original_source's
// install.c: "if force && err == DLPSTAT_EXISTS").
func IsExists(err error) bool {
	var de *DeviceError
	return errors.As(err, &de) && de.Kind == KindExists
}

// translateLinkErr promotes a protocol-layer failure into the Commander's
// LostConnection (spec §7: "Commander retranslates to LostConnection").
func translateLinkErr(err error) error {
	if err == nil {
		return nil
	}
	if protocol.IsLinkError(err) || errors.Is(err, protocol.ErrPeerUnresponsive) ||
		errors.Is(err, protocol.ErrRemoteClosed) || errors.Is(err, protocol.ErrTimeout) {
		return errors.Wrap(ErrLostConnection, err.Error())
	}
	return err
}
