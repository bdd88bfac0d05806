package protocol

import "github.com/pkg/errors"

// Link-layer error taxonomy (spec §7 LinkError). These travel outward from
// Framer and Assembler; Transactor wraps them with call context and the
// Commander layer translates them into LostConnection.
var (
	ErrLinkWriteFailed   = errors.New("link: write failed")
	ErrLinkReadFailed    = errors.New("link: read failed")
	ErrBadPreamble       = errors.New("link: bad preamble")
	ErrBadHeaderChecksum = errors.New("link: bad header checksum")
	ErrBadCRC            = errors.New("link: bad crc")
	ErrTimeout           = errors.New("link: timeout")
	ErrPeerUnresponsive  = errors.New("link: peer unresponsive")
	ErrRemoteClosed      = errors.New("link: remote closed")
)

// IsLinkError reports whether err is (or wraps) one of the link-layer
// sentinel errors above.
func IsLinkError(err error) bool {
	switch errors.Cause(unwrapToSentinel(err)) {
	case ErrLinkWriteFailed, ErrLinkReadFailed, ErrBadPreamble,
		ErrBadHeaderChecksum, ErrBadCRC, ErrTimeout, ErrPeerUnresponsive,
		ErrRemoteClosed:
		return true
	default:
		return false
	}
}

// unwrapToSentinel walks pkg/errors-wrapped chains looking for one of our
// sentinels so IsLinkError works regardless of wrap depth.
func unwrapToSentinel(err error) error {
	for _, sentinel := range []error{
		ErrLinkWriteFailed, ErrLinkReadFailed, ErrBadPreamble,
		ErrBadHeaderChecksum, ErrBadCRC, ErrTimeout, ErrPeerUnresponsive,
		ErrRemoteClosed,
	} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return err
}
