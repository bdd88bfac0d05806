// Package hostid derives the 32-bit host identity stamped into
// write_user_info's LastSyncPC and compared against a device's own
// last-sync-pc to choose FastSync vs SlowSync (spec §4.7, GLOSSARY
// "Host identity").
package hostid

import (
	"net"

	"github.com/pkg/errors"
)

// Identity is this host's 32-bit sync identity.
type Identity uint32

// FromPrimaryIPv4 derives a host identity from the first non-loopback
// IPv4 address this machine reports, matching the GLOSSARY's default
// ("by default derived from the primary IPv4 address"). Hosts with no
// such address (containers on IPv6-only or loopback-only networks) get
// ErrNoAddress; callers should fall back to a configured override.
func FromPrimaryIPv4() (Identity, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return 0, errors.Wrap(err, "enumerate interface addresses")
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() {
			continue
		}
		return Identity(uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])), nil
	}
	return 0, ErrNoAddress
}

// ErrNoAddress is returned when no usable IPv4 address exists to derive
// an identity from.
var ErrNoAddress = errors.New("hostid: no non-loopback IPv4 address found")
