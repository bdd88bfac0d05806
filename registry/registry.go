// Package registry implements spec §6's "Registry file": a line-oriented
// table mapping (device serial, user name, user id) triples to a local
// user name and an optional per-user config path.
//
// Grounded on original_source's /etc/palms (palment.c/palment.h): each
// line is six '|'-delimited fields, serial|username|userid|luser|name|
// conf_fname, with the last two optional. A blank or "*" serial/username
// field, or a userid of 0, acts as a wildcard matching any probe value.
package registry

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Entry is one registry line.
type Entry struct {
	Serial     string // device serial number; may carry a -suffix (Visor style)
	Username   string // username recorded on the device
	UserID     uint32 // user id recorded on the device
	LocalUser  string // local (host) user to run as
	Name       string // the Palm's name, informational only
	ConfigPath string // optional per-user config file override
}

func isWildcard(s string) bool { return s == "" || s == "*" }

// serialPrefix strips a trailing "-suffix" from an entry's serial field
// before comparing (palment.c: some Visor serials carry a checksum
// suffix that a hand-written registry entry may include even though the
// runtime probe never does; truncating at the last '-' tolerates that).
func serialPrefix(s string) string {
	if i := strings.LastIndexByte(s, '-'); i >= 0 {
		return s[:i]
	}
	return s
}

// matchesSerial reports whether e's serial field matches probe, honoring
// the wildcard and the suffix-stripping tolerance above. probe itself is
// never suffix-stripped: it is compared verbatim against e's stripped
// value.
func (e Entry) matchesSerial(probe string) bool {
	if isWildcard(e.Serial) {
		return true
	}
	return strings.EqualFold(serialPrefix(e.Serial), probe)
}

// matchesUsername reports whether e's username field matches probe; a
// blank probe means the username is not being probed and matches any entry.
func (e Entry) matchesUsername(probe string) bool {
	return probe == "" || isWildcard(e.Username) || e.Username == probe
}

// matchesUserID reports whether e's userid field matches probe; 0 is a
// wildcard (spec/palment.c: "userid 0 matches any entry"), and a zero
// probe means the userid is not being probed.
func (e Entry) matchesUserID(probe uint32) bool {
	return probe == 0 || e.UserID == 0 || e.UserID == probe
}

// Matches reports whether e satisfies all three probe fields.
func (e Entry) Matches(serial, username string, userid uint32) bool {
	return e.matchesSerial(serial) && e.matchesUsername(username) && e.matchesUserID(userid)
}

// Registry is a loaded, ordered set of Entry rows. Lookup returns the
// first match, mirroring find_palment's first-match-wins file order.
type Registry struct {
	entries []Entry
}

// Parse reads '|'-delimited registry lines from r. Blank lines and lines
// starting with '#' are skipped.
func Parse(r io.Reader) (*Registry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 4 {
			return nil, errors.Errorf("registry: line %d: need at least serial|username|userid|luser, got %d fields", lineNo, len(fields))
		}
		entry := Entry{
			Serial:    strings.TrimSpace(fields[0]),
			Username:  strings.TrimSpace(fields[1]),
			LocalUser: strings.TrimSpace(fields[3]),
		}
		if uid := strings.TrimSpace(fields[2]); uid != "" {
			v, err := strconv.ParseUint(uid, 10, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "registry: line %d: userid", lineNo)
			}
			entry.UserID = uint32(v)
		}
		if len(fields) > 4 {
			entry.Name = strings.TrimSpace(fields[4])
		}
		if len(fields) > 5 {
			entry.ConfigPath = strings.TrimSpace(fields[5])
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "registry: read")
	}
	return &Registry{entries: entries}, nil
}

// Load reads a registry file from path.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "registry: open %s", path)
	}
	defer f.Close()
	return Parse(f)
}

// Find returns the first entry matching every supplied probe field, or
// false if none matches. Any subset of the fields may be matched by
// passing a blank username / zero userid for the fields not being
// probed, since those same values are the registry's own wildcards
// (spec §6: "Lookup is by any subset of those fields").
func (r *Registry) Find(serial, username string, userid uint32) (Entry, bool) {
	for _, e := range r.entries {
		if e.Matches(serial, username, userid) {
			return e, true
		}
	}
	return Entry{}, false
}

// Entries returns every loaded row, in file order.
func (r *Registry) Entries() []Entry {
	return append([]Entry(nil), r.entries...)
}
