// Package syncconfig holds the config types handed to the core by the
// (out-of-scope) config-file parser: conduit blocks, listen addresses,
// and per-device overrides (spec §6 "Configuration file"). Nothing in
// this package reads a file from disk; Decode only shapes an
// already-parsed map (e.g. from an HCL/INI front end) into these types.
package syncconfig

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Flavor is a conduit invocation point (spec §4.8).
type Flavor string

const (
	FlavorInit    Flavor = "init"
	FlavorFetch   Flavor = "fetch"
	FlavorSync    Flavor = "sync"
	FlavorDump    Flavor = "dump"
	FlavorInstall Flavor = "install"
)

// MatchRule is one (creator, type, flags) conduit match rule; zero value
// on creator/type means "any" (spec §4.8).
type MatchRule struct {
	Creator uint32
	Type    uint32
	Flags   uint32
}

// Matches reports whether this rule applies to a database with the given
// creator/type, or to the null-database (type == 0) case when the rule
// itself is the zero rule.
func (m MatchRule) Matches(creator, typ uint32) bool {
	if m.Creator != 0 && m.Creator != creator {
		return false
	}
	if m.Type != 0 && m.Type != typ {
		return false
	}
	return true
}

// PreferenceRef names one (creator, id) preference item a conduit
// declares interest in (spec §3 PreferenceCache, §4.8).
type PreferenceRef struct {
	Creator uint32
	ID      uint16
}

// Conduit is one configured conduit block (spec §4.8).
type Conduit struct {
	Name        string
	Flavors     []Flavor
	Rules       []MatchRule
	Path        string // executable path, or "[generic]" / "[dummy]"
	WorkDir     string
	Headers     map[string]string
	Preferences []PreferenceRef
	Default     bool
	Final       bool
}

// FlavorEnabled reports whether this conduit fires for flavor.
func (c Conduit) FlavorEnabled(f Flavor) bool {
	for _, fl := range c.Flavors {
		if fl == f {
			return true
		}
	}
	return false
}

// AnyRuleMatches reports whether any of this conduit's rules matches the
// given database, or whether this is a type:none (nil dbinfo) invocation
// that any conduit with no rules accepts.
func (c Conduit) AnyRuleMatches(creator, typ uint32, hasDB bool) bool {
	if !hasDB {
		return true
	}
	if len(c.Rules) == 0 {
		return true
	}
	for _, r := range c.Rules {
		if r.Matches(creator, typ) {
			return true
		}
	}
	return false
}

// DeviceConfig is a per-serial-number/per-user override block (spec §6
// Registry file describes the lookup; this is the config payload once
// resolved).
type DeviceConfig struct {
	LocalUser  string
	ConfigPath string
}

// ListenConfig describes one transport the daemon should accept wakeups
// on (spec §6 Transport).
type ListenConfig struct {
	Kind string // "serial", "usb", "tcp"
	Addr string
	Baud int
}

// Config is the fully decoded configuration tree (spec §6).
type Config struct {
	Conduits    []Conduit
	Listeners   []ListenConfig
	Devices     []DeviceConfig
	InstallDir  string
	BackupDir   string
	ArchiveDir  string
}

// Decode shapes a generic map (as produced by whatever front-end parses
// the on-disk config grammar, out of scope per spec.md Non-goals) into a
// Config with mapstructure, matching map keys to field names (the types
// carry no struct tags).
func Decode(raw map[string]interface{}) (Config, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, errors.Wrap(err, "build config decoder")
	}
	if err := dec.Decode(raw); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	return cfg, nil
}
