// Package dispatcher matches each database (and database-independent
// events) to zero or more configured conduits, runs them in sequence,
// and mediates the SPC side-channel through which a sync-flavored
// conduit may issue commander-level requests while the parent keeps
// reading its status stream (spec §4.8).
package dispatcher

import (
	"fmt"

	"hsync/commander"
	"hsync/syncconfig"
)

// ResultCode is the three-digit status prefix a conduit's stdout lines
// carry, and the outcome code the Dispatcher reports back to the caller
// for one conduit run (spec §4.8 "Child -> parent channels").
type ResultCode int

const (
	// CodeNoop is returned for a do-nothing (empty path) conduit.
	CodeNoop ResultCode = 201

	// CodeSPCCancelled is returned when an SPC exchange surfaces the
	// device-side cancel.
	CodeSPCCancelled ResultCode = 401
	// CodeSPCLostConnection is returned when an SPC exchange surfaces a
	// lost device connection.
	CodeSPCLostConnection ResultCode = 402

	// CodeImplicitConduitError is the effective status assigned to a
	// stdout line that does not match the `^\d{3}[- ]` status format.
	CodeImplicitConduitError ResultCode = 501
)

// StatusClass classifies the hundreds digit of a status code.
type StatusClass int

const (
	ClassDebug StatusClass = iota
	ClassInfo
	ClassSuccess
	ClassWarning
	ClassHostError
	ClassConduitError
)

// ClassOf returns the StatusClass for a three-digit code.
func ClassOf(code ResultCode) StatusClass {
	return StatusClass(int(code) / 100)
}

func (c StatusClass) String() string {
	switch c {
	case ClassDebug:
		return "debug"
	case ClassInfo:
		return "info"
	case ClassSuccess:
		return "success"
	case ClassWarning:
		return "warning"
	case ClassHostError:
		return "host-error"
	default:
		return "conduit-error"
	}
}

// StatusLine is one parsed line of a conduit's stdout (spec §4.8).
type StatusLine struct {
	Code ResultCode
	Text string
}

// Outcome is what the Dispatcher reports for one conduit run.
type Outcome struct {
	ConduitName string
	Flavor      syncconfig.Flavor
	Result      ResultCode
	LastStatus  StatusLine
}

// Error is the DispatcherError taxonomy member (spec §7): conduit
// refused to start, crashed, or produced a malformed SPC request. Not
// fatal to the sync by default; the caller decides based on Fatal.
type Error struct {
	Conduit string
	Fatal   bool
	Cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatcher: conduit %q: %v", e.Conduit, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// HeaderContext carries the system-issued header values that do not
// vary per conduit (spec §4.8 step 3): daemon identity, sync type, and
// the connected device's identity as captured in InfoStore/HostIdentity.
type HeaderContext struct {
	Daemon      string
	Version     string
	SyncType    string // "slow" | "fast"; empty outside the sync flavor
	Snum        string
	Username    string
	UID         uint32
	Directory   string
	DLPMajor    int
	DLPMinor    int
}

// DBContext names the database (if any) a conduit is being run against,
// and the local backup/staging paths it should use for InputDB/OutputDB.
type DBContext struct {
	Info     *commander.DatabaseInfo // nil for a type:none invocation
	InputDB  string
	OutputDB string
}
