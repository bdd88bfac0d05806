package dispatcher

import (
	"hsync/syncconfig"
)

// builtinDummy implements `[dummy]` (spec §4.8 "Built-in conduits"): it
// does nothing and reports success, useful for flavor/database match
// testing without a real executable.
func builtinDummy(syncconfig.Flavor, *DBContext) Outcome {
	return Outcome{Result: 200, LastStatus: StatusLine{Code: 200, Text: "dummy conduit"}}
}

// GenericSyncFunc runs the standard record-database backup algorithm
// against one database — the behavior `[generic]` provides in place of
// a real external conduit (original_source's GenericConduit.cc: the
// built-in conduit that just calls the ordinary sync engine). The
// Dispatcher never implements this itself; the caller wires it to a
// Reconciler.
type GenericSyncFunc func(db *DBContext) error

// builtinGeneric implements `[generic]`: it calls back into the
// reconciliation engine rather than forking a child (spec §4.8: "bypass
// fork/exec... their contract matches the external one").
func builtinGeneric(sync GenericSyncFunc, db *DBContext) Outcome {
	if sync == nil || db == nil || db.Info == nil {
		return Outcome{Result: CodeImplicitConduitError, LastStatus: StatusLine{Code: CodeImplicitConduitError, Text: "generic conduit: no database context"}}
	}
	if err := sync(db); err != nil {
		return Outcome{Result: 501, LastStatus: StatusLine{Code: 501, Text: err.Error()}}
	}
	return Outcome{Result: 200, LastStatus: StatusLine{Code: 200, Text: "OK"}}
}
