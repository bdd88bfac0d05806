package dispatcher

import (
	"hsync/syncconfig"
)

// Plan is the ordered set of conduits to run for one (flavor, database)
// pair, built by BuildPlan's reading of spec §4.8's matching algorithm.
type Plan struct {
	Run     []syncconfig.Conduit
	Default *syncconfig.Conduit // considered only if Run ends up empty
}

// BuildPlan walks conduits in configured order and applies spec §4.8's
// matching algorithm: non-default matches run immediately (in order,
// stopping early at the first `final` match); a `default` match is held
// back and only included if nothing else ran, and only for a non-null
// database.
func BuildPlan(conduits []syncconfig.Conduit, flavor syncconfig.Flavor, db *DBContext) Plan {
	var creator, typ uint32
	hasDB := db != nil && db.Info != nil
	if hasDB {
		creator, typ = db.Info.Creator, db.Info.Type
	}

	var plan Plan
	for _, c := range conduits {
		if !c.FlavorEnabled(flavor) {
			continue
		}
		if !c.AnyRuleMatches(creator, typ, hasDB) {
			continue
		}
		if c.Default {
			cc := c
			plan.Default = &cc
			continue
		}
		plan.Run = append(plan.Run, c)
		if c.Final {
			break
		}
	}
	return plan
}

// Ordered returns the conduits BuildPlan will actually execute: Run if
// non-empty, else the held-back default (only for a non-null database).
func (p Plan) Ordered(hasDB bool) []syncconfig.Conduit {
	if len(p.Run) > 0 {
		return p.Run
	}
	if p.Default != nil && hasDB {
		return []syncconfig.Conduit{*p.Default}
	}
	return nil
}
