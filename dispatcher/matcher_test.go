package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/require"

	"hsync/commander"
	"hsync/syncconfig"
)

func memoDB() *DBContext {
	return &DBContext{Info: &commander.DatabaseInfo{Name: "Memo", Creator: 1, Type: 2}}
}

func TestBuildPlanRunsFirstMatchingNonDefaultInOrder(t *testing.T) {
	conduits := []syncconfig.Conduit{
		{Name: "a", Flavors: []syncconfig.Flavor{syncconfig.FlavorSync}},
		{Name: "b", Flavors: []syncconfig.Flavor{syncconfig.FlavorSync}},
	}
	plan := BuildPlan(conduits, syncconfig.FlavorSync, memoDB())
	require.Nil(t, plan.Default)
	require.Len(t, plan.Run, 2)
	require.Equal(t, []string{"a", "b"}, []string{plan.Run[0].Name, plan.Run[1].Name})
}

func TestBuildPlanStopsAtFinal(t *testing.T) {
	conduits := []syncconfig.Conduit{
		{Name: "a", Flavors: []syncconfig.Flavor{syncconfig.FlavorSync}, Final: true},
		{Name: "b", Flavors: []syncconfig.Flavor{syncconfig.FlavorSync}},
	}
	plan := BuildPlan(conduits, syncconfig.FlavorSync, memoDB())
	require.Len(t, plan.Run, 1)
	require.Equal(t, "a", plan.Run[0].Name)
}

func TestBuildPlanDefaultOnlyWhenNothingElseRan(t *testing.T) {
	conduits := []syncconfig.Conduit{
		{Name: "fallback", Flavors: []syncconfig.Flavor{syncconfig.FlavorSync}, Default: true},
	}
	plan := BuildPlan(conduits, syncconfig.FlavorSync, memoDB())
	require.Empty(t, plan.Run)
	require.NotNil(t, plan.Default)
	require.Equal(t, "fallback", plan.Default.Name)
	require.Equal(t, []string{"fallback"}, namesOf(plan.Ordered(true)))
}

func TestBuildPlanDefaultSkippedWhenNonDefaultRan(t *testing.T) {
	conduits := []syncconfig.Conduit{
		{Name: "fallback", Flavors: []syncconfig.Flavor{syncconfig.FlavorSync}, Default: true},
		{Name: "specific", Flavors: []syncconfig.Flavor{syncconfig.FlavorSync},
			Rules: []syncconfig.MatchRule{{Creator: 1, Type: 2}}},
	}
	plan := BuildPlan(conduits, syncconfig.FlavorSync, memoDB())
	require.Equal(t, []string{"specific"}, namesOf(plan.Ordered(true)))
}

func TestBuildPlanDefaultNeverRunsForNullDatabase(t *testing.T) {
	conduits := []syncconfig.Conduit{
		{Name: "fallback", Flavors: []syncconfig.Flavor{syncconfig.FlavorInit}, Default: true},
	}
	plan := BuildPlan(conduits, syncconfig.FlavorInit, nil)
	require.NotNil(t, plan.Default)
	require.Empty(t, plan.Ordered(false))
}

func TestBuildPlanSkipsWrongFlavorAndWrongRule(t *testing.T) {
	conduits := []syncconfig.Conduit{
		{Name: "wrong-flavor", Flavors: []syncconfig.Flavor{syncconfig.FlavorDump}},
		{Name: "wrong-rule", Flavors: []syncconfig.Flavor{syncconfig.FlavorSync},
			Rules: []syncconfig.MatchRule{{Creator: 99}}},
	}
	plan := BuildPlan(conduits, syncconfig.FlavorSync, memoDB())
	require.Empty(t, plan.Run)
	require.Nil(t, plan.Default)
}

func namesOf(cs []syncconfig.Conduit) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	return out
}
