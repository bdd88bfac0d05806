package syncconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchRuleMatches(t *testing.T) {
	any := MatchRule{}
	require.True(t, any.Matches(1, 2))

	creatorOnly := MatchRule{Creator: 100}
	require.True(t, creatorOnly.Matches(100, 2))
	require.False(t, creatorOnly.Matches(101, 2))

	both := MatchRule{Creator: 100, Type: 200}
	require.True(t, both.Matches(100, 200))
	require.False(t, both.Matches(100, 201))
}

func TestConduitFlavorEnabled(t *testing.T) {
	c := Conduit{Flavors: []Flavor{FlavorSync, FlavorDump}}
	require.True(t, c.FlavorEnabled(FlavorSync))
	require.True(t, c.FlavorEnabled(FlavorDump))
	require.False(t, c.FlavorEnabled(FlavorInit))
}

func TestConduitAnyRuleMatches(t *testing.T) {
	noRules := Conduit{}
	require.True(t, noRules.AnyRuleMatches(1, 2, true))
	require.True(t, noRules.AnyRuleMatches(0, 0, false))

	ruled := Conduit{Rules: []MatchRule{{Creator: 7}}}
	require.True(t, ruled.AnyRuleMatches(7, 0, true))
	require.False(t, ruled.AnyRuleMatches(8, 0, true))
	require.True(t, ruled.AnyRuleMatches(0, 0, false), "no-db invocation is accepted regardless of rules")
}

func TestDecodeRoundTrip(t *testing.T) {
	raw := map[string]interface{}{
		"Conduits": []interface{}{
			map[string]interface{}{
				"Name":    "memo-backup",
				"Flavors": []interface{}{"sync", "dump"},
				"Rules": []interface{}{
					map[string]interface{}{"Creator": 1297438764, "Type": 1297371140},
				},
				"Path":    "[generic]",
				"Default": true,
				"Preferences": []interface{}{
					map[string]interface{}{"Creator": 1297438764, "ID": 1},
				},
			},
		},
		"Listeners": []interface{}{
			map[string]interface{}{"Kind": "tcp", "Addr": ":14238", "Baud": 0},
		},
		"Devices": []interface{}{
			map[string]interface{}{"LocalUser": "alice", "ConfigPath": "/etc/hsyncd/alice.conf"},
		},
		"InstallDir": "/var/lib/hsyncd/install",
		"BackupDir":  "/var/lib/hsyncd/backup",
		"ArchiveDir": "/var/lib/hsyncd/archive",
	}

	cfg, err := Decode(raw)
	require.NoError(t, err)

	require.Len(t, cfg.Conduits, 1)
	conduit := cfg.Conduits[0]
	require.Equal(t, "memo-backup", conduit.Name)
	require.True(t, conduit.FlavorEnabled(FlavorSync))
	require.True(t, conduit.FlavorEnabled(FlavorDump))
	require.True(t, conduit.Default)
	require.Equal(t, "[generic]", conduit.Path)
	require.Len(t, conduit.Rules, 1)
	require.Equal(t, uint32(1297438764), conduit.Rules[0].Creator)
	require.Len(t, conduit.Preferences, 1)
	require.Equal(t, uint16(1), conduit.Preferences[0].ID)

	require.Len(t, cfg.Listeners, 1)
	require.Equal(t, "tcp", cfg.Listeners[0].Kind)
	require.Equal(t, ":14238", cfg.Listeners[0].Addr)

	require.Len(t, cfg.Devices, 1)
	require.Equal(t, "alice", cfg.Devices[0].LocalUser)

	require.Equal(t, "/var/lib/hsyncd/backup", cfg.BackupDir)
}

func TestDecodeRejectsBadShape(t *testing.T) {
	raw := map[string]interface{}{
		"Conduits": "not-a-list",
	}
	_, err := Decode(raw)
	require.Error(t, err)
}
