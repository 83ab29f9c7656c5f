package winnow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hybridmount/mountd/internal/config"
	"github.com/hybridmount/mountd/internal/planner"
)

func TestSiftMarksFullyAcceptedConflicts(t *testing.T) {
	report := &planner.AnalysisReport{
		Conflicts: []planner.ConflictEntry{
			{Partition: "vendor", RelativePath: "etc/foo", ModuleIDs: []string{"mod.a", "mod.b"}},
			{Partition: "system", RelativePath: "bin/bar", ModuleIDs: []string{"mod.c"}},
		},
	}
	winnowing := config.Winnowing{}
	winnowing.SetRule("/vendor/etc/foo", "mod.a")
	winnowing.SetRule("/vendor/etc/foo", "mod.b")

	n := Sift(report, winnowing)
	require.Equal(t, 1, n)
	require.True(t, report.Conflicts[0].Winnowed)
	require.False(t, report.Conflicts[1].Winnowed)
}

func TestSiftRequiresEveryContributorAccepted(t *testing.T) {
	report := &planner.AnalysisReport{
		Conflicts: []planner.ConflictEntry{
			{Partition: "vendor", RelativePath: "etc/foo", ModuleIDs: []string{"mod.a", "mod.b"}},
		},
	}
	winnowing := config.Winnowing{}
	winnowing.SetRule("/vendor/etc/foo", "mod.a")

	n := Sift(report, winnowing)
	require.Equal(t, 0, n)
	require.False(t, report.Conflicts[0].Winnowed)
}

func TestUnresolvedExcludesWinnowed(t *testing.T) {
	report := &planner.AnalysisReport{
		Conflicts: []planner.ConflictEntry{
			{Partition: "vendor", RelativePath: "a", Winnowed: true},
			{Partition: "vendor", RelativePath: "b", Winnowed: false},
		},
	}
	unresolved := Unresolved(report)
	require.Len(t, unresolved, 1)
	require.Equal(t, "b", unresolved[0].RelativePath)
}

func TestSetRuleIsIdempotent(t *testing.T) {
	winnowing := config.Winnowing{}
	Set(winnowing, "vendor", "etc/foo", "mod.a")
	Set(winnowing, "vendor", "etc/foo", "mod.a")
	require.Equal(t, []string{"mod.a"}, winnowing["/vendor/etc/foo"])
}
