// Package winnow implements conflict winnowing: an operator can mark a
// specific (path, module id) pair as a known, accepted conflict so it
// stops appearing as actionable in diagnostics. Winnowing never changes a
// mount plan, only whether planner.AnalysisReport surfaces a conflict.
// Grounded on cli_handlers.rs's winnow::sift_conflicts call shape; the
// winnow.rs body itself was filtered from the retrieved pack (see
// SPEC_FULL.md §8), so only the data model — not an original algorithm —
// is carried over here.
package winnow

import (
	"path/filepath"

	"github.com/samber/lo"

	"github.com/hybridmount/mountd/internal/config"
	"github.com/hybridmount/mountd/internal/planner"
)

// Sift marks every conflict in report whose full path ("/"+partition+"/"+
// relativePath) has an accepted-module-ids rule in winnowing covering all
// of its contributing module ids. It mutates report.Conflicts in place and
// returns the count of conflicts newly marked Winnowed.
func Sift(report *planner.AnalysisReport, winnowing config.Winnowing) int {
	if report == nil || len(winnowing) == 0 {
		return 0
	}

	sifted := 0
	for i := range report.Conflicts {
		c := &report.Conflicts[i]
		if c.Winnowed {
			continue
		}
		path := filepath.Join("/", c.Partition, c.RelativePath)
		accepted, ok := winnowing[path]
		if !ok {
			continue
		}
		if allAccepted(c.ModuleIDs, accepted) {
			c.Winnowed = true
			sifted++
		}
	}
	return sifted
}

// Unresolved returns the subset of report's conflicts that winnowing has
// not accepted, the list cli_handlers.rs's conflicts subcommand actually
// prints.
func Unresolved(report *planner.AnalysisReport) []planner.ConflictEntry {
	if report == nil {
		return nil
	}
	return lo.Filter(report.Conflicts, func(c planner.ConflictEntry, _ int) bool {
		return !c.Winnowed
	})
}

// allAccepted reports whether every id in moduleIDs also appears in accepted.
func allAccepted(moduleIDs, accepted []string) bool {
	return lo.Every(accepted, moduleIDs)
}

// Set records moduleID as an accepted contributor for the conflicting path
// ("/"+partition+"/"+relativePath), the winnow-set CLI subcommand's effect.
func Set(winnowing config.Winnowing, partition, relativePath, moduleID string) {
	path := filepath.Join("/", partition, relativePath)
	winnowing.SetRule(path, moduleID)
}
