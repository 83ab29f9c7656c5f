package planner

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DiagnosticLevel classifies an issue found while analyzing a plan.
type DiagnosticLevel int

const (
	DiagnosticWarning DiagnosticLevel = iota
	DiagnosticCritical
)

func (l DiagnosticLevel) String() string {
	if l == DiagnosticCritical {
		return "critical"
	}
	return "warning"
}

// DiagnosticIssue is a single non-conflict problem found in a plan, such as
// a missing overlay target or a dead absolute symlink inside a lowerdir.
type DiagnosticIssue struct {
	Level   DiagnosticLevel
	Path    string
	Message string
}

// ConflictEntry records a relative path inside an overlay target that more
// than one module contributes, for surfacing to the operator (and, per the
// winnowing feature, for optional suppression once accepted).
type ConflictEntry struct {
	Partition    string
	RelativePath string
	ModuleIDs    []string
	// Winnowed is set once internal/winnow has matched this conflict
	// against an accepted config.Winnowing rule, meaning the operator has
	// already chosen which module should win and the conflict no longer
	// needs surfacing as actionable.
	Winnowed bool
}

// AnalysisReport is the full diagnostic output of Analyze.
type AnalysisReport struct {
	Conflicts []ConflictEntry
	Issues    []DiagnosticIssue
}

// Analyze walks every overlay operation's lowerdirs in parallel, building a
// per-relative-path map of contributing module ids. A relative path
// contributed by more than one module is a conflict; a missing overlay
// target is critical; a dead absolute symlink inside a lowerdir is a
// warning. Mirrors MountPlan::analyze in planner.rs.
func Analyze(ctx context.Context, plan *Plan, m *Metrics) (*AnalysisReport, error) {
	report := &AnalysisReport{}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(8)

	for _, op := range plan.OverlayOps {
		op := op
		g.Go(func() error {
			if _, err := os.Stat(op.Target); os.IsNotExist(err) {
				mu.Lock()
				report.Issues = append(report.Issues, DiagnosticIssue{
					Level:   DiagnosticCritical,
					Path:    op.Target,
					Message: "overlay target does not exist",
				})
				mu.Unlock()
				return nil
			}

			fileMap := map[string][]string{}
			for _, lower := range op.Lowerdirs {
				moduleID := ModuleIDForLowerdir(lower)
				_ = filepath.Walk(lower, func(path string, info os.FileInfo, err error) error {
					if err != nil {
						return nil
					}
					rel, err := filepath.Rel(lower, path)
					if err != nil || rel == "." {
						return nil
					}
					fileMap[rel] = append(fileMap[rel], moduleID)

					if info.Mode()&os.ModeSymlink != 0 {
						if dest, err := os.Readlink(path); err == nil && filepath.IsAbs(dest) {
							if _, statErr := os.Stat(dest); statErr != nil {
								mu.Lock()
								report.Issues = append(report.Issues, DiagnosticIssue{
									Level:   DiagnosticWarning,
									Path:    path,
									Message: "dead absolute symlink target: " + dest,
								})
								mu.Unlock()
							}
						}
					}
					return nil
				})
			}

			var localConflicts []ConflictEntry
			for rel, ids := range fileMap {
				if len(ids) <= 1 {
					continue
				}
				localConflicts = append(localConflicts, ConflictEntry{
					Partition:    op.PartitionName,
					RelativePath: rel,
					ModuleIDs:    uniqueSorted(ids),
				})
			}

			mu.Lock()
			report.Conflicts = append(report.Conflicts, localConflicts...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(report.Conflicts, func(i, j int) bool {
		if report.Conflicts[i].Partition != report.Conflicts[j].Partition {
			return report.Conflicts[i].Partition < report.Conflicts[j].Partition
		}
		return report.Conflicts[i].RelativePath < report.Conflicts[j].RelativePath
	})
	if m != nil {
		m.recordConflicts(ctx, int64(len(report.Conflicts)))
	}
	return report, nil
}

func uniqueSorted(ids []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ModuleIDForLowerdir walks up from a lowerdir looking for the module.prop
// marker that identifies which module owns this path, falling back to the
// parent directory's name. Exported so internal/engine and internal/winnow
// can attribute a lowerdir to a module without duplicating this walk.
func ModuleIDForLowerdir(path string) string {
	dir := path
	for i := 0; i < 8; i++ {
		if _, err := os.Stat(filepath.Join(dir, "module.prop")); err == nil {
			return filepath.Base(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return filepath.Base(filepath.Dir(path))
}
