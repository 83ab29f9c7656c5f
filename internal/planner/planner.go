// Package planner implements the Planner (C4): it turns the module
// inventory into a concrete mount plan, splitting sensitive partitions into
// per-subdirectory overlay groups, grounded on
// original_source/src/core/ops/planner.rs. This generation carries no
// hardcoded partition skip (an earlier generation special-cased "vendor";
// see DESIGN.md for why that was not carried forward).
package planner

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hybridmount/mountd/internal/config"
	"github.com/hybridmount/mountd/internal/module"
	"github.com/hybridmount/mountd/internal/paths"
)

// builtinPartitions are always considered, regardless of config.Partitions.
var builtinPartitions = []string{"system", "vendor", "product", "system_ext", "odm", "oem"}

// sensitivePartitions get split into a queue of per-subdirectory overlay
// groups rather than one overlay per partition, so a single module's
// content under one deeply-nested path doesn't force every other module
// into the same overlay group. This is every builtin partition except
// "system" (spec.md §4.4: sensitive = all builtin partitions except system).
var sensitivePartitions = map[string]bool{
	"vendor":     true,
	"product":    true,
	"system_ext": true,
	"odm":        true,
	"oem":        true,
}

// OverlayOperation is one overlayfs mount to perform: target plus the
// ordered list of module lowerdirs contributing to it.
type OverlayOperation struct {
	PartitionName string
	Target        string
	Lowerdirs     []string
}

// Plan is the full output of Generate: the overlay operations to execute,
// and which modules ended up assigned to overlay vs. magic-mount handling.
type Plan struct {
	OverlayOps       []OverlayOperation
	OverlayModuleIDs []string
	MagicModuleIDs   []string
}

type processingItem struct {
	moduleSource string
	systemTarget string
}

// Generate builds a Plan from the scanned modules, mirroring
// planner.rs's generate(): per module, per top-level partition directory,
// resolve the mount mode, then drain a processing queue that splits
// sensitive partitions down into their immediate subdirectories.
func Generate(cfg config.Config, modules []module.Module, p *paths.Paths) (*Plan, error) {
	partitions := append(append([]string{}, builtinPartitions...), cfg.Partitions...)
	partitionSet := map[string]bool{}
	for _, part := range partitions {
		partitionSet[part] = true
	}

	overlayGroups := map[string][]string{}
	overlayIDSet := map[string]bool{}
	magicIDSet := map[string]bool{}

	for _, mod := range modules {
		contentPath := p.SyncedModuleDir(mod.ID)
		if _, err := os.Stat(contentPath); os.IsNotExist(err) {
			contentPath = mod.SourcePath
		}

		entries, err := os.ReadDir(contentPath)
		if err != nil {
			continue
		}

		queue := make([]processingItem, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() || !partitionSet[e.Name()] {
				continue
			}
			mode := mod.Rules.GetMode(e.Name())
			switch mode {
			case config.MountModeIgnore:
				continue
			case config.MountModeMagic:
				magicIDSet[mod.ID] = true
				continue
			default:
				overlayIDSet[mod.ID] = true
				queue = append(queue, processingItem{
					moduleSource: filepath.Join(contentPath, e.Name()),
					systemTarget: filepath.Join("/", e.Name()),
				})
			}
		}

		for len(queue) > 0 {
			item := queue[0]
			queue = queue[1:]

			canonicalTarget, err := resolveSymlinkTarget(item.systemTarget)
			if err != nil {
				continue
			}
			targetName := filepath.Base(canonicalTarget)

			shouldSplit := sensitivePartitions[targetName] || targetName == "system"
			if shouldSplit {
				subEntries, err := os.ReadDir(item.moduleSource)
				if err != nil {
					continue
				}
				for _, sub := range subEntries {
					if !sub.IsDir() {
						continue
					}
					queue = append(queue, processingItem{
						moduleSource: filepath.Join(item.moduleSource, sub.Name()),
						systemTarget: filepath.Join(canonicalTarget, sub.Name()),
					})
				}
				continue
			}

			overlayGroups[canonicalTarget] = append(overlayGroups[canonicalTarget], item.moduleSource)
		}
	}

	plan := &Plan{}
	for target, lowerdirs := range overlayGroups {
		info, err := os.Stat(target)
		if err != nil || !info.IsDir() {
			continue
		}
		plan.OverlayOps = append(plan.OverlayOps, OverlayOperation{
			PartitionName: secondPathComponent(target),
			Target:        target,
			Lowerdirs:     lowerdirs,
		})
	}
	sort.Slice(plan.OverlayOps, func(i, j int) bool {
		if plan.OverlayOps[i].PartitionName != plan.OverlayOps[j].PartitionName {
			return plan.OverlayOps[i].PartitionName < plan.OverlayOps[j].PartitionName
		}
		return plan.OverlayOps[i].Target < plan.OverlayOps[j].Target
	})

	plan.OverlayModuleIDs = sortedKeys(overlayIDSet)
	plan.MagicModuleIDs = sortedKeys(magicIDSet)
	return plan, nil
}

// secondPathComponent returns the canonical target's second path element
// ("/system/lib" -> "system"), the readable partition label spec.md §4.4
// assigns to an OverlayOperation.
func secondPathComponent(target string) string {
	clean := filepath.Clean(target)
	parts := strings.Split(strings.TrimPrefix(clean, "/"), string(filepath.Separator))
	if len(parts) == 0 || parts[0] == "" {
		return clean
	}
	return parts[0]
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// resolveSymlinkTarget follows a single symlink hop (relative or absolute)
// and canonicalizes the result, matching planner.rs's target resolution:
// system-as-root devices often have e.g. /vendor -> /system/vendor.
func resolveSymlinkTarget(target string) (string, error) {
	info, err := os.Lstat(target)
	if err != nil {
		return filepath.Clean(target), nil
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return filepath.EvalSymlinks(target)
	}
	dest, err := os.Readlink(target)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(filepath.Dir(target), dest)
	}
	return filepath.EvalSymlinks(dest)
}
