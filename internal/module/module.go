// Package module implements the Inventory component (C1): it scans the
// modules metadata directory for enabled modules and resolves each one's
// mount rules, grounded on
// original_source/src/core/inventory/{model,scanner}.rs.
package module

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hybridmount/mountd/internal/config"
)

// Module is a single enabled module discovered under the modules metadata
// directory, with its effective mount rules already resolved.
type Module struct {
	ID         string
	SourcePath string
	Rules      config.ModuleRules
}

// reservedIDs are directory entries under the modules metadata directory
// that are never modules, mirroring scanner.rs's exclusion list.
var reservedIDs = map[string]bool{
	"meta-hybrid": true,
	"lost+found":  true,
	".git":        true,
	".idea":       true,
	".vscode":     true,
}

const (
	disableFileName   = "disable"
	removeFileName    = "remove"
	skipMountFileName = "skip_mount"
)

// moduleIDPattern is the identifier grammar module.prop's id field and a
// module's directory name must satisfy.
var moduleIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9._-]+$`)

// Scan discovers every enabled module under cfg.ModuleDir. Modules carrying
// a disable/remove/skip_mount marker file, or matching a reserved id, are
// excluded. Results are sorted by id descending, matching the original
// scanner's `modules.sort_by(|a, b| b.id.cmp(&a.id))`.
func Scan(ctx context.Context, cfg config.Config, m *Metrics) ([]Module, error) {
	start := time.Now()
	entries, err := os.ReadDir(cfg.ModuleDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	results := make([]Module, len(entries))
	valid := make([]bool, len(entries))
	skipped := make([]bool, len(entries))

	g := new(errgroup.Group)
	g.SetLimit(runtimeParallelism())

	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			if !entry.IsDir() {
				return nil
			}
			id := entry.Name()
			if reservedIDs[id] {
				return nil
			}
			if !moduleIDPattern.MatchString(id) {
				return nil
			}
			path := filepath.Join(cfg.ModuleDir, id)
			if fileExists(filepath.Join(path, disableFileName)) ||
				fileExists(filepath.Join(path, removeFileName)) ||
				fileExists(filepath.Join(path, skipMountFileName)) {
				skipped[i] = true
				return nil
			}

			results[i] = Module{
				ID:         id,
				SourcePath: path,
				Rules:      loadModuleRules(path, id, cfg),
			}
			valid[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	modules := make([]Module, 0, len(entries))
	var skippedCount int64
	for i, ok := range valid {
		if ok {
			modules = append(modules, results[i])
		} else if skipped[i] {
			skippedCount++
		}
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].ID > modules[j].ID })

	if m != nil {
		m.recordScan(ctx, time.Since(start).Seconds(), int64(len(modules)), skippedCount)
	}
	return modules, nil
}

func runtimeParallelism() int { return 8 }

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// loadModuleRules resolves effective rules for a module: start from the
// engine-wide default mode, layer in the module's own hybrid_rules.json
// override, then layer in any config-level override for this module id —
// matching scanner.rs's load_module_rules precedence exactly.
func loadModuleRules(path, id string, cfg config.Config) config.ModuleRules {
	rules := config.ModuleRules{
		DefaultMode: modeFromConfigDefault(cfg.DefaultMode),
		Paths:       map[string]config.MountMode{},
	}

	if data, err := os.ReadFile(filepath.Join(path, "hybrid_rules.json")); err == nil {
		if partial, err := parsePartialRules(data); err == nil {
			if partial.DefaultMode != "" {
				rules.DefaultMode = partial.DefaultMode
			}
			if partial.Paths != nil {
				rules.Paths = partial.Paths
			}
		}
	}

	if global, ok := cfg.Rules[id]; ok {
		rules.DefaultMode = global.DefaultMode
		for k, v := range global.Paths {
			rules.Paths[k] = v
		}
	}
	return rules
}

func modeFromConfigDefault(d config.DefaultMode) config.MountMode {
	if d == config.DefaultModeMagic {
		return config.MountModeMagic
	}
	return config.MountModeOverlay
}

// Prop holds the human-readable fields parsed out of a module.prop file.
type Prop struct {
	Name        string
	Version     string
	Author      string
	Description string
}

var propLineRe = regexp.MustCompile(`^([a-zA-Z0-9_.]+)=(.*)$`)

// ReadProp parses a module.prop file. A missing or unreadable file yields
// a zero-value Prop, not an error — module.prop is informational only.
func ReadProp(path string) Prop {
	var prop Prop
	f, err := os.Open(path)
	if err != nil {
		return prop
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		m := propLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		switch m[1] {
		case "name":
			prop.Name = m[2]
		case "version":
			prop.Version = m[2]
		case "author":
			prop.Author = m[2]
		case "description":
			prop.Description = m[2]
		}
	}
	return prop
}

// UpdateDescription rewrites only the description= line of the module.prop
// at path, leaving every other line untouched. If no description= line is
// present, one is appended. This is the one field of module.prop the
// engine itself is allowed to mutate, used by the Controller's finalize
// step to record the outcome of the last boot attempt.
func UpdateDescription(path, description string) error {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	lines := strings.Split(string(data), "\n")
	if len(lines) == 1 && lines[0] == "" {
		lines = nil
	}

	found := false
	for i, line := range lines {
		if propLineRe.MatchString(strings.TrimSpace(line)) {
			m := propLineRe.FindStringSubmatch(strings.TrimSpace(line))
			if m[1] == "description" {
				lines[i] = "description=" + description
				found = true
				break
			}
		}
	}
	if !found {
		lines = append(lines, "description="+description)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}
