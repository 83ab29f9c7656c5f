package magicmount

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/hybridmount/mountd/internal/xattrutil"
)

// FileType classifies a Node the way the live filesystem would report it,
// with Whiteout standing in for "a module wants this path gone" (modeled
// as a char device with rdev 0 on KernelSU/Magisk, see SPEC_FULL.md §2).
type FileType int

const (
	FileTypeDirectory FileType = iota
	FileTypeRegularFile
	FileTypeSymlink
	FileTypeWhiteout
)

// Node is one path in the magic-mount tree being assembled from every
// module's /system subtree, merged depth-first in the order the modules are
// given: the first module to contribute a given relative path sets that
// node's type and source, while directories merge their children across
// all contributing modules. Grounded on the
// Node model implied by original_source/src/mount/magic/mod.rs (node.rs
// itself was not part of the retrieved source; this models the same
// fields its call sites require).
type Node struct {
	Name       string
	FileType   FileType
	ModulePath string // absolute path to the module-contributed file/dir/symlink, empty for a pure merge directory
	Replace    bool   // directory carries a .replace marker: hide the live filesystem's version entirely
	Children   map[string]*Node
	Skip       bool // set when a tmpfs-requiring conflict had no module source to satisfy it
}

func newNode(name string, fileType FileType) *Node {
	return &Node{Name: name, FileType: fileType, Children: map[string]*Node{}}
}

// builtinPartitions mirrors the hardcoded BUILTIN_PARTITIONS table: each
// partition requires /system/<partition> to exist as a symlink before its
// collected module content is promoted to a root-level child, except odm
// which has no such requirement.
var builtinPartitions = []struct {
	name           string
	requireSymlink bool
}{
	{"vendor", true},
	{"system_ext", true},
	{"product", true},
	{"odm", false},
}

// CollectModuleFiles walks every module content directory's "system"
// subtree and merges them into a single tree rooted at "/", promoting
// sensitive-partition subtrees (vendor, system_ext, product, odm, plus any
// caller-supplied extraPartitions) to root-level children when the
// corresponding /system/<partition> symlink requirement is satisfied.
// Returns nil if no module contributed anything under system/. Mirrors
// collect_module_files.
func CollectModuleFiles(moduleContentPaths []string, extraPartitions []string) (*Node, error) {
	system := newNode("system", FileTypeDirectory)
	hasFile := false

	for _, modulePath := range moduleContentPaths {
		moduleSystem := filepath.Join(modulePath, "system")
		info, err := os.Stat(moduleSystem)
		if err != nil || !info.IsDir() {
			continue
		}
		collected, err := collectInto(system, moduleSystem)
		if err != nil {
			return nil, err
		}
		hasFile = hasFile || collected
	}

	if !hasFile {
		return nil, nil
	}

	root := newNode("", FileTypeDirectory)

	promote := func(partition string, requireSymlink bool) {
		rootPath := filepath.Join("/", partition)
		systemPath := filepath.Join("/system", partition)
		rootIsDir := isDir(rootPath)
		symlinkOK := !requireSymlink || isSymlink(systemPath)
		if !rootIsDir || !symlinkOK {
			return
		}
		if node, ok := system.Children[partition]; ok {
			promoteSymlinkToDirectory(node)
			root.Children[partition] = node
			delete(system.Children, partition)
		}
	}

	for _, p := range builtinPartitions {
		promote(p.name, p.requireSymlink)
	}

	builtinSet := map[string]bool{}
	for _, p := range builtinPartitions {
		builtinSet[p.name] = true
	}
	for _, partition := range extraPartitions {
		if builtinSet[partition] || partition == "system" {
			continue
		}
		promote(partition, false)
	}

	root.Children["system"] = system
	return root, nil
}

// promoteSymlinkToDirectory reclassifies a module-contributed symlink node
// as a directory when its module-side source is actually a directory, so
// recursion into it (as a promoted root-level partition) works the same
// way a real vendor/product partition directory would.
func promoteSymlinkToDirectory(node *Node) {
	if node.FileType != FileTypeSymlink || node.ModulePath == "" {
		return
	}
	if info, err := os.Stat(node.ModulePath); err == nil && info.IsDir() {
		node.FileType = FileTypeDirectory
	}
}

// collectInto merges moduleSystem's tree into dir, returning whether it
// contributed at least one entry.
func collectInto(dir *Node, moduleSystem string) (bool, error) {
	entries, err := os.ReadDir(moduleSystem)
	if err != nil {
		return false, nil
	}

	collected := false
	for _, entry := range entries {
		collected = true
		name := entry.Name()
		modulePath := filepath.Join(moduleSystem, name)

		child, ok := dir.Children[name]
		if !ok {
			ft, err := classify(modulePath)
			if err != nil {
				continue
			}
			child = newNode(name, ft)
			dir.Children[name] = child
		}
		if child.ModulePath == "" {
			child.ModulePath = modulePath
		}

		if child.FileType == FileTypeDirectory {
			if _, err := collectInto(child, modulePath); err != nil {
				return collected, err
			}
		}

		if replaceMarkerExists(modulePath) {
			child.Replace = true
		}
	}
	return collected, nil
}

// classify reports a module-contributed path's FileType. A character device
// with major/minor 0 is how KernelSU/Magisk-style modules encode a
// whiteout: "this path must appear absent in the mounted view" (spec.md
// §3 Node invariants, GLOSSARY "Whiteout").
func classify(path string) (FileType, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return FileTypeWhiteout, err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return FileTypeSymlink, nil
	case info.IsDir():
		return FileTypeDirectory, nil
	case info.Mode()&os.ModeCharDevice != 0:
		if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Rdev == 0 {
			return FileTypeWhiteout, nil
		}
		return FileTypeRegularFile, nil
	default:
		return FileTypeRegularFile, nil
	}
}

// typesAgree reports whether a module-declared FileType matches what the
// live filesystem actually has at the same path, used by dirNeedsTmpfs to
// decide whether a directory's live content structurally disagrees with
// what modules want to present there.
func typesAgree(declared FileType, info os.FileInfo) bool {
	switch declared {
	case FileTypeDirectory:
		return info.IsDir()
	case FileTypeSymlink:
		return info.Mode()&os.ModeSymlink != 0
	case FileTypeRegularFile:
		return info.Mode().IsRegular()
	default:
		return true
	}
}

// replaceMarkerExists reports whether dir declares a full directory
// replacement, checking both signals the sync mirror may carry: the
// ".replace" sentinel file itself (left in place by sync's opaque-flag
// pass, not removed) and the "trusted.overlay.opaque" xattr sync sets on
// the sentinel's parent directory. Either is authoritative on its own,
// matching spec.md §3's Node.replace_flag invariant.
func replaceMarkerExists(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, ".replace")); err == nil {
		return true
	}
	return xattrutil.IsOverlayOpaque(dir)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isSymlink(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode()&os.ModeSymlink != 0
}
