package signer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"howett.net/plist"

	"github.com/khcrysalis/PlumeImpactor/pkg/codesign"
)

// BundleKind classifies a node of the bundle tree by its extension.
type BundleKind int

const (
	KindApp BundleKind = iota
	KindFramework
	KindExtension
)

// Bundle is one node of the tree: the app itself or a nested framework or
// extension. Parent is an index into the owning tree's Nodes slice, -1 for
// the root.
type Bundle struct {
	Path   string
	Kind   BundleKind
	Parent int
}

// BundleTree holds every discovered bundle in a flat arena. Children always
// carry a higher index than their parent, which is what PostOrder relies on.
type BundleTree struct {
	Nodes []Bundle
}

// nested-bundle container directories, in discovery order
var bundleDirs = []string{"Frameworks", "PlugIns", "Extensions"}

// DiscoverBundles walks the app at appPath and collects it plus every nested
// framework and extension into an arena.
func DiscoverBundles(appPath string) (*BundleTree, error) {
	if _, err := os.Stat(filepath.Join(appPath, "Info.plist")); err != nil {
		return nil, fmt.Errorf("%s is not a bundle: %w", appPath, err)
	}

	tree := &BundleTree{Nodes: []Bundle{{Path: appPath, Kind: KindApp, Parent: -1}}}

	// The queue only ever grows at the tail, so indexing is stable.
	for i := 0; i < len(tree.Nodes); i++ {
		if err := tree.discoverChildren(i); err != nil {
			return nil, err
		}
	}
	return tree, nil
}

func (t *BundleTree) discoverChildren(parent int) error {
	parentPath := t.Nodes[parent].Path

	for _, dir := range bundleDirs {
		entries, err := os.ReadDir(filepath.Join(parentPath, dir))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}

		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			if entry.IsDir() {
				names = append(names, entry.Name())
			}
		}
		sort.Strings(names)

		for _, name := range names {
			var kind BundleKind
			switch filepath.Ext(name) {
			case ".framework":
				kind = KindFramework
			case ".appex":
				kind = KindExtension
			default:
				continue
			}
			t.Nodes = append(t.Nodes, Bundle{
				Path:   filepath.Join(parentPath, dir, name),
				Kind:   kind,
				Parent: parent,
			})
		}
	}
	return nil
}

// Root returns the app bundle.
func (t *BundleTree) Root() *Bundle { return &t.Nodes[0] }

// PostOrder returns node indices with every bundle before its container, the
// order signatures must be applied in. Children are appended after their
// parent during discovery, so walking the arena backwards is sufficient.
func (t *BundleTree) PostOrder() []int {
	order := make([]int, len(t.Nodes))
	for i := range t.Nodes {
		order[i] = len(t.Nodes) - 1 - i
	}
	return order
}

// BundleID reads the node's CFBundleIdentifier. Resource-only frameworks may
// not carry an Info.plist; those return an empty ID and no error.
func (b *Bundle) BundleID() (string, error) {
	plistPath := filepath.Join(b.Path, "Info.plist")
	if _, err := os.Stat(plistPath); os.IsNotExist(err) {
		return "", nil
	}
	return codesign.GetBundleIDFromPlist(plistPath)
}

// ExecutablePath locates the node's main binary: CFBundleExecutable when the
// Info.plist names one, the bundle's own name otherwise. A resource-only
// bundle yields an empty path.
func (b *Bundle) ExecutablePath() (string, error) {
	if name, err := codesign.GetAppExecutableName(b.Path); err == nil {
		return filepath.Join(b.Path, name), nil
	}

	base := filepath.Base(b.Path)
	candidate := filepath.Join(b.Path, strings.TrimSuffix(base, filepath.Ext(base)))
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return "", nil
}

// InfoPlist loads the node's Info.plist into a map.
func (b *Bundle) InfoPlist() (map[string]interface{}, error) {
	data, err := os.ReadFile(filepath.Join(b.Path, "Info.plist"))
	if err != nil {
		return nil, fmt.Errorf("failed to read Info.plist: %w", err)
	}
	var info map[string]interface{}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse Info.plist: %w", err)
	}
	return info, nil
}

// WriteInfoPlist replaces the node's Info.plist.
func (b *Bundle) WriteInfoPlist(info map[string]interface{}) error {
	data, err := plist.MarshalIndent(info, plist.XMLFormat, "\t")
	if err != nil {
		return fmt.Errorf("failed to marshal Info.plist: %w", err)
	}
	return os.WriteFile(filepath.Join(b.Path, "Info.plist"), data, 0644)
}
