package signer

import (
	"strconv"
	"strings"

	"github.com/apex/log"
)

// minimumOSFloor is what MinimumOSVersion is lowered to when the feature is
// enabled.
const minimumOSFloor = "12.0"

// modifyBundles rewrites Info.plist values per the options. A value is only
// written when the override actually differs, so re-running a signer with no
// changes leaves the bundle byte-identical. Resolved values are recorded back
// into opts.
func modifyBundles(tree *BundleTree, opts *Options) error {
	root := tree.Root()
	info, err := root.InfoPlist()
	if err != nil {
		return err
	}

	originalID, _ := info["CFBundleIdentifier"].(string)
	if opts.App == AppDefault {
		opts.App = AppKindForBundleID(originalID)
	}
	opts.normalize()

	changed := false
	set := func(key string, value interface{}) {
		if current, ok := info[key]; ok && current == value {
			return
		}
		info[key] = value
		changed = true
	}

	if opts.CustomIdentifier != "" && opts.CustomIdentifier != originalID {
		set("CFBundleIdentifier", opts.CustomIdentifier)
	} else {
		opts.CustomIdentifier = originalID
	}
	if opts.CustomName != "" {
		set("CFBundleDisplayName", opts.CustomName)
		set("CFBundleName", opts.CustomName)
	}
	if opts.CustomVersion != "" {
		set("CFBundleShortVersionString", opts.CustomVersion)
	}

	f := opts.Features
	if f.LowerMinimumOSVersion {
		if current, _ := info["MinimumOSVersion"].(string); compareVersions(current, minimumOSFloor) > 0 {
			set("MinimumOSVersion", minimumOSFloor)
		}
	}
	if f.FileSharing {
		set("UIFileSharingEnabled", true)
		set("LSSupportsOpeningDocumentsInPlace", true)
	}
	if f.IPadFullscreen {
		set("UIRequiresFullScreen", true)
	}
	if f.GameMode {
		set("GCSupportsGameMode", true)
	}
	if f.ProMotion {
		set("CADisableMinimumFrameDurationOnPhone", true)
	}
	if f.LiquidGlass {
		set("UIDesignRequiresCompatibility", false)
	}
	if f.RemoveURLSchemes {
		if _, ok := info["CFBundleURLTypes"]; ok {
			delete(info, "CFBundleURLTypes")
			changed = true
		}
	}

	if changed {
		if err := root.WriteInfoPlist(info); err != nil {
			return err
		}
		log.WithField("bundleId", opts.CustomIdentifier).Debug("Info.plist rewritten")
	}

	if opts.CustomIdentifier != originalID {
		if err := rebaseNestedIdentifiers(tree, originalID, opts.CustomIdentifier); err != nil {
			return err
		}
	}
	return nil
}

// rebaseNestedIdentifiers rewrites nested bundle identifiers that were scoped
// under the app's old identifier so extensions keep their app relationship.
func rebaseNestedIdentifiers(tree *BundleTree, oldID, newID string) error {
	for i := 1; i < len(tree.Nodes); i++ {
		b := &tree.Nodes[i]
		id, err := b.BundleID()
		if err != nil || id == "" {
			continue
		}
		if !strings.HasPrefix(id, oldID+".") {
			continue
		}

		info, err := b.InfoPlist()
		if err != nil {
			return err
		}
		info["CFBundleIdentifier"] = newID + strings.TrimPrefix(id, oldID)
		if err := b.WriteInfoPlist(info); err != nil {
			return err
		}
	}
	return nil
}

// compareVersions orders dotted numeric versions; missing components count as
// zero.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av > bv {
				return 1
			}
			return -1
		}
	}
	return 0
}
