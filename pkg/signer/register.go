package signer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"howett.net/plist"

	"github.com/khcrysalis/PlumeImpactor/pkg/codesign"
	"github.com/khcrysalis/PlumeImpactor/pkg/developer"
	"github.com/khcrysalis/PlumeImpactor/pkg/machopatch"
	"github.com/khcrysalis/PlumeImpactor/pkg/provision"
)

// registerBundles ensures the portal knows every bundle that needs its own
// profile, embeds the downloaded profiles, and returns the merged signing
// entitlements per tree node. With SingleProfile only the root is registered
// and its profile covers the whole tree.
func registerBundles(tree *BundleTree, session *developer.Session, opts Options) (map[int][]byte, error) {
	entitlements := make(map[int][]byte)

	targets := []int{0}
	if !opts.SingleProfile {
		for i := 1; i < len(tree.Nodes); i++ {
			targets = append(targets, i)
		}
	}

	for _, idx := range targets {
		b := &tree.Nodes[idx]
		bundleID, err := b.BundleID()
		if err != nil {
			return nil, err
		}
		if bundleID == "" {
			continue
		}

		ents, err := registerBundle(b, session, opts.TeamID, bundleID)
		if err != nil {
			return nil, err
		}
		entitlements[idx] = ents
	}
	return entitlements, nil
}

func registerBundle(b *Bundle, session *developer.Session, teamID, bundleID string) ([]byte, error) {
	appID, err := session.EnsureAppID(teamID, bundleID, portalName(bundleID))
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"bundleId": bundleID, "appIdId": appID.AppIDID}).Debug("app id ensured")

	exePath, err := b.ExecutablePath()
	if err != nil {
		return nil, err
	}

	if exePath != "" {
		if err := ensureAppGroups(session, teamID, appID.AppIDID, exePath); err != nil {
			return nil, err
		}
	}

	profileData, err := session.DownloadTeamProvisioningProfile(teamID, appID.AppIDID)
	if err != nil {
		return nil, err
	}
	profilePath := filepath.Join(b.Path, "embedded.mobileprovision")
	if err := os.WriteFile(profilePath, profileData, 0644); err != nil {
		return nil, fmt.Errorf("failed to embed provisioning profile: %w", err)
	}

	profile, err := provision.Parse(profileData)
	if err != nil {
		return nil, err
	}

	prefix := teamID
	if appID.Prefix != "" {
		prefix = appID.Prefix
	}
	newAppID := prefix + "." + bundleID

	if exePath == "" {
		return nil, nil
	}
	merged, err := profile.MergeEntitlements(exePath, newAppID)
	if err != nil {
		return nil, err
	}
	return codesign.EntitlementsToXML(merged)
}

// ensureAppGroups registers and assigns every application group the binary's
// entitlements claim.
func ensureAppGroups(session *developer.Session, teamID, appIDID, exePath string) error {
	groups, err := binaryAppGroups(exePath)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}

	groupIDs := make([]string, 0, len(groups))
	for _, identifier := range groups {
		group, err := session.EnsureAppGroup(teamID, portalName(identifier), identifier)
		if err != nil {
			return err
		}
		groupIDs = append(groupIDs, group.ApplicationGroup)
	}
	return session.AssignAppGroups(teamID, appIDID, groupIDs)
}

// binaryAppGroups lists the application groups in the executable's current
// entitlements; an unsigned binary has none.
func binaryAppGroups(exePath string) ([]string, error) {
	f, err := machopatch.Open(exePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw, err := f.Entitlements()
	if err != nil || raw == nil {
		return nil, err
	}

	var ents map[string]interface{}
	if _, err := plist.Unmarshal(raw, &ents); err != nil {
		return nil, nil
	}
	values, _ := ents["com.apple.security.application-groups"].([]interface{})
	groups := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			groups = append(groups, s)
		}
	}
	return groups, nil
}

// portalName turns an identifier into a name the portal accepts, which only
// allows letters, digits and spaces.
func portalName(identifier string) string {
	var sb strings.Builder
	for _, r := range identifier {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}
