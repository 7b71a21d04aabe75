package provision

import (
	"fmt"
	"strings"

	"howett.net/plist"

	"github.com/khcrysalis/PlumeImpactor/pkg/machopatch"
)

// entitlement keys whose values encode the team or app identity; the
// profile's view of these always wins over the binary's
var teamScopedKeys = map[string]bool{
	"application-identifier":                true,
	"com.apple.developer.team-identifier":   true,
	"keychain-access-groups":                true,
	"com.apple.security.application-groups": true,
}

// MergeEntitlements combines the profile's entitlements with the ones
// already embedded in the binary at binaryPath, substituting newAppID's team
// and identifier into every team-scoped value. Keys only the binary carries
// are preserved unless they are team-scoped. Substitution is idempotent so
// re-signing an already re-signed binary is safe.
func (p *MobileProvision) MergeEntitlements(binaryPath, newAppID string) (map[string]interface{}, error) {
	binEnts, err := binaryEntitlements(binaryPath)
	if err != nil {
		return nil, err
	}
	return mergeEntitlements(p.Entitlements, binEnts, newAppID)
}

func mergeEntitlements(profileEnts, binEnts map[string]interface{}, newAppID string) (map[string]interface{}, error) {
	teamID, _, found := strings.Cut(newAppID, ".")
	if !found {
		return nil, fmt.Errorf("application id %q has no team prefix", newAppID)
	}

	merged := make(map[string]interface{}, len(profileEnts))
	for k, v := range profileEnts {
		merged[k] = v
	}

	for k, v := range binEnts {
		if teamScopedKeys[k] {
			continue
		}
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}

	merged["application-identifier"] = newAppID
	merged["com.apple.developer.team-identifier"] = teamID

	if groups := substituteGroups(pickGroups(binEnts, profileEnts, "keychain-access-groups"), teamID); groups != nil {
		merged["keychain-access-groups"] = groups
	}
	if groups := substituteGroups(pickGroups(binEnts, profileEnts, "com.apple.security.application-groups"), teamID); groups != nil {
		merged["com.apple.security.application-groups"] = groups
	}

	return merged, nil
}

// binaryEntitlements extracts and parses the entitlements embedded in a
// signed Mach-O; an unsigned binary yields an empty map.
func binaryEntitlements(path string) (map[string]interface{}, error) {
	f, err := machopatch.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open binary: %w", err)
	}
	defer f.Close()

	raw, err := f.Entitlements()
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return map[string]interface{}{}, nil
	}

	var ents map[string]interface{}
	if _, err := plist.Unmarshal(raw, &ents); err != nil {
		return nil, fmt.Errorf("failed to parse binary entitlements: %w", err)
	}
	return ents, nil
}

// pickGroups prefers the binary's group list, falling back to the profile's.
func pickGroups(binEnts, profileEnts map[string]interface{}, key string) []interface{} {
	if groups, ok := binEnts[key].([]interface{}); ok && len(groups) > 0 {
		return groups
	}
	if groups, ok := profileEnts[key].([]interface{}); ok {
		return groups
	}
	return nil
}

// substituteGroups rewrites the team prefix of each group identifier. Group
// values either carry a ten-character team prefix ("TEAMID123A.com.foo") or
// a bare reverse-DNS name; both forms converge on the new team's prefix.
func substituteGroups(groups []interface{}, teamID string) []interface{} {
	if groups == nil {
		return nil
	}
	out := make([]interface{}, 0, len(groups))
	for _, g := range groups {
		s, ok := g.(string)
		if !ok {
			continue
		}
		if strings.HasPrefix(s, "group.") {
			out = append(out, s)
			continue
		}
		stripped := teamPrefixPattern.ReplaceAllString(s, "")
		out = append(out, teamID+"."+stripped)
	}
	return out
}
