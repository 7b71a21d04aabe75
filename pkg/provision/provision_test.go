package provision

import (
	"bytes"
	"reflect"
	"testing"
	"time"

	"howett.net/plist"
)

// fakeProfile wraps a profile plist in junk bytes standing in for the CMS
// container.
func fakeProfile(t *testing.T, contents map[string]interface{}) []byte {
	t.Helper()
	payload, err := plist.MarshalIndent(contents, plist.XMLFormat, "\t")
	if err != nil {
		t.Fatalf("marshal profile: %v", err)
	}
	var buf bytes.Buffer
	buf.Write([]byte{0x30, 0x82, 0x01, 0x00}) // CMS-ish prefix
	buf.Write(payload)
	buf.Write([]byte{0x00, 0x01, 0x02})
	return buf.Bytes()
}

func validProfileContents() map[string]interface{} {
	return map[string]interface{}{
		"Name":           "iOS Team Provisioning Profile: com.example.app",
		"TeamName":       "Ada Lovelace",
		"TeamIdentifier": []string{"TEAM123456"},
		"UUID":           "11111111-2222-3333-4444-555555555555",
		"ExpirationDate": time.Now().Add(7 * 24 * time.Hour),
		"CreationDate":   time.Now(),
		"Entitlements": map[string]interface{}{
			"application-identifier":              "TEAM123456.com.example.app",
			"com.apple.developer.team-identifier": "TEAM123456",
			"get-task-allow":                      true,
		},
		"ProvisionedDevices": []string{"udid-1", "udid-2"},
	}
}

func TestParse(t *testing.T) {
	data := fakeProfile(t, validProfileContents())

	profile, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if profile.TeamID() != "TEAM123456" {
		t.Errorf("TeamID = %q", profile.TeamID())
	}
	if profile.BundleID() != "com.example.app" {
		t.Errorf("BundleID = %q", profile.BundleID())
	}
	if profile.IsExpired() {
		t.Error("fresh profile reported expired")
	}
	if !bytes.Equal(profile.Raw, data) {
		t.Error("Raw does not round-trip the container bytes")
	}
}

func TestParseRejectsProfileWithoutEntitlements(t *testing.T) {
	contents := validProfileContents()
	delete(contents, "Entitlements")
	if _, err := Parse(fakeProfile(t, contents)); err == nil {
		t.Error("expected error for profile without entitlements")
	}
}

func TestParseRejectsProfileWithoutExpiration(t *testing.T) {
	contents := validProfileContents()
	delete(contents, "ExpirationDate")
	if _, err := Parse(fakeProfile(t, contents)); err == nil {
		t.Error("expected error for profile without expiration date")
	}
}

func TestParseRejectsNonProfile(t *testing.T) {
	if _, err := Parse([]byte("definitely not a profile")); err == nil {
		t.Error("expected error for junk input")
	}
}

func TestIsDeviceAllowed(t *testing.T) {
	profile, err := Parse(fakeProfile(t, validProfileContents()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !profile.IsDeviceAllowed("udid-1") {
		t.Error("provisioned device rejected")
	}
	if profile.IsDeviceAllowed("udid-9") {
		t.Error("unprovisioned device allowed")
	}

	profile.ProvisionsAllDevices = true
	if !profile.IsDeviceAllowed("udid-9") {
		t.Error("enterprise profile rejected a device")
	}
}

func TestMergeEntitlements(t *testing.T) {
	profileEnts := map[string]interface{}{
		"application-identifier":              "OLDTEAM999.com.example.app",
		"com.apple.developer.team-identifier": "OLDTEAM999",
		"get-task-allow":                      true,
	}
	binEnts := map[string]interface{}{
		"application-identifier": "OLDTEAM999.com.example.app",
		"aps-environment":        "development",
		"keychain-access-groups": []interface{}{"OLDTEAM999.com.example.app"},
	}

	merged, err := mergeEntitlements(profileEnts, binEnts, "TEAM123456.com.example.app")
	if err != nil {
		t.Fatalf("mergeEntitlements: %v", err)
	}

	if merged["application-identifier"] != "TEAM123456.com.example.app" {
		t.Errorf("application-identifier = %v", merged["application-identifier"])
	}
	if merged["com.apple.developer.team-identifier"] != "TEAM123456" {
		t.Errorf("team-identifier = %v", merged["com.apple.developer.team-identifier"])
	}
	// binary-only, non-scoped keys survive
	if merged["aps-environment"] != "development" {
		t.Errorf("aps-environment = %v", merged["aps-environment"])
	}
	// profile keys win for shared entries
	if merged["get-task-allow"] != true {
		t.Errorf("get-task-allow = %v", merged["get-task-allow"])
	}
	groups, _ := merged["keychain-access-groups"].([]interface{})
	if len(groups) != 1 || groups[0] != "TEAM123456.com.example.app" {
		t.Errorf("keychain-access-groups = %v", groups)
	}
}

func TestMergeEntitlementsIdempotent(t *testing.T) {
	profileEnts := map[string]interface{}{
		"application-identifier": "OLDTEAM999.com.example.app",
		"keychain-access-groups": []interface{}{"OLDTEAM999.com.example.app"},
	}

	once, err := mergeEntitlements(profileEnts, nil, "TEAM123456.com.example.app")
	if err != nil {
		t.Fatalf("first merge: %v", err)
	}
	twice, err := mergeEntitlements(once, nil, "TEAM123456.com.example.app")
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("merge not idempotent:\nonce:  %v\ntwice: %v", once, twice)
	}
}

func TestMergeEntitlementsRejectsBareAppID(t *testing.T) {
	if _, err := mergeEntitlements(nil, nil, "noprefix"); err == nil {
		t.Error("expected error for app id without team prefix")
	}
}

func TestSubstituteGroups(t *testing.T) {
	groups := []interface{}{
		"OLDTEAM999.com.example.app",
		"group.com.example.shared",
		"com.example.bare",
	}
	got := substituteGroups(groups, "TEAM123456")
	want := []interface{}{
		"TEAM123456.com.example.app",
		"group.com.example.shared",
		"TEAM123456.com.example.bare",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("substituteGroups = %v, want %v", got, want)
	}

	// substituting again must be a fixed point
	if again := substituteGroups(got, "TEAM123456"); !reflect.DeepEqual(again, want) {
		t.Errorf("second substitution changed result: %v", again)
	}
}
