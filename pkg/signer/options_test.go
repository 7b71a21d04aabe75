package signer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppKindForBundleID(t *testing.T) {
	cases := map[string]AppKind{
		"com.kdt.livecontainer":   AppLiveContainer,
		"com.SideStore.SideStore": AppSideStore,
		"thewonderofyou.Feather":  AppFeather,
		"com.example.app":         AppDefault,
	}
	for id, want := range cases {
		if got := AppKindForBundleID(id); got != want {
			t.Errorf("AppKindForBundleID(%s) = %v, want %v", id, got, want)
		}
	}
}

func TestAppKindPairingFile(t *testing.T) {
	if AppDefault.SupportsPairingFile() || AppLiveContainer.SupportsPairingFile() {
		t.Error("kinds without pairing support report support")
	}
	if !AppSideStore.SupportsPairingFile() || !AppFeather.SupportsPairingFile() {
		t.Error("kinds with pairing support report none")
	}
	if AppSideStore.PairingFilePath() != "/Documents/ALTPairingFile.mobiledevicepairing" {
		t.Errorf("SideStore pairing path = %s", AppSideStore.PairingFilePath())
	}
	if AppFeather.PairingFilePath() != "/Documents/pairingFile.plist" {
		t.Errorf("Feather pairing path = %s", AppFeather.PairingFilePath())
	}
	if AppDefault.PairingFilePath() != "" {
		t.Error("default kind has a pairing path")
	}
}

func TestOptionsForAppLiveContainer(t *testing.T) {
	opts := OptionsForApp(AppLiveContainer)
	if !opts.SingleProfile {
		t.Error("LiveContainer options did not force SingleProfile")
	}
	if OptionsForApp(AppSideStore).SingleProfile {
		t.Error("SideStore options forced SingleProfile")
	}
}

func TestPlaceTweakDylib(t *testing.T) {
	appPath := writeAppBundle(t, t.TempDir(), "com.example.app")
	tweak := filepath.Join(t.TempDir(), "hook.dylib")
	if err := os.WriteFile(tweak, []byte("dylib"), 0755); err != nil {
		t.Fatal(err)
	}

	loadPath, err := placeTweak(appPath, tweak)
	if err != nil {
		t.Fatalf("placeTweak: %v", err)
	}
	if loadPath != "@rpath/hook.dylib" {
		t.Errorf("load path = %s", loadPath)
	}
	if _, err := os.Stat(filepath.Join(appPath, "Frameworks", "hook.dylib")); err != nil {
		t.Errorf("tweak not copied: %v", err)
	}
}

func TestPlaceTweakFramework(t *testing.T) {
	appPath := writeAppBundle(t, t.TempDir(), "com.example.app")
	tweak := filepath.Join(t.TempDir(), "Hook.framework")
	if err := os.MkdirAll(filepath.Join(tweak, "Resources"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tweak, "Hook"), []byte("binary"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tweak, "Resources", "config.plist"), []byte("cfg"), 0644); err != nil {
		t.Fatal(err)
	}

	loadPath, err := placeTweak(appPath, tweak)
	if err != nil {
		t.Fatalf("placeTweak: %v", err)
	}
	if loadPath != "@rpath/Hook.framework/Hook" {
		t.Errorf("load path = %s", loadPath)
	}
	copied := filepath.Join(appPath, "Frameworks", "Hook.framework")
	info, err := os.Stat(filepath.Join(copied, "Hook"))
	if err != nil {
		t.Fatalf("framework binary not copied: %v", err)
	}
	if info.Mode().Perm()&0100 == 0 {
		t.Error("framework binary lost its executable bit")
	}
	if _, err := os.Stat(filepath.Join(copied, "Resources", "config.plist")); err != nil {
		t.Errorf("framework resources not copied: %v", err)
	}
}

func TestPlaceTweakExtension(t *testing.T) {
	appPath := writeAppBundle(t, t.TempDir(), "com.example.app")
	tweak := filepath.Join(t.TempDir(), "Helper.appex")
	if err := os.MkdirAll(tweak, 0755); err != nil {
		t.Fatal(err)
	}
	writeInfoPlist(t, tweak, map[string]interface{}{"CFBundleIdentifier": "com.example.helper"})

	loadPath, err := placeTweak(appPath, tweak)
	if err != nil {
		t.Fatalf("placeTweak: %v", err)
	}
	if loadPath != "" {
		t.Errorf("extensions need no load command, got %s", loadPath)
	}
	if _, err := os.Stat(filepath.Join(appPath, "PlugIns", "Helper.appex", "Info.plist")); err != nil {
		t.Errorf("extension not copied: %v", err)
	}
}

func TestPlaceTweakRejectsUnknownType(t *testing.T) {
	appPath := writeAppBundle(t, t.TempDir(), "com.example.app")
	if _, err := placeTweak(appPath, "/tmp/notes.txt"); err == nil {
		t.Error("expected error for unsupported tweak type")
	}
}

func TestPortalName(t *testing.T) {
	cases := map[string]string{
		"com.example.app":          "com example app",
		"group.com.example.shared": "group com example shared",
		"Already Clean":            "Already Clean",
	}
	for in, want := range cases {
		if got := portalName(in); got != want {
			t.Errorf("portalName(%q) = %q, want %q", in, got, want)
		}
	}
}
