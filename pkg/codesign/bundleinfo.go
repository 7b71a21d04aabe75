package codesign

import (
	"fmt"
	"os"
	"path/filepath"

	"howett.net/plist"
)

// GetBundleIDFromPlist reads CFBundleIdentifier from an Info.plist file.
func GetBundleIDFromPlist(plistPath string) (string, error) {
	data, err := os.ReadFile(plistPath)
	if err != nil {
		return "", fmt.Errorf("failed to read Info.plist: %w", err)
	}

	info, err := parseInfoPlist(data)
	if err != nil {
		return "", err
	}

	bundleID, ok := info["CFBundleIdentifier"].(string)
	if !ok || bundleID == "" {
		return "", fmt.Errorf("CFBundleIdentifier not found in Info.plist")
	}
	return bundleID, nil
}

// GetAppExecutableName reads CFBundleExecutable from the bundle's Info.plist.
func GetAppExecutableName(appPath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(appPath, "Info.plist"))
	if err != nil {
		return "", fmt.Errorf("failed to read Info.plist: %w", err)
	}

	info, err := parseInfoPlist(data)
	if err != nil {
		return "", err
	}

	execName, ok := info["CFBundleExecutable"].(string)
	if !ok {
		return "", fmt.Errorf("CFBundleExecutable not found in Info.plist")
	}
	return execName, nil
}

func parseInfoPlist(data []byte) (map[string]interface{}, error) {
	var info map[string]interface{}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse plist: %w", err)
	}
	return info, nil
}
