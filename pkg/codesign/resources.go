package codesign

// _CodeSignature/CodeResources generation. The plist carries two hash
// tables: "files" keyed by SHA-1 for legacy verifiers and "files2" keyed by
// SHA-1 plus SHA-256 for modern ones, each with its own rule set.

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

// GenerateCodeResources renders the CodeResources plist for the bundle at
// appPath. Every file is hashed recursively, including the contents of
// nested bundles; the main executable and the bundle's own CodeResources
// are the only structural exclusions.
func GenerateCodeResources(appPath string) ([]byte, error) {
	files := make(map[string]interface{})
	files2 := make(map[string]interface{})

	execName, _ := GetAppExecutableName(appPath)

	err := filepath.Walk(appPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(appPath, path)
		if err != nil {
			return err
		}

		// Only this bundle's seal is excluded; nested bundles keep theirs
		// in the hash tables so the container vouches for them.
		if relPath == filepath.Join("_CodeSignature", "CodeResources") {
			return nil
		}
		// The main executable carries the signature itself.
		if relPath == execName {
			return nil
		}
		if shouldOmit(relPath) {
			return nil
		}

		hash, err := hashFile(path, sha1.New())
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", relPath, err)
		}

		optional := isOptional(relPath)
		if optional {
			files[relPath] = map[string]interface{}{
				"hash":     hash,
				"optional": true,
			}
		} else {
			files[relPath] = hash
		}

		// Info.plist and PkgInfo appear in files but not files2, matching
		// the omit rules below.
		if !shouldOmitFromFiles2(relPath) {
			hash2, err := hashFile(path, sha256.New())
			if err != nil {
				return fmt.Errorf("failed to hash2 %s: %w", relPath, err)
			}
			entry := map[string]interface{}{
				"hash":  hash,
				"hash2": hash2,
			}
			if optional {
				entry["optional"] = true
			}
			files2[relPath] = entry
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	codeResources := map[string]interface{}{
		"files":  files,
		"files2": files2,
		"rules":  defaultRules(),
		"rules2": defaultRules2(),
	}

	data, err := plist.MarshalIndent(codeResources, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CodeResources: %w", err)
	}
	return data, nil
}

// WriteCodeResources writes the generated seal to
// appPath/_CodeSignature/CodeResources.
func WriteCodeResources(appPath string) error {
	data, err := GenerateCodeResources(appPath)
	if err != nil {
		return err
	}

	codeSignDir := filepath.Join(appPath, "_CodeSignature")
	if err := os.MkdirAll(codeSignDir, 0755); err != nil {
		return fmt.Errorf("failed to create _CodeSignature directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(codeSignDir, "CodeResources"), data, 0644); err != nil {
		return fmt.Errorf("failed to write CodeResources: %w", err)
	}
	return nil
}

func hashFile(path string, h hash.Hash) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func shouldOmit(path string) bool {
	if strings.HasSuffix(path, ".DS_Store") {
		return true
	}
	if strings.Contains(path, ".git") {
		return true
	}
	// AppleDouble metadata files
	if strings.HasPrefix(filepath.Base(path), "._") {
		return true
	}
	if strings.HasSuffix(path, ".lproj/locversion.plist") {
		return true
	}
	return false
}

// Localized resources are optional so a verifier tolerates stripped
// languages.
func isOptional(path string) bool {
	return strings.Contains(path, ".lproj/")
}

func shouldOmitFromFiles2(path string) bool {
	return path == "Info.plist" || path == "PkgInfo"
}

// Rule weights are emitted as float64 so the plist carries <real> values
// the way Apple's tooling writes them.

func defaultRules() map[string]interface{} {
	return map[string]interface{}{
		"^.*": true,
		"^.*\\.lproj/": map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		"^Base\\.lproj/": map[string]interface{}{
			"weight": float64(1010),
		},
		"^version.plist$": true,
	}
}

func defaultRules2() map[string]interface{} {
	return map[string]interface{}{
		"^.*": true,
		".*\\.dSYM($|/)": map[string]interface{}{
			"weight": float64(11),
		},
		"^(.*/)?\\.DS_Store$": map[string]interface{}{
			"omit":   true,
			"weight": float64(2000),
		},
		"^.*\\.lproj/": map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		"^Base\\.lproj/": map[string]interface{}{
			"weight": float64(1010),
		},
		"^Info\\.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		"^PkgInfo$": map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		"^embedded\\.provisionprofile$": map[string]interface{}{
			"weight": float64(20),
		},
		"^version\\.plist$": map[string]interface{}{
			"weight": float64(20),
		},
	}
}
