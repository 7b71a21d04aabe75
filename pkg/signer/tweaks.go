package signer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"

	"github.com/khcrysalis/PlumeImpactor/pkg/machopatch"
)

// applyTweaks copies each tweak payload into the app and, for anything that
// is a loadable library, adds a matching load command to the main executable.
// Tweaks are applied in the order configured.
func applyTweaks(app *Bundle, tweaks []string) error {
	if len(tweaks) == 0 {
		return nil
	}

	exePath, err := app.ExecutablePath()
	if err != nil {
		return err
	}
	if exePath == "" {
		return fmt.Errorf("app bundle has no executable to inject into")
	}

	var loadPaths []string
	for _, tweak := range tweaks {
		loadPath, err := placeTweak(app.Path, tweak)
		if err != nil {
			return fmt.Errorf("failed to apply tweak %s: %w", tweak, err)
		}
		if loadPath != "" {
			loadPaths = append(loadPaths, loadPath)
		}
		log.WithField("tweak", filepath.Base(tweak)).Info("tweak applied")
	}

	if len(loadPaths) == 0 {
		return nil
	}

	f, err := machopatch.Open(exePath)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, loadPath := range loadPaths {
		if err := f.AddDylib(loadPath); err != nil {
			return err
		}
	}
	return f.Save()
}

// placeTweak copies the tweak into its injection location and returns the
// load command path the executable needs, or "" when none is required.
func placeTweak(appPath, tweak string) (string, error) {
	name := filepath.Base(tweak)

	switch {
	case strings.HasSuffix(name, ".dylib"):
		dst := filepath.Join(appPath, "Frameworks", name)
		if err := copyTweakFile(tweak, dst); err != nil {
			return "", err
		}
		return "@rpath/" + name, nil

	case strings.HasSuffix(name, ".framework"):
		dst := filepath.Join(appPath, "Frameworks", name)
		if err := copyBundleDir(tweak, dst); err != nil {
			return "", err
		}
		binary := strings.TrimSuffix(name, ".framework")
		if _, err := os.Stat(filepath.Join(dst, binary)); err != nil {
			// resource-only framework, nothing to load
			return "", nil
		}
		return "@rpath/" + name + "/" + binary, nil

	case strings.HasSuffix(name, ".appex"):
		// extensions are launched by the system, not loaded by the app
		dst := filepath.Join(appPath, "PlugIns", name)
		return "", copyBundleDir(tweak, dst)

	case strings.HasSuffix(name, ".bundle"):
		dst := filepath.Join(appPath, name)
		return "", copyBundleDir(tweak, dst)

	default:
		return "", fmt.Errorf("unsupported tweak type %s", name)
	}
}

func copyTweakFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0755)
}
