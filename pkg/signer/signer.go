package signer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"

	"github.com/khcrysalis/PlumeImpactor/pkg/developer"
	"github.com/khcrysalis/PlumeImpactor/pkg/identity"
)

// ProgressFunc receives coarse stage updates: a free-text status and a 0-100
// percentage.
type ProgressFunc func(status string, percent int)

// DeviceInstaller pushes the finished bundle onto a device. Install drives
// the transfer; InstallPairingRecord drops a lockdown pairing record into the
// freshly installed app's container and is best-effort.
type DeviceInstaller interface {
	Install(ctx context.Context, bundlePath string, progress ProgressFunc) error
	InstallPairingRecord(bundleID, containerPath string) error
}

// Exporter receives the final archive; where it lands is the collaborator's
// business.
type Exporter interface {
	Export(ctx context.Context, archivePath string) error
}

// Signer executes one signing run as a strictly ordered pipeline. Every
// network-facing collaborator is optional until the mode actually needs it.
type Signer struct {
	// Session talks to the developer portal; required for ModePem unless
	// Identity already carries certificate material.
	Session *developer.Session

	// Identity signs the bundle tree. Left nil in ModePem it is resolved
	// through Session against the selected team.
	Identity *identity.CertificateIdentity

	// ConfigDir is where the certificate private-key cache lives.
	ConfigDir string

	Installer DeviceInstaller
	Exporter  Exporter
	Progress  ProgressFunc

	// DeviceName and DeviceUDID describe the target device for portal
	// registration; both empty skips that step.
	DeviceName string
	DeviceUDID string
}

// Run signs the package at packagePath per opts and hands the result to the
// install or export collaborator. Cancellation is honored at stage
// boundaries only. The returned Options carry the values the run resolved
// (team ID, effective identifier, detected app kind).
func (s *Signer) Run(ctx context.Context, packagePath string, opts Options) (Options, error) {
	report := func(status string, percent int) {
		if s.Progress != nil {
			s.Progress(status, percent)
		}
	}
	checkpoint := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}

	if err := checkpoint(); err != nil {
		return opts, err
	}
	report("Preparing package...", 10)
	opts.normalize()
	if _, err := os.Stat(packagePath); err != nil {
		return opts, fmt.Errorf("no package to sign: %w", err)
	}

	if opts.Mode == ModePem {
		if err := checkpoint(); err != nil {
			return opts, err
		}
		report("Ensuring account is valid...", 20)
		if err := s.resolveIdentity(&opts); err != nil {
			return opts, err
		}
	}

	if opts.Mode == ModePem && s.Session != nil && s.DeviceUDID != "" {
		if err := checkpoint(); err != nil {
			return opts, err
		}
		report("Ensuring device is registered...", 20)
		name := s.DeviceName
		if name == "" {
			name = "Device"
		}
		if _, err := s.Session.EnsureDevice(opts.TeamID, name, s.DeviceUDID); err != nil {
			return opts, err
		}
	}

	if err := checkpoint(); err != nil {
		return opts, err
	}
	report("Extracting package...", 50)
	pkg, err := OpenPackage(packagePath)
	if err != nil {
		return opts, err
	}
	defer pkg.Remove()

	tree, err := DiscoverBundles(pkg.AppPath())
	if err != nil {
		return opts, err
	}
	if len(opts.Tweaks) > 0 {
		if err := applyTweaks(tree.Root(), opts.Tweaks); err != nil {
			return opts, err
		}
		// tweaks may have introduced new frameworks
		if tree, err = DiscoverBundles(pkg.AppPath()); err != nil {
			return opts, err
		}
	}
	if err := modifyBundles(tree, &opts); err != nil {
		return opts, err
	}

	var entitlements map[int][]byte
	if opts.Mode == ModePem && s.Session != nil {
		if entitlements, err = registerBundles(tree, s.Session, opts); err != nil {
			return opts, err
		}
	}

	if opts.Mode != ModeNone {
		if err := checkpoint(); err != nil {
			return opts, err
		}
		report("Signing package...", 70)
		if err := s.signTree(tree, opts, entitlements); err != nil {
			return opts, err
		}
	}

	if err := checkpoint(); err != nil {
		return opts, err
	}
	if err := s.finish(ctx, pkg, opts, report); err != nil {
		return opts, err
	}

	report("Finished.", 100)
	return opts, nil
}

// resolveIdentity fills in the team and certificate identity for a
// developer-signed run.
func (s *Signer) resolveIdentity(opts *Options) error {
	if s.Identity != nil && s.Identity.Complete() {
		if opts.TeamID == "" {
			sid, err := s.Identity.SigningIdentity()
			if err != nil {
				return err
			}
			opts.TeamID = sid.TeamID
		}
		return nil
	}

	if s.Session == nil {
		return fmt.Errorf("developer-signed mode requires an authenticated session or certificate material")
	}

	if opts.TeamID == "" {
		teams, err := s.Session.ListTeams()
		if err != nil {
			return err
		}
		team, err := developer.ChooseTeam(teams)
		if err != nil {
			return err
		}
		opts.TeamID = team.TeamID
	}

	ident, err := identity.NewWithSession(s.Session, opts.TeamID, s.ConfigDir, "")
	if err != nil {
		return err
	}
	s.Identity = ident
	return nil
}

func (s *Signer) signTree(tree *BundleTree, opts Options, entitlements map[int][]byte) error {
	switch opts.Mode {
	case ModePem:
		if s.Identity == nil || !s.Identity.Complete() {
			return fmt.Errorf("no certificate identity available for signing")
		}
		sid, err := s.Identity.SigningIdentity()
		if err != nil {
			return err
		}
		return signBundles(tree, sid, entitlements)

	case ModeAdhoc:
		adhoc := make(map[int][]byte)
		if exePath, err := tree.Root().ExecutablePath(); err == nil && exePath != "" {
			ents, err := adhocEntitlements(exePath)
			if err != nil {
				return err
			}
			if ents != nil {
				adhoc[0] = ents
			}
		}
		return signBundles(tree, nil, adhoc)
	}
	return nil
}

func (s *Signer) finish(ctx context.Context, pkg *Package, opts Options, report ProgressFunc) error {
	switch opts.InstallMode {
	case InstallModeInstall:
		if s.Installer == nil {
			return fmt.Errorf("no device connected for installation")
		}
		if err := s.Installer.Install(ctx, pkg.AppPath(), report); err != nil {
			return err
		}
		if opts.App.SupportsPairingFile() && opts.CustomIdentifier != "" {
			if path := opts.App.PairingFilePath(); path != "" {
				// pairing record delivery is best-effort
				if err := s.Installer.InstallPairingRecord(opts.CustomIdentifier, path); err != nil {
					log.WithError(err).Warn("pairing record installation failed")
				}
			}
		}
		return nil

	case InstallModeExport:
		if s.Exporter == nil {
			return fmt.Errorf("no export destination configured")
		}
		archiveDir, err := os.MkdirTemp("", "plume-export-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(archiveDir)
		archivePath := filepath.Join(archiveDir, pkg.ArchiveName())
		if err := pkg.Archive(archivePath); err != nil {
			return err
		}
		return s.Exporter.Export(ctx, archivePath)
	}
	return nil
}
