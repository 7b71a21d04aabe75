package signer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeInstaller struct {
	installed    []string
	pairingCalls []string
	pairingErr   error
	installErr   error
}

func (f *fakeInstaller) Install(ctx context.Context, bundlePath string, progress ProgressFunc) error {
	f.installed = append(f.installed, bundlePath)
	return f.installErr
}

func (f *fakeInstaller) InstallPairingRecord(bundleID, containerPath string) error {
	f.pairingCalls = append(f.pairingCalls, bundleID+":"+containerPath)
	return f.pairingErr
}

type fakeExporter struct {
	archives []string
	copied   []string
}

func (f *fakeExporter) Export(ctx context.Context, archivePath string) error {
	f.archives = append(f.archives, filepath.Base(archivePath))
	// the archive must exist while the collaborator runs
	if _, err := os.Stat(archivePath); err != nil {
		return err
	}
	f.copied = append(f.copied, archivePath)
	return nil
}

type progressRecorder struct {
	statuses []string
}

func (p *progressRecorder) record(status string, percent int) {
	p.statuses = append(p.statuses, status)
}

func (p *progressRecorder) saw(status string) bool {
	for _, s := range p.statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Export of an unsigned package runs only the prepare, extract and finish
// stages and never touches the network.
func TestRunExportWithoutSigning(t *testing.T) {
	appPath := writeAppBundle(t, t.TempDir(), "com.example.app")
	exporter := &fakeExporter{}
	progress := &progressRecorder{}

	s := &Signer{Exporter: exporter, Progress: progress.record}
	opts, err := s.Run(context.Background(), appPath, Options{
		Mode:        ModeNone,
		InstallMode: InstallModeExport,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"Preparing package...", "Extracting package...", "Finished."}
	if strings.Join(progress.statuses, "|") != strings.Join(want, "|") {
		t.Errorf("progress = %v, want %v", progress.statuses, want)
	}
	if len(exporter.copied) != 1 {
		t.Fatalf("exporter ran %d times", len(exporter.copied))
	}
	if exporter.archives[0] != "Test-signed.ipa" {
		t.Errorf("archive name = %s", exporter.archives[0])
	}
	if opts.CustomIdentifier != "com.example.app" {
		t.Errorf("resolved identifier = %q", opts.CustomIdentifier)
	}
}

// Ad-hoc signing skips the portal stages entirely.
func TestRunAdhocSkipsRegistration(t *testing.T) {
	appPath := writeAppBundle(t, t.TempDir(), "com.example.app")
	exporter := &fakeExporter{}
	progress := &progressRecorder{}

	s := &Signer{Exporter: exporter, Progress: progress.record}
	if _, err := s.Run(context.Background(), appPath, Options{
		Mode:        ModeAdhoc,
		InstallMode: InstallModeExport,
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !progress.saw("Signing package...") {
		t.Error("signing stage never reported")
	}
	if progress.saw("Ensuring account is valid...") {
		t.Error("ad-hoc run touched the account stage")
	}
	if progress.saw("Ensuring device is registered...") {
		t.Error("ad-hoc run touched the device stage")
	}
	if len(exporter.copied) != 1 {
		t.Errorf("exporter ran %d times", len(exporter.copied))
	}
}

func TestRunInstallsAndDropsPairingRecord(t *testing.T) {
	appPath := writeAppBundle(t, t.TempDir(), "com.SideStore.SideStore")
	installer := &fakeInstaller{pairingErr: errors.New("device has no passcode")}
	progress := &progressRecorder{}

	s := &Signer{Installer: installer, Progress: progress.record}
	_, err := s.Run(context.Background(), appPath, Options{
		Mode:        ModeNone,
		InstallMode: InstallModeInstall,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(installer.installed) != 1 {
		t.Fatalf("installer ran %d times", len(installer.installed))
	}
	if len(installer.pairingCalls) != 1 {
		t.Fatalf("pairing record attempted %d times", len(installer.pairingCalls))
	}
	want := "com.SideStore.SideStore:/Documents/ALTPairingFile.mobiledevicepairing"
	if installer.pairingCalls[0] != want {
		t.Errorf("pairing call = %s, want %s", installer.pairingCalls[0], want)
	}
	// pairing failure is best-effort and must not fail the run
	if !progress.saw("Finished.") {
		t.Error("run did not finish after pairing failure")
	}
}

func TestRunInstallWithoutDeviceFails(t *testing.T) {
	appPath := writeAppBundle(t, t.TempDir(), "com.example.app")
	s := &Signer{}
	if _, err := s.Run(context.Background(), appPath, Options{
		Mode:        ModeNone,
		InstallMode: InstallModeInstall,
	}); err == nil {
		t.Error("expected error without an installer")
	}
}

func TestRunPemWithoutSessionFails(t *testing.T) {
	appPath := writeAppBundle(t, t.TempDir(), "com.example.app")
	progress := &progressRecorder{}
	s := &Signer{Progress: progress.record}

	_, err := s.Run(context.Background(), appPath, Options{Mode: ModePem})
	if err == nil {
		t.Fatal("expected error without session or certificate material")
	}
	if !progress.saw("Ensuring account is valid...") {
		t.Error("account stage never reported")
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	appPath := writeAppBundle(t, t.TempDir(), "com.example.app")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	progress := &progressRecorder{}
	s := &Signer{Exporter: &fakeExporter{}, Progress: progress.record}
	_, err := s.Run(ctx, appPath, Options{Mode: ModeNone, InstallMode: InstallModeExport})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(progress.statuses) != 0 {
		t.Errorf("cancelled run still reported %v", progress.statuses)
	}
}

func TestRunMissingPackage(t *testing.T) {
	s := &Signer{}
	if _, err := s.Run(context.Background(), filepath.Join(t.TempDir(), "missing.ipa"), Options{}); err == nil {
		t.Error("expected error for missing package")
	}
}
