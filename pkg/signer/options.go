package signer

// Mode selects how the bundle tree is signed.
type Mode int

const (
	// ModePem signs with a developer certificate resolved through the
	// portal or loaded from PEM/P12 material.
	ModePem Mode = iota
	// ModeAdhoc signs without a certificate; team-scoped entitlements are
	// stripped since nothing vouches for them.
	ModeAdhoc
	// ModeNone skips signing entirely, the modify-only path.
	ModeNone
)

// InstallMode selects what happens to the finished bundle.
type InstallMode int

const (
	InstallModeInstall InstallMode = iota
	InstallModeExport
)

// AppKind tags packages the pipeline knows special handling for.
type AppKind int

const (
	AppDefault AppKind = iota
	AppLiveContainer
	AppSideStore
	AppFeather
)

// AppKindForBundleID recognizes well-known sideloading apps by identifier.
func AppKindForBundleID(identifier string) AppKind {
	switch identifier {
	case "com.kdt.livecontainer":
		return AppLiveContainer
	case "com.SideStore.SideStore":
		return AppSideStore
	case "thewonderofyou.Feather":
		return AppFeather
	default:
		return AppDefault
	}
}

// SupportsPairingFile reports whether the app consumes a lockdown pairing
// record dropped into its container after install.
func (k AppKind) SupportsPairingFile() bool {
	switch k {
	case AppSideStore, AppFeather:
		return true
	default:
		return false
	}
}

// PairingFilePath is the container-relative location the app reads its
// pairing record from.
func (k AppKind) PairingFilePath() string {
	switch k {
	case AppSideStore:
		return "/Documents/ALTPairingFile.mobiledevicepairing"
	case AppFeather:
		return "/Documents/pairingFile.plist"
	default:
		return ""
	}
}

// Features are the optional Info.plist rewrites applied during the modify
// stage.
type Features struct {
	// LowerMinimumOSVersion floors MinimumOSVersion so older devices can
	// install the package.
	LowerMinimumOSVersion bool
	// FileSharing exposes the app's Documents directory in Finder/Files.
	FileSharing bool
	// IPadFullscreen opts out of iPad multitasking so the app always runs
	// fullscreen.
	IPadFullscreen bool
	// GameMode advertises game-mode support.
	GameMode bool
	// ProMotion unlocks high refresh rate rendering.
	ProMotion bool
	// LiquidGlass forces the post-26 UI appearance.
	LiquidGlass bool
	// RemoveURLSchemes drops CFBundleURLTypes so the re-signed copy cannot
	// shadow the original's URL handlers.
	RemoveURLSchemes bool
}

// Options drive one signing run. The zero value is a developer-signed
// install with no overrides.
type Options struct {
	// CustomName, CustomIdentifier and CustomVersion override the bundle's
	// display name, identifier and version when non-empty and different
	// from the current value.
	CustomName       string
	CustomIdentifier string
	CustomVersion    string

	Features Features

	// SingleProfile embeds one provisioning profile for the whole tree
	// instead of one per nested bundle.
	SingleProfile bool

	Mode        Mode
	InstallMode InstallMode

	// Tweaks are dylibs or frameworks injected into the bundle before
	// signing, applied in order.
	Tweaks []string

	// App tags the package as a known sideloading app.
	App AppKind

	// TeamID is the developer team to sign under. Left empty it is
	// resolved during the run and recorded back into the returned Options.
	TeamID string
}

// OptionsForApp seeds Options with the defaults a known app kind demands.
func OptionsForApp(kind AppKind) Options {
	opts := Options{App: kind}
	opts.normalize()
	return opts
}

// LiveContainer hosts guest apps under its own profile, so per-bundle
// profiles would break it.
func (o *Options) normalize() {
	if o.App == AppLiveContainer {
		o.SingleProfile = true
	}
}
