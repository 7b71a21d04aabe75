package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/docopt/docopt-go"

	"github.com/khcrysalis/PlumeImpactor/pkg/anisette"
	"github.com/khcrysalis/PlumeImpactor/pkg/developer"
	"github.com/khcrysalis/PlumeImpactor/pkg/gsa"
	"github.com/khcrysalis/PlumeImpactor/pkg/identity"
	"github.com/khcrysalis/PlumeImpactor/pkg/machopatch"
	"github.com/khcrysalis/PlumeImpactor/pkg/signer"
	"github.com/khcrysalis/PlumeImpactor/pkg/store"
)

const version = "1.0.0"

const usage = `PlumeImpactor - iOS app re-signing tool

Usage:
  plumeimpactor account login
  plumeimpactor account teams
  plumeimpactor account devices --team=<id>
  plumeimpactor account register-device --team=<id> --udid=<udid> [--name=<name>]
  plumeimpactor account export-certificate --team=<id> [--output=<path>] [--password=<password>]
  plumeimpactor macho entitlements <binary>
  plumeimpactor macho list-dylibs <binary>
  plumeimpactor macho add-dylib <binary> <dylib>
  plumeimpactor macho replace-dylib <binary> <old> <new>
  plumeimpactor macho sdk-version <binary> <version>
  plumeimpactor sign --package=<path> [--adhoc | --pem=<paths> | --p12=<path>] [--password=<password>]
                     [--team=<id>] [--identifier=<id>] [--name=<name>] [--app-version=<v>]
                     [--tweak=<path>]... [--single-profile] [--min-os] [--file-sharing]
                     [--remove-url-schemes] [--output=<path>]
  plumeimpactor -h | --help
  plumeimpactor --version

Commands:
  account login               Log in with an Apple ID and store the account
  account teams               List the stored account's developer teams
  account devices             List devices registered under a team
  account register-device     Register a device UDID under a team
  account export-certificate  Export the team's development certificate as P12
  macho                       Inspect or patch a Mach-O binary
  sign                        Re-sign a package (.ipa/.tipa or .app)

Options:
  --package=<path>       Package to sign
  --adhoc                Sign without a certificate
  --pem=<paths>          Comma-separated PEM files carrying certificate and key
  --p12=<path>           PKCS#12 file carrying certificate and key
  --password=<password>  Password for the P12 file
  --team=<id>            Developer team ID
  --identifier=<id>      Override the bundle identifier
  --name=<name>          Override the display name
  --app-version=<v>      Override the bundle version
  --tweak=<path>         Inject a tweak (repeatable, applied in order)
  --single-profile       Use one provisioning profile for the whole bundle tree
  --min-os               Lower MinimumOSVersion so older devices can install
  --file-sharing         Expose the app's documents in Files
  --remove-url-schemes   Strip CFBundleURLTypes from the app
  --output=<path>        Where the signed archive lands (default: next to input)
  --udid=<udid>          Device UDID
  -h --help              Show this help message
  --version              Show version
`

func main() {
	log.SetHandler(cli.New(os.Stderr))
	if os.Getenv("PLUME_DEBUG") != "" {
		log.SetLevel(log.DebugLevel)
	}

	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	if err := dispatch(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(opts docopt.Opts) error {
	switch {
	case boolOpt(opts, "account"):
		return runAccount(opts)
	case boolOpt(opts, "macho"):
		return runMacho(opts)
	case boolOpt(opts, "sign"):
		return runSign(opts)
	}
	return fmt.Errorf("no command given")
}

func boolOpt(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}

func configDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "PlumeImpactor")
}

func anisetteConfig() anisette.Configuration {
	return anisette.Configuration{ConfigurationPath: configDir()}
}

func accountStore() (*store.AccountStore, error) {
	return store.Load(filepath.Join(configDir(), "accounts.json"))
}

// storedSession opens a developer session for the selected account.
func storedSession() (*developer.Session, error) {
	accounts, err := accountStore()
	if err != nil {
		return nil, err
	}
	account, ok := accounts.Selected()
	if !ok {
		return nil, fmt.Errorf("no stored account, run `plumeimpactor account login` first")
	}
	return account.Session(anisetteConfig())
}

// -------------------------------------------------------------------------
// account
// -------------------------------------------------------------------------

func runAccount(opts docopt.Opts) error {
	switch {
	case boolOpt(opts, "login"):
		return accountLogin()
	case boolOpt(opts, "teams"):
		return accountTeams()
	case boolOpt(opts, "devices"):
		return accountDevices(opts)
	case boolOpt(opts, "register-device"):
		return accountRegisterDevice(opts)
	case boolOpt(opts, "export-certificate"):
		return accountExportCertificate(opts)
	}
	return fmt.Errorf("unknown account subcommand")
}

func accountLogin() error {
	var email string
	credentials := func() (string, string, error) {
		if err := survey.AskOne(&survey.Input{Message: "Apple ID:"}, &email, survey.WithValidator(survey.Required)); err != nil {
			return "", "", err
		}
		var password string
		if err := survey.AskOne(&survey.Password{Message: "Password:"}, &password, survey.WithValidator(survey.Required)); err != nil {
			return "", "", err
		}
		return email, password, nil
	}
	twoFactor := func() (string, error) {
		var code string
		err := survey.AskOne(&survey.Input{Message: "Verification code:"}, &code, survey.WithValidator(survey.Required))
		return code, err
	}

	account, err := gsa.Login(credentials, twoFactor, anisetteConfig())
	if err != nil {
		return err
	}

	record, err := store.AccountFromSession(email, account, anisetteConfig())
	if err != nil {
		return err
	}

	accounts, err := accountStore()
	if err != nil {
		return err
	}
	if err := accounts.Add(*record); err != nil {
		return err
	}

	fmt.Printf("Logged in as %s (%s)\n", record.FirstName, record.Email)
	return nil
}

func accountTeams() error {
	session, err := storedSession()
	if err != nil {
		return err
	}
	teams, err := session.ListTeams()
	if err != nil {
		return err
	}
	for _, team := range teams {
		fmt.Printf("%s  %s (%s)\n", team.TeamID, team.Name, team.Type)
	}
	return nil
}

func accountDevices(opts docopt.Opts) error {
	teamID, _ := opts.String("--team")
	session, err := storedSession()
	if err != nil {
		return err
	}
	devices, err := session.ListDevices(teamID)
	if err != nil {
		return err
	}
	for _, d := range devices {
		fmt.Printf("%s  %s (%s, %s)\n", d.DeviceNumber, d.Name, d.DeviceClass, d.Status)
	}
	return nil
}

func accountRegisterDevice(opts docopt.Opts) error {
	teamID, _ := opts.String("--team")
	udid, _ := opts.String("--udid")
	name, _ := opts.String("--name")
	if name == "" {
		name = "Device"
	}

	session, err := storedSession()
	if err != nil {
		return err
	}
	device, err := session.EnsureDevice(teamID, name, udid)
	if err != nil {
		return err
	}
	fmt.Printf("Registered %s as %s\n", device.DeviceNumber, device.Name)
	return nil
}

func accountExportCertificate(opts docopt.Opts) error {
	teamID, _ := opts.String("--team")
	output, _ := opts.String("--output")
	password, _ := opts.String("--password")
	if output == "" {
		output = teamID + "_certificate.p12"
	}

	session, err := storedSession()
	if err != nil {
		return err
	}
	ident, err := identity.NewWithSession(session, teamID, configDir(), "")
	if err != nil {
		return err
	}
	p12, err := ident.P12(password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, p12, 0o600); err != nil {
		return err
	}
	fmt.Printf("Certificate written to %s\n", output)
	return nil
}

// -------------------------------------------------------------------------
// macho
// -------------------------------------------------------------------------

func runMacho(opts docopt.Opts) error {
	binary, _ := opts.String("<binary>")
	f, err := machopatch.Open(binary)
	if err != nil {
		return err
	}
	defer f.Close()

	switch {
	case boolOpt(opts, "entitlements"):
		ents, err := f.Entitlements()
		if err != nil {
			return err
		}
		if ents == nil {
			fmt.Println("(unsigned binary, no entitlements)")
			return nil
		}
		os.Stdout.Write(ents)
		return nil

	case boolOpt(opts, "list-dylibs"):
		for _, path := range f.DylibPaths() {
			fmt.Println(path)
		}
		return nil

	case boolOpt(opts, "add-dylib"):
		dylib, _ := opts.String("<dylib>")
		if err := f.AddDylib(dylib); err != nil {
			return err
		}
		return f.Save()

	case boolOpt(opts, "replace-dylib"):
		oldPath, _ := opts.String("<old>")
		newPath, _ := opts.String("<new>")
		if err := f.ReplaceDylib(oldPath, newPath); err != nil {
			return err
		}
		return f.Save()

	case boolOpt(opts, "sdk-version"):
		v, _ := opts.String("<version>")
		if err := f.ReplaceSDKVersion(v); err != nil {
			return err
		}
		return f.Save()
	}
	return fmt.Errorf("unknown macho subcommand")
}

// -------------------------------------------------------------------------
// sign
// -------------------------------------------------------------------------

// fileExporter copies the finished archive to a fixed destination.
type fileExporter struct {
	destination string
}

func (e *fileExporter) Export(ctx context.Context, archivePath string) error {
	dst := e.destination
	if dst == "" {
		dst = filepath.Base(archivePath)
	}
	src, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return err
	}
	fmt.Printf("Signed package written to %s\n", dst)
	return nil
}

func runSign(opts docopt.Opts) error {
	packagePath, _ := opts.String("--package")
	output, _ := opts.String("--output")
	password, _ := opts.String("--password")

	signOpts := signer.Options{
		InstallMode: signer.InstallModeExport,
	}
	signOpts.CustomIdentifier, _ = opts.String("--identifier")
	signOpts.CustomName, _ = opts.String("--name")
	signOpts.CustomVersion, _ = opts.String("--app-version")
	signOpts.TeamID, _ = opts.String("--team")
	signOpts.SingleProfile = boolOpt(opts, "--single-profile")
	signOpts.Features.LowerMinimumOSVersion = boolOpt(opts, "--min-os")
	signOpts.Features.FileSharing = boolOpt(opts, "--file-sharing")
	signOpts.Features.RemoveURLSchemes = boolOpt(opts, "--remove-url-schemes")
	if tweaks, ok := opts["--tweak"].([]string); ok {
		signOpts.Tweaks = tweaks
	}

	s := &signer.Signer{
		ConfigDir: configDir(),
		Exporter:  &fileExporter{destination: output},
		Progress: func(status string, percent int) {
			fmt.Printf("[%3d%%] %s\n", percent, status)
		},
	}

	pemPaths, _ := opts.String("--pem")
	p12Path, _ := opts.String("--p12")

	switch {
	case boolOpt(opts, "--adhoc"):
		signOpts.Mode = signer.ModeAdhoc

	case pemPaths != "":
		ident, err := identity.NewWithPaths(strings.Split(pemPaths, ",")...)
		if err != nil {
			return err
		}
		signOpts.Mode = signer.ModePem
		s.Identity = ident

	case p12Path != "":
		data, err := os.ReadFile(p12Path)
		if err != nil {
			return err
		}
		ident, err := identity.NewWithP12(data, password)
		if err != nil {
			return err
		}
		signOpts.Mode = signer.ModePem
		s.Identity = ident

	default:
		session, err := storedSession()
		if err != nil {
			return err
		}
		signOpts.Mode = signer.ModePem
		s.Session = session
		if signOpts.TeamID == "" {
			teamID, err := chooseTeam(session)
			if err != nil {
				return err
			}
			signOpts.TeamID = teamID
		}
	}

	_, err := s.Run(context.Background(), packagePath, signOpts)
	return err
}

// chooseTeam resolves the signing team, prompting when the account belongs
// to more than one.
func chooseTeam(session *developer.Session) (string, error) {
	teams, err := session.ListTeams()
	if err != nil {
		return "", err
	}
	team, err := developer.ChooseTeam(teams)
	if err == nil {
		return team.TeamID, nil
	}
	if !errors.Is(err, developer.ErrTeamChoiceRequired) {
		return "", err
	}

	labels := make([]string, len(teams))
	byLabel := make(map[string]string, len(teams))
	for i, t := range teams {
		labels[i] = fmt.Sprintf("%s (%s)", t.Name, t.TeamID)
		byLabel[labels[i]] = t.TeamID
	}
	var picked string
	if err := survey.AskOne(&survey.Select{Message: "Team:", Options: labels}, &picked); err != nil {
		return "", err
	}
	return byLabel[picked], nil
}
