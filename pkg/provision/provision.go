// Package provision parses .mobileprovision containers and prepares the
// entitlements that get signed into a bundle's executables.
package provision

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"os"
	"regexp"
	"time"

	"howett.net/plist"
)

// MobileProvision is a parsed provisioning profile. Raw holds the original
// CMS-wrapped bytes for embedding into a bundle.
type MobileProvision struct {
	Raw []byte `plist:"-"`

	Name                        string                 `plist:"Name"`
	TeamName                    string                 `plist:"TeamName"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	AppIDName                   string                 `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	DeveloperCertificates       [][]byte               `plist:"DeveloperCertificates"`
	ProvisionedDevices          []string               `plist:"ProvisionedDevices"`
	ProvisionsAllDevices        bool                   `plist:"ProvisionsAllDevices"`
	CreationDate                time.Time              `plist:"CreationDate"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
	Platform                    []string               `plist:"Platform"`
}

var (
	plistStart = []byte("<plist")
	plistEnd   = []byte("</plist>")

	// application-identifier values are "TEAMID123A.com.example.app"
	teamPrefixPattern = regexp.MustCompile(`^[0-9A-Z]{10}\.`)
)

// Parse reads a provisioning profile out of its CMS container. The plist
// payload is located by byte-pattern search rather than CMS parsing, which
// tolerates the variety of wrappers Apple has shipped over the years. A
// profile without entitlements or an expiration date is unusable and is
// rejected here rather than downstream.
func Parse(data []byte) (*MobileProvision, error) {
	start := bytes.Index(data, plistStart)
	end := bytes.LastIndex(data, plistEnd)
	if start < 0 || end < 0 || end < start {
		return nil, fmt.Errorf("no plist payload found in profile")
	}
	payload := data[start : end+len(plistEnd)]

	profile := &MobileProvision{Raw: data}
	if _, err := plist.Unmarshal(payload, profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile plist: %w", err)
	}
	if profile.Entitlements == nil {
		return nil, fmt.Errorf("profile has no entitlements")
	}
	if profile.ExpirationDate.IsZero() {
		return nil, fmt.Errorf("profile has no expiration date")
	}
	return profile, nil
}

// ParseFile reads and parses a .mobileprovision file.
func ParseFile(path string) (*MobileProvision, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	return Parse(data)
}

// TeamID returns the profile's team identifier.
func (p *MobileProvision) TeamID() string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	if len(p.ApplicationIdentifierPrefix) > 0 {
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// ApplicationIdentifier returns the application-identifier entitlement.
func (p *MobileProvision) ApplicationIdentifier() string {
	appID, _ := p.Entitlements["application-identifier"].(string)
	return appID
}

// BundleID derives the bundle identifier by stripping the team prefix from
// the application-identifier entitlement.
func (p *MobileProvision) BundleID() string {
	return teamPrefixPattern.ReplaceAllString(p.ApplicationIdentifier(), "")
}

// IsExpired reports whether the profile's validity window has passed.
func (p *MobileProvision) IsExpired() bool {
	return time.Now().After(p.ExpirationDate)
}

// IsDeviceAllowed reports whether the profile provisions the given UDID.
func (p *MobileProvision) IsDeviceAllowed(udid string) bool {
	if p.ProvisionsAllDevices {
		return true
	}
	for _, device := range p.ProvisionedDevices {
		if device == udid {
			return true
		}
	}
	return false
}

// Certificates parses the developer certificates embedded in the profile.
func (p *MobileProvision) Certificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for i, der := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// MatchesCertificate reports whether cert is one of the profile's signing
// certificates.
func (p *MobileProvision) MatchesCertificate(cert *x509.Certificate) bool {
	for _, der := range p.DeveloperCertificates {
		profileCert, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}
		if cert.Equal(profileCert) {
			return true
		}
	}
	return false
}
