package signer

import (
	"os"
	"path/filepath"

	"howett.net/plist"

	"github.com/khcrysalis/PlumeImpactor/pkg/codesign"
	"github.com/khcrysalis/PlumeImpactor/pkg/machopatch"
)

var emptyEntitlementsPlist = []byte(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict/>
</plist>
`)

// entitlement keys that bind a signature to a developer team; an ad-hoc
// signature cannot vouch for any of them
var adhocStrippedKeys = []string{
	"application-identifier",
	"com.apple.developer.team-identifier",
	"keychain-access-groups",
	"com.apple.security.application-groups",
}

// signBundles applies signatures bottom-up so every container seals the
// hashes of its already-signed children. entitlements maps tree indices to
// the XML produced by the register stage; nodes without an entry are signed
// with empty entitlements.
func signBundles(tree *BundleTree, identity *codesign.SigningIdentity, entitlements map[int][]byte) error {
	for _, idx := range tree.PostOrder() {
		if err := signBundleNode(&tree.Nodes[idx], identity, entitlements[idx]); err != nil {
			return err
		}
	}
	return nil
}

func signBundleNode(b *Bundle, identity *codesign.SigningIdentity, entitlements []byte) error {
	exePath, err := b.ExecutablePath()
	if err != nil {
		return err
	}
	if exePath == "" {
		// resource-only bundle, nothing to sign
		return nil
	}

	if err := os.RemoveAll(filepath.Join(b.Path, "_CodeSignature")); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := codesign.WriteCodeResources(b.Path); err != nil {
		return err
	}

	bundleID, err := b.BundleID()
	if err != nil || bundleID == "" {
		bundleID = filepath.Base(exePath)
	}
	if entitlements == nil {
		entitlements = emptyEntitlementsPlist
	}

	teamID := ""
	if identity != nil {
		teamID = identity.TeamID
	}
	bundleCtx := &codesign.BundleSigningContext{
		InfoPlistPath:     filepath.Join(b.Path, "Info.plist"),
		CodeResourcesPath: filepath.Join(b.Path, "_CodeSignature", "CodeResources"),
		TeamID:            teamID,
	}
	return codesign.SignBinary(exePath, identity, entitlements, bundleID, bundleCtx)
}

// adhocEntitlements keeps the binary's existing entitlements minus every
// team-scoped key.
func adhocEntitlements(exePath string) ([]byte, error) {
	f, err := machopatch.Open(exePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw, err := f.Entitlements()
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	var ents map[string]interface{}
	if _, err := plist.Unmarshal(raw, &ents); err != nil {
		return nil, nil
	}
	for _, key := range adhocStrippedKeys {
		delete(ents, key)
	}
	if len(ents) == 0 {
		return nil, nil
	}
	return codesign.EntitlementsToXML(ents)
}
