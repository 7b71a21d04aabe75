// Package codesign implements Apple's code signing format natively in Go,
// so bundles can be signed on any platform without macOS or Apple's
// codesign tool.
//
// The signature is an embedded SuperBlob: dual SHA-1/SHA-256
// CodeDirectories, requirements, XML and DER entitlements, and a CMS
// signature over the SHA-1 CodeDirectory. Signing with a nil identity
// produces an ad-hoc signature with no CMS blob.
//
// # Basic usage
//
// To seal a bundle's resources and sign its executable:
//
//	identity, err := codesign.NewSigningIdentity(cert, privateKey)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := codesign.WriteCodeResources(appPath); err != nil {
//	    log.Fatal(err)
//	}
//	err = codesign.SignBinary(exePath, identity, entitlements, bundleID, bundleCtx)
//
// Nested frameworks, plugins and extensions are walked and signed bottom-up
// by the signer package, which seals each container over its already-signed
// children.
package codesign
