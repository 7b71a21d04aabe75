// Package main provides the PlumeImpactor CLI, a re-signing tool for iOS
// packages built on Apple ID developer signing.
//
// For the library API, see the subpackages:
//
//	import "github.com/khcrysalis/PlumeImpactor/pkg/signer"
//	import "github.com/khcrysalis/PlumeImpactor/pkg/developer"
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/khcrysalis/PlumeImpactor@latest
package main
