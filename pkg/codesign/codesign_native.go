package codesign

// Embedded signature generation. The layout follows what iOS actually
// verifies: a SuperBlob holding a SHA-1 CodeDirectory, requirements, the
// entitlement blobs, an alternate SHA-256 CodeDirectory and, when a signing
// identity is present, a CMS signature over the SHA-1 CodeDirectory.

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// Constants from Apple's cs_blobs.h.
const (
	pageSizeBits = 12 // 4KB pages
	pageSize     = 1 << pageSizeBits

	CSMAGIC_REQUIREMENT           = 0xfade0c00
	CSMAGIC_REQUIREMENTS          = 0xfade0c01
	CSMAGIC_CODEDIRECTORY         = 0xfade0c02
	CSMAGIC_EMBEDDED_SIGNATURE    = 0xfade0cc0
	CSMAGIC_EMBEDDED_ENTITLEMENTS = 0xfade7171
	CSMAGIC_BLOBWRAPPER           = 0xfade0b01

	CSSLOT_CODEDIRECTORY             = 0
	CSSLOT_INFOSLOT                  = 1
	CSSLOT_REQUIREMENTS              = 2
	CSSLOT_RESOURCEDIR               = 3
	CSSLOT_APPLICATION               = 4
	CSSLOT_ENTITLEMENTS              = 5
	CSSLOT_ENTITLEMENTS_DER          = 7 // DER entitlements, required by iOS 15+
	CSSLOT_ALTERNATE_CODEDIRECTORIES = 0x1000
	CSSLOT_CMS_SIGNATURE             = 0x10000

	CSMAGIC_EMBEDDED_ENTITLEMENTS_DER = 0xfade7172

	CS_HASHTYPE_SHA1   = 1
	CS_HASHTYPE_SHA256 = 2

	CS_EXECSEG_MAIN_BINARY    = 0x1
	CS_EXECSEG_ALLOW_UNSIGNED = 0x10

	LC_CODE_SIGNATURE      = 0x1d
	LC_CODE_SIGNATURE_SIZE = 16
)

func put32be(b []byte, x uint32) []byte {
	binary.BigEndian.PutUint32(b, x)
	return b[4:]
}

func put64be(b []byte, x uint64) []byte {
	binary.BigEndian.PutUint64(b, x)
	return b[8:]
}

func put8(b []byte, x uint8) []byte {
	b[0] = x
	return b[1:]
}

func puts(b, s []byte) []byte {
	n := copy(b, s)
	return b[n:]
}

// BundleSigningContext carries the bundle files whose hashes land in the
// CodeDirectory special slots, plus the team the signature belongs to.
type BundleSigningContext struct {
	InfoPlistPath     string // special slot 1
	CodeResourcesPath string // special slot 3
	TeamID            string
}

// SignBinary replaces the code signature of the Mach-O at path. All slices
// of a fat binary are re-signed. A nil identity produces an ad-hoc
// signature that carries no CMS blob.
func SignBinary(path string, identity *SigningIdentity, entitlements []byte, bundleID string, bundleCtx *BundleSigningContext) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	if len(data) >= 4 && data[0] == 0xca && data[1] == 0xfe && data[2] == 0xba && data[3] == 0xbe {
		return signFatBinary(path, data, identity, entitlements, bundleID, bundleCtx)
	}

	m, err := macho.NewFile(bytes.NewReader(withSignatureZeroed(data)))
	if err != nil {
		return fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	defer m.Close()

	signedData, err := signThinBinary(data, m, identity, entitlements, bundleID, bundleCtx)
	if err != nil {
		return err
	}
	return os.WriteFile(path, signedData, 0755)
}

// withSignatureZeroed blanks the existing signature bytes so go-macho never
// has to parse them. Some signature layouts in the wild make its parser
// fail; only the load commands matter here.
func withSignatureZeroed(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	if sigOffset, sigSize, found := embeddedSignatureBounds(data); found && sigOffset > 0 && sigOffset < uint32(len(data)) {
		end := sigOffset + sigSize
		if end > uint32(len(data)) {
			end = uint32(len(data))
		}
		for i := sigOffset; i < end; i++ {
			out[i] = 0
		}
	}
	return out
}

// embeddedSignatureBounds locates the LC_CODE_SIGNATURE payload by scanning
// the load commands directly, without a full Mach-O parse.
func embeddedSignatureBounds(data []byte) (offset, size uint32, found bool) {
	if len(data) < 32 {
		return 0, 0, false
	}

	var headerSize uint32
	switch binary.LittleEndian.Uint32(data[:4]) {
	case 0xfeedfacf: // MH_MAGIC_64
		headerSize = 32
	case 0xfeedface: // MH_MAGIC
		headerSize = 28
	default:
		return 0, 0, false
	}

	var ncmds, sizeofcmds uint32
	if headerSize == 32 {
		ncmds = binary.LittleEndian.Uint32(data[16:20])
		sizeofcmds = binary.LittleEndian.Uint32(data[20:24])
	} else {
		ncmds = binary.LittleEndian.Uint32(data[12:16])
		sizeofcmds = binary.LittleEndian.Uint32(data[16:20])
	}
	if uint32(len(data)) < headerSize+sizeofcmds {
		return 0, 0, false
	}

	cmdOffset := headerSize
	for i := uint32(0); i < ncmds; i++ {
		if cmdOffset+8 > headerSize+sizeofcmds {
			break
		}
		cmd := binary.LittleEndian.Uint32(data[cmdOffset:])
		cmdSize := binary.LittleEndian.Uint32(data[cmdOffset+4:])
		if cmd == LC_CODE_SIGNATURE && cmdSize >= 16 {
			return binary.LittleEndian.Uint32(data[cmdOffset+8:]), binary.LittleEndian.Uint32(data[cmdOffset+12:]), true
		}
		cmdOffset += cmdSize
	}
	return 0, 0, false
}

func signThinBinary(data []byte, m *macho.File, identity *SigningIdentity, entitlements []byte, bundleID string, bundleCtx *BundleSigningContext) ([]byte, error) {
	is64Bit := m.Magic == types.Magic64
	headerSize := uint32(32)
	if !is64Bit {
		headerSize = 28
	}

	var textOffset, textSize uint64
	var linkeditSegOffset uint32
	var linkeditFileoff uint64

	cmdOffset := headerSize
	for _, load := range m.Loads {
		if seg, ok := load.(*macho.Segment); ok {
			switch seg.Name {
			case "__TEXT":
				textOffset = seg.Offset
				textSize = seg.Filesz
			case "__LINKEDIT":
				linkeditSegOffset = cmdOffset
				linkeditFileoff = seg.Offset
			}
		}
		cmdOffset += load.LoadSize()
	}

	// An existing LC_CODE_SIGNATURE marks where code ends and the old
	// signature begins.
	codeSize := uint64(len(data))
	var csLoadCmdOffset uint32
	cmdOffset = headerSize
	for _, load := range m.Loads {
		if cs, ok := load.(*macho.CodeSignature); ok {
			codeSize = uint64(cs.Offset)
			csLoadCmdOffset = cmdOffset
			break
		}
		cmdOffset += load.LoadSize()
	}

	if csLoadCmdOffset == 0 {
		return signUnsignedBinary(data, m, identity, entitlements, bundleID, textOffset, textSize, bundleCtx)
	}

	// Reserve room for SHA-1 and SHA-256 page hashes (52 bytes per page)
	// plus slack for the variable-size blobs.
	codePages := (codeSize + pageSize - 1) / pageSize
	hashSpaceNeeded := (codePages + 1) * 52
	alignedHashSpace := ((hashSpaceNeeded + 4095) / 4096) * 4096
	finalSigSize := uint32(alignedHashSpace + 16384)

	// The page hashes must cover the final load commands, so patch
	// LC_CODE_SIGNATURE and __LINKEDIT before hashing.
	dataForHashing := make([]byte, codeSize)
	copy(dataForHashing, data[:codeSize])
	binary.LittleEndian.PutUint32(dataForHashing[csLoadCmdOffset+8:], uint32(codeSize))
	binary.LittleEndian.PutUint32(dataForHashing[csLoadCmdOffset+12:], finalSigSize)

	if linkeditSegOffset > 0 {
		newFileSize := codeSize + uint64(finalSigSize)
		newLinkeditFilesize := newFileSize - linkeditFileoff
		newLinkeditVmsize := ((newLinkeditFilesize + 4095) / 4096) * 4096
		patchLinkeditSize(dataForHashing, linkeditSegOffset, is64Bit, newLinkeditVmsize, newLinkeditFilesize)
	}

	sig, err := buildSuperBlob(dataForHashing, identity, entitlements, bundleID, textOffset, textSize, bundleCtx)
	if err != nil {
		return nil, err
	}

	paddedSig := make([]byte, finalSigSize)
	copy(paddedSig, sig)

	result := make([]byte, codeSize+uint64(finalSigSize))
	copy(result, dataForHashing)
	copy(result[codeSize:], paddedSig)
	return result, nil
}

// signUnsignedBinary appends an LC_CODE_SIGNATURE load command to a binary
// that never carried one and signs it.
func signUnsignedBinary(data []byte, m *macho.File, identity *SigningIdentity, entitlements []byte, bundleID string, textOffset, textSize uint64, bundleCtx *BundleSigningContext) ([]byte, error) {
	is64Bit := m.Magic == types.Magic64
	headerSize := uint32(28)
	if is64Bit {
		headerSize = 32
	}

	var ncmds, sizeofcmds uint32
	if is64Bit {
		ncmds = binary.LittleEndian.Uint32(data[16:20])
		sizeofcmds = binary.LittleEndian.Uint32(data[20:24])
	} else {
		ncmds = binary.LittleEndian.Uint32(data[12:16])
		sizeofcmds = binary.LittleEndian.Uint32(data[16:20])
	}

	// The new load command has to fit before __TEXT's file data.
	loadCmdsEnd := headerSize + sizeofcmds
	if textOffset > 0 && uint64(loadCmdsEnd+LC_CODE_SIGNATURE_SIZE) > textOffset {
		return nil, fmt.Errorf("no room to add LC_CODE_SIGNATURE load command (need %d bytes, only %d available)",
			LC_CODE_SIGNATURE_SIZE, textOffset-uint64(loadCmdsEnd))
	}

	var linkeditOffset uint32
	var linkeditFilesize, linkeditVmsize uint64
	cmdOffset := headerSize
	for _, load := range m.Loads {
		if seg, ok := load.(*macho.Segment); ok && seg.Name == "__LINKEDIT" {
			linkeditOffset = cmdOffset
			linkeditFilesize = seg.Filesz
			linkeditVmsize = seg.Memsz
			break
		}
		cmdOffset += load.LoadSize()
	}

	codeSize := uint64(len(data))
	alignedCodeSize := (codeSize + 15) &^ 15 // code limit must be 16-byte aligned

	codePages := (alignedCodeSize / pageSize) + 1
	hashSpaceNeeded := codePages * 52
	alignedHashSpace := ((hashSpaceNeeded + 4095) / 4096) * 4096
	finalSigSize := uint32(alignedHashSpace + 16384)

	dataWithNewCmd := make([]byte, alignedCodeSize)
	copy(dataWithNewCmd, data)

	if is64Bit {
		binary.LittleEndian.PutUint32(dataWithNewCmd[16:20], ncmds+1)
		binary.LittleEndian.PutUint32(dataWithNewCmd[20:24], sizeofcmds+LC_CODE_SIGNATURE_SIZE)
	} else {
		binary.LittleEndian.PutUint32(dataWithNewCmd[12:16], ncmds+1)
		binary.LittleEndian.PutUint32(dataWithNewCmd[16:20], sizeofcmds+LC_CODE_SIGNATURE_SIZE)
	}

	csLoadCmdOffset := loadCmdsEnd
	binary.LittleEndian.PutUint32(dataWithNewCmd[csLoadCmdOffset:], LC_CODE_SIGNATURE)
	binary.LittleEndian.PutUint32(dataWithNewCmd[csLoadCmdOffset+4:], LC_CODE_SIGNATURE_SIZE)
	binary.LittleEndian.PutUint32(dataWithNewCmd[csLoadCmdOffset+8:], uint32(alignedCodeSize))
	binary.LittleEndian.PutUint32(dataWithNewCmd[csLoadCmdOffset+12:], finalSigSize)

	if linkeditOffset > 0 {
		newLinkeditFilesize := linkeditFilesize + (alignedCodeSize - codeSize) + uint64(finalSigSize)
		sizeIncrease := (alignedCodeSize + uint64(finalSigSize)) - codeSize
		newLinkeditVmsize := ((linkeditVmsize + sizeIncrease + 4095) / 4096) * 4096
		patchLinkeditSize(dataWithNewCmd, linkeditOffset, is64Bit, newLinkeditVmsize, newLinkeditFilesize)
	}

	sig, err := buildSuperBlob(dataWithNewCmd, identity, entitlements, bundleID, textOffset, textSize, bundleCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to create signature: %w", err)
	}

	paddedSig := make([]byte, finalSigSize)
	copy(paddedSig, sig)

	result := make([]byte, alignedCodeSize+uint64(finalSigSize))
	copy(result, dataWithNewCmd)
	copy(result[alignedCodeSize:], paddedSig)
	return result, nil
}

// patchLinkeditSize rewrites __LINKEDIT's vmsize and filesize in place.
// 64-bit segment commands hold them at offsets 32/48, 32-bit at 28/36.
func patchLinkeditSize(data []byte, segOffset uint32, is64Bit bool, vmsize, filesize uint64) {
	if is64Bit {
		binary.LittleEndian.PutUint64(data[segOffset+32:], vmsize)
		binary.LittleEndian.PutUint64(data[segOffset+48:], filesize)
	} else {
		binary.LittleEndian.PutUint32(data[segOffset+28:], uint32(vmsize))
		binary.LittleEndian.PutUint32(data[segOffset+36:], uint32(filesize))
	}
}

func signFatBinary(path string, data []byte, identity *SigningIdentity, entitlements []byte, bundleID string, bundleCtx *BundleSigningContext) error {
	fat, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to parse fat binary: %w", err)
	}
	defer fat.Close()

	signedArches := make([][]byte, len(fat.Arches))
	for i, arch := range fat.Arches {
		archData := data[arch.Offset : uint64(arch.Offset)+uint64(arch.Size)]

		m, err := macho.NewFile(bytes.NewReader(withSignatureZeroed(archData)))
		if err != nil {
			return fmt.Errorf("failed to parse arch %d: %w", i, err)
		}

		signedArch, err := signThinBinary(archData, m, identity, entitlements, bundleID, bundleCtx)
		m.Close()
		if err != nil {
			return fmt.Errorf("failed to sign arch %d: %w", i, err)
		}
		signedArches[i] = signedArch
	}

	// Rebuild the fat container; slices stay 16KB aligned.
	const alignment = 0x4000
	headerSize := 8 + len(fat.Arches)*20

	offsets := make([]uint32, len(fat.Arches))
	currentOffset := uint32(headerSize)
	for i := range signedArches {
		if currentOffset%alignment != 0 {
			currentOffset = ((currentOffset / alignment) + 1) * alignment
		}
		offsets[i] = currentOffset
		currentOffset += uint32(len(signedArches[i]))
	}

	result := make([]byte, currentOffset)
	result[0] = 0xca
	result[1] = 0xfe
	result[2] = 0xba
	result[3] = 0xbe
	binary.BigEndian.PutUint32(result[4:], uint32(len(fat.Arches)))

	for i, arch := range fat.Arches {
		base := 8 + i*20
		binary.BigEndian.PutUint32(result[base:], uint32(arch.CPU))
		binary.BigEndian.PutUint32(result[base+4:], uint32(arch.SubCPU))
		binary.BigEndian.PutUint32(result[base+8:], offsets[i])
		binary.BigEndian.PutUint32(result[base+12:], uint32(len(signedArches[i])))
		binary.BigEndian.PutUint32(result[base+16:], arch.Align)
	}
	for i, archData := range signedArches {
		copy(result[offsets[i]:], archData)
	}

	return os.WriteFile(path, result, 0755)
}

// buildSuperBlob assembles the embedded signature over codeData. Blob order
// is SHA-1 CodeDirectory, requirements, entitlements (XML then DER when
// present), SHA-256 CodeDirectory, CMS.
func buildSuperBlob(codeData []byte, identity *SigningIdentity, entitlements []byte, bundleID string, textOffset, textSize uint64, bundleCtx *BundleSigningContext) ([]byte, error) {
	codeSize := int64(len(codeData))
	nhashes := (codeSize + pageSize - 1) / pageSize
	hasEntitlements := len(entitlements) > 0

	var teamID string
	if bundleCtx != nil && bundleCtx.TeamID != "" {
		teamID = bundleCtx.TeamID
	}

	var infoPlistData, codeResourcesData []byte
	if bundleCtx != nil {
		if bundleCtx.InfoPlistPath != "" {
			if data, err := os.ReadFile(bundleCtx.InfoPlistPath); err == nil {
				infoPlistData = data
			}
		}
		if bundleCtx.CodeResourcesPath != "" {
			if data, err := os.ReadFile(bundleCtx.CodeResourcesPath); err == nil {
				codeResourcesData = data
			}
		}
	}

	signerCN := ""
	if identity != nil && identity.Certificate != nil {
		signerCN = identity.Certificate.Subject.CommonName
	}
	reqBlob := buildRequirementsBlob(bundleID, signerCN)

	// An entitlements plist holding a bare empty dict still gets an XML
	// blob but no DER blob and only 5 special slots.
	isEmptyEntitlements := hasEntitlements && isEmptyEntitlementsXML(string(entitlements))

	var entBlob, entDERBlob []byte
	if hasEntitlements {
		entBlob = buildEntitlementsBlob(entitlements)
		if !isEmptyEntitlements {
			entDERBlob = buildEntitlementsDERBlob(entitlements)
		}
	}

	// Nested bundles carry CodeResources but no entitlements; slot 3 still
	// has to be covered for them.
	hasCodeResources := len(codeResourcesData) > 0
	nSpecialSlots := uint32(2)
	if hasEntitlements && !isEmptyEntitlements {
		nSpecialSlots = 7
	} else if hasEntitlements || hasCodeResources {
		nSpecialSlots = 5
	}

	// Only a debuggable main binary gets the exec segment flags.
	var execSegFlags uint64
	if hasEntitlements && strings.Contains(string(entitlements), "get-task-allow") {
		execSegFlags = CS_EXECSEG_MAIN_BINARY | CS_EXECSEG_ALLOW_UNSIGNED
	}

	cdirSHA1 := buildCodeDirectory(codeData, bundleID, teamID, nSpecialSlots, nhashes, codeSize,
		textOffset, textSize, reqBlob, entBlob, entDERBlob, infoPlistData, codeResourcesData,
		sha1.Size, CS_HASHTYPE_SHA1, execSegFlags)

	cdirSHA256 := buildCodeDirectory(codeData, bundleID, teamID, nSpecialSlots, nhashes, codeSize,
		textOffset, textSize, reqBlob, entBlob, entDERBlob, infoPlistData, codeResourcesData,
		sha256.Size, CS_HASHTYPE_SHA256, execSegFlags)

	// The CMS blob signs the SHA-1 CodeDirectory; hashes of both
	// directories ride along as signed attributes. An ad-hoc signature
	// (nil identity) carries no CMS blob at all.
	var cmsBlob []byte
	if identity != nil {
		blob, err := buildCMSSignature(cdirSHA1, cdirSHA256, identity)
		if err != nil {
			return nil, fmt.Errorf("failed to create CMS signature: %w", err)
		}
		cmsBlob = blob
	}

	blobCount := 3 // SHA-1 CodeDirectory + Requirements + SHA-256 CodeDirectory
	if identity != nil {
		blobCount++
	}
	if hasEntitlements && !isEmptyEntitlements {
		blobCount += 2
	} else if hasEntitlements {
		blobCount++
	}

	headerSize := 12 + blobCount*8
	cdirSHA1Offset := headerSize
	reqOffset := cdirSHA1Offset + len(cdirSHA1)
	entOffset := reqOffset + len(reqBlob)
	entDEROffset := entOffset
	cdirSHA256Offset := entOffset
	if hasEntitlements && !isEmptyEntitlements {
		entDEROffset = entOffset + len(entBlob)
		cdirSHA256Offset = entDEROffset + len(entDERBlob)
	} else if hasEntitlements {
		cdirSHA256Offset = entOffset + len(entBlob)
	}
	cmsOffset := cdirSHA256Offset + len(cdirSHA256)
	totalSize := cmsOffset + len(cmsBlob)

	superBlob := make([]byte, totalSize)
	outp := superBlob

	outp = put32be(outp, CSMAGIC_EMBEDDED_SIGNATURE)
	outp = put32be(outp, uint32(totalSize))
	outp = put32be(outp, uint32(blobCount))

	outp = put32be(outp, CSSLOT_CODEDIRECTORY)
	outp = put32be(outp, uint32(cdirSHA1Offset))

	outp = put32be(outp, CSSLOT_REQUIREMENTS)
	outp = put32be(outp, uint32(reqOffset))

	if hasEntitlements {
		outp = put32be(outp, CSSLOT_ENTITLEMENTS)
		outp = put32be(outp, uint32(entOffset))
		if !isEmptyEntitlements {
			outp = put32be(outp, CSSLOT_ENTITLEMENTS_DER)
			outp = put32be(outp, uint32(entDEROffset))
		}
	}

	outp = put32be(outp, CSSLOT_ALTERNATE_CODEDIRECTORIES)
	outp = put32be(outp, uint32(cdirSHA256Offset))

	if identity != nil {
		outp = put32be(outp, CSSLOT_CMS_SIGNATURE)
		outp = put32be(outp, uint32(cmsOffset))
	}

	copy(superBlob[cdirSHA1Offset:], cdirSHA1)
	copy(superBlob[reqOffset:], reqBlob)
	if hasEntitlements {
		copy(superBlob[entOffset:], entBlob)
		if !isEmptyEntitlements && len(entDERBlob) > 0 {
			copy(superBlob[entDEROffset:], entDERBlob)
		}
	}
	copy(superBlob[cdirSHA256Offset:], cdirSHA256)
	if len(cmsBlob) > 0 {
		copy(superBlob[cmsOffset:], cmsBlob)
	}

	return superBlob, nil
}

// buildCodeDirectory emits a v0x20400 CodeDirectory using the given hash
// algorithm. Layout is header, identifier, optional team ID, special slot
// hashes in reverse slot order, then the page hashes.
func buildCodeDirectory(codeData []byte, bundleID, teamID string, nSpecialSlots uint32, nhashes, codeSize int64,
	textOffset, textSize uint64, reqBlob, entBlob, entDERBlob, infoPlistData, codeResourcesData []byte,
	hashSize int, hashType uint8, execSegFlags uint64) []byte {

	idOff := uint32(88) // v0x20400 header size
	teamOff := uint32(0)
	hashOff := idOff + uint32(len(bundleID)+1)

	if teamID != "" {
		teamOff = hashOff
		hashOff = teamOff + uint32(len(teamID)+1)
	}
	hashOff += nSpecialSlots * uint32(hashSize)

	cdirLen := hashOff + uint32(nhashes)*uint32(hashSize)
	cdir := make([]byte, cdirLen)
	outp := cdir

	outp = put32be(outp, CSMAGIC_CODEDIRECTORY)
	outp = put32be(outp, cdirLen)
	outp = put32be(outp, 0x20400)          // version
	outp = put32be(outp, 0)                // flags
	outp = put32be(outp, hashOff)          // hashOffset
	outp = put32be(outp, idOff)            // identOffset
	outp = put32be(outp, nSpecialSlots)    // nSpecialSlots
	outp = put32be(outp, uint32(nhashes))  // nCodeSlots
	outp = put32be(outp, uint32(codeSize)) // codeLimit
	outp = put8(outp, uint8(hashSize))     // hashSize
	outp = put8(outp, hashType)            // hashType
	outp = put8(outp, 0)                   // pad1
	outp = put8(outp, pageSizeBits)        // pageSize
	outp = put32be(outp, 0)                // pad2
	outp = put32be(outp, 0)                // scatterOffset
	outp = put32be(outp, teamOff)          // teamOffset
	outp = put32be(outp, 0)                // pad3
	outp = put64be(outp, 0)                // codeLimit64
	outp = put64be(outp, textOffset)       // execSegBase
	outp = put64be(outp, textSize)         // execSegLimit
	outp = put64be(outp, execSegFlags)     // execSegFlags

	outp = puts(outp, []byte(bundleID+"\x00"))
	if teamID != "" {
		outp = puts(outp, []byte(teamID+"\x00"))
	}

	// Special slot hashes, slot -nSpecialSlots up to slot -1.
	for i := int(nSpecialSlots); i >= 1; i-- {
		var hash []byte
		switch i {
		case 1: // Info.plist
			hash = computeHash(infoPlistData, hashType)
		case 2: // Requirements
			hash = computeHash(reqBlob, hashType)
		case 3: // CodeResources
			hash = computeHash(codeResourcesData, hashType)
		case 5: // entitlements XML
			hash = computeHash(entBlob, hashType)
		case 7: // entitlements DER
			hash = computeHash(entDERBlob, hashType)
		default: // slots 4 and 6 stay empty
			hash = make([]byte, hashSize)
		}
		outp = puts(outp, hash)
	}

	for p := int64(0); p < codeSize; p += pageSize {
		end := p + pageSize
		if end > codeSize {
			end = codeSize
		}
		outp = puts(outp, computeHash(codeData[p:end], hashType))
	}

	return cdir
}

// computeHash returns a zero hash of the right width for missing data, since
// empty special slots are encoded as all-zero hashes.
func computeHash(data []byte, hashType uint8) []byte {
	if len(data) == 0 {
		if hashType == CS_HASHTYPE_SHA1 {
			return make([]byte, sha1.Size)
		}
		return make([]byte, sha256.Size)
	}
	switch hashType {
	case CS_HASHTYPE_SHA1:
		h := sha1.Sum(data)
		return h[:]
	case CS_HASHTYPE_SHA256:
		h := sha256.Sum256(data)
		return h[:]
	default:
		return nil
	}
}

// isEmptyEntitlementsXML reports whether the plist holds nothing but an
// empty dict.
func isEmptyEntitlementsXML(entitlements string) bool {
	if strings.Contains(entitlements, "<dict></dict>") || strings.Contains(entitlements, "<dict/>") {
		return !strings.Contains(entitlements, "<key>")
	}
	return false
}

// buildRequirementsBlob wraps the designated requirement in a requirements
// super blob.
func buildRequirementsBlob(bundleID, signerCN string) []byte {
	reqExpr := buildDesignatedRequirement(bundleID, signerCN)

	reqCount := uint32(1)
	headerSize := 12 + reqCount*8
	totalSize := headerSize + uint32(len(reqExpr))

	blob := make([]byte, totalSize)
	outp := blob

	outp = put32be(outp, CSMAGIC_REQUIREMENTS)
	outp = put32be(outp, totalSize)
	outp = put32be(outp, reqCount)
	outp = put32be(outp, 3) // kSecDesignatedRequirementType
	outp = put32be(outp, headerSize)

	copy(blob[headerSize:], reqExpr)
	return blob
}

// buildDesignatedRequirement encodes the requirement expression
//
//	identifier "bundleID" and anchor apple generic
//	  and certificate leaf[subject.CN] = "signerCN"
//	  and certificate 1[field.1.2.840.113635.100.6.2.1] exists
//
// With an empty signerCN (ad-hoc) the certificate clauses are dropped.
func buildDesignatedRequirement(bundleID, signerCN string) []byte {
	// Opcodes from Apple's requirement VM.
	const (
		opAnd                = 6
		opIdent              = 2
		opAppleGenericAnchor = 15
		opCertField          = 11
		opCertGeneric        = 14
		matchExists          = 0
		matchEqual           = 1
	)

	var exprData bytes.Buffer

	// Strings are length-prefixed and padded to 4 bytes.
	writeString := func(s string) {
		data := []byte(s)
		strLen := len(data)
		paddedLen := (strLen + 3) &^ 3
		binary.Write(&exprData, binary.BigEndian, uint32(strLen))
		exprData.Write(data)
		for i := strLen; i < paddedLen; i++ {
			exprData.WriteByte(0)
		}
	}

	if signerCN == "" {
		binary.Write(&exprData, binary.BigEndian, uint32(opAnd))
		binary.Write(&exprData, binary.BigEndian, uint32(opIdent))
		writeString(bundleID)
		binary.Write(&exprData, binary.BigEndian, uint32(opAppleGenericAnchor))
	} else {
		binary.Write(&exprData, binary.BigEndian, uint32(opAnd))
		binary.Write(&exprData, binary.BigEndian, uint32(opIdent))
		writeString(bundleID)

		binary.Write(&exprData, binary.BigEndian, uint32(opAnd))
		binary.Write(&exprData, binary.BigEndian, uint32(opAppleGenericAnchor))

		binary.Write(&exprData, binary.BigEndian, uint32(opAnd))

		binary.Write(&exprData, binary.BigEndian, uint32(opCertField))
		binary.Write(&exprData, binary.BigEndian, uint32(0)) // cert slot 0 = leaf
		writeString("subject.CN")
		binary.Write(&exprData, binary.BigEndian, uint32(matchEqual))
		writeString(signerCN)

		// OID 1.2.840.113635.100.6.2.1, the Apple developer extension on
		// the intermediate.
		appleDevOID := []byte{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x63, 0x64, 0x06, 0x02, 0x01}
		binary.Write(&exprData, binary.BigEndian, uint32(opCertGeneric))
		binary.Write(&exprData, binary.BigEndian, uint32(1)) // cert slot 1 = intermediate
		oidLen := len(appleDevOID)
		paddedOIDLen := (oidLen + 3) &^ 3
		binary.Write(&exprData, binary.BigEndian, uint32(oidLen))
		exprData.Write(appleDevOID)
		for i := oidLen; i < paddedOIDLen; i++ {
			exprData.WriteByte(0)
		}
		binary.Write(&exprData, binary.BigEndian, uint32(matchExists))
	}

	expr := exprData.Bytes()
	totalSize := 8 + 4 + len(expr)
	blob := make([]byte, totalSize)
	binary.BigEndian.PutUint32(blob[0:], CSMAGIC_REQUIREMENT)
	binary.BigEndian.PutUint32(blob[4:], uint32(totalSize))
	binary.BigEndian.PutUint32(blob[8:], 1) // kind = expression
	copy(blob[12:], expr)
	return blob
}

func buildEntitlementsBlob(entitlements []byte) []byte {
	totalSize := 8 + len(entitlements)
	blob := make([]byte, totalSize)
	binary.BigEndian.PutUint32(blob[0:], CSMAGIC_EMBEDDED_ENTITLEMENTS)
	binary.BigEndian.PutUint32(blob[4:], uint32(totalSize))
	copy(blob[8:], entitlements)
	return blob
}

func buildEntitlementsDERBlob(entitlements []byte) []byte {
	entMap, err := ParseEntitlementsXML(entitlements)
	if err != nil {
		return nil
	}
	derData, err := EntitlementsToDER(entMap)
	if err != nil {
		return nil
	}

	totalSize := 8 + len(derData)
	blob := make([]byte, totalSize)
	binary.BigEndian.PutUint32(blob[0:], CSMAGIC_EMBEDDED_ENTITLEMENTS_DER)
	binary.BigEndian.PutUint32(blob[4:], uint32(totalSize))
	copy(blob[8:], derData)
	return blob
}

// buildCMSSignature produces the blob-wrapped detached CMS signature over
// the SHA-1 CodeDirectory. The messageDigest is SHA-256 of that directory;
// both directory hashes are carried in Apple's signed attributes.
func buildCMSSignature(cdirSHA1, cdirSHA256 []byte, identity *SigningIdentity) ([]byte, error) {
	signedData, err := pkcs7.NewSignedData(cdirSHA1)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed data: %w", err)
	}
	signedData.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	rsaKey, ok := identity.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("only RSA keys are supported")
	}

	cdHashesAttrs, err := buildCDHashesAttributes(cdirSHA1, cdirSHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to build CDHashes attributes: %w", err)
	}

	// CertChain is [signing cert, WWDR G3, Root CA]; AddSignerChain lays
	// the parents down after the leaf.
	var parents []*x509.Certificate
	if len(identity.CertChain) > 1 {
		parents = identity.CertChain[1:]
	}
	signerConfig := pkcs7.SignerInfoConfig{
		ExtraSignedAttributes: cdHashesAttrs,
	}
	if err := signedData.AddSignerChain(identity.Certificate, rsaKey, parents, signerConfig); err != nil {
		return nil, fmt.Errorf("failed to add signer chain: %w", err)
	}

	signedData.Detach()
	der, err := signedData.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish signing: %w", err)
	}

	totalSize := 8 + len(der)
	blob := make([]byte, totalSize)
	binary.BigEndian.PutUint32(blob[0:], CSMAGIC_BLOBWRAPPER)
	binary.BigEndian.PutUint32(blob[4:], uint32(totalSize))
	copy(blob[8:], der)
	return blob, nil
}

// buildCDHashesAttributes returns the two Apple signed attributes:
// 1.2.840.113635.100.9.1 holds a plist of truncated directory hashes,
// 1.2.840.113635.100.9.2 holds the full SHA-256 of the SHA-256 directory.
func buildCDHashesAttributes(cdirSHA1, cdirSHA256 []byte) ([]pkcs7.Attribute, error) {
	oidCDHashesPlist := asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 1}
	oidCDHashes2 := asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 2}

	sha1CDHash := sha1.Sum(cdirSHA1)
	sha256CDHash := sha256.Sum256(cdirSHA256)

	cdHashesPlist := buildCDHashesPlist(sha1CDHash[:], sha256CDHash[:20])

	cdHashes2Value, err := buildCDHashes2ASN1(sha256CDHash[:])
	if err != nil {
		return nil, err
	}

	return []pkcs7.Attribute{
		{Type: oidCDHashesPlist, Value: cdHashesPlist},
		{Type: oidCDHashes2, Value: cdHashes2Value},
	}, nil
}

func buildCDHashesPlist(sha1Hash, truncatedSHA256 []byte) []byte {
	cdHashes := map[string]interface{}{
		"cdhashes": [][]byte{sha1Hash, truncatedSHA256},
	}
	data, err := plist.Marshal(cdHashes, plist.XMLFormat)
	if err != nil {
		return []byte{}
	}
	return data
}

// buildCDHashes2ASN1 encodes SEQUENCE { OID sha256, OCTET STRING hash }.
func buildCDHashes2ASN1(sha256Hash []byte) (asn1.RawValue, error) {
	type hashSeq struct {
		Algorithm asn1.ObjectIdentifier
		Hash      []byte
	}
	encoded, err := asn1.Marshal(hashSeq{
		Algorithm: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1},
		Hash:      sha256Hash,
	})
	if err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{FullBytes: encoded}, nil
}
