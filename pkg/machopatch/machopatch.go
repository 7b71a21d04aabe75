// Package machopatch edits Mach-O load commands ahead of re-signing:
// injecting tweak dylibs, swapping dylib install names and lifting the
// reported SDK version. All slices of a fat binary are patched together and
// written back as one file.
package machopatch

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

const (
	fatMagic        = 0xcafebabe
	machMagic64     = 0xfeedfacf
	machMagic32     = 0xfeedface
	lcCodeSignature = 0x1d

	csMagicEmbeddedSignature = 0xfade0cc0
	csSlotEntitlements       = 5

	// fat slices are page aligned for arm64
	sliceAlignment = 0x4000
)

type fatArch struct {
	cpu    uint32
	subCPU uint32
	align  uint32
}

// File is a Mach-O opened for patching. Edits accumulate in memory across
// every architecture slice; Save writes the rebuilt binary over the original
// path and invalidates any existing code signature.
type File struct {
	path   string
	fat    bool
	arches []fatArch
	slices []*macho.File
	tmps   []string
	tmpDir string
}

// Open loads a thin or fat Mach-O for patching.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read binary: %w", err)
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("file too short to be a Mach-O: %s", path)
	}

	tmpDir, err := os.MkdirTemp("", "machopatch-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	f := &File{path: path, tmpDir: tmpDir}
	if binary.BigEndian.Uint32(data[:4]) == fatMagic {
		f.fat = true
		if err := f.openFat(data); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := f.openSlice(data, fatArch{}); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (f *File) openFat(data []byte) error {
	narches := binary.BigEndian.Uint32(data[4:8])
	for i := uint32(0); i < narches; i++ {
		base := 8 + i*20
		if uint32(len(data)) < base+20 {
			return fmt.Errorf("truncated fat header")
		}
		arch := fatArch{
			cpu:    binary.BigEndian.Uint32(data[base:]),
			subCPU: binary.BigEndian.Uint32(data[base+4:]),
			align:  binary.BigEndian.Uint32(data[base+16:]),
		}
		offset := binary.BigEndian.Uint32(data[base+8:])
		size := binary.BigEndian.Uint32(data[base+12:])
		if uint64(offset)+uint64(size) > uint64(len(data)) {
			return fmt.Errorf("fat slice %d extends beyond file", i)
		}
		if err := f.openSlice(data[offset:offset+size], arch); err != nil {
			return fmt.Errorf("slice %d: %w", i, err)
		}
	}
	if len(f.slices) == 0 {
		return fmt.Errorf("fat binary holds no slices")
	}
	return nil
}

// openSlice stages the slice bytes in a temp file so go-macho can rewrite
// them independently of the original binary.
func (f *File) openSlice(data []byte, arch fatArch) error {
	tmp := filepath.Join(f.tmpDir, fmt.Sprintf("slice-%d", len(f.slices)))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to stage slice: %w", err)
	}
	m, err := macho.Open(tmp)
	if err != nil {
		return fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	f.slices = append(f.slices, m)
	f.tmps = append(f.tmps, tmp)
	f.arches = append(f.arches, arch)
	return nil
}

// DylibPaths returns the dylib install names loaded by the first slice.
func (f *File) DylibPaths() []string {
	var paths []string
	for _, load := range f.slices[0].Loads {
		switch lc := load.(type) {
		case *macho.LoadDylib:
			paths = append(paths, lc.Name)
		case *macho.WeakDylib:
			paths = append(paths, lc.Name)
		}
	}
	return paths
}

// Entitlements returns the entitlement XML embedded in the binary's code
// signature, or nil when the binary is unsigned or carries none.
func (f *File) Entitlements() ([]byte, error) {
	data, err := os.ReadFile(f.tmps[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read slice: %w", err)
	}
	return entitlementsFromData(data), nil
}

func entitlementsFromData(data []byte) []byte {
	sigOffset, sigSize, found := codeSignatureBounds(data)
	if !found || uint64(sigOffset)+uint64(sigSize) > uint64(len(data)) {
		return nil
	}
	sig := data[sigOffset : sigOffset+sigSize]
	if len(sig) < 12 || binary.BigEndian.Uint32(sig[0:4]) != csMagicEmbeddedSignature {
		return nil
	}

	count := binary.BigEndian.Uint32(sig[8:12])
	for i := uint32(0); i < count; i++ {
		entry := 12 + i*8
		if uint32(len(sig)) < entry+8 {
			break
		}
		slot := binary.BigEndian.Uint32(sig[entry:])
		offset := binary.BigEndian.Uint32(sig[entry+4:])
		if slot != csSlotEntitlements {
			continue
		}
		if offset+8 > uint32(len(sig)) {
			break
		}
		size := binary.BigEndian.Uint32(sig[offset+4:])
		if size < 8 || offset+size > uint32(len(sig)) {
			break
		}
		// skip the blob magic and length
		return sig[offset+8 : offset+size]
	}
	return nil
}

// AddDylib appends an LC_LOAD_DYLIB command for path to every slice. A slice
// already loading the path is left alone; fat slices can disagree on their
// load commands, so each one is checked on its own.
func (f *File) AddDylib(path string) error {
	var ver types.Version
	if err := ver.Set("1.0.0"); err != nil {
		return err
	}
	for _, m := range f.slices {
		if sliceLoadsDylib(m, path) {
			continue
		}
		m.AddLoad(&macho.Dylib{
			DylibCmd: types.DylibCmd{
				LoadCmd:        types.LC_LOAD_DYLIB,
				Len:            pointerAlign(uint32(binary.Size(types.DylibCmd{}) + len(path) + 1)),
				NameOffset:     0x18,
				Timestamp:      2,
				CurrentVersion: ver,
				CompatVersion:  ver,
			},
			Name: path,
		})
	}
	return nil
}

func sliceLoadsDylib(m *macho.File, path string) bool {
	for _, load := range m.Loads {
		switch lc := load.(type) {
		case *macho.LoadDylib:
			if lc.Name == path {
				return true
			}
		case *macho.WeakDylib:
			if lc.Name == path {
				return true
			}
		}
	}
	return false
}

// ReplaceDylib rewrites the install name oldPath to newPath in place across
// all slices. It fails when no load command references oldPath.
func (f *File) ReplaceDylib(oldPath, newPath string) error {
	replaced := false
	for _, m := range f.slices {
		for _, load := range m.Loads {
			switch lc := load.(type) {
			case *macho.LoadDylib:
				if lc.Name != oldPath {
					continue
				}
				prevLen := int32(lc.Len)
				lc.Len = pointerAlign(uint32(binary.Size(types.DylibCmd{}) + len(newPath) + 1))
				lc.Name = newPath
				m.ModifySizeCommands(prevLen, int32(lc.Len))
				replaced = true
			case *macho.WeakDylib:
				if lc.Name != oldPath {
					continue
				}
				prevLen := int32(lc.Len)
				lc.Len = pointerAlign(uint32(binary.Size(types.DylibCmd{}) + len(newPath) + 1))
				lc.Name = newPath
				m.ModifySizeCommands(prevLen, int32(lc.Len))
				replaced = true
			}
		}
	}
	if !replaced {
		return fmt.Errorf("no load command references %s", oldPath)
	}
	return nil
}

// ReplaceSDKVersion rewrites the SDK version reported by LC_BUILD_VERSION
// and the LC_VERSION_MIN commands in every slice.
func (f *File) ReplaceSDKVersion(version string) error {
	var sdk types.Version
	if err := sdk.Set(version); err != nil {
		return fmt.Errorf("failed to parse SDK version %q: %w", version, err)
	}
	for _, m := range f.slices {
		for _, load := range m.Loads {
			switch lc := load.(type) {
			case *macho.BuildVersion:
				lc.Sdk = sdk
			case *macho.VersionMiniPhoneOS:
				lc.Sdk = sdk
			case *macho.VersionMinMacOSX:
				lc.Sdk = sdk
			}
		}
	}
	return nil
}

// Save writes the patched binary back over the original path.
func (f *File) Save() error {
	patched := make([][]byte, len(f.slices))
	for i, m := range f.slices {
		out := f.tmps[i] + ".patched"
		if err := m.Save(out); err != nil {
			return fmt.Errorf("failed to save slice %d: %w", i, err)
		}
		data, err := os.ReadFile(out)
		if err != nil {
			return fmt.Errorf("failed to read patched slice: %w", err)
		}
		patched[i] = data
	}

	if !f.fat {
		return os.WriteFile(f.path, patched[0], 0o755)
	}
	return os.WriteFile(f.path, buildFat(f.arches, patched), 0o755)
}

// Close releases the parsed slices and their staging files.
func (f *File) Close() error {
	for _, m := range f.slices {
		m.Close()
	}
	return os.RemoveAll(f.tmpDir)
}

// buildFat reassembles a fat container around the patched slices, keeping
// each arch entry's cpu type and alignment.
func buildFat(arches []fatArch, slices [][]byte) []byte {
	headerSize := uint32(8 + len(arches)*20)
	offsets := make([]uint32, len(slices))
	current := headerSize
	for i := range slices {
		if current%sliceAlignment != 0 {
			current = ((current / sliceAlignment) + 1) * sliceAlignment
		}
		offsets[i] = current
		current += uint32(len(slices[i]))
	}

	out := make([]byte, current)
	binary.BigEndian.PutUint32(out[0:], fatMagic)
	binary.BigEndian.PutUint32(out[4:], uint32(len(arches)))
	for i, arch := range arches {
		base := 8 + i*20
		binary.BigEndian.PutUint32(out[base:], arch.cpu)
		binary.BigEndian.PutUint32(out[base+4:], arch.subCPU)
		binary.BigEndian.PutUint32(out[base+8:], offsets[i])
		binary.BigEndian.PutUint32(out[base+12:], uint32(len(slices[i])))
		binary.BigEndian.PutUint32(out[base+16:], arch.align)
	}
	for i, data := range slices {
		copy(out[offsets[i]:], data)
	}
	return out
}

// codeSignatureBounds walks the load commands for LC_CODE_SIGNATURE without
// a full parse.
func codeSignatureBounds(data []byte) (offset, size uint32, found bool) {
	if len(data) < 32 {
		return 0, 0, false
	}

	var headerSize uint32
	var ncmds, sizeofcmds uint32
	switch binary.LittleEndian.Uint32(data[:4]) {
	case machMagic64:
		headerSize = 32
		ncmds = binary.LittleEndian.Uint32(data[16:20])
		sizeofcmds = binary.LittleEndian.Uint32(data[20:24])
	case machMagic32:
		headerSize = 28
		ncmds = binary.LittleEndian.Uint32(data[12:16])
		sizeofcmds = binary.LittleEndian.Uint32(data[16:20])
	default:
		return 0, 0, false
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
		if cmd == lcCodeSignature && cmdSize >= 16 {
			return binary.LittleEndian.Uint32(data[cmdOffset+8:]),
				binary.LittleEndian.Uint32(data[cmdOffset+12:]), true
		}
		if cmdSize == 0 {
			break
		}
		cmdOffset += cmdSize
	}
	return 0, 0, false
}

func pointerAlign(sz uint32) uint32 {
	if sz%8 != 0 {
		sz += 8 - (sz % 8)
	}
	return sz
}
