package machopatch

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-macho"
)

// fakeThinMachO builds a minimal 64-bit header with a single
// LC_CODE_SIGNATURE command pointing at sig.
func fakeThinMachO(t *testing.T, sig []byte) []byte {
	t.Helper()
	const headerSize = 32
	const cmdSize = 16
	sigOffset := uint32(headerSize + cmdSize)

	out := make([]byte, int(sigOffset)+len(sig))
	binary.LittleEndian.PutUint32(out[0:], machMagic64)
	binary.LittleEndian.PutUint32(out[16:], 1)       // ncmds
	binary.LittleEndian.PutUint32(out[20:], cmdSize) // sizeofcmds

	binary.LittleEndian.PutUint32(out[headerSize:], lcCodeSignature)
	binary.LittleEndian.PutUint32(out[headerSize+4:], cmdSize)
	binary.LittleEndian.PutUint32(out[headerSize+8:], sigOffset)
	binary.LittleEndian.PutUint32(out[headerSize+12:], uint32(len(sig)))
	copy(out[sigOffset:], sig)
	return out
}

// fakeSuperBlob wraps entitlement XML in an embedded-signature superblob.
func fakeSuperBlob(entitlements []byte) []byte {
	blobSize := uint32(8 + len(entitlements))
	blobOffset := uint32(12 + 8) // header + one index entry

	out := make([]byte, int(blobOffset+blobSize))
	binary.BigEndian.PutUint32(out[0:], csMagicEmbeddedSignature)
	binary.BigEndian.PutUint32(out[4:], uint32(len(out)))
	binary.BigEndian.PutUint32(out[8:], 1) // blob count
	binary.BigEndian.PutUint32(out[12:], csSlotEntitlements)
	binary.BigEndian.PutUint32(out[16:], blobOffset)
	binary.BigEndian.PutUint32(out[blobOffset:], 0xfade7171)
	binary.BigEndian.PutUint32(out[blobOffset+4:], blobSize)
	copy(out[blobOffset+8:], entitlements)
	return out
}

func TestEntitlementsFromData(t *testing.T) {
	xml := []byte(`<?xml version="1.0"?><plist><dict/></plist>`)
	data := fakeThinMachO(t, fakeSuperBlob(xml))

	got := entitlementsFromData(data)
	if !bytes.Equal(got, xml) {
		t.Errorf("entitlements = %q, want %q", got, xml)
	}
}

func TestEntitlementsFromUnsignedData(t *testing.T) {
	data := make([]byte, 64)
	binary.LittleEndian.PutUint32(data[0:], machMagic64)
	if got := entitlementsFromData(data); got != nil {
		t.Errorf("expected nil for unsigned binary, got %q", got)
	}
	if got := entitlementsFromData([]byte{1, 2, 3}); got != nil {
		t.Errorf("expected nil for junk input, got %q", got)
	}
}

func TestCodeSignatureBounds(t *testing.T) {
	sig := fakeSuperBlob(nil)
	data := fakeThinMachO(t, sig)

	offset, size, found := codeSignatureBounds(data)
	if !found {
		t.Fatal("signature not found")
	}
	if offset != 48 || size != uint32(len(sig)) {
		t.Errorf("bounds = (%d, %d), want (48, %d)", offset, size, len(sig))
	}

	if _, _, found := codeSignatureBounds([]byte("not a macho")); found {
		t.Error("found signature in junk")
	}
}

func TestBuildFat(t *testing.T) {
	arches := []fatArch{
		{cpu: 0x0100000c, subCPU: 0, align: 14},
		{cpu: 0x0000000c, subCPU: 9, align: 14},
	}
	slices := [][]byte{
		bytes.Repeat([]byte{0xaa}, 100),
		bytes.Repeat([]byte{0xbb}, 200),
	}

	out := buildFat(arches, slices)

	if binary.BigEndian.Uint32(out[0:]) != fatMagic {
		t.Fatalf("bad magic %x", out[:4])
	}
	if n := binary.BigEndian.Uint32(out[4:]); n != 2 {
		t.Fatalf("narches = %d", n)
	}
	for i := range arches {
		base := 8 + i*20
		offset := binary.BigEndian.Uint32(out[base+8:])
		size := binary.BigEndian.Uint32(out[base+12:])
		if offset%sliceAlignment != 0 {
			t.Errorf("slice %d offset %#x not aligned", i, offset)
		}
		if size != uint32(len(slices[i])) {
			t.Errorf("slice %d size = %d, want %d", i, size, len(slices[i]))
		}
		if !bytes.Equal(out[offset:offset+size], slices[i]) {
			t.Errorf("slice %d data mismatch", i)
		}
		if cpu := binary.BigEndian.Uint32(out[base:]); cpu != arches[i].cpu {
			t.Errorf("slice %d cpu = %#x", i, cpu)
		}
	}
}

func TestPointerAlign(t *testing.T) {
	cases := map[uint32]uint32{0: 0, 1: 8, 8: 8, 9: 16, 24: 24, 25: 32}
	for in, want := range cases {
		if got := pointerAlign(in); got != want {
			t.Errorf("pointerAlign(%d) = %d, want %d", in, got, want)
		}
	}
}

// fixtureBinary returns a real Mach-O for end-to-end patch tests. Drop any
// signed iOS binary at testdata/fixture to enable them.
func fixtureBinary(t *testing.T) string {
	t.Helper()
	path := filepath.Join("testdata", "fixture")
	if _, err := os.Stat(path); err != nil {
		t.Skip("no Mach-O fixture available")
	}
	return path
}

func TestAddDylibRoundTrip(t *testing.T) {
	src := fixtureBinary(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "binary")
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	if err := os.WriteFile(path, data, 0o755); err != nil {
		t.Fatalf("stage fixture: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	const dylib = "@executable_path/Frameworks/Tweak.dylib"
	if err := f.AddDylib(dylib); err != nil {
		t.Fatalf("AddDylib: %v", err)
	}
	// adding the same path twice must not duplicate the command
	if err := f.AddDylib(dylib); err != nil {
		t.Fatalf("AddDylib again: %v", err)
	}
	if err := f.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	f.Close()

	f2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f2.Close()

	count := 0
	for _, p := range f2.DylibPaths() {
		if p == dylib {
			count++
		}
	}
	if count != 1 {
		t.Errorf("dylib appears %d times, want 1", count)
	}
}

func TestAddDylibChecksEverySlice(t *testing.T) {
	src := fixtureBinary(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "binary")
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	if err := os.WriteFile(path, data, 0o755); err != nil {
		t.Fatalf("stage fixture: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	const dylib = "@rpath/Tweak.dylib"
	if err := f.AddDylib(dylib); err != nil {
		t.Fatalf("AddDylib: %v", err)
	}
	if err := f.AddDylib(dylib); err != nil {
		t.Fatalf("AddDylib again: %v", err)
	}

	// the duplicate guard runs against each slice's own load commands, so
	// every slice of a fat binary ends up with exactly one command
	for i, m := range f.slices {
		count := 0
		for _, load := range m.Loads {
			if lc, ok := load.(*macho.LoadDylib); ok && lc.Name == dylib {
				count++
			}
		}
		if count != 1 {
			t.Errorf("slice %d carries %d load commands for %s, want 1", i, count, dylib)
		}
	}
}

func TestReplaceDylibMissing(t *testing.T) {
	src := fixtureBinary(t)

	f, err := Open(src)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if err := f.ReplaceDylib("/nonexistent/lib.dylib", "/other.dylib"); err == nil {
		t.Error("expected error replacing a dylib that is not loaded")
	}
}
