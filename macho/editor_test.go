package macho

import (
	"encoding/binary"
	"testing"

	"github.com/lquartararo/ruzule/machotypes"
)

// buildThinARM64 assembles a minimal synthetic mach_header_64 with the
// given load commands already laid out, followed by slackBytes of zeroed
// header slack, then a fake __TEXT segment (so headerSlack() has a real
// fileoff to measure against). It is not a valid loadable binary, only
// enough of one for the editor's parsing and arithmetic to exercise.
func buildThinARM64(t *testing.T, loadCmds [][]byte, slackBytes int) []byte {
	t.Helper()

	sizeofcmds := 0
	for _, c := range loadCmds {
		sizeofcmds += len(c)
	}

	const headerSize = machotypes.FileHeaderSize64
	textSegSize := 72 // LC_SEGMENT_64 header only, no sections
	fileoff := headerSize + sizeofcmds + textSegSize + slackBytes
	textSize := 0x1000

	buf := make([]byte, fileoff+textSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(machotypes.Magic64))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(machotypes.CPUTypeARM64))
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	binary.LittleEndian.PutUint32(buf[12:16], 2) // MH_EXECUTE
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(loadCmds))+1)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(sizeofcmds+textSegSize))
	binary.LittleEndian.PutUint32(buf[24:28], 0)
	binary.LittleEndian.PutUint32(buf[28:32], 0)

	off := headerSize
	for _, c := range loadCmds {
		copy(buf[off:], c)
		off += len(c)
	}

	seg := make([]byte, textSegSize)
	binary.LittleEndian.PutUint32(seg[0:4], uint32(machotypes.LCSegment64))
	binary.LittleEndian.PutUint32(seg[4:8], uint32(textSegSize))
	copy(seg[8:24], "__TEXT")
	binary.LittleEndian.PutUint64(seg[40:48], uint64(fileoff)) // fileoff
	binary.LittleEndian.PutUint64(seg[48:56], uint64(textSize))
	copy(buf[off:], seg)

	return buf
}

func dylibCommand(cmd machotypes.LoadCmd, path string) []byte {
	padding := (8 - ((len(path) + 1) % 8)) % 8
	size := machotypes.DylibCommandHeaderSize + len(path) + 1 + padding
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(cmd))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(size))
	binary.LittleEndian.PutUint32(buf[8:12], machotypes.DylibPathOffset)
	binary.LittleEndian.PutUint32(buf[12:16], machotypes.DylibTimestamp)
	binary.LittleEndian.PutUint32(buf[16:20], machotypes.DylibCurrentVersion)
	binary.LittleEndian.PutUint32(buf[20:24], machotypes.DylibCompatVersion)
	copy(buf[24:], path)
	return buf
}

func loadFile(t *testing.T, data []byte) *File {
	t.Helper()
	f, err := parseFile(data)
	if err != nil {
		t.Fatalf("parseFile: %v", err)
	}
	return f
}

func TestAppendWeakDylibAddsCommand(t *testing.T) {
	existing := dylibCommand(machotypes.LCLoadDylib, "/usr/lib/libSystem.B.dylib")
	data := buildThinARM64(t, [][]byte{existing}, 256)
	f := loadFile(t, data)

	if err := f.AppendWeakDylib("/Library/Frameworks/CydiaSubstrate.framework/CydiaSubstrate"); err != nil {
		t.Fatalf("AppendWeakDylib: %v", err)
	}

	deps, err := f.ListDependencies()
	if err != nil {
		t.Fatalf("ListDependencies: %v", err)
	}
	want := map[string]bool{
		"/usr/lib/libSystem.B.dylib":                                  true,
		"/Library/Frameworks/CydiaSubstrate.framework/CydiaSubstrate": true,
	}
	if len(deps) != len(want) {
		t.Fatalf("deps = %v, want %v", deps, want)
	}
	for _, d := range deps {
		if !want[d] {
			t.Fatalf("unexpected dependency %q in %v", d, deps)
		}
	}
}

func TestAppendWeakDylibIsIdempotent(t *testing.T) {
	path := "/Library/Frameworks/CydiaSubstrate.framework/CydiaSubstrate"
	existing := dylibCommand(machotypes.LCLoadWeakDylib, path)
	data := buildThinARM64(t, [][]byte{existing}, 256)
	f := loadFile(t, data)

	before := f.slices[0].sizeofcmds()
	if err := f.AppendWeakDylib(path); err != nil {
		t.Fatalf("AppendWeakDylib: %v", err)
	}
	if after := f.slices[0].sizeofcmds(); after != before {
		t.Fatalf("sizeofcmds changed on repeat append: %d -> %d", before, after)
	}
}

func TestAppendWeakDylibOutOfSpace(t *testing.T) {
	existing := dylibCommand(machotypes.LCLoadDylib, "/usr/lib/libSystem.B.dylib")
	data := buildThinARM64(t, [][]byte{existing}, 8)
	f := loadFile(t, data)

	err := f.AppendWeakDylib("/Library/Frameworks/CydiaSubstrate.framework/CydiaSubstrate")
	if err == nil {
		t.Fatal("expected a space error, got nil")
	}
	var mErr *Error
	if !asError(err, &mErr) || mErr.Kind != KindSpace {
		t.Fatalf("expected KindSpace error, got %v", err)
	}
}

func TestReplaceDylibLoadPath(t *testing.T) {
	old := "/Library/Frameworks/Orion.framework/Orion"
	existing := dylibCommand(machotypes.LCLoadWeakDylib, old)
	data := buildThinARM64(t, [][]byte{existing}, 64)
	f := loadFile(t, data)

	if err := f.ReplaceDylibLoadPath(old, "@rpath/Orion.framework/Orion"); err != nil {
		t.Fatalf("ReplaceDylibLoadPath: %v", err)
	}
	deps, err := f.ListDependencies()
	if err != nil {
		t.Fatalf("ListDependencies: %v", err)
	}
	if len(deps) != 1 || deps[0] != "@rpath/Orion.framework/Orion" {
		t.Fatalf("deps = %v", deps)
	}
}

func TestReplaceDylibLoadPathTooLong(t *testing.T) {
	old := "/a"
	existing := dylibCommand(machotypes.LCLoadWeakDylib, old)
	data := buildThinARM64(t, [][]byte{existing}, 64)
	f := loadFile(t, data)

	err := f.ReplaceDylibLoadPath(old, "/Library/Frameworks/SomeVeryLongFrameworkNameIndeed.framework/SomeVeryLongFrameworkNameIndeed")
	if err == nil {
		t.Fatal("expected an error replacing into a too-small command")
	}
}

func TestAppendRpathAndDedup(t *testing.T) {
	data := buildThinARM64(t, nil, 256)
	f := loadFile(t, data)

	if err := f.AppendRpath("@executable_path/Frameworks"); err != nil {
		t.Fatalf("AppendRpath: %v", err)
	}
	before := f.slices[0].sizeofcmds()
	if err := f.AppendRpath("@executable_path/Frameworks"); err != nil {
		t.Fatalf("AppendRpath (repeat): %v", err)
	}
	if after := f.slices[0].sizeofcmds(); after != before {
		t.Fatalf("duplicate rpath grew sizeofcmds: %d -> %d", before, after)
	}
}

func TestIsEncryptedDetectsNonzeroCryptid(t *testing.T) {
	enc := make([]byte, 24)
	binary.LittleEndian.PutUint32(enc[0:4], uint32(machotypes.LCEncryptionInfo64))
	binary.LittleEndian.PutUint32(enc[4:8], 24)
	binary.LittleEndian.PutUint32(enc[16:20], 1) // cryptid

	data := buildThinARM64(t, [][]byte{enc}, 64)
	f := loadFile(t, data)

	got, err := f.IsEncrypted()
	if err != nil {
		t.Fatalf("IsEncrypted: %v", err)
	}
	if !got {
		t.Fatal("expected IsEncrypted to report true")
	}
}

func TestStripCodeSignatureRemovesCommandAndTruncates(t *testing.T) {
	cs := make([]byte, 16)
	binary.LittleEndian.PutUint32(cs[0:4], uint32(machotypes.LCCodeSignature))
	binary.LittleEndian.PutUint32(cs[4:8], 16)

	data := buildThinARM64(t, [][]byte{cs}, 64)
	data = append(data, make([]byte, 0x1000)...) // room for the signature blob
	dataoff := len(data) - 0x1000
	binary.LittleEndian.PutUint32(cs[8:12], uint32(dataoff))
	copy(data[32:], cs) // rewrite the command now that dataoff is known

	f := loadFile(t, data)

	ncmdsBefore := f.slices[0].ncmds()
	if err := f.StripCodeSignature(); err != nil {
		t.Fatalf("StripCodeSignature: %v", err)
	}
	if got := f.slices[0].ncmds(); got != ncmdsBefore-1 {
		t.Fatalf("ncmds = %d, want %d", got, ncmdsBefore-1)
	}
	if len(f.slices[0].data) != dataoff {
		t.Fatalf("data len = %d, want truncated to dataoff %d", len(f.slices[0].data), dataoff)
	}
}

// asError is a small errors.As shim kept local to avoid importing errors
// twice for a single assertion in these tests.
func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}
