package appbundle

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveExecutableDylib(t *testing.T) {
	path, ok := resolveExecutable("/tmp/Foo.dylib")
	if !ok || path != "/tmp/Foo.dylib" {
		t.Fatalf("resolveExecutable(.dylib) = (%q, %v)", path, ok)
	}
}

func TestResolveExecutableFramework(t *testing.T) {
	dir := t.TempDir()
	fwPath := filepath.Join(dir, "Orion.framework")
	if err := os.MkdirAll(fwPath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	plist := `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleExecutable</key>
	<string>Orion</string>
</dict>
</plist>
`
	if err := os.WriteFile(filepath.Join(fwPath, "Info.plist"), []byte(plist), 0o644); err != nil {
		t.Fatalf("write plist: %v", err)
	}

	path, ok := resolveExecutable(fwPath)
	if !ok {
		t.Fatalf("resolveExecutable failed to resolve framework")
	}
	want := filepath.Join(fwPath, "Orion")
	if path != want {
		t.Fatalf("resolveExecutable = %q, want %q", path, want)
	}
}

func TestResolveExecutableMissingPlistFails(t *testing.T) {
	dir := t.TempDir()
	bundleDir := filepath.Join(dir, "Empty.framework")
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, ok := resolveExecutable(bundleDir); ok {
		t.Fatalf("resolveExecutable should fail without an Info.plist")
	}
}

func TestRemoveResolvesRelativeAndAbsolutePaths(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "PlugIns"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	b := &Bundle{Path: dir}
	if !b.Remove("PlugIns") {
		t.Fatalf("Remove should report PlugIns existed")
	}
	if _, err := os.Stat(filepath.Join(dir, "PlugIns")); !os.IsNotExist(err) {
		t.Fatalf("PlugIns should have been removed")
	}
	if b.Remove("PlugIns") {
		t.Fatalf("second Remove should report nothing existed")
	}

	extensions := filepath.Join(dir, "Extensions")
	if err := os.MkdirAll(extensions, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if !b.Remove(extensions) {
		t.Fatalf("Remove should accept a path already under the bundle")
	}
	if _, err := os.Stat(extensions); !os.IsNotExist(err) {
		t.Fatalf("Extensions should have been removed")
	}
}

func TestEmbeddedExecutablesSkipsNestedFramework(t *testing.T) {
	dir := t.TempDir()
	outer := filepath.Join(dir, "Outer.framework")
	inner := filepath.Join(outer, "Inner.framework")
	if err := os.MkdirAll(inner, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tweak.dylib"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write dylib: %v", err)
	}

	b := &Bundle{Path: dir}
	found, err := b.embeddedExecutables()
	if err != nil {
		t.Fatalf("embeddedExecutables: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("embeddedExecutables = %v, want 2 entries (Outer.framework, tweak.dylib)", found)
	}
	for _, f := range found {
		if f == inner {
			t.Fatalf("nested framework %q should have been skipped", inner)
		}
	}
}
