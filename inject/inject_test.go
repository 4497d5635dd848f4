package inject

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCopyTreePreservesSymlinksAndStructure(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "Resources"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "Resources", "icon.png"), []byte("png"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink("icon.png", filepath.Join(src, "Resources", "icon-link.png")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "Copied.framework")
	if err := copyTree(src, dst); err != nil {
		t.Fatalf("copyTree: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dst, "Resources", "icon.png"))
	if err != nil || string(data) != "png" {
		t.Fatalf("icon.png not copied correctly: %v %q", err, data)
	}

	link, err := os.Readlink(filepath.Join(dst, "Resources", "icon-link.png"))
	if err != nil || link != "icon.png" {
		t.Fatalf("symlink not preserved: %v %q", err, link)
	}
}

func TestDeleteIfExistsRemovesDirAndFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "Old.appex")
	if err := os.MkdirAll(target, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	deleteIfExists(target)
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("target should have been removed")
	}
	// Deleting a path that doesn't exist must not panic or error.
	deleteIfExists(target)
}

func TestIsSymlink(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	if err := os.WriteFile(real, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if isSymlink(real) {
		t.Fatalf("real file reported as symlink")
	}
	if !isSymlink(link) {
		t.Fatalf("symlink not detected")
	}
	if isSymlink(filepath.Join(dir, "missing")) {
		t.Fatalf("missing path should not report as symlink")
	}
}

func TestTweakNamesKeyedByBasename(t *testing.T) {
	tweaks := map[string]string{
		"Tweak.dylib":    "/tmp/x/Tweak.dylib",
		"Orion.framework": "/tmp/y/Orion.framework",
	}
	names := tweakNames(tweaks)
	if len(names) != 2 {
		t.Fatalf("tweakNames returned %d entries, want 2", len(names))
	}
	if _, ok := names["Tweak.dylib"]; !ok {
		t.Fatalf("tweakNames missing Tweak.dylib")
	}
}
