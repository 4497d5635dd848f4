package debextract

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/blakesmith/ar"
)

func buildDeb(t *testing.T, files map[string][]byte) string {
	t.Helper()

	var tarBuf bytes.Buffer
	gz := gzip.NewWriter(&tarBuf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write(content); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	dir := t.TempDir()
	debPath := filepath.Join(dir, "tweak.deb")
	out, err := os.Create(debPath)
	if err != nil {
		t.Fatalf("create deb: %v", err)
	}
	defer out.Close()

	arW := ar.NewWriter(out)
	if err := arW.WriteGlobalHeader(); err != nil {
		t.Fatalf("ar global header: %v", err)
	}
	if err := arW.WriteHeader(&ar.Header{
		Name: "data.tar.gz",
		Size: int64(tarBuf.Len()),
		Mode: 0o644,
	}); err != nil {
		t.Fatalf("ar header: %v", err)
	}
	if _, err := arW.Write(tarBuf.Bytes()); err != nil {
		t.Fatalf("ar write: %v", err)
	}
	return debPath
}

func TestExtractFindsTopLevelDylib(t *testing.T) {
	debPath := buildDeb(t, map[string][]byte{
		"./Library/MobileSubstrate/DynamicLibraries/Tweak.dylib": []byte("fake-dylib"),
		"./Library/MobileSubstrate/DynamicLibraries/Tweak.plist": []byte("filter"),
	})

	found, err := Extract(debPath, t.TempDir())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, ok := found["Tweak.dylib"]; !ok {
		t.Fatalf("Tweak.dylib not found in %v", found)
	}
	if _, ok := found["Tweak.plist"]; ok {
		t.Fatalf("Tweak.plist should not be treated as injectable")
	}
}

func TestExtractSkipsNestedBundle(t *testing.T) {
	debPath := buildDeb(t, map[string][]byte{
		"./Library/Frameworks/Outer.framework/Outer":                      []byte("outer"),
		"./Library/Frameworks/Outer.framework/Nested.framework/Nested":    []byte("nested"),
		"./Library/Frameworks/Outer.framework/Resources/Icon.bundle/icon": []byte("icon"),
	})

	found, err := Extract(debPath, t.TempDir())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, ok := found["Outer.framework"]; !ok {
		t.Fatalf("Outer.framework not found in %v", found)
	}
	for name := range found {
		if name == "Nested.framework" || name == "Icon.bundle" {
			t.Fatalf("nested artifact %q should have been skipped", name)
		}
	}
}

func TestExtractDropsDebFromResults(t *testing.T) {
	debPath := buildDeb(t, map[string][]byte{
		"./Library/MobileSubstrate/DynamicLibraries/tweak.deb": []byte("decoy"),
	})
	found, err := Extract(debPath, t.TempDir())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, ok := found[filepath.Base(debPath)]; ok {
		t.Fatalf("deb's own name should be removed from results")
	}
}
