package cyanconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestGenerateThenParseRoundTrips(t *testing.T) {
	dir := t.TempDir()

	dylibPath := filepath.Join(dir, "Tweak.dylib")
	if err := os.WriteFile(dylibPath, []byte("dylib-bytes"), 0o644); err != nil {
		t.Fatalf("write dylib: %v", err)
	}
	iconPath := filepath.Join(dir, "icon.png")
	if err := os.WriteFile(iconPath, []byte("icon-bytes"), 0o644); err != nil {
		t.Fatalf("write icon: %v", err)
	}

	spec := Spec{
		Config: Config{
			N:        strPtr("NewName"),
			B:        strPtr("com.example.new"),
			Fakesign: true,
			Thin:     true,
		},
		InjectFiles: map[string]string{"Tweak.dylib": dylibPath},
		IconPath:    iconPath,
	}

	output := filepath.Join(dir, "recipe.cyan")
	if err := Generate(spec, output); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	parsed, err := Parse(output, t.TempDir(), 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if !parsed.Config.F {
		t.Fatalf("Config.F should be true, inject files were supplied")
	}
	if !parsed.Config.K {
		t.Fatalf("Config.K should be true, an icon was supplied")
	}
	if parsed.Config.L {
		t.Fatalf("Config.L should be false, no merge.plist was supplied")
	}
	if parsed.Config.N == nil || *parsed.Config.N != "NewName" {
		t.Fatalf("Config.N = %v, want NewName", parsed.Config.N)
	}
	if !parsed.Config.Fakesign || !parsed.Config.Thin {
		t.Fatalf("Fakesign/Thin flags not preserved: %+v", parsed.Config)
	}

	injected, ok := parsed.Files["Tweak.dylib"]
	if !ok {
		t.Fatalf("Tweak.dylib missing from parsed Files: %v", parsed.Files)
	}
	data, err := os.ReadFile(injected)
	if err != nil || string(data) != "dylib-bytes" {
		t.Fatalf("Tweak.dylib content mismatch: %v %q", err, data)
	}
	if parsed.Icon == "" {
		t.Fatalf("Icon path not set after parse")
	}
}

func TestParseSkipsSectionsNotFlagged(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "minimal.cyan")
	if err := Generate(Spec{}, output); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	parsed, err := Parse(output, t.TempDir(), 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(parsed.Files) != 0 {
		t.Fatalf("Files should be empty, got %v", parsed.Files)
	}
	if parsed.Icon != "" || parsed.Plist != "" || parsed.Entitlements != "" {
		t.Fatalf("no optional sections should have been extracted: %+v", parsed)
	}
}
