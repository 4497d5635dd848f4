// Package frameworks is the BundledAssets registry: a fixed, read-only
// set of framework blobs this tool can materialize into a target bundle
// to satisfy a weak dependency an injected artifact needs but doesn't
// carry itself, plus one plugin-support dylib used by PatchPlugins.
//
// The embedded binaries here are placeholders: the real CydiaSubstrate,
// Orion, Cephei, CepheiUI, CepheiPrefs and zxPluginsInject.dylib
// binaries are proprietary compiled artifacts this module does not
// carry (see DESIGN.md). The registry's shape, extraction layout, and
// dependency-fragment matching are fully implemented; swap in the real
// binaries under frameworks/assets to make extraction produce working
// frameworks.
package frameworks

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed assets
var assets embed.FS

// Framework is one bundled framework blob.
type Framework struct {
	Name   string
	binary string // path within assets
	plist  string
}

// dirName returns <Name>.framework, the directory ExtractTo creates
// under dest.
func (f Framework) dirName() string { return f.Name + ".framework" }

var registry = []Framework{
	{Name: "CydiaSubstrate", binary: "assets/CydiaSubstrate/CydiaSubstrate", plist: "assets/CydiaSubstrate/Info.plist"},
	{Name: "Orion", binary: "assets/Orion/Orion", plist: "assets/Orion/Info.plist"},
	{Name: "Cephei", binary: "assets/Cephei/Cephei", plist: "assets/Cephei/Info.plist"},
	{Name: "CepheiUI", binary: "assets/CepheiUI/CepheiUI", plist: "assets/CepheiUI/Info.plist"},
	{Name: "CepheiPrefs", binary: "assets/CepheiPrefs/CepheiPrefs", plist: "assets/CepheiPrefs/Info.plist"},
}

const pluginSupportAsset = "assets/zxPluginsInject.dylib"

// ByName returns the registry entry for name ("CydiaSubstrate", "Orion",
// ...), or false if name isn't bundled.
func ByName(name string) (Framework, bool) {
	for _, f := range registry {
		if f.Name == name {
			return f, true
		}
	}
	return Framework{}, false
}

// ExtractTo writes dest/<Name>.framework/{<Name>, Info.plist}. No
// Versions/ tree and no _CodeSignature/: this targets iOS bundle layout,
// not macOS.
func (f Framework) ExtractTo(dest string) error {
	dir := filepath.Join(dest, f.dirName())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("frameworks: extract %s: %w", f.Name, err)
	}
	bin, err := assets.ReadFile(f.binary)
	if err != nil {
		return fmt.Errorf("frameworks: extract %s: %w", f.Name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, f.Name), bin, 0o755); err != nil {
		return fmt.Errorf("frameworks: extract %s: %w", f.Name, err)
	}
	plist, err := assets.ReadFile(f.plist)
	if err != nil {
		return fmt.Errorf("frameworks: extract %s: %w", f.Name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Info.plist"), plist, 0o644); err != nil {
		return fmt.Errorf("frameworks: extract %s: %w", f.Name, err)
	}
	return nil
}

// WritePluginSupportDylib writes zxPluginsInject.dylib into dest,
// returning its path.
func WritePluginSupportDylib(dest string) (string, error) {
	data, err := assets.ReadFile(pluginSupportAsset)
	if err != nil {
		return "", fmt.Errorf("frameworks: plugin support dylib: %w", err)
	}
	path := filepath.Join(dest, "zxPluginsInject.dylib")
	if err := os.WriteFile(path, data, 0o755); err != nil {
		return "", fmt.Errorf("frameworks: plugin support dylib: %w", err)
	}
	return path, nil
}
