// Package executable is the convenience layer over macho.File and
// codesign operating on one Mach-O file at a time: dependency queries,
// the fixed weak-dependency registry, and the targeted rewrites the
// injection planner drives per artifact.
package executable

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lquartararo/ruzule/codesign"
	"github.com/lquartararo/ruzule/macho"
	"github.com/lquartararo/ruzule/plistutil"
)

// CommonDep names the framework a DepRegistry fragment resolves to and
// the canonical @rpath load path a fixed dependency should carry.
type CommonDep struct {
	FrameworkName string
	RpathTarget   string
}

// CommonDeps is the fixed fragment → framework table. Lowercase fragment
// match against a dependency's load path; "orion." additionally implies
// "substrate." (applied by the inject package, not here, per the
// "declarative implication table" design note).
var CommonDeps = map[string]CommonDep{
	"substrate.":   {FrameworkName: "CydiaSubstrate.framework", RpathTarget: "@rpath/CydiaSubstrate.framework/CydiaSubstrate"},
	"orion.":       {FrameworkName: "Orion.framework", RpathTarget: "@rpath/Orion.framework/Orion"},
	"cephei.":      {FrameworkName: "Cephei.framework", RpathTarget: "@rpath/Cephei.framework/Cephei"},
	"cepheiui.":    {FrameworkName: "CepheiUI.framework", RpathTarget: "@rpath/CepheiUI.framework/CepheiUI"},
	"cepheiprefs.": {FrameworkName: "CepheiPrefs.framework", RpathTarget: "@rpath/CepheiPrefs.framework/CepheiPrefs"},
}

// Executable wraps one Mach-O file on disk by path.
type Executable struct {
	Path string
	Name string
}

// New opens path, failing if it doesn't exist. It does not parse the
// Mach-O yet; operations below each load fresh, matching the "no
// long-lived parsed view across edits" rule.
func New(path string) (*Executable, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("executable: %w", err)
	}
	return &Executable{Path: path, Name: filepath.Base(path)}, nil
}

func (e *Executable) IsEncrypted() (bool, error) {
	f, err := macho.Load(e.Path)
	if err != nil {
		return false, err
	}
	return f.IsEncrypted()
}

func (e *Executable) RemoveSignature() error {
	return codesign.RemoveSignature(e.Path)
}

func (e *Executable) Fakesign() error {
	return codesign.Fakesign(e.Path)
}

// Thin rewrites e to its arm64 slice, reporting whether it changed.
func (e *Executable) Thin() (bool, error) {
	return macho.ThinToARM64(e.Path)
}

func (e *Executable) Dependencies() ([]string, error) {
	f, err := macho.Load(e.Path)
	if err != nil {
		return nil, err
	}
	return f.ListDependencies()
}

func (e *Executable) ChangeDependency(old, new string) error {
	f, err := macho.Load(e.Path)
	if err != nil {
		return err
	}
	if err := f.ReplaceDylibLoadPath(old, new); err != nil {
		return err
	}
	return f.Save()
}

func (e *Executable) ChangeInstallName(newName string) error {
	f, err := macho.Load(e.Path)
	if err != nil {
		return err
	}
	if err := f.ReplaceInstallName(newName); err != nil {
		return err
	}
	return f.Save()
}

// FixCommonDependencies strips e's signature, then rewrites any
// dependency matching a DepRegistry fragment to that fragment's
// canonical rpath target, recording every matched fragment into needed
// so the planner can auto-materialize the bundled framework later.
func (e *Executable) FixCommonDependencies(needed map[string]bool) error {
	if err := e.RemoveSignature(); err != nil {
		return err
	}

	deps, err := e.Dependencies()
	if err != nil {
		return err
	}

	f, err := macho.Load(e.Path)
	if err != nil {
		return err
	}
	dirty := false
	for _, dep := range deps {
		lower := strings.ToLower(dep)
		for fragment, info := range CommonDeps {
			if !strings.Contains(lower, fragment) {
				continue
			}
			needed[fragment] = true
			if dep != info.RpathTarget {
				if err := f.ReplaceDylibLoadPath(dep, info.RpathTarget); err != nil {
					return err
				}
				dirty = true
			}
		}
	}
	if dirty {
		return f.Save()
	}
	return nil
}

// FixDependencies rewrites any dependency whose path contains a TweakMap
// key to that key's canonical injected-artifact path: "@rpath/<key>" for
// a dylib/bundle key, "@rpath/<key>/<stem>" for a ".framework" key.
func (e *Executable) FixDependencies(tweaks map[string]string) error {
	deps, err := e.Dependencies()
	if err != nil {
		return err
	}

	f, err := macho.Load(e.Path)
	if err != nil {
		return err
	}
	dirty := false
	for _, dep := range deps {
		for name := range tweaks {
			if !strings.Contains(dep, name) {
				continue
			}
			newPath := rpathTargetFor(name)
			if dep != newPath {
				if err := f.ReplaceDylibLoadPath(dep, newPath); err != nil {
					return err
				}
				dirty = true
			}
		}
	}
	if dirty {
		return f.Save()
	}
	return nil
}

// FixInstallName rewrites e's own LC_ID_DYLIB the same way, when e's
// basename matches a TweakMap key.
func (e *Executable) FixInstallName(tweaks map[string]string) error {
	for name := range tweaks {
		if e.Name != name {
			continue
		}
		return e.ChangeInstallName(rpathTargetFor(name))
	}
	return nil
}

func rpathTargetFor(name string) string {
	if strings.HasSuffix(name, ".framework") {
		stem := strings.TrimSuffix(name, ".framework")
		return fmt.Sprintf("@rpath/%s/%s", name, stem)
	}
	return "@rpath/" + name
}

// MainExecutable is the app bundle's primary Mach-O binary: the only
// executable the injection planner inserts load commands into.
type MainExecutable struct {
	Executable
	BundlePath string
}

func NewMainExecutable(path, bundlePath string) (*MainExecutable, error) {
	inner, err := New(path)
	if err != nil {
		return nil, err
	}
	return &MainExecutable{Executable: *inner, BundlePath: bundlePath}, nil
}

func (m *MainExecutable) AddRpath(rpath string) error {
	f, err := macho.Load(m.Path)
	if err != nil {
		return err
	}
	if err := f.AppendRpath(rpath); err != nil {
		return err
	}
	return f.Save()
}

func (m *MainExecutable) InjectDylib(dylibPath string) error {
	f, err := macho.Load(m.Path)
	if err != nil {
		return err
	}
	if err := f.AppendWeakDylib(dylibPath); err != nil {
		return err
	}
	return f.Save()
}

// WriteEntitlements writes m's current entitlements blob to output,
// reporting whether any were present.
func (m *MainExecutable) WriteEntitlements(output string) (bool, error) {
	data, err := codesign.ExtractEntitlements(m.Path)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return false, fmt.Errorf("executable: write entitlements: %w", err)
	}
	return true, nil
}

func (m *MainExecutable) SignWithEntitlements(entitlementsPath string) error {
	data, err := os.ReadFile(entitlementsPath)
	if err != nil {
		return fmt.Errorf("executable: read entitlements: %w", err)
	}
	return codesign.SignWithEntitlements(m.Path, data)
}

// MergeEntitlements overwrites m's current entitlements with the keys in
// the plist at newPath, leaving keys it doesn't mention untouched, then
// re-signs with the merged result. Reports whether the merge changed
// anything signable (false only when neither the existing nor the new
// entitlements parsed to anything).
func (m *MainExecutable) MergeEntitlements(newPath string) (bool, error) {
	existing, err := codesign.ExtractEntitlements(m.Path)
	if err != nil {
		return false, err
	}

	newData, err := os.ReadFile(newPath)
	if err != nil {
		return false, fmt.Errorf("executable: read entitlements: %w", err)
	}

	merged := plistutil.Dict{}
	if len(existing) > 0 {
		existingDict, err := plistutil.DecodeBytes(existing)
		if err == nil {
			merged = existingDict
		}
	}
	newDict, err := plistutil.DecodeBytes(newData)
	if err != nil {
		return false, fmt.Errorf("executable: parse new entitlements: %w", err)
	}
	if len(merged) == 0 && len(newDict) == 0 {
		return false, nil
	}
	for k, v := range newDict {
		merged[k] = v
	}

	mergedXML, err := plistutil.EncodeXML(merged)
	if err != nil {
		return false, fmt.Errorf("executable: encode merged entitlements: %w", err)
	}
	if err := codesign.SignWithEntitlements(m.Path, mergedXML); err != nil {
		return false, err
	}
	return true, nil
}
