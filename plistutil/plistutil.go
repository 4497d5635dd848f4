// Package plistutil wraps howett.net/plist with the bundle-editing
// conveniences the injection pipeline needs: typed get/set, localized
// name propagation across *.lproj/InfoPlist.strings, nested .appex
// bundle-id propagation, and dictionary merge (used both for
// Info.plist overrides and for entitlements, which the same merge
// semantics happen to satisfy — new keys override, untouched keys
// survive).
package plistutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

// Dict is a property list's top-level dictionary.
type Dict = map[string]interface{}

// File is an in-memory property list keyed by string, backed by a file
// on disk. appPath, when set, is the bundle root used to find
// localization and extension bundles that mirror certain key changes.
type File struct {
	Path    string
	Data    Dict
	appPath string
}

// Open reads path as a property list (XML or binary; howett.net/plist
// auto-detects the format from content).
func Open(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plistutil: open %s: %w", path, err)
	}
	dict, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("plistutil: parse %s: %w", path, err)
	}
	return &File{Path: path, Data: dict}, nil
}

func decode(raw []byte) (Dict, error) {
	dict := Dict{}
	if err := plist.Unmarshal(raw, &dict); err != nil {
		return nil, err
	}
	return dict, nil
}

func encodeXML(v Dict) ([]byte, error) {
	var buf bytes.Buffer
	enc := plist.NewEncoderForFormat(&buf, plist.XMLFormat)
	enc.Indent("\t")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBytes parses raw as a property list, exported for callers
// outside this package that hold a plist document in memory rather
// than on disk (an extracted entitlements blob, a parsed .cyan
// section).
func DecodeBytes(raw []byte) (Dict, error) { return decode(raw) }

// EncodeXML serializes v as an XML property list document, exported for
// the same in-memory callers DecodeBytes serves.
func EncodeXML(v Dict) ([]byte, error) { return encodeXML(v) }

// OpenWithAppPath is Open plus the bundle root used by ChangeName and
// ChangeBundleID to propagate the edit to sibling files.
func OpenWithAppPath(path, appPath string) (*File, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	f.appPath = appPath
	return f, nil
}

// TryOpen is Open but returns (nil, false) instead of an error, for the
// tolerant discovery paths that open *.lproj/InfoPlist.strings or a
// nested .appex's Info.plist and skip ones that don't parse.
func TryOpen(path string) (*File, bool) {
	f, err := Open(path)
	if err != nil {
		return nil, false
	}
	return f, true
}

func (f *File) GetString(key string) (string, bool) {
	v, ok := f.Data[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (f *File) SetString(key, value string) { f.Data[key] = value }
func (f *File) SetBool(key string, value bool) { f.Data[key] = value }

func (f *File) Remove(key string) bool {
	if _, ok := f.Data[key]; !ok {
		return false
	}
	delete(f.Data, key)
	return true
}

func (f *File) Contains(key string) bool {
	_, ok := f.Data[key]
	return ok
}

// Save writes f back to its path as XML, the format iOS bundle Info.plist
// and entitlements files use in their unsigned, editable form.
func (f *File) Save() error {
	out, err := encodeXML(f.Data)
	if err != nil {
		return fmt.Errorf("plistutil: marshal %s: %w", f.Path, err)
	}
	if err := os.WriteFile(f.Path, out, 0o644); err != nil {
		return fmt.Errorf("plistutil: save %s: %w", f.Path, err)
	}
	return nil
}

// RemoveSupportedDevices strips UISupportedDevices and UIDeviceFamily so
// a patched app installs outside its originally built device families.
func (f *File) RemoveSupportedDevices() bool {
	removed := f.Remove("UISupportedDevices")
	if f.Remove("UIDeviceFamily") {
		removed = true
	}
	if removed {
		_ = f.Save()
	}
	return removed
}

// EnableDocuments sets the flags that expose the app's document
// directory to the Files app and in-place document editing.
func (f *File) EnableDocuments() bool {
	changed := false
	if v, _ := f.Data["UISupportsDocumentBrowser"].(bool); !v {
		f.SetBool("UISupportsDocumentBrowser", true)
		changed = true
	}
	if v, _ := f.Data["UIFileSharingEnabled"].(bool); !v {
		f.SetBool("UIFileSharingEnabled", true)
		changed = true
	}
	if v, _ := f.Data["LSSupportsOpeningDocumentsInPlace"].(bool); !v {
		f.SetBool("LSSupportsOpeningDocumentsInPlace", true)
		changed = true
	}
	if changed {
		_ = f.Save()
	}
	return changed
}

// ChangeName sets CFBundleName and CFBundleDisplayName, then propagates
// the same change into every *.lproj/InfoPlist.strings under appPath.
func (f *File) ChangeName(name string) bool {
	curName, _ := f.GetString("CFBundleName")
	curDisplay, _ := f.GetString("CFBundleDisplayName")
	if curName == name && curDisplay == name {
		return false
	}

	f.SetString("CFBundleName", name)
	f.SetString("CFBundleDisplayName", name)
	_ = f.Save()

	if f.appPath != "" {
		matches, _ := filepath.Glob(filepath.Join(f.appPath, "*.lproj"))
		for _, dir := range matches {
			stringsPath := filepath.Join(dir, "InfoPlist.strings")
			pl, ok := TryOpen(stringsPath)
			if !ok {
				continue
			}
			pl.SetString("CFBundleName", name)
			pl.SetString("CFBundleDisplayName", name)
			_ = pl.Save()
		}
	}
	return true
}

// ChangeVersion sets both the build and short version strings.
func (f *File) ChangeVersion(version string) bool {
	curVer, _ := f.GetString("CFBundleVersion")
	curShort, _ := f.GetString("CFBundleShortVersionString")
	if curVer == version && curShort == version {
		return false
	}
	f.SetString("CFBundleVersion", version)
	f.SetString("CFBundleShortVersionString", version)
	_ = f.Save()
	return true
}

// ChangeBundleID rewrites CFBundleIdentifier, then propagates the prefix
// substitution into every */*.appex Info.plist under appPath, since an
// extension's identifier must stay prefixed by its host app's.
func (f *File) ChangeBundleID(bundleID string) bool {
	orig, ok := f.GetString("CFBundleIdentifier")
	if !ok || orig == bundleID {
		return false
	}
	f.SetString("CFBundleIdentifier", bundleID)
	_ = f.Save()

	if f.appPath != "" {
		matches, _ := filepath.Glob(filepath.Join(f.appPath, "*", "*.appex"))
		for _, appex := range matches {
			plistPath := filepath.Join(appex, "Info.plist")
			pl, ok := TryOpen(plistPath)
			if !ok {
				continue
			}
			current, ok := pl.GetString("CFBundleIdentifier")
			if !ok {
				continue
			}
			pl.SetString("CFBundleIdentifier", strings.Replace(current, orig, bundleID, 1))
			_ = pl.Save()
		}
	}
	return true
}

func (f *File) ChangeMinimumVersion(minimum string) bool {
	if cur, ok := f.GetString("MinimumOSVersion"); ok && cur == minimum {
		return false
	}
	f.SetString("MinimumOSVersion", minimum)
	_ = f.Save()
	return true
}

// Merge overwrites f's keys with every key present in the plist at path,
// leaving f's other keys untouched, then saves. The same operation
// serves both "merge.plist applies overrides onto Info.plist" and
// "new.entitlements applies overrides onto the existing entitlements
// dictionary" — in both cases the rule is "new keys win, old keys that
// aren't mentioned survive".
func (f *File) Merge(path string) (bool, error) {
	other, err := Open(path)
	if err != nil {
		return false, err
	}
	if len(other.Data) == 0 {
		return false, nil
	}
	for k, v := range other.Data {
		f.Data[k] = v
	}
	if err := f.Save(); err != nil {
		return false, err
	}
	return true, nil
}

// MergeBytes is Merge but reads the overriding plist from an in-memory
// XML document rather than a file, for callers holding entitlements or
// merge.plist contents already extracted from a .cyan archive.
func (f *File) MergeBytes(data []byte) (bool, error) {
	other, err := decode(data)
	if err != nil {
		return false, fmt.Errorf("plistutil: parse merge source: %w", err)
	}
	if len(other) == 0 {
		return false, nil
	}
	for k, v := range other {
		f.Data[k] = v
	}
	if err := f.Save(); err != nil {
		return false, err
	}
	return true, nil
}
