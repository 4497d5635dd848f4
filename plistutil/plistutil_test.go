package plistutil

import (
	"os"
	"path/filepath"
	"testing"
)

const samplePlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleIdentifier</key>
	<string>com.example.app</string>
	<key>CFBundleName</key>
	<string>OldName</string>
	<key>CFBundleDisplayName</key>
	<string>OldName</string>
	<key>CFBundleVersion</key>
	<string>1.0</string>
	<key>CFBundleShortVersionString</key>
	<string>1.0</string>
	<key>UISupportedDevices</key>
	<array>
		<string>iPhone</string>
	</array>
	<key>UIDeviceFamily</key>
	<array>
		<integer>1</integer>
	</array>
</dict>
</plist>
`

func writeSample(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(samplePlist), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

func TestChangeNamePropagatesToLocalizations(t *testing.T) {
	dir := t.TempDir()
	path := writeSample(t, dir, "Info.plist")

	lproj := filepath.Join(dir, "en.lproj")
	if err := os.MkdirAll(lproj, 0o755); err != nil {
		t.Fatalf("mkdir lproj: %v", err)
	}
	writeSample(t, lproj, "InfoPlist.strings")

	f, err := OpenWithAppPath(path, dir)
	if err != nil {
		t.Fatalf("OpenWithAppPath: %v", err)
	}
	if changed := f.ChangeName("NewName"); !changed {
		t.Fatalf("ChangeName reported no change")
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got, _ := reopened.GetString("CFBundleDisplayName"); got != "NewName" {
		t.Fatalf("CFBundleDisplayName = %q, want NewName", got)
	}

	strings, err := Open(filepath.Join(lproj, "InfoPlist.strings"))
	if err != nil {
		t.Fatalf("reopen strings: %v", err)
	}
	if got, _ := strings.GetString("CFBundleName"); got != "NewName" {
		t.Fatalf("localized CFBundleName = %q, want NewName", got)
	}
}

func TestChangeBundleIDPropagatesToAppex(t *testing.T) {
	dir := t.TempDir()
	path := writeSample(t, dir, "Info.plist")

	appexDir := filepath.Join(dir, "PlugIns", "Widget.appex")
	if err := os.MkdirAll(appexDir, 0o755); err != nil {
		t.Fatalf("mkdir appex: %v", err)
	}
	appexPlist := filepath.Join(appexDir, "Info.plist")
	if err := os.WriteFile(appexPlist, []byte(samplePlist), 0o644); err != nil {
		t.Fatalf("write appex plist: %v", err)
	}
	// Give the appex its own nested identifier.
	ap, err := Open(appexPlist)
	if err != nil {
		t.Fatalf("open appex: %v", err)
	}
	ap.SetString("CFBundleIdentifier", "com.example.app.Widget")
	if err := ap.Save(); err != nil {
		t.Fatalf("save appex: %v", err)
	}

	f, err := OpenWithAppPath(path, dir)
	if err != nil {
		t.Fatalf("OpenWithAppPath: %v", err)
	}
	if changed := f.ChangeBundleID("com.other.app"); !changed {
		t.Fatalf("ChangeBundleID reported no change")
	}

	reopened, err := Open(appexPlist)
	if err != nil {
		t.Fatalf("reopen appex: %v", err)
	}
	if got, _ := reopened.GetString("CFBundleIdentifier"); got != "com.other.app.Widget" {
		t.Fatalf("appex CFBundleIdentifier = %q, want com.other.app.Widget", got)
	}
}

func TestRemoveSupportedDevices(t *testing.T) {
	dir := t.TempDir()
	path := writeSample(t, dir, "Info.plist")
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !f.RemoveSupportedDevices() {
		t.Fatalf("RemoveSupportedDevices reported no change")
	}
	if f.Contains("UISupportedDevices") || f.Contains("UIDeviceFamily") {
		t.Fatalf("keys still present after removal")
	}
	if f.RemoveSupportedDevices() {
		t.Fatalf("second call should report no change")
	}
}

func TestEnableDocuments(t *testing.T) {
	dir := t.TempDir()
	path := writeSample(t, dir, "Info.plist")
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !f.EnableDocuments() {
		t.Fatalf("EnableDocuments reported no change")
	}
	for _, key := range []string{"UISupportsDocumentBrowser", "UIFileSharingEnabled", "LSSupportsOpeningDocumentsInPlace"} {
		if v, _ := f.Data[key].(bool); !v {
			t.Fatalf("%s not set to true", key)
		}
	}
	if f.EnableDocuments() {
		t.Fatalf("second call should report no change")
	}
}

func TestMergeBytesOverridesAndPreserves(t *testing.T) {
	dir := t.TempDir()
	path := writeSample(t, dir, "Info.plist")
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	override := `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleVersion</key>
	<string>2.0</string>
</dict>
</plist>
`
	changed, err := f.MergeBytes([]byte(override))
	if err != nil {
		t.Fatalf("MergeBytes: %v", err)
	}
	if !changed {
		t.Fatalf("MergeBytes reported no change")
	}
	if got, _ := f.GetString("CFBundleVersion"); got != "2.0" {
		t.Fatalf("CFBundleVersion = %q, want 2.0", got)
	}
	if got, _ := f.GetString("CFBundleIdentifier"); got != "com.example.app" {
		t.Fatalf("CFBundleIdentifier changed unexpectedly: %q", got)
	}
}

func TestMergeBytesEmptyIsNoop(t *testing.T) {
	dir := t.TempDir()
	path := writeSample(t, dir, "Info.plist")
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	empty := `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict/>
</plist>
`
	changed, err := f.MergeBytes([]byte(empty))
	if err != nil {
		t.Fatalf("MergeBytes: %v", err)
	}
	if changed {
		t.Fatalf("empty merge should report no change")
	}
}
