// Package appbundle wraps one .app directory: its Info.plist, its main
// executable, and the bulk operations the pipeline runs across every
// embedded dylib/appex/framework found inside it — fakesigning,
// thinning, extension scrubbing, icon replacement, and plugin-support
// patching.
package appbundle

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/image/draw"

	"github.com/lquartararo/ruzule/executable"
	"github.com/lquartararo/ruzule/frameworks"
	"github.com/lquartararo/ruzule/plistutil"
)

// Kind classifies an appbundle package error.
type Kind int

const (
	KindInvalidBundle Kind = iota + 1
	KindIO
)

// Error is returned by every exported operation in this package.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("appbundle: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func bundleErr(op string, err error) error { return &Error{Kind: KindInvalidBundle, Op: op, Err: err} }
func ioErr(op string, err error) error { return &Error{Kind: KindIO, Op: op, Err: err} }

// Bundle is one .app directory.
type Bundle struct {
	Path       string
	Plist      *plistutil.File
	Executable *executable.MainExecutable

	cachedEmbedded []string
}

// Open reads path/Info.plist and resolves its CFBundleExecutable into
// the bundle's main executable.
func Open(path string) (*Bundle, error) {
	plistPath := filepath.Join(path, "Info.plist")
	pl, err := plistutil.OpenWithAppPath(plistPath, path)
	if err != nil {
		return nil, bundleErr("open", err)
	}
	execName, ok := pl.GetString("CFBundleExecutable")
	if !ok {
		return nil, bundleErr("open", fmt.Errorf("%s: no CFBundleExecutable", plistPath))
	}
	main, err := executable.NewMainExecutable(filepath.Join(path, execName), path)
	if err != nil {
		return nil, bundleErr("open", err)
	}
	return &Bundle{Path: path, Plist: pl, Executable: main}, nil
}

// Remove deletes each named entry, resolved relative to b.Path unless
// it already starts with b.Path, reporting whether at least one was
// removed.
func (b *Bundle) Remove(names ...string) bool {
	existed := false
	for _, name := range names {
		path := name
		if !strings.HasPrefix(path, b.Path) {
			path = filepath.Join(b.Path, name)
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := os.RemoveAll(path); err == nil {
			existed = true
		}
	}
	return existed
}

// RemoveWatchApps deletes the bundle's embedded Watch companion app, if
// any, under its usual names.
func (b *Bundle) RemoveWatchApps() bool {
	return b.Remove("Watch", "WatchKit", "com.apple.WatchPlaceholder")
}

// RemoveAllExtensions deletes the Extensions/ and PlugIns/ directories
// wholesale.
func (b *Bundle) RemoveAllExtensions() bool {
	return b.Remove("Extensions", "PlugIns")
}

// embeddedExecutables walks b.Path for *.dylib, *.appex and *.framework
// entries, memoized across the bulk operations that all need the same
// list.
func (b *Bundle) embeddedExecutables() ([]string, error) {
	if b.cachedEmbedded != nil {
		return b.cachedEmbedded, nil
	}
	var found []string
	err := filepath.WalkDir(b.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == b.Path {
			return nil
		}
		if d.IsDir() {
			switch {
			case strings.HasSuffix(path, ".appex"), strings.HasSuffix(path, ".framework"):
				found = append(found, path)
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".dylib") {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, ioErr("walk", err)
	}
	b.cachedEmbedded = found
	return found, nil
}

// resolveExecutable returns the path to run executable.New on for a
// discovered entry: the entry itself for a .dylib, or the bundle's
// CFBundleExecutable inside it for a .appex/.framework.
func resolveExecutable(entryPath string) (string, bool) {
	if strings.HasSuffix(entryPath, ".dylib") {
		return entryPath, true
	}
	pl, ok := plistutil.TryOpen(filepath.Join(entryPath, "Info.plist"))
	if !ok {
		return "", false
	}
	name, ok := pl.GetString("CFBundleExecutable")
	if !ok {
		return "", false
	}
	return filepath.Join(entryPath, name), true
}

// FakesignAll fakesigns the main executable and every embedded
// dylib/appex/framework executable, tolerating individual failures, and
// returns how many were signed.
func (b *Bundle) FakesignAll() (int, error) {
	entries, err := b.embeddedExecutables()
	if err != nil {
		return 0, err
	}
	count := 0
	if err := b.Executable.Fakesign(); err == nil {
		count++
	}
	for _, entry := range entries {
		path, ok := resolveExecutable(entry)
		if !ok {
			continue
		}
		exec, err := executable.New(path)
		if err != nil {
			continue
		}
		if exec.Fakesign() == nil {
			count++
		}
	}
	return count, nil
}

// ThinAll rewrites the main executable and every embedded executable to
// their arm64 slice, tolerating individual failures, and returns how
// many changed.
func (b *Bundle) ThinAll() (int, error) {
	entries, err := b.embeddedExecutables()
	if err != nil {
		return 0, err
	}
	count := 0
	if changed, err := b.Executable.Thin(); err == nil && changed {
		count++
	}
	for _, entry := range entries {
		path, ok := resolveExecutable(entry)
		if !ok {
			continue
		}
		exec, err := executable.New(path)
		if err != nil {
			continue
		}
		if changed, err := exec.Thin(); err == nil && changed {
			count++
		}
	}
	return count, nil
}

// RemoveEncryptedExtensions deletes every *.appex one directory below
// the bundle root (PlugIns/, Extensions/, ...) whose executable is still
// FairPlay-encrypted, and returns the names of those executables.
func (b *Bundle) RemoveEncryptedExtensions() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(b.Path, "*", "*.appex"))
	if err != nil {
		return nil, ioErr("glob", err)
	}
	var removed []string
	for _, appex := range matches {
		plugin, err := Open(appex)
		if err != nil {
			continue
		}
		encrypted, err := plugin.Executable.IsEncrypted()
		if err != nil || !encrypted {
			continue
		}
		if b.Remove(appex) {
			removed = append(removed, plugin.Executable.Name)
		}
	}
	return removed, nil
}

// ChangeIcon resizes icon at iconPath into the 120x120 and 152x152
// @2x PNGs iOS expects for CFBundleIcons/CFBundleIcons~ipad, writes
// them under b.Path, and rewrites the plist entries to reference them
// under a fresh random name so the new icon doesn't collide with any
// icon slot the app shipped with.
func (b *Bundle) ChangeIcon(iconPath string) error {
	src, err := decodeImage(iconPath)
	if err != nil {
		return bundleErr("change-icon", err)
	}

	uid := "ruzule_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:7] + "a"
	i60 := uid + "60x60"
	i76 := uid + "76x76"

	img120 := resize(src, 120, 120)
	img152 := resize(src, 152, 152)

	if err := writePNG(filepath.Join(b.Path, i60+"@2x.png"), img120); err != nil {
		return bundleErr("change-icon", err)
	}
	if err := writePNG(filepath.Join(b.Path, i76+"@2x~ipad.png"), img152); err != nil {
		return bundleErr("change-icon", err)
	}

	primaryIcon := plistutil.Dict{
		"CFBundleIconFiles": []interface{}{i60},
		"CFBundleIconName":  uid,
	}
	primaryIconIpad := plistutil.Dict{
		"CFBundleIconFiles": []interface{}{i60, i76},
		"CFBundleIconName":  uid,
	}

	icons, _ := b.Plist.Data["CFBundleIcons"].(plistutil.Dict)
	if icons == nil {
		icons = plistutil.Dict{}
	}
	icons["CFBundlePrimaryIcon"] = primaryIcon
	b.Plist.Data["CFBundleIcons"] = icons

	iconsIpad, _ := b.Plist.Data["CFBundleIcons~ipad"].(plistutil.Dict)
	if iconsIpad == nil {
		iconsIpad = plistutil.Dict{}
	}
	iconsIpad["CFBundlePrimaryIcon"] = primaryIconIpad
	b.Plist.Data["CFBundleIcons~ipad"] = iconsIpad

	if err := b.Plist.Save(); err != nil {
		return bundleErr("change-icon", err)
	}
	return nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

// lanczos3 is a windowed-sinc resampling kernel, support radius 3:
// sinc(x)*sinc(x/3). golang.org/x/image/draw has no built-in Lanczos
// kernel, but draw.Kernel accepts any Support/At pair, so this matches
// image::imageops::FilterType::Lanczos3 exactly rather than substituting
// a different kernel (draw.CatmullRom is cubic convolution, not
// windowed-sinc).
var lanczos3 = draw.Kernel{
	Support: 3,
	At: func(x float64) float64 {
		x = math.Abs(x)
		if x >= 3 {
			return 0
		}
		if x < 1e-8 {
			return 1
		}
		px := math.Pi * x
		return 3 * math.Sin(px) * math.Sin(px/3) / (px * px)
	},
}

func resize(src image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	lanczos3.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

// PatchPlugins writes the bundled plugin-support dylib into
// Frameworks/, weak-links it into the main executable and every .appex
// in PlugIns/ and Extensions/, fakesigning each patched binary, and
// returns how many executables were patched.
func (b *Bundle) PatchPlugins() (int, error) {
	frameworksDir := filepath.Join(b.Path, "Frameworks")
	if err := os.MkdirAll(frameworksDir, 0o755); err != nil {
		return 0, ioErr("mkdir", err)
	}
	if _, err := frameworks.WritePluginSupportDylib(frameworksDir); err != nil {
		return 0, bundleErr("patch-plugins", err)
	}

	if err := b.Executable.AddRpath("@executable_path/Frameworks"); err != nil {
		return 0, bundleErr("patch-plugins", err)
	}

	const injectPath = "@rpath/zxPluginsInject.dylib"
	count := 0
	if err := b.Executable.InjectDylib(injectPath); err == nil {
		if b.Executable.Fakesign() == nil {
			count++
		}
	}

	for _, dir := range []string{"PlugIns", "Extensions"} {
		entries, err := os.ReadDir(filepath.Join(b.Path, dir))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() || !strings.HasSuffix(entry.Name(), ".appex") {
				continue
			}
			appexPath := filepath.Join(b.Path, dir, entry.Name())
			pl, ok := plistutil.TryOpen(filepath.Join(appexPath, "Info.plist"))
			if !ok {
				continue
			}
			execName, ok := pl.GetString("CFBundleExecutable")
			if !ok {
				continue
			}
			execPath := filepath.Join(appexPath, execName)
			if _, err := os.Stat(execPath); err != nil {
				continue
			}
			f, err := executable.NewMainExecutable(execPath, appexPath)
			if err != nil {
				continue
			}
			if err := f.InjectDylib(injectPath); err != nil {
				continue
			}
			if f.Fakesign() == nil {
				count++
			}
		}
	}

	return count, nil
}
