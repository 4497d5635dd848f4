// Package inject implements the injection planner: given a bundle and a
// TweakMap of candidate artifacts (arbitrary files and directories
// keyed by basename — dylibs, frameworks, appex plugins, bundles, or
// .deb packages that expand into more of the same), it decides where
// each artifact lands, fixes up its dependency references, writes the
// load commands the main executable needs to find it at runtime, and
// auto-materializes any bundled framework an artifact weakly depends on
// but doesn't carry itself.
package inject

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/lquartararo/ruzule/appbundle"
	"github.com/lquartararo/ruzule/debextract"
	"github.com/lquartararo/ruzule/executable"
	"github.com/lquartararo/ruzule/frameworks"
)

// Kind classifies an inject package error.
type Kind int

const (
	KindInvalidInput Kind = iota + 1
	KindIO
	KindSignError
)

// Error is returned by every exported operation in this package.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("inject: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func ioErr(op string, err error) error    { return &Error{Kind: KindIO, Op: op, Err: err} }
func signErr(op string, err error) error  { return &Error{Kind: KindSignError, Op: op, Err: err} }
func inputErr(op string, err error) error { return &Error{Kind: KindInvalidInput, Op: op, Err: err} }

// Options selects the injection planner's layout profile.
type Options struct {
	// UseFrameworksDir routes dylibs and frameworks into
	// <bundle>/Frameworks, loaded via @rpath, with
	// @executable_path/Frameworks added to the main executable's rpath
	// list. When false, they land at the bundle root and load via
	// @executable_path instead.
	UseFrameworksDir bool
}

// Run plans and executes an injection pass over bundle using the
// artifacts named in tweaks (mutated in place: .deb entries are
// expanded and removed, leaving only the artifacts they contained).
func Run(bundle *appbundle.Bundle, tweaks map[string]string, tmpdir string, opts Options) error {
	entitlementsPath := filepath.Join(bundle.Path, "ruzule.entitlements")
	pluginsDir := filepath.Join(bundle.Path, "PlugIns")
	frameworksDir := filepath.Join(bundle.Path, "Frameworks")

	hasEntitlements, err := bundle.Executable.WriteEntitlements(entitlementsPath)
	if err != nil {
		return signErr("write-entitlements", err)
	}

	if err := bundle.Executable.RemoveSignature(); err != nil {
		return signErr("remove-signature", err)
	}

	hasAppex := false
	hasInjectable := false
	for name := range tweaks {
		if strings.HasSuffix(name, ".appex") {
			hasAppex = true
		}
		if strings.HasSuffix(name, ".deb") || strings.HasSuffix(name, ".dylib") || strings.HasSuffix(name, ".framework") {
			hasInjectable = true
		}
	}

	if hasAppex {
		if err := os.MkdirAll(pluginsDir, 0o755); err != nil {
			return ioErr("mkdir-plugins", err)
		}
	}
	if hasInjectable && opts.UseFrameworksDir {
		if err := os.MkdirAll(frameworksDir, 0o755); err != nil {
			return ioErr("mkdir-frameworks", err)
		}
		if err := bundle.Executable.AddRpath("@executable_path/Frameworks"); err != nil {
			return inputErr("add-rpath", err)
		}
	}

	var debNames []string
	for name := range tweaks {
		if strings.HasSuffix(name, ".deb") {
			debNames = append(debNames, name)
		}
	}
	for _, name := range debNames {
		debPath := tweaks[name]
		expanded, err := debextract.Extract(debPath, tmpdir)
		if err != nil {
			return err
		}
		delete(tweaks, name)
		for k, v := range expanded {
			tweaks[k] = v
		}
	}

	needed := map[string]bool{}

	for name, path := range tweaks {
		if isSymlink(path) {
			continue
		}

		switch {
		case strings.HasSuffix(name, ".appex"):
			dest := filepath.Join(pluginsDir, name)
			deleteIfExists(dest)
			if err := copyTree(path, dest); err != nil {
				return ioErr("copy-appex", err)
			}

		case strings.HasSuffix(name, ".dylib"):
			if err := injectDylib(bundle, name, path, tweaks, tmpdir, frameworksDir, opts, needed); err != nil {
				return err
			}

		case strings.HasSuffix(name, ".framework"):
			if err := injectFramework(bundle, name, path, frameworksDir, opts); err != nil {
				return err
			}

		default:
			// .bundle or unknown file types land at the bundle root.
			dest := filepath.Join(bundle.Path, name)
			deleteIfExists(dest)
			info, err := os.Stat(path)
			if err != nil {
				return ioErr("stat", err)
			}
			if info.IsDir() {
				if err := copyTree(path, dest); err != nil {
					return ioErr("copy-bundle", err)
				}
			} else if err := copyFile(path, dest); err != nil {
				return ioErr("copy-file", err)
			}
		}
	}

	if needed["orion."] {
		needed["substrate."] = true
	}

	destDir := bundle.Path
	if opts.UseFrameworksDir {
		destDir = frameworksDir
	}
	for fragment := range needed {
		dep, ok := executable.CommonDeps[fragment]
		if !ok {
			continue
		}
		fw, ok := frameworks.ByName(strings.TrimSuffix(dep.FrameworkName, ".framework"))
		if !ok {
			continue
		}
		deleteIfExists(filepath.Join(destDir, dep.FrameworkName))
		if err := fw.ExtractTo(destDir); err != nil {
			return ioErr("extract-framework", err)
		}
	}

	if hasEntitlements {
		if err := bundle.Executable.SignWithEntitlements(entitlementsPath); err != nil {
			return signErr("sign-with-entitlements", err)
		}
		_ = os.Remove(entitlementsPath)
	}

	return nil
}

func injectDylib(bundle *appbundle.Bundle, name, srcPath string, tweaks map[string]string, tmpdir, frameworksDir string, opts Options, needed map[string]bool) error {
	tempPath := filepath.Join(tmpdir, name)
	if err := copyFile(srcPath, tempPath); err != nil {
		return ioErr("copy-to-scratch", err)
	}

	exec, err := executable.New(tempPath)
	if err != nil {
		return inputErr("load-dylib", err)
	}
	if err := exec.FixCommonDependencies(needed); err != nil {
		return inputErr("fix-common-deps", err)
	}
	if err := exec.FixDependencies(tweakNames(tweaks)); err != nil {
		return inputErr("fix-deps", err)
	}
	if opts.UseFrameworksDir {
		if err := exec.FixInstallName(tweakNames(tweaks)); err != nil {
			return inputErr("fix-install-name", err)
		}
	}

	var dest, loadPath string
	if opts.UseFrameworksDir {
		dest = filepath.Join(frameworksDir, name)
		loadPath = "@rpath/" + name
	} else {
		dest = filepath.Join(bundle.Path, name)
		loadPath = "@executable_path/" + name
	}
	deleteIfExists(dest)

	if err := bundle.Executable.InjectDylib(loadPath); err != nil {
		return inputErr("inject-dylib", err)
	}
	if err := os.Rename(tempPath, dest); err != nil {
		return ioErr("move-dylib", err)
	}
	return nil
}

func injectFramework(bundle *appbundle.Bundle, name, srcPath, frameworksDir string, opts Options) error {
	stem := strings.TrimSuffix(name, ".framework")

	var dest, loadPath string
	if opts.UseFrameworksDir {
		dest = filepath.Join(frameworksDir, name)
		loadPath = fmt.Sprintf("@rpath/%s/%s", name, stem)
	} else {
		dest = filepath.Join(bundle.Path, name)
		loadPath = fmt.Sprintf("@executable_path/%s/%s", name, stem)
	}
	deleteIfExists(dest)

	if err := bundle.Executable.InjectDylib(loadPath); err != nil {
		return inputErr("inject-framework", err)
	}
	if err := copyTree(srcPath, dest); err != nil {
		return ioErr("copy-framework", err)
	}
	return nil
}

// tweakNames reduces a TweakMap to the set FixDependencies/FixInstallName
// need: just the basenames, not their source paths.
func tweakNames(tweaks map[string]string) map[string]string {
	names := make(map[string]string, len(tweaks))
	for name := range tweaks {
		names[name] = name
	}
	return names
}

func deleteIfExists(path string) {
	if _, err := os.Lstat(path); err == nil {
		_ = os.RemoveAll(path)
	}
}

func isSymlink(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSymlink != 0
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode().Perm())
}

// copyTree recursively copies src into dst, preserving symlinks.
func copyTree(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if rel == "." {
			return nil
		}
		switch {
		case d.Type()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		default:
			return copyFile(path, target)
		}
	})
}
