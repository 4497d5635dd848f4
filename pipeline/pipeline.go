// Package pipeline coordinates a full CLI run: expanding the input
// archive into a scratch workspace, applying the requested bundle
// mutations and injections, and repackaging the result. It owns the
// top-level error taxonomy every other package's errors eventually
// surface through, and the overwrite-confirmation prompt shared by all
// three subcommands.
package pipeline

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/lquartararo/ruzule/appbundle"
	"github.com/lquartararo/ruzule/cyanconfig"
	"github.com/lquartararo/ruzule/debextract"
	"github.com/lquartararo/ruzule/inject"
	"github.com/lquartararo/ruzule/ipa"
	"github.com/lquartararo/ruzule/plistutil"
)

// Kind classifies a pipeline-level error. macho.Error carries
// MachOSpace/MachOShape/Io for byte-level failures; this taxonomy
// covers everything a caller sees above that layer.
type Kind int

const (
	KindInvalidInput Kind = iota + 1
	KindNotFound
	KindInvalidArchive
	KindInvalidBundle
	KindEncryptedBinary
	KindUnsupportedCompression
	KindSignError
	KindIO
)

// Error is returned by every exported operation in this package.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("ruzule: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func inputErr(op string, err error) error      { return &Error{Kind: KindInvalidInput, Op: op, Err: err} }
func notFoundErr(op, path string) error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf("%s not found", path)}
}
func bundleErr(op string, err error) error     { return &Error{Kind: KindInvalidBundle, Op: op, Err: err} }
func encryptedErr(op, path string) error {
	return &Error{Kind: KindEncryptedBinary, Op: op, Err: fmt.Errorf("%s is encrypted", path)}
}
func signErr(op string, err error) error { return &Error{Kind: KindSignError, Op: op, Err: err} }
func ioErr(op string, err error) error   { return &Error{Kind: KindIO, Op: op, Err: err} }

// Confirm is the shared overwrite-confirmation prompt: reads one line
// from stdin, treats "y", "yes" and an empty response as yes.
func Confirm(prompt string) bool {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	response, _ := reader.ReadString('\n')
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "" || response == "y" || response == "yes"
}

func isValidExtension(path string, exts ...string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

func isValidMinimumVersion(v string) bool {
	for _, c := range v {
		if !(c >= '0' && c <= '9') && c != '.' {
			return false
		}
	}
	return true
}

// InjectOptions is one inject-command invocation's full argument set.
type InjectOptions struct {
	Input  string
	Output string
	Cyan   []string
	Files  []string

	Name         string
	Version      string
	BundleID     string
	Minimum      string
	Icon         string
	Plist        string
	Entitlements string

	RemoveSupportedDevices bool
	NoWatch                bool
	EnableDocuments        bool
	Fakesign               bool
	Thin                   bool
	RemoveExtensions       bool
	RemoveEncrypted        bool
	PatchPlugins           bool

	Compress         int
	IgnoreEncrypted  bool
	Overwrite        bool
	UseFrameworksDir bool
}

// RunInject executes the default inject command.
func RunInject(opts InjectOptions) error {
	if !isValidExtension(opts.Input, "app", "ipa", "tipa") {
		return inputErr("validate-input", fmt.Errorf("input must be an .ipa, .tipa, or .app"))
	}
	if _, err := os.Stat(opts.Input); err != nil {
		return notFoundErr("validate-input", opts.Input)
	}

	output := opts.Output
	if output == "" {
		output = opts.Input
	}
	if !isValidExtension(output, "app", "ipa", "tipa") {
		output = strings.TrimSuffix(output, filepath.Ext(output)) + ".ipa"
	}

	if _, err := os.Stat(output); err == nil && !opts.Overwrite {
		prompt := fmt.Sprintf("[<] %s already exists, overwrite it? [Y/n] ", output)
		if output == opts.Input {
			prompt = "[<] no output was specified. overwrite the input? [Y/n] "
		}
		if !Confirm(prompt) {
			return nil
		}
	}

	for _, f := range opts.Files {
		if _, err := os.Stat(f); err != nil {
			return notFoundErr("validate-files", f)
		}
	}
	if opts.Minimum != "" && !isValidMinimumVersion(opts.Minimum) {
		return inputErr("validate-minimum", fmt.Errorf("invalid minimum OS version: %s", opts.Minimum))
	}
	for _, p := range []string{opts.Icon, opts.Plist, opts.Entitlements} {
		if p == "" {
			continue
		}
		if info, err := os.Stat(p); err != nil || info.IsDir() {
			return notFoundErr("validate-files", p)
		}
	}
	for _, c := range opts.Cyan {
		if info, err := os.Stat(c); err != nil || info.IsDir() {
			return notFoundErr("validate-cyan", c)
		}
	}

	inputIsIPA := isValidExtension(opts.Input, "ipa", "tipa")
	outputIsIPA := isValidExtension(output, "ipa", "tipa")

	tmpdir, err := os.MkdirTemp("", "ruzule-")
	if err != nil {
		return ioErr("mkdir-temp", err)
	}
	defer os.RemoveAll(tmpdir)

	var appPath string
	if inputIsIPA {
		appPath, err = ipa.Extract(opts.Input, tmpdir)
	} else {
		appPath, err = ipa.CopyApp(opts.Input, tmpdir)
	}
	if err != nil {
		return bundleErr("extract", err)
	}

	bundle, err := appbundle.Open(appPath)
	if err != nil {
		return bundleErr("open-bundle", err)
	}

	encrypted, err := bundle.Executable.IsEncrypted()
	if err != nil {
		return signErr("check-encryption", err)
	}
	if encrypted && !opts.IgnoreEncrypted {
		return encryptedErr("check-encryption", bundle.Executable.Path)
	}

	name, version, bundleID, minimum := opts.Name, opts.Version, opts.BundleID, opts.Minimum
	icon, plistPath, entitlements := opts.Icon, opts.Plist, opts.Entitlements
	removeSupportedDevices, noWatch := opts.RemoveSupportedDevices, opts.NoWatch
	enableDocuments, fakesign, thin := opts.EnableDocuments, opts.Fakesign, opts.Thin
	removeExtensions, removeEncrypted, patchPlugins := opts.RemoveExtensions, opts.RemoveEncrypted, opts.PatchPlugins
	files := append([]string{}, opts.Files...)

	for index, cyanPath := range opts.Cyan {
		parsed, err := cyanconfig.Parse(cyanPath, tmpdir, index)
		if err != nil {
			return inputErr("parse-cyan", err)
		}
		cfg := parsed.Config
		if cfg.N != nil {
			name = *cfg.N
		}
		if cfg.V != nil {
			version = *cfg.V
		}
		if cfg.B != nil {
			bundleID = *cfg.B
		}
		if cfg.M != nil {
			minimum = *cfg.M
		}
		removeSupportedDevices = removeSupportedDevices || cfg.RemoveSupportedDevices
		noWatch = noWatch || cfg.NoWatch
		enableDocuments = enableDocuments || cfg.EnableDocuments
		fakesign = fakesign || cfg.Fakesign
		thin = thin || cfg.Thin
		removeExtensions = removeExtensions || cfg.RemoveExtensions
		removeEncrypted = removeEncrypted || cfg.RemoveEncrypted
		patchPlugins = patchPlugins || cfg.PatchPlugins

		for _, path := range parsed.Files {
			files = append(files, path)
		}
		if parsed.Icon != "" {
			icon = parsed.Icon
		}
		if parsed.Plist != "" {
			plistPath = parsed.Plist
		}
		if parsed.Entitlements != "" {
			entitlements = parsed.Entitlements
		}
	}

	if removeExtensions {
		bundle.RemoveAllExtensions()
	} else if removeEncrypted {
		if _, err := bundle.RemoveEncryptedExtensions(); err != nil {
			return ioErr("remove-encrypted-extensions", err)
		}
	}

	if len(files) > 0 {
		tweaks := make(map[string]string, len(files))
		for _, f := range files {
			tweaks[filepath.Base(f)] = f
		}
		if err := inject.Run(bundle, tweaks, tmpdir, inject.Options{UseFrameworksDir: opts.UseFrameworksDir}); err != nil {
			var debErr *debextract.Error
			var injErr *inject.Error
			switch {
			case errors.As(err, &debErr) && debErr.Kind == debextract.KindUnsupportedCompression:
				return &Error{Kind: KindUnsupportedCompression, Op: "inject", Err: err}
			case errors.As(err, &injErr) && injErr.Kind == inject.KindIO:
				return ioErr("inject", err)
			case errors.As(err, &injErr) && injErr.Kind == inject.KindSignError:
				return signErr("inject", err)
			}
			return inputErr("inject", err)
		}
	}

	if name != "" {
		bundle.Plist.ChangeName(name)
	}
	if version != "" {
		bundle.Plist.ChangeVersion(version)
	}
	if bundleID != "" {
		bundle.Plist.ChangeBundleID(bundleID)
	}
	if minimum != "" {
		bundle.Plist.ChangeMinimumVersion(minimum)
	}
	if icon != "" {
		if err := bundle.ChangeIcon(icon); err != nil {
			return bundleErr("change-icon", err)
		}
	}
	if plistPath != "" {
		if _, err := bundle.Plist.Merge(plistPath); err != nil {
			return bundleErr("merge-plist", err)
		}
	}
	if entitlements != "" {
		if _, err := bundle.Executable.MergeEntitlements(entitlements); err != nil {
			return signErr("merge-entitlements", err)
		}
	}
	if removeSupportedDevices {
		bundle.Plist.RemoveSupportedDevices()
	}
	if noWatch {
		bundle.RemoveWatchApps()
	}
	if enableDocuments {
		bundle.Plist.EnableDocuments()
	}
	if patchPlugins {
		if _, err := bundle.PatchPlugins(); err != nil {
			return signErr("patch-plugins", err)
		}
	}
	if fakesign {
		if _, err := bundle.FakesignAll(); err != nil {
			return signErr("fakesign-all", err)
		}
	}
	if thin {
		if _, err := bundle.ThinAll(); err != nil {
			return ioErr("thin-all", err)
		}
	}

	if dir := filepath.Dir(output); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ioErr("mkdir-output", err)
		}
	}

	if outputIsIPA {
		if err := ipa.Create(tmpdir, output, opts.Compress); err != nil {
			return ioErr("create-ipa", err)
		}
	} else {
		if _, err := os.Stat(output); err == nil {
			if err := os.RemoveAll(output); err != nil {
				return ioErr("replace-output", err)
			}
		}
		if err := os.Rename(appPath, output); err != nil {
			return ioErr("move-output", err)
		}
	}

	return nil
}

// CgenOptions is the cgen command's argument set: the same flags the
// default inject command exposes, assembled into a .cyan archive
// instead of being applied immediately.
type CgenOptions struct {
	Output string
	Files  []string

	Name         string
	Version      string
	BundleID     string
	Minimum      string
	Icon         string
	Plist        string
	Entitlements string

	RemoveSupportedDevices bool
	NoWatch                bool
	EnableDocuments        bool
	Fakesign               bool
	Thin                   bool
	RemoveExtensions       bool
	RemoveEncrypted        bool
	PatchPlugins           bool

	Overwrite bool
}

// RunCgen executes the cgen command.
func RunCgen(opts CgenOptions) error {
	if opts.Minimum != "" && !isValidMinimumVersion(opts.Minimum) {
		return inputErr("validate-minimum", fmt.Errorf("invalid minimum OS version: %s", opts.Minimum))
	}
	for _, p := range []string{opts.Icon, opts.Plist, opts.Entitlements} {
		if p == "" {
			continue
		}
		if info, err := os.Stat(p); err != nil || info.IsDir() {
			return notFoundErr("validate-files", p)
		}
	}
	for _, f := range opts.Files {
		if _, err := os.Stat(f); err != nil {
			return notFoundErr("validate-files", f)
		}
	}

	output := opts.Output
	if !isValidExtension(output, "cyan") {
		output = strings.TrimSuffix(output, filepath.Ext(output)) + ".cyan"
	}
	if _, err := os.Stat(output); err == nil && !opts.Overwrite {
		if !Confirm(fmt.Sprintf("[<] %s already exists. overwrite? [Y/n] ", output)) {
			return nil
		}
	}

	injectFiles := map[string]string{}
	for _, f := range opts.Files {
		injectFiles[filepath.Base(f)] = f
	}

	var namePtr, versionPtr, bundleIDPtr, minimumPtr *string
	if opts.Name != "" {
		namePtr = &opts.Name
	}
	if opts.Version != "" {
		versionPtr = &opts.Version
	}
	if opts.BundleID != "" {
		bundleIDPtr = &opts.BundleID
	}
	if opts.Minimum != "" {
		minimumPtr = &opts.Minimum
	}

	spec := cyanconfig.Spec{
		Config: cyanconfig.Config{
			N: namePtr, V: versionPtr, B: bundleIDPtr, M: minimumPtr,
			RemoveSupportedDevices: opts.RemoveSupportedDevices,
			NoWatch:                opts.NoWatch,
			EnableDocuments:        opts.EnableDocuments,
			Fakesign:               opts.Fakesign,
			Thin:                   opts.Thin,
			RemoveExtensions:       opts.RemoveExtensions,
			RemoveEncrypted:        opts.RemoveEncrypted,
			PatchPlugins:           opts.PatchPlugins,
		},
		InjectFiles:  injectFiles,
		IconPath:     opts.Icon,
		PlistPath:    opts.Plist,
		Entitlements: opts.Entitlements,
	}

	if err := cyanconfig.Generate(spec, output); err != nil {
		return ioErr("generate", err)
	}
	return nil
}

// DupeOptions is the dupe command's argument set.
type DupeOptions struct {
	Input     string
	Output    string
	Seed      string
	Bundle    string
	Overwrite bool
}

const dupeBundlePrefix = "fyi.zxcvbn.appdupe."

// RunDupe executes the dupe command: rewrites a copy's bundle identity
// (bundle ID, application-identifier, team-identifier, keychain and app
// groups entitlements) from a seed so it can install side-by-side with
// the original.
func RunDupe(opts DupeOptions) error {
	if _, err := os.Stat(opts.Input); err != nil {
		return notFoundErr("validate-input", opts.Input)
	}
	if !isValidExtension(opts.Input, "ipa", "tipa") {
		return inputErr("validate-input", fmt.Errorf("input must be an .ipa or .tipa"))
	}

	output := opts.Output
	if !strings.HasSuffix(output, ".ipa") {
		output = strings.TrimSuffix(output, filepath.Ext(output)) + ".ipa"
	}
	if _, err := os.Stat(output); err == nil && !opts.Overwrite {
		if !Confirm(fmt.Sprintf("[<] %s already exists. overwrite? [Y/n] ", output)) {
			return nil
		}
	}

	if opts.Bundle != "" {
		if len(opts.Bundle) != 10 || !isHex(opts.Bundle) {
			return inputErr("validate-bundle", fmt.Errorf("bundle suffix must be 10 hex chars"))
		}
	}

	seed := opts.Seed
	if seed == "" {
		seed = uuid.New().String()
	}

	hash := sha256.Sum256([]byte(seed))
	hashHex := strings.ToUpper(hex.EncodeToString(hash[:]))
	teamID := hashHex[len(hashHex)-10:]

	bundleSuffix := opts.Bundle
	if bundleSuffix == "" {
		bundleSuffix = strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
	}
	bundleTI := dupeBundlePrefix + teamID
	bundleID := dupeBundlePrefix + bundleSuffix

	tmpdir, err := os.MkdirTemp("", "ruzule-dupe-")
	if err != nil {
		return ioErr("mkdir-temp", err)
	}
	defer os.RemoveAll(tmpdir)

	appPath, err := ipa.Extract(opts.Input, tmpdir)
	if err != nil {
		return bundleErr("extract", err)
	}

	bundle, err := appbundle.Open(appPath)
	if err != nil {
		return bundleErr("open-bundle", err)
	}

	bundle.Plist.SetString("CFBundleIdentifier", bundleID)
	bundle.Plist.Remove("UISupportedDevices")
	bundle.Plist.Remove("CFBundleURLTypes")

	entPath := filepath.Join(tmpdir, "entitlements.plist")
	hasEntitlements, err := bundle.Executable.WriteEntitlements(entPath)
	if err != nil {
		return signErr("write-entitlements", err)
	}

	entitlements := plistutil.Dict{}
	if hasEntitlements {
		data, err := os.ReadFile(entPath)
		if err == nil {
			if decoded, err := plistutil.DecodeBytes(data); err == nil {
				entitlements = decoded
			}
		}
	}

	entitlements["application-identifier"] = teamID + "." + bundleID
	entitlements["com.apple.developer.team-identifier"] = teamID
	entitlements["keychain-access-groups"] = []interface{}{bundleTI}
	entitlements["com.apple.security.application-groups"] = []interface{}{"group." + bundleTI}
	delete(entitlements, "com.apple.developer.associated-domains")

	mergedXML, err := plistutil.EncodeXML(entitlements)
	if err != nil {
		return signErr("encode-entitlements", err)
	}
	if err := os.WriteFile(entPath, mergedXML, 0o644); err != nil {
		return ioErr("write-entitlements", err)
	}

	bundle.RemoveAllExtensions()

	if err := bundle.Executable.SignWithEntitlements(entPath); err != nil {
		return signErr("sign", err)
	}
	if err := bundle.Plist.Save(); err != nil {
		return ioErr("save-plist", err)
	}

	if err := ipa.Create(tmpdir, output, 6); err != nil {
		return ioErr("create-ipa", err)
	}
	return nil
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
