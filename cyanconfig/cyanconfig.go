// Package cyanconfig reads and writes the .cyan configuration archive:
// a zip holding a config.json of scalar overrides and boolean flags,
// plus the optional sections those flags gate (inject/, icon.idk,
// merge.plist, new.entitlements). cgen builds one from CLI flags so a
// whole injection recipe can be shared as a single file.
package cyanconfig

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Kind classifies a cyanconfig package error.
type Kind int

const (
	KindInvalidArchive Kind = iota + 1
	KindIO
)

// Error is returned by every exported operation in this package.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("cyanconfig: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func archiveErr(op string, err error) error { return &Error{Kind: KindInvalidArchive, Op: op, Err: err} }
func ioErr(op string, err error) error      { return &Error{Kind: KindIO, Op: op, Err: err} }

// Config is config.json's schema. Unknown keys are ignored by
// encoding/json's default decode behavior.
type Config struct {
	F bool    `json:"f"`
	N *string `json:"n,omitempty"`
	V *string `json:"v,omitempty"`
	B *string `json:"b,omitempty"`
	M *string `json:"m,omitempty"`
	K bool    `json:"k"`
	L bool    `json:"l"`
	X bool    `json:"x"`

	RemoveSupportedDevices bool `json:"remove_supported_devices"`
	NoWatch                bool `json:"no_watch"`
	EnableDocuments        bool `json:"enable_documents"`
	Fakesign               bool `json:"fakesign"`
	Thin                   bool `json:"thin"`
	RemoveExtensions       bool `json:"remove_extensions"`
	RemoveEncrypted        bool `json:"remove_encrypted"`
	PatchPlugins           bool `json:"patch_plugins"`
}

// Parsed is a .cyan archive's decoded configuration plus the paths its
// optional sections were extracted to.
type Parsed struct {
	Config       Config
	Files        map[string]string // inject/<name> -> extracted path, keyed by basename
	Icon         string
	Plist        string
	Entitlements string
}

// Parse extracts cyanPath's sections relevant to config's flags into a
// fresh subdirectory of tmpdir (named by index, so multiple .cyan files
// can be parsed into the same workspace without colliding).
func Parse(cyanPath, tmpdir string, index int) (*Parsed, error) {
	r, err := zip.OpenReader(cyanPath)
	if err != nil {
		return nil, archiveErr("open", err)
	}
	defer r.Close()

	extractDir := filepath.Join(tmpdir, fmt.Sprintf("cyan-%d", index))
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return nil, ioErr("mkdir", err)
	}

	configFile, err := r.Open("config.json")
	if err != nil {
		return nil, archiveErr("config.json", err)
	}
	raw, err := io.ReadAll(configFile)
	configFile.Close()
	if err != nil {
		return nil, ioErr("read-config", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, archiveErr("parse-config", err)
	}

	parsed := &Parsed{Config: cfg, Files: map[string]string{}}

	for _, f := range r.File {
		name := f.Name
		switch {
		case cfg.F && strings.HasPrefix(name, "inject/"):
			if strings.HasSuffix(name, "/") {
				continue
			}
			if err := extractEntry(f, filepath.Join(extractDir, filepath.Clean("/"+name))); err != nil {
				return nil, ioErr("extract", err)
			}
		case cfg.K && name == "icon.idk":
			dest := filepath.Join(extractDir, name)
			if err := extractEntry(f, dest); err != nil {
				return nil, ioErr("extract", err)
			}
			parsed.Icon = dest
		case cfg.L && name == "merge.plist":
			dest := filepath.Join(extractDir, name)
			if err := extractEntry(f, dest); err != nil {
				return nil, ioErr("extract", err)
			}
			parsed.Plist = dest
		case cfg.X && name == "new.entitlements":
			dest := filepath.Join(extractDir, name)
			if err := extractEntry(f, dest); err != nil {
				return nil, ioErr("extract", err)
			}
			parsed.Entitlements = dest
		}
	}

	if cfg.F {
		injectDir := filepath.Join(extractDir, "inject")
		entries, err := os.ReadDir(injectDir)
		if err == nil {
			for _, entry := range entries {
				parsed.Files[entry.Name()] = filepath.Join(injectDir, entry.Name())
			}
		}
	}

	return parsed, nil
}

func extractEntry(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(out, rc)
	closeErr := out.Close()
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}

// Spec is cgen's input: the recipe to serialize into a .cyan archive.
type Spec struct {
	Config       Config
	InjectFiles  map[string]string // basename -> source path
	IconPath     string
	PlistPath    string
	Entitlements string
}

// Generate writes a .cyan archive to output from spec, setting the
// config.json flags that match which optional sections spec actually
// supplies.
func Generate(spec Spec, output string) error {
	cfg := spec.Config
	cfg.F = len(spec.InjectFiles) > 0
	cfg.K = spec.IconPath != ""
	cfg.L = spec.PlistPath != ""
	cfg.X = spec.Entitlements != ""

	out, err := os.Create(output)
	if err != nil {
		return ioErr("create", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return archiveErr("marshal-config", err)
	}
	if err := writeZipEntry(zw, "config.json", configJSON); err != nil {
		return ioErr("write-config", err)
	}

	for name, src := range spec.InjectFiles {
		if err := writeZipFile(zw, "inject/"+name, src); err != nil {
			return ioErr("write-inject", err)
		}
	}
	if spec.IconPath != "" {
		if err := writeZipFile(zw, "icon.idk", spec.IconPath); err != nil {
			return ioErr("write-icon", err)
		}
	}
	if spec.PlistPath != "" {
		if err := writeZipFile(zw, "merge.plist", spec.PlistPath); err != nil {
			return ioErr("write-plist", err)
		}
	}
	if spec.Entitlements != "" {
		if err := writeZipFile(zw, "new.entitlements", spec.Entitlements); err != nil {
			return ioErr("write-entitlements", err)
		}
	}

	return zw.Close()
}

func writeZipEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func writeZipFile(zw *zip.Writer, name, srcPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	return writeZipEntry(zw, name, data)
}
