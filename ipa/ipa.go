// Package ipa reads and writes the .ipa/.tipa archive format: a zip
// whose payload lives under Payload/<name>.app, with Unix file modes
// preserved in the zip's external attributes the way Xcode and
// installd expect.
package ipa

import (
	"archive/zip"
	"compress/flate"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Kind classifies an ipa package error.
type Kind int

const (
	KindInvalidArchive Kind = iota + 1
	KindInvalidBundle
	KindIO
)

// Error is returned by every exported operation in this package.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("ipa: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func archiveErr(op string, err error) error { return &Error{Kind: KindInvalidArchive, Op: op, Err: err} }
func bundleErr(op string, err error) error  { return &Error{Kind: KindInvalidBundle, Op: op, Err: err} }
func ioErr(op string, err error) error      { return &Error{Kind: KindIO, Op: op, Err: err} }

// Extract unpacks ipaPath into dest, validates the Payload/*.app
// structure, and returns the path of the single .app bundle it found.
func Extract(ipaPath, dest string) (string, error) {
	r, err := zip.OpenReader(ipaPath)
	if err != nil {
		return "", archiveErr("open", err)
	}
	defer r.Close()

	hasPayload := false
	hasInfoPlist := false
	for _, f := range r.File {
		if strings.HasPrefix(f.Name, "Payload/") {
			hasPayload = true
		}
		if strings.HasSuffix(f.Name, ".app/Info.plist") {
			hasInfoPlist = true
		}
	}
	if !hasPayload {
		return "", archiveErr("validate", fmt.Errorf("no Payload/ directory"))
	}
	if !hasInfoPlist {
		return "", archiveErr("validate", fmt.Errorf("no Info.plist found, invalid app"))
	}

	for _, f := range r.File {
		outPath := filepath.Join(dest, filepath.Clean("/"+filepath.FromSlash(f.Name)))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(outPath, 0o755); err != nil {
				return "", ioErr("mkdir", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return "", ioErr("mkdir", err)
		}
		if err := extractFile(f, outPath); err != nil {
			return "", ioErr("extract", err)
		}
	}

	return findAppInPayload(filepath.Join(dest, "Payload"))
}

func extractFile(f *zip.File, outPath string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	mode := f.Mode()
	if mode&0o777 == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
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

func findAppInPayload(payload string) (string, error) {
	entries, err := os.ReadDir(payload)
	if err != nil {
		return "", bundleErr("find-app", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), ".app") {
			return filepath.Join(payload, entry.Name()), nil
		}
	}
	return "", bundleErr("find-app", fmt.Errorf("no .app folder found in %s", payload))
}

// CopyApp validates appPath as a bundle (an Info.plist must be present)
// and copies it into dest/Payload/<name>.app, returning the new path.
func CopyApp(appPath, dest string) (string, error) {
	if _, err := os.Stat(filepath.Join(appPath, "Info.plist")); err != nil {
		return "", bundleErr("copy-app", fmt.Errorf("no Info.plist found"))
	}
	payload := filepath.Join(dest, "Payload")
	if err := os.MkdirAll(payload, 0o755); err != nil {
		return "", ioErr("mkdir", err)
	}
	newPath := filepath.Join(payload, filepath.Base(appPath))
	if err := copyTree(appPath, newPath); err != nil {
		return "", ioErr("copy", err)
	}
	return newPath, nil
}

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
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
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
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			return os.WriteFile(target, data, info.Mode().Perm())
		}
	})
}

// Create zips tmpdir's Payload/ tree into output, skipping any path
// component beginning with "." (hidden files trip up installd), using
// Stored compression at level 0 and Deflated at the given level (1-9)
// otherwise.
func Create(tmpdir, output string, compressionLevel int) error {
	payload := filepath.Join(tmpdir, "Payload")

	f, err := os.Create(output)
	if err != nil {
		return ioErr("create", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	method := zip.Deflate
	if compressionLevel == 0 {
		method = zip.Store
	} else {
		level := compressionLevel
		zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(w, level)
		})
	}

	err = filepath.WalkDir(payload, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(tmpdir, path)
		if err != nil {
			return err
		}
		if hasHiddenComponent(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		name := filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		if d.IsDir() {
			if path == payload {
				return nil
			}
			_, err := zw.CreateHeader(&zip.FileHeader{Name: name + "/", Method: method})
			return err
		}

		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = name
		hdr.Method = method

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		return archiveErr("write", err)
	}

	return zw.Close()
}

func hasHiddenComponent(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
