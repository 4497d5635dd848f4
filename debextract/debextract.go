// Package debextract unpacks a .deb into the injectable artifacts the
// planner needs: the ar archive's data.tar member, decompressed by
// whichever of gzip, xz or plain lzma its suffix names, then walked for
// *.dylib, *.appex, *.bundle and *.framework entries at any depth
// (nested bundles and frameworks are skipped, matching how the
// package manager that produced them lays out a tweak).
package debextract

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/google/uuid"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// Kind classifies a debextract package error.
type Kind int

const (
	KindInvalidArchive Kind = iota + 1
	KindUnsupportedCompression
	KindIO
)

// Error is returned by every exported operation in this package.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("debextract: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func archiveErr(op string, err error) error { return &Error{Kind: KindInvalidArchive, Op: op, Err: err} }
func ioErr(op string, err error) error       { return &Error{Kind: KindIO, Op: op, Err: err} }
func unsupportedErr(op string, err error) error {
	return &Error{Kind: KindUnsupportedCompression, Op: op, Err: err}
}

// Extract unpacks deb's data.tar member under a fresh directory inside
// tmpdir and returns the absolute path of every top-level injectable
// artifact found beneath it, keyed by basename. Nested bundles and
// frameworks (a .bundle or .framework occurring more than once along a
// path) are skipped, since a tweak only ever carries its content in its
// outermost copy.
func Extract(debPath, tmpdir string) (map[string]string, error) {
	extractDir := filepath.Join(tmpdir, "deb_"+uuid.New().String())
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return nil, ioErr("mkdir", err)
	}

	f, err := os.Open(debPath)
	if err != nil {
		return nil, ioErr("open", err)
	}
	defer f.Close()

	tarPath, err := extractDataTarMember(f, extractDir)
	if err != nil {
		return nil, err
	}
	if tarPath == "" {
		return nil, archiveErr("extract", fmt.Errorf("no data.tar member in %s", filepath.Base(debPath)))
	}

	if err := unpackDataTar(tarPath, extractDir); err != nil {
		return nil, err
	}

	found := map[string]string{}
	err = filepath.WalkDir(extractDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}
		if path == extractDir {
			return nil
		}
		if d.IsDir() {
			if hasBundleSuffix(path) {
				found[filepath.Base(path)] = path
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".dylib") {
			found[filepath.Base(path)] = path
		}
		return nil
	})
	if err != nil {
		return nil, ioErr("walk", err)
	}

	delete(found, filepath.Base(debPath))
	return found, nil
}

// extractDataTarMember reads r as an ar archive and copies the first
// member whose name starts with "data.tar" into dir, returning its path.
func extractDataTarMember(r io.Reader, dir string) (string, error) {
	archive := ar.NewReader(r)
	for {
		header, err := archive.Next()
		if err == io.EOF {
			return "", nil
		}
		if err != nil {
			return "", archiveErr("ar-next", err)
		}
		name := strings.TrimSpace(strings.TrimSuffix(header.Name, "/"))
		if !strings.HasPrefix(name, "data.tar") {
			continue
		}
		tarPath := filepath.Join(dir, name)
		out, err := os.Create(tarPath)
		if err != nil {
			return "", ioErr("create", err)
		}
		_, copyErr := io.Copy(out, archive)
		closeErr := out.Close()
		if copyErr != nil {
			return "", ioErr("copy", copyErr)
		}
		if closeErr != nil {
			return "", ioErr("close", closeErr)
		}
		return tarPath, nil
	}
}

func unpackDataTar(tarPath, dest string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return ioErr("open-tar", err)
	}
	defer f.Close()

	var r io.Reader = f
	name := filepath.Base(tarPath)
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tar.gzip"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return archiveErr("gzip", err)
		}
		defer gz.Close()
		r = gz
	case strings.HasSuffix(name, ".tar.xz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			return archiveErr("xz", err)
		}
		r = xr
	case strings.HasSuffix(name, ".tar.lzma"):
		lr, err := lzma.NewReader(f)
		if err != nil {
			return archiveErr("lzma", err)
		}
		r = lr
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tar.zstd"):
		return unsupportedErr("unpack", fmt.Errorf("zstd-compressed data tar not supported"))
	case strings.HasSuffix(name, ".tar.bz2"):
		return unsupportedErr("unpack", fmt.Errorf("bzip2-compressed data tar not supported"))
	case strings.HasSuffix(name, ".tar"):
		// uncompressed
	default:
		// assume uncompressed
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return archiveErr("tar-next", err)
		}
		target := filepath.Join(dest, filepath.Clean("/"+hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return ioErr("mkdir", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return ioErr("mkdir", err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode&0o777))
			if err != nil {
				return ioErr("create", err)
			}
			_, copyErr := io.Copy(out, tr)
			closeErr := out.Close()
			if copyErr != nil {
				return ioErr("copy", copyErr)
			}
			if closeErr != nil {
				return ioErr("close", closeErr)
			}
		case tar.TypeSymlink:
			_ = os.MkdirAll(filepath.Dir(target), 0o755)
			_ = os.Symlink(hdr.Linkname, target)
		}
	}
}

// hasBundleSuffix reports whether path is a directory carrying one of
// the bundle-like artifact suffixes. WalkDir skips the subtree beneath
// a match, which is what keeps a nested .framework or .bundle from
// being captured a second time under its parent's.
func hasBundleSuffix(path string) bool {
	for _, suffix := range []string{".appex", ".bundle", ".framework"} {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}
