package macho

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/lquartararo/ruzule/machotypes"
)

// AppendWeakDylib appends an LC_LOAD_WEAK_DYLIB command for dylibPath to
// every arm64 slice that does not already depend on it. It is a no-op,
// not an error, for a slice that already has the dependency.
func (f *File) AppendWeakDylib(dylibPath string) error {
	return f.eachTarget(func(s *slice) error {
		exists, err := s.hasDylibPath(dylibPath)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		return s.appendDylibCommand(machotypes.LCLoadWeakDylib, dylibPath)
	})
}

// AppendRpath appends an LC_RPATH command for path to every arm64 slice
// that does not already carry it.
func (f *File) AppendRpath(path string) error {
	return f.eachTarget(func(s *slice) error {
		exists, err := s.hasRpath(path)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		return s.appendRpathCommand(path)
	})
}

// ReplaceDylibLoadPath rewrites every dylib load command (LC_LOAD_DYLIB
// and its weak/lazy/reexport/upward variants) whose path equals oldPath
// to newPath, in place within the existing command. It fails if newPath
// does not fit in the space the old path occupied.
func (f *File) ReplaceDylibLoadPath(oldPath, newPath string) error {
	return f.eachTarget(func(s *slice) error {
		return s.replacePath(machotypes.DylibPathOffset, oldPath, newPath, true)
	})
}

// ReplaceInstallName rewrites the LC_ID_DYLIB path, the name a dylib
// advertises as its own install path to anything that links it.
func (f *File) ReplaceInstallName(newName string) error {
	return f.eachTarget(func(s *slice) error {
		return s.replaceIDDylib(newName)
	})
}

// ListDependencies returns the dylib load paths referenced by the file's
// first slice (or the arm64 slice, for a fat file), filtered to the
// paths a repackaged app actually cares about: system libraries and
// paths relative to @rpath/@executable_path/@loader_path.
func (f *File) ListDependencies() ([]string, error) {
	var target *slice
	if f.fat {
		idx := f.arm64Indices()
		if len(idx) == 0 {
			return nil, fmt.Errorf("no arm64 slice present")
		}
		target = f.slices[idx[0]]
	} else {
		target = f.slices[0]
	}

	var deps []string
	err := target.commands(func(c command) bool {
		if !machotypes.IsDylibLoadCommand(c.cmd) {
			return true
		}
		p := target.pathAt(c.offset, machotypes.DylibPathOffset)
		if p != "" {
			deps = append(deps, p)
		}
		return true
	})
	if err != nil {
		return nil, shapeErr("list-dependencies", err)
	}

	filtered := deps[:0]
	for _, d := range deps {
		if isInterestingDependency(d) {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

func isInterestingDependency(path string) bool {
	prefixes := []string{"/Library/", "/usr/lib/", "@"}
	for _, p := range prefixes {
		if len(path) >= len(p) && path[:len(p)] == p {
			return true
		}
	}
	return false
}

// IsEncrypted reports whether any slice carries an LC_ENCRYPTION_INFO(64)
// command with a nonzero cryptid, meaning the slice ships DRM-encrypted
// and cannot be edited meaningfully without first being decrypted.
func (f *File) IsEncrypted() (bool, error) {
	for _, s := range f.slices {
		enc, err := s.isEncrypted()
		if err != nil {
			return false, shapeErr("is-encrypted", err)
		}
		if enc {
			return true, nil
		}
	}
	return false, nil
}

func (s *slice) isEncrypted() (bool, error) {
	var encrypted bool
	err := s.commands(func(c command) bool {
		switch c.cmd {
		case machotypes.LCEncryptionInfo:
			cryptid := binary.LittleEndian.Uint32(s.data[c.offset+16:])
			if cryptid != 0 {
				encrypted = true
				return false
			}
		case machotypes.LCEncryptionInfo64:
			cryptid := binary.LittleEndian.Uint32(s.data[c.offset+16:])
			if cryptid != 0 {
				encrypted = true
				return false
			}
		}
		return true
	})
	return encrypted, err
}

// ThinToARM64 rewrites the file on disk to contain only its arm64 slice,
// discarding any other architectures. It reports whether a rewrite
// happened: a thin arm64 file returns false with no error, matching the
// no-op case the planner treats the same as "already done".
func ThinToARM64(path string) (bool, error) {
	f, err := Load(path)
	if err != nil {
		return false, err
	}
	if !f.fat {
		if f.slices[0].cpu != machotypes.CPUTypeARM64 {
			return false, shapeErr("thin-to-arm64", fmt.Errorf("binary is not arm64"))
		}
		return false, nil
	}
	idx := f.arm64Indices()
	if len(idx) == 0 {
		return false, shapeErr("thin-to-arm64", fmt.Errorf("no arm64 slice found in fat binary"))
	}
	if err := os.WriteFile(path, f.slices[idx[0]].data, 0o755); err != nil {
		return false, ioErr("thin-to-arm64", err)
	}
	return true, nil
}

// StripCodeSignature removes the LC_CODE_SIGNATURE load command (if any)
// from every slice, truncating the trailing signature blob. Callers that
// need a valid signature afterward must re-sign; this only clears the
// slot so a later signer starts from a clean state.
func (f *File) StripCodeSignature() error {
	for _, s := range f.slices {
		if err := s.stripCodeSignature(); err != nil {
			return shapeErr("strip-code-signature", err)
		}
	}
	return nil
}

func (s *slice) stripCodeSignature() error {
	var (
		found      bool
		cmdOffset  int
		cmdSize    uint32
		dataOffset uint32
	)
	err := s.commands(func(c command) bool {
		if c.cmd == machotypes.LCCodeSignature {
			found = true
			cmdOffset = c.offset
			cmdSize = c.cmdsize
			dataOffset = binary.LittleEndian.Uint32(s.data[c.offset+8:])
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	loadEnd := s.headerSize() + int(s.sizeofcmds())
	tail := s.data[cmdOffset+int(cmdSize) : loadEnd]
	copy(s.data[cmdOffset:], tail)
	for i := cmdOffset + len(tail); i < loadEnd; i++ {
		s.data[i] = 0
	}

	s.setNcmds(s.ncmds() - 1)
	s.setSizeofcmds(s.sizeofcmds() - cmdSize)

	if int(dataOffset) < len(s.data) {
		trimmed := uint64(len(s.data) - int(dataOffset))
		s.shrinkLinkedit(trimmed)
		s.data = s.data[:dataOffset]
	}
	return nil
}

// shrinkLinkedit reduces the __LINKEDIT segment's filesize and vmsize by
// the given amount, matching the data stripCodeSignature is about to
// truncate off the end of the file. Without this the segment command
// keeps advertising the signature blob's length after the blob is gone.
func (s *slice) shrinkLinkedit(by uint64) {
	s.commands(func(c command) bool {
		switch c.cmd {
		case machotypes.LCSegment:
			if s.cString(c.offset+8) != "__LINKEDIT" {
				return true
			}
			filesize := binary.LittleEndian.Uint32(s.data[c.offset+36:])
			vmsize := binary.LittleEndian.Uint32(s.data[c.offset+28:])
			binary.LittleEndian.PutUint32(s.data[c.offset+36:], uint32(uint64(filesize)-by))
			binary.LittleEndian.PutUint32(s.data[c.offset+28:], uint32(uint64(vmsize)-by))
			return false
		case machotypes.LCSegment64:
			if s.cString(c.offset+8) != "__LINKEDIT" {
				return true
			}
			filesize := binary.LittleEndian.Uint64(s.data[c.offset+48:])
			vmsize := binary.LittleEndian.Uint64(s.data[c.offset+32:])
			binary.LittleEndian.PutUint64(s.data[c.offset+48:], filesize-by)
			binary.LittleEndian.PutUint64(s.data[c.offset+32:], vmsize-by)
			return false
		}
		return true
	})
}

func (s *slice) hasDylibPath(path string) (bool, error) {
	found := false
	err := s.commands(func(c command) bool {
		if machotypes.IsDylibLoadCommand(c.cmd) && s.pathAt(c.offset, machotypes.DylibPathOffset) == path {
			found = true
			return false
		}
		return true
	})
	return found, err
}

func (s *slice) hasRpath(path string) (bool, error) {
	found := false
	err := s.commands(func(c command) bool {
		if c.cmd == machotypes.LCRpath && s.pathAt(c.offset, machotypes.RpathPathOffset) == path {
			found = true
			return false
		}
		return true
	})
	return found, err
}

// appendDylibCommand inserts a dylib_command of the given cmd kind into
// the slice's header slack, growing ncmds/sizeofcmds in place. It never
// grows the file: the command must fit in the space already between the
// load commands and the first segment.
func (s *slice) appendDylibCommand(cmd machotypes.LoadCmd, path string) error {
	padding := (8 - ((len(path) + 1) % 8)) % 8
	size := machotypes.DylibCommandHeaderSize + len(path) + 1 + padding

	slack, err := s.headerSlack()
	if err != nil {
		return err
	}
	if size > slack {
		return spaceErr("append-dylib", size, slack)
	}

	insertOffset := s.headerSize() + int(s.sizeofcmds())
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(cmd))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(size))
	binary.LittleEndian.PutUint32(buf[8:12], machotypes.DylibPathOffset)
	binary.LittleEndian.PutUint32(buf[12:16], machotypes.DylibTimestamp)
	binary.LittleEndian.PutUint32(buf[16:20], machotypes.DylibCurrentVersion)
	binary.LittleEndian.PutUint32(buf[20:24], machotypes.DylibCompatVersion)
	copy(buf[24:], path)

	copy(s.data[insertOffset:insertOffset+size], buf)
	s.setSizeofcmds(s.sizeofcmds() + uint32(size))
	s.setNcmds(s.ncmds() + 1)
	return nil
}

func (s *slice) appendRpathCommand(path string) error {
	size := machotypes.Align8(machotypes.RpathCommandHeaderSize + len(path) + 1)

	slack, err := s.headerSlack()
	if err != nil {
		return err
	}
	if size > slack {
		return spaceErr("append-rpath", size, slack)
	}

	insertOffset := s.headerSize() + int(s.sizeofcmds())
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(machotypes.LCRpath))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(size))
	binary.LittleEndian.PutUint32(buf[8:12], machotypes.RpathPathOffset)
	copy(buf[12:], path)

	copy(s.data[insertOffset:insertOffset+size], buf)
	s.setSizeofcmds(s.sizeofcmds() + uint32(size))
	s.setNcmds(s.ncmds() + 1)
	return nil
}

// replacePath rewrites, in place, the path embedded at pathFieldOffset in
// every load command matching oldPath. When dylibOnly is set, only the
// dylib-reference commands (not LC_ID_DYLIB) are considered.
func (s *slice) replacePath(pathFieldOffset int, oldPath, newPath string, dylibOnly bool) error {
	var matches []command
	err := s.commands(func(c command) bool {
		if dylibOnly && !machotypes.IsDylibLoadCommand(c.cmd) {
			return true
		}
		if s.pathAt(c.offset, pathFieldOffset) == oldPath {
			matches = append(matches, c)
		}
		return true
	})
	if err != nil {
		return err
	}

	for _, c := range matches {
		nameOffset := c.offset + int(binary.LittleEndian.Uint32(s.data[c.offset+lcStrField:]))
		available := int(c.cmdsize) - (nameOffset - c.offset)

		newPadding := (8 - ((len(newPath) + 1) % 8)) % 8
		required := len(newPath) + 1 + newPadding
		if required > available {
			return fmt.Errorf("not enough space for new path (need %d, have %d)", required, available)
		}

		oldPadding := (8 - ((len(oldPath) + 1) % 8)) % 8
		oldTotal := len(oldPath) + 1 + oldPadding
		if oldTotal > available {
			oldTotal = available
		}
		for i := 0; i < oldTotal; i++ {
			s.data[nameOffset+i] = 0
		}
		copy(s.data[nameOffset:nameOffset+len(newPath)], newPath)
	}
	return nil
}

func (s *slice) replaceIDDylib(newName string) error {
	var target *command
	err := s.commands(func(c command) bool {
		if c.cmd == machotypes.LCIDDylib {
			cp := c
			target = &cp
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}

	nameOffset := target.offset + int(binary.LittleEndian.Uint32(s.data[target.offset+lcStrField:]))
	available := int(target.cmdsize) - (nameOffset - target.offset)

	oldName := s.cString(nameOffset)

	newPadding := (8 - ((len(newName) + 1) % 8)) % 8
	required := len(newName) + 1 + newPadding
	if required > available {
		return fmt.Errorf("not enough space for new install name (need %d, have %d)", required, available)
	}

	oldPadding := (8 - ((len(oldName) + 1) % 8)) % 8
	oldTotal := len(oldName) + 1 + oldPadding
	if oldTotal > available {
		oldTotal = available
	}
	for i := 0; i < oldTotal; i++ {
		s.data[nameOffset+i] = 0
	}
	copy(s.data[nameOffset:nameOffset+len(newName)], newName)
	return nil
}
