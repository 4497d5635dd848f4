package macho

import (
	"encoding/binary"
	"fmt"

	"github.com/lquartararo/ruzule/machotypes"
)

// slice is one Mach-O image: either the whole file (thin) or one member of
// a fat container. It owns data directly so edits mutate it in place; per
// the editor's design there is no long-lived parsed view that survives a
// mutation; callers re-derive load commands from data each time.
type slice struct {
	data []byte

	magic  machotypes.Magic
	cpu    machotypes.CPUType
	subcpu int32
}

// command describes one load command found while walking a slice's load
// command region. offset is relative to the start of the slice.
type command struct {
	cmd     machotypes.LoadCmd
	cmdsize uint32
	offset  int
}

func parseSlice(data []byte) (*slice, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("truncated mach-o header")
	}
	magic := machotypes.Magic(binary.LittleEndian.Uint32(data[0:4]))
	switch magic {
	case machotypes.Magic32, machotypes.Magic64:
	default:
		return nil, fmt.Errorf("not a thin mach-o (magic %#x)", uint32(magic))
	}
	if len(data) < headerSize(magic) {
		return nil, fmt.Errorf("truncated mach-o header")
	}
	return &slice{
		data:   data,
		magic:  magic,
		cpu:    machotypes.CPUType(binary.LittleEndian.Uint32(data[4:8])),
		subcpu: int32(binary.LittleEndian.Uint32(data[8:12])),
	}, nil
}

// headerSize returns sizeof(mach_header) or sizeof(mach_header_64)
// depending on magic. Per the spec's open question (c), only the magic
// (not the CPU type) decides header width: CPU type alone conflates
// ARM64 with "64-bit".
func headerSize(magic machotypes.Magic) int {
	if magic == machotypes.Magic64 {
		return machotypes.FileHeaderSize64
	}
	return machotypes.FileHeaderSize32
}

func (s *slice) headerSize() int { return headerSize(s.magic) }

func (s *slice) ncmds() uint32 {
	return binary.LittleEndian.Uint32(s.data[16:20])
}

func (s *slice) sizeofcmds() uint32 {
	return binary.LittleEndian.Uint32(s.data[20:24])
}

func (s *slice) setNcmds(v uint32) {
	binary.LittleEndian.PutUint32(s.data[16:20], v)
}

func (s *slice) setSizeofcmds(v uint32) {
	binary.LittleEndian.PutUint32(s.data[20:24], v)
}

// commands walks the load command region fresh from s.data, calling fn for
// each one. fn returning false stops the walk early.
func (s *slice) commands(fn func(command) bool) error {
	off := s.headerSize()
	end := off + int(s.sizeofcmds())
	if end > len(s.data) {
		return fmt.Errorf("sizeofcmds (%d) overruns file (%d bytes)", end, len(s.data))
	}
	n := s.ncmds()
	for i := uint32(0); i < n; i++ {
		if off+8 > end {
			return fmt.Errorf("load command %d truncated", i)
		}
		cmd := machotypes.LoadCmd(binary.LittleEndian.Uint32(s.data[off:]))
		cmdsize := binary.LittleEndian.Uint32(s.data[off+4:])
		if cmdsize < 8 || off+int(cmdsize) > end {
			return fmt.Errorf("load command %d has invalid cmdsize %d", i, cmdsize)
		}
		if !fn(command{cmd: cmd, cmdsize: cmdsize, offset: off}) {
			return nil
		}
		off += int(cmdsize)
	}
	return nil
}

// cString reads a NUL-terminated string starting at absolute offset off,
// never reading past the slice.
func (s *slice) cString(off int) string {
	if off >= len(s.data) {
		return ""
	}
	end := off
	for end < len(s.data) && s.data[end] != 0 {
		end++
	}
	return string(s.data[off:end])
}

// lcStrField is where dylib_command and rpath_command both keep the
// lc_str offset of their path, counted from the start of the command.
const lcStrField = 8

// pathAt returns the load path embedded in a dylib_command (LC_LOAD_*,
// LC_ID_DYLIB) or rpath_command (LC_RPATH) at the given command offset.
// pathFieldOffset is the command's fixed header size, 24 for dylib
// commands and 12 for rpath commands; an lc_str offset pointing inside
// that header yields "".
func (s *slice) pathAt(cmdOffset, pathFieldOffset int) string {
	if cmdOffset+lcStrField+4 > len(s.data) {
		return ""
	}
	nameOff := int(binary.LittleEndian.Uint32(s.data[cmdOffset+lcStrField:]))
	if nameOff < pathFieldOffset {
		return ""
	}
	return s.cString(cmdOffset + nameOff)
}

// headerSlack returns the number of unused bytes between the end of the
// load command region and the smallest nonzero segment fileoff.
func (s *slice) headerSlack() (int, error) {
	loadEnd := s.headerSize() + int(s.sizeofcmds())
	minFileoff := -1
	err := s.commands(func(c command) bool {
		switch c.cmd {
		case machotypes.LCSegment:
			fileoff := int(binary.LittleEndian.Uint32(s.data[c.offset+32:]))
			filesize := int(binary.LittleEndian.Uint32(s.data[c.offset+36:]))
			if filesize > 0 && fileoff > 0 && (minFileoff == -1 || fileoff < minFileoff) {
				minFileoff = fileoff
			}
		case machotypes.LCSegment64:
			fileoff := int(binary.LittleEndian.Uint64(s.data[c.offset+40:]))
			filesize := int(binary.LittleEndian.Uint64(s.data[c.offset+48:]))
			if filesize > 0 && fileoff > 0 && (minFileoff == -1 || fileoff < minFileoff) {
				minFileoff = fileoff
			}
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if minFileoff == -1 {
		minFileoff = len(s.data)
	}
	slack := minFileoff - loadEnd
	if slack < 0 {
		slack = 0
	}
	return slack, nil
}
