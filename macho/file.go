// Package macho implements the byte-level Mach-O editing operations this
// tool needs: appending LC_LOAD_WEAK_DYLIB and LC_RPATH load commands,
// rewriting dylib load paths and install names, thinning a fat binary down
// to its arm64 slice, and stripping an existing code signature. Every
// operation re-parses load commands fresh from the current buffer rather
// than keeping a view that could go stale across an edit.
package macho

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/lquartararo/ruzule/machotypes"
)

// fatArch is the subset of a fat_arch entry this package preserves across
// an edit: the slice's own header carries cputype/cpusubtype, so only the
// alignment needs to survive outside the slice data.
type fatArch struct {
	align uint32
}

// File is an in-memory Mach-O file, thin or fat. Operations that accept a
// predicate (usually "is this the arm64 slice") apply to every matching
// slice; a fat binary with two arm64 slices is not expected in practice
// but is handled uniformly rather than assumed away.
type File struct {
	path   string
	fat    bool
	slices []*slice
	arches []fatArch // parallel to slices, only meaningful when fat
	fatMag machotypes.Magic
}

// Load reads path and parses it as a thin or fat Mach-O file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ioErr("load", err)
	}
	f, err := parseFile(data)
	if err != nil {
		return nil, shapeErr("load", err)
	}
	f.path = path
	return f, nil
}

func parseFile(data []byte) (*File, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("file too small to be mach-o")
	}
	beMagic := machotypes.Magic(binary.BigEndian.Uint32(data[0:4]))
	if beMagic == machotypes.MagicFat || beMagic == machotypes.MagicFat64 {
		return parseFatFile(data, beMagic)
	}

	s, err := parseSlice(data)
	if err != nil {
		return nil, err
	}
	return &File{slices: []*slice{s}}, nil
}

func parseFatFile(data []byte, magic machotypes.Magic) (*File, error) {
	if len(data) < machotypes.FatHeaderSize {
		return nil, fmt.Errorf("truncated fat header")
	}
	n := binary.BigEndian.Uint32(data[4:8])
	archSize := machotypes.FatArchSize
	if magic == machotypes.MagicFat64 {
		archSize = machotypes.FatArch64Size
	}

	f := &File{fat: true, fatMag: magic}
	off := machotypes.FatHeaderSize
	for i := uint32(0); i < n; i++ {
		if off+archSize > len(data) {
			return nil, fmt.Errorf("truncated fat_arch %d", i)
		}
		var offset, size uint64
		var align uint32
		if magic == machotypes.MagicFat64 {
			offset = binary.BigEndian.Uint64(data[off+8:])
			size = binary.BigEndian.Uint64(data[off+16:])
			align = binary.BigEndian.Uint32(data[off+24:])
		} else {
			offset = uint64(binary.BigEndian.Uint32(data[off+8:]))
			size = uint64(binary.BigEndian.Uint32(data[off+12:]))
			align = binary.BigEndian.Uint32(data[off+16:])
		}
		if offset+size > uint64(len(data)) {
			return nil, fmt.Errorf("fat_arch %d extends past end of file", i)
		}

		s, err := parseSlice(data[offset : offset+size])
		if err != nil {
			return nil, fmt.Errorf("fat_arch %d: %w", i, err)
		}
		f.slices = append(f.slices, s)
		f.arches = append(f.arches, fatArch{align: align})
		off += archSize
	}
	return f, nil
}

// IsFat reports whether the file is a universal (multi-architecture)
// binary.
func (f *File) IsFat() bool { return f.fat }

// arm64Indices returns the indices of slices whose CPU type is arm64.
func (f *File) arm64Indices() []int {
	var idx []int
	for i, s := range f.slices {
		if s.cpu == machotypes.CPUTypeARM64 {
			idx = append(idx, i)
		}
	}
	return idx
}

// HasARM64 reports whether the file has at least one arm64 slice.
func (f *File) HasARM64() bool { return len(f.arm64Indices()) > 0 }

// Save serializes the file back to its original path, reassembling a fat
// container if it was loaded as one.
func (f *File) Save() error {
	return f.SaveAs(f.path)
}

// SaveAs serializes the file to path.
func (f *File) SaveAs(path string) error {
	var out []byte
	if !f.fat {
		out = f.slices[0].data
	} else {
		var err error
		out, err = f.reassembleFat()
		if err != nil {
			return shapeErr("save", err)
		}
	}
	if err := os.WriteFile(path, out, 0o755); err != nil {
		return ioErr("save", err)
	}
	return nil
}

// reassembleFat rebuilds a universal binary from the current (possibly
// edited) slices, aligning each member to 1<<align from its recorded
// fat_arch entry, or to 1<<FatAlignBits when that entry records 0.
func (f *File) reassembleFat() ([]byte, error) {
	archSize := machotypes.FatArchSize
	if f.fatMag == machotypes.MagicFat64 {
		archSize = machotypes.FatArch64Size
	}
	headerLen := machotypes.FatHeaderSize + len(f.slices)*archSize

	type placed struct {
		offset int
		size   int
	}
	places := make([]placed, len(f.slices))
	off := headerLen
	for i, s := range f.slices {
		align := f.arches[i].align
		if align == 0 {
			align = machotypes.FatAlignBits
		}
		off = machotypes.AlignUp(off, uint(align))
		places[i] = placed{offset: off, size: len(s.data)}
		off += len(s.data)
	}

	out := make([]byte, off)
	binary.BigEndian.PutUint32(out[0:4], uint32(f.fatMag))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(f.slices)))

	archOff := machotypes.FatHeaderSize
	for i, s := range f.slices {
		align := f.arches[i].align
		if align == 0 {
			align = machotypes.FatAlignBits
		}
		binary.BigEndian.PutUint32(out[archOff:], uint32(s.cpu))
		binary.BigEndian.PutUint32(out[archOff+4:], uint32(s.subcpu))
		if f.fatMag == machotypes.MagicFat64 {
			binary.BigEndian.PutUint64(out[archOff+8:], uint64(places[i].offset))
			binary.BigEndian.PutUint64(out[archOff+16:], uint64(places[i].size))
			binary.BigEndian.PutUint32(out[archOff+24:], align)
		} else {
			binary.BigEndian.PutUint32(out[archOff+8:], uint32(places[i].offset))
			binary.BigEndian.PutUint32(out[archOff+12:], uint32(places[i].size))
			binary.BigEndian.PutUint32(out[archOff+16:], align)
		}
		archOff += archSize

		copy(out[places[i].offset:], s.data)
	}
	return out, nil
}

// eachTarget runs fn over every slice this edit should touch. When the
// file is fat, only arm64 slices are edited and the rest pass through
// unmodified, matching the tool's fat-file discipline: non-arm64 members
// are never a tweak-injection target.
func (f *File) eachTarget(fn func(*slice) error) error {
	targets := f.arm64Indices()
	if !f.fat {
		targets = []int{0}
	}
	if len(targets) == 0 {
		return fmt.Errorf("no arm64 slice present")
	}
	for _, i := range targets {
		if err := fn(f.slices[i]); err != nil {
			return err
		}
	}
	return nil
}
