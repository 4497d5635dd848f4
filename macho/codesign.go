package macho

import (
	"encoding/binary"
	"fmt"

	"github.com/lquartararo/ruzule/machotypes"
)

// The signature blob is built by the caller; this file computes codeLimit
// and owns only the load-command and __LINKEDIT bookkeeping a code
// signature requires, not the hash/blob construction itself (that lives
// in the codesign package, one layer up).

const linkeditDataCmdSize = 16

// Sign installs a freshly built code-signature blob on every arm64 slice.
// buildBlob receives the slice's bytes up to codeLimit (the bytes that
// get hashed) and must return the complete SuperBlob to append after
// them. It is called twice, once to size the blob and once on the final
// header bytes, and must return the same length both times. This
// package handles truncating away any previous signature,
// inserting or rewriting LC_CODE_SIGNATURE, and growing __LINKEDIT to
// cover the new blob.
func (f *File) Sign(buildBlob func(data []byte, codeLimit int) ([]byte, error)) error {
	return f.eachTarget(func(s *slice) error {
		return s.sign(buildBlob)
	})
}

func (s *slice) sign(buildBlob func(data []byte, codeLimit int) ([]byte, error)) error {
	var (
		csOffset = -1
		linkedit = -1
	)
	if err := s.commands(func(c command) bool {
		switch c.cmd {
		case machotypes.LCCodeSignature:
			csOffset = c.offset
		case machotypes.LCSegment64:
			if s.fixedString(c.offset+8, 16) == "__LINKEDIT" {
				linkedit = c.offset
			}
		}
		return true
	}); err != nil {
		return err
	}

	var codeLimit int
	if csOffset >= 0 {
		codeLimit = int(binary.LittleEndian.Uint32(s.data[csOffset+8:]))
		s.data = s.data[:codeLimit]
	} else {
		codeLimit = roundUp16(len(s.data))
		if codeLimit > len(s.data) {
			s.data = append(s.data, make([]byte, codeLimit-len(s.data))...)
		}
	}

	// Size the blob first: the header fields that record its length sit in
	// the hashed pages, so they are written before the final build.
	blob, err := buildBlob(s.data, codeLimit)
	if err != nil {
		return err
	}

	if csOffset >= 0 {
		binary.LittleEndian.PutUint32(s.data[csOffset+8:], uint32(codeLimit))
		binary.LittleEndian.PutUint32(s.data[csOffset+12:], uint32(len(blob)))
	} else {
		if err := s.appendLinkeditDataCommand(machotypes.LCCodeSignature, uint32(codeLimit), uint32(len(blob))); err != nil {
			return err
		}
	}

	if linkedit >= 0 {
		segSize := uint64(codeLimit + len(blob) - offsetField(s.data, linkedit+40))
		binary.LittleEndian.PutUint64(s.data[linkedit+32:], uint64(machotypes.AlignUp(int(segSize), 14)))
		binary.LittleEndian.PutUint64(s.data[linkedit+48:], segSize)
	}

	blob, err = buildBlob(s.data, codeLimit)
	if err != nil {
		return err
	}
	s.data = append(s.data, blob...)
	return nil
}

func offsetField(data []byte, off int) int {
	return int(binary.LittleEndian.Uint64(data[off:]))
}

func roundUp16(n int) int { return (n + 15) &^ 15 }

// fixedString reads up to n bytes at off, stopping at the first NUL, the
// layout Mach-O uses for fixed-width char arrays like segname.
func (s *slice) fixedString(off, n int) string {
	if off+n > len(s.data) {
		return ""
	}
	end := off
	limit := off + n
	for end < limit && s.data[end] != 0 {
		end++
	}
	return string(s.data[off:end])
}

func (s *slice) appendLinkeditDataCommand(cmd machotypes.LoadCmd, dataOff, dataSize uint32) error {
	slack, err := s.headerSlack()
	if err != nil {
		return err
	}
	if linkeditDataCmdSize > slack {
		return spaceErr("append-linkedit-data", linkeditDataCmdSize, slack)
	}

	insertOffset := s.headerSize() + int(s.sizeofcmds())
	buf := make([]byte, linkeditDataCmdSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(cmd))
	binary.LittleEndian.PutUint32(buf[4:8], linkeditDataCmdSize)
	binary.LittleEndian.PutUint32(buf[8:12], dataOff)
	binary.LittleEndian.PutUint32(buf[12:16], dataSize)

	if insertOffset+linkeditDataCmdSize > len(s.data) {
		return fmt.Errorf("append-linkedit-data: slice too small for insert")
	}
	copy(s.data[insertOffset:insertOffset+linkeditDataCmdSize], buf)
	s.setSizeofcmds(s.sizeofcmds() + linkeditDataCmdSize)
	s.setNcmds(s.ncmds() + 1)
	return nil
}

// EntitlementsBlob returns the raw entitlements bytes embedded in the
// slice's existing code signature's CSSLOT_ENTITLEMENTS blob, or nil if
// none is present. It never errors on "no signature" or "no
// entitlements slot" — both mean "nothing to extract".
func (f *File) EntitlementsBlob() ([]byte, error) {
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
	return target.entitlementsBlob()
}

func (s *slice) entitlementsBlob() ([]byte, error) {
	var csOffset = -1
	if err := s.commands(func(c command) bool {
		if c.cmd == machotypes.LCCodeSignature {
			csOffset = c.offset
			return false
		}
		return true
	}); err != nil {
		return nil, err
	}
	if csOffset < 0 {
		return nil, nil
	}
	dataOff := binary.LittleEndian.Uint32(s.data[csOffset+8:])
	if int(dataOff) >= len(s.data) || len(s.data)-int(dataOff) < 12 {
		return nil, nil
	}
	sb := s.data[dataOff:]
	if binary.BigEndian.Uint32(sb[0:4]) != uint32(CSMagicEmbeddedSignature) {
		return nil, nil
	}
	count := binary.BigEndian.Uint32(sb[8:12])
	for i := uint32(0); i < count; i++ {
		idxOff := 12 + i*8
		if int(idxOff+8) > len(sb) {
			break
		}
		slotType := binary.BigEndian.Uint32(sb[idxOff:])
		blobOffset := binary.BigEndian.Uint32(sb[idxOff+4:])
		if slotType != CSSlotEntitlements {
			continue
		}
		if int(blobOffset)+8 > len(sb) {
			return nil, nil
		}
		blobLen := binary.BigEndian.Uint32(sb[blobOffset+4:])
		start := blobOffset + 8
		if int(start+blobLen-8) > len(sb) {
			return nil, nil
		}
		return sb[start : start+(blobLen-8)], nil
	}
	return nil, nil
}

// CSMagicEmbeddedSignature and CSSlotEntitlements are the two ad-hoc
// signature constants macho needs to read to locate an entitlements
// blob; the full code-signing magic/slot table lives in the codesign
// package, which owns blob construction.
const (
	CSMagicEmbeddedSignature = 0xfade0cc0
	CSSlotEntitlements       = 5
)
