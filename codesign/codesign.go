// Package codesign produces ad-hoc Mach-O code signatures: no identity,
// no certificate, just enough of a CodeDirectory for the kernel's
// integrity checks to accept the binary. The blob layout mirrors what
// the Darwin linker emits for an ad-hoc signed binary: a SuperBlob
// holding a CodeDirectory and, when entitlements are supplied, an
// Entitlements blob alongside it.
package codesign

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/lquartararo/ruzule/macho"
)

const (
	pageSizeBits = 12
	pageSize     = 1 << pageSizeBits
)

const (
	csMagicCodeDirectory        = 0xfade0c02
	csMagicEmbeddedSignature    = 0xfade0cc0
	csMagicEmbeddedEntitlements = 0xfade7171

	csSlotCodeDirectory = 0
	csSlotEntitlements  = 5

	csHashSHA256 = 2

	// csAdhocLinkerSigned is the flags value the Darwin linker writes for
	// an ad-hoc signature: CS_ADHOC | CS_LINKER_SIGNED.
	csAdhocLinkerSigned = 0x20002

	codeDirectoryHeaderSize = 88
	superBlobHeaderSize     = 12
	blobIndexSize           = 8
	genericBlobHeaderSize   = 8
)

// Kind classifies a codesign package error.
type Kind int

const (
	KindSign Kind = iota + 1
)

// Error is returned by every exported operation in this package.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("codesign: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func signErr(op string, err error) error { return &Error{Kind: KindSign, Op: op, Err: err} }

// Fakesign writes an empty ad-hoc signature to path, replacing any
// signature already present.
func Fakesign(path string) error {
	return signPath(path, nil)
}

// SignWithEntitlements writes an ad-hoc signature carrying entitlements
// as the main executable's entitlements blob.
func SignWithEntitlements(path string, entitlements []byte) error {
	return signPath(path, entitlements)
}

func signPath(path string, entitlements []byte) error {
	f, err := macho.Load(path)
	if err != nil {
		return signErr("load", err)
	}
	identifier := identifierFromPath(path)
	err = f.Sign(func(data []byte, codeLimit int) ([]byte, error) {
		return buildAdhocBlob(data, codeLimit, identifier, entitlements)
	})
	if err != nil {
		return signErr("sign", err)
	}
	if err := f.SaveAs(path); err != nil {
		return signErr("save", err)
	}
	return nil
}

// RemoveSignature strips path's existing code signature without
// installing a new one, leaving the binary ready for fakesign or a
// later entitlements-carrying sign.
func RemoveSignature(path string) error {
	f, err := macho.Load(path)
	if err != nil {
		return signErr("load", err)
	}
	if err := f.StripCodeSignature(); err != nil {
		return signErr("strip", err)
	}
	if err := f.SaveAs(path); err != nil {
		return signErr("save", err)
	}
	return nil
}

// ExtractEntitlements returns the XML entitlements blob embedded in
// path's code signature, or an empty (non-nil) slice if none is
// present. It never fails on "no signature".
func ExtractEntitlements(path string) ([]byte, error) {
	f, err := macho.Load(path)
	if err != nil {
		return nil, signErr("load", err)
	}
	blob, err := f.EntitlementsBlob()
	if err != nil {
		return nil, signErr("extract-entitlements", err)
	}
	if blob == nil {
		return []byte{}, nil
	}
	return blob, nil
}

func identifierFromPath(path string) string {
	base := path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			base = path[i+1:]
			break
		}
	}
	return base
}

// buildAdhocBlob computes the SuperBlob that ad-hoc signs data[:codeLimit]:
// a page-hashed CodeDirectory, plus an Entitlements blob when supplied.
func buildAdhocBlob(data []byte, codeLimit int, identifier string, entitlements []byte) ([]byte, error) {
	if len(data) < codeLimit {
		return nil, fmt.Errorf("codesign: data shorter than codeLimit")
	}

	id := identifier + "\x00"
	nHashes := (codeLimit + pageSize - 1) / pageSize

	slotCount := 1
	var entBlob []byte
	if len(entitlements) > 0 {
		entBlob = make([]byte, genericBlobHeaderSize+len(entitlements))
		binary.BigEndian.PutUint32(entBlob[0:4], csMagicEmbeddedEntitlements)
		binary.BigEndian.PutUint32(entBlob[4:8], uint32(len(entBlob)))
		copy(entBlob[8:], entitlements)
		slotCount = 2
	}

	idOff := codeDirectoryHeaderSize
	hashOff := idOff + len(id)
	cdirLen := hashOff + nHashes*sha256.Size

	indexStart := superBlobHeaderSize
	cdirStart := indexStart + slotCount*blobIndexSize
	entStart := cdirStart + cdirLen

	total := entStart
	if entBlob != nil {
		total += len(entBlob)
	}

	out := make([]byte, total)

	binary.BigEndian.PutUint32(out[0:4], csMagicEmbeddedSignature)
	binary.BigEndian.PutUint32(out[4:8], uint32(total))
	binary.BigEndian.PutUint32(out[8:12], uint32(slotCount))

	binary.BigEndian.PutUint32(out[indexStart:], csSlotCodeDirectory)
	binary.BigEndian.PutUint32(out[indexStart+4:], uint32(cdirStart))
	if entBlob != nil {
		binary.BigEndian.PutUint32(out[indexStart+8:], csSlotEntitlements)
		binary.BigEndian.PutUint32(out[indexStart+12:], uint32(entStart))
	}

	cdir := out[cdirStart : cdirStart+cdirLen]
	binary.BigEndian.PutUint32(cdir[0:4], csMagicCodeDirectory)
	binary.BigEndian.PutUint32(cdir[4:8], uint32(cdirLen))
	binary.BigEndian.PutUint32(cdir[8:12], 0x20400) // version
	binary.BigEndian.PutUint32(cdir[12:16], csAdhocLinkerSigned)
	binary.BigEndian.PutUint32(cdir[16:20], uint32(hashOff))
	binary.BigEndian.PutUint32(cdir[20:24], uint32(idOff))
	binary.BigEndian.PutUint32(cdir[24:28], 0) // nSpecialSlots
	binary.BigEndian.PutUint32(cdir[28:32], uint32(nHashes))
	binary.BigEndian.PutUint32(cdir[32:36], uint32(codeLimit))
	cdir[36] = sha256.Size
	cdir[37] = csHashSHA256
	cdir[39] = pageSizeBits
	copy(cdir[idOff:], id)

	for i := 0; i < nHashes; i++ {
		start := i * pageSize
		end := start + pageSize
		if end > codeLimit {
			end = codeLimit
		}
		h := sha256.Sum256(data[start:end])
		copy(cdir[hashOff+i*sha256.Size:], h[:])
	}

	if entBlob != nil {
		copy(out[entStart:], entBlob)
	}

	return out, nil
}
