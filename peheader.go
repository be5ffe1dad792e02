// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"encoding/binary"
	"errors"
)

// PE header magics, trimmed from the teacher's pe.go to the ones this tool
// needs to tell a genuine PE image from its 16-bit predecessors.
const (
	imageDOSSignature    = 0x5a4d   // MZ
	imageNTSignature     = 0x00004550 // PE00
	imageOS2Signature    = 0x454e   // NE
	imageOS2LESignature  = 0x454c   // LE/LX
	imageVXDSignature    = 0x584c   // LE VxD
	imageTESignature     = 0x5a56   // TE

	imageNtOptionalHeader32Magic = 0x10b
	imageNtOptionalHeader64Magic = 0x20b
)

// ImageDirectoryEntryCertificate is the index of the Certificate Table entry
// in the optional header's DataDirectory array.
const ImageDirectoryEntryCertificate = 4

// Minimum size of a PE optional header that still carries a Certificate
// Table data directory entry: Windows-specific fields through
// DataDirectory[4], PE32 layout.
const minOptionalHeaderSizeForCertDir = 96 + 8*(ImageDirectoryEntryCertificate+1)

var (
	// ErrDOSMagicNotFound means the first two bytes were not "MZ".
	ErrDOSMagicNotFound = errors.New("authenticode: DOS header magic not found")

	// ErrInvalidElfanewValue means e_lfanew points outside the file.
	ErrInvalidElfanewValue = errors.New("authenticode: invalid e_lfanew value, probably not a PE file")

	// ErrImageNtSignatureNotFound means the 4 bytes at e_lfanew are not "PE\0\0".
	ErrImageNtSignatureNotFound = errors.New("authenticode: PE signature not found")

	// ErrImageNtOptionalHeaderMagicNotFound means the optional header magic
	// is neither PE32 (0x10b) nor PE32+ (0x20b).
	ErrImageNtOptionalHeaderMagicNotFound = errors.New("authenticode: optional header magic not found")

	// ErrOutsideBoundary is returned whenever a read would run past the end
	// of the image, mirroring the teacher's structUnpack/ReadBytesAtOffset
	// boundary check.
	ErrOutsideBoundary = errors.New("authenticode: read outside file boundary")
)

// PEContext captures the handful of PE header facts the Authenticode walker
// needs, per §3's PEContext data model entry.
type PEContext struct {
	// HeaderOffset is e_lfanew: the file offset of the "PE\0\0" signature.
	HeaderOffset uint32

	// PE32Plus is true when the optional header magic is 0x20b (PE32+).
	PE32Plus bool

	// NumberOfRvaAndSizes is the optional header's NumberOfRvaAndSizes field.
	NumberOfRvaAndSizes uint32

	// SigOffset/SigLength are the Certificate Table data directory's
	// VirtualAddress/Size fields. SigOffset is a *file offset*, not an RVA,
	// per the Authenticode convention for this one directory entry.
	SigOffset uint32
	SigLength uint32

	// certDirFieldOffset is the absolute file offset of the 8-byte
	// Certificate Table directory entry, used by the Injector to patch it.
	certDirFieldOffset uint32

	// checksumOffset is the absolute file offset of the 4-byte checksum
	// field, used by the Injector/recalc step.
	checksumOffset uint32
}

// readU32 and readU16 read little-endian integers from data at off, with a
// boundary check in the style of the teacher's structUnpack.
func readU32(data []byte, off uint32) (uint32, error) {
	if uint64(off)+4 > uint64(len(data)) {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint32(data[off : off+4]), nil
}

func readU16(data []byte, off uint32) (uint16, error) {
	if uint64(off)+2 > uint64(len(data)) {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint16(data[off : off+2]), nil
}

// ParsePEContext walks a PE image's DOS/NT/Optional headers far enough to
// locate the Certificate Table, per §3's PEContext invariants and §4.C.
func ParsePEContext(data []byte) (*PEContext, error) {
	if len(data) < 64 {
		return nil, wrapErr("ParsePEContext", KindFileTooShort, nil)
	}

	magic, err := readU16(data, 0)
	if err != nil || magic != imageDOSSignature {
		return nil, wrapErr("ParsePEContext", KindPeUnknownMagic, ErrDOSMagicNotFound)
	}

	h, err := readU32(data, 60)
	if err != nil {
		return nil, wrapErr("ParsePEContext", KindPeUnknownMagic, ErrInvalidElfanewValue)
	}
	if uint64(h)+24 > uint64(len(data)) {
		return nil, wrapErr("ParsePEContext", KindPeUnknownMagic, ErrInvalidElfanewValue)
	}

	ntSig, err := readU32(data, h)
	if err != nil || ntSig != imageNTSignature {
		// ntSig may be one of imageOS2Signature/imageOS2LESignature/
		// imageVXDSignature/imageTESignature for a 16-bit predecessor
		// format; this tool only reports that the PE signature is absent.
		return nil, wrapErr("ParsePEContext", KindPeUnknownMagic, ErrImageNtSignatureNotFound)
	}

	optMagic, err := readU16(data, h+24)
	if err != nil {
		return nil, wrapErr("ParsePEContext", KindPeUnknownMagic, ErrImageNtOptionalHeaderMagicNotFound)
	}

	var pe32Plus bool
	switch optMagic {
	case imageNtOptionalHeader32Magic:
		pe32Plus = false
	case imageNtOptionalHeader64Magic:
		pe32Plus = true
	default:
		return nil, wrapErr("ParsePEContext", KindPeUnknownMagic, ErrImageNtOptionalHeaderMagicNotFound)
	}

	var bump uint32
	if pe32Plus {
		bump = 16
	}
	certDirOffset := h + 152 + bump
	checksumOffset := h + 88

	if uint64(certDirOffset)+8 > uint64(len(data)) {
		return nil, wrapErr("ParsePEContext", KindPeMissingCertDir, nil)
	}

	// NumberOfRvaAndSizes immediately precedes DataDirectory[0], four
	// 8-byte entries before the Certificate Table entry.
	nrvas, err := readU32(data, certDirOffset-36)
	if err != nil {
		return nil, wrapErr("ParsePEContext", KindPeMissingCertDir, err)
	}
	if nrvas < 5 {
		return nil, wrapErr("ParsePEContext", KindPeMissingCertDir, nil)
	}

	sigOffset, err := readU32(data, certDirOffset)
	if err != nil {
		return nil, wrapErr("ParsePEContext", KindPeMissingCertDir, err)
	}
	sigLength, err := readU32(data, certDirOffset+4)
	if err != nil {
		return nil, wrapErr("ParsePEContext", KindPeMissingCertDir, err)
	}

	if sigOffset > 0 && sigOffset+sigLength != uint32(len(data)) {
		return nil, wrapErr("ParsePEContext", KindPeSignatureNotAtEnd, nil)
	}

	return &PEContext{
		HeaderOffset:        h,
		PE32Plus:            pe32Plus,
		NumberOfRvaAndSizes: nrvas,
		SigOffset:           sigOffset,
		SigLength:           sigLength,
		certDirFieldOffset:  certDirOffset,
		checksumOffset:      checksumOffset,
	}, nil
}

// FileEnd returns the end of the "real" image content: the current
// signature offset if the file is already signed, otherwise the physical
// file size, per §4.C step 5.
func (c *PEContext) FileEnd(fileSize uint32) uint32 {
	if c.SigOffset > 0 {
		return c.SigOffset
	}
	return fileSize
}
