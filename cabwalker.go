// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"encoding/binary"
	"errors"
	"io"
)

// cabReserveSize is the number of bytes the RESERVE area adds between a
// CAB's fixed header and its folder table once it carries a signature
// slot, per §4.D. This also is the amount every post-header offset (cab
// size, files offset, folder data offsets) is shifted by.
const cabReserveSize = 24

// ErrCabFlagsUnsupported is returned when a CAB's header flags are not zero,
// meaning it already carries reserve areas or other extensions this tool
// does not normalize around.
var ErrCabFlagsUnsupported = errors.New("authenticode: unsupported CAB header flags")

// cabAsn1SizeFieldOffset is the absolute file offset, in the rewritten
// output, of the 4-byte placeholder for the DER signature bundle's padded
// length. The Injector patches this once the bundle has been appended,
// per §4.I.
const cabAsn1SizeFieldOffset = 0x30

// ComputeCABDigest walks a CAB file per §4.D, feeding the Authenticode
// content hash and, when out is non-nil, a rewritten copy (with the RESERVE
// area inserted between the fixed header and the folder table) to out. It
// returns the computed digest.
//
// The reserve area reserves cabAsn1SizeFieldOffset for the signature length
// slot the Injector later patches; the signature bytes themselves are
// appended past the logical end of the cabinet, the way the Certificate
// Table trails a PE image.
//
// Fails with ErrCabFlagsUnsupported if the header's flags field
// (indata[0x1e..0x20)) is non-zero.
func ComputeCABDigest(indata []byte, alg DigestAlgorithm, out io.Writer) ([]byte, error) {
	if len(indata) < 36 {
		return nil, wrapErr("ComputeCABDigest", KindFileTooShort, nil)
	}
	if binary.LittleEndian.Uint16(indata[0x1e:0x20]) != 0 {
		return nil, wrapErr("ComputeCABDigest", KindCabFlagsUnsupported, ErrCabFlagsUnsupported)
	}

	sink := newHashingSink(alg.New(), out)
	var buf4 [4]byte

	// 1. [0,4) hash and copy.
	if err := sink.write(indata[0:4]); err != nil {
		return nil, err
	}

	// 2. [4,8) copy unchanged, output only.
	if err := sink.writeOnly(indata[4:8]); err != nil {
		return nil, err
	}

	// 3. [8,12): cab size, add cabReserveSize, hash the new value.
	cabSize := binary.LittleEndian.Uint32(indata[8:12]) + cabReserveSize
	binary.LittleEndian.PutUint32(buf4[:], cabSize)
	if err := sink.write(buf4[:]); err != nil {
		return nil, err
	}

	// 4. [12,16) hash and copy.
	if err := sink.write(indata[12:16]); err != nil {
		return nil, err
	}

	// 5. [16,20): files offset, add cabReserveSize, hash the new value.
	filesOffset := binary.LittleEndian.Uint32(indata[16:20]) + cabReserveSize
	binary.LittleEndian.PutUint32(buf4[:], filesOffset)
	if err := sink.write(buf4[:]); err != nil {
		return nil, err
	}

	// 6. [20,34): copy into scratch, set byte 10 (header flags, absolute
	// offset 30 = 0x1e) to RESERVE_PRESENT, hash scratch.
	var scratch [14]byte
	copy(scratch[:], indata[20:34])
	scratch[10] = 0x04
	if err := sink.write(scratch[:]); err != nil {
		return nil, err
	}

	// 7. [34,36) copy unchanged.
	if err := sink.write(indata[34:36]); err != nil {
		return nil, err
	}

	// 8. Insert the cabReserveSize-byte RESERVE area: bytes [8,12) of it
	// equal the adjusted cab size (step 3); bytes [12,16) are the fixed
	// sentinel 0xdeadbeef placeholder for the asn1-blob length, patched
	// later at cabAsn1SizeFieldOffset by the Injector; the rest is zero.
	// Only the last 4 bytes are hashed.
	reserve := make([]byte, cabReserveSize)
	binary.LittleEndian.PutUint32(reserve[8:12], cabSize)
	copy(reserve[12:16], []byte{0xde, 0xad, 0xbe, 0xef})
	if err := sink.writeOnly(reserve[:cabReserveSize-4]); err != nil {
		return nil, err
	}
	if err := sink.write(reserve[cabReserveSize-4:]); err != nil {
		return nil, err
	}

	// 9. nfolders at indata[26]|indata[27]<<8; for each folder entry, adjust
	// the leading u32 by +cabReserveSize and hash, then hash the trailing 4
	// bytes unchanged.
	nfolders := int(indata[26]) | int(indata[27])<<8
	i := 36
	for ; nfolders > 0; nfolders-- {
		if i+8 > len(indata) {
			return nil, wrapErr("ComputeCABDigest", KindFileTooShort, nil)
		}
		adj := binary.LittleEndian.Uint32(indata[i:i+4]) + cabReserveSize
		binary.LittleEndian.PutUint32(buf4[:], adj)
		if err := sink.write(buf4[:]); err != nil {
			return nil, err
		}
		if err := sink.write(indata[i+4 : i+8]); err != nil {
			return nil, err
		}
		i += 8
	}

	// 10. Hash the remainder unchanged.
	if err := sink.write(indata[i:]); err != nil {
		return nil, err
	}

	return sink.Sum(), nil
}

// write hashes and forwards p, returning any output-side error.
func (s *hashingSink) write(p []byte) error {
	_, err := s.Write(p)
	return err
}
