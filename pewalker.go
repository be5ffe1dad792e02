// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import "io"

// zeroes is a reusable buffer of zero bytes for padding/zero-fill writes.
var zeroes = make([]byte, 8)

// ComputePEDigest walks a PE image per §4.C, feeding the Authenticode
// content hash and, when out is non-nil, a rewritten copy of the image to
// out. The rewritten copy has the checksum field and Certificate Table
// directory entry zeroed and is truncated (or, for an unsigned input,
// simply ends) at the image's file_end, padded to an 8-byte boundary with
// zero bytes.
//
// It returns the computed digest.
func ComputePEDigest(ctx *PEContext, data []byte, alg DigestAlgorithm, out io.Writer) ([]byte, error) {
	sink := newHashingSink(alg.New(), out)

	var bump uint32
	if ctx.PE32Plus {
		bump = 16
	}
	certDirOffset := ctx.HeaderOffset + 152 + bump

	// 1. [0, H+88)
	if err := sink.writeOnly(data[:ctx.checksumOffset]); err != nil {
		return nil, err
	}
	sink.hashOnly(data[:ctx.checksumOffset])

	// 2. skip checksum, write 4 zero bytes to output, exclude from digest.
	if err := sink.writeOnly(zeroes[:4]); err != nil {
		return nil, err
	}

	// 3. [H+92, certDirOffset)
	rest := data[ctx.checksumOffset+4 : certDirOffset]
	if err := sink.writeOnly(rest); err != nil {
		return nil, err
	}
	sink.hashOnly(rest)

	// 4. skip cert table directory entry (8 bytes), zero in output, exclude
	// from digest.
	if err := sink.writeOnly(zeroes[:8]); err != nil {
		return nil, err
	}

	// 5. [certDirOffset+8, file_end)
	fileEnd := ctx.FileEnd(uint32(len(data)))
	tail := data[certDirOffset+8 : fileEnd]
	if err := sink.writeOnly(tail); err != nil {
		return nil, err
	}
	sink.hashOnly(tail)

	// 6. pad to 8-byte alignment of file_end.
	if rem := fileEnd % 8; rem != 0 {
		pad := zeroes[:8-rem]
		if err := sink.writeOnly(pad); err != nil {
			return nil, err
		}
		sink.hashOnly(pad)
	}

	return sink.Sum(), nil
}

// RecalcPEChecksum is the unsigned 16-bit wrapping sum over all 16-bit
// little-endian words of output, treating the 4 bytes at checksumOffset as
// zero, folded with cks = 0xffff & (cks + (cks >> 16)), plus the total byte
// count, per §4.C.
func RecalcPEChecksum(output []byte, checksumOffset uint32) uint32 {
	var cks uint32
	n := len(output)

	for i := 0; i+1 < n; i += 2 {
		if uint32(i) == checksumOffset || uint32(i) == checksumOffset+2 {
			continue
		}
		word := uint32(output[i]) | uint32(output[i+1])<<8
		cks += word
		cks = (cks & 0xffff) + (cks >> 16)
	}
	// Odd trailing byte, if any.
	if n%2 == 1 {
		cks += uint32(output[n-1])
		cks = (cks & 0xffff) + (cks >> 16)
	}

	cks = (cks & 0xffff) + (cks >> 16)
	cks &= 0xffff
	cks += uint32(n)
	return cks
}

// WritePEChecksum recomputes and writes the PE checksum into output at
// checksumOffset, in place.
func WritePEChecksum(output []byte, checksumOffset uint32) {
	cks := RecalcPEChecksum(output, checksumOffset)
	output[checksumOffset] = byte(cks)
	output[checksumOffset+1] = byte(cks >> 8)
	output[checksumOffset+2] = byte(cks >> 16)
	output[checksumOffset+3] = byte(cks >> 24)
}
