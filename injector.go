// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import "encoding/binary"

// padTo8 returns p extended with zero bytes so its length is a multiple of
// 8, the alignment every container format's signature blob is padded to
// before the length field pointing at it is written, per §4.I.
func padTo8(p []byte) []byte {
	if rem := len(p) % 8; rem != 0 {
		p = append(p, zeroes[:8-rem]...)
	}
	return p
}

// InjectPE appends bundleDER, wrapped in a WIN_CERTIFICATE header, to a
// clean (checksum- and cert-dir-zeroed) rewritten image produced by
// ComputePEDigest, writes the Certificate Table directory entry, and
// recomputes the PE checksum over the whole result, per §4.I.
func InjectPE(ctx *PEContext, clean []byte, bundleDER []byte) ([]byte, error) {
	// WIN_CERTIFICATE: u32 length (header, DER and padding), u16 revision,
	// u16 certificate type, then the DER bundle padded to 8 bytes.
	sig := make([]byte, winCertHeaderSize, winCertHeaderSize+len(bundleDER)+8)
	sig = padTo8(append(sig, bundleDER...))
	binary.LittleEndian.PutUint32(sig[0:4], uint32(len(sig)))
	binary.LittleEndian.PutUint16(sig[4:6], winCertRevision2_0)
	binary.LittleEndian.PutUint16(sig[6:8], winCertTypePKCSSignedData)

	out := append([]byte(nil), clean...)
	sigOffset := uint32(len(out))
	out = append(out, sig...)

	var bump uint32
	if ctx.PE32Plus {
		bump = 16
	}
	certDirOffset := ctx.HeaderOffset + 152 + bump
	if uint64(certDirOffset)+8 > uint64(len(out)) {
		return nil, wrapErr("InjectPE", KindPeMissingCertDir, nil)
	}
	binary.LittleEndian.PutUint32(out[certDirOffset:certDirOffset+4], sigOffset)
	binary.LittleEndian.PutUint32(out[certDirOffset+4:certDirOffset+8], uint32(len(sig)))

	WritePEChecksum(out, ctx.checksumOffset)
	return out, nil
}

// RemovePESignature regenerates a PE image with its checksum and
// Certificate Table directory entry zeroed, the signature bytes dropped,
// and the checksum recomputed over the shortened file, per §4.I's
// remove-signature operation.
func RemovePESignature(ctx *PEContext, clean []byte) ([]byte, error) {
	if ctx.SigOffset == 0 {
		return nil, wrapErr("RemovePESignature", KindNoSignaturePresent, nil)
	}
	out := append([]byte(nil), clean...)
	WritePEChecksum(out, ctx.checksumOffset)
	return out, nil
}

// ExtractPESignature returns the raw WIN_CERTIFICATE bytes trailing a
// signed PE image, the bytes extract-signature writes verbatim to its
// output file, per §4.I.
func ExtractPESignature(ctx *PEContext, data []byte) ([]byte, error) {
	if ctx.SigOffset == 0 {
		return nil, wrapErr("ExtractPESignature", KindNoSignaturePresent, nil)
	}
	end := ctx.SigOffset + ctx.SigLength
	if uint64(end) > uint64(len(data)) {
		return nil, wrapErr("ExtractPESignature", KindPeSignatureNotAtEnd, nil)
	}
	out := make([]byte, ctx.SigLength)
	copy(out, data[ctx.SigOffset:end])
	return out, nil
}

// InjectCAB appends bundleDER to a rewritten CAB (as produced by
// ComputeCABDigest, which already carries the RESERVE area and its
// 0xdeadbeef sentinel), then patches cabAsn1SizeFieldOffset with the padded
// bundle length, per §4.I.
func InjectCAB(rewritten []byte, bundleDER []byte) ([]byte, error) {
	sig := padTo8(append([]byte(nil), bundleDER...))

	out := append([]byte(nil), rewritten...)
	out = append(out, sig...)

	if uint64(cabAsn1SizeFieldOffset)+4 > uint64(len(out)) {
		return nil, wrapErr("InjectCAB", KindFileTooShort, nil)
	}
	binary.LittleEndian.PutUint32(out[cabAsn1SizeFieldOffset:cabAsn1SizeFieldOffset+4], uint32(len(sig)))
	return out, nil
}

// InjectMSI serializes streams (as returned by CollectMSIStreams) plus a
// trailing `\005DigitalSignature` stream holding bundleDER into a fresh OLE
// compound file, per §4.I.
func InjectMSI(streams []msiStream, rootClassID [16]byte, bundleDER []byte) ([]byte, error) {
	return WriteMSI(streams, rootClassID, bundleDER)
}
