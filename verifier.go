// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"bytes"
	"encoding/asn1"

	"go.mozilla.org/pkcs7"
)

// winCertHeaderSize is the size of the fixed WIN_CERTIFICATE header: a
// 4-byte length, a 2-byte revision, and a 2-byte certificate type.
const winCertHeaderSize = 8

// winCertRevision2_0 and winCertTypePKCSSignedData are the only
// WIN_CERTIFICATE Revision/CertificateType combination Authenticode uses.
const (
	winCertRevision2_0         = 0x0200
	winCertTypePKCSSignedData = 0x0002
)

// SignerReport summarizes one embedded signer/certificate for display.
type SignerReport struct {
	Subject string
	Issuer  string
}

// PageHashEntry is one (offset, digest) pair out of an embedded page hash
// table, the per-page content hash Microsoft's linker can optionally embed
// inside SpcPeImageData.File, per §4.J.
type PageHashEntry struct {
	Offset uint32
	Digest []byte
}

// VerifyResult reports everything the Verifier checked about one embedded
// WIN_CERTIFICATE entry, per §4.J.
type VerifyResult struct {
	// NoSignature is true when the Certificate Table directory was empty;
	// every other field is then meaningless.
	NoSignature bool

	DigestAlgorithm  DigestAlgorithm
	EmbeddedDigest   []byte
	RecomputedDigest []byte
	DigestMatches    bool

	RecordedChecksum   uint32
	RecomputedChecksum uint32
	ChecksumMatches    bool

	CryptoVerified bool
	CryptoErr      error

	Signers []SignerReport

	HasPageHash bool
	PageHashAlg DigestAlgorithm
	PageHashes  []PageHashEntry
}

// VerifyPE walks a PE image's Certificate Table and checks every embedded
// signature against §4.J's rules: digest recomputation, checksum
// recomputation, and a no-chain cryptographic signature check. Multiple
// dual signatures, each an independent WIN_CERTIFICATE entry, are all
// verified; one result per entry is returned, in file order.
func VerifyPE(data []byte) ([]*VerifyResult, error) {
	ctx, err := ParsePEContext(data)
	if err != nil {
		return nil, err
	}
	if ctx.SigOffset == 0 {
		return []*VerifyResult{{NoSignature: true}}, nil
	}

	var results []*VerifyResult
	offset := ctx.SigOffset
	end := ctx.SigOffset + ctx.SigLength

	for offset < end {
		if uint64(offset)+winCertHeaderSize > uint64(len(data)) {
			return nil, wrapErr("VerifyPE", KindPeSignatureNotAtEnd, nil)
		}
		length, err := readU32(data, offset)
		if err != nil {
			return nil, wrapErr("VerifyPE", KindPeSignatureNotAtEnd, err)
		}
		revision, err := readU16(data, offset+4)
		if err != nil {
			return nil, wrapErr("VerifyPE", KindPeSignatureNotAtEnd, err)
		}
		certType, err := readU16(data, offset+6)
		if err != nil {
			return nil, wrapErr("VerifyPE", KindPeSignatureNotAtEnd, err)
		}

		if revision == winCertRevision2_0 && certType == winCertTypePKCSSignedData {
			if uint64(offset)+uint64(length) > uint64(len(data)) {
				return nil, wrapErr("VerifyPE", KindPeSignatureNotAtEnd, nil)
			}
			blob := data[offset+winCertHeaderSize : offset+length]
			r, err := verifyOneSignature(ctx, data, blob)
			if err != nil {
				return nil, err
			}
			results = append(results, r)
		}

		next := offset + length
		if rem := next % 8; rem != 0 {
			next += 8 - rem
		}
		if next <= offset {
			break
		}
		offset = next
	}

	if len(results) == 0 {
		return nil, wrapErr("VerifyPE", KindNoSignaturePresent, nil)
	}
	return results, nil
}

func verifyOneSignature(ctx *PEContext, data []byte, blob []byte) (*VerifyResult, error) {
	p7, err := pkcs7.Parse(blob)
	if err != nil {
		return nil, wrapErr("VerifyPE", KindCryptoVerifyFailed, err)
	}

	// p7.Content is already the inner SpcIndirectDataContent DER; a failure
	// to parse it as such means the signature's content type was not
	// SPC_INDIRECT_DATA_OBJID, per §4.J.
	var indirect SpcIndirectDataContent
	if _, err := asn1.Unmarshal(p7.Content, &indirect); err != nil {
		return nil, wrapErr("VerifyPE", KindCryptoVerifyFailed, err)
	}

	alg, err := DigestAlgorithmFromOID(indirect.MessageDigest.DigestAlgorithm.Algorithm)
	if err != nil {
		return nil, wrapErr("VerifyPE", KindCryptoVerifyFailed, err)
	}

	recomputed, err := ComputePEDigest(ctx, data, alg, nil)
	if err != nil {
		return nil, err
	}

	recalcChecksum := RecalcPEChecksum(data, ctx.checksumOffset)
	recordedChecksum, err := readU32(data, ctx.checksumOffset)
	if err != nil {
		return nil, wrapErr("VerifyPE", KindPeUnknownMagic, err)
	}

	cryptoErr := p7.Verify()

	result := &VerifyResult{
		DigestAlgorithm:    alg,
		EmbeddedDigest:     indirect.MessageDigest.Digest,
		RecomputedDigest:   recomputed,
		DigestMatches:      bytes.Equal(indirect.MessageDigest.Digest, recomputed),
		RecordedChecksum:   recordedChecksum,
		RecomputedChecksum: recalcChecksum,
		ChecksumMatches:    recordedChecksum == recalcChecksum,
		CryptoVerified:     cryptoErr == nil,
		CryptoErr:          cryptoErr,
	}

	for _, cert := range p7.Certificates {
		result.Signers = append(result.Signers, SignerReport{
			Subject: cert.Subject.String(),
			Issuer:  cert.Issuer.String(),
		})
	}

	if h, hashes, ok := extractPageHashes(indirect.Data.Value); ok {
		result.HasPageHash = true
		result.PageHashAlg = h
		result.PageHashes = hashes
	}

	return result, nil
}

// asn1SimpleHdrLen returns the length of the ASN.1 tag+length header (short
// or long length form) at the start of p, or 0 if p is too short or the tag byte looks
// like something other than a universal/constructed tag this tool expects
// to see here, per §4.J's asn1_simple_hdr_len.
func asn1SimpleHdrLen(p []byte) int {
	if len(p) <= 2 || p[0] > 0x31 {
		return 0
	}
	if p[1]&0x80 == 0 {
		return 2
	}
	return 2 + int(p[1]&0x7f)
}

// extractPageHashes inspects an SpcPeImageData's File field for an embedded
// page hash table: File must be the moniker arm of SpcLink, with classId
// equal to the Microsoft page-hash GUID. serializedData starts with one
// ASN.1 SET header (skipped), then an algorithm OID, then a further SET +
// OCTET STRING header pair (also skipped) wrapping the raw (offset, digest)
// pair table.
func extractPageHashes(value asn1.RawValue) (DigestAlgorithm, []PageHashEntry, bool) {
	var imageData SpcPeImageData
	if _, err := asn1.Unmarshal(value.FullBytes, &imageData); err != nil {
		return 0, nil, false
	}
	moniker := imageData.File.Moniker
	if len(moniker.ClassID) != 16 || !bytes.Equal(moniker.ClassID, spcUUIDPageHash) {
		return 0, nil, false
	}

	data := moniker.SerializedData
	hdr := asn1SimpleHdrLen(data)
	if hdr == 0 || hdr >= len(data) {
		return 0, nil, false
	}
	data = data[hdr:]

	var alg struct {
		Type asn1.ObjectIdentifier
	}
	rest, err := asn1.Unmarshal(data, &alg.Type)
	if err != nil {
		return 0, nil, false
	}

	var digestAlg DigestAlgorithm
	switch {
	case alg.Type.Equal(oidPageHashSHA1):
		digestAlg = DigestSHA1
	case alg.Type.Equal(oidPageHashSHA256):
		digestAlg = DigestSHA256
	default:
		return 0, nil, false
	}

	hdr2 := asn1SimpleHdrLen(rest)
	if hdr2 == 0 || hdr2 >= len(rest) {
		return digestAlg, nil, true
	}
	rest = rest[hdr2:]
	hdr3 := asn1SimpleHdrLen(rest)
	if hdr3 == 0 || hdr3 > len(rest) {
		return digestAlg, nil, true
	}
	table := rest[hdr3:]

	entrySize := 4 + digestAlg.Size()
	var entries []PageHashEntry
	for off := 0; off+entrySize <= len(table); off += entrySize {
		e := PageHashEntry{
			Offset: uint32(table[off]) | uint32(table[off+1])<<8 | uint32(table[off+2])<<16 | uint32(table[off+3])<<24,
			Digest: append([]byte(nil), table[off+4:off+entrySize]...),
		}
		entries = append(entries, e)
	}
	return digestAlg, entries, true
}

// Page-hash algorithm OIDs, per §4.J.
var (
	oidPageHashSHA1   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 3, 1}
	oidPageHashSHA256 = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 3, 2}
)
