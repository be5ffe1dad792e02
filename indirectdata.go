// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import "encoding/asn1"

// zeroBitString is the empty BIT STRING (zero unused bits, zero-length
// content) a PE's SpcPeImageData carries as its Flags field, per §4.F.
var zeroBitString = asn1.BitString{Bytes: nil, BitLength: 0}

// BuildIndirectData assembles and DER-encodes an SpcIndirectDataContent for
// kind, with a zero-filled placeholder digest of alg.Size() bytes, per §4.F.
// The Signer later overwrites the trailing digest-size bytes of this blob
// with the real content digest.
func BuildIndirectData(kind FileKind, alg DigestAlgorithm) ([]byte, error) {
	var typeOID asn1.ObjectIdentifier
	var value asn1.RawValue

	switch kind {
	case KindPE:
		typeOID = oidSpcPeImageData
		inner := SpcPeImageData{
			Flags: zeroBitString,
			File: SpcLink{
				File: SpcString{Unicode: spcObsoleteBMPString},
			},
		}
		raw, err := asn1.Marshal(inner)
		if err != nil {
			return nil, wrapErr("BuildIndirectData", KindArgError, err)
		}
		value = asn1.RawValue{FullBytes: raw}
	case KindCAB:
		typeOID = oidSpcCabDataContent
		inner := SpcLink{File: SpcString{Unicode: spcObsoleteBMPString}}
		raw, err := asn1.Marshal(inner)
		if err != nil {
			return nil, wrapErr("BuildIndirectData", KindArgError, err)
		}
		value = asn1.RawValue{FullBytes: raw}
	case KindMSI:
		typeOID = oidSpcSipinfo
		inner := SpcSipinfo{Version: 1, UUID: spcSipinfoMsiUUID}
		raw, err := asn1.Marshal(inner)
		if err != nil {
			return nil, wrapErr("BuildIndirectData", KindArgError, err)
		}
		value = asn1.RawValue{FullBytes: raw}
	default:
		return nil, wrapErr("BuildIndirectData", KindUnknownFormat, nil)
	}

	content := SpcIndirectDataContent{
		Data: SpcAttributeTypeAndOptionalValue{
			Type:  typeOID,
			Value: value,
		},
		MessageDigest: DigestInfo{
			DigestAlgorithm: AlgorithmIdentifier{Algorithm: alg.OID()},
			Digest:          make([]byte, alg.Size()),
		},
	}

	return asn1.Marshal(content)
}

// SubstituteDigest returns a copy of indirectData with its trailing
// digestSize bytes replaced by digest, per §4.G step 4. The placeholder
// digest built by BuildIndirectData is always the final field emitted by
// DER encoding (DigestInfo.digest is the content's last OCTET STRING), so a
// tail overwrite is sufficient without re-parsing the structure.
func SubstituteDigest(indirectData []byte, digest []byte) ([]byte, error) {
	if len(digest) > len(indirectData) {
		return nil, wrapErr("SubstituteDigest", KindArgError, nil)
	}
	out := make([]byte, len(indirectData))
	copy(out, indirectData)
	copy(out[len(out)-len(digest):], digest)
	return out, nil
}
