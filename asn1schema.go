// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"time"
)

// SPC/Authenticode object identifiers, per §4.A/§4.F.
var (
	oidSpcIndirectDataContent = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 4}
	oidSpcPeImageData         = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 15}
	oidSpcCabDataContent      = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 25}
	oidSpcSipinfo             = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 30}
	oidSpcStatementType       = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 11}
	oidSpcSpOpusInfo          = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 12}
	oidSpcIndividualSPKeyPurp = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 21}
	oidSpcCommercialSPKeyPurp = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 22}
	oidSpcMsJavaSomething     = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 15, 1}

	oidContentType        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidMessageDigest      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	oidSigningTime        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	oidCounterSignature   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 6}
	oidSignedData         = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidSpcTimestampOld    = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 3, 3, 1}
	oidRFC3161Timestamp   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 3, 3, 1}
	oidTSTInfoContentType = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}
)

// SpcString is the union SpcString ::= CHOICE { unicode [0] IMPLICIT
// BMPString, ascii [1] IMPLICIT IA5STRING }, per §4.A. This tool only ever
// emits the unicode arm, matching osslsigncode's own behavior.
type SpcString struct {
	Unicode []byte `asn1:"optional,tag:0"`
	ASCII   []byte `asn1:"optional,tag:1"`
}

// SpcSerializedObject ::= SEQUENCE { classId OCTET STRING, serializedData
// OCTET STRING }, used inside an SpcLink moniker arm.
type SpcSerializedObject struct {
	ClassID        []byte
	SerializedData []byte
}

// SpcLink ::= CHOICE { url [0] IMPLICIT IA5STRING, moniker [1] IMPLICIT
// SpcSerializedObject, file [2] EXPLICIT SpcString }, per §4.A. SpcSpOpusInfo
// uses this for its optional MoreInfo field.
type SpcLink struct {
	URL     []byte              `asn1:"optional,tag:0"`
	Moniker SpcSerializedObject `asn1:"optional,tag:1"`
	File    SpcString           `asn1:"optional,tag:2,explicit"`
}

// SpcSpOpusInfo ::= SEQUENCE { programName [0] EXPLICIT SpcString OPTIONAL,
// moreInfo [1] EXPLICIT SpcLink OPTIONAL }. The -n/-i flags populate these
// fields, per §4.G.
type SpcSpOpusInfo struct {
	ProgramName SpcString `asn1:"optional,tag:0,explicit"`
	MoreInfo    SpcLink   `asn1:"optional,tag:1,explicit"`
}

// AlgorithmIdentifier is an alias of the stdlib's pkix type, kept distinct so
// call sites read in terms of the Authenticode schema rather than a crypto/
// x509 implementation detail.
type AlgorithmIdentifier = pkix.AlgorithmIdentifier

// DigestInfo ::= SEQUENCE { digestAlgorithm AlgorithmIdentifier, digest
// OCTET STRING }, per §4.A.
type DigestInfo struct {
	DigestAlgorithm AlgorithmIdentifier
	Digest          []byte
}

// SpcAttributeTypeAndOptionalValue ::= SEQUENCE { type OBJECT IDENTIFIER,
// value ANY OPTIONAL }. Value is left as a RawValue so the Builder/Verifier
// can plug in whichever per-format content (SpcPeImageData, SpcLink,
// SpcSipinfo) the file kind calls for without three near-identical wrapper
// types.
type SpcAttributeTypeAndOptionalValue struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue `asn1:"optional"`
}

// SpcIndirectDataContent ::= SEQUENCE { data SpcAttributeTypeAndOptionalValue,
// messageDigest DigestInfo }, per §4.A/§4.F. This is the content wrapped by
// the outer PKCS#7 SignedData.
type SpcIndirectDataContent struct {
	Data          SpcAttributeTypeAndOptionalValue
	MessageDigest DigestInfo
}

// SpcPeImageData ::= SEQUENCE { flags SpcPeImageFlags DEFAULT
// { includeResources }, file SpcLink }, the inner value for a PE's
// SpcAttributeTypeAndOptionalValue, per §4.A/§4.F.
type SpcPeImageData struct {
	Flags asn1.BitString
	File  SpcLink `asn1:"tag:0,explicit"`
}

// SpcSipinfo carries a fixed 16-byte Subject Interface Package GUID
// identifying the MSI format the signature was generated against, per
// §4.A/§4.F. CAB content uses SpcLink instead.
//
//	SpcSipInfo ::= SEQUENCE {
//	  version  INTEGER,
//	  uuid     OCTET STRING,
//	  reserved1, reserved2, reserved3, reserved4, reserved5 INTEGER
//	}
type SpcSipinfo struct {
	Version   int
	UUID      []byte
	Reserved1 int
	Reserved2 int
	Reserved3 int
	Reserved4 int
	Reserved5 int
}

// spcSipinfoMsiUUID is the 16-byte SIP GUID identifying an MSI's
// indirect-data content, per §4.F.
var spcSipinfoMsiUUID = []byte{
	0xf1, 0x10, 0x0c, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xc0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x46,
}

// spcUUIDPageHash is the classId of the SpcSerializedObject (the moniker arm
// of SpcPeImageData.File's SpcLink) that carries a PE page hash, per §4.J.
var spcUUIDPageHash = []byte{
	0xa6, 0xb5, 0x86, 0xd5, 0xb4, 0xa1, 0x24, 0x66,
	0xae, 0x05, 0xa2, 0x17, 0xda, 0x8e, 0x60, 0xd6,
}

// spcObsoleteBMPString is the literal big-endian UTF-16 (BMPString) "<<<Obsolete>>>"
// content osslsigncode writes as the SpcLink.File field of a PE's
// SpcPeImageData, per §4.F. It is 28 bytes: 14 UTF-16 code units.
var spcObsoleteBMPString = []byte{
	0x00, 0x3c, 0x00, 0x3c, 0x00, 0x3c, 0x00, 0x4f,
	0x00, 0x62, 0x00, 0x73, 0x00, 0x6f, 0x00, 0x6c,
	0x00, 0x65, 0x00, 0x74, 0x00, 0x65, 0x00, 0x3e,
	0x00, 0x3e, 0x00, 0x3e,
}

// -- RFC 3161 timestamp protocol structures, grounded on a community
// -- timestamp-client implementation in the retrieval pack.

// MessageImprint ::= SEQUENCE { hashAlgorithm AlgorithmIdentifier,
// hashedMessage OCTET STRING }.
type MessageImprint struct {
	HashAlgorithm AlgorithmIdentifier
	HashedMessage []byte
}

// TimeStampReq ::= SEQUENCE { version INTEGER, messageImprint
// MessageImprint, reqPolicy TSAPolicyId OPTIONAL, nonce INTEGER OPTIONAL,
// certReq BOOLEAN DEFAULT FALSE, extensions [0] IMPLICIT Extensions
// OPTIONAL }.
type TimeStampReq struct {
	Version        int `asn1:"default:1"`
	MessageImprint MessageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional,omitempty"`
	Nonce          *big.Int              `asn1:"optional,omitempty"`
	CertReq        bool                  `asn1:"optional,default:false"`
}

// PKIStatusInfo ::= SEQUENCE { status PKIStatus, statusString PKIFreeText
// OPTIONAL, failInfo PKIFailureInfo OPTIONAL }.
type PKIStatusInfo struct {
	Status       int
	StatusString []asn1.RawValue `asn1:"optional,omitempty"`
	FailInfo     asn1.BitString  `asn1:"optional,omitempty"`
}

// encapContentInfoSigned carries the CMS ContentInfo wrapper around the
// embedded TimeStampToken, per RFC 3161 §2.4.2.
type encapContentInfoSigned struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

// TimeStampResp ::= SEQUENCE { status PKIStatusInfo, timeStampToken
// ContentInfo OPTIONAL }. TimeStampToken is left raw: it is itself a
// PKCS#7/CMS SignedData that the Timestamper re-wraps as an unsigned
// countersignature attribute without needing to fully decode it.
type TimeStampResp struct {
	Status         PKIStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional,omitempty"`
}

// TSTInfo ::= SEQUENCE { version INTEGER, policy TSAPolicyId,
// messageImprint MessageImprint, serialNumber INTEGER, genTime
// GeneralizedTime, accuracy Accuracy OPTIONAL, ordering BOOLEAN DEFAULT
// FALSE, nonce INTEGER OPTIONAL, tsa [0] GeneralName OPTIONAL, extensions
// [1] IMPLICIT Extensions OPTIONAL }. Nothing in this package decodes it:
// the RFC 3161 token is attached to the signer without parsing its TSTInfo.
type TSTInfo struct {
	Version        int `asn1:"default:1"`
	Policy         asn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        time.Time     `asn1:"generalized"`
	Accuracy       asn1.RawValue `asn1:"optional"`
	Ordering       bool          `asn1:"optional,default:false"`
	Nonce          *big.Int      `asn1:"optional"`
}

// attribute mirrors PKCS#9 Attribute ::= SEQUENCE { type OBJECT IDENTIFIER,
// values SET OF ANY }, used both when building signed attributes (Signer)
// and when reading unsigned attributes back out (Timestamper), grounded on
// the manual CMS builder in the retrieval pack.
type attribute struct {
	Type   asn1.ObjectIdentifier
	Values asn1.RawValue `asn1:"set"`
}
