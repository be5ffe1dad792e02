// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"math/big"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// JpLevel is the `-jp` Java permissions level. Only JpLow is a real,
// emittable attribute; JpMedium/JpHigh are rejected, per §4.G and §9 (the
// source silently coerced them to a usage error after already mutating
// state — this tool rejects them outright).
type JpLevel int

const (
	JpLow JpLevel = iota
	JpMedium
	JpHigh
)

// ErrUnsupportedJpLevel is returned for -jp medium|high.
var ErrUnsupportedJpLevel = errors.New("jp medium/high are reserved and unsupported")

// oidRSAEncryption is used as SignerInfo.SignatureAlgorithm; the digest
// algorithm is carried separately in SignerInfo.DigestAlgorithm, matching
// the reference tool's two-OID signature encoding rather than a combined
// "shaWithRSA" OID.
var oidRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}

// spcStatementTypeIndividual and spcStatementTypeCommercial are the literal
// DER blobs for the SPC_STATEMENT_TYPE attribute, per §4.G step 2 — built
// by hand rather than via asn1.Marshal so the byte layout matches the
// reference exactly.
var (
	spcStatementTypeIndividual = []byte{0x30, 0x0c, 0x06, 0x0a, 0x2b, 0x06, 0x01, 0x04, 0x01, 0x82, 0x37, 0x02, 0x01, 0x15}
	spcStatementTypeCommercial = []byte{0x30, 0x0c, 0x06, 0x0a, 0x2b, 0x06, 0x01, 0x04, 0x01, 0x82, 0x37, 0x02, 0x01, 0x16}
	spcJavaSomethingLow        = []byte{0x30, 0x06, 0x03, 0x02, 0x00, 0x01, 0x30, 0x00}
)

// ContentInfo is the outer PKCS#7 ContentInfo ::= SEQUENCE { contentType
// OBJECT IDENTIFIER, content [0] EXPLICIT ANY DEFINED BY contentType
// OPTIONAL }.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

// SignedData mirrors PKCS#7's SignedData ::= SEQUENCE { version INTEGER,
// digestAlgorithms SET OF AlgorithmIdentifier, contentInfo ContentInfo,
// certificates [0] IMPLICIT ExtendedCertificatesAndCertificates OPTIONAL,
// crls [1] IMPLICIT CertificateRevocationLists OPTIONAL, signerInfos SET
// OF SignerInfo }.
type SignedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	ContentInfo      EncapsulatedContent
	Certificates     asn1.RawValue   `asn1:"optional,tag:0"`
	CRLs             []asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      []SignerInfo    `asn1:"set"`
}

// EncapsulatedContent ::= SEQUENCE { contentType OBJECT IDENTIFIER, content
// [0] EXPLICIT ANY OPTIONAL }. For Authenticode, content is the full
// SpcIndirectDataContent DER, embedded directly rather than wrapped in an
// OCTET STRING.
type EncapsulatedContent struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// SignerInfo ::= SEQUENCE { version INTEGER, issuerAndSerialNumber
// IssuerAndSerialNumber, digestAlgorithm AlgorithmIdentifier, authenticatedAttributes
// [0] IMPLICIT Attributes OPTIONAL, digestEncryptionAlgorithm
// AlgorithmIdentifier, encryptedDigest OCTET STRING, unauthenticatedAttributes
// [1] IMPLICIT Attributes OPTIONAL }.
type SignerInfo struct {
	Version                   int
	IssuerAndSerialNumber     IssuerAndSerialNumber
	DigestAlgorithm           AlgorithmIdentifier
	AuthenticatedAttributes   asn1.RawValue `asn1:"optional,tag:0"`
	DigestEncryptionAlgorithm AlgorithmIdentifier
	EncryptedDigest           []byte
	UnauthenticatedAttributes asn1.RawValue `asn1:"optional,tag:1"`
}

// IssuerAndSerialNumber ::= SEQUENCE { issuer Name, serialNumber
// CertificateSerialNumber }.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// SignOptions carries the Signer's inputs: the certificate/key pair and the
// Microsoft-specific signed-attribute content osslsigncode's CLI exposes,
// per §6.
type SignOptions struct {
	Cert      *x509.Certificate
	Chain     []*x509.Certificate
	Key       crypto.Signer
	DigestAlg DigestAlgorithm
	Kind      FileKind

	ProgramName string // -n
	MoreInfoURL string // -i
	Commercial  bool   // -comm
	JpLevel     JpLevel
	HasJp       bool // whether -jp was supplied at all
}

// Sign builds a complete SignedBundle (§3) for contentDigest — the real
// content digest computed by the format walker — wrapping an
// SpcIndirectDataContent built by BuildIndirectData, per §4.G.
//
// The critical deviation from a stock PKCS#7 signer, per §9: no
// pkcs9_signingTime attribute is added. Microsoft's Authenticode verifier
// rejects its presence, so the signed-attribute set below is built by hand
// instead of through a library that would add one unconditionally.
func Sign(opts SignOptions, contentDigest []byte) ([]byte, error) {
	if opts.HasJp && opts.JpLevel != JpLow {
		return nil, wrapErr("Sign", KindArgError, ErrUnsupportedJpLevel)
	}

	// Select the certificate whose public key matches opts.Key: opts.Cert
	// first, then the chain.
	var signerCert *x509.Certificate
	if pub, ok := opts.Key.Public().(interface{ Equal(crypto.PublicKey) bool }); ok {
		for _, c := range append([]*x509.Certificate{opts.Cert}, opts.Chain...) {
			if c != nil && pub.Equal(c.PublicKey) {
				signerCert = c
				break
			}
		}
	}
	if signerCert == nil {
		return nil, wrapErr("Sign", KindSignerSelectionFailed, errors.New("no certificate matches the private key"))
	}

	indirect, err := BuildIndirectData(opts.Kind, opts.DigestAlg)
	if err != nil {
		return nil, err
	}
	indirect, err = SubstituteDigest(indirect, contentDigest)
	if err != nil {
		return nil, err
	}

	signingInput, err := stripOuterSequenceHeader(indirect)
	if err != nil {
		return nil, wrapErr("Sign", KindArgError, errors.Wrap(err, "strip indirect-data SEQUENCE header"))
	}

	h := opts.DigestAlg.New()
	h.Write(signingInput)
	eContentDigest := h.Sum(nil)

	signedAttrsForEmbed, signedAttrsForSigning, err := buildSignedAttributes(opts, eContentDigest)
	if err != nil {
		return nil, wrapErr("Sign", KindArgError, err)
	}

	attrDigest := opts.DigestAlg.New()
	attrDigest.Write(signedAttrsForSigning)
	digestToSign := attrDigest.Sum(nil)

	sig, err := opts.Key.Sign(rand.Reader, digestToSign, opts.DigestAlg.CryptoHash())
	if err != nil {
		return nil, wrapErr("Sign", KindSignerSelectionFailed, err)
	}

	// RawIssuer is already DER-encoded; re-wrap it as a RawValue for the
	// IssuerAndSerialNumber field without re-deriving its tag.
	issuerValue := asn1.RawValue{FullBytes: signerCert.RawIssuer}

	signerInfo := SignerInfo{
		Version: 1,
		IssuerAndSerialNumber: IssuerAndSerialNumber{
			Issuer:       issuerValue,
			SerialNumber: signerCert.SerialNumber,
		},
		DigestAlgorithm:           AlgorithmIdentifier{Algorithm: opts.DigestAlg.OID()},
		AuthenticatedAttributes:   signedAttrsForEmbed,
		DigestEncryptionAlgorithm: AlgorithmIdentifier{Algorithm: oidRSAEncryption},
		EncryptedDigest:           sig,
	}

	certsDER := buildCertificateSet(opts.Cert, opts.Chain)

	sd := SignedData{
		Version:          1,
		DigestAlgorithms: []AlgorithmIdentifier{{Algorithm: opts.DigestAlg.OID()}},
		ContentInfo: EncapsulatedContent{
			ContentType: oidSpcIndirectDataContent,
			Content:     asn1.RawValue{FullBytes: indirect},
		},
		Certificates: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      certsDER,
		},
		SignerInfos: []SignerInfo{signerInfo},
	}

	sdDER, err := asn1.Marshal(sd)
	if err != nil {
		return nil, wrapErr("Sign", KindArgError, errors.Wrap(err, "marshal SignedData"))
	}

	ci := ContentInfo{
		ContentType: oidSignedData,
		Content: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      sdDER,
		},
	}
	return asn1.Marshal(ci)
}

// buildCertificateSet concatenates cert followed by chain (reversed, per
// §4.G step 3) as raw DER, the way a CertificateSet's members are laid out
// back-to-back inside the enclosing IMPLICIT [0] tag.
func buildCertificateSet(cert *x509.Certificate, chain []*x509.Certificate) []byte {
	var out []byte
	if cert != nil {
		out = append(out, cert.Raw...)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, chain[i].Raw...)
	}
	return out
}

// buildSignedAttributes assembles the Microsoft signed-attribute set (§4.G
// step 2) plus the standard contentType/messageDigest pair, returning both
// the IMPLICIT-[0]-tagged embedding form and the SET-tagged form actually
// fed to the digest before signing, per the signingTime-suppression pattern
// in the LdDl/esia-potato CMS builder this is grounded on.
func buildSignedAttributes(opts SignOptions, eContentDigest []byte) (embed asn1.RawValue, forSigning []byte, err error) {
	type rawAttr struct {
		Type  asn1.ObjectIdentifier
		Bytes []byte // pre-built SET-of-one DER
	}

	wrapInSet := func(inner []byte) []byte {
		return derWrap(0x31, inner)
	}

	var attrs []rawAttr

	contentTypeOID, merr := asn1.Marshal(oidSpcIndirectDataContent)
	if merr != nil {
		return embed, nil, merr
	}
	attrs = append(attrs, rawAttr{Type: oidContentType, Bytes: wrapInSet(contentTypeOID)})

	attrs = append(attrs, rawAttr{Type: oidSpcStatementType, Bytes: wrapInSet(statementTypeDER(opts.Commercial))})

	if opts.Kind == KindCAB && opts.HasJp && opts.JpLevel == JpLow {
		attrs = append(attrs, rawAttr{Type: oidSpcMsJavaSomething, Bytes: wrapInSet(spcJavaSomethingLow)})
	}

	if opts.ProgramName != "" || opts.MoreInfoURL != "" {
		opus := SpcSpOpusInfo{}
		if opts.ProgramName != "" {
			units := utf16.Encode([]rune(opts.ProgramName))
			bmp := make([]byte, 2*len(units))
			for i, u := range units {
				binary.BigEndian.PutUint16(bmp[2*i:], u)
			}
			opus.ProgramName = SpcString{Unicode: bmp}
		}
		if opts.MoreInfoURL != "" {
			opus.MoreInfo = SpcLink{URL: []byte(opts.MoreInfoURL)}
		}
		opusDER, merr := asn1.Marshal(opus)
		if merr != nil {
			return embed, nil, merr
		}
		attrs = append(attrs, rawAttr{Type: oidSpcSpOpusInfo, Bytes: wrapInSet(opusDER)})
	}

	digestOctet, merr := asn1.Marshal(eContentDigest)
	if merr != nil {
		return embed, nil, merr
	}
	attrs = append(attrs, rawAttr{Type: oidMessageDigest, Bytes: wrapInSet(digestOctet)})

	var body []byte
	for _, a := range attrs {
		typeDER, merr := asn1.Marshal(a.Type)
		if merr != nil {
			return embed, nil, merr
		}
		seq := append(append([]byte{}, typeDER...), a.Bytes...)
		body = append(body, derWrap(0x30, seq)...)
	}

	setForSigning := derWrap(0x31, body)

	implicitEmbed := asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        0,
		IsCompound: true,
		Bytes:      body,
	}

	return implicitEmbed, setForSigning, nil
}

func statementTypeDER(commercial bool) []byte {
	if commercial {
		return spcStatementTypeCommercial
	}
	return spcStatementTypeIndividual
}

// derWrap prepends a DER tag+length header for tag over content, following
// the standard short/long form length rule.
func derWrap(tag byte, content []byte) []byte {
	length := len(content)
	var header []byte
	if length < 0x80 {
		header = []byte{tag, byte(length)}
	} else {
		var lenBytes []byte
		for n := length; n > 0; n >>= 8 {
			lenBytes = append([]byte{byte(n)}, lenBytes...)
		}
		header = append([]byte{tag, byte(0x80 | len(lenBytes))}, lenBytes...)
	}
	return append(header, content...)
}

// stripOuterSequenceHeader returns der's content bytes with the outermost
// SEQUENCE tag+length header removed, per §4.G step 4.
func stripOuterSequenceHeader(der []byte) ([]byte, error) {
	var raw asn1.RawValue
	_, err := asn1.Unmarshal(der, &raw)
	if err != nil {
		return nil, err
	}
	return raw.Bytes, nil
}
