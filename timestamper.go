// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"bytes"
	"context"
	"encoding/asn1"
	"encoding/base64"
	"io"
	"math/big"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// oidAuthenticodeTimestampRequest types the Authenticode (pre-RFC3161)
// timestamp request content, per §4.H.
var oidAuthenticodeTimestampRequest = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 3, 2, 1}

// oidPKCS7Data types the inner blob of an Authenticode timestamp request.
var oidPKCS7Data = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}

// oidCounterSignatureAttr is the unsigned attribute an Authenticode
// countersignature is installed under.
var oidCounterSignatureAttr = oidCounterSignature

// TimestampClient performs the two timestamping protocols the signer can
// request, per §4.H. It owns no state beyond the HTTP transport: sockets
// are acquired and released within a single round trip, matching §5's
// resource model.
type TimestampClient struct {
	HTTPClient *http.Client
}

// NewTimestampClient builds a client whose transport optionally routes
// through proxyURL (the `-p` flag), overriding the default
// http.ProxyFromEnvironment behavior.
func NewTimestampClient(proxyURL string) (*TimestampClient, error) {
	if proxyURL == "" {
		return &TimestampClient{HTTPClient: http.DefaultClient}, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, wrapErr("NewTimestampClient", KindArgError, errors.Wrap(err, "parse proxy URL"))
	}
	transport := &http.Transport{Proxy: http.ProxyURL(u)}
	return &TimestampClient{HTTPClient: &http.Client{Transport: transport}}, nil
}

// timestampRequestBlob is the Authenticode TimeStampRequest ::= SEQUENCE {
// type OBJECT IDENTIFIER, blob ContentInfo }, where blob.content is the
// signer's raw encryptedDigest, per §4.H.
type timestampRequestBlob struct {
	Type asn1.ObjectIdentifier
	Blob authenticodeBlobContent
}

type authenticodeBlobContent struct {
	Type      asn1.ObjectIdentifier
	Signature asn1.RawValue `asn1:"explicit,tag:0"`
}

// Authenticode requests/responds to a legacy timestamp authority. encDigest
// is a *view* into the signer's encryptedDigest for the duration of this
// call only — it is never retained past the DER marshal below, per §9's
// note on the source's mutable-borrow hazard.
func (c *TimestampClient) Authenticode(ctx context.Context, tsaURL string, encDigest []byte) ([]byte, error) {
	req := timestampRequestBlob{
		Type: oidAuthenticodeTimestampRequest,
		Blob: authenticodeBlobContent{
			Type:      oidPKCS7Data,
			Signature: asn1.RawValue{FullBytes: mustMarshalOctetString(encDigest)},
		},
	}
	der, err := asn1.Marshal(req)
	if err != nil {
		return nil, wrapErr("Authenticode", KindTimestampFormatError, err)
	}

	body := base64.StdEncoding.EncodeToString(der)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, tsaURL, bytes.NewBufferString(body))
	if err != nil {
		return nil, wrapErr("Authenticode", KindTimestampTransportError, err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set("User-Agent", "Transport")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, wrapErr("Authenticode", KindTimestampTransportError, errors.Wrap(err, "timestamp round trip"))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapErr("Authenticode", KindTimestampTransportError, errors.Wrap(err, "read timestamp response"))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, wrapErr("Authenticode", KindTimestampTransportError, errors.Errorf("timestamp authority returned %s", resp.Status))
	}

	// Determine whether the payload is NL-folded base64 or a single line;
	// the stdlib decoder handles both once newlines are stripped.
	folded := bytes.ContainsRune(raw, '\n')
	var clean []byte
	if folded {
		clean = bytes.ReplaceAll(raw, []byte("\n"), nil)
		clean = bytes.ReplaceAll(clean, []byte("\r"), nil)
	} else {
		clean = raw
	}

	respDER := make([]byte, base64.StdEncoding.DecodedLen(len(clean)))
	n, err := base64.StdEncoding.Decode(respDER, clean)
	if err != nil {
		return nil, wrapErr("Authenticode", KindTimestampFormatError, err)
	}
	return respDER[:n], nil
}

// RFC3161 requests a timestamp token over encDigest, hashed with alg, from
// a standards-compliant TSA.
func (c *TimestampClient) RFC3161(ctx context.Context, tsaURL string, alg DigestAlgorithm, encDigest []byte) ([]byte, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, wrapErr("RFC3161", KindTimestampFormatError, err)
	}

	h := alg.New()
	h.Write(encDigest)

	reqStruct := TimeStampReq{
		Version: 1,
		MessageImprint: MessageImprint{
			HashAlgorithm: AlgorithmIdentifier{Algorithm: alg.OID()},
			HashedMessage: h.Sum(nil),
		},
		Nonce:   nonce,
		CertReq: true,
	}
	reqDER, err := asn1.Marshal(reqStruct)
	if err != nil {
		return nil, wrapErr("RFC3161", KindTimestampFormatError, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, tsaURL, bytes.NewReader(reqDER))
	if err != nil {
		return nil, wrapErr("RFC3161", KindTimestampTransportError, err)
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	httpReq.Header.Set("Accept", "application/timestamp-reply")
	httpReq.Header.Set("User-Agent", "Transport")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, wrapErr("RFC3161", KindTimestampTransportError, errors.Wrap(err, "timestamp round trip"))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapErr("RFC3161", KindTimestampTransportError, errors.Wrap(err, "read timestamp response"))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, wrapErr("RFC3161", KindTimestampTransportError, errors.Errorf("timestamp authority returned %s", resp.Status))
	}

	var tsResp TimeStampResp
	if _, err := asn1.Unmarshal(raw, &tsResp); err != nil {
		return nil, wrapErr("RFC3161", KindTimestampFormatError, err)
	}
	if tsResp.Status.Status != 0 {
		return nil, wrapErr("RFC3161", KindTimestampRejected, errors.Errorf("status %d", tsResp.Status.Status))
	}
	return tsResp.TimeStampToken.FullBytes, nil
}

// randomNonce draws a 64-bit random value from a UUID's entropy, the way a
// nonce is commonly derived when a dedicated CSPRNG call isn't already
// threaded through the call site.
func randomNonce() (*big.Int, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	b := id[:8]
	b[0] &= 0x7f // keep the big.Int non-negative
	return new(big.Int).SetBytes(b), nil
}

func mustMarshalOctetString(b []byte) []byte {
	der, err := asn1.Marshal(b)
	if err != nil {
		panic(err)
	}
	return der
}

// ExtractEncryptedDigest pulls the first SignerInfo's encryptedDigest out of
// a freshly-signed bundle, the value both timestamp protocols hash or embed
// as their message imprint, per §4.H.
func ExtractEncryptedDigest(bundleDER []byte) ([]byte, error) {
	var ci ContentInfo
	if _, err := asn1.Unmarshal(bundleDER, &ci); err != nil {
		return nil, wrapErr("ExtractEncryptedDigest", KindTimestampFormatError, err)
	}
	var sd SignedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, wrapErr("ExtractEncryptedDigest", KindTimestampFormatError, err)
	}
	if len(sd.SignerInfos) == 0 {
		return nil, wrapErr("ExtractEncryptedDigest", KindTimestampFormatError, errors.New("bundle carries no signer"))
	}
	return sd.SignerInfos[0].EncryptedDigest, nil
}

// AttachAuthenticodeCountersignature decodes tokenDER (a PKCS#7 SignedData
// returned by an Authenticode TSA), extracts its first SignerInfo and
// certificates, and installs the SignerInfo as an unsigned countersignature
// attribute on the bundle's first signer, with the TSA's certificates
// appended (in reverse order) to the bundle's certificate set, per §4.H.
func AttachAuthenticodeCountersignature(bundleDER []byte, tokenDER []byte) ([]byte, error) {
	var tokenCI ContentInfo
	if _, err := asn1.Unmarshal(tokenDER, &tokenCI); err != nil {
		return nil, wrapErr("AttachAuthenticodeCountersignature", KindTimestampFormatError, err)
	}
	var tokenSD SignedData
	if _, err := asn1.Unmarshal(tokenCI.Content.Bytes, &tokenSD); err != nil {
		return nil, wrapErr("AttachAuthenticodeCountersignature", KindTimestampFormatError, err)
	}
	if len(tokenSD.SignerInfos) == 0 {
		return nil, wrapErr("AttachAuthenticodeCountersignature", KindTimestampFormatError, errors.New("timestamp token carries no signer"))
	}

	tsSignerDER, err := asn1.Marshal(tokenSD.SignerInfos[0])
	if err != nil {
		return nil, wrapErr("AttachAuthenticodeCountersignature", KindTimestampFormatError, err)
	}

	return installUnsignedAttribute(bundleDER, oidCounterSignatureAttr, tsSignerDER, tokenSD.Certificates.Bytes)
}

// AttachRFC3161Token installs tokenDER (a full PKCS#7/CMS TimeStampToken)
// verbatim as the unsigned `id-aa-timeStampToken` attribute on the bundle's
// first signer, per §4.H/S5.
func AttachRFC3161Token(bundleDER []byte, tokenDER []byte) ([]byte, error) {
	return installUnsignedAttribute(bundleDER, oidTSTInfoAttr, tokenDER, nil)
}

// oidTSTInfoAttr is id-aa-timeStampToken, the unsigned attribute carrying an
// RFC 3161 token, exercised by S5.
var oidTSTInfoAttr = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}

// installUnsignedAttribute decodes bundleDER, appends one unsigned
// attribute (attrOID, attrValue) to its first SignerInfo, optionally merges
// extraCerts into the certificate set (reversed, per §4.G step 3), and
// re-encodes the bundle.
func installUnsignedAttribute(bundleDER []byte, attrOID asn1.ObjectIdentifier, attrValue []byte, extraCerts []byte) ([]byte, error) {
	var ci ContentInfo
	if _, err := asn1.Unmarshal(bundleDER, &ci); err != nil {
		return nil, wrapErr("installUnsignedAttribute", KindTimestampFormatError, err)
	}
	var sd SignedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, wrapErr("installUnsignedAttribute", KindTimestampFormatError, err)
	}
	if len(sd.SignerInfos) == 0 {
		return nil, wrapErr("installUnsignedAttribute", KindTimestampFormatError, errors.New("bundle carries no signer"))
	}

	valueSet := derWrap(0x31, attrValue)
	typeDER, err := asn1.Marshal(attrOID)
	if err != nil {
		return nil, wrapErr("installUnsignedAttribute", KindTimestampFormatError, err)
	}
	attr := derWrap(0x30, append(append([]byte{}, typeDER...), valueSet...))

	first := &sd.SignerInfos[0]
	existing := first.UnauthenticatedAttributes.Bytes
	body := append(append([]byte{}, existing...), attr...)
	first.UnauthenticatedAttributes = asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 1, IsCompound: true, Bytes: body}

	if len(extraCerts) > 0 {
		var certs [][]byte
		for rest := extraCerts; len(rest) > 0; {
			var c asn1.RawValue
			if rest, err = asn1.Unmarshal(rest, &c); err != nil {
				return nil, wrapErr("installUnsignedAttribute", KindTimestampFormatError, err)
			}
			certs = append(certs, c.FullBytes)
		}
		merged := append([]byte{}, sd.Certificates.Bytes...)
		for i := len(certs) - 1; i >= 0; i-- {
			merged = append(merged, certs[i]...)
		}
		sd.Certificates = asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: merged}
	}

	sdDER, err := asn1.Marshal(sd)
	if err != nil {
		return nil, wrapErr("installUnsignedAttribute", KindTimestampFormatError, err)
	}
	ci.Content = asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: sdDER}
	return asn1.Marshal(ci)
}
