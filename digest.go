// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"crypto"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/asn1"
	"errors"
	"hash"
	"io"
)

// DigestAlgorithm identifies one of the hash functions Authenticode allows.
type DigestAlgorithm int

// Supported digest algorithms. The default, per §3, is SHA1.
const (
	DigestMD5 DigestAlgorithm = iota
	DigestSHA1
	DigestSHA256
)

// ErrUnsupportedDigestAlgorithm is returned for an unrecognized -h flag or
// OID.
var ErrUnsupportedDigestAlgorithm = errors.New("unsupported digest algorithm")

// New returns a fresh hash.Hash for the algorithm.
func (d DigestAlgorithm) New() hash.Hash {
	switch d {
	case DigestMD5:
		return md5.New()
	case DigestSHA256:
		return sha256.New()
	default:
		return sha1.New()
	}
}

// Size returns the digest size in bytes.
func (d DigestAlgorithm) Size() int {
	switch d {
	case DigestMD5:
		return md5.Size
	case DigestSHA256:
		return sha256.Size
	default:
		return sha1.Size
	}
}

// CryptoHash returns the stdlib crypto.Hash equivalent.
func (d DigestAlgorithm) CryptoHash() crypto.Hash {
	switch d {
	case DigestMD5:
		return crypto.MD5
	case DigestSHA256:
		return crypto.SHA256
	default:
		return crypto.SHA1
	}
}

func (d DigestAlgorithm) String() string {
	switch d {
	case DigestMD5:
		return "md5"
	case DigestSHA256:
		return "sha2"
	default:
		return "sha1"
	}
}

// ParseDigestAlgorithm maps a -h flag value (md5|sha1|sha2) to a
// DigestAlgorithm.
func ParseDigestAlgorithm(name string) (DigestAlgorithm, error) {
	switch name {
	case "", "sha1":
		return DigestSHA1, nil
	case "md5":
		return DigestMD5, nil
	case "sha2", "sha256":
		return DigestSHA256, nil
	default:
		return 0, ErrUnsupportedDigestAlgorithm
	}
}

// OID identifiers for digestAlgorithm AlgorithmIdentifier.algorithm.
var (
	oidDigestMD5    = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 5}
	oidDigestSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidDigestSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
)

// OID returns the AlgorithmIdentifier.algorithm OID for d.
func (d DigestAlgorithm) OID() asn1.ObjectIdentifier {
	switch d {
	case DigestMD5:
		return oidDigestMD5
	case DigestSHA256:
		return oidDigestSHA256
	default:
		return oidDigestSHA1
	}
}

// DigestAlgorithmFromOID is the reverse of DigestAlgorithm.OID, used while
// parsing a signed IndirectData blob during verification.
func DigestAlgorithmFromOID(oid asn1.ObjectIdentifier) (DigestAlgorithm, error) {
	switch {
	case oid.Equal(oidDigestMD5):
		return DigestMD5, nil
	case oid.Equal(oidDigestSHA1):
		return DigestSHA1, nil
	case oid.Equal(oidDigestSHA256):
		return DigestSHA256, nil
	default:
		return 0, ErrUnsupportedDigestAlgorithm
	}
}

// hashingSink is a linear pipeline: every Write both updates a running
// digest and, when w is non-nil, forwards the bytes to an output writer.
// Used single-owner by the format walkers (§5: "single-owner... hash then
// file").
type hashingSink struct {
	h hash.Hash
	w io.Writer
}

func newHashingSink(h hash.Hash, w io.Writer) *hashingSink {
	return &hashingSink{h: h, w: w}
}

// hashOnly feeds p to the digest without writing it to the output.
func (s *hashingSink) hashOnly(p []byte) {
	s.h.Write(p)
}

// writeOnly forwards p to the output without hashing it.
func (s *hashingSink) writeOnly(p []byte) error {
	if s.w == nil {
		return nil
	}
	_, err := s.w.Write(p)
	return err
}

// Write hashes and forwards p, in that order, matching the teacher's
// single-owner streaming idiom.
func (s *hashingSink) Write(p []byte) (int, error) {
	s.h.Write(p)
	if s.w == nil {
		return len(p), nil
	}
	return s.w.Write(p)
}

// Sum returns the running digest.
func (s *hashingSink) Sum() []byte {
	return s.h.Sum(nil)
}
