// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import "fmt"

// Kind classifies an error into one of the exit paths described in the
// command-line contract: each kind maps to a distinct message and exit code.
type Kind int

// Error kinds. Each has a distinct exit path and message, see §7.
const (
	// KindArgError covers bad/unknown flags, missing required options, the
	// mutually exclusive -t/-ts pair, and -jp medium/high.
	KindArgError Kind = iota

	// KindFileTooShort is returned when a file is smaller than the minimum
	// size its detected (or attempted) kind requires.
	KindFileTooShort

	// KindUnknownFormat is returned when none of the CAB/PE/MSI magics match.
	KindUnknownFormat

	// KindCabFlagsUnsupported is returned when a CAB carries header flags
	// this tool does not know how to normalize around.
	KindCabFlagsUnsupported

	// KindPeUnknownMagic is returned for an optional header magic that is
	// neither PE32 nor PE32+.
	KindPeUnknownMagic

	// KindPeMissingCertDir is returned when the optional header is too small
	// to contain a Certificate Table data directory entry.
	KindPeMissingCertDir

	// KindPeSignatureNotAtEnd is returned when a PE's existing signature
	// does not run to the end of the file, which this tool requires in
	// order to safely re-derive file_end for re-signing.
	KindPeSignatureNotAtEnd

	// KindNoSignaturePresent is returned by extract-signature/remove-signature
	// against an unsigned PE.
	KindNoSignaturePresent

	// KindKeyLoadFailed covers a wrong password or an unrecognized key/cert
	// container format.
	KindKeyLoadFailed

	// KindSignerSelectionFailed is returned when no certificate in the chain
	// matches the supplied private key.
	KindSignerSelectionFailed

	// KindTimestampTransportError covers HTTP-level failures talking to a
	// timestamp authority.
	KindTimestampTransportError

	// KindTimestampFormatError covers a timestamp response that fails to
	// parse as DER/base64.
	KindTimestampFormatError

	// KindTimestampRejected is returned when an RFC 3161 TSA returns a
	// non-zero PKIStatusInfo.status.
	KindTimestampRejected

	// KindDigestMismatch is a verification-only finding: exit code 1, not a
	// process error.
	KindDigestMismatch

	// KindChecksumMismatch is a verification-only finding: exit code 1, not
	// a process error.
	KindChecksumMismatch

	// KindCryptoVerifyFailed means the PKCS#7 signature itself is invalid.
	KindCryptoVerifyFailed
)

func (k Kind) String() string {
	switch k {
	case KindArgError:
		return "ArgError"
	case KindFileTooShort:
		return "FileTooShort"
	case KindUnknownFormat:
		return "UnknownFormat"
	case KindCabFlagsUnsupported:
		return "CabFlagsUnsupported"
	case KindPeUnknownMagic:
		return "PeUnknownMagic"
	case KindPeMissingCertDir:
		return "PeMissingCertDir"
	case KindPeSignatureNotAtEnd:
		return "PeSignatureNotAtEnd"
	case KindNoSignaturePresent:
		return "NoSignaturePresent"
	case KindKeyLoadFailed:
		return "KeyLoadFailed"
	case KindSignerSelectionFailed:
		return "SignerSelectionFailed"
	case KindTimestampTransportError:
		return "TimestampTransportError"
	case KindTimestampFormatError:
		return "TimestampFormatError"
	case KindTimestampRejected:
		return "TimestampRejected"
	case KindDigestMismatch:
		return "DigestMismatch"
	case KindChecksumMismatch:
		return "ChecksumMismatch"
	case KindCryptoVerifyFailed:
		return "CryptoVerifyFailed"
	default:
		return "Unknown"
	}
}

// ExitCode returns the process exit code associated with this error kind.
// Verification findings (digest/checksum mismatch, invalid PKCS#7
// signature) exit 1; everything else that reaches the top-level command
// handler is a hard failure (-1).
func (k Kind) ExitCode() int {
	switch k {
	case KindDigestMismatch, KindChecksumMismatch, KindCryptoVerifyFailed:
		return 1
	default:
		return -1
	}
}

// Error is the error type this package's operations use for the failures
// classified by Kind; some exported functions (ParseDigestAlgorithm, the
// walkers' output-write failures, Open) return plain errors instead. It
// carries enough information for the top-level command handler to print a
// single final line and set the process exit code without a type switch
// over sentinels.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// wrapErr builds an *Error of the given kind, recording which operation
// produced it.
func wrapErr(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
