// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/saferwall/pe/log"
	"github.com/spf13/cobra"

	"github.com/saferwall/authenticode"
)

var logger = log.NewHelper(log.NewFilter(log.NewStdLogger(os.Stderr), log.FilterLevel(log.LevelError)))

// signFlags mirrors the `sign` subcommand's flag group, per §6.
type signFlags struct {
	spc     string
	key     string
	pkcs12  string
	pvk     string
	pass    string
	digest  string
	desc    string
	infoURL string
	jp      string
	comm    bool
	tsURL   string
	ts3161  string
	proxy   string
	in      string
	out     string
}

func main() {
	root := &cobra.Command{
		Use:   "authenticode",
		Short: "Sign and verify Authenticode signatures on PE, CAB, and MSI files",
	}

	root.AddCommand(
		newVersionCmd(),
		newSignCmd(),
		newExtractSignatureCmd(),
		newRemoveSignatureCmd(),
		newVerifyCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(-1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("authenticode 0.1.0")
		},
	}
}

// resolveInOut accepts either positional INFILE [OUTFILE] or the -in/-out
// flags, per §6's "Positional INFILE/OUTFILE may appear without -in/-out."
func resolveInOut(args []string, flagIn, flagOut string) (in, out string, err error) {
	in, out = flagIn, flagOut
	if in == "" && len(args) > 0 {
		in = args[0]
		args = args[1:]
	}
	if out == "" && len(args) > 0 {
		out = args[0]
	}
	if in == "" {
		return "", "", wrapArgErr("missing input file")
	}
	return in, out, nil
}

func wrapArgErr(msg string) error {
	return fmt.Errorf("authenticode: %s", msg)
}

func exitWithError(err error) {
	logger.Errorf("%v", err)
	if ae, ok := err.(*authenticode.Error); ok {
		os.Exit(ae.Kind.ExitCode())
	}
	os.Exit(-1)
}

func newSignCmd() *cobra.Command {
	f := &signFlags{}
	cmd := &cobra.Command{
		Use:   "sign [-in] INFILE [-out] OUTFILE",
		Short: "Sign a PE, CAB, or MSI file with an Authenticode signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, out, err := resolveInOut(args, f.in, f.out)
			if err != nil {
				return err
			}
			if err := runSign(f, in, out); err != nil {
				exitWithError(err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&f.spc, "spc", "", "certificate file (PEM/DER chain or PKCS#7 certs-only bundle)")
	cmd.Flags().StringVar(&f.key, "key", "", "private key file, paired with -spc")
	cmd.Flags().StringVar(&f.pkcs12, "pkcs12", "", "PKCS#12 container holding certificate and key")
	cmd.Flags().StringVar(&f.pvk, "pvk", "", "Microsoft PVK private key file, paired with -spc")
	cmd.Flags().StringVar(&f.pass, "pass", "", "password for an encrypted key/container")
	cmd.Flags().StringVar(&f.digest, "h", "", "digest algorithm: md5, sha1 (default), sha2")
	cmd.Flags().StringVar(&f.desc, "n", "", "program description")
	cmd.Flags().StringVar(&f.infoURL, "i", "", "more-info URL")
	cmd.Flags().StringVar(&f.jp, "jp", "", "Java permissions level: low, medium, high")
	cmd.Flags().BoolVar(&f.comm, "comm", false, "commercial (rather than individual) statement type")
	cmd.Flags().StringVar(&f.tsURL, "t", "", "Authenticode timestamp URL")
	cmd.Flags().StringVar(&f.ts3161, "ts", "", "RFC 3161 timestamp URL")
	cmd.Flags().StringVar(&f.proxy, "p", "", "proxy URL for timestamping requests")
	cmd.Flags().StringVar(&f.in, "in", "", "input file")
	cmd.Flags().StringVar(&f.out, "out", "", "output file")

	return cmd
}

func runSign(f *signFlags, in, out string) error {
	if f.tsURL != "" && f.ts3161 != "" {
		return wrapArgErr("-t and -ts are mutually exclusive")
	}

	jp := authenticode.JpLow
	hasJp := f.jp != ""
	switch f.jp {
	case "", "low":
		jp = authenticode.JpLow
	case "medium":
		jp = authenticode.JpMedium
	case "high":
		jp = authenticode.JpHigh
	default:
		return wrapArgErr("invalid -jp level: " + f.jp)
	}

	alg, err := authenticode.ParseDigestAlgorithm(f.digest)
	if err != nil {
		return err
	}

	pass := f.pass
	if pass == "" && (f.pkcs12 != "" || f.pvk != "") {
		pass, err = authenticode.PromptPassword("Enter password: ")
		if err != nil {
			return err
		}
	}

	var cred *authenticode.CredentialBundle
	switch {
	case f.pkcs12 != "":
		cred, err = authenticode.LoadPKCS12(f.pkcs12, pass)
	case f.spc != "" && f.pvk != "":
		cred, err = authenticode.LoadSpcAndKey(f.spc, f.pvk, pass, true)
	case f.spc != "" && f.key != "":
		cred, err = authenticode.LoadSpcAndKey(f.spc, f.key, pass, false)
	default:
		return wrapArgErr("one of -pkcs12 or -spc with -key/-pvk is required")
	}
	if err != nil {
		return err
	}

	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}

	kind, err := authenticode.Classify(data)
	if err != nil {
		return err
	}

	opts := authenticode.SignOptions{
		Cert:        cred.Cert,
		Chain:       cred.Chain,
		Key:         cred.Key,
		DigestAlg:   alg,
		Kind:        kind,
		ProgramName: f.desc,
		MoreInfoURL: f.infoURL,
		Commercial:  f.comm,
		JpLevel:     jp,
		HasJp:       hasJp,
	}

	bundle, result, err := signContainer(data, kind, opts)
	if err != nil {
		return err
	}

	if f.tsURL != "" || f.ts3161 != "" {
		tc, err := authenticode.NewTimestampClient(f.proxy)
		if err != nil {
			return err
		}
		encDigest, err := authenticode.ExtractEncryptedDigest(bundle)
		if err != nil {
			return err
		}
		ctx := context.Background()
		if f.tsURL != "" {
			token, err := tc.Authenticode(ctx, f.tsURL, encDigest)
			if err != nil {
				return err
			}
			bundle, err = authenticode.AttachAuthenticodeCountersignature(bundle, token)
			if err != nil {
				return err
			}
		} else {
			token, err := tc.RFC3161(ctx, f.ts3161, alg, encDigest)
			if err != nil {
				return err
			}
			bundle, err = authenticode.AttachRFC3161Token(bundle, token)
			if err != nil {
				return err
			}
		}
	}

	final, err := injectBundle(data, kind, result, bundle)
	if err != nil {
		return err
	}

	if out == "" {
		out = in
	}
	return os.WriteFile(out, final, 0644)
}

// signingMaterial carries the per-kind intermediate state the Injector
// needs once signContainer has produced a bundle.
type signingMaterial struct {
	peCtx     *authenticode.PEContext
	peClean   []byte
	cabClean  []byte
	msiStream []byte // unused placeholder kept nil; MSI reuses original streams
}

func signContainer(data []byte, kind authenticode.FileKind, opts authenticode.SignOptions) ([]byte, *signingMaterial, error) {
	var digest []byte
	var err error
	mat := &signingMaterial{}

	switch kind {
	case authenticode.KindPE:
		mat.peCtx, err = authenticode.ParsePEContext(data)
		if err != nil {
			return nil, nil, err
		}
		buf := &byteBuffer{}
		digest, err = authenticode.ComputePEDigest(mat.peCtx, data, opts.DigestAlg, buf)
		if err != nil {
			return nil, nil, err
		}
		mat.peClean = buf.b
	case authenticode.KindCAB:
		buf := &byteBuffer{}
		digest, err = authenticode.ComputeCABDigest(data, opts.DigestAlg, buf)
		if err != nil {
			return nil, nil, err
		}
		mat.cabClean = buf.b
	case authenticode.KindMSI:
		digest, err = authenticode.ComputeMSIDigest(data, opts.DigestAlg)
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, wrapArgErr("unsupported container kind")
	}

	bundle, err := authenticode.Sign(opts, digest)
	if err != nil {
		return nil, nil, err
	}
	return bundle, mat, nil
}

func injectBundle(data []byte, kind authenticode.FileKind, mat *signingMaterial, bundle []byte) ([]byte, error) {
	switch kind {
	case authenticode.KindPE:
		return authenticode.InjectPE(mat.peCtx, mat.peClean, bundle)
	case authenticode.KindCAB:
		return authenticode.InjectCAB(mat.cabClean, bundle)
	case authenticode.KindMSI:
		streams, rootClassID, err := authenticode.CollectMSIStreams(data)
		if err != nil {
			return nil, err
		}
		return authenticode.InjectMSI(streams, rootClassID, bundle)
	default:
		return nil, wrapArgErr("unsupported container kind")
	}
}

// byteBuffer is a minimal io.Writer sink, used instead of bytes.Buffer to
// avoid pulling in its full API for a single accumulate-then-read use.
type byteBuffer struct{ b []byte }

func (w *byteBuffer) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func newExtractSignatureCmd() *cobra.Command {
	var in, out string
	cmd := &cobra.Command{
		Use:   "extract-signature [-in] INFILE [-out] OUTFILE",
		Short: "Write a PE's embedded WIN_CERTIFICATE blob to OUTFILE",
		RunE: func(cmd *cobra.Command, args []string) error {
			inFile, outFile, err := resolveInOut(args, in, out)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(inFile)
			if err != nil {
				return err
			}
			ctx, err := authenticode.ParsePEContext(data)
			if err != nil {
				exitWithError(err)
			}
			sig, err := authenticode.ExtractPESignature(ctx, data)
			if err != nil {
				exitWithError(err)
			}
			if err := os.WriteFile(outFile, sig, 0644); err != nil {
				exitWithError(err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "input file")
	cmd.Flags().StringVar(&out, "out", "", "output file")
	return cmd
}

func newRemoveSignatureCmd() *cobra.Command {
	var in, out string
	cmd := &cobra.Command{
		Use:   "remove-signature [-in] INFILE [-out] OUTFILE",
		Short: "Strip a PE's Authenticode signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			inFile, outFile, err := resolveInOut(args, in, out)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(inFile)
			if err != nil {
				return err
			}
			ctx, err := authenticode.ParsePEContext(data)
			if err != nil {
				exitWithError(err)
			}
			buf := &byteBuffer{}
			if _, err := authenticode.ComputePEDigest(ctx, data, authenticode.DigestSHA1, buf); err != nil {
				exitWithError(err)
			}
			final, err := authenticode.RemovePESignature(ctx, buf.b)
			if err != nil {
				exitWithError(err)
			}
			if outFile == "" {
				outFile = inFile
			}
			if err := os.WriteFile(outFile, final, 0644); err != nil {
				exitWithError(err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "input file")
	cmd.Flags().StringVar(&out, "out", "", "output file")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "verify [-in] INFILE",
		Short: "Verify a PE's Authenticode signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			inFile := in
			if inFile == "" && len(args) > 0 {
				inFile = args[0]
			}
			if inFile == "" {
				return wrapArgErr("missing input file")
			}
			data, err := os.ReadFile(inFile)
			if err != nil {
				return err
			}
			results, err := authenticode.VerifyPE(data)
			if err != nil {
				exitWithError(err)
			}
			if len(results) == 1 && results[0].NoSignature {
				fmt.Println("No signature found")
				os.Exit(1)
			}
			mismatch := false
			for _, r := range results {
				if !r.DigestMatches {
					fmt.Println("Digest MISMATCH")
					mismatch = true
				}
				if !r.ChecksumMatches {
					fmt.Println("Checksum MISMATCH")
					mismatch = true
				}
				if !r.CryptoVerified {
					fmt.Printf("Signature verification failed: %v\n", r.CryptoErr)
					mismatch = true
				}
				for _, s := range r.Signers {
					fmt.Printf("Subject: %s\nIssuer:  %s\n", s.Subject, s.Issuer)
				}
				if r.HasPageHash {
					fmt.Printf("Page hash present (%s, %d entries)\n", r.PageHashAlg, len(r.PageHashes))
				}
			}
			if mismatch {
				os.Exit(1)
			}
			fmt.Println("Succeeded")
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "input file")
	return cmd
}
