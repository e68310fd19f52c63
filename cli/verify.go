package cli

import (
	"crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/georgepadayatti/pdfseal/sign/validation"
)

// VerifyOptions carries the verify command flags.
type VerifyOptions struct {
	RootsPath       string
	CheckRevocation bool
	JSON            bool
	Field           string
	Verbose         bool
	Quiet           bool
}

// VerifyCommand implements the verify subcommand.
func VerifyCommand(args []string) {
	flags := flag.NewFlagSet("verify", flag.ExitOnError)

	var opts VerifyOptions
	flags.StringVar(&opts.RootsPath, "roots", "", "PEM file with trust anchors for chain validation")
	flags.BoolVar(&opts.CheckRevocation, "check-revocation", false, "Query the signer certificate's OCSP responder")
	flags.BoolVar(&opts.JSON, "json", false, "Emit machine-readable JSON")
	flags.StringVar(&opts.Field, "field", "", "Verify only the named signature field")
	flags.BoolVar(&opts.Verbose, "v", false, "Verbose logging")
	flags.BoolVar(&opts.Quiet, "q", false, "Log warnings and errors only")

	flags.Usage = func() {
		fmt.Printf("Usage: %s verify [options] <document.pdf>\n\n", os.Args[0])
		fmt.Println("Verify the embedded signatures of a PDF file. Without -roots only")
		fmt.Println("the digests and signature values are checked; with -roots the")
		fmt.Println("certificate chain is validated against the given anchors.")
		fmt.Println("")
		fmt.Println("Options:")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
		return
	}
	if flags.NArg() != 1 {
		flags.Usage()
		osExit(1)
		return
	}

	allValid, err := runVerify(&opts, flags.Arg(0), os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}
	if !allValid {
		osExit(1)
	}
}

func runVerify(opts *VerifyOptions, path string, out io.Writer) (allValid bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	vopts := &validation.Options{CheckRevocation: opts.CheckRevocation}
	if opts.RootsPath != "" {
		roots, err := loadTrustRoots(opts.RootsPath)
		if err != nil {
			return false, err
		}
		vopts.TrustRoots = roots
	}

	var results []*validation.Result
	if opts.Field != "" {
		result, err := validation.VerifyField(data, opts.Field, vopts)
		if err != nil {
			return false, err
		}
		results = []*validation.Result{result}
	} else {
		results, err = validation.VerifyPDF(data, vopts)
		if err != nil {
			return false, err
		}
	}

	allValid = true
	for _, r := range results {
		if r.Status != validation.StatusValid {
			allValid = false
		}
	}

	if opts.JSON {
		return allValid, writeJSONReport(out, results)
	}
	writeTextReport(out, results)
	return allValid, nil
}

// loadTrustRoots reads trust anchors from a PEM file.
func loadTrustRoots(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

func writeTextReport(out io.Writer, results []*validation.Result) {
	fmt.Fprintf(out, "%d signature(s) found\n", len(results))
	for i, r := range results {
		fmt.Fprintf(out, "\nSignature %d: %s\n", i+1, r.Status)
		if r.FieldName != "" {
			fmt.Fprintf(out, "  Field:    %s\n", r.FieldName)
		}
		if r.SignerName != "" {
			fmt.Fprintf(out, "  Signer:   %s\n", r.SignerName)
		}
		if !r.SigningTime.IsZero() {
			fmt.Fprintf(out, "  Signed:   %s\n", r.SigningTime.Format(time.RFC3339))
		}
		if r.HasTimestamp {
			fmt.Fprintf(out, "  Timestamp: %s\n", r.TimestampTime.Format(time.RFC3339))
		}
		if r.Reason != "" {
			fmt.Fprintf(out, "  Reason:   %s\n", r.Reason)
		}
		if r.Location != "" {
			fmt.Fprintf(out, "  Location: %s\n", r.Location)
		}
		fmt.Fprintf(out, "  Covers whole document: %v\n", r.CoversDocument)
		if r.Err != nil {
			fmt.Fprintf(out, "  Cause:    %v\n", r.Err)
		}
		for _, w := range r.Warnings {
			fmt.Fprintf(out, "  Warning:  %s\n", w)
		}
	}
}

// signatureReport is the JSON shape of one verified signature.
type signatureReport struct {
	Field          string    `json:"field,omitempty"`
	Status         string    `json:"status"`
	Signer         string    `json:"signer,omitempty"`
	SigningTime    time.Time `json:"signing_time,omitzero"`
	TimestampTime  time.Time `json:"timestamp_time,omitzero"`
	Reason         string    `json:"reason,omitempty"`
	Location       string    `json:"location,omitempty"`
	CoversDocument bool      `json:"covers_document"`
	Error          string    `json:"error,omitempty"`
	Warnings       []string  `json:"warnings,omitempty"`
}

func writeJSONReport(out io.Writer, results []*validation.Result) error {
	reports := make([]signatureReport, 0, len(results))
	for _, r := range results {
		report := signatureReport{
			Field:          r.FieldName,
			Status:         r.Status.String(),
			Signer:         r.SignerName,
			SigningTime:    r.SigningTime,
			Reason:         r.Reason,
			Location:       r.Location,
			CoversDocument: r.CoversDocument,
			Warnings:       r.Warnings,
		}
		if r.HasTimestamp {
			report.TimestampTime = r.TimestampTime
		}
		if r.Err != nil {
			report.Error = r.Err.Error()
		}
		reports = append(reports, report)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(reports)
}
