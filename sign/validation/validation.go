// Package validation checks the signatures embedded in a PDF document.
// Every signature is verified independently: the digest over its
// declared byte ranges first, then the CMS signature value, then the
// signer certificate at the verification time, optionally its
// revocation status and its chain up to a set of trust anchors. Bytes
// appended after a signed revision never change the outcome; the
// CoversDocument field reports them.
package validation

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/georgepadayatti/pdfseal/pdf/reader"
	"github.com/georgepadayatti/pdfseal/sign/cms"
	"github.com/jonboulle/clockwork"
)

// Common errors
var (
	ErrNoSignatures       = errors.New("document holds no signatures")
	ErrCertificateExpired = errors.New("signing certificate not valid at verification time")
	ErrCertificateRevoked = errors.New("signing certificate is revoked")
	ErrChainUntrusted     = errors.New("certificate chain does not reach a trust anchor")
)

// Status is the outcome of checking a single signature.
type Status int

const (
	StatusUnknown Status = iota
	StatusValid
	StatusDigestMismatch
	StatusSignatureInvalid
	StatusChainUntrusted
	StatusCertificateExpired
	StatusCertificateRevoked
)

// String returns the status as an upper-case token.
func (s Status) String() string {
	switch s {
	case StatusValid:
		return "VALID"
	case StatusDigestMismatch:
		return "DIGEST_MISMATCH"
	case StatusSignatureInvalid:
		return "SIGNATURE_INVALID"
	case StatusChainUntrusted:
		return "CHAIN_UNTRUSTED"
	case StatusCertificateExpired:
		return "CERTIFICATE_EXPIRED"
	case StatusCertificateRevoked:
		return "CERTIFICATE_REVOKED"
	default:
		return "UNKNOWN"
	}
}

// VerificationError reports a signature that did not verify. Status
// carries the outcome; Err the underlying cause when one exists.
type VerificationError struct {
	Field  string
	Status Status
	Err    error
}

func (e *VerificationError) Error() string {
	msg := fmt.Sprintf("signature %q: %s", e.Field, e.Status)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VerificationError) Unwrap() error { return e.Err }

const defaultHTTPTimeout = 10 * time.Second

// Options configures verification. The zero value checks digests and
// signature values only, with no network access.
type Options struct {
	// TrustRoots holds the trust anchors for chain validation. Nil
	// skips chain validation, leaving StatusChainUntrusted out of the
	// possible outcomes.
	TrustRoots *x509.CertPool

	// CheckRevocation queries the signer certificate's OCSP responder.
	// A responder that cannot be reached degrades to a warning; only a
	// definite revoked answer fails the signature.
	CheckRevocation bool

	// HTTPClient performs the OCSP queries. Nil uses a client bounded
	// by a ten second timeout.
	HTTPClient *http.Client

	// Clock supplies the verification time for signatures without an
	// embedded timestamp token. Nil uses the wall clock.
	Clock clockwork.Clock
}

func (o *Options) clock() clockwork.Clock {
	if o.Clock != nil {
		return o.Clock
	}
	return clockwork.NewRealClock()
}

func (o *Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// Result describes one checked signature.
type Result struct {
	// FieldName is the form field holding the signature.
	FieldName string

	// Status is the verification outcome.
	Status Status

	// SignerName is the certificate subject common name, or the
	// claimed /Name entry when the certificate carries none.
	SignerName string

	// SigningTime is the signed CMS signing-time attribute. Zero when
	// the container carries none.
	SigningTime time.Time

	// Signer is the end-entity certificate resolved from the
	// container.
	Signer *x509.Certificate

	// Chain holds every certificate the container carries, signer
	// included.
	Chain []*x509.Certificate

	SubFilter   string
	Reason      string
	Location    string
	ContactInfo string

	// CoversDocument reports whether the byte ranges span the whole
	// file. False for every signature but the last of an incrementally
	// updated document; informational only.
	CoversDocument bool

	// HasTimestamp reports an embedded RFC 3161 token; TimestampTime
	// is its generation time.
	HasTimestamp  bool
	TimestampTime time.Time

	// Err is the underlying cause when Status is not StatusValid.
	Err error

	// Warnings collects non-fatal findings, such as an unreachable
	// OCSP responder.
	Warnings []string
}

func (r *Result) fail(status Status, err error) *Result {
	r.Status = status
	r.Err = err
	return r
}

func (r *Result) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Failure returns the result as a typed error, or nil when the
// signature verified.
func (r *Result) Failure() error {
	if r.Status == StatusValid {
		return nil
	}
	return &VerificationError{Field: r.FieldName, Status: r.Status, Err: r.Err}
}

// VerifyPDF checks every signature in data and returns one result per
// signature, in field order. The error return covers document-level
// failures only; a signature that does not verify is reported through
// its result.
func VerifyPDF(data []byte, opts *Options) ([]*Result, error) {
	if opts == nil {
		opts = &Options{}
	}

	doc, err := reader.NewDocumentFromBytes(data)
	if err != nil {
		return nil, err
	}
	sigs, err := doc.EmbeddedSignatures()
	if err != nil {
		return nil, err
	}
	if len(sigs) == 0 {
		return nil, ErrNoSignatures
	}

	results := make([]*Result, 0, len(sigs))
	for _, sig := range sigs {
		results = append(results, verifySignature(sig, opts))
	}
	return results, nil
}

// VerifyField checks the named signature field only.
func VerifyField(data []byte, fieldName string, opts *Options) (*Result, error) {
	results, err := VerifyPDF(data, opts)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if r.FieldName == fieldName {
			return r, nil
		}
	}
	return nil, fmt.Errorf("signature field %q not found", fieldName)
}

func verifySignature(sig *reader.EmbeddedSignature, opts *Options) *Result {
	result := &Result{
		FieldName:      sig.GetFieldName(),
		SubFilter:      sig.GetSubFilter(),
		Reason:         sig.GetReason(),
		Location:       sig.GetLocation(),
		ContactInfo:    sig.GetContactInfo(),
		SignerName:     sig.GetSignerName(),
		CoversDocument: sig.CoversDocument(),
	}

	contents, err := sig.GetContents()
	if err != nil {
		return result.fail(StatusSignatureInvalid, err)
	}
	// A byte range that cannot be read means the declared digest input
	// is gone.
	signedData, err := sig.GetSignedData()
	if err != nil {
		return result.fail(StatusDigestMismatch, err)
	}

	parsed, err := cms.Parse(contents)
	if err != nil {
		return result.fail(StatusSignatureInvalid, err)
	}
	result.Signer = parsed.Signer
	result.Chain = parsed.Certificates
	result.SigningTime = parsed.SigningTime
	if cn := parsed.Signer.Subject.CommonName; cn != "" {
		result.SignerName = cn
	}

	// Digest before the signature value, so in-range tampering is
	// reported as a mismatch rather than a broken signature.
	if err := parsed.VerifyDigest(signedData); err != nil {
		return result.fail(StatusDigestMismatch, err)
	}
	if err := parsed.VerifySignature(); err != nil {
		return result.fail(StatusSignatureInvalid, err)
	}

	if t, err := parsed.TimestampTime(); err == nil {
		result.HasTimestamp = true
		result.TimestampTime = t
	}

	// An embedded token outranks the wall clock as the verification
	// moment.
	verifyAt := opts.clock().Now()
	if result.HasTimestamp {
		verifyAt = result.TimestampTime
	}

	if verifyAt.After(parsed.Signer.NotAfter) {
		return result.fail(StatusCertificateExpired,
			fmt.Errorf("%w: not after %s", ErrCertificateExpired, parsed.Signer.NotAfter.Format(time.RFC3339)))
	}
	if verifyAt.Before(parsed.Signer.NotBefore) {
		return result.fail(StatusCertificateExpired,
			fmt.Errorf("%w: not before %s", ErrCertificateExpired, parsed.Signer.NotBefore.Format(time.RFC3339)))
	}

	if opts.CheckRevocation {
		if revoked := checkRevocation(result, parsed.Signer, parsed.Certificates, opts); revoked {
			return result
		}
	}

	if opts.TrustRoots != nil {
		if err := verifyChain(parsed.Signer, parsed.Certificates, opts.TrustRoots, verifyAt); err != nil {
			return result.fail(StatusChainUntrusted, fmt.Errorf("%w: %v", ErrChainUntrusted, err))
		}
	}

	result.Status = StatusValid
	return result
}

// verifyChain walks from the signer to one of the supplied anchors,
// using every other carried certificate as a candidate intermediate.
func verifyChain(signer *x509.Certificate, chain []*x509.Certificate, roots *x509.CertPool, at time.Time) error {
	intermediates := x509.NewCertPool()
	for _, c := range chain {
		if bytes.Equal(c.Raw, signer.Raw) {
			continue
		}
		intermediates.AddCert(c)
	}

	// Signing certificates rarely carry the server-auth usage the
	// verifier defaults to.
	_, err := signer.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}
