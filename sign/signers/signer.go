// Package signers drives the PDF signing pipeline end to end: it lays
// out the appended revision with a reserved /Contents region, digests
// the byte ranges around it, builds the detached CMS container and
// patches it into place. Layout and signing are separate phases, so the
// document structure is fixed before any key material is touched.
package signers

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/georgepadayatti/pdfseal/credentials"
	"github.com/georgepadayatti/pdfseal/pdf/generic"
	"github.com/georgepadayatti/pdfseal/pdf/reader"
	"github.com/georgepadayatti/pdfseal/pdf/writer"
	"github.com/georgepadayatti/pdfseal/sign/cms"
	"github.com/georgepadayatti/pdfseal/sign/timestamps"
	"github.com/jonboulle/clockwork"
)

// Common errors
var (
	ErrPlaceholderTooSmall = errors.New("signature larger than the reserved space")
	ErrNoCredential        = errors.New("no signing credential configured")
	ErrFieldNotFound       = errors.New("signature field not found")
	ErrFieldAlreadySigned  = errors.New("signature field already holds a signature")
	ErrCertifyNotFirst     = errors.New("certification signature must be the first signature in the document")
	ErrCertificateExpired  = errors.New("signing certificate has expired")
	ErrNothingPrepared     = errors.New("no prepared signature to finalize")
)

// SubFilter values for the signature dictionary.
const (
	SubFilterAdbeDetached = "adbe.pkcs7.detached"
	SubFilterETSICAdES    = "ETSI.CAdES.detached"
)

// Reservation sizing. The base covers the CMS structure outside the
// certificates and the signature value; the margin covers a typical
// RFC 3161 token.
const (
	baseContentsSize = 8192
	timestampMargin  = 4096
)

// CapacityError reports a CMS container that does not fit the reserved
// /Contents region. It unwraps to ErrPlaceholderTooSmall.
type CapacityError struct {
	Needed   int // container size in bytes
	Capacity int // reserved size in bytes
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("signature container needs %d bytes but only %d were reserved", e.Needed, e.Capacity)
}

func (e *CapacityError) Unwrap() error { return ErrPlaceholderTooSmall }

// CryptoError reports a failure in the cryptographic half of the
// pipeline, such as algorithm selection, attribute signing or an
// unusable certificate.
type CryptoError struct {
	Message string
	Err     error
}

func (e *CryptoError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *CryptoError) Unwrap() error { return e.Err }

// MDPPermission is the modification level granted by a certification
// signature (the /P entry of the DocMDP transform parameters).
type MDPPermission int

const (
	// MDPPermissionNoChanges forbids any change to the document.
	MDPPermissionNoChanges MDPPermission = 1
	// MDPPermissionFormFilling allows form filling and further signatures.
	MDPPermissionFormFilling MDPPermission = 2
	// MDPPermissionAnnotations additionally allows annotation changes.
	MDPPermissionAnnotations MDPPermission = 3
)

// SignatureMetadata carries the human-readable entries of the signature
// dictionary.
type SignatureMetadata struct {
	// FieldName names the signature form field. Empty selects a
	// generated "Signature-<unix timestamp>" name.
	FieldName string

	// Reason is the /Reason entry.
	Reason string

	// Location is the /Location entry.
	Location string

	// ContactInfo is the /ContactInfo entry.
	ContactInfo string

	// Name is the /Name entry. Empty selects the certificate subject
	// common name.
	Name string
}

// Appearance renders a visible representation of the signature. Page
// and Bounds place the widget annotation; Build emits the appearance
// stream into the revision and returns its reference for the widget's
// /AP /N entry.
type Appearance interface {
	Page() int
	Bounds() generic.Rect
	Build(w *writer.IncrementalWriter) (generic.Reference, error)
}

// PdfSigner signs PDF documents with a single credential. The zero
// value is not usable; construct with NewPdfSigner and adjust fields or
// chain the With methods before the first Sign call.
type PdfSigner struct {
	// Credential supplies the private key, certificate and chain.
	Credential *credentials.Credential

	// Hash digests the byte ranges and the signed attributes.
	// Some TSAs reject SHA-512 imprints, so SHA-256 is the default.
	Hash crypto.Hash

	// Metadata fills the text entries of the signature dictionary.
	Metadata SignatureMetadata

	// PAdES switches /SubFilter to ETSI.CAdES.detached.
	PAdES bool

	// Certify makes this a certification signature carrying Permission
	// as the DocMDP level. Only valid on a document with no prior
	// signatures.
	Certify    bool
	Permission MDPPermission

	// Appearance, when set, draws a visible stamp referenced from the
	// signature widget.
	Appearance Appearance

	// Timestamper fetches an RFC 3161 token over the signature value.
	Timestamper cms.TimestampFunc

	// TimestampToken attaches a token obtained beforehand instead of
	// fetching one. Takes precedence over Timestamper.
	TimestampToken []byte

	// ContentsSize overrides the reservation estimate when positive.
	ContentsSize int

	// SigningTime overrides the clock when non-zero.
	SigningTime time.Time

	// Clock supplies the signing time.
	Clock clockwork.Clock
}

// NewPdfSigner returns a signer with SHA-256 digests, form filling as
// the certification permission and the wall clock.
func NewPdfSigner(cred *credentials.Credential) *PdfSigner {
	return &PdfSigner{
		Credential: cred,
		Hash:       crypto.SHA256,
		Permission: MDPPermissionFormFilling,
		Clock:      clockwork.NewRealClock(),
	}
}

// WithMetadata sets the signature dictionary text entries.
func (s *PdfSigner) WithMetadata(md SignatureMetadata) *PdfSigner {
	s.Metadata = md
	return s
}

// WithPAdES selects the ETSI.CAdES.detached signature flavor.
func (s *PdfSigner) WithPAdES() *PdfSigner {
	s.PAdES = true
	return s
}

// WithCertification makes the next signature a certification signature
// with the given DocMDP permission.
func (s *PdfSigner) WithCertification(perm MDPPermission) *PdfSigner {
	s.Certify = true
	s.Permission = perm
	return s
}

// WithAppearance attaches a visible stamp to the signature widget.
func (s *PdfSigner) WithAppearance(a Appearance) *PdfSigner {
	s.Appearance = a
	return s
}

// WithTimestamper requests an RFC 3161 token during finalization.
func (s *PdfSigner) WithTimestamper(fn cms.TimestampFunc) *PdfSigner {
	s.Timestamper = fn
	return s
}

// WithTimestampToken attaches a pre-fetched RFC 3161 token.
func (s *PdfSigner) WithTimestampToken(token []byte) *PdfSigner {
	s.TimestampToken = token
	return s
}

func (s *PdfSigner) hash() crypto.Hash {
	if s.Hash == 0 {
		return crypto.SHA256
	}
	return s.Hash
}

func (s *PdfSigner) clock() clockwork.Clock {
	if s.Clock == nil {
		return clockwork.NewRealClock()
	}
	return s.Clock
}

func (s *PdfSigner) permission() MDPPermission {
	switch s.Permission {
	case MDPPermissionNoChanges, MDPPermissionFormFilling, MDPPermissionAnnotations:
		return s.Permission
	default:
		return MDPPermissionFormFilling
	}
}

func (s *PdfSigner) subFilter() generic.Name {
	if s.PAdES {
		return SubFilterETSICAdES
	}
	return SubFilterAdbeDetached
}

func (s *PdfSigner) wantsTimestamp() bool {
	return len(s.TimestampToken) > 0 || s.Timestamper != nil
}

// EstimateContentsSize computes the /Contents reservation for a
// credential: base CMS overhead plus the DER length of every
// certificate, the signature size for the key, and a token margin when
// a timestamp will be attached.
func EstimateContentsSize(cred *credentials.Credential, withTimestamp bool) int {
	size := baseContentsSize
	if cert := cred.Certificate(); cert != nil {
		size += len(cert.Raw)
	}
	for _, c := range cred.Chain() {
		size += len(c.Raw)
	}
	size += cred.SignatureSize()
	if withTimestamp {
		size += timestampMargin
	}
	return size
}

// PreparedSignature is a laid-out revision waiting for its signature.
// The bytes in Plan are final except for the reserved /Contents region.
type PreparedSignature struct {
	// Plan locates the reserved region inside the rendered revision.
	Plan *writer.ByteRangePlan

	// SigningTime is recorded in /M and in the signed attributes.
	SigningTime time.Time

	// FieldName is the form field that will hold the signature.
	FieldName string
}

// PrepareSignature lays out the appended revision for a new signature
// field: widget, optional appearance, signature dictionary with zeroed
// /Contents, updated AcroForm, xref and trailer. No key material is
// used yet.
func (s *PdfSigner) PrepareSignature(doc *reader.Document) (*PreparedSignature, error) {
	return s.prepare(doc, "", false)
}

// PrepareExistingField is PrepareSignature for a form field that
// already exists in the document and is not yet signed.
func (s *PdfSigner) PrepareExistingField(doc *reader.Document, fieldName string) (*PreparedSignature, error) {
	return s.prepare(doc, fieldName, true)
}

func (s *PdfSigner) prepare(doc *reader.Document, existingField string, reuse bool) (*PreparedSignature, error) {
	if s.Credential == nil {
		return nil, ErrNoCredential
	}

	signingTime := s.SigningTime
	if signingTime.IsZero() {
		signingTime = s.clock().Now()
	}
	if s.Credential.IsExpired(signingTime) {
		return nil, &CryptoError{Message: "cannot sign", Err: ErrCertificateExpired}
	}
	// Reject unsupported digest and key combinations before any layout
	// work happens.
	if _, err := s.Credential.Variant(s.hash()); err != nil {
		return nil, &CryptoError{Message: "cannot sign", Err: err}
	}

	if s.Certify {
		existing, err := doc.EmbeddedSignatures()
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return nil, ErrCertifyNotFirst
		}
	}

	w := writer.NewIncrementalWriter(doc)

	var (
		field     *generic.Dict
		fieldName string
		err       error
	)
	if reuse {
		var fieldRef generic.Reference
		fieldRef, field, err = findEmptySignatureField(doc, existingField)
		if err != nil {
			return nil, err
		}
		w.Update(fieldRef, field)
		fieldName = existingField
	} else {
		fieldName = s.Metadata.FieldName
		if fieldName == "" {
			fieldName = fmt.Sprintf("Signature-%d", signingTime.Unix())
		}
		rect := generic.Rect{}
		pageIndex := 0
		if s.Appearance != nil {
			rect = s.Appearance.Bounds()
			pageIndex = s.Appearance.Page()
		}
		_, field, err = w.AddSignatureField(fieldName, pageIndex, rect)
		if err != nil {
			return nil, err
		}
	}

	if s.Appearance != nil {
		apRef, err := s.Appearance.Build(w)
		if err != nil {
			return nil, err
		}
		ap := generic.NewDict()
		ap.Set("N", apRef)
		field.Set("AP", ap)
	}

	sigDict := s.buildSignatureDictionary(signingTime)

	size := s.ContentsSize
	if size <= 0 {
		size = EstimateContentsSize(s.Credential, s.wantsTimestamp())
	}

	placeholder, err := w.PrepareSignature(field, sigDict, size)
	if err != nil {
		return nil, err
	}

	if s.Certify {
		sigDict.Set("Reference", generic.Array{docMDPReference(s.permission())})
		if err := w.SetDocMDPPerms(placeholder.SigDictRef); err != nil {
			return nil, err
		}
	}

	plan, err := w.WriteWithPlaceholder(placeholder)
	if err != nil {
		return nil, err
	}

	return &PreparedSignature{
		Plan:        plan,
		SigningTime: signingTime,
		FieldName:   fieldName,
	}, nil
}

func (s *PdfSigner) buildSignatureDictionary(signingTime time.Time) *generic.Dict {
	sig := generic.NewDict()
	sig.Set("Type", generic.Name("Sig"))
	sig.Set("Filter", generic.Name("Adobe.PPKLite"))
	sig.Set("SubFilter", s.subFilter())
	sig.Set("M", generic.NewTextString(FormatPDFDate(signingTime)))

	name := s.Metadata.Name
	if name == "" {
		name = s.Credential.Certificate().Subject.CommonName
	}
	if name != "" {
		sig.Set("Name", generic.NewTextString(name))
	}
	if s.Metadata.Reason != "" {
		sig.Set("Reason", generic.NewTextString(s.Metadata.Reason))
	}
	if s.Metadata.Location != "" {
		sig.Set("Location", generic.NewTextString(s.Metadata.Location))
	}
	if s.Metadata.ContactInfo != "" {
		sig.Set("ContactInfo", generic.NewTextString(s.Metadata.ContactInfo))
	}
	return sig
}

// docMDPReference builds the /Reference entry of a certification
// signature dictionary.
func docMDPReference(perm MDPPermission) *generic.Dict {
	params := generic.NewDict()
	params.Set("Type", generic.Name("TransformParams"))
	params.Set("P", generic.Integer(perm))
	params.Set("V", generic.Name("1.2"))

	ref := generic.NewDict()
	ref.Set("Type", generic.Name("SigRef"))
	ref.Set("TransformMethod", generic.Name("DocMDP"))
	ref.Set("TransformParams", params)
	return ref
}

// findEmptySignatureField locates the unsigned signature field named
// name in the AcroForm.
func findEmptySignatureField(doc *reader.Document, name string) (generic.Reference, *generic.Dict, error) {
	form := doc.AcroForm()
	if form == nil {
		return generic.Reference{}, nil, fmt.Errorf("%w: %q", ErrFieldNotFound, name)
	}
	rawFields := form.Get("Fields")
	if rawFields == nil {
		return generic.Reference{}, nil, fmt.Errorf("%w: %q", ErrFieldNotFound, name)
	}
	resolved, err := doc.Resolve(rawFields)
	if err != nil {
		return generic.Reference{}, nil, err
	}
	arr, ok := resolved.(generic.Array)
	if !ok {
		return generic.Reference{}, nil, fmt.Errorf("%w: %q", ErrFieldNotFound, name)
	}

	for _, item := range arr {
		ref, ok := item.(generic.Reference)
		if !ok {
			continue
		}
		field, err := doc.ResolveDict(ref)
		if err != nil {
			return generic.Reference{}, nil, err
		}
		if field.GetName("FT") != "Sig" {
			continue
		}
		t := field.GetString("T")
		if t == nil || string(t.Value) != name {
			continue
		}
		if field.Has("V") {
			return generic.Reference{}, nil, fmt.Errorf("%w: %q", ErrFieldAlreadySigned, name)
		}
		return ref, field, nil
	}
	return generic.Reference{}, nil, fmt.Errorf("%w: %q", ErrFieldNotFound, name)
}

// FinalizeSignature digests the prepared byte ranges, builds the CMS
// container and patches it into the reserved region. On success the
// returned bytes are the complete signed document; on any failure no
// output is produced.
func (s *PdfSigner) FinalizeSignature(ctx context.Context, prep *PreparedSignature) ([]byte, error) {
	if prep == nil || prep.Plan == nil {
		return nil, ErrNothingPrepared
	}
	if s.Credential == nil {
		return nil, ErrNoCredential
	}

	alg, err := cms.AlgorithmFor(s.Credential.Public(), s.hash())
	if err != nil {
		return nil, &CryptoError{Message: "selecting signature algorithm", Err: err}
	}

	builder := cms.NewBuilder(s.Credential, s.Credential.Certificate(), alg)
	builder.SetChain(s.Credential.Chain())
	builder.SetSigningTime(prep.SigningTime.UTC())

	signed := prep.Plan.SignedBytes()

	var container []byte
	switch {
	case len(s.TimestampToken) > 0:
		token := s.TimestampToken
		container, err = builder.SignWithTimestamp(ctx, signed,
			func(context.Context, []byte) ([]byte, error) { return token, nil })
	case s.Timestamper != nil:
		container, err = builder.SignWithTimestamp(ctx, signed, s.Timestamper)
	default:
		container, err = builder.Sign(signed)
	}
	if err != nil {
		var tsErr *timestamps.TimestampError
		if errors.As(err, &tsErr) {
			return nil, err
		}
		return nil, &CryptoError{Message: "building signature container", Err: err}
	}

	if err := EmbedSignature(prep.Plan, container); err != nil {
		return nil, err
	}
	return prep.Plan.Data, nil
}

// EmbedSignature hex-encodes the container into the reserved /Contents
// region of the plan, left-justified. The remainder of the region keeps
// its zero padding. Fails without touching the plan when the container
// does not fit.
func EmbedSignature(plan *writer.ByteRangePlan, container []byte) error {
	encoded := fmt.Sprintf("%X", container)
	if len(encoded) > plan.ContentsCapacity*2 {
		return &CapacityError{Needed: len(container), Capacity: plan.ContentsCapacity}
	}
	copy(plan.Data[plan.ContentsOffset:plan.ContentsOffset+int64(len(encoded))], encoded)
	return nil
}

// SignPdf signs data with a fresh signature field and returns the
// signed document.
func (s *PdfSigner) SignPdf(ctx context.Context, data []byte) ([]byte, error) {
	doc, err := reader.NewDocumentFromBytes(data)
	if err != nil {
		return nil, err
	}
	prep, err := s.PrepareSignature(doc)
	if err != nil {
		return nil, err
	}
	return s.FinalizeSignature(ctx, prep)
}

// SignExistingField signs data into the empty signature field named
// fieldName.
func (s *PdfSigner) SignExistingField(ctx context.Context, data []byte, fieldName string) ([]byte, error) {
	doc, err := reader.NewDocumentFromBytes(data)
	if err != nil {
		return nil, err
	}
	prep, err := s.PrepareExistingField(doc, fieldName)
	if err != nil {
		return nil, err
	}
	return s.FinalizeSignature(ctx, prep)
}
