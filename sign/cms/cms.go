// Package cms builds and parses the detached CMS SignedData containers
// embedded in PDF signature dictionaries.
//
// The builder produces a SignedData with signed attributes (content type,
// message digest, signing time, ESS signing-certificate-v2), signed as a
// DER-sorted SET. Certificates are carried end-entity first, then the
// supplied chain. An RFC 3161 timestamp token over the signature value can
// be attached as an unsigned attribute.
package cms

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"hash"
	"math/big"
	"sort"
	"time"
)

// OIDs used in the containers this package produces and consumes.
var (
	OIDData       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDTSTInfo    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}

	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	OIDSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}

	OIDContentType          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	OIDSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
	OIDTimeStampToken       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
)

// Common errors
var (
	ErrMalformedSignature   = errors.New("malformed CMS signature")
	ErrDigestMismatch       = errors.New("message digest mismatch")
	ErrInvalidSignature     = errors.New("signature verification failed")
	ErrMissingCertificate   = errors.New("signer certificate not included")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
)

// AlgorithmIdentifier is the ASN.1 AlgorithmIdentifier.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// ContentInfo is the outer CMS wrapper.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignedData is the CMS SignedData structure.
type SignedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1"`
	SignerInfos      []SignerInfo    `asn1:"set"`
}

// EncapsulatedContentInfo carries the signed content type. For detached
// signatures EContent stays empty.
type EncapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SignerInfo describes one signer. SID is IssuerAndSerialNumber directly
// because SignerIdentifier is an ASN.1 CHOICE, not a SEQUENCE.
type SignerInfo struct {
	Version            int
	SID                IssuerAndSerialNumber
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        []Attribute `asn1:"optional,implicit,tag:0,set"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      []Attribute `asn1:"optional,implicit,tag:1,set"`
}

// IssuerAndSerialNumber identifies a certificate by issuer name and serial.
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// Attribute is a CMS attribute with its value set.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// SigningCertificateV2 is the RFC 5035 signing certificate attribute.
type SigningCertificateV2 struct {
	Certs []ESSCertIDv2
}

// ESSCertIDv2 identifies a certificate by hash, issuer and serial.
type ESSCertIDv2 struct {
	HashAlgorithm AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  IssuerSerial `asn1:"optional"`
}

// IssuerSerial pairs the issuer general names with the serial number.
type IssuerSerial struct {
	Issuer       GeneralNames
	SerialNumber *big.Int
}

// GeneralNames wraps the issuer directory name.
type GeneralNames struct {
	Names []asn1.RawValue
}

// SignatureAlgorithm pairs a digest OID with a signature OID and the
// corresponding crypto.Hash.
type SignatureAlgorithm struct {
	DigestAlgorithm    asn1.ObjectIdentifier
	SignatureAlgorithm asn1.ObjectIdentifier
	Hash               crypto.Hash
}

// Supported signature algorithms
var (
	SHA256WithRSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA256,
		SignatureAlgorithm: OIDSHA256WithRSA,
		Hash:               crypto.SHA256,
	}
	SHA384WithRSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA384,
		SignatureAlgorithm: OIDSHA384WithRSA,
		Hash:               crypto.SHA384,
	}
	SHA512WithRSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA512,
		SignatureAlgorithm: OIDSHA512WithRSA,
		Hash:               crypto.SHA512,
	}
	SHA256WithECDSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA256,
		SignatureAlgorithm: OIDECDSAWithSHA256,
		Hash:               crypto.SHA256,
	}
	SHA384WithECDSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA384,
		SignatureAlgorithm: OIDECDSAWithSHA384,
		Hash:               crypto.SHA384,
	}
	SHA512WithECDSA = SignatureAlgorithm{
		DigestAlgorithm:    OIDSHA512,
		SignatureAlgorithm: OIDECDSAWithSHA512,
		Hash:               crypto.SHA512,
	}
)

// AlgorithmFor selects the signature algorithm for a public key and digest.
func AlgorithmFor(pub crypto.PublicKey, h crypto.Hash) (SignatureAlgorithm, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		switch h {
		case crypto.SHA256:
			return SHA256WithRSA, nil
		case crypto.SHA384:
			return SHA384WithRSA, nil
		case crypto.SHA512:
			return SHA512WithRSA, nil
		}
	case *ecdsa.PublicKey:
		switch h {
		case crypto.SHA256:
			return SHA256WithECDSA, nil
		case crypto.SHA384:
			return SHA384WithECDSA, nil
		case crypto.SHA512:
			return SHA512WithECDSA, nil
		}
	default:
		return SignatureAlgorithm{}, fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, pub)
	}
	return SignatureAlgorithm{}, fmt.Errorf("%w: digest %v", ErrUnsupportedAlgorithm, h)
}

// TimestampFunc obtains an RFC 3161 timestamp token over the signature
// value. The returned bytes must be the DER TimeStampToken ContentInfo.
type TimestampFunc func(ctx context.Context, signature []byte) ([]byte, error)

// Builder assembles a detached SignedData container.
type Builder struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	Signer      crypto.Signer
	Algorithm   SignatureAlgorithm
	SigningTime time.Time
}

// NewBuilder creates a builder signing with the given key and certificate.
func NewBuilder(signer crypto.Signer, cert *x509.Certificate, alg SignatureAlgorithm) *Builder {
	return &Builder{
		Certificate: cert,
		Signer:      signer,
		Algorithm:   alg,
		SigningTime: time.Now().UTC(),
	}
}

// SetChain sets the supporting certificates, leaf side first.
func (b *Builder) SetChain(chain []*x509.Certificate) {
	b.Chain = chain
}

// SetSigningTime sets the signed signing-time attribute.
func (b *Builder) SetSigningTime(t time.Time) {
	b.SigningTime = t.UTC()
}

// SignedAttributes builds the signed attributes for data and returns them
// with the DER SET bytes that the signature is computed over.
func (b *Builder) SignedAttributes(data []byte) ([]Attribute, []byte, error) {
	h := newHash(b.Algorithm.Hash)
	h.Write(data)
	messageDigest := h.Sum(nil)

	attrs, err := b.buildSignedAttributes(messageDigest)
	if err != nil {
		return nil, nil, err
	}
	attrs = derSortAttributes(attrs)

	attrsBytes, err := asn1.Marshal(attrs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal signed attributes: %w", err)
	}
	// Marshal emits a SEQUENCE; the signature covers the SET encoding.
	attrsBytes[0] = 0x31

	return attrs, attrsBytes, nil
}

// Sign produces the detached CMS container for data.
func (b *Builder) Sign(data []byte) ([]byte, error) {
	return b.sign(context.Background(), data, nil)
}

// SignWithTimestamp produces the detached CMS container and attaches an
// RFC 3161 token over the signature value as an unsigned attribute.
func (b *Builder) SignWithTimestamp(ctx context.Context, data []byte, stamp TimestampFunc) ([]byte, error) {
	if stamp == nil {
		return nil, errors.New("nil timestamp function")
	}
	return b.sign(ctx, data, stamp)
}

func (b *Builder) sign(ctx context.Context, data []byte, stamp TimestampFunc) ([]byte, error) {
	if b.Certificate == nil {
		return nil, ErrMissingCertificate
	}

	signedAttrs, attrsBytes, err := b.SignedAttributes(data)
	if err != nil {
		return nil, err
	}

	h := newHash(b.Algorithm.Hash)
	h.Write(attrsBytes)
	attrDigest := h.Sum(nil)

	signature, err := b.Signer.Sign(rand.Reader, attrDigest, b.Algorithm.Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign attribute digest: %w", err)
	}

	var unsignedAttrs []Attribute
	if stamp != nil {
		token, err := stamp(ctx, signature)
		if err != nil {
			return nil, err
		}
		unsignedAttrs = append(unsignedAttrs, Attribute{
			Type:   OIDTimeStampToken,
			Values: []asn1.RawValue{{FullBytes: token}},
		})
	}

	signerInfo := SignerInfo{
		Version: 1,
		SID: IssuerAndSerialNumber{
			Issuer:       asn1.RawValue{FullBytes: b.Certificate.RawIssuer},
			SerialNumber: b.Certificate.SerialNumber,
		},
		DigestAlgorithm: AlgorithmIdentifier{
			Algorithm:  b.Algorithm.DigestAlgorithm,
			Parameters: asn1.RawValue{Tag: 5},
		},
		SignedAttrs: signedAttrs,
		SignatureAlgorithm: AlgorithmIdentifier{
			Algorithm:  b.Algorithm.SignatureAlgorithm,
			Parameters: signatureAlgorithmParameters(b.Algorithm.SignatureAlgorithm),
		},
		Signature:     signature,
		UnsignedAttrs: unsignedAttrs,
	}

	signedData := SignedData{
		Version: 1,
		DigestAlgorithms: []AlgorithmIdentifier{
			{
				Algorithm:  b.Algorithm.DigestAlgorithm,
				Parameters: asn1.RawValue{Tag: 5},
			},
		},
		EncapContentInfo: EncapsulatedContentInfo{
			// Detached: no eContent.
			EContentType: OIDData,
		},
		SignerInfos: []SignerInfo{signerInfo},
	}

	signedData.Certificates = append(signedData.Certificates,
		asn1.RawValue{FullBytes: b.Certificate.Raw})
	for _, cert := range b.Chain {
		signedData.Certificates = append(signedData.Certificates,
			asn1.RawValue{FullBytes: cert.Raw})
	}

	signedDataBytes, err := asn1.Marshal(signedData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SignedData: %w", err)
	}

	contentInfo := ContentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: 2, Tag: 0, IsCompound: true, Bytes: signedDataBytes},
	}
	return asn1.Marshal(contentInfo)
}

// RSA SignerInfo algorithm identifiers carry an explicit NULL, ECDSA ones
// omit the parameters.
func signatureAlgorithmParameters(oid asn1.ObjectIdentifier) asn1.RawValue {
	switch {
	case oid.Equal(OIDSHA256WithRSA), oid.Equal(OIDSHA384WithRSA), oid.Equal(OIDSHA512WithRSA):
		return asn1.RawValue{Tag: 5}
	default:
		return asn1.RawValue{}
	}
}

func (b *Builder) buildSignedAttributes(messageDigest []byte) ([]Attribute, error) {
	var attrs []Attribute

	contentTypeValue, err := asn1.Marshal(OIDData)
	if err != nil {
		return nil, err
	}
	attrs = append(attrs, Attribute{
		Type:   OIDContentType,
		Values: []asn1.RawValue{{FullBytes: contentTypeValue}},
	})

	digestValue, err := asn1.Marshal(messageDigest)
	if err != nil {
		return nil, err
	}
	attrs = append(attrs, Attribute{
		Type:   OIDMessageDigest,
		Values: []asn1.RawValue{{FullBytes: digestValue}},
	})

	signingTimeValue, err := asn1.Marshal(b.SigningTime)
	if err != nil {
		return nil, err
	}
	attrs = append(attrs, Attribute{
		Type:   OIDSigningTime,
		Values: []asn1.RawValue{{FullBytes: signingTimeValue}},
	})

	h := newHash(b.Algorithm.Hash)
	h.Write(b.Certificate.Raw)
	signingCert := SigningCertificateV2{
		Certs: []ESSCertIDv2{
			{
				HashAlgorithm: AlgorithmIdentifier{
					Algorithm:  b.Algorithm.DigestAlgorithm,
					Parameters: asn1.RawValue{Tag: 5},
				},
				CertHash: h.Sum(nil),
				IssuerSerial: IssuerSerial{
					Issuer: GeneralNames{
						Names: []asn1.RawValue{
							{
								Class:      asn1.ClassContextSpecific,
								Tag:        4, // directoryName
								IsCompound: true,
								Bytes:      b.Certificate.RawIssuer,
							},
						},
					},
					SerialNumber: b.Certificate.SerialNumber,
				},
			},
		},
	}
	signingCertValue, err := asn1.Marshal(signingCert)
	if err != nil {
		return nil, err
	}
	attrs = append(attrs, Attribute{
		Type:   OIDSigningCertificateV2,
		Values: []asn1.RawValue{{FullBytes: signingCertValue}},
	})

	return attrs, nil
}

// derSortAttributes orders attributes by their DER encoding. DER requires
// SET OF elements in ascending encoded order, and Go's asn1 package emits
// slices as given.
func derSortAttributes(attrs []Attribute) []Attribute {
	encoded := make([][]byte, len(attrs))
	for i, attr := range attrs {
		encoded[i], _ = asn1.Marshal(attr)
	}
	order := make([]int, len(attrs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return string(encoded[order[i]]) < string(encoded[order[j]])
	})
	sorted := make([]Attribute, len(attrs))
	for i, idx := range order {
		sorted[i] = attrs[idx]
	}
	return sorted
}

func newHash(h crypto.Hash) hash.Hash {
	switch h {
	case crypto.SHA384:
		return sha512.New384()
	case crypto.SHA512:
		return sha512.New()
	default:
		return sha256.New()
	}
}

func hashFromOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case oid.Equal(OIDSHA256):
		return crypto.SHA256, nil
	case oid.Equal(OIDSHA384):
		return crypto.SHA384, nil
	case oid.Equal(OIDSHA512):
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("%w: digest %v", ErrUnsupportedAlgorithm, oid)
	}
}
