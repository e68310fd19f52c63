package cms

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"
)

// signedDataRaw keeps signer infos unparsed so the signed attribute bytes
// survive exactly as transmitted.
type signedDataRaw struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

type signerInfoRaw struct {
	Version            int
	SID                IssuerAndSerialNumber
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

// ParsedSignature is a decoded CMS signature ready for verification.
type ParsedSignature struct {
	Certificates  []*x509.Certificate
	Signer        *x509.Certificate
	Hash          crypto.Hash
	MessageDigest []byte
	SigningTime   time.Time

	signedAttrsSet []byte
	signature      []byte
	unsignedAttrs  []Attribute
}

// Parse decodes a CMS ContentInfo/SignedData container and resolves the
// signer certificate by issuer and serial number.
func Parse(data []byte) (*ParsedSignature, error) {
	var contentInfo ContentInfo
	if _, err := asn1.Unmarshal(data, &contentInfo); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if !contentInfo.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("%w: content type %v is not SignedData", ErrMalformedSignature, contentInfo.ContentType)
	}

	var sd signedDataRaw
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if len(sd.SignerInfos) == 0 {
		return nil, fmt.Errorf("%w: no signer infos", ErrMalformedSignature)
	}

	var si signerInfoRaw
	if _, err := asn1.Unmarshal(sd.SignerInfos[0].FullBytes, &si); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if len(si.SignedAttrs.FullBytes) == 0 {
		return nil, fmt.Errorf("%w: no signed attributes", ErrMalformedSignature)
	}

	parsed := &ParsedSignature{
		signature: si.Signature,
	}

	for _, raw := range sd.Certificates {
		cert, err := x509.ParseCertificate(raw.FullBytes)
		if err != nil {
			continue
		}
		parsed.Certificates = append(parsed.Certificates, cert)
	}
	parsed.Signer = matchSigner(parsed.Certificates, si.SID)
	if parsed.Signer == nil {
		return nil, ErrMissingCertificate
	}

	h, err := hashFromOID(si.DigestAlgorithm.Algorithm)
	if err != nil {
		return nil, err
	}
	parsed.Hash = h

	// The signature covers the attributes re-tagged as a SET, not the
	// implicit [0] form they travel in.
	parsed.signedAttrsSet = make([]byte, len(si.SignedAttrs.FullBytes))
	copy(parsed.signedAttrsSet, si.SignedAttrs.FullBytes)
	parsed.signedAttrsSet[0] = 0x31

	signedAttrs, err := parseAttributes(si.SignedAttrs.Bytes)
	if err != nil {
		return nil, err
	}
	for _, attr := range signedAttrs {
		switch {
		case attr.Type.Equal(OIDMessageDigest) && len(attr.Values) > 0:
			var digest []byte
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &digest); err == nil {
				parsed.MessageDigest = digest
			}
		case attr.Type.Equal(OIDSigningTime) && len(attr.Values) > 0:
			var t time.Time
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &t); err == nil {
				parsed.SigningTime = t
			}
		}
	}
	if parsed.MessageDigest == nil {
		return nil, fmt.Errorf("%w: no message digest attribute", ErrMalformedSignature)
	}

	if len(si.UnsignedAttrs.Bytes) > 0 {
		// Unsigned attributes are advisory; ignore ones that do not parse.
		parsed.unsignedAttrs, _ = parseAttributes(si.UnsignedAttrs.Bytes)
	}

	return parsed, nil
}

func matchSigner(certs []*x509.Certificate, sid IssuerAndSerialNumber) *x509.Certificate {
	if sid.SerialNumber == nil {
		return nil
	}
	for _, cert := range certs {
		if cert.SerialNumber.Cmp(sid.SerialNumber) == 0 && bytes.Equal(cert.RawIssuer, sid.Issuer.FullBytes) {
			return cert
		}
	}
	// Fall back to serial only; issuer encodings vary between producers.
	for _, cert := range certs {
		if cert.SerialNumber.Cmp(sid.SerialNumber) == 0 {
			return cert
		}
	}
	return nil
}

func parseAttributes(data []byte) ([]Attribute, error) {
	var attrs []Attribute
	rest := data
	for len(rest) > 0 {
		var attr Attribute
		var err error
		rest, err = asn1.Unmarshal(rest, &attr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

// VerifyDigest recomputes the digest of content and compares it with the
// signed message digest attribute.
func (p *ParsedSignature) VerifyDigest(content []byte) error {
	h := newHash(p.Hash)
	h.Write(content)
	if !bytes.Equal(h.Sum(nil), p.MessageDigest) {
		return ErrDigestMismatch
	}
	return nil
}

// VerifySignature checks the signature value over the signed attributes
// with the signer certificate's public key.
func (p *ParsedSignature) VerifySignature() error {
	h := newHash(p.Hash)
	h.Write(p.signedAttrsSet)
	digest := h.Sum(nil)

	switch pub := p.Signer.PublicKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, p.Hash, digest, p.signature); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest, p.signature) {
			return ErrInvalidSignature
		}
		return nil
	default:
		return fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, pub)
	}
}

// Verify parses a CMS container and verifies it against the signed
// content, digest first so tampering is reported as a digest mismatch.
func Verify(cmsData, content []byte) error {
	parsed, err := Parse(cmsData)
	if err != nil {
		return err
	}
	if err := parsed.VerifyDigest(content); err != nil {
		return err
	}
	return parsed.VerifySignature()
}

// TSTInfo is the timestamped payload of an RFC 3161 token. Fields past
// GenTime are not needed here.
type TSTInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        time.Time `asn1:"generalized"`
}

// MessageImprint is the digest the timestamp authority signed.
type MessageImprint struct {
	HashAlgorithm AlgorithmIdentifier
	HashedMessage []byte
}

// HasTimestamp reports whether an RFC 3161 token is attached.
func (p *ParsedSignature) HasTimestamp() bool {
	_, err := p.TimestampTime()
	return err == nil
}

// TimestampTime extracts the generation time of the attached RFC 3161
// token.
func (p *ParsedSignature) TimestampTime() (time.Time, error) {
	for _, attr := range p.unsignedAttrs {
		if attr.Type.Equal(OIDTimeStampToken) && len(attr.Values) > 0 {
			return parseTimestampToken(attr.Values[0].FullBytes)
		}
	}
	return time.Time{}, fmt.Errorf("%w: no timestamp token attribute", ErrMalformedSignature)
}

func parseTimestampToken(token []byte) (time.Time, error) {
	var contentInfo ContentInfo
	if _, err := asn1.Unmarshal(token, &contentInfo); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if !contentInfo.ContentType.Equal(OIDSignedData) {
		return time.Time{}, fmt.Errorf("%w: timestamp token is not SignedData", ErrMalformedSignature)
	}

	var sd signedDataRaw
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &sd); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if !sd.EncapContentInfo.EContentType.Equal(OIDTSTInfo) {
		return time.Time{}, fmt.Errorf("%w: timestamp content type %v", ErrMalformedSignature, sd.EncapContentInfo.EContentType)
	}

	var tstBytes []byte
	if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent.Bytes, &tstBytes); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	var tst TSTInfo
	if _, err := asn1.Unmarshal(tstBytes, &tst); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return tst.GenTime, nil
}
