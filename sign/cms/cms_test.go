package cms

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
	"testing"
	"time"
)

func generateRSACertAndKey(t *testing.T, cn string) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key failed: %v", err)
	}
	return selfSign(t, key, cn), key
}

func generateECDSACertAndKey(t *testing.T, cn string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key failed: %v", err)
	}
	return selfSign(t, key, cn), key
}

func selfSign(t *testing.T, key crypto.Signer, cn string) *x509.Certificate {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   cn,
			Organization: []string{"Test Org"},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		t.Fatalf("creating certificate failed: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate failed: %v", err)
	}
	return cert
}

func TestSignAndVerifyRSA(t *testing.T) {
	cert, key := generateRSACertAndKey(t, "RSA Signer")

	builder := NewBuilder(key, cert, SHA256WithRSA)
	data := []byte("content protected by the signature")

	cmsData, err := builder.Sign(data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if err := Verify(cmsData, data); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	parsed, err := Parse(cmsData)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed.Signer.Subject.CommonName != "RSA Signer" {
		t.Errorf("signer CN = %q, want %q", parsed.Signer.Subject.CommonName, "RSA Signer")
	}
	if parsed.Hash != crypto.SHA256 {
		t.Errorf("digest = %v, want SHA256", parsed.Hash)
	}
	if len(parsed.Certificates) != 1 {
		t.Errorf("%d certificates, want 1", len(parsed.Certificates))
	}
}

func TestSignAndVerifyECDSA(t *testing.T) {
	cert, key := generateECDSACertAndKey(t, "EC Signer")

	builder := NewBuilder(key, cert, SHA256WithECDSA)
	data := []byte("elliptic content")

	cmsData, err := builder.Sign(data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := Verify(cmsData, data); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestVerifyDigestAlgorithms(t *testing.T) {
	cert, key := generateRSACertAndKey(t, "Signer")
	data := []byte("same content, different digests")

	for _, alg := range []SignatureAlgorithm{SHA256WithRSA, SHA384WithRSA, SHA512WithRSA} {
		t.Run(alg.DigestAlgorithm.String(), func(t *testing.T) {
			builder := NewBuilder(key, cert, alg)
			cmsData, err := builder.Sign(data)
			if err != nil {
				t.Fatalf("Sign failed: %v", err)
			}
			if err := Verify(cmsData, data); err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
		})
	}
}

func TestVerifyWrongContent(t *testing.T) {
	cert, key := generateRSACertAndKey(t, "Signer")

	builder := NewBuilder(key, cert, SHA256WithRSA)
	cmsData, err := builder.Sign([]byte("original content"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	err = Verify(cmsData, []byte("tampered content"))
	if !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("Verify with wrong content returned %v, want ErrDigestMismatch", err)
	}
}

func TestVerifyForgedSignature(t *testing.T) {
	cert, key := generateRSACertAndKey(t, "Signer")

	builder := NewBuilder(key, cert, SHA256WithRSA)
	data := []byte("content")
	cmsData, err := builder.Sign(data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	parsed, err := Parse(cmsData)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	parsed.signature[len(parsed.signature)/2] ^= 0xFF

	if err := parsed.VerifyDigest(data); err != nil {
		t.Fatalf("digest check unexpectedly failed: %v", err)
	}
	if err := parsed.VerifySignature(); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("VerifySignature on forged value returned %v, want ErrInvalidSignature", err)
	}
}

func TestSigningTimeRoundTrip(t *testing.T) {
	cert, key := generateRSACertAndKey(t, "Signer")

	builder := NewBuilder(key, cert, SHA256WithRSA)
	signingTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	builder.SetSigningTime(signingTime)

	cmsData, err := builder.Sign([]byte("content"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	parsed, err := Parse(cmsData)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !parsed.SigningTime.Equal(signingTime) {
		t.Errorf("signing time = %v, want %v", parsed.SigningTime, signingTime)
	}
}

func TestCertificateOrder(t *testing.T) {
	cert, key := generateRSACertAndKey(t, "Leaf")
	caCert, _ := generateRSACertAndKey(t, "Root CA")

	builder := NewBuilder(key, cert, SHA256WithRSA)
	builder.SetChain([]*x509.Certificate{caCert})

	cmsData, err := builder.Sign([]byte("content"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	parsed, err := Parse(cmsData)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(parsed.Certificates) != 2 {
		t.Fatalf("%d certificates, want 2", len(parsed.Certificates))
	}
	if parsed.Certificates[0].Subject.CommonName != "Leaf" {
		t.Errorf("first certificate is %q, want the end entity", parsed.Certificates[0].Subject.CommonName)
	}
	if parsed.Signer != parsed.Certificates[0] {
		t.Error("signer was not resolved to the end-entity certificate")
	}
}

func TestSignedAttributesSorted(t *testing.T) {
	cert, key := generateRSACertAndKey(t, "Signer")
	builder := NewBuilder(key, cert, SHA256WithRSA)

	_, attrsBytes, err := builder.SignedAttributes([]byte("content"))
	if err != nil {
		t.Fatalf("SignedAttributes failed: %v", err)
	}
	if attrsBytes[0] != 0x31 {
		t.Fatalf("attributes tag = %#x, want SET (0x31)", attrsBytes[0])
	}

	// Walk the SET elements and check ascending DER order.
	var set asn1.RawValue
	if _, err := asn1.Unmarshal(attrsBytes, &set); err != nil {
		t.Fatalf("unmarshaling attribute SET failed: %v", err)
	}
	var elements [][]byte
	rest := set.Bytes
	for len(rest) > 0 {
		var elem asn1.RawValue
		rest, err = asn1.Unmarshal(rest, &elem)
		if err != nil {
			t.Fatalf("unmarshaling SET element failed: %v", err)
		}
		elements = append(elements, elem.FullBytes)
	}
	if len(elements) != 4 {
		t.Fatalf("%d signed attributes, want 4", len(elements))
	}
	for i := 1; i < len(elements); i++ {
		if bytes.Compare(elements[i-1], elements[i]) > 0 {
			t.Errorf("attribute %d sorts after attribute %d", i-1, i)
		}
	}
}

func TestAlgorithmFor(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key failed: %v", err)
	}
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key failed: %v", err)
	}
	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key failed: %v", err)
	}

	tests := []struct {
		name    string
		pub     crypto.PublicKey
		hash    crypto.Hash
		want    SignatureAlgorithm
		wantErr bool
	}{
		{"rsa sha256", &rsaKey.PublicKey, crypto.SHA256, SHA256WithRSA, false},
		{"rsa sha512", &rsaKey.PublicKey, crypto.SHA512, SHA512WithRSA, false},
		{"ecdsa sha384", &ecKey.PublicKey, crypto.SHA384, SHA384WithECDSA, false},
		{"rsa sha1", &rsaKey.PublicKey, crypto.SHA1, SignatureAlgorithm{}, true},
		{"ed25519", edPub, crypto.SHA256, SignatureAlgorithm{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AlgorithmFor(tt.pub, tt.hash)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedAlgorithm) {
					t.Errorf("AlgorithmFor returned %v, want ErrUnsupportedAlgorithm", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("AlgorithmFor failed: %v", err)
			}
			if !got.SignatureAlgorithm.Equal(tt.want.SignatureAlgorithm) {
				t.Errorf("AlgorithmFor = %v, want %v", got.SignatureAlgorithm, tt.want.SignatureAlgorithm)
			}
		})
	}
}

// buildTestTimestampToken assembles a minimal RFC 3161 token carrying the
// given generation time. It is unsigned; only structure matters here.
func buildTestTimestampToken(t *testing.T, genTime time.Time) []byte {
	t.Helper()
	tst := TSTInfo{
		Version:      1,
		Policy:       asn1.ObjectIdentifier{1, 2, 3, 4},
		SerialNumber: big.NewInt(42),
		GenTime:      genTime,
		MessageImprint: MessageImprint{
			HashAlgorithm: AlgorithmIdentifier{Algorithm: OIDSHA256, Parameters: asn1.RawValue{Tag: 5}},
			HashedMessage: make([]byte, 32),
		},
	}
	tstDER, err := asn1.Marshal(tst)
	if err != nil {
		t.Fatalf("marshaling TSTInfo failed: %v", err)
	}
	octets, err := asn1.Marshal(tstDER)
	if err != nil {
		t.Fatalf("marshaling TSTInfo octets failed: %v", err)
	}

	sd := SignedData{
		Version: 3,
		DigestAlgorithms: []AlgorithmIdentifier{
			{Algorithm: OIDSHA256, Parameters: asn1.RawValue{Tag: 5}},
		},
		EncapContentInfo: EncapsulatedContentInfo{
			EContentType: OIDTSTInfo,
			EContent:     asn1.RawValue{Class: 2, Tag: 0, IsCompound: true, Bytes: octets},
		},
		SignerInfos: []SignerInfo{},
	}
	sdDER, err := asn1.Marshal(sd)
	if err != nil {
		t.Fatalf("marshaling token SignedData failed: %v", err)
	}
	token, err := asn1.Marshal(ContentInfo{
		ContentType: OIDSignedData,
		Content:     asn1.RawValue{Class: 2, Tag: 0, IsCompound: true, Bytes: sdDER},
	})
	if err != nil {
		t.Fatalf("marshaling token ContentInfo failed: %v", err)
	}
	return token
}

func TestSignWithTimestamp(t *testing.T) {
	cert, key := generateRSACertAndKey(t, "Signer")
	builder := NewBuilder(key, cert, SHA256WithRSA)

	genTime := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	var stampedSignature []byte
	stamp := func(ctx context.Context, signature []byte) ([]byte, error) {
		stampedSignature = signature
		return buildTestTimestampToken(t, genTime), nil
	}

	data := []byte("content")
	cmsData, err := builder.SignWithTimestamp(context.Background(), data, stamp)
	if err != nil {
		t.Fatalf("SignWithTimestamp failed: %v", err)
	}
	if len(stampedSignature) == 0 {
		t.Fatal("timestamp function did not receive the signature value")
	}

	if err := Verify(cmsData, data); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	parsed, err := Parse(cmsData)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !parsed.HasTimestamp() {
		t.Fatal("HasTimestamp() = false after stamping")
	}
	got, err := parsed.TimestampTime()
	if err != nil {
		t.Fatalf("TimestampTime failed: %v", err)
	}
	if !got.Equal(genTime) {
		t.Errorf("timestamp time = %v, want %v", got, genTime)
	}
}

func TestSignWithTimestampPropagatesError(t *testing.T) {
	cert, key := generateRSACertAndKey(t, "Signer")
	builder := NewBuilder(key, cert, SHA256WithRSA)

	wantErr := errors.New("authority unreachable")
	stamp := func(ctx context.Context, signature []byte) ([]byte, error) {
		return nil, wantErr
	}

	_, err := builder.SignWithTimestamp(context.Background(), []byte("content"), stamp)
	if !errors.Is(err, wantErr) {
		t.Errorf("SignWithTimestamp returned %v, want the stamp error", err)
	}
}

func TestNoTimestampByDefault(t *testing.T) {
	cert, key := generateRSACertAndKey(t, "Signer")
	builder := NewBuilder(key, cert, SHA256WithRSA)

	cmsData, err := builder.Sign([]byte("content"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	parsed, err := Parse(cmsData)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed.HasTimestamp() {
		t.Error("HasTimestamp() = true without a timestamp function")
	}
}

func TestParseGarbage(t *testing.T) {
	_, err := Parse([]byte("not asn1 at all"))
	if !errors.Is(err, ErrMalformedSignature) {
		t.Errorf("Parse of garbage returned %v, want ErrMalformedSignature", err)
	}
}
