// Package credentials loads signing credentials from PKCS#12 containers,
// PEM encoded files and PKCS#11 tokens.
//
// A Credential couples a private key with its end-entity certificate and
// the supporting chain, validated and bound to a key family at load time.
// The credential itself is the crypto.Signer handed to the signature
// builder; after Close the key material is wiped (or the token session
// released) and every further signing attempt fails.
//
// Passwords and PINs are used transiently during loading and are never
// retained.
package credentials

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Common errors
var (
	ErrInvalidPassword      = errors.New("invalid container password")
	ErrUnsupportedContainer = errors.New("unsupported container format")
	ErrMissingPrivateKey    = errors.New("no private key found")
	ErrMissingCertificate   = errors.New("no certificate found")
	ErrKeyCertMismatch      = errors.New("private key does not match certificate")
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
	ErrCredentialClosed     = errors.New("credential is closed")
)

// CredentialError wraps a failure to load or use a signing credential.
type CredentialError struct {
	Message string
	Err     error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// KeyFamily identifies the public key algorithm of a credential.
type KeyFamily int

const (
	KeyFamilyRSA KeyFamily = iota + 1
	KeyFamilyECDSA
)

func (f KeyFamily) String() string {
	switch f {
	case KeyFamilyRSA:
		return "RSA"
	case KeyFamilyECDSA:
		return "ECDSA"
	default:
		return "unknown"
	}
}

// Variant couples the key family fixed at load time with the digest the
// pipeline will use. Everything downstream dispatches on the variant; no
// key type inspection happens after loading.
type Variant struct {
	Family KeyFamily
	Hash   crypto.Hash
}

// SupportedDigest reports whether h belongs to the supported digest set.
func SupportedDigest(h crypto.Hash) bool {
	switch h {
	case crypto.SHA256, crypto.SHA384, crypto.SHA512:
		return true
	}
	return false
}

// Credential is a loaded signing identity. It implements crypto.Signer so
// it can be passed directly to the signature builder.
type Credential struct {
	mu      sync.Mutex
	signer  crypto.Signer
	public  crypto.PublicKey
	cert    *x509.Certificate
	chain   []*x509.Certificate
	family  KeyFamily
	closed  bool
	release func()
}

var _ crypto.Signer = (*Credential)(nil)

// newCredential validates the key type and the key/certificate pairing.
func newCredential(signer crypto.Signer, cert *x509.Certificate, chain []*x509.Certificate, release func()) (*Credential, error) {
	if cert == nil {
		return nil, &CredentialError{Message: "credential has no certificate", Err: ErrMissingCertificate}
	}
	if signer == nil {
		return nil, &CredentialError{Message: "credential has no private key", Err: ErrMissingPrivateKey}
	}

	pub := signer.Public()
	family, err := keyFamilyOf(pub)
	if err != nil {
		return nil, err
	}
	if err := verifyKeyCertMatch(pub, cert); err != nil {
		return nil, err
	}

	return &Credential{
		signer:  signer,
		public:  pub,
		cert:    cert,
		chain:   chain,
		family:  family,
		release: release,
	}, nil
}

func keyFamilyOf(pub crypto.PublicKey) (KeyFamily, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		return KeyFamilyRSA, nil
	case *ecdsa.PublicKey:
		return KeyFamilyECDSA, nil
	default:
		return 0, &CredentialError{
			Message: fmt.Sprintf("key type %T cannot be used for PDF signing", pub),
			Err:     ErrUnsupportedAlgorithm,
		}
	}
}

func verifyKeyCertMatch(pub crypto.PublicKey, cert *x509.Certificate) error {
	certPub, ok := cert.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !certPub.Equal(pub) {
		return &CredentialError{
			Message: "certificate public key differs from the signing key",
			Err:     ErrKeyCertMismatch,
		}
	}
	return nil
}

// LoadPKCS12 opens a PKCS#12/PFX container held in memory. The password is
// tried as supplied and in its NFC and NFKC normalizations, since
// containers written by other toolkits differ in how the passphrase was
// normalized at creation time.
func LoadPKCS12(data []byte, password string) (*Credential, error) {
	var (
		key     interface{}
		cert    *x509.Certificate
		caCerts []*x509.Certificate
		err     error
	)

	wrongPassword := false
	for _, pw := range passphraseCandidates(password) {
		key, cert, caCerts, err = pkcs12.DecodeChain(data, pw)
		if err == nil {
			break
		}
		if errors.Is(err, pkcs12.ErrIncorrectPassword) || errors.Is(err, pkcs12.ErrDecryption) {
			wrongPassword = true
			continue
		}
		return nil, &CredentialError{
			Message: "failed to decode PKCS#12 container",
			Err:     fmt.Errorf("%w: %v", ErrUnsupportedContainer, err),
		}
	}
	if err != nil {
		if wrongPassword {
			return nil, &CredentialError{Message: "PKCS#12 container could not be opened", Err: ErrInvalidPassword}
		}
		return nil, &CredentialError{
			Message: "failed to decode PKCS#12 container",
			Err:     fmt.Errorf("%w: %v", ErrUnsupportedContainer, err),
		}
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, &CredentialError{
			Message: fmt.Sprintf("container key of type %T cannot sign", key),
			Err:     ErrUnsupportedAlgorithm,
		}
	}
	return newCredential(signer, cert, caCerts, func() { zeroizeSigner(signer) })
}

// LoadPEM builds a credential from PEM (or DER) encoded certificate and key
// data. certData may carry the chain after the end-entity certificate;
// password decrypts legacy encrypted PEM keys and may be empty.
func LoadPEM(certData, keyData []byte, password string) (*Credential, error) {
	certs, err := parseCertificates(certData)
	if err != nil {
		return nil, err
	}

	signer, err := parsePrivateKey(keyData, password)
	if err != nil {
		return nil, err
	}

	return newCredential(signer, certs[0], certs[1:], func() { zeroizeSigner(signer) })
}

func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	if isPEM(data) {
		rest := data
		for len(rest) > 0 {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, &CredentialError{
					Message: "failed to parse certificate",
					Err:     fmt.Errorf("%w: %v", ErrUnsupportedContainer, err),
				}
			}
			certs = append(certs, cert)
		}
	} else {
		parsed, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, &CredentialError{
				Message: "failed to parse DER certificate",
				Err:     fmt.Errorf("%w: %v", ErrUnsupportedContainer, err),
			}
		}
		certs = parsed
	}

	if len(certs) == 0 {
		return nil, &CredentialError{Message: "certificate data holds no certificate", Err: ErrMissingCertificate}
	}
	return certs, nil
}

func parsePrivateKey(data []byte, password string) (crypto.Signer, error) {
	keyBytes := data
	blockType := ""

	if isPEM(data) {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, &CredentialError{Message: "key data holds no PEM block", Err: ErrMissingPrivateKey}
		}
		blockType = block.Type
		keyBytes = block.Bytes

		if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
			decrypted, err := decryptLegacyPEM(block, password)
			if err != nil {
				return nil, err
			}
			keyBytes = decrypted
		}
	}

	key, err := parseKeyBytes(blockType, keyBytes)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, &CredentialError{
			Message: fmt.Sprintf("key of type %T cannot sign", key),
			Err:     ErrUnsupportedAlgorithm,
		}
	}
	return signer, nil
}

func decryptLegacyPEM(block *pem.Block, password string) ([]byte, error) {
	var lastErr error
	for _, pw := range passphraseCandidates(password) {
		out, err := x509.DecryptPEMBlock(block, []byte(pw)) //nolint:staticcheck
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, &CredentialError{
		Message: fmt.Sprintf("failed to decrypt private key: %v", lastErr),
		Err:     ErrInvalidPassword,
	}
}

func parseKeyBytes(blockType string, keyBytes []byte) (interface{}, error) {
	switch blockType {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(keyBytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(keyBytes)
	case "PRIVATE KEY":
		return x509.ParsePKCS8PrivateKey(keyBytes)
	case "ENCRYPTED PRIVATE KEY":
		return nil, &CredentialError{
			Message: "encrypted PKCS#8 keys are not supported, convert the key or use a PKCS#12 container",
			Err:     ErrUnsupportedContainer,
		}
	case "":
		// Raw DER, format unknown.
		if key, err := x509.ParsePKCS8PrivateKey(keyBytes); err == nil {
			return key, nil
		}
		if key, err := x509.ParsePKCS1PrivateKey(keyBytes); err == nil {
			return key, nil
		}
		if key, err := x509.ParseECPrivateKey(keyBytes); err == nil {
			return key, nil
		}
		return nil, &CredentialError{Message: "key data holds no private key", Err: ErrMissingPrivateKey}
	default:
		return nil, &CredentialError{
			Message: fmt.Sprintf("unknown PEM block type %q", blockType),
			Err:     ErrUnsupportedContainer,
		}
	}
}

func isPEM(data []byte) bool {
	return len(data) > 10 && string(data[:5]) == "-----"
}

// Public implements crypto.Signer.
func (c *Credential) Public() crypto.PublicKey {
	return c.public
}

// Sign implements crypto.Signer. Signing a digest after Close fails with
// ErrCredentialClosed.
func (c *Credential) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &CredentialError{Message: "cannot sign", Err: ErrCredentialClosed}
	}
	return c.signer.Sign(rand, digest, opts)
}

// Certificate returns the end-entity certificate.
func (c *Credential) Certificate() *x509.Certificate {
	return c.cert
}

// Chain returns the supporting certificates as stored in the container,
// leaf-side first.
func (c *Credential) Chain() []*x509.Certificate {
	return c.chain
}

// Family returns the key family fixed at load time.
func (c *Credential) Family() KeyFamily {
	return c.family
}

// Variant binds the credential's key family to hash. Digests outside the
// supported set are rejected here, before any document is touched.
func (c *Credential) Variant(hash crypto.Hash) (Variant, error) {
	if !SupportedDigest(hash) {
		return Variant{}, &CredentialError{
			Message: fmt.Sprintf("digest %v is not supported", hash),
			Err:     ErrUnsupportedAlgorithm,
		}
	}
	return Variant{Family: c.family, Hash: hash}, nil
}

// SignatureSize returns an upper bound on the signature value in bytes,
// used when reserving space for the signature container.
func (c *Credential) SignatureSize() int {
	switch pub := c.public.(type) {
	case *rsa.PublicKey:
		return (pub.N.BitLen() + 7) / 8
	case *ecdsa.PublicKey:
		// Two scalars plus DER framing.
		byteLen := (pub.Curve.Params().BitSize + 7) / 8
		return 2*byteLen + 9
	default:
		return 512
	}
}

// IsExpired reports whether the certificate validity has ended at now.
func (c *Credential) IsExpired(now time.Time) bool {
	return now.After(c.cert.NotAfter)
}

// ExpiresWithin reports whether the certificate expires before now+d.
func (c *Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	return c.cert.NotAfter.Before(now.Add(d))
}

// Close wipes in-memory key material, or releases the token session for
// hardware-backed credentials. Close is idempotent.
func (c *Credential) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.release != nil {
		c.release()
	}
	return nil
}

// zeroizeSigner overwrites the private scalar material of software keys.
func zeroizeSigner(signer crypto.Signer) {
	switch k := signer.(type) {
	case *rsa.PrivateKey:
		wipeBig(k.D)
		for _, p := range k.Primes {
			wipeBig(p)
		}
		wipeBig(k.Precomputed.Dp)
		wipeBig(k.Precomputed.Dq)
		wipeBig(k.Precomputed.Qinv)
		for i := range k.Precomputed.CRTValues {
			wipeBig(k.Precomputed.CRTValues[i].Exp)
			wipeBig(k.Precomputed.CRTValues[i].Coeff)
			wipeBig(k.Precomputed.CRTValues[i].R)
		}
	case *ecdsa.PrivateKey:
		wipeBig(k.D)
	}
}

func wipeBig(v *big.Int) {
	if v == nil {
		return
	}
	words := v.Bits()
	for i := range words {
		words[i] = 0
	}
	v.SetInt64(0)
}
