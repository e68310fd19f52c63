package credentials

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"
)

// Common errors
var (
	ErrTokenUnavailable = errors.New("PKCS#11 token unavailable")
	ErrTokenNotFound    = errors.New("no matching PKCS#11 token")
)

// PKCS11Config locates a signing key on a PKCS#11 token. Either TokenLabel
// or SlotNumber selects the token; with neither set a single present token
// is used. KeyLabel, KeyID and CertLabel narrow the object search when the
// token holds more than one key or certificate.
type PKCS11Config struct {
	ModulePath string
	TokenLabel string
	SlotNumber *uint
	PIN        string
	KeyLabel   string
	KeyID      []byte
	CertLabel  string
}

// LoadPKCS11 opens a session with a PKCS#11 token and builds a credential
// around the key it holds. The private key never leaves the token; signing
// happens through the module. Closing the credential logs out and releases
// the module.
func LoadPKCS11(cfg PKCS11Config) (*Credential, error) {
	ctx := pkcs11.New(cfg.ModulePath)
	if ctx == nil {
		return nil, &CredentialError{
			Message: fmt.Sprintf("failed to load PKCS#11 module %s", cfg.ModulePath),
			Err:     ErrTokenUnavailable,
		}
	}
	if err := ctx.Initialize(); err != nil {
		ctx.Destroy()
		return nil, &CredentialError{
			Message: "failed to initialize PKCS#11 module",
			Err:     fmt.Errorf("%w: %v", ErrTokenUnavailable, err),
		}
	}
	teardown := func() {
		ctx.Finalize()
		ctx.Destroy()
	}

	slot, err := findSlot(ctx, cfg)
	if err != nil {
		teardown()
		return nil, err
	}

	session, err := ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		teardown()
		return nil, &CredentialError{
			Message: fmt.Sprintf("failed to open session on slot %d", slot),
			Err:     fmt.Errorf("%w: %v", ErrTokenUnavailable, err),
		}
	}
	closeAll := func() {
		ctx.CloseSession(session)
		teardown()
	}

	if cfg.PIN != "" {
		err := ctx.Login(session, pkcs11.CKU_USER, cfg.PIN)
		if err != nil && !errors.Is(err, pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)) {
			closeAll()
			if errors.Is(err, pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)) || errors.Is(err, pkcs11.Error(pkcs11.CKR_PIN_LOCKED)) {
				return nil, &CredentialError{Message: "token login failed", Err: ErrInvalidPassword}
			}
			return nil, &CredentialError{
				Message: "token login failed",
				Err:     fmt.Errorf("%w: %v", ErrTokenUnavailable, err),
			}
		}
	}

	leaf, chain, err := tokenCertificates(ctx, session, cfg)
	if err != nil {
		ctx.Logout(session)
		closeAll()
		return nil, err
	}

	keyHandle, err := tokenKeyHandle(ctx, session, cfg)
	if err != nil {
		ctx.Logout(session)
		closeAll()
		return nil, err
	}

	family, err := keyFamilyOf(leaf.PublicKey)
	if err != nil {
		ctx.Logout(session)
		closeAll()
		return nil, err
	}

	signer := &tokenSigner{
		ctx:     ctx,
		session: session,
		key:     keyHandle,
		public:  leaf.PublicKey,
		family:  family,
	}
	release := func() {
		ctx.Logout(session)
		ctx.CloseSession(session)
		teardown()
	}
	cred, err := newCredential(signer, leaf, chain, release)
	if err != nil {
		release()
		return nil, err
	}
	return cred, nil
}

func findSlot(ctx *pkcs11.Ctx, cfg PKCS11Config) (uint, error) {
	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return 0, &CredentialError{
			Message: "failed to list token slots",
			Err:     fmt.Errorf("%w: %v", ErrTokenUnavailable, err),
		}
	}

	if cfg.SlotNumber != nil {
		for _, s := range slots {
			if s == *cfg.SlotNumber {
				return s, nil
			}
		}
		return 0, &CredentialError{
			Message: fmt.Sprintf("slot %d holds no token", *cfg.SlotNumber),
			Err:     ErrTokenNotFound,
		}
	}

	if cfg.TokenLabel != "" {
		for _, s := range slots {
			info, err := ctx.GetTokenInfo(s)
			if err != nil {
				continue
			}
			// Token labels are padded with spaces to 32 bytes.
			if strings.TrimRight(info.Label, " ") == cfg.TokenLabel {
				return s, nil
			}
		}
		return 0, &CredentialError{
			Message: fmt.Sprintf("no token labeled %q", cfg.TokenLabel),
			Err:     ErrTokenNotFound,
		}
	}

	switch len(slots) {
	case 0:
		return 0, &CredentialError{Message: "no PKCS#11 tokens present", Err: ErrTokenNotFound}
	case 1:
		return slots[0], nil
	default:
		return 0, &CredentialError{
			Message: fmt.Sprintf("%d tokens present, select one with a token label or slot number", len(slots)),
			Err:     ErrTokenNotFound,
		}
	}
}

// tokenCertificates locates the signing certificate and collects the other
// certificates on the token as the supporting chain.
func tokenCertificates(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, cfg PKCS11Config) (*x509.Certificate, []*x509.Certificate, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	}
	if cfg.CertLabel != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, cfg.CertLabel))
	}
	if len(cfg.KeyID) > 0 {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, cfg.KeyID))
	}

	handles, err := findObjects(ctx, session, template, 2)
	if err != nil {
		return nil, nil, err
	}
	switch len(handles) {
	case 0:
		return nil, nil, &CredentialError{Message: "token holds no matching certificate", Err: ErrMissingCertificate}
	case 1:
	default:
		return nil, nil, &CredentialError{
			Message: "multiple certificates match, narrow the search with a certificate label or key ID",
		}
	}

	der, err := attributeValue(ctx, session, handles[0], pkcs11.CKA_VALUE)
	if err != nil {
		return nil, nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, &CredentialError{
			Message: "failed to parse token certificate",
			Err:     fmt.Errorf("%w: %v", ErrUnsupportedContainer, err),
		}
	}

	all, err := findObjects(ctx, session, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	}, 16)
	if err != nil {
		return nil, nil, err
	}
	var chain []*x509.Certificate
	for _, h := range all {
		value, err := attributeValue(ctx, session, h, pkcs11.CKA_VALUE)
		if err != nil {
			continue
		}
		if bytes.Equal(value, leaf.Raw) {
			continue
		}
		cert, err := x509.ParseCertificate(value)
		if err != nil {
			continue
		}
		chain = append(chain, cert)
	}
	return leaf, chain, nil
}

func tokenKeyHandle(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, cfg PKCS11Config) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
	}
	if cfg.KeyLabel != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, cfg.KeyLabel))
	}
	if len(cfg.KeyID) > 0 {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, cfg.KeyID))
	}

	handles, err := findObjects(ctx, session, template, 2)
	if err != nil {
		return 0, err
	}
	switch len(handles) {
	case 0:
		return 0, &CredentialError{Message: "token holds no matching signing key", Err: ErrMissingPrivateKey}
	case 1:
		return handles[0], nil
	default:
		return 0, &CredentialError{
			Message: "multiple signing keys match, narrow the search with a key label or key ID",
		}
	}
}

func findObjects(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, template []*pkcs11.Attribute, max int) ([]pkcs11.ObjectHandle, error) {
	if err := ctx.FindObjectsInit(session, template); err != nil {
		return nil, &CredentialError{
			Message: "failed to search token objects",
			Err:     fmt.Errorf("%w: %v", ErrTokenUnavailable, err),
		}
	}
	handles, _, err := ctx.FindObjects(session, max)
	if ferr := ctx.FindObjectsFinal(session); err == nil {
		err = ferr
	}
	if err != nil {
		return nil, &CredentialError{
			Message: "failed to search token objects",
			Err:     fmt.Errorf("%w: %v", ErrTokenUnavailable, err),
		}
	}
	return handles, nil
}

func attributeValue(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, handle pkcs11.ObjectHandle, attr uint) ([]byte, error) {
	attrs, err := ctx.GetAttributeValue(session, handle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(attr, nil),
	})
	if err != nil || len(attrs) == 0 {
		return nil, &CredentialError{
			Message: "failed to read token object attribute",
			Err:     fmt.Errorf("%w: %v", ErrTokenUnavailable, err),
		}
	}
	return attrs[0].Value, nil
}

// tokenSigner signs digests through the PKCS#11 module. Sessions are not
// safe for concurrent operations, so SignInit and Sign run under a lock.
type tokenSigner struct {
	mu      sync.Mutex
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
	key     pkcs11.ObjectHandle
	public  crypto.PublicKey
	family  KeyFamily
}

var _ crypto.Signer = (*tokenSigner)(nil)

// DigestInfo prefixes for CKM_RSA_PKCS, which expects the caller to supply
// the full PKCS#1 v1.5 DigestInfo structure.
var digestInfoPrefix = map[crypto.Hash][]byte{
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

func (s *tokenSigner) Public() crypto.PublicKey {
	return s.public
}

func (s *tokenSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.family {
	case KeyFamilyRSA:
		prefix, ok := digestInfoPrefix[opts.HashFunc()]
		if !ok {
			return nil, &CredentialError{
				Message: fmt.Sprintf("digest %v is not supported for token RSA signing", opts.HashFunc()),
				Err:     ErrUnsupportedAlgorithm,
			}
		}
		mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)}
		if err := s.ctx.SignInit(s.session, mech, s.key); err != nil {
			return nil, tokenSignError(err)
		}
		data := make([]byte, 0, len(prefix)+len(digest))
		data = append(data, prefix...)
		data = append(data, digest...)
		sig, err := s.ctx.Sign(s.session, data)
		if err != nil {
			return nil, tokenSignError(err)
		}
		return sig, nil

	case KeyFamilyECDSA:
		mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)}
		if err := s.ctx.SignInit(s.session, mech, s.key); err != nil {
			return nil, tokenSignError(err)
		}
		raw, err := s.ctx.Sign(s.session, digest)
		if err != nil {
			return nil, tokenSignError(err)
		}
		return encodeECDSASignature(raw)

	default:
		return nil, &CredentialError{
			Message: fmt.Sprintf("key family %v cannot sign through a token", s.family),
			Err:     ErrUnsupportedAlgorithm,
		}
	}
}

func tokenSignError(err error) error {
	return &CredentialError{
		Message: "token signing operation failed",
		Err:     fmt.Errorf("%w: %v", ErrTokenUnavailable, err),
	}
}

// encodeECDSASignature converts the raw r||s scalars returned by tokens
// into the ASN.1 DER form the rest of the pipeline expects.
func encodeECDSASignature(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, &CredentialError{
			Message: fmt.Sprintf("token returned malformed ECDSA signature of %d bytes", len(raw)),
			Err:     ErrTokenUnavailable,
		}
	}
	half := len(raw) / 2
	sig := struct {
		R, S *big.Int
	}{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	}
	return asn1.Marshal(sig)
}
