package config

import (
	"encoding/hex"
	"fmt"

	"github.com/georgepadayatti/pdfseal/credentials"
)

// PKCS11Config locates a signing key on a hardware token.
type PKCS11Config struct {
	// Module is the path to the PKCS#11 shared library.
	Module string `yaml:"module"`

	// TokenLabel selects the token by label. Slot selects it by slot
	// number instead; with neither set, a single present token is
	// used.
	TokenLabel string `yaml:"token-label"`
	Slot       *uint  `yaml:"slot"`

	// PIN authenticates the session. Empty with prompt-passphrase set
	// on the credential asks on the terminal.
	PIN string `yaml:"pin"`

	// KeyLabel, KeyID and CertLabel narrow the object search. KeyID is
	// hex-encoded.
	KeyLabel  string `yaml:"key-label"`
	KeyID     string `yaml:"key-id"`
	CertLabel string `yaml:"cert-label"`
}

// Validate checks the token selection.
func (c *PKCS11Config) Validate() error {
	if c.Module == "" {
		return &ConfigError{Field: "credential.pkcs11.module", Message: "required field is missing"}
	}
	if c.KeyID != "" {
		if _, err := hex.DecodeString(c.KeyID); err != nil {
			return &ConfigError{
				Field:   "credential.pkcs11.key-id",
				Message: fmt.Sprintf("not a hex string: %v", err),
				Err:     err,
			}
		}
	}
	return nil
}

// CredentialConfig converts the section into the loader's config. The
// pin argument overrides the configured PIN when non-empty.
func (c *PKCS11Config) CredentialConfig(pin string) (credentials.PKCS11Config, error) {
	if err := c.Validate(); err != nil {
		return credentials.PKCS11Config{}, err
	}
	if pin == "" {
		pin = c.PIN
	}

	cfg := credentials.PKCS11Config{
		ModulePath: c.Module,
		TokenLabel: c.TokenLabel,
		SlotNumber: c.Slot,
		PIN:        pin,
		KeyLabel:   c.KeyLabel,
		CertLabel:  c.CertLabel,
	}
	if c.KeyID != "" {
		id, err := hex.DecodeString(c.KeyID)
		if err != nil {
			return credentials.PKCS11Config{}, err
		}
		cfg.KeyID = id
	}
	return cfg, nil
}
