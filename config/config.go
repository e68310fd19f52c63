// Package config reads the YAML defaults file. The file supplies
// default signing parameters only; nothing in this module ever writes
// it back.
package config

import (
	"crypto"
	"errors"
	"fmt"
	"image/color"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/georgepadayatti/pdfseal/pdf/generic"
	"github.com/georgepadayatti/pdfseal/stamp"
)

// Common errors
var (
	ErrUnknownDigest = errors.New("unknown digest algorithm")
	ErrInvalidColor  = errors.New("invalid color value")
)

// ConfigError reports an invalid configuration value with the field
// that carries it.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Config is the defaults file. Every field is optional; command-line
// flags override whatever is set here.
type Config struct {
	// Credential selects the default signing credential.
	Credential CredentialConfig `yaml:"credential"`

	// Digest names the digest algorithm: sha256, sha384 or sha512.
	// Empty selects sha256.
	Digest string `yaml:"digest"`

	// PAdES switches the signature flavor to ETSI.CAdES.detached.
	PAdES bool `yaml:"pades"`

	// Reason, Location and Contact prefill the signature dictionary
	// text entries.
	Reason   string `yaml:"reason"`
	Location string `yaml:"location"`
	Contact  string `yaml:"contact"`

	// FieldName names the signature field. Empty lets the signer
	// generate one.
	FieldName string `yaml:"field-name"`

	// ReservedSize overrides the /Contents reservation estimate when
	// positive.
	ReservedSize int `yaml:"reserved-size"`

	// Timestamp configures the optional RFC 3161 authority.
	Timestamp TimestampConfig `yaml:"timestamp"`

	// Stamp configures the default visible appearance.
	Stamp StampConfig `yaml:"stamp"`
}

// CredentialConfig points at the signing credential. Exactly one
// source should be configured; PKCS#12 wins when several are.
type CredentialConfig struct {
	// PKCS12File is the path to a PKCS#12 container.
	PKCS12File string `yaml:"pkcs12-file"`

	// Passphrase decrypts the container or the key file. Leaving it
	// empty and setting prompt-passphrase asks on the terminal.
	Passphrase       string `yaml:"passphrase"`
	PromptPassphrase bool   `yaml:"prompt-passphrase"`

	// CertFile and KeyFile select the PEM/DER pair alternative.
	CertFile string `yaml:"cert-file"`
	KeyFile  string `yaml:"key-file"`

	// PKCS11 selects a hardware token alternative.
	PKCS11 *PKCS11Config `yaml:"pkcs11"`
}

// Validate checks that the credential source is coherent.
func (c *CredentialConfig) Validate() error {
	if c.CertFile != "" && c.KeyFile == "" {
		return &ConfigError{Field: "credential.key-file", Message: "required when cert-file is set"}
	}
	if c.KeyFile != "" && c.CertFile == "" {
		return &ConfigError{Field: "credential.cert-file", Message: "required when key-file is set"}
	}
	if c.PKCS11 != nil {
		if err := c.PKCS11.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TimestampConfig configures the RFC 3161 authority used during
// signing.
type TimestampConfig struct {
	// URL of the authority. Empty disables timestamping.
	URL string `yaml:"url"`

	// Username and Password configure HTTP basic auth.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// StampConfig configures the default visible stamp.
type StampConfig struct {
	// Enabled draws a visible stamp by default.
	Enabled bool `yaml:"enabled"`

	// Page is the zero-based page index carrying the stamp.
	Page int `yaml:"page"`

	// Rect places the stamp in page space as [x0 y0 x1 y1].
	Rect []float64 `yaml:"rect"`

	// Background and Outline are #RRGGBB values.
	Background string `yaml:"background"`
	Outline    string `yaml:"outline"`

	// BorderWidth is the border stroke width in points.
	BorderWidth float64 `yaml:"border-width"`

	// FontSize is the label size in points.
	FontSize float64 `yaml:"font-size"`

	// ShowDate includes the date label line.
	ShowDate bool `yaml:"show-date"`

	// IconFile is the path to a PNG or JPEG icon.
	IconFile string `yaml:"icon-file"`
}

// Validate checks the stamp geometry and colors.
func (c *StampConfig) Validate() error {
	if len(c.Rect) != 0 && len(c.Rect) != 4 {
		return &ConfigError{Field: "stamp.rect", Message: "must have exactly four numbers"}
	}
	if len(c.Rect) == 4 && (c.Rect[2] <= c.Rect[0] || c.Rect[3] <= c.Rect[1]) {
		return &ConfigError{Field: "stamp.rect", Message: "upper-right corner must exceed lower-left"}
	}
	if c.BorderWidth < 0 {
		return &ConfigError{Field: "stamp.border-width", Message: "must not be negative"}
	}
	if c.FontSize < 0 {
		return &ConfigError{Field: "stamp.font-size", Message: "must not be negative"}
	}
	if c.Background != "" {
		if _, err := ParseColor(c.Background); err != nil {
			return &ConfigError{Field: "stamp.background", Message: err.Error(), Err: err}
		}
	}
	if c.Outline != "" {
		if _, err := ParseColor(c.Outline); err != nil {
			return &ConfigError{Field: "stamp.outline", Message: err.Error(), Err: err}
		}
	}
	return nil
}

// Rectangle returns the configured rectangle. ok is false when the
// config carries none.
func (c *StampConfig) Rectangle() (rect generic.Rect, ok bool) {
	if len(c.Rect) != 4 {
		return generic.Rect{}, false
	}
	return generic.Rect{LLX: c.Rect[0], LLY: c.Rect[1], URX: c.Rect[2], URY: c.Rect[3]}, true
}

// Style builds a stamp style from the configured colors and metrics,
// starting from the package defaults.
func (c *StampConfig) Style() (stamp.Style, error) {
	style := stamp.DefaultStyle()
	if c.Background != "" {
		bg, err := ParseColor(c.Background)
		if err != nil {
			return stamp.Style{}, &ConfigError{Field: "stamp.background", Message: err.Error(), Err: err}
		}
		style.Background = bg
	}
	if c.Outline != "" {
		outline, err := ParseColor(c.Outline)
		if err != nil {
			return stamp.Style{}, &ConfigError{Field: "stamp.outline", Message: err.Error(), Err: err}
		}
		style.Outline = outline
	}
	if c.BorderWidth > 0 {
		style.BorderWidth = c.BorderWidth
	}
	if c.FontSize > 0 {
		style.FontSize = c.FontSize
	}
	return style, nil
}

// Load reads and validates the defaults file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Message: "cannot read config file", Err: err}
	}
	return Parse(data)
}

// Parse decodes and validates YAML config data. Unknown fields are
// rejected so typos surface instead of silently doing nothing.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, &ConfigError{Message: "cannot parse config file", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if _, err := c.DigestHash(); err != nil {
		return &ConfigError{Field: "digest", Message: err.Error(), Err: err}
	}
	if c.ReservedSize < 0 {
		return &ConfigError{Field: "reserved-size", Message: "must not be negative"}
	}
	if c.Stamp.Page < 0 {
		return &ConfigError{Field: "stamp.page", Message: "must not be negative"}
	}
	if err := c.Credential.Validate(); err != nil {
		return err
	}
	return c.Stamp.Validate()
}

// DigestHash maps the configured digest name onto a crypto.Hash.
func (c *Config) DigestHash() (crypto.Hash, error) {
	switch strings.ToLower(c.Digest) {
	case "", "sha256", "sha-256":
		return crypto.SHA256, nil
	case "sha384", "sha-384":
		return crypto.SHA384, nil
	case "sha512", "sha-512":
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDigest, c.Digest)
	}
}

// ParseColor parses a #RRGGBB color value.
func ParseColor(s string) (color.RGBA, error) {
	if len(s) != 7 || s[0] != '#' {
		return color.RGBA{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(s[1:], "%02x%02x%02x", &r, &g, &b); err != nil {
		return color.RGBA{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}
