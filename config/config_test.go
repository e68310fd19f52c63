package config

import (
	"crypto"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseFullConfig(t *testing.T) {
	data := []byte(`
credential:
  pkcs12-file: /keys/signer.p12
  prompt-passphrase: true
digest: sha384
pades: true
reason: Approval
location: Berlin
contact: signer@example.com
field-name: Signature1
reserved-size: 16384
timestamp:
  url: http://tsa.example.com
  username: alice
  password: secret
stamp:
  enabled: true
  page: 0
  rect: [50, 50, 250, 100]
  background: "#ffffee"
  outline: "#203040"
  border-width: 2
  font-size: 9
  show-date: true
`)

	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Credential.PKCS12File != "/keys/signer.p12" {
		t.Errorf("PKCS12File = %q", cfg.Credential.PKCS12File)
	}
	if !cfg.Credential.PromptPassphrase {
		t.Error("PromptPassphrase = false, want true")
	}
	if hash, _ := cfg.DigestHash(); hash != crypto.SHA384 {
		t.Errorf("DigestHash = %v, want SHA384", hash)
	}
	if !cfg.PAdES {
		t.Error("PAdES = false, want true")
	}
	if cfg.Timestamp.URL != "http://tsa.example.com" {
		t.Errorf("Timestamp.URL = %q", cfg.Timestamp.URL)
	}
	if cfg.ReservedSize != 16384 {
		t.Errorf("ReservedSize = %d, want 16384", cfg.ReservedSize)
	}

	rect, ok := cfg.Stamp.Rectangle()
	if !ok {
		t.Fatal("Rectangle reported no rect")
	}
	if rect.LLX != 50 || rect.LLY != 50 || rect.URX != 250 || rect.URY != 100 {
		t.Errorf("rect = %+v", rect)
	}

	style, err := cfg.Stamp.Style()
	if err != nil {
		t.Fatalf("Style failed: %v", err)
	}
	if style.Background != (color.RGBA{R: 0xff, G: 0xff, B: 0xee, A: 0xff}) {
		t.Errorf("Background = %+v", style.Background)
	}
	if style.Outline != (color.RGBA{R: 0x20, G: 0x30, B: 0x40, A: 0xff}) {
		t.Errorf("Outline = %+v", style.Outline)
	}
	if style.BorderWidth != 2 || style.FontSize != 9 {
		t.Errorf("BorderWidth = %g, FontSize = %g", style.BorderWidth, style.FontSize)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if hash, _ := cfg.DigestHash(); hash != crypto.SHA256 {
		t.Errorf("default DigestHash = %v, want SHA256", hash)
	}
	if cfg.Stamp.Enabled {
		t.Error("stamp enabled by default")
	}
	if _, ok := cfg.Stamp.Rectangle(); ok {
		t.Error("Rectangle reported a rect for an empty config")
	}
}

func TestParseRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantField string
	}{
		{
			name:      "unknown digest",
			yaml:      "digest: md5",
			wantField: "digest",
		},
		{
			name:      "negative reservation",
			yaml:      "reserved-size: -1",
			wantField: "reserved-size",
		},
		{
			name:      "short rect",
			yaml:      "stamp:\n  rect: [1, 2, 3]",
			wantField: "stamp.rect",
		},
		{
			name:      "inverted rect",
			yaml:      "stamp:\n  rect: [250, 100, 50, 50]",
			wantField: "stamp.rect",
		},
		{
			name:      "negative border",
			yaml:      "stamp:\n  border-width: -2",
			wantField: "stamp.border-width",
		},
		{
			name:      "negative font size",
			yaml:      "stamp:\n  font-size: -1",
			wantField: "stamp.font-size",
		},
		{
			name:      "bad color",
			yaml:      "stamp:\n  background: papayawhip",
			wantField: "stamp.background",
		},
		{
			name:      "negative page",
			yaml:      "stamp:\n  page: -1",
			wantField: "stamp.page",
		},
		{
			name:      "key without cert",
			yaml:      "credential:\n  key-file: /keys/key.pem",
			wantField: "credential.cert-file",
		},
		{
			name:      "pkcs11 without module",
			yaml:      "credential:\n  pkcs11:\n    token-label: card",
			wantField: "credential.pkcs11.module",
		},
		{
			name:      "pkcs11 bad key id",
			yaml:      "credential:\n  pkcs11:\n    module: /usr/lib/p11.so\n    key-id: zz",
			wantField: "credential.pkcs11.key-id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Parse error = %v, want *ConfigError", err)
			}
			if cfgErr.Field != tt.wantField {
				t.Errorf("error field = %q, want %q", cfgErr.Field, tt.wantField)
			}
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	if _, err := Parse([]byte("reasn: typo")); err == nil {
		t.Error("Parse accepted an unknown field")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Load error = %v, want *ConfigError", err)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pdfseal.yaml")
	if err := os.WriteFile(path, []byte("reason: routine check\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Reason != "routine check" {
		t.Errorf("Reason = %q", cfg.Reason)
	}
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		in      string
		want    color.RGBA
		wantErr bool
	}{
		{in: "#000000", want: color.RGBA{A: 255}},
		{in: "#FFFFFF", want: color.RGBA{255, 255, 255, 255}},
		{in: "#1a2B3c", want: color.RGBA{0x1a, 0x2b, 0x3c, 255}},
		{in: "123456", wantErr: true},
		{in: "#12345", wantErr: true},
		{in: "#gggggg", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseColor(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidColor) {
				t.Errorf("ParseColor(%q) error = %v, want ErrInvalidColor", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseColor(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseColor(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestPKCS11CredentialConfig(t *testing.T) {
	slot := uint(3)
	cfg := &PKCS11Config{
		Module:   "/usr/lib/softhsm2.so",
		Slot:     &slot,
		PIN:      "1234",
		KeyLabel: "signing-key",
		KeyID:    "a1b2",
	}

	cred, err := cfg.CredentialConfig("")
	if err != nil {
		t.Fatalf("CredentialConfig failed: %v", err)
	}
	if cred.ModulePath != cfg.Module {
		t.Errorf("ModulePath = %q", cred.ModulePath)
	}
	if cred.SlotNumber == nil || *cred.SlotNumber != 3 {
		t.Errorf("SlotNumber = %v, want 3", cred.SlotNumber)
	}
	if cred.PIN != "1234" {
		t.Errorf("PIN = %q, want configured PIN", cred.PIN)
	}
	if string(cred.KeyID) != "\xa1\xb2" {
		t.Errorf("KeyID = %x", cred.KeyID)
	}

	cred, err = cfg.CredentialConfig("9999")
	if err != nil {
		t.Fatalf("CredentialConfig with override failed: %v", err)
	}
	if cred.PIN != "9999" {
		t.Errorf("PIN = %q, want override", cred.PIN)
	}
}

func TestConfigErrorMessage(t *testing.T) {
	err := &ConfigError{Field: "digest", Message: "bad"}
	if !strings.Contains(err.Error(), "'digest'") {
		t.Errorf("Error() = %q, want the field name quoted", err.Error())
	}
	err = &ConfigError{Message: "bad"}
	if strings.Contains(err.Error(), "''") {
		t.Errorf("Error() = %q, stray empty field", err.Error())
	}
}
