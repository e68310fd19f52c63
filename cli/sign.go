package cli

import (
	"context"
	"crypto"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/georgepadayatti/pdfseal/config"
	"github.com/georgepadayatti/pdfseal/credentials"
	"github.com/georgepadayatti/pdfseal/pdf/generic"
	"github.com/georgepadayatti/pdfseal/sign/signers"
	"github.com/georgepadayatti/pdfseal/sign/timestamps"
	"github.com/georgepadayatti/pdfseal/stamp"
)

// Certificates expiring this close to the signing time get a warning.
const expiryWarningWindow = 30 * 24 * time.Hour

// readPassword is swapped out in tests.
var readPassword = term.ReadPassword

// SignOptions carries the sign command flags.
type SignOptions struct {
	ConfigPath string

	P12Path    string
	CertPath   string
	KeyPath    string
	Passphrase string
	Prompt     bool

	PKCS11Module   string
	PKCS11Token    string
	PKCS11Slot     int
	PKCS11PIN      string
	PKCS11KeyLabel string

	Name      string
	Reason    string
	Location  string
	Contact   string
	FieldName string

	Digest     string
	PAdES      bool
	Certify    bool
	Permission int

	TSA         string
	TSAUser     string
	TSAPass     string
	NoTimestamp bool

	Stamp     bool
	StampPage int
	StampRect string
	StampIcon string

	Output  string
	Jobs    int
	Timeout time.Duration

	Verbose bool
	Quiet   bool
}

// SignCommand implements the sign subcommand.
func SignCommand(args []string) {
	flags := flag.NewFlagSet("sign", flag.ExitOnError)

	var opts SignOptions
	flags.StringVar(&opts.ConfigPath, "config", "", "Path to the YAML defaults file")
	flags.StringVar(&opts.P12Path, "p12", "", "PKCS#12 container with key, certificate and chain")
	flags.StringVar(&opts.CertPath, "cert", "", "Certificate file (PEM or DER), used with -key")
	flags.StringVar(&opts.KeyPath, "key", "", "Private key file (PEM or DER), used with -cert")
	flags.StringVar(&opts.Passphrase, "passphrase", "", "Passphrase for the container or key")
	flags.BoolVar(&opts.Prompt, "prompt", false, "Prompt for the passphrase on the terminal")
	flags.StringVar(&opts.PKCS11Module, "pkcs11-module", "", "PKCS#11 module path for token signing")
	flags.StringVar(&opts.PKCS11Token, "pkcs11-token", "", "PKCS#11 token label")
	flags.IntVar(&opts.PKCS11Slot, "pkcs11-slot", -1, "PKCS#11 slot number")
	flags.StringVar(&opts.PKCS11PIN, "pkcs11-pin", "", "PKCS#11 PIN")
	flags.StringVar(&opts.PKCS11KeyLabel, "pkcs11-key-label", "", "PKCS#11 key label")
	flags.StringVar(&opts.Name, "name", "", "Name of the signatory (default: certificate CN)")
	flags.StringVar(&opts.Reason, "reason", "", "Reason for signing")
	flags.StringVar(&opts.Location, "location", "", "Location of signing")
	flags.StringVar(&opts.Contact, "contact", "", "Contact information")
	flags.StringVar(&opts.FieldName, "field", "", "Signature field name (default: generated)")
	flags.StringVar(&opts.Digest, "digest", "", "Digest algorithm: sha256, sha384, sha512")
	flags.BoolVar(&opts.PAdES, "pades", false, "Emit an ETSI.CAdES.detached signature")
	flags.BoolVar(&opts.Certify, "certify", false, "Make this a certification signature")
	flags.IntVar(&opts.Permission, "permission", 2, "DocMDP permission for -certify: 1, 2 or 3")
	flags.StringVar(&opts.TSA, "tsa", "", "RFC 3161 timestamp authority URL")
	flags.StringVar(&opts.TSAUser, "tsa-user", "", "Timestamp authority username")
	flags.StringVar(&opts.TSAPass, "tsa-pass", "", "Timestamp authority password")
	flags.BoolVar(&opts.NoTimestamp, "no-timestamp", false, "Skip timestamping even when a TSA is configured")
	flags.BoolVar(&opts.Stamp, "stamp", false, "Draw a visible signature stamp")
	flags.IntVar(&opts.StampPage, "stamp-page", 0, "Page carrying the stamp, zero-based")
	flags.StringVar(&opts.StampRect, "stamp-rect", "", "Stamp rectangle as x0,y0,x1,y1 in page space")
	flags.StringVar(&opts.StampIcon, "stamp-icon", "", "PNG or JPEG icon for the stamp")
	flags.StringVar(&opts.Output, "o", "", "Output path (single input only; default <input>-signed.pdf)")
	flags.IntVar(&opts.Jobs, "jobs", 4, "Parallel signing operations for several inputs")
	flags.DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "Overall timeout per document")
	flags.BoolVar(&opts.Verbose, "v", false, "Verbose logging")
	flags.BoolVar(&opts.Quiet, "q", false, "Log warnings and errors only")

	flags.Usage = func() {
		fmt.Printf("Usage: %s sign [options] <input.pdf> [more.pdf ...]\n\n", os.Args[0])
		fmt.Println("Sign one or more PDF files. Each input gets its own appended")
		fmt.Println("signature revision; the original bytes are never rewritten.")
		fmt.Println("")
		fmt.Println("Options:")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
		return
	}
	if flags.NArg() < 1 {
		flags.Usage()
		osExit(1)
		return
	}

	logger := newLogger(opts.Verbose, opts.Quiet)
	if err := runSign(&opts, flags.Args(), logger); err != nil {
		logger.Error().Err(err).Msg("signing failed")
		osExit(1)
	}
}

func runSign(opts *SignOptions, inputs []string, logger zerolog.Logger) error {
	cfg := &config.Config{}
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	applyConfigDefaults(opts, cfg)

	if opts.Output != "" && len(inputs) > 1 {
		return errors.New("-o is only valid with a single input file")
	}
	if opts.Certify && (opts.Permission < 1 || opts.Permission > 3) {
		return fmt.Errorf("invalid -permission %d: must be 1, 2 or 3", opts.Permission)
	}

	hash, err := (&config.Config{Digest: opts.Digest}).DigestHash()
	if err != nil {
		return err
	}

	cred, err := loadCredential(opts, cfg)
	if err != nil {
		return err
	}
	defer cred.Close()

	now := time.Now()
	if cred.IsExpired(now) {
		return fmt.Errorf("signing certificate expired %s", cred.Certificate().NotAfter.Format("2006-01-02"))
	}
	if cred.ExpiresWithin(now, expiryWarningWindow) {
		logger.Warn().
			Time("not_after", cred.Certificate().NotAfter).
			Msg("signing certificate expires within 30 days")
	}

	signer, err := buildSigner(opts, cfg, cred, hash, now)
	if err != nil {
		return err
	}

	jobs := opts.Jobs
	if jobs < 1 {
		jobs = 1
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(jobs)
	for _, input := range inputs {
		input := input
		g.Go(func() error {
			output := opts.Output
			if output == "" {
				output = defaultOutputPath(input)
			}
			if err := signOne(ctx, signer, input, output, opts.Timeout); err != nil {
				return fmt.Errorf("%s: %w", input, err)
			}
			logger.Info().Str("input", input).Str("output", output).Msg("signed")
			return nil
		})
	}
	return g.Wait()
}

// signOne signs a single document. Each call reads its own buffer and
// writes its own output; nothing is shared with concurrent calls
// besides the read-only signer configuration.
func signOne(ctx context.Context, signer *signers.PdfSigner, input, output string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	signed, err := signer.SignPdf(ctx, data)
	if err != nil {
		return err
	}
	return os.WriteFile(output, signed, 0o644)
}

// applyConfigDefaults fills unset options from the defaults file.
// Flags always win.
func applyConfigDefaults(opts *SignOptions, cfg *config.Config) {
	if opts.Digest == "" {
		opts.Digest = cfg.Digest
	}
	if opts.Reason == "" {
		opts.Reason = cfg.Reason
	}
	if opts.Location == "" {
		opts.Location = cfg.Location
	}
	if opts.Contact == "" {
		opts.Contact = cfg.Contact
	}
	if opts.FieldName == "" {
		opts.FieldName = cfg.FieldName
	}
	if opts.TSA == "" {
		opts.TSA = cfg.Timestamp.URL
	}
	if opts.TSAUser == "" {
		opts.TSAUser = cfg.Timestamp.Username
	}
	if opts.TSAPass == "" {
		opts.TSAPass = cfg.Timestamp.Password
	}
	if !opts.PAdES {
		opts.PAdES = cfg.PAdES
	}
	if !opts.Stamp {
		opts.Stamp = cfg.Stamp.Enabled
	}
	if opts.StampIcon == "" {
		opts.StampIcon = cfg.Stamp.IconFile
	}
	if opts.Passphrase == "" {
		opts.Passphrase = cfg.Credential.Passphrase
	}
	if !opts.Prompt {
		opts.Prompt = cfg.Credential.PromptPassphrase
	}
}

// loadCredential builds the signing credential from the flags, falling
// back to the defaults file. PKCS#12 wins over a PEM pair, which wins
// over a hardware token.
func loadCredential(opts *SignOptions, cfg *config.Config) (*credentials.Credential, error) {
	p12 := opts.P12Path
	if p12 == "" && opts.CertPath == "" && opts.PKCS11Module == "" {
		p12 = cfg.Credential.PKCS12File
	}

	switch {
	case p12 != "":
		data, err := os.ReadFile(p12)
		if err != nil {
			return nil, err
		}
		pass, err := resolvePassphrase(opts, "Container passphrase: ")
		if err != nil {
			return nil, err
		}
		return credentials.LoadPKCS12(data, pass)

	case opts.CertPath != "" || opts.KeyPath != "":
		if opts.CertPath == "" || opts.KeyPath == "" {
			return nil, errors.New("-cert and -key must be used together")
		}
		certData, err := os.ReadFile(opts.CertPath)
		if err != nil {
			return nil, err
		}
		keyData, err := os.ReadFile(opts.KeyPath)
		if err != nil {
			return nil, err
		}
		pass, err := resolvePassphrase(opts, "Key passphrase: ")
		if err != nil {
			return nil, err
		}
		return credentials.LoadPEM(certData, keyData, pass)

	case opts.PKCS11Module != "":
		p11 := credentials.PKCS11Config{
			ModulePath: opts.PKCS11Module,
			TokenLabel: opts.PKCS11Token,
			PIN:        opts.PKCS11PIN,
			KeyLabel:   opts.PKCS11KeyLabel,
		}
		if opts.PKCS11Slot >= 0 {
			slot := uint(opts.PKCS11Slot)
			p11.SlotNumber = &slot
		}
		return credentials.LoadPKCS11(p11)

	case cfg.Credential.CertFile != "" && cfg.Credential.KeyFile != "":
		certData, err := os.ReadFile(cfg.Credential.CertFile)
		if err != nil {
			return nil, err
		}
		keyData, err := os.ReadFile(cfg.Credential.KeyFile)
		if err != nil {
			return nil, err
		}
		pass, err := resolvePassphrase(opts, "Key passphrase: ")
		if err != nil {
			return nil, err
		}
		return credentials.LoadPEM(certData, keyData, pass)

	case cfg.Credential.PKCS11 != nil:
		p11, err := cfg.Credential.PKCS11.CredentialConfig(opts.PKCS11PIN)
		if err != nil {
			return nil, err
		}
		return credentials.LoadPKCS11(p11)
	}
	return nil, errors.New("no signing credential: use -p12, -cert/-key, -pkcs11-module or a config file")
}

// resolvePassphrase returns the flag value, or asks on the terminal
// when -prompt is set and no passphrase was given. The prompt writes to
// stderr so piped stdout stays clean.
func resolvePassphrase(opts *SignOptions, prompt string) (string, error) {
	if opts.Passphrase != "" || !opts.Prompt {
		return opts.Passphrase, nil
	}
	fmt.Fprint(os.Stderr, prompt)
	secret, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(secret), nil
}

func buildSigner(opts *SignOptions, cfg *config.Config, cred *credentials.Credential, hash crypto.Hash, now time.Time) (*signers.PdfSigner, error) {
	signer := signers.NewPdfSigner(cred)
	signer.Hash = hash
	signer.PAdES = opts.PAdES
	signer.Metadata = signers.SignatureMetadata{
		FieldName:   opts.FieldName,
		Name:        opts.Name,
		Reason:      opts.Reason,
		Location:    opts.Location,
		ContactInfo: opts.Contact,
	}
	if cfg.ReservedSize > 0 {
		signer.ContentsSize = cfg.ReservedSize
	}
	if opts.Certify {
		signer.WithCertification(signers.MDPPermission(opts.Permission))
	}
	if opts.TSA != "" && !opts.NoTimestamp {
		client := timestamps.NewClient(opts.TSA)
		if opts.TSAUser != "" {
			client.SetCredentials(opts.TSAUser, opts.TSAPass)
		}
		signer.WithTimestamper(client.Token)
	}

	if opts.Stamp {
		appearance, err := buildStamp(opts, cfg, cred, now)
		if err != nil {
			return nil, err
		}
		signer.WithAppearance(appearance)
	}
	return signer, nil
}

func buildStamp(opts *SignOptions, cfg *config.Config, cred *credentials.Credential, now time.Time) (*stamp.Stamp, error) {
	spec := stamp.Spec{PageIndex: opts.StampPage}

	switch {
	case opts.StampRect != "":
		rect, err := parseRect(opts.StampRect)
		if err != nil {
			return nil, err
		}
		spec.Rect = rect
	default:
		rect, ok := cfg.Stamp.Rectangle()
		if !ok {
			return nil, errors.New("-stamp needs -stamp-rect or a rect in the config file")
		}
		spec.Rect = rect
		if opts.StampPage == 0 {
			spec.PageIndex = cfg.Stamp.Page
		}
	}

	style, err := cfg.Stamp.Style()
	if err != nil {
		return nil, err
	}
	spec.Style = style

	name := opts.Name
	if name == "" {
		name = cred.Certificate().Subject.CommonName
	}
	spec.Lines = stamp.SignatureLines(name, now, opts.Reason, opts.Location)

	if opts.StampIcon != "" {
		icon, err := os.ReadFile(opts.StampIcon)
		if err != nil {
			return nil, err
		}
		spec.Image = icon
	}
	return stamp.New(spec)
}

// parseRect parses "x0,y0,x1,y1".
func parseRect(s string) (generic.Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return generic.Rect{}, fmt.Errorf("invalid rectangle %q: want x0,y0,x1,y1", s)
	}
	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return generic.Rect{}, fmt.Errorf("invalid rectangle %q: %w", s, err)
		}
		vals[i] = v
	}
	if vals[2] <= vals[0] || vals[3] <= vals[1] {
		return generic.Rect{}, fmt.Errorf("invalid rectangle %q: upper-right corner must exceed lower-left", s)
	}
	return generic.Rect{LLX: vals[0], LLY: vals[1], URX: vals[2], URY: vals[3]}, nil
}

// defaultOutputPath derives <input>-signed.pdf.
func defaultOutputPath(input string) string {
	ext := filepath.Ext(input)
	if strings.EqualFold(ext, ".pdf") {
		return strings.TrimSuffix(input, ext) + "-signed" + ext
	}
	return input + "-signed.pdf"
}
