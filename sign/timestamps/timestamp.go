// Package timestamps obtains and checks RFC 3161 timestamp tokens.
//
// The Client POSTs a DER TimeStampReq to a timestamp authority and returns
// the TimeStampToken after checking the status, the message imprint and
// the nonce. Transient failures (network errors, HTTP 5xx) are retried
// with exponential backoff; rejections and malformed responses are not.
// Callers that already hold a token use ValidateToken instead; no network
// is involved on that path.
package timestamps

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/asn1"
	"errors"
	"fmt"
	"hash"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	OIDTSTInfo = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}

	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// Common errors
var (
	ErrTimestampUnavailable = errors.New("timestamp unavailable")
)

// TimestampError wraps a failure to obtain or validate a timestamp token.
type TimestampError struct {
	Message string
	Err     error
}

func (e *TimestampError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *TimestampError) Unwrap() error {
	return e.Err
}

func unavailable(format string, args ...interface{}) *TimestampError {
	return &TimestampError{Message: fmt.Sprintf(format, args...), Err: ErrTimestampUnavailable}
}

// AlgorithmIdentifier is the ASN.1 AlgorithmIdentifier.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// MessageImprint carries the digest the authority signs over.
type MessageImprint struct {
	HashAlgorithm AlgorithmIdentifier
	HashedMessage []byte
}

// TimeStampReq is the RFC 3161 request.
type TimeStampReq struct {
	Version        int
	MessageImprint MessageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	Nonce          *big.Int              `asn1:"optional"`
	CertReq        bool                  `asn1:"optional,default:false"`
	Extensions     []Extension           `asn1:"optional,implicit,tag:0"`
}

// TimeStampResp is the RFC 3161 response.
type TimeStampResp struct {
	Status         PKIStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// PKIStatusInfo reports how the authority handled the request.
type PKIStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

// TSTInfo is the timestamped payload inside a token.
type TSTInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        time.Time     `asn1:"generalized"`
	Accuracy       Accuracy      `asn1:"optional"`
	Ordering       bool          `asn1:"optional,default:false"`
	Nonce          *big.Int      `asn1:"optional"`
	TSA            asn1.RawValue `asn1:"optional,explicit,tag:0"`
	Extensions     []Extension   `asn1:"optional,implicit,tag:1"`
}

// Accuracy bounds the timestamp precision.
type Accuracy struct {
	Seconds int `asn1:"optional"`
	Millis  int `asn1:"optional,implicit,tag:0"`
	Micros  int `asn1:"optional,implicit,tag:1"`
}

// Extension is an X.509 extension.
type Extension struct {
	ExtnID    asn1.ObjectIdentifier
	Critical  bool `asn1:"optional,default:false"`
	ExtnValue []byte
}

// PKIStatus values from RFC 3161.
const (
	statusGranted         = 0
	statusGrantedWithMods = 1
)

const maxResponseSize = 1 << 20

// Client requests tokens from one timestamp authority over HTTP.
type Client struct {
	URL        string
	HTTPClient *http.Client
	Username   string
	Password   string

	// Hash selects the message imprint digest, SHA-256 when zero.
	Hash crypto.Hash
	// Policy is sent as ReqPolicy when set.
	Policy asn1.ObjectIdentifier
	// MaxTries bounds fetch attempts, 3 when zero.
	MaxTries uint
	// RetryInterval overrides the initial backoff interval.
	RetryInterval time.Duration
}

// NewClient returns a client for the authority at url.
func NewClient(url string) *Client {
	return &Client{
		URL: url,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		Hash: crypto.SHA256,
	}
}

// SetCredentials configures HTTP basic auth for the authority.
func (c *Client) SetCredentials(username, password string) {
	c.Username = username
	c.Password = password
}

func (c *Client) hash() crypto.Hash {
	if c.Hash == 0 {
		return crypto.SHA256
	}
	return c.Hash
}

// Token obtains a timestamp token over message. The signature matches
// cms.TimestampFunc so a client plugs straight into the signing pipeline.
func (c *Client) Token(ctx context.Context, message []byte) ([]byte, error) {
	reqDER, nonce, err := c.buildRequest(message)
	if err != nil {
		return nil, &TimestampError{Message: "failed to build timestamp request", Err: err}
	}

	operation := func() ([]byte, error) {
		return c.fetchOnce(ctx, reqDER, message, nonce)
	}

	bo := backoff.NewExponentialBackOff()
	if c.RetryInterval > 0 {
		bo.InitialInterval = c.RetryInterval
	}
	tries := c.MaxTries
	if tries == 0 {
		tries = 3
	}

	token, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(tries))
	if err != nil {
		var tsErr *TimestampError
		if errors.As(err, &tsErr) {
			return nil, tsErr
		}
		return nil, unavailable("timestamp request did not complete: %v", err)
	}
	return token, nil
}

func (c *Client) buildRequest(message []byte) ([]byte, *big.Int, error) {
	h := newHash(c.hash())
	h.Write(message)

	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, nil, err
	}

	req := TimeStampReq{
		Version: 1,
		MessageImprint: MessageImprint{
			HashAlgorithm: AlgorithmIdentifier{
				Algorithm:  hashOID(c.hash()),
				Parameters: asn1.RawValue{Tag: 5},
			},
			HashedMessage: h.Sum(nil),
		},
		Nonce:   nonce,
		CertReq: true,
	}
	if len(c.Policy) > 0 {
		req.ReqPolicy = c.Policy
	}

	der, err := asn1.Marshal(req)
	if err != nil {
		return nil, nil, err
	}
	return der, nonce, nil
}

func (c *Client) fetchOnce(ctx context.Context, reqDER, message []byte, nonce *big.Int) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(reqDER))
	if err != nil {
		return nil, backoff.Permanent(unavailable("invalid timestamp authority URL %q: %v", c.URL, err))
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	if c.Username != "" {
		httpReq.SetBasicAuth(c.Username, c.Password)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, unavailable("timestamp authority unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		failure := unavailable("timestamp authority returned HTTP %d", resp.StatusCode)
		if resp.StatusCode >= 500 {
			return nil, failure
		}
		return nil, backoff.Permanent(failure)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, unavailable("failed to read timestamp response: %v", err)
	}

	token, err := parseResponse(body, message, c.hash(), nonce)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return token, nil
}

// parseResponse checks the response status and validates the token before
// handing it back.
func parseResponse(respData, message []byte, h crypto.Hash, nonce *big.Int) ([]byte, error) {
	var resp TimeStampResp
	if _, err := asn1.Unmarshal(respData, &resp); err != nil {
		return nil, unavailable("malformed timestamp response: %v", err)
	}

	if resp.Status.Status != statusGranted && resp.Status.Status != statusGrantedWithMods {
		detail := ""
		if len(resp.Status.StatusString) > 0 {
			detail = ": " + resp.Status.StatusString[0]
		}
		return nil, unavailable("timestamp request rejected with status %d%s", resp.Status.Status, detail)
	}
	if len(resp.TimeStampToken.FullBytes) == 0 {
		return nil, unavailable("timestamp response carries no token")
	}

	token := resp.TimeStampToken.FullBytes
	info, err := tokenInfo(token)
	if err != nil {
		return nil, err
	}

	hh := newHash(h)
	hh.Write(message)
	if !bytes.Equal(info.MessageImprint.HashedMessage, hh.Sum(nil)) {
		return nil, unavailable("token message imprint does not match the request")
	}
	if nonce != nil && (info.Nonce == nil || info.Nonce.Cmp(nonce) != 0) {
		return nil, unavailable("token nonce does not match the request")
	}

	return token, nil
}

// ValidateToken checks a pre-fetched token against the message it is
// supposed to cover. The digest is taken from the token's own imprint.
func ValidateToken(token, message []byte) error {
	info, err := tokenInfo(token)
	if err != nil {
		return err
	}

	h, err := hashFromOID(info.MessageImprint.HashAlgorithm.Algorithm)
	if err != nil {
		return err
	}
	hh := newHash(h)
	hh.Write(message)
	if !bytes.Equal(info.MessageImprint.HashedMessage, hh.Sum(nil)) {
		return unavailable("token message imprint does not match the signature")
	}
	return nil
}

// TokenTime extracts the generation time of a token.
func TokenTime(token []byte) (time.Time, error) {
	info, err := tokenInfo(token)
	if err != nil {
		return time.Time{}, err
	}
	return info.GenTime, nil
}

func tokenInfo(token []byte) (*TSTInfo, error) {
	var contentInfo struct {
		ContentType asn1.ObjectIdentifier
		Content     asn1.RawValue `asn1:"explicit,tag:0"`
	}
	if _, err := asn1.Unmarshal(token, &contentInfo); err != nil {
		return nil, unavailable("malformed timestamp token: %v", err)
	}

	var signedData struct {
		Version          int
		DigestAlgorithms asn1.RawValue
		EncapContentInfo struct {
			EContentType asn1.ObjectIdentifier
			EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
		}
		Certificates asn1.RawValue `asn1:"optional,implicit,tag:0"`
		CRLs         asn1.RawValue `asn1:"optional,implicit,tag:1"`
		SignerInfos  asn1.RawValue
	}
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &signedData); err != nil {
		return nil, unavailable("malformed timestamp token: %v", err)
	}
	if !signedData.EncapContentInfo.EContentType.Equal(OIDTSTInfo) {
		return nil, unavailable("timestamp token content type %v is not TSTInfo", signedData.EncapContentInfo.EContentType)
	}

	var tstBytes []byte
	if _, err := asn1.Unmarshal(signedData.EncapContentInfo.EContent.Bytes, &tstBytes); err != nil {
		return nil, unavailable("malformed TSTInfo content: %v", err)
	}
	var info TSTInfo
	if _, err := asn1.Unmarshal(tstBytes, &info); err != nil {
		return nil, unavailable("malformed TSTInfo: %v", err)
	}
	return &info, nil
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

func hashOID(h crypto.Hash) asn1.ObjectIdentifier {
	switch h {
	case crypto.SHA384:
		return OIDSHA384
	case crypto.SHA512:
		return OIDSHA512
	default:
		return OIDSHA256
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
		return 0, unavailable("unsupported imprint digest %v", oid)
	}
}
