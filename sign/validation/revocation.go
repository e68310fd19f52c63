package validation

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/ocsp"
)

// maxOCSPResponseSize bounds responder replies.
const maxOCSPResponseSize = 1 << 20

// checkRevocation asks the signer certificate's OCSP responder whether
// the certificate is revoked. Reports true only on a definite revoked
// answer, after recording it on the result; everything short of that
// degrades to a warning.
func checkRevocation(result *Result, signer *x509.Certificate, chain []*x509.Certificate, opts *Options) bool {
	issuer := findIssuer(signer, chain)
	if issuer == nil {
		result.warn("revocation: no issuer certificate available")
		return false
	}
	if len(signer.OCSPServer) == 0 {
		result.warn("revocation: certificate names no OCSP responder")
		return false
	}

	client := opts.httpClient()
	var lastErr error
	for _, server := range signer.OCSPServer {
		resp, err := queryOCSP(client, server, signer, issuer)
		if err != nil {
			lastErr = err
			continue
		}
		switch resp.Status {
		case ocsp.Good:
			return false
		case ocsp.Revoked:
			result.fail(StatusCertificateRevoked,
				fmt.Errorf("%w: at %s, reason code %d",
					ErrCertificateRevoked, resp.RevokedAt.Format(time.RFC3339), resp.RevocationReason))
			return true
		default:
			result.warn("revocation: responder %s does not know the certificate", server)
			return false
		}
	}
	result.warn("revocation: %v", lastErr)
	return false
}

// findIssuer locates the certificate that signed cert among the chain
// carried in the container. A self-signed certificate has no usable
// issuer for OCSP.
func findIssuer(cert *x509.Certificate, chain []*x509.Certificate) *x509.Certificate {
	for _, c := range chain {
		if bytes.Equal(c.Raw, cert.Raw) || !bytes.Equal(c.RawSubject, cert.RawIssuer) {
			continue
		}
		if err := cert.CheckSignatureFrom(c); err == nil {
			return c
		}
	}
	return nil
}

// queryOCSP sends one POST request to an OCSP responder and parses the
// reply against the issuer certificate.
func queryOCSP(client *http.Client, server string, cert, issuer *x509.Certificate) (*ocsp.Response, error) {
	reqDER, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, server, bytes.NewReader(reqDER))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/ocsp-request")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ocsp responder %s: HTTP %d", server, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOCSPResponseSize))
	if err != nil {
		return nil, err
	}
	return ocsp.ParseResponse(body, issuer)
}
