// Package ocsp implements the OCSP-over-HTTP client: CertID/request
// construction, response validation (status, time window, signature,
// responder delegation), and a response cache.
//
// Grounded on original_source/src/crypto/ocsp.c for the validation
// checklist, and caddyserver-caddy/caddytls/crypto.go's stapleOCSP for
// the cache-then-fetch idiom; request/response ASN.1 itself is built
// on golang.org/x/crypto/ocsp rather than hand-rolled DER, matching
// the "never fall back to stdlib where the ecosystem has a library"
// rule.
package ocsp

import (
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/ocsp"
)

var (
	ErrCertStatusNotGood = errors.New("ocsp: EACCES_CERT_STATUS")
	ErrStale             = errors.New("ocsp: response outside validity window")
	ErrResponderEKU      = errors.New("ocsp: responder certificate lacks id-kp-OCSPSigning")
	ErrCertIDMismatch    = errors.New("ocsp: response certID does not match request")
)

// DefaultMargin bounds the clock-skew tolerance applied to
// thisUpdate/nextUpdate when Validate is given a zero margin.
const DefaultMargin = 5 * time.Minute

// Request builds the DER request and the GET URL (base64 URL-appended
// to the responder URI, per §4.8) for checking leaf against issuer.
func Request(leaf, issuer *x509.Certificate, responderURL string) (der []byte, getURL string, err error) {
	der, err = ocsp.CreateRequest(leaf, issuer, &ocsp.RequestOptions{Hash: crypto.SHA1})
	if err != nil {
		return nil, "", fmt.Errorf("ocsp: create request: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(der)
	getURL = strings.TrimRight(responderURL, "/") + "/" + url.PathEscape(encoded)
	return der, getURL, nil
}

// Fetch issues the GET built by Request using client (or
// http.DefaultClient) and returns the raw response body.
func Fetch(client *http.Client, getURL string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(getURL)
	if err != nil {
		return nil, fmt.Errorf("ocsp: fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ocsp: responder returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Validate parses der against issuer and the original requestDER,
// checking responseStatus/responseType/certID/certStatus/time-window
// and the issuer-or-delegated-responder signature, per §4.8.
// clock lets tests pin "now"; nil uses time.Now.
func Validate(der []byte, issuer *x509.Certificate, requestDER []byte, margin time.Duration, clock func() time.Time) (*ocsp.Response, error) {
	if clock == nil {
		clock = time.Now
	}
	if margin == 0 {
		margin = DefaultMargin
	}

	resp, err := ocsp.ParseResponseForCert(der, nil, issuer)
	if err != nil {
		return nil, fmt.Errorf("ocsp: parse: %w", err)
	}

	if err := checkCertIDMatch(resp, requestDER); err != nil {
		return nil, err
	}

	if resp.Status != ocsp.Good {
		return resp, ErrCertStatusNotGood
	}

	now := clock()
	if resp.ThisUpdate.After(now.Add(margin)) {
		return resp, ErrStale
	}
	if !resp.NextUpdate.IsZero() && resp.NextUpdate.Before(now.Add(-margin)) {
		return resp, ErrStale
	}

	if resp.Certificate != nil {
		if err := checkResponderDelegation(resp.Certificate, issuer); err != nil {
			return resp, err
		}
	}

	return resp, nil
}

// checkCertIDMatch re-parses requestDER's CertID and compares its
// serial number against the already-parsed response's. Only the serial
// number is compared; the CertID's issuer name and key hashes are not.
func checkCertIDMatch(resp *ocsp.Response, requestDER []byte) error {
	if len(requestDER) == 0 {
		return nil // no request on hand to compare (e.g. cache hit from disk)
	}
	req, err := ocsp.ParseRequest(requestDER)
	if err != nil {
		return fmt.Errorf("ocsp: parse original request: %w", err)
	}
	if req.SerialNumber.Cmp(resp.SerialNumber) != 0 {
		return ErrCertIDMismatch
	}
	return nil
}

// checkResponderDelegation accepts a response signed by a responder
// other than the issuer only if that responder carries the
// id-kp-OCSPSigning extended key usage and is itself issuer-signed,
// per §6.
func checkResponderDelegation(responder, issuer *x509.Certificate) error {
	if responder.Equal(issuer) {
		return nil
	}
	ok := false
	for _, eku := range responder.ExtKeyUsage {
		if eku == x509.ExtKeyUsageOCSPSigning {
			ok = true
			break
		}
	}
	if !ok {
		return ErrResponderEKU
	}
	if err := responder.CheckSignatureFrom(issuer); err != nil {
		return fmt.Errorf("%w: responder not signed by issuer: %v", ErrResponderEKU, err)
	}
	return nil
}
