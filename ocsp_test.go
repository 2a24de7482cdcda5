package pxecore

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

func issueTestCA(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func issueTestLeaf(t *testing.T, ca *x509.Certificate, caKey *ecdsa.PrivateKey, responderURL string) *x509.Certificate {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		OCSPServer:   []string{responderURL},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestOCSPCheckerHitsResponderThenCaches(t *testing.T) {
	ca, caKey := issueTestCA(t)

	var hits int
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	leaf := issueTestLeaf(t, ca, caKey, srv.URL)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		hits++
		respDER, err := ocsp.CreateResponse(ca, ca, ocsp.Response{
			Status:       ocsp.Good,
			SerialNumber: leaf.SerialNumber,
			ThisUpdate:   time.Now(),
			NextUpdate:   time.Now().Add(time.Hour),
		}, caKey)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = io.Copy(w, bytes.NewReader(respDER))
	})

	metrics := NewMetrics()
	checker := NewOCSPChecker(Duration(5*time.Minute), metrics)

	result, err := checker.Check(leaf, ca, "")
	require.NoError(t, err)
	require.Equal(t, ocsp.Good, result.Response.Status)
	require.Equal(t, 1, hits)

	result, err = checker.Check(leaf, ca, "")
	require.NoError(t, err)
	require.Equal(t, ocsp.Good, result.Response.Status)
	require.Equal(t, 1, hits, "second check must be served from cache")

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.OCSPCacheMisses))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.OCSPCacheHits))
}
