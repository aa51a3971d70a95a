package tlsterm_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sidcorp-team/pingwall/internal/tlsterm"
)

// generateSelfSigned writes a throwaway cert/key pair for commonName to dir
// and returns their paths.
func generateSelfSigned(t *testing.T, dir, commonName string) (certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		DNSNames:     []string{commonName},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	certPath = filepath.Join(dir, commonName+"-cert.pem")
	keyPath = filepath.Join(dir, commonName+"-key.pem")

	certOut, err := os.Create(certPath)
	if err != nil {
		t.Fatalf("create cert file: %v", err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		t.Fatalf("encode cert: %v", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyOut, err := os.Create(keyPath)
	if err != nil {
		t.Fatalf("create key file: %v", err)
	}
	defer keyOut.Close()
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}); err != nil {
		t.Fatalf("encode key: %v", err)
	}
	return certPath, keyPath
}

func buildResolver(t *testing.T) *tlsterm.Resolver {
	t.Helper()
	dir := t.TempDir()

	exactCert, exactKey := generateSelfSigned(t, dir, "api.example.com")
	wildCert, wildKey := generateSelfSigned(t, dir, "star.example.com")
	defCert, defKey := generateSelfSigned(t, dir, "default.example.com")

	r, err := tlsterm.NewResolver([]tlsterm.DomainCert{
		{SNIName: "api.example.com", CertPath: exactCert, KeyPath: exactKey},
		{SNIName: "*.example.com", CertPath: wildCert, KeyPath: wildKey},
		{SNIName: "default.example.com", CertPath: defCert, KeyPath: defKey, Default: true},
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func commonNameOf(t *testing.T, cert *tls.Certificate) string {
	t.Helper()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}
	return leaf.Subject.CommonName
}

func Test_GetCertificate_ExactMatchWins(t *testing.T) {
	r := buildResolver(t)
	cert, err := r.GetCertificate(&tls.ClientHelloInfo{ServerName: "api.example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := commonNameOf(t, cert); got != "api.example.com" {
		t.Fatalf("want exact-match cert, got %q", got)
	}
}

func Test_GetCertificate_WildcardFallback(t *testing.T) {
	r := buildResolver(t)
	cert, err := r.GetCertificate(&tls.ClientHelloInfo{ServerName: "foo.example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := commonNameOf(t, cert); got != "star.example.com" {
		t.Fatalf("want wildcard cert, got %q", got)
	}
}

func Test_GetCertificate_NoMatchFailsClosed(t *testing.T) {
	dir := t.TempDir()
	cert, key := generateSelfSigned(t, dir, "only.example.com")
	r, err := tlsterm.NewResolver([]tlsterm.DomainCert{
		{SNIName: "only.example.com", CertPath: cert, KeyPath: key},
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	_, err = r.GetCertificate(&tls.ClientHelloInfo{ServerName: "unknown.example.com"})
	if err == nil {
		t.Fatalf("want fail-closed error for unmatched SNI, got nil")
	}
}

func Test_GetCertificate_ListenerDefaultUsedWhenNoSNI(t *testing.T) {
	r := buildResolver(t)
	cert, err := r.GetCertificate(&tls.ClientHelloInfo{ServerName: ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := commonNameOf(t, cert); got != "default.example.com" {
		t.Fatalf("want listener default cert, got %q", got)
	}
}

func Test_GetConfigForClient_RequiresClientCertWhenCAConfigured(t *testing.T) {
	dir := t.TempDir()
	cert, key := generateSelfSigned(t, dir, "mtls.example.com")

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ca key: %v", err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Unix(0, 0),
		NotAfter:              time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create ca certificate: %v", err)
	}
	caPath := filepath.Join(dir, "ca.pem")
	caOut, err := os.Create(caPath)
	if err != nil {
		t.Fatalf("create ca file: %v", err)
	}
	if err := pem.Encode(caOut, &pem.Block{Type: "CERTIFICATE", Bytes: caDER}); err != nil {
		t.Fatalf("encode ca: %v", err)
	}
	caOut.Close()

	r, err := tlsterm.NewResolver([]tlsterm.DomainCert{
		{SNIName: "mtls.example.com", CertPath: cert, KeyPath: key, CAPath: caPath},
	})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	cfg, err := r.GetConfigForClient(&tls.ClientHelloInfo{ServerName: "mtls.example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Fatalf("want RequireAndVerifyClientCert, got %v", cfg.ClientAuth)
	}
	if cfg.ClientCAs == nil {
		t.Fatalf("want non-nil ClientCAs pool")
	}
}
