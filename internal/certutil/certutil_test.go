package certutil

import (
	"net"
	"testing"
	"time"
)

func TestGenerateCertWithOptions(t *testing.T) {
	opts := CertOptions{
		CommonName:   "server-1",
		Organization: "Test Org",
		ValidFor:     30 * 24 * time.Hour,
		DNSNames:     []string{"server-1.example.com", "server-1.local"},
		IPAddresses:  []net.IP{net.ParseIP("192.168.1.100"), net.ParseIP("10.0.0.1")},
	}

	cert, err := GenerateCert(opts)
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}

	if len(cert.Certificate.DNSNames) != 2 {
		t.Errorf("DNSNames length = %d, want 2", len(cert.Certificate.DNSNames))
	}
	if len(cert.Certificate.IPAddresses) != 2 {
		t.Errorf("IPAddresses length = %d, want 2", len(cert.Certificate.IPAddresses))
	}
	if len(cert.Certificate.Subject.Organization) == 0 || cert.Certificate.Subject.Organization[0] != "Test Org" {
		t.Error("Organization not set correctly")
	}
}

func TestFingerprint(t *testing.T) {
	cert, err := GenerateCert(DefaultServerOptions("fp-test"))
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}

	fp := cert.Fingerprint()
	if len(fp) < 10 || fp[:7] != "sha256:" {
		t.Errorf("Fingerprint format invalid: %s", fp)
	}
	if cert.Fingerprint() != fp {
		t.Error("Fingerprint is not stable across calls")
	}
}

func TestTLSCertificate(t *testing.T) {
	cert, err := GenerateCert(DefaultServerOptions("tls-test"))
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}

	tlsCert, err := cert.TLSCertificate()
	if err != nil {
		t.Fatalf("TLSCertificate failed: %v", err)
	}

	if tlsCert.PrivateKey == nil {
		t.Error("TLS certificate PrivateKey is nil")
	}
	if len(tlsCert.Certificate) == 0 {
		t.Error("TLS certificate has no certificate data")
	}
}

func TestCreateCertPool(t *testing.T) {
	cert1, err := GenerateCert(DefaultServerOptions("pool-1"))
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}
	cert2, err := GenerateCert(DefaultServerOptions("pool-2"))
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}

	pool, err := CreateCertPool(cert1.CertPEM, cert2.CertPEM)
	if err != nil {
		t.Fatalf("CreateCertPool failed: %v", err)
	}
	if pool == nil {
		t.Fatal("Pool is nil")
	}

	if _, err := CreateCertPool([]byte("not a pem cert")); err == nil {
		t.Fatal("expected error for invalid PEM input")
	}
}

func TestParseCert(t *testing.T) {
	cert, err := GenerateCert(DefaultServerOptions("parse-test"))
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}

	parsed, err := ParseCert(cert.CertPEM, cert.KeyPEM)
	if err != nil {
		t.Fatalf("ParseCert failed: %v", err)
	}

	if parsed.Certificate.Subject.CommonName != cert.Certificate.Subject.CommonName {
		t.Error("Parsed certificate CommonName mismatch")
	}
	if parsed.Fingerprint() != cert.Fingerprint() {
		t.Error("Parsed certificate fingerprint mismatch")
	}
}

func TestDefaultServerOptions(t *testing.T) {
	opts := DefaultServerOptions("server")

	if opts.CommonName != "server" {
		t.Errorf("CommonName = %q, want %q", opts.CommonName, "server")
	}
	if opts.Organization != "qtun" {
		t.Errorf("Organization = %q, want %q", opts.Organization, "qtun")
	}
	if len(opts.DNSNames) == 0 {
		t.Error("DNSNames should not be empty")
	}
	if len(opts.IPAddresses) == 0 {
		t.Error("IPAddresses should not be empty")
	}
}

func TestSelfSignedCert(t *testing.T) {
	cert, err := GenerateCert(DefaultServerOptions("self-signed"))
	if err != nil {
		t.Fatalf("GenerateCert failed: %v", err)
	}

	if cert.Certificate.Subject.String() != cert.Certificate.Issuer.String() {
		t.Error("self-signed cert should have same subject and issuer")
	}
}
