package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"slices"
	"testing"
	"time"
)

func parse(t *testing.T, c *CertInfo) *x509.Certificate {
	t.Helper()
	if len(c.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}
	x, err := x509.ParseCertificate(c.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	return x
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	x := parse(t, cert)

	if validity := x.NotAfter.Sub(x.NotBefore); validity != time.Hour {
		t.Errorf("validity = %v, want 1h", validity)
	}
	if x.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if x.Subject.CommonName != "mirrorpipe" {
		t.Errorf("CN = %q", x.Subject.CommonName)
	}
	if cert.Fingerprint != sha256.Sum256(cert.TLSCert.Certificate[0]) {
		t.Error("fingerprint mismatch")
	}
	if cert.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}
	if !slices.Contains(x.DNSNames, "localhost") {
		t.Error("expected localhost in DNS names")
	}
}

func TestGenerateDefaultValidity(t *testing.T) {
	t.Parallel()
	cert, err := Generate(0)
	if err != nil {
		t.Fatal(err)
	}
	x := parse(t, cert)
	if validity := x.NotAfter.Sub(x.NotBefore); validity != DefaultValidity {
		t.Errorf("validity = %v, want %v", validity, DefaultValidity)
	}
}

func TestGenerateExtraHosts(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour, "capture.local", "192.168.1.20", "")
	if err != nil {
		t.Fatal(err)
	}
	x := parse(t, cert)
	if !slices.Contains(x.DNSNames, "capture.local") {
		t.Errorf("DNS names %v", x.DNSNames)
	}
	var found bool
	for _, ip := range x.IPAddresses {
		if ip.String() == "192.168.1.20" {
			found = true
		}
	}
	if !found {
		t.Errorf("IP addresses %v", x.IPAddresses)
	}
	if cfg := cert.TLSConfig(); len(cfg.Certificates) != 1 {
		t.Error("TLSConfig has no certificate")
	}
}
