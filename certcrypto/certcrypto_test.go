package certcrypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"testing"
	"time"
)

func TestGenerateKeyKinds(t *testing.T) {
	tests := []struct {
		kt   KeyType
		want func(t *testing.T, key interface{})
	}{
		{RSA2048, func(t *testing.T, key interface{}) {
			k, ok := key.(*rsa.PrivateKey)
			if !ok {
				t.Fatalf("expected *rsa.PrivateKey, got %T", key)
			}
			if k.N.BitLen() != 2048 {
				t.Fatalf("expected 2048 bits, got %d", k.N.BitLen())
			}
		}},
		{ECP256, func(t *testing.T, key interface{}) {
			k, ok := key.(*ecdsa.PrivateKey)
			if !ok {
				t.Fatalf("expected *ecdsa.PrivateKey, got %T", key)
			}
			if k.Curve.Params().Name != "P-256" {
				t.Fatalf("expected P-256, got %s", k.Curve.Params().Name)
			}
		}},
		{ECP384, func(t *testing.T, key interface{}) {
			k, ok := key.(*ecdsa.PrivateKey)
			if !ok {
				t.Fatalf("expected *ecdsa.PrivateKey, got %T", key)
			}
			if k.Curve.Params().Name != "P-384" {
				t.Fatalf("expected P-384, got %s", k.Curve.Params().Name)
			}
		}},
	}

	for _, tc := range tests {
		key, err := GenerateKey(tc.kt)
		if err != nil {
			t.Fatalf("GenerateKey(%s): %s", tc.kt, err)
		}
		tc.want(t, key)
	}

	if _, err := GenerateKey(KeyType("dsa-1024")); err == nil {
		t.Fatal("expected error for unknown key type")
	}
}

func TestKeyPEMRoundTrip(t *testing.T) {
	for _, kt := range []KeyType{RSA2048, ECP256} {
		key, err := GenerateKey(kt)
		if err != nil {
			t.Fatal(err)
		}
		parsed, err := ParseKeyPEM(KeyPEM(key))
		if err != nil {
			t.Fatalf("ParseKeyPEM(%s): %s", kt, err)
		}
		fp1, err := PublicKeyFingerprint(key.Public())
		if err != nil {
			t.Fatal(err)
		}
		fp2, err := PublicKeyFingerprint(parsed.Public())
		if err != nil {
			t.Fatal(err)
		}
		if fp1 != fp2 {
			t.Fatalf("fingerprint changed across PEM round trip: %s != %s", fp1, fp2)
		}
	}
}

func TestBuildCSRSortedAndStable(t *testing.T) {
	key, err := GenerateKey(RSA2048)
	if err != nil {
		t.Fatal(err)
	}

	a, err := BuildCSR(key, "www.example.org", []string{"b.example.org", "a.example.org"})
	if err != nil {
		t.Fatal(err)
	}
	// same names, different input order, CN duplicated in the SAN list
	b, err := BuildCSR(key, "www.example.org", []string{"a.example.org", "www.example.org", "b.example.org"})
	if err != nil {
		t.Fatal(err)
	}

	// RSA PKCS#1 v1.5 signatures are deterministic, so the full DER must match
	if !bytes.Equal(a, b) {
		t.Fatal("CSR bytes differ for the same key and name set")
	}

	csr, err := x509.ParseCertificateRequest(a)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.example.org", "b.example.org", "www.example.org"}
	if len(csr.DNSNames) != len(want) {
		t.Fatalf("expected %d names, got %v", len(want), csr.DNSNames)
	}
	for i, n := range want {
		if csr.DNSNames[i] != n {
			t.Fatalf("SAN %d: expected %s, got %s", i, n, csr.DNSNames[i])
		}
	}
	if csr.Subject.CommonName != "www.example.org" {
		t.Fatalf("expected CN www.example.org, got %s", csr.Subject.CommonName)
	}
}

func TestBuildCSRECDSATBSStable(t *testing.T) {
	key, err := GenerateKey(ECP256)
	if err != nil {
		t.Fatal(err)
	}

	a, err := BuildCSR(key, "www.example.org", []string{"api.example.org"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := BuildCSR(key, "www.example.org", []string{"api.example.org"})
	if err != nil {
		t.Fatal(err)
	}

	// ECDSA signatures are randomized, but the signed request info must match
	csrA, err := x509.ParseCertificateRequest(a)
	if err != nil {
		t.Fatal(err)
	}
	csrB, err := x509.ParseCertificateRequest(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(csrA.RawTBSCertificateRequest, csrB.RawTBSCertificateRequest) {
		t.Fatal("CSR request info differs for the same key and name set")
	}
}

func TestBuildCSRNoNames(t *testing.T) {
	key, err := GenerateKey(ECP256)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := BuildCSR(key, "", nil); err == nil {
		t.Fatal("expected error for empty name set")
	}
}

func TestKeyAuthorization(t *testing.T) {
	key, err := GenerateKey(ECP256)
	if err != nil {
		t.Fatal(err)
	}
	ka, err := KeyAuthorization("token123", key)
	if err != nil {
		t.Fatal(err)
	}
	thumb, err := Thumbprint(key)
	if err != nil {
		t.Fatal(err)
	}
	if ka != "token123."+thumb {
		t.Fatalf("unexpected key authorization %s", ka)
	}
}

func TestSignatureAlgorithm(t *testing.T) {
	rsaKey, _ := GenerateKey(RSA2048)
	p256Key, _ := GenerateKey(ECP256)
	p384Key, _ := GenerateKey(ECP384)

	if alg, _ := SignatureAlgorithm(rsaKey); alg != "RS256" {
		t.Fatalf("expected RS256, got %s", alg)
	}
	if alg, _ := SignatureAlgorithm(p256Key); alg != "ES256" {
		t.Fatalf("expected ES256, got %s", alg)
	}
	if alg, _ := SignatureAlgorithm(p384Key); alg != "ES384" {
		t.Fatalf("expected ES384, got %s", alg)
	}
}

func TestSelfSigned(t *testing.T) {
	key, err := GenerateKey(ECP256)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().Truncate(time.Second)
	der, err := SelfSigned(key, []string{"www.example.org"}, now)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	if cert.Subject.CommonName != "Snakeoil cert" {
		t.Fatalf("unexpected CN %s", cert.Subject.CommonName)
	}
	if cert.DNSNames[0] != "www.example.org" {
		t.Fatalf("unexpected SANs %v", cert.DNSNames)
	}
	if got := cert.NotAfter.Sub(cert.NotBefore); got != SelfSignedValidity {
		t.Fatalf("expected %s validity, got %s", SelfSignedValidity, got)
	}
}
