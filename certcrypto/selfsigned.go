package certcrypto

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// SelfSignedValidity is how long a placeholder certificate is good for. It
// only needs to outlive the first successful ACME order by a wide margin.
const SelfSignedValidity = 3 * 24 * time.Hour

// SelfSigned builds the placeholder certificate that gets published for a
// name before the first real issuance, so the distribution API always has
// material to serve. Returns the leaf in DER form.
func SelfSigned(key crypto.Signer, sans []string, now time.Time) ([]byte, error) {
	if len(sans) == 0 {
		return nil, ErrNoNames
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("error generating serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "Snakeoil cert"},
		DNSNames:              SortedNames(sans),
		NotBefore:             now,
		NotAfter:              now.Add(SelfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("error in CreateCertificate: %w", err)
	}
	return der, nil
}
