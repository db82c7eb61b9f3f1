package certcrypto

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"sort"
)

// BuildCSR creates a PKCS#10 CSR in DER form. The SAN list is deduplicated
// and sorted lexicographically before signing so that the same (key, names)
// input always produces identical bytes; cn is carried as the subject CN and
// is always part of the SAN set.
func BuildCSR(key crypto.Signer, cn string, sans []string) ([]byte, error) {
	if cn == "" && len(sans) == 0 {
		return nil, ErrNoNames
	}
	template := x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: cn},
		DNSNames: SortedNames(append([]string{cn}, sans...)),
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &template, key)
	if err != nil {
		return nil, fmt.Errorf("error in CreateCertificateRequest: %w", err)
	}
	return der, nil
}

// SortedNames returns the unique DNS names sorted lexicographically, empty
// strings dropped.
func SortedNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
