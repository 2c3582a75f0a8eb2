// Package signtest provides throwaway RSA signers and certificates for
// tests.
package signtest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

// Signer holds a certificate chain and the signer's private key.
type Signer struct {
	Key   *rsa.PrivateKey
	Cert  *x509.Certificate
	CA    *x509.Certificate
	caKey *rsa.PrivateKey
}

// Chain returns the signer certificate followed by its issuer.
func (s *Signer) Chain() []*x509.Certificate {
	return []*x509.Certificate{s.Cert, s.CA}
}

// SignDigest signs a SHA-256 digest with PKCS#1 v1.5, as a remote signer
// would for a hash-sign request.
func (s *Signer) SignDigest(digest []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(rand.Reader, s.Key, crypto.SHA256, digest)
}

// SignData hashes data with SHA-256 and signs the digest.
func (s *Signer) SignData(data []byte) ([]byte, error) {
	sum := sha256.Sum256(data)
	return s.SignDigest(sum[:])
}

// NewSigner generates a CA and a signer certificate issued by it.
func NewSigner(t testing.TB, commonName string) *Signer {
	t.Helper()

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate CA key: %v", err)
	}
	now := time.Now()
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA", Organization: []string{"Test"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("Failed to create CA certificate: %v", err)
	}
	ca, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("Failed to parse CA certificate: %v", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		OCSPServer:   []string{"http://ocsp.invalid"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca, &key.PublicKey, caKey)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}

	return &Signer{Key: key, Cert: cert, CA: ca, caKey: caKey}
}

// CAKey returns the issuer's private key, for tests that sign OCSP
// responses.
func (s *Signer) CAKey() *rsa.PrivateKey {
	return s.caKey
}
