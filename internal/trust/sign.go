package trust

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/smallstep/pkcs7"

	"github.com/CloudNativeWorks/elchi-updater/internal/bundle"
)

// Signer signs bundles with one certificate and key. Bundles signed by the
// same Signer share a trust identity.
type Signer struct {
	Cert *x509.Certificate
	Key  crypto.Signer
}

// NewSigner generates a self-signed code signing certificate for organization.
func NewSigner(organization string) (*Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{Organization: []string{organization}, CommonName: organization + " code signing"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Signer{Cert: cert, Key: key}, nil
}

// LoadSigner reads a PEM certificate and a PEM PKCS#8 private key.
func LoadSigner(certFile, keyFile string) (*Signer, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s: no PEM certificate", certFile)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("%s: no PEM private key", keyFile)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, errors.New("private key cannot sign")
	}
	return &Signer{Cert: cert, Key: key}, nil
}

// Save writes the certificate and key as PEM. The key file is private to the owner.
func (s *Signer) Save(certFile, keyFile string) error {
	der, err := x509.MarshalPKCS8PrivateKey(s.Key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		return err
	}
	return os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.Cert.Raw}), 0o644)
}

// Sign writes bundle.p7s over the bundle's content digest.
func (s *Signer) Sign(path string) error {
	digest, err := bundle.Digest(path)
	if err != nil {
		return err
	}

	sd, err := pkcs7.NewSignedData(digest)
	if err != nil {
		return err
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(s.Cert, s.Key, pkcs7.SignerInfoConfig{}); err != nil {
		return err
	}
	sig, err := sd.Finish()
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(path, bundle.SignatureName), sig, 0o644)
}

// SignBundle signs the bundle at path with a throwaway identity for organization.
func SignBundle(path, organization string) error {
	s, err := NewSigner(organization)
	if err != nil {
		return err
	}
	return s.Sign(path)
}
