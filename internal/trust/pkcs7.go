package trust

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/smallstep/pkcs7"

	"github.com/CloudNativeWorks/elchi-updater/internal/bundle"
)

// PKCS7Inspector reads the attached PKCS#7 signature stored in the bundle.
// The signed content must be the bundle's current bundle.Digest.
//
// With Roots set the signer must chain to them and the identity is the
// signer's organisation (common name when unset). Without Roots nothing
// vouches for the subject, so the identity also carries the fingerprint of
// the signer's public key: "Org-A sha256:<hex>".
type PKCS7Inspector struct {
	Roots *x509.CertPool
}

// Identity implements Inspector.
func (p PKCS7Inspector) Identity(bundlePath string) (string, error) {
	sig, err := os.ReadFile(filepath.Join(bundlePath, bundle.SignatureName))
	if err != nil {
		return "", err
	}
	digest, err := bundle.Digest(bundlePath)
	if err != nil {
		return "", err
	}

	p7, err := pkcs7.Parse(sig)
	if err != nil {
		return "", fmt.Errorf("parse signature: %w", err)
	}
	if !bytes.Equal(p7.Content, digest) {
		return "", errors.New("signature does not cover the bundle contents")
	}

	if p.Roots != nil {
		err = p7.VerifyWithChain(p.Roots)
	} else {
		err = p7.Verify()
	}
	if err != nil {
		return "", fmt.Errorf("verify signature: %w", err)
	}

	signer := p7.GetOnlySigner()
	if signer == nil {
		return "", errors.New("signature must have exactly one signer")
	}

	name := signer.Subject.CommonName
	if len(signer.Subject.Organization) > 0 && signer.Subject.Organization[0] != "" {
		name = signer.Subject.Organization[0]
	}
	if p.Roots != nil {
		return name, nil
	}
	return name + " " + KeyFingerprint(signer), nil
}

// KeyFingerprint returns "sha256:<hex>" of the certificate's SubjectPublicKeyInfo.
func KeyFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return "sha256:" + hex.EncodeToString(sum[:])
}
