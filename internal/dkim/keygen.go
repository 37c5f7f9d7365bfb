package dkim

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// KeyPair is a generated signing key for a provider domain
type KeyPair struct {
	PrivateKey *rsa.PrivateKey
	Domain     string
	Selector   string
}

// GenerateKey generates an RSA key pair of the given size (2048 when bits is 0)
func GenerateKey(domain, selector string, bits int) (*KeyPair, error) {
	if bits == 0 {
		bits = 2048
	}
	if bits < 1024 {
		return nil, fmt.Errorf("key size %d is too small", bits)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	return &KeyPair{
		PrivateKey: privateKey,
		Domain:     domain,
		Selector:   selector,
	}, nil
}

// Save writes the private key as <dir>/<selector>.<domain>.pem and returns the path
func (kp *KeyPair) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create key directory: %w", err)
	}

	path := filepath.Join(dir, kp.Selector+"."+kp.Domain+".pem")
	data := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(kp.PrivateKey),
	})

	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write key file: %w", err)
	}
	return path, nil
}

// DNSName returns the TXT record name to publish
func (kp *KeyPair) DNSName() string {
	return kp.Selector + "._domainkey." + kp.Domain
}

// DNSRecord returns the TXT record value to publish
func (kp *KeyPair) DNSRecord() (string, error) {
	pub, err := x509.MarshalPKIXPublicKey(&kp.PrivateKey.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pub), nil
}

// LoadPrivateKey reads a PKCS#1 or PKCS#8 RSA key from a PEM file
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key in %s is not RSA", path)
		}
		return rsaKey, nil
	}
	return nil, fmt.Errorf("unsupported key type %q", block.Type)
}
