package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"fmt"
	"sync"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/foxzi/mailcast/internal/models"
)

// signedHeaders are the headers covered by campaign signatures
var signedHeaders = []string{"From", "To", "Subject", "Date", "Message-ID", "Reply-To", "MIME-Version", "Content-Type"}

// Signer signs outgoing campaign messages for one domain
type Signer struct {
	privateKey *rsa.PrivateKey
	domain     string
	selector   string
}

// NewSigner creates a new DKIM signer
func NewSigner(privateKey *rsa.PrivateKey, domain, selector string) *Signer {
	return &Signer{
		privateKey: privateKey,
		domain:     domain,
		selector:   selector,
	}
}

// Sign returns the message with a DKIM-Signature header prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.privateKey,
		Hash:                   crypto.SHA256,
		HeaderKeys:             signedHeaders,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(message), options); err != nil {
		return nil, fmt.Errorf("failed to sign message for %s: %w", s.domain, err)
	}
	return signed.Bytes(), nil
}

// Domain returns the DKIM domain
func (s *Signer) Domain() string {
	return s.domain
}

// Selector returns the DKIM selector
func (s *Signer) Selector() string {
	return s.selector
}

// Keyring loads provider signing keys once and reuses them
type Keyring struct {
	mu      sync.Mutex
	signers map[string]*Signer
}

// NewKeyring creates an empty keyring
func NewKeyring() *Keyring {
	return &Keyring{signers: make(map[string]*Signer)}
}

// ForProvider returns the signer configured on p, or nil when p does not sign
func (k *Keyring) ForProvider(p *models.Provider) (*Signer, error) {
	if p.DKIMDomain == "" || p.DKIMSelector == "" || p.DKIMKeyFile == "" {
		return nil, nil
	}

	cacheKey := p.DKIMKeyFile + "|" + p.DKIMDomain + "|" + p.DKIMSelector

	k.mu.Lock()
	defer k.mu.Unlock()

	if s, ok := k.signers[cacheKey]; ok {
		return s, nil
	}

	key, err := LoadPrivateKey(p.DKIMKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key of %s: %w", p.Name, err)
	}

	s := NewSigner(key, p.DKIMDomain, p.DKIMSelector)
	k.signers[cacheKey] = s
	return s, nil
}
