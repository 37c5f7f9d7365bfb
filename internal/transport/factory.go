package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/foxzi/mailcast/internal/dkim"
	"github.com/foxzi/mailcast/internal/models"
)

// Constructor builds a sender for one provider
type Constructor func(p *models.Provider, opts Options) (Sender, error)

// Factory builds and caches senders per provider. A cached sender is rebuilt
// when the provider record changes.
type Factory struct {
	opts    Options
	keyring *dkim.Keyring

	mu           sync.Mutex
	constructors map[models.ProviderKind]Constructor
	cache        map[string]cachedSender
}

type cachedSender struct {
	updatedAt time.Time
	sender    Sender
}

// NewFactory creates a factory with the built-in provider kinds registered
func NewFactory(opts Options, keyring *dkim.Keyring) *Factory {
	opts = opts.withDefaults()
	if keyring == nil {
		keyring = dkim.NewKeyring()
	}

	f := &Factory{
		opts:         opts,
		keyring:      keyring,
		constructors: make(map[models.ProviderKind]Constructor),
		cache:        make(map[string]cachedSender),
	}

	f.Register(models.KindSMTP, func(p *models.Provider, opts Options) (Sender, error) {
		signer, err := f.keyring.ForProvider(p)
		if err != nil {
			return nil, err
		}
		return NewSMTP(p, opts, signer), nil
	})
	f.Register(models.KindSendGrid, func(p *models.Provider, opts Options) (Sender, error) {
		return NewSendGrid(p, opts), nil
	})
	f.Register(models.KindPostmark, func(p *models.Provider, opts Options) (Sender, error) {
		return NewPostmark(p, opts), nil
	})
	f.Register(models.KindMailgun, func(p *models.Provider, opts Options) (Sender, error) {
		return NewMailgun(p, opts), nil
	})
	f.Register(models.KindSES, func(p *models.Provider, opts Options) (Sender, error) {
		return NewSES(p, opts), nil
	})
	f.Register(models.KindResend, func(p *models.Provider, opts Options) (Sender, error) {
		return NewResend(p, opts)
	})

	return f
}

// Register sets the constructor of a provider kind
func (f *Factory) Register(kind models.ProviderKind, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = c
}

// Options returns the shared transport options
func (f *Factory) Options() Options {
	return f.opts
}

// For returns the sender of p
func (f *Factory) For(p *models.Provider) (Sender, error) {
	f.mu.Lock()
	if cached, ok := f.cache[p.ID]; ok && p.ID != "" && cached.updatedAt.Equal(p.UpdatedAt) {
		f.mu.Unlock()
		return cached.sender, nil
	}
	construct, ok := f.constructors[p.Kind]
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no transport for provider kind %q", p.Kind)
	}

	sender, err := construct(p, f.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s transport for %s: %w", p.Kind, p.Name, err)
	}

	if p.ID != "" {
		f.mu.Lock()
		f.cache[p.ID] = cachedSender{updatedAt: p.UpdatedAt, sender: sender}
		f.mu.Unlock()
	}
	return sender, nil
}
