package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/foxzi/mailcast/internal/config"
	"github.com/foxzi/mailcast/internal/models"
	"github.com/foxzi/mailcast/internal/repository"
)

// ProviderRegistry is the part of the provider repository seeding needs
type ProviderRegistry interface {
	GetByName(ctx context.Context, name string) (*models.Provider, error)
	Create(ctx context.Context, p *models.Provider) error
	Update(ctx context.Context, p *models.Provider) error
}

// SeedProviders creates or updates the providers declared in the config,
// matched by name. Counters and last use of existing providers are kept.
func SeedProviders(ctx context.Context, repo ProviderRegistry, declared []config.ProviderConfig, logger *slog.Logger) (int, error) {
	n := 0
	for _, pc := range declared {
		p, err := pc.Provider()
		if err != nil {
			return n, err
		}

		existing, err := repo.GetByName(ctx, p.Name)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			if err := repo.Create(ctx, p); err != nil {
				return n, fmt.Errorf("failed to create provider %s: %w", p.Name, err)
			}
			logger.Info("provider created", "provider", p.Name, "kind", p.Kind)
		case err != nil:
			return n, fmt.Errorf("failed to look up provider %s: %w", p.Name, err)
		default:
			p.ID = existing.ID
			p.CreatedAt = existing.CreatedAt
			if err := repo.Update(ctx, p); err != nil {
				return n, fmt.Errorf("failed to update provider %s: %w", p.Name, err)
			}
			logger.Debug("provider updated", "provider", p.Name, "kind", p.Kind)
		}
		n++
	}
	return n, nil
}
