package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/mailcast/internal/models"
	"github.com/foxzi/mailcast/internal/secrets"
)

const providerColumns = `id, name, kind, COALESCE(host, ''), COALESCE(port, 0), COALESCE(tls_mode, ''),
	COALESCE(skip_tls_verify, 0), COALESCE(username, ''), COALESCE(password, ''), COALESCE(api_key, ''),
	COALESCE(api_secret, ''), COALESCE(region, ''), COALESCE(domain, ''), COALESCE(base_url, ''),
	from_email, COALESCE(from_name, ''), COALESCE(reply_to, ''),
	COALESCE(dkim_domain, ''), COALESCE(dkim_selector, ''), COALESCE(dkim_key_file, ''),
	max_per_day, max_per_hour, max_per_second,
	total_sent, total_delivered, total_bounced, total_opened, total_clicked,
	active, is_default, last_used_at, created_at, updated_at`

// ProviderCounter names a lifetime counter on providers
type ProviderCounter string

const (
	ProviderSent      ProviderCounter = "total_sent"
	ProviderDelivered ProviderCounter = "total_delivered"
	ProviderBounced   ProviderCounter = "total_bounced"
	ProviderOpened    ProviderCounter = "total_opened"
	ProviderClicked   ProviderCounter = "total_clicked"
)

func (c ProviderCounter) valid() bool {
	switch c {
	case ProviderSent, ProviderDelivered, ProviderBounced, ProviderOpened, ProviderClicked:
		return true
	}
	return false
}

type ProviderRepository struct {
	db  *sql.DB
	box *secrets.Box
}

// NewProviderRepository creates a provider repository. box may be nil,
// in which case credentials are stored as given.
func NewProviderRepository(db *sql.DB, box *secrets.Box) *ProviderRepository {
	return &ProviderRepository{db: db, box: box}
}

// Create validates and inserts a provider. When IsDefault is set, every
// other provider loses the flag in the same transaction.
func (r *ProviderRepository) Create(ctx context.Context, p *models.Provider) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid provider: %w", err)
	}

	creds, err := r.sealCredentials(p)
	if err != nil {
		return err
	}

	p.ID = uuid.New().String()
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkNameFree(ctx, tx, p.Name, ""); err != nil {
		return err
	}
	if p.IsDefault {
		if _, err := tx.ExecContext(ctx, "UPDATE providers SET is_default = 0, updated_at = ? WHERE is_default = 1", p.UpdatedAt); err != nil {
			return fmt.Errorf("failed to clear default provider: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO providers (id, name, kind, host, port, tls_mode, skip_tls_verify, username, password,
			api_key, api_secret, region, domain, base_url, from_email, from_name, reply_to,
			dkim_domain, dkim_selector, dkim_key_file, max_per_day, max_per_hour, max_per_second,
			active, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(p.Kind), p.Host, p.Port, string(p.TLSMode), boolToInt(p.SkipTLSVerify), p.Username, creds.password,
		creds.apiKey, creds.apiSecret, p.Region, p.Domain, p.BaseURL, p.FromEmail, p.FromName, p.ReplyTo,
		p.DKIMDomain, p.DKIMSelector, p.DKIMKeyFile, p.MaxPerDay, p.MaxPerHour, p.MaxPerSecond,
		boolToInt(p.Active), boolToInt(p.IsDefault), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}

	return tx.Commit()
}

// Update saves editable provider settings. Counters and last_used_at are
// owned by the delivery path and are not touched here.
func (r *ProviderRepository) Update(ctx context.Context, p *models.Provider) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid provider: %w", err)
	}

	creds, err := r.sealCredentials(p)
	if err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkNameFree(ctx, tx, p.Name, p.ID); err != nil {
		return err
	}
	if p.IsDefault {
		if _, err := tx.ExecContext(ctx, "UPDATE providers SET is_default = 0, updated_at = ? WHERE is_default = 1 AND id != ?", p.UpdatedAt, p.ID); err != nil {
			return fmt.Errorf("failed to clear default provider: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE providers SET name = ?, kind = ?, host = ?, port = ?, tls_mode = ?, skip_tls_verify = ?,
			username = ?, password = ?, api_key = ?, api_secret = ?, region = ?, domain = ?, base_url = ?,
			from_email = ?, from_name = ?, reply_to = ?, dkim_domain = ?, dkim_selector = ?, dkim_key_file = ?,
			max_per_day = ?, max_per_hour = ?, max_per_second = ?, active = ?, is_default = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, string(p.Kind), p.Host, p.Port, string(p.TLSMode), boolToInt(p.SkipTLSVerify),
		p.Username, creds.password, creds.apiKey, creds.apiSecret, p.Region, p.Domain, p.BaseURL,
		p.FromEmail, p.FromName, p.ReplyTo, p.DKIMDomain, p.DKIMSelector, p.DKIMKeyFile,
		p.MaxPerDay, p.MaxPerHour, p.MaxPerSecond, boolToInt(p.Active), boolToInt(p.IsDefault), p.UpdatedAt,
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update provider: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// SetDefault makes id the only default provider
func (r *ProviderRepository) SetDefault(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, "UPDATE providers SET is_default = 0, updated_at = ? WHERE is_default = 1 AND id != ?", now, id); err != nil {
		return fmt.Errorf("failed to clear default provider: %w", err)
	}

	result, err := tx.ExecContext(ctx, "UPDATE providers SET is_default = 1, updated_at = ? WHERE id = ?", now, id)
	if err != nil {
		return fmt.Errorf("failed to set default provider: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit default provider: %w", err)
	}
	return nil
}

// GetByID returns a provider by ID
func (r *ProviderRepository) GetByID(ctx context.Context, id string) (*models.Provider, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+providerColumns+" FROM providers WHERE id = ?", id)
	return r.scanOne(row)
}

// GetByName returns a provider by its unique name
func (r *ProviderRepository) GetByName(ctx context.Context, name string) (*models.Provider, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+providerColumns+" FROM providers WHERE name = ?", name)
	return r.scanOne(row)
}

// GetDefault returns the default provider, or ErrNotFound when none is set
func (r *ProviderRepository) GetDefault(ctx context.Context) (*models.Provider, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+providerColumns+" FROM providers WHERE is_default = 1")
	return r.scanOne(row)
}

// List returns providers in registry order (creation time, then name)
func (r *ProviderRepository) List(ctx context.Context, filter models.ProviderListFilter) ([]models.Provider, error) {
	query := "SELECT " + providerColumns + " FROM providers WHERE 1=1"
	args := []any{}

	if filter.ActiveOnly {
		query += " AND active = 1"
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	query += " ORDER BY created_at, name"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	providers := []models.Provider{}
	for rows.Next() {
		p, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, *p)
	}
	return providers, rows.Err()
}

// ListActive returns active providers in registry order
func (r *ProviderRepository) ListActive(ctx context.Context) ([]models.Provider, error) {
	return r.List(ctx, models.ProviderListFilter{ActiveOnly: true})
}

// SetActive enables or disables a provider
func (r *ProviderRepository) SetActive(ctx context.Context, id string, active bool) error {
	result, err := r.db.ExecContext(ctx, "UPDATE providers SET active = ?, updated_at = ? WHERE id = ?",
		boolToInt(active), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update provider: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a provider. Log entries keep their rows with a NULL provider.
func (r *ProviderRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM providers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastUsed stamps last_used_at
func (r *ProviderRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, "UPDATE providers SET last_used_at = ? WHERE id = ?", utc(at), id)
	if err != nil {
		return fmt.Errorf("failed to update last_used_at: %w", err)
	}
	return nil
}

// Increment atomically adds one to a lifetime counter
func (r *ProviderRepository) Increment(ctx context.Context, id string, counter ProviderCounter) error {
	if !counter.valid() {
		return fmt.Errorf("unknown provider counter %q", counter)
	}
	_, err := r.db.ExecContext(ctx,
		"UPDATE providers SET "+string(counter)+" = "+string(counter)+" + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", counter, err)
	}
	return nil
}

// RecountStats rebuilds lifetime counters from the delivery log. Counters
// never decrease, so entries removed by retention cleanup stay counted.
func (r *ProviderRepository) RecountStats(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE providers SET
			total_sent = MAX(total_sent, (SELECT COUNT(*) FROM delivery_logs WHERE provider_id = providers.id AND sent_at IS NOT NULL)),
			total_delivered = MAX(total_delivered, (SELECT COUNT(*) FROM delivery_logs WHERE provider_id = providers.id AND delivered_at IS NOT NULL)),
			total_bounced = MAX(total_bounced, (SELECT COUNT(*) FROM delivery_logs WHERE provider_id = providers.id AND bounced_at IS NOT NULL)),
			total_opened = MAX(total_opened, (SELECT COUNT(*) FROM delivery_logs WHERE provider_id = providers.id AND opened_at IS NOT NULL)),
			total_clicked = MAX(total_clicked, (SELECT COUNT(*) FROM delivery_logs WHERE provider_id = providers.id AND clicked_at IS NOT NULL))
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to recount provider stats: %w", err)
	}
	return nil
}

// RecountAll rebuilds counters for every provider
func (r *ProviderRepository) RecountAll(ctx context.Context) (int, error) {
	providers, err := r.List(ctx, models.ProviderListFilter{})
	if err != nil {
		return 0, err
	}
	for _, p := range providers {
		if err := r.RecountStats(ctx, p.ID); err != nil {
			return 0, err
		}
	}
	return len(providers), nil
}

type sealedCredentials struct {
	password  string
	apiKey    string
	apiSecret string
}

func (r *ProviderRepository) sealCredentials(p *models.Provider) (sealedCredentials, error) {
	var c sealedCredentials
	var err error
	if c.password, err = r.box.Seal(p.Password); err != nil {
		return c, err
	}
	if c.apiKey, err = r.box.Seal(p.APIKey); err != nil {
		return c, err
	}
	if c.apiSecret, err = r.box.Seal(p.APISecret); err != nil {
		return c, err
	}
	return c, nil
}

func (r *ProviderRepository) scanOne(row *sql.Row) (*models.Provider, error) {
	p, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (r *ProviderRepository) scan(s scanner) (*models.Provider, error) {
	p := &models.Provider{}
	var kind, tlsMode string
	var skipVerify, active, isDefault int
	var lastUsed sql.NullTime

	err := s.Scan(&p.ID, &p.Name, &kind, &p.Host, &p.Port, &tlsMode,
		&skipVerify, &p.Username, &p.Password, &p.APIKey,
		&p.APISecret, &p.Region, &p.Domain, &p.BaseURL,
		&p.FromEmail, &p.FromName, &p.ReplyTo,
		&p.DKIMDomain, &p.DKIMSelector, &p.DKIMKeyFile,
		&p.MaxPerDay, &p.MaxPerHour, &p.MaxPerSecond,
		&p.TotalSent, &p.TotalDelivered, &p.TotalBounced, &p.TotalOpened, &p.TotalClicked,
		&active, &isDefault, &lastUsed, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.Kind = models.ProviderKind(kind)
	p.TLSMode = models.TLSMode(tlsMode)
	p.SkipTLSVerify = skipVerify == 1
	p.Active = active == 1
	p.IsDefault = isDefault == 1
	p.LastUsedAt = timePtr(lastUsed)

	if p.Password, err = r.box.Open(p.Password); err != nil {
		return nil, fmt.Errorf("provider %s password: %w", p.Name, err)
	}
	if p.APIKey, err = r.box.Open(p.APIKey); err != nil {
		return nil, fmt.Errorf("provider %s api_key: %w", p.Name, err)
	}
	if p.APISecret, err = r.box.Open(p.APISecret); err != nil {
		return nil, fmt.Errorf("provider %s api_secret: %w", p.Name, err)
	}

	return p, nil
}

func checkNameFree(ctx context.Context, tx *sql.Tx, name, exceptID string) error {
	var count int
	err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM providers WHERE name = ? AND id != ?", name, exceptID).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check provider name: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("provider %q: %w", name, ErrDuplicateName)
	}
	return nil
}
