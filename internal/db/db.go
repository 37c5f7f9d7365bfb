package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

// New opens (creating if needed) the sqlite database at path
func New(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Immediate transactions take the write lock up front so concurrent
	// SetDefault calls queue on busy_timeout instead of failing on upgrade.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{db}, nil
}

// NewMemory opens a private in-memory database with migrations applied.
// The pool is pinned to one connection since every sqlite :memory:
// connection is its own database.
func NewMemory() (*DB, error) {
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	d := &DB{db}
	if err := d.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Migrate creates the schema. Every statement is idempotent.
func (db *DB) Migrate() error {
	migrations := []string{
		migrationProviders,
		migrationSubscribers,
		migrationSegments,
		migrationCampaigns,
		migrationCampaignAttachments,
		migrationDeliveryLogs,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const migrationProviders = `
CREATE TABLE IF NOT EXISTS providers (
    id TEXT PRIMARY KEY,
    name TEXT UNIQUE NOT NULL,
    kind TEXT NOT NULL,
    host TEXT,
    port INTEGER DEFAULT 0,
    tls_mode TEXT,
    skip_tls_verify INTEGER DEFAULT 0,
    username TEXT,
    password TEXT,
    api_key TEXT,
    api_secret TEXT,
    region TEXT,
    domain TEXT,
    base_url TEXT,
    from_email TEXT NOT NULL,
    from_name TEXT,
    reply_to TEXT,
    dkim_domain TEXT,
    dkim_selector TEXT,
    dkim_key_file TEXT,
    max_per_day INTEGER DEFAULT 0,
    max_per_hour INTEGER DEFAULT 0,
    max_per_second INTEGER DEFAULT 0,
    total_sent INTEGER DEFAULT 0,
    total_delivered INTEGER DEFAULT 0,
    total_bounced INTEGER DEFAULT 0,
    total_opened INTEGER DEFAULT 0,
    total_clicked INTEGER DEFAULT 0,
    active INTEGER DEFAULT 1,
    is_default INTEGER DEFAULT 0,
    last_used_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_providers_single_default ON providers(is_default) WHERE is_default = 1;
CREATE INDEX IF NOT EXISTS idx_providers_active ON providers(active);
`

const migrationSubscribers = `
CREATE TABLE IF NOT EXISTS subscribers (
    id TEXT PRIMARY KEY,
    email TEXT UNIQUE NOT NULL,
    name TEXT,
    status TEXT DEFAULT 'active',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_subscribers_status ON subscribers(status);
`

const migrationSegments = `
CREATE TABLE IF NOT EXISTS segments (
    id TEXT PRIMARY KEY,
    name TEXT UNIQUE NOT NULL,
    description TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS segment_subscribers (
    segment_id TEXT NOT NULL REFERENCES segments(id) ON DELETE CASCADE,
    subscriber_id TEXT NOT NULL REFERENCES subscribers(id) ON DELETE CASCADE,
    PRIMARY KEY (segment_id, subscriber_id)
);
CREATE INDEX IF NOT EXISTS idx_segment_subscribers_subscriber ON segment_subscribers(subscriber_id);
`

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    subject TEXT NOT NULL,
    from_email TEXT,
    from_name TEXT,
    reply_to TEXT,
    html TEXT,
    text TEXT,
    provider_id TEXT REFERENCES providers(id) ON DELETE SET NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    total_recipients INTEGER DEFAULT 0,
    total_sent INTEGER DEFAULT 0,
    total_failed INTEGER DEFAULT 0,
    total_delivered INTEGER DEFAULT 0,
    total_opened INTEGER DEFAULT 0,
    total_clicked INTEGER DEFAULT 0,
    total_bounced INTEGER DEFAULT 0,
    total_unsubscribed INTEGER DEFAULT 0,
    scheduled_at TIMESTAMP,
    started_at TIMESTAMP,
    sent_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status);
CREATE TABLE IF NOT EXISTS campaign_segments (
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    segment_id TEXT NOT NULL REFERENCES segments(id) ON DELETE CASCADE,
    PRIMARY KEY (campaign_id, segment_id)
);
`

const migrationCampaignAttachments = `
CREATE TABLE IF NOT EXISTS campaign_attachments (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    filename TEXT NOT NULL,
    content_type TEXT,
    content BLOB,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_campaign_attachments_campaign ON campaign_attachments(campaign_id);
`

const migrationDeliveryLogs = `
CREATE TABLE IF NOT EXISTS delivery_logs (
    id TEXT PRIMARY KEY,
    campaign_id TEXT REFERENCES campaigns(id) ON DELETE SET NULL,
    recipient TEXT NOT NULL,
    provider_id TEXT REFERENCES providers(id) ON DELETE SET NULL,
    subject TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    error TEXT,
    bounce_reason TEXT,
    message_id TEXT,
    tracking_id TEXT UNIQUE NOT NULL,
    sent_at TIMESTAMP,
    delivered_at TIMESTAMP,
    opened_at TIMESTAMP,
    clicked_at TIMESTAMP,
    bounced_at TIMESTAMP,
    failed_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_delivery_logs_campaign_status ON delivery_logs(campaign_id, status);
CREATE INDEX IF NOT EXISTS idx_delivery_logs_provider_sent ON delivery_logs(provider_id, sent_at);
CREATE INDEX IF NOT EXISTS idx_delivery_logs_message_id ON delivery_logs(message_id);
CREATE INDEX IF NOT EXISTS idx_delivery_logs_status_created ON delivery_logs(status, created_at);
`
