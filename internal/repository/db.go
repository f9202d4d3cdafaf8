package repository

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the campaign metadata database.
type DB struct {
	*sql.DB
}

// New opens (creating if needed) the sqlite database at path.
func New(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

// Migrate applies the schema.
func (db *DB) Migrate() error {
	migrations := []string{
		migrationCampaigns,
		migrationRecipients,
		migrationABTests,
		migrationVariants,
		migrationAssignments,
		migrationCounters,
		migrationSendHourProfiles,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL,
    subject TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL DEFAULT '',
    html TEXT NOT NULL DEFAULT '',
    from_email TEXT NOT NULL,
    from_name TEXT NOT NULL DEFAULT '',
    reply_to TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 5,
    status TEXT NOT NULL DEFAULT 'draft',
    schedule TEXT NOT NULL DEFAULT '',
    variables TEXT NOT NULL DEFAULT '',
    ab_test_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    activated_at TIMESTAMP,
    completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status);
`

const migrationRecipients = `
CREATE TABLE IF NOT EXISTS recipients (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    email TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    variables TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    UNIQUE(campaign_id, email)
);
CREATE INDEX IF NOT EXISTS idx_recipients_campaign ON recipients(campaign_id);
`

const migrationABTests = `
CREATE TABLE IF NOT EXISTS ab_tests (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    metric TEXT NOT NULL DEFAULT 'open',
    status TEXT NOT NULL DEFAULT 'running',
    confidence_level REAL NOT NULL DEFAULT 0.95,
    min_sample_size INTEGER NOT NULL DEFAULT 200,
    bayesian_enabled INTEGER NOT NULL DEFAULT 0,
    probability_threshold REAL NOT NULL DEFAULT 0.95,
    expected_loss_tolerance REAL NOT NULL DEFAULT 0.005,
    automatic_winner INTEGER NOT NULL DEFAULT 0,
    winner_variant_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_ab_tests_status ON ab_tests(status);
`

const migrationVariants = `
CREATE TABLE IF NOT EXISTS ab_variants (
    id TEXT PRIMARY KEY,
    test_id TEXT NOT NULL REFERENCES ab_tests(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    is_control INTEGER NOT NULL DEFAULT 0,
    allocation_percent INTEGER NOT NULL,
    subject_override TEXT NOT NULL DEFAULT '',
    body_override TEXT NOT NULL DEFAULT '',
    html_override TEXT NOT NULL DEFAULT '',
    from_name_override TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ab_variants_test ON ab_variants(test_id);
`

const migrationAssignments = `
CREATE TABLE IF NOT EXISTS ab_assignments (
    test_id TEXT NOT NULL,
    email TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (test_id, email)
);
`

const migrationCounters = `
CREATE TABLE IF NOT EXISTS ab_counters (
    variant_id TEXT PRIMARY KEY,
    sent INTEGER NOT NULL DEFAULT 0,
    delivered INTEGER NOT NULL DEFAULT 0,
    opened INTEGER NOT NULL DEFAULT 0,
    clicked INTEGER NOT NULL DEFAULT 0,
    converted INTEGER NOT NULL DEFAULT 0,
    bounced INTEGER NOT NULL DEFAULT 0,
    unsubscribed INTEGER NOT NULL DEFAULT 0,
    revenue REAL NOT NULL DEFAULT 0
);
`

const migrationSendHourProfiles = `
CREATE TABLE IF NOT EXISTS send_hour_profiles (
    email TEXT PRIMARY KEY,
    preferred_hour INTEGER NOT NULL,
    timezone TEXT NOT NULL DEFAULT 'UTC',
    last_sent_at TIMESTAMP,
    updated_at TIMESTAMP NOT NULL
);
`
