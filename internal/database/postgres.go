package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/alexnthnz/contract-reminders/internal/config"
)

// PostgresDB wraps sqlx.DB for PostgreSQL operations
type PostgresDB struct {
	*sqlx.DB
}

// DSN builds the lib/pq connection string for cfg
func DSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)
}

// NewPostgresDB creates a new PostgreSQL database connection
func NewPostgresDB(cfg config.DatabaseConfig) (*PostgresDB, error) {
	db, err := sqlx.Open("postgres", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{DB: db}, nil
}

// Schema is the engine's database schema. The contracts, milestones and
// tasks tables belong to the lifecycle editor; the engine only reads them and
// creates them here so a fresh database is usable.
const Schema = `
	-- Contract lifecycle entities
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		start_date TIMESTAMPTZ,
		end_date TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS milestones (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL REFERENCES contracts(id) ON DELETE CASCADE,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		start_date TIMESTAMPTZ,
		due_date TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL REFERENCES contracts(id) ON DELETE CASCADE,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		start_date TIMESTAMPTZ,
		due_date TIMESTAMPTZ,
		assigned_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);

	-- Notification rules
	CREATE TABLE IF NOT EXISTS notification_rules (
		id TEXT PRIMARY KEY,
		version INTEGER NOT NULL DEFAULT 1,
		contract_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		target_id TEXT NOT NULL DEFAULT '',
		trigger TEXT NOT NULL,
		offset_value INTEGER NOT NULL DEFAULT 0,
		offset_unit TEXT NOT NULL,
		frequency TEXT NOT NULL,
		channels TEXT[] NOT NULL,
		events TEXT[] NOT NULL,
		recipients TEXT[],
		custom_message TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT true,
		respect_working_hours BOOLEAN,
		critical BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	-- Materialized occurrences
	CREATE TABLE IF NOT EXISTS scheduled_notifications (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		rule_version INTEGER NOT NULL DEFAULT 1,
		contract_id TEXT NOT NULL DEFAULT '',
		scope TEXT NOT NULL,
		target_id TEXT NOT NULL,
		event TEXT NOT NULL,
		anchor_at TIMESTAMPTZ NOT NULL,
		occurrence_at TIMESTAMPTZ NOT NULL,
		scheduled_for TIMESTAMPTZ NOT NULL,
		due_at TIMESTAMPTZ NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		recipients TEXT[],
		parent_id TEXT REFERENCES scheduled_notifications(id),
		critical BOOLEAN NOT NULL DEFAULT false,
		claimed_by TEXT,
		lease_expires_at TIMESTAMPTZ,
		sent_at TIMESTAMPTZ,
		escalate_at TIMESTAMPTZ,
		acknowledged_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	-- One record per logical occurrence; escalation follow-ups are keyed by parent
	CREATE UNIQUE INDEX IF NOT EXISTS idx_scheduled_notifications_slot
		ON scheduled_notifications(rule_id, target_id, event, scheduled_for) WHERE parent_id IS NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_scheduled_notifications_parent
		ON scheduled_notifications(parent_id) WHERE parent_id IS NOT NULL;

	-- Delivery attempts
	CREATE TABLE IF NOT EXISTS delivery_attempts (
		id TEXT PRIMARY KEY,
		scheduled_notification_id TEXT NOT NULL REFERENCES scheduled_notifications(id) ON DELETE CASCADE,
		channel TEXT NOT NULL,
		recipient TEXT NOT NULL,
		attempted_at TIMESTAMPTZ NOT NULL,
		result TEXT NOT NULL,
		external_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);

	-- Create indexes for better performance
	CREATE INDEX IF NOT EXISTS idx_scheduled_notifications_due
		ON scheduled_notifications(due_at) WHERE state IN ('pending', 'claimed');
	CREATE INDEX IF NOT EXISTS idx_scheduled_notifications_escalate
		ON scheduled_notifications(escalate_at) WHERE state = 'sent';
	CREATE INDEX IF NOT EXISTS idx_scheduled_notifications_rule ON scheduled_notifications(rule_id);
	CREATE INDEX IF NOT EXISTS idx_scheduled_notifications_target ON scheduled_notifications(scope, target_id);
	CREATE INDEX IF NOT EXISTS idx_notification_rules_target ON notification_rules(contract_id, scope, target_id);
	CREATE INDEX IF NOT EXISTS idx_delivery_attempts_notification ON delivery_attempts(scheduled_notification_id);
	CREATE INDEX IF NOT EXISTS idx_milestones_contract ON milestones(contract_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_contract ON tasks(contract_id);
`

// InitSchema initializes the database schema
func (db *PostgresDB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *PostgresDB) Close() error {
	return db.DB.Close()
}
