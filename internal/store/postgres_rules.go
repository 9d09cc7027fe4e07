package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/alexnthnz/contract-reminders/internal/notification"
)

const ruleColumns = `id, version, contract_id, scope, target_id, trigger, offset_value, offset_unit,
	frequency, channels, events, recipients, custom_message, is_active, respect_working_hours,
	critical, created_at, updated_at`

type ruleRow struct {
	ID                  string         `db:"id"`
	Version             int            `db:"version"`
	ContractID          string         `db:"contract_id"`
	Scope               string         `db:"scope"`
	TargetID            string         `db:"target_id"`
	Trigger             string         `db:"trigger"`
	OffsetValue         int            `db:"offset_value"`
	OffsetUnit          string         `db:"offset_unit"`
	Frequency           string         `db:"frequency"`
	Channels            pq.StringArray `db:"channels"`
	Events              pq.StringArray `db:"events"`
	Recipients          pq.StringArray `db:"recipients"`
	CustomMessage       string         `db:"custom_message"`
	IsActive            bool           `db:"is_active"`
	RespectWorkingHours sql.NullBool   `db:"respect_working_hours"`
	Critical            bool           `db:"critical"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (r ruleRow) model() notification.Rule {
	rule := notification.Rule{
		ID:            r.ID,
		Version:       r.Version,
		ContractID:    r.ContractID,
		Scope:         notification.Scope(r.Scope),
		TargetID:      r.TargetID,
		Trigger:       notification.Trigger(r.Trigger),
		Offset:        notification.Offset{Value: r.OffsetValue, Unit: notification.Unit(r.OffsetUnit)},
		Frequency:     notification.Frequency(r.Frequency),
		Recipients:    []string(r.Recipients),
		CustomMessage: r.CustomMessage,
		IsActive:      r.IsActive,
		Critical:      r.Critical,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	for _, c := range r.Channels {
		rule.Channels = append(rule.Channels, notification.Channel(c))
	}
	for _, e := range r.Events {
		rule.Events = append(rule.Events, notification.Event(e))
	}
	if r.RespectWorkingHours.Valid {
		v := r.RespectWorkingHours.Bool
		rule.RespectWorkingHours = &v
	}
	return rule
}

// PostgresRuleStore is the PostgreSQL RuleStore
type PostgresRuleStore struct {
	db *sqlx.DB
}

// NewPostgresRuleStore creates a PostgreSQL-backed rule store
func NewPostgresRuleStore(db *sqlx.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

func (s *PostgresRuleStore) CreateRule(ctx context.Context, rule notification.Rule) error {
	query := `
		INSERT INTO notification_rules (` + ruleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	_, err := s.db.ExecContext(ctx, query,
		rule.ID, rule.Version, rule.ContractID, rule.Scope, rule.TargetID, rule.Trigger,
		rule.Offset.Value, rule.Offset.Unit, rule.Frequency,
		pq.Array(stringsOf(rule.Channels)), pq.Array(stringsOf(rule.Events)), pq.Array(rule.Recipients),
		rule.CustomMessage, rule.IsActive, rule.RespectWorkingHours, rule.Critical,
		rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

func (s *PostgresRuleStore) UpdateRule(ctx context.Context, rule notification.Rule) error {
	query := `
		UPDATE notification_rules SET
			version = $2, trigger = $3, offset_value = $4, offset_unit = $5, frequency = $6,
			channels = $7, events = $8, recipients = $9, custom_message = $10, is_active = $11,
			respect_working_hours = $12, critical = $13, updated_at = $14
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query,
		rule.ID, rule.Version, rule.Trigger, rule.Offset.Value, rule.Offset.Unit, rule.Frequency,
		pq.Array(stringsOf(rule.Channels)), pq.Array(stringsOf(rule.Events)), pq.Array(rule.Recipients),
		rule.CustomMessage, rule.IsActive, rule.RespectWorkingHours, rule.Critical, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", rule.ID, notification.ErrNotFound)
	}
	return nil
}

func (s *PostgresRuleStore) GetRule(ctx context.Context, id string) (notification.Rule, error) {
	var row ruleRow
	err := s.db.GetContext(ctx, &row, `SELECT `+ruleColumns+` FROM notification_rules WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notification.Rule{}, fmt.Errorf("rule %s: %w", id, notification.ErrNotFound)
		}
		return notification.Rule{}, fmt.Errorf("failed to get rule: %w", err)
	}
	return row.model(), nil
}

func (s *PostgresRuleStore) ListRules(ctx context.Context, filter notification.RuleFilter) ([]notification.Rule, error) {
	var w where
	w.eq("contract_id", filter.ContractID)
	w.eq("scope", string(filter.Scope))
	w.eq("target_id", filter.TargetID)
	if filter.ActiveOnly {
		w.add("is_active")
	}

	query := s.db.Rebind(`SELECT ` + ruleColumns + ` FROM notification_rules` + w.sql() + ` ORDER BY created_at, id`)
	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, query, w.args...); err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	out := make([]notification.Rule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func stringsOf[T ~string](items []T) []string {
	out := make([]string, len(items))
	for i, v := range items {
		out[i] = string(v)
	}
	return out
}
