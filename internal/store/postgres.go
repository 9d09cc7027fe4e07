package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/alexnthnz/contract-reminders/internal/notification"
)

const uniqueViolation = "23505"

const notificationColumns = `id, rule_id, rule_version, contract_id, scope, target_id, event,
	anchor_at, occurrence_at, scheduled_for, due_at, state, attempts, last_error, recipients,
	parent_id, critical, claimed_by, lease_expires_at, sent_at, escalate_at, acknowledged_at,
	created_at, updated_at`

// notificationRow maps the scheduled_notifications table
type notificationRow struct {
	ID             string         `db:"id"`
	RuleID         string         `db:"rule_id"`
	RuleVersion    int            `db:"rule_version"`
	ContractID     string         `db:"contract_id"`
	Scope          string         `db:"scope"`
	TargetID       string         `db:"target_id"`
	Event          string         `db:"event"`
	AnchorAt       time.Time      `db:"anchor_at"`
	OccurrenceAt   time.Time      `db:"occurrence_at"`
	ScheduledFor   time.Time      `db:"scheduled_for"`
	DueAt          time.Time      `db:"due_at"`
	State          string         `db:"state"`
	Attempts       int            `db:"attempts"`
	LastError      string         `db:"last_error"`
	Recipients     pq.StringArray `db:"recipients"`
	ParentID       sql.NullString `db:"parent_id"`
	Critical       bool           `db:"critical"`
	ClaimedBy      sql.NullString `db:"claimed_by"`
	LeaseExpiresAt sql.NullTime   `db:"lease_expires_at"`
	SentAt         sql.NullTime   `db:"sent_at"`
	EscalateAt     sql.NullTime   `db:"escalate_at"`
	AcknowledgedAt sql.NullTime   `db:"acknowledged_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r notificationRow) model() notification.ScheduledNotification {
	return notification.ScheduledNotification{
		ID:             r.ID,
		RuleID:         r.RuleID,
		RuleVersion:    r.RuleVersion,
		ContractID:     r.ContractID,
		Scope:          notification.Scope(r.Scope),
		TargetID:       r.TargetID,
		Event:          notification.Event(r.Event),
		AnchorAt:       r.AnchorAt,
		OccurrenceAt:   r.OccurrenceAt,
		ScheduledFor:   r.ScheduledFor,
		DueAt:          r.DueAt,
		State:          notification.State(r.State),
		Attempts:       r.Attempts,
		LastError:      r.LastError,
		Recipients:     []string(r.Recipients),
		ParentID:       r.ParentID.String,
		Critical:       r.Critical,
		ClaimedBy:      r.ClaimedBy.String,
		LeaseExpiresAt: timePtr(r.LeaseExpiresAt),
		SentAt:         timePtr(r.SentAt),
		EscalateAt:     timePtr(r.EscalateAt),
		AcknowledgedAt: timePtr(r.AcknowledgedAt),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func models(rows []notificationRow) []notification.ScheduledNotification {
	out := make([]notification.ScheduledNotification, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out
}

// PostgresStore is the PostgreSQL Store. Slot dedupe, claims and escalation
// are enforced by unique indexes and conditional updates so any number of
// engine nodes can share it.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a PostgreSQL-backed store
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Materialize(ctx context.Context, n notification.ScheduledNotification) (notification.ScheduledNotification, bool, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.DueAt.IsZero() {
		n.DueAt = n.ScheduledFor
	}

	query := `
		INSERT INTO scheduled_notifications (id, rule_id, rule_version, contract_id, scope, target_id, event,
			anchor_at, occurrence_at, scheduled_for, due_at, state, attempts, last_error, recipients,
			critical, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending', 0, '', $12, $13, $14, $14)
		ON CONFLICT (rule_id, target_id, event, scheduled_for) WHERE parent_id IS NULL
		DO UPDATE SET state = 'pending', attempts = 0, last_error = '',
			rule_version = EXCLUDED.rule_version, anchor_at = EXCLUDED.anchor_at,
			occurrence_at = EXCLUDED.occurrence_at, due_at = EXCLUDED.scheduled_for,
			recipients = EXCLUDED.recipients, critical = EXCLUDED.critical, updated_at = EXCLUDED.updated_at
		WHERE scheduled_notifications.state = 'cancelled'
		RETURNING ` + notificationColumns

	var row notificationRow
	err := s.db.GetContext(ctx, &row, query,
		n.ID, n.RuleID, n.RuleVersion, n.ContractID, n.Scope, n.TargetID, n.Event,
		n.AnchorAt, n.OccurrenceAt, n.ScheduledFor, n.DueAt, pq.Array(n.Recipients),
		n.Critical, n.CreatedAt,
	)
	if err == nil {
		return row.model(), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return notification.ScheduledNotification{}, false, fmt.Errorf("failed to materialize notification: %w", err)
	}

	// The slot exists and is live.
	err = s.db.GetContext(ctx, &row,
		`SELECT `+notificationColumns+` FROM scheduled_notifications
		WHERE rule_id = $1 AND target_id = $2 AND event = $3 AND scheduled_for = $4 AND parent_id IS NULL`,
		n.RuleID, n.TargetID, n.Event, n.ScheduledFor)
	if err != nil {
		return notification.ScheduledNotification{}, false, fmt.Errorf("failed to load existing slot: %w", err)
	}
	return row.model(), false, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (notification.ScheduledNotification, error) {
	var row notificationRow
	err := s.db.GetContext(ctx, &row, `SELECT `+notificationColumns+` FROM scheduled_notifications WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notification.ScheduledNotification{}, fmt.Errorf("notification %s: %w", id, notification.ErrNotFound)
		}
		return notification.ScheduledNotification{}, fmt.Errorf("failed to get notification: %w", err)
	}
	return row.model(), nil
}

func (s *PostgresStore) List(ctx context.Context, filter notification.Filter) ([]notification.ScheduledNotification, error) {
	var w where
	w.eq("rule_id", filter.RuleID)
	w.eq("contract_id", filter.ContractID)
	w.eq("target_id", filter.TargetID)
	w.eq("event", string(filter.Event))
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		w.add("state = ANY(?)", pq.Array(states))
	}
	if filter.From != nil {
		w.add("scheduled_for >= ?", *filter.From)
	}
	if filter.To != nil {
		w.add("scheduled_for <= ?", *filter.To)
	}

	query := `SELECT ` + notificationColumns + ` FROM scheduled_notifications` + w.sql() + ` ORDER BY scheduled_for, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), w.args...); err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return models(rows), nil
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]notification.ScheduledNotification, error) {
	query := `
		SELECT ` + notificationColumns + ` FROM scheduled_notifications
		WHERE (state = 'pending' AND due_at <= $1) OR (state = 'claimed' AND lease_expires_at < $1)
		ORDER BY due_at
		LIMIT $2`
	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list due notifications: %w", err)
	}
	return models(rows), nil
}

func (s *PostgresStore) Claim(ctx context.Context, id, owner string, lease time.Duration, now time.Time) (notification.ScheduledNotification, error) {
	query := `
		UPDATE scheduled_notifications
		SET state = 'claimed', claimed_by = $2, lease_expires_at = $3, updated_at = $4
		WHERE id = $1 AND ((state = 'pending' AND due_at <= $4) OR (state = 'claimed' AND lease_expires_at < $4))
		RETURNING ` + notificationColumns

	var row notificationRow
	err := s.db.GetContext(ctx, &row, query, id, owner, now.Add(lease), now)
	if err == nil {
		return row.model(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return notification.ScheduledNotification{}, fmt.Errorf("failed to claim notification: %w", err)
	}
	return notification.ScheduledNotification{}, s.conflictOrMissing(ctx, id)
}

func (s *PostgresStore) RenewLease(ctx context.Context, id, owner string, lease time.Duration, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_notifications SET lease_expires_at = $3
		WHERE id = $1 AND state = 'claimed' AND claimed_by = $2`,
		id, owner, now.Add(lease))
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n == 0 {
		return s.conflictOrMissing(ctx, id)
	}
	return nil
}

func (s *PostgresStore) Transition(ctx context.Context, t notification.Transition) (notification.ScheduledNotification, error) {
	query := `
		UPDATE scheduled_notifications SET
			state = $3,
			updated_at = $4,
			last_error = $5,
			attempts = attempts + $6,
			due_at = COALESCE($7, due_at),
			escalate_at = COALESCE($8, escalate_at),
			sent_at = CASE WHEN $3 = 'sent' THEN $4 ELSE sent_at END,
			acknowledged_at = CASE WHEN $3 = 'acknowledged' THEN $4 ELSE acknowledged_at END,
			claimed_by = CASE WHEN $2 = 'claimed' THEN NULL ELSE claimed_by END,
			lease_expires_at = CASE WHEN $2 = 'claimed' THEN NULL ELSE lease_expires_at END
		WHERE id = $1 AND state = $2 AND ($9 = '' OR claimed_by = $9)
		RETURNING ` + notificationColumns

	inc := 0
	if t.CountAttempt {
		inc = 1
	}
	owner := ""
	if t.From == notification.StateClaimed {
		owner = t.Owner
	}

	var row notificationRow
	err := s.db.GetContext(ctx, &row, query,
		t.ID, string(t.From), string(t.To), t.At, t.LastError, inc,
		nullable(t.DueAt), nullable(t.EscalateAt), owner,
	)
	if err == nil {
		return row.model(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return notification.ScheduledNotification{}, fmt.Errorf("failed to transition notification: %w", err)
	}
	return notification.ScheduledNotification{}, s.conflictOrMissing(ctx, t.ID)
}

func (s *PostgresStore) conflictOrMissing(ctx context.Context, id string) error {
	var state string
	err := s.db.GetContext(ctx, &state, `SELECT state FROM scheduled_notifications WHERE id = $1`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("notification %s: %w", id, notification.ErrNotFound)
	case err != nil:
		return fmt.Errorf("failed to load notification state: %w", err)
	default:
		return fmt.Errorf("notification %s is %s: %w", id, state, notification.ErrClaimConflict)
	}
}

func (s *PostgresStore) CancelPending(ctx context.Context, filter CancelFilter, at time.Time) (int, error) {
	if filter.empty() {
		return 0, errEmptyCancelFilter
	}

	var w where
	w.add("state = 'pending'")
	w.add("event <> ?", string(notification.EventEscalation))
	if len(filter.IDs) > 0 {
		w.add("id = ANY(?)", pq.Array(filter.IDs))
	}
	w.eq("rule_id", filter.RuleID)
	w.eq("scope", string(filter.Scope))
	w.eq("target_id", filter.TargetID)
	if filter.ExceptEvent != "" {
		w.add("event <> ?", string(filter.ExceptEvent))
	}

	args := append([]interface{}{at}, w.args...)
	query := s.db.Rebind(`UPDATE scheduled_notifications SET state = 'cancelled', updated_at = ?` + w.sql())
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending notifications: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cancelled notifications: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) AppendAttempts(ctx context.Context, attempts []notification.DeliveryAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	for i := range attempts {
		if attempts[i].ID == "" {
			attempts[i].ID = uuid.New().String()
		}
	}
	query := `
		INSERT INTO delivery_attempts (id, scheduled_notification_id, channel, recipient, attempted_at, result, external_id, error)
		VALUES (:id, :scheduled_notification_id, :channel, :recipient, :attempted_at, :result, :external_id, :error)`
	if _, err := s.db.NamedExecContext(ctx, query, attempts); err != nil {
		return fmt.Errorf("failed to record delivery attempts: %w", err)
	}
	return nil
}

func (s *PostgresStore) Attempts(ctx context.Context, notificationID string) ([]notification.DeliveryAttempt, error) {
	var attempts []notification.DeliveryAttempt
	query := `
		SELECT id, scheduled_notification_id, channel, recipient, attempted_at, result, external_id, error
		FROM delivery_attempts WHERE scheduled_notification_id = $1 ORDER BY attempted_at, id`
	if err := s.db.SelectContext(ctx, &attempts, query, notificationID); err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts: %w", err)
	}
	return attempts, nil
}

func (s *PostgresStore) ListEscalationDue(ctx context.Context, now time.Time, limit int) ([]notification.ScheduledNotification, error) {
	query := `
		SELECT ` + notificationColumns + ` FROM scheduled_notifications
		WHERE state = 'sent' AND event <> $1 AND escalate_at <= $2
		ORDER BY escalate_at
		LIMIT $3`
	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, query, string(notification.EventEscalation), now, limit); err != nil {
		return nil, fmt.Errorf("failed to list escalation candidates: %w", err)
	}
	return models(rows), nil
}

func (s *PostgresStore) Escalate(ctx context.Context, parentID string, child notification.ScheduledNotification, at time.Time) (notification.ScheduledNotification, error) {
	if child.ID == "" {
		child.ID = uuid.New().String()
	}
	if child.DueAt.IsZero() {
		child.DueAt = child.ScheduledFor
	}

	var stored notificationRow
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE scheduled_notifications SET state = 'escalated', updated_at = $2 WHERE id = $1 AND state = 'sent'`,
			parentID, at)
		if err != nil {
			return fmt.Errorf("failed to escalate notification: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.conflictOrMissing(ctx, parentID)
		}

		query := `
			INSERT INTO scheduled_notifications (id, rule_id, rule_version, contract_id, scope, target_id, event,
				anchor_at, occurrence_at, scheduled_for, due_at, state, attempts, last_error, recipients,
				parent_id, critical, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending', 0, '', $12, $13, $14, $15, $15)
			RETURNING ` + notificationColumns
		err = tx.GetContext(ctx, &stored, query,
			child.ID, child.RuleID, child.RuleVersion, child.ContractID, child.Scope, child.TargetID, child.Event,
			child.AnchorAt, child.OccurrenceAt, child.ScheduledFor, child.DueAt, pq.Array(child.Recipients),
			parentID, child.Critical, at,
		)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("notification %s already escalated: %w", parentID, notification.ErrClaimConflict)
		}
		if err != nil {
			return fmt.Errorf("failed to insert escalation: %w", err)
		}
		return nil
	})
	if err != nil {
		return notification.ScheduledNotification{}, err
	}
	return stored.model(), nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// where accumulates AND-ed conditions with '?' placeholders for Rebind
type where struct {
	conds []string
	args  []interface{}
}

func (w *where) add(cond string, args ...interface{}) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) eq(column, value string) {
	if value != "" {
		w.add(column+" = ?", value)
	}
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func nullable(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
