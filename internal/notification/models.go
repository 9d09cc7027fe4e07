package notification

import (
	"time"

	"github.com/alexnthnz/contract-reminders/internal/config"
)

// Scope is the kind of entity a rule is attached to
type Scope string

const (
	ScopeContract  Scope = "contract"
	ScopeMilestone Scope = "milestone"
	ScopeTask      Scope = "task"
)

// Trigger positions a rule's fire time relative to its anchor
type Trigger string

const (
	TriggerBefore Trigger = "before"
	TriggerOn     Trigger = "on"
	TriggerAfter  Trigger = "after"
)

// Unit is the unit of a rule offset
type Unit string

const (
	UnitMinutes Unit = "minutes"
	UnitHours   Unit = "hours"
	UnitDays    Unit = "days"
	UnitWeeks   Unit = "weeks"
)

// Offset is the distance between a rule's anchor and its first occurrence
type Offset struct {
	Value int  `json:"value" validate:"gte=0"`
	Unit  Unit `json:"unit" validate:"required,oneof=minutes hours days weeks"`
}

// MaxOffset is the largest distance a rule may place between its anchor and
// its first occurrence.
const MaxOffset = MaxOffsetDays * 24 * time.Hour

// MaxOffsetDays is MaxOffset in days.
const MaxOffsetDays = 3660

// InRange reports whether the offset is at most MaxOffset. Unknown units are
// left to the unit validation.
func (o Offset) InRange() bool {
	unit, ok := config.UnitDuration(string(o.Unit))
	if !ok {
		return true
	}
	return int64(o.Value) <= int64(MaxOffset/unit)
}

// Duration converts the offset to a time.Duration. Unknown units yield zero
// and values past MaxOffset are clamped to it.
func (o Offset) Duration() time.Duration {
	unit, _ := config.UnitDuration(string(o.Unit))
	if !o.InRange() {
		return MaxOffset
	}
	return time.Duration(o.Value) * unit
}

// Frequency controls how a rule recurs after its first occurrence
type Frequency string

const (
	FrequencyOnce    Frequency = "once"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Channel is a delivery channel
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in_app"
	ChannelPush  Channel = "push"
)

// Event is an entity lifecycle event a rule can be anchored on
type Event string

const (
	EventStart     Event = "start"
	EventEnd       Event = "end"
	EventOverdue   Event = "overdue"
	EventCompleted Event = "completed"
	EventAssigned  Event = "assigned"

	// EventEscalation marks synthetic follow-ups created by the escalation
	// controller. Rules cannot subscribe to it.
	EventEscalation Event = "escalation"
)

// Rule is a declarative notification rule. A rule is immutable per version:
// every update produces a new version number.
type Rule struct {
	ID                  string    `json:"id" db:"id"`
	Version             int       `json:"version" db:"version"`
	ContractID          string    `json:"contract_id" db:"contract_id"`
	Scope               Scope     `json:"scope" db:"scope"`
	TargetID            string    `json:"target_id,omitempty" db:"target_id"`
	Trigger             Trigger   `json:"trigger" db:"trigger"`
	Offset              Offset    `json:"offset"`
	Frequency           Frequency `json:"frequency" db:"frequency"`
	Channels            []Channel `json:"channels"`
	Events              []Event   `json:"events"`
	Recipients          []string  `json:"recipients,omitempty"`
	CustomMessage       string    `json:"custom_message,omitempty" db:"custom_message"`
	IsActive            bool      `json:"is_active" db:"is_active"`
	RespectWorkingHours *bool     `json:"respect_working_hours,omitempty" db:"respect_working_hours"`
	Critical            bool      `json:"critical" db:"critical"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// AppliesToAll reports whether the rule targets every entity of its scope
// under its contract.
func (r Rule) AppliesToAll() bool {
	return r.TargetID == ""
}

// EnforcesWorkingHours resolves the rule's working-hours flag against the
// global default.
func (r Rule) EnforcesWorkingHours(globalDefault bool) bool {
	if r.RespectWorkingHours != nil {
		return *r.RespectWorkingHours
	}
	return globalDefault
}

// State is the lifecycle state of a scheduled notification
type State string

const (
	StatePending      State = "pending"
	StateClaimed      State = "claimed"
	StateSent         State = "sent"
	StateFailed       State = "failed"
	StateAcknowledged State = "acknowledged"
	StateEscalated    State = "escalated"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether no further transition may leave the state.
func (s State) Terminal() bool {
	switch s {
	case StateFailed, StateAcknowledged, StateEscalated, StateCancelled:
		return true
	default:
		return false
	}
}

// ScheduledNotification is one materialized occurrence of a rule, the unit of
// delivery. ScheduledFor is part of the dedupe key and never changes; DueAt is
// pushed forward on retry.
type ScheduledNotification struct {
	ID             string     `json:"id" db:"id"`
	RuleID         string     `json:"rule_id" db:"rule_id"`
	RuleVersion    int        `json:"rule_version" db:"rule_version"`
	ContractID     string     `json:"contract_id" db:"contract_id"`
	Scope          Scope      `json:"scope" db:"scope"`
	TargetID       string     `json:"target_id" db:"target_id"`
	Event          Event      `json:"event" db:"event"`
	AnchorAt       time.Time  `json:"anchor_at" db:"anchor_at"`
	OccurrenceAt   time.Time  `json:"occurrence_at" db:"occurrence_at"`
	ScheduledFor   time.Time  `json:"scheduled_for" db:"scheduled_for"`
	DueAt          time.Time  `json:"due_at" db:"due_at"`
	State          State      `json:"state" db:"state"`
	Attempts       int        `json:"attempts" db:"attempts"`
	LastError      string     `json:"last_error,omitempty" db:"last_error"`
	Recipients     []string   `json:"recipients,omitempty"`
	ParentID       string     `json:"parent_id,omitempty" db:"parent_id"`
	Critical       bool       `json:"critical" db:"critical"`
	ClaimedBy      string     `json:"claimed_by,omitempty" db:"claimed_by"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	SentAt         *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	EscalateAt     *time.Time `json:"escalate_at,omitempty" db:"escalate_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Transition is a requested state change. The store applies it only if the
// notification is still in From (and, when leaving Claimed with Owner set,
// still leased by Owner).
type Transition struct {
	ID           string
	From         State
	To           State
	Owner        string
	At           time.Time
	LastError    string
	DueAt        *time.Time
	EscalateAt   *time.Time
	CountAttempt bool
}

// SlotKey identifies a logical occurrence for deduplication.
type SlotKey struct {
	RuleID       string
	TargetID     string
	Event        Event
	ScheduledFor time.Time
}

// Slot returns the dedupe key of the notification.
func (n ScheduledNotification) Slot() SlotKey {
	return SlotKey{
		RuleID:       n.RuleID,
		TargetID:     n.TargetID,
		Event:        n.Event,
		ScheduledFor: n.ScheduledFor.UTC(),
	}
}

// Undelivered reports whether a critical notification ended without any
// successful delivery.
func (n ScheduledNotification) Undelivered() bool {
	return n.Critical && n.State == StateFailed
}

// IsEscalation reports whether the notification is an escalation follow-up.
func (n ScheduledNotification) IsEscalation() bool {
	return n.Event == EventEscalation
}

// AttemptResult is the outcome of a single channel send
type AttemptResult string

const (
	ResultSuccess          AttemptResult = "success"
	ResultTransientFailure AttemptResult = "transient_failure"
	ResultPermanentFailure AttemptResult = "permanent_failure"
)

// DeliveryAttempt is an immutable record of one send to one recipient over one
// channel.
type DeliveryAttempt struct {
	ID                      string        `json:"id" db:"id"`
	ScheduledNotificationID string        `json:"scheduled_notification_id" db:"scheduled_notification_id"`
	Channel                 Channel       `json:"channel" db:"channel"`
	Recipient               string        `json:"recipient" db:"recipient"`
	Timestamp               time.Time     `json:"timestamp" db:"attempted_at"`
	Result                  AttemptResult `json:"result" db:"result"`
	ExternalID              string        `json:"external_id,omitempty" db:"external_id"`
	Error                   string        `json:"error,omitempty" db:"error"`
}

// Message is the rendered content handed to a channel sender
type Message struct {
	NotificationID string            `json:"notification_id"`
	Subject        string            `json:"subject"`
	Body           string            `json:"body"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Filter selects scheduled notifications for listing
type Filter struct {
	RuleID     string
	ContractID string
	TargetID   string
	Event      Event
	States     []State
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// RuleFilter selects rules
type RuleFilter struct {
	ContractID string
	Scope      Scope
	TargetID   string
	ActiveOnly bool
}

// CreateRuleRequest is the request DTO for creating a rule
type CreateRuleRequest struct {
	ContractID          string    `json:"contract_id" validate:"required"`
	Scope               Scope     `json:"scope" validate:"required,oneof=contract milestone task"`
	TargetID            string    `json:"target_id,omitempty"`
	ApplyToAll          bool      `json:"apply_to_all,omitempty"`
	Trigger             Trigger   `json:"trigger" validate:"required,oneof=before on after"`
	Offset              Offset    `json:"offset"`
	Frequency           Frequency `json:"frequency" validate:"required,oneof=once daily weekly monthly"`
	Channels            []Channel `json:"channels" validate:"required,min=1,unique,dive,oneof=email sms in_app push"`
	Events              []Event   `json:"events" validate:"required,min=1,unique,dive,oneof=start end overdue completed assigned"`
	Recipients          []string  `json:"recipients,omitempty" validate:"omitempty,dive,required"`
	CustomMessage       string    `json:"custom_message,omitempty" validate:"max=2000"`
	RespectWorkingHours *bool     `json:"respect_working_hours,omitempty"`
	Critical            bool      `json:"critical,omitempty"`
	Inactive            bool      `json:"inactive,omitempty"`
}

// UpdateRuleRequest replaces the mutable fields of a rule
type UpdateRuleRequest struct {
	Trigger             Trigger   `json:"trigger" validate:"required,oneof=before on after"`
	Offset              Offset    `json:"offset"`
	Frequency           Frequency `json:"frequency" validate:"required,oneof=once daily weekly monthly"`
	Channels            []Channel `json:"channels" validate:"required,min=1,unique,dive,oneof=email sms in_app push"`
	Events              []Event   `json:"events" validate:"required,min=1,unique,dive,oneof=start end overdue completed assigned"`
	Recipients          []string  `json:"recipients,omitempty" validate:"omitempty,dive,required"`
	CustomMessage       string    `json:"custom_message,omitempty" validate:"max=2000"`
	RespectWorkingHours *bool     `json:"respect_working_hours,omitempty"`
	Critical            bool      `json:"critical,omitempty"`
	IsActive            bool      `json:"is_active"`
}

// ChangeKind is the kind of an entity change event
type ChangeKind string

const (
	ChangeDateChanged ChangeKind = "date_changed"
	ChangeCompleted   ChangeKind = "completed"
	ChangeDeleted     ChangeKind = "deleted"
)

// ChangeEvent is published by the lifecycle editor when a contract,
// milestone or task changes.
type ChangeEvent struct {
	Scope      Scope      `json:"scope" validate:"required,oneof=contract milestone task"`
	TargetID   string     `json:"target_id" validate:"required"`
	ContractID string     `json:"contract_id,omitempty"`
	Kind       ChangeKind `json:"kind" validate:"required,oneof=date_changed completed deleted"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// AlertKind classifies operator alerts
type AlertKind string

const (
	AlertFailed    AlertKind = "failed"
	AlertEscalated AlertKind = "escalated"
)

// Severity of an operator alert
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is published to the operator queue for terminal failures and
// escalations.
type Alert struct {
	Kind           AlertKind `json:"kind"`
	Severity       Severity  `json:"severity"`
	NotificationID string    `json:"notification_id"`
	RuleID         string    `json:"rule_id"`
	ContractID     string    `json:"contract_id"`
	Scope          Scope     `json:"scope"`
	TargetID       string    `json:"target_id"`
	Event          Event     `json:"event"`
	Recipients     []string  `json:"recipients,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	At             time.Time `json:"at"`
}
