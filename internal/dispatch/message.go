package dispatch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alexnthnz/contract-reminders/internal/notification"
)

const timeLayout = "Mon 2 Jan 2006 15:04 MST"

// Render builds the message for n. A rule's custom message replaces the
// default body; it may reference {scope}, {target_id}, {contract_id},
// {event}, {anchor} and {scheduled_for}.
func Render(rule notification.Rule, n notification.ScheduledNotification, loc *time.Location) notification.Message {
	anchor := n.AnchorAt.In(loc).Format(timeLayout)
	subject, body := defaultText(n, anchor)
	if rule.CustomMessage != "" && !n.IsEscalation() {
		body = strings.NewReplacer(
			"{scope}", string(n.Scope),
			"{target_id}", n.TargetID,
			"{contract_id}", n.ContractID,
			"{event}", string(n.Event),
			"{anchor}", anchor,
			"{scheduled_for}", n.ScheduledFor.In(loc).Format(timeLayout),
		).Replace(rule.CustomMessage)
	}
	if n.Critical {
		subject = "[Critical] " + subject
	}

	metadata := map[string]string{
		"notification_id": n.ID,
		"rule_id":         n.RuleID,
		"contract_id":     n.ContractID,
		"scope":           string(n.Scope),
		"target_id":       n.TargetID,
		"event":           string(n.Event),
		"critical":        strconv.FormatBool(n.Critical),
	}
	if n.ParentID != "" {
		metadata["parent_id"] = n.ParentID
	}

	return notification.Message{
		NotificationID: n.ID,
		Subject:        subject,
		Body:           body,
		Metadata:       metadata,
	}
}

func defaultText(n notification.ScheduledNotification, anchor string) (string, string) {
	what := fmt.Sprintf("%s %s", titleScope(n.Scope), n.TargetID)
	switch n.Event {
	case notification.EventStart:
		return "Reminder: " + what + " starts", fmt.Sprintf("%s starts on %s.", what, anchor)
	case notification.EventEnd:
		return "Reminder: " + what + " is due", fmt.Sprintf("%s is due on %s.", what, anchor)
	case notification.EventOverdue:
		return what + " is overdue", fmt.Sprintf("%s was due on %s and is not complete.", what, anchor)
	case notification.EventCompleted:
		return what + " completed", fmt.Sprintf("%s was completed on %s.", what, anchor)
	case notification.EventAssigned:
		return what + " assigned", fmt.Sprintf("%s was assigned on %s.", what, anchor)
	case notification.EventEscalation:
		return "Escalation: " + what + " reminder not acknowledged",
			fmt.Sprintf("A reminder for %s (notification %s) was not acknowledged in time.", what, n.ParentID)
	default:
		return "Reminder: " + what, fmt.Sprintf("Reminder for %s.", what)
	}
}

func titleScope(s notification.Scope) string {
	switch s {
	case notification.ScopeContract:
		return "Contract"
	case notification.ScopeMilestone:
		return "Milestone"
	case notification.ScopeTask:
		return "Task"
	default:
		return string(s)
	}
}
