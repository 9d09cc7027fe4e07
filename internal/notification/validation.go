package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/alexnthnz/contract-reminders/internal/config"
)

// TargetChecker reports whether a scoped entity exists. It is satisfied by the
// reference resolver.
type TargetChecker interface {
	Exists(ctx context.Context, scope Scope, targetID string) (bool, error)
}

// RuleValidator enforces the rule model invariants
type RuleValidator struct {
	validate *validator.Validate
	targets  TargetChecker
}

// NewRuleValidator creates a validator. targets may be nil, in which case
// target existence is not checked.
func NewRuleValidator(targets TargetChecker) *RuleValidator {
	return &RuleValidator{
		validate: validator.New(),
		targets:  targets,
	}
}

// ValidateCreate checks a create request against the struct rules, the
// enabled channels and the target store.
func (v *RuleValidator) ValidateCreate(ctx context.Context, req CreateRuleRequest, settings config.GlobalSettings) error {
	verr := &ValidationError{}
	v.collect(req, verr)

	switch {
	case req.ApplyToAll && req.TargetID != "":
		verr.add("target_id", "must be empty when apply_to_all is set")
	case req.Scope == ScopeMilestone || req.Scope == ScopeTask:
		if !req.ApplyToAll && req.TargetID == "" {
			verr.add("target_id", "required unless apply_to_all is set")
		}
	}

	checkOffset(req.Offset, verr)
	checkChannels(req.Channels, settings, verr)

	if err := verr.orNil(); err != nil {
		return err
	}

	if v.targets == nil {
		return nil
	}

	// Contract-scoped rules without a target apply to the contract itself.
	scope, target := req.Scope, req.TargetID
	if target == "" {
		scope, target = ScopeContract, req.ContractID
	}
	ok, err := v.targets.Exists(ctx, scope, target)
	if err != nil {
		return fmt.Errorf("failed to check target: %w", err)
	}
	if !ok {
		verr.add("target_id", fmt.Sprintf("%s %s does not exist", scope, target))
	}
	return verr.orNil()
}

// ValidateUpdate checks an update request.
func (v *RuleValidator) ValidateUpdate(req UpdateRuleRequest, settings config.GlobalSettings) error {
	verr := &ValidationError{}
	v.collect(req, verr)
	checkOffset(req.Offset, verr)
	checkChannels(req.Channels, settings, verr)
	return verr.orNil()
}

func (v *RuleValidator) collect(req interface{}, verr *ValidationError) {
	err := v.validate.Struct(req)
	if err == nil {
		return
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		verr.add("request", err.Error())
		return
	}
	for _, fe := range fieldErrs {
		verr.add(fieldName(fe.Namespace()), describe(fe))
	}
}

func checkOffset(o Offset, verr *ValidationError) {
	if !o.InRange() {
		verr.add("offset.value", fmt.Sprintf("must be at most %d days", MaxOffsetDays))
	}
}

func checkChannels(channels []Channel, settings config.GlobalSettings, verr *ValidationError) {
	for _, ch := range channels {
		if !settings.Channels.Enabled(string(ch)) {
			verr.add("channels", fmt.Sprintf("channel %s is disabled", ch))
		}
	}
}

// fieldName strips the struct name from a validator namespace and lowercases
// the remainder, e.g. "CreateRuleRequest.Offset.Value" -> "offset.value".
func fieldName(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		namespace = namespace[i+1:]
	}
	return strings.ToLower(namespace)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "min":
		return fmt.Sprintf("must have at least %s element(s)", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "unique":
		return "must not contain duplicates"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
