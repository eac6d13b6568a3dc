package rules

import (
	"errors"
	"fmt"
)

// Returned (wrapped) for any rule which can not be compiled: malformed regex, missing matcher parameters, unknown action.
var ErrInvalidRule = errors.New("invalid rule")

type RuleError struct {
	RuleID string
	Reason string
	Err    error
}

func (e *RuleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid rule %q: %s: %v", e.RuleID, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid rule %q: %s", e.RuleID, e.Reason)
}

func (e *RuleError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidRule, e.Err}
	}
	return []error{ErrInvalidRule}
}

func invalid(id, reason string, err error) error {
	return &RuleError{RuleID: id, Reason: reason, Err: err}
}
