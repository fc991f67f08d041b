package ruleengine

import (
	"errors"
	"fmt"
)

type RuleEngineAction string

const (
	RuleEngineActionContinue RuleEngineAction = "continue"
)

// ErrWithAction tells the rule engine what to do after a rule's engine failed.
type ErrWithAction struct {
	Action RuleEngineAction
	Err    error
}

func (e *ErrWithAction) Error() string {
	return fmt.Sprintf("rule exec error (action %s): %s", e.Action, e.Err.Error())
}

func (e *ErrWithAction) Unwrap() error {
	return e.Err
}

func ErrorWithAction(err error, action RuleEngineAction) *ErrWithAction {
	return &ErrWithAction{
		Action: action,
		Err:    err,
	}
}

var (
	ErrNoRuleChain     = errors.New("no rule chain found")
	ErrNoRuleMatched   = errors.New("no rule matched")
	ErrRuleActionError = errors.New("rule action error")
)
