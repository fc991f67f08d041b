package ruleengine

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/cameragenai/vlmgate/pkg/errutils"
	"github.com/cameragenai/vlmgate/pkg/vlmgate"
	"github.com/sirupsen/logrus"
)

type Matcher interface {
	Match(req *vlmgate.Request) bool
}

type MatchFunc func(req *vlmgate.Request) bool

func (f MatchFunc) Match(req *vlmgate.Request) bool {
	return f(req)
}

type Rule struct {
	Name    string // optional name for logging
	Matcher Matcher
	Engine  vlmgate.Engine
}

type RuleChain []Rule

// RuleEngine runs the first rule of the default chain whose matcher accepts the request.
type RuleEngine struct {
	Chains map[string]RuleChain
}

var _ vlmgate.Engine = (*RuleEngine)(nil)

func NewRuleEngine(chain RuleChain) *RuleEngine {
	return &RuleEngine{Chains: map[string]RuleChain{"default": chain}}
}

func (e *RuleEngine) Process(req *vlmgate.Request) (*vlmgate.Response, error) {
	log := logrus.WithContext(req.Context())
	currChain, ok := e.Chains["default"]
	if !ok {
		currChain, ok = e.Chains[""]
		if !ok {
			return nil, ErrNoRuleChain
		}
	}

	for _, r := range currChain {
		if !r.Matcher.Match(req) {
			continue
		}
		log.Debugf("[rule-engine] rule %s matched, executing", r.Name)
		resp, err := r.Engine.Process(req)
		if err == nil {
			return resp, nil
		}

		eAct := &ErrWithAction{}
		if !errors.As(err, &eAct) {
			return nil, err
		}
		log.Warnf("[rule-engine] rule %s exec error: %s", r.Name, err.Error())
		switch eAct.Action {
		case RuleEngineActionContinue:
			continue
		default:
			return nil, fmt.Errorf("%w: %w", ErrRuleActionError, err)
		}
	}

	return nil, errutils.NewHandlerError(ErrNoRuleMatched, http.StatusServiceUnavailable, "No route available for this request")
}
