package ruleengine

import "github.com/cameragenai/vlmgate/pkg/vlmgate"

type FixedMatcher bool

var _ Matcher = (FixedMatcher)(false)

func (m FixedMatcher) Match(req *vlmgate.Request) bool {
	return bool(m)
}

const (
	AlwaysTrueMatcher  = FixedMatcher(true)
	AlwaysFalseMatcher = FixedMatcher(false)
)
