package ruleengine

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cameragenai/vlmgate/pkg/vlmgate"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/sirupsen/logrus"
)

type FeatureExtractor interface {
	Features(req *vlmgate.Request) (map[string]any, error)
}

type FeatureExtractorFunc func(req *vlmgate.Request) (map[string]any, error)

func (f FeatureExtractorFunc) Features(req *vlmgate.Request) (map[string]any, error) {
	return f(req)
}

// ExprMatcher matches requests with an expr-lang program evaluated over the
// raw request JSON (RawReq) and extracted features (Features).
type ExprMatcher struct {
	Code             string
	FeatureExtractor FeatureExtractor

	once    sync.Once
	prog    *vm.Program
	progErr error
}

type ExprMatcherEnv struct {
	RawReq   map[string]any
	Features map[string]any
	req      *vlmgate.Request
}

var _ Matcher = (*ExprMatcher)(nil)

// NewExprMatcher compiles code up front so configuration errors surface at startup.
func NewExprMatcher(code string, fe FeatureExtractor) (*ExprMatcher, error) {
	m := &ExprMatcher{Code: code, FeatureExtractor: fe}
	if err := m.compile(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ExprMatcher) compile() error {
	m.once.Do(func() {
		m.prog, m.progErr = expr.Compile(m.Code)
		if m.progErr != nil {
			m.progErr = fmt.Errorf("compile expr %q: %w", m.Code, m.progErr)
		}
	})
	return m.progErr
}

func (m *ExprMatcher) Match(req *vlmgate.Request) bool {
	log := logrus.WithContext(req.Context())
	if err := m.compile(); err != nil {
		log.Warnf("[expr-matcher] %v", err)
		return false
	}

	env, err := m.buildEnvFor(req)
	if err != nil {
		log.Warnf("[expr-matcher] build env for request failed: %v", err)
	}

	output, err := expr.Run(m.prog, env)
	if err != nil {
		log.Warnf("[expr-matcher] run expr program failed: %v", err)
		return false
	}

	switch v := output.(type) {
	case bool:
		return v
	case int:
		return v != 0
	case float64:
		return v != 0
	default:
		log.Warnf("[expr-matcher] rule (%s) invalid return type: %T", m.Code, v)
		return false
	}
}

func (env *ExprMatcherEnv) CtxValue(key any) any {
	return env.req.Context().Value(key)
}

func (m *ExprMatcher) buildEnvFor(req *vlmgate.Request) (*ExprMatcherEnv, error) {
	env := &ExprMatcherEnv{
		RawReq:   make(map[string]any),
		Features: make(map[string]any),
		req:      req,
	}
	b, err := req.Body.Bytes()
	if err != nil {
		return env, fmt.Errorf("read request body failed: %w", err)
	}
	if err := json.Unmarshal(b, &env.RawReq); err != nil {
		return env, fmt.Errorf("unmarshal request body failed: %w", err)
	}

	if m.FeatureExtractor != nil {
		features, err := m.FeatureExtractor.Features(req)
		if err != nil {
			return env, fmt.Errorf("extract features failed: %w", err)
		}
		env.Features = features
		logrus.WithContext(req.Context()).Debugf("[expr-matcher] extracted features: %v", features)
	}
	return env, nil
}
