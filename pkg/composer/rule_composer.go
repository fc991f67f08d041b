package composer

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	loadbalancer "github.com/cameragenai/vlmgate/pkg/engines/load-balancer"
	ruleengine "github.com/cameragenai/vlmgate/pkg/engines/rule-engine"
	"github.com/cameragenai/vlmgate/pkg/errutils"
	"github.com/cameragenai/vlmgate/pkg/types/openai"
	"github.com/cameragenai/vlmgate/pkg/vlmgate"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultOwnedBy       = "vlmgate"
	defaultBackendPrefix = "default:"
)

// RuleComposerFileBased routes chat requests to per-model engines built from the config file:
// rules first, then a load balancer over the model's "default:" backends.
type RuleComposerFileBased struct {
	mu sync.RWMutex

	modelRepo      ModelRepo
	conf           *ConfigFile
	lbRetryTimeout time.Duration
	lbRetryCount   int
	created        time.Time

	index       map[string]string // lowercased name or alias -> model name
	modelEngine map[string]vlmgate.Engine
}

func NewRuleComposerFileBased(modelRepo ModelRepo, lbRetryTimeout time.Duration, lbRetryCount int) *RuleComposerFileBased {
	return &RuleComposerFileBased{
		modelRepo:      modelRepo,
		lbRetryTimeout: lbRetryTimeout,
		lbRetryCount:   lbRetryCount,
		created:        time.Now(),
		index:          make(map[string]string),
		modelEngine:    make(map[string]vlmgate.Engine),
	}
}

// UpdateFromConfig swaps in a new config. Every model engine is built up front so a broken
// backend definition fails here instead of on the first request.
func (r *RuleComposerFileBased) UpdateFromConfig(conf *ConfigFile) error {
	index := make(map[string]string, len(conf.Models))
	for modelName, model := range conf.Models {
		for _, name := range append([]string{modelName}, model.Aliases...) {
			key := strings.ToLower(name)
			if prev, ok := index[key]; ok && prev != modelName {
				return fmt.Errorf("model name %q is used by both %s and %s", name, prev, modelName)
			}
			index[key] = modelName
		}
	}

	modelEngine := make(map[string]vlmgate.Engine, len(conf.Models))
	for modelName, model := range conf.Models {
		engine, err := r.buildModelEngine(modelName, model)
		if err != nil {
			return fmt.Errorf("model %s: %w", modelName, err)
		}
		modelEngine[modelName] = engine
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.conf = conf
	r.index = index
	r.modelEngine = modelEngine
	return nil
}

func (r *RuleComposerFileBased) buildModelEngine(modelName string, model *Model) (vlmgate.Engine, error) {
	defaultEngine, err := r.buildDefaultEngine(modelName)
	if err != nil {
		logrus.Warnf("failed to build default engine: %v", err)
	}
	if len(model.Rules) == 0 {
		if defaultEngine == nil {
			return nil, fmt.Errorf("failed to build default engine: %w", err)
		}
		return defaultEngine, nil
	}
	engine, err := r.buildEngineByRuleList(model.Rules, modelName, defaultEngine)
	if err != nil {
		return nil, fmt.Errorf("failed to build engine by rule list: %w", err)
	}
	return engine, nil
}

func (r *RuleComposerFileBased) buildDefaultEngine(modelName string) (vlmgate.Engine, error) {
	backendNames := r.modelRepo.GetBackendNamesByModel(modelName)
	if len(backendNames) == 0 {
		return nil, fmt.Errorf("no backend found for model %s", modelName)
	}

	lbItems := make([]loadbalancer.BackendItem, 0, len(backendNames))
	for _, backendName := range backendNames {
		if !strings.HasPrefix(backendName, defaultBackendPrefix) {
			continue
		}
		engine, err := r.modelRepo.GetEngine(modelName, backendName)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", backendName, err)
		}
		lbItems = append(lbItems, loadbalancer.BackendItem{
			Name:   backendName,
			Engine: engine,
			Weight: 100, // all equal weight
		})
	}

	if len(lbItems) == 0 {
		return nil, fmt.Errorf("no default backend found for model %s", modelName)
	}
	if len(lbItems) == 1 {
		return lbItems[0].Engine, nil
	}
	lb, err := loadbalancer.NewWeightedRoundRobin(lbItems, r.lbRetryTimeout, r.lbRetryCount)
	if err != nil {
		return nil, fmt.Errorf("failed to build weighted round robin load balancer: %w", err)
	}
	return lb, nil
}

func (r *RuleComposerFileBased) buildEngineByRuleList(ruleConfs RuleList, modelName string, defaultEngine vlmgate.Engine) (vlmgate.Engine, error) {
	rules := make(ruleengine.RuleChain, 0, len(ruleConfs)+1)
	for _, ruleConf := range ruleConfs {
		rule, err := r.buildRuleEngineRuleByConfig(ruleConf, modelName, defaultEngine)
		if err != nil {
			return nil, fmt.Errorf("failed to build rule %s: %w", ruleConf.Name, err)
		}
		rules = append(rules, *rule)
	}

	if defaultEngine != nil {
		rules = append(rules, ruleengine.Rule{
			Name:    "fallback",
			Matcher: ruleengine.FixedMatcher(true),
			Engine:  defaultEngine,
		})
	}
	return ruleengine.NewRuleEngine(rules), nil
}

func (r *RuleComposerFileBased) buildRuleEngineRuleByConfig(ruleConf *RuleConfig, modelName string, defaultEngine vlmgate.Engine) (*ruleengine.Rule, error) {
	var matcher ruleengine.Matcher = ruleengine.FixedMatcher(true)
	if ruleConf.MatchExpr != "" {
		m, err := ruleengine.NewExprMatcher(ruleConf.MatchExpr, &ruleengine.VisionFeatureExtractor{
			PrefixHashLen: []int{20},
			SuffixHashLen: []int{20},
		})
		if err != nil {
			return nil, err
		}
		matcher = m
	}

	if ruleConf.Deny != nil {
		return &ruleengine.Rule{
			Name:    ruleConf.Name,
			Matcher: matcher,
			Engine:  ruleConf.Deny,
		}, nil
	}

	// forward with load balancer
	lbItems := make([]loadbalancer.BackendItem, 0, len(ruleConf.ForwardWeights))
	for _, backendName := range slices.Sorted(maps.Keys(ruleConf.ForwardWeights)) {
		engine, err := r.modelRepo.GetEngine(modelName, backendName)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", backendName, err)
		}
		lbItems = append(lbItems, loadbalancer.BackendItem{
			Name:   backendName,
			Weight: ruleConf.ForwardWeights[backendName],
			Engine: engine,
		})
	}

	engine := defaultEngine
	if len(lbItems) > 0 {
		lb, err := loadbalancer.NewWeightedRoundRobin(lbItems, r.lbRetryTimeout, r.lbRetryCount)
		if err != nil {
			return nil, fmt.Errorf("failed to build weighted round robin load balancer: %w", err)
		}
		engine = lb
	}
	if engine == nil {
		return nil, fmt.Errorf("rule forwards nowhere and model %s has no default backend", modelName)
	}

	return &ruleengine.Rule{
		Name:    ruleConf.Name,
		Matcher: matcher,
		Engine:  engine,
	}, nil
}

// Lookup resolves a model name or alias, case-insensitively.
func (r *RuleComposerFileBased) Lookup(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	modelName, ok := r.index[strings.ToLower(name)]
	return modelName, ok
}

// resolve picks the model that serves a chat request, falling back to the default model.
func (r *RuleComposerFileBased) resolve(name string) (vlmgate.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	modelName, ok := r.index[strings.ToLower(name)]
	if !ok && r.conf != nil && r.conf.Server.DefaultModel != "" {
		modelName, ok = r.conf.Server.DefaultModel, true
	}
	if !ok {
		return nil, errutils.NewHandlerError(
			fmt.Errorf("model %s not found", name),
			http.StatusNotFound, fmt.Sprintf("Model '%s' not found", name))
	}
	engine, ok := r.modelEngine[modelName]
	if !ok {
		return nil, fmt.Errorf("no engine for model %s", modelName)
	}
	return engine, nil
}

// Models lists the configured models, sorted by id.
func (r *RuleComposerFileBased) Models() []openai.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conf == nil {
		return []openai.Model{}
	}
	models := make([]openai.Model, 0, len(r.conf.Models))
	for _, modelName := range slices.Sorted(maps.Keys(r.conf.Models)) {
		models = append(models, r.model(modelName))
	}
	return models
}

// Model describes one model by name or alias.
func (r *RuleComposerFileBased) Model(name string) (openai.Model, bool) {
	modelName, ok := r.Lookup(name)
	if !ok {
		return openai.Model{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.model(modelName), true
}

func (r *RuleComposerFileBased) model(modelName string) openai.Model {
	ownedBy := r.conf.Models[modelName].OwnedBy
	if ownedBy == "" {
		ownedBy = DefaultOwnedBy
	}
	return openai.NewModel(modelName, ownedBy, r.created)
}

// Ready pings every in-process backend. It reports the first failure it sees.
func (r *RuleComposerFileBased) Ready(ctx context.Context) error {
	repo, ok := r.modelRepo.(*ModelRepoFileBased)
	if !ok {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for name, c := range repo.Checkers() {
		g.Go(func() error {
			if err := c.Ping(ctx); err != nil {
				return fmt.Errorf("backend %s not ready: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Engine returns the entry point for chat requests.
func (r *RuleComposerFileBased) Engine() *RuleComposerEngine {
	return &RuleComposerEngine{RuleComposerFileBased: r}
}

type RuleComposerEngine struct {
	*RuleComposerFileBased
}

var _ vlmgate.Engine = (*RuleComposerEngine)(nil)

func (r *RuleComposerEngine) Process(req *vlmgate.Request) (*vlmgate.Response, error) {
	body, err := req.Body.Parsed()
	if err != nil {
		return nil, errutils.BadRequest(err, "Invalid request body: ")
	}
	creq, ok := body.(*openai.ChatCompletionRequest)
	if !ok {
		return nil, fmt.Errorf("unsupported model request type: %T", body)
	}

	engine, err := r.resolve(creq.Model)
	if err != nil {
		return nil, err
	}
	return engine.Process(req)
}
