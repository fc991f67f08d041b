package composer

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/cameragenai/vlmgate/pkg/engines"
	"github.com/cameragenai/vlmgate/pkg/engines/client"
	"github.com/cameragenai/vlmgate/pkg/engines/inference"
	"github.com/cameragenai/vlmgate/pkg/generator"
	"github.com/cameragenai/vlmgate/pkg/imageio"
	"github.com/cameragenai/vlmgate/pkg/multimodal"
	"github.com/cameragenai/vlmgate/pkg/tokenizer"
	"github.com/cameragenai/vlmgate/pkg/vlmgate"
	"github.com/openai/openai-go/v3/option"
	"github.com/sirupsen/logrus"
)

const DefaultOllamaURL = "http://localhost:11434"

type ModelRepo interface {
	GetBackendNamesByModel(modelName string) []string
	GetEngine(modelName, backendName string) (vlmgate.Engine, error)
}

type ModelRepoFileBased struct {
	mu         sync.RWMutex
	cliManager *ProxyClientManager
	loader     *imageio.Loader
	counter    tokenizer.Counter

	modelProfile map[string]multimodal.Profile
	// modelName -> backendName -> Backend
	modelBackendConfig map[string]map[string]*Backend
	// a cache of modelName -> backendName -> Engine
	modelBackendEngine map[string]map[string]vlmgate.Engine
	// generators built so far, for readiness
	checkers map[string]map[string]generator.Checker
}

var _ ModelRepo = (*ModelRepoFileBased)(nil)

// NewModelRepoFileBased creates a repo. loader and counter are shared by every in-process
// inference backend; nil selects the defaults.
func NewModelRepoFileBased(cliManager *ProxyClientManager, loader *imageio.Loader, counter tokenizer.Counter) *ModelRepoFileBased {
	if cliManager == nil {
		cliManager = NewProxyClientManager(nil)
	}
	if loader == nil {
		loader = imageio.NewLoader(nil)
	}
	if counter == nil {
		counter = tokenizer.Estimate{}
	}
	return &ModelRepoFileBased{
		cliManager:         cliManager,
		loader:             loader,
		counter:            counter,
		modelProfile:       make(map[string]multimodal.Profile),
		modelBackendConfig: make(map[string]map[string]*Backend),
		modelBackendEngine: make(map[string]map[string]vlmgate.Engine),
		checkers:           make(map[string]map[string]generator.Checker),
	}
}

func (m *ModelRepoFileBased) UpdateFromConfig(conf *ConfigFile) error {
	newProfiles := make(map[string]multimodal.Profile, len(conf.Models))
	newBackends := make(map[string]map[string]*Backend, len(conf.Models))
	for modelName, model := range conf.Models {
		profile, err := multimodal.LookupProfile(model.Profile)
		if err != nil {
			return fmt.Errorf("model %s: %w", modelName, err)
		}
		newProfiles[modelName] = profile.WithOverrides(model.ProfileOverrides)

		newBackends[modelName] = make(map[string]*Backend, len(model.Backends))
		for backendName, backend := range model.Backends {
			var finalBackend Backend
			if backend.Use != "" {
				globalBackend, ok := conf.GlobalBackends[backend.Use]
				if !ok {
					return fmt.Errorf("model %s backend %s: global backend %q not found", modelName, backendName, backend.Use)
				}
				finalBackend = *globalBackend
				finalBackend.ExtraHeaders = maps.Clone(globalBackend.ExtraHeaders)
			}
			mergeBackend(&finalBackend, backend)

			finalBackend.RequestRewrites = model.RequestRewrites.Merge(finalBackend.RequestRewrites)
			finalBackend.ResponseRewrites = model.ResponseRewrites.Merge(finalBackend.ResponseRewrites)
			finalBackend.StreamChunkRewrites = model.StreamChunkRewrites.Merge(finalBackend.StreamChunkRewrites)

			newBackends[modelName][backendName] = &finalBackend
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelProfile = newProfiles
	m.modelBackendConfig = newBackends
	m.modelBackendEngine = make(map[string]map[string]vlmgate.Engine)
	m.checkers = make(map[string]map[string]generator.Checker)
	return nil
}

// mergeBackend overlays the fields set on override onto dst.
func mergeBackend(dst, override *Backend) {
	if override.Type != "" {
		dst.Type = override.Type
	}
	if override.BaseURL != "" {
		dst.BaseURL = override.BaseURL
	}
	if override.HTTPProxy != nil {
		dst.HTTPProxy = override.HTTPProxy
	}
	if override.APIKey != nil {
		dst.APIKey = override.APIKey
	}
	if override.UpstreamModel != nil {
		dst.UpstreamModel = override.UpstreamModel
	}
	if override.URLPathChat != nil {
		dst.URLPathChat = override.URLPathChat
	}
	if override.Timeout != nil {
		dst.Timeout = override.Timeout
	}
	if override.Seed != nil {
		dst.Seed = override.Seed
	}
	if override.ExtraHeaders != nil {
		if dst.ExtraHeaders == nil {
			dst.ExtraHeaders = make(map[string]string, len(override.ExtraHeaders))
		}
		maps.Copy(dst.ExtraHeaders, override.ExtraHeaders)
	}
	dst.RequestRewrites = dst.RequestRewrites.Merge(override.RequestRewrites)
	dst.ResponseRewrites = dst.ResponseRewrites.Merge(override.ResponseRewrites)
	dst.StreamChunkRewrites = dst.StreamChunkRewrites.Merge(override.StreamChunkRewrites)
}

func (m *ModelRepoFileBased) GetBackendNamesByModel(modelName string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	modelBackends, ok := m.modelBackendConfig[modelName]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(modelBackends))
}

func (m *ModelRepoFileBased) GetEngine(modelName, backendName string) (vlmgate.Engine, error) {
	m.mu.RLock()
	if engine, ok := m.modelBackendEngine[modelName][backendName]; ok {
		m.mu.RUnlock()
		return engine, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if engine, ok := m.modelBackendEngine[modelName][backendName]; ok {
		return engine, nil
	}

	b, ok := m.modelBackendConfig[modelName][backendName]
	if !ok {
		return nil, fmt.Errorf("model backend (%s/%s) not found", modelName, backendName)
	}

	engine, gen, err := m.BuildEngineByBackend(modelName, m.modelProfile[modelName], b)
	if err != nil {
		return nil, fmt.Errorf("new engine error: %w", err)
	}
	if _, ok := m.modelBackendEngine[modelName]; !ok {
		m.modelBackendEngine[modelName] = make(map[string]vlmgate.Engine)
	}
	m.modelBackendEngine[modelName][backendName] = engine
	if checker, ok := gen.(generator.Checker); ok {
		if _, ok := m.checkers[modelName]; !ok {
			m.checkers[modelName] = make(map[string]generator.Checker)
		}
		m.checkers[modelName][backendName] = checker
	}
	return engine, nil
}

// Checkers returns the readiness probes of the in-process backends built so far, keyed by "model/backend".
func (m *ModelRepoFileBased) Checkers() map[string]generator.Checker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]generator.Checker)
	for modelName, backends := range m.checkers {
		for backendName, c := range backends {
			out[modelName+"/"+backendName] = c
		}
	}
	return out
}

// BuildEngineByBackend builds the engine for one backend of a model. The returned generator is nil
// for passthrough backends.
func (m *ModelRepoFileBased) BuildEngineByBackend(modelName string, profile multimodal.Profile, b *Backend) (vlmgate.Engine, generator.Generator, error) {
	var timeout time.Duration
	if b.Timeout != nil {
		d, err := parseDuration(*b.Timeout, 0)
		if err != nil {
			return nil, nil, err
		}
		timeout = d
	}
	httpCli := m.cliManager.GetClientWithTimeout(deref(b.HTTPProxy), timeout)
	upstreamModel := deref(b.UpstreamModel)
	if upstreamModel == "" {
		upstreamModel = modelName
	}

	var (
		llmEngine       vlmgate.Engine
		gen             generator.Generator
		requestRewrites = b.RequestRewrites
	)
	switch b.Type {
	case BackendTypeOllama:
		baseURL := b.BaseURL
		if baseURL == "" {
			baseURL = DefaultOllamaURL
		}
		o, err := generator.NewOllama(baseURL, httpCli, upstreamModel)
		if err != nil {
			return nil, nil, err
		}
		gen = o
	case BackendTypeOpenAI:
		if b.BaseURL == "" {
			return nil, nil, fmt.Errorf("openai backend requires base_url")
		}
		var opts []option.RequestOption
		for _, k := range slices.Sorted(maps.Keys(b.ExtraHeaders)) {
			opts = append(opts, option.WithHeader(k, b.ExtraHeaders[k]))
		}
		gen = generator.NewOpenAI(b.BaseURL, apiKey(b), httpCli, upstreamModel, opts...)
	case BackendTypeDummy:
		if b.Seed != nil {
			gen = generator.NewSeededDummy(*b.Seed)
		} else {
			gen = generator.NewDummy()
		}
	case BackendTypePassthrough:
		if b.BaseURL == "" {
			return nil, nil, fmt.Errorf("passthrough backend requires base_url")
		}
		llmEngine = client.NewOpenAIChatCompletionsEndpoint(b.BaseURL, deref(b.URLPathChat), apiKey(b)).WithClient(httpCli)
		if len(b.ExtraHeaders) > 0 {
			llmEngine = engines.NewAddHeaderEngine(llmEngine, b.ExtraHeaders)
		}
		if b.UpstreamModel != nil {
			requestRewrites = (&engines.RewritePolicy{
				SetKeys: map[string]any{"model": *b.UpstreamModel},
			}).Merge(requestRewrites)
		}
	default:
		return nil, nil, fmt.Errorf("unknown backend type %q", b.Type)
	}
	if gen != nil {
		llmEngine = inference.NewEngine(modelName, profile, gen, m.loader, m.counter)
	}
	logrus.Debugf("[composer] built %s backend for model %s (profile %s)", b.Type, modelName, profile.Name)

	if requestRewrites != nil || b.ResponseRewrites != nil || b.StreamChunkRewrites != nil {
		llmEngine = engines.NewRewriteEngine(
			llmEngine,
			requestRewrites,
			b.ResponseRewrites,
			b.StreamChunkRewrites)
	}
	return llmEngine, gen, nil
}

func apiKey(b *Backend) string {
	if b.APIKey != nil {
		return os.ExpandEnv(*b.APIKey)
	}
	return os.Getenv(client.APIKeyEnv)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
