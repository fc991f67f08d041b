package composer

import (
	"fmt"
	"os"
	"time"

	"github.com/cameragenai/vlmgate/pkg/engines"
	"github.com/cameragenai/vlmgate/pkg/multimodal"
	"github.com/goccy/go-yaml"
)

const (
	BackendTypeOllama      = "ollama"
	BackendTypeOpenAI      = "openai"
	BackendTypePassthrough = "passthrough"
	BackendTypeDummy       = "dummy"
)

type ServerConfig struct {
	Listen          string   `json:"listen" yaml:"listen"`
	LogLevel        string   `json:"log_level" yaml:"log_level"`
	CORSOrigins     []string `json:"cors_origins" yaml:"cors_origins"` // empty allows all origins
	Gzip            *bool    `json:"gzip" yaml:"gzip"`
	DefaultModel    string   `json:"default_model" yaml:"default_model"`
	LBRetryTimeout  string   `json:"lb_retry_timeout" yaml:"lb_retry_timeout"`
	LBRetryCount    int      `json:"lb_retry_count" yaml:"lb_retry_count"`
	ShutdownTimeout string   `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type ImagesConfig struct {
	MaxBytes        int64  `json:"max_bytes" yaml:"max_bytes"`
	MaxPixels       int64  `json:"max_pixels" yaml:"max_pixels"`
	FetchTimeout    string `json:"fetch_timeout" yaml:"fetch_timeout"`
	HTTPProxy       string `json:"http_proxy" yaml:"http_proxy"`
	AllowLocalFiles bool   `json:"allow_local_files" yaml:"allow_local_files"`
	LocalRoot       string `json:"local_root" yaml:"local_root"`
	Concurrency     int    `json:"concurrency" yaml:"concurrency"`
}

type TokenizerConfig struct {
	Encoding string `json:"encoding" yaml:"encoding"` // a tiktoken encoding, or "estimate"
}

type Model struct {
	Profile          string                       `json:"profile" yaml:"profile"`
	ProfileOverrides *multimodal.ProfileOverrides `json:"profile_overrides" yaml:"profile_overrides"`
	OwnedBy          string                       `json:"owned_by" yaml:"owned_by"`
	Aliases          []string                     `json:"aliases" yaml:"aliases"`
	Backends         map[string]*Backend          `json:"backends" yaml:"backends"`
	Rules            RuleList                     `json:"rules" yaml:"rules"`

	// rewrites effective for all backends
	RequestRewrites     *engines.RewritePolicy `json:"request_rewrites" yaml:"request_rewrites"`
	ResponseRewrites    *engines.RewritePolicy `json:"response_rewrites" yaml:"response_rewrites"`
	StreamChunkRewrites *engines.RewritePolicy `json:"stream_chunk_rewrites" yaml:"stream_chunk_rewrites"`
}

type Backend struct {
	Use           string            `json:"use" yaml:"use"` // references a global backend config
	Type          string            `json:"type" yaml:"type"`
	BaseURL       string            `json:"base_url" yaml:"base_url"`
	HTTPProxy     *string           `json:"http_proxy" yaml:"http_proxy"`
	APIKey        *string           `json:"api_key" yaml:"api_key"`
	UpstreamModel *string           `json:"upstream_model" yaml:"upstream_model"`
	ExtraHeaders  map[string]string `json:"extra_headers" yaml:"extra_headers"`
	URLPathChat   *string           `json:"url_path_chat" yaml:"url_path_chat"`
	Timeout       *string           `json:"timeout" yaml:"timeout"`
	Seed          *uint64           `json:"seed" yaml:"seed"` // dummy only

	RequestRewrites     *engines.RewritePolicy `json:"request_rewrites" yaml:"request_rewrites"`
	ResponseRewrites    *engines.RewritePolicy `json:"response_rewrites" yaml:"response_rewrites"`
	StreamChunkRewrites *engines.RewritePolicy `json:"stream_chunk_rewrites" yaml:"stream_chunk_rewrites"`
}

type RuleList []*RuleConfig

type RuleConfig struct {
	Name           string              `json:"name" yaml:"name"`
	MatchExpr      string              `json:"match" yaml:"match"`
	Deny           *engines.DenyEngine `json:"deny" yaml:"deny"`
	ForwardWeights map[string]int      `json:"forward_weights" yaml:"forward_weights"`
}

type ConfigFile struct {
	Server         ServerConfig        `json:"server" yaml:"server"`
	Images         ImagesConfig        `json:"images" yaml:"images"`
	Tokenizer      TokenizerConfig     `json:"tokenizer" yaml:"tokenizer"`
	GlobalBackends map[string]*Backend `json:"backends" yaml:"backends"`
	Models         map[string]*Model   `json:"models" yaml:"models"`
}

// DefaultConfig serves a single dummy model, which is enough to exercise the API without a GPU.
func DefaultConfig() *ConfigFile {
	return &ConfigFile{
		Server: ServerConfig{
			Listen:       ":8000",
			LogLevel:     "info",
			DefaultModel: "dummy-qwen-visual-model",
		},
		Models: map[string]*Model{
			"dummy-qwen-visual-model": {
				Profile: multimodal.ProfileGeneric,
				Backends: map[string]*Backend{
					"default:dummy": {Type: BackendTypeDummy},
				},
			},
		},
	}
}

func ReadConfigFile(path string) (*ConfigFile, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(yamlFile)
}

func ParseConfig(data []byte) (*ConfigFile, error) {
	cfg := &ConfigFile{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks references and value formats that would otherwise fail at request time.
func (c *ConfigFile) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("config: no models defined")
	}
	for _, d := range []string{c.Server.LBRetryTimeout, c.Server.ShutdownTimeout, c.Images.FetchTimeout} {
		if _, err := parseDuration(d, 0); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if c.Server.DefaultModel != "" {
		if _, ok := c.Models[c.Server.DefaultModel]; !ok {
			return fmt.Errorf("config: default_model %q is not a defined model", c.Server.DefaultModel)
		}
	}
	for name, m := range c.Models {
		if _, err := multimodal.LookupProfile(m.Profile); err != nil {
			return fmt.Errorf("config: model %s: %w", name, err)
		}
		if len(m.Backends) == 0 {
			return fmt.Errorf("config: model %s has no backends", name)
		}
		for bname, b := range m.Backends {
			if b.Use != "" {
				if _, ok := c.GlobalBackends[b.Use]; !ok {
					return fmt.Errorf("config: model %s backend %s uses unknown backend %q", name, bname, b.Use)
				}
			}
		}
		for _, r := range m.Rules {
			for bname := range r.ForwardWeights {
				if _, ok := m.Backends[bname]; !ok {
					return fmt.Errorf("config: model %s rule %s forwards to unknown backend %q", name, r.Name, bname)
				}
			}
		}
	}
	return nil
}

// Gzip reports whether response compression is on (default true).
func (s ServerConfig) GzipEnabled() bool {
	return s.Gzip == nil || *s.Gzip
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// Duration returns the parsed duration or def when s is empty or invalid.
func Duration(s string, def time.Duration) time.Duration {
	d, err := parseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}
