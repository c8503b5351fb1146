// Package projectconfig provides the ProjectConfig struct and loader for
// .sphere.yaml configuration files.
package projectconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up by Load.
const FileName = ".sphere.yaml"

// EnvPrefix starts every environment override, e.g. SPHERE_LLM_API_KEY.
const EnvPrefix = "SPHERE_"

// Default values for the configuration. These are the single source of
// truth: New() references them and no other code should duplicate them.
const (
	DefaultAddr      = ":8080"
	DefaultReposDir  = "repos"
	DefaultPublicURL = "http://localhost:8080"

	DefaultLLMProvider  = "openai"
	DefaultLLMModel     = "gpt-4o-mini"
	DefaultLLMBaseURL   = "http://localhost:11434/v1"
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 5 * time.Second
	DefaultLLMTimeout   = 5 * time.Minute

	DefaultMaxTurns    = 40
	DefaultStreamDelay = 30 * time.Millisecond

	DefaultExecutorTokenTTL = 100 * 24 * time.Hour

	DefaultKnowledgeCacheDir = ".sphere-cache/knowledge"
	DefaultKnowledgeCacheTTL = 24 * time.Hour

	DefaultStoreDriver = "memory"
	DefaultStorePath   = "sphere.db"

	DefaultArtifactsKind = "none"
	DefaultArtifactsDir  = "artifacts"

	DefaultPingInterval = 30 * time.Second
)

// Accepted enum values.
var (
	LLMProviders  = []string{"openai", "gemini", "copilot"}
	StoreDrivers  = []string{"memory", "sqlite"}
	ArtifactKinds = []string{"none", "dir", "azblob"}
)

// ServerConfig holds the HTTP boundary settings.
type ServerConfig struct {
	Addr           string   `yaml:"addr,omitempty" mapstructure:"addr"`
	ReposDir       string   `yaml:"repos_dir,omitempty" mapstructure:"repos_dir"`
	PublicURL      string   `yaml:"public_url,omitempty" mapstructure:"public_url"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" mapstructure:"allowed_origins"`
	// SessionLogDir receives one JSONL event log per session. Empty disables them.
	SessionLogDir string `yaml:"session_log_dir,omitempty" mapstructure:"session_log_dir"`
}

// LLMConfig selects the completion backend.
type LLMConfig struct {
	Provider     string        `yaml:"provider,omitempty" mapstructure:"provider"`
	Model        string        `yaml:"model,omitempty" mapstructure:"model"`
	BaseURL      string        `yaml:"base_url,omitempty" mapstructure:"base_url"`
	APIKey       string        `yaml:"api_key,omitempty" mapstructure:"api_key"`
	MaxRetries   int           `yaml:"max_retries,omitempty" mapstructure:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff,omitempty" mapstructure:"retry_backoff"`
	Timeout      time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// AgentConfig holds agent loop settings.
type AgentConfig struct {
	MaxTurns int `yaml:"max_turns,omitempty" mapstructure:"max_turns"`
	// StreamDelay is the pause after every streamed token. Zero disables it.
	StreamDelay *time.Duration `yaml:"stream_delay,omitempty" mapstructure:"stream_delay"`
}

// AuthConfig holds token introspection and executor token settings.
type AuthConfig struct {
	IntrospectionURL string        `yaml:"introspection_url,omitempty" mapstructure:"introspection_url"`
	ClientID         string        `yaml:"client_id,omitempty" mapstructure:"client_id"`
	ClientSecret     string        `yaml:"client_secret,omitempty" mapstructure:"client_secret"`
	ExecutorSecret   string        `yaml:"executor_secret,omitempty" mapstructure:"executor_secret"`
	ExecutorTokenTTL time.Duration `yaml:"executor_token_ttl,omitempty" mapstructure:"executor_token_ttl"`
}

// KnowledgeConfig points at the retrieval service.
type KnowledgeConfig struct {
	URL      string        `yaml:"url,omitempty" mapstructure:"url"`
	APIKey   string        `yaml:"api_key,omitempty" mapstructure:"api_key"`
	CacheDir string        `yaml:"cache_dir,omitempty" mapstructure:"cache_dir"`
	CacheTTL time.Duration `yaml:"cache_ttl,omitempty" mapstructure:"cache_ttl"`
}

// StoreConfig selects the task result store.
type StoreConfig struct {
	Driver string `yaml:"driver,omitempty" mapstructure:"driver"`
	Path   string `yaml:"path,omitempty" mapstructure:"path"`
}

// ArtifactsConfig selects where repository archives are published.
type ArtifactsConfig struct {
	Kind       string `yaml:"kind,omitempty" mapstructure:"kind"`
	Dir        string `yaml:"dir,omitempty" mapstructure:"dir"`
	AccountURL string `yaml:"account_url,omitempty" mapstructure:"account_url"`
	Container  string `yaml:"container,omitempty" mapstructure:"container"`
}

// ExecutorConfig holds executor connection settings.
type ExecutorConfig struct {
	PingInterval time.Duration `yaml:"ping_interval,omitempty" mapstructure:"ping_interval"`
}

// ProjectConfig is the top-level configuration loaded from .sphere.yaml.
type ProjectConfig struct {
	Server    ServerConfig    `yaml:"server,omitempty" mapstructure:"server"`
	LLM       LLMConfig       `yaml:"llm,omitempty" mapstructure:"llm"`
	Agent     AgentConfig     `yaml:"agent,omitempty" mapstructure:"agent"`
	Auth      AuthConfig      `yaml:"auth,omitempty" mapstructure:"auth"`
	Knowledge KnowledgeConfig `yaml:"knowledge,omitempty" mapstructure:"knowledge"`
	Store     StoreConfig     `yaml:"store,omitempty" mapstructure:"store"`
	Artifacts ArtifactsConfig `yaml:"artifacts,omitempty" mapstructure:"artifacts"`
	Executor  ExecutorConfig  `yaml:"executor,omitempty" mapstructure:"executor"`
}

// New returns a ProjectConfig with all hard-coded defaults populated.
func New() *ProjectConfig {
	return &ProjectConfig{
		Server: ServerConfig{
			Addr:      DefaultAddr,
			ReposDir:  DefaultReposDir,
			PublicURL: DefaultPublicURL,
		},
		LLM: LLMConfig{
			Provider:     DefaultLLMProvider,
			Model:        DefaultLLMModel,
			BaseURL:      DefaultLLMBaseURL,
			MaxRetries:   DefaultMaxRetries,
			RetryBackoff: DefaultRetryBackoff,
			Timeout:      DefaultLLMTimeout,
		},
		Agent: AgentConfig{
			MaxTurns:    DefaultMaxTurns,
			StreamDelay: durationPtr(DefaultStreamDelay),
		},
		Auth: AuthConfig{
			ExecutorTokenTTL: DefaultExecutorTokenTTL,
		},
		Knowledge: KnowledgeConfig{
			CacheDir: DefaultKnowledgeCacheDir,
			CacheTTL: DefaultKnowledgeCacheTTL,
		},
		Store: StoreConfig{
			Driver: DefaultStoreDriver,
			Path:   DefaultStorePath,
		},
		Artifacts: ArtifactsConfig{
			Kind: DefaultArtifactsKind,
			Dir:  DefaultArtifactsDir,
		},
		Executor: ExecutorConfig{
			PingInterval: DefaultPingInterval,
		},
	}
}

// Load finds .sphere.yaml by walking up from startDir (max 10 levels),
// unmarshals it, fills in missing fields with defaults and finally applies
// SPHERE_* environment overrides.
// If no config file is found, defaults plus overrides are returned with a
// nil error. Real I/O errors (e.g. permission denied) are returned.
func Load(startDir string) (*ProjectConfig, error) {
	return load(startDir, os.Environ())
}

func load(startDir string, environ []string) (*ProjectConfig, error) {
	cfg := New()

	data, err := findConfigFile(startDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// no file found, keep defaults
	case err != nil:
		return nil, fmt.Errorf("loading %s: %w", FileName, err)
	default:
		var fileCfg ProjectConfig
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", FileName, err)
		}
		mergeConfig(cfg, &fileCfg)
	}

	if err := applyEnv(cfg, environ); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile walks up from dir looking for .sphere.yaml (max 10 levels).
// Returns os.ErrNotExist if no config file is found. Propagates real I/O
// errors instead of silently swallowing them.
func findConfigFile(dir string) ([]byte, error) {
	// Convert to absolute path so filepath.Dir(".") walks correctly.
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving path %q: %w", dir, err)
	}
	dir = absDir

	for i := 0; i < 10; i++ {
		p := filepath.Join(dir, FileName)
		data, err := os.ReadFile(p)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading %q: %w", p, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break // reached filesystem root
		}
		dir = parent
	}
	return nil, os.ErrNotExist
}

// applyEnv decodes SPHERE_<SECTION>_<KEY> variables onto cfg. Variables
// without a key part, such as SPHERE_TOKEN, are left to the CLIs.
func applyEnv(cfg *ProjectConfig, environ []string) error {
	sections := map[string]any{}
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		section, key, ok := strings.Cut(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "_")
		if !ok || section == "" || key == "" {
			continue
		}
		m, _ := sections[section].(map[string]any)
		if m == nil {
			m = map[string]any{}
			sections[section] = m
		}
		m[key] = value
	}
	if len(sections) == 0 {
		return nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		Result: cfg,
	})
	if err != nil {
		return fmt.Errorf("creating environment decoder: %w", err)
	}
	if err := dec.Decode(sections); err != nil {
		return fmt.Errorf("applying %s* environment: %w", EnvPrefix, err)
	}
	return nil
}

// Validate reports unknown enum values and settings that contradict each
// other.
func (c *ProjectConfig) Validate() error {
	var errs []error
	if !slices.Contains(LLMProviders, c.LLM.Provider) {
		errs = append(errs, fmt.Errorf("llm.provider: unknown value %q (want one of %s)", c.LLM.Provider, strings.Join(LLMProviders, ", ")))
	}
	if !slices.Contains(StoreDrivers, c.Store.Driver) {
		errs = append(errs, fmt.Errorf("store.driver: unknown value %q (want one of %s)", c.Store.Driver, strings.Join(StoreDrivers, ", ")))
	}
	if !slices.Contains(ArtifactKinds, c.Artifacts.Kind) {
		errs = append(errs, fmt.Errorf("artifacts.kind: unknown value %q (want one of %s)", c.Artifacts.Kind, strings.Join(ArtifactKinds, ", ")))
	}
	if c.Artifacts.Kind == "azblob" && (c.Artifacts.AccountURL == "" || c.Artifacts.Container == "") {
		errs = append(errs, errors.New("artifacts: azblob needs account_url and container"))
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		errs = append(errs, errors.New("store.path: required for the sqlite driver"))
	}
	if c.Agent.MaxTurns < 0 {
		errs = append(errs, errors.New("agent.max_turns: must not be negative"))
	}
	return errors.Join(errs...)
}

// StreamDelay returns the configured token pacing.
func (c *ProjectConfig) StreamDelay() time.Duration {
	if c.Agent.StreamDelay == nil {
		return DefaultStreamDelay
	}
	return *c.Agent.StreamDelay
}

// Redacted returns a copy with secrets masked, for display.
func (c *ProjectConfig) Redacted() *ProjectConfig {
	out := *c
	out.Server.AllowedOrigins = slices.Clone(c.Server.AllowedOrigins)
	mask := func(s *string) {
		if *s != "" {
			*s = "********"
		}
	}
	mask(&out.LLM.APIKey)
	mask(&out.Auth.ClientSecret)
	mask(&out.Auth.ExecutorSecret)
	mask(&out.Knowledge.APIKey)
	return &out
}

// mergeConfig overlays non-zero values from src onto dst.
func mergeConfig(dst, src *ProjectConfig) {
	// Server
	setString(&dst.Server.Addr, src.Server.Addr)
	setString(&dst.Server.ReposDir, src.Server.ReposDir)
	setString(&dst.Server.PublicURL, src.Server.PublicURL)
	if len(src.Server.AllowedOrigins) > 0 {
		dst.Server.AllowedOrigins = src.Server.AllowedOrigins
	}
	setString(&dst.Server.SessionLogDir, src.Server.SessionLogDir)

	// LLM
	setString(&dst.LLM.Provider, src.LLM.Provider)
	setString(&dst.LLM.Model, src.LLM.Model)
	setString(&dst.LLM.BaseURL, src.LLM.BaseURL)
	setString(&dst.LLM.APIKey, src.LLM.APIKey)
	if src.LLM.MaxRetries != 0 {
		dst.LLM.MaxRetries = src.LLM.MaxRetries
	}
	setDuration(&dst.LLM.RetryBackoff, src.LLM.RetryBackoff)
	setDuration(&dst.LLM.Timeout, src.LLM.Timeout)

	// Agent
	if src.Agent.MaxTurns != 0 {
		dst.Agent.MaxTurns = src.Agent.MaxTurns
	}
	if src.Agent.StreamDelay != nil {
		dst.Agent.StreamDelay = src.Agent.StreamDelay
	}

	// Auth
	setString(&dst.Auth.IntrospectionURL, src.Auth.IntrospectionURL)
	setString(&dst.Auth.ClientID, src.Auth.ClientID)
	setString(&dst.Auth.ClientSecret, src.Auth.ClientSecret)
	setString(&dst.Auth.ExecutorSecret, src.Auth.ExecutorSecret)
	setDuration(&dst.Auth.ExecutorTokenTTL, src.Auth.ExecutorTokenTTL)

	// Knowledge
	setString(&dst.Knowledge.URL, src.Knowledge.URL)
	setString(&dst.Knowledge.APIKey, src.Knowledge.APIKey)
	setString(&dst.Knowledge.CacheDir, src.Knowledge.CacheDir)
	setDuration(&dst.Knowledge.CacheTTL, src.Knowledge.CacheTTL)

	// Store
	setString(&dst.Store.Driver, src.Store.Driver)
	setString(&dst.Store.Path, src.Store.Path)

	// Artifacts
	setString(&dst.Artifacts.Kind, src.Artifacts.Kind)
	setString(&dst.Artifacts.Dir, src.Artifacts.Dir)
	setString(&dst.Artifacts.AccountURL, src.Artifacts.AccountURL)
	setString(&dst.Artifacts.Container, src.Artifacts.Container)

	// Executor
	setDuration(&dst.Executor.PingInterval, src.Executor.PingInterval)
}

func setString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func setDuration(dst *time.Duration, src time.Duration) {
	if src != 0 {
		*dst = src
	}
}

func durationPtr(d time.Duration) *time.Duration {
	return &d
}
