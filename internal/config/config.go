// Package config loads backlogd configuration from backlogd.yaml and
// the environment (prefix BACKLOGD_). Scoring weights and thresholds are
// configuration, not business-logic constants, and support hot reload.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the full backlogd runtime configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Research   ResearchConfig   `mapstructure:"research"`
	Jira       JiraConfig       `mapstructure:"jira"`
	Slack      SlackConfig      `mapstructure:"slack"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Generation GenerationConfig `mapstructure:"generation"`
	Quality    QualityConfig    `mapstructure:"quality"`
	Priority   PriorityConfig   `mapstructure:"priority"`
	Session    SessionConfig    `mapstructure:"session"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LLMConfig controls the Anthropic drafter.
type LLMConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	DraftModel     string        `mapstructure:"draft_model"`
	ReviseModel    string        `mapstructure:"revise_model"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxTokens      int           `mapstructure:"max_tokens"`
}

// ResearchConfig controls the search adapter and brief cache.
type ResearchConfig struct {
	APIKey             string        `mapstructure:"api_key"`
	BaseURL            string        `mapstructure:"base_url"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	FailureCacheTTL    time.Duration `mapstructure:"failure_cache_ttl"`
	CacheCapacity      int           `mapstructure:"cache_capacity"`
	MaxSearchesPerHour int           `mapstructure:"max_searches_per_hour"`
	ResultsPerQuery    int           `mapstructure:"results_per_query"`
}

// JiraConfig controls the issue-tracker adapter.
type JiraConfig struct {
	URL        string        `mapstructure:"url"`
	Username   string        `mapstructure:"username"`
	APIToken   string        `mapstructure:"api_token"`
	ProjectKey string        `mapstructure:"project_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// SlackConfig controls the chat adapter.
type SlackConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	BotToken      string `mapstructure:"bot_token"`
	SigningSecret string `mapstructure:"signing_secret"`
}

// StorageConfig controls the sqlite sync-record store.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// GenerationConfig tunes the orchestrator state machine.
type GenerationConfig struct {
	AcceptanceThreshold float64 `mapstructure:"acceptance_threshold"`
	MaxRevisions        int     `mapstructure:"max_revisions"`
}

// QualityConfig tunes the quality gate.
type QualityConfig struct {
	Weights QualityWeights `mapstructure:"weights"`
	Floors  QualityFloors  `mapstructure:"floors"`
	// MaxStoryItems is the INVEST size heuristic: a story with more
	// acceptance criteria or sub-tasks than this signals weak decomposition.
	MaxStoryItems int `mapstructure:"max_story_items"`
}

// QualityWeights are the per-criterion weights; they must sum to 1.
type QualityWeights struct {
	Clarity       float64 `mapstructure:"clarity"`
	Invest        float64 `mapstructure:"invest"`
	Testability   float64 `mapstructure:"testability"`
	Measurability float64 `mapstructure:"measurability"`
	Scope         float64 `mapstructure:"scope"`
	Evidence      float64 `mapstructure:"evidence"`
}

// Sum returns the total weight.
func (w QualityWeights) Sum() float64 {
	return w.Clarity + w.Invest + w.Testability + w.Measurability + w.Scope + w.Evidence
}

// QualityFloors are the per-criterion floors below which a typed warning
// is emitted.
type QualityFloors struct {
	Clarity       float64 `mapstructure:"clarity"`
	Invest        float64 `mapstructure:"invest"`
	Testability   float64 `mapstructure:"testability"`
	Measurability float64 `mapstructure:"measurability"`
	Scope         float64 `mapstructure:"scope"`
	Evidence      float64 `mapstructure:"evidence"`
}

// PriorityConfig tunes the deterministic priority scorer.
type PriorityConfig struct {
	Weights PillarWeights `mapstructure:"weights"`
	// MoSCoW thresholds on the final 0-100 score.
	MustThreshold   float64 `mapstructure:"must_threshold"`
	ShouldThreshold float64 `mapstructure:"should_threshold"`
	CouldThreshold  float64 `mapstructure:"could_threshold"`
	// Signal gains and penalty ceiling.
	DemandGain       float64 `mapstructure:"demand_gain"`
	PressureGain     float64 `mapstructure:"pressure_gain"`
	MaxEffortPenalty float64 `mapstructure:"max_effort_penalty"`
}

// PillarWeights weight the five pillar inputs; they must sum to 1.
type PillarWeights struct {
	UserValue              float64 `mapstructure:"user_value"`
	CommercialImpact       float64 `mapstructure:"commercial_impact"`
	StrategicHorizon       float64 `mapstructure:"strategic_horizon"`
	CompetitivePositioning float64 `mapstructure:"competitive_positioning"`
	TechnicalReality       float64 `mapstructure:"technical_reality"`
}

// Sum returns the total weight.
func (w PillarWeights) Sum() float64 {
	return w.UserValue + w.CommercialImpact + w.StrategicHorizon + w.CompetitivePositioning + w.TechnicalReality
}

// SessionConfig tunes the chat session store.
type SessionConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("llm.draft_model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.revise_model", "")
	v.SetDefault("llm.timeout", 45*time.Second)
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.initial_backoff", time.Second)
	v.SetDefault("llm.max_tokens", 4096)

	v.SetDefault("research.base_url", "https://serpapi.com/search.json")
	v.SetDefault("research.timeout", 20*time.Second)
	v.SetDefault("research.max_retries", 2)
	v.SetDefault("research.cache_ttl", 24*time.Hour)
	v.SetDefault("research.failure_cache_ttl", 5*time.Minute)
	v.SetDefault("research.cache_capacity", 512)
	v.SetDefault("research.max_searches_per_hour", 45)
	v.SetDefault("research.results_per_query", 5)

	v.SetDefault("jira.project_key", "KAN")
	v.SetDefault("jira.timeout", 30*time.Second)
	v.SetDefault("jira.max_retries", 2)

	v.SetDefault("storage.path", "backlogd.db")

	v.SetDefault("generation.acceptance_threshold", 70.0)
	v.SetDefault("generation.max_revisions", 2)

	// Clarity and testability carry the highest weight.
	v.SetDefault("quality.weights.clarity", 0.25)
	v.SetDefault("quality.weights.invest", 0.15)
	v.SetDefault("quality.weights.testability", 0.25)
	v.SetDefault("quality.weights.measurability", 0.15)
	v.SetDefault("quality.weights.scope", 0.10)
	v.SetDefault("quality.weights.evidence", 0.10)
	v.SetDefault("quality.floors.clarity", 60.0)
	v.SetDefault("quality.floors.invest", 50.0)
	v.SetDefault("quality.floors.testability", 60.0)
	v.SetDefault("quality.floors.measurability", 50.0)
	v.SetDefault("quality.floors.scope", 40.0)
	v.SetDefault("quality.floors.evidence", 40.0)
	v.SetDefault("quality.max_story_items", 8)

	// 2 : 2 : 1.5 : 1 : 1.5 over a total of 8.
	v.SetDefault("priority.weights.user_value", 0.25)
	v.SetDefault("priority.weights.commercial_impact", 0.25)
	v.SetDefault("priority.weights.strategic_horizon", 0.1875)
	v.SetDefault("priority.weights.competitive_positioning", 0.125)
	v.SetDefault("priority.weights.technical_reality", 0.1875)
	v.SetDefault("priority.must_threshold", 80.0)
	v.SetDefault("priority.should_threshold", 60.0)
	v.SetDefault("priority.could_threshold", 35.0)
	v.SetDefault("priority.demand_gain", 8.0)
	v.SetDefault("priority.pressure_gain", 7.0)
	v.SetDefault("priority.max_effort_penalty", 12.0)

	v.SetDefault("session.ttl", 30*time.Minute)
	v.SetDefault("session.sweep_interval", time.Minute)
}

// Load reads configuration from the given file (optional) plus the
// environment and returns the parsed Config. A missing config file is
// not an error; env vars and defaults still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BACKLOGD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("backlogd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watcher wraps a Config with hot reload of the tunable sections
// (quality, priority, generation). Adapter credentials and listener
// settings require a restart.
type Watcher struct {
	mu       sync.RWMutex
	cfg      *Config
	onReload func(*Config)
}

// NewWatcher starts watching the given config file and returns a Watcher
// seeded with cfg. Reload failures keep the previous config.
func NewWatcher(cfg *Config, path string, log *slog.Logger) *Watcher {
	w := &Watcher{cfg: cfg}
	if path == "" {
		return w
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.OnConfigChange(func(e fsnotify.Event) {
		if err := v.ReadInConfig(); err != nil {
			log.Warn("config reload failed", "path", e.Name, "error", err)
			return
		}
		next := &Config{}
		if err := v.Unmarshal(next); err != nil {
			log.Warn("config reload parse failed", "path", e.Name, "error", err)
			return
		}
		if err := next.Validate(); err != nil {
			log.Warn("config reload rejected", "path", e.Name, "error", err)
			return
		}
		w.mu.Lock()
		cur := *w.cfg
		cur.Quality = next.Quality
		cur.Priority = next.Priority
		cur.Generation = next.Generation
		w.cfg = &cur
		hook := w.onReload
		w.mu.Unlock()
		log.Info("config reloaded", "path", e.Name)
		if hook != nil {
			hook(&cur)
		}
	})
	v.WatchConfig()
	return w
}

// OnReload registers a callback invoked with each accepted reload.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	w.onReload = fn
	w.mu.Unlock()
}

// Current returns the active config snapshot.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Validate checks cross-field invariants that would make scoring nonsense.
func (c *Config) Validate() error {
	if s := c.Quality.Weights.Sum(); s < 0.999 || s > 1.001 {
		return fmt.Errorf("quality weights must sum to 1, got %.4f", s)
	}
	if s := c.Priority.Weights.Sum(); s < 0.999 || s > 1.001 {
		return fmt.Errorf("priority pillar weights must sum to 1, got %.4f", s)
	}
	if c.Generation.MaxRevisions < 0 {
		return fmt.Errorf("generation.max_revisions must be >= 0")
	}
	if c.Generation.AcceptanceThreshold < 0 || c.Generation.AcceptanceThreshold > 100 {
		return fmt.Errorf("generation.acceptance_threshold must be in [0,100]")
	}
	if c.Priority.MustThreshold < c.Priority.ShouldThreshold ||
		c.Priority.ShouldThreshold < c.Priority.CouldThreshold {
		return fmt.Errorf("priority thresholds must be ordered must >= should >= could")
	}
	return nil
}
