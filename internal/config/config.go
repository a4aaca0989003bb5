package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds the full shield configuration. It is loaded once at startup
// and passed by reference; nothing mutates it after Load returns.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Entropy     EntropyConfig     `yaml:"entropy"`
	Penalty     PenaltyConfig     `yaml:"penalty"`
	Compression CompressionConfig `yaml:"compression"`
	Timeouts    TimeoutConfig     `yaml:"timeouts"`
	Security    SecurityConfig    `yaml:"security"`
	Judge       JudgeConfig       `yaml:"judge"`
	Sieve       SieveConfig       `yaml:"sieve"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	Shield      ShieldConfig      `yaml:"shield"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type EntropyConfig struct {
	CleanMax float64 `yaml:"clean_max"`
	WeirdMin float64 `yaml:"weird_min"`
}

type PenaltyConfig struct {
	Threshold       float64 `yaml:"threshold"`
	HalfLifeSeconds float64 `yaml:"half_life_seconds"`
	EvictionEpsilon float64 `yaml:"eviction_epsilon"`
}

// HalfLife returns the decay half-life as a duration.
func (p PenaltyConfig) HalfLife() time.Duration {
	return time.Duration(p.HalfLifeSeconds * float64(time.Second))
}

type CompressionConfig struct {
	BaseLevel          float64 `yaml:"base_level"`
	SuspiciousLevel    float64 `yaml:"suspicious_level"`
	PenalisedLevel     float64 `yaml:"penalised_level"`
	AttackThresholdPct float64 `yaml:"attack_threshold_pct"`
}

type TimeoutConfig struct {
	SieveSeconds    int `yaml:"sieve_s"`
	JudgeSeconds    int `yaml:"judge_s"`
	UpstreamSeconds int `yaml:"upstream_s"`
}

func (t TimeoutConfig) Sieve() time.Duration { return time.Duration(t.SieveSeconds) * time.Second }
func (t TimeoutConfig) Judge() time.Duration { return time.Duration(t.JudgeSeconds) * time.Second }
func (t TimeoutConfig) Upstream() time.Duration {
	return time.Duration(t.UpstreamSeconds) * time.Second
}

// SecurityConfig carries the signature pattern families. Patterns are data so
// operators can update them without recompiling the pipeline.
type SecurityConfig struct {
	Patterns PatternConfig `yaml:"patterns"`
}

type PatternConfig struct {
	RoleHijack          []string `yaml:"role_hijack"`
	InstructionOverride []string `yaml:"instruction_override"`
}

type JudgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"-"`
}

type SieveConfig struct {
	URL    string `yaml:"url"`
	Model  string `yaml:"model"`
	APIKey string `yaml:"-"`
}

type UpstreamConfig struct {
	URL          string `yaml:"url"`
	DefaultModel string `yaml:"default_model"`
	APIKey       string `yaml:"-"`
}

type RateLimitConfig struct {
	MaxPerMinute int `yaml:"max_per_minute"`
	BurstSize    int `yaml:"burst_size"`
}

type ShieldConfig struct {
	// ScanLastUser relaxes the strict "last message must be user" rule and
	// targets the last user-role message anywhere in the sequence.
	ScanLastUser bool `yaml:"scan_last_user"`
}

// Default returns the configuration with all documented defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Entropy: EntropyConfig{
			CleanMax: 5.5,
			WeirdMin: 6.5,
		},
		Penalty: PenaltyConfig{
			Threshold:       2.5,
			HalfLifeSeconds: 600,
			EvictionEpsilon: 0.01,
		},
		Compression: CompressionConfig{
			BaseLevel:          0.5,
			SuspiciousLevel:    0.7,
			PenalisedLevel:     0.8,
			AttackThresholdPct: 80,
		},
		Timeouts: TimeoutConfig{
			SieveSeconds:    30,
			JudgeSeconds:    30,
			UpstreamSeconds: 60,
		},
		Security: SecurityConfig{
			Patterns: PatternConfig{
				RoleHijack: []string{
					`(?i)you\s+are\s+now\s+(?:an?\s+)?(?:admin|administrator|root|superuser)`,
					`(?i)you\s+are\s+(?:now\s+)?(?:a\s+)?(?:developer|programmer|coder)`,
					`(?i)act\s+as\s+(?:if\s+you\s+are\s+)?(?:an?\s+)?(?:admin|developer|system)`,
					`(?i)pretend\s+you\s+are\s+(?:an?\s+)?(?:admin|developer|system)`,
					`(?i)from\s+now\s+on\s+you\s+are\s+(?:an?\s+)?(?:admin|developer)`,
				},
				InstructionOverride: []string{
					`(?i)ignore\s+(?:all\s+)?(?:previous\s+)?(?:instructions|rules|guidelines)`,
					`(?i)forget\s+(?:all\s+)?(?:previous\s+)?(?:instructions|rules|guidelines)`,
					`(?i)disregard\s+(?:all\s+)?(?:previous\s+)?(?:instructions|rules|guidelines|the\s+system\s+prompt)`,
					`(?i)override\s+(?:all\s+)?(?:previous\s+)?(?:instructions|rules)`,
					`(?i)system\s+override`,
					`(?i)bypass\s+(?:all\s+)?(?:previous\s+)?(?:instructions|rules)`,
				},
			},
		},
		Judge: JudgeConfig{
			Enabled: true,
			Model:   "gemini-2.5-flash-lite",
		},
		Sieve: SieveConfig{
			URL:   "https://api.thetokencompany.com/v1/compress",
			Model: "bear-1",
		},
		Upstream: UpstreamConfig{
			DefaultModel: "gemini-2.5-flash-lite",
		},
		RateLimit: RateLimitConfig{
			MaxPerMinute: 120,
		},
	}
}

// Load reads the YAML config at path (if non-empty) on top of the defaults,
// then applies environment overrides for secrets and deploy knobs.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays secrets and deployment settings from the environment.
// Secret material never lives in the YAML file.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("UPSTREAM_API_KEY"); v != "" {
		c.Upstream.APIKey = v
	}
	if v := os.Getenv("UPSTREAM_URL"); v != "" {
		c.Upstream.URL = v
	}
	if v := os.Getenv("SIEVE_API_KEY"); v != "" {
		c.Sieve.APIKey = v
	}
	if v := os.Getenv("SIEVE_URL"); v != "" {
		c.Sieve.URL = v
	}
	if v := os.Getenv("JUDGE_API_KEY"); v != "" {
		c.Judge.APIKey = v
	}
	if v := os.Getenv("JUDGE_URL"); v != "" {
		c.Judge.URL = v
	}
	if v := os.Getenv("JUDGE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Judge.Enabled = b
		}
	}
}
