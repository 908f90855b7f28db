package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/opd-ai/toxav/av"
	"github.com/opd-ai/toxav/limits"
)

// Config is the YAML-backed configuration of a ToxAV node.
type Config struct {
	Call       Call       `yaml:"call"`
	Adaptation Adaptation `yaml:"adaptation"`
	Logging    Logging    `yaml:"logging"`
	History    History    `yaml:"history"`
}

// Call configures the call-session core. Rates are in kbit/s.
type Call struct {
	MaxAudioBitRate     uint32 `yaml:"max_audio_bit_rate"`
	MaxVideoBitRate     uint32 `yaml:"max_video_bit_rate"`
	DefaultAudioBitRate uint32 `yaml:"default_audio_bit_rate"`
	DefaultVideoBitRate uint32 `yaml:"default_video_bit_rate"`
	EventQueueSize      int    `yaml:"event_queue_size"`
	SubscriberBuffer    int    `yaml:"subscriber_buffer"`
	MetricsNamespace    string `yaml:"metrics_namespace"`
}

// Adaptation configures the adaptive bit-rate controller.
type Adaptation struct {
	Enabled            bool          `yaml:"enabled"`
	PoorLossPercent    float64       `yaml:"poor_loss_percent"`
	FairLossPercent    float64       `yaml:"fair_loss_percent"`
	GoodLossPercent    float64       `yaml:"good_loss_percent"`
	PoorJitter         time.Duration `yaml:"poor_jitter"`
	FairJitter         time.Duration `yaml:"fair_jitter"`
	GoodJitter         time.Duration `yaml:"good_jitter"`
	MinAudioBitRate    uint32        `yaml:"min_audio_bit_rate"`
	MaxAudioBitRate    uint32        `yaml:"max_audio_bit_rate"`
	MinVideoBitRate    uint32        `yaml:"min_video_bit_rate"`
	MaxVideoBitRate    uint32        `yaml:"max_video_bit_rate"`
	IncreaseStep       float64       `yaml:"increase_step"`
	DecreaseMultiplier float64       `yaml:"decrease_multiplier"`
	MinChange          uint32        `yaml:"min_change"`
	Backoff            time.Duration `yaml:"backoff"`
	RequestInterval    time.Duration `yaml:"request_interval"`
}

// Logging configures logrus.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// History selects the call-history backend.
type History struct {
	Backend string `yaml:"backend"`
	Redis   struct {
		Address   string `yaml:"address"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		PoolSize  int    `yaml:"pool_size"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`
}

// History backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}

	mc := av.DefaultManagerConfig()
	cfg.Call.MaxAudioBitRate = uint32(mc.MaxAudioBitRate)
	cfg.Call.MaxVideoBitRate = uint32(mc.MaxVideoBitRate)
	cfg.Call.DefaultAudioBitRate = uint32(mc.DefaultAudioBitRate)
	cfg.Call.DefaultVideoBitRate = uint32(mc.DefaultVideoBitRate)
	cfg.Call.EventQueueSize = mc.EventQueueSize
	cfg.Call.SubscriberBuffer = mc.SubscriberBuffer
	cfg.Call.MetricsNamespace = "toxav"

	ac := av.DefaultAdaptationConfig()
	cfg.Adaptation.Enabled = false
	cfg.Adaptation.PoorLossPercent = ac.PoorLossThreshold
	cfg.Adaptation.FairLossPercent = ac.FairLossThreshold
	cfg.Adaptation.GoodLossPercent = ac.GoodLossThreshold
	cfg.Adaptation.PoorJitter = ac.PoorJitterThreshold
	cfg.Adaptation.FairJitter = ac.FairJitterThreshold
	cfg.Adaptation.GoodJitter = ac.GoodJitterThreshold
	cfg.Adaptation.MinAudioBitRate = uint32(ac.MinAudioBitRate)
	cfg.Adaptation.MaxAudioBitRate = uint32(ac.MaxAudioBitRate)
	cfg.Adaptation.MinVideoBitRate = uint32(ac.MinVideoBitRate)
	cfg.Adaptation.MaxVideoBitRate = uint32(ac.MaxVideoBitRate)
	cfg.Adaptation.IncreaseStep = ac.IncreaseStep
	cfg.Adaptation.DecreaseMultiplier = ac.DecreaseMultiplier
	cfg.Adaptation.MinChange = uint32(ac.MinChange)
	cfg.Adaptation.Backoff = ac.BackoffDuration
	cfg.Adaptation.RequestInterval = ac.RequestInterval

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.History.Backend = BackendMemory
	cfg.History.Redis.Address = "localhost:6379"
	cfg.History.Redis.PoolSize = 10
	cfg.History.Redis.KeyPrefix = "toxav"

	return cfg
}

// Load reads the YAML file at path on top of Default, applies environment
// overrides and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		logrus.WithFields(logrus.Fields{
			"function": "config.Load",
			"path":     path,
		}).Info("Config file not found, using defaults")
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("TOXAV_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if backend := os.Getenv("TOXAV_HISTORY_BACKEND"); backend != "" {
		c.History.Backend = backend
	}
	if addr := os.Getenv("TOXAV_REDIS_ADDRESS"); addr != "" {
		c.History.Redis.Address = addr
	}
}

// Validate checks that values are within acceptable ranges.
func (c *Config) Validate() error {
	// Call
	if c.Call.MaxAudioBitRate == 0 || c.Call.MaxAudioBitRate > limits.MaxAudioBitRate {
		return fmt.Errorf("call.max_audio_bit_rate must be in 1..%d", limits.MaxAudioBitRate)
	}
	if c.Call.MaxVideoBitRate == 0 || c.Call.MaxVideoBitRate > limits.MaxVideoBitRate {
		return fmt.Errorf("call.max_video_bit_rate must be in 1..%d", limits.MaxVideoBitRate)
	}
	if c.Call.DefaultAudioBitRate > c.Call.MaxAudioBitRate {
		return fmt.Errorf("call.default_audio_bit_rate must be <= max_audio_bit_rate")
	}
	if c.Call.DefaultVideoBitRate > c.Call.MaxVideoBitRate {
		return fmt.Errorf("call.default_video_bit_rate must be <= max_video_bit_rate")
	}
	if c.Call.EventQueueSize <= 0 {
		return fmt.Errorf("call.event_queue_size must be > 0")
	}
	if c.Call.SubscriberBuffer <= 0 {
		return fmt.Errorf("call.subscriber_buffer must be > 0")
	}

	// Adaptation
	a := c.Adaptation
	if !(a.GoodLossPercent <= a.FairLossPercent && a.FairLossPercent <= a.PoorLossPercent) {
		return fmt.Errorf("adaptation loss thresholds must satisfy good <= fair <= poor")
	}
	if !(a.GoodJitter <= a.FairJitter && a.FairJitter <= a.PoorJitter) {
		return fmt.Errorf("adaptation jitter thresholds must satisfy good <= fair <= poor")
	}
	if a.MinAudioBitRate > a.MaxAudioBitRate || a.MaxAudioBitRate > c.Call.MaxAudioBitRate {
		return fmt.Errorf("adaptation audio range must satisfy min <= max <= call.max_audio_bit_rate")
	}
	if a.MinVideoBitRate > a.MaxVideoBitRate || a.MaxVideoBitRate > c.Call.MaxVideoBitRate {
		return fmt.Errorf("adaptation video range must satisfy min <= max <= call.max_video_bit_rate")
	}
	if a.IncreaseStep <= 0 {
		return fmt.Errorf("adaptation.increase_step must be > 0")
	}
	if a.DecreaseMultiplier <= 0 || a.DecreaseMultiplier >= 1 {
		return fmt.Errorf("adaptation.decrease_multiplier must be in (0, 1)")
	}
	if a.Backoff < 0 || a.RequestInterval < 0 {
		return fmt.Errorf("adaptation.backoff and request_interval must be >= 0")
	}

	// Logging
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	// History
	switch c.History.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.History.Redis.Address == "" {
			return fmt.Errorf("history.redis.address must not be empty when backend=redis")
		}
		if c.History.Redis.PoolSize <= 0 {
			return fmt.Errorf("history.redis.pool_size must be > 0 when backend=redis")
		}
	default:
		return fmt.Errorf("history.backend must be %s or %s, got %q", BackendMemory, BackendRedis, c.History.Backend)
	}

	return nil
}

// ManagerConfig converts the call section for av.NewManager. metrics may
// be nil.
func (c Call) ManagerConfig(metrics *av.Metrics) av.ManagerConfig {
	return av.ManagerConfig{
		MaxAudioBitRate:     av.BitRate(c.MaxAudioBitRate),
		MaxVideoBitRate:     av.BitRate(c.MaxVideoBitRate),
		DefaultAudioBitRate: av.BitRate(c.DefaultAudioBitRate),
		DefaultVideoBitRate: av.BitRate(c.DefaultVideoBitRate),
		EventQueueSize:      c.EventQueueSize,
		SubscriberBuffer:    c.SubscriberBuffer,
		Metrics:             metrics,
	}
}

// AdaptationConfig converts the adaptation section for av.NewBitRateAdapter.
func (a Adaptation) AdaptationConfig() *av.AdaptationConfig {
	return &av.AdaptationConfig{
		PoorLossThreshold:   a.PoorLossPercent,
		FairLossThreshold:   a.FairLossPercent,
		GoodLossThreshold:   a.GoodLossPercent,
		PoorJitterThreshold: a.PoorJitter,
		FairJitterThreshold: a.FairJitter,
		GoodJitterThreshold: a.GoodJitter,
		MinAudioBitRate:     av.BitRate(a.MinAudioBitRate),
		MaxAudioBitRate:     av.BitRate(a.MaxAudioBitRate),
		MinVideoBitRate:     av.BitRate(a.MinVideoBitRate),
		MaxVideoBitRate:     av.BitRate(a.MaxVideoBitRate),
		IncreaseStep:        a.IncreaseStep,
		DecreaseMultiplier:  a.DecreaseMultiplier,
		MinChange:           av.BitRate(a.MinChange),
		BackoffDuration:     a.Backoff,
		RequestInterval:     a.RequestInterval,
	}
}

// ConfigureLogging applies the logging section to the global logrus logger.
func ConfigureLogging(l Logging) error {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	logrus.SetLevel(level)

	switch strings.ToLower(l.Format) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	logrus.WithFields(logrus.Fields{
		"function": "ConfigureLogging",
		"level":    level.String(),
		"format":   l.Format,
	}).Debug("Logging configured")
	return nil
}
