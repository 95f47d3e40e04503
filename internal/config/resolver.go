package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

// ResolvedValue is one setting plus where it came from, so `understory config`
// can explain every effective value.
type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

func (v ResolvedValue) IsSet() bool {
	return strings.TrimSpace(v.Value) != ""
}

// Float parses the value, falling back when unset or unparsable.
func (v ResolvedValue) Float(fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v.Value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func (v ResolvedValue) Int(fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v.Value))
	if err != nil {
		return fallback
	}
	return n
}

func (v ResolvedValue) Duration(fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(v.Value))
	if err != nil {
		return fallback
	}
	return d
}

// List splits a comma-joined value into trimmed entries.
func (v ResolvedValue) List() []string {
	if !v.IsSet() {
		return nil
	}
	parts := strings.Split(v.Value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type ResolveOptions struct {
	ConfigPath   string
	CLIDBPath    string
	CLIBrokers   string
	CLITopic     string
	CLIGroup     string
	CLIChannels  string
	CLISearchURL string
	CLIForestURL string
}

// ThresholdConfig carries the heuristic tunables of the resolution pipeline.
type ThresholdConfig struct {
	Dedup            ResolvedValue `json:"dedup"`
	AutoMerge        ResolvedValue `json:"auto_merge"`
	FallbackRatio    ResolvedValue `json:"fallback_ratio"`
	OverlapLow       ResolvedValue `json:"overlap_low"`
	OverlapHigh      ResolvedValue `json:"overlap_high"`
	LengthGrowth     ResolvedValue `json:"length_growth"`
	CorroborateBoost ResolvedValue `json:"corroborate_boost"`
	ConsolidateBoost ResolvedValue `json:"consolidate_boost"`
	GoalMatch        ResolvedValue `json:"goal_match"`
}

type JobConfig struct {
	HealthInterval ResolvedValue `json:"health_interval"`
	SweepInterval  ResolvedValue `json:"sweep_interval"`
	SyncInterval   ResolvedValue `json:"sync_interval"`
	SyncBatch      ResolvedValue `json:"sync_batch"`
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath       ResolvedValue `json:"db_path"`
	KafkaBrokers ResolvedValue `json:"kafka_brokers"`
	KafkaTopic   ResolvedValue `json:"kafka_topic"`
	KafkaGroup   ResolvedValue `json:"kafka_group"`
	Channels     ResolvedValue `json:"channels"`

	SearchEndpoint ResolvedValue `json:"search_endpoint"`
	SearchAPIKey   ResolvedValue `json:"search_api_key,omitempty"`
	ForestEndpoint ResolvedValue `json:"forest_endpoint"`
	ForestAPIKey   ResolvedValue `json:"forest_api_key,omitempty"`
	ForestScope    ResolvedValue `json:"forest_scope"`

	Thresholds ThresholdConfig `json:"thresholds"`
	Jobs       JobConfig       `json:"jobs"`
}

type fileConfig struct {
	DBPath string `yaml:"db_path"`
	Kafka  struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
		Group   string   `yaml:"group"`
	} `yaml:"kafka"`
	Channels []string `yaml:"channels"`
	Search   struct {
		Endpoint string `yaml:"endpoint"`
		APIKey   string `yaml:"api_key"`
	} `yaml:"search"`
	Forest struct {
		Endpoint string `yaml:"endpoint"`
		APIKey   string `yaml:"api_key"`
		Scope    string `yaml:"scope"`
	} `yaml:"forest"`
	Thresholds struct {
		Dedup            float64 `yaml:"dedup"`
		AutoMerge        float64 `yaml:"auto_merge"`
		FallbackRatio    float64 `yaml:"fallback_ratio"`
		OverlapLow       float64 `yaml:"overlap_low"`
		OverlapHigh      float64 `yaml:"overlap_high"`
		LengthGrowth     float64 `yaml:"length_growth"`
		CorroborateBoost float64 `yaml:"corroborate_boost"`
		ConsolidateBoost float64 `yaml:"consolidate_boost"`
		GoalMatch        float64 `yaml:"goal_match"`
	} `yaml:"thresholds"`
	Jobs struct {
		HealthInterval string `yaml:"health_interval"`
		SweepInterval  string `yaml:"sweep_interval"`
		SyncInterval   string `yaml:"sync_interval"`
		SyncBatch      int    `yaml:"sync_batch"`
	} `yaml:"jobs"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".understory", "config.yml")
}

// ResolveConfig layers file, environment, and CLI values over the built-in
// defaults. Later sources win; every field records which source set it.
func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{ConfigPath: path}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.KafkaBrokers, strings.Join(cfg.Kafka.Brokers, ","), SourceConfig, path)
		apply(&out.KafkaTopic, cfg.Kafka.Topic, SourceConfig, path)
		apply(&out.KafkaGroup, cfg.Kafka.Group, SourceConfig, path)
		apply(&out.Channels, strings.Join(cfg.Channels, ","), SourceConfig, path)

		apply(&out.SearchEndpoint, cfg.Search.Endpoint, SourceConfig, path)
		apply(&out.SearchAPIKey, cfg.Search.APIKey, SourceConfig, path)
		apply(&out.ForestEndpoint, cfg.Forest.Endpoint, SourceConfig, path)
		apply(&out.ForestAPIKey, cfg.Forest.APIKey, SourceConfig, path)
		apply(&out.ForestScope, cfg.Forest.Scope, SourceConfig, path)

		applyFloat(&out.Thresholds.Dedup, cfg.Thresholds.Dedup, path)
		applyFloat(&out.Thresholds.AutoMerge, cfg.Thresholds.AutoMerge, path)
		applyFloat(&out.Thresholds.FallbackRatio, cfg.Thresholds.FallbackRatio, path)
		applyFloat(&out.Thresholds.OverlapLow, cfg.Thresholds.OverlapLow, path)
		applyFloat(&out.Thresholds.OverlapHigh, cfg.Thresholds.OverlapHigh, path)
		applyFloat(&out.Thresholds.LengthGrowth, cfg.Thresholds.LengthGrowth, path)
		applyFloat(&out.Thresholds.CorroborateBoost, cfg.Thresholds.CorroborateBoost, path)
		applyFloat(&out.Thresholds.ConsolidateBoost, cfg.Thresholds.ConsolidateBoost, path)
		applyFloat(&out.Thresholds.GoalMatch, cfg.Thresholds.GoalMatch, path)

		apply(&out.Jobs.HealthInterval, cfg.Jobs.HealthInterval, SourceConfig, path)
		apply(&out.Jobs.SweepInterval, cfg.Jobs.SweepInterval, SourceConfig, path)
		apply(&out.Jobs.SyncInterval, cfg.Jobs.SyncInterval, SourceConfig, path)
		if cfg.Jobs.SyncBatch > 0 {
			apply(&out.Jobs.SyncBatch, strconv.Itoa(cfg.Jobs.SyncBatch), SourceConfig, path)
		}
	}

	applyEnv(&out.DBPath, "UNDERSTORY_DB")
	applyEnv(&out.DBPath, "UNDERSTORY_DB_PATH")
	applyEnv(&out.KafkaBrokers, "UNDERSTORY_KAFKA_BROKERS")
	applyEnv(&out.KafkaTopic, "UNDERSTORY_KAFKA_TOPIC")
	applyEnv(&out.KafkaGroup, "UNDERSTORY_KAFKA_GROUP")
	applyEnv(&out.Channels, "UNDERSTORY_CHANNELS")
	applyEnv(&out.SearchEndpoint, "UNDERSTORY_SEARCH_ENDPOINT")
	applyEnv(&out.SearchAPIKey, "UNDERSTORY_SEARCH_API_KEY")
	applyEnv(&out.ForestEndpoint, "UNDERSTORY_FOREST_ENDPOINT")
	applyEnv(&out.ForestAPIKey, "UNDERSTORY_FOREST_API_KEY")
	applyEnv(&out.ForestScope, "UNDERSTORY_FOREST_SCOPE")

	for env, dst := range map[string]*ResolvedValue{
		"UNDERSTORY_THRESHOLD_DEDUP":          &out.Thresholds.Dedup,
		"UNDERSTORY_THRESHOLD_AUTO_MERGE":     &out.Thresholds.AutoMerge,
		"UNDERSTORY_THRESHOLD_FALLBACK_RATIO": &out.Thresholds.FallbackRatio,
		"UNDERSTORY_THRESHOLD_OVERLAP_LOW":    &out.Thresholds.OverlapLow,
		"UNDERSTORY_THRESHOLD_OVERLAP_HIGH":   &out.Thresholds.OverlapHigh,
		"UNDERSTORY_THRESHOLD_LENGTH_GROWTH":  &out.Thresholds.LengthGrowth,
		"UNDERSTORY_BOOST_CORROBORATE":        &out.Thresholds.CorroborateBoost,
		"UNDERSTORY_BOOST_CONSOLIDATE":        &out.Thresholds.ConsolidateBoost,
		"UNDERSTORY_THRESHOLD_GOAL_MATCH":     &out.Thresholds.GoalMatch,
		"UNDERSTORY_HEALTH_INTERVAL":          &out.Jobs.HealthInterval,
		"UNDERSTORY_SWEEP_INTERVAL":           &out.Jobs.SweepInterval,
		"UNDERSTORY_SYNC_INTERVAL":            &out.Jobs.SyncInterval,
		"UNDERSTORY_SYNC_BATCH":               &out.Jobs.SyncBatch,
	} {
		applyEnv(dst, env)
	}

	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.KafkaBrokers, opts.CLIBrokers, SourceCLI, "--brokers")
	apply(&out.KafkaTopic, opts.CLITopic, SourceCLI, "--topic")
	apply(&out.KafkaGroup, opts.CLIGroup, SourceCLI, "--group")
	apply(&out.Channels, opts.CLIChannels, SourceCLI, "--channels")
	apply(&out.SearchEndpoint, opts.CLISearchURL, SourceCLI, "--search")
	apply(&out.ForestEndpoint, opts.CLIForestURL, SourceCLI, "--forest")

	applyDefaults(&out)

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}

	return out, nil
}

// applyDefaults fills every field that no source set. Search and forest
// endpoints stay empty: no default could be right, and empty disables the
// integration cleanly. An empty channel list means accept every channel.
func applyDefaults(out *ResolvedConfig) {
	applyDefault(&out.DBPath, "~/.understory/understory.db")
	applyDefault(&out.KafkaBrokers, "localhost:9092")
	applyDefault(&out.KafkaTopic, "understory.messages")
	applyDefault(&out.KafkaGroup, "understory")
	applyDefault(&out.ForestScope, "understory")

	applyDefault(&out.Thresholds.Dedup, "0.85")
	applyDefault(&out.Thresholds.AutoMerge, "0.93")
	applyDefault(&out.Thresholds.FallbackRatio, "0.7")
	applyDefault(&out.Thresholds.OverlapLow, "0.5")
	applyDefault(&out.Thresholds.OverlapHigh, "0.9")
	applyDefault(&out.Thresholds.LengthGrowth, "1.5")
	applyDefault(&out.Thresholds.CorroborateBoost, "0.05")
	applyDefault(&out.Thresholds.ConsolidateBoost, "0.02")
	applyDefault(&out.Thresholds.GoalMatch, "0.4")

	applyDefault(&out.Jobs.HealthInterval, "5m")
	applyDefault(&out.Jobs.SweepInterval, "1h")
	applyDefault(&out.Jobs.SyncInterval, "10m")
	applyDefault(&out.Jobs.SyncBatch, "20")
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func applyFloat(dst *ResolvedValue, v float64, from string) {
	if v > 0 {
		*dst = ResolvedValue{Value: strconv.FormatFloat(v, 'g', -1, 64), Source: SourceConfig, From: from}
	}
}

func applyDefault(dst *ResolvedValue, value string) {
	if dst.Value == "" {
		*dst = ResolvedValue{Value: value, Source: SourceDefault, From: "built-in default"}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
