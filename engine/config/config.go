// Package config loads paperqa settings from defaults, an optional YAML
// file, a .env file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/paperqa/engine/domain"
	"github.com/WessleyAI/paperqa/engine/ingest"
	"github.com/WessleyAI/paperqa/engine/search"
	"github.com/WessleyAI/paperqa/pkg/ollama"
)

// Config is the full runtime configuration.
type Config struct {
	Ollama Ollama `yaml:"ollama"`
	Qdrant Qdrant `yaml:"qdrant"`
	Ingest Ingest `yaml:"ingest"`
	Search Search `yaml:"search"`
	Neo4j  Neo4j  `yaml:"neo4j"`
	NATS   NATS   `yaml:"nats"`
	Server Server `yaml:"server"`
}

type Ollama struct {
	URL             string        `yaml:"url"`
	EmbedModel      string        `yaml:"embed_model"`
	Dimensions      int           `yaml:"dimensions"`
	ChatModel       string        `yaml:"chat_model"`
	EmbedTimeout    time.Duration `yaml:"embed_timeout"`
	GenerateTimeout time.Duration `yaml:"generate_timeout"`
	// RateLimit is requests per second to Ollama; zero means unlimited.
	RateLimit   float64 `yaml:"rate_limit"`
	Temperature float32 `yaml:"temperature"`
	TopP        float32 `yaml:"top_p"`
	NumPredict  int     `yaml:"num_predict"`
}

// Sampling returns the generation parameters.
func (o Ollama) Sampling() ollama.Sampling {
	return ollama.Sampling{Temperature: o.Temperature, TopP: o.TopP, NumPredict: o.NumPredict}
}

type Qdrant struct {
	Addr       string `yaml:"addr"`
	Collection string `yaml:"collection"`
}

type Ingest struct {
	Dir           string `yaml:"dir"`
	Glob          string `yaml:"glob"`
	Ledger        string `yaml:"ledger"`
	Policy        string `yaml:"policy"`
	Fingerprint   string `yaml:"fingerprint"`
	KeyPrefix     int    `yaml:"key_prefix"`
	Workers       int    `yaml:"workers"`
	RetryAttempts int    `yaml:"retry_attempts"`
}

type Search struct {
	OverFetch    int `yaml:"over_fetch"`
	DefaultLimit int `yaml:"default_limit"`
	RelatedLimit int `yaml:"related_limit"`
}

// Neo4j is optional; an empty URL disables the paper graph.
type Neo4j struct {
	URL  string `yaml:"url"`
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
}

// NATS is optional; an empty URL disables run reports.
type NATS struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type Server struct {
	Port string `yaml:"port"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Ollama: Ollama{
			URL:             ollama.DefaultURL,
			EmbedModel:      ollama.DefaultEmbedModel,
			Dimensions:      ollama.DefaultDimensions,
			ChatModel:       ollama.DefaultChatModel,
			EmbedTimeout:    ollama.DefaultEmbedTimeout,
			GenerateTimeout: ollama.DefaultGenerateTimeout,
			Temperature:     ollama.DefaultSampling.Temperature,
			TopP:            ollama.DefaultSampling.TopP,
			NumPredict:      ollama.DefaultSampling.NumPredict,
		},
		Qdrant: Qdrant{Addr: "localhost:6334", Collection: "papers"},
		Ingest: Ingest{
			Dir:           "markdowns",
			Glob:          "*.md",
			Ledger:        "processed_files.json",
			Policy:        string(ingest.PolicyFull),
			Fingerprint:   string(ingest.FingerprintStat),
			KeyPrefix:     ingest.MinKeyPrefix,
			Workers:       1,
			RetryAttempts: 3,
		},
		Search: Search{OverFetch: 2, DefaultLimit: 3, RelatedLimit: 5},
		Neo4j:  Neo4j{User: "neo4j"},
		NATS:   NATS{Subject: "papers.ingest.completed"},
		Server: Server{Port: "8080"},
	}
}

// Load builds a Config. path names an optional YAML file; an empty path
// skips it. A .env file in the working directory is read when present and
// never overrides variables already set in the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("config: .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	c.Ollama.URL = envOr("OLLAMA_URL", c.Ollama.URL)
	c.Ollama.EmbedModel = envOr("EMBED_MODEL", c.Ollama.EmbedModel)
	c.Ollama.ChatModel = envOr("CHAT_MODEL", c.Ollama.ChatModel)
	c.Qdrant.Addr = envOr("QDRANT_URL", c.Qdrant.Addr)
	c.Qdrant.Collection = envOr("QDRANT_COLLECTION", c.Qdrant.Collection)
	c.Ingest.Dir = envOr("PAPERS_DIR", c.Ingest.Dir)
	c.Ingest.Ledger = envOr("LEDGER_PATH", c.Ingest.Ledger)
	c.Ingest.Policy = envOr("RECREATE_POLICY", c.Ingest.Policy)
	c.Neo4j.URL = envOr("NEO4J_URL", c.Neo4j.URL)
	c.Neo4j.User = envOr("NEO4J_USER", c.Neo4j.User)
	c.Neo4j.Pass = envOr("NEO4J_PASS", c.Neo4j.Pass)
	c.NATS.URL = envOr("NATS_URL", c.NATS.URL)
	c.Server.Port = envOr("PORT", c.Server.Port)

	if v := os.Getenv("EMBED_DIMENSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return domain.NewValidationError("EMBED_DIMENSIONS", v, domain.ErrValidation)
		}
		c.Ollama.Dimensions = n
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if c.Ollama.Dimensions <= 0 {
		return domain.NewValidationError("ollama.dimensions", strconv.Itoa(c.Ollama.Dimensions), domain.ErrValidation)
	}
	if c.Ingest.KeyPrefix < ingest.MinKeyPrefix {
		return domain.NewValidationError("ingest.key_prefix", strconv.Itoa(c.Ingest.KeyPrefix), domain.ErrValidation)
	}
	if c.Ingest.Workers < 1 {
		return domain.NewValidationError("ingest.workers", strconv.Itoa(c.Ingest.Workers), domain.ErrValidation)
	}
	if c.Search.OverFetch < 1 || c.Search.OverFetch > search.MaxOverFetch {
		return domain.NewValidationError("search.over_fetch", strconv.Itoa(c.Search.OverFetch), domain.ErrValidation)
	}
	if c.Search.DefaultLimit < 1 || c.Search.DefaultLimit > domain.MaxLimit {
		return domain.NewValidationError("search.default_limit", strconv.Itoa(c.Search.DefaultLimit), domain.ErrValidation)
	}
	if _, err := ingest.ParsePolicy(c.Ingest.Policy); err != nil {
		return err
	}
	if _, err := ingest.ParseFingerprint(c.Ingest.Fingerprint); err != nil {
		return err
	}
	if c.Qdrant.Collection == "" {
		return domain.NewValidationError("qdrant.collection", "", domain.ErrValidation)
	}
	return nil
}

// IngestOptions translates the ingest settings into tracker options.
func (c Config) IngestOptions() ingest.Options {
	opts := ingest.DefaultOptions()
	opts.Policy, _ = ingest.ParsePolicy(c.Ingest.Policy)
	opts.Fingerprint, _ = ingest.ParseFingerprint(c.Ingest.Fingerprint)
	opts.Dimensions = c.Ollama.Dimensions
	opts.KeyPrefix = c.Ingest.KeyPrefix
	opts.Workers = c.Ingest.Workers
	if c.Ingest.RetryAttempts > 0 {
		opts.Retry.MaxAttempts = c.Ingest.RetryAttempts
	}
	return opts
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
