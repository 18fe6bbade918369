package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	BackendChromem  = "chromem"
	BackendPGVector = "pgvector"

	DriverPG = "pgdriver"
	DriverPQ = "pq"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	LLM      LLMConfig      `yaml:"llm"`
	EmbedLLM LLMConfig      `yaml:"embed_llm"`
	RAG      RAGConfig      `yaml:"rag"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Mode        string `yaml:"mode"`
	MaxUploadMB int64  `yaml:"max_upload_mb"`
}

// Addr returns the listen address for the web UI.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LLMConfig describes one model served by an Ollama runtime.
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	Seed        int     `yaml:"seed"`
	TimeoutSecs int     `yaml:"timeout_secs"`
	// pull the model from the registry before first use
	Pull bool `yaml:"pull"`
}

type RAGConfig struct {
	ChunkSize       int  `yaml:"chunk_size"`
	ChunkOverlap    int  `yaml:"chunk_overlap"`
	NumQueries      int  `yaml:"num_queries"`
	PerQueryK       int  `yaml:"per_query_k"`
	TopK            int  `yaml:"top_k"`
	IncludeOriginal bool `yaml:"include_original"`

	// chunk_overlap was present in the file, so 0 is a real value
	overlapSet bool
}

func (r *RAGConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain RAGConfig
	if err := value.Decode((*plain)(r)); err != nil {
		return err
	}
	var keys struct {
		ChunkOverlap *int `yaml:"chunk_overlap"`
	}
	if err := value.Decode(&keys); err != nil {
		return err
	}
	r.overlapSet = keys.ChunkOverlap != nil
	return nil
}

type StorageConfig struct {
	Backend       string `yaml:"backend"`
	UploadDir     string `yaml:"upload_dir"`
	VectorDir     string `yaml:"vector_dir"`
	Compress      bool   `yaml:"compress"`
	EncryptionKey string `yaml:"encryption_key"`
}

type DatabaseConfig struct {
	DSN       string `yaml:"dsn"`
	Driver    string `yaml:"driver"`
	Debug     bool   `yaml:"debug"`
	VectorDim int    `yaml:"vector_dim"`
}

// Default returns the configuration used when no config file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig reads the yaml file at path. A missing file is not an error,
// defaults are used instead.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8501
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Server.MaxUploadMB == 0 {
		cfg.Server.MaxUploadMB = 200
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}

	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "http://localhost:11434"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "llama3.2:1b"
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 1.0
	}
	if cfg.LLM.Seed == 0 {
		cfg.LLM.Seed = 42
	}
	if cfg.LLM.TimeoutSecs == 0 {
		cfg.LLM.TimeoutSecs = 300
	}

	if cfg.EmbedLLM.BaseURL == "" {
		cfg.EmbedLLM.BaseURL = cfg.LLM.BaseURL
	}
	if cfg.EmbedLLM.Model == "" {
		cfg.EmbedLLM.Model = "nomic-embed-text:latest"
	}
	if cfg.EmbedLLM.TimeoutSecs == 0 {
		cfg.EmbedLLM.TimeoutSecs = cfg.LLM.TimeoutSecs
	}

	if cfg.RAG.ChunkSize == 0 {
		cfg.RAG.ChunkSize = 1200
	}
	if cfg.RAG.ChunkOverlap == 0 && !cfg.RAG.overlapSet {
		cfg.RAG.ChunkOverlap = min(300, cfg.RAG.ChunkSize/4)
	}
	if cfg.RAG.NumQueries == 0 {
		cfg.RAG.NumQueries = 5
	}
	if cfg.RAG.PerQueryK == 0 {
		cfg.RAG.PerQueryK = 4
	}
	if cfg.RAG.TopK == 0 {
		cfg.RAG.TopK = 6
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendChromem
	}
	if cfg.Storage.UploadDir == "" {
		cfg.Storage.UploadDir = "./eggs"
	}
	if cfg.Storage.VectorDir == "" {
		cfg.Storage.VectorDir = "./chroma_db"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverPG
	}
	if cfg.Database.VectorDim == 0 {
		cfg.Database.VectorDim = 768
	}
}

// Validate checks the values that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Server.MaxUploadMB < 0 {
		return fmt.Errorf("invalid server.max_upload_mb %d", c.Server.MaxUploadMB)
	}
	if c.RAG.ChunkSize <= 0 {
		return fmt.Errorf("rag.chunk_size must be positive, got %d", c.RAG.ChunkSize)
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("rag.chunk_overlap must be in [0, %d), got %d", c.RAG.ChunkSize, c.RAG.ChunkOverlap)
	}
	if c.RAG.NumQueries < 1 || c.RAG.PerQueryK < 1 || c.RAG.TopK < 1 {
		return fmt.Errorf("rag.num_queries, rag.per_query_k and rag.top_k must be at least 1")
	}
	switch c.Storage.Backend {
	case BackendChromem:
	case BackendPGVector:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the %s backend", BackendPGVector)
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Database.Driver {
	case DriverPG, DriverPQ:
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.Storage.EncryptionKey != "" && len(c.Storage.EncryptionKey) != 32 {
		return fmt.Errorf("storage.encryption_key must be 32 bytes, got %d", len(c.Storage.EncryptionKey))
	}
	return nil
}
