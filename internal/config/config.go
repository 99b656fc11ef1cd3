package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the cardex API configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Grader    GraderConfig    `yaml:"grader"`
	Auth      AuthConfig      `yaml:"auth"`
	Index     IndexConfig     `yaml:"index"`
	Storage   StorageConfig   `yaml:"storage"`
	S3        S3Config        `yaml:"s3"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Search    SearchConfig    `yaml:"search"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int   `yaml:"port"`
	ReadTimeoutSec  int   `yaml:"read_timeout_sec"`
	WriteTimeoutSec int   `yaml:"write_timeout_sec"`
	ShutdownSec     int   `yaml:"shutdown_timeout_sec"`
	MaxBodyBytes    int64 `yaml:"max_body_bytes"`
}

// DatabaseConfig holds Valkey connection settings.
type DatabaseConfig struct {
	Driver           string   `yaml:"driver"` // valkey, redis (default: valkey)
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// IndexConfig holds the two vector index names and their HNSW parameters.
type IndexConfig struct {
	TextIndex       string `yaml:"text_index"`
	VisualIndex     string `yaml:"visual_index"`
	Distance        string `yaml:"distance"` // COSINE, L2, IP
	HNSWM           int    `yaml:"hnsw_m"`
	HNSWEFConstruct int    `yaml:"hnsw_ef_construction"`
}

// StorageConfig holds key layout settings.
type StorageConfig struct {
	KeyPrefix string `yaml:"key_prefix"`
}

// S3Config holds object storage settings for card images.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // empty = AWS
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	PublicBaseURL   string `yaml:"public_base_url"` // default https://<bucket>.s3.amazonaws.com
	UsePathStyle    bool   `yaml:"use_path_style"`
	MultipartBytes  int64  `yaml:"multipart_threshold_bytes"`
}

// IngestConfig holds ingestion saga settings.
type IngestConfig struct {
	MaxBatchSize       int `yaml:"max_batch_size"`
	SerialClaimTTLSec  int `yaml:"serial_claim_ttl_sec"`
	RollbackTimeoutSec int `yaml:"rollback_timeout_sec"`
}

// SearchConfig holds federated search settings.
type SearchConfig struct {
	DefaultTopK  int     `yaml:"default_top_k"`
	MaxTopK      int     `yaml:"max_top_k"`
	TextWeight   float64 `yaml:"text_weight"`
	VisualWeight float64 `yaml:"visual_weight"`
}

// EmbeddingConfig holds embedding settings.
type EmbeddingConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
	Text      VectorizerConfig          `yaml:"text"`
	Image     VectorizerConfig          `yaml:"image"`
}

// ProviderConfig holds embedding provider settings.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// VectorizerConfig holds vectorizer settings.
type VectorizerConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	Cache      bool   `yaml:"cache"`
}

// GraderConfig holds the vision grading model settings. Empty provider disables /grade.
type GraderConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse decodes raw YAML, expands ${VAR} references, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 30
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 120
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		c.HTTP.MaxBodyBytes = 64 << 20
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "valkey"
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Index.TextIndex == "" {
		c.Index.TextIndex = "text-index"
	}
	if c.Index.VisualIndex == "" {
		c.Index.VisualIndex = "visual-index"
	}
	if c.Index.Distance == "" {
		c.Index.Distance = "COSINE"
	}
	if c.Index.HNSWM <= 0 {
		c.Index.HNSWM = 16
	}
	if c.Index.HNSWEFConstruct <= 0 {
		c.Index.HNSWEFConstruct = 200
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = "cardex:"
	}
	if c.S3.Region == "" {
		c.S3.Region = "us-east-1"
	}
	if c.S3.PublicBaseURL == "" && c.S3.Bucket != "" {
		c.S3.PublicBaseURL = fmt.Sprintf("https://%s.s3.amazonaws.com", c.S3.Bucket)
	}
	if c.S3.MultipartBytes <= 0 {
		c.S3.MultipartBytes = 10 << 20
	}
	if c.Ingest.MaxBatchSize <= 0 {
		c.Ingest.MaxBatchSize = 100
	}
	if c.Ingest.SerialClaimTTLSec <= 0 {
		c.Ingest.SerialClaimTTLSec = 300
	}
	if c.Ingest.RollbackTimeoutSec <= 0 {
		c.Ingest.RollbackTimeoutSec = 30
	}
	if c.Search.DefaultTopK <= 0 {
		c.Search.DefaultTopK = 10
	}
	if c.Search.MaxTopK <= 0 {
		c.Search.MaxTopK = 100
	}
	if c.Search.TextWeight == 0 && c.Search.VisualWeight == 0 {
		c.Search.TextWeight = 0.5
		c.Search.VisualWeight = 0.5
	}
	applyVectorizerDefaults(&c.Embedding.Text, "openai/clip-vit-base-patch32")
	applyVectorizerDefaults(&c.Embedding.Image, "openai/clip-vit-base-patch32")
}

func applyVectorizerDefaults(v *VectorizerConfig, model string) {
	if v.Model == "" {
		v.Model = model
	}
	if v.Dimensions <= 0 {
		v.Dimensions = 512
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if len(c.Database.Addrs) == 0 {
		return fmt.Errorf("database.addrs is required")
	}
	switch c.Database.Driver {
	case "valkey", "redis":
	default:
		return fmt.Errorf("database.driver must be \"valkey\" or \"redis\", got %q", c.Database.Driver)
	}
	if c.Index.TextIndex == c.Index.VisualIndex {
		return fmt.Errorf("index.text_index and index.visual_index must differ, both are %q", c.Index.TextIndex)
	}
	switch strings.ToUpper(c.Index.Distance) {
	case "COSINE", "L2", "IP":
	default:
		return fmt.Errorf("index.distance must be COSINE, L2 or IP, got %q", c.Index.Distance)
	}
	if c.Embedding.Text.Dimensions != c.Embedding.Image.Dimensions {
		return fmt.Errorf("embedding.text.dimensions (%d) and embedding.image.dimensions (%d) must match: "+
			"text queries search the visual index, so both indices share one embedding space",
			c.Embedding.Text.Dimensions, c.Embedding.Image.Dimensions)
	}
	if c.Search.TextWeight < 0 || c.Search.VisualWeight < 0 {
		return fmt.Errorf("search weights must be non-negative")
	}
	if c.Search.DefaultTopK > c.Search.MaxTopK {
		return fmt.Errorf("search.default_top_k (%d) exceeds search.max_top_k (%d)",
			c.Search.DefaultTopK, c.Search.MaxTopK)
	}
	for name, v := range map[string]VectorizerConfig{"text": c.Embedding.Text, "image": c.Embedding.Image} {
		if v.Provider == "" {
			continue
		}
		if _, ok := c.Embedding.Providers[v.Provider]; !ok {
			return fmt.Errorf("embedding.%s.provider %q is not defined in embedding.providers", name, v.Provider)
		}
	}
	if c.Grader.Provider != "" {
		if _, ok := c.Embedding.Providers[c.Grader.Provider]; !ok {
			return fmt.Errorf("grader.provider %q is not defined in embedding.providers", c.Grader.Provider)
		}
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// relative to the source file when run from a test binary
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b)))
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
