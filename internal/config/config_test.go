package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	cfg := Config{
		HTTP:     HTTPConfig{Port: 8080},
		Database: DatabaseConfig{Addrs: []string{"localhost:6379"}},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := validConfig()
	cfg.HTTP.Port = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid port")
	}
}

func TestValidate_MissingValkeyAddrs(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Addrs = nil

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing valkey addrs")
	}
}

func TestValidate_SameIndexNames(t *testing.T) {
	cfg := validConfig()
	cfg.Index.VisualIndex = cfg.Index.TextIndex

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for identical index names")
	}
	if !strings.Contains(err.Error(), "must differ") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_MismatchedDimensions(t *testing.T) {
	cfg := validConfig()
	cfg.Embedding.Text.Dimensions = 1536
	cfg.Embedding.Image.Dimensions = 512

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for text=1536 image=512")
	}
	if !strings.Contains(err.Error(), "share one embedding space") {
		t.Errorf("unexpected error: %v", err)
	}

	cfg.Embedding.Text.Dimensions = 512
	if err := cfg.Validate(); err != nil {
		t.Fatalf("matching dimensions rejected: %v", err)
	}
}

func TestValidate_UnknownProvider(t *testing.T) {
	cfg := validConfig()
	cfg.Embedding.Text.Provider = "nebius"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for undefined provider")
	}
	expected := `embedding.text.provider "nebius" is not defined in embedding.providers`
	if err.Error() != expected {
		t.Errorf("unexpected error message:\ngot:  %q\nwant: %q", err.Error(), expected)
	}
}

func TestValidate_UnknownGraderProvider(t *testing.T) {
	cfg := validConfig()
	cfg.Grader.Provider = "openai"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for undefined grader provider")
	}
}

func TestValidate_Distance(t *testing.T) {
	for _, d := range []string{"COSINE", "cosine", "L2", "IP"} {
		t.Run(d, func(t *testing.T) {
			cfg := validConfig()
			cfg.Index.Distance = d
			if err := cfg.Validate(); err != nil {
				t.Fatalf("unexpected error for %q: %v", d, err)
			}
		})
	}

	cfg := validConfig()
	cfg.Index.Distance = "HAMMING"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported distance")
	}
}

func TestValidate_TopKBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Search.DefaultTopK = 500

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when default_top_k exceeds max_top_k")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{S3: S3Config{Bucket: "cards"}}
	cfg.ApplyDefaults()

	if cfg.Index.TextIndex != "text-index" || cfg.Index.VisualIndex != "visual-index" {
		t.Errorf("unexpected index names: %q, %q", cfg.Index.TextIndex, cfg.Index.VisualIndex)
	}
	if cfg.Storage.KeyPrefix != "cardex:" {
		t.Errorf("expected KeyPrefix=cardex:, got %q", cfg.Storage.KeyPrefix)
	}
	if cfg.Search.DefaultTopK != 10 {
		t.Errorf("expected DefaultTopK=10, got %d", cfg.Search.DefaultTopK)
	}
	if cfg.Search.TextWeight != 0.5 || cfg.Search.VisualWeight != 0.5 {
		t.Errorf("expected weights 0.5/0.5, got %v/%v", cfg.Search.TextWeight, cfg.Search.VisualWeight)
	}
	if cfg.Ingest.MaxBatchSize != 100 {
		t.Errorf("expected MaxBatchSize=100, got %d", cfg.Ingest.MaxBatchSize)
	}
	if cfg.Embedding.Text.Dimensions != 512 || cfg.Embedding.Image.Dimensions != 512 {
		t.Errorf("expected 512 dims, got %d/%d", cfg.Embedding.Text.Dimensions, cfg.Embedding.Image.Dimensions)
	}
	if cfg.S3.PublicBaseURL != "https://cards.s3.amazonaws.com" {
		t.Errorf("unexpected public base url %q", cfg.S3.PublicBaseURL)
	}
}

func TestApplyDefaults_KeepsExplicitWeights(t *testing.T) {
	cfg := Config{Search: SearchConfig{TextWeight: 0.7}}
	cfg.ApplyDefaults()

	if cfg.Search.TextWeight != 0.7 || cfg.Search.VisualWeight != 0 {
		t.Errorf("weights overwritten: %v/%v", cfg.Search.TextWeight, cfg.Search.VisualWeight)
	}
}

func TestParse_ExpandsEnv(t *testing.T) {
	t.Setenv("CARDEX_TEST_PORT", "9090")

	raw := []byte(`
http:
  port: ${CARDEX_TEST_PORT}
database:
  addrs: ["${CARDEX_TEST_VALKEY:-localhost:6379}"]
`)
	cfg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.HTTP.Port)
	}
	if cfg.Database.Addrs[0] != "localhost:6379" {
		t.Errorf("expected default addr, got %q", cfg.Database.Addrs[0])
	}
}

func TestLoad_LocalConfig(t *testing.T) {
	cfg, err := Load("local")
	if err != nil {
		t.Fatalf("Load(local): %v", err)
	}
	if cfg.Index.TextIndex == "" {
		t.Error("expected text index name")
	}
}
