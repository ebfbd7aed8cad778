// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "MRI_CLASSIFIER"

// Config holds all configuration for the service
type Config struct {
	// Server configuration
	Port           int           `mapstructure:"port"`
	MetricsPort    int           `mapstructure:"metrics_port"`
	GRPCPort       int           `mapstructure:"grpc_port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`

	// Model configuration
	Model          string `mapstructure:"model"`
	ModelMetadata  string `mapstructure:"model_metadata"`
	Backend        string `mapstructure:"backend"`
	ORTLibrary     string `mapstructure:"ort_library"`
	IntraOpThreads int    `mapstructure:"intra_op_threads"`
	Warmup         bool   `mapstructure:"warmup"`

	// Upload handling
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
	ImageSize      int   `mapstructure:"image_size"`

	// Visualization
	RenderWithoutAttention bool `mapstructure:"render_without_attention"`

	// Optional backing services
	Redis       string        `mapstructure:"redis"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	DatabaseURL string        `mapstructure:"database_url"`

	// Logging
	LogLevel string `mapstructure:"log_level"`

	// OpenTelemetry configuration
	OTELEnabled  bool   `mapstructure:"otel_enabled"`
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	// Feature flags
	UseMockInference bool `mapstructure:"use_mock_inference"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8000)
	v.SetDefault("metrics_port", 9100)
	v.SetDefault("grpc_port", 50051)
	v.SetDefault("request_timeout", 60*time.Second)
	v.SetDefault("cors_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("model", "model/vit_b32.onnx")
	v.SetDefault("model_metadata", "")
	v.SetDefault("backend", "ort")
	v.SetDefault("ort_library", "")
	v.SetDefault("intra_op_threads", 1)
	v.SetDefault("warmup", false)
	v.SetDefault("max_upload_bytes", 10<<20)
	v.SetDefault("image_size", 224)
	v.SetDefault("render_without_attention", false)
	v.SetDefault("redis", "")
	v.SetDefault("cache_ttl", time.Hour)
	v.SetDefault("database_url", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("otel_enabled", false)
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("use_mock_inference", false)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// PORT is what most container platforms set.
	_ = v.BindEnv("port", envPrefix+"_PORT", "PORT")
	_ = v.BindEnv("metrics_port", envPrefix+"_METRICS_PORT")
	_ = v.BindEnv("grpc_port", envPrefix+"_GRPC_PORT")
	_ = v.BindEnv("model", envPrefix+"_MODEL")
	_ = v.BindEnv("ort_library", envPrefix+"_ORT_LIBRARY", "ONNXRUNTIME_LIB")
	_ = v.BindEnv("redis", envPrefix+"_REDIS")
	_ = v.BindEnv("database_url", envPrefix+"_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("otel_enabled", envPrefix+"_OTEL_ENABLED")
	_ = v.BindEnv("otel_endpoint", envPrefix+"_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("use_mock_inference", envPrefix+"_USE_MOCK")
}

// LoadDotEnv loads .env files into the process environment. Existing
// variables win and missing files are ignored.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// Load loads configuration from environment variables and an optional config
// file. Priority (highest to lowest): env vars > config file > defaults.
// Command-line flags are applied on top by the caller.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/mri-classifier/")
	v.AddConfigPath("$HOME/.mri-classifier")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadWithConfigFile loads configuration from a specific config file
func LoadWithConfigFile(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configPath, err)
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	var origins []string
	for _, o := range cfg.CORSOrigins {
		origins = append(origins, splitList(o)...)
	}
	cfg.CORSOrigins = origins
	return &cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error
	ports := []struct {
		name string
		port int
	}{{"port", c.Port}, {"metrics_port", c.MetricsPort}, {"grpc_port", c.GRPCPort}}
	for _, p := range ports {
		if p.port <= 0 || p.port > 65535 {
			errs = append(errs, fmt.Errorf("invalid %s: %d", p.name, p.port))
		}
	}
	if c.Port == c.MetricsPort || c.Port == c.GRPCPort || c.MetricsPort == c.GRPCPort {
		errs = append(errs, fmt.Errorf("port, metrics_port and grpc_port must be different"))
	}
	if c.Model == "" && !c.UseMockInference {
		errs = append(errs, fmt.Errorf("model path is required when not using mock inference"))
	}
	if c.Backend != "ort" && c.Backend != "go" {
		errs = append(errs, fmt.Errorf("backend must be ort or go, got %q", c.Backend))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_upload_bytes must be positive"))
	}
	if c.ImageSize != 224 {
		errs = append(errs, fmt.Errorf("image_size must be 224, got %d", c.ImageSize))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request_timeout must be positive"))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("cache_ttl must not be negative"))
	}
	return errors.Join(errs...)
}
