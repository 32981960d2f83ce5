package config

import (
	"fmt"
	"strings"
	"time"

	"energy-metrics-monitor/internal/alerts"
	"energy-metrics-monitor/internal/anomaly"
	"energy-metrics-monitor/internal/environment"
	"energy-metrics-monitor/internal/models"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ENERGY_METRICS_SERVER_PORT.
const EnvPrefix = "ENERGY_METRICS"

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig           `mapstructure:"server"`
	Database  DatabaseConfig         `mapstructure:"database"`
	Log       LogConfig              `mapstructure:"log"`
	Pricing   PricingConfig          `mapstructure:"pricing"`
	Anomaly   AnomalyConfig          `mapstructure:"anomaly"`
	Emission  environment.Thresholds `mapstructure:"emission"`
	Report    ReportConfig           `mapstructure:"report"`
	Import    ImportConfig           `mapstructure:"import"`
	Predictor PredictorConfig        `mapstructure:"predictor"`
	Alerts    alerts.Config          `mapstructure:"alerts"`

	// Warnings lists values that were out of range and replaced.
	Warnings []error `mapstructure:"-"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Host         string `mapstructure:"host"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
	Environment  string `mapstructure:"environment"`
}

// DatabaseConfig holds the SQLite location
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// PricingConfig holds the tariff
type PricingConfig struct {
	PricePerUnit float64 `mapstructure:"price_per_unit"`
}

// AnomalyConfig holds peak detection options
type AnomalyConfig struct {
	ThresholdMultiplier float64 `mapstructure:"threshold_multiplier"`
}

// ReportConfig holds summary report options
type ReportConfig struct {
	AllowEstimate bool `mapstructure:"allow_estimate"`
}

// ImportConfig holds file import options
type ImportConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes"`
}

// PredictorConfig holds the prediction service location
type PredictorConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoadConfig loads the application configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	var config Config

	if configPath == "" {
		configPath = "."
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// Defaults and env vars are enough without a file
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	v.AutomaticEnv()

	setDefaults(v)

	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults sets default values for the configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 15)  // seconds
	v.SetDefault("server.write_timeout", 15) // seconds
	v.SetDefault("server.idle_timeout", 60)  // seconds
	v.SetDefault("server.environment", "development")

	v.SetDefault("database.path", "energy.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_path", "stderr")

	v.SetDefault("pricing.price_per_unit", models.DefaultPricePerUnit)
	v.SetDefault("anomaly.threshold_multiplier", anomaly.DefaultMultiplier)

	d := environment.DefaultThresholds()
	v.SetDefault("emission.low_threshold", d.Low)
	v.SetDefault("emission.moderate_threshold", d.Moderate)

	v.SetDefault("report.allow_estimate", true)
	v.SetDefault("import.max_bytes", 800*1024)

	v.SetDefault("predictor.url", "http://localhost:8000")
	v.SetDefault("predictor.timeout", "60s")

	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.brokers", []string{"localhost:9092"})
	v.SetDefault("alerts.topic", "energy.peaks")
}

// validateConfig rejects unusable settings and clamps recoverable ones
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", config.Server.Port)
	}

	switch config.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", config.Log.Level)
	}

	tariff, err := models.NewTariff(config.Pricing.PricePerUnit)
	if err != nil {
		config.Warnings = append(config.Warnings, err)
	}
	config.Pricing.PricePerUnit = tariff.PricePerUnit

	if config.Anomaly.ThresholdMultiplier <= 0 {
		config.Warnings = append(config.Warnings, &models.InvalidConfigurationError{
			Key:     "anomaly.threshold_multiplier",
			Value:   config.Anomaly.ThresholdMultiplier,
			Applied: anomaly.DefaultMultiplier,
		})
		config.Anomaly.ThresholdMultiplier = anomaly.DefaultMultiplier
	}

	if config.Emission.Low <= 0 || config.Emission.Moderate <= config.Emission.Low {
		return fmt.Errorf("emission thresholds must satisfy 0 < low (%v) < moderate (%v)",
			config.Emission.Low, config.Emission.Moderate)
	}

	if config.Import.MaxBytes < 0 {
		return fmt.Errorf("import max_bytes must not be negative, got %d", config.Import.MaxBytes)
	}

	if config.Predictor.Timeout <= 0 {
		config.Predictor.Timeout = 60 * time.Second
	}

	return nil
}

// Tariff returns the configured tariff.
func (c *Config) Tariff() models.Tariff {
	return models.Tariff{PricePerUnit: c.Pricing.PricePerUnit}
}

// Address returns the host:port the server listens on.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction reports whether the server runs in production. Production
// servers log recovered panics without printing the stack.
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}
