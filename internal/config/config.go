package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	DatabaseURL string
	DBSchema    string

	// VirtualDir is the plugin directory scanned for virtual-procedure
	// manifests; TableDir holds their rating-curve tables.
	VirtualDir     string
	TableDir       string
	TableCacheSize int

	// Default aggregation sentinels, overridable per request.
	AggregateNoData   float64
	AggregateNoDataQI int

	// Derived-series export configuration.
	KafkaBrokers   []string
	KafkaSinkTopic string
	ExportEnabled  bool
}

// Load reads configuration from environment variables, applying defaults
// where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := parseDuration("SHUTDOWN_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}

	noData, err := parseFloat("AGGREGATE_NODATA", -999.9)
	if err != nil {
		return nil, err
	}
	noDataQI, err := parseInt("AGGREGATE_NODATA_QI", -100)
	if err != nil {
		return nil, err
	}
	cacheSize, err := parseInt("TABLE_CACHE_SIZE", 32)
	if err != nil {
		return nil, err
	}

	virtualDir := envOrDefault("VIRTUAL_DIR", "/var/lib/sos-engine/virtual")

	exportEnabled := false
	if v := os.Getenv("EXPORT_ENABLED"); v != "" {
		exportEnabled = v == "true"
	}

	cfg := &Config{
		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBSchema:    envOrDefault("DB_SCHEMA", "istsos"),

		VirtualDir:     virtualDir,
		TableDir:       envOrDefault("TABLE_DIR", virtualDir),
		TableCacheSize: cacheSize,

		AggregateNoData:   noData,
		AggregateNoDataQI: noDataQI,

		KafkaBrokers:   parseBrokers(os.Getenv("KAFKA_BROKERS")),
		KafkaSinkTopic: envOrDefault("KAFKA_SINK_TOPIC", "derived-observations"),
		ExportEnabled:  exportEnabled,
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.ExportEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("EXPORT_ENABLED is true but KAFKA_BROKERS is not set")
	}
	if cfg.ExportEnabled && cfg.KafkaSinkTopic == "" {
		return nil, errors.New("EXPORT_ENABLED is true but KAFKA_SINK_TOPIC is empty")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseBrokers(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(envOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, errors.New("invalid " + key)
	}
	return d, nil
}

func parseFloat(key string, def float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.New("invalid " + key)
	}
	return v, nil
}

func parseInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("invalid " + key)
	}
	return v, nil
}
