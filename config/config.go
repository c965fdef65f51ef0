package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Poller     PollerConfig     `mapstructure:"poller"`
	Meters     []MeterConfig    `mapstructure:"meters"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Pricing    PricingConfig    `mapstructure:"pricing"`
	Summary    SummaryConfig    `mapstructure:"summary"`
}

type ServerConfig struct {
	Port    int  `mapstructure:"port"`
	Enabled bool `mapstructure:"enabled"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

type PollerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// MeterConfig describes one Modbus TCP energy meter polled on behalf of a device.
type MeterConfig struct {
	DeviceID     string        `mapstructure:"device_id"`
	IP           string        `mapstructure:"ip"`
	Port         int           `mapstructure:"port"`
	UnitID       uint8         `mapstructure:"unit_id"`
	Timeout      time.Duration `mapstructure:"timeout"`
	VoltageReg   uint16        `mapstructure:"voltage_reg"`
	CurrentReg   uint16        `mapstructure:"current_reg"`
	PowerReg     uint16        `mapstructure:"power_reg"`
	VoltageScale float64       `mapstructure:"voltage_scale"`
	CurrentScale float64       `mapstructure:"current_scale"`
	PowerScale   float64       `mapstructure:"power_scale"`
}

type AggregatorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	// Local hour at which the previous day is aggregated once more and finalized.
	FinalizeHour int `mapstructure:"finalize_hour"`
	// What to do with sessions left open across a restart: "resume" or "close".
	StartupReconcile string `mapstructure:"startup_reconcile"`
}

type IngestConfig struct {
	MinInterval     time.Duration `mapstructure:"min_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	WarnInterval    time.Duration `mapstructure:"warn_interval"`
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	MaxBatchSize    int           `mapstructure:"max_batch_size"`
}

type PricingConfig struct {
	DefaultPricePerUnit      float64 `mapstructure:"default_price_per_unit"`
	DefaultConsumptionFactor float64 `mapstructure:"default_consumption_factor"`
}

type SummaryConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

func Load(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/autovolt-meter")
	}

	// Set defaults
	viper.SetDefault("server.port", 8045)
	viper.SetDefault("server.enabled", true)
	viper.SetDefault("database.path", "./autovolt.db")
	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topic_prefix", "autovolt")
	viper.SetDefault("mqtt.client_id", "autovolt-meter")
	viper.SetDefault("poller.enabled", false)
	viper.SetDefault("poller.interval", "30s")
	viper.SetDefault("aggregator.enabled", true)
	viper.SetDefault("aggregator.interval", "15m")
	viper.SetDefault("aggregator.finalize_hour", 2)
	viper.SetDefault("aggregator.startup_reconcile", "resume")
	viper.SetDefault("ingest.min_interval", "10s")
	viper.SetDefault("ingest.max_interval", "24h")
	viper.SetDefault("ingest.warn_interval", "1h")
	viper.SetDefault("ingest.default_interval", "30s")
	viper.SetDefault("ingest.max_batch_size", 1000)
	viper.SetDefault("pricing.default_price_per_unit", 7.5)
	viper.SetDefault("pricing.default_consumption_factor", 1.0)
	viper.SetDefault("summary.cache_ttl", "30s")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
