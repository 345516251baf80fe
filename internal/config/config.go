// Package config loads the process-level configuration: backend
// credentials, worker ceilings and durable-sink settings. It is distinct
// from the per-template planner.TemplateInput, which arrives per Run
// rather than per process.
package config

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// PostgresConfig holds connection parameters for both the target backend
// and, when Sink.UsePostgres is true, the durable sink.
type PostgresConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required,gt=0,lte=65535"`
	Database string `mapstructure:"database" validate:"required"`
	Username string `mapstructure:"username" validate:"required"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode" validate:"omitempty,oneof=disable require verify-ca verify-full"`
}

// SnowflakeConfig holds connection parameters for the Snowflake backend
// adapter, used only when a template's table_type resolves to Snowflake.
type SnowflakeConfig struct {
	Account   string `mapstructure:"account"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Warehouse string `mapstructure:"warehouse"`
	Database  string `mapstructure:"database"`
	Schema    string `mapstructure:"schema"`
	Role      string `mapstructure:"role"`
}

// Config is the process-level configuration loaded once at startup.
type Config struct {
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Snowflake SnowflakeConfig `mapstructure:"snowflake"`

	Sink struct {
		UsePostgres bool   `mapstructure:"use_postgres"`
		TablePrefix string `mapstructure:"table_prefix"`
	} `mapstructure:"sink"`

	// MaxParallelCreates bounds how many worker constructions the Run's
	// Supervisor performs at once during a scale-up.
	MaxParallelCreates int `mapstructure:"max_parallel_creates" validate:"gte=1"`

	// BenchmarkExecutorMaxWorkers is the hard ceiling on concurrent_connections
	// enforced regardless of what a template requests.
	BenchmarkExecutorMaxWorkers int `mapstructure:"benchmark_executor_max_workers" validate:"gte=1"`

	Logging struct {
		Level       string `mapstructure:"level"`
		Format      string `mapstructure:"format"`
		Output      string `mapstructure:"output"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"logging"`
}

var validate = validator.New()

// Load reads configFile via viper and validates the result.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetDefault("max_parallel_creates", 8)
	v.SetDefault("benchmark_executor_max_workers", 500)
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshalling config")
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return &cfg, nil
}
