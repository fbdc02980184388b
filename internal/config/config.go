// Package config loads the service configuration from a YAML file, the
// environment (LOOT_ prefix) and command-line flags.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/xtding233/gacha-economy/internal/economy"
	"github.com/xtding233/gacha-economy/internal/logger"
	"github.com/xtding233/gacha-economy/internal/metrics"
	"github.com/xtding233/gacha-economy/internal/stats"
	"github.com/xtding233/gacha-economy/internal/storage/postgres"
)

const EnvPrefix = "LOOT"

var ErrValidation = errors.New("config validation failed")

type Config struct {
	Server    ServerConfig      `mapstructure:"server"`
	Metrics   metrics.Config    `mapstructure:"metrics"`
	Log       logger.Config     `mapstructure:"log"`
	Store     StoreConfig       `mapstructure:"store"`
	Redis     stats.RedisConfig `mapstructure:"redis"`
	Economy   economy.Config    `mapstructure:"economy"`
	Packs     PacksConfig       `mapstructure:"packs"`
	Reconcile ReconcileConfig   `mapstructure:"reconcile"`
	Tracing   TracingConfig     `mapstructure:"tracing"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	Workers         int           `mapstructure:"workers" validate:"min=1"`
	MaxWaiting      int           `mapstructure:"max_waiting" validate:"min=0"` // callers that may queue for a worker, 0 rejects at once
	RateLimit       float64       `mapstructure:"rate_limit" validate:"min=0"`  // requests per second, 0 disables
	RateBurst       int           `mapstructure:"rate_burst" validate:"min=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig picks the backend. "memory" ignores the postgres section.
type StoreConfig struct {
	Driver   string          `mapstructure:"driver" validate:"oneof=memory postgres"`
	Postgres postgres.Config `mapstructure:"postgres"`
}

type PacksConfig struct {
	Dir              string        `mapstructure:"dir" validate:"required"`
	Watch            bool          `mapstructure:"watch"`
	Debounce         time.Duration `mapstructure:"debounce"`
	DuplicatePenalty float64       `mapstructure:"duplicate_penalty" validate:"min=0,max=1"`
	Seed             uint64        `mapstructure:"seed"` // non-zero makes draws reproducible
}

type ReconcileConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule" validate:"required_if=Enabled true"`
	PageSize int    `mapstructure:"page_size" validate:"min=1"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"min=0,max=1"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":7070",
			Workers:         64,
			MaxWaiting:      256,
			RateLimit:       200,
			RateBurst:       400,
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: metrics.DefaultConfig(),
		Log:     logger.DefaultConfig(),
		Store: StoreConfig{
			Driver: "memory",
			Postgres: postgres.Config{
				MaxOpenConns: 20,
				MaxIdleConns: 5,
				LockTimeout:  2 * time.Second,
				AutoMigrate:  true,
			},
		},
		Redis:   stats.RedisConfig{KeyPrefix: "loot:", TTL: 30 * time.Second},
		Economy: economy.DefaultConfig(),
		Packs:   PacksConfig{Dir: "configs/packs", Watch: true, Debounce: 250 * time.Millisecond, DuplicatePenalty: 1},
		Reconcile: ReconcileConfig{
			Enabled:  true,
			Schedule: "@every 10m",
			PageSize: 500,
		},
		Tracing: TracingConfig{ServiceName: "loot-engine", SampleRatio: 1},
	}
}

// Flags registers the command-line flags read by Load.
func Flags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "path to the YAML config file")
	fs.String("server.addr", "", "gRPC listen address")
	fs.String("store.driver", "", "storage backend: memory or postgres")
	fs.String("packs.dir", "", "directory holding default.yaml, packs/ and items.yaml")
	fs.String("log.level", "", "log level")
}

// Load builds the config: defaults, then the file, then LOOT_* env vars,
// then flags that were set explicitly.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, errors.Wrapf(err, "read config %s", path)
			}
		}
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || !f.Changed || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(f.Name, f)
		})
		if bindErr != nil {
			return Config{}, errors.Wrap(bindErr, "bind flags")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every leaf of def so env vars can override keys
// that the file does not mention.
func setDefaults(v *viper.Viper, def Config) {
	var m map[string]interface{}
	if err := decodeToMap(def, &m); err != nil {
		panic(err)
	}
	flatten("", m, func(k string, val interface{}) { v.SetDefault(k, val) })
}

func flatten(prefix string, m map[string]interface{}, set func(string, interface{})) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]interface{}); ok {
			flatten(key, sub, set)
			continue
		}
		set(key, val)
	}
}

var validate = validator.New()

// Validate checks struct tags and cross-field rules.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fe.Namespace()+": "+fe.Tag())
			}
			return errors.Wrap(ErrValidation, strings.Join(msgs, "; "))
		}
		return errors.Wrap(ErrValidation, err.Error())
	}
	if cfg.Store.Driver == "postgres" && cfg.Store.Postgres.DSN == "" {
		return errors.Wrap(ErrValidation, "store.postgres.dsn is required for the postgres driver")
	}
	if cfg.Log.EnableFile && cfg.Log.OutputPath == "" {
		return errors.Wrap(ErrValidation, "log.output_path is required when log.enable_file is set")
	}
	return nil
}
