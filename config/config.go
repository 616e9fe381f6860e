// vidqueue/config/config.go
package config

import (
	"errors"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	// Scheduler
	MaxConcurrentTasks int           `mapstructure:"MAX_CONCURRENT_TASKS"`
	TaskTimeout        time.Duration `mapstructure:"TASK_TIMEOUT"`
	TaskRetention      time.Duration `mapstructure:"TASK_RETENTION"`
	AutoStart          bool          `mapstructure:"AUTO_START"`

	// Execution engine
	FFBin            string  `mapstructure:"FF_BIN"`
	FFProbeBin       string  `mapstructure:"FFPROBE_BIN"`
	MaxInputSize     int64   `mapstructure:"MAX_INPUT_SIZE"`
	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`

	// Persistence: "file", "sqlite" or "redis"
	StoreBackend  string `mapstructure:"STORE_BACKEND"`
	StatePath     string `mapstructure:"STATE_PATH"`
	SQLitePath    string `mapstructure:"SQLITE_PATH"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	RedisKey      string `mapstructure:"REDIS_KEY"`

	// Events
	NATSURL         string        `mapstructure:"NATS_URL"`
	NATSSubject     string        `mapstructure:"NATS_SUBJECT"`
	MetricsEnable   bool          `mapstructure:"METRICS_ENABLE"`
	MetricsInterval time.Duration `mapstructure:"METRICS_INTERVAL"`

	// HTTP command layer
	AuthEnable bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey    string `mapstructure:"AUTH_KEY"`
	Port       string `mapstructure:"PORT"`

	// Logging
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

// Load reads configuration from defaults, an optional .env file, an optional
// vidqueue_config.yaml and VIDQ_* environment variables, in increasing precedence.
// A non-empty configFile replaces the default search paths.
func Load(configFile ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	vp := viper.New()

	vp.SetDefault("MAX_CONCURRENT_TASKS", 2)
	vp.SetDefault("TASK_TIMEOUT", "2h")
	vp.SetDefault("TASK_RETENTION", "0s")
	vp.SetDefault("AUTO_START", true)
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("MAX_INPUT_SIZE", "20GB")
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "500MB")
	vp.SetDefault("STORE_BACKEND", "file")
	vp.SetDefault("STATE_PATH", "tasks.json")
	vp.SetDefault("SQLITE_PATH", "tasks.db")
	vp.SetDefault("REDIS_ADDR", "localhost:6379")
	vp.SetDefault("REDIS_PASSWORD", "")
	vp.SetDefault("REDIS_DB", 0)
	vp.SetDefault("REDIS_KEY", "vidqueue:state")
	vp.SetDefault("NATS_URL", "")
	vp.SetDefault("NATS_SUBJECT", "vidqueue.events")
	vp.SetDefault("METRICS_ENABLE", false)
	vp.SetDefault("METRICS_INTERVAL", "1m")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "console")

	if len(configFile) > 0 && configFile[0] != "" {
		vp.SetConfigFile(configFile[0])
	} else {
		vp.SetConfigName("vidqueue_config")
		vp.SetConfigType("yaml")
		vp.AddConfigPath(".")
		vp.AddConfigPath("/etc/vidqueue/")
	}

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("VIDQ")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	if c.MaxConcurrentTasks < 1 {
		return errors.New("MAX_CONCURRENT_TASKS must be at least 1")
	}
	if c.TaskRetention < 0 || (c.TaskRetention > 0 && c.TaskRetention < time.Second) {
		return errors.New("TASK_RETENTION must be 0 (keep forever) or at least 1s")
	}
	switch c.StoreBackend {
	case "file", "sqlite", "redis":
	default:
		return errors.New("STORE_BACKEND must be one of file, sqlite, redis")
	}
	return nil
}
