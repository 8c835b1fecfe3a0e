package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings are the runtime knobs that are not part of the pipeline definition:
// where things live and how the process behaves. They come from an optional
// specpipe.yaml and SPECPIPE_* environment variables.
type Settings struct {
	DBPath       string `mapstructure:"db_path"`
	PipelinePath string `mapstructure:"pipeline_path"`
	Holder       string `mapstructure:"holder"`
	Log          struct {
		Level string `mapstructure:"level"`
		Dir   string `mapstructure:"dir"`
	} `mapstructure:"log"`
	Evidence struct {
		Dir         string `mapstructure:"dir"`
		PostgresDSN string `mapstructure:"postgres_dsn"`
		Buffer      int    `mapstructure:"buffer"`
	} `mapstructure:"evidence"`
	Vacuum struct {
		Interval time.Duration `mapstructure:"interval"`
		Pages    int           `mapstructure:"pages"`
	} `mapstructure:"vacuum"`
	Storage struct {
		BusyTimeout time.Duration `mapstructure:"busy_timeout"`
		CacheSizeKB int           `mapstructure:"cache_size_kb"`
		MaxReaders  int           `mapstructure:"max_readers"`
	} `mapstructure:"storage"`
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`
	Concurrency int `mapstructure:"concurrency"`
}

func settingsDefaults(v *viper.Viper) {
	host, _ := os.Hostname()
	v.SetDefault("db_path", "")
	v.SetDefault("pipeline_path", "")
	v.SetDefault("holder", fmt.Sprintf("%s:%d", host, os.Getpid()))
	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.dir", "")
	v.SetDefault("evidence.dir", "")
	v.SetDefault("evidence.postgres_dsn", "")
	v.SetDefault("evidence.buffer", 64)
	v.SetDefault("vacuum.interval", "1h")
	v.SetDefault("vacuum.pages", 20)
	v.SetDefault("storage.busy_timeout", "5s")
	v.SetDefault("storage.cache_size_kb", 32000)
	v.SetDefault("storage.max_readers", 4)
	v.SetDefault("http.addr", "127.0.0.1:8088")
	v.SetDefault("concurrency", 4)
}

// LoadSettings reads settings from path, or from ./specpipe.yaml or
// ~/.specpipe/specpipe.yaml when path is empty. A missing file is not an error.
// Environment variables override file values, e.g. SPECPIPE_LOG_LEVEL.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	settingsDefaults(v)
	v.SetEnvPrefix("SPECPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("specpipe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".specpipe"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading settings: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	return &s, nil
}
