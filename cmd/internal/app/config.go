package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every configuration key when read from the environment,
// e.g. database.url -> CHATLOG_DATABASE_URL.
const EnvPrefix = "CHATLOG"

// Config contains all runtime configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Rollup   RollupConfig   `mapstructure:"rollup"`
	Search   SearchConfig   `mapstructure:"search"`
	Twitch   TwitchConfig   `mapstructure:"twitch"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | pretty
}

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	MaxHeaderBytes    int           `mapstructure:"max_header_bytes"`

	// ShutdownTimeout bounds how long in-flight search streams may run after shutdown begins.
	// 0 waits for all of them.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL         string `mapstructure:"url"`
	Schema      string `mapstructure:"schema"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type RollupConfig struct {
	Dir       string `mapstructure:"dir"`
	Timezone  string `mapstructure:"timezone"`
	PageBytes int    `mapstructure:"page_bytes"`
}

type SearchConfig struct {
	MaxRows   int `mapstructure:"max_rows"`
	PageBytes int `mapstructure:"page_bytes"`
}

type TwitchConfig struct {
	Username     string   `mapstructure:"username"`
	AccessToken  string   `mapstructure:"access_token"`
	RefreshToken string   `mapstructure:"refresh_token"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Channels     []string `mapstructure:"channels"`
	URL          string   `mapstructure:"url"`
	TokenCache   string   `mapstructure:"token_cache"`
}

// Enabled reports whether chat ingestion is configured.
func (c TwitchConfig) Enabled() bool { return strings.TrimSpace(c.Username) != "" }

// LoadConfig reads .env (when present), then the YAML file at path (or ./config.yaml when path is empty
// and that file exists), then CHATLOG_* environment variables. Later layers win.
func LoadConfig(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	switch {
	case path != "":
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	default:
		if _, err := os.Stat("config.yaml"); err == nil {
			v.SetConfigFile("config.yaml")
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config config.yaml: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Twitch.Channels = splitList(cfg.Twitch.Channels)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("http.addr", "0.0.0.0:8080")
	v.SetDefault("http.read_header_timeout", 5*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.max_header_bytes", 1<<20)
	v.SetDefault("http.shutdown_timeout", time.Duration(0))

	v.SetDefault("database.url", "")
	v.SetDefault("database.schema", "chatlog")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.sqlite_path", "")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("rollup.dir", "./rollup")
	v.SetDefault("rollup.timezone", "Local")
	v.SetDefault("rollup.page_bytes", 128<<20)

	v.SetDefault("search.max_rows", 1_000_000)
	v.SetDefault("search.page_bytes", 128<<20)

	v.SetDefault("twitch.username", "")
	v.SetDefault("twitch.access_token", "")
	v.SetDefault("twitch.refresh_token", "")
	v.SetDefault("twitch.client_id", "")
	v.SetDefault("twitch.client_secret", "")
	v.SetDefault("twitch.channels", []string{})
	v.SetDefault("twitch.url", "wss://irc-ws.chat.twitch.tv:443")
	v.SetDefault("twitch.token_cache", ".refreshed-token.json")
}

// splitList accepts both YAML lists and comma separated strings.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Location resolves rollup.timezone. "Local" and "" mean the process time zone.
func (c Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Rollup.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("rollup.timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if c.Rollup.PageBytes <= 0 {
		errs = append(errs, errors.New("rollup.page_bytes must be positive"))
	}
	if strings.TrimSpace(c.Rollup.Dir) == "" {
		errs = append(errs, errors.New("rollup.dir is required"))
	}
	if c.Search.MaxRows <= 0 {
		errs = append(errs, errors.New("search.max_rows must be positive"))
	}
	if c.Search.PageBytes <= 0 {
		errs = append(errs, errors.New("search.page_bytes must be positive"))
	}
	if c.HTTP.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("http.shutdown_timeout must not be negative"))
	}
	if c.Database.MaxConns < 0 || c.Database.MinConns < 0 {
		errs = append(errs, errors.New("database connection limits must not be negative"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	t := c.Twitch
	if t.Enabled() {
		if strings.TrimSpace(t.AccessToken) == "" {
			errs = append(errs, errors.New("twitch.access_token is required when twitch.username is set"))
		}
		if len(t.Channels) == 0 {
			errs = append(errs, errors.New("twitch.channels is required when twitch.username is set"))
		}
		refresh := []string{t.RefreshToken, t.ClientID, t.ClientSecret}
		set := 0
		for _, s := range refresh {
			if strings.TrimSpace(s) != "" {
				set++
			}
		}
		if set != 0 && set != len(refresh) {
			errs = append(errs, errors.New("twitch.refresh_token, twitch.client_id and twitch.client_secret must be set together"))
		}
	} else if t.AccessToken != "" || t.RefreshToken != "" || len(t.Channels) > 0 {
		errs = append(errs, errors.New("twitch.username is required when twitch credentials or channels are set"))
	}

	return errors.Join(errs...)
}
