package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode               string        `mapstructure:"mode"`
	Port               int           `mapstructure:"port"`
	SQLitePath         string        `mapstructure:"sqlite_path"`
	MigrationsDir      string        `mapstructure:"migrations_dir"`
	StorageTimeout     time.Duration `mapstructure:"storage_timeout"`
	ParticipantTimeout time.Duration `mapstructure:"participant_timeout"`
	RoomTimeout        time.Duration `mapstructure:"room_timeout"`
	DefaultCapacity    int           `mapstructure:"default_capacity"`
	JWTSecret          string        `mapstructure:"jwt_secret"`
	TokenTTL           time.Duration `mapstructure:"token_ttl"`
	AdminEmail         string        `mapstructure:"admin_email"`
	AdminPasswordHash  string        `mapstructure:"admin_password_hash"`
	StaticDir          string        `mapstructure:"static_dir"`
	CORSOrigins        []string      `mapstructure:"cors_origins"`
	Commit             string        `mapstructure:"commit"`
	BuildTime          string        `mapstructure:"build_time"`
}

// Load reads config/config.<CONFIG_ENV>.yaml and applies LOBBY_* overrides.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("LOBBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Err(err).Msg("config file not loaded, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	// env overrides arrive as one comma-separated string
	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("sqlite_path", cfg.SQLitePath).
		Dur("participant_timeout", cfg.ParticipantTimeout).
		Dur("room_timeout", cfg.RoomTimeout).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("sqlite_path", "")
	v.SetDefault("migrations_dir", "")
	v.SetDefault("storage_timeout", "3s")
	v.SetDefault("participant_timeout", "600s")
	v.SetDefault("room_timeout", "600s")
	v.SetDefault("default_capacity", 3)
	v.SetDefault("jwt_secret", "")
	v.SetDefault("token_ttl", "24h")
	v.SetDefault("admin_email", "")
	v.SetDefault("admin_password_hash", "")
	v.SetDefault("static_dir", "")
	v.SetDefault("cors_origins", []string{})
	v.SetDefault("commit", "")
	v.SetDefault("build_time", "")
}

func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("port out of range: %d", c.Port)
	case c.StorageTimeout <= 0:
		return errors.New("storage_timeout must be positive")
	case c.ParticipantTimeout <= 0:
		return errors.New("participant_timeout must be positive")
	case c.RoomTimeout <= 0:
		return errors.New("room_timeout must be positive")
	case c.DefaultCapacity < 1:
		return errors.New("default_capacity must be at least 1")
	case c.TokenTTL <= 0:
		return errors.New("token_ttl must be positive")
	}
	return nil
}

func (c *Config) Dev() bool { return c.Mode == "dev" || c.Mode == "debug" }

func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }
