package config

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/rajbos/copilot-usage-sync/internal/credentials"
	"github.com/rajbos/copilot-usage-sync/internal/identity"
	"github.com/rajbos/copilot-usage-sync/internal/sharing"
)

// Config captures the runtime configuration for the sync daemon. Secrets are
// never part of this payload; the shared key lives in the OS credential store.
type Config struct {
	DatasetID     string              `mapstructure:"dataset_id"`
	Sync          SyncConfig          `mapstructure:"sync"`
	Sharing       SharingConfig       `mapstructure:"sharing"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Sessions      SessionsConfig      `mapstructure:"sessions"`
	Workspace     DimensionConfig     `mapstructure:"workspace"`
	Machine       DimensionConfig     `mapstructure:"machine"`
	Entra         EntraConfig         `mapstructure:"entra"`
	Reporting     ReportingConfig     `mapstructure:"reporting"`
	Server        ServerConfig        `mapstructure:"server"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type SyncConfig struct {
	LookbackDays int           `mapstructure:"lookback_days"`
	Interval     time.Duration `mapstructure:"interval"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

type SharingConfig struct {
	Profile      string `mapstructure:"profile"`
	IdentityMode string `mapstructure:"identity_mode"`
	TeamAlias    string `mapstructure:"team_alias"`
}

type AuthConfig struct {
	Mode string `mapstructure:"mode"`
}

type StorageConfig struct {
	Account  string `mapstructure:"account"`
	Table    string `mapstructure:"table"`
	Endpoint string `mapstructure:"endpoint"`
}

type SessionsConfig struct {
	Dir string `mapstructure:"dir"`
}

type DimensionConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// EntraConfig identifies the signed-in directory user. Only consulted when the
// identity mode needs it; validated at resolution time, not load time.
type EntraConfig struct {
	TenantID string `mapstructure:"tenant_id"`
	ObjectID string `mapstructure:"object_id"`
}

type ReportingConfig struct {
	Timezone string `mapstructure:"timezone"`
}

type ServerConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

type ObservabilityConfig struct {
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment
// variables (prefix USAGESYNC).
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv("USAGESYNC_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		// Allow standard lookup locations when no explicit file is provided.
		v.SetConfigName("usagesync")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("USAGESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// tableNamePattern is the table service naming rule.
var tableNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]{2,62}$`)

// Validate ensures required values are set and normalizes derived ones.
func (c *Config) Validate() error {
	var missing []string

	if strings.TrimSpace(c.DatasetID) == "" {
		missing = append(missing, "USAGESYNC_DATASET_ID")
	}
	if strings.TrimSpace(c.Workspace.ID) == "" {
		missing = append(missing, "USAGESYNC_WORKSPACE_ID")
	}
	if strings.TrimSpace(c.Machine.ID) == "" {
		missing = append(missing, "USAGESYNC_MACHINE_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Sync.LookbackDays < 1 || c.Sync.LookbackDays > 365 {
		return fmt.Errorf("sync.lookback_days must be between 1 and 365, got %d", c.Sync.LookbackDays)
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = DeriveSyncInterval(c.Sync.LookbackDays)
	}
	if c.Sync.BatchTimeout <= 0 {
		c.Sync.BatchTimeout = 30 * time.Second
	}

	profile, err := sharing.ParseProfile(c.Sharing.Profile)
	if err != nil {
		return fmt.Errorf("sharing.profile: %w", err)
	}
	c.Sharing.Profile = string(profile)

	mode, err := identity.ParseMode(c.Sharing.IdentityMode)
	if err != nil {
		return fmt.Errorf("sharing.identity_mode: %w", err)
	}
	c.Sharing.IdentityMode = string(mode)

	if sharing.Apply(profile).IncludeUserID && mode == identity.ModeNone {
		return fmt.Errorf("sharing.profile %s requires an identity mode other than none", profile)
	}
	if mode == identity.ModeTeamAlias {
		if err := identity.ValidateAlias(c.Sharing.TeamAlias); err != nil {
			return fmt.Errorf("sharing.team_alias: %w", err)
		}
	}

	authMode, err := credentials.ParseAuthMode(c.Auth.Mode)
	if err != nil {
		return fmt.Errorf("auth.mode: %w", err)
	}
	c.Auth.Mode = string(authMode)

	if profile != sharing.ProfileOff {
		if strings.TrimSpace(c.Storage.Account) == "" {
			return fmt.Errorf("storage.account must be provided when sharing is enabled")
		}
		if !tableNamePattern.MatchString(c.Storage.Table) {
			return fmt.Errorf("storage.table %q is not a valid table name", c.Storage.Table)
		}
	}

	tz := strings.TrimSpace(c.Reporting.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("invalid reporting.timezone: %w", err)
	}
	c.Reporting.Timezone = tz

	return nil
}

// Profile returns the parsed sharing profile. Validate must have succeeded.
func (c *Config) Profile() sharing.Profile {
	return sharing.Profile(c.Sharing.Profile)
}

// IdentityMode returns the parsed identity mode. Validate must have succeeded.
func (c *Config) IdentityMode() identity.Mode {
	return identity.Mode(c.Sharing.IdentityMode)
}

// AuthMode returns the parsed auth mode. Validate must have succeeded.
func (c *Config) AuthMode() credentials.AuthMode {
	return credentials.AuthMode(c.Auth.Mode)
}

// StorageEndpoint returns the configured endpoint or the default one derived
// from the account name.
func (c *Config) StorageEndpoint() string {
	if ep := strings.TrimSpace(c.Storage.Endpoint); ep != "" {
		return ep
	}
	return fmt.Sprintf("https://%s.table.core.windows.net", c.Storage.Account)
}

// DeriveSyncInterval picks a periodic interval proportional to the lookback
// window, clamped so short windows still sync often and long ones do not
// hammer the store.
func DeriveSyncInterval(lookbackDays int) time.Duration {
	interval := time.Duration(lookbackDays) * 24 * time.Hour / 48
	if interval < 15*time.Minute {
		return 15 * time.Minute
	}
	if interval > 6*time.Hour {
		return 6 * time.Hour
	}
	return interval
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sync.lookback_days", 30)
	v.SetDefault("sync.batch_timeout", "30s")

	v.SetDefault("sharing.profile", "off")
	v.SetDefault("sharing.identity_mode", "none")

	v.SetDefault("auth.mode", "entra_id")

	v.SetDefault("storage.table", "copilotusage")

	v.SetDefault("sessions.dir", "./sessions")

	v.SetDefault("reporting.timezone", "UTC")

	v.SetDefault("server.listen_addr", "127.0.0.1:7391")
	v.SetDefault("server.read_header_timeout", "5s")

	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
