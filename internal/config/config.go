package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`

	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	WebDriver WebDriverConfig `mapstructure:"webdriver"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Geocoding GeocodingConfig `mapstructure:"geocoding"`
	SSW       SSWConfig       `mapstructure:"ssw"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
}

type HTTPConfig struct {
	Addr        string   `mapstructure:"addr"`
	JWTSecret   string   `mapstructure:"jwt_secret"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// DatabaseConfig is optional; an empty DSN disables run history.
type DatabaseConfig struct {
	DSN           string `mapstructure:"dsn"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// RedisConfig is optional; an empty Addr disables the geocode cache.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type WebDriverConfig struct {
	URL      string   `mapstructure:"url"`
	Browser  string   `mapstructure:"browser"`
	Headless bool     `mapstructure:"headless"`
	Args     []string `mapstructure:"args"`
}

type DashboardConfig struct {
	URL             string        `mapstructure:"url"`
	Email           string        `mapstructure:"email"`
	Password        string        `mapstructure:"password"`
	ReachabilityURL string        `mapstructure:"reachability_url"`
	TargetURL       string        `mapstructure:"target_url"`
	PageSize        string        `mapstructure:"page_size"`
	LoginAttempts   int           `mapstructure:"login_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	PlateColumn     int           `mapstructure:"plate_column"`
}

type TelemetryConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RequestsPerSecond  float64       `mapstructure:"requests_per_second"`
}

type GeocodingConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	Pace    time.Duration `mapstructure:"pace"`
}

type SSWConfig struct {
	LoginURL          string `mapstructure:"login_url"`
	Company           string `mapstructure:"company"`
	CNPJ              string `mapstructure:"cnpj"`
	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	Unit              string `mapstructure:"unit"`
	ManifestOption    string `mapstructure:"manifest_option"`
	UpdateOption      string `mapstructure:"update_option"`
	TransitStatusCode string `mapstructure:"transit_status_code"`
}

type WorkflowConfig struct {
	Pacing           time.Duration `mapstructure:"pacing"`
	PaceAfterSkipped bool          `mapstructure:"pace_after_skipped"`
	OnPlateFailure   string        `mapstructure:"on_plate_failure"`
	SnapshotPath     string        `mapstructure:"snapshot_path"`
}

type ScheduleConfig struct {
	Path string        `mapstructure:"path"`
	Tick time.Duration `mapstructure:"tick"`
}

var defaults = map[string]any{
	"env":       "development",
	"log_level": "info",

	"http.addr":         ":8080",
	"http.jwt_secret":   "",
	"http.cors_origins": []string{},

	"database.dsn":            "",
	"database.retention_days": 90,

	"redis.addr":      "",
	"redis.password":  "",
	"redis.db":        0,
	"redis.cache_ttl": 24 * time.Hour,

	"webdriver.url":      "http://localhost:4444/wd/hub",
	"webdriver.browser":  "MicrosoftEdge",
	"webdriver.headless": false,
	"webdriver.args": []string{
		"--no-sandbox",
		"--disable-gpu",
		"--window-size=1920,1080",
		"--disable-dev-shm-usage",
		"--disable-blink-features=AutomationControlled",
		"--disable-extensions",
	},

	"dashboard.url":              "http://vstrack.ddns.net/komando/Rastreamento/Index",
	"dashboard.email":            "",
	"dashboard.password":         "",
	"dashboard.reachability_url": "https://www.google.com/",
	"dashboard.target_url":       "http://vstrack.ddns.net/",
	"dashboard.page_size":        "50",
	"dashboard.login_attempts":   3,
	"dashboard.retry_delay":      2 * time.Second,
	"dashboard.plate_column":     7,

	"telemetry.base_url":             "http://vstrack.ddns.net/komando/integracao/",
	"telemetry.username":             "",
	"telemetry.password":             "",
	"telemetry.insecure_skip_verify": true,
	"telemetry.timeout":              30 * time.Second,
	"telemetry.requests_per_second":  5.0,

	"geocoding.base_url": "https://us1.locationiq.com/v1/reverse",
	"geocoding.api_key":  "",
	"geocoding.timeout":  15 * time.Second,
	"geocoding.pace":     time.Second,

	"ssw.login_url":           "https://sistema.ssw.inf.br/bin/ssw0422",
	"ssw.company":             "",
	"ssw.cnpj":                "",
	"ssw.username":            "",
	"ssw.password":            "",
	"ssw.unit":                "CTA",
	"ssw.manifest_option":     "23+",
	"ssw.update_option":       "33+",
	"ssw.transit_status_code": "41",

	"workflow.pacing":             5 * time.Second,
	"workflow.pace_after_skipped": false,
	"workflow.on_plate_failure":   "reauthenticate",
	"workflow.snapshot_path":      "localizacao_veiculos.json",

	"schedule.path": "schedules.yaml",
	"schedule.tick": time.Minute,
}

// Load reads config.yaml (if present) from the working directory or the path
// in TRANSIT_SYNC_CONFIG, then applies TRANSIT_SYNC_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("TRANSIT_SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Workflow.OnPlateFailure {
	case "reauthenticate", "abort":
	default:
		return fmt.Errorf("workflow.on_plate_failure must be reauthenticate or abort, got %q", c.Workflow.OnPlateFailure)
	}
	if c.Dashboard.LoginAttempts < 1 {
		return fmt.Errorf("dashboard.login_attempts must be positive")
	}
	if c.Schedule.Tick <= 0 {
		return fmt.Errorf("schedule.tick must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
