package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	AWS         AWSConfig         `yaml:"aws"`
	APNS        APNSConfig        `yaml:"apns"`
	JWT         JWTConfig         `yaml:"jwt"`
	Log         LogConfig         `yaml:"log"`
	Proximity   ProximityConfig   `yaml:"proximity"`
	SOS         SOSConfig         `yaml:"sos"`
	SafetyTimer SafetyTimerConfig `yaml:"safety_timer"`
	Nearby      NearbyConfig      `yaml:"nearby"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig holds the realtime relay configuration. An empty Addr disables the relay.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// AWSConfig holds S3 configuration for nearby message media
type AWSConfig struct {
	Region    string `yaml:"region"`
	S3Bucket  string `yaml:"s3_bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Endpoint  string `yaml:"endpoint"`
}

// APNSConfig holds Apple push configuration. An empty KeyFile disables offline push.
type APNSConfig struct {
	KeyFile    string `yaml:"key_file"`
	KeyID      string `yaml:"key_id"`
	TeamID     string `yaml:"team_id"`
	Topic      string `yaml:"topic"`
	Production bool   `yaml:"production"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// ProximityConfig tunes the proximity index and alert policy
type ProximityConfig struct {
	CellSizeDeg       float64       `yaml:"cell_size_deg"`
	DefaultRadiusM    float64       `yaml:"default_radius_m"`
	MaxRadiusM        float64       `yaml:"max_radius_m"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	RecomputeWorkers  int           `yaml:"recompute_workers"`
	ImmediateCooldown time.Duration `yaml:"immediate_cooldown"`
	PeriodicInterval  time.Duration `yaml:"periodic_interval"`
	OnceSessionTTL    time.Duration `yaml:"once_session_ttl"`
}

// SOSConfig tunes incident activation and delivery
type SOSConfig struct {
	ArmingCountdown time.Duration `yaml:"arming_countdown"`
	PushWorkers     int           `yaml:"push_workers"`
	PushQueueSize   int           `yaml:"push_queue_size"`
	PushRetries     int           `yaml:"push_retries"`
}

// SafetyTimerConfig bounds check-in timer durations
type SafetyTimerConfig struct {
	MinDuration time.Duration `yaml:"min_duration"`
	MaxDuration time.Duration `yaml:"max_duration"`
}

// NearbyConfig tunes nearby broadcast messages
type NearbyConfig struct {
	Retention      time.Duration `yaml:"retention"`
	MaxRadiusM     float64       `yaml:"max_radius_m"`
	MaxTextLength  int           `yaml:"max_text_length"`
	PostRate       string        `yaml:"post_rate"`
	MediaURLExpiry time.Duration `yaml:"media_url_expiry"`
}

// Default returns the configuration used when a key is absent from the file
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "postgres",
			DBName:  "nearby_safety",
			SSLMode: "disable",
		},
		Redis: RedisConfig{Channel: "realtime_events"},
		Log:   LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14},
		Proximity: ProximityConfig{
			CellSizeDeg:       0.01,
			DefaultRadiusM:    1000,
			MaxRadiusM:        5000,
			StaleAfter:        10 * time.Minute,
			RecomputeWorkers:  4,
			ImmediateCooldown: 60 * time.Second,
			PeriodicInterval:  15 * time.Second,
			OnceSessionTTL:    12 * time.Hour,
		},
		SOS: SOSConfig{
			ArmingCountdown: 5 * time.Second,
			PushWorkers:     4,
			PushQueueSize:   1024,
			PushRetries:     3,
		},
		SafetyTimer: SafetyTimerConfig{
			MinDuration: time.Minute,
			MaxDuration: 24 * time.Hour,
		},
		Nearby: NearbyConfig{
			Retention:      time.Hour,
			MaxRadiusM:     5000,
			MaxTextLength:  500,
			PostRate:       "10-M",
			MediaURLExpiry: 5 * time.Minute,
		},
	}
}

// Load reads configuration from a YAML file on top of Default
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate rejects values the engine cannot run with
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	if c.Proximity.CellSizeDeg <= 0 {
		return fmt.Errorf("proximity.cell_size_deg must be positive")
	}
	if c.Proximity.DefaultRadiusM <= 0 || c.Proximity.DefaultRadiusM > c.Proximity.MaxRadiusM {
		return fmt.Errorf("proximity.default_radius_m must be in (0, max_radius_m]")
	}
	if c.Proximity.RecomputeWorkers < 1 {
		return fmt.Errorf("proximity.recompute_workers must be at least 1")
	}
	if c.SOS.ArmingCountdown < 0 {
		return fmt.Errorf("sos.arming_countdown must not be negative")
	}
	if c.SOS.PushWorkers < 1 {
		return fmt.Errorf("sos.push_workers must be at least 1")
	}
	if c.SafetyTimer.MinDuration <= 0 || c.SafetyTimer.MaxDuration < c.SafetyTimer.MinDuration {
		return fmt.Errorf("safety_timer bounds are inconsistent")
	}
	if c.Nearby.Retention <= 0 {
		return fmt.Errorf("nearby.retention must be positive")
	}
	return nil
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
