package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schoolsafe/safeguard/internal/models"
	"github.com/schoolsafe/safeguard/internal/risk"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Boundary      BoundaryConfig      `yaml:"boundary"`
	Analysis      AnalysisConfig      `yaml:"analysis"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Worker        WorkerConfig        `yaml:"worker"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BoundaryConfig configures the external reasoning service exchange. Disabled
// means every analysis runs local-only and is audited as skipped.
type BoundaryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AnalysisConfig tunes extraction and scoring. DigestKey must stay constant
// for an installation; changing it orphans existing audit history.
type AnalysisConfig struct {
	DigestKey      string        `yaml:"digest_key"`
	MinFrequency   int           `yaml:"min_frequency"`
	LookbackWindow time.Duration `yaml:"lookback_window"`
	MaxRecords     int           `yaml:"max_records"`
	Risk           risk.Config   `yaml:"risk"`
}

type SchedulerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BatchSchedule  string `yaml:"batch_schedule"`
	Cohort         string `yaml:"cohort"` // empty means every active student
	SweepSchedule  string `yaml:"sweep_schedule"`
	AuditRetention int    `yaml:"audit_retention_days"`
}

type WorkerConfig struct {
	Count        int           `yaml:"count"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type NotificationsConfig struct {
	MinLevel models.RiskLevel  `yaml:"min_level"`
	Slack    SlackNotifyConfig `yaml:"slack"`
	Email    EmailNotifyConfig `yaml:"email"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Boundary.Timeout == 0 {
		c.Boundary.Timeout = 10 * time.Second
	}

	if c.Analysis.DigestKey == "" {
		c.Analysis.DigestKey = "change-me-in-production"
		fmt.Println("WARNING: Using default digest key. Set analysis.digest_key in production!")
	}
	if c.Analysis.MinFrequency == 0 {
		c.Analysis.MinFrequency = 2
	}
	if c.Analysis.LookbackWindow == 0 {
		c.Analysis.LookbackWindow = 30 * 24 * time.Hour
	}
	if c.Analysis.MaxRecords == 0 {
		c.Analysis.MaxRecords = 5000
	}

	if c.Scheduler.BatchSchedule == "" {
		c.Scheduler.BatchSchedule = "0 2 * * *"
	}
	if c.Scheduler.SweepSchedule == "" {
		c.Scheduler.SweepSchedule = "30 3 * * 0"
	}
	if c.Scheduler.AuditRetention == 0 {
		c.Scheduler.AuditRetention = 365
	}

	if c.Worker.Count == 0 {
		c.Worker.Count = 4
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = 5 * time.Second
	}

	if c.Notifications.MinLevel == "" {
		c.Notifications.MinLevel = models.RiskHigh
	}
	if c.Notifications.Email.SMTPPort == 0 {
		c.Notifications.Email.SMTPPort = 587
	}
}
