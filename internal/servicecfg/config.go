package servicecfg

import (
    "fmt"
    "os"
    "strings"

    "gopkg.in/yaml.v3"
)

type Config struct {
    Server   ServerConfig   `yaml:"server"`
    Redis    RedisConfig    `yaml:"redis"`
    Postgres PostgresConfig `yaml:"postgres"`
    Blob     BlobConfig     `yaml:"blob"`
    Images   ImagesConfig   `yaml:"images"`
    History  HistoryConfig  `yaml:"history"`
    Capture  CaptureConfig  `yaml:"capture"`
    Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
    Listen        string `yaml:"listen"`
    ReadTimeoutMs int    `yaml:"read_timeout_ms"`
}

type RedisConfig struct {
    Addr      string `yaml:"addr"`
    Username  string `yaml:"username"`
    Password  string `yaml:"password"`
    DB        int    `yaml:"db"`
    KeyPrefix string `yaml:"key_prefix"`
    // Device events stream (the inbound message bus)
    Stream        string `yaml:"stream"`
    ConsumerGroup string `yaml:"consumer_group"`
    ConsumerName  string `yaml:"consumer_name"`
    ReadCount     int    `yaml:"read_count"`
    BlockMs       int    `yaml:"block_ms"`
}

type PostgresConfig struct {
    Enabled           bool   `yaml:"enabled"`
    DSN               string `yaml:"dsn"`
    MaxConns          int    `yaml:"max_conns"`
    ConnMaxLifetimeMs int    `yaml:"conn_max_lifetime_ms"`
    ApplyMigrations   bool   `yaml:"apply_migrations"`
    ValsTable         string `yaml:"vals_table"`
    ImageRefsTable    string `yaml:"image_refs_table"`
    InsertRetries     int    `yaml:"insert_retries"`
}

type BlobConfig struct {
    Enabled       bool   `yaml:"enabled"`
    Endpoint      string `yaml:"endpoint"`
    AccessKey     string `yaml:"access_key"`
    SecretKey     string `yaml:"secret_key"`
    UseSSL        bool   `yaml:"use_ssl"`
    Region        string `yaml:"region"`
    StagingBucket string `yaml:"staging_bucket"`
    ImageBucket   string `yaml:"image_bucket"`
    // Base URL for published objects; object name is appended.
    // Derived from endpoint + image bucket when empty.
    PublicBaseURL string `yaml:"public_base_url"`
}

type ImagesConfig struct {
    PollIntervalMs int `yaml:"poll_interval_ms"`
    PollWindowMs   int `yaml:"poll_window_ms"`
    StaleAfterMs   int `yaml:"stale_after_ms"`
}

type HistoryConfig struct {
    MaxEntries    int `yaml:"max_entries"`
    MaxTxAttempts int `yaml:"max_tx_attempts"`
}

type CaptureConfig struct {
    Enabled     bool   `yaml:"enabled"`
    Directory   string `yaml:"directory"`
    RotateMB    int    `yaml:"rotate_mb"`
    RotateDaily bool   `yaml:"rotate_daily"`
    Compression string `yaml:"compression"`
}

type LoggingConfig struct {
    Level  string `yaml:"level"`
    Buffer int    `yaml:"buffer"`
    Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
    b, err := os.ReadFile(path)
    if err != nil {
        return nil, err
    }
    var cfg Config
    if err := yaml.Unmarshal(b, &cfg); err != nil {
        return nil, err
    }
    applyDefaults(&cfg)
    applyEnvOverrides(&cfg)
    return &cfg, nil
}

func applyDefaults(cfg *Config) {
    if cfg.Server.Listen == "" {
        cfg.Server.Listen = ":7700"
    }
    if cfg.Server.ReadTimeoutMs == 0 {
        cfg.Server.ReadTimeoutMs = 15000
    }
    if cfg.Redis.Stream == "" {
        cfg.Redis.Stream = "device-events"
    }
    if cfg.Redis.ConsumerGroup == "" {
        cfg.Redis.ConsumerGroup = "mqtt-service"
    }
    if cfg.Redis.ReadCount <= 0 {
        cfg.Redis.ReadCount = 100
    }
    if cfg.Redis.BlockMs <= 0 {
        cfg.Redis.BlockMs = 5000
    }
    if cfg.Postgres.ValsTable == "" {
        cfg.Postgres.ValsTable = "vals"
    }
    if cfg.Postgres.ImageRefsTable == "" {
        cfg.Postgres.ImageRefsTable = "image_refs"
    }
    if cfg.Postgres.InsertRetries <= 0 {
        cfg.Postgres.InsertRetries = 3
    }
    if cfg.Images.PollIntervalMs <= 0 {
        cfg.Images.PollIntervalMs = 10000
    }
    if cfg.Images.PollWindowMs <= 0 {
        cfg.Images.PollWindowMs = 5 * 60 * 1000
    }
    if cfg.Images.StaleAfterMs <= 0 {
        cfg.Images.StaleAfterMs = 2 * 60 * 60 * 1000
    }
    if cfg.History.MaxEntries <= 0 {
        cfg.History.MaxEntries = 100
    }
    if cfg.History.MaxTxAttempts <= 0 {
        cfg.History.MaxTxAttempts = 15
    }
}

func applyEnvOverrides(cfg *Config) {
    if v := os.Getenv("MQTT_SERVICE_PG_DSN"); v != "" {
        cfg.Postgres.DSN = v
    }
    if v := os.Getenv("MQTT_SERVICE_PG_DSN_FILE"); v != "" {
        if b, err := os.ReadFile(v); err == nil {
            cfg.Postgres.DSN = strings.TrimSpace(string(b))
        }
    }
    if v := os.Getenv("MQTT_SERVICE_REDIS_PASSWORD"); v != "" {
        cfg.Redis.Password = v
    }
    if v := os.Getenv("MQTT_SERVICE_REDIS_PASSWORD_FILE"); v != "" {
        if b, err := os.ReadFile(v); err == nil {
            cfg.Redis.Password = strings.TrimSpace(string(b))
        }
    }
    if v := os.Getenv("MQTT_SERVICE_BLOB_ACCESS_KEY"); v != "" {
        cfg.Blob.AccessKey = v
    }
    if v := os.Getenv("MQTT_SERVICE_BLOB_SECRET_KEY"); v != "" {
        cfg.Blob.SecretKey = v
    }
    if v := os.Getenv("MQTT_SERVICE_BLOB_SECRET_KEY_FILE"); v != "" {
        if b, err := os.ReadFile(v); err == nil {
            cfg.Blob.SecretKey = strings.TrimSpace(string(b))
        }
    }
}

func (c *Config) String() string {
    return fmt.Sprintf("listen=%s stream=%s", c.Server.Listen, c.Redis.Stream)
}
