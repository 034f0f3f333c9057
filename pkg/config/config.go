// Package config loads and validates node configuration from YAML files with
// environment-variable overrides. It provides typed structs for every
// subsystem (Server, Node, Index, Replication, Backup, Kafka, Redis, ...).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Role selects whether a node accepts writes or follows a master.
type Role string

const (
	RoleMaster  Role = "master"
	RoleReplica Role = "replica"
)

// Config is the top-level node configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Node        NodeConfig        `yaml:"node"`
	Index       IndexConfig       `yaml:"index"`
	Replication ReplicationConfig `yaml:"replication"`
	Backup      BackupConfig      `yaml:"backup"`
	ObjectStore ObjectStoreConfig `yaml:"objectStore"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// NodeConfig identifies this process and its replication role.
type NodeConfig struct {
	ID   string `yaml:"id"`
	Role Role   `yaml:"role"`
}

// IndexConfig lists the indexes served by this node.
type IndexConfig struct {
	DataDir string   `yaml:"dataDir"`
	Names   []string `yaml:"names"`
}

// ReplicationConfig controls both sides of the session protocol.
type ReplicationConfig struct {
	MasterURL         string        `yaml:"masterUrl"`
	MasterIndex       string        `yaml:"masterIndex"`
	SessionMaxIdle    time.Duration `yaml:"sessionMaxIdle"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	FetchConcurrency  int           `yaml:"fetchConcurrency"`
	TransferRateLimit int64         `yaml:"transferRateLimit"`
	StagingDir        string        `yaml:"stagingDir"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
}

// BackupConfig holds the operator-chosen backup root.
type BackupConfig struct {
	Root   string `yaml:"root"`
	Mirror bool   `yaml:"mirror"`
}

// ObjectStoreConfig describes the S3-compatible bucket backups are mirrored to.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
}

// PostgresConfig holds PostgreSQL connection parameters for the backup catalog.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	IndexCommitted string `yaml:"indexCommitted"`
}

// RedisConfig holds Redis connection parameters for the replica status board.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"poolSize"`
	StatusTTL time.Duration `yaml:"statusTTL"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the node cannot start with.
func (c *Config) Validate() error {
	switch c.Node.Role {
	case RoleMaster, RoleReplica:
	default:
		return fmt.Errorf("node.role must be %q or %q, got %q", RoleMaster, RoleReplica, c.Node.Role)
	}
	if c.Index.DataDir == "" {
		return fmt.Errorf("index.dataDir is required")
	}
	if len(c.Index.Names) == 0 {
		return fmt.Errorf("index.names must list at least one index")
	}
	if c.Replication.SessionMaxIdle <= 0 {
		return fmt.Errorf("replication.sessionMaxIdle must be positive")
	}
	if c.Replication.FetchConcurrency < 1 {
		return fmt.Errorf("replication.fetchConcurrency must be at least 1")
	}
	return nil
}

func defaultConfig() *Config {
	host, _ := os.Hostname()
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Node: NodeConfig{
			ID:   host,
			Role: RoleMaster,
		},
		Index: IndexConfig{
			DataDir: "data/indexes",
			Names:   []string{"default"},
		},
		Replication: ReplicationConfig{
			SessionMaxIdle:   30 * time.Minute,
			PollInterval:     time.Minute,
			FetchConcurrency: 4,
			RequestTimeout:   30 * time.Second,
		},
		Backup: BackupConfig{
			Root: "data/backups",
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint: "localhost:9000",
			Bucket:   "index-backups",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "searchplatform",
			User:            "searchplatform",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "index-replicas",
			Topics: KafkaTopics{
				IndexCommitted: "index.committed",
			},
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			StatusTTL: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads SP_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SP_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SP_NODE_ID"); v != "" {
		cfg.Node.ID = v
	}
	if v := os.Getenv("SP_NODE_ROLE"); v != "" {
		cfg.Node.Role = Role(strings.ToLower(v))
	}
	if v := os.Getenv("SP_INDEX_DATA_DIR"); v != "" {
		cfg.Index.DataDir = v
	}
	if v := os.Getenv("SP_INDEX_NAMES"); v != "" {
		cfg.Index.Names = strings.Split(v, ",")
	}
	if v := os.Getenv("SP_REPLICATION_MASTER_URL"); v != "" {
		cfg.Replication.MasterURL = v
	}
	if v := os.Getenv("SP_REPLICATION_MASTER_INDEX"); v != "" {
		cfg.Replication.MasterIndex = v
	}
	if v := os.Getenv("SP_REPLICATION_SESSION_MAX_IDLE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Replication.SessionMaxIdle = d
		}
	}
	if v := os.Getenv("SP_REPLICATION_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Replication.PollInterval = d
		}
	}
	if v := os.Getenv("SP_BACKUP_ROOT"); v != "" {
		cfg.Backup.Root = v
	}
	if v := os.Getenv("SP_OBJECT_STORE_ENDPOINT"); v != "" {
		cfg.ObjectStore.Endpoint = v
	}
	if v := os.Getenv("SP_OBJECT_STORE_ACCESS_KEY"); v != "" {
		cfg.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("SP_OBJECT_STORE_SECRET_KEY"); v != "" {
		cfg.ObjectStore.SecretKey = v
	}
	if v := os.Getenv("SP_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("SP_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
