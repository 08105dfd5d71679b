package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Config holds all configuration
type Config struct {
	MySQL            MySQLConfig
	Redis            RedisConfig
	JWT              JWTConfig
	Migrate          bool
	HTTPAddr         string
	MTLS             MTLSConfig
	Log              LogConfig
	Engine           EngineConfig
	Selector         SelectorConfig
	Lifecycle        LifecycleConfig
	Recovery         RecoveryConfig
	NodeCleanup      NodeCleanupConfig
	NodeHealthWorker NodeHealthWorkerConfig
	Provider         ProviderConfig
	Chat             ChatConfig
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT configuration. CallbackTTLMinutes bounds workspace
// callback tokens handed to nodes.
type JWTConfig struct {
	Secret             string
	Issuer             string
	CallbackTTLMinutes int
}

// MTLSConfig holds mTLS configuration for node agent calls
type MTLSConfig struct {
	Enabled    bool
	ClientCert string
	ClientKey  string
	CACert     string
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// EngineConfig holds task execution engine configuration
type EngineConfig struct {
	Concurrency               int
	QueueKey                  string
	ProvisionTimeoutSec       int
	NodeAgentReadyTimeoutSec  int
	WorkspaceCreateTimeoutSec int
	WorkspaceReadyTimeoutSec  int
	AgentSessionTimeoutSec    int
	MaxNodesPerUser           int
	DefaultVMSize             string
	DefaultLocation           string
}

// SelectorConfig holds node selection configuration
type SelectorConfig struct {
	MaxWorkspacesPerNode int
	CPUThresholdPercent  float64
	MemThresholdPercent  float64
}

// LifecycleConfig holds warm pool configuration
type LifecycleConfig struct {
	WarmTimeoutSec int
}

// RecoveryConfig holds stuck task recovery configuration
type RecoveryConfig struct {
	Enabled                bool
	IntervalSec            int
	QueuedTimeoutSec       int
	DelegatedTimeoutSec    int
	MaxExecutionTimeoutSec int
}

// NodeCleanupConfig holds node cleanup sweep configuration
type NodeCleanupConfig struct {
	Enabled                bool
	IntervalSec            int
	WarmGracePeriodSec     int
	MaxAutoNodeLifetimeSec int
}

// NodeHealthWorkerConfig holds node health worker configuration
type NodeHealthWorkerConfig struct {
	Enabled              bool
	IntervalSec          int
	TimeoutSec           int
	Concurrency          int
	OfflineFailThreshold int
}

// ProviderConfig holds the node provisioning service endpoint
type ProviderConfig struct {
	BaseURL    string
	Token      string
	TimeoutSec int
}

// ChatConfig holds the chat session service endpoint
type ChatConfig struct {
	BaseURL    string
	TimeoutSec int
}

// Seconds converts a *Sec config value to a duration
func Seconds(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	return build(func(envKey, _, _, defaultValue string) string {
		return getEnv(envKey, defaultValue)
	})
}

// LoadFromINI loads configuration from INI file with environment variable override
func LoadFromINI(iniPath string) (*Config, error) {
	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}

	// Priority: ENV > INI > default
	return build(func(envKey, iniSection, iniKey, defaultValue string) string {
		if value := os.Getenv(envKey); value != "" {
			return value
		}
		if value := cfgFile.Section(iniSection).Key(iniKey).String(); value != "" {
			return value
		}
		return defaultValue
	})
}

type lookupFunc func(envKey, iniSection, iniKey, defaultValue string) string

func build(get lookupFunc) (*Config, error) {
	getInt := func(envKey, section, key string, defaultValue int) int {
		if value, err := strconv.Atoi(get(envKey, section, key, "")); err == nil {
			return value
		}
		return defaultValue
	}
	getFloat := func(envKey, section, key string, defaultValue float64) float64 {
		if value, err := strconv.ParseFloat(get(envKey, section, key, ""), 64); err == nil {
			return value
		}
		return defaultValue
	}
	getBool := func(envKey, section, key string, defaultValue bool) bool {
		switch get(envKey, section, key, "") {
		case "1", "true":
			return true
		case "0", "false":
			return false
		}
		return defaultValue
	}

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN:          get("MYSQL_DSN", "mysql", "dsn", ""),
			MaxOpenConns: getInt("MYSQL_MAX_OPEN_CONNS", "mysql", "max_open_conns", 50),
			MaxIdleConns: getInt("MYSQL_MAX_IDLE_CONNS", "mysql", "max_idle_conns", 10),
		},
		Redis: RedisConfig{
			Addr:     get("REDIS_ADDR", "redis", "addr", "localhost:6379"),
			Password: get("REDIS_PASS", "redis", "pass", ""),
			DB:       getInt("REDIS_DB", "redis", "db", 0),
		},
		JWT: JWTConfig{
			Secret:             get("JWT_SECRET", "jwt", "secret", ""),
			Issuer:             get("JWT_ISSUER", "jwt", "issuer", "go_orchestrator"),
			CallbackTTLMinutes: getInt("JWT_CALLBACK_TTL_MINUTES", "jwt", "callback_ttl_minutes", 1440),
		},
		Migrate:  getBool("MIGRATE", "app", "migrate", false),
		HTTPAddr: get("HTTP_ADDR", "http", "addr", ":8080"),
		MTLS: MTLSConfig{
			Enabled:    getBool("MTLS_ENABLED", "mtls", "enabled", false),
			ClientCert: get("CONTROL_CERT", "mtls", "client_cert", ""),
			ClientKey:  get("CONTROL_KEY", "mtls", "client_key", ""),
			CACert:     get("CONTROL_CA", "mtls", "ca_cert", ""),
		},
		Log: LogConfig{
			Level:      get("LOG_LEVEL", "log", "level", "info"),
			Format:     get("LOG_FORMAT", "log", "format", "text"),
			File:       get("LOG_FILE", "log", "file", ""),
			MaxSizeMB:  getInt("LOG_MAX_SIZE_MB", "log", "max_size_mb", 100),
			MaxBackups: getInt("LOG_MAX_BACKUPS", "log", "max_backups", 5),
			MaxAgeDays: getInt("LOG_MAX_AGE_DAYS", "log", "max_age_days", 14),
		},
		Engine: EngineConfig{
			Concurrency:               getInt("ENGINE_CONCURRENCY", "engine", "concurrency", 8),
			QueueKey:                  get("ENGINE_QUEUE_KEY", "engine", "queue_key", "orchestrator:task-runs"),
			ProvisionTimeoutSec:       getInt("ENGINE_PROVISION_TIMEOUT_SEC", "engine", "provision_timeout_sec", 300),
			NodeAgentReadyTimeoutSec:  getInt("ENGINE_NODE_AGENT_READY_TIMEOUT_SEC", "engine", "node_agent_ready_timeout_sec", 600),
			WorkspaceCreateTimeoutSec: getInt("ENGINE_WORKSPACE_CREATE_TIMEOUT_SEC", "engine", "workspace_create_timeout_sec", 60),
			WorkspaceReadyTimeoutSec:  getInt("ENGINE_WORKSPACE_READY_TIMEOUT_SEC", "engine", "workspace_ready_timeout_sec", 600),
			AgentSessionTimeoutSec:    getInt("ENGINE_AGENT_SESSION_TIMEOUT_SEC", "engine", "agent_session_timeout_sec", 60),
			MaxNodesPerUser:           getInt("ENGINE_MAX_NODES_PER_USER", "engine", "max_nodes_per_user", 10),
			DefaultVMSize:             get("ENGINE_DEFAULT_VM_SIZE", "engine", "default_vm_size", "medium"),
			DefaultLocation:           get("ENGINE_DEFAULT_LOCATION", "engine", "default_location", "nbg1"),
		},
		Selector: SelectorConfig{
			MaxWorkspacesPerNode: getInt("SELECTOR_MAX_WORKSPACES_PER_NODE", "selector", "max_workspaces_per_node", 5),
			CPUThresholdPercent:  getFloat("SELECTOR_CPU_THRESHOLD_PERCENT", "selector", "cpu_threshold_percent", 80),
			MemThresholdPercent:  getFloat("SELECTOR_MEM_THRESHOLD_PERCENT", "selector", "mem_threshold_percent", 80),
		},
		Lifecycle: LifecycleConfig{
			WarmTimeoutSec: getInt("NODE_WARM_TIMEOUT_SEC", "lifecycle", "warm_timeout_sec", 1800),
		},
		Recovery: RecoveryConfig{
			Enabled:                getBool("RECOVERY_ENABLED", "recovery", "enabled", true),
			IntervalSec:            getInt("RECOVERY_INTERVAL_SEC", "recovery", "interval_sec", 60),
			QueuedTimeoutSec:       getInt("RECOVERY_QUEUED_TIMEOUT_SEC", "recovery", "queued_timeout_sec", 900),
			DelegatedTimeoutSec:    getInt("RECOVERY_DELEGATED_TIMEOUT_SEC", "recovery", "delegated_timeout_sec", 1200),
			MaxExecutionTimeoutSec: getInt("RECOVERY_MAX_EXECUTION_TIMEOUT_SEC", "recovery", "max_execution_timeout_sec", 14400),
		},
		NodeCleanup: NodeCleanupConfig{
			Enabled:                getBool("NODE_CLEANUP_ENABLED", "node_cleanup", "enabled", true),
			IntervalSec:            getInt("NODE_CLEANUP_INTERVAL_SEC", "node_cleanup", "interval_sec", 300),
			WarmGracePeriodSec:     getInt("NODE_CLEANUP_WARM_GRACE_SEC", "node_cleanup", "warm_grace_sec", 300),
			MaxAutoNodeLifetimeSec: getInt("NODE_CLEANUP_MAX_AUTO_NODE_LIFETIME_SEC", "node_cleanup", "max_auto_node_lifetime_sec", 86400),
		},
		NodeHealthWorker: NodeHealthWorkerConfig{
			Enabled:              getBool("NODE_HEALTH_WORKER_ENABLED", "node_health", "enabled", true),
			IntervalSec:          getInt("NODE_HEALTH_WORKER_INTERVAL_SEC", "node_health", "interval_sec", 30),
			TimeoutSec:           getInt("NODE_HEALTH_WORKER_TIMEOUT_SEC", "node_health", "timeout_sec", 5),
			Concurrency:          getInt("NODE_HEALTH_WORKER_CONCURRENCY", "node_health", "concurrency", 10),
			OfflineFailThreshold: getInt("NODE_HEALTH_WORKER_OFFLINE_THRESHOLD", "node_health", "offline_fail_threshold", 3),
		},
		Provider: ProviderConfig{
			BaseURL:    get("PROVIDER_BASE_URL", "provider", "base_url", ""),
			Token:      get("PROVIDER_TOKEN", "provider", "token", ""),
			TimeoutSec: getInt("PROVIDER_TIMEOUT_SEC", "provider", "timeout_sec", 60),
		},
		Chat: ChatConfig{
			BaseURL:    get("CHAT_BASE_URL", "chat", "base_url", ""),
			TimeoutSec: getInt("CHAT_TIMEOUT_SEC", "chat", "timeout_sec", 10),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields
func (c *Config) Validate() error {
	if c.MySQL.DSN == "" {
		return fmt.Errorf("MYSQL_DSN is required")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Engine.Concurrency < 1 {
		return fmt.Errorf("ENGINE_CONCURRENCY must be >= 1")
	}
	return nil
}

// CleanupOrderingWarnings reports node cleanup thresholds that break the
// intended ordering warm timeout < warm timeout + grace < max auto-node
// lifetime. The thresholds stay independent; callers only log these.
func (c *Config) CleanupOrderingWarnings() []string {
	var warnings []string
	warm := c.Lifecycle.WarmTimeoutSec
	grace := c.NodeCleanup.WarmGracePeriodSec
	maxLife := c.NodeCleanup.MaxAutoNodeLifetimeSec
	if grace <= 0 {
		warnings = append(warnings, "node cleanup warm grace period is not positive; the sweep may race the per-node alarm")
	}
	if maxLife > 0 && warm+grace >= maxLife {
		warnings = append(warnings, fmt.Sprintf("max auto-node lifetime (%ds) does not exceed warm timeout + grace (%ds)", maxLife, warm+grace))
	}
	return warnings
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
