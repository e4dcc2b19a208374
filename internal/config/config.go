package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr       string `yaml:"addr"`
	CORSOrigin string `yaml:"cors_origin"`
	SyncToken  string `yaml:"sync_token"`
	// Redis holds live sessions and relays broadcasts between instances.
	// Empty runs single-node on the in-memory store.
	RedisURL       string `yaml:"redis_url"`
	RedisKeyPrefix string `yaml:"redis_key_prefix"`
	// ArtifactBackend is "sql" or "git".
	ArtifactBackend string `yaml:"artifact_backend"`
	DatabaseURL     string `yaml:"database_url"`
	ReposDir        string `yaml:"repos_dir"`
	// MinIO mirrors checkpoints; disabled when endpoint is empty.
	MinioEndpoint  string `yaml:"minio_endpoint"`
	MinioAccessKey string `yaml:"minio_access_key"`
	MinioSecretKey string `yaml:"minio_secret_key"`
	MinioBucket    string `yaml:"minio_bucket"`
	MinioUseSSL    bool   `yaml:"minio_use_ssl"`
	// Meilisearch; disabled when URL is empty.
	MeiliURL       string `yaml:"meili_url"`
	MeiliMasterKey string `yaml:"meili_master_key"`

	SessionTTL         time.Duration `yaml:"session_ttl"`
	SessionHardCap     time.Duration `yaml:"session_hard_cap"`
	TombstoneGrace     time.Duration `yaml:"tombstone_grace"`
	UndoCapacity       int           `yaml:"undo_capacity"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	CheckpointEvery    int           `yaml:"checkpoint_every"`
	CheckpointKeep     int           `yaml:"checkpoint_retention"`
	CommitTimeout      time.Duration `yaml:"commit_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	IdleAfter          time.Duration `yaml:"idle_after"`
	BroadcastBuffer    int           `yaml:"broadcast_buffer"`
	ClientRate         float64       `yaml:"client_rate"`
	ClientBurst        int           `yaml:"client_burst"`
}

func Default() Config {
	return Config{
		Addr:               ":8787",
		CORSOrigin:         "*",
		SyncToken:          "draftsync-sync-token",
		RedisURL:           "redis://localhost:6379/0",
		RedisKeyPrefix:     "draftsync:",
		ArtifactBackend:    "sql",
		DatabaseURL:        "sqlite:./data/draftsync.db",
		ReposDir:           "./data/repos",
		MinioBucket:        "draftsync-checkpoints",
		SessionTTL:         time.Hour,
		SessionHardCap:     24 * time.Hour,
		TombstoneGrace:     time.Hour,
		UndoCapacity:       50,
		CheckpointInterval: 30 * time.Second,
		CheckpointEvery:    25,
		CheckpointKeep:     10,
		CommitTimeout:      30 * time.Second,
		SweepInterval:      15 * time.Second,
		IdleAfter:          5 * time.Minute,
		BroadcastBuffer:    64,
		ClientRate:         20,
		ClientBurst:        40,
	}
}

// Load starts from defaults, applies the YAML file named by DRAFTSYNC_CONFIG
// when set, then environment variables.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("DRAFTSYNC_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.overlayEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() {
	c.Addr = getenv("API_ADDR", c.Addr)
	c.CORSOrigin = getenv("DRAFTSYNC_CORS_ORIGIN", c.CORSOrigin)
	c.SyncToken = getenv("DRAFTSYNC_SYNC_TOKEN", c.SyncToken)
	c.RedisURL = getenv("REDIS_URL", c.RedisURL)
	c.RedisKeyPrefix = getenv("DRAFTSYNC_REDIS_PREFIX", c.RedisKeyPrefix)
	c.ArtifactBackend = getenv("DRAFTSYNC_ARTIFACT_BACKEND", c.ArtifactBackend)
	c.DatabaseURL = getenv("DATABASE_URL", c.DatabaseURL)
	c.ReposDir = getenv("DRAFTSYNC_REPOS_DIR", c.ReposDir)
	c.MinioEndpoint = getenv("MINIO_ENDPOINT", c.MinioEndpoint)
	c.MinioAccessKey = getenv("MINIO_ACCESS_KEY", c.MinioAccessKey)
	c.MinioSecretKey = getenv("MINIO_SECRET_KEY", c.MinioSecretKey)
	c.MinioBucket = getenv("MINIO_BUCKET", c.MinioBucket)
	c.MinioUseSSL = getenvBool("MINIO_USE_SSL", c.MinioUseSSL)
	c.MeiliURL = getenv("MEILI_URL", c.MeiliURL)
	c.MeiliMasterKey = getenv("MEILI_MASTER_KEY", c.MeiliMasterKey)
	c.SessionTTL = getenvDuration("DRAFTSYNC_SESSION_TTL", c.SessionTTL)
	c.SessionHardCap = getenvDuration("DRAFTSYNC_SESSION_HARD_CAP", c.SessionHardCap)
	c.TombstoneGrace = getenvDuration("DRAFTSYNC_TOMBSTONE_GRACE", c.TombstoneGrace)
	c.UndoCapacity = getenvInt("DRAFTSYNC_UNDO_CAPACITY", c.UndoCapacity)
	c.CheckpointInterval = getenvDuration("DRAFTSYNC_CHECKPOINT_INTERVAL", c.CheckpointInterval)
	c.CheckpointEvery = getenvInt("DRAFTSYNC_CHECKPOINT_EVERY", c.CheckpointEvery)
	c.CheckpointKeep = getenvInt("DRAFTSYNC_CHECKPOINT_RETENTION", c.CheckpointKeep)
	c.CommitTimeout = getenvDuration("DRAFTSYNC_COMMIT_TIMEOUT", c.CommitTimeout)
	c.SweepInterval = getenvDuration("DRAFTSYNC_SWEEP_INTERVAL", c.SweepInterval)
	c.IdleAfter = getenvDuration("DRAFTSYNC_IDLE_AFTER", c.IdleAfter)
	c.BroadcastBuffer = getenvInt("DRAFTSYNC_BROADCAST_BUFFER", c.BroadcastBuffer)
	c.ClientRate = getenvFloat("DRAFTSYNC_CLIENT_RATE", c.ClientRate)
	c.ClientBurst = getenvInt("DRAFTSYNC_CLIENT_BURST", c.ClientBurst)
}

func (c Config) Validate() error {
	switch c.ArtifactBackend {
	case "sql", "git":
	default:
		return fmt.Errorf("artifact backend must be sql or git, got %q", c.ArtifactBackend)
	}
	if c.ArtifactBackend == "sql" && c.DatabaseURL == "" {
		return fmt.Errorf("database url is required for the sql artifact backend")
	}
	if c.ArtifactBackend == "git" && c.ReposDir == "" {
		return fmt.Errorf("repos dir is required for the git artifact backend")
	}
	if c.SessionTTL <= 0 || c.SessionHardCap < c.SessionTTL {
		return fmt.Errorf("session ttl must be positive and not exceed the hard cap")
	}
	if c.UndoCapacity <= 0 {
		return fmt.Errorf("undo capacity must be positive")
	}
	return nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvDuration accepts Go durations ("90s") or plain seconds.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}
