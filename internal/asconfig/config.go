// Package asconfig holds the engine's ambient configuration, structured
// the way the teacher's internal/kernel.Config is: grouped sub-sections,
// env-var driven with a DefaultConfig, optionally layered under a YAML
// policy-bundle manifest (SPEC_FULL.md section 10.3/11).
package asconfig

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type PolicyConfig struct {
	// SourcePath is the policy file to load at startup and on /reload.
	SourcePath string
	// UseClientIP mirrors SPEC_FULL.md section 6's process-wide toggle.
	UseClientIP bool
	// ReloadInterval, if nonzero, polls SourcePath for mtime changes and
	// reloads automatically.
	ReloadInterval time.Duration
}

type AuditConfig struct {
	NATSURL       string
	DgraphAddress string
	BufferSize    int
}

type CacheConfig struct {
	RedisAddress string
	L1MaxCost    int64
	TTL          time.Duration
}

type ServerConfig struct {
	HTTPAddr string
	GRPCAddr string
	// JWTSecret gates the admin HTTP /reload route. Empty disables auth, which
	// is only acceptable for local development.
	JWTSecret string
}

type Config struct {
	Policy PolicyConfig
	Audit  AuditConfig
	Cache  CacheConfig
	Server ServerConfig

	Development bool
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

// DefaultConfig returns the process's configuration built from
// environment variables, following the teacher's getEnv(key, default)
// convention throughout internal/kernel and cmd/kernel/main.go.
func DefaultConfig() Config {
	return Config{
		Policy: PolicyConfig{
			SourcePath:     getEnv("ACCESSD_POLICY_FILE", "policy.conf"),
			UseClientIP:    getEnvBool("ACCESSD_USE_CLIENT_IP", false),
			ReloadInterval: getEnvDuration("ACCESSD_RELOAD_INTERVAL", 0),
		},
		Audit: AuditConfig{
			NATSURL:       getEnv("ACCESSD_NATS_URL", "nats://localhost:4222"),
			DgraphAddress: getEnv("ACCESSD_DGRAPH_ADDR", "localhost:9080"),
			BufferSize:    int(getEnvInt64("ACCESSD_AUDIT_BUFFER", 1000)),
		},
		Cache: CacheConfig{
			RedisAddress: getEnv("ACCESSD_REDIS_ADDR", "localhost:6379"),
			L1MaxCost:    getEnvInt64("ACCESSD_CACHE_L1_COST", 10000),
			TTL:          getEnvDuration("ACCESSD_CACHE_TTL", 5*time.Minute),
		},
		Server: ServerConfig{
			HTTPAddr:  getEnv("ACCESSD_HTTP_ADDR", ":8180"),
			GRPCAddr:  getEnv("ACCESSD_GRPC_ADDR", ":8181"),
			JWTSecret: getEnv("ACCESSD_JWT_SECRET", ""),
		},
		Development: getEnvBool("ACCESSD_DEV", false),
	}
}

// Manifest is the optional YAML policy-bundle manifest layered under the
// env-var config, naming the source file, the useClientIP toggle, and a
// reload interval (SPEC_FULL.md section 11).
type Manifest struct {
	SourcePath     string        `yaml:"source_path"`
	UseClientIP    bool          `yaml:"use_client_ip"`
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

// LoadManifest parses a YAML manifest and applies it over cfg.Policy.
func LoadManifest(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return err
	}
	if m.SourcePath != "" {
		cfg.Policy.SourcePath = m.SourcePath
	}
	cfg.Policy.UseClientIP = m.UseClientIP
	if m.ReloadInterval != 0 {
		cfg.Policy.ReloadInterval = m.ReloadInterval
	}
	return nil
}
