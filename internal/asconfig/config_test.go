package asconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigUsesBuiltInDefaultsWhenUnset(t *testing.T) {
	for _, key := range []string{
		"ACCESSD_POLICY_FILE", "ACCESSD_USE_CLIENT_IP", "ACCESSD_RELOAD_INTERVAL",
		"ACCESSD_NATS_URL", "ACCESSD_DGRAPH_ADDR", "ACCESSD_AUDIT_BUFFER",
		"ACCESSD_REDIS_ADDR", "ACCESSD_CACHE_L1_COST", "ACCESSD_CACHE_TTL",
		"ACCESSD_HTTP_ADDR", "ACCESSD_GRPC_ADDR", "ACCESSD_JWT_SECRET", "ACCESSD_DEV",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg := DefaultConfig()
	assert.Equal(t, "policy.conf", cfg.Policy.SourcePath)
	assert.False(t, cfg.Policy.UseClientIP)
	assert.Equal(t, time.Duration(0), cfg.Policy.ReloadInterval)
	assert.Equal(t, ":8180", cfg.Server.HTTPAddr)
	assert.Equal(t, ":8181", cfg.Server.GRPCAddr)
	assert.Equal(t, "", cfg.Server.JWTSecret)
	assert.Equal(t, int64(10000), cfg.Cache.L1MaxCost)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
}

func TestDefaultConfigHonorsEnvOverrides(t *testing.T) {
	t.Setenv("ACCESSD_POLICY_FILE", "/etc/accessd/policy.conf")
	t.Setenv("ACCESSD_USE_CLIENT_IP", "true")
	t.Setenv("ACCESSD_RELOAD_INTERVAL", "30s")
	t.Setenv("ACCESSD_DEV", "true")

	cfg := DefaultConfig()
	assert.Equal(t, "/etc/accessd/policy.conf", cfg.Policy.SourcePath)
	assert.True(t, cfg.Policy.UseClientIP)
	assert.Equal(t, 30*time.Second, cfg.Policy.ReloadInterval)
	assert.True(t, cfg.Development)
}

func TestDefaultConfigIgnoresUnparsableEnvValues(t *testing.T) {
	t.Setenv("ACCESSD_USE_CLIENT_IP", "not-a-bool")
	t.Setenv("ACCESSD_CACHE_L1_COST", "not-a-number")

	cfg := DefaultConfig()
	assert.False(t, cfg.Policy.UseClientIP)
	assert.Equal(t, int64(10000), cfg.Cache.L1MaxCost)
}

func TestLoadManifestOverlaysPolicyConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
source_path: /bundle/policy.conf
use_client_ip: true
reload_interval: 1m
`), 0o644))

	cfg := DefaultConfig()
	require.NoError(t, LoadManifest(path, &cfg))

	assert.Equal(t, "/bundle/policy.conf", cfg.Policy.SourcePath)
	assert.True(t, cfg.Policy.UseClientIP)
	assert.Equal(t, time.Minute, cfg.Policy.ReloadInterval)
}

func TestLoadManifestKeepsExistingReloadIntervalWhenManifestOmitsIt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
source_path: /bundle/policy.conf
`), 0o644))

	cfg := DefaultConfig()
	cfg.Policy.ReloadInterval = 10 * time.Second
	require.NoError(t, LoadManifest(path, &cfg))

	assert.Equal(t, 10*time.Second, cfg.Policy.ReloadInterval, "a zero-value reload_interval in the manifest must not clobber an existing setting")
}

func TestLoadManifestReturnsErrorForMissingFile(t *testing.T) {
	cfg := DefaultConfig()
	err := LoadManifest(filepath.Join(t.TempDir(), "nope.yaml"), &cfg)
	assert.Error(t, err)
}
