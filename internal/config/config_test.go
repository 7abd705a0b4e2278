package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.VFS.Name != "ssb_vfs" {
		t.Errorf("Expected VFS name ssb_vfs, got %s", cfg.VFS.Name)
	}
	if cfg.VFS.Alias != "buckets" {
		t.Errorf("Expected alias buckets, got %s", cfg.VFS.Alias)
	}
	if cfg.Cache.Directory != "./cache" {
		t.Errorf("Expected cache dir ./cache, got %s", cfg.Cache.Directory)
	}
	if got := cfg.BlockSizeBytes(); got != 2*1024*1024 {
		t.Errorf("Expected 2 MiB block size, got %d", got)
	}
	if cfg.Storage.Module != ModuleGoogle {
		t.Errorf("Expected google module, got %s", cfg.Storage.Module)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Configuration)
		wantErr bool
		errMsg  string
	}{
		{name: "valid config", mutate: func(*Configuration) {}},
		{
			name:    "block size not a power of two",
			mutate:  func(c *Configuration) { c.VFS.BlockSize = "5000k" },
			wantErr: true,
			errMsg:  "power of two",
		},
		{
			name:    "block size too small",
			mutate:  func(c *Configuration) { c.VFS.BlockSize = "256" },
			wantErr: true,
			errMsg:  "power of two",
		},
		{
			name:    "alias with slash",
			mutate:  func(c *Configuration) { c.VFS.Alias = "a/b" },
			wantErr: true,
			errMsg:  "vfs.alias",
		},
		{
			name:    "unknown module",
			mutate:  func(c *Configuration) { c.Storage.Module = "ftp" },
			wantErr: true,
			errMsg:  "invalid storage.module",
		},
		{
			name:    "local module without root",
			mutate:  func(c *Configuration) { c.Storage.Module = ModuleLocal },
			wantErr: true,
			errMsg:  "local_root",
		},
		{
			name:    "negative breaker threshold",
			mutate:  func(c *Configuration) { c.Network.Breaker.Failures = -1 },
			wantErr: true,
			errMsg:  "network.breaker.failures",
		},
		{
			name:    "unknown compression",
			mutate:  func(c *Configuration) { c.Storage.Compression = "lz4" },
			wantErr: true,
			errMsg:  "compression",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Configuration) { c.Global.LogLevel = "LOUD" },
			wantErr: true,
			errMsg:  "invalid log_level",
		},
		{
			name:    "zero cache",
			mutate:  func(c *Configuration) { c.Cache.MaxSize = "0" },
			wantErr: true,
			errMsg:  "cache.max_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want error containing %v", err, tt.errMsg)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
global:
  verbosity: 2
vfs:
  name: test_vfs
  block_size: 64k
storage:
  module: s3
  s3:
    region: eu-west-1
    endpoint: http://localhost:9000
    force_path_style: true
network:
  retry:
    max_attempts: 2
    base_delay: 10ms
`
	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.VFS.Name != "test_vfs" {
		t.Errorf("Expected name test_vfs, got %s", cfg.VFS.Name)
	}
	if cfg.BlockSizeBytes() != 64*1024 {
		t.Errorf("Expected 64k block size, got %d", cfg.BlockSizeBytes())
	}
	if !cfg.Storage.S3.ForcePathStyle || cfg.Storage.S3.Region != "eu-west-1" {
		t.Errorf("S3 settings not loaded: %+v", cfg.Storage.S3)
	}
	if cfg.Network.Retry.BaseDelay != 10*time.Millisecond {
		t.Errorf("Expected base delay 10ms, got %v", cfg.Network.Retry.BaseDelay)
	}
	// untouched sections keep defaults
	if cfg.VFS.Alias != "buckets" {
		t.Errorf("Expected default alias to survive, got %s", cfg.VFS.Alias)
	}
}

func TestLoadFromFileNonExistent(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error when loading non-existent config file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SQ_VFS_NAME", "env_vfs")
	t.Setenv("SQ_CACHE_DIR", "/tmp/env-cache")
	t.Setenv("SQ_DB_BUCKET", "mybucket/dbs")
	t.Setenv("SQ_CONTAINER_ALIAS", "remote")
	t.Setenv("SQ_VERBOSITY", "2")
	t.Setenv("CS_KEY", "token-123")
	t.Setenv("CS_ACCOUNT", "project-7")
	t.Setenv("BLOCKVFS_MODULE", "s3")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.VFS.Name != "env_vfs" || cfg.VFS.Alias != "remote" || cfg.VFS.Bucket != "mybucket/dbs" {
		t.Errorf("VFS env not applied: %+v", cfg.VFS)
	}
	if cfg.Cache.Directory != "/tmp/env-cache" {
		t.Errorf("Expected cache dir from env, got %s", cfg.Cache.Directory)
	}
	if cfg.Global.Verbosity != 2 {
		t.Errorf("Expected verbosity 2, got %d", cfg.Global.Verbosity)
	}
	if cfg.Credentials.Token != "token-123" || cfg.Credentials.Account != "project-7" {
		t.Errorf("credentials not applied: %+v", cfg.Credentials)
	}
	if cfg.Storage.Module != ModuleS3 {
		t.Errorf("Expected s3 module, got %s", cfg.Storage.Module)
	}
	// unset variables leave defaults alone
	if cfg.VFS.BlockSize != "2048k" {
		t.Errorf("Expected default block size, got %s", cfg.VFS.BlockSize)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SQ_CACHE_DIR", filepath.Join(dir, "cache"))

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() with a missing file should fall back to defaults: %v", err)
	}
	if cfg.Cache.Directory != filepath.Join(dir, "cache") {
		t.Errorf("env override lost: %s", cfg.Cache.Directory)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("vfs:\n  block_size: 3000\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("Load() should validate")
	}
}

func TestSaveToFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := NewDefault()
	cfg.VFS.Name = "saved_vfs"
	cfg.Credentials.Token = "secret"
	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "secret") {
		t.Error("tokens must not be written to disk")
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if loaded.VFS.Name != "saved_vfs" {
		t.Errorf("Expected saved_vfs, got %s", loaded.VFS.Name)
	}
}

func TestEnvUsage(t *testing.T) {
	usage := EnvUsage()
	for _, name := range []string{"SQ_VFS_NAME", "SQ_CACHE_DIR", "CS_KEY"} {
		if !strings.Contains(usage, name) {
			t.Errorf("EnvUsage() missing %s", name)
		}
	}
}
