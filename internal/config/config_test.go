package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DRAFTSYNC_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UndoCapacity != 50 || cfg.CheckpointKeep != 10 || cfg.SessionTTL != time.Hour {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadOverlaysFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "draftsync.yaml")
	body := []byte("artifact_backend: git\nrepos_dir: /srv/repos\nsession_ttl: 90m\nundo_capacity: 20\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DRAFTSYNC_CONFIG", path)
	t.Setenv("DRAFTSYNC_UNDO_CAPACITY", "30")
	t.Setenv("DRAFTSYNC_COMMIT_TIMEOUT", "45")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ArtifactBackend != "git" || cfg.ReposDir != "/srv/repos" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.SessionTTL != 90*time.Minute {
		t.Fatalf("SessionTTL = %s", cfg.SessionTTL)
	}
	if cfg.UndoCapacity != 30 {
		t.Fatalf("env should win over file, got %d", cfg.UndoCapacity)
	}
	if cfg.CommitTimeout != 45*time.Second {
		t.Fatalf("CommitTimeout = %s", cfg.CommitTimeout)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.ArtifactBackend = "s3"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown backend should fail")
	}
	cfg = Default()
	cfg.SessionHardCap = time.Minute
	if err := cfg.Validate(); err == nil {
		t.Fatal("hard cap below ttl should fail")
	}
}
