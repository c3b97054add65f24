// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  worker_pool_size: 8
  expiry_interval: 5s
log:
  level: debug
storage:
  type: memory
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Engine.WorkerPoolSize)
	assert.Equal(t, 5*time.Second, cfg.Engine.ExpiryInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.Storage.Type)
	// Untouched values keep their defaults.
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o644))

	t.Setenv("TRANMQ_LOG_LEVEL", "error")
	t.Setenv("TRANMQ_WORKER_POOL_SIZE", "16")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, 16, cfg.Engine.WorkerPoolSize)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Storage.Type = "postgres"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Storage.BadgerDir = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Engine.WorkerPoolSize = 0
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Log.Level = "debug"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
