// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestLoadAppliesDefaultsForUnsetTunables(t *testing.T) {
	path := writeConfig(t, `{
		"gateway": {"comm_host": "127.0.0.1", "comm_port": 59990, "ad_listen_port": 59991, "ad_respond_port": 59992},
		"nats": {"server": "nats://localhost:4222", "external_publish_server": "nats://up:4222", "external_mesh_topic": "mesh.samples"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.DAQ.Compression.BatchOn)
	assert.Equal(t, 60.0, cfg.DAQ.Compression.BatchAt)
	assert.Equal(t, 0.01, cfg.DAQ.ThrottleDelay)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.CommHost)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"gateway": {"comm_host": "0.0.0.0", "comm_port": 59990, "ad_listen_port": 59991, "ad_respond_port": 59992},
		"nats": {"server": "nats://localhost:4222", "external_publish_server": "nats://up:4222", "external_mesh_topic": "mesh.samples"},
		"daq": {"compression": {"batch_on": 4, "batch_at": 0.5}}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.DAQ.Compression.BatchOn)
	assert.Equal(t, 0.5, cfg.DAQ.Compression.BatchAt)
}

func TestLoadRejectsMissingRequiredSection(t *testing.T) {
	path := writeConfig(t, `{
		"gateway": {"comm_host": "0.0.0.0", "comm_port": 59990, "ad_listen_port": 59991, "ad_respond_port": 59992}
	}`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsWrongTypes(t *testing.T) {
	path := writeConfig(t, `{
		"gateway": {"comm_host": "0.0.0.0", "comm_port": "not-a-port", "ad_listen_port": 59991, "ad_respond_port": 59992},
		"nats": {"server": "nats://localhost:4222", "external_publish_server": "nats://up:4222", "external_mesh_topic": "mesh.samples"}
	}`)

	_, err := Load(path)
	assert.Error(t, err)
}
