// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the JSON configuration file shared by
// the gateway, pipeline, and supervisor.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/solarmesh/daq/pkg/log"
)

// Gateway holds the bind addresses for the TCP monitor link and the UDP
// autodiscovery channel.
type Gateway struct {
	CommHost      string `json:"comm_host"`
	CommPort      int    `json:"comm_port"`
	AdListenPort  int    `json:"ad_listen_port"`
	AdRespondPort int    `json:"ad_respond_port"`
}

// NATS holds the internal bus and external egress bus connection settings.
type NATS struct {
	Server                 string `json:"server"`
	ExternalPublishServer  string `json:"external_publish_server"`
	ExternalMeshTopic      string `json:"external_mesh_topic"`
	CommandTopic           string `json:"command_topic"`
	ResponseTopic          string `json:"response_topic"`
}

// Compression holds the batch/compress stage's size and time thresholds.
type Compression struct {
	BatchOn int     `json:"batch_on"`
	BatchAt float64 `json:"batch_at"`
}

// DAQ holds pipeline-wide tunables.
type DAQ struct {
	ThrottleDelay     float64     `json:"throttle_delay"`
	Compression       Compression `json:"compression"`
	BackpressureQsize int         `json:"backpressure_qsize"`
	ScratchDir        string      `json:"scratch_dir"`
}

// Emulator holds pacing knobs for the out-of-core device simulator; the
// core never reads these itself, but recognizes the keys so a shared
// config file validates cleanly.
type Emulator struct {
	PanelDelay float64 `json:"panel_delay"`
	CycleDelay float64 `json:"cycle_delay"`
}

// Admin holds the diagnostics HTTP surface's bind address.
type Admin struct {
	ListenAddress string `json:"listen_address"`
	GopsEnabled   bool   `json:"gops_enabled"`
}

// Log holds the pkg/log verbosity and timestamp settings, kept in the
// config file so one document governs every process in the pipeline.
type Log struct {
	Level    string `json:"level"`
	DateTime bool   `json:"date_time"`
}

// Config is the top-level configuration document.
type Config struct {
	Gateway  Gateway  `json:"gateway"`
	NATS     NATS     `json:"nats"`
	DAQ      DAQ      `json:"daq"`
	Emulator Emulator `json:"emulator"`
	Admin    Admin    `json:"admin"`
	Log      Log      `json:"log"`
}

const schemaDoc = `{
    "type": "object",
    "description": "Configuration for the mesh telemetry ingestion pipeline.",
    "properties": {
        "gateway": {
            "type": "object",
            "description": "TCP/UDP bind settings for the monitor-facing gateway.",
            "properties": {
                "comm_host": {"type": "string", "description": "TCP+UDP bind host."},
                "comm_port": {"type": "integer", "description": "TCP listen port for monitors."},
                "ad_listen_port": {"type": "integer", "description": "UDP listen port for MARCO."},
                "ad_respond_port": {"type": "integer", "description": "UDP response port for POLO."}
            },
            "required": ["comm_host", "comm_port", "ad_listen_port", "ad_respond_port"]
        },
        "nats": {
            "type": "object",
            "description": "Internal bus and external egress bus settings.",
            "properties": {
                "server": {"type": "string", "description": "Internal bus URL."},
                "external_publish_server": {"type": "string", "description": "Egress bus URL."},
                "external_mesh_topic": {"type": "string", "description": "Egress subject."},
                "command_topic": {"type": "string"},
                "response_topic": {"type": "string"}
            },
            "required": ["server", "external_publish_server", "external_mesh_topic"]
        },
        "daq": {
            "type": "object",
            "description": "Pipeline-wide tunables.",
            "properties": {
                "throttle_delay": {"type": "number", "description": "Per-publish delay in seconds; default 0.01."},
                "compression": {
                    "type": "object",
                    "properties": {
                        "batch_on": {"type": "integer", "description": "Max records per batch; default 500."},
                        "batch_at": {"type": "number", "description": "Max seconds per batch; default 60."}
                    }
                },
                "backpressure_qsize": {"type": "integer", "description": "Gateway-to-router frame queue capacity (this value plus one); no warning is logged when the queue fills."},
                "scratch_dir": {"type": "string", "description": "Directory swept for transient temp artifacts on shutdown."}
            }
        },
        "emulator": {
            "type": "object",
            "description": "Pacing knobs for the out-of-core device simulator.",
            "properties": {
                "panel_delay": {"type": "number"},
                "cycle_delay": {"type": "number"}
            }
        },
        "admin": {
            "type": "object",
            "description": "Diagnostics HTTP surface.",
            "properties": {
                "listen_address": {"type": "string"},
                "gops_enabled": {"type": "boolean"}
            }
        },
        "log": {
            "type": "object",
            "description": "Logging verbosity and timestamp settings.",
            "properties": {
                "level": {"type": "string", "description": "One of debug, info, warn, err/fatal; default info."},
                "date_time": {"type": "boolean", "description": "Prefix log lines with a timestamp; default false."}
            }
        }
    },
    "required": ["gateway", "nats"]
}`

// Validate checks instance against the configuration schema, fatally on
// malformed documents: a bad config is a ConfigMissing-class startup error,
// not something the caller should try to run with.
func Validate(instance json.RawMessage) error {
	sch, err := jsonschema.CompileString("config.schema.json", schemaDoc)
	if err != nil {
		return fmt.Errorf("config: schema compile: %w", err)
	}

	var v any
	if err := json.Unmarshal(instance, &v); err != nil {
		return fmt.Errorf("config: invalid JSON: %w", err)
	}

	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Load reads, validates, and unmarshals the config document at path,
// applying defaults for the optional tunables.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := Validate(raw); err != nil {
		return nil, err
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	log.Infof("config: loaded %s", path)
	return cfg, nil
}

// Default returns a Config with the documented tunable defaults applied;
// callers unmarshal over it so unset JSON keys keep their default.
func Default() *Config {
	return &Config{
		DAQ: DAQ{
			ThrottleDelay: 0.01,
			Compression: Compression{
				BatchOn: 500,
				BatchAt: 60,
			},
		},
		Log: Log{
			Level: "info",
		},
	}
}
