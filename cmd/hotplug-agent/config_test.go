// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vmdevices/hotplug/pkg/device/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.toml")
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"
resolve_timeout_secs = 10

[[device]]
id = "vol-1"
driver = "nvdimm"
vm_path = "/dev/pmem0"
container_path = "/dev/pmem-vol"
read_only = true

[[device]]
id = "blk-1"
driver = "blk"
bus_address = "02"
container_path = "/dev/xvda"

[device.options]
fstype = "ext4"
`)

	cfg, err := loadConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.resolveTimeout())

	devices := cfg.deviceSpecs()
	assert.Len(t, devices, 2)
	assert.Equal(t, config.DriverNvdimm, devices[0].DriverType)
	assert.True(t, devices[0].ReadOnly)
	assert.Equal(t, "02", devices[1].BusAddress)
	assert.Equal(t, "ext4", devices[1].Options["fstype"])
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, ``)

	cfg, err := loadConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, time.Duration(defaultResolveTimeoutSecs)*time.Second, cfg.resolveTimeout())
	assert.Empty(t, cfg.deviceSpecs())
}

func TestLoadConfigInvalid(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	path := writeConfig(t, `
[[device]]
id = "no-driver"
`)
	_, err = loadConfig(path)
	assert.Error(t, err)
}
