// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/vmdevices/hotplug/pkg/device/config"
)

const defaultResolveTimeoutSecs = 3

// agentConfig is the daemon's TOML configuration: resolution settings
// plus the devices expected to arrive.
type agentConfig struct {
	LogLevel           string `toml:"log_level"`
	ResolveTimeoutSecs int    `toml:"resolve_timeout_secs"`

	Devices []deviceEntry `toml:"device"`
}

// deviceEntry is one expected device in the configuration file.
type deviceEntry struct {
	ID            string            `toml:"id"`
	Driver        string            `toml:"driver"`
	BusAddress    string            `toml:"bus_address"`
	VMPath        string            `toml:"vm_path"`
	ContainerPath string            `toml:"container_path"`
	ReadOnly      bool              `toml:"read_only"`
	Options       map[string]string `toml:"options"`
}

func loadConfig(path string) (*agentConfig, error) {
	cfg := &agentConfig{
		LogLevel:           "info",
		ResolveTimeoutSecs: defaultResolveTimeoutSecs,
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "loading configuration %s", path)
	}

	for _, d := range cfg.Devices {
		if d.ID == "" || d.Driver == "" {
			return nil, errors.Errorf("device entry needs both id and driver in %s", path)
		}
	}

	return cfg, nil
}

func (cfg *agentConfig) resolveTimeout() time.Duration {
	return time.Duration(cfg.ResolveTimeoutSecs) * time.Second
}

func (cfg *agentConfig) deviceSpecs() []*config.DeviceSpec {
	specs := make([]*config.DeviceSpec, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		specs = append(specs, &config.DeviceSpec{
			ID:            d.ID,
			DriverType:    d.Driver,
			BusAddress:    d.BusAddress,
			VMPath:        d.VMPath,
			ContainerPath: d.ContainerPath,
			ReadOnly:      d.ReadOnly,
			Options:       d.Options,
		})
	}
	return specs
}
