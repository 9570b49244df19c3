// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// hotplug-agent resolves hotplugged devices inside a guest VM: it reads
// the expected devices from a TOML file, waits for the kernel to
// announce them, and patches the resolved guest paths into an OCI
// container configuration.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/vmdevices/hotplug/pkg/device/api"
	"github.com/vmdevices/hotplug/pkg/guest"
	"github.com/vmdevices/hotplug/pkg/uevent"
)

var agentLog = logrus.WithField("name", "hotplug-agent")

func main() {
	app := cli.NewApp()
	app.Name = "hotplug-agent"
	app.Usage = "guest-side device resolution for VM-isolated containers"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "agent configuration file (TOML)",
			Value: "/etc/hotplug-agent.toml",
		},
		cli.StringFlag{
			Name:  "oci-spec",
			Usage: "OCI runtime config to patch with resolved device paths",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "override the configured log level",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		agentLog.WithError(err).Error("agent failed")
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	cfg, err := loadConfig(cliCtx.String("config"))
	if err != nil {
		return err
	}

	levelName := cfg.LogLevel
	if override := cliCtx.String("log-level"); override != "" {
		levelName = override
	}
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return errors.Wrapf(err, "bad log level %q", levelName)
	}
	logrus.SetLevel(level)

	api.SetLogger(agentLog)
	uevent.SetLogger(agentLog)
	guest.SetLogger(agentLog)

	source, err := uevent.NewHandler()
	if err != nil {
		return errors.Wrap(err, "opening kernel uevent stream")
	}
	bus := uevent.NewBus(source)
	defer bus.Close()

	// teardown on SIGTERM/SIGINT wakes every pending resolution
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	devices := cfg.deviceSpecs()
	if len(devices) == 0 {
		agentLog.Info("no devices configured, nothing to resolve")
		return nil
	}

	ociSpec, specPath, err := loadOCISpec(cliCtx.String("oci-spec"))
	if err != nil {
		return err
	}

	registry := guest.NewHandlerRegistry()
	devCtx := &guest.Context{
		Bus:            bus,
		ResolveTimeout: cfg.resolveTimeout(),
	}

	agentLog.WithField("devices", len(devices)).Info("resolving devices")

	if err := registry.ResolveDevices(ctx, devices, ociSpec, devCtx); err != nil {
		return errors.Wrap(err, "resolving devices")
	}

	if specPath != "" {
		if err := writeOCISpec(specPath, ociSpec); err != nil {
			return err
		}
		agentLog.WithField("path", specPath).Info("container spec updated")
	}

	return nil
}

// loadOCISpec reads the container configuration to patch. Without one,
// resolution still runs against an empty spec so failures surface.
func loadOCISpec(path string) (*specs.Spec, string, error) {
	if path == "" {
		return &specs.Spec{}, "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", errors.Wrapf(err, "reading OCI spec %s", path)
	}

	var ociSpec specs.Spec
	if err := json.Unmarshal(data, &ociSpec); err != nil {
		return nil, "", errors.Wrapf(err, "parsing OCI spec %s", path)
	}
	return &ociSpec, path, nil
}

func writeOCISpec(path string, ociSpec *specs.Spec) error {
	data, err := json.MarshalIndent(ociSpec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding OCI spec")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing OCI spec %s", path)
	}
	return nil
}
