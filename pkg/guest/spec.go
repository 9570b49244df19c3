// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package guest

import (
	"context"

	"github.com/hashicorp/go-multierror"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/vmdevices/hotplug/pkg/device/config"
)

// statDevNode is swapped out in the tests.
var statDevNode = func(path string, st *unix.Stat_t) error {
	return unix.Stat(path, st)
}

// devNumbers returns the cgroup type and guest major/minor numbers of
// the device node at path.
func devNumbers(path string) (devType string, major, minor int64, err error) {
	var st unix.Stat_t
	if err := statDevNode(path, &st); err != nil {
		return "", 0, 0, errors.Wrapf(err, "stat %s", path)
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFBLK:
		devType = "b"
	case unix.S_IFCHR:
		devType = "c"
	default:
		return "", 0, 0, errors.Errorf("%s is not a device node", path)
	}

	major = int64(unix.Major(uint64(st.Rdev)))
	minor = int64(unix.Minor(uint64(st.Rdev)))
	return devType, major, minor, nil
}

// ResolveDevices runs every descriptor through the registry and splices
// the resulting updates into the container configuration. Resolution
// failures for independent devices are reported together.
func (hr *HandlerRegistry) ResolveDevices(ctx context.Context, devices []*config.DeviceSpec, ociSpec *specs.Spec, devCtx *Context) error {
	updates := make(map[string]SpecUpdate, len(devices))

	var result *multierror.Error
	for _, dev := range devices {
		update, err := hr.HandleDevice(ctx, dev, devCtx)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "device %s", dev.ID))
			continue
		}

		if _, ok := updates[update.ContainerPath]; ok {
			result = multierror.Append(result,
				errors.Errorf("conflicting device updates for %s", update.ContainerPath))
			continue
		}
		updates[update.ContainerPath] = *update
	}

	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	return UpdateSpecDevices(ociSpec, updates)
}

// UpdateSpecDevices splices resolved guest paths into the container
// configuration: mounts sourced at the container path are re-pointed at
// the resolved guest path, and a linux device entry for the container
// path takes on the guest node's type and major/minor numbers.
func UpdateSpecDevices(ociSpec *specs.Spec, updates map[string]SpecUpdate) error {
	if ociSpec == nil {
		return errors.New("no container spec to update")
	}

	for containerPath, update := range updates {
		for i := range ociSpec.Mounts {
			if ociSpec.Mounts[i].Source == containerPath && update.MountSource != "" {
				ociSpec.Mounts[i].Source = update.MountSource
			}
		}

		if ociSpec.Linux == nil {
			continue
		}

		for i := range ociSpec.Linux.Devices {
			dev := &ociSpec.Linux.Devices[i]
			if dev.Path != containerPath {
				continue
			}

			if update.MountSource == "" {
				return errors.Errorf("device entry %s resolved without a guest node", containerPath)
			}

			devType, major, minor, err := devNumbers(update.MountSource)
			if err != nil {
				return err
			}

			guestLogger.WithField("container-path", containerPath).
				WithField("guest-path", update.MountSource).
				Debug("updating container device entry")

			oldMajor, oldMinor := dev.Major, dev.Minor
			dev.Type = devType
			dev.Major = major
			dev.Minor = minor

			// keep the cgroup allow-list in step with the renumbered node
			if ociSpec.Linux.Resources != nil {
				for j := range ociSpec.Linux.Resources.Devices {
					cg := &ociSpec.Linux.Resources.Devices[j]
					if cg.Major != nil && *cg.Major == oldMajor &&
						cg.Minor != nil && *cg.Minor == oldMinor {
						*cg.Major = major
						*cg.Minor = minor
						cg.Type = devType
					}
				}
			}
		}
	}

	return nil
}
