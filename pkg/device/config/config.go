// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package config defines the device identity and descriptor types shared
// by the host-side device manager and the guest-side resolver.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/docker/go-units"
	"github.com/go-ini/ini"

	"github.com/vmdevices/hotplug/pkg/busaddr"
)

// Driver-type tags carried in the cross-boundary descriptor. The guest
// resolver dispatches on these, so both sides must agree on the set.
const (
	// DriverBlkPci is a virtio-blk device on the PCI bus.
	DriverBlkPci = "blk"

	// DriverMmioBlk is a virtio-blk device on the MMIO bus; its guest
	// path is fixed at device-model construction time.
	DriverMmioBlk = "mmioblk"

	// DriverNvdimm is a memory-backed block device surfacing under the
	// ACPI nvdimm root.
	DriverNvdimm = "nvdimm"

	// DriverVfioPci is a passed-through PCI device.
	DriverVfioPci = "vfio-pci"

	// DriverVfioAp is a passed-through crypto adapter queue.
	DriverVfioAp = "vfio-ap"

	// DriverNet is a virtio-net interface.
	DriverNet = "net"

	// DriverVsock is a vhost-vsock device; no guest-side resolution needed.
	DriverVsock = "vsock"

	// DriverFsMount is a shared-filesystem mount (virtio-fs).
	DriverFsMount = "virtio-fs"

	// DriverVhostUserBlk is a block device served by a vhost-user backend.
	DriverVhostUserBlk = "vhost-user-blk"

	// DriverVhostUserFs is a filesystem served by a vhost-user backend.
	DriverVhostUserFs = "vhost-user-fs"
)

// Keys understood in DeviceSpec.Options.
const (
	// SizeOpt is the device size as a human-readable string, e.g. "2GiB".
	SizeOpt = "size"

	// FsTypeOpt is the filesystem type for block-backed mounts.
	FsTypeOpt = "fstype"

	// SocketOpt is the vhost-user backend socket path.
	SocketOpt = "socket"

	// NvdimmIDOpt is the nvdimm id assigned inside the VM.
	NvdimmIDOpt = "nvdimm-id"
)

// Defined as a variable to allow overriding in the tests.

// SysDevPrefix is static string of /sys/dev
var SysDevPrefix = "/sys/dev"

// DeviceInfo describes a device request as it arrives from the
// orchestrator, before any attach has happened.
type DeviceInfo struct {
	// DriverOptions is specific options for each device driver,
	// for example DriverOptions["fstype"]="ext4" for a block device.
	DriverOptions map[string]string

	// HostPath is the device path on the host.
	HostPath string

	// ContainerPath is the device path inside the container.
	ContainerPath string

	// DevType is the device type: "b" for block, "c" for character.
	DevType string

	// ID identifies the logical device to both host and guest. The two
	// sides each keep their own record keyed by this value.
	ID string

	// Major, minor numbers for the device node.
	Major int64
	Minor int64

	// Pmem requests a memory-backed (nvdimm) device using HostPath as
	// the backing file.
	Pmem bool

	// ReadOnly marks the device read-only inside the guest.
	ReadOnly bool
}

// DeviceSpec is the descriptor that crosses the host/guest boundary.
// Immutable after attach, except for VMPath which the guest resolver
// fills in once the device has been discovered.
type DeviceSpec struct {
	// ID is the logical device identity, shared with the host record.
	ID string

	// DriverType selects the guest-side handler.
	DriverType string

	// BusAddress is the canonical string form of the allocated guest bus
	// location, e.g. "1f" for a PCI slot or "0a.003f" for an AP queue.
	BusAddress string

	// VMPath is the device path inside the guest, filled in by the
	// guest resolver (or known up front for MMIO devices).
	VMPath string

	// ContainerPath is where the container expects the device.
	ContainerPath string

	// ReadOnly marks the resulting mount read-only.
	ReadOnly bool

	// Options carries driver-specific settings, see the *Opt keys.
	Options map[string]string
}

// PciSlot parses the spec's bus address as a PCI slot.
func (s *DeviceSpec) PciSlot() (busaddr.PciSlot, error) {
	return busaddr.ParsePciSlot(s.BusAddress)
}

// ApQueue parses the spec's bus address as an AP queue.
func (s *DeviceSpec) ApQueue() (busaddr.ApQueue, error) {
	return busaddr.ParseApQueue(s.BusAddress)
}

// SizeBytes parses the "size" option, e.g. "128MiB" or "2g".
func (s *DeviceSpec) SizeBytes() (int64, error) {
	raw, ok := s.Options[SizeOpt]
	if !ok {
		return 0, fmt.Errorf("device %s has no %q option", s.ID, SizeOpt)
	}
	return units.RAMInBytes(raw)
}

// GetHostPath fetches the host device node path for the device. The path
// in the request refers to the container-visible path; the actual host
// node is looked up through the major-minor entry under /sys/dev.
func GetHostPath(devInfo DeviceInfo) (string, error) {
	if devInfo.ContainerPath == "" {
		return "", fmt.Errorf("empty path provided for device %s", devInfo.ID)
	}

	if devInfo.Major == -1 {
		return devInfo.HostPath, nil
	}

	ueventPath := filepath.Join(getSysDevPath(devInfo), "uevent")
	if _, err := os.Stat(ueventPath); err != nil {
		// Some devices (eg. /dev/fuse, /dev/cuse) do not implement the
		// sysfs interface under /sys/dev. Fall back to the path from the
		// request, which rules out device renames for them.
		if os.IsNotExist(err) {
			return devInfo.ContainerPath, nil
		}
		return "", err
	}

	content, err := ini.Load(ueventPath)
	if err != nil {
		return "", err
	}

	devName, err := content.Section("").GetKey("DEVNAME")
	if err != nil {
		return "", err
	}

	return filepath.Join("/dev", devName.String()), nil
}

func getSysDevPath(devInfo DeviceInfo) string {
	var pathComp string

	switch devInfo.DevType {
	case "c", "u":
		pathComp = "char"
	case "b":
		pathComp = "block"
	default:
		return ""
	}

	format := strconv.FormatInt(devInfo.Major, 10) + ":" + strconv.FormatInt(devInfo.Minor, 10)
	return filepath.Join(SysDevPrefix, pathComp, format)
}
