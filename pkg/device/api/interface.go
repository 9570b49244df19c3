// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package api declares the interfaces tying together device records, the
// device manager and the hypervisor hotplug backend.
package api

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/vmdevices/hotplug/pkg/busaddr"
	"github.com/vmdevices/hotplug/pkg/device/config"
	"github.com/vmdevices/hotplug/pkg/topology"
)

var devLogger = logrus.WithField("subsystem", "device")

// SetLogger sets the logger for the device api package.
func SetLogger(logger *logrus.Entry) {
	fields := devLogger.Data
	devLogger = logger.WithFields(fields)
}

// DeviceLogger returns logger for device management
func DeviceLogger() *logrus.Entry {
	return devLogger
}

// HypervisorBackend performs the physical hotplug against the running
// VM. Its descriptor format is opaque to this subsystem beyond the bus
// address the DeviceSpec carries.
type HypervisorBackend interface {
	AddDevice(context.Context, *config.DeviceSpec) error
	RemoveDevice(context.Context, *config.DeviceSpec) error
}

// DeviceReceiver is the surface a device attaches itself through: bus
// address allocation, the hypervisor hotplug backend and the sandbox
// block index table.
type DeviceReceiver interface {
	// these are for hotplug/hot-unplug devices to/from the hypervisor
	HotplugAddDevice(context.Context, Device) error
	HotplugRemoveDevice(context.Context, Device) error

	// guest bus topology bookkeeping
	AllocateBusAddress(kind topology.Kind, owner string) (busaddr.Address, error)
	ReleaseBusAddress(busaddr.Address) error

	// this is only for virtio-blk support
	GetAndSetSandboxBlockIndex() (int, error)
	UnsetSandboxBlockIndex(int) error
}

// Device is one logical device record owned by the device manager.
type Device interface {
	// Attach makes the device available to the guest, physically
	// hotplugging it on the first attach only.
	Attach(context.Context, DeviceReceiver) error

	// Detach reverses one Attach. On the last detach it physically
	// unplugs the device and returns the released block index, if the
	// device held one, for the caller to reclaim.
	Detach(context.Context, DeviceReceiver) (*int, error)

	// DeviceID returns the logical device identity.
	DeviceID() string

	// DriverType is the tag the guest resolver dispatches on.
	DriverType() string

	// GetAttachCount returns how many times the device has been attached.
	GetAttachCount() uint

	// GetHostPath returns the device path on the host.
	GetHostPath() string

	// Spec returns a read-only snapshot of the cross-boundary
	// descriptor. Only valid while the device is attached.
	Spec() config.DeviceSpec
}

// DeviceManager is the single host-side owner of device records.
type DeviceManager interface {
	NewDevice(config.DeviceInfo) (Device, error)
	RemoveDevice(string) error
	AttachDevice(context.Context, string) error
	DetachDevice(context.Context, string) (*int, error)
	IsDeviceAttached(string) bool
	GetDeviceByID(string) Device
	GetAllDevices() []Device
}
