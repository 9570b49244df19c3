// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package drivers

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/vmdevices/hotplug/pkg/busaddr"
	"github.com/vmdevices/hotplug/pkg/device/api"
	"github.com/vmdevices/hotplug/pkg/device/config"
	"github.com/vmdevices/hotplug/pkg/topology"
)

// VhostUserBlkDevice is a block device served by a vhost-user backend
// process over a unix socket.
type VhostUserBlkDevice struct {
	*GenericDevice

	// Index is the sandbox block index held while attached.
	Index int

	busAddr busaddr.Address
}

// NewVhostUserBlkDevice creates a new vhost-user block device
func NewVhostUserBlkDevice(devInfo *config.DeviceInfo) *VhostUserBlkDevice {
	return &VhostUserBlkDevice{
		GenericDevice: NewGenericDevice(devInfo),
		Index:         -1,
	}
}

// Attach is standard interface of api.Device
func (device *VhostUserBlkDevice) Attach(ctx context.Context, devReceiver api.DeviceReceiver) (err error) {
	skip, err := device.bumpAttachCount(true)
	if err != nil || skip {
		return err
	}

	defer func() {
		if err != nil {
			device.bumpAttachCount(false)
		}
	}()

	socket := device.DeviceInfo.DriverOptions[config.SocketOpt]
	if socket == "" {
		return errors.Errorf("vhost-user block device %s has no backend socket", device.ID)
	}

	index, err := devReceiver.GetAndSetSandboxBlockIndex()
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			devReceiver.UnsetSandboxBlockIndex(index)
		}
	}()

	addr, err := devReceiver.AllocateBusAddress(topology.KindPCI, device.ID)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			devReceiver.ReleaseBusAddress(addr)
		}
	}()

	driveName, err := GetVirtDriveName(index)
	if err != nil {
		return err
	}

	device.spec = &config.DeviceSpec{
		ID:            device.ID,
		DriverType:    config.DriverVhostUserBlk,
		BusAddress:    addr.String(),
		VMPath:        filepath.Join("/dev", driveName),
		ContainerPath: device.DeviceInfo.ContainerPath,
		ReadOnly:      device.DeviceInfo.ReadOnly,
		Options: map[string]string{
			config.SocketOpt: socket,
		},
	}
	device.Index = index
	device.busAddr = addr

	if err = devReceiver.HotplugAddDevice(ctx, device); err != nil {
		device.spec = nil
		device.Index = -1
		device.busAddr = nil
		return err
	}

	return nil
}

// Detach is standard interface of api.Device
func (device *VhostUserBlkDevice) Detach(ctx context.Context, devReceiver api.DeviceReceiver) (*int, error) {
	skip, err := device.bumpAttachCount(false)
	if err != nil || skip {
		return nil, err
	}

	if err = devReceiver.HotplugRemoveDevice(ctx, device); err != nil {
		device.bumpAttachCount(true)
		return nil, err
	}

	if device.busAddr != nil {
		if err := devReceiver.ReleaseBusAddress(device.busAddr); err != nil {
			deviceLogger().WithError(err).Error("Failed to release bus address")
		}
	}

	index := device.Index
	devReceiver.UnsetSandboxBlockIndex(index)

	device.spec = nil
	device.busAddr = nil
	device.Index = -1

	return &index, nil
}

// DriverType is standard interface of api.Device
func (device *VhostUserBlkDevice) DriverType() string {
	return config.DriverVhostUserBlk
}

// VhostUserFsDevice is a shared filesystem served by a vhost-user
// backend (virtiofsd).
type VhostUserFsDevice struct {
	*GenericDevice

	// Tag is the mount tag the guest uses to identify the filesystem.
	Tag string

	busAddr busaddr.Address
}

// NewVhostUserFsDevice creates a new vhost-user fs device
func NewVhostUserFsDevice(devInfo *config.DeviceInfo) *VhostUserFsDevice {
	return &VhostUserFsDevice{
		GenericDevice: NewGenericDevice(devInfo),
		Tag:           makeNameID("fs", devInfo.ID, maxDevIDSize),
	}
}

// Attach is standard interface of api.Device
func (device *VhostUserFsDevice) Attach(ctx context.Context, devReceiver api.DeviceReceiver) (err error) {
	skip, err := device.bumpAttachCount(true)
	if err != nil || skip {
		return err
	}

	defer func() {
		if err != nil {
			device.bumpAttachCount(false)
		}
	}()

	socket := device.DeviceInfo.DriverOptions[config.SocketOpt]
	if socket == "" {
		return errors.Errorf("vhost-user fs device %s has no backend socket", device.ID)
	}

	addr, err := devReceiver.AllocateBusAddress(topology.KindPCI, device.ID)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			devReceiver.ReleaseBusAddress(addr)
		}
	}()

	device.spec = &config.DeviceSpec{
		ID:            device.ID,
		DriverType:    config.DriverVhostUserFs,
		BusAddress:    addr.String(),
		VMPath:        device.Tag,
		ContainerPath: device.DeviceInfo.ContainerPath,
		ReadOnly:      device.DeviceInfo.ReadOnly,
		Options: map[string]string{
			config.SocketOpt: socket,
		},
	}
	device.busAddr = addr

	if err = devReceiver.HotplugAddDevice(ctx, device); err != nil {
		device.spec = nil
		device.busAddr = nil
		return err
	}

	return nil
}

// Detach is standard interface of api.Device
func (device *VhostUserFsDevice) Detach(ctx context.Context, devReceiver api.DeviceReceiver) (*int, error) {
	skip, err := device.bumpAttachCount(false)
	if err != nil || skip {
		return nil, err
	}

	if err = devReceiver.HotplugRemoveDevice(ctx, device); err != nil {
		device.bumpAttachCount(true)
		return nil, err
	}

	if device.busAddr != nil {
		if err := devReceiver.ReleaseBusAddress(device.busAddr); err != nil {
			deviceLogger().WithError(err).Error("Failed to release bus address")
		}
	}

	device.spec = nil
	device.busAddr = nil

	return nil, nil
}

// DriverType is standard interface of api.Device
func (device *VhostUserFsDevice) DriverType() string {
	return config.DriverVhostUserFs
}
