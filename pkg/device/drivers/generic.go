// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package drivers implements the per-driver-type device records managed
// by the device manager. Each record owns one cross-boundary DeviceSpec
// and the attach count gating the physical hotplug.
package drivers

import (
	"context"
	"fmt"

	"github.com/vmdevices/hotplug/pkg/device/api"
	"github.com/vmdevices/hotplug/pkg/device/config"
)

const intMax = ^uint(0)

const maxDevIDSize = 31

// GenericDevice refers to a device that needs no hypervisor hotplug: its
// host node is directly shared with the guest. It also carries the
// attach counting embedded by the concrete device types.
type GenericDevice struct {
	DeviceInfo *config.DeviceInfo

	ID string

	AttachCount uint

	spec *config.DeviceSpec
}

// NewGenericDevice creates a new GenericDevice
func NewGenericDevice(devInfo *config.DeviceInfo) *GenericDevice {
	return &GenericDevice{
		ID:         devInfo.ID,
		DeviceInfo: devInfo,
	}
}

// Attach is standard interface of api.Device
func (device *GenericDevice) Attach(ctx context.Context, devReceiver api.DeviceReceiver) error {
	skip, err := device.bumpAttachCount(true)
	if err != nil || skip {
		return err
	}

	device.spec = &config.DeviceSpec{
		ID:            device.ID,
		DriverType:    config.DriverVsock,
		VMPath:        device.DeviceInfo.HostPath,
		ContainerPath: device.DeviceInfo.ContainerPath,
		ReadOnly:      device.DeviceInfo.ReadOnly,
	}
	return nil
}

// Detach is standard interface of api.Device
func (device *GenericDevice) Detach(ctx context.Context, devReceiver api.DeviceReceiver) (*int, error) {
	skip, err := device.bumpAttachCount(false)
	if err != nil || skip {
		return nil, err
	}
	device.spec = nil
	return nil, nil
}

// DeviceID returns device ID
func (device *GenericDevice) DeviceID() string {
	return device.ID
}

// DriverType is standard interface of api.Device
func (device *GenericDevice) DriverType() string {
	return config.DriverVsock
}

// GetAttachCount returns how many times the device has been attached
func (device *GenericDevice) GetAttachCount() uint {
	return device.AttachCount
}

// GetHostPath returns the device path in the host
func (device *GenericDevice) GetHostPath() string {
	if device.DeviceInfo != nil {
		return device.DeviceInfo.HostPath
	}
	return ""
}

// Spec is standard interface of api.Device
func (device *GenericDevice) Spec() config.DeviceSpec {
	if device.spec == nil {
		return config.DeviceSpec{ID: device.ID}
	}
	return *device.spec
}

// bumpAttachCount is used to add/minus attach count for a device
// * attach bool: true means attach, false means detach
// return values:
// * skip bool: no need to do real attach/detach, skip following actions.
// * err error: error while do attach count bump
func (device *GenericDevice) bumpAttachCount(attach bool) (skip bool, err error) {
	if attach { // attach use case
		switch device.AttachCount {
		case 0:
			// do real attach
			device.AttachCount++
			return false, nil
		case intMax:
			return true, fmt.Errorf("device was attached too many times")
		default:
			device.AttachCount++
			return true, nil
		}
	} else { // detach use case
		switch device.AttachCount {
		case 0:
			return true, fmt.Errorf("detaching a device that wasn't attached")
		case 1:
			// do real work
			device.AttachCount--
			return false, nil
		default:
			device.AttachCount--
			return true, nil
		}
	}
}
