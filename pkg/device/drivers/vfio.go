// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package drivers

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/vmdevices/hotplug/pkg/busaddr"
	"github.com/vmdevices/hotplug/pkg/device/api"
	"github.com/vmdevices/hotplug/pkg/device/config"
	"github.com/vmdevices/hotplug/pkg/topology"
)

// VFIODevice is a passed-through host device, either a PCI device bound
// to vfio-pci or a mediated AP crypto adapter.
type VFIODevice struct {
	*GenericDevice

	// VfioType classifies the first device of the IOMMU group.
	VfioType VFIODeviceType

	busAddr busaddr.Address
}

// NewVFIODevice create a new VFIO device
func NewVFIODevice(devInfo *config.DeviceInfo) *VFIODevice {
	return &VFIODevice{
		GenericDevice: NewGenericDevice(devInfo),
	}
}

// Attach is standard interface of api.Device
func (device *VFIODevice) Attach(ctx context.Context, devReceiver api.DeviceReceiver) (err error) {
	skip, err := device.bumpAttachCount(true)
	if err != nil || skip {
		return err
	}

	defer func() {
		if err != nil {
			device.bumpAttachCount(false)
		}
	}()

	groupDevices, err := iommuGroupDevices(device.DeviceInfo.HostPath)
	if err != nil {
		return errors.Wrapf(err, "failed to list IOMMU group of %s", device.DeviceInfo.HostPath)
	}
	if len(groupDevices) == 0 {
		return errors.Errorf("no devices in IOMMU group of %s", device.DeviceInfo.HostPath)
	}

	device.VfioType, err = GetVFIODeviceType(groupDevices[0])
	if err != nil {
		return err
	}

	spec := &config.DeviceSpec{
		ID:            device.ID,
		ContainerPath: device.DeviceInfo.ContainerPath,
		ReadOnly:      device.DeviceInfo.ReadOnly,
		Options:       map[string]string{},
	}

	switch device.VfioType {
	case VFIOPCIDeviceNormalType:
		var addr busaddr.Address
		addr, err = devReceiver.AllocateBusAddress(topology.KindPCI, device.ID)
		if err != nil {
			return err
		}

		defer func() {
			if err != nil {
				devReceiver.ReleaseBusAddress(addr)
			}
		}()

		spec.DriverType = config.DriverVfioPci
		spec.BusAddress = addr.String()
		device.busAddr = addr

	case VFIOAPDeviceMediatedType:
		queues, qerr := GetAPVFIODevices(groupDevices[0])
		if qerr != nil {
			return qerr
		}

		// the first queue is the primary address the guest waits for,
		// the rest travel as options
		queue, qerr := busaddr.ParseApQueue(queues[0])
		if qerr != nil {
			return qerr
		}

		spec.DriverType = config.DriverVfioAp
		spec.BusAddress = queue.String()
		if len(queues) > 1 {
			spec.Options["ap-queues"] = strings.Join(queues[1:], ",")
		}

	default:
		return errors.Errorf("unsupported VFIO device type %d", device.VfioType)
	}

	deviceLogger().WithField("device", device.DeviceInfo.HostPath).
		WithField("driver-type", spec.DriverType).
		Info("Attaching VFIO device")

	device.spec = spec

	if err = devReceiver.HotplugAddDevice(ctx, device); err != nil {
		device.spec = nil
		device.busAddr = nil
		return err
	}

	return nil
}

// Detach is standard interface of api.Device
func (device *VFIODevice) Detach(ctx context.Context, devReceiver api.DeviceReceiver) (*int, error) {
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
func (device *VFIODevice) DriverType() string {
	if device.VfioType == VFIOAPDeviceMediatedType {
		return config.DriverVfioAp
	}
	return config.DriverVfioPci
}
