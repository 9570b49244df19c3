// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package drivers

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/vmdevices/hotplug/pkg/busaddr"
	"github.com/vmdevices/hotplug/pkg/device/api"
	"github.com/vmdevices/hotplug/pkg/device/config"
	"github.com/vmdevices/hotplug/pkg/topology"
)

// BlockDevice refers to a block storage device implementation: a
// virtio-blk drive on the PCI bus, or a memory-backed nvdimm device when
// the request asks for persistent memory.
type BlockDevice struct {
	*GenericDevice

	// Index is the sandbox block index held while attached; it predicts
	// the guest drive name and is the handle returned from the last
	// detach for the caller to reclaim.
	Index int

	busAddr busaddr.Address
}

// NewBlockDevice creates a new block device based on DeviceInfo
func NewBlockDevice(devInfo *config.DeviceInfo) *BlockDevice {
	return &BlockDevice{
		GenericDevice: NewGenericDevice(devInfo),
		Index:         -1,
	}
}

// Attach is standard interface of api.Device, it's used to add the
// device to its DeviceReceiver. Only the first attach touches the
// hypervisor; later ones just bump the attach count.
func (device *BlockDevice) Attach(ctx context.Context, devReceiver api.DeviceReceiver) (err error) {
	skip, err := device.bumpAttachCount(true)
	if err != nil || skip {
		return err
	}

	defer func() {
		if err != nil {
			device.bumpAttachCount(false)
		}
	}()

	index, err := devReceiver.GetAndSetSandboxBlockIndex()
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			devReceiver.UnsetSandboxBlockIndex(index)
		}
	}()

	spec := &config.DeviceSpec{
		ID:            device.ID,
		ContainerPath: device.DeviceInfo.ContainerPath,
		ReadOnly:      device.DeviceInfo.ReadOnly,
		Options:       map[string]string{},
	}
	for k, v := range device.DeviceInfo.DriverOptions {
		spec.Options[k] = v
	}

	var addr busaddr.Address
	if device.DeviceInfo.Pmem {
		// nvdimm devices surface under the ACPI root in the guest; no
		// bus slot is reserved for them.
		spec.DriverType = config.DriverNvdimm
		spec.Options[config.NvdimmIDOpt] = makeNameID("nvdimm", device.ID, maxDevIDSize)

		if _, ok := spec.Options[config.SizeOpt]; ok {
			size, serr := spec.SizeBytes()
			if serr != nil {
				return serr
			}
			// normalize human readable sizes to plain bytes for the
			// hypervisor command line
			spec.Options[config.SizeOpt] = strconv.FormatInt(size, 10)
		}
	} else {
		addr, err = devReceiver.AllocateBusAddress(topology.KindPCI, device.ID)
		if err != nil {
			return err
		}

		defer func() {
			if err != nil {
				devReceiver.ReleaseBusAddress(addr)
			}
		}()

		driveName, derr := GetVirtDriveName(index)
		if derr != nil {
			return derr
		}

		spec.DriverType = config.DriverBlkPci
		spec.BusAddress = addr.String()
		spec.VMPath = filepath.Join("/dev", driveName)
	}

	deviceLogger().WithField("device", device.DeviceInfo.HostPath).
		WithField("driver-type", spec.DriverType).
		Info("Attaching block device")

	device.spec = spec
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

// Detach is standard interface of api.Device, it's used to remove the
// device from its DeviceReceiver. The freed block index is returned on
// the last detach.
func (device *BlockDevice) Detach(ctx context.Context, devReceiver api.DeviceReceiver) (*int, error) {
	skip, err := device.bumpAttachCount(false)
	if err != nil || skip {
		return nil, err
	}

	deviceLogger().WithField("device", device.DeviceInfo.HostPath).Info("Unplugging block device")

	if err = devReceiver.HotplugRemoveDevice(ctx, device); err != nil {
		deviceLogger().WithError(err).Error("Failed to unplug block device")
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
func (device *BlockDevice) DriverType() string {
	if device.DeviceInfo.Pmem {
		return config.DriverNvdimm
	}
	return config.DriverBlkPci
}
