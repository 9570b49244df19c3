// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package guest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"

	"github.com/vmdevices/hotplug/pkg/busaddr"
	"github.com/vmdevices/hotplug/pkg/device/config"
	"github.com/vmdevices/hotplug/pkg/uevent"
)

// Guest sysfs roots the matchers anchor on.
var (
	// pciRootBusPath is the devpath prefix of the guest's PCI root bus.
	pciRootBusPath = "/devices/pci0000:00"

	// acpiDevPath is the devpath prefix of ACPI-rooted devices (nvdimm).
	acpiDevPath = "/devices/LNXSYSTM"

	// apRootBusPath is the devpath prefix of AP crypto queues.
	apRootBusPath = "/devices/ap"
)

const blockSubsystem = "block"

// pciSlotDevPath is the devpath fragment of a device in the given slot
// on the root bus.
func pciSlotDevPath(slot busaddr.PciSlot) string {
	return fmt.Sprintf("%s/0000:00:%02x.0", pciRootBusPath, slot.Slot())
}

// blkPciHandler resolves virtio-blk devices on the PCI bus. The bus
// address tells us where the device will show up in sysfs; the kernel
// event tells us the node name it was given.
type blkPciHandler struct{}

func (*blkPciHandler) DriverTypes() []string {
	return []string{config.DriverBlkPci, config.DriverVhostUserBlk}
}

func (*blkPciHandler) HandleDevice(ctx context.Context, spec *config.DeviceSpec, devCtx *Context) (*SpecUpdate, error) {
	slot, err := spec.PciSlot()
	if err != nil {
		return nil, err
	}

	devPathPrefix := pciSlotDevPath(slot)
	matcher := uevent.MatcherFunc(func(ev *uevent.Uevent) bool {
		return ev.Action == uevent.ActionAdd &&
			ev.SubSystem == blockSubsystem &&
			ev.DevName != "" &&
			strings.HasPrefix(ev.DevPath, devPathPrefix)
	})

	ev, err := devCtx.Bus.Subscribe(ctx, matcher, devCtx.timeout())
	if err != nil {
		return nil, errors.Wrapf(err, "waiting for block device in slot %s", spec.BusAddress)
	}

	mountSource := filepath.Join("/dev", ev.DevName)
	if err := waitDevNode(ctx, mountSource, devCtx.timeout()); err != nil {
		return nil, err
	}

	return &SpecUpdate{
		ID:            spec.ID,
		ContainerPath: spec.ContainerPath,
		MountSource:   mountSource,
		ReadOnly:      spec.ReadOnly,
	}, nil
}

// mmioBlkHandler resolves virtio-blk devices on the MMIO bus; their
// guest path is fixed at device-model construction time, so the
// descriptor must already carry it.
type mmioBlkHandler struct{}

func (*mmioBlkHandler) DriverTypes() []string {
	return []string{config.DriverMmioBlk}
}

func (*mmioBlkHandler) HandleDevice(ctx context.Context, spec *config.DeviceSpec, devCtx *Context) (*SpecUpdate, error) {
	if spec.VMPath == "" {
		return nil, errors.Errorf("mmio block device %s has an empty guest path", spec.ID)
	}

	return &SpecUpdate{
		ID:            spec.ID,
		ContainerPath: spec.ContainerPath,
		MountSource:   spec.VMPath,
		ReadOnly:      spec.ReadOnly,
	}, nil
}

// nvdimmHandler resolves memory-backed block devices. They surface under
// the ACPI root rather than a bus slot, so the expected kernel name from
// the descriptor drives the match; an event carrying a different name
// for the matched path is an error, never a silent success.
type nvdimmHandler struct{}

func (*nvdimmHandler) DriverTypes() []string {
	return []string{config.DriverNvdimm}
}

func (*nvdimmHandler) HandleDevice(ctx context.Context, spec *config.DeviceSpec, devCtx *Context) (*SpecUpdate, error) {
	if spec.VMPath == "" {
		return nil, errors.Errorf("nvdimm device %s has an empty guest path", spec.ID)
	}
	devName := filepath.Base(spec.VMPath)

	kernelPath := busaddr.KernelDevPath{Path: "/block/" + devName}
	matcher := uevent.MatcherFunc(func(ev *uevent.Uevent) bool {
		return ev.Action == uevent.ActionAdd &&
			ev.SubSystem == blockSubsystem &&
			strings.HasPrefix(ev.DevPath, acpiDevPath) &&
			kernelPath.Matches(ev.DevPath)
	})

	ev, err := devCtx.Bus.Subscribe(ctx, matcher, devCtx.timeout())
	if err != nil {
		return nil, errors.Wrapf(err, "waiting for nvdimm device %s", devName)
	}

	if ev.DevName != devName {
		return nil, errors.Wrapf(ErrResolutionMismatch, "got %q, expected %q", ev.DevName, devName)
	}

	mountSource := filepath.Join("/dev", ev.DevName)
	if err := waitDevNode(ctx, mountSource, devCtx.timeout()); err != nil {
		return nil, err
	}

	return &SpecUpdate{
		ID:            spec.ID,
		ContainerPath: spec.ContainerPath,
		MountSource:   mountSource,
		ReadOnly:      spec.ReadOnly,
	}, nil
}

// vfioPciHandler waits for a passed-through PCI device to join its
// IOMMU group in the guest; the group node under /dev/vfio is what the
// container consumes.
type vfioPciHandler struct{}

func (*vfioPciHandler) DriverTypes() []string {
	return []string{config.DriverVfioPci}
}

func (*vfioPciHandler) HandleDevice(ctx context.Context, spec *config.DeviceSpec, devCtx *Context) (*SpecUpdate, error) {
	slot, err := spec.PciSlot()
	if err != nil {
		return nil, err
	}

	devPathPrefix := pciSlotDevPath(slot)
	matcher := uevent.MatcherFunc(func(ev *uevent.Uevent) bool {
		return ev.Action == uevent.ActionAdd &&
			ev.DevName != "" &&
			strings.HasPrefix(ev.DevPath, devPathPrefix)
	})

	ev, err := devCtx.Bus.Subscribe(ctx, matcher, devCtx.timeout())
	if err != nil {
		return nil, errors.Wrapf(err, "waiting for vfio device in slot %s", spec.BusAddress)
	}

	mountSource := filepath.Join("/dev", ev.DevName)
	if err := waitDevNode(ctx, mountSource, devCtx.timeout()); err != nil {
		return nil, err
	}

	return &SpecUpdate{
		ID:            spec.ID,
		ContainerPath: spec.ContainerPath,
		MountSource:   mountSource,
		ReadOnly:      spec.ReadOnly,
	}, nil
}

// vfioApHandler waits for a crypto adapter queue to bind. AP queues have
// no device node; the online event under the AP bus is the confirmation.
type vfioApHandler struct{}

func (*vfioApHandler) DriverTypes() []string {
	return []string{config.DriverVfioAp}
}

func (*vfioApHandler) HandleDevice(ctx context.Context, spec *config.DeviceSpec, devCtx *Context) (*SpecUpdate, error) {
	queue, err := spec.ApQueue()
	if err != nil {
		return nil, err
	}

	// e.g. /devices/ap/card0a/0a.003f
	suffix := "/" + queue.String()
	matcher := uevent.MatcherFunc(func(ev *uevent.Uevent) bool {
		return ev.Action == uevent.ActionAdd &&
			strings.HasPrefix(ev.DevPath, apRootBusPath) &&
			strings.HasSuffix(ev.DevPath, suffix)
	})

	if _, err := devCtx.Bus.Subscribe(ctx, matcher, devCtx.timeout()); err != nil {
		return nil, errors.Wrapf(err, "waiting for ap queue %s", spec.BusAddress)
	}

	return &SpecUpdate{
		ID:            spec.ID,
		ContainerPath: spec.ContainerPath,
		ReadOnly:      spec.ReadOnly,
	}, nil
}

// linkByName is swapped out in the tests.
var linkByName = func(name string) error {
	_, err := netlink.LinkByName(name)
	return err
}

// netHandler confirms a hotplugged network interface is visible to the
// kernel, waiting for its announcement first if it is not there yet.
type netHandler struct{}

func (*netHandler) DriverTypes() []string {
	return []string{config.DriverNet}
}

func (*netHandler) HandleDevice(ctx context.Context, spec *config.DeviceSpec, devCtx *Context) (*SpecUpdate, error) {
	ifName := spec.VMPath
	if ifName == "" {
		return nil, errors.Errorf("network device %s has an empty interface name", spec.ID)
	}

	if err := linkByName(ifName); err != nil {
		matcher := uevent.MatcherFunc(func(ev *uevent.Uevent) bool {
			return ev.SubSystem == "net" && ev.DevName == ifName
		})
		if _, err := devCtx.Bus.Subscribe(ctx, matcher, devCtx.timeout()); err != nil {
			return nil, errors.Wrapf(err, "waiting for interface %s", ifName)
		}
		if err := linkByName(ifName); err != nil {
			return nil, errors.Wrapf(err, "interface %s announced but not visible", ifName)
		}
	}

	return &SpecUpdate{
		ID:            spec.ID,
		ContainerPath: spec.ContainerPath,
	}, nil
}

// directHandler covers devices whose descriptor already carries all the
// guest needs: vsock and shared-filesystem tags.
type directHandler struct{}

func (*directHandler) DriverTypes() []string {
	return []string{config.DriverVsock, config.DriverFsMount, config.DriverVhostUserFs}
}

func (*directHandler) HandleDevice(ctx context.Context, spec *config.DeviceSpec, devCtx *Context) (*SpecUpdate, error) {
	if spec.VMPath == "" {
		return nil, errors.Errorf("device %s carries no guest path or tag", spec.ID)
	}

	return &SpecUpdate{
		ID:            spec.ID,
		ContainerPath: spec.ContainerPath,
		MountSource:   spec.VMPath,
		ReadOnly:      spec.ReadOnly,
	}, nil
}
