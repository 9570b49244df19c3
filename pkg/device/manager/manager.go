// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package manager owns the sandbox-wide device registry. It hands out
// stable device IDs, deduplicates devices by host path, and serializes
// hotplug traffic into the hypervisor backend.
package manager

import (
	"context"
	"encoding/hex"
	"math/rand"
	"regexp"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vmdevices/hotplug/pkg/busaddr"
	"github.com/vmdevices/hotplug/pkg/device/api"
	"github.com/vmdevices/hotplug/pkg/device/config"
	"github.com/vmdevices/hotplug/pkg/device/drivers"
	"github.com/vmdevices/hotplug/pkg/topology"
)

var (
	// ErrIDExhausted represents that devices are too many
	// and no more IDs can be generated.
	ErrIDExhausted = errors.New("IDs are exhausted")
	// ErrDeviceNotExist represents device hasn't been created before
	ErrDeviceNotExist = errors.New("device with specified ID hasn't been created")
	// ErrDeviceAttached represents the device isn't detached,
	// so an attached device can't be removed from the registry.
	ErrDeviceAttached = errors.New("device is attached")
	// ErrRemoveAttachedDevice represents the device isn't detached
	// so not allow to remove from list
	ErrRemoveAttachedDevice = errors.New("can't remove attached device")
)

var deviceLogger = logrus.WithField("subsystem", "device-manager")

// SetLogger sets the logger for the device manager.
func SetLogger(logger *logrus.Entry) {
	fields := deviceLogger.Data
	deviceLogger = logger.WithFields(fields)
}

const (
	idLength = 8

	// defaultBlockIndexSize bounds block indexes handed to virtio-blk
	// devices; the guest drive naming scheme saturates well above it.
	defaultBlockIndexSize = 4096
)

type deviceManager struct {
	backend  api.HypervisorBackend
	topo     *topology.Allocator
	devices  map[string]api.Device
	blockIDs *bitset.BitSet

	// attachLocks serializes hotplug per device id; holding the manager
	// lock across a backend call would stall unrelated devices.
	attachLocks map[string]*sync.Mutex

	sync.RWMutex
}

// NewDeviceManager creates a deviceManager object, it is used to manage
// the devices of one sandbox.
func NewDeviceManager(backend api.HypervisorBackend, maxBridges int, devices []api.Device) api.DeviceManager {
	dm := &deviceManager{
		backend:     backend,
		topo:        topology.NewAllocator(maxBridges),
		devices:     make(map[string]api.Device),
		blockIDs:    bitset.New(defaultBlockIndexSize),
		attachLocks: make(map[string]*sync.Mutex),
	}
	for _, dev := range devices {
		dm.devices[dev.DeviceID()] = dev
	}

	return dm
}

func (dm *deviceManager) newDeviceID() (string, error) {
	for i := 0; i < 5; i++ {
		// generate an random ID
		randBytes := make([]byte, idLength/2)
		rand.Read(randBytes)
		id := hex.EncodeToString(randBytes)

		// check ID uniqueness
		if _, ok := dm.devices[id]; !ok {
			return id, nil
		}
	}

	return "", ErrIDExhausted
}

func (dm *deviceManager) createDevice(devInfo config.DeviceInfo) (dev api.Device, err error) {
	path, err := config.GetHostPath(devInfo)
	if err != nil {
		return nil, err
	}

	if devInfo.ID, err = dm.newDeviceID(); err != nil {
		return nil, err
	}
	devInfo.HostPath = path

	if isVFIO(path) {
		return drivers.NewVFIODevice(&devInfo), nil
	} else if isVhostUserBlk(devInfo) {
		return drivers.NewVhostUserBlkDevice(&devInfo), nil
	} else if isVhostUserFs(devInfo) {
		return drivers.NewVhostUserFsDevice(&devInfo), nil
	} else if isBlock(devInfo) {
		return drivers.NewBlockDevice(&devInfo), nil
	}

	deviceLogger.WithField("device", path).Info("Device has not been passed to the container")
	return drivers.NewGenericDevice(&devInfo), nil
}

// NewDevice creates a device based on specified DeviceInfo
func (dm *deviceManager) NewDevice(devInfo config.DeviceInfo) (api.Device, error) {
	dm.Lock()
	defer dm.Unlock()

	// return the already created device with the same host path
	if devInfo.HostPath != "" {
		if dev := dm.findDeviceByHostPath(devInfo.HostPath); dev != nil {
			return dev, nil
		}
	}

	dev, err := dm.createDevice(devInfo)
	if err != nil {
		return nil, err
	}
	dm.devices[dev.DeviceID()] = dev
	return dev, nil
}

// RemoveDevice deletes the device from list based on specified device id
func (dm *deviceManager) RemoveDevice(id string) error {
	dev, unlock, err := dm.lockDevice(id)
	if err != nil {
		return err
	}
	defer unlock()

	if dev.GetAttachCount() > 0 {
		return ErrRemoveAttachedDevice
	}

	dm.Lock()
	delete(dm.devices, id)
	delete(dm.attachLocks, id)
	dm.Unlock()
	return nil
}

func (dm *deviceManager) findDeviceByHostPath(hostPath string) api.Device {
	for _, dev := range dm.devices {
		if dev.GetHostPath() == hostPath {
			return dev
		}
	}
	return nil
}

// lockDevice looks up the device and takes its per-device lock. Hotplug
// calls for one id stay totally ordered while other devices proceed.
func (dm *deviceManager) lockDevice(id string) (api.Device, func(), error) {
	dm.Lock()
	d, ok := dm.devices[id]
	if !ok {
		dm.Unlock()
		return nil, nil, ErrDeviceNotExist
	}
	l, ok := dm.attachLocks[id]
	if !ok {
		l = &sync.Mutex{}
		dm.attachLocks[id] = l
	}
	dm.Unlock()

	l.Lock()
	return d, l.Unlock, nil
}

// AttachDevice attaches the device identified by id to the guest,
// performing the physical hotplug only on the first attach.
func (dm *deviceManager) AttachDevice(ctx context.Context, id string) error {
	d, unlock, err := dm.lockDevice(id)
	if err != nil {
		return err
	}
	defer unlock()

	return d.Attach(ctx, dm)
}

// DetachDevice detaches the device identified by id. The freed block
// index, if the device held one, is returned on the last detach.
func (dm *deviceManager) DetachDevice(ctx context.Context, id string) (*int, error) {
	d, unlock, err := dm.lockDevice(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return d.Detach(ctx, dm)
}

// IsDeviceAttached checks if the device identified by id is attached
func (dm *deviceManager) IsDeviceAttached(id string) bool {
	dm.RLock()
	defer dm.RUnlock()
	d, ok := dm.devices[id]
	if !ok {
		return false
	}
	return d.GetAttachCount() > 0
}

// GetDeviceByID returns the device identified by id, nil if not found
func (dm *deviceManager) GetDeviceByID(id string) api.Device {
	dm.RLock()
	defer dm.RUnlock()
	if d, ok := dm.devices[id]; ok {
		return d
	}
	return nil
}

// GetAllDevices returns all of the devices held by the manager
func (dm *deviceManager) GetAllDevices() []api.Device {
	dm.RLock()
	defer dm.RUnlock()
	devices := []api.Device{}
	for _, v := range dm.devices {
		devices = append(devices, v)
	}
	return devices
}

// HotplugAddDevice pushes the device spec into the hypervisor backend.
// Implements api.DeviceReceiver for the drivers.
func (dm *deviceManager) HotplugAddDevice(ctx context.Context, dev api.Device) error {
	spec := dev.Spec()
	deviceLogger.WithFields(logrus.Fields{
		"device-id":   spec.ID,
		"driver-type": spec.DriverType,
		"bus-address": spec.BusAddress,
	}).Info("hotplugging device")

	return dm.backend.AddDevice(ctx, &spec)
}

// HotplugRemoveDevice asks the hypervisor backend to unplug the device.
func (dm *deviceManager) HotplugRemoveDevice(ctx context.Context, dev api.Device) error {
	spec := dev.Spec()
	deviceLogger.WithFields(logrus.Fields{
		"device-id":   spec.ID,
		"driver-type": spec.DriverType,
	}).Info("unplugging device")

	return dm.backend.RemoveDevice(ctx, &spec)
}

// AllocateBusAddress reserves a guest bus address for the device
func (dm *deviceManager) AllocateBusAddress(kind topology.Kind, owner string) (busaddr.Address, error) {
	return dm.topo.Allocate(kind, owner)
}

// ReleaseBusAddress returns a guest bus address to the pool
func (dm *deviceManager) ReleaseBusAddress(addr busaddr.Address) error {
	return dm.topo.Release(addr)
}

// GetAndSetSandboxBlockIndex reserves the lowest free virtio-blk index
func (dm *deviceManager) GetAndSetSandboxBlockIndex() (int, error) {
	dm.Lock()
	defer dm.Unlock()
	index, ok := dm.blockIDs.NextClear(0)
	if !ok || index >= defaultBlockIndexSize {
		return -1, errors.New("no free block index")
	}
	dm.blockIDs.Set(index)
	return int(index), nil
}

// UnsetSandboxBlockIndex frees a virtio-blk index
func (dm *deviceManager) UnsetSandboxBlockIndex(index int) error {
	dm.Lock()
	defer dm.Unlock()
	if index < 0 || !dm.blockIDs.Test(uint(index)) {
		return errors.Errorf("block index %d not in use", index)
	}
	dm.blockIDs.Clear(uint(index))
	return nil
}

// vfioPathPattern matches the /dev/vfio/<group> nodes handed out by the
// vfio driver.
var vfioPathPattern = regexp.MustCompile(`^/dev/vfio/[0-9]+$`)

func isVFIO(hostPath string) bool {
	return vfioPathPattern.MatchString(hostPath)
}

func isBlock(devInfo config.DeviceInfo) bool {
	return devInfo.DevType == "b"
}

func isVhostUserBlk(devInfo config.DeviceInfo) bool {
	return devInfo.DevType == "b" && devInfo.DriverOptions[config.SocketOpt] != ""
}

func isVhostUserFs(devInfo config.DeviceInfo) bool {
	return devInfo.DevType == "c" && devInfo.DriverOptions[config.FsTypeOpt] == config.DriverFsMount &&
		devInfo.DriverOptions[config.SocketOpt] != ""
}
