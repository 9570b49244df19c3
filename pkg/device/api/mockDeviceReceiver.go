// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package api

import (
	"context"

	"github.com/vmdevices/hotplug/pkg/busaddr"
	"github.com/vmdevices/hotplug/pkg/topology"
)

// MockDeviceReceiver is a fake DeviceReceiver API implementation only used for test
type MockDeviceReceiver struct {
	// AddCalls and RemoveCalls count the physical hotplug operations.
	AddCalls    int
	RemoveCalls int

	// FailAdd makes HotplugAddDevice return this error.
	FailAdd error

	allocator *topology.Allocator
}

// NewMockDeviceReceiver creates a mock receiver with its own bus pool.
func NewMockDeviceReceiver() *MockDeviceReceiver {
	return &MockDeviceReceiver{allocator: topology.NewAllocator(1)}
}

// HotplugAddDevice adds a new device
func (mockDC *MockDeviceReceiver) HotplugAddDevice(context.Context, Device) error {
	if mockDC.FailAdd != nil {
		return mockDC.FailAdd
	}
	mockDC.AddCalls++
	return nil
}

// HotplugRemoveDevice removes a device
func (mockDC *MockDeviceReceiver) HotplugRemoveDevice(context.Context, Device) error {
	mockDC.RemoveCalls++
	return nil
}

// AllocateBusAddress reserves a guest bus address
func (mockDC *MockDeviceReceiver) AllocateBusAddress(kind topology.Kind, owner string) (busaddr.Address, error) {
	return mockDC.allocator.Allocate(kind, owner)
}

// ReleaseBusAddress returns a guest bus address to the pool
func (mockDC *MockDeviceReceiver) ReleaseBusAddress(addr busaddr.Address) error {
	return mockDC.allocator.Release(addr)
}

// GetAndSetSandboxBlockIndex is used for get and set virtio-blk indexes
func (mockDC *MockDeviceReceiver) GetAndSetSandboxBlockIndex() (int, error) {
	return 0, nil
}

// UnsetSandboxBlockIndex frees a virtio-blk index
func (mockDC *MockDeviceReceiver) UnsetSandboxBlockIndex(int) error {
	return nil
}

// SlotsInUse reports how many bus addresses are currently reserved.
func (mockDC *MockDeviceReceiver) SlotsInUse() int {
	return mockDC.allocator.InUse()
}
