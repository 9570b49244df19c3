// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package guest

import (
	"context"
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/vmdevices/hotplug/pkg/device/config"
	"github.com/vmdevices/hotplug/pkg/uevent"
)

// fakeBlockNode makes devNumbers see every path as a block device with
// the given numbers.
func fakeBlockNode(t *testing.T, major, minor uint32) {
	t.Helper()
	saved := statDevNode
	statDevNode = func(path string, st *unix.Stat_t) error {
		st.Mode = unix.S_IFBLK
		st.Rdev = uint64(unix.Mkdev(major, minor))
		return nil
	}
	t.Cleanup(func() { statDevNode = saved })
}

func int64Ptr(v int64) *int64 { return &v }

func TestUpdateSpecDevices(t *testing.T) {
	fakeBlockNode(t, 254, 0)

	ociSpec := &specs.Spec{
		Mounts: []specs.Mount{
			{Destination: "/data", Source: "/dev/xvda", Type: "ext4"},
			{Destination: "/other", Source: "/dev/other"},
		},
		Linux: &specs.Linux{
			Devices: []specs.LinuxDevice{
				{Path: "/dev/xvda", Type: "b", Major: 8, Minor: 16},
			},
			Resources: &specs.LinuxResources{
				Devices: []specs.LinuxDeviceCgroup{
					{Allow: true, Type: "b", Major: int64Ptr(8), Minor: int64Ptr(16), Access: "rwm"},
				},
			},
		},
	}

	err := UpdateSpecDevices(ociSpec, map[string]SpecUpdate{
		"/dev/xvda": {ID: "blk-1", ContainerPath: "/dev/xvda", MountSource: "/dev/vda"},
	})
	assert.NoError(t, err)

	assert.Equal(t, "/dev/vda", ociSpec.Mounts[0].Source)
	assert.Equal(t, "/dev/other", ociSpec.Mounts[1].Source)

	dev := ociSpec.Linux.Devices[0]
	assert.Equal(t, int64(254), dev.Major)
	assert.Equal(t, int64(0), dev.Minor)

	cg := ociSpec.Linux.Resources.Devices[0]
	assert.Equal(t, int64(254), *cg.Major)
	assert.Equal(t, int64(0), *cg.Minor)
}

func TestUpdateSpecDevicesNoGuestNode(t *testing.T) {
	ociSpec := &specs.Spec{
		Linux: &specs.Linux{
			Devices: []specs.LinuxDevice{{Path: "/dev/xvda", Type: "b"}},
		},
	}

	// a device entry needs a node; an empty resolution cannot serve it
	err := UpdateSpecDevices(ociSpec, map[string]SpecUpdate{
		"/dev/xvda": {ContainerPath: "/dev/xvda"},
	})
	assert.Error(t, err)

	err = UpdateSpecDevices(nil, nil)
	assert.Error(t, err)
}

func TestResolveDevices(t *testing.T) {
	fakeBlockNode(t, 254, 0)
	stubDevNodeWait(t)

	bus, source := testBus(t)
	devCtx := &Context{Bus: bus, ResolveTimeout: time.Minute}
	hr := NewHandlerRegistry()

	ociSpec := &specs.Spec{
		Mounts: []specs.Mount{
			{Destination: "/data", Source: "/dev/pmem-vol"},
		},
	}

	devices := []*config.DeviceSpec{
		{
			ID:            "vol-1",
			DriverType:    config.DriverNvdimm,
			VMPath:        "/dev/pmem0",
			ContainerPath: "/dev/pmem-vol",
			ReadOnly:      true,
		},
		{
			ID:            "fs-1",
			DriverType:    config.DriverVhostUserFs,
			VMPath:        "fs-share",
			ContainerPath: "/mnt/shared",
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- hr.ResolveDevices(context.Background(), devices, ociSpec, devCtx)
	}()

	waitForWaiter(t, bus)
	source.events <- &uevent.Uevent{
		Action:    uevent.ActionAdd,
		SubSystem: "block",
		DevPath:   "/devices/LNXSYSTM:00/LNXSYBUS:00/ACPI0012:00/ndbus0/region0/pmem0/block/pmem0",
		DevName:   "pmem0",
	}

	assert.NoError(t, <-errCh)
	assert.Equal(t, "/dev/pmem0", ociSpec.Mounts[0].Source)
}

func TestResolveDevicesCollectsFailures(t *testing.T) {
	hr := NewHandlerRegistry()
	devCtx := &Context{}

	devices := []*config.DeviceSpec{
		{ID: "bad-1", DriverType: "floppy"},
		{ID: "bad-2", DriverType: config.DriverVsock},
	}

	err := hr.ResolveDevices(context.Background(), devices, &specs.Spec{}, devCtx)
	assert.Error(t, err)

	// both independent failures are reported
	assert.Contains(t, err.Error(), "bad-1")
	assert.Contains(t, err.Error(), "bad-2")
}
