// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package guest

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/vmdevices/hotplug/pkg/device/config"
	"github.com/vmdevices/hotplug/pkg/uevent"
)

// testSource feeds the event bus from the test instead of the kernel.
type testSource struct {
	events chan *uevent.Uevent

	closeOnce sync.Once
	closed    chan struct{}
}

func newTestSource() *testSource {
	return &testSource{
		events: make(chan *uevent.Uevent),
		closed: make(chan struct{}),
	}
}

func (s *testSource) Read() (*uevent.Uevent, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *testSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func testBus(t *testing.T) (*uevent.Bus, *testSource) {
	t.Helper()
	source := newTestSource()
	bus := uevent.NewBus(source)
	t.Cleanup(func() { bus.Close() })
	return bus, source
}

// waitForWaiter blocks until a subscription is registered, so events
// emitted afterwards cannot race the registration and get dropped.
func waitForWaiter(t *testing.T, bus *uevent.Bus) {
	t.Helper()
	assert.Eventually(t, func() bool { return bus.Waiters() == 1 }, time.Second, time.Millisecond)
}

// stubDevNodeWait replaces the device node wait with a recorder, since
// the tests have no real /dev to watch.
func stubDevNodeWait(t *testing.T) *[]string {
	t.Helper()
	saved := waitDevNode
	t.Cleanup(func() { waitDevNode = saved })

	var paths []string
	waitDevNode = func(ctx context.Context, path string, timeout time.Duration) error {
		paths = append(paths, path)
		return nil
	}
	return &paths
}

func TestHandlerRegistryDispatch(t *testing.T) {
	hr := NewHandlerRegistry()

	for _, typ := range []string{
		config.DriverBlkPci, config.DriverMmioBlk, config.DriverNvdimm,
		config.DriverVfioPci, config.DriverVfioAp, config.DriverNet,
		config.DriverVsock, config.DriverFsMount, config.DriverVhostUserBlk,
		config.DriverVhostUserFs,
	} {
		h, err := hr.Handler(typ)
		assert.NoError(t, err, typ)
		assert.NotNil(t, h, typ)
	}

	_, err := hr.Handler("floppy")
	assert.ErrorIs(t, err, ErrNoHandler)

	_, err = hr.HandleDevice(context.Background(), &config.DeviceSpec{DriverType: "floppy"}, &Context{})
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestNvdimmResolution(t *testing.T) {
	bus, source := testBus(t)
	waited := stubDevNodeWait(t)
	devCtx := &Context{Bus: bus, ResolveTimeout: time.Minute}

	spec := &config.DeviceSpec{
		ID:            "vol-1",
		DriverType:    config.DriverNvdimm,
		VMPath:        "/dev/pmem0",
		ContainerPath: "/dev/pmem-vol",
		ReadOnly:      true,
	}

	type result struct {
		update *SpecUpdate
		err    error
	}
	resCh := make(chan result, 1)
	hr := NewHandlerRegistry()
	go func() {
		update, err := hr.HandleDevice(context.Background(), spec, devCtx)
		resCh <- result{update, err}
	}()

	waitForWaiter(t, bus)

	// a longer kernel name sharing the prefix must not satisfy the
	// devpath suffix
	source.events <- &uevent.Uevent{
		Action:    uevent.ActionAdd,
		SubSystem: "block",
		DevPath:   "/devices/LNXSYSTM:00/LNXSYBUS:00/ACPI0012:00/ndbus0/region1/pmem01/block/pmem01",
		DevName:   "pmem01",
	}
	source.events <- &uevent.Uevent{
		Action:    uevent.ActionAdd,
		SubSystem: "block",
		DevPath:   "/devices/LNXSYSTM:00/LNXSYBUS:00/ACPI0012:00/ndbus0/region0/pmem0/block/pmem0",
		DevName:   "pmem0",
	}

	res := <-resCh
	assert.NoError(t, res.err)
	assert.Equal(t, "/dev/pmem0", res.update.MountSource)
	assert.True(t, res.update.ReadOnly)
	assert.Equal(t, "/dev/pmem-vol", res.update.ContainerPath)
	// the node is awaited before the update is handed back
	assert.Equal(t, []string{"/dev/pmem0"}, *waited)
}

func TestNvdimmResolutionMismatch(t *testing.T) {
	bus, source := testBus(t)
	devCtx := &Context{Bus: bus, ResolveTimeout: time.Minute}

	spec := &config.DeviceSpec{
		ID:         "vol-1",
		DriverType: config.DriverNvdimm,
		VMPath:     "/dev/pmem0",
	}

	errCh := make(chan error, 1)
	hr := NewHandlerRegistry()
	go func() {
		_, err := hr.HandleDevice(context.Background(), spec, devCtx)
		errCh <- err
	}()

	waitForWaiter(t, bus)

	// devpath matches the expectation but the kernel named the node
	// differently
	source.events <- &uevent.Uevent{
		Action:    uevent.ActionAdd,
		SubSystem: "block",
		DevPath:   "/devices/LNXSYSTM:00/LNXSYBUS:00/ACPI0012:00/ndbus0/region0/pmem0/block/pmem0",
		DevName:   "pmem1",
	}

	assert.ErrorIs(t, <-errCh, ErrResolutionMismatch)
}

func TestNvdimmResolutionTimeout(t *testing.T) {
	bus, _ := testBus(t)
	devCtx := &Context{Bus: bus, ResolveTimeout: 10 * time.Millisecond}

	spec := &config.DeviceSpec{
		ID:         "vol-2",
		DriverType: config.DriverNvdimm,
		VMPath:     "/dev/pmem1",
	}

	_, err := NewHandlerRegistry().HandleDevice(context.Background(), spec, devCtx)
	assert.ErrorIs(t, err, uevent.ErrTimeout)
}

func TestBlkPciResolution(t *testing.T) {
	bus, source := testBus(t)
	waited := stubDevNodeWait(t)
	devCtx := &Context{Bus: bus, ResolveTimeout: time.Minute}

	spec := &config.DeviceSpec{
		ID:            "blk-1",
		DriverType:    config.DriverBlkPci,
		BusAddress:    "02",
		ContainerPath: "/dev/xvda",
	}

	type result struct {
		update *SpecUpdate
		err    error
	}
	resCh := make(chan result, 1)
	hr := NewHandlerRegistry()
	go func() {
		update, err := hr.HandleDevice(context.Background(), spec, devCtx)
		resCh <- result{update, err}
	}()

	waitForWaiter(t, bus)

	// an event for a different slot is not taken
	source.events <- &uevent.Uevent{
		Action:    uevent.ActionAdd,
		SubSystem: "block",
		DevPath:   "/devices/pci0000:00/0000:00:03.0/virtio2/block/vdb",
		DevName:   "vdb",
	}
	source.events <- &uevent.Uevent{
		Action:    uevent.ActionAdd,
		SubSystem: "block",
		DevPath:   "/devices/pci0000:00/0000:00:02.0/virtio1/block/vda",
		DevName:   "vda",
	}

	res := <-resCh
	assert.NoError(t, res.err)
	assert.Equal(t, "/dev/vda", res.update.MountSource)
	assert.Equal(t, []string{"/dev/vda"}, *waited)
}

func TestResolutionDevNodeWaitFails(t *testing.T) {
	bus, source := testBus(t)
	devCtx := &Context{Bus: bus, ResolveTimeout: time.Minute}

	nodeErr := errors.New("node never appeared")
	saved := waitDevNode
	defer func() { waitDevNode = saved }()
	waitDevNode = func(ctx context.Context, path string, timeout time.Duration) error {
		return nodeErr
	}

	spec := &config.DeviceSpec{
		ID:         "blk-3",
		DriverType: config.DriverBlkPci,
		BusAddress: "04",
	}

	errCh := make(chan error, 1)
	hr := NewHandlerRegistry()
	go func() {
		_, err := hr.HandleDevice(context.Background(), spec, devCtx)
		errCh <- err
	}()

	waitForWaiter(t, bus)
	source.events <- &uevent.Uevent{
		Action:    uevent.ActionAdd,
		SubSystem: "block",
		DevPath:   "/devices/pci0000:00/0000:00:04.0/virtio3/block/vdc",
		DevName:   "vdc",
	}

	// an announced device whose node never materializes is an error
	assert.ErrorIs(t, <-errCh, nodeErr)
}

func TestBlkPciBadAddress(t *testing.T) {
	bus, _ := testBus(t)
	devCtx := &Context{Bus: bus}

	spec := &config.DeviceSpec{
		ID:         "blk-2",
		DriverType: config.DriverBlkPci,
		BusAddress: "not-a-slot",
	}

	_, err := NewHandlerRegistry().HandleDevice(context.Background(), spec, devCtx)
	assert.Error(t, err)
}

func TestVfioApResolution(t *testing.T) {
	bus, source := testBus(t)
	devCtx := &Context{Bus: bus, ResolveTimeout: time.Minute}

	spec := &config.DeviceSpec{
		ID:         "ap-1",
		DriverType: config.DriverVfioAp,
		BusAddress: "0a.003f",
	}

	type result struct {
		update *SpecUpdate
		err    error
	}
	resCh := make(chan result, 1)
	hr := NewHandlerRegistry()
	go func() {
		update, err := hr.HandleDevice(context.Background(), spec, devCtx)
		resCh <- result{update, err}
	}()

	waitForWaiter(t, bus)
	source.events <- &uevent.Uevent{
		Action:  uevent.ActionAdd,
		DevPath: "/devices/ap/card0a/0a.003f",
	}

	res := <-resCh
	assert.NoError(t, res.err)
	// AP queues surface no device node
	assert.Empty(t, res.update.MountSource)
}

func TestDirectHandlers(t *testing.T) {
	hr := NewHandlerRegistry()
	devCtx := &Context{}
	ctx := context.Background()

	update, err := hr.HandleDevice(ctx, &config.DeviceSpec{
		ID:            "fs-1",
		DriverType:    config.DriverVhostUserFs,
		VMPath:        "fs-share",
		ContainerPath: "/mnt/shared",
	}, devCtx)
	assert.NoError(t, err)
	assert.Equal(t, "fs-share", update.MountSource)

	// a direct device without a path is a descriptor bug
	_, err = hr.HandleDevice(ctx, &config.DeviceSpec{
		ID:         "fs-2",
		DriverType: config.DriverVsock,
	}, devCtx)
	assert.Error(t, err)

	_, err = hr.HandleDevice(ctx, &config.DeviceSpec{
		ID:         "mmio-1",
		DriverType: config.DriverMmioBlk,
	}, devCtx)
	assert.Error(t, err)
}

func TestNetHandler(t *testing.T) {
	savedLink := linkByName
	defer func() { linkByName = savedLink }()

	// interface already visible
	linkByName = func(name string) error { return nil }
	update, err := NewHandlerRegistry().HandleDevice(context.Background(), &config.DeviceSpec{
		ID:         "net-1",
		DriverType: config.DriverNet,
		VMPath:     "eth1",
	}, &Context{})
	assert.NoError(t, err)
	assert.Empty(t, update.MountSource)

	// interface never shows up
	bus, _ := testBus(t)
	linkByName = func(name string) error { return errors.New("no such link") }
	_, err = NewHandlerRegistry().HandleDevice(context.Background(), &config.DeviceSpec{
		ID:         "net-2",
		DriverType: config.DriverNet,
		VMPath:     "eth2",
	}, &Context{Bus: bus, ResolveTimeout: 10 * time.Millisecond})
	assert.ErrorIs(t, err, uevent.ErrTimeout)
}
