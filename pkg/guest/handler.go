// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package guest resolves hotplugged devices inside the virtual machine.
// A handler registry dispatches on the descriptor's driver-type tag;
// handlers either validate a path the descriptor already carries or wait
// on the event bus until the kernel announces the device.
package guest

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vmdevices/hotplug/pkg/device/config"
	"github.com/vmdevices/hotplug/pkg/uevent"
)

var (
	// ErrNoHandler means no handler is registered for the driver type.
	ErrNoHandler = errors.New("no handler for driver type")

	// ErrResolutionMismatch means a guest event matched structurally but
	// named a different device than expected.
	ErrResolutionMismatch = errors.New("resolved device name does not match expectation")
)

var guestLogger = logrus.WithField("subsystem", "guest-resolver")

// SetLogger sets the logger for the guest package.
func SetLogger(logger *logrus.Entry) {
	fields := guestLogger.Data
	guestLogger = logger.WithFields(fields)
}

// defaultResolveTimeout bounds how long a handler waits for the kernel
// to announce a hotplugged device.
const defaultResolveTimeout = 3 * time.Second

// SpecUpdate is the instruction to splice a resolved guest path into the
// container's mount and device configuration.
type SpecUpdate struct {
	// ID is the logical device this update belongs to.
	ID string

	// ContainerPath keys the entry to patch in the container config.
	ContainerPath string

	// MountSource is the resolved guest path, empty for devices that do
	// not surface a node (vfio-ap queues).
	MountSource string

	// ReadOnly marks the resulting mount read-only.
	ReadOnly bool
}

// Context carries the shared guest-side collaborators into handlers.
type Context struct {
	// Bus is the sandbox's event dispatcher.
	Bus *uevent.Bus

	// ResolveTimeout bounds each event wait; zero means the default.
	ResolveTimeout time.Duration
}

func (c *Context) timeout() time.Duration {
	if c.ResolveTimeout > 0 {
		return c.ResolveTimeout
	}
	return defaultResolveTimeout
}

// DeviceHandler resolves one attached device into a SpecUpdate.
type DeviceHandler interface {
	// DriverTypes returns the driver-type tags the handler manages.
	DriverTypes() []string

	// HandleDevice resolves the device, waiting on the event bus when
	// the descriptor's bus address is not enough on its own.
	HandleDevice(ctx context.Context, spec *config.DeviceSpec, devCtx *Context) (*SpecUpdate, error)
}

// HandlerRegistry maps driver-type tags to their handlers.
type HandlerRegistry struct {
	handlers map[string]DeviceHandler
}

// NewHandlerRegistry returns a registry with the built-in handlers.
func NewHandlerRegistry() *HandlerRegistry {
	hr := &HandlerRegistry{handlers: make(map[string]DeviceHandler)}

	for _, h := range []DeviceHandler{
		&blkPciHandler{},
		&mmioBlkHandler{},
		&nvdimmHandler{},
		&vfioPciHandler{},
		&vfioApHandler{},
		&netHandler{},
		&directHandler{},
	} {
		hr.AddHandler(h)
	}
	return hr
}

// AddHandler registers h for every driver type it manages, replacing any
// previous registration for those types.
func (hr *HandlerRegistry) AddHandler(h DeviceHandler) {
	for _, typ := range h.DriverTypes() {
		hr.handlers[typ] = h
	}
}

// Handler returns the handler for the given driver type.
func (hr *HandlerRegistry) Handler(driverType string) (DeviceHandler, error) {
	h, ok := hr.handlers[driverType]
	if !ok {
		return nil, errors.Wrap(ErrNoHandler, driverType)
	}
	return h, nil
}

// HandleDevice dispatches spec to the handler for its driver type.
func (hr *HandlerRegistry) HandleDevice(ctx context.Context, spec *config.DeviceSpec, devCtx *Context) (*SpecUpdate, error) {
	h, err := hr.Handler(spec.DriverType)
	if err != nil {
		return nil, err
	}

	guestLogger.WithFields(logrus.Fields{
		"device-id":   spec.ID,
		"driver-type": spec.DriverType,
		"bus-address": spec.BusAddress,
	}).Debug("resolving device")

	return h.HandleDevice(ctx, spec, devCtx)
}
