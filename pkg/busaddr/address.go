// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package busaddr holds the value types identifying where a hotplugged
// device lives on the guest's virtual hardware: a PCI slot on a bus or
// bridge, an adapter/domain pair for crypto queues, or a kernel device
// path for memory-backed devices discovered through ACPI.
package busaddr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// PciSlotMax is the highest valid PCI slot number. The slot is a 5-bit
// field in the PCI device/function address.
const PciSlotMax = 0x1f

var (
	// ErrInvalidFormat is returned when a bus address string cannot be parsed.
	ErrInvalidFormat = errors.New("invalid bus address format")

	// ErrOutOfRange is returned when an address component is syntactically
	// valid but outside the range the bus supports.
	ErrOutOfRange = errors.New("bus address out of range")
)

// Address is a guest bus location in one of its concrete shapes:
// PciSlot, ApQueue or KernelDevPath. The canonical string form returned
// by String is what crosses the host/guest boundary and is accepted back
// by the corresponding parse function.
type Address interface {
	fmt.Stringer
	busAddress()
}

// PciSlot is a slot number on a PCI bus or bridge.
type PciSlot struct {
	slot uint8
}

// PciSlotFrom validates v as a PCI slot number.
func PciSlotFrom(v int) (PciSlot, error) {
	if v < 0 || v > PciSlotMax {
		return PciSlot{}, errors.Wrapf(ErrOutOfRange,
			"PCI slot %#02x should be in range [0x00..%#02x]", v, PciSlotMax)
	}
	return PciSlot{slot: uint8(v)}, nil
}

// ParsePciSlot is the exact inverse of PciSlot.String.
func ParsePciSlot(s string) (PciSlot, error) {
	if len(s) == 0 || len(s) > 2 {
		return PciSlot{}, errors.Wrapf(ErrInvalidFormat,
			"PCI slot %q should be 1-2 hex digits", s)
	}
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return PciSlot{}, errors.Wrapf(ErrInvalidFormat,
			"failed to parse %q as a PCI slot", s)
	}
	return PciSlotFrom(int(v))
}

func (s PciSlot) String() string {
	return fmt.Sprintf("%02x", s.slot)
}

// Slot returns the raw slot number.
func (s PciSlot) Slot() uint8 {
	return s.slot
}

func (PciSlot) busAddress() {}

// ApQueue identifies an Adjunct Processor crypto queue by its adapter
// and domain, formatted as two lowercase hex bytes, a dot, and four
// lowercase hex digits, e.g. "0a.003f".
type ApQueue struct {
	AdapterID     uint8
	AdapterDomain uint16
}

// ParseApQueue is the exact inverse of ApQueue.String.
func ParseApQueue(s string) (ApQueue, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return ApQueue{}, errors.Wrapf(ErrInvalidFormat,
			"AP queue %q should have exactly one '.' separator", s)
	}
	if len(parts[0]) == 0 || len(parts[0]) > 2 {
		return ApQueue{}, errors.Wrapf(ErrInvalidFormat,
			"AP adapter ID %q should be 1-2 hex digits", parts[0])
	}
	adapter, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return ApQueue{}, errors.Wrapf(ErrInvalidFormat,
			"failed to parse %q as an AP adapter ID", parts[0])
	}
	if len(parts[1]) == 0 || len(parts[1]) > 4 {
		return ApQueue{}, errors.Wrapf(ErrInvalidFormat,
			"AP adapter domain %q should be 1-4 hex digits", parts[1])
	}
	domain, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return ApQueue{}, errors.Wrapf(ErrInvalidFormat,
			"failed to parse %q as an AP adapter domain", parts[1])
	}
	return ApQueue{AdapterID: uint8(adapter), AdapterDomain: uint16(domain)}, nil
}

func (q ApQueue) String() string {
	return fmt.Sprintf("%02x.%04x", q.AdapterID, q.AdapterDomain)
}

func (ApQueue) busAddress() {}

// KernelDevPath locates a device by a suffix of its kernel device path.
// Used for memory-backed devices that surface under a well-known ACPI
// root rather than at a configurable bus slot.
type KernelDevPath struct {
	Path string
}

func (p KernelDevPath) String() string {
	return p.Path
}

// Matches reports whether devpath refers to this device.
func (p KernelDevPath) Matches(devpath string) bool {
	return p.Path != "" && strings.HasSuffix(devpath, p.Path)
}

func (KernelDevPath) busAddress() {}
