// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package topology tracks which addresses on the guest's virtual bus
// hierarchy are occupied and hands out free ones to attach requests.
package topology

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vmdevices/hotplug/pkg/busaddr"
)

// Kind selects which bus pool an allocation is served from.
type Kind string

const (
	// KindPCI allocates a slot on a PCI bus or bridge.
	KindPCI Kind = "pci"
)

// BridgeCapacity is the number of slots a single PCI bus or bridge
// offers, one per valid 5-bit slot value.
const BridgeCapacity = busaddr.PciSlotMax + 1

var (
	// ErrExhausted is returned when every slot on every configured bridge
	// is occupied. Callers must treat it as a recoverable rejection of the
	// device request, not a fatal condition.
	ErrExhausted = errors.New("no free slots left on any bridge")

	// ErrNotAllocated is returned when releasing a slot that is not
	// occupied. This points at a bookkeeping bug in the caller.
	ErrNotAllocated = errors.New("slot is not allocated")
)

var topoLogger = logrus.WithField("subsystem", "topology")

// SetLogger sets the logger for the topology package.
func SetLogger(logger *logrus.Entry) {
	fields := topoLogger.Data
	topoLogger = logger.WithFields(fields)
}

// bridge is one PCI bus or bridge worth of slots. Slots are keyed by
// their 5-bit number and record the owning device ID for debugging.
type bridge struct {
	id      string
	devices map[uint8]string
}

func (b *bridge) full() bool {
	return len(b.devices) >= BridgeCapacity
}

// lowestFreeSlot returns the smallest unoccupied slot number.
func (b *bridge) lowestFreeSlot() (uint8, bool) {
	for slot := 0; slot < BridgeCapacity; slot++ {
		if _, used := b.devices[uint8(slot)]; !used {
			return uint8(slot), true
		}
	}
	return 0, false
}

// Allocator hands out free bus addresses and reclaims released ones.
// Bridges are filled in order and within a bridge the lowest free slot
// wins, so allocation is deterministic for a given history.
type Allocator struct {
	sync.Mutex
	bridges []*bridge
}

// NewAllocator creates an Allocator with maxBridges PCI bridges. A
// value below one is treated as one, the root bus.
func NewAllocator(maxBridges int) *Allocator {
	if maxBridges < 1 {
		maxBridges = 1
	}
	a := &Allocator{}
	for i := 0; i < maxBridges; i++ {
		a.bridges = append(a.bridges, &bridge{
			id:      fmt.Sprintf("pci-bridge-%d", i),
			devices: make(map[uint8]string),
		})
	}
	return a
}

// Allocate reserves the lowest free slot on the first bridge with
// capacity and records owner against it.
func (a *Allocator) Allocate(kind Kind, owner string) (busaddr.Address, error) {
	if kind != KindPCI {
		return nil, errors.Errorf("cannot allocate address of kind %q", kind)
	}

	a.Lock()
	defer a.Unlock()

	for _, b := range a.bridges {
		if b.full() {
			continue
		}
		slot, ok := b.lowestFreeSlot()
		if !ok {
			continue
		}
		addr, err := busaddr.PciSlotFrom(int(slot))
		if err != nil {
			return nil, err
		}
		b.devices[slot] = owner
		topoLogger.WithFields(logrus.Fields{
			"bridge": b.id,
			"slot":   addr.String(),
			"owner":  owner,
		}).Debug("allocated bus address")
		return addr, nil
	}

	return nil, ErrExhausted
}

// Release returns addr's slot to its pool. Releasing a slot that is
// already free is a programming error: it is logged and reported but
// leaves the pools untouched.
func (a *Allocator) Release(addr busaddr.Address) error {
	slot, ok := addr.(busaddr.PciSlot)
	if !ok {
		return errors.Errorf("address %q is not pool-managed", addr)
	}

	a.Lock()
	defer a.Unlock()

	for _, b := range a.bridges {
		if owner, used := b.devices[slot.Slot()]; used {
			delete(b.devices, slot.Slot())
			topoLogger.WithFields(logrus.Fields{
				"bridge": b.id,
				"slot":   slot.String(),
				"owner":  owner,
			}).Debug("released bus address")
			return nil
		}
	}

	topoLogger.WithField("slot", slot.String()).Error("double release of bus address")
	return errors.Wrapf(ErrNotAllocated, "slot %s", slot)
}

// InUse returns how many slots are currently occupied across all bridges.
func (a *Allocator) InUse() int {
	a.Lock()
	defer a.Unlock()

	n := 0
	for _, b := range a.bridges {
		n += len(b.devices)
	}
	return n
}

// Capacity returns the total number of slots the allocator manages.
func (a *Allocator) Capacity() int {
	return len(a.bridges) * BridgeCapacity
}
