// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package drivers

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/vmdevices/hotplug/pkg/device/api"
)

func deviceLogger() *logrus.Entry {
	return api.DeviceLogger()
}

// makeNameID builds a named-id for passing to the hypervisor, truncated
// to maxLen as hypervisor command lines put a hard cap on identifiers.
func makeNameID(namedType, id string, maxLen int) string {
	nameID := fmt.Sprintf("%s-%s", namedType, id)
	if len(nameID) > maxLen {
		nameID = nameID[:maxLen]
	}

	return nameID
}

// GetVirtDriveName predicts the guest block device name ("vda", "vdb",
// ... "vdaa") the kernel will give the drive at the supplied index.
func GetVirtDriveName(index int) (string, error) {
	if index < 0 {
		return "", fmt.Errorf("Index cannot be negative for drive")
	}

	// Prefix used for virtio-block devices
	const prefix = "vd"

	// Refer to DISK_NAME_LEN in the Linux kernel's include/linux/genhd.h
	diskNameLen := 32
	base := 26

	suffLen := diskNameLen - len(prefix)
	diskLetters := make([]byte, suffLen)

	var i int

	for i = 0; i < suffLen && index >= 0; i++ {
		letter := byte('a' + (index % base))
		diskLetters[i] = letter
		index = index/base - 1
	}

	if index >= 0 {
		return "", fmt.Errorf("Index not supported")
	}

	// reverse in place, the least significant letter came out first
	for j, k := 0, i-1; j < k; j, k = j+1, k-1 {
		diskLetters[j], diskLetters[k] = diskLetters[k], diskLetters[j]
	}

	return prefix + string(diskLetters[:i]), nil
}

// VFIODeviceType classifies the host device behind a /dev/vfio group.
type VFIODeviceType uint32

const (
	// VFIODeviceErrorType is the error type of VFIO device
	VFIODeviceErrorType VFIODeviceType = iota

	// VFIOPCIDeviceNormalType is a normal VFIO PCI device type
	VFIOPCIDeviceNormalType

	// VFIOAPDeviceMediatedType is a VFIO AP mediated device type
	VFIOAPDeviceMediatedType
)

// Defined as variables to allow overriding in the tests.

// SysIOMMUGroupPath is static string of /sys/kernel/iommu_groups
var SysIOMMUGroupPath = "/sys/kernel/iommu_groups"

var vfioAPSysfsDir = "vfio_ap"

// GetVFIODeviceType tells a plain PCI passthrough device apart from a
// mediated AP device by the shape of its sysfs entry name.
func GetVFIODeviceType(deviceFilePath string) (VFIODeviceType, error) {
	deviceFileName := filepath.Base(deviceFilePath)

	// For example, 0000:04:00.0
	tokens := strings.Split(deviceFileName, ":")
	if len(tokens) == 3 {
		return VFIOPCIDeviceNormalType, nil
	}

	// For example, 83b8f4f2-509f-382f-3c1e-e6bfe0fa1001
	tokens = strings.Split(deviceFileName, "-")
	if len(tokens) != 5 {
		return VFIODeviceErrorType, fmt.Errorf("Incorrect tokens found while parsing VFIO details: %s", deviceFileName)
	}

	deviceSysfsDev, err := filepath.EvalSymlinks(deviceFilePath)
	if err != nil {
		return VFIODeviceErrorType, err
	}

	if strings.Contains(deviceSysfsDev, vfioAPSysfsDir) {
		return VFIOAPDeviceMediatedType, nil
	}

	return VFIODeviceErrorType, fmt.Errorf("Unsupported mediated VFIO device: %s", deviceFileName)
}

// GetAPVFIODevices retrieves all AP queue numbers ("xx.xxxx") associated
// with a mediated VFIO-AP device.
func GetAPVFIODevices(sysfsdev string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(sysfsdev, "matrix"))
	if err != nil {
		return []string{}, err
	}
	// Split by newlines, omitting final newline
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n"), nil
}

// iommuGroupDevices lists the sysfs entries of every device in the IOMMU
// group backing hostPath (a /dev/vfio/<group> node).
func iommuGroupDevices(hostPath string) ([]string, error) {
	vfioGroup := filepath.Base(hostPath)
	iommuDevicesPath := filepath.Join(SysIOMMUGroupPath, vfioGroup, "devices")

	deviceFiles, err := os.ReadDir(iommuDevicesPath)
	if err != nil {
		return nil, err
	}

	var devices []string
	for _, deviceFile := range deviceFiles {
		devices = append(devices, filepath.Join(iommuDevicesPath, deviceFile.Name()))
	}
	return devices, nil
}
