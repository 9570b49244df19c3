// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package drivers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetVirtDriveName(t *testing.T) {
	tests := []struct {
		index         int
		expectedDrive string
	}{
		{0, "vda"},
		{25, "vdz"},
		{27, "vdab"},
		{704, "vdaac"},
		{18277, "vdzzz"},
	}

	for _, test := range tests {
		driveName, err := GetVirtDriveName(test.index)
		assert.NoError(t, err)
		assert.Equal(t, test.expectedDrive, driveName)
	}

	_, err := GetVirtDriveName(-1)
	assert.Error(t, err)
}

func TestMakeNameID(t *testing.T) {
	nameID := makeNameID("testType", "testID", 14)
	expected := "testType-testI"
	assert.Equal(t, expected, nameID)

	nameID = makeNameID("fs", "short", maxDevIDSize)
	assert.Equal(t, "fs-short", nameID)
}

func TestGetVFIODeviceType(t *testing.T) {
	deviceType, err := GetVFIODeviceType("0000:04:00.0")
	assert.NoError(t, err)
	assert.Equal(t, VFIOPCIDeviceNormalType, deviceType)

	_, err = GetVFIODeviceType("04:00.0")
	assert.Error(t, err)

	_, err = GetVFIODeviceType("83b8f4f2")
	assert.Error(t, err)
}

func TestGetAPVFIODevices(t *testing.T) {
	sysfsdev := t.TempDir()
	matrix := filepath.Join(sysfsdev, "matrix")
	assert.NoError(t, os.WriteFile(matrix, []byte("05.001f\n06.0020\n"), 0o644))

	queues, err := GetAPVFIODevices(sysfsdev)
	assert.NoError(t, err)
	assert.Equal(t, []string{"05.001f", "06.0020"}, queues)

	_, err = GetAPVFIODevices(filepath.Join(sysfsdev, "missing"))
	assert.Error(t, err)
}
