// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package guest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaitDevNodeAlreadyThere(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vda")
	assert.NoError(t, os.WriteFile(path, nil, 0o600))

	err := WaitDevNode(context.Background(), path, time.Second)
	assert.NoError(t, err)
}

func TestWaitDevNodeAppearsLater(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vdb")

	go func() {
		time.Sleep(50 * time.Millisecond)
		os.WriteFile(path, nil, 0o600)
	}()

	err := WaitDevNode(context.Background(), path, 5*time.Second)
	assert.NoError(t, err)
}

func TestWaitDevNodeTimeout(t *testing.T) {
	dir := t.TempDir()

	err := WaitDevNode(context.Background(), filepath.Join(dir, "never"), 20*time.Millisecond)
	assert.Error(t, err)
}

func TestWaitDevNodeCancelled(t *testing.T) {
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := WaitDevNode(ctx, filepath.Join(dir, "never"), time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
