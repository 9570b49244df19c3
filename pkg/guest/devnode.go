// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package guest

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// waitDevNode is swapped out in the tests.
var waitDevNode = WaitDevNode

// WaitDevNode blocks until the device node exists, watching its parent
// directory. The node may show up slightly after the kernel event when
// a device manager in the guest creates it.
func WaitDevNode(ctx context.Context, path string, timeout time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return errors.Wrapf(err, "watching %s", filepath.Dir(path))
	}

	// check after the watch is in place, the node may already be there
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.Errorf("watcher closed before %s appeared", path)
			}
			if event.Has(fsnotify.Create) && event.Name == path {
				return nil
			}

		case werr, ok := <-watcher.Errors:
			if ok && werr != nil {
				return errors.Wrapf(werr, "watching for %s", path)
			}

		case <-timer.C:
			return errors.Errorf("timed out waiting for device node %s", path)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
