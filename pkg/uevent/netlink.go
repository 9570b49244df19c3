// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package uevent

import (
	"io"

	"golang.org/x/sys/unix"
)

// ReaderCloser defines a uevent reader/closer. It is an io.ReadCloser
// implementation over the kernel's uevent netlink socket.
type ReaderCloser struct {
	fd int
}

// NewReaderCloser returns an io.ReadCloser handle for uevent.
func NewReaderCloser() (io.ReadCloser, error) {
	nl := unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		// Passing Pid as 0 here allows the kernel to take care of assigning
		// it. This allows multiple netlink sockets to be used.
		Pid:    uint32(0),
		Groups: 1,
	}

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, err
	}

	if err := unix.Bind(fd, &nl); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &ReaderCloser{fd}, nil
}

// Read implements reading function for uevent.
func (r *ReaderCloser) Read(p []byte) (int, error) {
	count, err := unix.Read(r.fd, p)
	if count < 0 && err != nil {
		count = 0
	}
	return count, err
}

// Close implements closing function for uevent.
func (r *ReaderCloser) Close() error {
	return unix.Close(r.fd)
}
