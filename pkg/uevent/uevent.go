// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package uevent reads the kernel device-event stream and fans events
// out to waiters registered with the Bus.
package uevent

import (
	"bufio"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	uEventAction    = "ACTION"
	uEventDevPath   = "DEVPATH"
	uEventSubSystem = "SUBSYSTEM"
	uEventSeqNum    = "SEQNUM"
	uEventDevName   = "DEVNAME"
	uEventInterface = "INTERFACE"

	paramDelim = 0x00
)

// Uevent actions this package cares about.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
	ActionChange = "change"
)

var ueventLogger = logrus.WithField("subsystem", "uevent")

// SetLogger sets the logger for the uevent package.
func SetLogger(logger *logrus.Entry) {
	fields := ueventLogger.Data
	ueventLogger = logger.WithFields(fields)
}

// Uevent represents a single uevent.
type Uevent struct {
	Header    string
	Action    string
	DevPath   string
	SubSystem string
	SeqNum    string
	DevName   string
}

// Source produces parsed uevents one at a time. Read blocks until an
// event is available or the source is closed.
type Source interface {
	Read() (*Uevent, error)
	Close() error
}

// Handler decodes the raw NUL-delimited netlink payload into Uevents.
// It is the production Source backed by the kernel's uevent socket.
type Handler struct {
	readerCloser io.ReadCloser
	bufioReader  *bufio.Reader
}

// NewHandler returns a uevent handler reading from the kernel.
func NewHandler() (*Handler, error) {
	rdCloser, err := NewReaderCloser()
	if err != nil {
		return nil, err
	}

	return &Handler{
		readerCloser: rdCloser,
		bufioReader:  bufio.NewReader(rdCloser),
	}, nil
}

// Read blocks and returns the next uevent when available.
func (h *Handler) Read() (*Uevent, error) {
	uEv := &Uevent{}

	// Read header first.
	header, err := h.bufioReader.ReadString(paramDelim)
	if err != nil {
		return nil, err
	}

	// Fill uevent header.
	uEv.Header = header

	exitLoop := false

	// Read every parameter as "key=value".
	for !exitLoop {
		keyValue, err := h.bufioReader.ReadString(paramDelim)
		if err != nil {
			return nil, err
		}

		idx := strings.Index(keyValue, "=")
		if idx < 1 {
			// tolerate undecodable records (libudev traffic, truncated
			// keys); one bad field must not stall the kernel stream
			ueventLogger.WithField("record", strings.TrimSuffix(keyValue, "\x00")).
				Debug("skipping undecodable uevent field")
			continue
		}

		// The key is the first parameter, and the value is the rest
		// without the "=" sign, and without the last character since
		// it is the delimiter.
		key, val := keyValue[:idx], keyValue[idx+1:len(keyValue)-1]

		switch key {
		case uEventAction:
			uEv.Action = val
		case uEventDevPath:
			uEv.DevPath = val
		case uEventSubSystem:
			uEv.SubSystem = val
		case uEventDevName:
			uEv.DevName = val
		case uEventInterface:
			// In case of network interfaces, DevName will be empty since a device node
			// is not created. Instead store the "INTERFACE" field as devName
			uEv.DevName = val
		case uEventSeqNum:
			uEv.SeqNum = val

			// "SEQNUM" signals the uevent is complete.
			exitLoop = true
		}
	}

	return uEv, nil
}

// Close shuts down the uevent handler and closes the underlying netlink
// connection.
func (h *Handler) Close() error {
	return h.readerCloser.Close()
}
