// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package uevent

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func rawUevent(fields ...string) []byte {
	var buf bytes.Buffer
	for _, f := range fields {
		buf.WriteString(f)
		buf.WriteByte(paramDelim)
	}
	return buf.Bytes()
}

func handlerFor(data []byte) *Handler {
	rc := io.NopCloser(bytes.NewReader(data))
	return &Handler{
		readerCloser: rc,
		bufioReader:  bufio.NewReader(rc),
	}
}

func TestReadUevent(t *testing.T) {
	data := rawUevent(
		"add@/devices/pci0000:00/0000:00:02.0/virtio1/block/vda",
		"ACTION=add",
		"DEVPATH=/devices/pci0000:00/0000:00:02.0/virtio1/block/vda",
		"SUBSYSTEM=block",
		"DEVNAME=vda",
		"MAJOR=254",
		"MINOR=0",
		"SEQNUM=1234",
	)

	uEv, err := handlerFor(data).Read()
	assert.NoError(t, err)
	assert.Equal(t, "add", uEv.Action)
	assert.Equal(t, "/devices/pci0000:00/0000:00:02.0/virtio1/block/vda", uEv.DevPath)
	assert.Equal(t, "block", uEv.SubSystem)
	assert.Equal(t, "vda", uEv.DevName)
	assert.Equal(t, "1234", uEv.SeqNum)
}

func TestReadUeventNetworkInterface(t *testing.T) {
	data := rawUevent(
		"add@/devices/virtual/net/eth0",
		"ACTION=add",
		"DEVPATH=/devices/virtual/net/eth0",
		"SUBSYSTEM=net",
		"INTERFACE=eth0",
		"SEQNUM=99",
	)

	uEv, err := handlerFor(data).Read()
	assert.NoError(t, err)
	// the interface name stands in for the missing device node
	assert.Equal(t, "eth0", uEv.DevName)
}

func TestReadUeventSkipsUndecodableField(t *testing.T) {
	data := rawUevent(
		"add@/devices/whatever",
		"NOTAKEYVALUE",
		"ACTION=add",
		"DEVNAME=vda",
		"SEQNUM=7",
	)

	// a junk field inside a record is skipped, not fatal
	uEv, err := handlerFor(data).Read()
	assert.NoError(t, err)
	assert.Equal(t, "add", uEv.Action)
	assert.Equal(t, "vda", uEv.DevName)
}

func TestReadUeventSurvivesBadRecord(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(rawUevent(
		"add@/devices/junk",
		"NOTAKEYVALUE",
		"SEQNUM=1",
	))
	buf.Write(rawUevent(
		"add@/devices/pci0000:00/0000:00:02.0/virtio1/block/vda",
		"ACTION=add",
		"SUBSYSTEM=block",
		"DEVNAME=vda",
		"SEQNUM=2",
	))

	h := handlerFor(buf.Bytes())

	// the stream keeps flowing past the undecodable record and the
	// valid event behind it is still delivered
	first, err := h.Read()
	assert.NoError(t, err)
	assert.Equal(t, "1", first.SeqNum)

	second, err := h.Read()
	assert.NoError(t, err)
	assert.Equal(t, "vda", second.DevName)
	assert.Equal(t, "block", second.SubSystem)
}

func TestReadUeventTruncated(t *testing.T) {
	data := rawUevent(
		"add@/devices/whatever",
		"ACTION=add",
	)

	// stream ends before SEQNUM completes the event
	_, err := handlerFor(data).Read()
	assert.ErrorIs(t, err, io.EOF)
}
