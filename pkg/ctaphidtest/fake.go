// Package ctaphidtest provides an in-process fake implementing
// ctaphid.RawDevice, so higher layers (pinproto, credmgmt, vendorext,
// device) can be tested without real USB hardware.
package ctaphidtest

import (
	"encoding/binary"

	"github.com/librekeys/picoforge/pkg/ctaphid"
)

// Responder answers one reassembled CTAPHID request (the HID command
// byte and its full payload) with a status byte and response body.
type Responder func(cmd byte, payload []byte) (status byte, body []byte)

// Device is a scripted CTAPHID endpoint: it reassembles outgoing frames
// exactly as a real device would, hands the result to a Responder, and
// frames the Responder's reply back as CTAPHID reports.
type Device struct {
	CID       uint32
	Responder Responder

	// accumulation state for the in-flight request
	cmd      byte
	expected int
	payload  []byte

	// queued outgoing report frames to be drained by ReadTimeout
	outbox [][]byte
}

// NewDevice builds a fake bound to cid, delegating every request to fn.
func NewDevice(cid uint32, fn Responder) *Device {
	return &Device{CID: cid, Responder: fn}
}

func (d *Device) Write(b []byte) (int, error) {
	frame := make([]byte, len(b))
	copy(frame, b)

	if d.payload == nil && d.expected == 0 {
		cmd := frame[4]
		length := int(binary.BigEndian.Uint16(frame[5:7]))
		d.cmd = cmd
		d.expected = length
		chunk := frame[7:]
		if len(chunk) > length {
			chunk = chunk[:length]
		}
		d.payload = append([]byte{}, chunk...)
	} else {
		chunk := frame[5:]
		remaining := d.expected - len(d.payload)
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		d.payload = append(d.payload, chunk...)
	}

	if len(d.payload) >= d.expected {
		status, respBody := d.Responder(d.cmd, d.payload)
		d.queueResponse(d.cmd, status, respBody)
		d.cmd = 0
		d.expected = 0
		d.payload = nil
	}
	return len(b), nil
}

func (d *Device) queueResponse(cmd, status byte, body []byte) {
	full := append([]byte{status}, body...)
	total := len(full)

	first := make([]byte, ctaphid.ReportSize)
	binary.BigEndian.PutUint32(first[0:4], d.CID)
	first[4] = cmd
	binary.BigEndian.PutUint16(first[5:7], uint16(total))
	n := copy(first[7:], full)
	d.outbox = append(d.outbox, first)
	full = full[n:]

	seq := byte(0)
	for len(full) > 0 {
		frame := make([]byte, ctaphid.ReportSize)
		binary.BigEndian.PutUint32(frame[0:4], d.CID)
		frame[4] = seq & 0x7F
		n := copy(frame[5:], full)
		d.outbox = append(d.outbox, frame)
		full = full[n:]
		seq++
	}
}

func (d *Device) ReadTimeout(b []byte, _ int) (int, error) {
	if len(d.outbox) == 0 {
		return 0, nil
	}
	frame := d.outbox[0]
	d.outbox = d.outbox[1:]
	n := copy(b, frame)
	return n, nil
}

func (d *Device) Close() error { return nil }
