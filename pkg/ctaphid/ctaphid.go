// Package ctaphid implements the CTAPHID framing layer: assembly and
// reassembly of CTAP2 messages over 64-byte USB HID reports, channel
// negotiation on the broadcast channel, and keep-alive/error handling.
package ctaphid

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/karalabe/hid"
	"github.com/librekeys/picoforge/pkg/ctaperr"
)

const (
	// ReportSize is the fixed HID report length used for every frame.
	ReportSize = 64

	// BroadcastCID is the channel identifier used only during negotiation.
	BroadcastCID uint32 = 0xFFFFFFFF

	// UsagePageFIDO is the HID usage page the client selects a device by.
	UsagePageFIDO uint16 = 0xF1D0

	cmdInit      byte = 0x86
	cmdKeepAlive byte = 0xBB
	cmdError     byte = 0xBF

	// CommandCBOR is the CTAPHID command byte for the standard CBOR
	// channel (CTAP2 requests).
	CommandCBOR byte = 0x90
	// CommandVendor is the CTAPHID command byte for the vendor-CBOR
	// channel.
	CommandVendor byte = 0xC1

	initHeaderLen = 7 // cid(4) + cmd(1) + len(2)
	contHeaderLen = 5 // cid(4) + seq(1)
	initPayload   = ReportSize - initHeaderLen
	contPayload   = ReportSize - contHeaderLen

	negotiateTotalTimeout = time.Second
	negotiatePollTimeout  = 100 * time.Millisecond
	drainPollTimeout      = 5 * time.Millisecond
	drainRounds           = 8

	initialReadTimeout = 2 * time.Second
	contReadTimeout    = 500 * time.Millisecond
	totalDeadline      = 5 * time.Second
)

// RawDevice is the minimal surface this package depends on from
// github.com/karalabe/hid's Device interface. Declaring it locally lets
// tests substitute an in-process fake without cgo.
type RawDevice interface {
	Write(b []byte) (int, error)
	ReadTimeout(b []byte, timeoutMs int) (int, error)
	Close() error
}

// Device is an opened CTAPHID endpoint with a negotiated channel.
type Device struct {
	raw     RawDevice
	cid     uint32
	vid     uint16
	pid     uint16
	product string
}

// VendorID, ProductID and Product report the identity of the opened device.
func (d *Device) VendorID() uint16  { return d.vid }
func (d *Device) ProductID() uint16 { return d.pid }
func (d *Device) Product() string   { return d.product }

// Channel returns the negotiated 32-bit channel identifier.
func (d *Device) Channel() uint32 { return d.cid }

// Close releases the underlying HID handle.
func (d *Device) Close() error { return d.raw.Close() }

// NewDeviceForTesting builds a Device with an already-known channel,
// bypassing negotiation, for use by other packages' tests against a fake
// RawDevice.
func NewDeviceForTesting(raw RawDevice, cid uint32) *Device {
	return &Device{raw: raw, cid: cid}
}

// Open enumerates attached USB HID devices, selects the first interface
// whose usage page equals UsagePageFIDO (optionally filtered by vendorID
// and productID, 0 meaning "any"), opens it, and negotiates a channel.
func Open(vendorID, productID uint16) (*Device, error) {
	infos, err := hid.Enumerate(vendorID, productID)
	if err != nil {
		return nil, ctaperr.Wrap(ctaperr.KindIO, "enumerate HID devices", err)
	}
	for _, info := range infos {
		if info.UsagePage != UsagePageFIDO {
			continue
		}
		dev, err := info.Open()
		if err != nil {
			return nil, ctaperr.Wrap(ctaperr.KindIO, "open HID device", err)
		}
		return openRaw(dev, info.VendorID, info.ProductID, info.Product)
	}
	return nil, ctaperr.New(ctaperr.KindNoDevice, "no HID interface with usage page 0xF1D0")
}

// OpenRaw drains stale frames, negotiates a private channel over the
// broadcast channel, and returns a ready-to-use Device wrapping raw.
// Real callers use Open; OpenRaw runs the same drain-and-negotiate
// sequence over any RawDevice implementation, such as an in-process fake.
func OpenRaw(raw RawDevice, vid, pid uint16, product string) (*Device, error) {
	return openRaw(raw, vid, pid, product)
}

func openRaw(raw RawDevice, vid, pid uint16, product string) (*Device, error) {
	drain(raw)

	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return nil, ctaperr.Wrap(ctaperr.KindIO, "generate nonce", err)
	}

	if err := writeInit(raw, BroadcastCID, cmdInit, nonce); err != nil {
		return nil, ctaperr.Wrap(ctaperr.KindIO, "send init frame", err)
	}

	deadline := time.Now().Add(negotiateTotalTimeout)
	for time.Now().Before(deadline) {
		buf := make([]byte, ReportSize)
		n, err := raw.ReadTimeout(buf, int(negotiatePollTimeout/time.Millisecond))
		if err != nil {
			return nil, ctaperr.Wrap(ctaperr.KindIO, "read init response", err)
		}
		if n == 0 {
			continue
		}
		cid := binary.BigEndian.Uint32(buf[0:4])
		cmd := buf[4]
		if cid != BroadcastCID || cmd != cmdInit {
			continue
		}
		if len(buf) < 19 || !equalBytes(buf[7:15], nonce) {
			continue
		}
		newCID := binary.BigEndian.Uint32(buf[15:19])
		return &Device{raw: raw, cid: newCID, vid: vid, pid: pid, product: product}, nil
	}
	return nil, ctaperr.New(ctaperr.KindFraming, "channel negotiation timed out")
}

// drain discards any pending reports so a stale packet from a previous
// session cannot coincidentally satisfy the nonce match above.
func drain(raw RawDevice) {
	buf := make([]byte, ReportSize)
	for i := 0; i < drainRounds; i++ {
		n, err := raw.ReadTimeout(buf, int(drainPollTimeout/time.Millisecond))
		if err != nil || n == 0 {
			return
		}
	}
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func writeInit(raw RawDevice, cid uint32, cmd byte, payload []byte) error {
	report := make([]byte, ReportSize)
	binary.BigEndian.PutUint32(report[0:4], cid)
	report[4] = cmd
	binary.BigEndian.PutUint16(report[5:7], uint16(len(payload)))
	copy(report[7:], payload)
	_, err := raw.Write(report)
	return err
}

// SendCBOR transmits cmd (the CTAPHID command byte: CommandCBOR for the
// standard CBOR channel, CommandVendor for the vendor-CBOR channel) with
// payload as its body, reassembles the response, strips the leading
// status byte (shared by both channels), and returns the remainder plus
// the status byte for the caller to interpret.
func (d *Device) SendCBOR(cmd byte, payload []byte) (status byte, body []byte, err error) {
	if err := d.write(cmd, payload); err != nil {
		return 0, nil, err
	}
	resp, cmdErr := d.read(cmd)
	if cmdErr != nil {
		return 0, nil, cmdErr
	}
	if len(resp) == 0 {
		return 0, nil, ctaperr.New(ctaperr.KindFraming, "empty response payload")
	}
	return resp[0], resp[1:], nil
}

// write frames payload as an initialization frame followed by as many
// continuation frames as needed and transmits them over the negotiated
// channel.
func (d *Device) write(cmd byte, payload []byte) error {
	total := len(payload)

	// CTAPHID command bytes already carry the high bit (0x86, 0x90, 0xBB,
	// 0xBF, 0xC1 are all >= 0x80); only continuation frames need the
	// high bit explicitly cleared on their sequence byte.
	first := make([]byte, ReportSize)
	binary.BigEndian.PutUint32(first[0:4], d.cid)
	first[4] = cmd
	binary.BigEndian.PutUint16(first[5:7], uint16(total))
	n := copy(first[7:], payload)
	if _, err := d.raw.Write(first); err != nil {
		return ctaperr.Wrap(ctaperr.KindIO, "write init frame", err)
	}
	payload = payload[n:]

	seq := byte(0)
	for len(payload) > 0 {
		frame := make([]byte, ReportSize)
		binary.BigEndian.PutUint32(frame[0:4], d.cid)
		frame[4] = seq & 0x7F
		n := copy(frame[5:], payload)
		if _, err := d.raw.Write(frame); err != nil {
			return ctaperr.Wrap(ctaperr.KindIO, "write continuation frame", err)
		}
		payload = payload[n:]
		seq++
	}
	return nil
}

// read reassembles a response addressed to cmd, honoring keep-alives and
// error frames, and returns the full reassembled payload (status byte
// included).
func (d *Device) read(cmd byte) ([]byte, error) {
	deadline := time.Now().Add(totalDeadline)

	var expected int
	var body []byte
	var lastSeq byte
	first := true

	readTimeout := initialReadTimeout
	for {
		if time.Now().After(deadline) {
			return nil, ctaperr.New(ctaperr.KindKeepAliveTimeout, "total deadline exceeded")
		}
		buf := make([]byte, ReportSize)
		n, err := d.raw.ReadTimeout(buf, int(readTimeout/time.Millisecond))
		if err != nil {
			return nil, ctaperr.Wrap(ctaperr.KindIO, "read response", err)
		}
		if n == 0 {
			continue
		}
		cid := binary.BigEndian.Uint32(buf[0:4])
		if cid != d.cid {
			continue
		}
		rcmd := buf[4]

		if rcmd == cmdKeepAlive {
			deadline = time.Now().Add(totalDeadline)
			continue
		}
		if rcmd == cmdError {
			return nil, ctaperr.Status(buf[5])
		}

		if first {
			if rcmd != cmd {
				return nil, ctaperr.New(ctaperr.KindFraming, "unexpected reply command")
			}
			expected = int(binary.BigEndian.Uint16(buf[5:7]))
			chunk := buf[7:]
			if len(chunk) > expected {
				chunk = chunk[:expected]
			}
			body = append(body, chunk...)
			first = false
			readTimeout = contReadTimeout
			lastSeq = 0
		} else {
			seq := rcmd
			if seq&0x80 != 0 {
				// a new initialization frame for a different exchange; ignore.
				continue
			}
			if seq != lastSeq {
				return nil, ctaperr.New(ctaperr.KindFraming, "continuation sequence mismatch")
			}
			remaining := expected - len(body)
			chunk := buf[5:]
			if len(chunk) > remaining {
				chunk = chunk[:remaining]
			}
			body = append(body, chunk...)
			lastSeq++
		}

		if len(body) >= expected {
			return body, nil
		}
	}
}
