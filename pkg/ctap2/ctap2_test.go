package ctap2

import (
	"encoding/binary"
	"testing"

	"github.com/librekeys/picoforge/pkg/ctaphid"
)

// echoDevice answers the first write with a single CBOR-channel response
// frame carrying a fixed status byte and body, regardless of what was
// sent; later writes get no response. One request per device is enough
// to exercise Engine.Do's framing.
type echoDevice struct {
	cid    uint32
	status byte
	body   []byte
	reads  [][]byte
	idx    int
}

func (e *echoDevice) Write(b []byte) (int, error) {
	if e.reads != nil {
		return len(b), nil
	}
	resp := make([]byte, ctaphid.ReportSize)
	binary.BigEndian.PutUint32(resp[0:4], e.cid)
	resp[4] = ctaphid.CommandCBOR
	payload := append([]byte{e.status}, e.body...)
	binary.BigEndian.PutUint16(resp[5:7], uint16(len(payload)))
	copy(resp[7:], payload)
	e.reads = append(e.reads, resp)
	return len(b), nil
}

func (e *echoDevice) ReadTimeout(b []byte, _ int) (int, error) {
	if e.idx >= len(e.reads) {
		return 0, nil
	}
	n := copy(b, e.reads[e.idx])
	e.idx++
	return n, nil
}

func (e *echoDevice) Close() error { return nil }

func TestEngineDoStripsStatusByte(t *testing.T) {
	fake := &echoDevice{cid: 0xCAFEBABE, status: 0x00, body: []byte{0xA1, 0x01, 0x02}}
	dev := ctaphid.NewDeviceForTesting(fake, fake.cid)
	eng := NewEngine(dev)

	resp, err := eng.Do(CommandGetInfo, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(resp) != 3 || resp[0] != 0xA1 {
		t.Fatalf("resp = %x, want A1 01 02", resp)
	}
}

func TestEngineDoSurfacesDeviceStatus(t *testing.T) {
	fake := &echoDevice{cid: 0x11112222, status: 0x37}
	dev := ctaphid.NewDeviceForTesting(fake, fake.cid)
	eng := NewEngine(dev)

	_, err := eng.Do(CommandAuthenticatorConfig, []byte{0xA0})
	if err == nil {
		t.Fatal("expected PIN policy error")
	}
}

func TestGetCommandName(t *testing.T) {
	if GetCommandName(CommandGetInfo) != "GetInfo" {
		t.Fatalf("name = %q", GetCommandName(CommandGetInfo))
	}
	if GetCommandName(0xFE) != "Unknown" {
		t.Fatalf("name = %q, want Unknown", GetCommandName(0xFE))
	}
}
