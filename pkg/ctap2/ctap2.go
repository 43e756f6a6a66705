// Package ctap2 implements the CTAP2 request/response engine: it
// prepends the CTAP command byte, posts the CBOR payload through the
// CTAPHID layer, and strips the leading status byte from the response.
package ctap2

import (
	"github.com/librekeys/picoforge/pkg/ctaperr"
	"github.com/librekeys/picoforge/pkg/ctaphid"
)

// CTAP2 command bytes.
const (
	CommandMakeCredential      byte = 0x01
	CommandGetAssertion        byte = 0x02
	CommandGetInfo             byte = 0x04
	CommandClientPin           byte = 0x06
	CommandReset               byte = 0x07
	CommandGetNextAssertion    byte = 0x08
	CommandCredentialMgmt      byte = 0x0A
	CommandSelection           byte = 0x0B
	CommandLargeBlobs          byte = 0x0C
	CommandAuthenticatorConfig byte = 0x0D
)

var commandNames = map[byte]string{
	CommandMakeCredential:      "MakeCredential",
	CommandGetAssertion:        "GetAssertion",
	CommandGetInfo:             "GetInfo",
	CommandClientPin:           "ClientPin",
	CommandReset:               "Reset",
	CommandGetNextAssertion:    "GetNextAssertion",
	CommandCredentialMgmt:      "CredentialManagement",
	CommandSelection:           "Selection",
	CommandLargeBlobs:          "LargeBlobs",
	CommandAuthenticatorConfig: "AuthenticatorConfig",
}

// GetCommandName returns a human-readable name for a CTAP2 command byte,
// falling back to "Unknown" for anything unrecognized.
func GetCommandName(cmd byte) string {
	if name, ok := commandNames[cmd]; ok {
		return name
	}
	return "Unknown"
}

// Engine wraps a negotiated CTAPHID device and implements the CTAP2
// request/response contract.
type Engine struct {
	Device *ctaphid.Device
}

// NewEngine builds an Engine over an already-negotiated device.
func NewEngine(dev *ctaphid.Device) *Engine {
	return &Engine{Device: dev}
}

// Do issues a CTAP2 command: cmd is prepended to body, the result is
// transacted through the CTAPHID CBOR channel, and a non-zero status
// byte is translated into a *ctaperr.Error via ctaperr.Status.
func (e *Engine) Do(cmd byte, body []byte) ([]byte, error) {
	payload := make([]byte, 0, len(body)+1)
	payload = append(payload, cmd)
	payload = append(payload, body...)

	status, resp, err := e.Device.SendCBOR(ctaphid.CommandCBOR, payload)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, ctaperr.Status(status)
	}
	return resp, nil
}

// DoVendor issues a request on the vendor-CBOR channel: vendorCmd (the
// single-byte vendor sub-ID, e.g. MemoryStats or PhysicalOptionsRead)
// is prepended to body exactly as Do prepends the CTAP2 command byte on
// the standard channel, and the same status-byte convention applies.
func (e *Engine) DoVendor(vendorCmd byte, body []byte) ([]byte, error) {
	payload := make([]byte, 0, len(body)+1)
	payload = append(payload, vendorCmd)
	payload = append(payload, body...)

	status, resp, err := e.Device.SendCBOR(ctaphid.CommandVendor, payload)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, ctaperr.Status(status)
	}
	return resp, nil
}
