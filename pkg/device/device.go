// Package device provides the top-level façade callers use: it opens a
// CTAPHID device, negotiates a channel, wires a CTAP2 engine on top,
// and exposes the management operations (read info, read memory stats,
// read physical options, PIN management, credential listing/deletion,
// configuration write) as methods on Device.
package device

import (
	"context"
	"encoding/hex"

	"github.com/librekeys/picoforge/pkg/credmgmt"
	"github.com/librekeys/picoforge/pkg/ctap2"
	"github.com/librekeys/picoforge/pkg/ctaperr"
	"github.com/librekeys/picoforge/pkg/ctaphid"
	"github.com/librekeys/picoforge/pkg/pinproto"
	"github.com/librekeys/picoforge/pkg/vendorext"
	"github.com/librekeys/picoforge/pkg/vendorext/info"
)

// Device is the caller-facing handle: a negotiated CTAPHID endpoint
// plus the CTAP2 engine built on top of it. It is not safe for
// concurrent use by multiple goroutines issuing overlapping commands;
// distinct Device values may run on distinct goroutines.
type Device struct {
	hid *ctaphid.Device
	eng *ctap2.Engine
}

// Open opens the first HID interface with usage page 0xF1D0 matching
// vendorID/productID (0 meaning "any"), negotiates a channel, and
// returns a ready-to-use Device.
func Open(vendorID, productID uint16) (*Device, error) {
	hdev, err := ctaphid.Open(vendorID, productID)
	if err != nil {
		return nil, err
	}
	return &Device{hid: hdev, eng: ctap2.NewEngine(hdev)}, nil
}

// Close releases the underlying HID handle.
func (d *Device) Close() error { return d.hid.Close() }

// VendorID, ProductID and Product report the identity of the opened
// device, as recorded at negotiation time.
func (d *Device) VendorID() uint16  { return d.hid.VendorID() }
func (d *Device) ProductID() uint16 { return d.hid.ProductID() }
func (d *Device) Product() string   { return d.hid.Product() }

// ReadInfo fetches and parses the GetInfo response.
func (d *Device) ReadInfo() (info.Record, error) {
	return info.Fetch(d.eng)
}

// ReadMemoryStats reads the optional memory-stats vendor command. An
// Unsupported response is returned as (nil, nil): callers that only
// want a best-effort read should treat a nil result as "not available"
// rather than an error.
func (d *Device) ReadMemoryStats() (*vendorext.MemoryStats, error) {
	stats, err := vendorext.ReadMemoryStats(d.eng)
	if err != nil {
		if ctaperr.Is(err, ctaperr.KindUnsupported) {
			return nil, nil
		}
		return nil, err
	}
	return stats, nil
}

// ReadPhysicalOptions reads the current LED GPIO/brightness
// configuration. An Unsupported response is returned as (nil, nil).
func (d *Device) ReadPhysicalOptions() (*vendorext.PhysicalOptions, error) {
	opts, err := vendorext.ReadPhysicalOptions(d.eng)
	if err != nil {
		if ctaperr.Is(err, ctaperr.KindUnsupported) {
			return nil, nil
		}
		return nil, err
	}
	return opts, nil
}

// Details bundles every PIN-less read into a single call. The read
// never fails as a whole because an optional vendor command is
// unsupported.
type Details struct {
	Info            info.Record
	MemoryStats     *vendorext.MemoryStats
	PhysicalOptions *vendorext.PhysicalOptions
}

// ReadDetails reads GetInfo, then memory stats, then physical options,
// continuing past an Unsupported error on either optional read. ctx is
// honored between the three reads, never within a single HID exchange;
// a stuck exchange is bounded by the transport's total deadline.
func (d *Device) ReadDetails(ctx context.Context) (Details, error) {
	var det Details
	var err error

	if err = ctx.Err(); err != nil {
		return det, err
	}
	det.Info, err = d.ReadInfo()
	if err != nil {
		return det, err
	}

	if err = ctx.Err(); err != nil {
		return det, err
	}
	det.MemoryStats, err = d.ReadMemoryStats()
	if err != nil {
		return det, err
	}

	if err = ctx.Err(); err != nil {
		return det, err
	}
	det.PhysicalOptions, err = d.ReadPhysicalOptions()
	if err != nil {
		return det, err
	}

	return det, nil
}

// SetPIN sets the device's PIN for the first time (no current PIN).
func (d *Device) SetPIN(ctx context.Context, newPIN string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return pinproto.SetPin(d.eng, newPIN)
}

// ChangePIN changes an already-set PIN.
func (d *Device) ChangePIN(ctx context.Context, currentPIN, newPIN string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return pinproto.ChangePin(d.eng, currentPIN, newPIN)
}

// SetMinPINLength raises the minimum accepted PIN length. newMin below
// the device's current minimum surfaces ctaperr.KindPinPolicy.
func (d *Device) SetMinPINLength(ctx context.Context, currentPIN string, newMin int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	token, err := pinproto.GetPinUvAuthTokenUsingPinWithPermissions(d.eng, currentPIN, pinproto.PermissionAuthenticatorConfig, "")
	if err != nil {
		return err
	}
	return vendorext.SetMinPINLength(d.eng, token, newMin)
}

// ListCredentials enumerates every relying party and, for each, every
// resident credential, flattened into one row per credential.
func (d *Device) ListCredentials(ctx context.Context, pin string) ([]credmgmt.StoredCredential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token, err := pinproto.GetPinUvAuthTokenUsingPinWithPermissions(d.eng, pin, pinproto.PermissionCredentialManagement, "")
	if err != nil {
		return nil, err
	}
	rps, err := credmgmt.EnumerateRPs(d.eng, token)
	if err != nil {
		return nil, err
	}

	var out []credmgmt.StoredCredential
	for _, rp := range rps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		creds, err := credmgmt.EnumerateCredentials(d.eng, token, rp.RPIDHash)
		if err != nil {
			return nil, err
		}
		out = append(out, credmgmt.FlattenStoredCredentials(rp, creds)...)
	}
	return out, nil
}

// DeleteCredential deletes the resident credential whose ID is given as
// hex-encoded bytes.
func (d *Device) DeleteCredential(ctx context.Context, pin, credentialIDHex string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	credID, err := hex.DecodeString(credentialIDHex)
	if err != nil {
		return ctaperr.Wrap(ctaperr.KindIO, "decode credential ID", err)
	}
	token, err := pinproto.GetPinUvAuthTokenUsingPinWithPermissions(d.eng, pin, pinproto.PermissionCredentialManagement, "")
	if err != nil {
		return err
	}
	return credmgmt.DeleteCredential(d.eng, token, credID)
}

// WriteConfig applies a partial physical/identity configuration write.
// It first tries to obtain an AuthenticatorConfig-permissioned token
// via subcommand 0x09; if the device reports that subcommand
// unsupported, it falls back to the generic getPinToken (subcommand
// 0x05). Any failure writing the configuration itself under the
// fallback token is surfaced verbatim, not re-wrapped as the original
// unsupported error.
func (d *Device) WriteConfig(ctx context.Context, pin string, cfg vendorext.ConfigInput) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	token, err := pinproto.GetPinUvAuthTokenUsingPinWithPermissions(d.eng, pin, pinproto.PermissionAuthenticatorConfig, "")
	if err != nil {
		if !ctaperr.Is(err, ctaperr.KindUnsupported) {
			return err
		}
		token, err = pinproto.GetPinToken(d.eng, pin)
		if err != nil {
			return err
		}
	}
	return vendorext.WriteConfig(d.eng, token, cfg)
}
