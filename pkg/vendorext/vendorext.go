// Package vendorext implements the pico-fido vendor extension surface:
// the CTAPHID vendor-CBOR channel's memory-stats and physical-options
// reads, and the authenticatorConfig vendor-prototype write path used to
// set USB VID/PID, LED pin/brightness, touch timeout, and behavior
// flags.
package vendorext

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/librekeys/picoforge/pkg/cborcodec"
	"github.com/librekeys/picoforge/pkg/ctap2"
	"github.com/librekeys/picoforge/pkg/ctaperr"
	"github.com/librekeys/picoforge/pkg/pinproto"
)

// Vendor sub-command IDs carried as the first byte of a vendor-CBOR
// payload.
const (
	VendorIDMemoryStats        byte = 0x06
	VendorIDPhysicalOptionsGet byte = 0x05
)

// Memory-stats response map keys.
const (
	memKeyFreeSpace  = 1
	memKeyUsedSpace  = 2
	memKeyTotalSpace = 3
	memKeyFileCount  = 4
	memKeyFlashSize  = 5
)

// MemoryStats mirrors the memory-stats vendor command response. The
// Used/Total/Free fields are raw byte counts; the KB helpers below
// perform the host-side kilobyte conversion used on display.
type MemoryStats struct {
	FreeSpace  int64
	UsedSpace  int64
	TotalSpace int64
	FileCount  int32
	FlashSize  int64
}

// UsedKB and TotalKB report kilobytes via integer division by 1024.
func (m MemoryStats) UsedKB() int64  { return m.UsedSpace / 1024 }
func (m MemoryStats) TotalKB() int64 { return m.TotalSpace / 1024 }

// ReadMemoryStats issues the memory-stats vendor command ({1: 0x01}) and
// parses the response. A 0x2B (Unsupported) status is returned
// verbatim so callers (pkg/device's ReadDetails) can downgrade it to an
// absent field rather than a fatal read error.
func ReadMemoryStats(eng *ctap2.Engine) (*MemoryStats, error) {
	body, err := cborcodec.Marshal(map[int]interface{}{1: 1})
	if err != nil {
		return nil, ctaperr.Wrap(ctaperr.KindIO, "encode memory-stats request", err)
	}
	resp, err := eng.DoVendor(VendorIDMemoryStats, body)
	if err != nil {
		return nil, err
	}
	m, err := cborcodec.DecodeMap(resp)
	if err != nil {
		return nil, ctaperr.Wrap(ctaperr.KindIO, "decode memory-stats response", err)
	}
	free, _ := cborcodec.GetInt64(m, memKeyFreeSpace)
	used, _ := cborcodec.GetInt64(m, memKeyUsedSpace)
	total, _ := cborcodec.GetInt64(m, memKeyTotalSpace)
	files, _ := cborcodec.GetInt64(m, memKeyFileCount)
	flash, _ := cborcodec.GetInt64(m, memKeyFlashSize)
	return &MemoryStats{
		FreeSpace:  free,
		UsedSpace:  used,
		TotalSpace: total,
		FileCount:  int32(files),
		FlashSize:  flash,
	}, nil
}

// PhysicalOptions mirrors the physical-options-read vendor command
// response: the device's current LED GPIO pin assignment and
// brightness level.
type PhysicalOptions struct {
	LEDGpio       int32
	LEDBrightness int32
}

// ReadPhysicalOptions issues the physical-options vendor command
// ({1: 0x01}) and parses the text-keyed {"gpio", "brightness"} response.
func ReadPhysicalOptions(eng *ctap2.Engine) (*PhysicalOptions, error) {
	body, err := cborcodec.Marshal(map[int]interface{}{1: 1})
	if err != nil {
		return nil, ctaperr.Wrap(ctaperr.KindIO, "encode physical-options request", err)
	}
	resp, err := eng.DoVendor(VendorIDPhysicalOptionsGet, body)
	if err != nil {
		return nil, err
	}
	m, err := cborcodec.DecodeMap(resp)
	if err != nil {
		return nil, ctaperr.Wrap(ctaperr.KindIO, "decode physical-options response", err)
	}
	gpio, _ := cborcodec.GetInt64(m, "gpio")
	brightness, _ := cborcodec.GetInt64(m, "brightness")
	return &PhysicalOptions{LEDGpio: int32(gpio), LEDBrightness: int32(brightness)}, nil
}

// PhysicalOptions write bitmask values.
const (
	OptionDimmable          byte = 0x02
	OptionDisablePowerReset byte = 0x04
	OptionLEDSteady         byte = 0x08
)

// VendorConfigCommand is one 64-bit vendor-prototype command ID
// recognized by authenticatorConfig subCommand 0xFF, named so the
// GetInfo parser can resolve a firmware-reported ID list to
// human-readable names.
type VendorConfigCommand uint64

// Vendor command IDs recognized by the pico-fido firmware family.
const (
	CmdAuthEncryptionEnable        VendorConfigCommand = 0x03E43F56B34285E2
	CmdAuthEncryptionDisable       VendorConfigCommand = 0x1831A40F04A25ED9
	CmdEnterpriseAttestationUpload VendorConfigCommand = 0x66F2A674C29A8DCF
	CmdPinComplexityPolicy         VendorConfigCommand = 0x6C07D70FE96C3897
	CmdPhysicalVidPid              VendorConfigCommand = 0x6FCB19B0CBE3ACFA
	CmdPhysicalLedBrightness       VendorConfigCommand = 0x76A85945985D02FD
	CmdPhysicalLedGpio             VendorConfigCommand = 0x7B392A394DE9F948
	CmdPhysicalOptions             VendorConfigCommand = 0x269F3B09ECEB805F
)

var vendorConfigCommandNames = map[VendorConfigCommand]string{
	CmdAuthEncryptionEnable:        "AuthEncryptionEnable",
	CmdAuthEncryptionDisable:       "AuthEncryptionDisable",
	CmdEnterpriseAttestationUpload: "EnterpriseAttestationUpload",
	CmdPinComplexityPolicy:         "PinComplexityPolicy",
	CmdPhysicalVidPid:              "PhysicalVidPid",
	CmdPhysicalLedBrightness:       "PhysicalLedBrightness",
	CmdPhysicalLedGpio:             "PhysicalLedGpio",
	CmdPhysicalOptions:             "PhysicalOptions",
}

// VendorConfigCommandName returns the human-readable name for id,
// falling back to "Unknown" for any ID the table above doesn't
// recognize (firmware may introduce new IDs the host hasn't learned
// yet).
func VendorConfigCommandName(id uint64) string {
	if name, ok := vendorConfigCommandNames[VendorConfigCommand(id)]; ok {
		return name
	}
	return "Unknown"
}

// authenticatorConfig outer/inner map keys, and the fixed subCommand
// byte for the vendor prototype.
const (
	acParamSubCommand            = 1
	acParamSubCommandParams      = 2
	acParamPinUvAuthProto        = 3
	acParamPinUvAuthParam        = 4
	acSubCommandVendor      byte = 0xFF

	acInnerVendorCmdID = 1
	acInnerParamBytes  = 2
	acInnerParamInt    = 3
	acInnerParamText   = 4

	// SubCommandSetMinPINLength is the standard CTAP 2.1
	// authenticatorConfig subcommand, distinct from the vendor
	// prototype (0xFF) used by WriteVendorConfig.
	SubCommandSetMinPINLength byte = 0x03
)

// signAuthenticatorConfig implements the standard (non-firmware-divergent)
// CTAP 2.1 pinUvAuthParam computation for authenticatorConfig:
// HMAC-SHA-256(token, 0xFF×32 || command-byte || subCommand-byte ||
// cborEncode(subCommandParams))[0..16]. This is the vanilla preamble
// that pkg/credmgmt's signCredentialMgmt deliberately omits for the
// target firmware family; the two signers must not be shared.
func signAuthenticatorConfig(token pinproto.Token, subCmd byte, subParams []byte) []byte {
	message := make([]byte, 0, 32+2+len(subParams))
	for i := 0; i < 32; i++ {
		message = append(message, 0xFF)
	}
	message = append(message, ctap2.CommandAuthenticatorConfig, subCmd)
	message = append(message, subParams...)
	mac := hmac.New(sha256.New, token)
	mac.Write(message)
	return mac.Sum(nil)[:16]
}

// SetMinPINLength issues the standard authenticatorConfig
// setMinPINLength subcommand (0x03), signed with the vanilla CTAP 2.1
// preamble. A device that rejects the new minimum (because it is lower
// than the current minimum) returns status 0x37, which ctaperr.Status
// translates to KindPinPolicy.
func SetMinPINLength(eng *ctap2.Engine, token pinproto.Token, newMin int32) error {
	subParams, err := cborcodec.Marshal(map[int]interface{}{1: int(newMin)})
	if err != nil {
		return ctaperr.Wrap(ctaperr.KindIO, "encode setMinPINLength params", err)
	}
	authParam := signAuthenticatorConfig(token, SubCommandSetMinPINLength, subParams)
	outer := map[int]interface{}{
		acParamSubCommand:       int(SubCommandSetMinPINLength),
		acParamSubCommandParams: cborcodec.RawMessage(subParams),
		acParamPinUvAuthProto:   1,
		acParamPinUvAuthParam:   authParam,
	}
	body, err := cborcodec.Marshal(outer)
	if err != nil {
		return ctaperr.Wrap(ctaperr.KindIO, "encode authenticatorConfig request", err)
	}
	_, err = eng.Do(ctap2.CommandAuthenticatorConfig, body)
	return err
}

// WriteVendorConfig sends one authenticatorConfig vendor-prototype
// round trip for vendorCmdID, carrying param placed according to its
// Go type: []byte -> inner key 2, int/int32/int64/uint32 -> inner key 3,
// string -> inner key 4, nil -> omitted (a bare toggle command with no
// parameter); any other type is rejected with a KindIO error. token must
// carry AuthenticatorConfig permission.
func WriteVendorConfig(eng *ctap2.Engine, token pinproto.Token, vendorCmdID VendorConfigCommand, param interface{}) error {
	inner := map[int]interface{}{acInnerVendorCmdID: uint64(vendorCmdID)}
	switch v := param.(type) {
	case nil:
		// no parameter
	case []byte:
		inner[acInnerParamBytes] = v
	case string:
		inner[acInnerParamText] = v
	case int:
		inner[acInnerParamInt] = v
	case int32:
		inner[acInnerParamInt] = int(v)
	case int64:
		inner[acInnerParamInt] = int(v)
	case uint32:
		inner[acInnerParamInt] = int(v)
	default:
		return ctaperr.New(ctaperr.KindIO, "unsupported vendor config parameter type")
	}

	subParams, err := cborcodec.Marshal(inner)
	if err != nil {
		return ctaperr.Wrap(ctaperr.KindIO, "encode authenticatorConfig subCommandParams", err)
	}
	authParam := signAuthenticatorConfig(token, acSubCommandVendor, subParams)

	outer := map[int]interface{}{
		acParamSubCommand:       int(acSubCommandVendor),
		acParamSubCommandParams: cborcodec.RawMessage(subParams),
		acParamPinUvAuthProto:   1,
		acParamPinUvAuthParam:   authParam,
	}
	body, err := cborcodec.Marshal(outer)
	if err != nil {
		return ctaperr.Wrap(ctaperr.KindIO, "encode authenticatorConfig request", err)
	}
	_, err = eng.Do(ctap2.CommandAuthenticatorConfig, body)
	return err
}

// PackVIDPID packs a USB VID/PID pair into the single 32-bit parameter
// PhysicalVidPid expects: (vid<<16) | pid.
func PackVIDPID(vid, pid uint16) uint32 {
	return (uint32(vid) << 16) | uint32(pid)
}

// ConfigInput is a partial physical/identity configuration write: only
// non-nil fields are written, each as its own vendor-prototype round
// trip, in the field order below.
type ConfigInput struct {
	// VID and PID must both be set together to rewrite PhysicalVidPid;
	// setting only one is a caller error (WriteConfig rejects it).
	VID, PID *uint16

	LEDBrightness *int32
	LEDGpio       *int32

	// TouchTimeout and the three behavior flags below all resolve to the
	// single PhysicalOptions vendor command ID. The firmware exposes no
	// second ID to separate them, so they go out as two round trips,
	// timeout first, bitmask second, each carrying only its own
	// parameter.
	TouchTimeout      *int32
	Dimmable          *bool
	DisablePowerReset *bool
	LEDSteady         *bool

	AuthEncryptionEnable        *bool
	EnterpriseAttestationUpload []byte
	PinComplexityPolicy         *bool
}

// WriteConfig applies every non-nil field of cfg as an ordered sequence
// of authenticatorConfig vendor-prototype round trips. token must carry
// AuthenticatorConfig permission.
func WriteConfig(eng *ctap2.Engine, token pinproto.Token, cfg ConfigInput) error {
	if (cfg.VID == nil) != (cfg.PID == nil) {
		return ctaperr.New(ctaperr.KindIO, "VID and PID must be set together")
	}
	if cfg.VID != nil && cfg.PID != nil {
		if err := WriteVendorConfig(eng, token, CmdPhysicalVidPid, int(PackVIDPID(*cfg.VID, *cfg.PID))); err != nil {
			return err
		}
	}
	if cfg.LEDBrightness != nil {
		if err := WriteVendorConfig(eng, token, CmdPhysicalLedBrightness, *cfg.LEDBrightness); err != nil {
			return err
		}
	}
	if cfg.LEDGpio != nil {
		if err := WriteVendorConfig(eng, token, CmdPhysicalLedGpio, *cfg.LEDGpio); err != nil {
			return err
		}
	}
	if cfg.TouchTimeout != nil {
		if err := WriteVendorConfig(eng, token, CmdPhysicalOptions, *cfg.TouchTimeout); err != nil {
			return err
		}
	}
	if cfg.Dimmable != nil || cfg.DisablePowerReset != nil || cfg.LEDSteady != nil {
		var bitmask byte
		if cfg.Dimmable != nil && *cfg.Dimmable {
			bitmask |= OptionDimmable
		}
		if cfg.DisablePowerReset != nil && *cfg.DisablePowerReset {
			bitmask |= OptionDisablePowerReset
		}
		if cfg.LEDSteady != nil && *cfg.LEDSteady {
			bitmask |= OptionLEDSteady
		}
		if err := WriteVendorConfig(eng, token, CmdPhysicalOptions, int(bitmask)); err != nil {
			return err
		}
	}
	if cfg.AuthEncryptionEnable != nil {
		cmdID := CmdAuthEncryptionDisable
		if *cfg.AuthEncryptionEnable {
			cmdID = CmdAuthEncryptionEnable
		}
		if err := WriteVendorConfig(eng, token, cmdID, nil); err != nil {
			return err
		}
	}
	if cfg.EnterpriseAttestationUpload != nil {
		if err := WriteVendorConfig(eng, token, CmdEnterpriseAttestationUpload, cfg.EnterpriseAttestationUpload); err != nil {
			return err
		}
	}
	if cfg.PinComplexityPolicy != nil {
		v := 0
		if *cfg.PinComplexityPolicy {
			v = 1
		}
		if err := WriteVendorConfig(eng, token, CmdPinComplexityPolicy, v); err != nil {
			return err
		}
	}
	return nil
}
