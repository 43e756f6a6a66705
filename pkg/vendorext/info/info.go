// Package info parses the CTAP2 GetInfo response map into a typed
// Record, resolving algorithm identifiers, vendor-prototype command
// IDs, and certification IDs to human-readable names via the tables
// pkg/vendorext already carries for the vendor command surface.
package info

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/librekeys/picoforge/pkg/cborcodec"
	"github.com/librekeys/picoforge/pkg/ctap2"
	"github.com/librekeys/picoforge/pkg/ctaperr"
	"github.com/librekeys/picoforge/pkg/vendorext"
)

// GetInfo response map keys.
const (
	keyVersions                         = 0x01
	keyExtensions                       = 0x02
	keyAAGUID                           = 0x03
	keyOptions                          = 0x04
	keyMaxMsgSize                       = 0x05
	keyPinUvAuthProtocols               = 0x06
	keyMaxCredentialCountInList         = 0x07
	keyMaxCredentialIDLength            = 0x08
	keyAlgorithms                       = 0x0A
	keyMaxSerializedLargeBlobArray      = 0x0B
	keyForcePinChange                   = 0x0C
	keyMinPinLength                     = 0x0D
	keyFirmwareVersion                  = 0x0E
	keyMaxCredBlobLength                = 0x0F
	keyVendorPrototypeConfigCommands    = 0x13
	keyRemainingDiscoverableCredentials = 0x14
	keyCertifications                   = 0x15
)

// Record is the parsed GetInfo map.
type Record struct {
	Versions                    []string
	Extensions                  []string
	AAGUID                      string // upper-hex, 32 chars; "Unknown" if absent
	Options                     map[string]bool
	MaxMsgSize                  int32
	PinUvAuthProtocols          []int32
	MaxCredentialCountInList    int32
	MaxCredentialIDLength       int32
	Algorithms                  []string
	MaxSerializedLargeBlobArray int32
	ForcePinChange              bool
	// MinPINLength is a signed 32-bit count, matching every other
	// bounded count this Record carries.
	MinPINLength                     int32
	FirmwareVersion                  string // "major.minor"; "Unknown" if absent
	MaxCredBlobLength                int32
	VendorPrototypeConfigCommands    []string
	RemainingDiscoverableCredentials int32
	Certifications                   map[string]bool
}

// coseAlgorithmNames maps the COSE algorithm identifiers the firmware
// may report under key 0x0A's "alg" field to their registered names.
var coseAlgorithmNames = map[int64]string{
	-7:     "ES256",
	-8:     "EdDSA",
	-9:     "ESP256",
	-19:    "Ed25519",
	-25:    "EcdhEsHkdf256",
	-35:    "ES384",
	-36:    "ES512",
	-46:    "ES256K",
	-47:    "ESP384",
	-48:    "ESP512",
	-53:    "Ed448",
	-257:   "RS256",
	-258:   "RS384",
	-259:   "RS512",
	-65534: "ESB256",
	-65533: "ESB384",
	-65532: "ESB512",
}

func algorithmName(alg int64) string {
	if name, ok := coseAlgorithmNames[alg]; ok {
		return name
	}
	return fmt.Sprintf("Unknown (%d)", alg)
}

// Fetch issues GetInfo (command 0x04, no body) and parses the response.
func Fetch(eng *ctap2.Engine) (Record, error) {
	resp, err := eng.Do(ctap2.CommandGetInfo, nil)
	if err != nil {
		return Record{}, err
	}
	m, err := cborcodec.DecodeMap(resp)
	if err != nil {
		return Record{}, ctaperr.Wrap(ctaperr.KindIO, "decode GetInfo response", err)
	}
	return Parse(m), nil
}

// Parse builds a Record from an already-decoded GetInfo map, degrading
// gracefully on absent optional keys and logging (never erroring on)
// any key it does not recognize.
func Parse(m map[interface{}]interface{}) Record {
	rec := Record{
		AAGUID:          "Unknown",
		FirmwareVersion: "Unknown",
	}

	if arr, ok := cborcodec.GetArray(m, keyVersions); ok {
		rec.Versions = toStrings(arr)
	}
	if arr, ok := cborcodec.GetArray(m, keyExtensions); ok {
		rec.Extensions = toStrings(arr)
	}
	if b, ok := cborcodec.GetBytes(m, keyAAGUID); ok && len(b) == 16 {
		rec.AAGUID = strings.ToUpper(hex.EncodeToString(b))
	}
	if opts, ok := cborcodec.GetMap(m, keyOptions); ok {
		rec.Options = make(map[string]bool, len(opts))
		for k, v := range opts {
			name, _ := k.(string)
			if b, ok := v.(bool); ok && name != "" {
				rec.Options[name] = b
			}
		}
	}
	if n, ok := cborcodec.GetInt64(m, keyMaxMsgSize); ok {
		rec.MaxMsgSize = int32(n)
	}
	if arr, ok := cborcodec.GetArray(m, keyPinUvAuthProtocols); ok {
		rec.PinUvAuthProtocols = toInt32s(arr)
	}
	if n, ok := cborcodec.GetInt64(m, keyMaxCredentialCountInList); ok {
		rec.MaxCredentialCountInList = int32(n)
	}
	if n, ok := cborcodec.GetInt64(m, keyMaxCredentialIDLength); ok {
		rec.MaxCredentialIDLength = int32(n)
	}
	if arr, ok := cborcodec.GetArray(m, keyAlgorithms); ok {
		rec.Algorithms = make([]string, 0, len(arr))
		for _, v := range arr {
			am, ok := v.(map[interface{}]interface{})
			if !ok {
				continue
			}
			if alg, ok := cborcodec.GetInt64(am, "alg"); ok {
				rec.Algorithms = append(rec.Algorithms, algorithmName(alg))
			}
		}
	}
	if n, ok := cborcodec.GetInt64(m, keyMaxSerializedLargeBlobArray); ok {
		rec.MaxSerializedLargeBlobArray = int32(n)
	}
	if b, ok := cborcodec.GetBool(m, keyForcePinChange); ok {
		rec.ForcePinChange = b
	}
	if n, ok := cborcodec.GetInt64(m, keyMinPinLength); ok {
		rec.MinPINLength = int32(n)
	}
	if n, ok := cborcodec.GetInt64(m, keyFirmwareVersion); ok {
		rec.FirmwareVersion = fmt.Sprintf("%d.%d", (n>>8)&0xFF, n&0xFF)
	}
	if n, ok := cborcodec.GetInt64(m, keyMaxCredBlobLength); ok {
		rec.MaxCredBlobLength = int32(n)
	}
	if arr, ok := cborcodec.GetArray(m, keyVendorPrototypeConfigCommands); ok {
		rec.VendorPrototypeConfigCommands = make([]string, 0, len(arr))
		for _, v := range arr {
			id, ok := asUint64(v)
			if !ok {
				continue
			}
			rec.VendorPrototypeConfigCommands = append(rec.VendorPrototypeConfigCommands, vendorext.VendorConfigCommandName(id))
		}
	}
	if n, ok := cborcodec.GetInt64(m, keyRemainingDiscoverableCredentials); ok {
		rec.RemainingDiscoverableCredentials = int32(n)
	}
	if v, ok := cborcodec.Get(m, keyCertifications); ok {
		rec.Certifications = parseCertifications(v)
	}

	for k := range m {
		if !isKnownKey(k) {
			log.Printf("info: skipping unrecognized GetInfo key %v", k)
		}
	}

	return rec
}

func parseCertifications(v interface{}) map[string]bool {
	switch c := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]bool, len(c))
		for k, val := range c {
			name, _ := k.(string)
			if b, ok := val.(bool); ok && name != "" {
				out[name] = b
			}
		}
		return out
	case []interface{}:
		out := make(map[string]bool, len(c))
		for _, item := range c {
			id, ok := asUint64(item)
			if !ok {
				continue
			}
			out[vendorext.VendorConfigCommandName(id)] = true
		}
		return out
	default:
		return nil
	}
}

func toStrings(arr []interface{}) []string {
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toInt32s(arr []interface{}) []int32 {
	out := make([]int32, 0, len(arr))
	for _, v := range arr {
		if n, ok := asUint64(v); ok {
			out = append(out, int32(n))
		}
	}
	return out
}

func asUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	default:
		return 0, false
	}
}

var knownKeys = map[int]bool{
	keyVersions: true, keyExtensions: true, keyAAGUID: true, keyOptions: true,
	keyMaxMsgSize: true, keyPinUvAuthProtocols: true, keyMaxCredentialCountInList: true,
	keyMaxCredentialIDLength: true, keyAlgorithms: true, keyMaxSerializedLargeBlobArray: true,
	keyForcePinChange: true, keyMinPinLength: true, keyFirmwareVersion: true,
	keyMaxCredBlobLength: true, keyVendorPrototypeConfigCommands: true,
	keyRemainingDiscoverableCredentials: true, keyCertifications: true,
}

func isKnownKey(k interface{}) bool {
	n, ok := asUint64(k)
	if !ok {
		return false
	}
	return knownKeys[int(n)]
}
