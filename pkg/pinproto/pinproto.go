// Package pinproto implements PIN/UV Auth Protocol 1: ephemeral P-256
// key agreement, AES-256-CBC encryption with a zero IV, and HMAC-SHA-256
// authentication tags, as used by the ClientPin CTAP2 subcommands.
package pinproto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"

	"github.com/librekeys/picoforge/pkg/cborcodec"
	"github.com/librekeys/picoforge/pkg/ctap2"
	"github.com/librekeys/picoforge/pkg/ctaperr"
)

// ClientPin subcommand bytes.
const (
	SubCommandGetPinRetries                            byte = 0x01
	SubCommandGetKeyAgreement                          byte = 0x02
	SubCommandSetPin                                   byte = 0x03
	SubCommandChangePin                                byte = 0x04
	SubCommandGetPinToken                              byte = 0x05
	SubCommandGetPinUvAuthTokenUsingUvWithPermissions  byte = 0x06
	SubCommandGetUvRetries                             byte = 0x07
	SubCommandGetPinUvAuthTokenUsingPinWithPermissions byte = 0x09
)

// ClientPin request parameter map keys.
const (
	paramProtocol        = 1
	paramSubCommand      = 2
	paramKeyAgreement    = 3
	paramPinUvAuthParam  = 4
	paramNewPinEnc       = 5
	paramPinHashEnc      = 6
	paramPermissions     = 9
	paramPermissionsRpID = 0x0A
)

// ClientPin response parameter map keys (standard CTAP2 numbering:
// keyAgreement=1, pinUvAuthToken=2).
const (
	responseKeyAgreement   = 1
	responsePinUvAuthToken = 2
)

// Permission bitmask values for getPinUvAuthTokenUsingPinWithPermissions.
const (
	PermissionMakeCredential       byte = 0x01
	PermissionGetAssertion         byte = 0x02
	PermissionCredentialManagement byte = 0x04
	PermissionBioEnrollment        byte = 0x08
	PermissionLargeBlobWrite       byte = 0x10
	PermissionAuthenticatorConfig  byte = 0x20
	PermissionPerCredMgmtReadOnly  byte = 0x40
)

const protocolVersion = 1

// Token is an opaque pinUvAuthToken, decrypted from the device's
// response under the session's shared secret.
type Token []byte

// agree runs the getKeyAgreement + ECDH handshake against the device and
// returns the client's COSE public key bytes plus the 32-byte shared
// secret SHA-256(Zx). A fresh ephemeral key pair is generated for every
// call; the shared secret MUST NOT be cached across commands.
func agree(eng *ctap2.Engine) (cosePub []byte, shared []byte, err error) {
	body, err := cborcodec.Marshal(map[int]interface{}{
		paramProtocol:   protocolVersion,
		paramSubCommand: SubCommandGetKeyAgreement,
	})
	if err != nil {
		return nil, nil, ctaperr.Wrap(ctaperr.KindIO, "encode getKeyAgreement", err)
	}
	resp, err := eng.Do(ctap2.CommandClientPin, body)
	if err != nil {
		return nil, nil, err
	}
	m, err := cborcodec.DecodeMap(resp)
	if err != nil {
		return nil, nil, ctaperr.Wrap(ctaperr.KindIO, "decode getKeyAgreement response", err)
	}
	coseKey, ok := cborcodec.GetMap(m, responseKeyAgreement)
	if !ok {
		return nil, nil, ctaperr.New(ctaperr.KindFraming, "missing keyAgreement in response")
	}
	x, okX := cborcodec.GetBytes(coseKey, -2)
	y, okY := cborcodec.GetBytes(coseKey, -3)
	if !okX || !okY {
		return nil, nil, ctaperr.New(ctaperr.KindFraming, "missing COSE x/y coordinates")
	}

	curve := ecdh.P256()
	authPubBytes := append([]byte{0x04}, append(append([]byte{}, x...), y...)...)
	authPub, err := curve.NewPublicKey(authPubBytes)
	if err != nil {
		return nil, nil, ctaperr.Wrap(ctaperr.KindIO, "parse authenticator public key", err)
	}

	clientPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, ctaperr.Wrap(ctaperr.KindIO, "generate ephemeral key pair", err)
	}

	zx, err := clientPriv.ECDH(authPub)
	if err != nil {
		return nil, nil, ctaperr.Wrap(ctaperr.KindIO, "ECDH", err)
	}
	sum := sha256.Sum256(zx)

	clientPubBytes := clientPriv.PublicKey().Bytes() // uncompressed 0x04||X||Y
	cx := clientPubBytes[1:33]
	cy := clientPubBytes[33:65]
	cose, err := cborcodec.EncodeCOSEKey(cx, cy)
	if err != nil {
		return nil, nil, ctaperr.Wrap(ctaperr.KindIO, "encode client COSE key", err)
	}
	return cose, sum[:], nil
}

// cbcEncryptNoPad encrypts input (which must be a multiple of the AES
// block size) under key with an all-zero IV and no padding.
func cbcEncryptNoPad(key, input []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	out := make([]byte, len(input))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, input)
	return out, nil
}

// cbcDecryptNoPad is the inverse of cbcEncryptNoPad.
func cbcDecryptNoPad(key, input []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	out := make([]byte, len(input))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, input)
	return out, nil
}

func pinHashEnc(shared []byte, pin string) ([]byte, error) {
	sum := sha256.Sum256([]byte(pin))
	return cbcEncryptNoPad(shared, sum[:16])
}

func authParam(shared, message []byte) []byte {
	mac := hmac.New(sha256.New, shared)
	mac.Write(message)
	return mac.Sum(nil)[:16]
}

func decryptToken(shared, encToken []byte) (Token, error) {
	dec, err := cbcDecryptNoPad(shared, encToken)
	if err != nil {
		return nil, ctaperr.Wrap(ctaperr.KindIO, "decrypt pinUvAuthToken", err)
	}
	return Token(dec), nil
}

// GetPinToken implements subcommand 0x05.
func GetPinToken(eng *ctap2.Engine, pin string) (Token, error) {
	cose, shared, err := agree(eng)
	if err != nil {
		return nil, err
	}
	hashEnc, err := pinHashEnc(shared, pin)
	if err != nil {
		return nil, ctaperr.Wrap(ctaperr.KindIO, "encrypt pinHash", err)
	}
	body, err := cborcodec.Marshal(map[int]interface{}{
		paramProtocol:     protocolVersion,
		paramSubCommand:   SubCommandGetPinToken,
		paramKeyAgreement: rawCBOR(cose),
		paramPinHashEnc:   hashEnc,
	})
	if err != nil {
		return nil, ctaperr.Wrap(ctaperr.KindIO, "encode getPinToken", err)
	}
	resp, err := eng.Do(ctap2.CommandClientPin, body)
	if err != nil {
		return nil, err
	}
	m, err := cborcodec.DecodeMap(resp)
	if err != nil {
		return nil, ctaperr.Wrap(ctaperr.KindIO, "decode getPinToken response", err)
	}
	enc, ok := cborcodec.GetBytes(m, responsePinUvAuthToken)
	if !ok {
		return nil, ctaperr.New(ctaperr.KindFraming, "missing pinUvAuthToken in response")
	}
	return decryptToken(shared, enc)
}

// GetPinUvAuthTokenUsingPinWithPermissions implements subcommand 0x09.
// rpID may be empty, in which case the optional key 0x0A is omitted.
func GetPinUvAuthTokenUsingPinWithPermissions(eng *ctap2.Engine, pin string, permissions byte, rpID string) (Token, error) {
	cose, shared, err := agree(eng)
	if err != nil {
		return nil, err
	}
	hashEnc, err := pinHashEnc(shared, pin)
	if err != nil {
		return nil, ctaperr.Wrap(ctaperr.KindIO, "encrypt pinHash", err)
	}
	params := map[int]interface{}{
		paramProtocol:     protocolVersion,
		paramSubCommand:   SubCommandGetPinUvAuthTokenUsingPinWithPermissions,
		paramKeyAgreement: rawCBOR(cose),
		paramPinHashEnc:   hashEnc,
		paramPermissions:  int(permissions),
	}
	if rpID != "" {
		params[paramPermissionsRpID] = rpID
	}
	body, err := cborcodec.Marshal(params)
	if err != nil {
		return nil, ctaperr.Wrap(ctaperr.KindIO, "encode getPinUvAuthTokenUsingPinWithPermissions", err)
	}
	resp, err := eng.Do(ctap2.CommandClientPin, body)
	if err != nil {
		return nil, err
	}
	m, err := cborcodec.DecodeMap(resp)
	if err != nil {
		return nil, ctaperr.Wrap(ctaperr.KindIO, "decode response", err)
	}
	enc, ok := cborcodec.GetBytes(m, responsePinUvAuthToken)
	if !ok {
		return nil, ctaperr.New(ctaperr.KindFraming, "missing pinUvAuthToken in response")
	}
	return decryptToken(shared, enc)
}

// SetPin implements subcommand 0x03. newPIN must be between 4 and 63
// UTF-8 bytes; it is padded with trailing zero bytes to exactly 64
// before encryption.
func SetPin(eng *ctap2.Engine, newPIN string) error {
	if len(newPIN) < 4 || len(newPIN) > 63 {
		return ctaperr.New(ctaperr.KindPinPolicy, "PIN must be between 4 and 63 bytes")
	}
	cose, shared, err := agree(eng)
	if err != nil {
		return err
	}
	padded := make([]byte, 64)
	copy(padded, newPIN)
	newPinEnc, err := cbcEncryptNoPad(shared, padded)
	if err != nil {
		return ctaperr.Wrap(ctaperr.KindIO, "encrypt new PIN", err)
	}
	pinAuthParam := authParam(shared, newPinEnc)

	body, err := cborcodec.Marshal(map[int]interface{}{
		paramProtocol:       protocolVersion,
		paramSubCommand:     SubCommandSetPin,
		paramKeyAgreement:   rawCBOR(cose),
		paramPinUvAuthParam: pinAuthParam,
		paramNewPinEnc:      newPinEnc,
	})
	if err != nil {
		return ctaperr.Wrap(ctaperr.KindIO, "encode setPin", err)
	}
	_, err = eng.Do(ctap2.CommandClientPin, body)
	return err
}

// ChangePin implements subcommand 0x04.
func ChangePin(eng *ctap2.Engine, currentPIN, newPIN string) error {
	if len(newPIN) < 4 || len(newPIN) > 63 {
		return ctaperr.New(ctaperr.KindPinPolicy, "PIN must be between 4 and 63 bytes")
	}
	cose, shared, err := agree(eng)
	if err != nil {
		return err
	}
	hashEnc, err := pinHashEnc(shared, currentPIN)
	if err != nil {
		return ctaperr.Wrap(ctaperr.KindIO, "encrypt current pinHash", err)
	}
	padded := make([]byte, 64)
	copy(padded, newPIN)
	newPinEnc, err := cbcEncryptNoPad(shared, padded)
	if err != nil {
		return ctaperr.Wrap(ctaperr.KindIO, "encrypt new PIN", err)
	}
	message := append(append([]byte{}, newPinEnc...), hashEnc...)
	pinAuthParam := authParam(shared, message)

	body, err := cborcodec.Marshal(map[int]interface{}{
		paramProtocol:       protocolVersion,
		paramSubCommand:     SubCommandChangePin,
		paramKeyAgreement:   rawCBOR(cose),
		paramPinUvAuthParam: pinAuthParam,
		paramNewPinEnc:      newPinEnc,
		paramPinHashEnc:     hashEnc,
	})
	if err != nil {
		return ctaperr.Wrap(ctaperr.KindIO, "encode changePin", err)
	}
	_, err = eng.Do(ctap2.CommandClientPin, body)
	return err
}

// rawCBOR marks bytes that are already CBOR-encoded so cborcodec embeds
// them verbatim inside a larger map instead of re-encoding them as a
// byte string. See cborcodec.RawMessage.
func rawCBOR(b []byte) cborcodec.RawMessage { return cborcodec.RawMessage(b) }
