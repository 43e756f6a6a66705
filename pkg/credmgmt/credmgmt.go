// Package credmgmt implements the paginated credential-management
// dialogue: enumerate relying parties, enumerate credentials for one
// relying party, and delete a credential. Every begin and delete request
// is signed with a CredentialManagement-permission pinUvAuthToken
// obtained from pkg/pinproto; the getNext requests carry no signature.
package credmgmt

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/librekeys/picoforge/pkg/cborcodec"
	"github.com/librekeys/picoforge/pkg/ctap2"
	"github.com/librekeys/picoforge/pkg/ctaperr"
	"github.com/librekeys/picoforge/pkg/pinproto"
)

// CredentialManagement subcommand bytes.
const (
	SubCommandGetCredsMetadata                      byte = 0x01
	SubCommandEnumerateRpsBegin                     byte = 0x02
	SubCommandEnumerateRpsGetNextRp                 byte = 0x03
	SubCommandEnumerateCredentialsBegin             byte = 0x04
	SubCommandEnumerateCredentialsGetNextCredential byte = 0x05
	SubCommandDeleteCredential                      byte = 0x06
)

// Request parameter map keys.
const (
	paramSubCommand        = 1
	paramSubCommandParams  = 2
	paramPinUvAuthProtocol = 3
	paramPinUvAuthParam    = 4
)

// Response parameter map keys, standard CTAP 2.1 CredentialManagement
// numbering, which is what the firmware's responses use.
const (
	responseRP               = 3
	responseRPIDHash         = 4
	responseTotalRPs         = 5
	responseUser             = 6
	responseCredentialID     = 7
	responsePublicKey        = 8
	responseTotalCredentials = 9
)

// statusNoCredentials is CTAP2_ERR_NO_CREDENTIALS (0x2E): both
// enumeration loops treat it as "stop, nothing more to fetch" rather
// than a fatal error.
const statusNoCredentials byte = 0x2E

// RelyingParty is one record yielded by relying-party enumeration.
type RelyingParty struct {
	RP       map[interface{}]interface{}
	RPIDHash []byte
	// TotalRPs is the device-reported count from the first response; 0
	// when the field was absent (single-RP devices may omit it).
	TotalRPs int
}

// Credential is one record yielded by credential enumeration for a
// single relying party. CredentialID is the decoded
// {"type","id"} descriptor map.
type Credential struct {
	User             map[interface{}]interface{}
	CredentialID     map[interface{}]interface{}
	PublicKey        map[interface{}]interface{}
	TotalCredentials int
}

// signCredentialMgmt implements the firmware-divergent signing rule for
// CredentialManagement: the signed message omits both the 32-byte 0xFF
// preamble and the command byte that vanilla CTAP 2.1 prescribes for
// pinUvAuthParam computation. Only the subcommand byte is signed for
// getCredsMetadata and enumerateRpsBegin; every other subcommand also
// signs the CBOR-encoded subCommandParams. The pico-fido firmware
// family requires exactly this input; do not share this signer with the
// AuthenticatorConfig path in pkg/vendorext, which uses the standard
// preamble.
func signCredentialMgmt(token pinproto.Token, subCmd byte, subParams []byte) []byte {
	message := []byte{subCmd}
	if subCmd != SubCommandGetCredsMetadata && subCmd != SubCommandEnumerateRpsBegin {
		message = append(message, subParams...)
	}
	mac := hmac.New(sha256.New, token)
	mac.Write(message)
	return mac.Sum(nil)[:16]
}

// encodeCredentialDescriptor builds the fixed
// { "type": "public-key", "id": <bytes> } map with "type" before "id",
// the field order the firmware expects, independent of whatever general
// canonical sort the CBOR codec would otherwise apply to a text-keyed
// map.
func encodeCredentialDescriptor(id []byte) (cborcodec.RawMessage, error) {
	typeKey, err := cborcodec.Marshal("type")
	if err != nil {
		return nil, err
	}
	typeVal, err := cborcodec.Marshal("public-key")
	if err != nil {
		return nil, err
	}
	idKey, err := cborcodec.Marshal("id")
	if err != nil {
		return nil, err
	}
	idVal, err := cborcodec.Marshal(id)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+len(typeKey)+len(typeVal)+len(idKey)+len(idVal))
	buf = append(buf, 0xA2) // map(2)
	buf = append(buf, typeKey...)
	buf = append(buf, typeVal...)
	buf = append(buf, idKey...)
	buf = append(buf, idVal...)
	return cborcodec.RawMessage(buf), nil
}

func doRequest(eng *ctap2.Engine, subCmd byte, subParams cborcodec.RawMessage, authParam []byte) ([]byte, error) {
	params := map[int]interface{}{paramSubCommand: int(subCmd)}
	if subParams != nil {
		params[paramSubCommandParams] = subParams
	}
	if authParam != nil {
		params[paramPinUvAuthProtocol] = 1
		params[paramPinUvAuthParam] = authParam
	}
	body, err := cborcodec.Marshal(params)
	if err != nil {
		return nil, ctaperr.Wrap(ctaperr.KindIO, "encode CredentialMgmt request", err)
	}
	return eng.Do(ctap2.CommandCredentialMgmt, body)
}

func isNoCredentials(err error) bool {
	e, ok := err.(*ctaperr.Error)
	return ok && e.Kind == ctaperr.KindDeviceStatus && e.Code == statusNoCredentials
}

// EnumerateRPs runs the enumerateRpsBegin/enumerateRpsGetNextRp
// pagination dialogue to completion and returns every relying party the
// device reports. token must carry CredentialManagement permission.
func EnumerateRPs(eng *ctap2.Engine, token pinproto.Token) ([]RelyingParty, error) {
	authParam := signCredentialMgmt(token, SubCommandEnumerateRpsBegin, nil)
	resp, err := doRequest(eng, SubCommandEnumerateRpsBegin, nil, authParam)
	if err != nil {
		if isNoCredentials(err) {
			return nil, nil
		}
		return nil, err
	}
	m, err := cborcodec.DecodeMap(resp)
	if err != nil {
		return nil, ctaperr.Wrap(ctaperr.KindIO, "decode enumerateRpsBegin response", err)
	}
	rp, ok := cborcodec.GetMap(m, responseRP)
	if !ok {
		return nil, ctaperr.New(ctaperr.KindFraming, "missing rp in enumerateRpsBegin response")
	}
	rpIDHash, ok := cborcodec.GetBytes(m, responseRPIDHash)
	if !ok {
		return nil, ctaperr.New(ctaperr.KindFraming, "missing rpIdHash in enumerateRpsBegin response")
	}
	total := 0
	if t, ok := cborcodec.GetInt64(m, responseTotalRPs); ok {
		total = int(t)
	}
	rps := []RelyingParty{{RP: rp, RPIDHash: rpIDHash, TotalRPs: total}}

	want := total
	if want == 0 {
		want = 1
	}
	for len(rps) < want {
		resp, err := doRequest(eng, SubCommandEnumerateRpsGetNextRp, nil, nil)
		if err != nil {
			if isNoCredentials(err) {
				break
			}
			return nil, err
		}
		m, err := cborcodec.DecodeMap(resp)
		if err != nil {
			return nil, ctaperr.Wrap(ctaperr.KindIO, "decode enumerateRpsGetNextRp response", err)
		}
		rp, ok := cborcodec.GetMap(m, responseRP)
		if !ok {
			return nil, ctaperr.New(ctaperr.KindFraming, "missing rp in enumerateRpsGetNextRp response")
		}
		rpIDHash, ok := cborcodec.GetBytes(m, responseRPIDHash)
		if !ok {
			return nil, ctaperr.New(ctaperr.KindFraming, "missing rpIdHash in enumerateRpsGetNextRp response")
		}
		rps = append(rps, RelyingParty{RP: rp, RPIDHash: rpIDHash, TotalRPs: total})
	}
	return rps, nil
}

// EnumerateCredentials runs the enumerateCredentialsBegin/
// enumerateCredentialsGetNextCredential dialogue for one relying party
// (identified by its SHA-256 rpIdHash) to completion.
func EnumerateCredentials(eng *ctap2.Engine, token pinproto.Token, rpIDHash []byte) ([]Credential, error) {
	subParams, err := cborcodec.Marshal(map[int]interface{}{1: rpIDHash})
	if err != nil {
		return nil, ctaperr.Wrap(ctaperr.KindIO, "encode enumerateCredentialsBegin params", err)
	}
	authParam := signCredentialMgmt(token, SubCommandEnumerateCredentialsBegin, subParams)
	resp, err := doRequest(eng, SubCommandEnumerateCredentialsBegin, cborcodec.RawMessage(subParams), authParam)
	if err != nil {
		if isNoCredentials(err) {
			return nil, nil
		}
		return nil, err
	}
	m, err := cborcodec.DecodeMap(resp)
	if err != nil {
		return nil, ctaperr.Wrap(ctaperr.KindIO, "decode enumerateCredentialsBegin response", err)
	}
	cred, err := decodeCredential(m)
	if err != nil {
		return nil, err
	}
	creds := []Credential{cred}

	want := cred.TotalCredentials
	if want == 0 {
		want = 1
	}
	for len(creds) < want {
		resp, err := doRequest(eng, SubCommandEnumerateCredentialsGetNextCredential, nil, nil)
		if err != nil {
			if isNoCredentials(err) {
				break
			}
			return nil, err
		}
		m, err := cborcodec.DecodeMap(resp)
		if err != nil {
			return nil, ctaperr.Wrap(ctaperr.KindIO, "decode enumerateCredentialsGetNextCredential response", err)
		}
		next, err := decodeCredential(m)
		if err != nil {
			return nil, err
		}
		next.TotalCredentials = cred.TotalCredentials
		creds = append(creds, next)
	}
	return creds, nil
}

func decodeCredential(m map[interface{}]interface{}) (Credential, error) {
	user, ok := cborcodec.GetMap(m, responseUser)
	if !ok {
		return Credential{}, ctaperr.New(ctaperr.KindFraming, "missing user in credential response")
	}
	credID, ok := cborcodec.GetMap(m, responseCredentialID)
	if !ok {
		return Credential{}, ctaperr.New(ctaperr.KindFraming, "missing credentialId in credential response")
	}
	pubKey, ok := cborcodec.GetMap(m, responsePublicKey)
	if !ok {
		return Credential{}, ctaperr.New(ctaperr.KindFraming, "missing publicKey in credential response")
	}
	total := 0
	if t, ok := cborcodec.GetInt64(m, responseTotalCredentials); ok {
		total = int(t)
	}
	return Credential{User: user, CredentialID: credID, PublicKey: pubKey, TotalCredentials: total}, nil
}

// StoredCredential flattens one enumerated credential together with its
// owning relying party into the shape pkg/device's ListCredentials
// operation returns to callers.
type StoredCredential struct {
	RPID            string
	RPName          string
	UserID          []byte
	UserName        string
	UserDisplayName string
	CredentialID    []byte
}

// FlattenStoredCredentials pairs every enumerated Credential for one
// RelyingParty with that RP's identifying fields, decoding the RP and
// user maps' well-known text fields.
func FlattenStoredCredentials(rp RelyingParty, creds []Credential) []StoredCredential {
	rpID, _ := cborcodec.GetText(rp.RP, "id")
	rpName, _ := cborcodec.GetText(rp.RP, "name")

	out := make([]StoredCredential, 0, len(creds))
	for _, c := range creds {
		userID, _ := cborcodec.GetBytes(c.User, "id")
		userName, _ := cborcodec.GetText(c.User, "name")
		userDisplayName, _ := cborcodec.GetText(c.User, "displayName")
		credID, _ := cborcodec.GetBytes(c.CredentialID, "id")
		out = append(out, StoredCredential{
			RPID:            rpID,
			RPName:          rpName,
			UserID:          userID,
			UserName:        userName,
			UserDisplayName: userDisplayName,
			CredentialID:    credID,
		})
	}
	return out
}

// DeleteCredential deletes the resident credential identified by its
// raw credential ID bytes. token must carry CredentialManagement
// permission.
func DeleteCredential(eng *ctap2.Engine, token pinproto.Token, credentialID []byte) error {
	descriptor, err := encodeCredentialDescriptor(credentialID)
	if err != nil {
		return ctaperr.Wrap(ctaperr.KindIO, "encode credential descriptor", err)
	}
	subParams, err := cborcodec.Marshal(map[int]interface{}{2: descriptor})
	if err != nil {
		return ctaperr.Wrap(ctaperr.KindIO, "encode deleteCredential params", err)
	}
	authParam := signCredentialMgmt(token, SubCommandDeleteCredential, subParams)
	_, err = doRequest(eng, SubCommandDeleteCredential, cborcodec.RawMessage(subParams), authParam)
	return err
}
