package credmgmt

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"testing"

	"github.com/librekeys/picoforge/pkg/cborcodec"
	"github.com/librekeys/picoforge/pkg/ctap2"
	"github.com/librekeys/picoforge/pkg/ctaperr"
	"github.com/librekeys/picoforge/pkg/ctaphid"
	"github.com/librekeys/picoforge/pkg/ctaphidtest"
	"github.com/librekeys/picoforge/pkg/pinproto"
)

var testToken = pinproto.Token(bytes.Repeat([]byte{0x42}, 16))

func newTestEngine(resp ctaphidtest.Responder) *ctap2.Engine {
	fake := ctaphidtest.NewDevice(0x01020304, resp)
	dev := ctaphid.NewDeviceForTesting(fake, fake.CID)
	return ctap2.NewEngine(dev)
}

func checkAuthParam(t *testing.T, m map[interface{}]interface{}, subCmd byte, subParams []byte) {
	t.Helper()
	got, ok := cborcodec.GetBytes(m, paramPinUvAuthParam)
	if !ok {
		t.Fatalf("request has no pinUvAuthParam")
	}
	want := signCredentialMgmt(testToken, subCmd, subParams)
	if !bytes.Equal(got, want) {
		t.Fatalf("pinUvAuthParam = %x, want %x", got, want)
	}
}

// fakeRPs plays back a two-RP enumeration exactly as enumerateRpsBegin/
// enumerateRpsGetNextRp would see it on the wire.
func fakeRPs(t *testing.T) ctaphidtest.Responder {
	t.Helper()
	calls := 0
	return func(cmd byte, payload []byte) (byte, []byte) {
		if cmd != ctaphid.CommandCBOR || payload[0] != ctap2.CommandCredentialMgmt {
			return 0x01, nil
		}
		body := payload[1:]
		m, err := cborcodec.DecodeMap(body)
		if err != nil {
			t.Fatalf("decode request: %v", err)
		}
		sub, _ := cborcodec.GetInt64(m, paramSubCommand)
		calls++
		switch byte(sub) {
		case SubCommandEnumerateRpsBegin:
			checkAuthParam(t, m, SubCommandEnumerateRpsBegin, nil)
			resp, _ := cborcodec.Marshal(map[int]interface{}{
				responseRP:       map[string]interface{}{"id": "example.com"},
				responseRPIDHash: bytes.Repeat([]byte{0x01}, 32),
				responseTotalRPs: 2,
			})
			return 0x00, resp
		case SubCommandEnumerateRpsGetNextRp:
			if _, ok := cborcodec.Get(m, paramSubCommandParams); ok {
				t.Fatalf("enumerateRpsGetNextRp must not carry subCommandParams")
			}
			if _, ok := cborcodec.Get(m, paramPinUvAuthParam); ok {
				t.Fatalf("enumerateRpsGetNextRp must not carry pinUvAuthParam")
			}
			resp, _ := cborcodec.Marshal(map[int]interface{}{
				responseRP:       map[string]interface{}{"id": "other.example"},
				responseRPIDHash: bytes.Repeat([]byte{0x02}, 32),
			})
			return 0x00, resp
		}
		t.Fatalf("unexpected subcommand 0x%02X", sub)
		return 0x01, nil
	}
}

func TestEnumerateRPsPaginates(t *testing.T) {
	eng := newTestEngine(fakeRPs(t))
	rps, err := EnumerateRPs(eng, testToken)
	if err != nil {
		t.Fatalf("EnumerateRPs: %v", err)
	}
	if len(rps) != 2 {
		t.Fatalf("len(rps) = %d, want 2", len(rps))
	}
	if rps[0].RP["id"] != "example.com" {
		t.Fatalf("rps[0].RP[id] = %v", rps[0].RP["id"])
	}
	if rps[1].RP["id"] != "other.example" {
		t.Fatalf("rps[1].RP[id] = %v", rps[1].RP["id"])
	}
}

// TestEnumerateRPsStopsAtTotal drives a three-RP enumeration and counts
// the wire traffic: exactly one enumerateRpsBegin and exactly two
// getNextRp calls, never an extra getNext once the reported total is
// reached.
func TestEnumerateRPsStopsAtTotal(t *testing.T) {
	var begins, nexts int
	rpNames := []string{"a.example", "b.example", "c.example"}
	eng := newTestEngine(func(cmd byte, payload []byte) (byte, []byte) {
		if cmd != ctaphid.CommandCBOR || payload[0] != ctap2.CommandCredentialMgmt {
			return 0x01, nil
		}
		m, err := cborcodec.DecodeMap(payload[1:])
		if err != nil {
			t.Fatalf("decode request: %v", err)
		}
		sub, _ := cborcodec.GetInt64(m, paramSubCommand)
		switch byte(sub) {
		case SubCommandEnumerateRpsBegin:
			begins++
			resp, _ := cborcodec.Marshal(map[int]interface{}{
				responseRP:       map[string]interface{}{"id": rpNames[0]},
				responseRPIDHash: bytes.Repeat([]byte{0x01}, 32),
				responseTotalRPs: 3,
			})
			return 0x00, resp
		case SubCommandEnumerateRpsGetNextRp:
			nexts++
			resp, _ := cborcodec.Marshal(map[int]interface{}{
				responseRP:       map[string]interface{}{"id": rpNames[nexts]},
				responseRPIDHash: bytes.Repeat([]byte{byte(nexts + 1)}, 32),
			})
			return 0x00, resp
		}
		t.Fatalf("unexpected subcommand 0x%02X", sub)
		return 0x01, nil
	})

	rps, err := EnumerateRPs(eng, testToken)
	if err != nil {
		t.Fatalf("EnumerateRPs: %v", err)
	}
	if len(rps) != 3 {
		t.Fatalf("len(rps) = %d, want 3", len(rps))
	}
	if begins != 1 || nexts != 2 {
		t.Fatalf("begins = %d, nexts = %d, want 1 and 2", begins, nexts)
	}
	for i, want := range rpNames {
		if got, _ := cborcodec.GetText(rps[i].RP, "id"); got != want {
			t.Fatalf("rps[%d].RP[id] = %q, want %q", i, got, want)
		}
	}
}

func TestEnumerateRPsEmptyReturnsNil(t *testing.T) {
	eng := newTestEngine(func(cmd byte, payload []byte) (byte, []byte) {
		return 0x2E, nil
	})
	rps, err := EnumerateRPs(eng, testToken)
	if err != nil {
		t.Fatalf("EnumerateRPs: %v", err)
	}
	if rps != nil {
		t.Fatalf("rps = %v, want nil", rps)
	}
}

func fakeCredentials(t *testing.T, rpIDHash []byte) ctaphidtest.Responder {
	t.Helper()
	return func(cmd byte, payload []byte) (byte, []byte) {
		if cmd != ctaphid.CommandCBOR || payload[0] != ctap2.CommandCredentialMgmt {
			return 0x01, nil
		}
		body := payload[1:]
		m, err := cborcodec.DecodeMap(body)
		if err != nil {
			t.Fatalf("decode request: %v", err)
		}
		sub, _ := cborcodec.GetInt64(m, paramSubCommand)
		switch byte(sub) {
		case SubCommandEnumerateCredentialsBegin:
			subParams, _ := cborcodec.Marshal(map[int]interface{}{1: rpIDHash})
			checkAuthParam(t, m, SubCommandEnumerateCredentialsBegin, subParams)
			resp, _ := cborcodec.Marshal(map[int]interface{}{
				responseUser:             map[string]interface{}{"name": "alice"},
				responseCredentialID:     map[string]interface{}{"type": "public-key", "id": "abc"},
				responsePublicKey:        map[int]interface{}{1: 2},
				responseTotalCredentials: 1,
			})
			return 0x00, resp
		}
		t.Fatalf("unexpected subcommand 0x%02X", sub)
		return 0x01, nil
	}
}

func TestEnumerateCredentialsSingleResult(t *testing.T) {
	rpIDHash := bytes.Repeat([]byte{0x03}, 32)
	eng := newTestEngine(fakeCredentials(t, rpIDHash))
	creds, err := EnumerateCredentials(eng, testToken, rpIDHash)
	if err != nil {
		t.Fatalf("EnumerateCredentials: %v", err)
	}
	if len(creds) != 1 {
		t.Fatalf("len(creds) = %d, want 1", len(creds))
	}
	if creds[0].User["name"] != "alice" {
		t.Fatalf("creds[0].User[name] = %v", creds[0].User["name"])
	}
}

func TestDeleteCredentialSignsSubParams(t *testing.T) {
	credentialID := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	eng := newTestEngine(func(cmd byte, payload []byte) (byte, []byte) {
		if cmd != ctaphid.CommandCBOR || payload[0] != ctap2.CommandCredentialMgmt {
			return 0x01, nil
		}
		body := payload[1:]
		m, err := cborcodec.DecodeMap(body)
		if err != nil {
			t.Fatalf("decode request: %v", err)
		}
		sub, _ := cborcodec.GetInt64(m, paramSubCommand)
		if byte(sub) != SubCommandDeleteCredential {
			t.Fatalf("subCommand = 0x%02X, want 0x%02X", sub, SubCommandDeleteCredential)
		}
		descriptor, err := encodeCredentialDescriptor(credentialID)
		if err != nil {
			t.Fatalf("encodeCredentialDescriptor: %v", err)
		}
		subParams, _ := cborcodec.Marshal(map[int]interface{}{2: descriptor})
		checkAuthParam(t, m, SubCommandDeleteCredential, subParams)
		return 0x00, nil
	})
	if err := DeleteCredential(eng, testToken, credentialID); err != nil {
		t.Fatalf("DeleteCredential: %v", err)
	}
}

// TestEncodeCredentialDescriptorMatchesLiteralBytes pins the exact byte
// layout a deleteCredential request's nested descriptor must use: field
// order "type" then "id", as a definite map(2), never re-sorted by
// general canonical-key rules.
func TestEncodeCredentialDescriptorMatchesLiteralBytes(t *testing.T) {
	id := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	got, err := encodeCredentialDescriptor(id)
	if err != nil {
		t.Fatalf("encodeCredentialDescriptor: %v", err)
	}
	want := []byte{
		0xA2,
		0x64, 't', 'y', 'p', 'e',
		0x6A, 'p', 'u', 'b', 'l', 'i', 'c', '-', 'k', 'e', 'y',
		0x62, 'i', 'd',
		0x44, 0xDE, 0xAD, 0xBE, 0xEF,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("descriptor = %x, want %x", []byte(got), want)
	}
}

func TestSignCredentialMgmtOmitsPreambleAndParamsForExemptSubcommands(t *testing.T) {
	for _, sub := range []byte{SubCommandGetCredsMetadata, SubCommandEnumerateRpsBegin} {
		got := signCredentialMgmt(testToken, sub, []byte{0xAA, 0xBB})
		mac := hmac.New(sha256.New, testToken)
		mac.Write([]byte{sub})
		want := mac.Sum(nil)[:16]
		if !bytes.Equal(got, want) {
			t.Fatalf("sub 0x%02X: signCredentialMgmt = %x, want %x", sub, got, want)
		}
	}
}

func TestSignCredentialMgmtIncludesParamsForOtherSubcommands(t *testing.T) {
	subParams := []byte{0xAA, 0xBB}
	got := signCredentialMgmt(testToken, SubCommandDeleteCredential, subParams)
	mac := hmac.New(sha256.New, testToken)
	mac.Write(append([]byte{SubCommandDeleteCredential}, subParams...))
	want := mac.Sum(nil)[:16]
	if !bytes.Equal(got, want) {
		t.Fatalf("signCredentialMgmt = %x, want %x", got, want)
	}
}

func TestIsNoCredentials(t *testing.T) {
	if !isNoCredentials(ctaperr.Status(0x2E)) {
		t.Fatal("expected 0x2E to be recognized as no-credentials")
	}
	if isNoCredentials(ctaperr.Status(0x2F)) {
		t.Fatal("0x2F must not be treated as no-credentials")
	}
}
