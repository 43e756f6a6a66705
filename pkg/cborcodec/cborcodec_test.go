package cborcodec

import (
	"encoding/hex"
	"testing"
)

func TestCanonicalAscendingKeyOrder(t *testing.T) {
	m := map[int]interface{}{
		0x09: "e",
		0x03: "c",
		0x01: "a",
		0x04: "d",
		0x02: "b",
	}
	got, err := Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got[0] != 0xA5 {
		t.Fatalf("first byte = %02X, want map(5) header A5", got[0])
	}
	wantKeyOrder := []byte{0x01, 0x02, 0x03, 0x04, 0x09}
	var gotKeys []byte
	i := 1
	for _, want := range wantKeyOrder {
		if got[i] != want {
			t.Fatalf("key order mismatch at position %d: got %02X, want %02X (full: %x)", i, got[i], want, got)
		}
		gotKeys = append(gotKeys, got[i])
		// skip the key byte and its one-byte text value (CBOR text
		// header + 1 char) to reach the next key.
		i += 1 + 2
	}
}

func TestEncodeCOSEKey(t *testing.T) {
	x := []byte{0x11, 0x22, 0x33, 0x44}
	y := []byte{0x55, 0x66, 0x77, 0x88}
	got, err := EncodeCOSEKey(x, y)
	if err != nil {
		t.Fatalf("encode cose key: %v", err)
	}
	// Map(5), key1=2, key3=-7(0x26), key-1(0x20)=1, key-2(0x21)=bstr(x), key-3(0x22)=bstr(y)
	want := "a5" + // map(5)
		"01" + "02" + // 1: 2
		"03" + "26" + // 3: -7
		"20" + "01" + // -1: 1
		"21" + "44" + hex.EncodeToString(x) + // -2: bytes(4)
		"22" + "44" + hex.EncodeToString(y) // -3: bytes(4)
	if hex.EncodeToString(got) != want {
		t.Fatalf("cose key bytes = %x, want %s", got, want)
	}
}

func TestDecodeMapAccessors(t *testing.T) {
	raw, err := Marshal(map[int]interface{}{
		1: []interface{}{"FIDO_2_1"},
		3: []byte{0x89, 0xFB},
		4: map[string]interface{}{"clientPin": true},
		5: 1024,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	m, err := DecodeMap(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if aaguid, ok := GetBytes(m, 3); !ok || hex.EncodeToString(aaguid) != "89fb" {
		t.Fatalf("aaguid = %x, ok=%v", aaguid, ok)
	}
	if msg, ok := GetInt64(m, 5); !ok || msg != 1024 {
		t.Fatalf("maxMsgSize = %d, ok=%v", msg, ok)
	}
	opts, ok := GetMap(m, 4)
	if !ok {
		t.Fatalf("options map missing")
	}
	if b, ok := GetBool(opts, "clientPin"); !ok || !b {
		t.Fatalf("clientPin = %v, ok=%v", b, ok)
	}
	arr, ok := GetArray(m, 1)
	if !ok || len(arr) != 1 || arr[0] != "FIDO_2_1" {
		t.Fatalf("versions = %v, ok=%v", arr, ok)
	}
}
