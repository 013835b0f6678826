package envelope

import (
	"net"
	"testing"
)

func testGroupKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func TestGenerateDecodeOfferRoundTrip(t *testing.T) {
	key := testGroupKey()
	p := Payload{GroupID: "abc123", SDP: "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n"}

	code, err := Generate(KindOffer, p, key)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := code[:len(schemeOffer)]; got != schemeOffer {
		t.Fatalf("expected scheme prefix %q, got %q", schemeOffer, got)
	}

	got, err := Decode(code, key)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.GroupID != p.GroupID || got.SDP != p.SDP || got.Kind != KindOffer {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestGenerateDecodeEachKind(t *testing.T) {
	key := testGroupKey()
	cases := []struct {
		kind   Kind
		scheme string
	}{
		{KindOffer, schemeOffer},
		{KindAnswer, schemeAnswer},
		{KindBootstrap, schemeBootstrap},
		{KindNostr, schemeNostr},
	}
	for _, c := range cases {
		code, err := Generate(c.kind, Payload{GroupID: "g"}, key)
		if err != nil {
			t.Fatalf("Generate(%s): %v", c.kind, err)
		}
		got, err := Decode(code, key)
		if err != nil {
			t.Fatalf("Decode(%s): %v", c.kind, err)
		}
		if got.Kind != c.kind {
			t.Fatalf("expected kind %s, got %s", c.kind, got.Kind)
		}
	}
}

func TestGenerateRejectsLegacyKind(t *testing.T) {
	if _, err := Generate(KindLegacy, Payload{}, testGroupKey()); err == nil {
		t.Fatalf("expected error generating a scheme-prefixed envelope for the legacy kind")
	}
}

func TestDecodeRejectsWrongGroupKey(t *testing.T) {
	key := testGroupKey()
	code, err := Generate(KindOffer, Payload{GroupID: "g"}, key)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	wrong := []byte("ffffffffffffffffffffffffffffffff")
	if _, err := Decode(code, wrong); err == nil {
		t.Fatalf("expected signature verification failure under wrong group key")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode("not-a-valid-code", testGroupKey()); err == nil {
		t.Fatalf("expected InvalidFormat for a code with no known scheme prefix")
	}
	if _, err := Decode("syncshell://not-base64!!!", testGroupKey()); err == nil {
		t.Fatalf("expected InvalidFormat for malformed base64 body")
	}
}

func TestDecodeTamperedBodyFailsSignature(t *testing.T) {
	key := testGroupKey()
	code, err := Generate(KindOffer, Payload{GroupID: "g"}, key)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	tampered := code + "AA"
	if _, err := Decode(tampered, key); err == nil {
		t.Fatalf("expected tampered envelope to fail verification or decompression")
	}
}

func TestLegacyEncodeDecodeRoundTrip(t *testing.T) {
	key := testGroupKey()
	ip := net.IPv4(203, 0, 113, 42)
	code, err := EncodeLegacy(ip, 7777, 42, key)
	if err != nil {
		t.Fatalf("EncodeLegacy: %v", err)
	}

	got, err := DecodeLegacy(code, key)
	if err != nil {
		t.Fatalf("DecodeLegacy: %v", err)
	}
	if !got.IP.Equal(ip) || got.Port != 7777 || got.Counter != 42 {
		t.Fatalf("legacy round trip mismatch: %+v", got)
	}
}

func TestLegacyRejectsWrongGroupKey(t *testing.T) {
	ip := net.IPv4(203, 0, 113, 42)
	code, err := EncodeLegacy(ip, 7777, 42, testGroupKey())
	if err != nil {
		t.Fatalf("EncodeLegacy: %v", err)
	}
	wrong := []byte("ffffffffffffffffffffffffffffffff")
	if _, err := DecodeLegacy(code, wrong); err == nil {
		t.Fatalf("expected legacy tag verification to fail under wrong group key")
	}
}

func TestLegacyRejectsNonIPv4(t *testing.T) {
	ip := net.ParseIP("::1")
	if _, err := EncodeLegacy(ip, 1, 1, testGroupKey()); err == nil {
		t.Fatalf("expected error encoding a legacy code for an IPv6 address")
	}
}

func TestLegacyRejectsGarbageCode(t *testing.T) {
	if _, err := DecodeLegacy("not valid base36!!", testGroupKey()); err == nil {
		t.Fatalf("expected InvalidFormat for non-base36 legacy code")
	}
}
