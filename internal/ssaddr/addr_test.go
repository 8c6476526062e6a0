package ssaddr

import (
	"net"
	"testing"
)

func TestEncodeDecodeIPv4(t *testing.T) {
	h := Header{Type: TypeIPv4, IP: net.IPv4(127, 0, 0, 1), Port: 80}
	wire, err := Encode(h)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x01, 0x7F, 0x00, 0x00, 0x01, 0x00, 0x50}
	if string(wire) != string(want) {
		t.Fatalf("Encode() = % X, want % X", wire, want)
	}

	got, n, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(wire) {
		t.Fatalf("Decode consumed %d bytes, want %d", n, len(wire))
	}
	if got.Port != 80 || !got.IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("Decode() = %+v", got)
	}
}

func TestEncodeDecodeDomain(t *testing.T) {
	h := Header{Type: TypeDomain, Host: "example.com", Port: 443}
	wire, err := Encode(h)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x03, 0x0B, 'e', 'x', 'a', 'm', 'p', 'l', 'e', '.', 'c', 'o', 'm', 0x01, 0xBB}
	if string(wire) != string(want) {
		t.Fatalf("Encode() = % X, want % X", wire, want)
	}

	got, n, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(wire) || got.Host != "example.com" || got.Port != 443 {
		t.Fatalf("Decode() = %+v, n=%d", got, n)
	}
}

func TestEncodeDecodeIPv6(t *testing.T) {
	ip := net.ParseIP("2001:4860:4860::8888")
	h := Header{Type: TypeIPv6, IP: ip, Port: 53}
	wire, err := Encode(h)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, n, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(wire) || !got.IP.Equal(ip) || got.Port != 53 {
		t.Fatalf("Decode() = %+v", got)
	}
}

func TestDecodeTruncated(t *testing.T) {
	_, _, err := Decode([]byte{0x01, 0x7F, 0x00})
	if err == nil {
		t.Fatal("expected error decoding truncated IPv4 header")
	}
}

func TestDecodeZeroLengthDomain(t *testing.T) {
	_, _, err := Decode([]byte{0x03, 0x00, 0x00, 0x50})
	if err == nil {
		t.Fatal("expected error decoding zero-length domain")
	}
}

func TestNeedMore(t *testing.T) {
	full := []byte{0x01, 0x7F, 0x00, 0x00, 0x01, 0x00, 0x50}
	for i := 0; i < len(full); i++ {
		if !NeedMore(full[:i]) {
			t.Fatalf("NeedMore(%d bytes) = false, want true", i)
		}
	}
	if NeedMore(full) {
		t.Fatal("NeedMore(full header) = true, want false")
	}
}
