package sniff

import "testing"

func TestSniffHTTPHostFound(t *testing.T) {
	req := "GET / HTTP/1.1\r\nHost: example.com\r\nUser-Agent: test\r\n\r\n"
	res, host := Sniff([]byte(req), 80)
	if res != Found || host != "example.com" {
		t.Fatalf("Sniff() = %v, %q, want Found, example.com", res, host)
	}
}

func TestSniffHTTPHostWithPort(t *testing.T) {
	req := "GET /path HTTP/1.1\r\nHost: example.com:8080\r\n\r\n"
	res, host := Sniff([]byte(req), 80)
	if res != Found || host != "example.com" {
		t.Fatalf("Sniff() = %v, %q, want Found, example.com", res, host)
	}
}

func TestSniffHTTPNotEnough(t *testing.T) {
	res, _ := Sniff([]byte("GE"), 80)
	if res != NotEnough {
		t.Fatalf("Sniff() = %v, want NotEnough", res)
	}
}

func TestSniffHTTPNoneOnGarbage(t *testing.T) {
	res, _ := Sniff([]byte("not an http request at all\r\n\r\n"), 80)
	if res != None {
		t.Fatalf("Sniff() = %v, want None", res)
	}
}

func TestSniffHTTPNoneWhenHeadersCompleteWithoutHost(t *testing.T) {
	req := "GET / HTTP/1.0\r\nUser-Agent: test\r\n\r\n"
	res, _ := Sniff([]byte(req), 80)
	if res != None {
		t.Fatalf("Sniff() = %v, want None", res)
	}
}

func TestSniffWrongPort(t *testing.T) {
	res, _ := Sniff([]byte("anything"), 22)
	if res != None {
		t.Fatalf("Sniff() = %v, want None", res)
	}
}

func TestSniffTLSNotEnough(t *testing.T) {
	res, _ := Sniff([]byte{0x16, 0x03, 0x01}, 443)
	if res != NotEnough {
		t.Fatalf("Sniff() = %v, want NotEnough", res)
	}
}

func TestSniffTLSNoneOnWrongContentType(t *testing.T) {
	res, _ := Sniff([]byte{0x17, 0x03, 0x01, 0x00, 0x05, 1, 2, 3, 4, 5}, 443)
	if res != None {
		t.Fatalf("Sniff() = %v, want None", res)
	}
}

// buildClientHello constructs a minimal ClientHello TLS record
// carrying a single server_name extension, for SNI-sniffing tests.
func buildClientHello(sni string) []byte {
	serverName := append([]byte{0x00, byte(len(sni) >> 8), byte(len(sni))}, []byte(sni)...)
	sniList := append([]byte{byte(len(serverName) >> 8), byte(len(serverName))}, serverName...)
	sniExt := append([]byte{0x00, 0x00, byte(len(sniList) >> 8), byte(len(sniList))}, sniList...)

	extensions := sniExt
	extLenField := []byte{byte(len(extensions) >> 8), byte(len(extensions))}

	body := []byte{}
	body = append(body, 0x03, 0x03)               // legacy_version
	body = append(body, make([]byte, 32)...)       // random
	body = append(body, 0x00)                      // session_id (empty)
	body = append(body, 0x00, 0x02, 0x13, 0x01)    // cipher_suites (one entry)
	body = append(body, 0x01, 0x00)                // compression_methods (one null method)
	body = append(body, extLenField...)
	body = append(body, extensions...)

	handshake := append([]byte{0x01, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}, body...)

	record := append([]byte{0x16, 0x03, 0x01, byte(len(handshake) >> 8), byte(len(handshake))}, handshake...)
	return record
}

func TestSniffTLSFound(t *testing.T) {
	record := buildClientHello("example.org")
	res, host := Sniff(record, 443)
	if res != Found || host != "example.org" {
		t.Fatalf("Sniff() = %v, %q, want Found, example.org", res, host)
	}
}

func TestSniffTLSNotEnoughPartialRecord(t *testing.T) {
	record := buildClientHello("example.org")
	res, _ := Sniff(record[:len(record)-5], 443)
	if res != NotEnough {
		t.Fatalf("Sniff() = %v, want NotEnough", res)
	}
}
