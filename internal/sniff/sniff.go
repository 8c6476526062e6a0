// Package sniff inspects the first bytes of a client's application
// payload to recover a hostname when the SOCKS5 request only supplied
// an IP address: TLS ClientHello SNI for port 443, HTTP Host header
// for port 80. It is invoked only for ATYP IPv4/IPv6 requests.
package sniff

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Result is the outcome of a sniff attempt.
type Result int

const (
	// None: the payload does not look like a protocol this package
	// recognizes on the given port, or the protocol was recognized but
	// carried no hostname (e.g. no SNI extension).
	None Result = iota
	// NotEnough: more bytes are needed before a verdict can be reached.
	NotEnough
	// Found: a hostname was extracted.
	Found
)

var errTruncated = errors.New("sniff: truncated")

// Sniff inspects buf (the bytes accumulated so far of the client's
// first payload) addressed to port, and returns a Result plus the
// hostname when Found.
func Sniff(buf []byte, port uint16) (Result, string) {
	switch port {
	case 443:
		return sniffTLS(buf)
	case 80:
		return sniffHTTP(buf)
	default:
		return None, ""
	}
}

// sniffTLS parses enough of a TLS record + ClientHello to reach the
// SNI extension. Returns NotEnough while the record is incomplete,
// None if it isn't a ClientHello or carries no server_name extension.
func sniffTLS(buf []byte) (Result, string) {
	// TLS record header: type(1) version(2) length(2)
	if len(buf) < 5 {
		return NotEnough, ""
	}
	if buf[0] != 0x16 { // handshake content type
		return None, ""
	}
	recordLen := int(binary.BigEndian.Uint16(buf[3:5]))
	if len(buf) < 5+recordLen {
		return NotEnough, ""
	}

	hs := buf[5 : 5+recordLen]
	name, err := parseClientHelloSNI(hs)
	if err != nil {
		if err == errTruncated {
			// Record is complete but something inside didn't parse
			// as expected; treat as "no SNI" rather than stalling
			// forever on a non-conformant ClientHello.
			return None, ""
		}
		return None, ""
	}
	if name == "" {
		return None, ""
	}
	return Found, name
}

// parseClientHelloSNI walks a handshake body looking for the
// server_name extension of a ClientHello.
func parseClientHelloSNI(hs []byte) (string, error) {
	if len(hs) < 4 || hs[0] != 0x01 { // handshake type: client_hello
		return "", errTruncated
	}
	// handshake header: type(1) length(3)
	body := hs[4:]

	// legacy_version(2) + random(32)
	if len(body) < 34 {
		return "", errTruncated
	}
	p := body[34:]

	// session_id
	if len(p) < 1 {
		return "", errTruncated
	}
	sidLen := int(p[0])
	p = p[1:]
	if len(p) < sidLen {
		return "", errTruncated
	}
	p = p[sidLen:]

	// cipher_suites
	if len(p) < 2 {
		return "", errTruncated
	}
	csLen := int(binary.BigEndian.Uint16(p[:2]))
	p = p[2:]
	if len(p) < csLen {
		return "", errTruncated
	}
	p = p[csLen:]

	// compression_methods
	if len(p) < 1 {
		return "", errTruncated
	}
	cmLen := int(p[0])
	p = p[1:]
	if len(p) < cmLen {
		return "", errTruncated
	}
	p = p[cmLen:]

	// extensions
	if len(p) < 2 {
		return "", nil // no extensions: valid ClientHello, no SNI
	}
	extTotalLen := int(binary.BigEndian.Uint16(p[:2]))
	p = p[2:]
	if len(p) < extTotalLen {
		return "", errTruncated
	}
	p = p[:extTotalLen]

	for len(p) >= 4 {
		extType := binary.BigEndian.Uint16(p[:2])
		extLen := int(binary.BigEndian.Uint16(p[2:4]))
		p = p[4:]
		if len(p) < extLen {
			return "", errTruncated
		}
		extData := p[:extLen]
		p = p[extLen:]

		if extType == 0x0000 { // server_name
			return parseServerNameExtension(extData)
		}
	}
	return "", nil
}

func parseServerNameExtension(data []byte) (string, error) {
	if len(data) < 2 {
		return "", errTruncated
	}
	listLen := int(binary.BigEndian.Uint16(data[:2]))
	data = data[2:]
	if len(data) < listLen {
		return "", errTruncated
	}
	data = data[:listLen]

	for len(data) >= 3 {
		nameType := data[0]
		nameLen := int(binary.BigEndian.Uint16(data[1:3]))
		data = data[3:]
		if len(data) < nameLen {
			return "", errTruncated
		}
		if nameType == 0x00 { // host_name
			return string(data[:nameLen]), nil
		}
		data = data[nameLen:]
	}
	return "", nil
}

// sniffHTTP parses an HTTP/1.x request line and Host header from the
// accumulated bytes of a plaintext request.
func sniffHTTP(buf []byte) (Result, string) {
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	headerEnd := idx
	if headerEnd < 0 {
		headerEnd = len(buf)
	}
	headers := buf[:headerEnd]

	if !bytes.Contains(buf, []byte("\r\n")) {
		if couldBecomeHTTPRequestLine(buf) {
			return NotEnough, ""
		}
		return None, ""
	}

	lines := bytes.Split(headers, []byte("\r\n"))
	if len(lines) == 0 {
		return NotEnough, ""
	}

	// Validate the request line looks like HTTP before committing to
	// a verdict either way.
	if !looksLikeHTTPRequestLine(lines[0]) {
		return None, ""
	}

	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		lower := bytes.ToLower(line)
		if bytes.HasPrefix(lower, []byte("host:")) {
			host := bytes.TrimSpace(line[len("host:"):])
			// Strip a port suffix, if present and not part of an
			// IPv6 literal (which we don't special-case here, since
			// Host-header sniffing is only used to recover a domain
			// name for an already-IP-addressed destination).
			if i := bytes.LastIndexByte(host, ':'); i >= 0 {
				host = host[:i]
			}
			if len(host) == 0 {
				return None, ""
			}
			return Found, string(host)
		}
	}

	if idx < 0 {
		return NotEnough, ""
	}
	return None, ""
}

// couldBecomeHTTPRequestLine reports whether buf is a prefix of one of
// the recognized HTTP method tokens, i.e. sniffing should keep waiting
// for more bytes rather than give up.
func couldBecomeHTTPRequestLine(buf []byte) bool {
	methods := [][]byte{
		[]byte("GET "), []byte("POST "), []byte("HEAD "), []byte("PUT "),
		[]byte("DELETE "), []byte("OPTIONS "), []byte("CONNECT "), []byte("PATCH "),
	}
	for _, m := range methods {
		n := len(buf)
		if n > len(m) {
			n = len(m)
		}
		if bytes.Equal(buf[:n], m[:n]) {
			return true
		}
	}
	return false
}

func looksLikeHTTPRequestLine(line []byte) bool {
	methods := [][]byte{
		[]byte("GET "), []byte("POST "), []byte("HEAD "), []byte("PUT "),
		[]byte("DELETE "), []byte("OPTIONS "), []byte("CONNECT "), []byte("PATCH "),
	}
	for _, m := range methods {
		if bytes.HasPrefix(line, m) {
			return true
		}
	}
	return false
}
