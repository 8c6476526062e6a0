package sscrypto

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/postalsys/muti-metroo/internal/noncecache"
	"github.com/postalsys/muti-metroo/internal/sserr"
)

func TestDeriveMasterKeyFromPasswordKnownVector(t *testing.T) {
	// OpenSSL EVP_BytesToKey(MD5, 16, salt="", iters=1) for password
	// "password" is the well-known md5("password") digest.
	got := DeriveMasterKeyFromPassword("password", 16)
	want, _ := hex.DecodeString("5f4dcc3b5aa765d61d8327deb882cf99")
	if !bytes.Equal(got, want) {
		t.Fatalf("DeriveMasterKeyFromPassword() = %x, want %x", got, want)
	}
}

func TestDeriveMasterKeyFromPasswordLongerThanOneDigest(t *testing.T) {
	got := DeriveMasterKeyFromPassword("correct horse battery staple", 32)
	if len(got) != 32 {
		t.Fatalf("len = %d, want 32", len(got))
	}
}

func TestParseExplicitKeyTooShort(t *testing.T) {
	short := "AAAA" // decodes to 3 bytes
	if _, err := ParseExplicitKey(short, 32); err == nil {
		t.Fatal("expected error for short explicit key")
	}
}

func TestRoundTripSingleChunk(t *testing.T) {
	spec, err := Lookup("chacha20-ietf-poly1305")
	if err != nil {
		t.Fatal(err)
	}
	masterKey := DeriveMasterKeyFromPassword("s3cr3t", spec.KeyLen)

	w, err := NewWriter(spec, masterKey)
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("GET / HTTP/1.0\r\n\r\n")
	wire := w.Seal(plaintext)

	r := NewReader(spec, masterKey, noncecache.New(16))
	got, err := r.Feed(wire)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("decrypted = %q, want %q", got, plaintext)
	}
}

func TestRoundTripSplitAcrossMultipleFeeds(t *testing.T) {
	spec, _ := Lookup("aes-128-gcm")
	masterKey := DeriveMasterKeyFromPassword("p", spec.KeyLen)

	w, _ := NewWriter(spec, masterKey)
	plaintext := []byte("hello, shadowsocks")
	wire := w.Seal(plaintext)

	r := NewReader(spec, masterKey, noncecache.New(16))
	var got []byte
	for i := 0; i < len(wire); i++ {
		out, err := r.Feed(wire[i : i+1])
		if err != nil {
			if sserr.Is(err, sserr.KindNeedMore) {
				continue
			}
			t.Fatalf("Feed byte %d: %v", i, err)
		}
		got = append(got, out...)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("decrypted = %q, want %q", got, plaintext)
	}
}

func TestMultipleChunksOverMaxSize(t *testing.T) {
	spec, _ := Lookup("chacha20-ietf-poly1305")
	masterKey := DeriveMasterKeyFromPassword("p", spec.KeyLen)

	w, _ := NewWriter(spec, masterKey)
	plaintext := bytes.Repeat([]byte{0xAB}, MaxChunkSize+100)
	wire := w.Seal(plaintext)

	r := NewReader(spec, masterKey, noncecache.New(16))
	got, err := r.Feed(wire)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("decrypted length = %d, want %d", len(got), len(plaintext))
	}
}

func TestTamperedCiphertextFailsAuth(t *testing.T) {
	spec, _ := Lookup("chacha20-ietf-poly1305")
	masterKey := DeriveMasterKeyFromPassword("p", spec.KeyLen)

	w, _ := NewWriter(spec, masterKey)
	wire := w.Seal([]byte("payload"))
	wire[len(wire)-1] ^= 0xFF // flip a bit in the final tag

	r := NewReader(spec, masterKey, noncecache.New(16))
	_, err := r.Feed(wire)
	if err == nil {
		t.Fatal("expected auth failure on tampered ciphertext")
	}
}

func TestDuplicateSaltRejected(t *testing.T) {
	spec, _ := Lookup("chacha20-ietf-poly1305")
	masterKey := DeriveMasterKeyFromPassword("p", spec.KeyLen)
	cache := noncecache.New(16)

	w, _ := NewWriter(spec, masterKey)
	wire := w.Seal([]byte("first stream"))

	r1 := NewReader(spec, masterKey, cache)
	if _, err := r1.Feed(wire); err != nil {
		t.Fatalf("first stream should decrypt cleanly: %v", err)
	}

	// A second writer reusing the same salt (simulated replay).
	w2, err := newWriterWithSalt(spec, masterKey, w.Salt())
	if err != nil {
		t.Fatal(err)
	}
	wire2 := w2.Seal([]byte("replayed stream"))

	r2 := NewReader(spec, masterKey, cache)
	_, err = r2.Feed(wire2)
	if err == nil {
		t.Fatal("expected replay rejection on duplicate salt")
	}
}

func TestUDPSealOpenRoundTrip(t *testing.T) {
	spec, _ := Lookup("aes-256-gcm")
	masterKey := DeriveMasterKeyFromPassword("udp-pass", spec.KeyLen)
	plaintext := []byte{0x01, 8, 8, 8, 8, 0x00, 0x35, 'q', 'u', 'e', 'r', 'y'}

	datagram, err := SealUDP(spec, masterKey, plaintext)
	if err != nil {
		t.Fatal(err)
	}

	got, err := OpenUDP(spec, masterKey, noncecache.New(16), datagram)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("OpenUDP() = %x, want %x", got, plaintext)
	}
}

func TestUDPReplayRejected(t *testing.T) {
	spec, _ := Lookup("chacha20-ietf-poly1305")
	masterKey := DeriveMasterKeyFromPassword("udp-pass", spec.KeyLen)
	cache := noncecache.New(16)

	datagram, _ := SealUDP(spec, masterKey, []byte("dns query"))
	if _, err := OpenUDP(spec, masterKey, cache, datagram); err != nil {
		t.Fatalf("first datagram should open cleanly: %v", err)
	}
	if _, err := OpenUDP(spec, masterKey, cache, datagram); err == nil {
		t.Fatal("expected replay rejection on repeated datagram")
	}
}
