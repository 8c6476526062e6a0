// Package sscrypto implements the Shadowsocks key schedule and AEAD
// tunnel framing: CipherSpec table, password/key derivation, HKDF
// session-key derivation, and the stateful per-direction AEAD
// encrypter/decrypter used by the TCP tunnel and, in single-record
// form, by the UDP relay.
package sscrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

func newSHA1() hash.Hash { return sha1.New() }

// MaxChunkSize is the largest plaintext payload a single AEAD record
// may carry; the 2-byte length field has its top two bits reserved
// and must be zero.
const MaxChunkSize = 16383

// CipherSpec describes one of the fixed AEAD suites this proxy
// supports. The set is closed: Lookup returns an error for any other
// name, and config validation rejects such methods at startup; legacy
// stream/table ciphers are excluded.
type CipherSpec struct {
	Name     string
	KeyLen   int
	SaltLen  int
	NonceLen int
	TagLen   int
}

var table = map[string]CipherSpec{
	"chacha20-ietf-poly1305":  {"chacha20-ietf-poly1305", 32, 32, chacha20poly1305.NonceSize, 16},
	"xchacha20-ietf-poly1305": {"xchacha20-ietf-poly1305", 32, 32, chacha20poly1305.NonceSizeX, 16},
	"aes-128-gcm":             {"aes-128-gcm", 16, 16, 12, 16},
	"aes-192-gcm":             {"aes-192-gcm", 24, 24, 12, 16},
	"aes-256-gcm":             {"aes-256-gcm", 32, 32, 12, 16},
}

// Lookup returns the CipherSpec for name, or an error naming it as an
// unsupported method.
func Lookup(name string) (CipherSpec, error) {
	spec, ok := table[name]
	if !ok {
		return CipherSpec{}, fmt.Errorf("sscrypto: unsupported cipher method %q", name)
	}
	return spec, nil
}

// newAEAD builds the cipher.AEAD implementation for spec given a
// session key of spec.KeyLen bytes.
func newAEAD(spec CipherSpec, key []byte) (cipher.AEAD, error) {
	if len(key) != spec.KeyLen {
		return nil, fmt.Errorf("sscrypto: session key length %d, want %d", len(key), spec.KeyLen)
	}
	switch spec.Name {
	case "chacha20-ietf-poly1305":
		return chacha20poly1305.New(key)
	case "xchacha20-ietf-poly1305":
		return chacha20poly1305.NewX(key)
	case "aes-128-gcm", "aes-192-gcm", "aes-256-gcm":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("sscrypto: unsupported cipher method %q", spec.Name)
	}
}

// DeriveMasterKeyFromPassword implements the iterative MD5 chain
// compatible with OpenSSL's EVP_BytesToKey(digest=MD5, salt=none,
// iterations=1), kept for wire interoperability only: D0 = MD5(pass),
// Di = MD5(D(i-1) || pass), key = first keyLen bytes of D0||D1||...
func DeriveMasterKeyFromPassword(password string, keyLen int) []byte {
	var (
		result []byte
		prev   []byte
	)
	for len(result) < keyLen {
		h := md5.New()
		h.Write(prev)
		h.Write([]byte(password))
		sum := h.Sum(nil)
		result = append(result, sum...)
		prev = sum
	}
	return result[:keyLen]
}

// ParseExplicitKey base64url-decodes an explicit key and trims it to
// keyLen, failing if the decoded material is shorter than required.
func ParseExplicitKey(encoded string, keyLen int) ([]byte, error) {
	decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(encoded)
	if err != nil {
		// Fall back to padded base64url; some configs carry padding.
		decoded, err = base64.URLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("sscrypto: invalid base64url key: %w", err)
		}
	}
	if len(decoded) < keyLen {
		return nil, fmt.Errorf("sscrypto: decoded key is %d bytes, need at least %d", len(decoded), keyLen)
	}
	return decoded[:keyLen], nil
}

// DeriveSessionKey computes HKDF-SHA1(master_key, salt, info="ss-subkey", L=keyLen).
func DeriveSessionKey(masterKey, salt []byte, keyLen int) ([]byte, error) {
	r := hkdf.New(newSHA1, masterKey, salt, []byte("ss-subkey"))
	sessionKey := make([]byte, keyLen)
	if _, err := io.ReadFull(r, sessionKey); err != nil {
		return nil, fmt.Errorf("sscrypto: hkdf expand: %w", err)
	}
	return sessionKey, nil
}
