package sscrypto

import (
	"crypto/rand"
	"fmt"

	"github.com/postalsys/muti-metroo/internal/noncecache"
	"github.com/postalsys/muti-metroo/internal/sserr"
)

// SealUDP encrypts a single UDP datagram's plaintext as
// salt || enc(plaintext || tag), generating a fresh salt every call —
// UDP framing has no persistent per-direction state, so the nonce is
// always the all-zero counter for its one AEAD operation.
func SealUDP(spec CipherSpec, masterKey, plaintext []byte) ([]byte, error) {
	salt := make([]byte, spec.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("sscrypto: generate salt: %w", err)
	}

	sessionKey, err := DeriveSessionKey(masterKey, salt, spec.KeyLen)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(spec, sessionKey)
	if err != nil {
		return nil, err
	}

	zeroNonce := make([]byte, spec.NonceLen)
	out := make([]byte, 0, len(salt)+len(plaintext)+spec.TagLen)
	out = append(out, salt...)
	out = aead.Seal(out, zeroNonce, plaintext, nil)
	return out, nil
}

// OpenUDP decrypts a single UDP datagram previously sealed with
// SealUDP, rejecting replays against cache (which may be nil in
// tests). It returns the plaintext with the address header intact.
func OpenUDP(spec CipherSpec, masterKey []byte, cache *noncecache.Cache, datagram []byte) ([]byte, error) {
	if len(datagram) < spec.SaltLen+spec.TagLen {
		return nil, sserr.New(sserr.KindInvalidFrame, fmt.Errorf("sscrypto: datagram too short"))
	}
	salt := datagram[:spec.SaltLen]
	sealed := datagram[spec.SaltLen:]

	if cache != nil && !cache.InsertIfAbsent(salt) {
		return nil, sserr.New(sserr.KindInvalidFrame, ErrReplayedSalt)
	}

	sessionKey, err := DeriveSessionKey(masterKey, salt, spec.KeyLen)
	if err != nil {
		return nil, sserr.New(sserr.KindInvalidFrame, err)
	}
	aead, err := newAEAD(spec, sessionKey)
	if err != nil {
		return nil, sserr.New(sserr.KindInvalidFrame, err)
	}

	plain, err := aead.Open(nil, zeroNonce(spec), sealed, nil)
	if err != nil {
		return nil, sserr.New(sserr.KindInvalidFrame, fmt.Errorf("sscrypto: udp datagram auth failed: %w", err))
	}
	return plain, nil
}

func zeroNonce(spec CipherSpec) []byte { return make([]byte, spec.NonceLen) }
