package sscrypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/postalsys/muti-metroo/internal/noncecache"
	"github.com/postalsys/muti-metroo/internal/relaybuf"
	"github.com/postalsys/muti-metroo/internal/sserr"
)

// ErrReplayedSalt is the cause wrapped by a KindInvalidFrame error when
// the nonce cache has already seen a salt. Callers that need to tell a
// replay apart from an ordinary tag-mismatch (e.g. to count it
// separately in metrics) can match it with errors.Is.
var ErrReplayedSalt = errors.New("sscrypto: duplicate salt (replay)")

// nonce is a little-endian counter of spec-mandated width, advanced by
// one after every AEAD seal/open on its direction. It is never sent on
// the wire; both ends reconstruct it by counting operations.
type nonce struct {
	buf []byte
}

func newNonce(size int) *nonce { return &nonce{buf: make([]byte, size)} }

func (n *nonce) bytes() []byte { return n.buf }

// increment adds 1 to the little-endian counter, carrying across bytes.
func (n *nonce) increment() {
	for i := range n.buf {
		n.buf[i]++
		if n.buf[i] != 0 {
			return
		}
	}
}

// Writer is the per-direction AEAD encrypter. The salt prelude is
// emitted exactly once, in the clear, ahead of the first record.
type Writer struct {
	spec     CipherSpec
	masterKey []byte
	salt     []byte
	saltSent bool
	aead     cipher.AEAD
	nonce    *nonce
}

// NewWriter creates an encrypter for spec using masterKey, generating
// a fresh random salt of spec.SaltLen bytes.
func NewWriter(spec CipherSpec, masterKey []byte) (*Writer, error) {
	salt := make([]byte, spec.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("sscrypto: generate salt: %w", err)
	}
	return newWriterWithSalt(spec, masterKey, salt)
}

func newWriterWithSalt(spec CipherSpec, masterKey, salt []byte) (*Writer, error) {
	sessionKey, err := DeriveSessionKey(masterKey, salt, spec.KeyLen)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(spec, sessionKey)
	if err != nil {
		return nil, err
	}
	return &Writer{
		spec:      spec,
		masterKey: masterKey,
		salt:      salt,
		aead:      aead,
		nonce:     newNonce(spec.NonceLen),
	}, nil
}

// Salt returns the salt this Writer derived its session key from, so
// callers can log it or reuse it for a UDP datagram's peer record.
func (w *Writer) Salt() []byte { return w.salt }

// Seal encrypts plaintext as one or more AEAD records (splitting at
// MaxChunkSize), prefixed by the salt if it has not been sent yet on
// this direction.
func (w *Writer) Seal(plaintext []byte) []byte {
	var out []byte
	if !w.saltSent {
		out = append(out, w.salt...)
		w.saltSent = true
	}

	for len(plaintext) > 0 {
		chunk := plaintext
		if len(chunk) > MaxChunkSize {
			chunk = chunk[:MaxChunkSize]
		}
		plaintext = plaintext[len(chunk):]

		var lenField [2]byte
		binary.BigEndian.PutUint16(lenField[:], uint16(len(chunk)))

		out = w.sealRecord(out, lenField[:])
		out = w.sealRecord(out, chunk)
	}
	return out
}

func (w *Writer) sealRecord(dst, plaintext []byte) []byte {
	dst = w.aead.Seal(dst, w.nonce.bytes(), plaintext, nil)
	w.nonce.increment()
	return dst
}

// decodeState is the AEAD decrypter's current wait condition.
type decodeState int

const (
	stateAwaitSalt decodeState = iota
	stateAwaitLength
	stateAwaitPayload
)

// Reader is the per-direction stateful AEAD decrypter. Feed bytes as
// they arrive; it returns every plaintext record it could assemble
// and sserr.NeedMore when it needs more input before producing any.
type Reader struct {
	spec      CipherSpec
	masterKey []byte
	cache     *noncecache.Cache

	state      decodeState
	buf        *relaybuf.Buffer
	salt       []byte
	aead       cipher.AEAD
	nonce      *nonce
	pendingLen int
}

// NewReader creates a decrypter for spec using masterKey. cache is
// consulted (and updated) the first time a salt is observed; it may
// be nil only in tests that don't exercise replay rejection.
func NewReader(spec CipherSpec, masterKey []byte, cache *noncecache.Cache) *Reader {
	return &Reader{
		spec:      spec,
		masterKey: masterKey,
		cache:     cache,
		state:     stateAwaitSalt,
		buf:       relaybuf.New(4096),
	}
}

// Feed appends data to the internal buffer and decodes as many
// complete plaintext records as possible. It returns the concatenated
// plaintext and nil, or nil and sserr.NeedMore if no further record
// completed, or nil and an sserr.KindInvalidFrame error on a tag
// mismatch, duplicate salt, or out-of-range length.
func (r *Reader) Feed(data []byte) ([]byte, error) {
	r.buf.Append(data)

	var out []byte
	for {
		chunk, err := r.step()
		if err != nil {
			if err == sserr.NeedMore {
				r.buf.Compact()
				if len(out) == 0 {
					return nil, sserr.NeedMore
				}
				return out, nil
			}
			return nil, err
		}
		out = append(out, chunk...)
	}
}

// step attempts to advance the state machine by exactly one state
// transition, returning the plaintext produced (if any) or NeedMore.
func (r *Reader) step() ([]byte, error) {
	switch r.state {
	case stateAwaitSalt:
		return nil, r.stepAwaitSalt()
	case stateAwaitLength:
		return r.stepAwaitLength()
	case stateAwaitPayload:
		return r.stepAwaitPayload()
	default:
		panic("sscrypto: unreachable decode state")
	}
}

// stepAwaitSalt returns nil on a successful state transition (no
// plaintext produced yet), or sserr.NeedMore / an InvalidFrame error.
func (r *Reader) stepAwaitSalt() error {
	unread := r.buf.Unread()
	if len(unread) < r.spec.SaltLen {
		return sserr.NeedMore
	}
	salt := append([]byte(nil), unread[:r.spec.SaltLen]...)
	r.buf.Advance(r.spec.SaltLen)

	if r.cache != nil && !r.cache.InsertIfAbsent(salt) {
		return sserr.New(sserr.KindInvalidFrame, ErrReplayedSalt)
	}

	sessionKey, err := DeriveSessionKey(r.masterKey, salt, r.spec.KeyLen)
	if err != nil {
		return sserr.New(sserr.KindInvalidFrame, err)
	}
	aead, err := newAEAD(r.spec, sessionKey)
	if err != nil {
		return sserr.New(sserr.KindInvalidFrame, err)
	}

	r.salt = salt
	r.aead = aead
	r.nonce = newNonce(r.spec.NonceLen)
	r.state = stateAwaitLength
	return nil
}

func (r *Reader) stepAwaitLength() ([]byte, error) {
	recordLen := 2 + r.spec.TagLen
	unread := r.buf.Unread()
	if len(unread) < recordLen {
		return nil, sserr.NeedMore
	}

	plain, err := r.aead.Open(nil, r.nonce.bytes(), unread[:recordLen], nil)
	if err != nil {
		return nil, sserr.New(sserr.KindInvalidFrame, fmt.Errorf("sscrypto: length record auth failed: %w", err))
	}
	r.nonce.increment()
	r.buf.Advance(recordLen)

	length := int(binary.BigEndian.Uint16(plain))
	if length == 0 || length > MaxChunkSize {
		return nil, sserr.New(sserr.KindInvalidFrame, fmt.Errorf("sscrypto: record length %d out of range", length))
	}

	r.pendingLen = length
	r.state = stateAwaitPayload
	return nil, nil
}

func (r *Reader) stepAwaitPayload() ([]byte, error) {
	recordLen := r.pendingLen + r.spec.TagLen
	unread := r.buf.Unread()
	if len(unread) < recordLen {
		return nil, sserr.NeedMore
	}

	plain, err := r.aead.Open(nil, r.nonce.bytes(), unread[:recordLen], nil)
	if err != nil {
		return nil, sserr.New(sserr.KindInvalidFrame, fmt.Errorf("sscrypto: payload record auth failed: %w", err))
	}
	r.nonce.increment()
	r.buf.Advance(recordLen)

	r.state = stateAwaitLength
	return plain, nil
}
