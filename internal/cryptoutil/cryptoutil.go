// Package cryptoutil holds the crypto primitives of the federation engine:
// HKDF-SHA256 key derivation, ChaCha20-Poly1305 thread-blob AEAD, the
// authenticated X25519 box used for DM bodies and member key wrapping, and
// fresh CSPRNG nonce generation. Nonce reuse under a single key is a hard
// error, so nonces are always drawn here and never passed in by callers.
package cryptoutil

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"

	"github.com/graphchan/graphchan/internal/xerrors"
)

// DeriveKey expands input key material into outputLen bytes via HKDF-SHA256
// with the given info string and no salt.
func DeriveKey(inputKey, info []byte, outputLen int) []byte {
	out := make([]byte, outputLen)
	r := hkdf.New(sha256.New, inputKey, nil, info)
	if _, err := io.ReadFull(r, out); err != nil {
		// Only reachable for absurd output lengths.
		panic("hkdf expand: " + err.Error())
	}
	return out
}

// NewAEADNonce draws a fresh 12-byte nonce for ChaCha20-Poly1305.
func NewAEADNonce() [12]byte {
	var n [12]byte
	if _, err := rand.Read(n[:]); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return n
}

// NewBoxNonce draws a fresh 24-byte nonce for the X25519 box.
func NewBoxNonce() [24]byte {
	var n [24]byte
	if _, err := rand.Read(n[:]); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return n
}

// NewThreadKey draws a fresh 32-byte symmetric thread key.
func NewThreadKey() [32]byte {
	var k [32]byte
	if _, err := rand.Read(k[:]); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return k
}

// Zero overwrites b. Best-effort scrubbing for key material that has been
// consumed.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// EncryptThreadBlob seals plaintext under the 32-byte thread key. The output
// is nonce ∥ ciphertext∥tag so the blob is self-contained.
func EncryptThreadBlob(plaintext []byte, threadKey *[32]byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(threadKey[:])
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Fatal, err, "aead init")
	}
	nonce := NewAEADNonce()
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce[:]...)
	return aead.Seal(out, nonce[:], plaintext, nil), nil
}

// DecryptThreadBlob opens a blob produced by EncryptThreadBlob. A tag
// mismatch (wrong key, tampered blob) reports AuthFailure.
func DecryptThreadBlob(encrypted []byte, threadKey *[32]byte) ([]byte, error) {
	if len(encrypted) < chacha20poly1305.NonceSize {
		return nil, xerrors.New(xerrors.BadRequest, "encrypted blob too short")
	}
	aead, err := chacha20poly1305.New(threadKey[:])
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Fatal, err, "aead init")
	}
	nonce, ciphertext := encrypted[:chacha20poly1305.NonceSize], encrypted[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.AuthFailure, err, "thread blob decrypt")
	}
	return plaintext, nil
}

// DeriveFileKey derives a per-file encryption key from the thread key.
// Deterministic: both sender and receiver derive the same key from the same
// thread key and file id.
func DeriveFileKey(threadKey *[32]byte, fileID string) [32]byte {
	var key [32]byte
	copy(key[:], DeriveKey(threadKey[:], []byte("orbweaver-file-v1:"+fileID), 32))
	return key
}

// WrappedKey is a thread key sealed for one member: X25519 authenticated
// box ciphertext plus its 24-byte nonce.
type WrappedKey struct {
	Ciphertext []byte
	Nonce      [24]byte
}

// WrapThreadKey seals the thread key for a recipient. The sender's secret
// key authenticates the wrap, so the recipient knows who issued the invite.
func WrapThreadKey(threadKey *[32]byte, recipientPub, senderSec *[32]byte) (WrappedKey, error) {
	nonce := NewBoxNonce()
	ct := box.Seal(nil, threadKey[:], &nonce, recipientPub, senderSec)
	return WrappedKey{Ciphertext: ct, Nonce: nonce}, nil
}

// UnwrapThreadKey opens a wrapped thread key. Failure reports AuthFailure
// (wrong recipient, forged sender, corrupted ciphertext).
func UnwrapThreadKey(wrapped WrappedKey, senderPub, recipientSec *[32]byte) ([32]byte, error) {
	var key [32]byte
	plain, ok := box.Open(nil, wrapped.Ciphertext, &wrapped.Nonce, senderPub, recipientSec)
	if !ok {
		return key, xerrors.New(xerrors.AuthFailure, "thread key unwrap failed")
	}
	if len(plain) != 32 {
		return key, xerrors.Newf(xerrors.AuthFailure, "unwrapped key has invalid length %d", len(plain))
	}
	copy(key[:], plain)
	Zero(plain)
	return key, nil
}

// EncryptDM seals a UTF-8 message body for the recipient. Same box
// construction as key wrapping.
func EncryptDM(body string, senderSec, recipientPub *[32]byte) (ciphertext []byte, nonce [24]byte, err error) {
	nonce = NewBoxNonce()
	ciphertext = box.Seal(nil, []byte(body), &nonce, recipientPub, senderSec)
	return ciphertext, nonce, nil
}

// DecryptDM opens a direct message. Failure reports AuthFailure and the
// envelope is dropped by the caller.
func DecryptDM(ciphertext []byte, nonce [24]byte, recipientSec, senderPub *[32]byte) (string, error) {
	plain, ok := box.Open(nil, ciphertext, &nonce, senderPub, recipientSec)
	if !ok {
		return "", xerrors.New(xerrors.AuthFailure, "dm decrypt failed")
	}
	return string(plain), nil
}

// DeriveDMSharedSecret computes the symmetric DM secret for a peer pair.
// Both sides derive the same value: HKDF over the raw X25519 shared point
// under the DM domain tag. Used to derive DM-specific overlay topics.
func DeriveDMSharedSecret(mySec, theirPub *[32]byte) ([32]byte, error) {
	var secret [32]byte
	shared, err := curve25519.X25519(mySec[:], theirPub[:])
	if err != nil {
		return secret, xerrors.Wrap(xerrors.AuthFailure, err, "x25519")
	}
	copy(secret[:], DeriveKey(shared, []byte("orbweaver-dm-secret-v1"), 32))
	Zero(shared)
	return secret, nil
}

// PublicFromSecret returns the X25519 public key for a secret scalar.
func PublicFromSecret(sec *[32]byte) ([32]byte, error) {
	var pub [32]byte
	p, err := curve25519.X25519(sec[:], curve25519.Basepoint)
	if err != nil {
		return pub, xerrors.Wrap(xerrors.Fatal, err, "x25519 basepoint")
	}
	copy(pub[:], p)
	return pub, nil
}

// NewX25519Keypair draws a fresh X25519 identity.
func NewX25519Keypair() (sec, pub [32]byte, err error) {
	if _, err = rand.Read(sec[:]); err != nil {
		return sec, pub, xerrors.Wrap(xerrors.Fatal, err, "keygen")
	}
	pub, err = PublicFromSecret(&sec)
	return sec, pub, err
}
