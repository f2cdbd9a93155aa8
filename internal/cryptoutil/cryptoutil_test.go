package cryptoutil

import (
	"bytes"
	"testing"

	"github.com/graphchan/graphchan/internal/xerrors"
)

func TestThreadBlobRoundtrip(t *testing.T) {
	var key [32]byte
	key[0] = 42
	plaintext := []byte("hello, private thread")

	encrypted, err := EncryptThreadBlob(plaintext, &key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	decrypted, err := DecryptThreadBlob(encrypted, &key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Fatalf("roundtrip mismatch: %q", decrypted)
	}
}

func TestThreadBlobWrongKeyFails(t *testing.T) {
	key1 := [32]byte{0: 1}
	key2 := [32]byte{0: 2}

	encrypted, err := EncryptThreadBlob([]byte("secret data"), &key1)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := DecryptThreadBlob(encrypted, &key2); !xerrors.Is(err, xerrors.AuthFailure) {
		t.Fatalf("want AuthFailure, got %v", err)
	}
}

func TestThreadBlobTooShort(t *testing.T) {
	key := [32]byte{}
	if _, err := DecryptThreadBlob([]byte{1, 2, 3}, &key); !xerrors.Is(err, xerrors.BadRequest) {
		t.Fatalf("want BadRequest, got %v", err)
	}
}

func TestDeriveFileKey(t *testing.T) {
	threadKey := [32]byte{0: 99}

	k1 := DeriveFileKey(&threadKey, "file123")
	k2 := DeriveFileKey(&threadKey, "file123")
	if k1 != k2 {
		t.Fatal("file key not deterministic")
	}
	if DeriveFileKey(&threadKey, "file1") == DeriveFileKey(&threadKey, "file2") {
		t.Fatal("distinct file ids produced identical keys")
	}
}

func TestWrapUnwrapThreadKey(t *testing.T) {
	threadKey := NewThreadKey()
	senderSec, senderPub, err := NewX25519Keypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	recipientSec, recipientPub, err := NewX25519Keypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	wrapped, err := WrapThreadKey(&threadKey, &recipientPub, &senderSec)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	unwrapped, err := UnwrapThreadKey(wrapped, &senderPub, &recipientSec)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if unwrapped != threadKey {
		t.Fatal("unwrapped key differs from original")
	}
}

func TestUnwrapWrongRecipientFails(t *testing.T) {
	threadKey := NewThreadKey()
	senderSec, senderPub, _ := NewX25519Keypair()
	_, recipient1Pub, _ := NewX25519Keypair()
	recipient2Sec, _, _ := NewX25519Keypair()

	wrapped, err := WrapThreadKey(&threadKey, &recipient1Pub, &senderSec)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if _, err := UnwrapThreadKey(wrapped, &senderPub, &recipient2Sec); !xerrors.Is(err, xerrors.AuthFailure) {
		t.Fatalf("want AuthFailure, got %v", err)
	}
}

func TestDMRoundtrip(t *testing.T) {
	senderSec, senderPub, _ := NewX25519Keypair()
	recipientSec, recipientPub, _ := NewX25519Keypair()

	const msg = "hello, this is a private message"
	ct, nonce, err := EncryptDM(msg, &senderSec, &recipientPub)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := DecryptDM(ct, nonce, &recipientSec, &senderPub)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != msg {
		t.Fatalf("roundtrip mismatch: %q", got)
	}
}

func TestDMWrongRecipientFails(t *testing.T) {
	senderSec, senderPub, _ := NewX25519Keypair()
	_, recipient1Pub, _ := NewX25519Keypair()
	recipient2Sec, _, _ := NewX25519Keypair()

	ct, nonce, _ := EncryptDM("secret message", &senderSec, &recipient1Pub)
	if _, err := DecryptDM(ct, nonce, &recipient2Sec, &senderPub); !xerrors.Is(err, xerrors.AuthFailure) {
		t.Fatalf("want AuthFailure, got %v", err)
	}
}

func TestDMSharedSecretSymmetric(t *testing.T) {
	aliceSec, alicePub, _ := NewX25519Keypair()
	bobSec, bobPub, _ := NewX25519Keypair()

	fromAlice, err := DeriveDMSharedSecret(&aliceSec, &bobPub)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	fromBob, err := DeriveDMSharedSecret(&bobSec, &alicePub)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if fromAlice != fromBob {
		t.Fatal("shared secret not symmetric")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	input := []byte("test input key material")
	k1 := DeriveKey(input, []byte("context1"), 32)
	k2 := DeriveKey(input, []byte("context1"), 32)
	if !bytes.Equal(k1, k2) {
		t.Fatal("derivation not deterministic")
	}
	if bytes.Equal(k1, DeriveKey(input, []byte("context2"), 32)) {
		t.Fatal("distinct info produced identical keys")
	}
}

func TestNonceFreshness(t *testing.T) {
	if NewAEADNonce() == NewAEADNonce() {
		t.Fatal("aead nonces repeated")
	}
	if NewBoxNonce() == NewBoxNonce() {
		t.Fatal("box nonces repeated")
	}
}
