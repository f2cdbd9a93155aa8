// Package identity bootstraps and loads the node's long-lived identity: an
// OpenPGP Ed25519/Cv25519 certificate whose fingerprint names the peer, the
// overlay secret key, and the X25519 encryption identity. It also owns the
// friend-code codec (friendcode.go).
package identity

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/google/uuid"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"github.com/graphchan/graphchan/internal/cryptoutil"
	"github.com/graphchan/graphchan/internal/xerrors"
	"github.com/graphchan/graphchan/pkg/config"
)

const fingerprintFile = "fingerprint.txt"
const sidecarFile = "identity.json"

// Summary describes the local identity after bootstrap.
type Summary struct {
	GPGFingerprint  string
	OverlayPeerID   string
	X25519Pubkey    string
	FriendCode      string
	ShortFriendCode string
	GPGCreated      bool
	OverlayCreated  bool
	X25519Created   bool
}

type storedOverlayIdentity struct {
	Version      int    `json:"version"`
	PeerID       string `json:"peer_id"`
	SecretKeyB64 string `json:"secret_key_b64"`
}

// sidecar is the identity summary written next to the armored keys at
// bootstrap. Nothing in the module reads it back: `identity show` loads the
// key files through EnsureLocalIdentity. Never authoritative: the cert file
// is always re-validated on load.
type sidecar struct {
	GPGFingerprint string `json:"gpg_fingerprint"`
	OverlayPeerID  string `json:"overlay_peer_id"`
	X25519Pubkey   string `json:"x25519_pubkey"`
	CreatedAt      string `json:"created_at"`
}

// EnsureLocalIdentity creates the node identity on first run and loads it on
// every later one. An existing fingerprint file always wins over
// regeneration.
func EnsureLocalIdentity(paths config.Paths, addresses []string) (*Summary, error) {
	fingerprint, gpgCreated, err := ensureGPGIdentity(paths)
	if err != nil {
		return nil, err
	}
	peerID, _, overlayCreated, err := ensureOverlayIdentity(paths)
	if err != nil {
		return nil, err
	}
	x25519Pub, x25519Created, err := ensureX25519Identity(paths)
	if err != nil {
		return nil, err
	}

	friendCode, err := EncodeFriendCode(peerID, fingerprint, x25519Pub, addresses)
	if err != nil {
		return nil, err
	}
	summary := &Summary{
		GPGFingerprint:  fingerprint,
		OverlayPeerID:   peerID,
		X25519Pubkey:    x25519Pub,
		FriendCode:      friendCode,
		ShortFriendCode: EncodeShortFriendCode(peerID, fingerprint),
		GPGCreated:      gpgCreated,
		OverlayCreated:  overlayCreated,
		X25519Created:   x25519Created,
	}
	if gpgCreated || overlayCreated || x25519Created {
		writeSidecar(paths, summary)
	}
	return summary, nil
}

func ensureGPGIdentity(paths config.Paths) (string, bool, error) {
	fingerprintPath := filepath.Join(paths.GPGDir, fingerprintFile)
	if raw, err := os.ReadFile(fingerprintPath); err == nil {
		fingerprint := strings.TrimSpace(string(raw))
		if fingerprint != "" {
			if err := validateCertFile(paths.GPGPublicKey); err != nil {
				return "", false, err
			}
			return fingerprint, false, nil
		}
	}

	fingerprint, err := generateGPGIdentity(paths)
	if err != nil {
		return "", false, err
	}
	if err := os.WriteFile(fingerprintPath, []byte(fingerprint), 0o600); err != nil {
		return "", false, xerrors.Wrap(xerrors.Fatal, err, "write fingerprint")
	}
	tightenPermissions(fingerprintPath)
	return fingerprint, true, nil
}

func generateGPGIdentity(paths config.Paths) (string, error) {
	if err := os.MkdirAll(paths.GPGDir, 0o700); err != nil {
		return "", xerrors.Wrap(xerrors.Fatal, err, "create gpg dir")
	}
	tightenPermissions(paths.GPGDir)

	nodeID := uuid.New()
	name := fmt.Sprintf("Graphchan Node %s", nodeID)
	email := fmt.Sprintf("node-%s@graphchan.local", nodeID)

	// Ed25519 signing primary with a Cv25519 encryption subkey.
	cfg := &packet.Config{
		Algorithm: packet.PubKeyAlgoEdDSA,
		Curve:     packet.Curve25519,
	}
	entity, err := openpgp.NewEntity(name, "", email, cfg)
	if err != nil {
		return "", xerrors.Wrap(xerrors.Fatal, err, "generate cert")
	}
	fingerprint := fmt.Sprintf("%X", entity.PrimaryKey.Fingerprint)

	if err := writeArmored(paths.GPGPublicKey, openpgp.PublicKeyType, entity.Serialize); err != nil {
		return "", err
	}
	if err := writeArmored(paths.GPGPrivateKey, openpgp.PrivateKeyType, func(w io.Writer) error {
		return entity.SerializePrivate(w, nil)
	}); err != nil {
		return "", err
	}
	tightenPermissions(paths.GPGPublicKey)
	tightenPermissions(paths.GPGPrivateKey)
	return fingerprint, nil
}

func writeArmored(path, blockType string, serialize func(io.Writer) error) error {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, blockType, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.Fatal, err, "armor encode")
	}
	if err := serialize(w); err != nil {
		w.Close()
		return xerrors.Wrap(xerrors.Fatal, err, "serialize key")
	}
	if err := w.Close(); err != nil {
		return xerrors.Wrap(xerrors.Fatal, err, "armor close")
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return xerrors.Wrap(xerrors.Fatal, err, "write "+path)
	}
	return nil
}

func validateCertFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return xerrors.Wrap(xerrors.Fatal, err, "open cert")
	}
	defer f.Close()
	if _, err := openpgp.ReadArmoredKeyRing(f); err != nil {
		return xerrors.Wrap(xerrors.Fatal, err, "corrupted identity cert")
	}
	return nil
}

func tightenPermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := os.FileMode(0o600)
	if info.IsDir() {
		mode = 0o700
	}
	if err := os.Chmod(path, mode); err != nil {
		logrus.Warnf("identity: tighten permissions on %s: %v", path, err)
	}
}

func ensureOverlayIdentity(paths config.Paths) (string, libp2pcrypto.PrivKey, bool, error) {
	if _, err := os.Stat(paths.OverlayKey); err == nil {
		peerID, secret, err := loadOverlayIdentity(paths.OverlayKey)
		if err == nil {
			return peerID, secret, false, nil
		}
		logrus.Warnf("identity: overlay key unreadable, regenerating: %v", err)
	}

	priv, pub, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return "", nil, false, xerrors.Wrap(xerrors.Fatal, err, "generate overlay key")
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return "", nil, false, xerrors.Wrap(xerrors.Fatal, err, "derive peer id")
	}
	raw, err := libp2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return "", nil, false, xerrors.Wrap(xerrors.Fatal, err, "marshal overlay key")
	}
	stored := storedOverlayIdentity{
		Version:      1,
		PeerID:       id.String(),
		SecretKeyB64: base64.StdEncoding.EncodeToString(raw),
	}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return "", nil, false, xerrors.Wrap(xerrors.Fatal, err, "encode overlay identity")
	}
	if err := os.WriteFile(paths.OverlayKey, data, 0o600); err != nil {
		return "", nil, false, xerrors.Wrap(xerrors.Fatal, err, "write overlay key")
	}
	tightenPermissions(paths.OverlayKey)
	return id.String(), priv, true, nil
}

func loadOverlayIdentity(path string) (string, libp2pcrypto.PrivKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", nil, xerrors.Wrap(xerrors.Fatal, err, "read overlay key")
	}
	var stored storedOverlayIdentity
	if err := json.Unmarshal(raw, &stored); err != nil {
		return "", nil, xerrors.Wrap(xerrors.Fatal, err, "decode overlay key")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(stored.SecretKeyB64)
	if err != nil {
		return "", nil, xerrors.Wrap(xerrors.Fatal, err, "decode overlay secret")
	}
	priv, err := libp2pcrypto.UnmarshalPrivateKey(keyBytes)
	if err != nil {
		return "", nil, xerrors.Wrap(xerrors.Fatal, err, "unmarshal overlay secret")
	}
	return stored.PeerID, priv, nil
}

// LoadOverlaySecret returns the overlay private key for host construction.
func LoadOverlaySecret(paths config.Paths) (libp2pcrypto.PrivKey, error) {
	_, priv, err := loadOverlayIdentity(paths.OverlayKey)
	return priv, err
}

func ensureX25519Identity(paths config.Paths) (string, bool, error) {
	if raw, err := os.ReadFile(paths.X25519Key); err == nil {
		sec, err := decodeX25519Secret(raw)
		if err != nil {
			return "", false, err
		}
		pub, err := cryptoutil.PublicFromSecret(&sec)
		if err != nil {
			return "", false, err
		}
		return base64.StdEncoding.EncodeToString(pub[:]), false, nil
	}

	sec, pub, err := cryptoutil.NewX25519Keypair()
	if err != nil {
		return "", false, err
	}
	encoded := base64.StdEncoding.EncodeToString(sec[:])
	if err := os.WriteFile(paths.X25519Key, []byte(encoded), 0o600); err != nil {
		return "", false, xerrors.Wrap(xerrors.Fatal, err, "write x25519 key")
	}
	tightenPermissions(paths.X25519Key)
	return base64.StdEncoding.EncodeToString(pub[:]), true, nil
}

func decodeX25519Secret(raw []byte) ([32]byte, error) {
	var sec [32]byte
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return sec, xerrors.Wrap(xerrors.Fatal, err, "decode x25519 key")
	}
	if len(decoded) != 32 {
		return sec, xerrors.Newf(xerrors.Fatal, "x25519 key has invalid length %d", len(decoded))
	}
	copy(sec[:], decoded)
	return sec, nil
}

// LoadX25519Secret returns the local X25519 secret scalar.
func LoadX25519Secret(paths config.Paths) ([32]byte, error) {
	raw, err := os.ReadFile(paths.X25519Key)
	if err != nil {
		return [32]byte{}, xerrors.Wrap(xerrors.Fatal, err, "read x25519 key")
	}
	return decodeX25519Secret(raw)
}

func writeSidecar(paths config.Paths, s *Summary) {
	data, err := json.MarshalIndent(sidecar{
		GPGFingerprint: s.GPGFingerprint,
		OverlayPeerID:  s.OverlayPeerID,
		X25519Pubkey:   s.X25519Pubkey,
		CreatedAt:      nowUTC(),
	}, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(filepath.Dir(paths.OverlayKey), sidecarFile)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		logrus.Warnf("identity: write sidecar: %v", err)
	}
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
