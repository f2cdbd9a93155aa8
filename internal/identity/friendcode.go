package identity

import (
	"encoding/base64"
	"encoding/json"
	"net"
	"strings"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/graphchan/graphchan/internal/xerrors"
)

// FriendCodePayload is the decoded content of any friend-code form.
// v1 carries identity only, v2 adds the X25519 public key, v3 is the short
// ASCII form whose addresses are resolved via the overlay DHT.
type FriendCodePayload struct {
	Version        int      `json:"version"`
	PeerID         string   `json:"peer_id"`
	GPGFingerprint string   `json:"gpg_fingerprint"`
	X25519Pubkey   string   `json:"x25519_pubkey,omitempty"`
	Addresses      []string `json:"addresses"`
}

const shortPrefix = "graphchan:"

// EncodeFriendCode emits the long base64 form: v2 when an X25519 public key
// is supplied, v1 otherwise.
func EncodeFriendCode(peerID, gpgFingerprint, x25519Pubkey string, addresses []string) (string, error) {
	version := 1
	if x25519Pubkey != "" {
		version = 2
	}
	if addresses == nil {
		addresses = []string{}
	}
	payload := FriendCodePayload{
		Version:        version,
		PeerID:         peerID,
		GPGFingerprint: gpgFingerprint,
		X25519Pubkey:   x25519Pubkey,
		Addresses:      addresses,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", xerrors.Wrap(xerrors.BadRequest, err, "encode friend code")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeFriendCode decodes the long base64 form.
func DecodeFriendCode(friendCode string) (*FriendCodePayload, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(friendCode))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.BadRequest, err, "malformed friend code")
	}
	var payload FriendCodePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, xerrors.Wrap(xerrors.BadRequest, err, "malformed friend code payload")
	}
	return &payload, nil
}

// EncodeShortFriendCode emits the v3 ASCII form
// "graphchan:{peer_id}:{gpg_fingerprint}". Roughly a third the length of
// the base64 form; reachability is resolved through the DHT.
func EncodeShortFriendCode(peerID, gpgFingerprint string) string {
	return shortPrefix + peerID + ":" + gpgFingerprint
}

// DecodeShortFriendCode decodes the v3 ASCII form.
func DecodeShortFriendCode(friendCode string) (peerID, gpgFingerprint string, err error) {
	friendCode = strings.TrimSpace(friendCode)
	if !strings.HasPrefix(friendCode, shortPrefix) {
		return "", "", xerrors.New(xerrors.BadRequest, "missing graphchan: prefix")
	}
	parts := strings.Split(friendCode[len(shortPrefix):], ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", xerrors.New(xerrors.BadRequest, "expected peer_id:gpg_fingerprint")
	}
	return parts[0], parts[1], nil
}

// DecodeFriendCodeAuto accepts both forms, dispatching on the short-form
// prefix. Surrounding whitespace is trimmed first.
func DecodeFriendCodeAuto(friendCode string) (*FriendCodePayload, error) {
	friendCode = strings.TrimSpace(friendCode)
	if strings.HasPrefix(friendCode, shortPrefix) {
		peerID, fingerprint, err := DecodeShortFriendCode(friendCode)
		if err != nil {
			return nil, err
		}
		return &FriendCodePayload{
			Version:        3,
			PeerID:         peerID,
			GPGFingerprint: fingerprint,
			// X25519 key is negotiated on connection; the DHT resolves
			// addresses.
			Addresses: []string{},
		}, nil
	}
	return DecodeFriendCode(friendCode)
}

// ExtractIPs pulls IP addresses out of the payload's multiaddrs. Best
// effort: relay-only or NAT'd peers surface the relay's IP, unparseable
// addresses are skipped.
func ExtractIPs(addresses []string) []net.IP {
	var ips []net.IP
	for _, addr := range addresses {
		m, err := ma.NewMultiaddr(addr)
		if err != nil {
			continue
		}
		for _, proto := range []int{ma.P_IP4, ma.P_IP6} {
			if v, err := m.ValueForProtocol(proto); err == nil {
				if ip := net.ParseIP(v); ip != nil {
					ips = append(ips, ip)
				}
			}
		}
	}
	return ips
}
