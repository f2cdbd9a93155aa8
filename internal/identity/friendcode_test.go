package identity

import (
	"testing"

	"github.com/graphchan/graphchan/internal/xerrors"
)

func TestFriendCodeV1Roundtrip(t *testing.T) {
	code, err := EncodeFriendCode("peer-123", "FINGERPRINT123", "", nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	payload, err := DecodeFriendCode(code)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Version != 1 {
		t.Fatalf("version=%d want 1", payload.Version)
	}
	if payload.PeerID != "peer-123" || payload.GPGFingerprint != "FINGERPRINT123" {
		t.Fatalf("identity fields lost: %+v", payload)
	}
	if payload.X25519Pubkey != "" || len(payload.Addresses) != 0 {
		t.Fatalf("unexpected optional fields: %+v", payload)
	}
}

func TestFriendCodeV2Roundtrip(t *testing.T) {
	addrs := []string{"/ip4/203.0.113.9/udp/4001", "/ip6/2001:db8::1/tcp/443"}
	code, err := EncodeFriendCode("peer-456", "FINGERPRINT456", "x25519pubkey", addrs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	payload, err := DecodeFriendCode(code)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Version != 2 {
		t.Fatalf("version=%d want 2", payload.Version)
	}
	if payload.X25519Pubkey != "x25519pubkey" {
		t.Fatalf("x25519 lost: %+v", payload)
	}
	if len(payload.Addresses) != 2 || payload.Addresses[0] != addrs[0] {
		t.Fatalf("addresses lost: %+v", payload.Addresses)
	}
}

func TestShortFriendCodeRoundtrip(t *testing.T) {
	code := EncodeShortFriendCode("abc123", "DEADBEEF")
	if code != "graphchan:abc123:DEADBEEF" {
		t.Fatalf("short form=%q", code)
	}
	peerID, fingerprint, err := DecodeShortFriendCode(code)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if peerID != "abc123" || fingerprint != "DEADBEEF" {
		t.Fatalf("fields=%q %q", peerID, fingerprint)
	}
}

func TestDecodeAuto(t *testing.T) {
	long, _ := EncodeFriendCode("peer-1", "FP1", "pk", nil)

	tests := []struct {
		name        string
		code        string
		wantVersion int
		wantPeer    string
	}{
		{"Long", long, 2, "peer-1"},
		{"LongWhitespace", "  " + long + "\n", 2, "peer-1"},
		{"Short", "graphchan:peer-2:FP2", 3, "peer-2"},
		{"ShortWhitespace", "\tgraphchan:peer-2:FP2 ", 3, "peer-2"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := DecodeFriendCodeAuto(tc.code)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if payload.Version != tc.wantVersion || payload.PeerID != tc.wantPeer {
				t.Fatalf("got version=%d peer=%s", payload.Version, payload.PeerID)
			}
		})
	}
}

func TestDecodeAutoRejectsGarbage(t *testing.T) {
	tests := []string{"", "not base64 !!!", "graphchan:", "graphchan:onlypeer"}
	for _, code := range tests {
		if _, err := DecodeFriendCodeAuto(code); !xerrors.Is(err, xerrors.BadRequest) {
			t.Fatalf("code %q: want BadRequest, got %v", code, err)
		}
	}
}

func TestExtractIPs(t *testing.T) {
	addrs := []string{
		"/ip4/192.168.1.1/udp/8080",
		"/ip6/2001:db8::1/tcp/443",
		"/ip4/10.0.0.5/tcp/9090/p2p/12D3KooWQYhTNQdmr3ArTeUHRYzFg94BKyTkoWBDWez9kSCVe2Xo",
		"/dns4/relay.example.com/tcp/443",
		"not a multiaddr",
	}
	ips := ExtractIPs(addrs)
	if len(ips) != 3 {
		t.Fatalf("got %d ips: %v", len(ips), ips)
	}
	want := map[string]bool{"192.168.1.1": true, "2001:db8::1": true, "10.0.0.5": true}
	for _, ip := range ips {
		if !want[ip.String()] {
			t.Fatalf("unexpected ip %s", ip)
		}
	}
}
