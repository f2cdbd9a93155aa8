package gossip

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/graphchan/graphchan/internal/xerrors"
)

func TestEnvelopeRoundtripAllKinds(t *testing.T) {
	payloads := []Payload{
		ThreadAnnouncement{
			ThreadID: "t1", CreatorPeerID: "peerA", AnnouncerPeerID: "peerA",
			Title: "hi", Preview: "hello", Ticket: "ticket-bytes", PostCount: 1,
			CreatedAt: "2026-01-01T00:00:00Z", LastActivity: "2026-01-01T00:00:00Z",
			ThreadHash: "abc123", Visibility: "global",
		},
		PostUpdate{
			ID: "p1", ThreadID: "t1", AuthorPeerID: "peerB", Body: "world",
			CreatedAt: "2026-01-01T00:00:01Z", ParentPostIDs: []string{"p0"},
		},
		FileAvailable{
			ID: "f1", PostID: "p1", ThreadID: "t1", OriginalName: "cat.png",
			Mime: "image/png", SizeBytes: 1234, Checksum: "deadbeef", Ticket: "tkt",
		},
		FileRequest{FileID: "f1"},
		FileChunk{FileID: "f1", Data: []byte{0, 1, 2, 255}, EOF: true},
		ProfileUpdate{PeerID: "peerA", Username: "alice", Bio: "hi"},
		ReactionUpdate{
			PostID: "p1", ThreadID: "t1", ReactorPeerID: "peerB", Emoji: "🎉",
			Signature: "sig:p1:peerB:🎉", CreatedAt: "2026-01-01T00:00:02Z",
		},
		DirectMessageEvent{
			MessageID: "m1", ConversationID: "c1", From: "peerA", To: "peerB",
			Ciphertext: []byte{9, 8, 7}, Nonce: bytes.Repeat([]byte{1}, 24),
			CreatedAt: "2026-01-01T00:00:03Z",
		},
	}

	for _, p := range payloads {
		t.Run(p.Kind(), func(t *testing.T) {
			data, err := Encode(p)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			env, decoded, err := Decode(data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.Version != EnvelopeVersion {
				t.Fatalf("version=%d", env.Version)
			}
			if env.Topic != TopicFor(p) {
				t.Fatalf("topic=%s want %s", env.Topic, TopicFor(p))
			}
			if decoded.Kind() != p.Kind() {
				t.Fatalf("kind=%s want %s", decoded.Kind(), p.Kind())
			}
			// Payload fields survive the roundtrip (decoded is a pointer).
			got, _ := json.Marshal(decoded)
			want, _ := json.Marshal(p)
			if !bytes.Equal(got, want) {
				t.Fatalf("payload mismatch:\n got %s\nwant %s", got, want)
			}
		})
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	data, err := Encode(DirectMessageEvent{
		MessageID: "m1", ConversationID: "c1", From: "a", To: "b",
		Ciphertext: []byte{1, 2}, Nonce: bytes.Repeat([]byte{7}, 24),
		CreatedAt: "2026-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var wire map[string]interface{}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire["version"].(float64) != 1 {
		t.Fatalf("version=%v", wire["version"])
	}
	payload := wire["payload"].(map[string]interface{})
	if payload["kind"] != "DirectMessageEvent" {
		t.Fatalf("kind=%v", payload["kind"])
	}
	// Binary fields are standard base64 strings on the wire.
	if payload["ciphertext"].(string) != "AQI=" {
		t.Fatalf("ciphertext=%v", payload["ciphertext"])
	}
}

func TestTopicSelection(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		want    string
	}{
		{"Announcement", ThreadAnnouncement{AnnouncerPeerID: "peerX"}, "peer-peerX"},
		{"Profile", ProfileUpdate{PeerID: "peerY"}, "peer-peerY"},
		{"Post", PostUpdate{ThreadID: "t9"}, "thread-t9"},
		{"File", FileAvailable{ThreadID: "t9"}, "thread-t9"},
		{"Reaction", ReactionUpdate{ThreadID: "t9"}, "thread-t9"},
		{"DM", DirectMessageEvent{ConversationID: "c3"}, "dm-c3"},
		{"FileRequest", FileRequest{}, "deprecated-file-request"},
		{"FileChunk", FileChunk{}, "deprecated-file-chunk"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := TopicFor(tc.payload); got != tc.want {
				t.Fatalf("topic=%s want %s", got, tc.want)
			}
		})
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	data := []byte(`{"version":1,"topic":"x","payload":{"kind":"Bogus"}}`)
	if _, _, err := Decode(data); !xerrors.Is(err, xerrors.BadRequest) {
		t.Fatalf("want BadRequest, got %v", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, _, err := Decode([]byte("not json")); !xerrors.Is(err, xerrors.BadRequest) {
		t.Fatal("garbage accepted")
	}
}
