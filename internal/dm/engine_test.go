package dm

import (
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"

	"github.com/graphchan/graphchan/internal/cryptoutil"
	"github.com/graphchan/graphchan/internal/gossip"
	"github.com/graphchan/graphchan/internal/store"
	"github.com/graphchan/graphchan/internal/xerrors"
)

type recordingBroadcaster struct {
	events []gossip.Payload
}

func (b *recordingBroadcaster) Broadcast(p gossip.Payload) error {
	b.events = append(b.events, p)
	return nil
}

type testPeer struct {
	id     string
	db     *store.DB
	engine *Engine
	bcast  *recordingBroadcaster
	pub    [32]byte
}

func newTestPeer(t *testing.T, id string) *testPeer {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sec, pub, err := cryptoutil.NewX25519Keypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	bcast := &recordingBroadcaster{}
	return &testPeer{
		id:     id,
		db:     db,
		engine: NewEngine(db, id, sec, bcast),
		bcast:  bcast,
		pub:    pub,
	}
}

// introduce registers other in p's peer table with its real public key.
func (p *testPeer) introduce(t *testing.T, other *testPeer) {
	t.Helper()
	if err := p.db.WithRepositories(func(r *store.Repositories) error {
		return r.Peers().Upsert(&store.PeerRecord{
			ID:           other.id,
			X25519Pubkey: base64.StdEncoding.EncodeToString(other.pub[:]),
		})
	}); err != nil {
		t.Fatal(err)
	}
}

func TestConversationIDSymmetric(t *testing.T) {
	if ConversationID("FP_A", "FP_B") != ConversationID("FP_B", "FP_A") {
		t.Fatal("conversation id must not depend on argument order")
	}
	if ConversationID("FP_A", "FP_B") == ConversationID("FP_A", "FP_C") {
		t.Fatal("distinct pairs share a conversation id")
	}
}

func TestSendReceiveRoundtrip(t *testing.T) {
	alice := newTestPeer(t, "FP_ALICE")
	bob := newTestPeer(t, "FP_BOB")
	alice.introduce(t, bob)
	bob.introduce(t, alice)

	sent, err := alice.engine.Send("FP_BOB", "ping")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(alice.bcast.events) != 1 {
		t.Fatalf("broadcasts=%d want 1", len(alice.bcast.events))
	}
	ev := alice.bcast.events[0].(gossip.DirectMessageEvent)
	if ev.MessageID != sent.ID || ev.To != "FP_BOB" {
		t.Fatalf("event=%+v", ev)
	}

	if _, err := bob.engine.Receive(&ev); err != nil {
		t.Fatalf("receive: %v", err)
	}

	convs, err := bob.engine.Conversations()
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("conversations=%d want 1", len(convs))
	}
	conv := convs[0]
	if conv.UnreadCount != 1 {
		t.Fatalf("unread=%d want 1", conv.UnreadCount)
	}
	if conv.LastMessagePreview != "ping" {
		t.Fatalf("preview=%q", conv.LastMessagePreview)
	}
	if conv.ID != ConversationID("FP_ALICE", "FP_BOB") {
		t.Fatal("conversation id mismatch")
	}

	// Bob reads the message: unread drops to exactly zero.
	if err := bob.engine.MarkAsRead(sent.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	convs, _ = bob.engine.Conversations()
	if convs[0].UnreadCount != 0 {
		t.Fatalf("unread=%d want 0", convs[0].UnreadCount)
	}

	// Reading again stays at zero, never negative.
	if err := bob.engine.MarkAsRead(sent.ID); err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	convs, _ = bob.engine.Conversations()
	if convs[0].UnreadCount != 0 {
		t.Fatalf("unread=%d after second read", convs[0].UnreadCount)
	}
}

func TestReceiveDuplicateIsIdempotent(t *testing.T) {
	alice := newTestPeer(t, "FP_ALICE")
	bob := newTestPeer(t, "FP_BOB")
	alice.introduce(t, bob)
	bob.introduce(t, alice)

	if _, err := alice.engine.Send("FP_BOB", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	ev := alice.bcast.events[0].(gossip.DirectMessageEvent)
	if _, err := bob.engine.Receive(&ev); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := bob.engine.Receive(&ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	convs, _ := bob.engine.Conversations()
	if convs[0].UnreadCount != 1 {
		t.Fatalf("unread=%d want 1 after redelivery", convs[0].UnreadCount)
	}
}

func TestSenderCanDecryptOwnMessages(t *testing.T) {
	alice := newTestPeer(t, "FP_ALICE")
	bob := newTestPeer(t, "FP_BOB")
	alice.introduce(t, bob)

	sent, err := alice.engine.Send("FP_BOB", "my own words")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	_, bodies, err := alice.engine.Messages(sent.ConversationID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(bodies) != 1 || bodies[0] != "my own words" {
		t.Fatalf("bodies=%v", bodies)
	}
}

func TestReceiveRejectsWrongRecipient(t *testing.T) {
	bob := newTestPeer(t, "FP_BOB")
	ev := &gossip.DirectMessageEvent{To: "FP_SOMEONE_ELSE", From: "FP_X"}
	if _, err := bob.engine.Receive(ev); err == nil {
		t.Fatal("misaddressed dm accepted")
	}
}

func TestReceiveUnknownSenderFails(t *testing.T) {
	bob := newTestPeer(t, "FP_BOB")
	ev := &gossip.DirectMessageEvent{
		To: "FP_BOB", From: "FP_STRANGER", MessageID: "m1",
		ConversationID: "c1", Nonce: make([]byte, 24), Ciphertext: []byte{1},
	}
	if _, err := bob.engine.Receive(ev); !xerrors.Is(err, xerrors.NotFound) {
		t.Fatalf("want NotFound for unknown sender, got %v", err)
	}
}

func TestSendValidation(t *testing.T) {
	alice := newTestPeer(t, "FP_ALICE")
	if _, err := alice.engine.Send("FP_BOB", "   "); !xerrors.Is(err, xerrors.BadRequest) {
		t.Fatalf("empty body: want BadRequest, got %v", err)
	}
	if _, err := alice.engine.Send("FP_ALICE", "hi me"); !xerrors.Is(err, xerrors.BadRequest) {
		t.Fatalf("self dm: want BadRequest, got %v", err)
	}
}

func TestPreviewTruncation(t *testing.T) {
	long := strings.Repeat("ü", 200)
	p := Preview(long)
	if got := len([]rune(p)); got != 140 {
		t.Fatalf("preview runes=%d want 140", got)
	}
	if Preview("short") != "short" {
		t.Fatal("short body must pass through")
	}
}
