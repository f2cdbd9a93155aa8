// Package dm is the direct-message engine: box-encrypted bodies, the
// deterministic conversation index shared by both parties, unread counters
// and last-message previews.
package dm

import (
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"lukechampine.com/blake3"

	"github.com/graphchan/graphchan/internal/cryptoutil"
	"github.com/graphchan/graphchan/internal/gossip"
	"github.com/graphchan/graphchan/internal/store"
	"github.com/graphchan/graphchan/internal/xerrors"
	"github.com/graphchan/graphchan/pkg/utils"
)

const previewCodepoints = 140

// Broadcaster publishes events to the overlay. The gossip plane implements
// it; tests substitute a recorder.
type Broadcaster interface {
	Broadcast(p gossip.Payload) error
}

// Engine owns DM send/receive and the conversation index.
type Engine struct {
	db          *store.DB
	localPeerID string
	secret      [32]byte
	bcast       Broadcaster
}

// NewEngine wires a DM engine for the local peer.
func NewEngine(db *store.DB, localPeerID string, secret [32]byte, bcast Broadcaster) *Engine {
	return &Engine{db: db, localPeerID: localPeerID, secret: secret, bcast: bcast}
}

// ConversationID derives the shared conversation id for a peer pair: blake3
// over the ordered fingerprints, so both ends index the same conversation.
func ConversationID(peerA, peerB string) string {
	if peerB < peerA {
		peerA, peerB = peerB, peerA
	}
	sum := blake3.Sum256([]byte("dm:" + peerA + ":" + peerB))
	return hex.EncodeToString(sum[:])
}

// Send encrypts body for the recipient, persists the message, refreshes the
// conversation preview and publishes the event on the DM topic. The
// sender's own unread counter is untouched.
func (e *Engine) Send(toPeerID, body string) (*store.DirectMessageRecord, error) {
	if strings.TrimSpace(body) == "" {
		return nil, xerrors.New(xerrors.BadRequest, "message body may not be empty")
	}
	if toPeerID == "" || toPeerID == e.localPeerID {
		return nil, xerrors.New(xerrors.BadRequest, "invalid recipient")
	}

	recipientPub, err := e.peerPubkey(toPeerID)
	if err != nil {
		return nil, err
	}
	ciphertext, nonce, err := cryptoutil.EncryptDM(body, &e.secret, &recipientPub)
	if err != nil {
		return nil, err
	}

	now := utils.NowUTC()
	rec := &store.DirectMessageRecord{
		ID:             uuid.New().String(),
		ConversationID: ConversationID(e.localPeerID, toPeerID),
		FromPeerID:     e.localPeerID,
		ToPeerID:       toPeerID,
		Ciphertext:     ciphertext,
		Nonce:          nonce[:],
		CreatedAt:      now,
	}
	err = e.db.WithRepositories(func(r *store.Repositories) error {
		if err := r.DirectMessages().Insert(rec); err != nil {
			return err
		}
		return r.Conversations().Upsert(&store.ConversationRecord{
			ID:                 rec.ConversationID,
			PeerID:             toPeerID,
			LastMessageAt:      now,
			LastMessagePreview: Preview(body),
		})
	})
	if err != nil {
		return nil, err
	}

	if err := e.bcast.Broadcast(gossip.DirectMessageEvent{
		MessageID:      rec.ID,
		ConversationID: rec.ConversationID,
		From:           rec.FromPeerID,
		To:             rec.ToPeerID,
		Ciphertext:     rec.Ciphertext,
		Nonce:          rec.Nonce,
		CreatedAt:      rec.CreatedAt,
	}); err != nil {
		// The local write stands; gossip will carry a later retry.
		logrus.Warnf("dm: broadcast of %s failed: %v", rec.ID, err)
	}
	return rec, nil
}

// Receive decrypts and stores an inbound DM addressed to the local peer,
// bumping the conversation's unread counter, and returns the decrypted
// body so callers can act on structured messages (thread invites).
// Undecryptable envelopes report AuthFailure and are dropped by the caller.
func (e *Engine) Receive(ev *gossip.DirectMessageEvent) (string, error) {
	if ev.To != e.localPeerID {
		// Not ours: DM topics are per-pair, so this is stale or hostile.
		return "", xerrors.New(xerrors.Blocked, "dm not addressed to this peer")
	}
	if len(ev.Nonce) != 24 {
		return "", xerrors.Newf(xerrors.BadRequest, "dm nonce has invalid length %d", len(ev.Nonce))
	}
	senderPub, err := e.peerPubkey(ev.From)
	if err != nil {
		return "", err
	}
	var nonce [24]byte
	copy(nonce[:], ev.Nonce)
	body, err := cryptoutil.DecryptDM(ev.Ciphertext, nonce, &e.secret, &senderPub)
	if err != nil {
		return "", err
	}

	now := utils.NowUTC()
	return body, e.db.WithRepositories(func(r *store.Repositories) error {
		if err := r.DirectMessages().Insert(&store.DirectMessageRecord{
			ID:             ev.MessageID,
			ConversationID: ev.ConversationID,
			FromPeerID:     ev.From,
			ToPeerID:       ev.To,
			Ciphertext:     ev.Ciphertext,
			Nonce:          ev.Nonce,
			CreatedAt:      ev.CreatedAt,
		}); err != nil {
			if xerrors.Is(err, xerrors.Conflict) {
				// Redelivered message; the first copy won.
				return nil
			}
			return err
		}
		if err := r.Conversations().Upsert(&store.ConversationRecord{
			ID:                 ev.ConversationID,
			PeerID:             ev.From,
			LastMessageAt:      now,
			LastMessagePreview: Preview(body),
		}); err != nil {
			return err
		}
		return r.Conversations().IncrementUnread(ev.ConversationID)
	})
}

// MarkAsRead stamps a message read and recomputes the conversation's unread
// counter from the message table, so it can never go negative.
func (e *Engine) MarkAsRead(messageID string) error {
	return e.db.WithRepositories(func(r *store.Repositories) error {
		msg, err := r.DirectMessages().Get(messageID)
		if err != nil {
			return err
		}
		if err := r.DirectMessages().MarkRead(messageID, utils.NowUTC()); err != nil {
			return err
		}
		unread, err := r.DirectMessages().UnreadCount(msg.ConversationID, e.localPeerID)
		if err != nil {
			return err
		}
		return r.Conversations().SetUnread(msg.ConversationID, unread)
	})
}

// Conversations lists the conversation index, most recent first.
func (e *Engine) Conversations() ([]*store.ConversationRecord, error) {
	var convs []*store.ConversationRecord
	err := e.db.WithRepositories(func(r *store.Repositories) error {
		var err error
		convs, err = r.Conversations().List()
		return err
	})
	return convs, err
}

// Messages lists a conversation's messages with bodies decrypted.
func (e *Engine) Messages(conversationID string) ([]*store.DirectMessageRecord, []string, error) {
	var msgs []*store.DirectMessageRecord
	err := e.db.WithRepositories(func(r *store.Repositories) error {
		var err error
		msgs, err = r.DirectMessages().ListForConversation(conversationID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	bodies := make([]string, len(msgs))
	for i, m := range msgs {
		other := m.FromPeerID
		if other == e.localPeerID {
			other = m.ToPeerID
		}
		pub, err := e.peerPubkey(other)
		if err != nil {
			bodies[i] = ""
			continue
		}
		var nonce [24]byte
		copy(nonce[:], m.Nonce)
		body, err := cryptoutil.DecryptDM(m.Ciphertext, nonce, &e.secret, &pub)
		if err != nil {
			bodies[i] = ""
			continue
		}
		bodies[i] = body
	}
	return msgs, bodies, nil
}

func (e *Engine) peerPubkey(peerID string) ([32]byte, error) {
	var pub [32]byte
	var encoded string
	err := e.db.WithRepositories(func(r *store.Repositories) error {
		peer, err := r.Peers().Get(peerID)
		if err != nil {
			return err
		}
		encoded = peer.X25519Pubkey
		return nil
	})
	if err != nil {
		return pub, err
	}
	if encoded == "" {
		return pub, xerrors.Newf(xerrors.AuthFailure, "peer %s has no encryption key", peerID)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != 32 {
		return pub, xerrors.Newf(xerrors.AuthFailure, "peer %s has malformed encryption key", peerID)
	}
	copy(pub[:], raw)
	return pub, nil
}

// Preview truncates a body to the first 140 codepoints for the
// conversation index.
func Preview(body string) string {
	runes := []rune(body)
	if len(runes) <= previewCodepoints {
		return body
	}
	return string(runes[:previewCodepoints])
}
