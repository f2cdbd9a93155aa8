package syncer

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/graphchan/graphchan/internal/cryptoutil"
	"github.com/graphchan/graphchan/internal/store"
	"github.com/graphchan/graphchan/internal/xerrors"
)

const inviteType = "thread_invite"

// ThreadInvite is the DM body that carries a wrapped thread key to a new
// member: the topic secret grants the read capability for the secret
// topic, the wrapped key opens the blobs. Sent box-encrypted like any DM.
type ThreadInvite struct {
	Type          string `json:"type"`
	ThreadID      string `json:"thread_id"`
	Title         string `json:"title"`
	Visibility    string `json:"visibility"`
	CreatorPeerID string `json:"creator_peer_id"`
	TopicSecret   []byte `json:"topic_secret"`
	WrappedKey    []byte `json:"wrapped_key"`
	KeyNonce      []byte `json:"key_nonce"`
}

// InviteMember wraps the thread key for a member and returns the invite DM
// body. Only the thread creator can mint invites: the key-wrap sender is
// the creator by contract, which is what receivers unwrap against.
func (o *Orchestrator) InviteMember(threadID, memberPeerID string) (string, error) {
	var invite *ThreadInvite
	err := o.db.WithRepositories(func(r *store.Repositories) error {
		thread, err := r.Threads().Get(threadID)
		if err != nil {
			return err
		}
		if thread.Visibility == store.VisibilityGlobal {
			return xerrors.New(xerrors.BadRequest, "global threads need no invites")
		}
		if thread.CreatorPeerID != o.localPeerID {
			return xerrors.New(xerrors.BadRequest, "only the thread creator can invite")
		}
		key, err := o.loadThreadKey(r, thread)
		if err != nil {
			return err
		}
		member, err := r.Peers().Get(memberPeerID)
		if err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(member.X25519Pubkey)
		if err != nil || len(raw) != 32 {
			return xerrors.Newf(xerrors.BadRequest, "member %s has no usable encryption key", memberPeerID)
		}
		var memberPub [32]byte
		copy(memberPub[:], raw)

		wrapped, err := cryptoutil.WrapThreadKey(key, &memberPub, &o.localSecret)
		if err != nil {
			return err
		}
		cryptoutil.Zero(key[:])
		if err := r.MemberKeys().Put(&store.MemberKeyRecord{
			ThreadID:     threadID,
			MemberPeerID: memberPeerID,
			WrappedKey:   wrapped.Ciphertext,
			Nonce:        wrapped.Nonce[:],
		}); err != nil {
			return err
		}

		secret, err := decodeTopicSecret(thread.TopicSecret)
		if err != nil {
			return err
		}
		invite = &ThreadInvite{
			Type:          inviteType,
			ThreadID:      threadID,
			Title:         thread.Title,
			Visibility:    thread.Visibility,
			CreatorPeerID: thread.CreatorPeerID,
			TopicSecret:   secret[:],
			WrappedKey:    wrapped.Ciphertext,
			KeyNonce:      wrapped.Nonce[:],
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(invite)
	if err != nil {
		return "", xerrors.Wrap(xerrors.BadRequest, err, "encode invite")
	}
	return string(body), nil
}

// AcceptInvite inspects a decrypted DM body and, when it is a thread
// invite, registers the thread stub, the wrapped key and the secret topic
// subscription. Returns true when the body was an invite.
func (o *Orchestrator) AcceptInvite(body string) (bool, error) {
	if !strings.Contains(body, inviteType) {
		return false, nil
	}
	var invite ThreadInvite
	if err := json.Unmarshal([]byte(body), &invite); err != nil || invite.Type != inviteType {
		return false, nil
	}
	if invite.ThreadID == "" || len(invite.TopicSecret) != 32 || len(invite.KeyNonce) != 24 {
		return true, xerrors.New(xerrors.BadRequest, "malformed thread invite")
	}

	var thread *store.ThreadRecord
	err := o.db.WithRepositories(func(r *store.Repositories) error {
		existing, err := r.Threads().Get(invite.ThreadID)
		if err != nil && !xerrors.Is(err, xerrors.NotFound) {
			return err
		}
		thread = existing
		if thread == nil {
			thread = &store.ThreadRecord{
				ID:            invite.ThreadID,
				Title:         invite.Title,
				CreatorPeerID: invite.CreatorPeerID,
				CreatedAt:     "",
				Visibility:    invite.Visibility,
				TopicSecret:   base64.StdEncoding.EncodeToString(invite.TopicSecret),
				SyncStatus:    store.SyncAnnounced,
				Rebroadcast:   true,
			}
			if err := r.Threads().Upsert(thread); err != nil {
				return err
			}
		} else if thread.TopicSecret == "" {
			thread.TopicSecret = base64.StdEncoding.EncodeToString(invite.TopicSecret)
			thread.Visibility = invite.Visibility
			if err := r.Threads().Upsert(thread); err != nil {
				return err
			}
		}
		return r.MemberKeys().Put(&store.MemberKeyRecord{
			ThreadID:     invite.ThreadID,
			MemberPeerID: o.localPeerID,
			WrappedKey:   invite.WrappedKey,
			Nonce:        invite.KeyNonce,
		})
	})
	if err != nil {
		return true, err
	}

	if name, nameErr := threadTopicName(thread); nameErr == nil {
		if err := o.subs.Subscribe(name); err != nil {
			logrus.Warnf("syncer: subscribe invited topic: %v", err)
		}
	}
	return true, nil
}
