package syncer

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/graphchan/graphchan/internal/cryptoutil"
	"github.com/graphchan/graphchan/internal/gossip"
	"github.com/graphchan/graphchan/internal/store"
	"github.com/graphchan/graphchan/internal/topics"
	"github.com/graphchan/graphchan/internal/xerrors"
)

// ThreadMeta is the thread header inside a serialized details blob.
type ThreadMeta struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	CreatorPeerID string `json:"creator_peer_id,omitempty"`
	CreatedAt     string `json:"created_at"`
	Pinned        bool   `json:"pinned,omitempty"`
	Visibility    string `json:"visibility"`
}

// ThreadDetails is the full thread snapshot exchanged as a blob: posts with
// their parent edges plus file tickets.
type ThreadDetails struct {
	Thread ThreadMeta             `json:"thread"`
	Posts  []gossip.PostUpdate    `json:"posts"`
	Files  []gossip.FileAvailable `json:"files"`
}

// buildDetails snapshots a thread from the store.
func buildDetails(r *store.Repositories, thread *store.ThreadRecord) (*ThreadDetails, error) {
	posts, err := r.Posts().ListForThread(thread.ID)
	if err != nil {
		return nil, err
	}
	details := &ThreadDetails{
		Thread: ThreadMeta{
			ID:            thread.ID,
			Title:         thread.Title,
			CreatorPeerID: thread.CreatorPeerID,
			CreatedAt:     thread.CreatedAt,
			Pinned:        thread.Pinned,
			Visibility:    thread.Visibility,
		},
		Posts: make([]gossip.PostUpdate, 0, len(posts)),
	}
	for _, p := range posts {
		parents, err := r.Posts().ParentsOf(p.ID)
		if err != nil {
			return nil, err
		}
		if parents == nil {
			parents = []string{}
		}
		details.Posts = append(details.Posts, gossip.PostUpdate{
			ID:               p.ID,
			ThreadID:         p.ThreadID,
			AuthorPeerID:     p.AuthorPeerID,
			AuthorFriendCode: p.AuthorFriendCode,
			Body:             p.Body,
			CreatedAt:        p.CreatedAt,
			UpdatedAt:        p.UpdatedAt,
			ParentPostIDs:    parents,
			Metadata:         p.Metadata,
		})
	}
	files, err := r.Files().ListForThread(thread.ID)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		details.Files = append(details.Files, gossip.FileAvailable{
			ID:           f.ID,
			PostID:       f.PostID,
			ThreadID:     thread.ID,
			OriginalName: f.OriginalName,
			Mime:         f.Mime,
			SizeBytes:    f.SizeBytes,
			Checksum:     f.Checksum,
			BlobID:       f.BlobID,
			Ticket:       f.Ticket,
		})
	}
	return details, nil
}

// encodeDetails serializes a snapshot, sealing it with the thread key for
// non-global visibilities.
func encodeDetails(details *ThreadDetails, threadKey *[32]byte) ([]byte, error) {
	plain, err := json.Marshal(details)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.BadRequest, err, "encode thread details")
	}
	if threadKey == nil {
		return plain, nil
	}
	return cryptoutil.EncryptThreadBlob(plain, threadKey)
}

// decodeDetails parses a snapshot blob, decrypting first when a key is
// supplied.
func decodeDetails(data []byte, threadKey *[32]byte) (*ThreadDetails, error) {
	if threadKey != nil {
		plain, err := cryptoutil.DecryptThreadBlob(data, threadKey)
		if err != nil {
			return nil, err
		}
		data = plain
	}
	var details ThreadDetails
	if err := json.Unmarshal(data, &details); err != nil {
		return nil, xerrors.Wrap(xerrors.BadRequest, err, "decode thread details")
	}
	return &details, nil
}

// threadTopicName maps a thread to its pubsub topic name. Global threads
// use the plain per-thread name; social and private threads use the
// unpadded base64url encoding of the secret derived topic id, so knowing the
// name is the read capability.
func threadTopicName(thread *store.ThreadRecord) (string, error) {
	if thread.Visibility == store.VisibilityGlobal {
		return gossip.ThreadTopicName(thread.ID), nil
	}
	secret, err := decodeTopicSecret(thread.TopicSecret)
	if err != nil {
		return "", err
	}
	id := topics.DeriveThreadTopic(thread.ID, thread.Visibility, &secret)
	return base64.RawURLEncoding.EncodeToString(id[:]), nil
}

func decodeTopicSecret(encoded string) ([32]byte, error) {
	var secret [32]byte
	if encoded == "" {
		return secret, xerrors.New(xerrors.AuthFailure, "thread has no topic secret")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != 32 {
		return secret, xerrors.New(xerrors.AuthFailure, "malformed topic secret")
	}
	copy(secret[:], raw)
	return secret, nil
}

// userTopicName maps a user topic to its pubsub topic name.
func userTopicName(name string) string {
	return "topic:" + name
}

// preview truncates a body to the announcement preview length.
func preview(body string) string {
	const max = 140
	runes := []rune(strings.TrimSpace(body))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max])
}
