// Package gossip is the event plane: the envelope codec for every federated
// event kind and the publisher/receiver loops over the libp2p pubsub
// overlay. Envelopes are canonical JSON with base64 binary fields; the
// payload is a tagged union dispatched on its "kind" field.
package gossip

import (
	"encoding/json"
	"fmt"

	"github.com/graphchan/graphchan/internal/topics"
	"github.com/graphchan/graphchan/internal/xerrors"
)

// EnvelopeVersion is the current on-wire envelope version.
const EnvelopeVersion = 1

// Envelope frames one event on the wire.
type Envelope struct {
	Version int             `json:"version"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Payload is one member of the event tagged union.
type Payload interface {
	Kind() string
}

// Payload kinds.
const (
	KindThreadAnnouncement = "ThreadAnnouncement"
	KindPostUpdate         = "PostUpdate"
	KindFileAvailable      = "FileAvailable"
	KindFileRequest        = "FileRequest"
	KindFileChunk          = "FileChunk"
	KindProfileUpdate      = "ProfileUpdate"
	KindReactionUpdate     = "ReactionUpdate"
	KindDirectMessage      = "DirectMessageEvent"
)

// ThreadAnnouncement says a thread exists and where to download it. Only
// broadcast by the creator or by hosts rebroadcasting, never by leeches.
type ThreadAnnouncement struct {
	ThreadID        string `json:"thread_id"`
	CreatorPeerID   string `json:"creator_peer_id"`
	AnnouncerPeerID string `json:"announcer_peer_id"`
	Title           string `json:"title"`
	Preview         string `json:"preview"`
	Ticket          string `json:"ticket"`
	PostCount       int    `json:"post_count"`
	HasImages       bool   `json:"has_images"`
	CreatedAt       string `json:"created_at"`
	LastActivity    string `json:"last_activity"`
	ThreadHash      string `json:"thread_hash"`
	Visibility      string `json:"visibility"`
}

func (ThreadAnnouncement) Kind() string { return KindThreadAnnouncement }

// PostUpdate carries one post and its parent edges.
type PostUpdate struct {
	ID               string   `json:"id"`
	ThreadID         string   `json:"thread_id"`
	AuthorPeerID     string   `json:"author_peer_id,omitempty"`
	AuthorFriendCode string   `json:"author_friendcode,omitempty"`
	Body             string   `json:"body"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at,omitempty"`
	ParentPostIDs    []string `json:"parent_post_ids"`
	Metadata         string   `json:"metadata,omitempty"`
}

func (PostUpdate) Kind() string { return KindPostUpdate }

// FileAvailable announces a post attachment and the ticket to fetch it.
type FileAvailable struct {
	ID           string `json:"id"`
	PostID       string `json:"post_id"`
	ThreadID     string `json:"thread_id"`
	OriginalName string `json:"original_name,omitempty"`
	Mime         string `json:"mime,omitempty"`
	SizeBytes    int64  `json:"size_bytes,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
	BlobID       string `json:"blob_id,omitempty"`
	Ticket       string `json:"ticket,omitempty"`
}

func (FileAvailable) Kind() string { return KindFileAvailable }

// FileRequest predates ticket-based blob transfer.
//
// Deprecated: blobs are fetched by ticket; kept on the wire for older
// peers.
type FileRequest struct {
	FileID string `json:"file_id"`
}

func (FileRequest) Kind() string { return KindFileRequest }

// FileChunk predates ticket-based blob transfer.
//
// Deprecated: blobs are fetched by ticket; kept on the wire for older
// peers.
type FileChunk struct {
	FileID string `json:"file_id"`
	Data   []byte `json:"data"`
	EOF    bool   `json:"eof"`
}

func (FileChunk) Kind() string { return KindFileChunk }

// ProfileUpdate carries a peer's profile fields and avatar ticket.
type ProfileUpdate struct {
	PeerID       string   `json:"peer_id"`
	AvatarFileID string   `json:"avatar_file_id,omitempty"`
	Ticket       string   `json:"ticket,omitempty"`
	Username     string   `json:"username,omitempty"`
	Bio          string   `json:"bio,omitempty"`
	Agents       []string `json:"agents,omitempty"`
}

func (ProfileUpdate) Kind() string { return KindProfileUpdate }

// ReactionUpdate adds or removes a reaction on a post.
type ReactionUpdate struct {
	PostID        string `json:"post_id"`
	ThreadID      string `json:"thread_id"`
	ReactorPeerID string `json:"reactor_peer_id"`
	Emoji         string `json:"emoji"`
	Signature     string `json:"signature"`
	CreatedAt     string `json:"created_at"`
	Remove        bool   `json:"remove,omitempty"`
}

func (ReactionUpdate) Kind() string { return KindReactionUpdate }

// DirectMessageEvent carries an encrypted DM to its recipient's DM topic.
type DirectMessageEvent struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	Ciphertext     []byte `json:"ciphertext"`
	Nonce          []byte `json:"nonce"`
	CreatedAt      string `json:"created_at"`
}

func (DirectMessageEvent) Kind() string { return KindDirectMessage }

// TopicFor selects the topic name a payload publishes on: announcements and
// profile updates fan out on the announcer's peer-inbox topic, thread
// events on the thread topic, DMs on the conversation's DM topic.
func TopicFor(p Payload) string {
	switch v := p.(type) {
	case ThreadAnnouncement:
		return topics.PeerInboxName(v.AnnouncerPeerID)
	case *ThreadAnnouncement:
		return topics.PeerInboxName(v.AnnouncerPeerID)
	case ProfileUpdate:
		return topics.PeerInboxName(v.PeerID)
	case *ProfileUpdate:
		return topics.PeerInboxName(v.PeerID)
	case PostUpdate:
		return ThreadTopicName(v.ThreadID)
	case *PostUpdate:
		return ThreadTopicName(v.ThreadID)
	case FileAvailable:
		return ThreadTopicName(v.ThreadID)
	case *FileAvailable:
		return ThreadTopicName(v.ThreadID)
	case ReactionUpdate:
		return ThreadTopicName(v.ThreadID)
	case *ReactionUpdate:
		return ThreadTopicName(v.ThreadID)
	case DirectMessageEvent:
		return DMTopicName(v.ConversationID)
	case *DirectMessageEvent:
		return DMTopicName(v.ConversationID)
	case FileRequest, *FileRequest:
		return "deprecated-file-request"
	case FileChunk, *FileChunk:
		return "deprecated-file-chunk"
	}
	return topics.GlobalTopicName
}

// ThreadTopicName names the plaintext pubsub topic for a thread's post and
// file events.
func ThreadTopicName(threadID string) string {
	return fmt.Sprintf("thread-%s", threadID)
}

// DMTopicName names the DM topic for a conversation.
func DMTopicName(conversationID string) string {
	return fmt.Sprintf("dm-%s", conversationID)
}

// Encode frames a payload into its envelope bytes, deriving the topic from
// the payload.
func Encode(p Payload) ([]byte, error) {
	return EncodeOn(TopicFor(p), p)
}

// EncodeOn frames a payload onto an explicit topic (used when announcing on
// secret thread topics and user topics in addition to the default).
func EncodeOn(topic string, p Payload) ([]byte, error) {
	fields, err := json.Marshal(p)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.BadRequest, err, "encode payload")
	}
	var tagged map[string]interface{}
	if err := json.Unmarshal(fields, &tagged); err != nil {
		return nil, xerrors.Wrap(xerrors.BadRequest, err, "tag payload")
	}
	tagged["kind"] = p.Kind()
	raw, err := json.Marshal(tagged)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.BadRequest, err, "encode tagged payload")
	}
	return json.Marshal(Envelope{Version: EnvelopeVersion, Topic: topic, Payload: raw})
}

// Decode parses envelope bytes back into the concrete payload. Unknown
// kinds and malformed envelopes report BadRequest; the receiver loop drops
// them.
func Decode(data []byte) (*Envelope, Payload, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.BadRequest, err, "decode envelope")
	}
	var tag struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(env.Payload, &tag); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.BadRequest, err, "decode payload tag")
	}

	var payload Payload
	switch tag.Kind {
	case KindThreadAnnouncement:
		payload = &ThreadAnnouncement{}
	case KindPostUpdate:
		payload = &PostUpdate{}
	case KindFileAvailable:
		payload = &FileAvailable{}
	case KindFileRequest:
		payload = &FileRequest{}
	case KindFileChunk:
		payload = &FileChunk{}
	case KindProfileUpdate:
		payload = &ProfileUpdate{}
	case KindReactionUpdate:
		payload = &ReactionUpdate{}
	case KindDirectMessage:
		payload = &DirectMessageEvent{}
	default:
		return nil, nil, xerrors.Newf(xerrors.BadRequest, "unknown payload kind %q", tag.Kind)
	}
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.BadRequest, err, "decode "+tag.Kind)
	}
	return &env, payload, nil
}
