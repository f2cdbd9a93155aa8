// Package topics derives the 32-byte overlay topic ids used by the gossip
// plane. Every derivation is a blake3 hash over a domain-tagged input, so
// identical inputs always land on the same topic and any field change
// (domain tag included) lands on an unrelated one. For social and private
// threads the topic id itself is the read capability and must be treated as
// secret.
package topics

import (
	"fmt"

	"lukechampine.com/blake3"
)

// GlobalTopicName is the well-known discovery topic all nodes subscribe to.
// Deprecated in favor of user-defined topics, but kept wired: both paths
// coexist on the network.
const GlobalTopicName = "graphchan-global-v1"

// DeriveGlobal returns the topic id for the well-known global topic.
func DeriveGlobal() [32]byte {
	return blake3.Sum256([]byte(GlobalTopicName))
}

// DeriveUserTopic returns the topic id for a named user topic. Anyone who
// knows the name can subscribe.
func DeriveUserTopic(name string) [32]byte {
	return blake3.Sum256([]byte("topic:" + name))
}

// DeriveSocialThreadTopic returns the secret topic for a social thread.
func DeriveSocialThreadTopic(threadID string, topicSecret *[32]byte) [32]byte {
	return deriveSecretTopic("orbweaver-social-v1:", threadID, topicSecret)
}

// DerivePrivateThreadTopic returns the secret topic for a private thread.
// Same construction as social under a different domain tag, so the two
// visibility classes can never conflate.
func DerivePrivateThreadTopic(threadID string, topicSecret *[32]byte) [32]byte {
	return deriveSecretTopic("orbweaver-private-v1:", threadID, topicSecret)
}

func deriveSecretTopic(domain, threadID string, topicSecret *[32]byte) [32]byte {
	h := blake3.New(32, nil)
	h.Write([]byte(domain))
	h.Write([]byte(threadID))
	h.Write([]byte(":"))
	h.Write(topicSecret[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// DeriveThreadTopic picks the derivation matching the thread's visibility.
// Unknown visibilities fall back to social.
func DeriveThreadTopic(threadID, visibility string, topicSecret *[32]byte) [32]byte {
	switch visibility {
	case "global":
		return DeriveGlobal()
	case "private":
		return DerivePrivateThreadTopic(threadID, topicSecret)
	default:
		return DeriveSocialThreadTopic(threadID, topicSecret)
	}
}

// PeerInboxName returns the per-peer inbox topic name. Announcements and
// profile updates fan out to the peer's followers through it.
func PeerInboxName(peerID string) string {
	return fmt.Sprintf("peer-%s", peerID)
}

// DerivePeerInbox returns the topic id for a peer's inbox topic.
func DerivePeerInbox(peerID string) [32]byte {
	return blake3.Sum256([]byte(PeerInboxName(peerID)))
}

// DeriveName maps an arbitrary topic name to its 32-byte overlay id. The
// gossip plane addresses topics by name; this is the single place names
// become ids.
func DeriveName(name string) [32]byte {
	return blake3.Sum256([]byte(name))
}
