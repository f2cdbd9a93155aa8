// Package moderation gates every inbound event. The gate consults direct
// per-peer blocks, auto-applied subscribed blocklists and active IP rules,
// in that order. Denial is normal control flow, not failure: when a denied
// post still has parent or child edges, the gate rewrites it into a
// redaction tombstone so the DAG stays navigable.
package moderation

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/graphchan/graphchan/internal/store"
	"github.com/graphchan/graphchan/internal/xerrors"
	"github.com/graphchan/graphchan/pkg/utils"
)

// Gate evaluates moderation rules against the persisted block state.
type Gate struct {
	db *store.DB
}

// NewGate wires a gate over the store.
func NewGate(db *store.DB) *Gate {
	return &Gate{db: db}
}

// CheckContentAllowed applies the rules in order: direct block, auto-applied
// blocklists, active IP rules against the supplied observed IPs. A denial
// returns a Blocked error naming the matched rule class; nil means allowed.
func (g *Gate) CheckContentAllowed(peerID string, ips []net.IP) error {
	var denial error
	err := g.db.WithRepositories(func(r *store.Repositories) error {
		err := g.check(r, peerID, ips)
		if xerrors.Is(err, xerrors.Blocked) {
			// Commit the hit-count bump; the denial is reported afterwards.
			denial = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return denial
}

// Check is CheckContentAllowed for callers already inside a repositories
// scope.
func (g *Gate) Check(r *store.Repositories, peerID string, ips []net.IP) error {
	return g.check(r, peerID, ips)
}

func (g *Gate) check(r *store.Repositories, peerID string, ips []net.IP) error {
	if peerID != "" {
		blocked, err := r.BlockedPeers().IsBlocked(peerID)
		if err != nil {
			return err
		}
		if blocked {
			return xerrors.Newf(xerrors.Blocked, "peer %s is blocked", peerID)
		}
		inList, err := r.Blocklists().IsInAutoApplied(peerID)
		if err != nil {
			return err
		}
		if inList {
			return xerrors.Newf(xerrors.Blocked, "peer %s is on a subscribed blocklist", peerID)
		}
	}
	if len(ips) == 0 {
		return nil
	}
	rules, err := r.IPBlocks().ListActive()
	if err != nil {
		return err
	}
	for _, ip := range ips {
		for _, rule := range rules {
			if !matchIPRule(rule, ip) {
				continue
			}
			if err := r.IPBlocks().IncrementHit(rule.ID); err != nil {
				logrus.Warnf("moderation: hit count for rule %d: %v", rule.ID, err)
			}
			return xerrors.Newf(xerrors.Blocked, "ip %s matches block rule %d", ip, rule.ID)
		}
	}
	return nil
}

func matchIPRule(rule *store.IPBlockRecord, ip net.IP) bool {
	switch rule.BlockType {
	case "range":
		_, cidr, err := net.ParseCIDR(rule.IPOrRange)
		if err != nil {
			return false
		}
		return cidr.Contains(ip)
	default:
		exact := net.ParseIP(rule.IPOrRange)
		return exact != nil && exact.Equal(ip)
	}
}

// BlockPeer records a direct block and redacts the peer's stored posts:
// posts with any parent or child edge become tombstones, posts with no
// edges are dropped outright.
func (g *Gate) BlockPeer(peerID, reason string) error {
	if peerID == "" {
		return xerrors.New(xerrors.BadRequest, "peer id required")
	}
	return g.db.WithRepositories(func(r *store.Repositories) error {
		if err := r.BlockedPeers().Block(&store.BlockedPeerRecord{
			PeerID: peerID, Reason: reason, BlockedAt: utils.NowUTC(),
		}); err != nil {
			return err
		}
		posts, err := r.Posts().ListByAuthor(peerID)
		if err != nil {
			return err
		}
		for _, p := range posts {
			if err := RedactPost(r, p.ID, "blocked peer"); err != nil {
				return err
			}
		}
		return nil
	})
}

// UnblockPeer removes a direct block.
func (g *Gate) UnblockPeer(peerID string) error {
	return g.db.WithRepositories(func(r *store.Repositories) error {
		return r.BlockedPeers().Unblock(peerID)
	})
}

// BlockIP adds an IP rule, validating it parses as an address or CIDR
// range.
func (g *Gate) BlockIP(ipOrRange, reason string) (int64, error) {
	kind := "exact"
	if _, _, err := net.ParseCIDR(ipOrRange); err == nil {
		kind = "range"
	} else if net.ParseIP(ipOrRange) == nil {
		return 0, xerrors.Newf(xerrors.BadRequest, "invalid ip or range %q", ipOrRange)
	}
	var id int64
	err := g.db.WithRepositories(func(r *store.Repositories) error {
		var err error
		id, err = r.IPBlocks().Add(&store.IPBlockRecord{
			IPOrRange: ipOrRange, BlockType: kind, Reason: reason,
			BlockedAt: time.Now().Unix(), Active: true,
		})
		return err
	})
	return id, err
}

// SubscribeBlocklist records a subscription to a maintainer's published
// list. Entry sync is pull-based and recorded via MergeBlocklistEntries.
func (g *Gate) SubscribeBlocklist(id, maintainerPeerID, name, description string, autoApply bool) error {
	if id == "" || maintainerPeerID == "" {
		return xerrors.New(xerrors.BadRequest, "blocklist id and maintainer required")
	}
	return g.db.WithRepositories(func(r *store.Repositories) error {
		return r.Blocklists().Subscribe(&store.BlocklistRecord{
			ID: id, MaintainerPeerID: maintainerPeerID, Name: name,
			Description: description, AutoApply: autoApply,
		})
	})
}

// MergeBlocklistEntries dedup-merges a maintainer's published entries and
// stamps the sync time.
func (g *Gate) MergeBlocklistEntries(blocklistID string, peerIDs []string, reason string) error {
	now := utils.NowUTC()
	entries := make([]*store.BlocklistEntryRecord, 0, len(peerIDs))
	for _, id := range peerIDs {
		entries = append(entries, &store.BlocklistEntryRecord{
			BlocklistID: blocklistID, PeerID: id, Reason: reason, AddedAt: now,
		})
	}
	return g.db.WithRepositories(func(r *store.Repositories) error {
		return r.Blocklists().MergeEntries(blocklistID, entries, now)
	})
}

// RedactPost removes a post's content and, when the post has any parent or
// child edge, materializes a tombstone carrying the original parent and
// child id sets. The post's edges are kept so every child still resolves to
// a vertex.
func RedactPost(r *store.Repositories, postID, reason string) error {
	post, err := r.Posts().Get(postID)
	if err != nil {
		return err
	}
	parents, err := r.Posts().ParentsOf(postID)
	if err != nil {
		return err
	}
	children, err := r.Posts().ChildrenOf(postID)
	if err != nil {
		return err
	}

	if err := r.Posts().Delete(postID); err != nil {
		return err
	}
	if len(children) == 0 && len(parents) == 0 {
		// The post has no edges either way; drop it without a trace.
		return nil
	}
	return r.RedactedPosts().Create(&store.RedactedPostRecord{
		ID:            postID,
		ThreadID:      post.ThreadID,
		AuthorPeerID:  post.AuthorPeerID,
		ParentIDs:     parents,
		KnownChildIDs: children,
		Reason:        reason,
		DiscoveredAt:  utils.NowUTC(),
	})
}

// CreateRedactedPost materializes a tombstone for a post that was never
// stored locally (denied on arrival) but has edges to kept posts.
func CreateRedactedPost(r *store.Repositories, postID, threadID, authorPeerID string, parentIDs []string, reason string) error {
	children, err := r.Posts().ChildrenOf(postID)
	if err != nil {
		return err
	}
	return r.RedactedPosts().Create(&store.RedactedPostRecord{
		ID:            postID,
		ThreadID:      threadID,
		AuthorPeerID:  authorPeerID,
		ParentIDs:     parentIDs,
		KnownChildIDs: children,
		Reason:        reason,
		DiscoveredAt:  utils.NowUTC(),
	})
}
