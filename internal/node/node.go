// Package node assembles the federation engine: identity, store, blob
// transport, gossip plane, moderation gate, sync orchestrator, DM engine
// and search, all owned by one Node the way the surrounding HTTP surface
// and CLI consume them.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"

	"github.com/graphchan/graphchan/internal/blob"
	"github.com/graphchan/graphchan/internal/dm"
	"github.com/graphchan/graphchan/internal/gossip"
	"github.com/graphchan/graphchan/internal/identity"
	"github.com/graphchan/graphchan/internal/moderation"
	"github.com/graphchan/graphchan/internal/search"
	"github.com/graphchan/graphchan/internal/store"
	"github.com/graphchan/graphchan/internal/syncer"
	"github.com/graphchan/graphchan/internal/topics"
	"github.com/graphchan/graphchan/internal/xerrors"
	"github.com/graphchan/graphchan/pkg/config"
	"github.com/graphchan/graphchan/pkg/utils"
)

// Node owns every core service plus the overlay host.
type Node struct {
	Cfg      *config.Config
	Identity *identity.Summary

	DB     *store.DB
	Blobs  *blob.Store
	Plane  *gossip.Plane
	Gate   *moderation.Gate
	Sync   *syncer.Orchestrator
	DMs    *dm.Engine
	Search *search.Service

	host   host.Host
	ctx    context.Context
	cancel context.CancelFunc
}

// New bootstraps a node from configuration: identity on first run, store
// migrations, blob store, libp2p host with GossipSub, and the service
// graph. The returned node is not yet consuming events; call Start.
func New(cfg *config.Config) (*Node, error) {
	paths := cfg.Paths()
	if err := paths.Ensure(); err != nil {
		return nil, xerrors.Wrap(xerrors.Fatal, err, "prepare base directory")
	}

	summary, err := identity.EnsureLocalIdentity(paths, cfg.Network.Addresses)
	if err != nil {
		return nil, err
	}
	overlayKey, err := identity.LoadOverlaySecret(paths)
	if err != nil {
		return nil, err
	}
	x25519Secret, err := identity.LoadX25519Secret(paths)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(paths.DatabaseFile)
	if err != nil {
		return nil, err
	}
	blobs, err := blob.NewStore(paths.BlobsDir)
	if err != nil {
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h, err := libp2p.New(
		libp2p.Identity(overlayKey),
		libp2p.ListenAddrStrings(cfg.Network.ListenAddr),
	)
	if err != nil {
		cancel()
		db.Close()
		return nil, xerrors.Wrap(xerrors.Fatal, err, "create host")
	}
	plane, err := gossip.NewPlane(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		db.Close()
		return nil, err
	}

	gate := moderation.NewGate(db)
	downloader := blob.NewDownloader(blobs, db, blob.NewHTTPFetcher())
	dmEngine := dm.NewEngine(db, summary.GPGFingerprint, x25519Secret, plane)

	n := &Node{
		Cfg:      cfg,
		Identity: summary,
		DB:       db,
		Blobs:    blobs,
		Plane:    plane,
		Gate:     gate,
		DMs:      dmEngine,
		Search:   search.NewService(db),
		host:     h,
		ctx:      ctx,
		cancel:   cancel,
	}
	n.Sync = syncer.NewOrchestrator(db, blobs, downloader, gate, plane, plane,
		&dmBridge{node: n}, summary.GPGFingerprint, x25519Secret)
	n.Sync.BlobAddrs = blobAddrs(cfg)
	n.Sync.AutoDownloadLimit = cfg.Storage.AutoDownloadLimit

	if err := n.ensureLocalPeer(); err != nil {
		n.Close()
		return nil, err
	}

	// mDNS discovery; the notifee connects to whoever it finds.
	if cfg.Network.EnableMDNS {
		mdns.NewMdnsService(h, cfg.Network.DiscoveryTag, &discoveryNotifee{node: n})
	}
	if err := n.dialSeeds(cfg.Network.BootstrapPeers); err != nil {
		logrus.Warnf("node: bootstrap dial: %v", err)
	}
	return n, nil
}

// Start subscribes the standing topics and begins consuming inbound gossip
// until the context is cancelled.
func (n *Node) Start() error {
	if err := n.Plane.SubscribeGlobal(n.Identity.GPGFingerprint); err != nil {
		return err
	}
	// Re-join persisted user topic subscriptions and DM topics for known
	// peers.
	var names []string
	var peers []*store.PeerRecord
	if err := n.DB.WithRepositories(func(r *store.Repositories) error {
		topicRecords, err := r.Topics().List()
		if err != nil {
			return err
		}
		for _, t := range topicRecords {
			names = append(names, t.Name)
		}
		peers, err = r.Peers().List()
		return err
	}); err != nil {
		return err
	}
	for _, name := range names {
		if err := n.Plane.Subscribe("topic:" + name); err != nil {
			logrus.Warnf("node: subscribe user topic %s: %v", name, err)
		}
	}
	for _, p := range peers {
		if p.TrustState == "local" {
			continue
		}
		conv := dm.ConversationID(n.Identity.GPGFingerprint, p.ID)
		if err := n.Plane.Subscribe(gossip.DMTopicName(conv)); err != nil {
			logrus.Warnf("node: subscribe dm topic for %s: %v", p.ID, err)
		}
		// Their inbox carries announcements we follow.
		if p.OverlayPeerID != "" {
			if err := n.Plane.Subscribe(topics.PeerInboxName(p.ID)); err != nil {
				logrus.Warnf("node: subscribe inbox for %s: %v", p.ID, err)
			}
		}
	}

	go n.eventLoop()
	go n.neighborLoop()
	logrus.Infof("node: started as %s (overlay %s)", n.Identity.GPGFingerprint, n.Identity.OverlayPeerID)
	return nil
}

func (n *Node) eventLoop() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev, ok := <-n.Plane.Inbound():
			if !ok {
				return
			}
			n.Sync.HandleInbound(n.ctx, ev)
		}
	}
}

func (n *Node) neighborLoop() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev, ok := <-n.Plane.Neighbors():
			if !ok {
				return
			}
			if ev.Up {
				logrus.Infof("node: neighbor up %s", ev.PeerID)
			} else {
				logrus.Infof("node: neighbor down %s", ev.PeerID)
			}
		}
	}
}

// RegisterFriendCode decodes a friend code, stores the peer and records the
// IPs from its multiaddrs. A failed connection does not fail the insert;
// the overlay retries opportunistically.
func (n *Node) RegisterFriendCode(code string) (*store.PeerRecord, error) {
	payload, err := identity.DecodeFriendCodeAuto(code)
	if err != nil {
		return nil, err
	}
	rec := &store.PeerRecord{
		ID:             payload.GPGFingerprint,
		FriendCode:     code,
		OverlayPeerID:  payload.PeerID,
		GPGFingerprint: payload.GPGFingerprint,
		X25519Pubkey:   payload.X25519Pubkey,
		LastSeen:       utils.NowUTC(),
		TrustState:     "known",
	}
	ips := identity.ExtractIPs(payload.Addresses)
	if err := n.DB.WithRepositories(func(r *store.Repositories) error {
		if err := r.Peers().Upsert(rec); err != nil {
			return err
		}
		for _, ip := range ips {
			if err := r.PeerIPs().Update(rec.ID, ip.String(), nowUnix()); err != nil {
				logrus.Warnf("node: store peer ip %s: %v", ip, err)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	// Follow the peer: their inbox topic carries their announcements, the
	// DM topic their messages.
	if err := n.Plane.Subscribe(topics.PeerInboxName(rec.ID)); err != nil {
		logrus.Warnf("node: subscribe inbox: %v", err)
	}
	conv := dm.ConversationID(n.Identity.GPGFingerprint, rec.ID)
	if err := n.Plane.Subscribe(gossip.DMTopicName(conv)); err != nil {
		logrus.Warnf("node: subscribe dm topic: %v", err)
	}
	return rec, nil
}

// ensureLocalPeer upserts the singleton local peer row.
func (n *Node) ensureLocalPeer() error {
	return n.DB.WithRepositories(func(r *store.Repositories) error {
		return r.Peers().Upsert(&store.PeerRecord{
			ID:             n.Identity.GPGFingerprint,
			Alias:          "local",
			FriendCode:     n.Identity.FriendCode,
			OverlayPeerID:  n.Identity.OverlayPeerID,
			GPGFingerprint: n.Identity.GPGFingerprint,
			X25519Pubkey:   n.Identity.X25519Pubkey,
			LastSeen:       utils.NowUTC(),
			TrustState:     "local",
		})
	})
}

func (n *Node) dialSeeds(seeds []string) error {
	var failed []string
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			failed = append(failed, addr)
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			failed = append(failed, addr)
			continue
		}
		logrus.Infof("node: bootstrapped to %s", addr)
	}
	if len(failed) > 0 {
		return xerrors.Newf(xerrors.Transient, "could not reach %d bootstrap peers", len(failed))
	}
	return nil
}

// Close drains the overlay and releases every resource.
func (n *Node) Close() error {
	n.cancel()
	n.Plane.Close()
	if err := n.host.Close(); err != nil {
		logrus.Warnf("node: host close: %v", err)
	}
	return n.DB.Close()
}

// dmBridge hands inbound DM events to the engine and routes thread invites
// to the orchestrator.
type dmBridge struct {
	node *Node
}

func (b *dmBridge) Receive(ev *gossip.DirectMessageEvent) error {
	body, err := b.node.DMs.Receive(ev)
	if err != nil {
		return err
	}
	if wasInvite, err := b.node.Sync.AcceptInvite(body); err != nil {
		logrus.Warnf("node: thread invite from %s failed: %v", ev.From, err)
	} else if wasInvite {
		logrus.Infof("node: accepted thread invite from %s", ev.From)
	}
	return nil
}

// discoveryNotifee connects to mDNS-discovered peers, skipping self.
type discoveryNotifee struct {
	node *Node
}

func (d *discoveryNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == d.node.host.ID() {
		return
	}
	if err := d.node.host.Connect(d.node.ctx, info); err != nil {
		logrus.Warnf("node: connect to discovered peer %s: %v", info.ID, err)
		return
	}
	logrus.Infof("node: connected to peer %s via mdns", info.ID)
}

func blobAddrs(cfg *config.Config) []string {
	if len(cfg.Network.Addresses) > 0 {
		return cfg.Network.Addresses
	}
	return []string{fmt.Sprintf("http://127.0.0.1:%d", cfg.API.Port)}
}

func nowUnix() int64 {
	return time.Now().Unix()
}
