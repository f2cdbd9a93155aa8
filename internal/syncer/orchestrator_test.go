package syncer

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/graphchan/graphchan/internal/blob"
	"github.com/graphchan/graphchan/internal/cryptoutil"
	"github.com/graphchan/graphchan/internal/gossip"
	"github.com/graphchan/graphchan/internal/moderation"
	"github.com/graphchan/graphchan/internal/store"
	"github.com/graphchan/graphchan/internal/xerrors"
)

// fakePlane records broadcasts and subscriptions in place of the gossip
// plane.
type fakePlane struct {
	broadcasts []broadcastCall
	subscribed []string
}

type broadcastCall struct {
	topic   string
	payload gossip.Payload
}

func (f *fakePlane) Broadcast(p gossip.Payload) error {
	return f.BroadcastOn(gossip.TopicFor(p), p)
}

func (f *fakePlane) BroadcastOn(topic string, p gossip.Payload) error {
	f.broadcasts = append(f.broadcasts, broadcastCall{topic: topic, payload: p})
	return nil
}

func (f *fakePlane) Subscribe(topic string) error {
	f.subscribed = append(f.subscribed, topic)
	return nil
}

func (f *fakePlane) announcements() []*gossip.ThreadAnnouncement {
	var anns []*gossip.ThreadAnnouncement
	for _, b := range f.broadcasts {
		if a, ok := b.payload.(*gossip.ThreadAnnouncement); ok {
			anns = append(anns, a)
		}
	}
	return anns
}

func (f *fakePlane) reset() { f.broadcasts = nil }

// fakeDM records handed-off DM events.
type fakeDM struct {
	events []*gossip.DirectMessageEvent
}

func (f *fakeDM) Receive(ev *gossip.DirectMessageEvent) error {
	f.events = append(f.events, ev)
	return nil
}

// registryFetcher serves blobs straight out of the announcing nodes' blob
// stores, standing in for the overlay transfer.
type registryFetcher struct {
	stores []*blob.Store
}

func (r *registryFetcher) Fetch(_ context.Context, t blob.Ticket) ([]byte, error) {
	for _, s := range r.stores {
		if s.Has(t.Hash) {
			return s.Get(t.Hash)
		}
	}
	return nil, xerrors.Newf(xerrors.Transient, "blob %s unavailable", t.Hash)
}

type node struct {
	id    string
	db    *store.DB
	blobs *blob.Store
	plane *fakePlane
	orch  *Orchestrator
	sec   [32]byte
	pub   [32]byte
}

func newNode(t *testing.T, id string, fetcher blob.Fetcher) *node {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	blobs, err := blob.NewStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	sec, pub, err := cryptoutil.NewX25519Keypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	plane := &fakePlane{}
	downloader := blob.NewDownloader(blobs, db, fetcher)
	downloader.MaxAttempts = 1
	downloader.BaseBackoff = time.Millisecond
	gate := moderation.NewGate(db)
	n := &node{
		id: id, db: db, blobs: blobs, plane: plane, sec: sec, pub: pub,
		orch: NewOrchestrator(db, blobs, downloader, gate, plane, plane, &fakeDM{}, id, sec),
	}
	// The local peer row, as bootstrap writes it.
	if err := db.WithRepositories(func(r *store.Repositories) error {
		return r.Peers().Upsert(&store.PeerRecord{
			ID: id, TrustState: "local",
			X25519Pubkey: base64.StdEncoding.EncodeToString(pub[:]),
		})
	}); err != nil {
		t.Fatal(err)
	}
	return n
}

// introduce registers other as a known peer.
func (n *node) introduce(t *testing.T, other *node) {
	t.Helper()
	if err := n.db.WithRepositories(func(r *store.Repositories) error {
		return r.Peers().Upsert(&store.PeerRecord{
			ID: other.id, TrustState: "known",
			X25519Pubkey: base64.StdEncoding.EncodeToString(other.pub[:]),
		})
	}); err != nil {
		t.Fatal(err)
	}
}

func (n *node) thread(t *testing.T, id string) *store.ThreadRecord {
	t.Helper()
	var thread *store.ThreadRecord
	if err := n.db.WithRepositories(func(r *store.Repositories) error {
		var err error
		thread, err = r.Threads().Get(id)
		return err
	}); err != nil {
		t.Fatalf("thread %s: %v", id, err)
	}
	return thread
}

func (n *node) postCount(t *testing.T, threadID string) int {
	t.Helper()
	var count int
	if err := n.db.WithRepositories(func(r *store.Repositories) error {
		var err error
		count, err = r.Posts().CountForThread(threadID)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	return count
}

func twoNodes(t *testing.T) (*node, *node) {
	t.Helper()
	reg := &registryFetcher{}
	a := newNode(t, "FP_A", reg)
	b := newNode(t, "FP_B", reg)
	reg.stores = []*blob.Store{a.blobs, b.blobs}
	a.introduce(t, b)
	b.introduce(t, a)
	return a, b
}

func TestComputeThreadHashOrderInvariant(t *testing.T) {
	h1 := ComputeThreadHash([]string{"p1", "p2", "p3"})
	h2 := ComputeThreadHash([]string{"p3", "p1", "p2"})
	if h1 != h2 {
		t.Fatal("hash depends on post order")
	}
	if h1 == ComputeThreadHash([]string{"p1", "p2"}) {
		t.Fatal("different post sets share a hash")
	}
}

func TestCreateAndFetch(t *testing.T) {
	a, b := twoNodes(t)

	thread, err := a.orch.CreateThread(CreateThreadInput{Title: "hi", Body: "hello"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	anns := a.plane.announcements()
	if len(anns) == 0 {
		t.Fatal("no announcement broadcast")
	}
	ann := anns[0]
	if ann.AnnouncerPeerID != "FP_A" || ann.PostCount != 1 || ann.Preview != "hello" {
		t.Fatalf("announcement=%+v", ann)
	}
	// Global threads announce on the peer inbox and the well-known topic.
	topicsSeen := map[string]bool{}
	for _, bc := range a.plane.broadcasts {
		topicsSeen[bc.topic] = true
	}
	if !topicsSeen["peer-FP_A"] || !topicsSeen["graphchan-global-v1"] {
		t.Fatalf("announce topics=%v", topicsSeen)
	}

	if err := b.orch.HandleAnnouncement(context.Background(), "FP_A", ann); err != nil {
		t.Fatalf("handle announcement: %v", err)
	}
	got := b.thread(t, thread.ID)
	if got.SyncStatus != store.SyncDownloaded {
		t.Fatalf("sync status=%s", got.SyncStatus)
	}
	if b.postCount(t, thread.ID) != 1 {
		t.Fatalf("post count=%d want 1", b.postCount(t, thread.ID))
	}
	if got.ThreadHash != a.thread(t, thread.ID).ThreadHash {
		t.Fatal("thread hashes diverge after download")
	}
	// B hosts by default: it re-announces under its own peer id.
	banns := b.plane.announcements()
	if len(banns) == 0 || banns[len(banns)-1].AnnouncerPeerID != "FP_B" {
		t.Fatal("host did not rebroadcast under its own id")
	}
}

func TestReplyWithEdgeConverges(t *testing.T) {
	a, b := twoNodes(t)

	thread, err := a.orch.CreateThread(CreateThreadInput{Title: "hi", Body: "hello"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ann := a.plane.announcements()[0]
	if err := b.orch.HandleAnnouncement(context.Background(), "FP_A", ann); err != nil {
		t.Fatalf("announce: %v", err)
	}

	// B replies to A's OP.
	var opID string
	if err := b.db.WithRepositories(func(r *store.Repositories) error {
		posts, err := r.Posts().ListForThread(thread.ID)
		if err != nil {
			return err
		}
		opID = posts[0].ID
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	update, err := b.orch.CreatePost(CreatePostInput{
		ThreadID: thread.ID, Body: "world", ParentPostIDs: []string{opID},
	})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}

	if err := a.orch.HandlePostUpdate(update); err != nil {
		t.Fatalf("apply reply: %v", err)
	}
	if a.postCount(t, thread.ID) != 2 {
		t.Fatalf("a post count=%d", a.postCount(t, thread.ID))
	}
	if err := a.db.WithRepositories(func(r *store.Repositories) error {
		parents, err := r.Posts().ParentsOf(update.ID)
		if err != nil {
			return err
		}
		if len(parents) != 1 || parents[0] != opID {
			t.Fatalf("edge lost: %v", parents)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if a.thread(t, thread.ID).ThreadHash != b.thread(t, thread.ID).ThreadHash {
		t.Fatal("thread hashes diverge after reply")
	}
}

func TestIdempotentPostApply(t *testing.T) {
	a, b := twoNodes(t)
	thread, _ := a.orch.CreateThread(CreateThreadInput{Title: "hi", Body: "hello"})
	ann := a.plane.announcements()[0]
	if err := b.orch.HandleAnnouncement(context.Background(), "FP_A", ann); err != nil {
		t.Fatalf("announce: %v", err)
	}

	update := &gossip.PostUpdate{
		ID: "p-reply", ThreadID: thread.ID, AuthorPeerID: "FP_A",
		Body: "again", CreatedAt: "2026-01-01T00:00:05Z", ParentPostIDs: []string{},
	}
	if err := b.orch.HandlePostUpdate(update); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	hashAfterFirst := b.thread(t, thread.ID).ThreadHash
	if err := b.orch.HandlePostUpdate(update); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if b.postCount(t, thread.ID) != 2 {
		t.Fatalf("post count=%d want 2", b.postCount(t, thread.ID))
	}
	if b.thread(t, thread.ID).ThreadHash != hashAfterFirst {
		t.Fatal("hash changed on idempotent reapply")
	}
}

func TestRebroadcastTermination(t *testing.T) {
	a, b := twoNodes(t)
	_, err := a.orch.CreateThread(CreateThreadInput{Title: "hi", Body: "hello"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ann := a.plane.announcements()[0]
	if err := b.orch.HandleAnnouncement(context.Background(), "FP_A", ann); err != nil {
		t.Fatalf("announce: %v", err)
	}

	// B's re-announcement comes back to A. A's hash equals it, so A stays
	// silent: the fan-out terminates.
	bAnn := b.plane.announcements()[len(b.plane.announcements())-1]
	a.plane.reset()
	if err := a.orch.HandleAnnouncement(context.Background(), "FP_B", bAnn); err != nil {
		t.Fatalf("return announcement: %v", err)
	}
	if len(a.plane.broadcasts) != 0 {
		t.Fatalf("a rebroadcast on equal hash: %+v", a.plane.broadcasts)
	}
}

func TestLeechNeverRepublishes(t *testing.T) {
	a, b := twoNodes(t)
	thread, _ := a.orch.CreateThread(CreateThreadInput{Title: "hi", Body: "hello"})
	ann := a.plane.announcements()[0]

	// Flip B to leech before the announcement lands.
	if err := b.db.WithRepositories(func(r *store.Repositories) error {
		if err := r.Threads().Upsert(&store.ThreadRecord{
			ID: thread.ID, Title: ann.Title, CreatorPeerID: ann.CreatorPeerID,
			CreatedAt: ann.CreatedAt, Visibility: ann.Visibility,
			SyncStatus: store.SyncAnnounced,
		}); err != nil {
			return err
		}
		return r.Threads().SetRebroadcast(thread.ID, false)
	}); err != nil {
		t.Fatal(err)
	}

	if err := b.orch.HandleAnnouncement(context.Background(), "FP_A", ann); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if got := b.thread(t, thread.ID); got.SyncStatus != store.SyncDownloaded {
		t.Fatalf("leech did not download: %s", got.SyncStatus)
	}
	if len(b.plane.announcements()) != 0 {
		t.Fatal("leech republished an announcement")
	}
}

func TestBlockedAnnouncementNotStored(t *testing.T) {
	a, b := twoNodes(t)
	thread, _ := a.orch.CreateThread(CreateThreadInput{Title: "hi", Body: "hello"})
	ann := a.plane.announcements()[0]

	if err := b.orch.gate.BlockPeer("FP_A", "nope"); err != nil {
		t.Fatalf("block: %v", err)
	}
	err := b.orch.HandleAnnouncement(context.Background(), "FP_A", ann)
	if !xerrors.Is(err, xerrors.Blocked) {
		t.Fatalf("want Blocked, got %v", err)
	}
	if err := b.db.WithRepositories(func(r *store.Repositories) error {
		_, err := r.Threads().Get(thread.ID)
		if !xerrors.Is(err, xerrors.NotFound) {
			t.Fatal("blocked thread was stored")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestBlockedReplyLeavesTombstone(t *testing.T) {
	a, b := twoNodes(t)
	thread, _ := a.orch.CreateThread(CreateThreadInput{Title: "hi", Body: "hello"})
	ann := a.plane.announcements()[0]
	if err := b.orch.HandleAnnouncement(context.Background(), "FP_A", ann); err != nil {
		t.Fatalf("announce: %v", err)
	}
	var opID string
	if err := b.db.WithRepositories(func(r *store.Repositories) error {
		posts, err := r.Posts().ListForThread(thread.ID)
		if err != nil {
			return err
		}
		opID = posts[0].ID
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	// B blocks C, then C's spam referencing the OP arrives.
	if err := b.orch.gate.BlockPeer("FP_C", "spam"); err != nil {
		t.Fatalf("block: %v", err)
	}
	err := b.orch.HandlePostUpdate(&gossip.PostUpdate{
		ID: "p-spam", ThreadID: thread.ID, AuthorPeerID: "FP_C",
		Body: "spam", CreatedAt: "2026-01-01T00:01:00Z", ParentPostIDs: []string{opID},
	})
	if !xerrors.Is(err, xerrors.Blocked) {
		t.Fatalf("want Blocked, got %v", err)
	}

	if err := b.db.WithRepositories(func(r *store.Repositories) error {
		if _, err := r.Posts().Get("p-spam"); !xerrors.Is(err, xerrors.NotFound) {
			t.Fatal("blocked post body stored")
		}
		tomb, err := r.RedactedPosts().Get("p-spam")
		if err != nil {
			return err
		}
		if tomb.Reason != "blocked peer" || tomb.AuthorPeerID != "FP_C" {
			t.Fatalf("tombstone=%+v", tomb)
		}
		if len(tomb.ParentIDs) != 1 || tomb.ParentIDs[0] != opID {
			t.Fatalf("tombstone parents=%v", tomb.ParentIDs)
		}
		parents, err := r.Posts().ParentsOf("p-spam")
		if err != nil {
			return err
		}
		if len(parents) != 1 || parents[0] != opID {
			t.Fatalf("edge to tombstone lost: %v", parents)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestPrivateThreadInviteFlow(t *testing.T) {
	reg := &registryFetcher{}
	a := newNode(t, "FP_A", reg)
	b := newNode(t, "FP_B", reg)
	c := newNode(t, "FP_C", reg)
	reg.stores = []*blob.Store{a.blobs, b.blobs, c.blobs}
	a.introduce(t, b)
	b.introduce(t, a)
	c.introduce(t, a)

	thread, err := a.orch.CreateThread(CreateThreadInput{
		Title: "secret plans", Body: "step one", Visibility: store.VisibilityPrivate,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if thread.TopicSecret == "" {
		t.Fatal("private thread missing topic secret")
	}

	inviteBody, err := a.orch.InviteMember(thread.ID, "FP_B")
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	wasInvite, err := b.orch.AcceptInvite(inviteBody)
	if err != nil || !wasInvite {
		t.Fatalf("accept: invite=%v err=%v", wasInvite, err)
	}

	// The announcement reaches B on the secret topic.
	ann := a.plane.announcements()[0]
	if err := b.orch.HandleAnnouncement(context.Background(), "FP_A", ann); err != nil {
		t.Fatalf("b announce: %v", err)
	}
	if got := b.thread(t, thread.ID); got.SyncStatus != store.SyncDownloaded {
		t.Fatalf("b sync status=%s", got.SyncStatus)
	}
	if b.postCount(t, thread.ID) != 1 {
		t.Fatal("b did not materialize the private post")
	}

	// C has no wrapped key: metadata only, no plaintext.
	err = c.orch.HandleAnnouncement(context.Background(), "FP_A", ann)
	if !xerrors.Is(err, xerrors.AuthFailure) {
		t.Fatalf("want AuthFailure for keyless peer, got %v", err)
	}
	got := c.thread(t, thread.ID)
	if got.SyncStatus == store.SyncDownloaded {
		t.Fatal("keyless peer claims download")
	}
	if c.postCount(t, thread.ID) != 0 {
		t.Fatal("keyless peer materialized posts")
	}
}

func TestAnnouncementBackfillsStubThread(t *testing.T) {
	a, b := twoNodes(t)
	thread, _ := a.orch.CreateThread(CreateThreadInput{Title: "late title", Body: "hello"})

	// The PostUpdate outruns the announcement.
	update := &gossip.PostUpdate{
		ID: "p-early", ThreadID: thread.ID, AuthorPeerID: "FP_A",
		Body: "early", CreatedAt: "2026-01-01T00:00:00Z", ParentPostIDs: []string{},
	}
	if err := b.orch.HandlePostUpdate(update); err != nil {
		t.Fatalf("early post: %v", err)
	}
	if got := b.thread(t, thread.ID); got.Title != "" || got.SyncStatus != store.SyncAnnounced {
		t.Fatalf("stub thread=%+v", got)
	}

	ann := a.plane.announcements()[0]
	if err := b.orch.HandleAnnouncement(context.Background(), "FP_A", ann); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if got := b.thread(t, thread.ID); got.Title != "late title" {
		t.Fatalf("metadata not backfilled: %+v", got)
	}
}

func TestForwardReferenceEdgeBackfill(t *testing.T) {
	a, b := twoNodes(t)
	thread, _ := a.orch.CreateThread(CreateThreadInput{Title: "hi", Body: "hello"})
	ann := a.plane.announcements()[0]
	if err := b.orch.HandleAnnouncement(context.Background(), "FP_A", ann); err != nil {
		t.Fatalf("announce: %v", err)
	}

	// The child arrives before its parent.
	child := &gossip.PostUpdate{
		ID: "p-child", ThreadID: thread.ID, AuthorPeerID: "FP_A",
		Body: "reply to the future", CreatedAt: "2026-01-01T00:00:09Z",
		ParentPostIDs: []string{"p-parent"},
	}
	if err := b.orch.HandlePostUpdate(child); err != nil {
		t.Fatalf("child: %v", err)
	}
	if err := b.db.WithRepositories(func(r *store.Repositories) error {
		parents, err := r.Posts().ParentsOf("p-child")
		if err != nil {
			return err
		}
		if len(parents) != 0 {
			t.Fatalf("dangling edge materialized: %v", parents)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	parent := &gossip.PostUpdate{
		ID: "p-parent", ThreadID: thread.ID, AuthorPeerID: "FP_A",
		Body: "the parent", CreatedAt: "2026-01-01T00:00:08Z", ParentPostIDs: []string{},
	}
	if err := b.orch.HandlePostUpdate(parent); err != nil {
		t.Fatalf("parent: %v", err)
	}
	if err := b.db.WithRepositories(func(r *store.Repositories) error {
		parents, err := r.Posts().ParentsOf("p-child")
		if err != nil {
			return err
		}
		if len(parents) != 1 || parents[0] != "p-parent" {
			t.Fatalf("edge not backfilled: %v", parents)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestReactionFlow(t *testing.T) {
	a, b := twoNodes(t)
	thread, _ := a.orch.CreateThread(CreateThreadInput{Title: "hi", Body: "hello"})
	ann := a.plane.announcements()[0]
	if err := b.orch.HandleAnnouncement(context.Background(), "FP_A", ann); err != nil {
		t.Fatalf("announce: %v", err)
	}
	var opID string
	if err := b.db.WithRepositories(func(r *store.Repositories) error {
		posts, err := r.Posts().ListForThread(thread.ID)
		if err != nil {
			return err
		}
		opID = posts[0].ID
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := b.orch.AddReaction(opID, "🔥"); err != nil {
		t.Fatalf("react: %v", err)
	}
	var ru *gossip.ReactionUpdate
	for _, bc := range b.plane.broadcasts {
		if r, ok := bc.payload.(*gossip.ReactionUpdate); ok {
			ru = r
		}
	}
	if ru == nil {
		t.Fatal("reaction not broadcast")
	}
	if err := a.orch.HandleReactionUpdate(ru); err != nil {
		t.Fatalf("apply reaction: %v", err)
	}
	if err := a.db.WithRepositories(func(r *store.Repositories) error {
		reactions, err := r.Reactions().ListForPost(opID)
		if err != nil {
			return err
		}
		if len(reactions) != 1 || reactions[0].Emoji != "🔥" {
			t.Fatalf("reactions=%+v", reactions)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestAttachFileAnnouncesTicket(t *testing.T) {
	a, b := twoNodes(t)
	thread, _ := a.orch.CreateThread(CreateThreadInput{Title: "hi", Body: "hello"})
	var opID string
	if err := a.db.WithRepositories(func(r *store.Repositories) error {
		posts, err := r.Posts().ListForThread(thread.ID)
		if err != nil {
			return err
		}
		opID = posts[0].ID
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	content := []byte("png bytes")
	rec, err := a.orch.AttachFile(opID, "cat.png", "image/png", content)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if rec.DownloadStatus != store.DownloadPresent || rec.Checksum != blob.ChecksumHex(content) {
		t.Fatalf("record=%+v", rec)
	}
	if !a.blobs.Has(rec.BlobID) {
		t.Fatal("upload not imported into blob store")
	}

	var fa *gossip.FileAvailable
	for _, bc := range a.plane.broadcasts {
		if f, ok := bc.payload.(*gossip.FileAvailable); ok {
			fa = f
		}
	}
	if fa == nil || fa.Ticket == "" {
		t.Fatalf("file announcement missing: %+v", fa)
	}

	// B already knows the post (sync it first), then the ticket arrives and
	// the downloader pulls the bytes.
	ann := a.plane.announcements()[0]
	if err := b.orch.HandleAnnouncement(context.Background(), "FP_A", ann); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if err := b.orch.HandleFileAvailable(context.Background(), fa); err != nil {
		t.Fatalf("file available: %v", err)
	}
	if err := b.orch.downloader.FetchFile(context.Background(), fa.ID, 0); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !b.blobs.Has(rec.BlobID) {
		t.Fatal("blob not fetched")
	}
}

func TestRemoteBehindTriggersCatchUpAnnounce(t *testing.T) {
	a, b := twoNodes(t)
	thread, _ := a.orch.CreateThread(CreateThreadInput{Title: "hi", Body: "hello"})
	ann := a.plane.announcements()[0]
	if err := b.orch.HandleAnnouncement(context.Background(), "FP_A", ann); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if _, err := b.orch.CreatePost(CreatePostInput{ThreadID: thread.ID, Body: "newer"}); err != nil {
		t.Fatalf("post: %v", err)
	}

	// A's stale announcement arrives at B: fewer posts than B holds, so B
	// re-announces to help A catch up instead of downloading.
	b.plane.reset()
	if err := b.orch.HandleAnnouncement(context.Background(), "FP_A", ann); err != nil {
		t.Fatalf("stale announce: %v", err)
	}
	anns := b.plane.announcements()
	if len(anns) == 0 {
		t.Fatal("no catch-up announcement")
	}
	if anns[0].PostCount != 2 || anns[0].AnnouncerPeerID != "FP_B" {
		t.Fatalf("catch-up announcement=%+v", anns[0])
	}
}
