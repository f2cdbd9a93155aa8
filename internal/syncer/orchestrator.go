package syncer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/graphchan/graphchan/internal/blob"
	"github.com/graphchan/graphchan/internal/cryptoutil"
	"github.com/graphchan/graphchan/internal/gossip"
	"github.com/graphchan/graphchan/internal/identity"
	"github.com/graphchan/graphchan/internal/moderation"
	"github.com/graphchan/graphchan/internal/store"
	"github.com/graphchan/graphchan/internal/topics"
	"github.com/graphchan/graphchan/internal/xerrors"
	"github.com/graphchan/graphchan/pkg/utils"
)

// Broadcaster publishes events; the gossip plane implements it.
type Broadcaster interface {
	Broadcast(p gossip.Payload) error
	BroadcastOn(topic string, p gossip.Payload) error
}

// Subscriber joins topics for receiving; the gossip plane implements it.
type Subscriber interface {
	Subscribe(topic string) error
}

// DMReceiver hands inbound DirectMessageEvents to the DM engine.
type DMReceiver interface {
	Receive(ev *gossip.DirectMessageEvent) error
}

// Orchestrator drives the announce ↔ download ↔ materialize pipeline and
// the inbound event dispatch.
type Orchestrator struct {
	db         *store.DB
	blobs      *blob.Store
	downloader *blob.Downloader
	gate       *moderation.Gate
	bcast      Broadcaster
	subs       Subscriber
	dms        DMReceiver

	localPeerID string
	localSecret [32]byte

	// BlobAddrs are the advertised addresses minted into tickets.
	BlobAddrs []string
	// AutoDownloadLimit bounds automatic media fetches; larger files wait
	// for an explicit request.
	AutoDownloadLimit int64
}

// NewOrchestrator wires the sync pipeline.
func NewOrchestrator(db *store.DB, blobs *blob.Store, downloader *blob.Downloader,
	gate *moderation.Gate, bcast Broadcaster, subs Subscriber, dms DMReceiver,
	localPeerID string, localSecret [32]byte) *Orchestrator {
	return &Orchestrator{
		db:          db,
		blobs:       blobs,
		downloader:  downloader,
		gate:        gate,
		bcast:       bcast,
		subs:        subs,
		dms:         dms,
		localPeerID: localPeerID,
		localSecret: localSecret,
	}
}

// CreateThreadInput is a local thread creation request.
type CreateThreadInput struct {
	Title      string
	Body       string
	Visibility string
	Topics     []string
	Pinned     bool
}

// CreateThread writes a thread (and its OP post when a body is given),
// provisions the topic secret and thread key for non-global visibilities,
// subscribes the thread topic and announces.
func (o *Orchestrator) CreateThread(input CreateThreadInput) (*store.ThreadRecord, error) {
	if strings.TrimSpace(input.Title) == "" {
		return nil, xerrors.New(xerrors.BadRequest, "thread title may not be empty")
	}
	if input.Visibility == "" {
		input.Visibility = store.VisibilityGlobal
	}
	switch input.Visibility {
	case store.VisibilityGlobal, store.VisibilitySocial, store.VisibilityPrivate:
	default:
		return nil, xerrors.Newf(xerrors.BadRequest, "unknown visibility %q", input.Visibility)
	}

	now := utils.NowUTC()
	thread := &store.ThreadRecord{
		ID:            uuid.New().String(),
		Title:         input.Title,
		CreatorPeerID: o.localPeerID,
		CreatedAt:     now,
		Pinned:        input.Pinned,
		Visibility:    input.Visibility,
		SyncStatus:    store.SyncDownloaded,
		Rebroadcast:   true,
	}
	var wrapped cryptoutil.WrappedKey
	if input.Visibility != store.VisibilityGlobal {
		secret := cryptoutil.NewThreadKey()
		thread.TopicSecret = base64.StdEncoding.EncodeToString(secret[:])
		key := cryptoutil.NewThreadKey()
		pub, err := cryptoutil.PublicFromSecret(&o.localSecret)
		if err != nil {
			return nil, err
		}
		wrapped, err = cryptoutil.WrapThreadKey(&key, &pub, &o.localSecret)
		if err != nil {
			return nil, err
		}
		cryptoutil.Zero(key[:])
	}

	err := o.db.WithRepositories(func(r *store.Repositories) error {
		if err := r.Threads().Create(thread); err != nil {
			return err
		}
		if input.Visibility != store.VisibilityGlobal {
			if err := r.MemberKeys().Put(&store.MemberKeyRecord{
				ThreadID:     thread.ID,
				MemberPeerID: o.localPeerID,
				WrappedKey:   wrapped.Ciphertext,
				Nonce:        wrapped.Nonce[:],
			}); err != nil {
				return err
			}
		}
		if strings.TrimSpace(input.Body) != "" {
			if err := r.Posts().Upsert(&store.PostRecord{
				ID:           uuid.New().String(),
				ThreadID:     thread.ID,
				AuthorPeerID: o.localPeerID,
				Body:         input.Body,
				CreatedAt:    now,
			}); err != nil {
				return err
			}
		}
		for _, name := range input.Topics {
			if err := r.Topics().LinkThread(thread.ID, name); err != nil {
				return err
			}
		}
		hash, err := localThreadHash(r, thread.ID)
		if err != nil {
			return err
		}
		thread.ThreadHash = hash
		return r.Threads().SetThreadHash(thread.ID, hash)
	})
	if err != nil {
		return nil, err
	}

	if name, err := threadTopicName(thread); err == nil {
		if err := o.subs.Subscribe(name); err != nil {
			logrus.Warnf("syncer: subscribe thread topic: %v", err)
		}
	}
	if err := o.AnnounceThread(thread.ID); err != nil {
		logrus.Warnf("syncer: announce of new thread %s failed: %v", thread.ID, err)
	}
	return thread, nil
}

// CreatePostInput is a local post creation request.
type CreatePostInput struct {
	ThreadID      string
	Body          string
	ParentPostIDs []string
}

// CreatePost writes a post with its parent edges, recomputes the thread
// hash, publishes the PostUpdate on the thread topic and re-announces.
func (o *Orchestrator) CreatePost(input CreatePostInput) (*gossip.PostUpdate, error) {
	if strings.TrimSpace(input.Body) == "" {
		return nil, xerrors.New(xerrors.BadRequest, "post body may not be empty")
	}
	post := &store.PostRecord{
		ID:           uuid.New().String(),
		ThreadID:     input.ThreadID,
		AuthorPeerID: o.localPeerID,
		Body:         input.Body,
		CreatedAt:    utils.NowUTC(),
	}
	var thread *store.ThreadRecord
	err := o.db.WithRepositories(func(r *store.Repositories) error {
		var err error
		thread, err = r.Threads().Get(input.ThreadID)
		if err != nil {
			return err
		}
		if err := r.Posts().Upsert(post); err != nil {
			return err
		}
		if err := r.Posts().AddEdges(post.ID, input.ParentPostIDs); err != nil {
			return err
		}
		hash, err := localThreadHash(r, input.ThreadID)
		if err != nil {
			return err
		}
		return r.Threads().SetThreadHash(input.ThreadID, hash)
	})
	if err != nil {
		return nil, err
	}

	update := &gossip.PostUpdate{
		ID:            post.ID,
		ThreadID:      post.ThreadID,
		AuthorPeerID:  post.AuthorPeerID,
		Body:          post.Body,
		CreatedAt:     post.CreatedAt,
		ParentPostIDs: append([]string(nil), input.ParentPostIDs...),
	}
	if update.ParentPostIDs == nil {
		update.ParentPostIDs = []string{}
	}
	if name, err := threadTopicName(thread); err == nil {
		if err := o.bcast.BroadcastOn(name, update); err != nil {
			logrus.Warnf("syncer: post broadcast failed: %v", err)
		}
	}
	if err := o.AnnounceThread(input.ThreadID); err != nil {
		logrus.Warnf("syncer: re-announce of %s failed: %v", input.ThreadID, err)
	}
	return update, nil
}

// AnnounceThread snapshots a thread into a blob, mints its ticket and
// publishes the announcement on the peer inbox plus the visibility's
// topics.
func (o *Orchestrator) AnnounceThread(threadID string) error {
	var (
		thread  *store.ThreadRecord
		details *ThreadDetails
		key     *[32]byte
	)
	err := o.db.WithRepositories(func(r *store.Repositories) error {
		var err error
		thread, err = r.Threads().Get(threadID)
		if err != nil {
			return err
		}
		details, err = buildDetails(r, thread)
		if err != nil {
			return err
		}
		key, err = o.loadThreadKey(r, thread)
		return err
	})
	if err != nil {
		return err
	}

	data, err := encodeDetails(details, key)
	if err != nil {
		return err
	}
	blobID, err := o.blobs.Import(data)
	if err != nil {
		return err
	}
	ticket, err := blob.NewTicket(o.BlobAddrs, blobID).Encode()
	if err != nil {
		return err
	}

	ann := o.buildAnnouncement(thread, details, ticket)
	// Fan out to this peer's followers in every case.
	if err := o.bcast.BroadcastOn(topics.PeerInboxName(o.localPeerID), ann); err != nil {
		return err
	}
	switch thread.Visibility {
	case store.VisibilityGlobal:
		// Deprecated well-known topic plus any tagged user topics; both
		// paths stay live.
		if err := o.bcast.BroadcastOn(topics.GlobalTopicName, ann); err != nil {
			logrus.Warnf("syncer: global announce failed: %v", err)
		}
		var names []string
		if err := o.db.WithRepositories(func(r *store.Repositories) error {
			var err error
			names, err = r.Topics().TopicsForThread(thread.ID)
			return err
		}); err == nil {
			for _, name := range names {
				if err := o.bcast.BroadcastOn(userTopicName(name), ann); err != nil {
					logrus.Warnf("syncer: user topic announce failed: %v", err)
				}
			}
		}
	default:
		name, err := threadTopicName(thread)
		if err != nil {
			return err
		}
		if err := o.bcast.BroadcastOn(name, ann); err != nil {
			logrus.Warnf("syncer: secret topic announce failed: %v", err)
		}
	}
	return nil
}

func (o *Orchestrator) buildAnnouncement(thread *store.ThreadRecord, details *ThreadDetails, ticket string) *gossip.ThreadAnnouncement {
	ann := &gossip.ThreadAnnouncement{
		ThreadID:        thread.ID,
		CreatorPeerID:   thread.CreatorPeerID,
		AnnouncerPeerID: o.localPeerID,
		Title:           thread.Title,
		Ticket:          ticket,
		PostCount:       len(details.Posts),
		CreatedAt:       thread.CreatedAt,
		LastActivity:    thread.CreatedAt,
		ThreadHash:      thread.ThreadHash,
		Visibility:      thread.Visibility,
	}
	if len(details.Posts) > 0 {
		ann.Preview = preview(details.Posts[0].Body)
		ann.LastActivity = details.Posts[len(details.Posts)-1].CreatedAt
	}
	for _, f := range details.Files {
		if strings.HasPrefix(f.Mime, "image/") {
			ann.HasImages = true
			break
		}
	}
	return ann
}

// HandleInbound dispatches one decoded gossip event. The union is handled
// exhaustively; adding a payload kind means extending this switch.
func (o *Orchestrator) HandleInbound(ctx context.Context, ev gossip.InboundEvent) {
	var err error
	switch p := ev.Payload.(type) {
	case *gossip.ThreadAnnouncement:
		err = o.HandleAnnouncement(ctx, ev.PeerID, p)
	case *gossip.PostUpdate:
		err = o.HandlePostUpdate(p)
	case *gossip.FileAvailable:
		err = o.HandleFileAvailable(ctx, p)
	case *gossip.ProfileUpdate:
		err = o.HandleProfileUpdate(p)
	case *gossip.ReactionUpdate:
		err = o.HandleReactionUpdate(p)
	case *gossip.DirectMessageEvent:
		err = o.dms.Receive(p)
	case *gossip.FileRequest, *gossip.FileChunk:
		// Deprecated chunk transfer; blobs travel by ticket now.
		logrus.Debugf("syncer: ignoring deprecated %s", ev.Payload.Kind())
	default:
		logrus.Warnf("syncer: no handler for %s", ev.Payload.Kind())
	}

	switch {
	case err == nil:
	case xerrors.Is(err, xerrors.Blocked):
		logrus.Debugf("syncer: dropped %s from %s: %v", ev.Payload.Kind(), ev.PeerID, err)
	case xerrors.Is(err, xerrors.AuthFailure):
		// Hostile or stale envelope; drop silently.
		logrus.Debugf("syncer: undecryptable %s from %s", ev.Payload.Kind(), ev.PeerID)
	default:
		logrus.Warnf("syncer: %s from %s failed: %v", ev.Payload.Kind(), ev.PeerID, err)
	}
}

// HandleAnnouncement applies one inbound thread announcement: gate, store
// or update the thread row, download on version skew, rebroadcast per the
// host/leech policy.
func (o *Orchestrator) HandleAnnouncement(ctx context.Context, fromPeerID string, ann *gossip.ThreadAnnouncement) error {
	if ann.ThreadID == "" {
		return xerrors.New(xerrors.BadRequest, "announcement missing thread id")
	}
	if err := o.gate.CheckContentAllowed(ann.CreatorPeerID, nil); err != nil {
		return err
	}
	if ann.AnnouncerPeerID != ann.CreatorPeerID {
		if err := o.gate.CheckContentAllowed(ann.AnnouncerPeerID, nil); err != nil {
			return err
		}
	}

	var (
		thread    *store.ThreadRecord
		localPostCount int
	)
	err := o.db.WithRepositories(func(r *store.Repositories) error {
		var err error
		thread, err = r.Threads().Get(ann.ThreadID)
		if err != nil && !xerrors.Is(err, xerrors.NotFound) {
			return err
		}
		if thread == nil {
			thread = &store.ThreadRecord{
				ID:            ann.ThreadID,
				Title:         ann.Title,
				CreatorPeerID: ann.CreatorPeerID,
				CreatedAt:     ann.CreatedAt,
				Visibility:    ann.Visibility,
				SyncStatus:    store.SyncAnnounced,
				Rebroadcast:   true,
			}
			if err := r.Threads().Upsert(thread); err != nil {
				return err
			}
		} else if thread.Title == "" && ann.Title != "" {
			// Backfill a stub created by an early PostUpdate.
			thread.Title = ann.Title
			thread.CreatorPeerID = ann.CreatorPeerID
			thread.CreatedAt = ann.CreatedAt
			thread.Visibility = ann.Visibility
			if err := r.Threads().Upsert(thread); err != nil {
				return err
			}
		}
		localPostCount, err = r.Posts().CountForThread(ann.ThreadID)
		return err
	})
	if err != nil {
		return err
	}

	if thread.ThreadHash == ann.ThreadHash && ann.ThreadHash != "" {
		// Same version everywhere; no download, no rebroadcast.
		return nil
	}
	if ann.PostCount <= localPostCount {
		if ann.PostCount == localPostCount && thread.ThreadHash != "" && ann.ThreadHash != thread.ThreadHash {
			logrus.Warnf("syncer: thread %s fork detected (count %d, local %s vs remote %s)",
				ann.ThreadID, ann.PostCount, thread.ThreadHash, ann.ThreadHash)
		}
		// The remote is behind; help it catch up instead of downloading.
		if thread.Rebroadcast && localPostCount > 0 {
			if err := o.AnnounceThread(ann.ThreadID); err != nil {
				logrus.Warnf("syncer: catch-up announce failed: %v", err)
			}
		}
		return nil
	}

	return o.downloadThread(ctx, thread, ann)
}

func (o *Orchestrator) downloadThread(ctx context.Context, thread *store.ThreadRecord, ann *gossip.ThreadAnnouncement) error {
	if err := o.db.WithRepositories(func(r *store.Repositories) error {
		return r.Threads().SetSyncStatus(ann.ThreadID, store.SyncDownloading)
	}); err != nil {
		return err
	}

	ticket, err := blob.DecodeTicket(ann.Ticket)
	if err != nil {
		o.markSyncFailed(ann.ThreadID, err)
		return err
	}
	data, err := o.downloader.FetchTicket(ctx, ticket)
	if err != nil {
		o.markSyncFailed(ann.ThreadID, err)
		return err
	}

	var key *[32]byte
	if thread.Visibility != store.VisibilityGlobal {
		err := o.db.WithRepositories(func(r *store.Repositories) error {
			var keyErr error
			key, keyErr = o.loadThreadKey(r, thread)
			return keyErr
		})
		if err != nil {
			// No wrapped key: keep the announcement metadata, drop the
			// blob body.
			if setErr := o.db.WithRepositories(func(r *store.Repositories) error {
				return r.Threads().SetSyncStatus(ann.ThreadID, store.SyncAnnounced)
			}); setErr != nil {
				logrus.Warnf("syncer: status reset failed: %v", setErr)
			}
			return err
		}
	}
	details, err := decodeDetails(data, key)
	if err != nil {
		o.markSyncFailed(ann.ThreadID, err)
		return err
	}

	var hash string
	err = o.db.WithRepositories(func(r *store.Repositories) error {
		if err := o.materialize(r, ann.ThreadID, details); err != nil {
			return err
		}
		var err error
		hash, err = localThreadHash(r, ann.ThreadID)
		if err != nil {
			return err
		}
		if err := r.Threads().SetThreadHash(ann.ThreadID, hash); err != nil {
			return err
		}
		return r.Threads().SetSyncStatus(ann.ThreadID, store.SyncDownloaded)
	})
	if err != nil {
		o.markSyncFailed(ann.ThreadID, err)
		return err
	}

	if name, err := threadTopicName(thread); err == nil {
		if err := o.subs.Subscribe(name); err != nil {
			logrus.Debugf("syncer: thread topic subscribe: %v", err)
		}
	}
	go o.fetchPendingFiles(ctx, ann.ThreadID)

	// Host policy: republish under our own announcer id. The skip-if-equal
	// check at receipt time keeps this from looping.
	if thread.Rebroadcast {
		if err := o.AnnounceThread(ann.ThreadID); err != nil {
			logrus.Warnf("syncer: rebroadcast failed: %v", err)
		}
	}
	return nil
}

// materialize applies a downloaded snapshot: gate each author, upsert
// allowed posts and files, wire edges, leave tombstones where blocked posts
// are referenced.
func (o *Orchestrator) materialize(r *store.Repositories, threadID string, details *ThreadDetails) error {
	blocked := make(map[string]gossip.PostUpdate)
	var allowed []gossip.PostUpdate
	for _, p := range details.Posts {
		if p.ThreadID != threadID {
			continue
		}
		ips := authorIPs(p.AuthorFriendCode)
		if err := o.gate.Check(r, p.AuthorPeerID, ips); err != nil {
			if xerrors.Is(err, xerrors.Blocked) {
				blocked[p.ID] = p
				continue
			}
			return err
		}
		allowed = append(allowed, p)
	}

	for _, p := range allowed {
		if err := r.Posts().Upsert(&store.PostRecord{
			ID:               p.ID,
			ThreadID:         p.ThreadID,
			AuthorPeerID:     p.AuthorPeerID,
			AuthorFriendCode: p.AuthorFriendCode,
			Body:             p.Body,
			CreatedAt:        p.CreatedAt,
			UpdatedAt:        p.UpdatedAt,
			Metadata:         p.Metadata,
		}); err != nil {
			return err
		}
	}
	for _, p := range allowed {
		if err := o.wireEdges(r, p, blocked); err != nil {
			return err
		}
	}
	for _, f := range details.Files {
		if _, isBlocked := blocked[f.PostID]; isBlocked {
			continue
		}
		if _, err := r.Posts().Get(f.PostID); err != nil {
			continue
		}
		status := store.DownloadPending
		if o.blobs.Has(f.BlobID) {
			status = store.DownloadPresent
		}
		if err := r.Files().Upsert(&store.FileRecord{
			ID:             f.ID,
			PostID:         f.PostID,
			OriginalName:   f.OriginalName,
			Mime:           f.Mime,
			BlobID:         f.BlobID,
			Ticket:         f.Ticket,
			SizeBytes:      f.SizeBytes,
			Checksum:       f.Checksum,
			DownloadStatus: status,
		}); err != nil {
			return err
		}
	}
	return nil
}

// wireEdges adds a post's parent edges, materializing tombstones for
// blocked parents and deferring edges to parents not yet seen.
func (o *Orchestrator) wireEdges(r *store.Repositories, p gossip.PostUpdate, blocked map[string]gossip.PostUpdate) error {
	var pending []string
	for _, parentID := range p.ParentPostIDs {
		exists, err := vertexExists(r, parentID)
		if err != nil {
			return err
		}
		if !exists {
			if bp, ok := blocked[parentID]; ok {
				if err := moderation.CreateRedactedPost(r, bp.ID, bp.ThreadID,
					bp.AuthorPeerID, bp.ParentPostIDs, "blocked peer"); err != nil {
					return err
				}
			} else {
				pending = append(pending, parentID)
				continue
			}
		}
		if err := r.Posts().AddEdges(p.ID, []string{parentID}); err != nil {
			return err
		}
	}
	if len(pending) > 0 && p.Metadata == "" {
		meta, err := json.Marshal(map[string][]string{"pending_parents": pending})
		if err == nil {
			if err := r.Posts().SetMetadata(p.ID, string(meta)); err != nil {
				return err
			}
		}
	}
	return nil
}

func vertexExists(r *store.Repositories, id string) (bool, error) {
	if _, err := r.Posts().Get(id); err == nil {
		return true, nil
	} else if !xerrors.Is(err, xerrors.NotFound) {
		return false, err
	}
	if _, err := r.RedactedPosts().Get(id); err == nil {
		return true, nil
	} else if !xerrors.Is(err, xerrors.NotFound) {
		return false, err
	}
	return false, nil
}

// HandlePostUpdate applies one inbound post: gate, upsert, edges, hash,
// then republish when hosting.
func (o *Orchestrator) HandlePostUpdate(p *gossip.PostUpdate) error {
	if p.ID == "" || p.ThreadID == "" {
		return xerrors.New(xerrors.BadRequest, "post update missing ids")
	}
	ips := authorIPs(p.AuthorFriendCode)

	var thread *store.ThreadRecord
	var isNew bool
	var denied error
	err := o.db.WithRepositories(func(r *store.Repositories) error {
		if err := o.gate.Check(r, p.AuthorPeerID, ips); err != nil {
			if !xerrors.Is(err, xerrors.Blocked) {
				return err
			}
			// Keep the DAG navigable when anything references the denied
			// post: children already stored, or parents it claims. The
			// tombstone must commit, so the denial is surfaced after the
			// transaction.
			denied = err
			children, cerr := r.Posts().ChildrenOf(p.ID)
			if cerr != nil {
				return cerr
			}
			if len(children) == 0 && len(p.ParentPostIDs) == 0 {
				return nil
			}
			if terr := moderation.CreateRedactedPost(r, p.ID, p.ThreadID,
				p.AuthorPeerID, p.ParentPostIDs, "blocked peer"); terr != nil {
				return terr
			}
			for _, parentID := range p.ParentPostIDs {
				if exists, verr := vertexExists(r, parentID); verr == nil && exists {
					if eerr := r.Posts().AddEdges(p.ID, []string{parentID}); eerr != nil {
						return eerr
					}
				}
			}
			// The tombstone id still counts toward the thread hash, so
			// redacting peers stay convergent with peers that kept it.
			hash, herr := localThreadHash(r, p.ThreadID)
			if herr != nil {
				return herr
			}
			return r.Threads().SetThreadHash(p.ThreadID, hash)
		}

		var err error
		thread, err = r.Threads().Get(p.ThreadID)
		if xerrors.Is(err, xerrors.NotFound) {
			// A PostUpdate can outrun its announcement; hold the post in a
			// stub thread and backfill metadata later.
			thread = &store.ThreadRecord{
				ID:         p.ThreadID,
				Title:      "",
				CreatedAt:  p.CreatedAt,
				Visibility: store.VisibilityGlobal,
				SyncStatus: store.SyncAnnounced,
				Rebroadcast: true,
			}
			if err := r.Threads().Upsert(thread); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		if _, err := r.Posts().Get(p.ID); xerrors.Is(err, xerrors.NotFound) {
			isNew = true
		} else if err != nil {
			return err
		}
		if err := r.Posts().Upsert(&store.PostRecord{
			ID:               p.ID,
			ThreadID:         p.ThreadID,
			AuthorPeerID:     p.AuthorPeerID,
			AuthorFriendCode: p.AuthorFriendCode,
			Body:             p.Body,
			CreatedAt:        p.CreatedAt,
			UpdatedAt:        p.UpdatedAt,
			Metadata:         p.Metadata,
		}); err != nil {
			return err
		}
		if err := o.wireEdges(r, *p, nil); err != nil {
			return err
		}
		if err := o.backfillPendingEdges(r, p.ID); err != nil {
			return err
		}
		hash, err := localThreadHash(r, p.ThreadID)
		if err != nil {
			return err
		}
		return r.Threads().SetThreadHash(p.ThreadID, hash)
	})
	if err != nil {
		return err
	}
	if denied != nil {
		return denied
	}

	if isNew && thread.Rebroadcast {
		if name, err := threadTopicName(thread); err == nil {
			if err := o.bcast.BroadcastOn(name, p); err != nil {
				logrus.Warnf("syncer: post rebroadcast failed: %v", err)
			}
		}
	}
	return nil
}

// backfillPendingEdges materializes edges from posts that arrived before
// this parent did.
func (o *Orchestrator) backfillPendingEdges(r *store.Repositories, parentID string) error {
	waiting, err := r.Posts().ListWithPendingParent(parentID)
	if err != nil {
		return err
	}
	for _, child := range waiting {
		var meta map[string][]string
		if err := json.Unmarshal([]byte(child.Metadata), &meta); err != nil {
			continue
		}
		var rest []string
		found := false
		for _, id := range meta["pending_parents"] {
			if id == parentID {
				found = true
				continue
			}
			rest = append(rest, id)
		}
		if !found {
			continue
		}
		if err := r.Posts().AddEdges(child.ID, []string{parentID}); err != nil {
			return err
		}
		newMeta := ""
		if len(rest) > 0 {
			raw, _ := json.Marshal(map[string][]string{"pending_parents": rest})
			newMeta = string(raw)
		}
		if err := r.Posts().SetMetadata(child.ID, newMeta); err != nil {
			return err
		}
	}
	return nil
}

// AttachFile imports uploaded bytes into the blob store, records the file
// on a post and announces its ticket on the thread topic.
func (o *Orchestrator) AttachFile(postID, originalName, mime string, data []byte) (*store.FileRecord, error) {
	if len(data) == 0 {
		return nil, xerrors.New(xerrors.BadRequest, "file is empty")
	}
	blobID, err := o.blobs.Import(data)
	if err != nil {
		return nil, err
	}
	ticket, err := blob.NewTicket(o.BlobAddrs, blobID).Encode()
	if err != nil {
		return nil, err
	}
	rec := &store.FileRecord{
		ID:             uuid.New().String(),
		PostID:         postID,
		Path:           o.blobs.Path(blobID),
		OriginalName:   originalName,
		Mime:           mime,
		BlobID:         blobID,
		Ticket:         ticket,
		SizeBytes:      int64(len(data)),
		Checksum:       blob.ChecksumHex(data),
		DownloadStatus: store.DownloadPresent,
	}
	var thread *store.ThreadRecord
	err = o.db.WithRepositories(func(r *store.Repositories) error {
		post, err := r.Posts().Get(postID)
		if err != nil {
			return err
		}
		thread, err = r.Threads().Get(post.ThreadID)
		if err != nil {
			return err
		}
		return r.Files().Upsert(rec)
	})
	if err != nil {
		return nil, err
	}

	if name, err := threadTopicName(thread); err == nil {
		if err := o.bcast.BroadcastOn(name, &gossip.FileAvailable{
			ID:           rec.ID,
			PostID:       rec.PostID,
			ThreadID:     thread.ID,
			OriginalName: rec.OriginalName,
			Mime:         rec.Mime,
			SizeBytes:    rec.SizeBytes,
			Checksum:     rec.Checksum,
			BlobID:       rec.BlobID,
			Ticket:       rec.Ticket,
		}); err != nil {
			logrus.Warnf("syncer: file announce failed: %v", err)
		}
	}
	return rec, nil
}

// HandleFileAvailable records an announced attachment and queues its
// download when within the auto-download limit.
func (o *Orchestrator) HandleFileAvailable(ctx context.Context, f *gossip.FileAvailable) error {
	if f.ID == "" || f.PostID == "" {
		return xerrors.New(xerrors.BadRequest, "file announcement missing ids")
	}
	var fetch bool
	err := o.db.WithRepositories(func(r *store.Repositories) error {
		post, err := r.Posts().Get(f.PostID)
		if err != nil {
			return err
		}
		if err := o.gate.Check(r, post.AuthorPeerID, nil); err != nil {
			return err
		}
		status := store.DownloadPending
		if o.blobs.Has(f.BlobID) {
			status = store.DownloadPresent
		}
		if err := r.Files().Upsert(&store.FileRecord{
			ID:             f.ID,
			PostID:         f.PostID,
			OriginalName:   f.OriginalName,
			Mime:           f.Mime,
			BlobID:         f.BlobID,
			Ticket:         f.Ticket,
			SizeBytes:      f.SizeBytes,
			Checksum:       f.Checksum,
			DownloadStatus: status,
		}); err != nil {
			return err
		}
		fetch = status == store.DownloadPending &&
			(o.AutoDownloadLimit <= 0 || f.SizeBytes <= o.AutoDownloadLimit)
		return nil
	})
	if err != nil {
		return err
	}
	if fetch {
		go func() {
			if err := o.downloader.FetchFile(ctx, f.ID, o.AutoDownloadLimit); err != nil {
				logrus.Debugf("syncer: auto-download of %s: %v", f.ID, err)
			}
		}()
	}
	return nil
}

// HandleReactionUpdate applies one inbound reaction add or removal.
func (o *Orchestrator) HandleReactionUpdate(ru *gossip.ReactionUpdate) error {
	if ru.PostID == "" || ru.ReactorPeerID == "" || ru.Emoji == "" {
		return xerrors.New(xerrors.BadRequest, "reaction missing fields")
	}
	return o.db.WithRepositories(func(r *store.Repositories) error {
		if err := o.gate.Check(r, ru.ReactorPeerID, nil); err != nil {
			return err
		}
		if ru.Remove {
			return r.Reactions().Remove(ru.PostID, ru.ReactorPeerID, ru.Emoji)
		}
		if _, err := r.Posts().Get(ru.PostID); err != nil {
			return err
		}
		return r.Reactions().Add(&store.ReactionRecord{
			PostID:        ru.PostID,
			ReactorPeerID: ru.ReactorPeerID,
			Emoji:         ru.Emoji,
			Signature:     ru.Signature,
			CreatedAt:     ru.CreatedAt,
		})
	})
}

// HandleProfileUpdate refreshes a known peer's profile fields.
func (o *Orchestrator) HandleProfileUpdate(pu *gossip.ProfileUpdate) error {
	if pu.PeerID == "" {
		return xerrors.New(xerrors.BadRequest, "profile update missing peer id")
	}
	return o.db.WithRepositories(func(r *store.Repositories) error {
		if err := o.gate.Check(r, pu.PeerID, nil); err != nil {
			return err
		}
		peer, err := r.Peers().Get(pu.PeerID)
		if xerrors.Is(err, xerrors.NotFound) {
			logrus.Debugf("syncer: profile update for unknown peer %s", pu.PeerID)
			return nil
		}
		if err != nil {
			return err
		}
		if pu.Username != "" {
			peer.Username = pu.Username
		}
		if pu.Bio != "" {
			peer.Bio = pu.Bio
		}
		if pu.AvatarFileID != "" {
			peer.AvatarFileID = pu.AvatarFileID
		}
		if len(pu.Agents) > 0 {
			raw, err := json.Marshal(pu.Agents)
			if err == nil {
				peer.Agents = string(raw)
			}
		}
		peer.LastSeen = utils.NowUTC()
		return r.Peers().Upsert(peer)
	})
}

// AddReaction records a local reaction and publishes it. The signature is a
// placeholder string; a real deployment substitutes an asymmetric
// signature over the same bytes.
func (o *Orchestrator) AddReaction(postID, emoji string) error {
	if emoji == "" {
		return xerrors.New(xerrors.BadRequest, "emoji required")
	}
	var thread *store.ThreadRecord
	sig := fmt.Sprintf("sig:%s:%s:%s", postID, o.localPeerID, emoji)
	now := utils.NowUTC()
	err := o.db.WithRepositories(func(r *store.Repositories) error {
		post, err := r.Posts().Get(postID)
		if err != nil {
			return err
		}
		thread, err = r.Threads().Get(post.ThreadID)
		if err != nil {
			return err
		}
		return r.Reactions().Add(&store.ReactionRecord{
			PostID:        postID,
			ReactorPeerID: o.localPeerID,
			Emoji:         emoji,
			Signature:     sig,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return err
	}
	return o.broadcastReaction(thread, &gossip.ReactionUpdate{
		PostID: postID, ThreadID: thread.ID, ReactorPeerID: o.localPeerID,
		Emoji: emoji, Signature: sig, CreatedAt: now,
	})
}

// RemoveReaction removes a local reaction by its unique key and publishes
// the removal.
func (o *Orchestrator) RemoveReaction(postID, emoji string) error {
	var thread *store.ThreadRecord
	err := o.db.WithRepositories(func(r *store.Repositories) error {
		post, err := r.Posts().Get(postID)
		if err != nil {
			return err
		}
		thread, err = r.Threads().Get(post.ThreadID)
		if err != nil {
			return err
		}
		return r.Reactions().Remove(postID, o.localPeerID, emoji)
	})
	if err != nil {
		return err
	}
	return o.broadcastReaction(thread, &gossip.ReactionUpdate{
		PostID: postID, ThreadID: thread.ID, ReactorPeerID: o.localPeerID,
		Emoji: emoji, CreatedAt: utils.NowUTC(), Remove: true,
	})
}

func (o *Orchestrator) broadcastReaction(thread *store.ThreadRecord, ru *gossip.ReactionUpdate) error {
	name, err := threadTopicName(thread)
	if err != nil {
		return err
	}
	if err := o.bcast.BroadcastOn(name, ru); err != nil {
		logrus.Warnf("syncer: reaction broadcast failed: %v", err)
	}
	return nil
}

// fetchPendingFiles downloads a thread's pending attachments within the
// auto-download limit.
func (o *Orchestrator) fetchPendingFiles(ctx context.Context, threadID string) {
	var ids []string
	if err := o.db.WithRepositories(func(r *store.Repositories) error {
		files, err := r.Files().ListForThread(threadID)
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.DownloadStatus != store.DownloadPending || f.Ticket == "" {
				continue
			}
			if o.AutoDownloadLimit > 0 && f.SizeBytes > o.AutoDownloadLimit {
				continue
			}
			ids = append(ids, f.ID)
		}
		return nil
	}); err != nil {
		logrus.Warnf("syncer: pending file scan: %v", err)
		return
	}
	for _, id := range ids {
		if err := o.downloader.FetchFile(ctx, id, o.AutoDownloadLimit); err != nil {
			logrus.Debugf("syncer: fetch of %s: %v", id, err)
		}
	}
}

// loadThreadKey unwraps the thread key for non-global threads. The wrap
// sender is the thread creator; a missing member key reports AuthFailure.
func (o *Orchestrator) loadThreadKey(r *store.Repositories, thread *store.ThreadRecord) (*[32]byte, error) {
	if thread.Visibility == store.VisibilityGlobal {
		return nil, nil
	}
	rec, err := r.MemberKeys().Get(thread.ID, o.localPeerID)
	if err != nil {
		if xerrors.Is(err, xerrors.NotFound) {
			return nil, xerrors.Newf(xerrors.AuthFailure, "no member key for thread %s", thread.ID)
		}
		return nil, err
	}
	senderPub, err := o.wrapSenderPubkey(r, thread)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	copy(nonce[:], rec.Nonce)
	key, err := cryptoutil.UnwrapThreadKey(cryptoutil.WrappedKey{
		Ciphertext: rec.WrappedKey, Nonce: nonce,
	}, &senderPub, &o.localSecret)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (o *Orchestrator) wrapSenderPubkey(r *store.Repositories, thread *store.ThreadRecord) ([32]byte, error) {
	var pub [32]byte
	if thread.CreatorPeerID == o.localPeerID {
		return cryptoutil.PublicFromSecret(&o.localSecret)
	}
	peer, err := r.Peers().Get(thread.CreatorPeerID)
	if err != nil {
		return pub, xerrors.Wrap(xerrors.AuthFailure, err, "thread creator unknown")
	}
	raw, err := base64.StdEncoding.DecodeString(peer.X25519Pubkey)
	if err != nil || len(raw) != 32 {
		return pub, xerrors.New(xerrors.AuthFailure, "thread creator has malformed key")
	}
	copy(pub[:], raw)
	return pub, nil
}

func authorIPs(friendCode string) []net.IP {
	if friendCode == "" {
		return nil
	}
	payload, err := identity.DecodeFriendCodeAuto(friendCode)
	if err != nil {
		return nil
	}
	return identity.ExtractIPs(payload.Addresses)
}

// localThreadHash computes the thread hash over live posts plus redaction
// tombstones, so redacting peers stay convergent with peers that kept the
// post.
func localThreadHash(r *store.Repositories, threadID string) (string, error) {
	ids, err := r.Posts().IDsForThread(threadID)
	if err != nil {
		return "", err
	}
	tombs, err := r.RedactedPosts().ListForThread(threadID)
	if err != nil {
		return "", err
	}
	for _, tomb := range tombs {
		ids = append(ids, tomb.ID)
	}
	return ComputeThreadHash(ids), nil
}

func (o *Orchestrator) markSyncFailed(threadID string, cause error) {
	logrus.Warnf("syncer: download of thread %s failed: %v", threadID, cause)
	if err := o.db.WithRepositories(func(r *store.Repositories) error {
		return r.Threads().SetSyncStatus(threadID, store.SyncFailed)
	}); err != nil {
		logrus.Warnf("syncer: record sync failure: %v", err)
	}
}
