// Package httpapi is the thin HTTP adapter over the core services. No
// business logic lives here: every handler decodes a request, calls one
// exported core operation and encodes the result.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/graphchan/graphchan/internal/node"
	"github.com/graphchan/graphchan/internal/store"
	"github.com/graphchan/graphchan/internal/syncer"
	"github.com/graphchan/graphchan/internal/xerrors"
)

// Server exposes the node's operations over HTTP.
type Server struct {
	node *node.Node
}

// NewServer builds the HTTP adapter for a node.
func NewServer(n *node.Node) *Server {
	return &Server{node: n}
}

// Router wires all routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Route("/threads", func(r chi.Router) {
		r.Get("/", s.listThreads)
		r.Post("/", s.createThread)
		r.Get("/{id}", s.getThread)
		r.Delete("/{id}", s.deleteThread)
		r.Post("/{id}/ignore", s.ignoreThread)
		r.Post("/{id}/posts", s.createPost)
		r.Post("/{id}/invite", s.inviteMember)
	})
	r.Post("/posts/{id}/files", s.uploadFile)
	r.Post("/posts/{id}/reactions", s.addReaction)
	r.Delete("/posts/{id}/reactions/{emoji}", s.removeReaction)

	r.Get("/blobs/{id}", s.serveBlob)

	r.Route("/peers", func(r chi.Router) {
		r.Get("/", s.listPeers)
		r.Post("/friendcode", s.registerFriendCode)
	})

	r.Route("/dms", func(r chi.Router) {
		r.Get("/", s.listConversations)
		r.Get("/{conversation}", s.listMessages)
		r.Post("/", s.sendDM)
		r.Post("/{id}/read", s.markRead)
	})

	r.Route("/blocking", func(r chi.Router) {
		r.Post("/peers", s.blockPeer)
		r.Delete("/peers/{id}", s.unblockPeer)
		r.Post("/ips", s.blockIP)
	})

	r.Get("/search", s.search)
	r.Get("/identity", s.identity)
	return r
}

// ListenAndServe blocks serving the API port.
func (s *Server) ListenAndServe(port int) error {
	addr := fmt.Sprintf(":%d", port)
	logrus.Infof("httpapi: listening on %s", addr)
	return http.ListenAndServe(addr, s.Router())
}

func (s *Server) listThreads(w http.ResponseWriter, r *http.Request) {
	var threads []*store.ThreadRecord
	err := s.node.DB.WithRepositories(func(repos *store.Repositories) error {
		var err error
		threads, err = repos.Threads().ListRecent(100)
		return err
	})
	respond(w, threads, err)
}

func (s *Server) createThread(w http.ResponseWriter, r *http.Request) {
	var input syncer.CreateThreadInput
	if !decode(w, r, &input) {
		return
	}
	thread, err := s.node.Sync.CreateThread(input)
	respond(w, thread, err)
}

func (s *Server) getThread(w http.ResponseWriter, r *http.Request) {
	type postView struct {
		*store.PostRecord
		ParentPostIDs []string `json:"parent_post_ids"`
	}
	var out struct {
		Thread *store.ThreadRecord `json:"thread"`
		Posts  []postView          `json:"posts"`
	}
	err := s.node.DB.WithRepositories(func(repos *store.Repositories) error {
		var err error
		out.Thread, err = repos.Threads().Get(chi.URLParam(r, "id"))
		if err != nil {
			return err
		}
		posts, err := repos.Posts().ListForThread(out.Thread.ID)
		if err != nil {
			return err
		}
		for _, p := range posts {
			parents, err := repos.Posts().ParentsOf(p.ID)
			if err != nil {
				return err
			}
			if parents == nil {
				parents = []string{}
			}
			out.Posts = append(out.Posts, postView{PostRecord: p, ParentPostIDs: parents})
		}
		return nil
	})
	respond(w, out, err)
}

func (s *Server) deleteThread(w http.ResponseWriter, r *http.Request) {
	err := s.node.DB.WithRepositories(func(repos *store.Repositories) error {
		return repos.Threads().Delete(chi.URLParam(r, "id"))
	})
	respond(w, map[string]bool{"deleted": err == nil}, err)
}

func (s *Server) ignoreThread(w http.ResponseWriter, r *http.Request) {
	err := s.node.DB.WithRepositories(func(repos *store.Repositories) error {
		return repos.Threads().SetIgnored(chi.URLParam(r, "id"), true)
	})
	respond(w, map[string]bool{"ignored": err == nil}, err)
}

func (s *Server) createPost(w http.ResponseWriter, r *http.Request) {
	var input syncer.CreatePostInput
	if !decode(w, r, &input) {
		return
	}
	input.ThreadID = chi.URLParam(r, "id")
	post, err := s.node.Sync.CreatePost(input)
	respond(w, post, err)
}

func (s *Server) inviteMember(w http.ResponseWriter, r *http.Request) {
	var input struct {
		PeerID string `json:"peer_id"`
	}
	if !decode(w, r, &input) {
		return
	}
	body, err := s.node.Sync.InviteMember(chi.URLParam(r, "id"), input.PeerID)
	if err != nil {
		respond(w, nil, err)
		return
	}
	// The invite travels as an encrypted DM to the member.
	msg, err := s.node.DMs.Send(input.PeerID, body)
	respond(w, msg, err)
}

func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	limit := s.node.Cfg.Storage.MaxUploadBytes
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		respond(w, nil, xerrors.Wrap(xerrors.Transient, err, "read upload"))
		return
	}
	if int64(len(data)) > limit {
		respond(w, nil, xerrors.Newf(xerrors.BadRequest, "upload exceeds %d bytes", limit))
		return
	}
	rec, err := s.node.Sync.AttachFile(chi.URLParam(r, "id"),
		r.URL.Query().Get("name"), r.Header.Get("Content-Type"), data)
	respond(w, rec, err)
}

func (s *Server) addReaction(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Emoji string `json:"emoji"`
	}
	if !decode(w, r, &input) {
		return
	}
	err := s.node.Sync.AddReaction(chi.URLParam(r, "id"), input.Emoji)
	respond(w, map[string]bool{"ok": err == nil}, err)
}

func (s *Server) removeReaction(w http.ResponseWriter, r *http.Request) {
	err := s.node.Sync.RemoveReaction(chi.URLParam(r, "id"), chi.URLParam(r, "emoji"))
	respond(w, map[string]bool{"ok": err == nil}, err)
}

func (s *Server) serveBlob(w http.ResponseWriter, r *http.Request) {
	reader, err := s.node.Blobs.Open(chi.URLParam(r, "id"))
	if err != nil {
		respond(w, nil, err)
		return
	}
	defer reader.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, reader); err != nil {
		logrus.Debugf("httpapi: blob stream: %v", err)
	}
}

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	var peers []*store.PeerRecord
	err := s.node.DB.WithRepositories(func(repos *store.Repositories) error {
		var err error
		peers, err = repos.Peers().List()
		return err
	})
	respond(w, peers, err)
}

func (s *Server) registerFriendCode(w http.ResponseWriter, r *http.Request) {
	var input struct {
		FriendCode string `json:"friendcode"`
	}
	if !decode(w, r, &input) {
		return
	}
	peer, err := s.node.RegisterFriendCode(input.FriendCode)
	respond(w, peer, err)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.node.DMs.Conversations()
	respond(w, convs, err)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, bodies, err := s.node.DMs.Messages(chi.URLParam(r, "conversation"))
	if err != nil {
		respond(w, nil, err)
		return
	}
	type messageView struct {
		*store.DirectMessageRecord
		Body string `json:"body"`
	}
	out := make([]messageView, len(msgs))
	for i := range msgs {
		out[i] = messageView{DirectMessageRecord: msgs[i], Body: bodies[i]}
	}
	respond(w, out, nil)
}

func (s *Server) sendDM(w http.ResponseWriter, r *http.Request) {
	var input struct {
		To   string `json:"to"`
		Body string `json:"body"`
	}
	if !decode(w, r, &input) {
		return
	}
	msg, err := s.node.DMs.Send(input.To, input.Body)
	respond(w, msg, err)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	err := s.node.DMs.MarkAsRead(chi.URLParam(r, "id"))
	respond(w, map[string]bool{"ok": err == nil}, err)
}

func (s *Server) blockPeer(w http.ResponseWriter, r *http.Request) {
	var input struct {
		PeerID string `json:"peer_id"`
		Reason string `json:"reason"`
	}
	if !decode(w, r, &input) {
		return
	}
	err := s.node.Gate.BlockPeer(input.PeerID, input.Reason)
	respond(w, map[string]bool{"ok": err == nil}, err)
}

func (s *Server) unblockPeer(w http.ResponseWriter, r *http.Request) {
	err := s.node.Gate.UnblockPeer(chi.URLParam(r, "id"))
	respond(w, map[string]bool{"ok": err == nil}, err)
}

func (s *Server) blockIP(w http.ResponseWriter, r *http.Request) {
	var input struct {
		IPOrRange string `json:"ip_or_range"`
		Reason    string `json:"reason"`
	}
	if !decode(w, r, &input) {
		return
	}
	id, err := s.node.Gate.BlockIP(input.IPOrRange, input.Reason)
	respond(w, map[string]int64{"id": id}, err)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	limit := 50
	fmt.Sscanf(r.URL.Query().Get("limit"), "%d", &limit)
	hits, err := s.node.Search.Search(r.URL.Query().Get("q"), limit)
	respond(w, hits, err)
}

func (s *Server) identity(w http.ResponseWriter, r *http.Request) {
	respond(w, s.node.Identity, nil)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respond(w, nil, xerrors.Wrap(xerrors.BadRequest, err, "decode request"))
		return false
	}
	return true
}

// respond maps error kinds to HTTP statuses and writes JSON.
func respond(w http.ResponseWriter, v interface{}, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(statusFor(err))
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.NotFound:
		return http.StatusNotFound
	case xerrors.BadRequest:
		return http.StatusBadRequest
	case xerrors.AuthFailure:
		return http.StatusForbidden
	case xerrors.Conflict:
		return http.StatusConflict
	case xerrors.Blocked:
		return http.StatusForbidden
	case xerrors.IntegrityViolation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
