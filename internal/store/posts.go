package store

import (
	"database/sql"

	"github.com/graphchan/graphchan/internal/xerrors"
)

// PostRecord mirrors the posts table. AuthorFriendCode keeps the long-form
// code for IP extraction at moderation time.
type PostRecord struct {
	ID               string
	ThreadID         string
	AuthorPeerID     string
	AuthorFriendCode string
	Body             string
	CreatedAt        string
	UpdatedAt        string
	Metadata         string
}

// PostRepo provides typed access to posts and the post_edges DAG.
type PostRepo struct {
	tx *sql.Tx
}

// Upsert inserts a post or refreshes its mutable fields. Applying the same
// post twice leaves the row unchanged.
func (r PostRepo) Upsert(p *PostRecord) error {
	_, err := r.tx.Exec(`
		INSERT INTO posts (id, thread_id, author_peer_id, author_friendcode, body,
			created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at,
			metadata = excluded.metadata`,
		p.ID, p.ThreadID, nullString(p.AuthorPeerID), nullString(p.AuthorFriendCode),
		p.Body, p.CreatedAt, nullString(p.UpdatedAt), nullString(p.Metadata))
	return mapError(err, "upsert post")
}

const postColumns = `id, thread_id, author_peer_id, author_friendcode, body,
	created_at, updated_at, metadata`

func scanPost(row interface{ Scan(...interface{}) error }) (*PostRecord, error) {
	var p PostRecord
	var author, friendcode, updated, metadata sql.NullString
	err := row.Scan(&p.ID, &p.ThreadID, &author, &friendcode, &p.Body,
		&p.CreatedAt, &updated, &metadata)
	if err != nil {
		return nil, err
	}
	p.AuthorPeerID = author.String
	p.AuthorFriendCode = friendcode.String
	p.UpdatedAt = updated.String
	p.Metadata = metadata.String
	return &p, nil
}

// Get fetches a post by id. Missing rows report NotFound.
func (r PostRepo) Get(id string) (*PostRecord, error) {
	row := r.tx.QueryRow(`SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if err != nil {
		return nil, mapError(err, "get post")
	}
	return p, nil
}

// ListForThread returns a thread's posts oldest first.
func (r PostRepo) ListForThread(threadID string) ([]*PostRecord, error) {
	rows, err := r.tx.Query(`SELECT `+postColumns+` FROM posts
		WHERE thread_id = ? ORDER BY datetime(created_at), id`, threadID)
	if err != nil {
		return nil, mapError(err, "list posts")
	}
	defer rows.Close()
	var posts []*PostRecord
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, mapError(err, "scan post")
		}
		posts = append(posts, p)
	}
	return posts, mapError(rows.Err(), "list posts")
}

// IDsForThread returns the post id set for thread-hash computation.
func (r PostRepo) IDsForThread(threadID string) ([]string, error) {
	rows, err := r.tx.Query(`SELECT id FROM posts WHERE thread_id = ?`, threadID)
	if err != nil {
		return nil, mapError(err, "post ids")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapError(err, "scan post id")
		}
		ids = append(ids, id)
	}
	return ids, mapError(rows.Err(), "post ids")
}

// CountForThread returns the number of posts in a thread.
func (r PostRepo) CountForThread(threadID string) (int, error) {
	var n int
	err := r.tx.QueryRow(`SELECT COUNT(*) FROM posts WHERE thread_id = ?`, threadID).Scan(&n)
	return n, mapError(err, "count posts")
}

// AddEdges records parent links for a post. Edges must reference vertices
// that exist as live posts or redaction tombstones, and must not close a
// cycle. Duplicate edges are ignored.
func (r PostRepo) AddEdges(childID string, parentIDs []string) error {
	for _, parentID := range parentIDs {
		if parentID == childID {
			return xerrors.New(xerrors.BadRequest, "post cannot be its own parent")
		}
		exists, err := r.vertexExists(parentID)
		if err != nil {
			return err
		}
		if !exists {
			return xerrors.Newf(xerrors.IntegrityViolation, "edge references unknown vertex %s", parentID)
		}
		cyclic, err := r.reachable(childID, parentID)
		if err != nil {
			return err
		}
		if cyclic {
			return xerrors.Newf(xerrors.IntegrityViolation, "edge %s -> %s closes a cycle", parentID, childID)
		}
		if _, err := r.tx.Exec(`INSERT OR IGNORE INTO post_edges (parent_id, child_id) VALUES (?, ?)`,
			parentID, childID); err != nil {
			return mapError(err, "add edge")
		}
	}
	return nil
}

func (r PostRepo) vertexExists(id string) (bool, error) {
	var n int
	err := r.tx.QueryRow(`SELECT
		(SELECT COUNT(*) FROM posts WHERE id = ?1) +
		(SELECT COUNT(*) FROM redacted_posts WHERE id = ?1)`, id).Scan(&n)
	if err != nil {
		return false, mapError(err, "vertex lookup")
	}
	return n > 0, nil
}

// reachable reports whether to can be reached from from by following
// parent -> child edges.
func (r PostRepo) reachable(from, to string) (bool, error) {
	var n int
	err := r.tx.QueryRow(`
		WITH RECURSIVE descendants(id) AS (
			SELECT child_id FROM post_edges WHERE parent_id = ?1
			UNION
			SELECT e.child_id FROM post_edges e JOIN descendants d ON e.parent_id = d.id
		)
		SELECT COUNT(*) FROM descendants WHERE id = ?2`, from, to).Scan(&n)
	if err != nil {
		return false, mapError(err, "cycle check")
	}
	return n > 0, nil
}

// ParentsOf returns the parent ids of a post, sorted.
func (r PostRepo) ParentsOf(postID string) ([]string, error) {
	return r.edgeEnds(`SELECT parent_id FROM post_edges WHERE child_id = ? ORDER BY parent_id`, postID)
}

// ChildrenOf returns the child ids of a post, sorted.
func (r PostRepo) ChildrenOf(postID string) ([]string, error) {
	return r.edgeEnds(`SELECT child_id FROM post_edges WHERE parent_id = ? ORDER BY child_id`, postID)
}

func (r PostRepo) edgeEnds(query, postID string) ([]string, error) {
	rows, err := r.tx.Query(query, postID)
	if err != nil {
		return nil, mapError(err, "list edges")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapError(err, "scan edge")
		}
		ids = append(ids, id)
	}
	return ids, mapError(rows.Err(), "list edges")
}

// ListByAuthor returns every post by a peer, for the moderation sweep
// after a block.
func (r PostRepo) ListByAuthor(peerID string) ([]*PostRecord, error) {
	rows, err := r.tx.Query(`SELECT `+postColumns+` FROM posts WHERE author_peer_id = ?`, peerID)
	if err != nil {
		return nil, mapError(err, "posts by author")
	}
	defer rows.Close()
	var posts []*PostRecord
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, mapError(err, "scan post")
		}
		posts = append(posts, p)
	}
	return posts, mapError(rows.Err(), "posts by author")
}

// ListWithPendingParent returns posts whose metadata records a forward
// reference to the given parent id, so edges can be materialized once the
// parent arrives.
func (r PostRepo) ListWithPendingParent(parentID string) ([]*PostRecord, error) {
	rows, err := r.tx.Query(`SELECT `+postColumns+` FROM posts
		WHERE metadata LIKE '%"pending_parents"%' AND metadata LIKE ?`,
		"%"+parentID+"%")
	if err != nil {
		return nil, mapError(err, "pending parent lookup")
	}
	defer rows.Close()
	var posts []*PostRecord
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, mapError(err, "scan post")
		}
		posts = append(posts, p)
	}
	return posts, mapError(rows.Err(), "pending parent lookup")
}

// SetMetadata overwrites a post's metadata column.
func (r PostRepo) SetMetadata(id, metadata string) error {
	_, err := r.tx.Exec(`UPDATE posts SET metadata = ? WHERE id = ?`, nullString(metadata), id)
	return mapError(err, "set metadata")
}

// Delete removes a post row but leaves its edges in place: the caller
// replaces the vertex with a tombstone when children exist.
func (r PostRepo) Delete(id string) error {
	_, err := r.tx.Exec(`DELETE FROM posts WHERE id = ?`, id)
	return mapError(err, "delete post")
}

// DeleteEdgesOf removes all edges touching a post.
func (r PostRepo) DeleteEdgesOf(id string) error {
	_, err := r.tx.Exec(`DELETE FROM post_edges WHERE parent_id = ? OR child_id = ?`, id, id)
	return mapError(err, "delete edges")
}
