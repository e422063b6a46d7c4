package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"rocketcaster/pkg/types"
)

// Memory is a Store kept in process memory. Every operation holds the lock,
// and WithTx holds it for the whole transaction, restoring a snapshot when
// the transaction fails.
type Memory struct {
	mu    sync.RWMutex
	state *memState
	now   func() time.Time
}

type memState struct {
	identities    map[types.IdentityID]types.Identity
	credentials   map[types.CredentialID]types.Credential
	posts         map[types.PostID]types.Post
	comments      map[types.CommentID]types.Comment
	notifications map[types.NotificationID]types.Notification

	lastIdentity     types.IdentityID
	lastCredential   types.CredentialID
	lastPost         types.PostID
	lastComment      types.CommentID
	lastNotification types.NotificationID
}

func newMemState() *memState {
	return &memState{
		identities:    make(map[types.IdentityID]types.Identity),
		credentials:   make(map[types.CredentialID]types.Credential),
		posts:         make(map[types.PostID]types.Post),
		comments:      make(map[types.CommentID]types.Comment),
		notifications: make(map[types.NotificationID]types.Notification),
	}
}

func (s *memState) clone() *memState {
	c := *s
	c.identities = make(map[types.IdentityID]types.Identity, len(s.identities))
	for k, v := range s.identities {
		c.identities[k] = v
	}
	c.credentials = make(map[types.CredentialID]types.Credential, len(s.credentials))
	for k, v := range s.credentials {
		c.credentials[k] = v
	}
	c.posts = make(map[types.PostID]types.Post, len(s.posts))
	for k, v := range s.posts {
		c.posts[k] = v
	}
	c.comments = make(map[types.CommentID]types.Comment, len(s.comments))
	for k, v := range s.comments {
		c.comments[k] = v
	}
	c.notifications = make(map[types.NotificationID]types.Notification, len(s.notifications))
	for k, v := range s.notifications {
		c.notifications[k] = v
	}
	return &c
}

func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		state: newMemState(),
		now:   now,
	}
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) WithTx(ctx context.Context, reason string, fn func(repo Repository) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	defer func() {
		if p := recover(); p != nil {
			m.state = snapshot
			panic(p)
		}
		if err != nil {
			m.state = snapshot
		}
	}()

	return fn(&memRepo{state: m.state, now: m.now})
}

func (m *Memory) read(fn func(r *memRepo) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memRepo{state: m.state, now: m.now})
}

func (m *Memory) write(fn func(r *memRepo) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memRepo{state: m.state, now: m.now})
}

func (m *Memory) Register(ctx context.Context, name string, info types.CredentialInfo) (identity *types.Identity, err error) {
	// atomic on failure: validation happens before any insert
	err = m.write(func(r *memRepo) error {
		identity, err = r.Register(ctx, name, info)
		return err
	})
	return identity, err
}

func (m *Memory) ResolveFingerprint(ctx context.Context, fingerprint string) (cred *types.Credential, err error) {
	err = m.read(func(r *memRepo) error {
		cred, err = r.ResolveFingerprint(ctx, fingerprint)
		return err
	})
	return cred, err
}

func (m *Memory) FindIdentityByName(ctx context.Context, name string) (identity *types.Identity, err error) {
	err = m.read(func(r *memRepo) error {
		identity, err = r.FindIdentityByName(ctx, name)
		return err
	})
	return identity, err
}

func (m *Memory) CredentialFor(ctx context.Context, identityID types.IdentityID) (cred *types.Credential, err error) {
	err = m.read(func(r *memRepo) error {
		cred, err = r.CredentialFor(ctx, identityID)
		return err
	})
	return cred, err
}

func (m *Memory) CreatePost(ctx context.Context, post *types.Post) error {
	return m.write(func(r *memRepo) error { return r.CreatePost(ctx, post) })
}

func (m *Memory) GetPost(ctx context.Context, id types.PostID) (post *types.Post, err error) {
	err = m.read(func(r *memRepo) error {
		post, err = r.GetPost(ctx, id)
		return err
	})
	return post, err
}

func (m *Memory) FindPostByEpisode(ctx context.Context, episodeID string) (post *types.Post, err error) {
	err = m.read(func(r *memRepo) error {
		post, err = r.FindPostByEpisode(ctx, episodeID)
		return err
	})
	return post, err
}

func (m *Memory) RecentPosts(ctx context.Context, limit int) (posts []types.Post, err error) {
	err = m.read(func(r *memRepo) error {
		posts, err = r.RecentPosts(ctx, limit)
		return err
	})
	return posts, err
}

func (m *Memory) CreateComment(ctx context.Context, comment *types.Comment) error {
	return m.write(func(r *memRepo) error { return r.CreateComment(ctx, comment) })
}

func (m *Memory) GetComment(ctx context.Context, id types.CommentID) (comment *types.Comment, err error) {
	err = m.read(func(r *memRepo) error {
		comment, err = r.GetComment(ctx, id)
		return err
	})
	return comment, err
}

func (m *Memory) ListComments(ctx context.Context, postID types.PostID) (comments []types.Comment, err error) {
	err = m.read(func(r *memRepo) error {
		comments, err = r.ListComments(ctx, postID)
		return err
	})
	return comments, err
}

func (m *Memory) Commenters(ctx context.Context, postID types.PostID) (identities []types.Identity, err error) {
	err = m.read(func(r *memRepo) error {
		identities, err = r.Commenters(ctx, postID)
		return err
	})
	return identities, err
}

func (m *Memory) CreateNotification(ctx context.Context, n *types.Notification) error {
	return m.write(func(r *memRepo) error { return r.CreateNotification(ctx, n) })
}

func (m *Memory) ListNotifications(ctx context.Context, identityID types.IdentityID) (notifications []types.Notification, err error) {
	err = m.read(func(r *memRepo) error {
		notifications, err = r.ListNotifications(ctx, identityID)
		return err
	})
	return notifications, err
}

func (m *Memory) CountNotifications(ctx context.Context, identityID types.IdentityID) (count int, err error) {
	err = m.read(func(r *memRepo) error {
		count, err = r.CountNotifications(ctx, identityID)
		return err
	})
	return count, err
}

func (m *Memory) ClearNotifications(ctx context.Context, identityID types.IdentityID) (removed int64, err error) {
	err = m.write(func(r *memRepo) error {
		removed, err = r.ClearNotifications(ctx, identityID)
		return err
	})
	return removed, err
}

func (m *Memory) DeletePost(ctx context.Context, id types.PostID) error {
	return m.write(func(r *memRepo) error { return r.DeletePost(ctx, id) })
}

func (m *Memory) DeleteComment(ctx context.Context, id types.CommentID) error {
	return m.write(func(r *memRepo) error { return r.DeleteComment(ctx, id) })
}

func (m *Memory) Stats(ctx context.Context) (stats *types.Stats, err error) {
	err = m.read(func(r *memRepo) error {
		stats, err = r.Stats(ctx)
		return err
	})
	return stats, err
}

// memRepo implements Repository over a state the caller has locked.
type memRepo struct {
	state *memState
	now   func() time.Time
}

func (r *memRepo) Register(ctx context.Context, name string, info types.CredentialInfo) (*types.Identity, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if _, err := r.FindIdentityByName(ctx, name); err == nil {
		return nil, ErrNameTaken
	}
	for _, cred := range r.state.credentials {
		if cred.Fingerprint == info.Fingerprint {
			return nil, ErrCredentialExists
		}
	}

	r.state.lastIdentity++
	identity := types.Identity{
		ID:      r.state.lastIdentity,
		Name:    name,
		Created: r.now(),
	}
	r.state.identities[identity.ID] = identity

	r.state.lastCredential++
	r.state.credentials[r.state.lastCredential] = types.Credential{
		ID:             r.state.lastCredential,
		IdentityID:     identity.ID,
		Fingerprint:    info.Fingerprint,
		Subject:        info.Subject,
		NotValidBefore: info.NotValidBefore,
		NotValidAfter:  info.NotValidAfter,
	}

	return &identity, nil
}

func (r *memRepo) ResolveFingerprint(ctx context.Context, fingerprint string) (*types.Credential, error) {
	for _, cred := range r.state.credentials {
		if cred.Fingerprint == fingerprint {
			return r.withIdentity(cred)
		}
	}
	return nil, ErrNotFound
}

func (r *memRepo) withIdentity(cred types.Credential) (*types.Credential, error) {
	identity, ok := r.state.identities[cred.IdentityID]
	if !ok {
		return nil, ErrNotFound
	}
	cred.Identity = &identity
	return &cred, nil
}

func (r *memRepo) FindIdentityByName(ctx context.Context, name string) (*types.Identity, error) {
	for _, identity := range r.state.identities {
		if strings.EqualFold(identity.Name, name) {
			identity := identity
			return &identity, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memRepo) CredentialFor(ctx context.Context, identityID types.IdentityID) (*types.Credential, error) {
	for _, cred := range r.state.credentials {
		if cred.IdentityID == identityID {
			return r.withIdentity(cred)
		}
	}
	return nil, ErrNotFound
}

func (r *memRepo) CreatePost(ctx context.Context, post *types.Post) error {
	author, ok := r.state.identities[post.AuthorID]
	if !ok {
		return ErrNotFound
	}

	r.state.lastPost++
	post.ID = r.state.lastPost
	if post.Created.IsZero() {
		post.Created = r.now()
	}
	post.AuthorName = author.Name
	r.state.posts[post.ID] = *post
	return nil
}

func (r *memRepo) GetPost(ctx context.Context, id types.PostID) (*types.Post, error) {
	post, ok := r.state.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.decoratePost(post), nil
}

func (r *memRepo) decoratePost(post types.Post) *types.Post {
	post.AuthorName = r.state.identities[post.AuthorID].Name
	post.CommentCount = 0
	for _, c := range r.state.comments {
		if c.PostID == post.ID {
			post.CommentCount++
		}
	}
	return &post
}

func (r *memRepo) FindPostByEpisode(ctx context.Context, episodeID string) (*types.Post, error) {
	var found *types.Post
	for _, post := range r.state.posts {
		if post.EpisodeID != episodeID {
			continue
		}
		if found == nil || post.ID < found.ID {
			found = r.decoratePost(post)
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (r *memRepo) RecentPosts(ctx context.Context, limit int) ([]types.Post, error) {
	posts := make([]types.Post, 0, len(r.state.posts))
	for _, post := range r.state.posts {
		posts = append(posts, *r.decoratePost(post))
	}

	sort.Slice(posts, func(i, j int) bool {
		if posts[i].Created.Equal(posts[j].Created) {
			return posts[i].ID > posts[j].ID
		}
		return posts[i].Created.After(posts[j].Created)
	})

	if limit > 0 && len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

func (r *memRepo) CreateComment(ctx context.Context, comment *types.Comment) error {
	author, ok := r.state.identities[comment.AuthorID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := r.state.posts[comment.PostID]; !ok {
		return ErrNotFound
	}

	r.state.lastComment++
	comment.ID = r.state.lastComment
	if comment.Created.IsZero() {
		comment.Created = r.now()
	}
	comment.AuthorName = author.Name
	r.state.comments[comment.ID] = *comment
	return nil
}

func (r *memRepo) GetComment(ctx context.Context, id types.CommentID) (*types.Comment, error) {
	comment, ok := r.state.comments[id]
	if !ok {
		return nil, ErrNotFound
	}
	comment.AuthorName = r.state.identities[comment.AuthorID].Name
	return &comment, nil
}

func (r *memRepo) ListComments(ctx context.Context, postID types.PostID) ([]types.Comment, error) {
	var comments []types.Comment
	for _, c := range r.state.comments {
		if c.PostID == postID {
			c.AuthorName = r.state.identities[c.AuthorID].Name
			comments = append(comments, c)
		}
	}

	sort.Slice(comments, func(i, j int) bool {
		if comments[i].Created.Equal(comments[j].Created) {
			return comments[i].ID < comments[j].ID
		}
		return comments[i].Created.Before(comments[j].Created)
	})
	return comments, nil
}

func (r *memRepo) Commenters(ctx context.Context, postID types.PostID) ([]types.Identity, error) {
	seen := make(map[types.IdentityID]bool)
	var identities []types.Identity
	for _, c := range r.state.comments {
		if c.PostID != postID || seen[c.AuthorID] {
			continue
		}
		seen[c.AuthorID] = true
		if identity, ok := r.state.identities[c.AuthorID]; ok {
			identities = append(identities, identity)
		}
	}

	sort.Slice(identities, func(i, j int) bool { return identities[i].ID < identities[j].ID })
	return identities, nil
}

func (r *memRepo) CreateNotification(ctx context.Context, n *types.Notification) error {
	if _, ok := r.state.identities[n.IdentityID]; !ok {
		return ErrNotFound
	}
	if n.PostID != nil && n.CommentID != nil {
		return ErrInvalidTarget
	}
	if n.PostID != nil {
		if _, ok := r.state.posts[*n.PostID]; !ok {
			return ErrNotFound
		}
	}
	if n.CommentID != nil {
		if _, ok := r.state.comments[*n.CommentID]; !ok {
			return ErrNotFound
		}
	}

	r.state.lastNotification++
	n.ID = r.state.lastNotification
	if n.Created.IsZero() {
		n.Created = r.now()
	}
	r.state.notifications[n.ID] = *n
	return nil
}

func (r *memRepo) ListNotifications(ctx context.Context, identityID types.IdentityID) ([]types.Notification, error) {
	var notifications []types.Notification
	for _, n := range r.state.notifications {
		if n.IdentityID != identityID {
			continue
		}
		switch {
		case n.PostID != nil:
			postID := *n.PostID
			n.TargetPostID = &postID
		case n.CommentID != nil:
			if c, ok := r.state.comments[*n.CommentID]; ok {
				postID := c.PostID
				n.TargetPostID = &postID
			}
		}
		notifications = append(notifications, n)
	}

	sort.Slice(notifications, func(i, j int) bool {
		if notifications[i].Created.Equal(notifications[j].Created) {
			return notifications[i].ID > notifications[j].ID
		}
		return notifications[i].Created.After(notifications[j].Created)
	})
	return notifications, nil
}

func (r *memRepo) CountNotifications(ctx context.Context, identityID types.IdentityID) (int, error) {
	count := 0
	for _, n := range r.state.notifications {
		if n.IdentityID == identityID {
			count++
		}
	}
	return count, nil
}

func (r *memRepo) ClearNotifications(ctx context.Context, identityID types.IdentityID) (int64, error) {
	var removed int64
	for id, n := range r.state.notifications {
		if n.IdentityID == identityID {
			delete(r.state.notifications, id)
			removed++
		}
	}
	return removed, nil
}

func (r *memRepo) DeletePost(ctx context.Context, id types.PostID) error {
	if _, ok := r.state.posts[id]; !ok {
		return ErrNotFound
	}

	comments := make(map[types.CommentID]bool)
	for cid, c := range r.state.comments {
		if c.PostID == id {
			comments[cid] = true
		}
	}

	for nid, n := range r.state.notifications {
		if (n.PostID != nil && *n.PostID == id) || (n.CommentID != nil && comments[*n.CommentID]) {
			delete(r.state.notifications, nid)
		}
	}
	for cid := range comments {
		delete(r.state.comments, cid)
	}
	delete(r.state.posts, id)
	return nil
}

func (r *memRepo) DeleteComment(ctx context.Context, id types.CommentID) error {
	if _, ok := r.state.comments[id]; !ok {
		return ErrNotFound
	}

	for nid, n := range r.state.notifications {
		if n.CommentID != nil && *n.CommentID == id {
			delete(r.state.notifications, nid)
		}
	}
	delete(r.state.comments, id)
	return nil
}

func (r *memRepo) Stats(ctx context.Context) (*types.Stats, error) {
	return &types.Stats{
		Identities:    len(r.state.identities),
		Credentials:   len(r.state.credentials),
		Posts:         len(r.state.posts),
		Comments:      len(r.state.comments),
		Notifications: len(r.state.notifications),
	}, nil
}
