package forum

import (
	"errors"
	"fmt"
	"strings"

	"rocketcaster/pkg/auth"
	"rocketcaster/pkg/gemini"
	"rocketcaster/pkg/render"
	"rocketcaster/pkg/store"
	"rocketcaster/pkg/types"

	"go.uber.org/zap"
)

const (
	confirmToken = "yes"

	promptUsername = "Choose a username"
	promptComment  = "Write your comment"
	promptShare    = "Say something about this episode"
)

func (f *Forum) register(w gemini.ResponseWriter, r *gemini.Request) {
	ctx := r.Context()
	cert := r.PeerCertificate()
	if cert == nil {
		f.fail(w, r, auth.ErrCertificateRequired)
		return
	}

	info := auth.CertificateInfoFromCert(cert, f.now())
	if _, err := f.store.ResolveFingerprint(ctx, info.Fingerprint); err == nil {
		gemini.Error(w, gemini.StatusCertificateNotAuthorized, "This certificate is already registered")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		f.fail(w, r, err)
		return
	}

	name, err := r.Query()
	if err != nil {
		gemini.Input(w, promptUsername)
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		gemini.Input(w, promptUsername)
		return
	}

	identity, err := f.store.Register(ctx, name, info.CredentialInfo())
	switch {
	case errors.Is(err, store.ErrNameTaken):
		gemini.Input(w, fmt.Sprintf("The name %q is taken. %s", name, promptUsername))
		return
	case errors.Is(err, store.ErrInvalidName):
		gemini.Input(w, fmt.Sprintf("Use 1-%d letters, digits, '_' or '-'. %s", store.MaxNameLength, promptUsername))
		return
	case errors.Is(err, store.ErrCredentialExists):
		gemini.Error(w, gemini.StatusCertificateNotAuthorized, "This certificate is already registered")
		return
	case err != nil:
		f.fail(w, r, err)
		return
	}

	f.metrics.IdentityRegistered()
	f.logger.Info("Identity registered",
		zap.String("request_id", r.ID),
		zap.String("identity", identity.Name),
		zap.String("fingerprint", info.Fingerprint))

	var body strings.Builder
	if err := f.renderer.Registered(&body, render.RegisteredPage{Identity: identity}); err != nil {
		f.fail(w, r, err)
		return
	}
	gemini.Text(w, body.String())
}

// share redirects to the existing discussion of an episode, whoever started
// it, or creates one.
func (f *Forum) share(w gemini.ResponseWriter, r *gemini.Request) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		f.fail(w, r, auth.ErrUnregistered)
		return
	}
	episodeID := r.Param("episode_id")

	if existing, err := f.store.FindPostByEpisode(ctx, episodeID); err == nil {
		gemini.Redirect(w, fmt.Sprintf("/post/%d", existing.ID))
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		f.fail(w, r, err)
		return
	}

	episode, err := f.directory.EpisodeByID(ctx, episodeID)
	if err != nil {
		f.fail(w, r, err)
		return
	}

	if !r.HasQuery() {
		gemini.Input(w, promptShare)
		return
	}
	content, err := r.Query()
	if err != nil {
		gemini.Input(w, promptShare)
		return
	}

	post := &types.Post{
		AuthorID:     identity.ID,
		EpisodeID:    episodeID,
		EpisodeTitle: episode.Title,
		PodcastID:    fmt.Sprint(episode.FeedID),
		Content:      strings.TrimSpace(content),
	}
	if feed, err := f.directory.PodcastByFeedID(ctx, post.PodcastID); err == nil {
		post.PodcastTitle = feed.Title
	}

	var redirectID types.PostID
	notified := 0
	err = f.store.WithTx(ctx, "share episode "+episodeID, func(repo store.Repository) error {
		// another request may have shared it since the check above
		if existing, err := repo.FindPostByEpisode(ctx, episodeID); err == nil {
			redirectID = existing.ID
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if err := repo.CreatePost(ctx, post); err != nil {
			return err
		}
		redirectID = post.ID

		n, err := f.notifier.PostCreated(ctx, repo, post, identity)
		notified = n
		return err
	})
	if err != nil {
		f.fail(w, r, err)
		return
	}

	f.metrics.NotificationsCreated(notified)
	gemini.Redirect(w, fmt.Sprintf("/post/%d", redirectID))
}

func (f *Forum) comment(w gemini.ResponseWriter, r *gemini.Request) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		f.fail(w, r, auth.ErrUnregistered)
		return
	}

	postID, err := parseID(r, "post_id")
	if err != nil {
		f.fail(w, r, err)
		return
	}
	post, err := f.store.GetPost(ctx, types.PostID(postID))
	if err != nil {
		f.fail(w, r, err)
		return
	}

	content, err := r.Query()
	if err != nil || strings.TrimSpace(content) == "" {
		gemini.Input(w, promptComment)
		return
	}

	comment := &types.Comment{
		AuthorID: identity.ID,
		PostID:   post.ID,
		Content:  strings.TrimSpace(content),
	}

	notified := 0
	err = f.store.WithTx(ctx, fmt.Sprintf("comment on post %d", post.ID), func(repo store.Repository) error {
		if err := repo.CreateComment(ctx, comment); err != nil {
			return err
		}
		n, err := f.notifier.CommentCreated(ctx, repo, post, comment, identity)
		notified = n
		return err
	})
	if err != nil {
		f.fail(w, r, err)
		return
	}

	f.metrics.NotificationsCreated(notified)
	gemini.Redirect(w, fmt.Sprintf("/post/%d", post.ID))
}

// authorize checks the connection's certificate against the author's
// credential and logs refusals.
func (f *Forum) authorize(r *gemini.Request, authorID types.IdentityID, what string) error {
	owner, err := f.store.CredentialFor(r.Context(), authorID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if err := auth.RequireOwner(r, owner); err != nil {
		fingerprint, _ := auth.FingerprintFromRequest(r)
		f.logger.Warn("Delete refused: certificate does not own "+what,
			zap.String("request_id", r.ID),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("fingerprint", fingerprint),
			zap.Int64("author_id", int64(authorID)))
		return err
	}
	return nil
}

// confirmed reports whether the request carries the "yes" answer. Anything
// else, including no answer, gets the prompt again and changes nothing.
func confirmed(w gemini.ResponseWriter, r *gemini.Request, what string) bool {
	answer, err := r.Query()
	if err == nil && strings.EqualFold(answer, confirmToken) {
		return true
	}
	gemini.Input(w, fmt.Sprintf("Type YES to delete this %s", what))
	return false
}

func (f *Forum) deletePost(w gemini.ResponseWriter, r *gemini.Request) {
	ctx := r.Context()
	postID, err := parseID(r, "post_id")
	if err != nil {
		f.fail(w, r, err)
		return
	}

	post, err := f.store.GetPost(ctx, types.PostID(postID))
	if err != nil {
		f.fail(w, r, err)
		return
	}
	if err := f.authorize(r, post.AuthorID, "post"); err != nil {
		f.fail(w, r, err)
		return
	}
	if !confirmed(w, r, "post") {
		return
	}

	err = f.store.WithTx(ctx, fmt.Sprintf("delete post %d", post.ID), func(repo store.Repository) error {
		return repo.DeletePost(ctx, post.ID)
	})
	if err != nil {
		f.fail(w, r, err)
		return
	}

	f.logger.Info("Post deleted", zap.String("request_id", r.ID), zap.Int64("post_id", int64(post.ID)))
	gemini.Redirect(w, "/")
}

func (f *Forum) deleteComment(w gemini.ResponseWriter, r *gemini.Request) {
	ctx := r.Context()
	commentID, err := parseID(r, "comment_id")
	if err != nil {
		f.fail(w, r, err)
		return
	}

	comment, err := f.store.GetComment(ctx, types.CommentID(commentID))
	if err != nil {
		f.fail(w, r, err)
		return
	}
	if err := f.authorize(r, comment.AuthorID, "comment"); err != nil {
		f.fail(w, r, err)
		return
	}
	if !confirmed(w, r, "comment") {
		return
	}

	err = f.store.WithTx(ctx, fmt.Sprintf("delete comment %d", comment.ID), func(repo store.Repository) error {
		return repo.DeleteComment(ctx, comment.ID)
	})
	if err != nil {
		f.fail(w, r, err)
		return
	}

	f.logger.Info("Comment deleted", zap.String("request_id", r.ID), zap.Int64("comment_id", int64(comment.ID)))
	gemini.Redirect(w, fmt.Sprintf("/post/%d", comment.PostID))
}
