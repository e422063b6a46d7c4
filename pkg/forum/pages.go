package forum

import (
	"bytes"
	"errors"
	"fmt"

	"rocketcaster/pkg/auth"
	"rocketcaster/pkg/directory"
	"rocketcaster/pkg/gemini"
	"rocketcaster/pkg/render"
	"rocketcaster/pkg/store"
	"rocketcaster/pkg/types"

	"go.uber.org/zap"
)

func (f *Forum) index(w gemini.ResponseWriter, r *gemini.Request) {
	ctx := r.Context()

	f.page(w, r, func(buf *bytes.Buffer) error {
		posts, err := f.store.RecentPosts(ctx, f.recentPosts)
		if err != nil {
			return err
		}

		page := render.IndexPage{Posts: posts}
		if identity, ok := auth.IdentityFromContext(ctx); ok {
			page.Identity = identity
			if page.Unread, err = f.store.CountNotifications(ctx, identity.ID); err != nil {
				return err
			}
		}
		return f.renderer.Index(buf, page)
	})
}

func (f *Forum) about(w gemini.ResponseWriter, r *gemini.Request) {
	f.page(w, r, func(buf *bytes.Buffer) error {
		return f.renderer.About(buf)
	})
}

func (f *Forum) podcast(w gemini.ResponseWriter, r *gemini.Request) {
	ctx := r.Context()
	feedID := r.Param("feed_id")

	f.page(w, r, func(buf *bytes.Buffer) error {
		feed, err := f.directory.PodcastByFeedID(ctx, feedID)
		if err != nil {
			return err
		}
		episodes, err := f.directory.EpisodesByFeedID(ctx, feedID, feed.EpisodeCount)
		if err != nil {
			return err
		}
		return f.renderer.Podcast(buf, render.PodcastPage{Feed: feed, Episodes: episodes})
	})
}

func (f *Forum) episode(w gemini.ResponseWriter, r *gemini.Request) {
	ctx := r.Context()
	episodeID := r.Param("episode_id")

	f.page(w, r, func(buf *bytes.Buffer) error {
		episode, err := f.directory.EpisodeByID(ctx, episodeID)
		if err != nil {
			return err
		}

		page := render.EpisodePage{Episode: episode}

		feed, err := f.directory.PodcastByFeedID(ctx, fmt.Sprint(episode.FeedID))
		switch {
		case err == nil:
			page.Feed = feed
		case !errors.Is(err, directory.ErrNotFound):
			return err
		}

		post, err := f.store.FindPostByEpisode(ctx, episodeID)
		switch {
		case err == nil:
			page.Post = post
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		return f.renderer.Episode(buf, page)
	})
}

func (f *Forum) search(w gemini.ResponseWriter, r *gemini.Request) {
	term, err := r.Query()
	if err != nil {
		gemini.Error(w, gemini.StatusBadRequest, "Bad query")
		return
	}
	if term == "" {
		gemini.Input(w, "Enter a search term")
		return
	}

	f.page(w, r, func(buf *bytes.Buffer) error {
		result, err := f.directory.Search(r.Context(), term)
		if err != nil {
			return err
		}
		return f.renderer.Search(buf, render.SearchPage{Term: term, Result: result})
	})
}

func (f *Forum) post(w gemini.ResponseWriter, r *gemini.Request) {
	ctx := r.Context()
	postID, err := parseID(r, "post_id")
	if err != nil {
		f.fail(w, r, err)
		return
	}

	f.page(w, r, func(buf *bytes.Buffer) error {
		post, err := f.store.GetPost(ctx, types.PostID(postID))
		if err != nil {
			return err
		}
		comments, err := f.store.ListComments(ctx, post.ID)
		if err != nil {
			return err
		}

		page := render.PostPage{Post: post, Comments: comments}
		if viewer, ok := auth.IdentityFromContext(ctx); ok {
			page.Viewer = viewer
			page.IsAuthor = viewer.ID == post.AuthorID
		}
		return f.renderer.Post(buf, page)
	})
}

func (f *Forum) notifications(w gemini.ResponseWriter, r *gemini.Request) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		f.fail(w, r, auth.ErrUnregistered)
		return
	}

	f.page(w, r, func(buf *bytes.Buffer) error {
		list, err := f.store.ListNotifications(ctx, identity.ID)
		if err != nil {
			return err
		}
		return f.renderer.Notifications(buf, render.NotificationsPage{
			Identity:      identity,
			Notifications: list,
		})
	})
}

func (f *Forum) clearNotifications(w gemini.ResponseWriter, r *gemini.Request) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		f.fail(w, r, auth.ErrUnregistered)
		return
	}

	removed, err := f.store.ClearNotifications(ctx, identity.ID)
	if err != nil {
		f.fail(w, r, err)
		return
	}

	f.logger.Debug("Cleared notifications",
		zap.String("request_id", r.ID),
		zap.String("identity", identity.Name),
		zap.Int64("removed", removed))
	gemini.Redirect(w, "/notifications")
}
