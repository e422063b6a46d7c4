package forum

import (
	"rocketcaster/pkg/auth"
	"rocketcaster/pkg/gemini"
	"rocketcaster/pkg/ratelimit"
	"rocketcaster/pkg/router"
)

// Register adds every forum route to rt. Order matters: the first matching
// pattern wins.
func (f *Forum) Register(rt *router.Router) {
	limited := ratelimit.NewMiddleware(f.limiter, ratelimit.RemoteIP, f.logger)
	limited.OnReject(func(r *gemini.Request) { f.metrics.RequestRateLimited() })

	rt.HandleFunc(`/`, auth.Optional, f.index)
	rt.HandleFunc(`/about`, auth.Anonymous, f.about)
	rt.HandleFunc(`/podcast/(?P<feed_id>[0-9]+)`, auth.Anonymous, f.podcast)
	rt.HandleFunc(`/episode/(?P<episode_id>[0-9]+)`, auth.Anonymous, f.episode)
	rt.Handle(`/episode/(?P<episode_id>[0-9]+)/play`, auth.Anonymous, limited.Wrap(gemini.HandlerFunc(f.play)))
	rt.HandleFunc(`/search`, auth.Anonymous, f.search)
	rt.HandleFunc(`/register`, auth.CertificateOnly, f.register)
	rt.HandleFunc(`/share/(?P<episode_id>[0-9]+)`, auth.Required, f.share)
	rt.HandleFunc(`/post/(?P<post_id>[0-9]+)`, auth.Optional, f.post)
	rt.HandleFunc(`/post/(?P<post_id>[0-9]+)/comment`, auth.Required, f.comment)
	rt.HandleFunc(`/post/(?P<post_id>[0-9]+)/delete`, auth.Required, f.deletePost)
	rt.HandleFunc(`/comment/(?P<comment_id>[0-9]+)/delete`, auth.Required, f.deleteComment)
	rt.HandleFunc(`/notifications`, auth.Required, f.notifications)
	rt.HandleFunc(`/notifications/clear`, auth.Required, f.clearNotifications)
}
