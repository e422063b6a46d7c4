package forum

import (
	"context"
	"errors"
	"io"

	"rocketcaster/pkg/directory"
	"rocketcaster/pkg/gemini"
	"rocketcaster/pkg/proxy"

	"go.uber.org/zap"
)

// play streams the episode's enclosure. The fetch runs on a proxy worker;
// this handler only waits for it and copies the body to the client.
func (f *Forum) play(w gemini.ResponseWriter, r *gemini.Request) {
	ctx := r.Context()

	episode, err := f.directory.EpisodeByID(ctx, r.Param("episode_id"))
	if err != nil {
		f.fail(w, r, err)
		return
	}
	if episode.EnclosureURL == "" {
		f.fail(w, r, directory.ErrNotFound)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	result, err := f.streamer.Fetch(ctx, episode.EnclosureURL).Await(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		var proxyErr *proxy.ProxyError
		if !errors.As(err, &proxyErr) {
			err = &proxy.ProxyError{Reason: proxy.ReasonDownload, Err: err}
		}
		f.fail(w, r, err)
		return
	}
	defer result.Body.Close()

	w.WriteHeader(gemini.StatusSuccess, result.ContentType)
	n, err := io.Copy(w, result.Body)
	if err != nil {
		// the header is already out, so the client just sees a short body
		f.logger.Warn("Stream ended early",
			zap.String("request_id", r.ID),
			zap.Int64("episode_id", episode.ID),
			zap.Int64("bytes", n),
			zap.Error(err))
	}
}
