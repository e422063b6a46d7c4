// Package directory looks up podcasts and episodes in an external index.
package directory

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found in directory")

type Feed struct {
	ID           int64             `json:"id"`
	Title        string            `json:"title"`
	Author       string            `json:"author"`
	Description  string            `json:"description"`
	URL          string            `json:"url"`
	Link         string            `json:"link"`
	Image        string            `json:"image"`
	Categories   map[string]string `json:"categories"`
	EpisodeCount int               `json:"episodeCount"`
}

type Episode struct {
	ID                  int64  `json:"id"`
	Title               string `json:"title"`
	Description         string `json:"description"`
	FeedID              int64  `json:"feedId"`
	Season              int    `json:"season"`
	Number              int    `json:"episode"`
	EnclosureURL        string `json:"enclosureUrl"`
	EnclosureType       string `json:"enclosureType"`
	EnclosureLength     int64  `json:"enclosureLength"`
	Duration            int64  `json:"duration"`
	DatePublished       int64  `json:"datePublished"`
	DatePublishedPretty string `json:"datePublishedPretty"`
}

type SearchResult struct {
	Count int    `json:"count"`
	Query string `json:"query"`
	Feeds []Feed `json:"feeds"`
}

// Directory is the read-only podcast catalogue.
type Directory interface {
	PodcastByFeedID(ctx context.Context, feedID string) (*Feed, error)
	EpisodesByFeedID(ctx context.Context, feedID string, max int) ([]Episode, error)
	EpisodeByID(ctx context.Context, episodeID string) (*Episode, error)
	Search(ctx context.Context, term string) (*SearchResult, error)
}
