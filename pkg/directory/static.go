package directory

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Static is an in-memory Directory. The server falls back to an empty one
// when no index credentials are configured.
type Static struct {
	mu       sync.RWMutex
	feeds    map[int64]Feed
	episodes map[int64]Episode
}

func NewStatic() *Static {
	return &Static{
		feeds:    make(map[int64]Feed),
		episodes: make(map[int64]Episode),
	}
}

func (s *Static) AddFeed(feed Feed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds[feed.ID] = feed
}

func (s *Static) AddEpisode(episode Episode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.episodes[episode.ID] = episode
}

func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, ErrNotFound
	}
	return n, nil
}

func (s *Static) PodcastByFeedID(ctx context.Context, feedID string) (*Feed, error) {
	id, err := parseID(feedID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	feed, ok := s.feeds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &feed, nil
}

func (s *Static) EpisodesByFeedID(ctx context.Context, feedID string, max int) ([]Episode, error) {
	id, err := parseID(feedID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var episodes []Episode
	for _, ep := range s.episodes {
		if ep.FeedID == id {
			episodes = append(episodes, ep)
		}
	}

	sort.Slice(episodes, func(i, j int) bool {
		return episodes[i].DatePublished > episodes[j].DatePublished
	})
	if max > 0 && len(episodes) > max {
		episodes = episodes[:max]
	}
	return episodes, nil
}

func (s *Static) EpisodeByID(ctx context.Context, episodeID string) (*Episode, error) {
	id, err := parseID(episodeID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.episodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &ep, nil
}

// Search matches term case-insensitively against feed titles and authors.
func (s *Static) Search(ctx context.Context, term string) (*SearchResult, error) {
	needle := strings.ToLower(term)

	s.mu.RLock()
	defer s.mu.RUnlock()
	result := &SearchResult{Query: term}
	for _, feed := range s.feeds {
		if strings.Contains(strings.ToLower(feed.Title), needle) ||
			strings.Contains(strings.ToLower(feed.Author), needle) {
			result.Feeds = append(result.Feeds, feed)
		}
	}

	sort.Slice(result.Feeds, func(i, j int) bool { return result.Feeds[i].ID < result.Feeds[j].ID })
	result.Count = len(result.Feeds)
	return result, nil
}
