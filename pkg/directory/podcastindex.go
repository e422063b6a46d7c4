package directory

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL   = "https://api.podcastindex.org/api/1.0"
	DefaultUserAgent = "rocketcaster/1.0"
	DefaultTimeout   = 10 * time.Second

	maxResponseSize = 8 << 20
)

type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string
	UserAgent string
	Timeout   time.Duration
}

// PodcastIndex is a Directory backed by the Podcast Index API.
type PodcastIndex struct {
	client *http.Client
	config Config
	now    func() time.Time
	logger *zap.Logger
}

func NewPodcastIndex(config Config, logger *zap.Logger) (*PodcastIndex, error) {
	if config.APIKey == "" || config.APISecret == "" {
		return nil, errors.New("podcast index api key and secret are required")
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PodcastIndex{
		client: &http.Client{Timeout: config.Timeout},
		config: config,
		now:    time.Now,
		logger: logger,
	}, nil
}

// authHeaders signs a request: Authorization is the hex SHA-1 of key, secret
// and the unix time sent in X-Auth-Date.
func (p *PodcastIndex) authHeaders(h http.Header) {
	date := strconv.FormatInt(p.now().Unix(), 10)
	sum := sha1.Sum([]byte(p.config.APIKey + p.config.APISecret + date))

	h.Set("User-Agent", p.config.UserAgent)
	h.Set("X-Auth-Key", p.config.APIKey)
	h.Set("X-Auth-Date", date)
	h.Set("Authorization", hex.EncodeToString(sum[:]))
}

func (p *PodcastIndex) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := p.config.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build directory request: %w", err)
	}
	p.authHeaders(req.Header)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	p.logger.Debug("Directory request",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read directory response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode directory response: %w", err)
	}
	return nil
}

// decodeSingle handles the index answering a missing record with [] or null
// where an object would be.
func decodeSingle(raw json.RawMessage, out interface{}) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ErrNotFound
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("failed to decode directory record: %w", err)
	}
	return nil
}

func (p *PodcastIndex) PodcastByFeedID(ctx context.Context, feedID string) (*Feed, error) {
	var resp struct {
		Feed json.RawMessage `json:"feed"`
	}
	if err := p.get(ctx, "/podcasts/byfeedid", url.Values{"id": {feedID}}, &resp); err != nil {
		return nil, err
	}

	var feed Feed
	if err := decodeSingle(resp.Feed, &feed); err != nil {
		return nil, err
	}
	if feed.ID == 0 {
		return nil, ErrNotFound
	}
	return &feed, nil
}

func (p *PodcastIndex) EpisodesByFeedID(ctx context.Context, feedID string, max int) ([]Episode, error) {
	query := url.Values{"id": {feedID}}
	if max > 0 {
		query.Set("max", strconv.Itoa(max))
	}

	var resp struct {
		Items []Episode `json:"items"`
	}
	if err := p.get(ctx, "/episodes/byfeedid", query, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (p *PodcastIndex) EpisodeByID(ctx context.Context, episodeID string) (*Episode, error) {
	var resp struct {
		Episode json.RawMessage `json:"episode"`
	}
	if err := p.get(ctx, "/episodes/byid", url.Values{"id": {episodeID}}, &resp); err != nil {
		return nil, err
	}

	var episode Episode
	if err := decodeSingle(resp.Episode, &episode); err != nil {
		return nil, err
	}
	if episode.ID == 0 {
		return nil, ErrNotFound
	}
	return &episode, nil
}

func (p *PodcastIndex) Search(ctx context.Context, term string) (*SearchResult, error) {
	var result SearchResult
	if err := p.get(ctx, "/search/byterm", url.Values{"q": {term}}, &result); err != nil {
		return nil, err
	}
	if result.Query == "" {
		result.Query = term
	}
	return &result, nil
}
