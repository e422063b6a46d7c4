package render

import (
	"bytes"
	"testing"
	"time"

	"rocketcaster/pkg/directory"
	"rocketcaster/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewWithClock(func() time.Time { return now })
	require.NoError(t, err)
	return r
}

func TestIndex(t *testing.T) {
	r := newRenderer(t)

	var buf bytes.Buffer
	err := r.Index(&buf, IndexPage{
		Identity: &types.Identity{ID: 1, Name: "alice"},
		Unread:   3,
		Posts: []types.Post{
			{ID: 9, AuthorName: "bob", EpisodeTitle: "Pilot", PodcastTitle: "Gemini Cast", Created: now.Add(-5 * time.Minute), CommentCount: 1},
		},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Signed in as alice.")
	assert.Contains(t, out, "=> /notifications Notifications (3)")
	assert.Contains(t, out, `=> /post/9 bob shared "Pilot" from Gemini Cast`)
	assert.Contains(t, out, "5 minutes ago, 1 comment\n")
	assert.NotContains(t, out, "/register")
}

func TestIndexAnonymous(t *testing.T) {
	r := newRenderer(t)

	var buf bytes.Buffer
	require.NoError(t, r.Index(&buf, IndexPage{}))
	assert.Contains(t, buf.String(), "=> /register Register your client certificate")
	assert.Contains(t, buf.String(), "Nothing has been shared yet.")
}

func TestPostShowsDeleteLinksToOwnersOnly(t *testing.T) {
	r := newRenderer(t)
	alice := &types.Identity{ID: 1, Name: "alice"}
	page := PostPage{
		Post: &types.Post{ID: 4, AuthorID: 1, AuthorName: "alice", EpisodeID: "70", EpisodeTitle: "Pilot",
			PodcastID: "5", PodcastTitle: "Gemini Cast", Content: "line one\nline two", Created: now.Add(-2 * time.Hour)},
		Comments: []types.Comment{
			{ID: 11, AuthorID: 1, AuthorName: "alice", Content: "mine", Created: now.Add(-time.Hour)},
			{ID: 12, AuthorID: 2, AuthorName: "bob", Content: "theirs", Created: now.Add(-time.Minute)},
		},
		Viewer:   alice,
		IsAuthor: true,
	}

	var buf bytes.Buffer
	require.NoError(t, r.Post(&buf, page))
	out := buf.String()
	assert.Contains(t, out, "> line one\n> line two")
	assert.Contains(t, out, "=> /post/4/delete Delete this post")
	assert.Contains(t, out, "=> /comment/11/delete")
	assert.NotContains(t, out, "=> /comment/12/delete")
	assert.Contains(t, out, "### bob, 1 minute ago")

	page.Viewer = nil
	page.IsAuthor = false
	buf.Reset()
	require.NoError(t, r.Post(&buf, page))
	assert.NotContains(t, buf.String(), "delete")
}

func TestNotifications(t *testing.T) {
	r := newRenderer(t)
	postID := types.PostID(4)

	var buf bytes.Buffer
	require.NoError(t, r.Notifications(&buf, NotificationsPage{
		Identity: &types.Identity{Name: "alice"},
		Notifications: []types.Notification{
			{Message: "bob mentioned you in a comment", TargetPostID: &postID, Created: now.Add(-48 * time.Hour)},
		},
	}))
	out := buf.String()
	assert.Contains(t, out, "=> /post/4 bob mentioned you in a comment")
	assert.Contains(t, out, "2 days ago")
	assert.Contains(t, out, "=> /notifications/clear")
}

func TestPodcastAndEpisode(t *testing.T) {
	r := newRenderer(t)
	feed := &directory.Feed{ID: 5, Title: "Gemini Cast", Author: "Ann", Categories: map[string]string{"2": "Tech", "1": "Arts"}}

	var buf bytes.Buffer
	require.NoError(t, r.Podcast(&buf, PodcastPage{
		Feed:     feed,
		Episodes: []directory.Episode{{ID: 70, Title: "Pilot", DatePublished: 1700000000, Duration: 2520}},
	}))
	out := buf.String()
	assert.Contains(t, out, "Categories: Arts, Tech")
	assert.Contains(t, out, "=> /episode/70 Pilot\n2023-11-14, 42 min")

	buf.Reset()
	require.NoError(t, r.Episode(&buf, EpisodePage{
		Feed:    feed,
		Episode: &directory.Episode{ID: 70, Title: "Pilot", Season: 1, Number: 2},
	}))
	out = buf.String()
	assert.Contains(t, out, "Season 1, episode 2")
	assert.Contains(t, out, "=> /episode/70/play")
	assert.Contains(t, out, "=> /share/70 Share this episode")
}

func TestSearchAndAbout(t *testing.T) {
	r := newRenderer(t)

	var buf bytes.Buffer
	require.NoError(t, r.Search(&buf, SearchPage{
		Term:   "go",
		Result: &directory.SearchResult{Count: 1, Feeds: []directory.Feed{{ID: 3, Title: "Go Time"}}},
	}))
	assert.Contains(t, buf.String(), "1 podcast found.")
	assert.Contains(t, buf.String(), "=> /podcast/3 Go Time")

	buf.Reset()
	require.NoError(t, r.About(&buf))
	assert.Contains(t, buf.String(), "# About rocketcaster")
}
