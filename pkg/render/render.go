// Package render turns page data into gemtext.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/template"
	"time"

	"rocketcaster/pkg/directory"
	"rocketcaster/pkg/types"
)

//go:embed templates/*.gmi
var templateFiles embed.FS

type IndexPage struct {
	Identity *types.Identity
	Unread   int
	Posts    []types.Post
}

type PodcastPage struct {
	Feed       *directory.Feed
	Categories []string
	Episodes   []directory.Episode
}

type EpisodePage struct {
	Feed    *directory.Feed
	Episode *directory.Episode
	// Post is the discussion for the episode, if anyone shared it
	Post *types.Post
}

type SearchPage struct {
	Term   string
	Result *directory.SearchResult
}

type PostPage struct {
	Post     *types.Post
	Comments []types.Comment
	Viewer   *types.Identity
	IsAuthor bool
}

type NotificationsPage struct {
	Identity      *types.Identity
	Notifications []types.Notification
}

type RegisteredPage struct {
	Identity *types.Identity
}

// Renderer executes the embedded page templates.
type Renderer struct {
	templates *template.Template
	now       func() time.Time
}

func New() (*Renderer, error) {
	return NewWithClock(time.Now)
}

func NewWithClock(now func() time.Time) (*Renderer, error) {
	r := &Renderer{now: now}

	funcs := template.FuncMap{
		"since":    func(t time.Time) string { return ReadableTimedelta(r.now().Sub(t)) },
		"duration": ReadableDuration,
		"date":     TimestampToDate,
		"join":     strings.Join,
		"quote":    func(s string) string { return strings.ReplaceAll(strings.TrimSpace(s), "\n", "\n> ") },
		"deref":    func(id *types.PostID) types.PostID { return *id },
	}

	tmpl, err := template.New("").Funcs(funcs).Option("missingkey=error").ParseFS(templateFiles, "templates/*.gmi")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	r.templates = tmpl
	return r, nil
}

func (r *Renderer) execute(w io.Writer, name string, data interface{}) error {
	var buf bytes.Buffer
	if err := r.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("failed to render %s: %w", name, err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func (r *Renderer) Index(w io.Writer, page IndexPage) error {
	return r.execute(w, "index.gmi", page)
}

func (r *Renderer) About(w io.Writer) error {
	return r.execute(w, "about.gmi", nil)
}

func (r *Renderer) Podcast(w io.Writer, page PodcastPage) error {
	if page.Categories == nil && page.Feed != nil {
		for _, c := range page.Feed.Categories {
			page.Categories = append(page.Categories, c)
		}
		sort.Strings(page.Categories)
	}
	return r.execute(w, "podcast.gmi", page)
}

func (r *Renderer) Episode(w io.Writer, page EpisodePage) error {
	return r.execute(w, "episode.gmi", page)
}

func (r *Renderer) Search(w io.Writer, page SearchPage) error {
	return r.execute(w, "search.gmi", page)
}

func (r *Renderer) Post(w io.Writer, page PostPage) error {
	return r.execute(w, "post.gmi", page)
}

func (r *Renderer) Notifications(w io.Writer, page NotificationsPage) error {
	return r.execute(w, "notifications.gmi", page)
}

func (r *Renderer) Registered(w io.Writer, page RegisteredPage) error {
	return r.execute(w, "registered.gmi", page)
}
