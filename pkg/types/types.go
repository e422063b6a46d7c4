package types

import "time"

type IdentityID int64
type CredentialID int64
type PostID int64
type CommentID int64
type NotificationID int64

type Identity struct {
	ID      IdentityID `db:"id"`
	Name    string     `db:"name"`
	Created time.Time  `db:"created"`
}

// Credential binds a client certificate fingerprint to an identity.
type Credential struct {
	ID             CredentialID `db:"id"`
	IdentityID     IdentityID   `db:"identity_id"`
	Fingerprint    string       `db:"fingerprint"`
	Subject        string       `db:"subject"`
	NotValidBefore *time.Time   `db:"not_valid_before"`
	NotValidAfter  *time.Time   `db:"not_valid_after"`

	Identity *Identity `db:"-"`
}

// CredentialInfo is the certificate material captured at registration.
type CredentialInfo struct {
	Fingerprint    string
	Subject        string
	NotValidBefore *time.Time
	NotValidAfter  *time.Time
}

type Post struct {
	ID           PostID     `db:"id"`
	AuthorID     IdentityID `db:"author_id"`
	EpisodeID    string     `db:"episode_id"`
	EpisodeTitle string     `db:"episode_title"`
	PodcastID    string     `db:"podcast_id"`
	PodcastTitle string     `db:"podcast_title"`
	Content      string     `db:"content"`
	Created      time.Time  `db:"created"`

	AuthorName string `db:"author_name"`
	// CommentCount is filled by listing queries only
	CommentCount int `db:"comment_count"`
}

type Comment struct {
	ID       CommentID  `db:"id"`
	AuthorID IdentityID `db:"author_id"`
	PostID   PostID     `db:"post_id"`
	Content  string     `db:"content"`
	Created  time.Time  `db:"created"`

	AuthorName string `db:"author_name"`
}

// Notification targets at most one of PostID and CommentID.
type Notification struct {
	ID         NotificationID `db:"id"`
	IdentityID IdentityID     `db:"identity_id"`
	Message    string         `db:"message"`
	PostID     *PostID        `db:"post_id"`
	CommentID  *CommentID     `db:"comment_id"`
	Created    time.Time      `db:"created"`

	// TargetPostID is the post a comment notification links to
	TargetPostID *PostID `db:"target_post_id"`
}

type Stats struct {
	Identities    int `db:"identities"`
	Credentials   int `db:"credentials"`
	Posts         int `db:"posts"`
	Comments      int `db:"comments"`
	Notifications int `db:"notifications"`
}
