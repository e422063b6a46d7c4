// Package store persists identities, credentials, posts, comments and
// notifications. Cascading deletes are performed by the store itself rather
// than by the database, so both backends behave the same.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rocketcaster/pkg/types"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrNameTaken        = errors.New("name already taken")
	ErrInvalidName      = errors.New("invalid name")
	ErrCredentialExists = errors.New("certificate already registered")
	// ErrInvalidTarget is returned for a notification naming both a post
	// and a comment.
	ErrInvalidTarget = errors.New("notification targets both a post and a comment")
)

const MaxNameLength = 32

// reservedNames cannot be registered; "all" is the broadcast mention token.
var reservedNames = map[string]bool{
	"admin": true,
	"all":   true,
}

type IdentityStore interface {
	// Register creates an identity and its credential atomically.
	Register(ctx context.Context, name string, info types.CredentialInfo) (*types.Identity, error)
	ResolveFingerprint(ctx context.Context, fingerprint string) (*types.Credential, error)
	// FindIdentityByName matches case-insensitively.
	FindIdentityByName(ctx context.Context, name string) (*types.Identity, error)
	CredentialFor(ctx context.Context, identityID types.IdentityID) (*types.Credential, error)
}

type SocialStore interface {
	CreatePost(ctx context.Context, post *types.Post) error
	GetPost(ctx context.Context, id types.PostID) (*types.Post, error)
	// FindPostByEpisode returns the earliest post for an episode, by any author.
	FindPostByEpisode(ctx context.Context, episodeID string) (*types.Post, error)
	RecentPosts(ctx context.Context, limit int) ([]types.Post, error)

	CreateComment(ctx context.Context, comment *types.Comment) error
	GetComment(ctx context.Context, id types.CommentID) (*types.Comment, error)
	ListComments(ctx context.Context, postID types.PostID) ([]types.Comment, error)
	// Commenters returns every distinct identity that commented on a post.
	Commenters(ctx context.Context, postID types.PostID) ([]types.Identity, error)

	CreateNotification(ctx context.Context, n *types.Notification) error
	ListNotifications(ctx context.Context, identityID types.IdentityID) ([]types.Notification, error)
	CountNotifications(ctx context.Context, identityID types.IdentityID) (int, error)
	ClearNotifications(ctx context.Context, identityID types.IdentityID) (int64, error)

	// DeletePost removes notifications on the post and its comments, the
	// comments, then the post.
	DeletePost(ctx context.Context, id types.PostID) error
	// DeleteComment removes notifications on the comment, then the comment.
	DeleteComment(ctx context.Context, id types.CommentID) error

	Stats(ctx context.Context) (*types.Stats, error)
}

type Repository interface {
	IdentityStore
	SocialStore
}

type Store interface {
	Repository
	// WithTx runs fn in one transaction; any error from fn rolls it back.
	WithTx(ctx context.Context, reason string, fn func(repo Repository) error) error
	Close() error
}

// ValidateName enforces the username rules: 1-32 characters from
// [A-Za-z0-9_-], not a reserved word.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: name is longer than %d characters", ErrInvalidName, MaxNameLength)
	}
	for _, c := range name {
		if !IsHandleChar(c) {
			return fmt.Errorf("%w: only letters, digits, '_' and '-' are allowed", ErrInvalidName)
		}
	}
	if reservedNames[strings.ToLower(name)] {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	return nil
}

// IsHandleChar reports whether c may appear in a username.
func IsHandleChar(c rune) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '_' || c == '-'
}
