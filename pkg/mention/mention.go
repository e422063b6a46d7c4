// Package mention finds @handles in posts and comments and fans out the
// resulting notifications.
package mention

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"rocketcaster/pkg/store"
	"rocketcaster/pkg/types"

	"go.uber.org/zap"
)

// Broadcast is the handle that notifies every prior commenter on a post.
const Broadcast = "all"

var handlePattern = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// Extract returns the distinct handles mentioned in text, lower-cased, in the
// order they first appear. An @ directly after a letter or digit is not a
// mention, so e-mail addresses are skipped.
func Extract(text string) []string {
	var handles []string
	seen := make(map[string]bool)

	for _, loc := range handlePattern.FindAllStringSubmatchIndex(text, -1) {
		if loc[0] > 0 {
			prev, _ := utf8.DecodeLastRuneInString(text[:loc[0]])
			if unicode.IsLetter(prev) || unicode.IsDigit(prev) {
				continue
			}
		}

		handle := strings.ToLower(text[loc[2]:loc[3]])
		if seen[handle] {
			continue
		}
		seen[handle] = true
		handles = append(handles, handle)
	}

	return handles
}

// Notifier creates notifications for new posts and comments. Callers run it
// with the repository of the transaction that persisted the entity.
type Notifier struct {
	logger *zap.Logger
}

func NewNotifier(logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{logger: logger}
}

// PostCreated notifies every resolvable identity mentioned in the post and
// returns how many notifications were created.
func (n *Notifier) PostCreated(ctx context.Context, repo store.Repository, post *types.Post, author *types.Identity) (int, error) {
	if post.ID == 0 {
		return 0, errors.New("post must be persisted before notifying")
	}

	created := 0
	message := fmt.Sprintf("%s mentioned you in a post", author.Name)

	for _, handle := range Extract(post.Content) {
		target, err := n.resolve(ctx, repo, handle)
		if err != nil {
			return created, err
		}
		if target == nil {
			continue
		}

		postID := post.ID
		if err := repo.CreateNotification(ctx, &types.Notification{
			IdentityID: target.ID,
			Message:    message,
			PostID:     &postID,
		}); err != nil {
			return created, fmt.Errorf("failed to notify %s: %w", target.Name, err)
		}
		created++
	}

	return created, nil
}

// CommentCreated tells the post author about the comment, unless they wrote
// it, then handles mentions: @all reaches every earlier commenter except the
// post author and the commenter, any other handle reaches that identity.
func (n *Notifier) CommentCreated(ctx context.Context, repo store.Repository, post *types.Post, comment *types.Comment, author *types.Identity) (int, error) {
	if comment.ID == 0 {
		return 0, errors.New("comment must be persisted before notifying")
	}

	created := 0
	notify := func(recipient types.IdentityID, message string) error {
		commentID := comment.ID
		if err := repo.CreateNotification(ctx, &types.Notification{
			IdentityID: recipient,
			Message:    message,
			CommentID:  &commentID,
		}); err != nil {
			return fmt.Errorf("failed to create notification: %w", err)
		}
		created++
		return nil
	}

	episode := post.EpisodeTitle
	if episode == "" {
		episode = "your post"
	}

	if post.AuthorID != author.ID {
		if err := notify(post.AuthorID, fmt.Sprintf("%s commented on %s", author.Name, episode)); err != nil {
			return created, err
		}
	}

	for _, handle := range Extract(comment.Content) {
		if handle == Broadcast {
			commenters, err := repo.Commenters(ctx, post.ID)
			if err != nil {
				return created, fmt.Errorf("failed to list commenters: %w", err)
			}

			message := fmt.Sprintf("%s mentioned everyone in a comment on %s", author.Name, episode)
			for _, commenter := range commenters {
				if commenter.ID == post.AuthorID || commenter.ID == author.ID {
					continue
				}
				if err := notify(commenter.ID, message); err != nil {
					return created, err
				}
			}
			continue
		}

		target, err := n.resolve(ctx, repo, handle)
		if err != nil {
			return created, err
		}
		if target == nil {
			continue
		}
		if err := notify(target.ID, fmt.Sprintf("%s mentioned you in a comment", author.Name)); err != nil {
			return created, err
		}
	}

	return created, nil
}

// resolve returns nil for unknown handles; they are skipped without error so
// responses never reveal which names exist.
func (n *Notifier) resolve(ctx context.Context, repo store.Repository, handle string) (*types.Identity, error) {
	identity, err := repo.FindIdentityByName(ctx, handle)
	if errors.Is(err, store.ErrNotFound) {
		n.logger.Debug("Skipping unknown mention", zap.String("handle", handle))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve @%s: %w", handle, err)
	}
	return identity, nil
}
