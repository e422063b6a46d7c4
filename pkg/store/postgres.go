package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"rocketcaster/pkg/types"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	LockTimeout                     = 4000
	IdleInTransactionSessionTimeout = 90000
	StatementTimeout                = 30000
)

const uniqueViolation = "23505"

// Postgres is a Store backed by PostgreSQL through sqlx.
type Postgres struct {
	*pgRepo
	db     *sqlx.DB
	logger *zap.Logger
}

// pgRepo runs queries on either the pool or an open transaction. db is nil
// inside a transaction.
type pgRepo struct {
	ext    sqlx.ExtContext
	db     *sqlx.DB
	logger *zap.Logger
}

// OpenPostgres connects to dbURL with session timeouts applied.
func OpenPostgres(ctx context.Context, dbURL string, logger *zap.Logger) (*Postgres, error) {
	if dbURL == "" {
		return nil, errors.New("database url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sep := "?"
	if strings.Contains(dbURL, "?") {
		sep = "&"
	}
	dbURL += fmt.Sprintf("%sstatement_timeout=%d&lock_timeout=%d&timezone=UTC&idle_in_transaction_session_timeout=%d",
		sep, StatementTimeout, LockTimeout, IdleInTransactionSessionTimeout)

	db, err := sqlx.ConnectContext(ctx, "postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	logger.Info("Connected to database")

	return NewPostgres(db, logger), nil
}

// NewPostgres wraps an existing connection pool.
func NewPostgres(db *sqlx.DB, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{
		pgRepo: &pgRepo{ext: db, db: db, logger: logger},
		db:     db,
		logger: logger,
	}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) WithTx(ctx context.Context, reason string, fn func(repo Repository) error) error {
	return withTx(ctx, p.db, p.logger, reason, func(tx *sqlx.Tx) error {
		return fn(&pgRepo{ext: tx, logger: p.logger})
	})
}

func withTx(ctx context.Context, db *sqlx.DB, logger *zap.Logger, reason string, fn func(tx *sqlx.Tx) error) (err error) {
	logger.Debug("Starting transaction", zap.String("reason", reason))

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}

	var committed bool

	defer func() {
		panicErr := recover()
		if panicErr != nil {
			logger.Error("Panic in transaction",
				zap.String("reason", reason),
				zap.Any("panic", panicErr),
				zap.ByteString("stack", debug.Stack()))
		}

		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				logger.Error("Transaction rollback failed", zap.String("reason", reason), zap.Error(rbErr))
			} else {
				logger.Debug("Transaction rolled back", zap.String("reason", reason))
			}
		}

		if panicErr != nil {
			panic(panicErr)
		}
	}()

	if err = fn(tx); err != nil {
		logger.Debug("Error in transaction", zap.String("reason", reason), zap.Error(err))
		return err
	}

	if err = tx.Commit(); err != nil {
		logger.Error("Transaction commit failed", zap.String("reason", reason), zap.Error(err))
		return fmt.Errorf("error committing transaction: %w", err)
	}
	committed = true

	logger.Debug("Committed transaction", zap.String("reason", reason))
	return nil
}

// atomic runs fn in its own transaction unless r already is one.
func (r *pgRepo) atomic(ctx context.Context, reason string, fn func(r *pgRepo) error) error {
	if r.db == nil {
		return fn(r)
	}
	return withTx(ctx, r.db, r.logger, reason, func(tx *sqlx.Tx) error {
		return fn(&pgRepo{ext: tx, logger: r.logger})
	})
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *pgRepo) Register(ctx context.Context, name string, info types.CredentialInfo) (*types.Identity, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	var identity types.Identity
	err := r.atomic(ctx, "register "+name, func(r *pgRepo) error {
		err := sqlx.GetContext(ctx, r.ext, &identity,
			`INSERT INTO identities (name) VALUES ($1) RETURNING id, name, created`, name)
		if err != nil {
			return mapUniqueViolation(err)
		}

		_, err = r.ext.ExecContext(ctx,
			`INSERT INTO credentials (identity_id, fingerprint, subject, not_valid_before, not_valid_after)
			 VALUES ($1, $2, $3, $4, $5)`,
			identity.ID, info.Fingerprint, info.Subject, info.NotValidBefore, info.NotValidAfter)
		if err != nil {
			return mapUniqueViolation(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return err
	}
	switch pqErr.Constraint {
	case "identities_name_lower_idx":
		return ErrNameTaken
	case "credentials_fingerprint_key":
		return ErrCredentialExists
	}
	return err
}

const credentialColumns = `c.id, c.identity_id, c.fingerprint, c.subject, c.not_valid_before, c.not_valid_after,
	i.id AS "identity.id", i.name AS "identity.name", i.created AS "identity.created"`

type credentialRow struct {
	types.Credential
	Identity types.Identity `db:"identity"`
}

func (r *pgRepo) getCredential(ctx context.Context, where string, arg interface{}) (*types.Credential, error) {
	var row credentialRow
	err := sqlx.GetContext(ctx, r.ext, &row,
		`SELECT `+credentialColumns+`
		 FROM credentials c JOIN identities i ON i.id = c.identity_id
		 WHERE `+where, arg)
	if err != nil {
		return nil, notFound(err)
	}

	cred := row.Credential
	cred.Identity = &row.Identity
	return &cred, nil
}

func (r *pgRepo) ResolveFingerprint(ctx context.Context, fingerprint string) (*types.Credential, error) {
	return r.getCredential(ctx, "c.fingerprint = $1", fingerprint)
}

func (r *pgRepo) CredentialFor(ctx context.Context, identityID types.IdentityID) (*types.Credential, error) {
	return r.getCredential(ctx, "c.identity_id = $1", identityID)
}

func (r *pgRepo) FindIdentityByName(ctx context.Context, name string) (*types.Identity, error) {
	var identity types.Identity
	err := sqlx.GetContext(ctx, r.ext, &identity,
		`SELECT id, name, created FROM identities WHERE LOWER(name) = LOWER($1)`, name)
	if err != nil {
		return nil, notFound(err)
	}
	return &identity, nil
}

const postColumns = `p.id, p.author_id, p.episode_id, p.episode_title, p.podcast_id, p.podcast_title,
	p.content, p.created, i.name AS author_name,
	(SELECT COUNT(*) FROM comments c WHERE c.post_id = p.id) AS comment_count`

func (r *pgRepo) CreatePost(ctx context.Context, post *types.Post) error {
	if post.Created.IsZero() {
		post.Created = time.Now().UTC()
	}

	row := r.ext.QueryRowxContext(ctx,
		`INSERT INTO posts (author_id, episode_id, episode_title, podcast_id, podcast_title, content, created)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, (SELECT name FROM identities WHERE id = $1)`,
		post.AuthorID, post.EpisodeID, post.EpisodeTitle, post.PodcastID, post.PodcastTitle, post.Content, post.Created)
	if err := row.Scan(&post.ID, &post.AuthorName); err != nil {
		return fmt.Errorf("error creating post: %w", err)
	}
	return nil
}

func (r *pgRepo) GetPost(ctx context.Context, id types.PostID) (*types.Post, error) {
	var post types.Post
	err := sqlx.GetContext(ctx, r.ext, &post,
		`SELECT `+postColumns+` FROM posts p JOIN identities i ON i.id = p.author_id WHERE p.id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &post, nil
}

func (r *pgRepo) FindPostByEpisode(ctx context.Context, episodeID string) (*types.Post, error) {
	var post types.Post
	err := sqlx.GetContext(ctx, r.ext, &post,
		`SELECT `+postColumns+` FROM posts p JOIN identities i ON i.id = p.author_id
		 WHERE p.episode_id = $1 ORDER BY p.id ASC LIMIT 1`, episodeID)
	if err != nil {
		return nil, notFound(err)
	}
	return &post, nil
}

func (r *pgRepo) RecentPosts(ctx context.Context, limit int) ([]types.Post, error) {
	var posts []types.Post
	query := `SELECT ` + postColumns + ` FROM posts p JOIN identities i ON i.id = p.author_id
		ORDER BY p.created DESC, p.id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	if err := sqlx.SelectContext(ctx, r.ext, &posts, query, args...); err != nil {
		return nil, fmt.Errorf("error listing posts: %w", err)
	}
	return posts, nil
}

func (r *pgRepo) CreateComment(ctx context.Context, comment *types.Comment) error {
	if comment.Created.IsZero() {
		comment.Created = time.Now().UTC()
	}

	row := r.ext.QueryRowxContext(ctx,
		`INSERT INTO comments (author_id, post_id, content, created)
		 SELECT $1::bigint, p.id, $3::text, $4::timestamptz FROM posts p WHERE p.id = $2
		 RETURNING id, (SELECT name FROM identities WHERE id = $1)`,
		comment.AuthorID, comment.PostID, comment.Content, comment.Created)
	if err := row.Scan(&comment.ID, &comment.AuthorName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("error creating comment: %w", err)
	}
	return nil
}

const commentColumns = `c.id, c.author_id, c.post_id, c.content, c.created, i.name AS author_name`

func (r *pgRepo) GetComment(ctx context.Context, id types.CommentID) (*types.Comment, error) {
	var comment types.Comment
	err := sqlx.GetContext(ctx, r.ext, &comment,
		`SELECT `+commentColumns+` FROM comments c JOIN identities i ON i.id = c.author_id WHERE c.id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &comment, nil
}

func (r *pgRepo) ListComments(ctx context.Context, postID types.PostID) ([]types.Comment, error) {
	var comments []types.Comment
	err := sqlx.SelectContext(ctx, r.ext, &comments,
		`SELECT `+commentColumns+` FROM comments c JOIN identities i ON i.id = c.author_id
		 WHERE c.post_id = $1 ORDER BY c.created ASC, c.id ASC`, postID)
	if err != nil {
		return nil, fmt.Errorf("error listing comments: %w", err)
	}
	return comments, nil
}

func (r *pgRepo) Commenters(ctx context.Context, postID types.PostID) ([]types.Identity, error) {
	var identities []types.Identity
	err := sqlx.SelectContext(ctx, r.ext, &identities,
		`SELECT i.id, i.name, i.created FROM identities i
		 WHERE i.id IN (SELECT author_id FROM comments WHERE post_id = $1)
		 ORDER BY i.id`, postID)
	if err != nil {
		return nil, fmt.Errorf("error listing commenters: %w", err)
	}
	return identities, nil
}

func (r *pgRepo) CreateNotification(ctx context.Context, n *types.Notification) error {
	if n.PostID != nil && n.CommentID != nil {
		return ErrInvalidTarget
	}
	if n.Created.IsZero() {
		n.Created = time.Now().UTC()
	}

	err := sqlx.GetContext(ctx, r.ext, &n.ID,
		`INSERT INTO notifications (identity_id, message, post_id, comment_id, created)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		n.IdentityID, n.Message, n.PostID, n.CommentID, n.Created)
	if err != nil {
		return fmt.Errorf("error creating notification: %w", err)
	}
	return nil
}

func (r *pgRepo) ListNotifications(ctx context.Context, identityID types.IdentityID) ([]types.Notification, error) {
	var notifications []types.Notification
	err := sqlx.SelectContext(ctx, r.ext, &notifications,
		`SELECT n.id, n.identity_id, n.message, n.post_id, n.comment_id, n.created,
		        COALESCE(n.post_id, c.post_id) AS target_post_id
		 FROM notifications n LEFT JOIN comments c ON c.id = n.comment_id
		 WHERE n.identity_id = $1
		 ORDER BY n.created DESC, n.id DESC`, identityID)
	if err != nil {
		return nil, fmt.Errorf("error listing notifications: %w", err)
	}
	return notifications, nil
}

func (r *pgRepo) CountNotifications(ctx context.Context, identityID types.IdentityID) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, r.ext, &count,
		`SELECT COUNT(*) FROM notifications WHERE identity_id = $1`, identityID)
	if err != nil {
		return 0, fmt.Errorf("error counting notifications: %w", err)
	}
	return count, nil
}

func (r *pgRepo) ClearNotifications(ctx context.Context, identityID types.IdentityID) (int64, error) {
	res, err := r.ext.ExecContext(ctx, `DELETE FROM notifications WHERE identity_id = $1`, identityID)
	if err != nil {
		return 0, fmt.Errorf("error clearing notifications: %w", err)
	}
	return res.RowsAffected()
}

func (r *pgRepo) DeletePost(ctx context.Context, id types.PostID) error {
	return r.atomic(ctx, fmt.Sprintf("delete post %d", id), func(r *pgRepo) error {
		_, err := r.ext.ExecContext(ctx,
			`DELETE FROM notifications
			 WHERE post_id = $1 OR comment_id IN (SELECT id FROM comments WHERE post_id = $1)`, id)
		if err != nil {
			return fmt.Errorf("error deleting post notifications: %w", err)
		}

		if _, err := r.ext.ExecContext(ctx, `DELETE FROM comments WHERE post_id = $1`, id); err != nil {
			return fmt.Errorf("error deleting post comments: %w", err)
		}

		return deleteOne(ctx, r.ext, `DELETE FROM posts WHERE id = $1`, id)
	})
}

func (r *pgRepo) DeleteComment(ctx context.Context, id types.CommentID) error {
	return r.atomic(ctx, fmt.Sprintf("delete comment %d", id), func(r *pgRepo) error {
		if _, err := r.ext.ExecContext(ctx, `DELETE FROM notifications WHERE comment_id = $1`, id); err != nil {
			return fmt.Errorf("error deleting comment notifications: %w", err)
		}
		return deleteOne(ctx, r.ext, `DELETE FROM comments WHERE id = $1`, id)
	})
}

func deleteOne(ctx context.Context, ext sqlx.ExecerContext, query string, id interface{}) error {
	res, err := ext.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepo) Stats(ctx context.Context) (*types.Stats, error) {
	var stats types.Stats
	err := sqlx.GetContext(ctx, r.ext, &stats,
		`SELECT
		   (SELECT COUNT(*) FROM identities) AS identities,
		   (SELECT COUNT(*) FROM credentials) AS credentials,
		   (SELECT COUNT(*) FROM posts) AS posts,
		   (SELECT COUNT(*) FROM comments) AS comments,
		   (SELECT COUNT(*) FROM notifications) AS notifications`)
	if err != nil {
		return nil, fmt.Errorf("error reading stats: %w", err)
	}
	return &stats, nil
}
