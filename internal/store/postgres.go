package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"video-pipeline/internal/models"
)

// Store wraps pgxpool for Postgres persistence of user quota records and
// payment references.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetUser fetches a quota record by id.
func (s *Store) GetUser(ctx context.Context, id string) (models.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, tier, videos_left, subscription_expires, created_at, updated_at
		FROM users WHERE id = $1
	`, id)

	var user models.User
	var username pgtype.Text
	var expires pgtype.Timestamptz

	if err := row.Scan(&user.ID, &username, &user.Tier, &user.VideosLeft, &expires, &user.CreatedAt, &user.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, models.ErrUserNotFound
		}
		return models.User{}, fmt.Errorf("scan user: %w", err)
	}
	if username.Valid {
		user.Username = username.String
	}
	if expires.Valid {
		t := expires.Time
		user.SubscriptionExpires = &t
	}
	return user, nil
}

// CreateUser inserts a fresh quota record.
func (s *Store) CreateUser(ctx context.Context, user models.User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, tier, videos_left, subscription_expires, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, user.ID, emptyToNil(user.Username), user.Tier, user.VideosLeft, user.SubscriptionExpires, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// SaveUser overwrites an existing quota record.
func (s *Store) SaveUser(ctx context.Context, user models.User) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users
		SET username = $2, tier = $3, videos_left = $4, subscription_expires = $5, updated_at = NOW()
		WHERE id = $1
	`, user.ID, emptyToNil(user.Username), user.Tier, user.VideosLeft, user.SubscriptionExpires)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

// MarkCredited records a payment reference exactly once. A redelivered
// webhook for the same reference returns false.
func (s *Store) MarkCredited(ctx context.Context, paymentRef, userID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO payments (ref, user_id, credited_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (ref) DO NOTHING
	`, paymentRef, userID)
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
