package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is an agent known to the platform. Emails are stored lower-cased.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// UpsertUser inserts the user or updates the name of an existing email.
func (s *Store) UpsertUser(ctx context.Context, u *User, now time.Time) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Email == "" {
		return fmt.Errorf("store: upsert user: email is required")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users(id, email, name, created_at) VALUES(?,?,?,?)
		ON CONFLICT(email) DO UPDATE SET name=excluded.name`, u.ID, u.Email, u.Name, now)
	if err != nil {
		return fmt.Errorf("store: upsert user %s: %w", u.Email, err)
	}
	existing, err := s.UserByEmail(ctx, u.Email)
	if err != nil {
		return err
	}
	*u = *existing
	return nil
}

// UserByEmail looks a user up case-insensitively.
func (s *Store) UserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	var name sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, email, name, created_at FROM users WHERE email=?`,
		strings.ToLower(strings.TrimSpace(email))).Scan(&u.ID, &u.Email, &name, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: user %s: %w", email, err)
	}
	u.Name = name.String
	return &u, nil
}
