package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// User represents a bridge user in the database
type User struct {
	MatrixUserID      string
	MatrixPrivateRoom sql.NullString
	GitterAccessToken sql.NullString
	GitterUserID      sql.NullString
	GithubUsername    sql.NullString
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Authenticated reports whether the user has completed the Gitter OAuth flow.
func (u *User) Authenticated() bool {
	return u.GitterAccessToken.Valid && u.GitterUserID.Valid && u.GithubUsername.Valid
}

const userColumns = `matrix_user_id, matrix_private_room, gitter_access_token,
       gitter_user_id, github_username, created_at, updated_at`

func scanUser(row *sql.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.MatrixUserID, &user.MatrixPrivateRoom, &user.GitterAccessToken,
		&user.GitterUserID, &user.GithubUsername, &user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return user, nil
}

// GetUser retrieves a user by Matrix user ID
func (s *Store) GetUser(ctx context.Context, matrixUserID string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE matrix_user_id = ?
	`, matrixUserID))
}

// GetUserByGithub retrieves a user by GitHub username
func (s *Store) GetUserByGithub(ctx context.Context, githubUsername string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE github_username = ?
	`, githubUsername))
}

// CreateUser inserts a user row if one does not exist yet and returns the
// stored user either way.
func (s *Store) CreateUser(ctx context.Context, matrixUserID string) (*User, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO users (matrix_user_id) VALUES (?)
	`, matrixUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return s.GetUser(ctx, matrixUserID)
}

// SetGitterInfo stores the user's Gitter credentials after a successful
// OAuth exchange.
func (s *Store) SetGitterInfo(ctx context.Context, matrixUserID, accessToken, gitterUserID, githubUsername string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET gitter_access_token = ?, gitter_user_id = ?, github_username = ?, updated_at = ?
		WHERE matrix_user_id = ?
	`, accessToken, gitterUserID, githubUsername, time.Now(), matrixUserID)
	if err != nil {
		return fmt.Errorf("failed to set gitter info: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set gitter info: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearGitterInfo removes the user's Gitter credentials (logout).
func (s *Store) ClearGitterInfo(ctx context.Context, matrixUserID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET gitter_access_token = NULL, gitter_user_id = NULL, github_username = NULL, updated_at = ?
		WHERE matrix_user_id = ?
	`, time.Now(), matrixUserID)
	if err != nil {
		return fmt.Errorf("failed to clear gitter info: %w", err)
	}
	return nil
}

// SetPrivateRoom records roomID as the user's one-on-one admin room, creating
// the user row when missing.  Any other user pointing at the same room loses
// the pointer first, since matrix_private_room is unique.  It returns the
// room the user pointed at before, if any.
func (s *Store) SetPrivateRoom(ctx context.Context, matrixUserID, roomID string) (previous string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE users SET matrix_private_room = NULL, updated_at = ?
		WHERE matrix_private_room = ? AND matrix_user_id != ?
	`, time.Now(), roomID, matrixUserID)
	if err != nil {
		return "", fmt.Errorf("failed to release private room: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO users (matrix_user_id) VALUES (?)
	`, matrixUserID)
	if err != nil {
		return "", fmt.Errorf("failed to create user: %w", err)
	}

	var prev sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT matrix_private_room FROM users WHERE matrix_user_id = ?
	`, matrixUserID).Scan(&prev)
	if err != nil {
		return "", fmt.Errorf("failed to read previous private room: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users SET matrix_private_room = ?, updated_at = ?
		WHERE matrix_user_id = ?
	`, roomID, time.Now(), matrixUserID)
	if err != nil {
		return "", fmt.Errorf("failed to set private room: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return prev.String, nil
}

// ClearPrivateRoomByValue drops the private-room pointer of whichever user
// currently holds roomID.
func (s *Store) ClearPrivateRoomByValue(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET matrix_private_room = NULL, updated_at = ?
		WHERE matrix_private_room = ?
	`, time.Now(), roomID)
	if err != nil {
		return fmt.Errorf("failed to clear private room: %w", err)
	}
	return nil
}

// GetUserByPrivateRoom finds the user whose admin room is roomID.
func (s *Store) GetUserByPrivateRoom(ctx context.Context, roomID string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE matrix_private_room = ?
	`, roomID))
}
