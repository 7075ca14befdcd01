package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BridgedRoom links one user's Matrix room to a Gitter room.
type BridgedRoom struct {
	ID             int64
	MatrixUserID   string
	MatrixRoomID   string
	GitterRoomName string
	GitterRoomID   string
	CreatedAt      time.Time
}

// BridgedRoomUser is a BridgedRoom joined with its owning user's credentials,
// enough to open a Gitter stream for the link.
type BridgedRoomUser struct {
	BridgedRoom
	User User
}

// InsertBridgedRoom records a new room link.  The schema's unique constraints
// reject a second link for the same (user, Matrix room) or the same
// (user, Gitter room) pair.
func (s *Store) InsertBridgedRoom(ctx context.Context, matrixUserID, matrixRoomID, gitterRoomName, gitterRoomID string) (*BridgedRoom, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (matrix_user_id, matrix_room_id, gitter_room_name, gitter_room_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, matrixUserID, matrixRoomID, gitterRoomName, gitterRoomID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert bridged room: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to insert bridged room: %w", err)
	}
	return &BridgedRoom{
		ID:             id,
		MatrixUserID:   matrixUserID,
		MatrixRoomID:   matrixRoomID,
		GitterRoomName: gitterRoomName,
		GitterRoomID:   gitterRoomID,
		CreatedAt:      now,
	}, nil
}

// DeleteBridgedRoom removes a user's link to a Matrix room.
func (s *Store) DeleteBridgedRoom(ctx context.Context, matrixUserID, matrixRoomID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM rooms WHERE matrix_user_id = ? AND matrix_room_id = ?
	`, matrixUserID, matrixRoomID)
	if err != nil {
		return fmt.Errorf("failed to delete bridged room: %w", err)
	}
	return nil
}

// ListBridgedRooms returns every room link together with its owning user.
// Used at startup to rebuild the in-memory link set.
func (s *Store) ListBridgedRooms(ctx context.Context) ([]*BridgedRoomUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.matrix_user_id, r.matrix_room_id, r.gitter_room_name, r.gitter_room_id, r.created_at,
		       u.matrix_user_id, u.matrix_private_room, u.gitter_access_token,
		       u.gitter_user_id, u.github_username, u.created_at, u.updated_at
		FROM rooms r
		JOIN users u ON u.matrix_user_id = r.matrix_user_id
		ORDER BY r.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list bridged rooms: %w", err)
	}
	defer rows.Close()

	var links []*BridgedRoomUser
	for rows.Next() {
		link := &BridgedRoomUser{}
		err := rows.Scan(
			&link.ID, &link.MatrixUserID, &link.MatrixRoomID, &link.GitterRoomName, &link.GitterRoomID, &link.CreatedAt,
			&link.User.MatrixUserID, &link.User.MatrixPrivateRoom, &link.User.GitterAccessToken,
			&link.User.GitterUserID, &link.User.GithubUsername, &link.User.CreatedAt, &link.User.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bridged room: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bridged rooms: %w", err)
	}
	return links, nil
}

// BridgedRoomIDsForUser maps the user's bridged Gitter room IDs to the Matrix
// rooms they are linked to, for marking rooms in the `list` command output.
func (s *Store) BridgedRoomIDsForUser(ctx context.Context, matrixUserID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT gitter_room_id, matrix_room_id FROM rooms WHERE matrix_user_id = ?
	`, matrixUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bridged room ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]string)
	for rows.Next() {
		var gitterRoomID, matrixRoomID string
		if err := rows.Scan(&gitterRoomID, &matrixRoomID); err != nil {
			return nil, fmt.Errorf("failed to scan room ids: %w", err)
		}
		ids[gitterRoomID] = matrixRoomID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating room ids: %w", err)
	}
	return ids, nil
}

// GetBridgedRoomByGitterName finds a user's link to the named Gitter room.
func (s *Store) GetBridgedRoomByGitterName(ctx context.Context, matrixUserID, gitterRoomName string) (*BridgedRoom, error) {
	link := &BridgedRoom{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, matrix_user_id, matrix_room_id, gitter_room_name, gitter_room_id, created_at
		FROM rooms
		WHERE matrix_user_id = ? AND gitter_room_name = ?
	`, matrixUserID, gitterRoomName).Scan(
		&link.ID, &link.MatrixUserID, &link.MatrixRoomID, &link.GitterRoomName, &link.GitterRoomID, &link.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bridged room: %w", err)
	}
	return link, nil
}
