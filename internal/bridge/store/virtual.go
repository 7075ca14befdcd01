package store

import (
	"context"
	"fmt"
)

// VirtualUserExists reports whether a ghost account with this localpart has
// been registered before.
func (s *Store) VirtualUserExists(ctx context.Context, localpart string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM virtual_users WHERE localpart = ?
	`, localpart).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check virtual user: %w", err)
	}
	return n > 0, nil
}

// AddVirtualUser records a registered ghost account.
func (s *Store) AddVirtualUser(ctx context.Context, localpart string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO virtual_users (localpart) VALUES (?)
	`, localpart)
	if err != nil {
		return fmt.Errorf("failed to add virtual user: %w", err)
	}
	return nil
}

// VirtualUserInRoom reports whether the ghost account has already been
// brought into the room.
func (s *Store) VirtualUserInRoom(ctx context.Context, localpart, matrixRoomID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM virtual_user_rooms WHERE localpart = ? AND matrix_room_id = ?
	`, localpart, matrixRoomID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check virtual user room: %w", err)
	}
	return n > 0, nil
}

// AddVirtualUserInRoom records that the ghost account has joined the room.
func (s *Store) AddVirtualUserInRoom(ctx context.Context, localpart, matrixRoomID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO virtual_user_rooms (localpart, matrix_room_id) VALUES (?, ?)
	`, localpart, matrixRoomID)
	if err != nil {
		return fmt.Errorf("failed to add virtual user room: %w", err)
	}
	return nil
}
