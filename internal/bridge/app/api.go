package app

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/id"

	"github.com/matrix-gitter/matrix-gitter/internal/bridge/commands"
	"github.com/matrix-gitter/matrix-gitter/internal/bridge/store"
)

// The Bridge backs the command interpreter.
var _ commands.API = (*Bridge)(nil)

func (b *Bridge) authedUser(ctx context.Context, matrixUserID string) (*store.User, error) {
	user, err := b.store.GetUser(ctx, matrixUserID)
	if err != nil {
		return nil, err
	}
	if !user.Authenticated() {
		return nil, fmt.Errorf("app: user %s has no gitter credentials", matrixUserID)
	}
	return user, nil
}

// ListGitterRooms returns the user's Gitter rooms with bridged ones marked.
func (b *Bridge) ListGitterRooms(ctx context.Context, matrixUserID string) ([]commands.RoomEntry, error) {
	user, err := b.authedUser(ctx, matrixUserID)
	if err != nil {
		return nil, err
	}
	rooms, err := b.gitter.ListRooms(ctx, user.GitterAccessToken.String)
	if err != nil {
		return nil, err
	}
	bridged, err := b.store.BridgedRoomIDsForUser(ctx, matrixUserID)
	if err != nil {
		return nil, err
	}

	entries := make([]commands.RoomEntry, 0, len(rooms))
	for _, room := range rooms {
		_, ok := bridged[room.ID]
		entries = append(entries, commands.RoomEntry{Name: room.Name, Bridged: ok})
	}
	return entries, nil
}

// JoinGitterRoom joins the named room on the Gitter side only.
func (b *Bridge) JoinGitterRoom(ctx context.Context, matrixUserID, roomName string) error {
	user, err := b.authedUser(ctx, matrixUserID)
	if err != nil {
		return err
	}
	room, err := b.gitter.LookupRoom(ctx, user.GitterAccessToken.String, roomName)
	if err != nil {
		return err
	}
	return b.gitter.JoinRoom(ctx, user.GitterAccessToken.String, user.GitterUserID.String, room.ID)
}

// LeaveGitterRoom leaves the named room on Gitter, first tearing down any
// Matrix room bridged to it.
func (b *Bridge) LeaveGitterRoom(ctx context.Context, matrixUserID, roomName string) error {
	user, err := b.authedUser(ctx, matrixUserID)
	if err != nil {
		return err
	}
	if link := b.linkByUserGitterName(matrixUserID, roomName); link != nil {
		b.leaveAndForget(ctx, link.matrixRoom)
		link.Destroy(ctx)
	}
	return b.gitter.LeaveRoom(ctx, user.GitterAccessToken.String, user.GitterUserID.String, roomName)
}

// BridgeRoom creates a Matrix room bridged to the named Gitter room.  When a
// bridge already exists the user is re-invited and the existing room ID is
// returned.
func (b *Bridge) BridgeRoom(ctx context.Context, matrixUserID, roomName string) (string, error) {
	user, err := b.authedUser(ctx, matrixUserID)
	if err != nil {
		return "", err
	}
	bot := b.matrix.BotUserID()

	if existing, err := b.store.GetBridgedRoomByGitterName(ctx, matrixUserID, roomName); err == nil {
		roomID := id.RoomID(existing.MatrixRoomID)
		if err := b.matrix.Invite(ctx, bot, roomID, id.UserID(matrixUserID)); err != nil {
			slog.Warn("failed to re-invite user to bridged room",
				"matrix_user", matrixUserID, "room", roomID, "error", err)
		}
		return existing.MatrixRoomID, nil
	}

	gitterRoom, err := b.gitter.LookupRoom(ctx, user.GitterAccessToken.String, roomName)
	if err != nil {
		return "", err
	}

	matrixRoom, err := b.matrix.CreateRoomAs(ctx, bot, fmt.Sprintf("%s (Gitter)", roomName), nil)
	if err != nil {
		return "", fmt.Errorf("app: create bridged room: %w", err)
	}

	if _, err := b.store.InsertBridgedRoom(ctx, matrixUserID, string(matrixRoom), roomName, gitterRoom.ID); err != nil {
		return "", err
	}
	link := b.newRoomLink(*user, matrixRoom, roomName, gitterRoom.ID)
	b.indexLink(link)

	if err := b.matrix.Invite(ctx, bot, matrixRoom, id.UserID(matrixUserID)); err != nil {
		slog.Warn("failed to invite user to new bridged room",
			"matrix_user", matrixUserID, "room", matrixRoom, "error", err)
	}
	return "", nil
}

// Logout destroys all of the user's room links and discards their Gitter
// credentials.
func (b *Bridge) Logout(ctx context.Context, matrixUserID string) error {
	for _, link := range b.linksForUser(matrixUserID) {
		b.leaveAndForget(ctx, link.matrixRoom)
		link.Destroy(ctx)
	}
	return b.store.ClearGitterInfo(ctx, matrixUserID)
}

// CloseAdminRoom leaves and forgets the user's one-on-one admin room and
// clears its pointer.
func (b *Bridge) CloseAdminRoom(ctx context.Context, matrixUserID string) error {
	user, err := b.store.GetUser(ctx, matrixUserID)
	if err != nil {
		return err
	}
	if !user.MatrixPrivateRoom.Valid {
		return nil
	}
	room := id.RoomID(user.MatrixPrivateRoom.String)
	if err := b.store.ClearPrivateRoomByValue(ctx, user.MatrixPrivateRoom.String); err != nil {
		return err
	}
	b.leaveAndForget(ctx, room)
	return nil
}

// SendPrivate delivers a message to the user's admin room.
func (b *Bridge) SendPrivate(ctx context.Context, matrixUserID, msg string) error {
	user, err := b.store.GetUser(ctx, matrixUserID)
	if err != nil {
		return err
	}
	b.privateMessage(ctx, user, msg, false)
	return nil
}
