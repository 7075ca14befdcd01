// Package commands interprets the messages users send the bot in their
// one-on-one admin room.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// HelpMessage lists the commands the bot understands.  It is also sent as
// part of the greeting when a logged-in user opens an admin room.
const HelpMessage = "This service is entirely controlled through messages sent in private to " +
	"this bot. The commands I recognize are:\n" +
	" - `list`: displays the list of Gitter room you are in, that you can " +
	"join in Matrix via the `invite` command. An asterix indicates a room you " +
	"are already in through Matrix.\n" +
	" - `gjoin <gitter-room>`: join a new room on Gitter (you can then use " +
	"`invite` to talk in it from here).\n" +
	" - `gpart <gitter-room>`: leave a room on Gitter. This will kick you out " +
	"of the Matrix room if you were in it.\n" +
	" - `invite <gitter-room>`: create a Matrix room bridged to that Gitter " +
	"room and invite you to join it.\n" +
	" - `logout`: throw away your Gitter credentials. Kick you out of all the " +
	"rooms you are in."

// RoomEntry is one Gitter room in a `list` reply.
type RoomEntry struct {
	Name    string
	Bridged bool
}

// API is what the command interpreter needs from the bridge.
type API interface {
	// ListGitterRooms returns the Gitter rooms the user is in, with bridged
	// rooms marked.
	ListGitterRooms(ctx context.Context, matrixUserID string) ([]RoomEntry, error)
	// JoinGitterRoom joins the named room on the Gitter side.
	JoinGitterRoom(ctx context.Context, matrixUserID, room string) error
	// LeaveGitterRoom leaves the named room on Gitter and tears down any
	// Matrix room bridged to it.
	LeaveGitterRoom(ctx context.Context, matrixUserID, room string) error
	// BridgeRoom creates a Matrix room bridged to the named Gitter room and
	// invites the user.  When a bridge already exists it re-invites the user
	// and returns the existing Matrix room ID instead.
	BridgeRoom(ctx context.Context, matrixUserID, room string) (existing string, err error)
	// Logout tears down all of the user's bridged rooms and discards their
	// Gitter credentials.
	Logout(ctx context.Context, matrixUserID string) error
	// CloseAdminRoom leaves and forgets the user's one-on-one admin room.
	CloseAdminRoom(ctx context.Context, matrixUserID string) error
	// SendPrivate delivers a message to the user's admin room.
	SendPrivate(ctx context.Context, matrixUserID, msg string) error
}

// Handlers routes command messages to the bridge.
type Handlers struct {
	api API
}

// New creates a command interpreter on top of the bridge API.
func New(api API) *Handlers {
	return &Handlers{api: api}
}

// Handle interprets one message from a logged-in user's admin room and sends
// the reply through the API.
func (h *Handlers) Handle(ctx context.Context, matrixUserID, msg string) error {
	slog.Info("got command", "matrix_user", matrixUserID, "command", msg)

	firstWord, rest, _ := strings.Cut(strings.TrimSpace(msg), " ")
	firstWord = strings.ToLower(strings.TrimSpace(firstWord))
	rest = strings.TrimSpace(rest)

	switch firstWord {
	case "list":
		if rest == "" {
			return h.list(ctx, matrixUserID)
		}
	case "gjoin":
		return h.gjoin(ctx, matrixUserID, rest)
	case "gpart":
		return h.gpart(ctx, matrixUserID, rest)
	case "invite":
		return h.invite(ctx, matrixUserID, rest)
	case "logout":
		return h.logout(ctx, matrixUserID)
	}

	return h.api.SendPrivate(ctx, matrixUserID, "Invalid command!")
}

func (h *Handlers) list(ctx context.Context, matrixUserID string) error {
	rooms, err := h.api.ListGitterRooms(ctx, matrixUserID)
	if err != nil {
		// The user gets no reply, matching a transient Gitter outage.
		return fmt.Errorf("commands: list rooms for %s: %w", matrixUserID, err)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })

	lines := []string{"Rooms you are currently in on Gitter (* indicates you are in " +
		"that room from Matrix as well):"}
	for _, room := range rooms {
		marker := ""
		if room.Bridged {
			marker = " *"
		}
		lines = append(lines, fmt.Sprintf(" - %s%s", room.Name, marker))
	}
	return h.api.SendPrivate(ctx, matrixUserID, strings.Join(lines, "\n"))
}

func (h *Handlers) gjoin(ctx context.Context, matrixUserID, room string) error {
	if err := h.api.JoinGitterRoom(ctx, matrixUserID, room); err != nil {
		slog.Warn("failed to join gitter room", "matrix_user", matrixUserID, "room", room, "error", err)
		return h.api.SendPrivate(ctx, matrixUserID, fmt.Sprintf("Couldn't join room %s", room))
	}
	return h.api.SendPrivate(ctx, matrixUserID, fmt.Sprintf("Successfully joined room %s", room))
}

func (h *Handlers) gpart(ctx context.Context, matrixUserID, room string) error {
	if err := h.api.LeaveGitterRoom(ctx, matrixUserID, room); err != nil {
		slog.Warn("failed to leave gitter room", "matrix_user", matrixUserID, "room", room, "error", err)
		return h.api.SendPrivate(ctx, matrixUserID, fmt.Sprintf("Couldn't leave room %s", room))
	}
	return h.api.SendPrivate(ctx, matrixUserID, fmt.Sprintf("Successfully left room %s", room))
}

func (h *Handlers) invite(ctx context.Context, matrixUserID, room string) error {
	existing, err := h.api.BridgeRoom(ctx, matrixUserID, room)
	if err != nil {
		slog.Warn("failed to bridge room", "matrix_user", matrixUserID, "room", room, "error", err)
		return h.api.SendPrivate(ctx, matrixUserID, fmt.Sprintf("Can't access room %s", room))
	}
	if existing != "" {
		return h.api.SendPrivate(ctx, matrixUserID,
			fmt.Sprintf("You are already on room %s: %s", room, existing))
	}
	// A fresh bridge announces itself via the room invite.
	return nil
}

func (h *Handlers) logout(ctx context.Context, matrixUserID string) error {
	if err := h.api.Logout(ctx, matrixUserID); err != nil {
		return fmt.Errorf("commands: logout %s: %w", matrixUserID, err)
	}
	if err := h.api.SendPrivate(ctx, matrixUserID, "You have been logged out."); err != nil {
		return err
	}
	return h.api.CloseAdminRoom(ctx, matrixUserID)
}
