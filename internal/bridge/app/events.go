package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-gitter/matrix-gitter/common/redact"
	"github.com/matrix-gitter/matrix-gitter/common/trace"
	"github.com/matrix-gitter/matrix-gitter/internal/bridge/commands"
	"github.com/matrix-gitter/matrix-gitter/internal/bridge/store"
)

// handleEvent dispatches one event pushed by the homeserver.  Events are
// handled synchronously, so each event's state changes land before the next
// event in the transaction is looked at.
func (b *Bridge) handleEvent(ctx context.Context, evt *event.Event) {
	slog.Debug("matrix event",
		"type", evt.Type.Type, "sender", evt.Sender, "room", evt.RoomID,
		"trace_id", trace.FromContext(ctx))

	switch evt.Type {
	case event.StateMember:
		b.handleMemberEvent(ctx, evt)
	case event.EventMessage:
		b.handleMessageEvent(ctx, evt)
	}
}

func (b *Bridge) handleMemberEvent(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMember()
	room := evt.RoomID
	bot := b.matrix.BotUserID()

	switch content.Membership {
	case event.MembershipInvite:
		// Only invites that actually target the bot trigger a join.
		if evt.GetStateKey() != string(bot) {
			return
		}
		slog.Info("joining room on invite", "room", room)
		if err := b.matrix.JoinAs(ctx, bot, room); err != nil {
			slog.Warn("failed to join room", "room", room, "error", err)
		}

	case event.MembershipJoin:
		// Joins to linked rooms are virtual users; nothing to do there.  A
		// join in any other room may mean a private chat just filled up.
		if b.linkByMatrixRoom(room) == nil {
			b.probePrivateRoom(ctx, room)
		}

	default:
		// Someone left (or was banned/kicked).
		if link := b.linkByMatrixRoom(room); link != nil {
			slog.Info("user left bridged room, destroying link",
				"matrix_user", evt.Sender, "room", room)
			link.Destroy(ctx)
			return
		}
		if evt.Sender == bot {
			return
		}
		user, err := b.store.GetUser(ctx, string(evt.Sender))
		if err != nil {
			return
		}
		if user.MatrixPrivateRoom.Valid && user.MatrixPrivateRoom.String == string(room) {
			slog.Info("user left their private room, leaving",
				"matrix_user", evt.Sender, "room", room)
			if err := b.store.ClearPrivateRoomByValue(ctx, string(room)); err != nil {
				slog.Warn("failed to clear private room", "room", room, "error", err)
			}
			b.leaveAndForget(ctx, room)
		}
	}
}

// probePrivateRoom checks whether a room the bot sits in has become a
// one-on-one admin chat.  One joined member means we are still waiting for
// the other side; more than two means this cannot be a private chat.
func (b *Bridge) probePrivateRoom(ctx context.Context, room id.RoomID) {
	members, err := b.matrix.JoinedMembers(ctx, room)
	if err != nil {
		slog.Warn("failed to get room members", "room", room, "error", err)
		return
	}
	slog.Info("room members", "room", room, "members", members)

	bot := b.matrix.BotUserID()
	if len(members) > 2 {
		slog.Info("too many members in room, leaving", "room", room)
		b.leaveAndForget(ctx, room)
		if err := b.store.ClearPrivateRoomByValue(ctx, string(room)); err != nil {
			slog.Warn("failed to clear private room", "room", room, "error", err)
		}
		return
	}

	var other id.UserID
	for _, member := range members {
		if member != bot {
			if other != "" {
				return
			}
			other = member
		}
	}
	if other == "" {
		return
	}

	user, err := b.store.CreateUser(ctx, string(other))
	if err != nil {
		slog.Warn("failed to create user", "matrix_user", other, "error", err)
		return
	}
	b.adoptPrivateRoom(ctx, string(other), room)

	b.greet(ctx, user, room)
}

// greet welcomes a user in their freshly adopted admin room.
func (b *Bridge) greet(ctx context.Context, user *store.User, room id.RoomID) {
	msg := fmt.Sprintf("Hi %s! I am the interface to this Matrix-Gitter bridge.",
		userLocalRef(user.MatrixUserID))
	if user.GithubUsername.Valid {
		msg += fmt.Sprintf("\nYou are currently logged in as %s.\n", user.GithubUsername.String)
		msg += commands.HelpMessage
	} else {
		msg += "\nYou will need to log in to your Gitter account or sign up for one " +
			"before I can do anything for you.\n" +
			"You can do this now using this link: " + b.login.AuthLink(user.MatrixUserID)
	}
	if err := b.matrix.SendText(ctx, b.matrix.BotUserID(), room, msg); err != nil {
		slog.Warn("failed to greet user", "matrix_user", user.MatrixUserID, "error", err)
	}
}

func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMessage()
	if content.MsgType != event.MsgText {
		return
	}
	if evt.Sender == b.matrix.BotUserID() {
		return
	}
	room := evt.RoomID

	// Messages in a linked room from the room's owner go to Gitter.
	if link := b.linkByMatrixRoom(room); link != nil {
		if string(evt.Sender) == link.user.MatrixUserID {
			link.ToGitter(ctx, content.Body, content.FormattedBody)
		}
		return
	}

	// Otherwise it may be a command in the sender's admin room.
	user, err := b.store.GetUser(ctx, string(evt.Sender))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("failed to look up user", "matrix_user", evt.Sender, "error", err)
		}
		return
	}
	if !user.MatrixPrivateRoom.Valid || user.MatrixPrivateRoom.String != string(room) {
		return
	}

	if !user.Authenticated() {
		b.privateMessage(ctx, user, "You are not logged in.", false)
		return
	}
	if err := b.commands.Handle(ctx, user.MatrixUserID, content.Body); err != nil {
		slog.Warn("command failed", "matrix_user", evt.Sender,
			"error", redact.String(err.Error(), user.GitterAccessToken.String))
	}
}

func (b *Bridge) leaveAndForget(ctx context.Context, room id.RoomID) {
	bot := b.matrix.BotUserID()
	if err := b.matrix.LeaveAs(ctx, bot, room); err != nil {
		slog.Warn("failed to leave room", "room", room, "error", err)
		return
	}
	if err := b.matrix.ForgetAs(ctx, bot, room); err != nil {
		slog.Warn("failed to forget room", "room", room, "error", err)
	}
}
