package app

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/id"
)

// forwardToMatrix delivers a Gitter message into a Matrix room as the ghost
// account of its Gitter author.  Registration and room membership are done
// lazily, once per ghost and once per (ghost, room); failures are logged and
// the later steps still run, since the homeserver treats repeats as no-ops.
func (b *Bridge) forwardToMatrix(ctx context.Context, room id.RoomID, gitterUsername, text string) {
	localpart := "gitter_" + gitterUsername
	virt := b.matrix.UserID(localpart)

	exists, err := b.store.VirtualUserExists(ctx, localpart)
	if err != nil {
		slog.Warn("failed to check virtual user", "localpart", localpart, "error", err)
		return
	}
	if !exists {
		slog.Info("creating virtual user", "localpart", localpart)
		if err := b.matrix.RegisterVirtualUser(ctx, localpart); err != nil {
			slog.Warn("failed to register virtual user", "localpart", localpart, "error", err)
		} else if err := b.matrix.SetDisplayName(ctx, virt, fmt.Sprintf("%s (Gitter)", gitterUsername)); err != nil {
			slog.Warn("failed to set ghost displayname", "localpart", localpart, "error", err)
		}
		if err := b.store.AddVirtualUser(ctx, localpart); err != nil {
			slog.Warn("failed to record virtual user", "localpart", localpart, "error", err)
		}
	}

	inRoom, err := b.store.VirtualUserInRoom(ctx, localpart, string(room))
	if err != nil {
		slog.Warn("failed to check virtual user room", "localpart", localpart, "error", err)
		return
	}
	if !inRoom {
		if err := b.matrix.Invite(ctx, b.matrix.BotUserID(), room, virt); err != nil {
			slog.Warn("failed to invite ghost", "localpart", localpart, "room", room, "error", err)
		}
		if err := b.matrix.JoinAs(ctx, virt, room); err != nil {
			slog.Warn("failed to join ghost to room", "localpart", localpart, "room", room, "error", err)
		}
		if err := b.store.AddVirtualUserInRoom(ctx, localpart, string(room)); err != nil {
			slog.Warn("failed to record ghost room membership", "localpart", localpart, "error", err)
		}
	}

	if err := b.matrix.SendText(ctx, virt, room, text); err != nil {
		slog.Warn("failed to forward message to matrix", "room", room, "error", err)
	}
}
