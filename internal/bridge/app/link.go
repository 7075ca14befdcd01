package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"maunium.net/go/mautrix/id"

	"github.com/matrix-gitter/matrix-gitter/common/redact"
	"github.com/matrix-gitter/matrix-gitter/internal/bridge/gitter"
	"github.com/matrix-gitter/matrix-gitter/internal/bridge/store"
)

// RoomLink is one live bridge between a Matrix room and a Gitter room.  It
// owns the Gitter message stream for the room and keeps it open for the
// lifetime of the link, reconnecting through the shared limiter.
type RoomLink struct {
	bridge         *Bridge
	user           store.User
	matrixRoom     id.RoomID
	gitterRoomName string
	gitterRoomID   string

	destroyed atomic.Bool

	mu     sync.Mutex
	body   io.ReadCloser
	cancel context.CancelFunc
}

// newRoomLink creates a link and schedules its first stream open.  The
// stream is never opened synchronously; the limiter paces all opens.
func (b *Bridge) newRoomLink(user store.User, matrixRoom id.RoomID, gitterRoomName, gitterRoomID string) *RoomLink {
	link := &RoomLink{
		bridge:         b,
		user:           user,
		matrixRoom:     matrixRoom,
		gitterRoomName: gitterRoomName,
		gitterRoomID:   gitterRoomID,
	}
	b.limiter.Schedule(link.startStream)
	return link
}

func (l *RoomLink) startStream() {
	if l.destroyed.Load() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	body, err := l.bridge.gitter.OpenStream(ctx,
		l.user.GitterAccessToken.String, l.gitterRoomID)
	if err != nil {
		cancel()
		slog.Warn("failed to open gitter stream",
			"github_user", l.user.GithubUsername.String,
			"gitter_room", l.gitterRoomName,
			"error", redact.String(err.Error(), l.user.GitterAccessToken.String))
		l.bridge.limiter.Fail()
		l.bridge.limiter.Schedule(l.startStream)
		return
	}
	l.bridge.limiter.Success()

	l.mu.Lock()
	if l.destroyed.Load() {
		l.mu.Unlock()
		cancel()
		body.Close()
		return
	}
	l.body = body
	l.cancel = cancel
	l.mu.Unlock()

	slog.Info("gitter stream started",
		"github_user", l.user.GithubUsername.String, "gitter_room", l.gitterRoomName)
	go l.readLoop(body)
}

// readLoop consumes one stream until it ends, then reschedules a reconnect
// unless the link was destroyed.
func (l *RoomLink) readLoop(body io.ReadCloser) {
	dec := gitter.NewStreamDecoder(body)
	for {
		msg, err := dec.Receive()
		if errors.Is(err, gitter.ErrEmptyFrame) {
			continue
		}
		var malformed *gitter.MalformedFrameError
		if errors.As(err, &malformed) {
			slog.Warn("dropping malformed stream frame",
				"gitter_room", l.gitterRoomName, "error", malformed)
			continue
		}
		if err != nil {
			body.Close()
			l.mu.Lock()
			if l.body == body {
				l.body = nil
				if l.cancel != nil {
					l.cancel()
					l.cancel = nil
				}
			}
			l.mu.Unlock()

			if !l.destroyed.Load() {
				slog.Info("gitter stream lost, reconnecting",
					"github_user", l.user.GithubUsername.String,
					"gitter_room", l.gitterRoomName, "error", err)
				l.bridge.limiter.Schedule(l.startStream)
			}
			return
		}

		if l.destroyed.Load() {
			return
		}
		// Loop suppression: drop messages echoed back from the owning user's
		// own Gitter account.
		if msg.FromUser.Username == l.user.GithubUsername.String {
			continue
		}
		l.bridge.forwardToMatrix(context.Background(), l.matrixRoom, msg.FromUser.Username, msg.Text)
	}
}

// ToGitter forwards a Matrix message into the Gitter room, translating any
// HTML formatting to Gitter markdown first.  Errors are logged, not fatal.
func (l *RoomLink) ToGitter(ctx context.Context, body, formattedBody string) {
	text := l.bridge.markup.ToGitter(body, formattedBody)
	err := l.bridge.gitter.PostMessage(ctx, l.user.GitterAccessToken.String, l.gitterRoomID, text)
	if err != nil {
		slog.Warn("failed to post message to gitter",
			"gitter_room", l.gitterRoomName,
			"error", redact.String(err.Error(), l.user.GitterAccessToken.String))
	}
}

// Destroy tears the link down: idempotent, removes it from the index,
// deletes the persisted row, and closes the live stream best-effort.
func (l *RoomLink) Destroy(ctx context.Context) {
	if !l.destroyed.CompareAndSwap(false, true) {
		return
	}
	l.bridge.unindexLink(l)
	if err := l.bridge.store.DeleteBridgedRoom(ctx, l.user.MatrixUserID, string(l.matrixRoom)); err != nil {
		slog.Warn("failed to delete bridged room",
			"matrix_room", l.matrixRoom, "error", err)
	}
	l.closeStream()
}

func (l *RoomLink) closeStream() {
	l.mu.Lock()
	body, cancel := l.body, l.cancel
	l.body, l.cancel = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if body != nil {
		body.Close()
	}
}
