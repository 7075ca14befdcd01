// Package app wires the bridge together: the store, the Matrix and Gitter
// clients, the room links, and the two inbound HTTP surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/matrix-gitter/matrix-gitter/common/markup"
	"github.com/matrix-gitter/matrix-gitter/common/ratelimit"
	"github.com/matrix-gitter/matrix-gitter/internal/bridge/commands"
	"github.com/matrix-gitter/matrix-gitter/internal/bridge/config"
	"github.com/matrix-gitter/matrix-gitter/internal/bridge/gitter"
	"github.com/matrix-gitter/matrix-gitter/internal/bridge/matrix"
	"github.com/matrix-gitter/matrix-gitter/internal/bridge/store"
)

// Reconnect pacing for Gitter streams, shared across every room link so
// total reconnect pressure on Gitter stays bounded.
const (
	streamDelayMin    = 2 * time.Second
	streamDelayMax    = 10 * time.Minute
	streamFailMult    = 2
	streamSuccessMult = 0.5
)

// botVirtualLocalpart is the ghost account registered at startup so the
// bridge works over federation.
const botVirtualLocalpart = "gitter"

// Bridge is the main application object.
type Bridge struct {
	cfg      *config.Config
	store    *store.Store
	matrix   *matrix.Client
	gitter   *gitter.Client
	login    *gitter.LoginServer
	limiter  *ratelimit.Limiter
	markup   *markup.Converter
	commands *commands.Handlers

	mu           sync.Mutex
	byMatrixRoom map[id.RoomID]*RoomLink
	byUserGitter map[string]map[string]*RoomLink
}

// New builds the bridge from configuration.  Run must be called to start it.
func New(cfg *config.Config) (*Bridge, error) {
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	mx, err := matrix.NewClient(matrix.Config{
		HomeserverURL: cfg.MatrixHomeserverURL,
		Domain:        cfg.MatrixHomeserverDomain,
		Botname:       cfg.MatrixBotname,
		AccessToken:   cfg.MatrixAppserviceToken,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	b := &Bridge{
		cfg:          cfg,
		store:        st,
		matrix:       mx,
		gitter:       gitter.NewClient(),
		limiter:      ratelimit.New(streamDelayMin, streamDelayMax, streamFailMult, streamSuccessMult),
		markup:       markup.NewConverter(),
		byMatrixRoom: make(map[id.RoomID]*RoomLink),
		byUserGitter: make(map[string]map[string]*RoomLink),
	}
	b.commands = commands.New(b)
	b.login = gitter.NewLoginServer(gitter.LoginServerConfig{
		SecretKey:    cfg.UniqueSecretKey,
		PublicURL:    cfg.GitterLoginURL,
		BotName:      string(mx.BotUserID()),
		OAuthKey:     cfg.GitterOAuthKey,
		OAuthSecret:  cfg.GitterOAuthSecret,
		Client:       b.gitter,
		AuthCallback: b.completeLogin,
	})
	return b, nil
}

// Run starts the bridge and blocks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.store.Close()
	defer b.limiter.Stop()

	if err := b.ensureBotVirtualUser(ctx); err != nil {
		// Usage over federated rooms might not work correctly, but the
		// bridge itself still can.
		slog.Warn("failed to create bridge virtual user", "localpart", botVirtualLocalpart, "error", err)
	}

	if err := b.rebuildLinks(ctx); err != nil {
		return err
	}

	appservice := matrix.NewAppservice(matrix.AppserviceConfig{
		HomeserverToken: b.cfg.MatrixHomeserverToken,
		Domain:          b.cfg.MatrixHomeserverDomain,
		NamespacePrefix: "gitter",
		OnEvent:         b.handleEvent,
		OnUserQuery:     b.registerVirtualUser,
	})

	appserviceSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", b.cfg.MatrixAppservicePort),
		Handler: appservice.Handler(),
	}
	loginSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", b.cfg.GitterLoginPort),
		Handler: b.login.Handler(),
	}

	errc := make(chan error, 2)
	go func() {
		slog.Info("appservice listening", "addr", appserviceSrv.Addr)
		if err := appserviceSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("app: appservice server: %w", err)
		}
	}()
	go func() {
		slog.Info("gitter login surface listening", "addr", loginSrv.Addr)
		if err := loginSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("app: login server: %w", err)
		}
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	appserviceSrv.Shutdown(shutdownCtx)
	loginSrv.Shutdown(shutdownCtx)
	b.closeAllLinks()
	return err
}

// ensureBotVirtualUser registers the "gitter" ghost account once.
func (b *Bridge) ensureBotVirtualUser(ctx context.Context) error {
	exists, err := b.store.VirtualUserExists(ctx, botVirtualLocalpart)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	slog.Info("creating bridge virtual user", "localpart", botVirtualLocalpart)
	if err := b.matrix.RegisterVirtualUser(ctx, botVirtualLocalpart); err != nil {
		return err
	}
	return b.store.AddVirtualUser(ctx, botVirtualLocalpart)
}

// registerVirtualUser backs the appservice user-query endpoint.
func (b *Bridge) registerVirtualUser(ctx context.Context, localpart string) error {
	return b.matrix.RegisterVirtualUser(ctx, localpart)
}

// rebuildLinks reconstructs the in-memory room links from the store.  Each
// link schedules its first stream open through the shared limiter.
func (b *Bridge) rebuildLinks(ctx context.Context) error {
	links, err := b.store.ListBridgedRooms(ctx)
	if err != nil {
		return fmt.Errorf("app: rebuild links: %w", err)
	}
	slog.Info("initializing rooms", "count", len(links))
	for _, row := range links {
		link := b.newRoomLink(row.User, id.RoomID(row.MatrixRoomID), row.GitterRoomName, row.GitterRoomID)
		b.indexLink(link)
		slog.Info("room link restored",
			"matrix_room", row.MatrixRoomID, "gitter_room", row.GitterRoomName,
			"matrix_user", row.MatrixUserID, "github_user", row.User.GithubUsername.String)
	}
	return nil
}

func (b *Bridge) indexLink(link *RoomLink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byMatrixRoom[link.matrixRoom] = link
	perUser := b.byUserGitter[link.user.MatrixUserID]
	if perUser == nil {
		perUser = make(map[string]*RoomLink)
		b.byUserGitter[link.user.MatrixUserID] = perUser
	}
	perUser[link.gitterRoomName] = link
}

func (b *Bridge) unindexLink(link *RoomLink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byMatrixRoom, link.matrixRoom)
	if perUser := b.byUserGitter[link.user.MatrixUserID]; perUser != nil {
		delete(perUser, link.gitterRoomName)
		if len(perUser) == 0 {
			delete(b.byUserGitter, link.user.MatrixUserID)
		}
	}
}

func (b *Bridge) linkByMatrixRoom(room id.RoomID) *RoomLink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byMatrixRoom[room]
}

func (b *Bridge) linkByUserGitterName(matrixUserID, gitterName string) *RoomLink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byUserGitter[matrixUserID][gitterName]
}

func (b *Bridge) linksForUser(matrixUserID string) []*RoomLink {
	b.mu.Lock()
	defer b.mu.Unlock()
	var links []*RoomLink
	for _, link := range b.byUserGitter[matrixUserID] {
		links = append(links, link)
	}
	return links
}

func (b *Bridge) closeAllLinks() {
	b.mu.Lock()
	var links []*RoomLink
	for _, link := range b.byMatrixRoom {
		links = append(links, link)
	}
	b.mu.Unlock()
	for _, link := range links {
		link.closeStream()
	}
}

// completeLogin is invoked by the OAuth surface after a successful exchange.
func (b *Bridge) completeLogin(ctx context.Context, matrixUserID, accessToken string, account *gitter.User) error {
	if _, err := b.store.CreateUser(ctx, matrixUserID); err != nil {
		return err
	}
	if err := b.store.SetGitterInfo(ctx, matrixUserID, accessToken, account.ID, account.Username); err != nil {
		return err
	}
	user, err := b.store.GetUser(ctx, matrixUserID)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("You are now logged in as %s.\n%s", account.Username, commands.HelpMessage)
	b.privateMessage(ctx, user, msg, true)
	return nil
}

// privateMessage sends msg to the user's admin room.  Without one, invite
// controls whether a fresh room is created; the greeting then happens when
// the user joins it.
func (b *Bridge) privateMessage(ctx context.Context, user *store.User, msg string, invite bool) {
	if user.MatrixPrivateRoom.Valid {
		roomID := id.RoomID(user.MatrixPrivateRoom.String)
		if err := b.matrix.SendText(ctx, b.matrix.BotUserID(), roomID, msg); err != nil {
			slog.Warn("failed to send private message", "matrix_user", user.MatrixUserID, "error", err)
		}
		return
	}
	if !invite {
		return
	}
	roomID, err := b.matrix.CreateRoomAs(ctx, b.matrix.BotUserID(), "", []id.UserID{id.UserID(user.MatrixUserID)})
	if err != nil {
		slog.Warn("failed to create private room", "matrix_user", user.MatrixUserID, "error", err)
		return
	}
	slog.Info("created private chat", "matrix_user", user.MatrixUserID, "room", roomID)
	b.adoptPrivateRoom(ctx, user.MatrixUserID, roomID)
}

// adoptPrivateRoom records roomID as the user's admin room, leaving the
// previous one if it differs.
func (b *Bridge) adoptPrivateRoom(ctx context.Context, matrixUserID string, roomID id.RoomID) {
	prev, err := b.store.SetPrivateRoom(ctx, matrixUserID, string(roomID))
	if err != nil {
		slog.Warn("failed to store private room", "matrix_user", matrixUserID, "error", err)
		return
	}
	if prev != "" && prev != string(roomID) {
		slog.Info("leaving previous private room", "room", prev)
		bot := b.matrix.BotUserID()
		if err := b.matrix.LeaveAs(ctx, bot, id.RoomID(prev)); err != nil {
			slog.Warn("failed to leave previous private room", "room", prev, "error", err)
		} else if err := b.matrix.ForgetAs(ctx, bot, id.RoomID(prev)); err != nil {
			slog.Warn("failed to forget previous private room", "room", prev, "error", err)
		}
	}
}

// userLocalRef is the short form of a Matrix user ID used in greetings.
func userLocalRef(matrixUserID string) string {
	ref, _, _ := strings.Cut(matrixUserID, ":")
	return ref
}
