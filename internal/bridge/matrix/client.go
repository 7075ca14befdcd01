// Package matrix wraps the mautrix client for application service use and
// serves the homeserver-facing appservice HTTP API.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config configures the Matrix client wrapper.
type Config struct {
	HomeserverURL string
	// Domain is the homeserver's server_name.
	Domain string
	// Botname is the bot's localpart, or a full user ID on Domain.
	Botname     string
	AccessToken string
	HTTPClient  *http.Client
}

// Client performs Matrix calls as the application service.  The underlying
// mautrix client is stateful for impersonation, so a mutex serializes every
// call that swaps the acting user.
type Client struct {
	cli          *mautrix.Client
	mu           sync.Mutex
	domain       string
	botLocalpart string
}

// ParseBotname resolves a configured bot name to its localpart.  A full user
// ID is accepted only when it lives on the bridge's own domain.
func ParseBotname(botname, domain string) (string, error) {
	if !strings.HasPrefix(botname, "@") {
		return botname, nil
	}
	localpart, botDomain, ok := strings.Cut(botname[1:], ":")
	if !ok || localpart == "" {
		return "", fmt.Errorf("matrix: malformed bot user ID %q", botname)
	}
	if botDomain != domain {
		return "", fmt.Errorf("matrix: bot user ID %q is not on homeserver domain %q", botname, domain)
	}
	return localpart, nil
}

// NewClient creates a Client authenticated as the application service.
func NewClient(cfg Config) (*Client, error) {
	if cfg.HomeserverURL == "" {
		return nil, errors.New("matrix: homeserver url is required")
	}
	if cfg.AccessToken == "" {
		return nil, errors.New("matrix: appservice token is required")
	}

	localpart, err := ParseBotname(cfg.Botname, cfg.Domain)
	if err != nil {
		return nil, err
	}
	botUserID := id.NewUserID(localpart, cfg.Domain)

	cli, err := mautrix.NewClient(cfg.HomeserverURL, botUserID, cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	if cfg.HTTPClient != nil {
		cli.Client = cfg.HTTPClient
	} else {
		cli.Client = &http.Client{Timeout: 30 * time.Second}
	}
	// Send the user_id query parameter so calls can act as virtual users.
	cli.SetAppServiceUserID = true

	return &Client{
		cli:          cli,
		domain:       cfg.Domain,
		botLocalpart: localpart,
	}, nil
}

// BotUserID returns the bridge bot's full user ID.
func (c *Client) BotUserID() id.UserID {
	return id.NewUserID(c.botLocalpart, c.domain)
}

// BotLocalpart returns the bridge bot's localpart.
func (c *Client) BotLocalpart() string {
	return c.botLocalpart
}

// UserID builds a full user ID on the bridge's domain.
func (c *Client) UserID(localpart string) id.UserID {
	return id.NewUserID(localpart, c.domain)
}

// as runs f with the client impersonating userID, restoring the bot after.
func (c *Client) as(userID id.UserID, f func(cli *mautrix.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cli.UserID = userID
	defer func() { c.cli.UserID = c.BotUserID() }()
	return f(c.cli)
}

// RegisterVirtualUser registers a ghost account with the homeserver.  An
// already-registered localpart is not an error.
func (c *Client) RegisterVirtualUser(ctx context.Context, localpart string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Registration must not carry the user_id impersonation parameter.
	c.cli.SetAppServiceUserID = false
	defer func() { c.cli.SetAppServiceUserID = true }()

	_, _, err := c.cli.Register(ctx, &mautrix.ReqRegister{
		Username:     localpart,
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	if err != nil && !errors.Is(err, mautrix.MUserInUse) {
		return fmt.Errorf("matrix: register %s: %w", localpart, err)
	}
	return nil
}

// SetDisplayName sets a user's display name, acting as that user.
func (c *Client) SetDisplayName(ctx context.Context, userID id.UserID, name string) error {
	return c.as(userID, func(cli *mautrix.Client) error {
		return cli.SetDisplayName(ctx, name)
	})
}

// CreateRoomAs creates a private room as userID with the given invitees.
func (c *Client) CreateRoomAs(ctx context.Context, userID id.UserID, name string, invite []id.UserID) (id.RoomID, error) {
	var roomID id.RoomID
	err := c.as(userID, func(cli *mautrix.Client) error {
		resp, err := cli.CreateRoom(ctx, &mautrix.ReqCreateRoom{
			Preset:   "private_chat",
			Name:     name,
			Invite:   invite,
			IsDirect: true,
		})
		if err != nil {
			return fmt.Errorf("matrix: create room: %w", err)
		}
		roomID = resp.RoomID
		return nil
	})
	return roomID, err
}

// Invite invites target into roomID, acting as userID.
func (c *Client) Invite(ctx context.Context, userID id.UserID, roomID id.RoomID, target id.UserID) error {
	return c.as(userID, func(cli *mautrix.Client) error {
		_, err := cli.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: target})
		if err != nil {
			return fmt.Errorf("matrix: invite %s to %s: %w", target, roomID, err)
		}
		return nil
	})
}

// JoinAs joins roomID, acting as userID.
func (c *Client) JoinAs(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	return c.as(userID, func(cli *mautrix.Client) error {
		if _, err := cli.JoinRoomByID(ctx, roomID); err != nil {
			return fmt.Errorf("matrix: join %s as %s: %w", roomID, userID, err)
		}
		return nil
	})
}

// LeaveAs leaves roomID, acting as userID.
func (c *Client) LeaveAs(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	return c.as(userID, func(cli *mautrix.Client) error {
		if _, err := cli.LeaveRoom(ctx, roomID); err != nil {
			return fmt.Errorf("matrix: leave %s as %s: %w", roomID, userID, err)
		}
		return nil
	})
}

// ForgetAs forgets roomID, acting as userID.
func (c *Client) ForgetAs(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	return c.as(userID, func(cli *mautrix.Client) error {
		if _, err := cli.ForgetRoom(ctx, roomID); err != nil {
			return fmt.Errorf("matrix: forget %s as %s: %w", roomID, userID, err)
		}
		return nil
	})
}

// JoinedMembers returns the joined members of roomID as seen by the bot.
func (c *Client) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	var members []id.UserID
	err := c.as(c.BotUserID(), func(cli *mautrix.Client) error {
		resp, err := cli.JoinedMembers(ctx, roomID)
		if err != nil {
			return fmt.Errorf("matrix: members of %s: %w", roomID, err)
		}
		for userID := range resp.Joined {
			members = append(members, userID)
		}
		return nil
	})
	return members, err
}

// SendText sends a plain text message to roomID, acting as userID.
func (c *Client) SendText(ctx context.Context, userID id.UserID, roomID id.RoomID, body string) error {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	}
	return c.as(userID, func(cli *mautrix.Client) error {
		_, err := cli.SendMessageEvent(ctx, roomID, event.EventMessage, content,
			mautrix.ReqSendEvent{TransactionID: "go" + uuid.NewString()})
		if err != nil {
			return fmt.Errorf("matrix: send to %s as %s: %w", roomID, userID, err)
		}
		return nil
	})
}
