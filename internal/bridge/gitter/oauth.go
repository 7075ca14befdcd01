package gitter

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// DefaultOAuthEndpoint is Gitter's production OAuth2 endpoint.  Gitter's
// token endpoint wants the client credentials in the POST body, not in a
// basic auth header.
var DefaultOAuthEndpoint = oauth2.Endpoint{
	AuthURL:   "https://gitter.im/login/oauth/authorize",
	TokenURL:  "https://gitter.im/login/oauth/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// AuthCallbackFunc is invoked after a successful token exchange with the
// account the user authorized.
type AuthCallbackFunc func(ctx context.Context, matrixUserID, accessToken string, account *User) error

// LoginServerConfig configures a LoginServer.
type LoginServerConfig struct {
	// SecretKey signs the per-user state tokens.
	SecretKey string
	// PublicURL is the externally reachable base of this server, with a
	// trailing slash.  The OAuth redirect URL is PublicURL + "callback".
	PublicURL string
	// BotName is shown on the index page.
	BotName string
	// OAuthKey and OAuthSecret are the Gitter application credentials.
	OAuthKey    string
	OAuthSecret string
	// Endpoint overrides the OAuth2 endpoint, for tests.  Zero means
	// DefaultOAuthEndpoint.
	Endpoint oauth2.Endpoint
	// Client is used to resolve the authorized account after the exchange.
	Client *Client
	// AuthCallback receives the result of a completed login.
	AuthCallback AuthCallbackFunc
}

// LoginServer is the small web surface users visit to connect their Gitter
// account.  Links handed out in Matrix carry a signed state token so the
// callback can tell which Matrix user finished the flow.
type LoginServer struct {
	secretKey    string
	publicURL    string
	botName      string
	oauth        oauth2.Config
	client       *Client
	authCallback AuthCallbackFunc
}

// NewLoginServer builds the OAuth web surface.
func NewLoginServer(cfg LoginServerConfig) *LoginServer {
	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" {
		endpoint = DefaultOAuthEndpoint
	}
	publicURL := cfg.PublicURL
	if !strings.HasSuffix(publicURL, "/") {
		publicURL += "/"
	}
	return &LoginServer{
		secretKey: cfg.SecretKey,
		publicURL: publicURL,
		botName:   cfg.BotName,
		oauth: oauth2.Config{
			ClientID:     cfg.OAuthKey,
			ClientSecret: cfg.OAuthSecret,
			Endpoint:     endpoint,
			RedirectURL:  publicURL + "callback",
		},
		client:       cfg.Client,
		authCallback: cfg.AuthCallback,
	}
}

// sign returns the lowercase hex HMAC-SHA1 of the Matrix user ID.
func (s *LoginServer) sign(matrixUserID string) string {
	mac := hmac.New(sha1.New, []byte(s.secretKey))
	mac.Write([]byte(matrixUserID))
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyState checks a "<mxid>|<hmac>" state token and returns the Matrix
// user ID when the signature matches.
func (s *LoginServer) verifyState(state string) (string, bool) {
	i := strings.LastIndex(state, "|")
	if i < 0 {
		return "", false
	}
	matrixUserID, sig := state[:i], state[i+1:]
	if !hmac.Equal([]byte(sig), []byte(s.sign(matrixUserID))) {
		return "", false
	}
	return matrixUserID, true
}

// AuthLink returns the login URL to hand to a Matrix user.
func (s *LoginServer) AuthLink(matrixUserID string) string {
	state := matrixUserID + "|" + s.sign(matrixUserID)
	return s.publicURL + "auth_gitter/" + url.PathEscape(state)
}

// Handler returns the HTTP handler for the login surface.
func (s *LoginServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/auth_gitter/", s.handleAuth)
	mux.HandleFunc("/callback", s.handleCallback)
	return mux
}

func (s *LoginServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "This is the Gitter authentication surface of the %s Matrix bridge.\n"+
		"Message the bridge bot on Matrix to get your personal login link.\n", s.botName)
}

func (s *LoginServer) handleAuth(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/auth_gitter/")
	state, err := url.PathUnescape(raw)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	matrixUserID, ok := s.verifyState(state)
	if !ok {
		slog.Warn("rejected auth link with bad signature", "path", r.URL.Path)
		http.NotFound(w, r)
		return
	}

	slog.Info("redirecting user to gitter oauth", "matrix_user", matrixUserID)
	http.Redirect(w, r, s.oauth.AuthCodeURL(state), http.StatusFound)
}

func (s *LoginServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")

	matrixUserID, ok := s.verifyState(state)
	if !ok {
		s.callbackError(w, "rejected callback with bad state", nil)
		return
	}

	token, err := s.oauth.Exchange(r.Context(), code)
	if err != nil {
		s.callbackError(w, "token exchange failed", err)
		return
	}
	if !strings.EqualFold(token.TokenType, "bearer") {
		s.callbackError(w, "unexpected token type "+token.TokenType, nil)
		return
	}

	account, err := s.client.WhoAmI(r.Context(), token.AccessToken)
	if err != nil {
		s.callbackError(w, "whoami after exchange failed", err)
		return
	}

	if err := s.authCallback(r.Context(), matrixUserID, token.AccessToken, account); err != nil {
		s.callbackError(w, "auth callback failed", err)
		return
	}

	slog.Info("user logged in to gitter", "matrix_user", matrixUserID, "github_user", account.Username)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "Success!\n")
}

func (s *LoginServer) callbackError(w http.ResponseWriter, msg string, err error) {
	slog.Warn("oauth callback failed", "reason", msg, "error", err)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	fmt.Fprint(w, "Error getting access token :(\n")
}
