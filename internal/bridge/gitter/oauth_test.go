package gitter_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/matrix-gitter/matrix-gitter/internal/bridge/gitter"
)

func TestAuthLinkRoundTripsThroughAuthHandler(t *testing.T) {
	srv := gitter.NewLoginServer(gitter.LoginServerConfig{
		SecretKey: "test-secret",
		PublicURL: "https://bridge.example.org/",
		BotName:   "@gitterbot:example.org",
		OAuthKey:  "key",
	})

	link := srv.AuthLink("@alice:example.org")
	prefix := "https://bridge.example.org/auth_gitter/"
	if !strings.HasPrefix(link, prefix) {
		t.Fatalf("AuthLink = %q, want prefix %q", link, prefix)
	}

	req := httptest.NewRequest(http.MethodGet, "/auth_gitter/"+strings.TrimPrefix(link, prefix), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	state := loc.Query().Get("state")
	if !strings.HasPrefix(state, "@alice:example.org|") {
		t.Errorf("redirect state = %q, want mxid prefix", state)
	}
}

func TestAuthHandlerRejectsForgedState(t *testing.T) {
	srv := gitter.NewLoginServer(gitter.LoginServerConfig{
		SecretKey: "test-secret",
		PublicURL: "https://bridge.example.org/",
	})

	state := url.PathEscape("@alice:example.org|0000000000000000000000000000000000000000")
	req := httptest.NewRequest(http.MethodGet, "/auth_gitter/"+state, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for forged state", rec.Code)
	}
}

func TestCallbackCompletesLogin(t *testing.T) {
	// Fake token endpoint plus fake Gitter API in one server.
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			body, _ := io.ReadAll(r.Body)
			if !strings.Contains(string(body), "client_id=key") {
				t.Errorf("token request missing in-params client_id: %s", body)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"gitter-token","token_type":"Bearer"}`))
		case "/v1/user":
			if got := r.Header.Get("Authorization"); got != "Bearer gitter-token" {
				t.Errorf("whoami Authorization = %q", got)
			}
			w.Write([]byte(`[{"id":"u1","username":"alice-gh"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer backend.Close()

	var gotMXID, gotToken, gotUsername string
	srv := gitter.NewLoginServer(gitter.LoginServerConfig{
		SecretKey:   "test-secret",
		PublicURL:   "https://bridge.example.org/",
		OAuthKey:    "key",
		OAuthSecret: "secret",
		Endpoint: oauth2.Endpoint{
			AuthURL:   backend.URL + "/authorize",
			TokenURL:  backend.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Client: gitter.NewClient(gitter.WithBaseURLs(backend.URL, backend.URL)),
		AuthCallback: func(ctx context.Context, matrixUserID, accessToken string, account *gitter.User) error {
			gotMXID = matrixUserID
			gotToken = accessToken
			gotUsername = account.Username
			return nil
		},
	})

	// Reuse the signed state from a real auth link.
	link := srv.AuthLink("@alice:example.org")
	state, err := url.PathUnescape(strings.TrimPrefix(link, "https://bridge.example.org/auth_gitter/"))
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet,
		"/callback?code=the-code&state="+url.QueryEscape(state), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "Success!\n" {
		t.Errorf("body = %q, want Success!", rec.Body.String())
	}
	if gotMXID != "@alice:example.org" || gotToken != "gitter-token" || gotUsername != "alice-gh" {
		t.Errorf("callback got (%q, %q, %q)", gotMXID, gotToken, gotUsername)
	}
}

func TestCallbackRejectsBadState(t *testing.T) {
	srv := gitter.NewLoginServer(gitter.LoginServerConfig{
		SecretKey: "test-secret",
		PublicURL: "https://bridge.example.org/",
	})

	req := httptest.NewRequest(http.MethodGet, "/callback?code=x&state=@alice:example.org%7Cforged", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if rec.Body.String() != "Error getting access token :(\n" {
		t.Errorf("body = %q", rec.Body.String())
	}
}
