package matrix_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"maunium.net/go/mautrix/event"

	"github.com/matrix-gitter/matrix-gitter/internal/bridge/matrix"
)

func newTestAppservice(t *testing.T, onEvent matrix.EventHandlerFunc, onQuery matrix.UserQueryFunc) http.Handler {
	t.Helper()
	if onEvent == nil {
		onEvent = func(ctx context.Context, evt *event.Event) {}
	}
	if onQuery == nil {
		onQuery = func(ctx context.Context, localpart string) error { return nil }
	}
	as := matrix.NewAppservice(matrix.AppserviceConfig{
		HomeserverToken: "hs-token",
		Domain:          "example.org",
		NamespacePrefix: "gitter",
		OnEvent:         onEvent,
		OnUserQuery:     onQuery,
	})
	return as.Handler()
}

func TestTransactionRequiresToken(t *testing.T) {
	h := newTestAppservice(t, nil, nil)

	req := httptest.NewRequest(http.MethodPut, "/transactions/txn1", strings.NewReader(`{"events":[]}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "M_MISSING_TOKEN") {
		t.Errorf("body = %q, want M_MISSING_TOKEN", rec.Body.String())
	}
}

func TestTransactionRejectsWrongToken(t *testing.T) {
	h := newTestAppservice(t, nil, nil)

	req := httptest.NewRequest(http.MethodPut,
		"/transactions/txn1?access_token=wrong", strings.NewReader(`{"events":[]}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "M_FORBIDDEN") {
		t.Errorf("body = %q, want M_FORBIDDEN", rec.Body.String())
	}
}

func TestTransactionDispatchesEventsInOrder(t *testing.T) {
	var got []string
	h := newTestAppservice(t, func(ctx context.Context, evt *event.Event) {
		msg := evt.Content.AsMessage()
		got = append(got, msg.Body)
	}, nil)

	body := `{"events":[
		{"type":"m.room.message","room_id":"!r:example.org","sender":"@alice:example.org",
		 "content":{"msgtype":"m.text","body":"first"}},
		{"type":"m.room.message","room_id":"!r:example.org","sender":"@alice:example.org",
		 "content":{"msgtype":"m.text","body":"second"}}
	]}`
	req := httptest.NewRequest(http.MethodPut,
		"/transactions/txn1?access_token=hs-token", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("dispatched bodies = %v, want [first second]", got)
	}
}

func TestTransactionReplayIsIgnored(t *testing.T) {
	var count int
	h := newTestAppservice(t, func(ctx context.Context, evt *event.Event) {
		count++
	}, nil)

	body := `{"events":[{"type":"m.room.message","room_id":"!r:example.org",
		"sender":"@alice:example.org","content":{"msgtype":"m.text","body":"hi"}}]}`

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPut,
			"/transactions/txn1?access_token=hs-token", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: status = %d", i, rec.Code)
		}
	}

	if count != 1 {
		t.Errorf("handler ran %d times for replayed transaction, want 1", count)
	}
}

func TestTransactionAcceptsBearerHeader(t *testing.T) {
	h := newTestAppservice(t, nil, nil)

	req := httptest.NewRequest(http.MethodPut, "/transactions/txn-bearer", strings.NewReader(`{"events":[]}`))
	req.Header.Set("Authorization", "Bearer hs-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with bearer auth", rec.Code)
	}
}

func TestUserQueryRegistersNamespaceUsers(t *testing.T) {
	var registered string
	h := newTestAppservice(t, nil, func(ctx context.Context, localpart string) error {
		registered = localpart
		return nil
	})

	req := httptest.NewRequest(http.MethodGet,
		"/users/@gitter_bob:example.org?access_token=hs-token", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
	if registered != "gitter_bob" {
		t.Errorf("registered localpart = %q, want gitter_bob", registered)
	}
}

func TestUserQueryToleratesFailedRegistration(t *testing.T) {
	h := newTestAppservice(t, nil, func(ctx context.Context, localpart string) error {
		return errors.New("homeserver unavailable")
	})

	req := httptest.NewRequest(http.MethodGet,
		"/users/@gitter_bob:example.org?access_token=hs-token", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	// Registration is best-effort; a failure must not turn into a 404.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite registration failure", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "{}" {
		t.Errorf("body = %q, want {}", body)
	}
}

func TestUserQueryOutsideNamespaceIs404(t *testing.T) {
	h := newTestAppservice(t, nil, func(ctx context.Context, localpart string) error {
		t.Errorf("query callback ran for out-of-namespace user %q", localpart)
		return nil
	})

	for _, userID := range []string{
		"@alice:example.org",       // wrong prefix
		"@gitter_bob:elsewhere.io", // wrong domain
	} {
		req := httptest.NewRequest(http.MethodGet,
			"/users/"+userID+"?access_token=hs-token", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", userID, rec.Code)
		}
	}
}

func TestParseBotname(t *testing.T) {
	tests := []struct {
		name    string
		botname string
		want    string
		wantErr bool
	}{
		{"localpart", "gitterbot", "gitterbot", false},
		{"full id", "@gitterbot:example.org", "gitterbot", false},
		{"wrong domain", "@gitterbot:elsewhere.io", "", true},
		{"malformed", "@gitterbot", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := matrix.ParseBotname(tt.botname, "example.org")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("localpart = %q, want %q", got, tt.want)
			}
		})
	}
}
