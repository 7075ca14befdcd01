package matrix

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/matrix-gitter/matrix-gitter/common/trace"
)

// EventHandlerFunc is called for each event in a pushed transaction.  Events
// within a transaction are delivered in order, one at a time.
type EventHandlerFunc func(ctx context.Context, evt *event.Event)

// UserQueryFunc is called when the homeserver asks about a user in the
// bridge's namespace that does not exist yet.  Returning nil tells the
// homeserver the user now exists.
type UserQueryFunc func(ctx context.Context, localpart string) error

// AppserviceConfig configures the homeserver-facing HTTP API.
type AppserviceConfig struct {
	// HomeserverToken is the token the homeserver authenticates with.
	HomeserverToken string
	// Domain is the homeserver's server_name, for validating queried user IDs.
	Domain string
	// NamespacePrefix is the localpart prefix the bridge owns ("gitter").
	NamespacePrefix string
	// OnEvent handles pushed events.
	OnEvent EventHandlerFunc
	// OnUserQuery handles user existence queries inside the namespace.
	OnUserQuery UserQueryFunc
}

// Appservice serves the application service API the homeserver pushes to:
// event transactions and user queries.
type Appservice struct {
	cfg AppserviceConfig

	mu       sync.Mutex
	seenTxns map[string]bool
	txnOrder []string
	maxSeen  int
}

// NewAppservice creates the homeserver-facing API handler.
func NewAppservice(cfg AppserviceConfig) *Appservice {
	return &Appservice{
		cfg:      cfg,
		seenTxns: make(map[string]bool),
		maxSeen:  128,
	}
}

// Handler returns the HTTP handler for the appservice API.
func (as *Appservice) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions/", as.handleTransaction)
	mux.HandleFunc("/users/", as.handleUserQuery)
	mux.HandleFunc("/_matrix/app/v1/transactions/", as.handleTransaction)
	mux.HandleFunc("/_matrix/app/v1/users/", as.handleUserQuery)
	return mux
}

func writeMatrixError(w http.ResponseWriter, status int, errcode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"errcode": errcode, "error": msg})
}

// authorize checks the homeserver token from either the access_token query
// parameter or an Authorization header.  It writes the error response itself
// and reports whether the request may proceed.
func (as *Appservice) authorize(w http.ResponseWriter, r *http.Request) bool {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" {
		writeMatrixError(w, http.StatusUnauthorized, "M_MISSING_TOKEN", "Missing access token")
		return false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(as.cfg.HomeserverToken)) != 1 {
		writeMatrixError(w, http.StatusForbidden, "M_FORBIDDEN", "Bad access token")
		return false
	}
	return true
}

// markSeen records a transaction ID and reports whether it was new.  Old IDs
// are evicted FIFO so a retrying homeserver gets an empty success response
// instead of duplicate event processing.
func (as *Appservice) markSeen(txnID string) bool {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.seenTxns[txnID] {
		return false
	}
	as.seenTxns[txnID] = true
	as.txnOrder = append(as.txnOrder, txnID)
	if len(as.txnOrder) > as.maxSeen {
		delete(as.seenTxns, as.txnOrder[0])
		as.txnOrder = as.txnOrder[1:]
	}
	return true
}

func (as *Appservice) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if !as.authorize(w, r) {
		return
	}
	if r.Method != http.MethodPut {
		writeMatrixError(w, http.StatusMethodNotAllowed, "M_UNRECOGNIZED", "Method not allowed")
		return
	}

	path := r.URL.Path
	txnID := path[strings.LastIndex(path, "/")+1:]
	if txnID == "" {
		writeMatrixError(w, http.StatusNotFound, "M_NOT_FOUND", "Missing transaction ID")
		return
	}

	var txn struct {
		Events []*event.Event `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		writeMatrixError(w, http.StatusBadRequest, "M_NOT_JSON", "Malformed transaction body")
		return
	}

	if !as.markSeen(txnID) {
		slog.Debug("ignoring replayed transaction", "txn_id", txnID)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "{}")
		return
	}

	ctx := trace.WithTraceID(r.Context(), trace.GenerateID())
	for _, evt := range txn.Events {
		if evt == nil {
			continue
		}
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			slog.Warn("failed to parse event content",
				"type", evt.Type.Type, "event_id", evt.ID, "error", err)
			continue
		}
		as.cfg.OnEvent(ctx, evt)
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, "{}")
}

func (as *Appservice) handleUserQuery(w http.ResponseWriter, r *http.Request) {
	if !as.authorize(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		writeMatrixError(w, http.StatusMethodNotAllowed, "M_UNRECOGNIZED", "Method not allowed")
		return
	}

	path := r.URL.Path
	rawUserID := path[strings.LastIndex(path, "/")+1:]
	userID := id.UserID(rawUserID)
	localpart, domain, err := userID.Parse()
	if err != nil || domain != as.cfg.Domain {
		writeMatrixError(w, http.StatusNotFound, "M_NOT_FOUND", "User not in bridge namespace")
		return
	}
	if !strings.HasPrefix(localpart, as.cfg.NamespacePrefix) {
		writeMatrixError(w, http.StatusNotFound, "M_NOT_FOUND", "User not in bridge namespace")
		return
	}

	// Registration is best-effort: the homeserver is answered {} either way.
	if err := as.cfg.OnUserQuery(r.Context(), localpart); err != nil {
		slog.Warn("user query registration failed", "localpart", localpart, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, "{}")
}
