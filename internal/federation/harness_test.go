package federation

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fedchat-backend/internal/calls"
	"fedchat-backend/internal/database"
	"fedchat-backend/internal/hub"
	"fedchat-backend/internal/models"
	"fedchat-backend/internal/presence"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// node is one complete federation participant served over httptest.
type node struct {
	name     string
	token    string
	store    *database.Store
	presence *presence.Store
	roster   *calls.Roster
	hub      *hub.Hub
	sub      *hub.Subscription
	outbox   *Outbox
	auth     *Validator
	inbox    *Inbox
	syncer   *Syncer
	server   *httptest.Server
}

func newNode(t *testing.T, name string) *node {
	t.Helper()
	ctx := context.Background()
	sugar := zap.NewNop().Sugar()

	store, err := database.OpenSQLite(ctx, ":memory:", sugar)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	n := &node{
		name:     name,
		token:    "primary-" + name,
		store:    store,
		presence: presence.New(),
		roster:   calls.NewRoster(),
	}
	n.hub = hub.New(sugar, hub.Options{ServerName: name, Presence: n.presence, Roster: n.roster})
	n.sub = n.hub.Subscribe(1)
	n.outbox = NewOutbox(&http.Client{Timeout: 5 * time.Second}, store, name, n.token, sugar)
	n.auth = NewValidator(store, name, n.token)
	n.inbox = NewInbox(InboxDeps{
		Store:     store,
		Validator: n.auth,
		Outbox:    n.outbox,
		Presence:  n.presence,
		Roster:    n.roster,
		Hub:       n.hub,
		LocalName: name,
		Logger:    sugar,
	})
	n.syncer = NewSyncer(SyncerDeps{
		Store:     store,
		Outbox:    n.outbox,
		Presence:  n.presence,
		Hub:       n.hub,
		LocalName: name,
		Interval:  time.Hour,
		Timeout:   2 * time.Second,
		Logger:    sugar,
	})

	router := chi.NewRouter()
	router.Mount("/federation", n.inbox.Routes())
	n.server = httptest.NewServer(router)
	t.Cleanup(n.server.Close)
	t.Cleanup(n.outbox.Wait)

	_, err = store.EnsureServer(ctx, name, n.server.URL, n.token)
	require.NoError(t, err)
	return n
}

// link registers each node in the other's server table.
func link(t *testing.T, a, b *node) {
	t.Helper()
	ctx := context.Background()

	_, err := a.store.CreateServer(ctx, b.name, b.server.URL, b.token)
	require.NoError(t, err)
	_, err = b.store.CreateServer(ctx, a.name, a.server.URL, a.token)
	require.NoError(t, err)
}

func (n *node) peer(t *testing.T, name string) models.Server {
	t.Helper()

	server, err := n.store.GetServerByName(context.Background(), name)
	require.NoError(t, err)
	require.NotNil(t, server, "server %s not registered on %s", name, n.name)
	return *server
}

func (n *node) callerFor(t *testing.T, token string) Caller {
	t.Helper()

	caller, err := n.auth.Authenticate(context.Background(), token)
	require.NoError(t, err)
	return caller
}

func (n *node) localUser(t *testing.T, username string) *models.User {
	t.Helper()

	user, err := n.store.CreateUser(context.Background(), username, nil, nil)
	require.NoError(t, err)
	return user
}

func (n *node) notifications() []hub.Notification {
	var got []hub.Notification
	for {
		select {
		case notification := <-n.sub.C():
			got = append(got, notification)
		default:
			return got
		}
	}
}

type recordedRequest struct {
	Method string
	Path   string
	Token  string
	Body   []byte
}

// recorder is a fake peer that records every request and answers with a fixed
// status and body.
type recorder struct {
	mutex    sync.Mutex
	requests []recordedRequest
	status   int
	response any
	server   *httptest.Server
}

func newRecorder(t *testing.T, status int, response any) *recorder {
	t.Helper()

	rec := &recorder{status: status, response: response}
	rec.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		rec.mutex.Lock()
		rec.requests = append(rec.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Token:  r.Header.Get(TokenHeader),
			Body:   body,
		})
		rec.mutex.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rec.status)
		_ = json.NewEncoder(w).Encode(rec.response)
	}))
	t.Cleanup(rec.server.Close)
	return rec
}

func (rec *recorder) Requests() []recordedRequest {
	rec.mutex.Lock()
	defer rec.mutex.Unlock()

	return append([]recordedRequest(nil), rec.requests...)
}

// register adds the recorder to n's server table under name.
func (rec *recorder) register(t *testing.T, n *node, name string) models.Server {
	t.Helper()

	server, err := n.store.CreateServer(context.Background(), name, rec.server.URL, "token-"+name)
	require.NoError(t, err)
	return *server
}

func sentAt() string {
	return time.Now().UTC().Format(database.SentAtLayout)
}

func dm(from, to FederatedUser, body string) FederatedMessage {
	return FederatedMessage{
		MessageID: uuid.NewString(),
		SentAt:    sentAt(),
		Kind:      models.MessageKindDM,
		Body:      body,
		Author:    from,
		Recipient: &to,
	}
}

func channelMessage(from FederatedUser, channel FederatedChannel, body string) FederatedMessage {
	return FederatedMessage{
		MessageID: uuid.NewString(),
		SentAt:    sentAt(),
		Kind:      models.MessageKindChannel,
		Body:      body,
		Author:    from,
		Channel:   &channel,
	}
}
