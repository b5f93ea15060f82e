package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fedchat-backend/internal/calls"
	"fedchat-backend/internal/config"
	"fedchat-backend/internal/database"
	"fedchat-backend/internal/federation"
	"fedchat-backend/internal/hub"
	"fedchat-backend/internal/models"
	"fedchat-backend/internal/presence"
	"fedchat-backend/internal/sessions"
	"fedchat-backend/internal/snowflake"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testAdminToken = "static-admin-token"

// testServer is a complete server with its HTTP API on httptest.
type testServer struct {
	name     string
	cfg      *config.Config
	store    *database.Store
	presence *presence.Store
	roster   *calls.Roster
	hub      *hub.Hub
	sub      *hub.Subscription
	outbox   *federation.Outbox
	server   *httptest.Server
}

func newTestServer(t *testing.T, name string) *testServer {
	t.Helper()
	ctx := context.Background()
	sugar := zap.NewNop().Sugar()

	cfg := &config.Config{
		ServerName:      name,
		ServerToken:     "primary-" + name,
		AdminToken:      testAdminToken,
		AdminUsername:   "admin",
		AdminPassword:   "admin-password",
		SessionTTL:      time.Hour,
		AdminSessionTTL: time.Hour,
	}

	store, err := database.OpenSQLite(ctx, ":memory:", sugar)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	s := &testServer{
		name:     name,
		cfg:      cfg,
		store:    store,
		presence: presence.New(),
		roster:   calls.NewRoster(),
	}
	s.outbox = federation.NewOutbox(&http.Client{Timeout: 5 * time.Second}, store, name, cfg.ServerToken, sugar)
	s.hub = hub.New(sugar, hub.Options{
		ServerName:   name,
		Presence:     s.presence,
		Roster:       s.roster,
		OnDisconnect: s.outbox.BroadcastCallLeave,
	})
	s.sub = s.hub.Subscribe(-1)

	validator := federation.NewValidator(store, name, cfg.ServerToken)
	inbox := federation.NewInbox(federation.InboxDeps{
		Store:     store,
		Validator: validator,
		Outbox:    s.outbox,
		Presence:  s.presence,
		Roster:    s.roster,
		Hub:       s.hub,
		LocalName: name,
		Logger:    sugar,
	})
	syncer := federation.NewSyncer(federation.SyncerDeps{
		Store:     store,
		Outbox:    s.outbox,
		Presence:  s.presence,
		Hub:       s.hub,
		LocalName: name,
		Interval:  time.Hour,
		Timeout:   2 * time.Second,
		Logger:    sugar,
	})

	h := New(Deps{
		Config:    cfg,
		Store:     store,
		Sessions:  sessions.New(),
		Presence:  s.presence,
		Roster:    s.roster,
		Hub:       s.hub,
		Outbox:    s.outbox,
		Inbox:     inbox,
		Syncer:    syncer,
		Snowflake: node,
		Logger:    sugar,
	})
	s.server = httptest.NewServer(h.Routes())
	t.Cleanup(s.server.Close)
	t.Cleanup(s.outbox.Wait)

	cfg.BaseURL = s.server.URL
	_, err = store.EnsureServer(ctx, name, cfg.BaseURL, cfg.ServerToken)
	require.NoError(t, err)
	return s
}

// link registers each server in the other's server table.
func link(t *testing.T, a, b *testServer) {
	t.Helper()
	ctx := context.Background()

	_, err := a.store.CreateServer(ctx, b.name, b.server.URL, b.cfg.ServerToken)
	require.NoError(t, err)
	_, err = b.store.CreateServer(ctx, a.name, a.server.URL, a.cfg.ServerToken)
	require.NoError(t, err)
}

func (s *testServer) localUser(t *testing.T, username string) *models.User {
	t.Helper()

	user, err := s.store.CreateUser(context.Background(), username, nil, nil)
	require.NoError(t, err)
	return user
}

// call sends a request with token as a bearer token and returns the status and body.
func (s *testServer) call(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, s.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

// callJSON is call that requires a 200 and decodes the body into out.
func (s *testServer) callJSON(t *testing.T, method, path, token string, body, out any) {
	t.Helper()

	status, data := s.call(t, method, path, token, body)
	require.Equal(t, http.StatusOK, status, string(data))
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out))
	}
}

func (s *testServer) notifications() []hub.Notification {
	var got []hub.Notification
	for {
		select {
		case n := <-s.sub.C():
			got = append(got, n)
		default:
			return got
		}
	}
}
