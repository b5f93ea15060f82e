package handlers

import (
	"context"
	"net/http"
	"testing"

	"fedchat-backend/internal/federation"
	"fedchat-backend/internal/models"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminRegisterServer(t *testing.T) {
	s := newTestServer(t, "a")

	var generated models.Server
	s.callJSON(t, http.MethodPost, "/admin/servers", testAdminToken,
		serverRequest{Name: "b", BaseURL: "http://b.example:8080/"}, &generated)
	assert.Equal(t, "b", generated.Name)
	assert.Equal(t, "http://b.example:8080", generated.BaseURL)
	_, err := uuid.Parse(generated.Token)
	assert.NoError(t, err, "a token is generated when none is given")

	var given models.Server
	s.callJSON(t, http.MethodPost, "/admin/servers", testAdminToken,
		serverRequest{Name: "c", BaseURL: "http://c.example", Token: "shared-secret"}, &given)
	assert.Equal(t, "shared-secret", given.Token)

	tests := []struct {
		name string
		body serverRequest
	}{
		{"duplicate name", serverRequest{Name: "b", BaseURL: "http://other.example"}},
		{"own name", serverRequest{Name: "a", BaseURL: "http://a.example"}},
		{"bad name", serverRequest{Name: "-b", BaseURL: "http://b.example"}},
		{"bad url", serverRequest{Name: "d", BaseURL: "not a url"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := s.call(t, http.MethodPost, "/admin/servers", testAdminToken, tt.body)
			assert.Equal(t, http.StatusBadRequest, status, string(body))
		})
	}

	var servers []models.Server
	s.callJSON(t, http.MethodGet, "/admin/servers", testAdminToken, nil, &servers)
	names := make([]string, 0, len(servers))
	for _, server := range servers {
		names = append(names, server.Name)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, names); diff != "" {
		t.Errorf("servers mismatch (-want +got):\n%s", diff)
	}
}

func TestAdminUpdateAndDeleteServer(t *testing.T) {
	s := newTestServer(t, "a")
	ctx := context.Background()

	b, err := s.store.CreateServer(ctx, "b", "http://b.example", "old-token")
	require.NoError(t, err)
	s.presence.ReplaceRemoteServer("b", []string{"bob"})

	var updated models.Server
	s.callJSON(t, http.MethodPut, "/admin/servers/"+b.ID.String(), testAdminToken,
		serverRequest{Name: "b", BaseURL: "http://b2.example", Token: "new-token"}, &updated)
	assert.Equal(t, "http://b2.example", updated.BaseURL)
	assert.Equal(t, "new-token", updated.Token)

	self, err := s.store.GetServerByName(ctx, "a")
	require.NoError(t, err)
	status, _ := s.call(t, http.MethodDelete, "/admin/servers/"+self.ID.String(), testAdminToken, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	s.callJSON(t, http.MethodDelete, "/admin/servers/"+b.ID.String(), testAdminToken, nil, nil)
	assert.False(t, s.presence.IsRemoteUserOnline("bob@b"), "deleting a server clears its presence")

	status, _ = s.call(t, http.MethodDelete, "/admin/servers/"+b.ID.String(), testAdminToken, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAdminVisibility(t *testing.T) {
	s := newTestServer(t, "a")
	ctx := context.Background()

	b, err := s.store.CreateServer(ctx, "b", "http://b.example", "token-b")
	require.NoError(t, err)
	secret := s.localUser(t, "secret")
	hidden, err := s.store.CreateChannel(ctx, "hidden", "a")
	require.NoError(t, err)

	path := "/admin/servers/" + b.ID.String() + "/visibility"
	s.callJSON(t, http.MethodPut, path, testAdminToken, visibility{
		HiddenUserIDs:    []uuid.UUID{secret.ID},
		HiddenChannelIDs: []uuid.UUID{hidden.ID},
	}, nil)

	var got visibility
	s.callJSON(t, http.MethodGet, path, testAdminToken, nil, &got)
	assert.Equal(t, []uuid.UUID{secret.ID}, got.HiddenUserIDs)
	assert.Equal(t, []uuid.UUID{hidden.ID}, got.HiddenChannelIDs)

	status, _ := s.call(t, http.MethodPut, "/admin/servers/"+uuid.NewString()+"/visibility", testAdminToken, visibility{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAdminUsers(t *testing.T) {
	s := newTestServer(t, "a")

	var created models.User
	s.callJSON(t, http.MethodPost, "/admin/users", testAdminToken,
		adminUserRequest{Username: "erin", Password: "Secret pass 9"}, &created)
	assert.True(t, created.IsLocal)

	s.callJSON(t, http.MethodPost, "/api/login", "", loginRequest{Username: "erin", Password: "Secret pass 9"}, nil)

	status, _ := s.call(t, http.MethodPost, "/admin/users", testAdminToken, adminUserRequest{Username: "erin"})
	assert.Equal(t, http.StatusBadRequest, status, "usernames are unique per server")

	status, _ = s.call(t, http.MethodPost, "/admin/users", testAdminToken, adminUserRequest{Username: "frank", Password: "weak"})
	assert.Equal(t, http.StatusBadRequest, status)

	display := "Erin E."
	var updated models.User
	s.callJSON(t, http.MethodPut, "/admin/users/"+created.ID.String(), testAdminToken,
		adminUserRequest{Username: "erin2", DisplayName: &display}, &updated)
	assert.Equal(t, "erin2", updated.Username)
	require.NotNil(t, updated.DisplayName)
	assert.Equal(t, display, *updated.DisplayName)

	var users []userEntry
	s.callJSON(t, http.MethodGet, "/admin/users", testAdminToken, nil, &users)
	require.Len(t, users, 1)
	assert.NotEmpty(t, users[0].Token, "admins see tokens")
	assert.Equal(t, "a", users[0].ServerName)

	var listed []userEntry
	s.callJSON(t, http.MethodGet, "/api/users", users[0].Token, nil, &listed)
	require.Len(t, listed, 1)
	assert.Empty(t, listed[0].Token, "users don't see tokens")

	s.callJSON(t, http.MethodDelete, "/admin/users/"+created.ID.String(), testAdminToken, nil, nil)
	status, _ = s.call(t, http.MethodDelete, "/admin/users/"+created.ID.String(), testAdminToken, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUserListPresence(t *testing.T) {
	s := newTestServer(t, "a")
	ctx := context.Background()

	alice := s.localUser(t, "alice")
	s.localUser(t, "idle")
	b, err := s.store.CreateServer(ctx, "b", "http://b.example", "token-b")
	require.NoError(t, err)
	_, err = s.store.CreateUser(ctx, "bob", &b.ID, nil)
	require.NoError(t, err)

	s.presence.MarkOnline(alice.ID)
	s.presence.ReplaceRemoteServer("b", []string{"bob"})

	var users []userEntry
	s.callJSON(t, http.MethodGet, "/api/users", alice.Token, nil, &users)

	online := make(map[string]bool)
	for _, user := range users {
		online[user.Username+"@"+user.ServerName] = user.IsOnline
	}
	assert.Equal(t, map[string]bool{"alice@a": true, "idle@a": false, "bob@b": true}, online)
}

func TestUpdateProfile(t *testing.T) {
	s := newTestServer(t, "a")
	alice := s.localUser(t, "alice")

	var updated models.User
	s.callJSON(t, http.MethodPut, "/api/profile", alice.Token, updateProfileRequest{DisplayName: " Alice "}, &updated)
	require.NotNil(t, updated.DisplayName)
	assert.Equal(t, "Alice", *updated.DisplayName)

	s.callJSON(t, http.MethodPut, "/api/profile", alice.Token, updateProfileRequest{}, &updated)
	assert.Nil(t, updated.DisplayName)
}

func TestAdminChannels(t *testing.T) {
	s := newTestServer(t, "a")

	var general models.Channel
	s.callJSON(t, http.MethodPost, "/admin/channels", testAdminToken, createChannelRequest{Name: "general"}, &general)

	var renamed models.Channel
	s.callJSON(t, http.MethodPut, "/admin/channels/"+general.ID.String(), testAdminToken, createChannelRequest{Name: "lobby"}, &renamed)
	assert.Equal(t, "lobby", renamed.Name)

	status, _ := s.call(t, http.MethodPost, "/admin/channels/"+general.ID.String()+"/members", testAdminToken,
		adminAddMemberRequest{Username: "ghost@nowhere"})
	assert.Equal(t, http.StatusBadRequest, status)

	var member models.User
	s.callJSON(t, http.MethodPost, "/admin/channels/"+general.ID.String()+"/members", testAdminToken,
		adminAddMemberRequest{Username: "newcomer"}, &member)
	assert.True(t, member.IsLocal, "a missing local user is created")

	s.callJSON(t, http.MethodDelete, "/admin/channels/"+general.ID.String(), testAdminToken, nil, nil)

	var channels []models.Channel
	s.callJSON(t, http.MethodGet, "/admin/channels", testAdminToken, nil, &channels)
	assert.Empty(t, channels)
}

func TestAdminAddRemoteMemberFailurePropagates(t *testing.T) {
	a := newTestServer(t, "a")
	b := newTestServer(t, "b")
	link(t, a, b)

	var general models.Channel
	a.callJSON(t, http.MethodPost, "/admin/channels", testAdminToken, createChannelRequest{Name: "general"}, &general)

	// bob doesn't exist on b, so b rejects the membership
	status, body := a.call(t, http.MethodPost, "/admin/channels/"+general.ID.String()+"/members", testAdminToken,
		adminAddMemberRequest{Username: "bob@b"})
	assert.Equal(t, http.StatusBadGateway, status, string(body))
}

func TestAdminSyncFederated(t *testing.T) {
	a := newTestServer(t, "a")
	b := newTestServer(t, "b")
	link(t, a, b)

	b.localUser(t, "bob")
	_, err := b.store.CreateChannel(context.Background(), "random", "b")
	require.NoError(t, err)

	var users []models.User
	a.callJSON(t, http.MethodPost, "/admin/users/sync-federated", testAdminToken, nil, &users)
	require.Len(t, users, 1)
	assert.Equal(t, "bob", users[0].Username)
	assert.False(t, users[0].IsLocal)

	var channels []models.Channel
	a.callJSON(t, http.MethodPost, "/admin/channels/sync-federated", testAdminToken, nil, &channels)
	require.Len(t, channels, 1)
	assert.Equal(t, federation.FederatedChannel{Name: "random", OriginServer: "b"},
		federation.FederatedChannel{Name: channels[0].Name, OriginServer: channels[0].OriginServer})
}

func TestAdminServerInfoAndTokens(t *testing.T) {
	s := newTestServer(t, "a")

	var info serverInfo
	s.callJSON(t, http.MethodGet, "/admin/server-info", testAdminToken, nil, &info)
	assert.Equal(t, serverInfo{ServerName: "a", ServerToken: "primary-a"}, info)

	status, _ := s.call(t, http.MethodPost, "/admin/federation-tokens", testAdminToken, federationTokenRequest{Label: "  "})
	assert.Equal(t, http.StatusBadRequest, status)

	var token models.FederationToken
	s.callJSON(t, http.MethodPost, "/admin/federation-tokens", testAdminToken, federationTokenRequest{Label: " partner "}, &token)
	assert.Equal(t, "partner", token.Label)
	assert.NotEmpty(t, token.Token)

	var tokens []models.FederationToken
	s.callJSON(t, http.MethodGet, "/admin/federation-tokens", testAdminToken, nil, &tokens)
	require.Len(t, tokens, 1)

	s.callJSON(t, http.MethodDelete, "/admin/federation-tokens/"+token.ID.String(), testAdminToken, nil, nil)
	status, _ = s.call(t, http.MethodDelete, "/admin/federation-tokens/"+token.ID.String(), testAdminToken, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}
