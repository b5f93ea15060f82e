package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"fedchat-backend/internal/apperr"
	"fedchat-backend/internal/calls"
	"fedchat-backend/internal/hub"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestReceiveDirectMessageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "a")
	b := newNode(t, "b")
	link(t, a, b)
	alice := a.localUser(t, "alice")

	msg := dm(FederatedUser{Username: "bob", Server: "b"}, FederatedUser{Username: "alice", Server: "a"}, "hi alice")

	for range 2 {
		resp := postJSON(t, a.server.URL+pathMessages, b.token, msg)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	messages, err := a.store.ListMessagesForUser(ctx, alice.ID, 50)
	require.NoError(t, err)
	require.Len(t, messages, 1, "a redelivered message is stored once")
	assert.Equal(t, msg.MessageID, messages[0].ID.String())
	assert.Equal(t, "hi alice", messages[0].Body)

	bPeer := a.peer(t, "b")
	bob, err := a.store.GetUserByName(ctx, "bob", &bPeer.ID)
	require.NoError(t, err)
	require.NotNil(t, bob, "the author reference is created on first sight")
	assert.False(t, bob.IsLocal)
	assert.Equal(t, bob.ID, messages[0].AuthorUserID)

	n := a.notifications()
	require.Len(t, n, 1, "duplicates do not notify")
	assert.Equal(t, hub.NewMessage(&alice.ID, nil), n[0])
}

func TestReceiveMessageRejections(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "a")
	b := newNode(t, "b")
	link(t, a, b)
	a.localUser(t, "alice")
	caller := a.callerFor(t, b.token)

	bob := FederatedUser{Username: "bob", Server: "b"}
	alice := FederatedUser{Username: "alice", Server: "a"}

	unknownServer := dm(FederatedUser{Username: "mallory", Server: "z"}, alice, "hi")
	badID := dm(bob, alice, "hi")
	badID.MessageID = "not-a-uuid"
	noRecipient := dm(bob, alice, "hi")
	noRecipient.Recipient = nil
	noChannel := channelMessage(bob, FederatedChannel{}, "hi")
	noChannel.Channel = nil

	tests := []struct {
		name    string
		msg     FederatedMessage
		wantErr error
	}{
		{name: "author on unregistered server", msg: unknownServer, wantErr: apperr.ErrUnauthorized},
		{name: "unknown recipient", msg: dm(bob, FederatedUser{Username: "nobody", Server: "a"}, "hi"), wantErr: apperr.ErrBadRequest},
		{name: "recipient on another server", msg: dm(bob, FederatedUser{Username: "carol", Server: "c"}, "hi"), wantErr: apperr.ErrBadRequest},
		{name: "invalid message id", msg: badID, wantErr: apperr.ErrBadRequest},
		{name: "dm without recipient", msg: noRecipient, wantErr: apperr.ErrBadRequest},
		{name: "channel message without channel", msg: noChannel, wantErr: apperr.ErrBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.inbox.ReceiveMessage(ctx, caller, tt.msg)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
	assert.Empty(t, a.notifications())
}

func TestHandleMessageStatusCodes(t *testing.T) {
	a := newNode(t, "a")
	b := newNode(t, "b")
	link(t, a, b)
	a.localUser(t, "alice")

	msg := dm(FederatedUser{Username: "bob", Server: "b"}, FederatedUser{Username: "alice", Server: "a"}, "hi")

	resp := postJSON(t, a.server.URL+pathMessages, "", msg)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, a.server.URL+pathMessages, "wrong", msg)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	invalid := msg
	invalid.Kind = "shout"
	resp = postJSON(t, a.server.URL+pathMessages, b.token, invalid)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, a.server.URL+pathMessages, b.token, map[string]string{"message_id": uuid.NewString()})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReceiveChannelMessageFansOut(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "a")
	b := newNode(t, "b")
	link(t, a, b)

	recC := newRecorder(t, http.StatusOK, okResponse)
	recD := newRecorder(t, http.StatusOK, okResponse)
	recC.register(t, a, "c")
	recD.register(t, a, "d")

	general, err := a.store.CreateChannel(ctx, "general", "a")
	require.NoError(t, err)

	msg := channelMessage(FederatedUser{Username: "bob", Server: "b"},
		FederatedChannel{Name: "general", OriginServer: "a"}, "hello all")
	caller := a.callerFor(t, b.token)

	require.NoError(t, a.inbox.ReceiveMessage(ctx, caller, msg))
	require.NoError(t, a.inbox.ReceiveMessage(ctx, caller, msg))

	messages, err := a.store.ListChannelMessages(ctx, general.ID, 50)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	assert.Len(t, recC.Requests(), 1, "each other peer gets the message once")
	assert.Len(t, recD.Requests(), 1)

	var relayed FederatedMessage
	require.NoError(t, json.Unmarshal(recC.Requests()[0].Body, &relayed))
	assert.Equal(t, msg.MessageID, relayed.MessageID)
	assert.Equal(t, a.token, recC.Requests()[0].Token)

	n := a.notifications()
	require.Len(t, n, 1)
	assert.Equal(t, hub.NewMessage(nil, &general.ID), n[0])
}

func TestReceiveChannelMessageForForeignChannel(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "a")
	b := newNode(t, "b")
	link(t, a, b)

	recC := newRecorder(t, http.StatusOK, okResponse)
	recC.register(t, a, "c")

	msg := channelMessage(FederatedUser{Username: "bob", Server: "b"},
		FederatedChannel{Name: "lobby", OriginServer: "b"}, "hey")
	require.NoError(t, a.inbox.ReceiveMessage(ctx, a.callerFor(t, b.token), msg))

	lobby, err := a.store.GetChannel(ctx, "lobby", "b")
	require.NoError(t, err)
	require.NotNil(t, lobby, "a shadow channel is created")

	messages, err := a.store.ListChannelMessages(ctx, lobby.ID, 50)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
	assert.Empty(t, recC.Requests(), "only the origin relays channel messages")
}

func TestReceiveChannelMembership(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "a")
	b := newNode(t, "b")
	c := newNode(t, "c")
	link(t, a, b)
	link(t, a, c)
	alice := a.localUser(t, "alice")

	membership := FederatedChannelMembership{
		Channel: FederatedChannel{Name: "lobby", OriginServer: "b"},
		Member:  FederatedUser{Username: "alice", Server: "a"},
	}

	for range 2 {
		resp := postJSON(t, a.server.URL+pathChannelMemberships, b.token, membership)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	lobby, err := a.store.GetChannel(ctx, "lobby", "b")
	require.NoError(t, err)
	require.NotNil(t, lobby)

	member, err := a.store.IsChannelMember(ctx, lobby.ID, alice.ID)
	require.NoError(t, err)
	assert.True(t, member)

	members, err := a.store.ListChannelMembers(ctx, lobby.ID)
	require.NoError(t, err)
	assert.Len(t, members, 1)

	tests := []struct {
		name    string
		token   string
		m       FederatedChannelMembership
		wantErr error
	}{
		{
			name:    "channel owned by another peer",
			token:   c.token,
			m:       membership,
			wantErr: apperr.ErrUnauthorized,
		},
		{
			name:  "unknown member",
			token: b.token,
			m: FederatedChannelMembership{
				Channel: membership.Channel,
				Member:  FederatedUser{Username: "nobody", Server: "a"},
			},
			wantErr: apperr.ErrBadRequest,
		},
		{
			name:  "member on another server",
			token: b.token,
			m: FederatedChannelMembership{
				Channel: membership.Channel,
				Member:  FederatedUser{Username: "carol", Server: "c"},
			},
			wantErr: apperr.ErrBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.inbox.ReceiveChannelMembership(ctx, tt.token, tt.m)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestDirectoryHidesFromPeers(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "a")
	b := newNode(t, "b")
	link(t, a, b)

	alice := a.localUser(t, "alice")
	carol := a.localUser(t, "carol")
	a.localUser(t, "dave")
	a.presence.MarkOnline(alice.ID)
	a.presence.MarkOnline(carol.ID)

	general, err := a.store.CreateChannel(ctx, "general", "a")
	require.NoError(t, err)
	secret, err := a.store.CreateChannel(ctx, "secret", "a")
	require.NoError(t, err)
	_, err = a.store.CreateChannel(ctx, "lobby", "b")
	require.NoError(t, err)

	bPeer := a.peer(t, "b")
	require.NoError(t, a.store.SetHiddenUsers(ctx, bPeer.ID, []uuid.UUID{carol.ID}))
	require.NoError(t, a.store.SetHiddenChannels(ctx, bPeer.ID, []uuid.UUID{secret.ID}))

	supplemental, err := a.store.CreateFederationToken(ctx, "bridge")
	require.NoError(t, err)

	peer := a.callerFor(t, b.token)
	bridge := a.callerFor(t, supplemental.Token)

	presenceForPeer, err := a.inbox.Presence(ctx, peer)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice"}, presenceForPeer.OnlineUsers)

	presenceForBridge, err := a.inbox.Presence(ctx, bridge)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "carol"}, presenceForBridge.OnlineUsers)

	usersForPeer, err := a.inbox.ListUsers(ctx, peer)
	require.NoError(t, err)
	assert.ElementsMatch(t, []FederatedUser{
		{Username: "alice", Server: "a"},
		{Username: "dave", Server: "a"},
	}, usersForPeer)

	usersForBridge, err := a.inbox.ListUsers(ctx, bridge)
	require.NoError(t, err)
	assert.Len(t, usersForBridge, 3)

	channelsForPeer, err := a.inbox.ListChannels(ctx, peer)
	require.NoError(t, err)
	assert.Equal(t, []FederatedChannel{{Name: general.Name, OriginServer: "a"}}, channelsForPeer)

	channelsForBridge, err := a.inbox.ListChannels(ctx, bridge)
	require.NoError(t, err)
	assert.Len(t, channelsForBridge, 2, "only channels this server owns are listed")
}

func TestHandlePresenceOverHTTP(t *testing.T) {
	a := newNode(t, "a")
	b := newNode(t, "b")
	link(t, a, b)

	alice := a.localUser(t, "alice")
	a.presence.MarkOnline(alice.ID)

	online, err := b.outbox.FetchPresence(context.Background(), b.peer(t, "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, online)

	req, err := http.NewRequest(http.MethodGet, a.server.URL+pathPresence, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestReceiveWebRTCSignal(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "a")
	b := newNode(t, "b")
	c := newNode(t, "c")
	link(t, a, b)
	link(t, a, c)
	alice := a.localUser(t, "alice")

	signal := FederatedWebRTCSignal{
		FromUser:   FederatedUser{Username: "bob", Server: "b"},
		ToUser:     FederatedUser{Username: "alice", Server: "a"},
		SignalType: "offer",
		Payload:    `{"sdp":"v=0"}`,
	}

	resp := postJSON(t, a.server.URL+pathWebRTCSignal, b.token, signal)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	n := a.notifications()
	require.Len(t, n, 1)
	assert.Equal(t, hub.EventWebRTCSignal, n[0].Event)
	assert.Equal(t, alice.ID.String(), n[0].TargetUserID)

	var relayed FederatedWebRTCSignal
	require.NoError(t, json.Unmarshal([]byte(n[0].Payload), &relayed))
	assert.Equal(t, signal, relayed)

	err := a.inbox.ReceiveWebRTCSignal(ctx, c.token, signal)
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized), "a peer cannot speak for another server, got %v", err)

	unknown := signal
	unknown.ToUser = FederatedUser{Username: "nobody", Server: "a"}
	err = a.inbox.ReceiveWebRTCSignal(ctx, b.token, unknown)
	assert.True(t, errors.Is(err, apperr.ErrBadRequest), "got %v", err)

	badType := signal
	badType.SignalType = "smoke"
	resp = postJSON(t, a.server.URL+pathWebRTCSignal, b.token, badType)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReceiveChannelCallEvent(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "a")
	b := newNode(t, "b")
	link(t, a, b)

	general, err := a.store.CreateChannel(ctx, "general", "a")
	require.NoError(t, err)
	caller := a.callerFor(t, b.token)

	bobID := uuid.NewString()
	event := FederatedChannelCallEvent{
		Channel:           FederatedChannel{Name: "general", OriginServer: "a"},
		Event:             CallEventJoin,
		Participant:       FederatedUser{Username: "bob", Server: "b"},
		ParticipantUserID: bobID,
	}
	bob := calls.Participant{Username: "bob", ServerName: "b", UserID: bobID}

	resp := postJSON(t, a.server.URL+pathChannelCallEvent, b.token, event)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []calls.Participant{bob}, a.roster.Participants(general.ID))

	leave := event
	leave.Event = CallEventLeave
	require.NoError(t, a.inbox.ReceiveChannelCallEvent(ctx, caller, leave))
	assert.Empty(t, a.roster.Participants(general.ID))

	assert.Equal(t, []hub.Notification{
		hub.ChannelCallEvent(hub.EventChannelCallJoin, general.ID, bob),
		hub.ChannelCallEvent(hub.EventChannelCallLeave, general.ID, bob),
	}, a.notifications())

	invalid := event
	invalid.Event = "dance"
	err = a.inbox.ReceiveChannelCallEvent(ctx, caller, invalid)
	assert.True(t, errors.Is(err, apperr.ErrBadRequest), "got %v", err)

	unknown := event
	unknown.Channel = FederatedChannel{Name: "nowhere", OriginServer: "a"}
	err = a.inbox.ReceiveChannelCallEvent(ctx, caller, unknown)
	assert.True(t, errors.Is(err, apperr.ErrBadRequest), "got %v", err)
	assert.Empty(t, a.notifications())

}

func TestReceiveMessageNormalizesSentAt(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "a")
	b := newNode(t, "b")
	link(t, a, b)
	alice := a.localUser(t, "alice")
	caller := a.callerFor(t, b.token)

	bob := FederatedUser{Username: "bob", Server: "b"}
	to := FederatedUser{Username: "alice", Server: "a"}

	// arrival order differs from send order, and so do the offsets
	sends := []struct {
		body   string
		sentAt string
	}{
		{"third", "2026-01-01T09:30:00-01:00"},
		{"second", "2026-01-01T10:00:00.500Z"},
		{"first", "2026-01-01T10:00:00Z"},
	}
	for _, send := range sends {
		msg := dm(bob, to, send.body)
		msg.SentAt = send.sentAt
		require.NoError(t, a.inbox.ReceiveMessage(ctx, caller, msg))
	}

	messages, err := a.store.ListMessagesForUser(ctx, alice.ID, 50)
	require.NoError(t, err)
	var bodies, stamps []string
	for _, m := range messages {
		bodies = append(bodies, m.Body)
		stamps = append(stamps, m.SentAt)
	}
	assert.Equal(t, []string{"first", "second", "third"}, bodies)
	assert.Equal(t, []string{
		"2026-01-01T10:00:00.000Z",
		"2026-01-01T10:00:00.500Z",
		"2026-01-01T10:30:00.000Z",
	}, stamps)

	bad := dm(bob, to, "when?")
	bad.SentAt = "yesterday"
	err = a.inbox.ReceiveMessage(ctx, caller, bad)
	assert.True(t, errors.Is(err, apperr.ErrBadRequest), "got %v", err)
}
