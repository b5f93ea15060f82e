package federation

import (
	"context"
	"testing"

	"fedchat-backend/internal/hub"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string {
	return &s
}

func TestSyncOnce(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "a")
	b := newNode(t, "b")
	c := newNode(t, "c")
	link(t, a, b)
	link(t, a, c)

	bob := b.localUser(t, "bob")
	barbara := b.localUser(t, "barbara")
	require.NoError(t, b.store.SetDisplayName(ctx, bob.ID, strPtr("Bobby")))
	b.presence.MarkOnline(bob.ID)
	b.presence.MarkOnline(barbara.ID)
	_, err := b.store.CreateChannel(ctx, "lobby", "b")
	require.NoError(t, err)

	bPeer := a.peer(t, "b")
	staleBob, _, err := a.store.GetOrCreateUser(ctx, "bob", &bPeer.ID)
	require.NoError(t, err)

	// c goes away; its poll fails and it is skipped
	c.server.Close()

	a.syncer.SyncOnce(ctx)

	assert.Equal(t, []string{"barbara@b", "bob@b"}, a.presence.RemoteUsers())
	assert.Equal(t, []hub.Notification{hub.PresenceChanged()}, a.notifications(),
		"one coalesced notification per pass")

	lobby, err := a.store.GetChannel(ctx, "lobby", "b")
	require.NoError(t, err)
	assert.NotNil(t, lobby, "peer channels are shadowed locally")

	refreshed, err := a.store.GetUserByID(ctx, staleBob.ID)
	require.NoError(t, err)
	require.NotNil(t, refreshed.DisplayName)
	assert.Equal(t, "Bobby", *refreshed.DisplayName)

	unknown, err := a.store.GetUserByName(ctx, "barbara", &bPeer.ID)
	require.NoError(t, err)
	assert.Nil(t, unknown, "sync only refreshes users already known")

	a.syncer.SyncOnce(ctx)
	assert.Empty(t, a.notifications(), "an unchanged pass is silent")

	b.presence.MarkOffline(barbara.ID)
	a.syncer.SyncOnce(ctx)
	assert.Equal(t, []string{"bob@b"}, a.presence.RemoteUsers())
	assert.Len(t, a.notifications(), 1)
}

func TestSyncOnceRespectsHiddenUsers(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "a")
	b := newNode(t, "b")
	link(t, a, b)

	bob := b.localUser(t, "bob")
	secret := b.localUser(t, "secret")
	b.presence.MarkOnline(bob.ID)
	b.presence.MarkOnline(secret.ID)

	aPeer := b.peer(t, "a")
	require.NoError(t, b.store.SetHiddenUsers(ctx, aPeer.ID, []uuid.UUID{secret.ID}))

	a.syncer.SyncOnce(ctx)
	assert.Equal(t, []string{"bob@b"}, a.presence.RemoteUsers())
}

func TestSyncUsersAndChannels(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, "a")
	b := newNode(t, "b")
	link(t, a, b)

	a.localUser(t, "alice")
	bob := b.localUser(t, "bob")
	require.NoError(t, b.store.SetDisplayName(ctx, bob.ID, strPtr("Bobby")))
	b.localUser(t, "alice")
	_, err := b.store.CreateChannel(ctx, "lobby", "b")
	require.NoError(t, err)
	_, err = b.store.CreateChannel(ctx, "random", "b")
	require.NoError(t, err)

	users, err := a.syncer.SyncUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1, "a local user of the same name shadows the remote one")
	assert.Equal(t, "bob", users[0].Username)
	require.NotNil(t, users[0].DisplayName)
	assert.Equal(t, "Bobby", *users[0].DisplayName)

	users, err = a.syncer.SyncUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users, "a second import creates nothing")

	channels, err := a.syncer.SyncChannels(ctx)
	require.NoError(t, err)
	assert.Len(t, channels, 2)

	channels, err = a.syncer.SyncChannels(ctx)
	require.NoError(t, err)
	assert.Empty(t, channels)
}
