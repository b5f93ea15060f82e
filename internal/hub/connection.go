package hub

import (
	"context"
	"sync"

	"fedchat-backend/internal/calls"
	"fedchat-backend/internal/models"
	"fedchat-backend/internal/presence"
)

// Connection is one open push stream of a local user.
type Connection struct {
	ID   int64
	User models.User

	hub       *Hub
	guard     *presence.Guard
	sub       *Subscription
	closeOnce sync.Once
}

// Open marks the user online, subscribes the connection and tells everyone
// that presence changed.
func (h *Hub) Open(ctx context.Context, id int64, user models.User) *Connection {
	conn := &Connection{
		ID:    id,
		User:  user,
		hub:   h,
		guard: h.presence.Acquire(user.ID),
		sub:   h.Subscribe(id),
	}
	h.sugar.Debugf("Opened connection [%d] for user %s", id, user.Username)

	h.Broadcast(ctx, PresenceChanged())
	return conn
}

// Notifications is closed once the connection is closed.
func (c *Connection) Notifications() <-chan Notification {
	return c.sub.C()
}

// Wants reports whether n is meant for this connection's user.
func (c *Connection) Wants(n Notification) bool {
	return n.TargetUserID == "" || n.TargetUserID == c.User.ID.String()
}

// Close releases everything the connection holds. Only the first call has an effect.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		h := c.hub
		ctx := context.Background()

		h.Unsubscribe(c.ID)
		c.guard.Release()

		affected := h.roster.LeaveAll(c.User.Username, h.serverName)
		participant := calls.Participant{
			Username:   c.User.Username,
			ServerName: h.serverName,
			UserID:     c.User.ID.String(),
		}
		for _, channelID := range affected {
			h.Broadcast(ctx, ChannelCallEvent(EventChannelCallLeave, channelID, participant))
		}
		if len(affected) > 0 && h.onDisconnect != nil {
			h.onDisconnect(c.User, affected)
		}

		h.Broadcast(ctx, PresenceChanged())
		h.sugar.Debugf("Closed connection [%d] for user %s", c.ID, c.User.Username)
	})
}
