// Package hub fans notifications out to the push-stream connections of local
// users. With a redis client the notifications are also shared with the other
// processes serving the same server.
package hub

import (
	"context"
	"encoding/json"

	"fedchat-backend/internal/calls"
	"fedchat-backend/internal/models"
	"fedchat-backend/internal/presence"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisChannel = "fedchat:notifications"

// DisconnectHook is told which calls a disconnecting user was removed from so
// that peers can be informed. It must not block.
type DisconnectHook func(user models.User, channelIDs []uuid.UUID)

type Options struct {
	ServerName   string
	Presence     *presence.Store
	Roster       *calls.Roster
	Redis        *redis.Client // nil when self-contained
	OnDisconnect DisconnectHook
}

type Hub struct {
	local        *LocalPubSub
	presence     *presence.Store
	roster       *calls.Roster
	serverName   string
	redisClient  *redis.Client
	origin       string
	onDisconnect DisconnectHook
	sugar        *zap.SugaredLogger
}

// envelope is the redis wire format; origin lets a process skip its own publishes.
type envelope struct {
	Origin       string       `json:"origin"`
	Notification Notification `json:"notification"`
}

func New(sugar *zap.SugaredLogger, opts Options) *Hub {
	return &Hub{
		local:        NewLocalPubSub(),
		presence:     opts.Presence,
		roster:       opts.Roster,
		serverName:   opts.ServerName,
		redisClient:  opts.Redis,
		origin:       uuid.NewString(),
		onDisconnect: opts.OnDisconnect,
		sugar:        sugar,
	}
}

func (h *Hub) Subscribe(id int64) *Subscription {
	return h.local.Subscribe(id)
}

func (h *Hub) Unsubscribe(id int64) {
	h.local.Unsubscribe(id)
}

// Broadcast delivers n to every local subscriber and, in redis mode, to the
// other processes.
func (h *Hub) Broadcast(ctx context.Context, n Notification) {
	h.deliver(n)

	if h.redisClient == nil {
		return
	}

	payload, err := json.Marshal(envelope{Origin: h.origin, Notification: n})
	if err != nil {
		h.sugar.Error(err)
		return
	}
	if err := h.redisClient.Publish(ctx, redisChannel, payload).Err(); err != nil {
		h.sugar.Errorf("Couldn't publish %s notification to redis: %v", n.Event, err)
	}
}

func (h *Hub) deliver(n Notification) {
	if missed := h.local.Publish(n); missed > 0 {
		h.sugar.Warnf("%d of %d subscribers missed a %s notification", missed, h.local.Len(), n.Event)
	}
}

// Run relays notifications published by other processes until ctx is done.
// Without redis it only waits for ctx.
func (h *Hub) Run(ctx context.Context) error {
	if h.redisClient == nil {
		<-ctx.Done()
		return nil
	}

	pubsub := h.redisClient.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.sugar.Error(err)
				continue
			}
			if env.Origin == h.origin {
				continue
			}
			h.deliver(env.Notification)
		}
	}
}
