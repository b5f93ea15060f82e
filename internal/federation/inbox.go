package federation

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"fedchat-backend/internal/apperr"
	"fedchat-backend/internal/calls"
	"fedchat-backend/internal/database"
	"fedchat-backend/internal/hub"
	"fedchat-backend/internal/models"
	"fedchat-backend/internal/presence"
	"fedchat-backend/internal/validator"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxRequestBody = 1 << 20

type InboxDeps struct {
	Store     Store
	Validator *Validator
	Outbox    *Outbox
	Presence  *presence.Store
	Roster    *calls.Roster
	Hub       *hub.Hub
	LocalName string
	Logger    *zap.SugaredLogger
}

// Inbox serves the federation endpoints peers call on this server. Every
// mutating operation tolerates the same delivery arriving more than once.
type Inbox struct {
	store     Store
	validator *Validator
	outbox    *Outbox
	presence  *presence.Store
	roster    *calls.Roster
	hub       *hub.Hub
	localName string
	sugar     *zap.SugaredLogger
}

func NewInbox(d InboxDeps) *Inbox {
	return &Inbox{
		store:     d.Store,
		validator: d.Validator,
		outbox:    d.Outbox,
		presence:  d.Presence,
		roster:    d.Roster,
		hub:       d.Hub,
		localName: d.LocalName,
		sugar:     d.Logger,
	}
}

// Routes is mounted under /federation.
func (in *Inbox) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/messages", in.handleMessage)
	r.Post("/channel-memberships", in.handleChannelMembership)
	r.Get("/presence", in.handlePresence)
	r.Get("/users", in.handleUsers)
	r.Get("/channels", in.handleChannels)
	r.Post("/webrtc-signal", in.handleWebRTCSignal)
	r.Post("/channel-call-event", in.handleChannelCallEvent)
	return r
}

func (in *Inbox) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch status := apperr.Status(err); {
	case status >= http.StatusInternalServerError:
		in.sugar.Errorw("federation request failed", "path", r.URL.Path, "error", err)
	default:
		in.sugar.Debugw("federation request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	apperr.Write(w, err)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v); err != nil {
		return apperr.BadRequest("invalid request body: %v", err)
	}
	return validator.Struct(v)
}

func (in *Inbox) handleMessage(w http.ResponseWriter, r *http.Request) {
	caller, err := in.validator.Authenticate(r.Context(), TokenFromRequest(r))
	if err != nil {
		in.fail(w, r, err)
		return
	}

	var msg FederatedMessage
	if err := decode(r, &msg); err != nil {
		in.fail(w, r, err)
		return
	}

	if err := in.ReceiveMessage(r.Context(), caller, msg); err != nil {
		in.fail(w, r, err)
		return
	}
	writeJSON(w, okResponse)
}

// ReceiveMessage stores an inbound message once, notifies the local recipients
// and, for channels this server owns, relays it to the other peers.
func (in *Inbox) ReceiveMessage(ctx context.Context, caller Caller, msg FederatedMessage) error {
	id, err := uuid.Parse(msg.MessageID)
	if err != nil {
		return apperr.BadRequest("invalid message_id %q", msg.MessageID)
	}
	// stored timestamps are compared as text, so they share one zone and width
	sent, err := time.Parse(time.RFC3339Nano, msg.SentAt)
	if err != nil {
		return apperr.BadRequest("invalid sent_at %q", msg.SentAt)
	}

	if caller.Server != nil && caller.Server.Name != msg.Author.Server {
		in.sugar.Warnw("message author is not from the calling server",
			"caller", caller.Server.Name, "author", msg.Author.Address(), "message_id", msg.MessageID)
	}

	author, err := in.resolveUser(ctx, msg.Author)
	if err != nil {
		return err
	}

	message := models.Message{
		ID:           id,
		Kind:         msg.Kind,
		Body:         msg.Body,
		AuthorUserID: author.ID,
		SentAt:       sent.UTC().Format(database.SentAtLayout),
	}

	switch msg.Kind {
	case models.MessageKindDM:
		if msg.Recipient == nil {
			return apperr.BadRequest("dm without recipient")
		}
		if msg.Recipient.Server != in.localName {
			return apperr.BadRequest("recipient %s is not on this server", msg.Recipient.Address())
		}
		recipient, err := in.store.GetUserByName(ctx, msg.Recipient.Username, nil)
		if err != nil {
			return apperr.Internal(err)
		}
		if recipient == nil {
			return apperr.BadRequest("unknown recipient %q", msg.Recipient.Username)
		}
		message.RecipientUserID = &recipient.ID

		created, err := in.store.CreateMessageWithID(ctx, message)
		if err != nil {
			return apperr.Internal(err)
		}
		if !created {
			in.sugar.Infow("duplicate message ignored", "message_id", msg.MessageID)
			return nil
		}
		in.hub.Broadcast(ctx, hub.NewMessage(&recipient.ID, nil))

	case models.MessageKindChannel:
		if msg.Channel == nil {
			return apperr.BadRequest("channel message without channel")
		}
		channel, _, err := in.store.GetOrCreateChannel(ctx, msg.Channel.Name, msg.Channel.OriginServer)
		if err != nil {
			return apperr.Internal(err)
		}
		message.ChannelID = &channel.ID

		created, err := in.store.CreateMessageWithID(ctx, message)
		if err != nil {
			return apperr.Internal(err)
		}
		if !created {
			in.sugar.Infow("duplicate message ignored", "message_id", msg.MessageID)
			return nil
		}
		in.hub.Broadcast(ctx, hub.NewMessage(nil, &channel.ID))

		if channel.OriginServer == in.localName {
			except := []string{msg.Author.Server}
			if name := caller.ServerName(); name != "" {
				except = append(except, name)
			}
			in.outbox.FanOut(ctx, msg, except...)
		}

	default:
		return apperr.BadRequest("unknown message kind %q", msg.Kind)
	}

	return nil
}

// resolveUser finds the local row for a user named in a federation request,
// creating a reference for users of known peers.
func (in *Inbox) resolveUser(ctx context.Context, fu FederatedUser) (*models.User, error) {
	if fu.Server == in.localName {
		user, err := in.store.GetUserByName(ctx, fu.Username, nil)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		if user == nil {
			return nil, apperr.BadRequest("unknown local user %q", fu.Username)
		}
		return user, nil
	}

	return EnsureRemoteUser(ctx, in.store, fu)
}

// EnsureRemoteUser returns the reference row for a user of a registered peer,
// creating it on first sight and refreshing its display name. An unregistered
// server is Unauthorized.
func EnsureRemoteUser(ctx context.Context, store Store, fu FederatedUser) (*models.User, error) {
	server, err := store.GetServerByName(ctx, fu.Server)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if server == nil {
		return nil, apperr.Unauthorized("unknown server %q", fu.Server)
	}

	user, _, err := store.GetOrCreateUser(ctx, fu.Username, &server.ID)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	if fu.DisplayName != nil && !equalStrings(user.DisplayName, fu.DisplayName) {
		if err := store.SetDisplayName(ctx, user.ID, fu.DisplayName); err != nil {
			return nil, apperr.Internal(err)
		}
		user.DisplayName = fu.DisplayName
	}
	return user, nil
}

func equalStrings(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (in *Inbox) handleChannelMembership(w http.ResponseWriter, r *http.Request) {
	var membership FederatedChannelMembership
	if err := decode(r, &membership); err != nil {
		in.fail(w, r, err)
		return
	}

	if err := in.ReceiveChannelMembership(r.Context(), TokenFromRequest(r), membership); err != nil {
		in.fail(w, r, err)
		return
	}
	writeJSON(w, okResponse)
}

// ReceiveChannelMembership adds a local user to a channel owned by the calling peer.
func (in *Inbox) ReceiveChannelMembership(ctx context.Context, token string, m FederatedChannelMembership) error {
	if _, err := in.validator.AuthenticateAs(ctx, token, m.Channel.OriginServer); err != nil {
		return err
	}

	if m.Member.Server != in.localName {
		return apperr.BadRequest("member %s is not on this server", m.Member.Address())
	}

	member, err := in.store.GetUserByName(ctx, m.Member.Username, nil)
	if err != nil {
		return apperr.Internal(err)
	}
	if member == nil {
		return apperr.BadRequest("unknown member %q", m.Member.Username)
	}

	channel, created, err := in.store.GetOrCreateChannel(ctx, m.Channel.Name, m.Channel.OriginServer)
	if err != nil {
		return apperr.Internal(err)
	}
	if created {
		in.sugar.Infof("Created shadow channel %s of %s", channel.Name, channel.OriginServer)
	}

	if _, err := in.store.AddChannelMember(ctx, channel.ID, member.ID); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// hiddenFilter returns the ids hidden from the caller. Callers without a
// server identity see everything.
func (in *Inbox) hiddenFilter(ctx context.Context, caller Caller, lookup func(context.Context, uuid.UUID) ([]uuid.UUID, error)) (map[uuid.UUID]struct{}, error) {
	hidden := make(map[uuid.UUID]struct{})
	if caller.Kind != CallerPeer || caller.Server == nil {
		return hidden, nil
	}

	ids, err := lookup(ctx, caller.Server.ID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	for _, id := range ids {
		hidden[id] = struct{}{}
	}
	return hidden, nil
}

func (in *Inbox) handlePresence(w http.ResponseWriter, r *http.Request) {
	caller, err := in.validator.Authenticate(r.Context(), TokenFromRequest(r))
	if err != nil {
		in.fail(w, r, err)
		return
	}

	resp, err := in.Presence(r.Context(), caller)
	if err != nil {
		in.fail(w, r, err)
		return
	}
	writeJSON(w, resp)
}

// Presence lists the usernames of online local users visible to the caller.
func (in *Inbox) Presence(ctx context.Context, caller Caller) (PresenceResponse, error) {
	hidden, err := in.hiddenFilter(ctx, caller, in.store.HiddenUserIDs)
	if err != nil {
		return PresenceResponse{}, err
	}

	users, err := in.store.ListLocalUsers(ctx)
	if err != nil {
		return PresenceResponse{}, apperr.Internal(err)
	}

	resp := PresenceResponse{OnlineUsers: []string{}}
	for _, user := range users {
		if _, skip := hidden[user.ID]; skip {
			continue
		}
		if in.presence.IsOnline(user.ID) {
			resp.OnlineUsers = append(resp.OnlineUsers, user.Username)
		}
	}
	return resp, nil
}

func (in *Inbox) handleUsers(w http.ResponseWriter, r *http.Request) {
	caller, err := in.validator.Authenticate(r.Context(), TokenFromRequest(r))
	if err != nil {
		in.fail(w, r, err)
		return
	}

	users, err := in.ListUsers(r.Context(), caller)
	if err != nil {
		in.fail(w, r, err)
		return
	}
	writeJSON(w, users)
}

// ListUsers is the directory of local users visible to the caller.
func (in *Inbox) ListUsers(ctx context.Context, caller Caller) ([]FederatedUser, error) {
	hidden, err := in.hiddenFilter(ctx, caller, in.store.HiddenUserIDs)
	if err != nil {
		return nil, err
	}

	users, err := in.store.ListLocalUsers(ctx)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	list := []FederatedUser{}
	for _, user := range users {
		if _, skip := hidden[user.ID]; skip {
			continue
		}
		list = append(list, FederatedUser{Username: user.Username, Server: in.localName, DisplayName: user.DisplayName})
	}
	return list, nil
}

func (in *Inbox) handleChannels(w http.ResponseWriter, r *http.Request) {
	caller, err := in.validator.Authenticate(r.Context(), TokenFromRequest(r))
	if err != nil {
		in.fail(w, r, err)
		return
	}

	channels, err := in.ListChannels(r.Context(), caller)
	if err != nil {
		in.fail(w, r, err)
		return
	}
	writeJSON(w, channels)
}

// ListChannels returns the channels this server owns that are visible to the caller.
func (in *Inbox) ListChannels(ctx context.Context, caller Caller) ([]FederatedChannel, error) {
	hidden, err := in.hiddenFilter(ctx, caller, in.store.HiddenChannelIDs)
	if err != nil {
		return nil, err
	}

	channels, err := in.store.ListChannelsByOrigin(ctx, in.localName)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	list := []FederatedChannel{}
	for _, channel := range channels {
		if _, skip := hidden[channel.ID]; skip {
			continue
		}
		list = append(list, FederatedChannel{Name: channel.Name, OriginServer: channel.OriginServer})
	}
	return list, nil
}

func (in *Inbox) handleWebRTCSignal(w http.ResponseWriter, r *http.Request) {
	var signal FederatedWebRTCSignal
	if err := decode(r, &signal); err != nil {
		in.fail(w, r, err)
		return
	}

	if err := in.ReceiveWebRTCSignal(r.Context(), TokenFromRequest(r), signal); err != nil {
		in.fail(w, r, err)
		return
	}
	writeJSON(w, okResponse)
}

// ReceiveWebRTCSignal hands a call signal from a peer's user to a local user.
func (in *Inbox) ReceiveWebRTCSignal(ctx context.Context, token string, signal FederatedWebRTCSignal) error {
	if _, err := in.validator.AuthenticateAs(ctx, token, signal.FromUser.Server); err != nil {
		return err
	}

	if signal.ToUser.Server != in.localName {
		return apperr.BadRequest("target %s is not on this server", signal.ToUser.Address())
	}

	target, err := in.store.GetUserByName(ctx, signal.ToUser.Username, nil)
	if err != nil {
		return apperr.Internal(err)
	}
	if target == nil {
		return apperr.BadRequest("unknown target user %q", signal.ToUser.Username)
	}

	payload, err := json.Marshal(signal)
	if err != nil {
		return apperr.Internal(err)
	}
	in.hub.Broadcast(ctx, hub.WebRTCSignal(target.ID, payload))
	return nil
}

func (in *Inbox) handleChannelCallEvent(w http.ResponseWriter, r *http.Request) {
	caller, err := in.validator.Authenticate(r.Context(), TokenFromRequest(r))
	if err != nil {
		in.fail(w, r, err)
		return
	}

	var event FederatedChannelCallEvent
	if err := decode(r, &event); err != nil {
		in.fail(w, r, err)
		return
	}

	if err := in.ReceiveChannelCallEvent(r.Context(), caller, event); err != nil {
		in.fail(w, r, err)
		return
	}
	writeJSON(w, okResponse)
}

// ReceiveChannelCallEvent applies a peer user's join or leave to the local roster.
func (in *Inbox) ReceiveChannelCallEvent(ctx context.Context, caller Caller, event FederatedChannelCallEvent) error {
	channel, err := in.store.GetChannel(ctx, event.Channel.Name, event.Channel.OriginServer)
	if err != nil {
		return apperr.Internal(err)
	}
	if channel == nil {
		return apperr.BadRequest("unknown channel %s of %s", event.Channel.Name, event.Channel.OriginServer)
	}

	participant := calls.Participant{
		Username:   event.Participant.Username,
		ServerName: event.Participant.Server,
		UserID:     event.ParticipantUserID,
	}

	switch event.Event {
	case CallEventJoin:
		in.roster.Join(channel.ID, participant)
		in.hub.Broadcast(ctx, hub.ChannelCallEvent(hub.EventChannelCallJoin, channel.ID, participant))
	case CallEventLeave:
		in.roster.Leave(channel.ID, participant)
		in.hub.Broadcast(ctx, hub.ChannelCallEvent(hub.EventChannelCallLeave, channel.ID, participant))
	default:
		return apperr.BadRequest("invalid event type %q", event.Event)
	}

	in.sugar.Debugw("channel call event", "caller", caller.Kind.String(), "event", event.Event,
		"channel", channel.Name, "participant", event.Participant.Address())
	return nil
}
