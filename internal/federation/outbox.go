package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"fedchat-backend/internal/apperr"
	"fedchat-backend/internal/models"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

const maxResponseBody = 1 << 20

// Outbox pushes federation events to peers. Every request carries this
// server's primary token.
type Outbox struct {
	client    *http.Client
	store     Store
	localName string
	token     string
	sugar     *zap.SugaredLogger

	background    sync.WaitGroup
	backgroundTTL time.Duration
}

func NewOutbox(client *http.Client, store Store, localName, token string, sugar *zap.SugaredLogger) *Outbox {
	return &Outbox{
		client:        client,
		store:         store,
		localName:     localName,
		token:         token,
		sugar:         sugar,
		backgroundTTL: 30 * time.Second,
	}
}

func endpoint(server models.Server, path string) string {
	return strings.TrimRight(server.BaseURL, "/") + path
}

func (o *Outbox) do(ctx context.Context, server models.Server, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return apperr.Internal(err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint(server, path), reader)
	if err != nil {
		return apperr.UpstreamErr(server.Name, err)
	}
	req.Header.Set(TokenHeader, o.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return apperr.UpstreamErr(server.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		o.sugar.Warnw("federation request failed",
			"server", server.Name, "path", path, "status", resp.StatusCode, "body", string(detail))
		return apperr.Upstream(server.Name, resp.StatusCode)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil {
		return apperr.UpstreamErr(server.Name, fmt.Errorf("decoding %s: %w", path, err))
	}
	return nil
}

func (o *Outbox) post(ctx context.Context, server models.Server, path string, body any) error {
	return o.do(ctx, server, http.MethodPost, path, body, nil)
}

func (o *Outbox) get(ctx context.Context, server models.Server, path string, out any) error {
	return o.do(ctx, server, http.MethodGet, path, nil, out)
}

// Peers lists every registered server except this one.
func (o *Outbox) Peers(ctx context.Context) ([]models.Server, error) {
	servers, err := o.store.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(servers, func(s models.Server) bool { return s.Name == o.localName }), nil
}

func (o *Outbox) SendMessage(ctx context.Context, server models.Server, msg FederatedMessage) error {
	o.sugar.Infow("sending federated message", "server", server.Name, "message_id", msg.MessageID, "kind", msg.Kind)
	return o.post(ctx, server, pathMessages, msg)
}

func (o *Outbox) SendChannelMembership(ctx context.Context, server models.Server, membership FederatedChannelMembership) error {
	return o.post(ctx, server, pathChannelMemberships, membership)
}

func (o *Outbox) SendWebRTCSignal(ctx context.Context, server models.Server, signal FederatedWebRTCSignal) error {
	return o.post(ctx, server, pathWebRTCSignal, signal)
}

// SendChannelCallEvent is best effort: failures are logged and dropped.
func (o *Outbox) SendChannelCallEvent(ctx context.Context, server models.Server, event FederatedChannelCallEvent) {
	if err := o.post(ctx, server, pathChannelCallEvent, event); err != nil {
		o.sugar.Warnf("channel-call-event to %s failed: %v", server.Name, err)
	}
}

// BroadcastChannelCallEvent sends the event to every peer.
func (o *Outbox) BroadcastChannelCallEvent(ctx context.Context, event FederatedChannelCallEvent) {
	peers, err := o.Peers(ctx)
	if err != nil {
		o.sugar.Errorf("Couldn't list peers for channel-call-event: %v", err)
		return
	}
	for _, peer := range peers {
		o.SendChannelCallEvent(ctx, peer, event)
	}
}

// GoBroadcastChannelCallEvent runs BroadcastChannelCallEvent in the background,
// detached from ctx's cancellation.
func (o *Outbox) GoBroadcastChannelCallEvent(ctx context.Context, event FederatedChannelCallEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.backgroundTTL)
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		defer cancel()
		o.BroadcastChannelCallEvent(ctx, event)
	}()
}

// BroadcastCallLeave tells peers that a local user left the given calls. It
// returns immediately and matches hub.DisconnectHook.
func (o *Outbox) BroadcastCallLeave(user models.User, channelIDs []uuid.UUID) {
	o.background.Add(1)
	go func() {
		defer o.background.Done()

		ctx, cancel := context.WithTimeout(context.Background(), o.backgroundTTL)
		defer cancel()

		for _, channelID := range channelIDs {
			channel, err := o.store.GetChannelByID(ctx, channelID)
			if err != nil {
				o.sugar.Error(err)
				continue
			}
			if channel == nil {
				continue
			}
			o.BroadcastChannelCallEvent(ctx, FederatedChannelCallEvent{
				Channel:           FederatedChannel{Name: channel.Name, OriginServer: channel.OriginServer},
				Event:             CallEventLeave,
				Participant:       FederatedUser{Username: user.Username, Server: o.localName, DisplayName: user.DisplayName},
				ParticipantUserID: user.ID.String(),
			})
		}
	}()
}

// Wait blocks until background sends have finished.
func (o *Outbox) Wait() {
	o.background.Wait()
}

// SendToChannelMembers delivers msg to every peer with a member in the channel,
// plus the channel's origin when that is a peer. Each server is tried once and
// all failures are returned together.
func (o *Outbox) SendToChannelMembers(ctx context.Context, channel models.Channel, msg FederatedMessage) error {
	servers, err := o.store.ListChannelMemberServers(ctx, channel.ID)
	if err != nil {
		return apperr.Internal(err)
	}

	var result *multierror.Error
	sent := make(map[string]struct{}, len(servers))
	for _, server := range servers {
		if server.Name == o.localName {
			continue
		}
		if _, done := sent[server.Name]; done {
			continue
		}
		sent[server.Name] = struct{}{}
		if err := o.SendMessage(ctx, server, msg); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if _, done := sent[channel.OriginServer]; !done && channel.OriginServer != o.localName {
		origin, err := o.store.GetServerByName(ctx, channel.OriginServer)
		switch {
		case err != nil:
			result = multierror.Append(result, apperr.Internal(err))
		case origin == nil:
			result = multierror.Append(result, apperr.BadRequest("unknown origin server %q", channel.OriginServer))
		default:
			if err := o.SendMessage(ctx, *origin, msg); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	return result.ErrorOrNil()
}

// FanOut relays msg to every peer except the named servers. Failures are logged.
func (o *Outbox) FanOut(ctx context.Context, msg FederatedMessage, except ...string) {
	peers, err := o.Peers(ctx)
	if err != nil {
		o.sugar.Errorf("Couldn't list peers for fan-out: %v", err)
		return
	}
	for _, peer := range peers {
		if slices.Contains(except, peer.Name) {
			continue
		}
		if err := o.SendMessage(ctx, peer, msg); err != nil {
			o.sugar.Warnf("fan-out of message %s to %s failed: %v", msg.MessageID, peer.Name, err)
		}
	}
}

// FetchPresence returns the bare usernames online on the peer.
func (o *Outbox) FetchPresence(ctx context.Context, server models.Server) ([]string, error) {
	var resp PresenceResponse
	if err := o.get(ctx, server, pathPresence, &resp); err != nil {
		return nil, err
	}
	return resp.OnlineUsers, nil
}

func (o *Outbox) FetchChannels(ctx context.Context, server models.Server) ([]FederatedChannel, error) {
	var channels []FederatedChannel
	if err := o.get(ctx, server, pathChannels, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

func (o *Outbox) FetchUsers(ctx context.Context, server models.Server) ([]FederatedUser, error) {
	var users []FederatedUser
	if err := o.get(ctx, server, pathUsers, &users); err != nil {
		return nil, err
	}
	return users, nil
}
